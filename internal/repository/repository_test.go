package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "postflow.db") + "?_pragma=busy_timeout(5000)"
	if err := Migrate(SQLite, dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := Open(SQLite, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedAccount(t *testing.T, db *DB, platform, token string, expires *time.Time) int64 {
	t.Helper()
	var exp any
	if expires != nil {
		exp = expires.UTC()
	}
	now := time.Now().UTC()
	var id int64
	err := db.QueryRow(db.Rebind(`
		INSERT INTO social_accounts (user_id, platform, account_id, account_name, access_token, refresh_token, token_expires_at, account_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`),
		1, platform, "ext-"+platform, "acct", token, "refresh-"+token, exp, models.AccountStatusActive, now, now,
	).Scan(&id)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return id
}

func TestRebind(t *testing.T) {
	pg := &DB{Dialect: Postgres}
	lite := &DB{Dialect: SQLite}
	q := "SELECT 1 WHERE a = $1 AND b = $2"
	if got := pg.Rebind(q); got != q {
		t.Fatalf("postgres query changed: %s", got)
	}
	if got := lite.Rebind(q); got != "SELECT 1 WHERE a = ?1 AND b = ?2" {
		t.Fatalf("unexpected sqlite query: %s", got)
	}
}

func TestPostAttemptInsertIsExclusive(t *testing.T) {
	db := newTestDB(t)
	repo := NewPostAttemptRepository(db)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Insert(ctx, &models.PostAttempt{
				PostID: 7, Platform: models.PlatformInstagram, AccountID: 3,
				IdempotencyKey: "same-key", Status: models.AttemptStatusPosting,
			})
			if err != nil {
				t.Errorf("insert: %v", err)
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}

	a, err := repo.GetByKey(ctx, "same-key")
	if err != nil || a == nil {
		t.Fatalf("get by key: %v %v", a, err)
	}
	if a.Status != models.AttemptStatusPosting || a.PostID != 7 {
		t.Fatalf("unexpected row %+v", a)
	}
}

func TestPostAttemptTransitionIsConditional(t *testing.T) {
	db := newTestDB(t)
	repo := NewPostAttemptRepository(db)
	ctx := context.Background()

	if _, err := repo.Insert(ctx, &models.PostAttempt{PostID: 1, Platform: "tiktok", AccountID: 2, IdempotencyKey: "k", Status: models.AttemptStatusPosting}); err != nil {
		t.Fatal(err)
	}

	ext := "v_123"
	ok, err := repo.Transition(ctx, "k", models.AttemptStatusPosting, models.AttemptStatusPosted, &ext, nil)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	msg := "late"
	ok, err = repo.Transition(ctx, "k", models.AttemptStatusPosting, models.AttemptStatusFailed, nil, &msg)
	if err != nil || ok {
		t.Fatalf("second transition must not apply: ok=%v err=%v", ok, err)
	}

	a, _ := repo.GetByKey(ctx, "k")
	if a.Status != models.AttemptStatusPosted || a.External() != "v_123" || a.ErrorMessage != nil {
		t.Fatalf("unexpected final row %+v", a)
	}
	if missing, _ := repo.GetByKey(ctx, "nope"); missing != nil {
		t.Fatal("expected nil for unknown key")
	}
}

func TestPostAttemptMarkStaleAndList(t *testing.T) {
	db := newTestDB(t)
	repo := NewPostAttemptRepository(db)
	ctx := context.Background()

	for i, key := range []string{"a", "b"} {
		if _, err := repo.Insert(ctx, &models.PostAttempt{PostID: 9, Platform: "threads", AccountID: 4, PartIndex: i + 1, IdempotencyKey: key, Status: models.AttemptStatusPosting}); err != nil {
			t.Fatal(err)
		}
	}
	ext := "t1"
	if _, err := repo.Transition(ctx, "a", models.AttemptStatusPosting, models.AttemptStatusPosted, &ext, nil); err != nil {
		t.Fatal(err)
	}

	n, err := repo.MarkStale(ctx, time.Now().Add(time.Minute), "interrupted")
	if err != nil || n != 1 {
		t.Fatalf("expected one stale row, got n=%d err=%v", n, err)
	}

	failed, err := repo.ListByPostID(ctx, 9, models.AttemptStatusFailed)
	if err != nil || len(failed) != 1 || failed[0].IdempotencyKey != "b" || failed[0].ErrorText() != "interrupted" {
		t.Fatalf("unexpected failed rows %+v err=%v", failed, err)
	}
	all, _ := repo.ListByPostID(ctx, 9, "")
	if len(all) != 2 || all[0].PartIndex != 1 || all[1].PartIndex != 2 {
		t.Fatalf("expected both parts in order, got %+v", all)
	}
}

func TestSocialAccountSetTokenCompareAndSwap(t *testing.T) {
	db := newTestDB(t)
	repo := NewSocialAccountRepository(db)
	ctx := context.Background()

	soon := time.Now().Add(time.Hour)
	id := seedAccount(t, db, models.PlatformTiktok, "old", &soon)

	later := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	ok, err := repo.SetToken(ctx, id, "old", models.TokenUpdate{
		AccessToken: "new",
		ExpiresAt:   sql.NullTime{Time: later, Valid: true},
		RefreshedAt: time.Now(),
	})
	if err != nil || !ok {
		t.Fatalf("expected swap, ok=%v err=%v", ok, err)
	}
	ok, err = repo.SetToken(ctx, id, "old", models.TokenUpdate{AccessToken: "other", RefreshedAt: time.Now()})
	if err != nil || ok {
		t.Fatalf("stale swap must lose, ok=%v err=%v", ok, err)
	}

	sa, err := repo.GetByID(ctx, id)
	if err != nil || sa == nil {
		t.Fatalf("get: %v", err)
	}
	if sa.AccessToken != "new" || sa.RefreshToken.String != "refresh-old" {
		t.Fatalf("unexpected tokens %q %q", sa.AccessToken, sa.RefreshToken.String)
	}
	if !sa.TokenExpiresAt.Valid || !sa.TokenExpiresAt.Time.Equal(later.UTC()) || !sa.LastRefreshedAt.Valid {
		t.Fatalf("unexpected timestamps %+v", sa)
	}
}

func TestSocialAccountListExpiring(t *testing.T) {
	db := newTestDB(t)
	repo := NewSocialAccountRepository(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	far := time.Now().Add(30 * 24 * time.Hour)
	expired := seedAccount(t, db, models.PlatformInstagram, "a", &past)
	seedAccount(t, db, models.PlatformPinterest, "b", &far)
	noExpiry := seedAccount(t, db, models.PlatformYoutube, "c", nil)
	disconnected := seedAccount(t, db, models.PlatformThreads, "d", &past)
	if err := repo.SetStatus(ctx, disconnected, models.AccountStatusReconnectNeeded); err != nil {
		t.Fatal(err)
	}

	got, err := repo.ListExpiring(ctx, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != expired || got[1].ID != noExpiry {
		t.Fatalf("unexpected expiring set %+v", got)
	}
}

func TestPostRoundTripWithDestinationsAndMedia(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	posts := NewPostRepository(db)
	selected := NewSelectedAccountRepository(db)
	assets := NewMediaAssetRepository(db)
	postMedia := NewPostMediaRepository(db)

	acct := seedAccount(t, db, models.PlatformPinterest, "tok", nil)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	postID, err := posts.Create(ctx, tx, &models.Post{
		UserID: 1, PostType: models.PostTypeSingle, Caption: "hello",
		Overrides: map[string]string{"pinterest": "pin text"},
		Thread:    []string{"one", "two"}, Numbered: true,
		ScheduledTime: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := selected.Create(ctx, tx, postID, models.Destination{AccountID: acct, Options: map[string]string{"board_id": "b1"}}); err != nil {
		t.Fatal(err)
	}
	for i, name := range []string{"second.jpg", "first.jpg"} {
		assetID, err := assets.Create(ctx, tx, &models.MediaAsset{UserID: 1, FileName: name, FileType: "image/jpeg"})
		if err != nil {
			t.Fatal(err)
		}
		if err := postMedia.Create(ctx, tx, &models.PostMedia{PostID: postID, AssetID: assetID, DisplayOrder: 1 - i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	p, err := posts.GetByID(ctx, postID)
	if err != nil || p == nil {
		t.Fatalf("get post: %v", err)
	}
	if p.TextFor("pinterest") != "pin text" || p.TextFor("tiktok") != "hello" || !p.IsThread() || !p.Numbered {
		t.Fatalf("unexpected post %+v", p)
	}
	if p.Status != models.PostStatusScheduled {
		t.Fatalf("expected scheduled status, got %s", p.Status)
	}

	dests, err := selected.ListByPostID(ctx, postID)
	if err != nil || len(dests) != 1 || dests[0].Platform != models.PlatformPinterest || dests[0].Options["board_id"] != "b1" {
		t.Fatalf("unexpected destinations %+v err=%v", dests, err)
	}

	refs, err := postMedia.ListRefsByPostID(ctx, postID)
	if err != nil || len(refs) != 2 || refs[0].Key != "first.jpg" {
		t.Fatalf("unexpected media order %+v err=%v", refs, err)
	}

	if err := posts.UpdatePostStatus(ctx, models.PostStatusPartial, postID); err != nil {
		t.Fatal(err)
	}
	owned, _ := posts.CheckByUserID(ctx, postID, 1)
	foreign, _ := posts.CheckByUserID(ctx, postID, 2)
	if !owned || foreign {
		t.Fatalf("ownership check wrong: owned=%v foreign=%v", owned, foreign)
	}
}
