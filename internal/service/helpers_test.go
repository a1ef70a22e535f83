package service

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/pkg/utils"
)

func newTestDB(t *testing.T) *repository.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "service.db") + "?_pragma=busy_timeout(5000)"
	if err := repository.Migrate(repository.SQLite, dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := repository.Open(repository.SQLite, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestCipher(t *testing.T) *utils.TokenCipher {
	t.Helper()
	c, err := utils.NewTokenCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

type accountSeed struct {
	platform      string
	token         string
	refreshToken  string
	expiresAt     *time.Time
	lastRefreshed *time.Time
}

func seedAccount(t *testing.T, db *repository.DB, c *utils.TokenCipher, s accountSeed) int64 {
	t.Helper()
	access, err := c.Encrypt(s.token)
	if err != nil {
		t.Fatal(err)
	}
	var refresh, exp, last any
	if s.refreshToken != "" {
		if refresh, err = c.Encrypt(s.refreshToken); err != nil {
			t.Fatal(err)
		}
	}
	if s.expiresAt != nil {
		exp = s.expiresAt.UTC()
	}
	if s.lastRefreshed != nil {
		last = s.lastRefreshed.UTC()
	}
	now := time.Now().UTC()
	var id int64
	err = db.QueryRow(db.Rebind(`
		INSERT INTO social_accounts (user_id, platform, account_id, account_name, access_token, refresh_token, token_expires_at, last_refreshed_at, account_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`),
		1, s.platform, "ext-"+s.platform, "acct-"+s.platform, access, refresh, exp, last, models.AccountStatusActive, now, now,
	).Scan(&id)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return id
}

func ptr[T any](v T) *T { return &v }

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// fakePublisher records every publish and answers from a script.
type fakePublisher struct {
	platform string
	shape    publisher.Shape

	mu       sync.Mutex
	requests []publisher.Request
	publish  func(n int, req publisher.Request) (*publisher.Outcome, error)

	refreshes atomic.Int32
	refresh   func(n int, creds publisher.Credentials) (*publisher.Token, error)
}

func (f *fakePublisher) Platform() string       { return f.platform }
func (f *fakePublisher) Shape() publisher.Shape { return f.shape }

func (f *fakePublisher) Publish(ctx context.Context, req publisher.Request) (*publisher.Outcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()
	if req.Progress != nil {
		req.Progress(models.StageUploading)
	}
	if f.publish == nil {
		return &publisher.Outcome{ExternalID: f.platform + "-post"}, nil
	}
	return f.publish(n, req)
}

func (f *fakePublisher) calls() []publisher.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publisher.Request(nil), f.requests...)
}

type threadingPublisher struct{ *fakePublisher }

func (t threadingPublisher) ThreadReplies() bool { return true }

type refreshingPublisher struct{ *fakePublisher }

func (r refreshingPublisher) RefreshToken(ctx context.Context, creds publisher.Credentials) (*publisher.Token, error) {
	n := int(r.refreshes.Add(1))
	return r.refresh(n, creds)
}
