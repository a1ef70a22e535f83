package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/redis/go-redis/v9"
)

func newCredentialFixture(t *testing.T, refresh func(n int, creds publisher.Credentials) (*publisher.Token, error)) (*repository.DB, *refreshingPublisher, CredentialService) {
	t.Helper()
	db := newTestDB(t)
	pub := &refreshingPublisher{&fakePublisher{platform: models.PlatformTiktok, shape: publisher.ShapeSingleCall, refresh: refresh}}
	registry := publisher.NewRegistry(pub, &fakePublisher{platform: models.PlatformMastodon, shape: publisher.ShapeSingleCall})
	svc := NewCredentialService(repository.NewSocialAccountRepository(db), registry, newTestCipher(t), CredentialOptions{
		Cache: NewTokenCache(time.Minute),
	})
	return db, pub, svc
}

func TestCheckExpiryUsesPlatformWindow(t *testing.T) {
	db, _, svc := newCredentialFixture(t, nil)
	c := newTestCipher(t)
	ctx := context.Background()

	soon := seedAccount(t, db, c, accountSeed{platform: models.PlatformTiktok, token: "a", expiresAt: ptr(time.Now().Add(time.Hour))})
	later := seedAccount(t, db, c, accountSeed{platform: models.PlatformTiktok, token: "b", expiresAt: ptr(time.Now().Add(5 * time.Hour))})
	gone := seedAccount(t, db, c, accountSeed{platform: models.PlatformTiktok, token: "c", expiresAt: ptr(time.Now().Add(-time.Minute))})
	unknown := seedAccount(t, db, c, accountSeed{platform: models.PlatformTiktok, token: "d"})
	mastodon := seedAccount(t, db, c, accountSeed{platform: models.PlatformMastodon, token: "e"})

	cases := []struct {
		id                    int64
		needsRefresh, expired bool
	}{
		{soon, true, false},
		{later, false, false},
		{gone, true, true},
		{unknown, true, false},
		{mastodon, false, false},
	}
	for _, tc := range cases {
		st, err := svc.CheckExpiry(ctx, tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if st.NeedsRefresh != tc.needsRefresh || st.IsExpired != tc.expired {
			t.Fatalf("account %d: got %+v", tc.id, st)
		}
	}
}

func TestEnsureValidRefreshesOnceWithinThrottle(t *testing.T) {
	db, pub, svc := newCredentialFixture(t, func(n int, creds publisher.Credentials) (*publisher.Token, error) {
		if creds.RefreshToken != "refresh-1" {
			return nil, errors.New("wrong refresh token")
		}
		// Still inside the 2h window, so the next call wants to refresh again.
		return &publisher.Token{AccessToken: "fresh", RefreshToken: "refresh-2", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	id := seedAccount(t, db, newTestCipher(t), accountSeed{
		platform: models.PlatformTiktok, token: "old", refreshToken: "refresh-1",
		expiresAt: ptr(time.Now().Add(30 * time.Minute)),
	})
	ctx := context.Background()

	first, err := svc.EnsureValid(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Valid || first.Token != "fresh" || !first.Refreshed {
		t.Fatalf("expected refreshed token, got %+v", first)
	}

	second, err := svc.EnsureValid(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if second.Token != "fresh" || second.Refreshed {
		t.Fatalf("expected reuse of cached token, got %+v", second)
	}
	if n := pub.refreshes.Load(); n != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", n)
	}

	stored, _ := repository.NewSocialAccountRepository(db).GetByID(ctx, id)
	plainRefresh, _ := newTestCipher(t).Decrypt(stored.RefreshToken.String)
	if plainRefresh != "refresh-2" || !stored.LastRefreshedAt.Valid {
		t.Fatalf("expected rotated refresh token persisted, got %q", plainRefresh)
	}
}

func TestEnsureValidExpiredWithoutRefreshTokenNeedsReconnect(t *testing.T) {
	db, pub, svc := newCredentialFixture(t, func(int, publisher.Credentials) (*publisher.Token, error) {
		t.Fatal("refresh must not be attempted")
		return nil, nil
	})
	id := seedAccount(t, db, newTestCipher(t), accountSeed{
		platform: models.PlatformTiktok, token: "old", expiresAt: ptr(time.Now().Add(-time.Hour)),
	})

	_, err := svc.EnsureValid(context.Background(), id)
	if !apperr.NeedsReconnect(err) || !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("expected reconnect required, got %v", err)
	}
	if pub.refreshes.Load() != 0 {
		t.Fatal("no network refresh expected")
	}
}

func TestEnsureValidFailedRefreshKeepsUsableToken(t *testing.T) {
	db, _, svc := newCredentialFixture(t, func(int, publisher.Credentials) (*publisher.Token, error) {
		return nil, apperr.Transient(models.PlatformTiktok, "refresh", errors.New("connection reset"))
	})
	c := newTestCipher(t)
	id := seedAccount(t, db, c, accountSeed{
		platform: models.PlatformTiktok, token: "still-good", refreshToken: "r",
		expiresAt: ptr(time.Now().Add(20 * time.Minute)),
	})
	ctx := context.Background()

	vt, err := svc.EnsureValid(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !vt.Valid || !vt.Stale || vt.Warning == "" || vt.Token != "still-good" {
		t.Fatalf("expected stale token with warning, got %+v", vt)
	}

	stored, _ := repository.NewSocialAccountRepository(db).GetByID(ctx, id)
	if plain, _ := c.Decrypt(stored.AccessToken); plain != "still-good" || stored.LastRefreshedAt.Valid {
		t.Fatal("failed refresh must leave the credential untouched")
	}
}

func TestEnsureValidRejectedRefreshMarksReconnect(t *testing.T) {
	db, _, svc := newCredentialFixture(t, func(int, publisher.Credentials) (*publisher.Token, error) {
		return nil, apperr.AuthExpired(models.PlatformTiktok, "refresh", errors.New("refresh_token revoked"))
	})
	id := seedAccount(t, db, newTestCipher(t), accountSeed{
		platform: models.PlatformTiktok, token: "dead", refreshToken: "r",
		expiresAt: ptr(time.Now().Add(-time.Minute)),
	})
	ctx := context.Background()

	if _, err := svc.EnsureValid(ctx, id); !apperr.NeedsReconnect(err) {
		t.Fatalf("expected reconnect, got %v", err)
	}
	stored, _ := repository.NewSocialAccountRepository(db).GetByID(ctx, id)
	if stored.AccountStatus != models.AccountStatusReconnectNeeded {
		t.Fatalf("expected account flagged, got %s", stored.AccountStatus)
	}
}

func TestEnsureValidThrottledAndExpiredNeedsReconnect(t *testing.T) {
	db, pub, svc := newCredentialFixture(t, nil)
	id := seedAccount(t, db, newTestCipher(t), accountSeed{
		platform: models.PlatformTiktok, token: "x", refreshToken: "r",
		expiresAt:     ptr(time.Now().Add(-time.Minute)),
		lastRefreshed: ptr(time.Now().Add(-10 * time.Minute)),
	})
	_, err := svc.EnsureValid(context.Background(), id)
	if !errors.Is(err, ErrRefreshThrottled) || !apperr.NeedsReconnect(err) {
		t.Fatalf("expected throttled reconnect error, got %v", err)
	}
	if pub.refreshes.Load() != 0 {
		t.Fatal("throttled refresh must not reach the network")
	}
}

func TestConcurrentEnsureValidSharesOneRefresh(t *testing.T) {
	release := make(chan struct{})
	db, pub, svc := newCredentialFixture(t, func(int, publisher.Credentials) (*publisher.Token, error) {
		<-release
		return &publisher.Token{AccessToken: "shared", ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
	})
	id := seedAccount(t, db, newTestCipher(t), accountSeed{
		platform: models.PlatformTiktok, token: "old", refreshToken: "r",
		expiresAt: ptr(time.Now().Add(10 * time.Minute)),
	})

	var wg sync.WaitGroup
	tokens := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vt, err := svc.EnsureValid(context.Background(), id)
			if err != nil {
				t.Errorf("ensure valid: %v", err)
				return
			}
			tokens <- vt.Token
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(tokens)

	for tok := range tokens {
		if tok != "shared" {
			t.Fatalf("expected every caller to get the shared token, got %q", tok)
		}
	}
	if n := pub.refreshes.Load(); n != 1 {
		t.Fatalf("expected a single refresh, got %d", n)
	}
}

func TestRefreshSkipsWhenLockHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewRedisLocker(rdb, "postflow:")

	db := newTestDB(t)
	c := newTestCipher(t)
	pub := &refreshingPublisher{&fakePublisher{platform: models.PlatformTiktok, refresh: func(int, publisher.Credentials) (*publisher.Token, error) {
		t.Fatal("refresh must not run while another worker holds the lock")
		return nil, nil
	}}}
	accounts := repository.NewSocialAccountRepository(db)
	svc := NewCredentialService(accounts, publisher.NewRegistry(pub), c, CredentialOptions{Locker: locker})

	id := seedAccount(t, db, c, accountSeed{platform: models.PlatformTiktok, token: "old", refreshToken: "r", expiresAt: ptr(time.Now().Add(time.Minute))})
	acct, _ := accounts.GetByID(context.Background(), id)

	release, err := locker.Acquire(context.Background(), "refresh:"+itoa(id), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = svc.Refresh(context.Background(), acct)
	if !apperr.IsTransient(err) {
		t.Fatalf("expected transient refresh-in-progress error, got %v", err)
	}
}

func TestRefreshExpiringRefreshesDueAccounts(t *testing.T) {
	db, pub, svc := newCredentialFixture(t, func(int, publisher.Credentials) (*publisher.Token, error) {
		return &publisher.Token{AccessToken: "new", ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
	})
	c := newTestCipher(t)
	seedAccount(t, db, c, accountSeed{platform: models.PlatformTiktok, token: "a", refreshToken: "r", expiresAt: ptr(time.Now().Add(time.Hour))})
	seedAccount(t, db, c, accountSeed{platform: models.PlatformTiktok, token: "b", refreshToken: "r", expiresAt: ptr(time.Now().Add(time.Hour)), lastRefreshed: ptr(time.Now())})
	seedAccount(t, db, c, accountSeed{platform: models.PlatformTiktok, token: "c", refreshToken: "r", expiresAt: ptr(time.Now().Add(48 * time.Hour))})
	seedAccount(t, db, c, accountSeed{platform: models.PlatformMastodon, token: "d"})

	n, err := svc.RefreshExpiring(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || pub.refreshes.Load() != 1 {
		t.Fatalf("expected one refresh, got n=%d calls=%d", n, pub.refreshes.Load())
	}
}
