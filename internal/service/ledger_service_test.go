package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

func TestFingerprintIsDeterministic(t *testing.T) {
	a := Fingerprint(1, models.PlatformInstagram, 2, 0)
	if a != Fingerprint(1, models.PlatformInstagram, 2, 0) {
		t.Fatal("fingerprint must be stable")
	}
	if len(a) != 64 {
		t.Fatalf("expected sha256 hex, got %q", a)
	}
	others := []string{
		Fingerprint(1, models.PlatformThreads, 2, 0),
		Fingerprint(1, models.PlatformInstagram, 3, 0),
		Fingerprint(2, models.PlatformInstagram, 2, 0),
		Fingerprint(1, models.PlatformInstagram, 2, 1),
	}
	for _, o := range others {
		if o == a {
			t.Fatal("distinct deliveries share a fingerprint")
		}
	}
}

func TestRecordOnlyOneCallerWins(t *testing.T) {
	ledger := NewLedgerService(repository.NewPostAttemptRepository(newTestDB(t)))
	ref := AttemptRef{PostID: 10, Platform: models.PlatformTiktok, AccountID: 5}
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.Record(ctx, ref)
			if err != nil {
				t.Errorf("record: %v", err)
				return
			}
			if res.Existing == nil || res.Existing.IdempotencyKey != ref.Key() {
				t.Errorf("expected the row to be returned, got %+v", res.Existing)
			}
			if res.IsNew {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected one winner, got %d", winners)
	}
}

func TestMarkSuccessHappensOnce(t *testing.T) {
	ledger := NewLedgerService(repository.NewPostAttemptRepository(newTestDB(t)))
	ctx := context.Background()
	ref := AttemptRef{PostID: 1, Platform: models.PlatformPinterest, AccountID: 1}

	if _, err := ledger.Record(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if err := ledger.MarkSuccess(ctx, ref.Key(), "pin-1"); err != nil {
		t.Fatal(err)
	}
	if err := ledger.MarkSuccess(ctx, ref.Key(), "pin-2"); !errors.Is(err, ErrAttemptNotInFlight) {
		t.Fatalf("expected second success to be rejected, got %v", err)
	}
	if err := ledger.MarkFailed(ctx, ref.Key(), "late failure"); !errors.Is(err, ErrAttemptNotInFlight) {
		t.Fatalf("expected failure after success to be rejected, got %v", err)
	}

	a, _ := ledger.Check(ctx, ref.Key())
	if a.Status != models.AttemptStatusPosted || a.External() != "pin-1" {
		t.Fatalf("unexpected row %+v", a)
	}

	res, _ := ledger.Record(ctx, ref)
	if res.IsNew || res.Existing.External() != "pin-1" {
		t.Fatalf("expected duplicate record to return the posted row, got %+v", res)
	}
}

func TestReclaimOnlyFromFailed(t *testing.T) {
	ledger := NewLedgerService(repository.NewPostAttemptRepository(newTestDB(t)))
	ctx := context.Background()
	ref := AttemptRef{PostID: 3, Platform: models.PlatformThreads, AccountID: 8}

	ledger.Record(ctx, ref)
	if ok, _ := ledger.Reclaim(ctx, ref.Key()); ok {
		t.Fatal("an in-flight attempt must not be reclaimed")
	}
	if err := ledger.MarkFailed(ctx, ref.Key(), "timeout"); err != nil {
		t.Fatal(err)
	}
	if ok, err := ledger.Reclaim(ctx, ref.Key()); err != nil || !ok {
		t.Fatalf("expected reclaim, ok=%v err=%v", ok, err)
	}
	if ok, _ := ledger.Reclaim(ctx, ref.Key()); ok {
		t.Fatal("a second reclaim must lose")
	}
}

func TestListByPostAndSweep(t *testing.T) {
	ledger := NewLedgerService(repository.NewPostAttemptRepository(newTestDB(t)))
	ctx := context.Background()

	done := AttemptRef{PostID: 4, Platform: models.PlatformTiktok, AccountID: 1}
	stuck := AttemptRef{PostID: 4, Platform: models.PlatformYoutube, AccountID: 2}
	ledger.Record(ctx, done)
	ledger.Record(ctx, stuck)
	ledger.MarkSuccess(ctx, done.Key(), "v1")

	posted, err := ledger.ListByPost(ctx, 4, true)
	if err != nil || len(posted) != 1 || posted[0].Platform != models.PlatformTiktok {
		t.Fatalf("unexpected posted rows %+v err=%v", posted, err)
	}

	if n, _ := ledger.SweepStale(ctx, time.Hour); n != 0 {
		t.Fatalf("fresh attempts must not be swept, got %d", n)
	}
	if n, _ := ledger.SweepStale(ctx, -time.Minute); n != 1 {
		t.Fatalf("expected the stuck attempt to be swept, got %d", n)
	}
	all, _ := ledger.ListByPost(ctx, 4, false)
	if len(all) != 2 {
		t.Fatalf("ledger rows must never be deleted, got %d", len(all))
	}

	swept, _ := ledger.Check(ctx, stuck.Key())
	if swept == nil || swept.Status != models.AttemptStatusFailed {
		t.Fatalf("swept attempt must be failed, got %+v", swept)
	}
	if ok, err := ledger.Reclaim(ctx, stuck.Key()); err != nil || !ok {
		t.Fatalf("recovery must be able to reclaim a swept attempt, ok=%v err=%v", ok, err)
	}
}
