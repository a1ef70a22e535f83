package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/service"
)

type countingCreds struct {
	service.CredentialService
	calls int
	err   error
}

func (c *countingCreds) RefreshExpiring(ctx context.Context) (int, error) {
	c.calls++
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("refresh run has no deadline")
	}
	return 2, c.err
}

type sweepLedger struct {
	service.LedgerService
	olderThan time.Duration
}

func (l *sweepLedger) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	l.olderThan = olderThan
	return 1, nil
}

func TestTokenRefreshJobRunsOncePerTick(t *testing.T) {
	creds := &countingCreds{}
	j := NewTokenRefreshJob(creds, 0)
	j.RefreshTokens()
	creds.err = errors.New("db down")
	j.RefreshTokens()
	if creds.calls != 2 {
		t.Fatalf("expected 2 runs, got %d", creds.calls)
	}
}

func TestAttemptSweepUsesThreshold(t *testing.T) {
	ledger := &sweepLedger{}
	NewAttemptSweepJob(ledger, 30*time.Minute).Sweep()
	if ledger.olderThan != 30*time.Minute {
		t.Fatalf("unexpected threshold %v", ledger.olderThan)
	}
}
