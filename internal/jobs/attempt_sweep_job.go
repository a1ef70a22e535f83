package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/service"
)

// AttemptSweepJob fails ledger rows stuck in posting, left behind by a
// worker that died mid-delivery. They are not retried automatically since the
// remote call may already have gone through; a recover task that an operator
// queues reclaims them like any other failed row.
type AttemptSweepJob struct {
	ledger    service.LedgerService
	olderThan time.Duration
}

func NewAttemptSweepJob(ledger service.LedgerService, olderThan time.Duration) *AttemptSweepJob {
	return &AttemptSweepJob{ledger: ledger, olderThan: olderThan}
}

func (j *AttemptSweepJob) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := j.ledger.SweepStale(ctx, j.olderThan); err != nil {
		slog.Error("sweep stale attempts", "error", err)
	}
}
