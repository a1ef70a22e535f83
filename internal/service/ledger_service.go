package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

var ErrAttemptNotInFlight = errors.New("attempt is not in posting state")

// AttemptRef identifies one delivery. PartIndex is zero for a single post and
// 1-based for the parts of a sequenced post.
type AttemptRef struct {
	PostID    int64
	Platform  string
	AccountID int64
	PartIndex int
}

func (r AttemptRef) Key() string {
	return Fingerprint(r.PostID, r.Platform, r.AccountID, r.PartIndex)
}

// Fingerprint is the idempotency key of a delivery.
func Fingerprint(postID int64, platform string, accountID int64, part int) string {
	raw := fmt.Sprintf("%d:%s:%d", postID, platform, accountID)
	if part > 0 {
		raw = fmt.Sprintf("%s:part-%d", raw, part)
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type RecordResult struct {
	IsNew    bool
	Existing *models.PostAttempt
}

type LedgerService interface {
	Check(ctx context.Context, key string) (*models.PostAttempt, error)
	// Record claims the delivery. Only a caller that gets IsNew may call the
	// destination; everybody else receives the row that won.
	Record(ctx context.Context, ref AttemptRef) (*RecordResult, error)
	MarkSuccess(ctx context.Context, key, externalID string) error
	MarkFailed(ctx context.Context, key, msg string) error
	ListByPost(ctx context.Context, postID int64, onlySuccessful bool) ([]*models.PostAttempt, error)
	// Reclaim moves a failed attempt back to posting for crash recovery.
	Reclaim(ctx context.Context, key string) (bool, error)
	SweepStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type ledgerService struct {
	attempts repository.PostAttemptRepository
}

func NewLedgerService(attempts repository.PostAttemptRepository) LedgerService {
	return &ledgerService{attempts: attempts}
}

func (s *ledgerService) Check(ctx context.Context, key string) (*models.PostAttempt, error) {
	return s.attempts.GetByKey(ctx, key)
}

func (s *ledgerService) Record(ctx context.Context, ref AttemptRef) (*RecordResult, error) {
	attempt := &models.PostAttempt{
		PostID:         ref.PostID,
		Platform:       ref.Platform,
		AccountID:      ref.AccountID,
		PartIndex:      ref.PartIndex,
		IdempotencyKey: ref.Key(),
		Status:         models.AttemptStatusPosting,
	}

	inserted, err := s.attempts.Insert(ctx, attempt)
	if err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	if inserted {
		return &RecordResult{IsNew: true, Existing: attempt}, nil
	}

	existing, err := s.attempts.GetByKey(ctx, attempt.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("load existing attempt: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("attempt %s conflicted but is missing", attempt.IdempotencyKey)
	}
	slog.Info("attempt already recorded", "key", attempt.IdempotencyKey, "status", existing.Status, "post_id", ref.PostID, "platform", ref.Platform)
	return &RecordResult{IsNew: false, Existing: existing}, nil
}

func (s *ledgerService) MarkSuccess(ctx context.Context, key, externalID string) error {
	ok, err := s.attempts.Transition(ctx, key, models.AttemptStatusPosting, models.AttemptStatusPosted, &externalID, nil)
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	if !ok {
		return ErrAttemptNotInFlight
	}
	return nil
}

func (s *ledgerService) MarkFailed(ctx context.Context, key, msg string) error {
	ok, err := s.attempts.Transition(ctx, key, models.AttemptStatusPosting, models.AttemptStatusFailed, nil, &msg)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if !ok {
		return ErrAttemptNotInFlight
	}
	return nil
}

func (s *ledgerService) ListByPost(ctx context.Context, postID int64, onlySuccessful bool) ([]*models.PostAttempt, error) {
	status := ""
	if onlySuccessful {
		status = models.AttemptStatusPosted
	}
	return s.attempts.ListByPostID(ctx, postID, status)
}

func (s *ledgerService) Reclaim(ctx context.Context, key string) (bool, error) {
	return s.attempts.Transition(ctx, key, models.AttemptStatusFailed, models.AttemptStatusPosting, nil, nil)
}

func (s *ledgerService) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.attempts.MarkStale(ctx, time.Now().Add(-olderThan), "interrupted: no outcome recorded")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("marked stale attempts as failed", "count", n, "older_than", olderThan.String())
	}
	return n, nil
}
