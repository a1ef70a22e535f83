package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type PostAttemptRepository interface {
	// Insert records a new attempt. It returns false without error when a row
	// with the same idempotency key already exists.
	Insert(ctx context.Context, a *models.PostAttempt) (bool, error)
	GetByKey(ctx context.Context, key string) (*models.PostAttempt, error)
	// Transition moves the row from one status to another and reports whether
	// this caller performed the move.
	Transition(ctx context.Context, key, from, to string, externalID, errMsg *string) (bool, error)
	ListByPostID(ctx context.Context, postID int64, status string) ([]*models.PostAttempt, error)
	MarkStale(ctx context.Context, before time.Time, msg string) (int64, error)
}

type postAttemptRepository struct {
	db *DB
}

func NewPostAttemptRepository(db *DB) PostAttemptRepository {
	return &postAttemptRepository{db: db}
}

const postAttemptColumns = `id, scheduled_post_id, platform, account_id, part_index, idempotency_key, status, external_post_id, error_message, created_at, updated_at`

func (r *postAttemptRepository) Insert(ctx context.Context, a *models.PostAttempt) (bool, error) {
	query := `
		INSERT INTO post_attempts (scheduled_post_id, platform, account_id, part_index, idempotency_key, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`
	now := time.Now().UTC()
	err := r.db.QueryRowContext(ctx, r.db.Rebind(query),
		a.PostID, a.Platform, a.AccountID, a.PartIndex, a.IdempotencyKey, a.Status, now, now,
	).Scan(&a.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return false, nil
		}
		slog.Info(err.Error())
		return false, err
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return true, nil
}

func (r *postAttemptRepository) GetByKey(ctx context.Context, key string) (*models.PostAttempt, error) {
	query := `SELECT ` + postAttemptColumns + ` FROM post_attempts WHERE idempotency_key = $1`

	a, err := scanPostAttempt(r.db.QueryRowContext(ctx, r.db.Rebind(query), key))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return a, nil
}

func (r *postAttemptRepository) Transition(ctx context.Context, key, from, to string, externalID, errMsg *string) (bool, error) {
	query := `
		UPDATE post_attempts
		SET status = $1,
			external_post_id = COALESCE($2, external_post_id),
			error_message = $3,
			updated_at = $4
		WHERE idempotency_key = $5 AND status = $6
	`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), to, externalID, errMsg, time.Now().UTC(), key, from)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *postAttemptRepository) ListByPostID(ctx context.Context, postID int64, status string) ([]*models.PostAttempt, error) {
	query := `SELECT ` + postAttemptColumns + ` FROM post_attempts WHERE scheduled_post_id = $1`
	args := []any{postID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY account_id, part_index`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var attempts []*models.PostAttempt
	for rows.Next() {
		a, err := scanPostAttempt(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// MarkStale fails every attempt stuck in posting since before. Plain
// dispatches leave the failed rows alone; only an explicit recovery run
// reclaims them, since the platform may have accepted the post.
func (r *postAttemptRepository) MarkStale(ctx context.Context, before time.Time, msg string) (int64, error) {
	query := `
		UPDATE post_attempts
		SET status = $1, error_message = $2, updated_at = $3
		WHERE status = $4 AND updated_at < $5
	`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		models.AttemptStatusFailed, msg, time.Now().UTC(), models.AttemptStatusPosting, before.UTC())
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostAttempt(s rowScanner) (*models.PostAttempt, error) {
	var a models.PostAttempt
	var externalID, errMsg sql.NullString
	err := s.Scan(&a.ID, &a.PostID, &a.Platform, &a.AccountID, &a.PartIndex, &a.IdempotencyKey,
		&a.Status, &externalID, &errMsg, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if externalID.Valid {
		a.ExternalPostID = &externalID.String
	}
	if errMsg.Valid {
		a.ErrorMessage = &errMsg.String
	}
	return &a, nil
}
