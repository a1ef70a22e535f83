package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type SelectedAccountRepository interface {
	Create(ctx context.Context, tx *sql.Tx, postID int64, dest models.Destination) error
	// ListByPostID returns the destinations of a post in selection order,
	// with the platform read from the linked social account.
	ListByPostID(ctx context.Context, postID int64) ([]models.Destination, error)
}

type selectedAccountRepository struct {
	db *DB
}

func NewSelectedAccountRepository(db *DB) SelectedAccountRepository {
	return &selectedAccountRepository{db: db}
}

func (r *selectedAccountRepository) Create(ctx context.Context, tx *sql.Tx, postID int64, dest models.Destination) error {
	options, err := json.Marshal(dest.Options)
	if err != nil {
		return err
	}

	query := r.db.Rebind(`
		INSERT INTO selected_accounts (post_id, account_id, options, created_at)
		VALUES ($1, $2, $3, $4)
	`)
	args := []any{postID, dest.AccountID, string(options), time.Now().UTC()}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.db.ExecContext(ctx, query, args...)
	}

	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *selectedAccountRepository) ListByPostID(ctx context.Context, postID int64) ([]models.Destination, error) {
	query := `
		SELECT sa.account_id, a.platform, sa.options
		FROM selected_accounts sa
		JOIN social_accounts a ON a.id = sa.account_id
		WHERE sa.post_id = $1
		ORDER BY sa.created_at, sa.account_id
	`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), postID)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var dests []models.Destination
	for rows.Next() {
		var d models.Destination
		var options string
		if err := rows.Scan(&d.AccountID, &d.Platform, &options); err != nil {
			slog.Info(err.Error())
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if options != "" && options != "null" {
			if err := json.Unmarshal([]byte(options), &d.Options); err != nil {
				return nil, fmt.Errorf("decode options: %w", err)
			}
		}
		dests = append(dests, d)
	}

	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return dests, nil
}
