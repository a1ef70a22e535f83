package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type PostMediaRepository interface {
	Create(ctx context.Context, tx *sql.Tx, pm *models.PostMedia) error
	// ListRefsByPostID returns the post's media in display order.
	ListRefsByPostID(ctx context.Context, postID int64) ([]models.MediaRef, error)
}

type postMediaRepository struct {
	db *DB
}

func NewPostMediaRepository(db *DB) PostMediaRepository {
	return &postMediaRepository{db: db}
}

func (r *postMediaRepository) Create(ctx context.Context, tx *sql.Tx, pm *models.PostMedia) error {
	var err error

	query := r.db.Rebind(`
		INSERT INTO post_media (post_id, asset_id, display_order, created_at)
		VALUES ($1, $2, $3, $4)
	`)
	args := []any{pm.PostID, pm.AssetID, pm.DisplayOrder, time.Now().UTC()}
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

func (r *postMediaRepository) ListRefsByPostID(ctx context.Context, postID int64) ([]models.MediaRef, error) {
	query := `
		SELECT ma.file_url, ma.file_name, ma.file_type, ma.alt_text
		FROM post_media pm
		JOIN media_assets ma ON ma.id = pm.asset_id
		WHERE pm.post_id = $1
		ORDER BY pm.display_order
	`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), postID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var refs []models.MediaRef
	for rows.Next() {
		var m models.MediaRef
		if err := rows.Scan(&m.URL, &m.Key, &m.MimeType, &m.AltText); err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		refs = append(refs, m)
	}

	if err = rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	return refs, nil
}
