package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type MediaAssetRepository interface {
	Create(ctx context.Context, tx *sql.Tx, ma *models.MediaAsset) (int64, error)
}

type mediaAssetRepository struct {
	db *DB
}

func NewMediaAssetRepository(db *DB) MediaAssetRepository {
	return &mediaAssetRepository{db: db}
}

func (r *mediaAssetRepository) Create(ctx context.Context, tx *sql.Tx, ma *models.MediaAsset) (int64, error) {
	var id int64
	var err error

	query := r.db.Rebind(`
		INSERT INTO media_assets (user_id, file_name, file_type, file_url, alt_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`)
	args := []any{ma.UserID, ma.FileName, ma.FileType, ma.FileURL, ma.AltText, time.Now().UTC()}
	if tx != nil {
		err = tx.QueryRowContext(ctx, query, args...).Scan(&id)
	} else {
		err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	}

	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	return id, nil
}
