package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type PostRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Post, error)
	Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error)
	GetByUserID(ctx context.Context, userID int64) ([]*models.Post, error)
	UpdatePostStatus(ctx context.Context, status string, postID int64) error
	CheckByUserID(ctx context.Context, postID, userID int64) (bool, error)
}

type postRepository struct {
	db *DB
}

func NewPostRepository(db *DB) PostRepository {
	return &postRepository{db: db}
}

const postColumns = `id, user_id, post_type, caption, title, overrides, thread_parts, numbered, scheduled_time, status, created_at, updated_at`

func (r *postRepository) Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error) {
	query := r.db.Rebind(`
		INSERT INTO posts (user_id, post_type, caption, title, overrides, thread_parts, numbered, scheduled_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`)

	overrides, err := json.Marshal(post.Overrides)
	if err != nil {
		return 0, err
	}
	thread, err := json.Marshal(post.Thread)
	if err != nil {
		return 0, err
	}
	status := post.Status
	if status == "" {
		status = models.PostStatusScheduled
	}
	now := time.Now().UTC()
	args := []any{post.UserID, post.PostType, post.Caption, post.Title, string(overrides), string(thread),
		post.Numbered, post.ScheduledTime.UTC(), status, now, now}

	var id int64
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

func scanPost(s rowScanner) (*models.Post, error) {
	var post models.Post
	var overrides, thread string
	err := s.Scan(&post.ID, &post.UserID, &post.PostType, &post.Caption, &post.Title, &overrides, &thread,
		&post.Numbered, &post.ScheduledTime, &post.Status, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if overrides != "" && overrides != "null" {
		if err := json.Unmarshal([]byte(overrides), &post.Overrides); err != nil {
			return nil, err
		}
	}
	if thread != "" && thread != "null" {
		if err := json.Unmarshal([]byte(thread), &post.Thread); err != nil {
			return nil, err
		}
	}
	return &post, nil
}

func (r *postRepository) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1`

	post, err := scanPost(r.db.QueryRowContext(ctx, r.db.Rebind(query), id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}

	return post, nil
}

func (r *postRepository) GetByUserID(ctx context.Context, userID int64) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE user_id = $1 ORDER BY scheduled_time DESC`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), userID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func (r *postRepository) CheckByUserID(ctx context.Context, postID, userID int64) (bool, error) {
	query := "SELECT 1 FROM posts WHERE id = $1 AND user_id = $2"

	var result int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(query), postID, userID).Scan(&result)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		slog.Info(err.Error())
		return false, err
	}

	return result == 1, nil
}

func (r *postRepository) UpdatePostStatus(ctx context.Context, status string, postID int64) error {
	query := `
		UPDATE posts
		SET status = $1,
			updated_at = $2
		WHERE id = $3
	`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(query), status, time.Now().UTC(), postID)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
