package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type SocialAccountRepository interface {
	GetByID(ctx context.Context, id int64) (*models.SocialAccount, error)
	ListExpiring(ctx context.Context, before time.Time) ([]*models.SocialAccount, error)
	CheckByUserID(ctx context.Context, accountID, userID int64) (bool, error)
	// SetToken replaces the stored tokens only if the access token is still
	// oldAccessToken. It reports false when another refresh already won.
	SetToken(ctx context.Context, id int64, oldAccessToken string, u models.TokenUpdate) (bool, error)
	SetStatus(ctx context.Context, id int64, status string) error
}

type socialAccountRepository struct {
	db *DB
}

func NewSocialAccountRepository(db *DB) SocialAccountRepository {
	return &socialAccountRepository{db: db}
}

const socialAccountColumns = `id, user_id, platform, account_id, account_name, access_token, refresh_token,
	token_expires_at, last_refreshed_at, account_status, created_at, updated_at`

func scanSocialAccount(s rowScanner) (*models.SocialAccount, error) {
	var sa models.SocialAccount
	err := s.Scan(&sa.ID, &sa.UserID, &sa.Platform, &sa.AccountID, &sa.AccountName,
		&sa.AccessToken, &sa.RefreshToken, &sa.TokenExpiresAt, &sa.LastRefreshedAt,
		&sa.AccountStatus, &sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sa, nil
}

func (r *socialAccountRepository) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	query := `SELECT ` + socialAccountColumns + ` FROM social_accounts WHERE id = $1`

	sa, err := scanSocialAccount(r.db.QueryRowContext(ctx, r.db.Rebind(query), id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return sa, nil
}

// ListExpiring returns active accounts whose token expires before the given
// time, plus those that never recorded an expiry.
func (r *socialAccountRepository) ListExpiring(ctx context.Context, before time.Time) ([]*models.SocialAccount, error) {
	query := `SELECT ` + socialAccountColumns + `
		FROM social_accounts
		WHERE account_status = $1 AND (token_expires_at < $2 OR token_expires_at IS NULL)
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), models.AccountStatusActive, before.UTC())
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.SocialAccount
	for rows.Next() {
		sa, err := scanSocialAccount(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		accounts = append(accounts, sa)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return accounts, nil
}

func (r *socialAccountRepository) CheckByUserID(ctx context.Context, accountID, userID int64) (bool, error) {
	query := "SELECT 1 FROM social_accounts WHERE id = $1 AND user_id = $2"

	var result int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(query), accountID, userID).Scan(&result)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		slog.Info(err.Error())
		return false, err
	}
	return result == 1, nil
}

func (r *socialAccountRepository) SetToken(ctx context.Context, id int64, oldAccessToken string, u models.TokenUpdate) (bool, error) {
	query := `
		UPDATE social_accounts
		SET
			access_token = $1,
			refresh_token = COALESCE(NULLIF($2, ''), refresh_token),
			token_expires_at = $3,
			last_refreshed_at = $4,
			account_status = $5,
			updated_at = $6
		WHERE id = $7 AND access_token = $8
	`
	var expiresAt any
	if u.ExpiresAt.Valid {
		expiresAt = u.ExpiresAt.Time.UTC()
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		u.AccessToken, u.RefreshToken, expiresAt, u.RefreshedAt.UTC(),
		models.AccountStatusActive, time.Now().UTC(), id, oldAccessToken)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affected == 1, nil
}

func (r *socialAccountRepository) SetStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE social_accounts SET account_status = $1, updated_at = $2 WHERE id = $3`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(query), status, time.Now().UTC(), id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
