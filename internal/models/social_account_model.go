package models

import (
	"database/sql"
	"time"
)

// SocialAccount is the stored credential of a connected platform account.
// Rows are created by the OAuth collaborator; this service only reads and
// refreshes them. Tokens are stored encrypted.
type SocialAccount struct {
	ID              int64          `db:"id" json:"id"`
	UserID          int64          `db:"user_id" json:"user_id"`
	Platform        string         `db:"platform" json:"platform"`
	AccountID       string         `db:"account_id" json:"account_id"`
	AccountName     string         `db:"account_name" json:"account_name"`
	AccessToken     string         `db:"access_token" json:"-"`
	RefreshToken    sql.NullString `db:"refresh_token" json:"-"`
	TokenExpiresAt  sql.NullTime   `db:"token_expires_at" json:"token_expires_at"`
	LastRefreshedAt sql.NullTime   `db:"last_refreshed_at" json:"last_refreshed_at"`
	AccountStatus   string         `db:"account_status" json:"account_status"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

const (
	AccountStatusActive          = "active"
	AccountStatusReconnectNeeded = "reconnect_required"
)

// TokenUpdate is written atomically after a successful refresh. Empty
// RefreshToken keeps the stored one.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    sql.NullTime
	RefreshedAt  time.Time
}
