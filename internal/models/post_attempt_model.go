package models

import "time"

// PostAttempt is one row of the delivery ledger (post_attempts). The
// idempotency key is unique, and a row leaves "posting" exactly once.
type PostAttempt struct {
	ID             int64     `db:"id" json:"id"`
	PostID         int64     `db:"scheduled_post_id" json:"post_id"`
	Platform       string    `db:"platform" json:"platform"`
	AccountID      int64     `db:"account_id" json:"account_id"`
	PartIndex      int       `db:"part_index" json:"part_index"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	Status         string    `db:"status" json:"status"`
	ExternalPostID *string   `db:"external_post_id" json:"external_post_id,omitempty"`
	ErrorMessage   *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

const (
	AttemptStatusPending = "pending"
	AttemptStatusPosting = "posting"
	AttemptStatusPosted  = "posted"
	AttemptStatusFailed  = "failed"
)

func (a *PostAttempt) Terminal() bool {
	return a.Status == AttemptStatusPosted || a.Status == AttemptStatusFailed
}

func (a *PostAttempt) External() string {
	if a.ExternalPostID == nil {
		return ""
	}
	return *a.ExternalPostID
}

func (a *PostAttempt) ErrorText() string {
	if a.ErrorMessage == nil {
		return ""
	}
	return *a.ErrorMessage
}
