package models

import "time"

// Post is the logical post fanned out to every selected destination. The
// dispatcher works on a copy, so it does not change once dispatch begins.
type Post struct {
	ID            int64             `db:"id" json:"id"`
	UserID        int64             `db:"user_id" json:"user_id"`
	PostType      string            `db:"post_type" json:"post_type"`
	Caption       string            `db:"caption" json:"caption"`
	Title         string            `db:"title" json:"title"`
	Overrides     map[string]string `db:"overrides" json:"overrides,omitempty"`
	Thread        []string          `db:"thread_parts" json:"thread,omitempty"`
	Numbered      bool              `db:"numbered" json:"numbered"`
	Media         []MediaRef        `db:"-" json:"media,omitempty"`
	Destinations  []Destination     `db:"-" json:"destinations,omitempty"`
	ScheduledTime time.Time         `db:"scheduled_time" json:"scheduled_time"`
	Status        string            `db:"status" json:"status"` // scheduled, dispatching, posted, partial, failed
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// TextFor returns the caption for a platform, honoring per-platform overrides.
func (p *Post) TextFor(platform string) string {
	if v, ok := p.Overrides[platform]; ok && v != "" {
		return v
	}
	return p.Caption
}

// IsThread reports whether the post is a multi-part post.
func (p *Post) IsThread() bool { return len(p.Thread) > 1 }

// Destination names a platform account a post is delivered to.
type Destination struct {
	Platform  string            `db:"platform" json:"platform"`
	AccountID int64             `db:"account_id" json:"account_id"`
	Options   map[string]string `db:"options" json:"options,omitempty"`
}

// MediaRef points at media supplied by the storage collaborator: either a
// stable URL or an object key that is presigned at dispatch time.
type MediaRef struct {
	URL      string `db:"file_url" json:"url,omitempty"`
	Key      string `db:"file_name" json:"key,omitempty"`
	MimeType string `db:"file_type" json:"mime_type,omitempty"`
	AltText  string `db:"alt_text" json:"alt_text,omitempty"`
}

type MediaAsset struct {
	ID        int64     `db:"id"`
	UserID    int64     `db:"user_id"`
	FileName  string    `db:"file_name"`
	FileType  string    `db:"file_type"`
	FileURL   string    `db:"file_url"`
	AltText   string    `db:"alt_text"`
	CreatedAt time.Time `db:"created_at"`
}

type PostMedia struct {
	PostID       int64     `db:"post_id"`
	AssetID      int64     `db:"asset_id"`
	DisplayOrder int       `db:"display_order"`
	CreatedAt    time.Time `db:"created_at"`
}

const (
	PostStatusScheduled   = "scheduled"
	PostStatusDispatching = "dispatching"
	PostStatusPosted      = "posted"
	PostStatusPartial     = "partial"
	PostStatusFailed      = "failed"
)

const (
	PostTypeText     = "text"
	PostTypeSingle   = "single"
	PostTypeMultiple = "multiple"
)
