package transfer

import "time"

type DestinationRequest struct {
	Platform  string            `json:"platform"`
	AccountID int64             `json:"account_id"`
	Options   map[string]string `json:"options"`
}

type MediaRequest struct {
	URL      string `json:"url"`
	Key      string `json:"key"`
	MimeType string `json:"mime_type"`
	AltText  string `json:"alt_text"`
}

type CreatePostRequest struct {
	Caption       string               `json:"caption"`
	Title         string               `json:"title"`
	Overrides     map[string]string    `json:"overrides"`
	Thread        []string             `json:"thread"`
	Numbered      bool                 `json:"numbered"`
	Media         []MediaRequest       `json:"media"`
	Destinations  []DestinationRequest `json:"destinations"`
	ScheduledTime *time.Time           `json:"scheduled_time"`
}

type CreatePostResponse struct {
	PostID        int64     `json:"post_id"`
	Status        string    `json:"status"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

type AttemptResponse struct {
	Platform       string    `json:"platform"`
	AccountID      int64     `json:"account_id"`
	PartIndex      int       `json:"part_index"`
	Status         string    `json:"status"`
	ExternalPostID string    `json:"external_post_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
