package transfer

type PinterestMediaSource struct {
	SourceType string                  `json:"source_type"`
	URL        string                  `json:"url,omitempty"`
	Items      []PinterestImageURLItem `json:"items,omitempty"`
}

type PinterestImageURLItem struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type PinterestPinRequest struct {
	BoardID     string               `json:"board_id"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
	Link        string               `json:"link,omitempty"`
	AltText     string               `json:"alt_text,omitempty"`
	MediaSource PinterestMediaSource `json:"media_source"`
}

type PinterestPin struct {
	ID      string `json:"id"`
	Link    string `json:"link"`
	BoardID string `json:"board_id"`
}

type PinterestError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
