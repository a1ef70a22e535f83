package transfer

// MetaErrorResponse is the error envelope of the Instagram and Threads Graph APIs.
type MetaErrorResponse struct {
	Error struct {
		Message        string `json:"message"`
		Type           string `json:"type"`
		Code           int    `json:"code"`
		ErrorSubcode   int    `json:"error_subcode"`
		IsTransient    bool   `json:"is_transient"`
		ErrorUserTitle string `json:"error_user_title"`
		ErrorUserMsg   string `json:"error_user_msg"`
		FbtraceID      string `json:"fbtrace_id"`
	} `json:"error"`
}

type MetaIDResponse struct {
	ID string `json:"id"`
}

// MetaContainerStatus is returned by GET /{container-id}?fields=status_code,status.
type MetaContainerStatus struct {
	ID         string `json:"id"`
	StatusCode string `json:"status_code"`
	Status     string `json:"status"`
}

type MetaMediaInfo struct {
	ID           string `json:"id"`
	Permalink    string `json:"permalink"`
	ThumbnailURL string `json:"thumbnail_url"`
	MediaURL     string `json:"media_url"`
}

type MetaRefreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
