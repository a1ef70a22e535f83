package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/retry"
	"github.com/mattn/go-mastodon"
)

const (
	mastodonMaxText  = 500
	mastodonMaxMedia = 4
)

type mastodonPublisher struct {
	server string
	api    *apiClient
	opts   Options
}

// NewMastodon returns the Mastodon adapter. Statuses are created in one call
// and replies chain through in_reply_to_id. Tokens do not expire.
func NewMastodon(server string, o Options) Publisher {
	if o.BaseURL != "" {
		server = o.BaseURL
	}
	return &mastodonPublisher{
		server: strings.TrimRight(server, "/"),
		api:    newAPIClient(models.PlatformMastodon, o, nil),
		opts:   o,
	}
}

func (p *mastodonPublisher) Platform() string    { return models.PlatformMastodon }
func (p *mastodonPublisher) Shape() Shape        { return ShapeSingleCall }
func (p *mastodonPublisher) ThreadReplies() bool { return true }

func (p *mastodonPublisher) Publish(ctx context.Context, req Request) (*Outcome, error) {
	if n := utf8.RuneCountInString(req.Text); n > mastodonMaxText {
		return nil, apperr.Validation(p.Platform(), "publish", fmt.Errorf("text is %d characters, limit is %d", n, mastodonMaxText))
	}
	if len(req.Media) > mastodonMaxMedia {
		return nil, apperr.Validation(p.Platform(), "publish", fmt.Errorf("at most %d attachments", mastodonMaxMedia))
	}
	if req.Text == "" && len(req.Media) == 0 {
		return nil, apperr.Validation(p.Platform(), "publish", errors.New("empty status"))
	}

	server := p.server
	if s := req.option("server"); s != "" {
		server = strings.TrimRight(s, "/")
	}
	rec := &statusRecorder{next: p.api.http.Transport}
	client := mastodon.NewClient(&mastodon.Config{Server: server, AccessToken: req.Account.AccessToken})
	client.Client = http.Client{Transport: rec, Timeout: p.api.timeout}

	req.stage(models.StageUploading)
	mediaIDs := make([]mastodon.ID, 0, len(req.Media))
	for _, m := range req.Media {
		id, err := retry.Do(ctx, p.opts.Retry, func(ctx context.Context) (mastodon.ID, error) {
			body, err := p.api.fetch(ctx, "fetch_media", m.URL)
			if err != nil {
				return "", err
			}
			defer body.Close()
			att, err := client.UploadMediaFromReader(ctx, body)
			if err != nil {
				return "", rec.classify("upload_media", err)
			}
			return att.ID, nil
		})
		if err != nil {
			return nil, err
		}
		mediaIDs = append(mediaIDs, id)
	}

	toot := &mastodon.Toot{
		Status:      req.Text,
		MediaIDs:    mediaIDs,
		Visibility:  req.option("visibility"),
		SpoilerText: req.option("spoiler_text"),
	}
	if req.ReplyToID != "" {
		toot.InReplyToID = mastodon.ID(req.ReplyToID)
	}
	return retry.Do(ctx, p.opts.Retry, func(ctx context.Context) (*Outcome, error) {
		st, err := client.PostStatus(ctx, toot)
		if err != nil {
			return nil, rec.classify("post_status", err)
		}
		out := &Outcome{ExternalID: string(st.ID), URL: st.URL}
		if len(st.MediaAttachments) > 0 {
			out.ThumbnailURL = st.MediaAttachments[0].PreviewURL
		}
		return out, nil
	})
}

// statusRecorder remembers the last response status so client errors, which
// only carry text, can still be classified by status code.
type statusRecorder struct {
	next http.RoundTripper

	mu         sync.Mutex
	status     int
	retryAfter string
}

func (r *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	next := r.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.status = 0
		return nil, err
	}
	r.status = resp.StatusCode
	r.retryAfter = resp.Header.Get("Retry-After")
	return resp, nil
}

func (r *statusRecorder) classify(op string, err error) error {
	r.mu.Lock()
	status, retryAfter := r.status, r.retryAfter
	r.mu.Unlock()
	if status == 0 || status < 300 {
		return apperr.Transient(models.PlatformMastodon, op, err)
	}
	return apperr.FromStatus(models.PlatformMastodon, op, status, err.Error(), retryAfter)
}
