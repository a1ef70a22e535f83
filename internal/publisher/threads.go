package publisher

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
)

const (
	threadsGraphURL   = "https://graph.threads.net/v1.0"
	threadsRefreshURL = "https://graph.threads.net/refresh_access_token"
	threadsMaxText    = 500
)

type threadsPublisher struct {
	graph      metaGraph
	refreshURL string
	opts       Options
}

// NewThreads returns the Threads adapter. Containers are published right
// after creation and replies chain through reply_to_id.
func NewThreads(o Options) Publisher {
	base := o.baseURL(threadsGraphURL)
	refreshURL := threadsRefreshURL
	if o.BaseURL != "" {
		refreshURL = base + "/refresh_access_token"
	}
	return &threadsPublisher{
		graph: metaGraph{
			platform: models.PlatformThreads,
			base:     base,
			api:      newAPIClient(models.PlatformThreads, o, metaClassifier(models.PlatformThreads)),
		},
		refreshURL: refreshURL,
		opts:       o,
	}
}

func (p *threadsPublisher) Platform() string    { return models.PlatformThreads }
func (p *threadsPublisher) Shape() Shape        { return ShapeTwoPhase }
func (p *threadsPublisher) ThreadReplies() bool { return true }

func (p *threadsPublisher) Publish(ctx context.Context, req Request) (*Outcome, error) {
	if n := utf8.RuneCountInString(req.Text); n > threadsMaxText {
		return nil, apperr.Validation(p.Platform(), "publish", fmt.Errorf("text is %d characters, limit is %d", n, threadsMaxText))
	}
	if req.Text == "" && len(req.Media) == 0 {
		return nil, apperr.Validation(p.Platform(), "publish", fmt.Errorf("empty post"))
	}

	user := accountPath(req.Account)
	token := req.Account.AccessToken
	ops := ContainerOps{
		Create: func(ctx context.Context) (string, error) {
			return p.createContainer(ctx, user, token, req)
		},
		Publish: func(ctx context.Context, id string) (*Outcome, error) {
			postID, err := p.graph.post(ctx, "threads_publish", "/"+user+"/threads_publish", token, url.Values{"creation_id": {id}})
			if err != nil {
				return nil, err
			}
			info := p.graph.mediaInfo(ctx, postID, token, "id,permalink,thumbnail_url")
			return &Outcome{ExternalID: postID, URL: info.Permalink, ThumbnailURL: info.ThumbnailURL}, nil
		},
	}
	return RunTwoPhase(ctx, p.Platform(), p.opts.Retry, req, ops)
}

func (p *threadsPublisher) createContainer(ctx context.Context, user, token string, req Request) (string, error) {
	params := url.Values{}
	if req.ReplyToID != "" {
		params.Set("reply_to_id", req.ReplyToID)
	}

	switch len(req.Media) {
	case 0:
		params.Set("media_type", "TEXT")
	case 1:
		for k, v := range threadsMediaParams(req.Media[0]) {
			params[k] = v
		}
	default:
		children := make([]string, 0, len(req.Media))
		for _, m := range req.Media {
			item := threadsMediaParams(m)
			item.Set("is_carousel_item", "true")
			id, err := p.graph.post(ctx, "create_carousel_item", "/"+user+"/threads", token, item)
			if err != nil {
				return "", err
			}
			children = append(children, id)
		}
		params.Set("media_type", "CAROUSEL")
		params.Set("children", strings.Join(children, ","))
	}
	if req.Text != "" {
		params.Set("text", req.Text)
	}
	return p.graph.post(ctx, "create_container", "/"+user+"/threads", token, params)
}

func threadsMediaParams(m ResolvedMedia) url.Values {
	if m.Kind == MediaVideo {
		return url.Values{"media_type": {"VIDEO"}, "video_url": {m.URL}}
	}
	v := url.Values{"media_type": {"IMAGE"}, "image_url": {m.URL}}
	if m.AltText != "" {
		v.Set("alt_text", m.AltText)
	}
	return v
}

func (p *threadsPublisher) RefreshToken(ctx context.Context, creds Credentials) (*Token, error) {
	return p.graph.refresh(ctx, p.refreshURL, "th_refresh_token", creds)
}
