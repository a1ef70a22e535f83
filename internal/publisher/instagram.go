package publisher

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
)

const (
	instagramGraphURL   = "https://graph.instagram.com/v21.0"
	instagramRefreshURL = "https://graph.instagram.com/refresh_access_token"
	instagramMaxItems   = 10
)

type instagramPublisher struct {
	graph      metaGraph
	refreshURL string
	opts       Options
}

// NewInstagram returns the Instagram adapter. Media containers are processed
// asynchronously, so it polls before publishing.
func NewInstagram(o Options) Publisher {
	base := o.baseURL(instagramGraphURL)
	refreshURL := instagramRefreshURL
	if o.BaseURL != "" {
		refreshURL = base + "/refresh_access_token"
	}
	return &instagramPublisher{
		graph: metaGraph{
			platform: models.PlatformInstagram,
			base:     base,
			api:      newAPIClient(models.PlatformInstagram, o, metaClassifier(models.PlatformInstagram)),
		},
		refreshURL: refreshURL,
		opts:       o,
	}
}

func (p *instagramPublisher) Platform() string { return models.PlatformInstagram }
func (p *instagramPublisher) Shape() Shape     { return ShapeAsyncContainer }

func (p *instagramPublisher) Publish(ctx context.Context, req Request) (*Outcome, error) {
	switch {
	case len(req.Media) == 0:
		return nil, apperr.Validation(p.Platform(), "publish", errors.New("instagram posts need at least one image or video"))
	case len(req.Media) > instagramMaxItems:
		return nil, apperr.Validation(p.Platform(), "publish", errors.New("instagram carousels hold at most 10 items"))
	}

	user := accountPath(req.Account)
	token := req.Account.AccessToken
	ops := ContainerOps{
		Create: func(ctx context.Context) (string, error) {
			return p.createContainer(ctx, user, token, req)
		},
		Status: func(ctx context.Context, id string) (models.ContainerStatus, string, error) {
			return p.graph.containerStatus(ctx, id, token)
		},
		Publish: func(ctx context.Context, id string) (*Outcome, error) {
			mediaID, err := p.graph.post(ctx, "media_publish", "/"+user+"/media_publish", token, url.Values{"creation_id": {id}})
			if err != nil {
				return nil, err
			}
			info := p.graph.mediaInfo(ctx, mediaID, token, "id,permalink,thumbnail_url")
			return &Outcome{ExternalID: mediaID, URL: info.Permalink, ThumbnailURL: info.ThumbnailURL}, nil
		},
	}
	return RunAsyncContainer(ctx, p.Platform(), p.opts.Retry, p.opts.Poll, req, ops)
}

func (p *instagramPublisher) createContainer(ctx context.Context, user, token string, req Request) (string, error) {
	if len(req.Media) == 1 {
		params := mediaParams(req.Media[0], false)
		params.Set("caption", req.Text)
		return p.graph.post(ctx, "create_container", "/"+user+"/media", token, params)
	}

	children := make([]string, 0, len(req.Media))
	for _, m := range req.Media {
		id, err := p.graph.post(ctx, "create_carousel_item", "/"+user+"/media", token, mediaParams(m, true))
		if err != nil {
			return "", err
		}
		children = append(children, id)
	}
	return p.graph.post(ctx, "create_container", "/"+user+"/media", token, url.Values{
		"media_type": {"CAROUSEL"},
		"children":   {strings.Join(children, ",")},
		"caption":    {req.Text},
	})
}

func mediaParams(m ResolvedMedia, carouselItem bool) url.Values {
	v := url.Values{}
	if m.Kind == MediaVideo {
		v.Set("video_url", m.URL)
		if carouselItem {
			v.Set("media_type", "VIDEO")
		} else {
			v.Set("media_type", "REELS")
		}
	} else {
		v.Set("image_url", m.URL)
		if m.AltText != "" {
			v.Set("alt_text", m.AltText)
		}
	}
	if carouselItem {
		v.Set("is_carousel_item", "true")
	}
	return v
}

func accountPath(a Account) string {
	if a.ExternalID == "" {
		return "me"
	}
	return a.ExternalID
}

func (p *instagramPublisher) RefreshToken(ctx context.Context, creds Credentials) (*Token, error) {
	return p.graph.refresh(ctx, p.refreshURL, "ig_refresh_token", creds)
}
