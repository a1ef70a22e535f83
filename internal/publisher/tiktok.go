package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/retry"
	"github.com/maheshrc27/postflow/internal/transfer"
)

const tiktokAPIURL = "https://open.tiktokapis.com/v2"

type tiktokPublisher struct {
	base         string
	clientKey    string
	clientSecret string
	api          *apiClient
	opts         Options
}

// NewTikTok returns the TikTok direct-post adapter. TikTok pulls the media
// from its URL, so a publish is a single init call.
func NewTikTok(clientKey, clientSecret string, o Options) Publisher {
	return &tiktokPublisher{
		base:         o.baseURL(tiktokAPIURL),
		clientKey:    clientKey,
		clientSecret: clientSecret,
		api:          newAPIClient(models.PlatformTiktok, o, classifyTikTok),
		opts:         o,
	}
}

func (p *tiktokPublisher) Platform() string { return models.PlatformTiktok }
func (p *tiktokPublisher) Shape() Shape     { return ShapeSingleCall }

func (p *tiktokPublisher) Publish(ctx context.Context, req Request) (*Outcome, error) {
	if len(req.Media) == 0 {
		return nil, apperr.Validation(p.Platform(), "publish", errors.New("tiktok posts need a video or photos"))
	}
	privacy := req.option("privacy_level")
	if privacy == "" {
		privacy = "PUBLIC_TO_EVERYONE"
	}

	var path string
	var body any
	if req.Media[0].Kind == MediaVideo {
		path = "/post/publish/video/init/"
		body = transfer.VideoUploadRequest{
			PostInfo: transfer.VideoPostInfo{
				Title:                 req.Text,
				PrivacyLevel:          privacy,
				DisableComment:        req.option("disable_comment") == "true",
				DisableDuet:           req.option("disable_duet") == "true",
				DisableStitch:         req.option("disable_stitch") == "true",
				VideoCoverTimestampMs: 1000,
			},
			SourceInfo: transfer.VideoSourceInfo{Source: "PULL_FROM_URL", VideoURL: req.Media[0].URL},
		}
	} else {
		photos := make([]string, 0, len(req.Media))
		for _, m := range req.Media {
			if m.Kind == MediaVideo {
				return nil, apperr.Validation(p.Platform(), "publish", errors.New("photo posts cannot mix in videos"))
			}
			photos = append(photos, m.URL)
		}
		path = "/post/publish/content/init/"
		body = transfer.PhotoUploadRequest{
			PostInfo: transfer.PhotoPostInfo{
				Title:          req.Title,
				Description:    req.Text,
				PrivacyLevel:   privacy,
				DisableComment: req.option("disable_comment") == "true",
				AutoAddMusic:   true,
			},
			SourceInfo: transfer.PhotoSourceInfo{Source: "PULL_FROM_URL", PhotoImages: photos},
			PostMode:   "DIRECT_POST",
			MediaType:  "PHOTO",
		}
	}

	req.stage(models.StageUploading)
	return retry.Do(ctx, p.opts.Retry, func(ctx context.Context) (*Outcome, error) {
		var out transfer.TikTokUploadResponse
		err := p.api.do(ctx, call{
			op:      "publish_init",
			method:  http.MethodPost,
			url:     p.base + path,
			json:    body,
			headers: map[string]string{"Authorization": "Bearer " + req.Account.AccessToken},
		}, &out)
		if err != nil {
			return nil, err
		}
		if out.Error.Code != "" && out.Error.Code != "ok" {
			return nil, tiktokError(http.StatusOK, out.Error)
		}
		if out.Data.PublishID == "" {
			return nil, apperr.Validation(p.Platform(), "publish_init", errors.New("no publish_id returned"))
		}
		return &Outcome{ExternalID: out.Data.PublishID}, nil
	})
}

func (p *tiktokPublisher) RefreshToken(ctx context.Context, creds Credentials) (*Token, error) {
	if creds.RefreshToken == "" {
		return nil, apperr.AuthExpired(p.Platform(), "refresh_token", errors.New("no refresh token stored"))
	}
	form := url.Values{}
	form.Set("client_key", p.clientKey)
	form.Set("client_secret", p.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)

	var raw json.RawMessage
	err := p.api.do(ctx, call{op: "refresh_token", method: http.MethodPost, url: p.base + "/oauth/token/", form: form}, &raw)
	if err != nil {
		return nil, err
	}
	var oauthErr transfer.TiktokOAuthError
	if json.Unmarshal(raw, &oauthErr) == nil && oauthErr.Error != "" {
		// invalid_grant means the refresh token itself is dead.
		if oauthErr.Error == "invalid_grant" {
			return nil, apperr.AuthExpired(p.Platform(), "refresh_token", errors.New(oauthErr.ErrorDescription))
		}
		return nil, apperr.Validation(p.Platform(), "refresh_token", fmt.Errorf("%s: %s", oauthErr.Error, oauthErr.ErrorDescription))
	}
	var tok transfer.TiktokTokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return nil, apperr.Validation(p.Platform(), "refresh_token", errors.New("no access token in response"))
	}
	t := &Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if tok.ExpiresIn > 0 {
		t.ExpiresAt = time.Now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return t, nil
}

func classifyTikTok(op string, status int, body []byte, retryAfter string) error {
	var envelope struct {
		Error transfer.TiktokError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) != nil || envelope.Error.Code == "" {
		var oauthErr transfer.TiktokOAuthError
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error == "invalid_grant" {
			return apperr.AuthExpired(models.PlatformTiktok, op, errors.New(oauthErr.ErrorDescription))
		}
		return apperr.FromStatus(models.PlatformTiktok, op, status, string(body), retryAfter)
	}
	e := tiktokError(status, envelope.Error)
	if e.Kind == apperr.KindRateLimited {
		e.RetryAfter = apperr.ParseRetryAfter(retryAfter)
	}
	e.Op = op
	return e
}

func tiktokError(status int, te transfer.TiktokError) *apperr.Error {
	err := fmt.Errorf("%s: %s (log_id %s)", te.Code, te.Message, te.LogID)
	switch te.Code {
	case "access_token_invalid", "scope_not_authorized", "token_not_authorized_for_specified_deployment":
		return apperr.AuthExpired(models.PlatformTiktok, "publish_init", err)
	case "rate_limit_exceeded", "spam_risk_too_many_posts", "spam_risk_too_many_pending_share":
		return apperr.RateLimited(models.PlatformTiktok, "publish_init", err, 0)
	case "internal_error":
		return apperr.Transient(models.PlatformTiktok, "publish_init", err)
	}
	if status >= 500 {
		return apperr.Transient(models.PlatformTiktok, "publish_init", err)
	}
	return apperr.Validation(models.PlatformTiktok, "publish_init", err)
}
