package publisher

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/retry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

const youtubeMaxTitle = 100

type youtubePublisher struct {
	oauth *oauth2.Config
	api   *apiClient
	opts  Options
}

// NewYouTube returns the YouTube adapter. The video is streamed from its URL
// into Videos.Insert, which returns the video id in one call.
func NewYouTube(clientID, clientSecret string, o Options) Publisher {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{youtube.YoutubeUploadScope},
		Endpoint:     google.Endpoint,
	}
	if o.BaseURL != "" {
		conf.Endpoint = oauth2.Endpoint{TokenURL: o.baseURL("") + "/token", AuthStyle: oauth2.AuthStyleInParams}
	}
	return &youtubePublisher{
		oauth: conf,
		api:   newAPIClient(models.PlatformYoutube, o, nil),
		opts:  o,
	}
}

func (p *youtubePublisher) Platform() string { return models.PlatformYoutube }
func (p *youtubePublisher) Shape() Shape     { return ShapeSingleCall }

func (p *youtubePublisher) Publish(ctx context.Context, req Request) (*Outcome, error) {
	if len(req.Media) != 1 || req.Media[0].Kind != MediaVideo {
		return nil, apperr.Validation(p.Platform(), "publish", errors.New("youtube posts need exactly one video"))
	}

	client := oauth2.NewClient(p.oauthContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: req.Account.AccessToken}))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if p.opts.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(p.opts.baseURL("")+"/youtube/v3/"))
	}
	service, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, apperr.Validation(p.Platform(), "publish", err)
	}

	privacy := req.option("privacy_status")
	if privacy == "" {
		privacy = "public"
	}
	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       youtubeTitle(req.Content),
			Description: req.Text,
			CategoryId:  "22",
		},
		Status: &youtube.VideoStatus{PrivacyStatus: privacy},
	}
	if cat := req.option("category_id"); cat != "" {
		video.Snippet.CategoryId = cat
	}

	req.stage(models.StageUploading)
	m := req.Media[0]
	return retry.Do(ctx, p.opts.Retry, func(ctx context.Context) (*Outcome, error) {
		body, err := p.api.fetch(ctx, "fetch_media", m.URL)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		var mediaOpts []googleapi.MediaOption
		if m.MimeType != "" {
			mediaOpts = append(mediaOpts, googleapi.ContentType(m.MimeType))
		}
		res, err := service.Videos.Insert([]string{"snippet", "status"}, video).Media(body, mediaOpts...).Context(ctx).Do()
		if err != nil {
			return nil, classifyGoogle("videos_insert", err)
		}
		out := &Outcome{ExternalID: res.Id, URL: "https://youtu.be/" + res.Id}
		if res.Snippet != nil && res.Snippet.Thumbnails != nil && res.Snippet.Thumbnails.Default != nil {
			out.ThumbnailURL = res.Snippet.Thumbnails.Default.Url
		}
		return out, nil
	})
}

// RefreshToken uses the oauth2 token source, which exchanges the refresh
// token at Google's token endpoint.
func (p *youtubePublisher) RefreshToken(ctx context.Context, creds Credentials) (*Token, error) {
	if creds.RefreshToken == "" {
		return nil, apperr.AuthExpired(p.Platform(), "refresh_token", errors.New("no refresh token stored"))
	}
	tok, err := p.oauth.TokenSource(p.oauthContext(ctx), &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return nil, classifyOAuth(p.Platform(), err)
	}
	return &Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: tok.Expiry.UTC()}, nil
}

func (p *youtubePublisher) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.api.http)
}

func youtubeTitle(c Content) string {
	title := strings.TrimSpace(c.Title)
	if title == "" {
		title = strings.TrimSpace(strings.SplitN(c.Text, "\n", 2)[0])
	}
	if title == "" {
		title = "Untitled"
	}
	if utf8.RuneCountInString(title) > youtubeMaxTitle {
		title = string([]rune(title)[:youtubeMaxTitle])
	}
	return title
}

func classifyGoogle(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return apperr.Transient(models.PlatformYoutube, op, err)
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded", "uploadLimitExceeded":
			return apperr.RateLimited(models.PlatformYoutube, op, err, apperr.ParseRetryAfter(gerr.Header.Get("Retry-After")))
		case "authError", "youtubeSignupRequired", "forbidden":
			return apperr.AuthExpired(models.PlatformYoutube, op, err)
		}
	}
	return apperr.FromStatus(models.PlatformYoutube, op, gerr.Code, gerr.Message, gerr.Header.Get("Retry-After"))
}

// classifyOAuth maps a failed token exchange. A rejected grant can only be
// fixed by reconnecting the account.
func classifyOAuth(platform string, err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return apperr.Transient(platform, "refresh_token", err)
	}
	if rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "unauthorized_client" {
		return apperr.AuthExpired(platform, "refresh_token", err)
	}
	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return apperr.AuthExpired(platform, "refresh_token", err)
	case status == 0:
		return apperr.Transient(platform, "refresh_token", err)
	}
	retryAfter := ""
	if rerr.Response != nil {
		retryAfter = rerr.Response.Header.Get("Retry-After")
	}
	return apperr.FromStatus(platform, "refresh_token", status, string(rerr.Body), retryAfter)
}
