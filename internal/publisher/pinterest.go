package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/retry"
	"github.com/maheshrc27/postflow/internal/transfer"
	"golang.org/x/oauth2"
)

const pinterestAPIURL = "https://api.pinterest.com/v5"

type pinterestPublisher struct {
	base  string
	oauth *oauth2.Config
	api   *apiClient
	opts  Options
}

// NewPinterest returns the Pinterest adapter. A pin is created in one call
// from image URLs; the board comes from the destination's board_id option.
func NewPinterest(clientID, clientSecret string, o Options) Publisher {
	base := o.baseURL(pinterestAPIURL)
	return &pinterestPublisher{
		base: base,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: base + "/oauth/token", AuthStyle: oauth2.AuthStyleInHeader},
		},
		api:  newAPIClient(models.PlatformPinterest, o, classifyPinterest),
		opts: o,
	}
}

func (p *pinterestPublisher) Platform() string { return models.PlatformPinterest }
func (p *pinterestPublisher) Shape() Shape     { return ShapeSingleCall }

func (p *pinterestPublisher) Publish(ctx context.Context, req Request) (*Outcome, error) {
	board := req.option("board_id")
	if board == "" {
		return nil, apperr.Validation(p.Platform(), "publish", errors.New("board_id option is required"))
	}
	if len(req.Media) == 0 {
		return nil, apperr.Validation(p.Platform(), "publish", errors.New("pins need at least one image"))
	}

	pin := transfer.PinterestPinRequest{
		BoardID:     board,
		Title:       req.Title,
		Description: req.Text,
		Link:        req.option("link"),
		AltText:     req.Media[0].AltText,
	}
	if len(req.Media) == 1 {
		if req.Media[0].Kind != MediaImage {
			return nil, apperr.Validation(p.Platform(), "publish", errors.New("only image pins are supported"))
		}
		pin.MediaSource = transfer.PinterestMediaSource{SourceType: "image_url", URL: req.Media[0].URL}
	} else {
		pin.MediaSource.SourceType = "multiple_image_urls"
		for _, m := range req.Media {
			if m.Kind != MediaImage {
				return nil, apperr.Validation(p.Platform(), "publish", errors.New("only image pins are supported"))
			}
			pin.MediaSource.Items = append(pin.MediaSource.Items, transfer.PinterestImageURLItem{URL: m.URL, Description: m.AltText})
		}
	}

	req.stage(models.StageUploading)
	return retry.Do(ctx, p.opts.Retry, func(ctx context.Context) (*Outcome, error) {
		var out transfer.PinterestPin
		err := p.api.do(ctx, call{
			op:      "create_pin",
			method:  http.MethodPost,
			url:     p.base + "/pins",
			json:    pin,
			headers: map[string]string{"Authorization": "Bearer " + req.Account.AccessToken},
		}, &out)
		if err != nil {
			return nil, err
		}
		if out.ID == "" {
			return nil, apperr.Validation(p.Platform(), "create_pin", errors.New("no pin id returned"))
		}
		return &Outcome{ExternalID: out.ID, URL: "https://www.pinterest.com/pin/" + out.ID + "/"}, nil
	})
}

func (p *pinterestPublisher) RefreshToken(ctx context.Context, creds Credentials) (*Token, error) {
	if creds.RefreshToken == "" {
		return nil, apperr.AuthExpired(p.Platform(), "refresh_token", errors.New("no refresh token stored"))
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.api.http)
	tok, err := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return nil, classifyOAuth(p.Platform(), err)
	}
	t := &Token{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry.UTC()}
	if tok.RefreshToken != creds.RefreshToken {
		t.RefreshToken = tok.RefreshToken
	}
	return t, nil
}

func classifyPinterest(op string, status int, body []byte, retryAfter string) error {
	var pe transfer.PinterestError
	msg := string(body)
	if json.Unmarshal(body, &pe) == nil && pe.Message != "" {
		msg = pe.Message
	}
	return apperr.FromStatus(models.PlatformPinterest, op, status, msg, retryAfter)
}
