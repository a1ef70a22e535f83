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
	"github.com/maheshrc27/postflow/internal/transfer"
)

// metaClassifier reads the Graph API error envelope shared by Instagram and
// Threads. Codes: 190 and 102 are session errors, 4/17/32/613 are throttles.
func metaClassifier(platform string) statusClassifier {
	return func(op string, status int, body []byte, retryAfter string) error {
		var envelope transfer.MetaErrorResponse
		if json.Unmarshal(body, &envelope) != nil || envelope.Error.Code == 0 && envelope.Error.Message == "" {
			return apperr.FromStatus(platform, op, status, string(body), retryAfter)
		}
		e := envelope.Error
		err := fmt.Errorf("graph error %d/%d: %s", e.Code, e.ErrorSubcode, e.Message)
		switch {
		case e.Code == 190 || e.Code == 102 || e.Type == "OAuthException" && status == http.StatusUnauthorized:
			return apperr.AuthExpired(platform, op, err)
		case e.Code == 4 || e.Code == 17 || e.Code == 32 || e.Code == 613 || status == http.StatusTooManyRequests:
			return apperr.RateLimited(platform, op, err, apperr.ParseRetryAfter(retryAfter))
		case e.IsTransient || e.Code == 1 || e.Code == 2 || status >= 500:
			return apperr.Transient(platform, op, err)
		}
		return apperr.Validation(platform, op, err)
	}
}

// metaGraph is the part of the Graph API both Meta adapters share.
type metaGraph struct {
	platform string
	base     string
	api      *apiClient
}

func (g *metaGraph) post(ctx context.Context, op, path, token string, params url.Values) (string, error) {
	params.Set("access_token", token)
	var out transfer.MetaIDResponse
	if err := g.api.do(ctx, call{op: op, method: http.MethodPost, url: g.base + path, form: params}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", apperr.Validation(g.platform, op, errors.New("response carried no id"))
	}
	return out.ID, nil
}

// containerStatus maps status_code values onto the container lifecycle.
func (g *metaGraph) containerStatus(ctx context.Context, containerID, token string) (models.ContainerStatus, string, error) {
	var out transfer.MetaContainerStatus
	err := g.api.do(ctx, call{
		op:     "container_status",
		method: http.MethodGet,
		url:    g.base + "/" + containerID,
		query:  url.Values{"fields": {"status_code,status"}, "access_token": {token}},
	}, &out)
	if err != nil {
		return "", "", err
	}
	switch out.StatusCode {
	case "FINISHED", "PUBLISHED":
		return models.ContainerFinished, "", nil
	case "ERROR", "EXPIRED":
		detail := out.Status
		if detail == "" {
			detail = out.StatusCode
		}
		return models.ContainerError, detail, nil
	}
	return models.ContainerProcessing, "", nil
}

// mediaInfo is best effort; a published post is never failed over its permalink.
func (g *metaGraph) mediaInfo(ctx context.Context, mediaID, token, fields string) transfer.MetaMediaInfo {
	var out transfer.MetaMediaInfo
	err := g.api.do(ctx, call{
		op:     "media_info",
		method: http.MethodGet,
		url:    g.base + "/" + mediaID,
		query:  url.Values{"fields": {fields}, "access_token": {token}},
	}, &out)
	if err != nil {
		return transfer.MetaMediaInfo{ID: mediaID}
	}
	return out
}

// refresh exchanges a long-lived token for a new one. Both platforms use the
// same endpoint shape with a different grant type.
func (g *metaGraph) refresh(ctx context.Context, refreshURL, grantType string, creds Credentials) (*Token, error) {
	var out transfer.MetaRefreshResponse
	err := g.api.do(ctx, call{
		op:     "refresh_token",
		method: http.MethodGet,
		url:    refreshURL,
		query:  url.Values{"grant_type": {grantType}, "access_token": {creds.AccessToken}},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, apperr.Validation(g.platform, "refresh_token", errors.New("no access token in response"))
	}
	t := &Token{AccessToken: out.AccessToken}
	if out.ExpiresIn > 0 {
		t.ExpiresAt = time.Now().UTC().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return t, nil
}
