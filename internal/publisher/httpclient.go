package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/internal/apperr"
	"github.com/maheshrc27/postflow/internal/retry"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

// Options are shared by every adapter.
type Options struct {
	Retry       retry.Config
	Poll        PollConfig
	CallTimeout time.Duration
	// RequestsPerSecond limits outbound calls per adapter. Zero disables it.
	RequestsPerSecond float64
	// BaseURL overrides the platform API root.
	BaseURL string
	// Transport is the underlying round tripper, http.DefaultTransport if nil.
	Transport http.RoundTripper
}

func (o Options) callTimeout() time.Duration {
	if o.CallTimeout <= 0 {
		return 15 * time.Second
	}
	return o.CallTimeout
}

func (o Options) baseURL(def string) string {
	if o.BaseURL != "" {
		return strings.TrimRight(o.BaseURL, "/")
	}
	return def
}

// NewHTTPClient returns a client whose requests wait on a token bucket before
// they leave the process.
func NewHTTPClient(o Options) *http.Client {
	next := o.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	if o.RequestsPerSecond > 0 {
		burst := int(o.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		next = &limitedTransport{next: next, limiter: rate.NewLimiter(rate.Limit(o.RequestsPerSecond), burst)}
	}
	return &http.Client{Transport: next}
}

type limitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

// statusClassifier turns a non-2xx response into a classified error.
type statusClassifier func(op string, status int, body []byte, retryAfter string) error

// apiClient performs JSON calls against one platform with a per-call timeout.
type apiClient struct {
	platform string
	http     *http.Client
	timeout  time.Duration
	classify statusClassifier
}

func newAPIClient(platform string, o Options, classify statusClassifier) *apiClient {
	if classify == nil {
		classify = func(op string, status int, body []byte, retryAfter string) error {
			return apperr.FromStatus(platform, op, status, string(body), retryAfter)
		}
	}
	return &apiClient{platform: platform, http: NewHTTPClient(o), timeout: o.callTimeout(), classify: classify}
}

type call struct {
	op      string
	method  string
	url     string
	query   url.Values
	json    any
	form    url.Values
	headers map[string]string
}

func (c *apiClient) do(ctx context.Context, in call, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	contentType := ""
	switch {
	case in.json != nil:
		b, err := json.Marshal(in.json)
		if err != nil {
			return apperr.Validation(c.platform, in.op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(b)
		contentType = "application/json; charset=UTF-8"
	case in.form != nil:
		body = strings.NewReader(in.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	target := in.url
	if len(in.query) > 0 {
		target += "?" + in.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, in.method, target, body)
	if err != nil {
		return apperr.Validation(c.platform, in.op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range in.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transient(c.platform, in.op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return c.classify(in.op, resp.StatusCode, data, resp.Header.Get("Retry-After"))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation(c.platform, in.op, errors.New("empty response body"))
		}
		return apperr.Validation(c.platform, in.op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// fetch opens a media URL for streaming uploads. The caller closes the body.
func (c *apiClient) fetch(ctx context.Context, op, mediaURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, apperr.Validation(c.platform, op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Transient(c.platform, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
			return nil, apperr.Validation(c.platform, op, fmt.Errorf("media %s unavailable: status %d", mediaURL, resp.StatusCode))
		}
		return nil, apperr.FromStatus(c.platform, op, resp.StatusCode, "", resp.Header.Get("Retry-After"))
	}
	return resp.Body, nil
}
