// Package publisher contains the destination adapters. Every adapter speaks
// one of three protocol shapes and reports failures as apperr kinds.
package publisher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type Shape int

const (
	// ShapeSingleCall publishes with one request that returns the external id.
	ShapeSingleCall Shape = iota + 1
	// ShapeTwoPhase creates a container and publishes it right away.
	ShapeTwoPhase
	// ShapeAsyncContainer creates a container, polls until processing ends, then publishes.
	ShapeAsyncContainer
)

func (s Shape) String() string {
	switch s {
	case ShapeSingleCall:
		return "single_call"
	case ShapeTwoPhase:
		return "two_phase"
	case ShapeAsyncContainer:
		return "async_container"
	}
	return "unknown"
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// ResolvedMedia is a media reference the destination can fetch by URL.
type ResolvedMedia struct {
	URL      string
	MimeType string
	Kind     MediaKind
	AltText  string
}

// Account is the authenticated identity a request is made as.
type Account struct {
	ID          int64
	ExternalID  string
	Name        string
	AccessToken string
}

type Content struct {
	Text  string
	Title string
	// ReplyToID chains this publish under an earlier external post.
	ReplyToID string
	Options   map[string]string
}

type Request struct {
	Content
	Media    []ResolvedMedia
	Account  Account
	Progress func(models.Stage)
}

func (r Request) stage(s models.Stage) {
	if r.Progress != nil {
		r.Progress(s)
	}
}

func (r Request) option(name string) string {
	if r.Options == nil {
		return ""
	}
	return r.Options[name]
}

type Outcome struct {
	ExternalID   string
	URL          string
	ThumbnailURL string
	// FallbackPublished is set when processing never finished and the
	// container was published anyway.
	FallbackPublished bool
}

type Publisher interface {
	Platform() string
	Shape() Shape
	Publish(ctx context.Context, req Request) (*Outcome, error)
}

// Threader is implemented by destinations that can chain posts as replies,
// which lets a multi-part post go out as a sequence.
type Threader interface {
	Publisher
	ThreadReplies() bool
}

type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Token is a refreshed credential. A zero ExpiresAt means no expiry was
// reported; an empty RefreshToken means the old one stays valid.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type TokenRefresher interface {
	RefreshToken(ctx context.Context, creds Credentials) (*Token, error)
}

// Registry maps platform ids to adapters.
type Registry struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
}

func NewRegistry(pubs ...Publisher) *Registry {
	r := &Registry{publishers: make(map[string]Publisher)}
	for _, p := range pubs {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Publisher) {
	r.mu.Lock()
	r.publishers[p.Platform()] = p
	r.mu.Unlock()
}

func (r *Registry) Get(platform string) (Publisher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[platform]
	return p, ok
}

func (r *Registry) Refresher(platform string) (TokenRefresher, bool) {
	p, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	tr, ok := p.(TokenRefresher)
	return tr, ok
}

// Threads reports whether the platform's adapter chains replies.
func (r *Registry) Threads(platform string) bool {
	p, ok := r.Get(platform)
	if !ok {
		return false
	}
	t, ok := p.(Threader)
	return ok && t.ThreadReplies()
}

func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.publishers))
	for name := range r.publishers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
