// Package progress reports per-destination delivery stages of one dispatch.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

// Destination identifies one tracked delivery target.
type Destination struct {
	Key       string
	Platform  string
	AccountID int64
}

// Aggregate is the roll-up of a dispatch. Complete is only set once every
// tracked destination reached success or error.
type Aggregate struct {
	Total     int  `json:"total"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Complete  bool `json:"complete"`
}

// Reporter keeps the ordered event log of one dispatch. Subscribers replay it
// from the start, so none miss a transition. The zero value is not usable; a
// nil *Reporter ignores every call.
type Reporter struct {
	mu      sync.Mutex
	events  []models.ProgressEvent
	dests   map[string]Destination
	stages  map[string]models.Stage
	tracked bool
	changed chan struct{}
	done    chan struct{}
	now     func() time.Time
}

func NewReporter() *Reporter {
	return &Reporter{
		dests:   make(map[string]Destination),
		stages:  make(map[string]models.Stage),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Track registers destinations and emits their pending stage. Tracking an
// empty list completes the reporter immediately.
func (r *Reporter) Track(dests ...Destination) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked = true
	for _, d := range dests {
		if _, ok := r.dests[d.Key]; ok {
			continue
		}
		r.dests[d.Key] = d
		r.stages[d.Key] = models.StagePending
		r.appendLocked(d, models.StagePending, "")
	}
	r.checkDoneLocked()
}

// Emit records a transition. Regressions, repeats, unknown destinations and
// anything after a terminal stage are dropped; the return reports whether
// the event was kept.
func (r *Reporter) Emit(key string, stage models.Stage, message string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dests[key]
	if !ok {
		return false
	}
	cur := r.stages[key]
	if cur.Terminal() || stage.Rank() <= cur.Rank() {
		return false
	}
	r.stages[key] = stage
	r.appendLocked(d, stage, message)
	r.checkDoneLocked()
	return true
}

func (r *Reporter) appendLocked(d Destination, stage models.Stage, message string) {
	r.events = append(r.events, models.ProgressEvent{
		Seq:         int64(len(r.events) + 1),
		Destination: d.Key,
		Platform:    d.Platform,
		AccountID:   d.AccountID,
		Stage:       stage,
		Message:     message,
		At:          r.now().UTC(),
	})
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Reporter) checkDoneLocked() {
	if !r.completeLocked() {
		return
	}
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *Reporter) completeLocked() bool {
	for _, s := range r.stages {
		if !s.Terminal() {
			return false
		}
	}
	return r.tracked
}

func (r *Reporter) Snapshot() Aggregate {
	if r == nil {
		return Aggregate{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a := Aggregate{Total: len(r.stages)}
	for _, s := range r.stages {
		switch s {
		case models.StageSuccess:
			a.Succeeded++
		case models.StageError:
			a.Failed++
		}
	}
	a.Complete = r.completeLocked()
	return a
}

// Stage returns the current stage of a destination.
func (r *Reporter) Stage(key string) (models.Stage, bool) {
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stages[key]
	return s, ok
}

// Done is closed once the aggregate is complete.
func (r *Reporter) Done() <-chan struct{} {
	if r == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.done
}

// Events streams every event from the first one. The channel closes after the
// last event of a complete dispatch has been delivered, or when ctx ends.
func (r *Reporter) Events(ctx context.Context) <-chan models.ProgressEvent {
	out := make(chan models.ProgressEvent)
	if r == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		next := 0
		for {
			r.mu.Lock()
			pending := append([]models.ProgressEvent(nil), r.events[next:]...)
			changed := r.changed
			finished := r.completeLocked()
			r.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
					next++
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			if finished {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
