package progress

import (
	"sync"
	"time"
)

// Hub holds the reporters of dispatches running in this process, keyed by
// post id. Finished reporters stay readable for a short linger period.
type Hub struct {
	mu        sync.RWMutex
	reporters map[int64]*Reporter
	linger    time.Duration
}

func NewHub(linger time.Duration) *Hub {
	return &Hub{reporters: make(map[int64]*Reporter), linger: linger}
}

// Start registers a fresh reporter for postID, replacing any earlier one.
func (h *Hub) Start(postID int64) *Reporter {
	r := NewReporter()
	h.mu.Lock()
	h.reporters[postID] = r
	h.mu.Unlock()

	go func() {
		<-r.Done()
		time.AfterFunc(h.linger, func() {
			h.mu.Lock()
			if h.reporters[postID] == r {
				delete(h.reporters, postID)
			}
			h.mu.Unlock()
		})
	}()
	return r
}

func (h *Hub) Get(postID int64) (*Reporter, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.reporters[postID]
	return r, ok
}
