package retry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/apperr"
)

func TestPermanentErrorShortCircuits(t *testing.T) {
	calls := 0
	r := DoSafe(context.Background(), Config{BaseDelay: time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		return "", apperr.AuthExpired("instagram", "publish", errors.New("invalid token"))
	})
	if r.Success() {
		t.Fatal("expected failure")
	}
	if calls != 1 || r.Attempts != 1 {
		t.Fatalf("expected exactly one attempt, calls=%d attempts=%d", calls, r.Attempts)
	}
	if !apperr.NeedsReconnect(r.Err) {
		t.Fatalf("expected classified error to survive, got %v", r.Err)
	}
}

func TestRateLimitedExhaustsWithBackoff(t *testing.T) {
	base := 20 * time.Millisecond
	var delays []time.Duration
	calls := 0
	cfg := Config{
		MaxAttempts: 3,
		BaseDelay:   base,
		MaxDelay:    time.Second,
		Multiplier:  2,
		OnRetry:     func(a Attempt) { delays = append(delays, a.Delay) },
	}

	_, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, apperr.RateLimited("tiktok", "init", errors.New("slow down"), 0)
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if apperr.KindOf(err) != apperr.KindRateLimited {
		t.Fatalf("expected rate limited kind, got %s", apperr.KindOf(err))
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 waits between 3 calls, got %d", len(delays))
	}
	for i, d := range delays {
		want := float64(base) * float64(int(1)<<i)
		if float64(d) < want*0.9 || float64(d) > want*1.1 {
			t.Fatalf("delay %d = %v outside jitter band around %v", i, d, time.Duration(want))
		}
	}
}

func TestRecoversFromTransientStatuses(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var retries int
	r := DoSafe(context.Background(), Config{BaseDelay: time.Millisecond, OnRetry: func(Attempt) { retries++ }},
		func(ctx context.Context) (int, error) {
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return 0, apperr.Transient("test", "get", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return 0, apperr.FromStatus("test", "get", resp.StatusCode, "", "")
			}
			return resp.StatusCode, nil
		})
	if !r.Success() {
		t.Fatalf("expected success, got %v", r.Err)
	}
	if r.Attempts != 3 || retries != 2 {
		t.Fatalf("expected 3 attempts with 2 retries, got attempts=%d retries=%d", r.Attempts, retries)
	}
}

func TestAttemptsReflectTrueCount(t *testing.T) {
	calls := 0
	r := DoSafe(context.Background(), Config{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) (bool, error) {
		calls++
		if calls == 2 {
			return true, nil
		}
		return false, errors.New("connection reset")
	})
	if !r.Success() || r.Attempts != 2 {
		t.Fatalf("expected success on attempt 2, got success=%v attempts=%d", r.Success(), r.Attempts)
	}
}

func TestCustomClassifier(t *testing.T) {
	calls := 0
	cfg := Config{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		Classify:    func(err error) bool { return err.Error() == "busy" },
	}
	_ = DoSafe(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("malformed")
	})
	if calls != 1 {
		t.Fatalf("custom classifier should stop on first error, got %d calls", calls)
	}
}

func TestContextCancelStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	cfg.OnRetry = func(Attempt) { cancel() }

	start := time.Now()
	r := DoSafe(ctx, cfg, func(ctx context.Context) (int, error) {
		return 0, errors.New("timeout")
	})
	if r.Success() || r.Attempts != 1 {
		t.Fatalf("expected abort after first attempt, got attempts=%d", r.Attempts)
	}
	if time.Since(start) > time.Second {
		t.Fatal("executor kept waiting after cancellation")
	}
}

func TestBackoffHonorsHintAndCap(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 8 * time.Second, Multiplier: 2}
	if d := cfg.Backoff(10, 0); d != 8*time.Second {
		t.Fatalf("expected cap at 8s, got %v", d)
	}
	if d := cfg.Backoff(1, 5*time.Second); d != 5*time.Second {
		t.Fatalf("expected retry-after hint to win, got %v", d)
	}
}
