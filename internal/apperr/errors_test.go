package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestFromStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		kind      Kind
		permanent bool
	}{
		{http.StatusTooManyRequests, KindRateLimited, false},
		{http.StatusUnauthorized, KindAuthExpired, true},
		{http.StatusForbidden, KindAuthExpired, true},
		{http.StatusBadRequest, KindValidation, true},
		{http.StatusNotFound, KindValidation, true},
		{http.StatusUnprocessableEntity, KindValidation, true},
		{http.StatusRequestTimeout, KindTransient, false},
		{http.StatusServiceUnavailable, KindTransient, false},
		{http.StatusInternalServerError, KindTransient, false},
	}
	for _, tc := range cases {
		err := FromStatus("instagram", "publish", tc.status, "body", "")
		if err.Kind != tc.kind {
			t.Fatalf("status %d: expected kind %s, got %s", tc.status, tc.kind, err.Kind)
		}
		if IsPermanent(err) != tc.permanent {
			t.Fatalf("status %d: expected permanent=%v", tc.status, tc.permanent)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := AuthExpired("tiktok", "refresh", errors.New("token revoked"))
	wrapped := fmt.Errorf("dispatch: %w", base)

	if KindOf(wrapped) != KindAuthExpired {
		t.Fatalf("expected auth_expired through wrapping, got %s", KindOf(wrapped))
	}
	if !NeedsReconnect(wrapped) {
		t.Fatal("expected needsReconnect for auth expired error")
	}
	if NeedsReconnect(Transient("tiktok", "publish", errors.New("reset"))) {
		t.Fatal("transient error must not ask for reconnect")
	}
}

func TestUntaggedErrorsAreTransient(t *testing.T) {
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatal("expected untagged error to be transient")
	}
	if IsTransient(nil) || IsPermanent(nil) {
		t.Fatal("nil error is neither transient nor permanent")
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := FromStatus("pinterest", "create_pin", http.StatusTooManyRequests, "", "3")
	if got := RetryAfterHint(err); got != 3*time.Second {
		t.Fatalf("expected 3s hint, got %v", got)
	}
	if got := ParseRetryAfter("garbage"); got != 0 {
		t.Fatalf("expected zero for unparsable value, got %v", got)
	}
}
