// Package apperr holds the delivery error taxonomy. Adapters tag an error with a
// Kind at the point the cause is known; retry and dispatch decisions read the tag
// instead of matching on message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type Kind string

const (
	KindTransient        Kind = "transient_network"
	KindRateLimited      Kind = "rate_limited"
	KindAuthExpired      Kind = "auth_expired"
	KindValidation       Kind = "validation"
	KindProcessingFailed Kind = "processing_failed"
)

// Permanent reports whether errors of this kind must never be retried.
func (k Kind) Permanent() bool {
	switch k {
	case KindAuthExpired, KindValidation, KindProcessingFailed:
		return true
	}
	return false
}

type Error struct {
	Kind       Kind
	Platform   string
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Platform != "" && e.Op != "":
		return fmt.Sprintf("%s %s: %s", e.Platform, e.Op, msg)
	case e.Platform != "":
		return fmt.Sprintf("%s: %s", e.Platform, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NeedsReconnect is true when only re-authorizing the account can fix the failure.
func (e *Error) NeedsReconnect() bool { return e.Kind == KindAuthExpired }

func New(kind Kind, platform, op string, err error) *Error {
	return &Error{Kind: kind, Platform: platform, Op: op, Err: err}
}

func Transient(platform, op string, err error) *Error {
	return New(KindTransient, platform, op, err)
}

func RateLimited(platform, op string, err error, after time.Duration) *Error {
	e := New(KindRateLimited, platform, op, err)
	if after > 0 {
		e.RetryAfter = after
	}
	return e
}

func AuthExpired(platform, op string, err error) *Error {
	return New(KindAuthExpired, platform, op, err)
}

func Validation(platform, op string, err error) *Error {
	return New(KindValidation, platform, op, err)
}

func ProcessingFailed(platform, op string, err error) *Error {
	return New(KindProcessingFailed, platform, op, err)
}

// KindOf returns the tag of the first classified error in the chain.
// Untagged errors are treated as transient network failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Permanent()
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

func NeedsReconnect(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.NeedsReconnect()
}

// RetryAfterHint returns the server supplied delay carried by err, if any.
func RetryAfterHint(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(platform, op string, status int, body string, retryAfter string) *Error {
	err := fmt.Errorf("unexpected status %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimited(platform, op, err, ParseRetryAfter(retryAfter))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthExpired(platform, op, err)
	case status == http.StatusRequestTimeout:
		return Transient(platform, op, err)
	case status >= 400 && status < 500:
		return Validation(platform, op, err)
	default:
		return Transient(platform, op, err)
	}
}

// ParseRetryAfter understands both delta-seconds and HTTP-date values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
