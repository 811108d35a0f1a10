package eventsub

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the subscription pipeline. The first three are
// deferrable (state that may still arrive); the rest are permanent
// until external state changes.
var (
	ErrNotConnected          = errors.New("not connected")
	ErrNoActiveSession       = errors.New("no active session")
	ErrUserIDUnavailable     = errors.New("user id unavailable")
	ErrTokenUnavailable      = errors.New("token provider unavailable")
	ErrMissingScopes         = errors.New("missing required scopes")
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	ErrQuotaExceeded         = errors.New("subscription quota exceeded")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
)

// DecodeError wraps a malformed inbound frame. The router counts these
// and keeps going; a bad frame never takes the connection down.
type DecodeError struct {
	MessageType string
	Cause       error
}

func (e *DecodeError) Error() string {
	if e.MessageType != "" {
		return fmt.Sprintf("decode %s payload: %v", e.MessageType, e.Cause)
	}
	return fmt.Sprintf("decode frame: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// UpstreamError is a failed Helix create/delete call, carrying the HTTP
// status so retry policy can distinguish transient from permanent.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// ErrorClass partitions subscription/transport errors by what the
// caller should do next.
type ErrorClass int

const (
	// ErrorClassRetryable covers transient transport and server faults.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassPermanent covers faults retrying cannot fix (missing
	// scopes, quota, 4xx rejections).
	ErrorClassPermanent
	// ErrorClassDeferred covers preconditions that may become true later
	// (no session yet, identity or token not yet known).
	ErrorClassDeferred
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassPermanent:
		return "permanent"
	case ErrorClassDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// ClassifySubscriptionError maps an error from the create/delete path
// into an ErrorClass. Unknown errors are treated as retryable so a
// transient fault is never given up on too early.
func ClassifySubscriptionError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassRetryable
	case errors.Is(err, ErrNoActiveSession),
		errors.Is(err, ErrUserIDUnavailable),
		errors.Is(err, ErrTokenUnavailable):
		return ErrorClassDeferred
	case errors.Is(err, ErrMissingScopes),
		errors.Is(err, ErrDuplicateSubscription),
		errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrSubscriptionNotFound):
		return ErrorClassPermanent
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.StatusCode == http.StatusTooManyRequests:
			return ErrorClassRetryable
		case ue.StatusCode >= 500:
			return ErrorClassRetryable
		case ue.StatusCode >= 400:
			return ErrorClassPermanent
		}
	}
	return ErrorClassRetryable
}

// IsRetryableSubscriptionError reports whether a failed create should
// consume one of its retry attempts.
func IsRetryableSubscriptionError(err error) bool {
	return ClassifySubscriptionError(err) == ErrorClassRetryable
}

// IsCloudFrontUpgradeReject reports whether a failed WebSocket upgrade
// was an HTTP 400 emitted by the CloudFront edge in front of the
// EventSub endpoint. These show up as transient noise on the proxy and
// warrant an immediate retry, unlike a genuine protocol rejection.
func IsCloudFrontUpgradeReject(resp *http.Response) bool {
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		return false
	}
	if resp.Header.Get("X-Amz-Cf-Id") != "" {
		return true
	}
	return resp.Header.Get("Server") == "CloudFront"
}
