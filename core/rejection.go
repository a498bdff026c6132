package core

import (
	"fmt"
	"net/http"
	"time"
)

// Stage names a step of the admission pipeline
type Stage string

const (
	StageScan         Stage = "scan"
	StageAuthenticate Stage = "authenticate"
	StageRateLimit    Stage = "rate_limit"
	StageAuthorize    Stage = "authorize"
	StageDispatch     Stage = "dispatch"
)

// RejectionKind is the terminal error class of a rejected request
type RejectionKind string

const (
	// KindAuth covers missing, malformed, expired and forged tokens
	KindAuth RejectionKind = "auth_error"
	// KindValidationBlocked is raised by the threat scanner
	KindValidationBlocked RejectionKind = "validation_blocked"
	// KindRateLimited is raised when a budget tier is exhausted
	KindRateLimited RejectionKind = "rate_limited"
	// KindLockedOut is the lockout sub-kind of KindRateLimited
	KindLockedOut RejectionKind = "locked_out"
	// KindAuthorizationDenied covers permission, PHI and branch scope failures
	KindAuthorizationDenied RejectionKind = "authorization_denied"
	// KindInternal means no security decision could be made
	KindInternal RejectionKind = "internal"
)

// Generic client messages. They deliberately never say which check failed.
const (
	MessageUnauthorized    = "unauthorized"
	MessageBlocked         = "request blocked"
	MessageTooManyRequests = "too many requests"
	MessageForbidden       = "forbidden"
	MessageInternal        = "internal error"
)

// Rejection is the terminal result of a failed stage. Reason and Detail are
// operator-facing and go to the audit record only.
type Rejection struct {
	Stage      Stage
	Kind       RejectionKind
	Reason     string
	Detail     map[string]string
	RetryAfter time.Duration
	Err        error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s rejected (%s): %s: %v", r.Stage, r.Kind, r.Reason, r.Err)
	}
	return fmt.Sprintf("%s rejected (%s): %s", r.Stage, r.Kind, r.Reason)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// IsRateLimited reports whether the rejection belongs to the throughput class,
// lockout included.
func (r *Rejection) IsRateLimited() bool {
	return r.Kind == KindRateLimited || r.Kind == KindLockedOut
}

// HTTPStatus maps the rejection kind onto the outbound status code
func (r *Rejection) HTTPStatus() int {
	switch r.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidationBlocked:
		return http.StatusBadRequest
	case KindRateLimited, KindLockedOut:
		return http.StatusTooManyRequests
	case KindAuthorizationDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the generic message sent to the client
func (r *Rejection) ClientMessage() string {
	switch r.Kind {
	case KindAuth:
		return MessageUnauthorized
	case KindValidationBlocked:
		return MessageBlocked
	case KindRateLimited, KindLockedOut:
		return MessageTooManyRequests
	case KindAuthorizationDenied:
		return MessageForbidden
	default:
		return MessageInternal
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1
func (r *Rejection) RetryAfterSeconds() int {
	return CeilSeconds(r.RetryAfter)
}

// CeilSeconds rounds d up to whole seconds with a floor of one second
func CeilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// NewRejection builds a rejection for the given stage and kind
func NewRejection(stage Stage, kind RejectionKind, reason string) *Rejection {
	return &Rejection{Stage: stage, Kind: kind, Reason: reason}
}

// Internal wraps an unexpected stage error. Internal errors never pass a request.
func Internal(stage Stage, err error) *Rejection {
	return &Rejection{Stage: stage, Kind: KindInternal, Reason: "stage error", Err: err}
}

// WithDetail attaches an operator-facing key/value and returns the rejection
func (r *Rejection) WithDetail(key, value string) *Rejection {
	if r.Detail == nil {
		r.Detail = make(map[string]string)
	}
	r.Detail[key] = value
	return r
}
