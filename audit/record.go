// Package audit turns admission decisions into append-only records and
// ships them to a sink without ever blocking the request path.
package audit

import (
	"time"

	"medgate/core"

	"github.com/google/uuid"
)

// EventType classifies an audit record
type EventType string

const (
	EventLoginSuccess     EventType = "LOGIN_SUCCESS"
	EventLoginFailed      EventType = "LOGIN_FAILED"
	EventPHIAccess        EventType = "PHI_ACCESS"
	EventRateLimited      EventType = "RATE_LIMITED"
	EventLockedOut        EventType = "LOCKED_OUT"
	EventInjectionBlocked EventType = "INJECTION_BLOCKED"
	EventAuthFailed       EventType = "AUTH_FAILED"
	EventBreakGlass       EventType = "BREAK_GLASS"
	EventBreakGlassDenied EventType = "BREAK_GLASS_DENIED"
	EventPermissionDenied EventType = "PERMISSION_DENIED"
	EventAccessGranted    EventType = "ACCESS_GRANTED"
	EventInternalError    EventType = "INTERNAL_ERROR"
)

// Outcome is the decision the record documents
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
	OutcomeBlocked Outcome = "blocked"
	OutcomeError   Outcome = "error"
)

// Record is one immutable audit entry. Detail never carries request
// payloads, only references such as "query:search".
type Record struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	EventType      EventType         `json:"event_type"`
	Actor          string            `json:"actor"`
	Resource       string            `json:"resource,omitempty"`
	Outcome        Outcome           `json:"outcome"`
	Stage          string            `json:"stage,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Detail         map[string]string `json:"detail,omitempty"`
	IP             string            `json:"ip,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
	ReviewRequired bool              `json:"review_required"`
}

// Emitter accepts records. Implementations must return immediately.
type Emitter interface {
	Emit(rec Record)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(Record)

// Emit implements Emitter
func (f EmitterFunc) Emit(rec Record) { f(rec) }

// Discard drops every record
var Discard Emitter = EmitterFunc(func(Record) {})

// stamp fills the fields every record must have
func stamp(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Actor == "" {
		rec.Actor = core.AnonymousActor
	}
	// break-glass review cannot be switched off by a caller
	if rec.EventType == EventBreakGlass {
		rec.ReviewRequired = true
	}
	if len(rec.Detail) > 0 {
		copied := make(map[string]string, len(rec.Detail))
		for k, v := range rec.Detail {
			copied[k] = v
		}
		rec.Detail = copied
	}
	return rec
}

// Tee stamps each record once and hands the same copy to every emitter,
// so all of them see one ID and one review flag
func Tee(emitters ...Emitter) Emitter {
	return EmitterFunc(func(rec Record) {
		rec = stamp(rec)
		for _, e := range emitters {
			e.Emit(rec)
		}
	})
}
