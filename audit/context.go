package audit

import "context"

type contextKey string

const requestMetaKey contextKey = "audit_request_meta"

// RequestMeta is the per-request context copied onto every record a
// component emits while handling that request
type RequestMeta struct {
	IP        string
	UserAgent string
	RequestID string
	SessionID string
}

// WithRequestMeta returns a context carrying m
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey, m)
}

// RequestMetaFrom returns the metadata stored in ctx, if any
func RequestMetaFrom(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	m, _ := ctx.Value(requestMetaKey).(RequestMeta)
	return m
}

// Apply fills the record's empty context fields from m
func (m RequestMeta) Apply(rec Record) Record {
	if rec.IP == "" {
		rec.IP = m.IP
	}
	if rec.UserAgent == "" {
		rec.UserAgent = m.UserAgent
	}
	if rec.RequestID == "" {
		rec.RequestID = m.RequestID
	}
	if rec.SessionID == "" {
		rec.SessionID = m.SessionID
	}
	return rec
}

// EmitWithContext applies the request metadata in ctx and emits rec
func EmitWithContext(ctx context.Context, e Emitter, rec Record) {
	e.Emit(RequestMetaFrom(ctx).Apply(rec))
}
