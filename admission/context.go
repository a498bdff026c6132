package admission

import (
	"context"

	"medgate/core"
)

// contextKey is a private type to prevent collisions with other packages
type contextKey string

const (
	contextKeyIdentity contextKey = "identity"
	contextKeyRoute    contextKey = "route"
	contextKeyClientIP contextKey = "client_ip"
	contextKeyGrant    contextKey = "grant_id"
)

// IdentityFrom returns the identity admitted with the request, or nil for
// unauthenticated routes
func IdentityFrom(ctx context.Context) *core.Identity {
	id, _ := ctx.Value(contextKeyIdentity).(*core.Identity)
	return id
}

// RouteFrom returns the route the request was admitted on
func RouteFrom(ctx context.Context) (Route, bool) {
	rt, ok := ctx.Value(contextKeyRoute).(Route)
	return rt, ok
}

// ClientIPFrom returns the resolved client address
func ClientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(contextKeyClientIP).(string)
	return ip
}

// GrantIDFrom returns the break-glass grant that admitted the request, if any
func GrantIDFrom(ctx context.Context) string {
	g, _ := ctx.Value(contextKeyGrant).(string)
	return g
}

// WithIdentity returns ctx carrying id. Handlers under test use it to
// skip the pipeline.
func WithIdentity(ctx context.Context, id *core.Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, id)
}
