package core

import (
	"strings"
	"time"
)

// Identity is the principal resolved from a validated bearer token.
// It is rebuilt for every request and never persisted.
type Identity struct {
	SubjectID  string
	Roles      []string
	TenantID   string
	BranchID   string
	SystemWide bool
	SessionID  string
	TokenID    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Actor returns the subject id, or "anonymous" for a nil identity
func (id *Identity) Actor() string {
	if id == nil || id.SubjectID == "" {
		return AnonymousActor
	}
	return id.SubjectID
}

// AnonymousActor is recorded for decisions taken before authentication
const AnonymousActor = "anonymous"

// RouteClass tags an endpoint with the budget and rule set that applies to it
type RouteClass string

const (
	// RouteClassPublic endpoints need no token (health, docs)
	RouteClassPublic RouteClass = "public"
	// RouteClassAuth endpoints establish identity (login, refresh)
	RouteClassAuth RouteClass = "auth"
	// RouteClassSensitive endpoints change credentials (password reset, MFA setup)
	RouteClassSensitive RouteClass = "sensitive"
	// RouteClassStandard covers general CRUD traffic
	RouteClassStandard RouteClass = "standard"
	// RouteClassEmergency covers break-the-glass access
	RouteClassEmergency RouteClass = "emergency"
)

// String returns the string representation
func (c RouteClass) String() string {
	return string(c)
}

// IsValid checks if the class is one of the known values
func (c RouteClass) IsValid() bool {
	switch c {
	case RouteClassPublic, RouteClassAuth, RouteClassSensitive, RouteClassStandard, RouteClassEmergency:
		return true
	default:
		return false
	}
}

// RequiresIdentity reports whether requests of this class carry a token by default.
// Auth-class routes are how a token is obtained, so they are unauthenticated.
// Individual routes may still opt out (an anonymous password-reset request).
func (c RouteClass) RequiresIdentity() bool {
	switch c {
	case RouteClassSensitive, RouteClassStandard, RouteClassEmergency:
		return true
	default:
		return false
	}
}

// ParseRouteClass converts a configuration string into a RouteClass
func ParseRouteClass(s string) (RouteClass, bool) {
	c := RouteClass(strings.ToLower(strings.TrimSpace(s)))
	return c, c.IsValid()
}
