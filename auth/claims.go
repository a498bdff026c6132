package auth

import (
	"medgate/core"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload
type Claims struct {
	Roles      []string `json:"roles,omitempty"`
	TenantID   string   `json:"tenant,omitempty"`
	BranchID   string   `json:"branch,omitempty"`
	SystemWide bool     `json:"system_wide,omitempty"`
	SessionID  string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts validated claims into the request principal
func (c *Claims) Identity() *core.Identity {
	id := &core.Identity{
		SubjectID:  c.Subject,
		Roles:      append([]string(nil), c.Roles...),
		TenantID:   c.TenantID,
		BranchID:   c.BranchID,
		SystemWide: c.SystemWide,
		SessionID:  c.SessionID,
		TokenID:    c.ID,
	}
	if c.IssuedAt != nil {
		id.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id
}
