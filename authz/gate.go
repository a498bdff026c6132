// Package authz decides whether an authenticated identity may perform an
// operation on a resource, and owns the break-the-glass override.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medgate/audit"
	"medgate/config"
	"medgate/core"
	"medgate/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Deny reasons recorded on PERMISSION_DENIED records
const (
	ReasonUnauthenticated         = "unauthenticated"
	ReasonInsufficientPermissions = "insufficient_permissions"
	ReasonPHIRoleRequired         = "phi_role_required"
	ReasonBranchScope             = "branch_scope"
)

// PermissionTable expands role names into permissions. The table is data,
// not code: adding a role never touches this package.
type PermissionTable interface {
	Permissions(role string) []string
	// PHICapable reports whether holders of role may read protected health information
	PHICapable(role string) bool
}

// Scope is the authoritative organisational reach of a subject
type Scope struct {
	TenantID   string
	Branches   []string
	SystemWide bool
}

// ScopeLookup resolves a subject's branch scope. When a gate has no lookup
// the branch claims of the token are used as-is.
type ScopeLookup interface {
	Scope(ctx context.Context, subjectID string) (Scope, error)
}

// ErrUnknownSubject is returned by ScopeLookup implementations for subjects
// they hold no record of
var ErrUnknownSubject = errors.New("unknown subject")

// Request is one authorization question
type Request struct {
	Permission     string
	Resource       string // reference such as "patient:p-100"
	ResourceBranch string // empty for resources without a branch
	Sensitive      bool   // protected health information
}

// Decision is the gate's answer. GrantID is set when an emergency grant,
// not the role table, permitted the request.
type Decision struct {
	Allowed bool
	Reason  string
	GrantID string
}

// Gate is the authorization stage
type Gate struct {
	table    PermissionTable
	scopes   ScopeLookup
	verifier CredentialVerifier
	emitter  audit.Emitter
	grants   *lru.Cache[string, *Grant]
	opts     config.BreakGlassConfig
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewGate builds the gate. scopes may be nil.
func NewGate(table PermissionTable, scopes ScopeLookup, verifier CredentialVerifier, emitter audit.Emitter, opts config.BreakGlassConfig, logger *zap.SugaredLogger) (*Gate, error) {
	if table == nil {
		return nil, errors.New("authz: permission table is required")
	}
	if verifier == nil {
		return nil, errors.New("authz: credential verifier is required")
	}
	if emitter == nil {
		return nil, errors.New("authz: audit emitter is required")
	}
	if opts.GrantTTL <= 0 {
		return nil, fmt.Errorf("authz: grant TTL must be positive, got %v", opts.GrantTTL)
	}
	if opts.MinJustification < 1 {
		opts.MinJustification = 20
	}
	if opts.MaxGrants < 1 {
		opts.MaxGrants = 10000
	}
	g := &Gate{
		table:    table,
		scopes:   scopes,
		verifier: verifier,
		emitter:  emitter,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
	grants, err := lru.NewWithEvict[string, *Grant](opts.MaxGrants, g.onEvict)
	if err != nil {
		return nil, fmt.Errorf("authz: failed to create grant store: %w", err)
	}
	g.grants = grants
	return g, nil
}

// Authorize answers req for id. Every call emits exactly one audit record:
// PERMISSION_DENIED on deny, PHI_ACCESS for sensitive resources and
// ACCESS_GRANTED otherwise. The error is non-nil only when no decision
// could be made, and then the request must not pass.
func (g *Gate) Authorize(ctx context.Context, id *core.Identity, req Request) (Decision, error) {
	if id == nil || id.SubjectID == "" {
		return g.deny(ctx, id, req, ReasonUnauthenticated), nil
	}

	reason, err := g.evaluate(ctx, id, req)
	if err != nil {
		return Decision{}, err
	}

	if reason == "" {
		evt := audit.EventAccessGranted
		if req.Sensitive {
			evt = audit.EventPHIAccess
		}
		g.emit(ctx, id, audit.Record{
			EventType: evt,
			Resource:  req.Resource,
			Outcome:   audit.OutcomeSuccess,
			Stage:     string(core.StageAuthorize),
			Detail:    map[string]string{"permission": req.Permission},
		})
		return Decision{Allowed: true}, nil
	}

	if grant := g.activeGrant(id.SubjectID, req.Resource); grant != nil {
		g.logger.Warnw("AUDIT: Emergency grant used",
			"subject", id.SubjectID,
			"resource", req.Resource,
			"permission", req.Permission,
			"grant_id", grant.ID,
			"bypassed", reason)
		g.emit(ctx, id, audit.Record{
			EventType: audit.EventPHIAccess,
			Resource:  req.Resource,
			Outcome:   audit.OutcomeSuccess,
			Stage:     string(core.StageAuthorize),
			Reason:    "break_glass",
			Detail: map[string]string{
				"permission": req.Permission,
				"grant_id":   grant.ID,
				"bypassed":   reason,
			},
			ReviewRequired: true,
		})
		return Decision{Allowed: true, Reason: "break_glass", GrantID: grant.ID}, nil
	}

	return g.deny(ctx, id, req, reason), nil
}

// evaluate returns the first failing rule, or "" when the role table and
// scope permit the request
func (g *Gate) evaluate(ctx context.Context, id *core.Identity, req Request) (string, error) {
	if !g.HasPermission(id.Roles, req.Permission) {
		return ReasonInsufficientPermissions, nil
	}
	if req.Sensitive && !g.phiCapable(id.Roles) {
		return ReasonPHIRoleRequired, nil
	}
	if req.ResourceBranch == "" {
		return "", nil
	}

	scope := Scope{TenantID: id.TenantID, SystemWide: id.SystemWide}
	if id.BranchID != "" {
		scope.Branches = []string{id.BranchID}
	}
	if g.scopes != nil {
		s, err := g.scopes.Scope(ctx, id.SubjectID)
		switch {
		case errors.Is(err, ErrUnknownSubject):
			return ReasonBranchScope, nil
		case err != nil:
			return "", fmt.Errorf("scope lookup failed for %s: %w", id.SubjectID, err)
		}
		scope = s
	}
	if scope.SystemWide {
		return "", nil
	}
	for _, b := range scope.Branches {
		if b == req.ResourceBranch {
			return "", nil
		}
	}
	return ReasonBranchScope, nil
}

// HasPermission reports whether any of roles grants permission. "*" grants
// everything and "resource:*" grants every action on resource.
func (g *Gate) HasPermission(roles []string, permission string) bool {
	if permission == "" {
		return true
	}
	for _, role := range roles {
		for _, p := range g.table.Permissions(role) {
			if MatchPermission(p, permission) {
				return true
			}
		}
	}
	return false
}

// MatchPermission reports whether granted covers required
func MatchPermission(granted, required string) bool {
	if granted == "*" || granted == required {
		return true
	}
	if resource, ok := strings.CutSuffix(granted, ":*"); ok {
		return strings.HasPrefix(required, resource+":")
	}
	return false
}

func (g *Gate) phiCapable(roles []string) bool {
	for _, role := range roles {
		if g.table.PHICapable(role) {
			return true
		}
	}
	return false
}

func (g *Gate) deny(ctx context.Context, id *core.Identity, req Request, reason string) Decision {
	metrics.AuthorizationDenials.WithLabelValues(reason).Inc()
	g.logger.Warnw("RBAC: permission denied",
		"subject", id.Actor(),
		"permission", req.Permission,
		"resource", req.Resource,
		"reason", reason)
	g.emit(ctx, id, audit.Record{
		EventType: audit.EventPermissionDenied,
		Resource:  req.Resource,
		Outcome:   audit.OutcomeDenied,
		Stage:     string(core.StageAuthorize),
		Reason:    reason,
		Detail:    map[string]string{"permission": req.Permission},
	})
	return Decision{Allowed: false, Reason: reason}
}

func (g *Gate) emit(ctx context.Context, id *core.Identity, rec audit.Record) {
	rec.Actor = id.Actor()
	if id != nil && rec.SessionID == "" {
		rec.SessionID = id.SessionID
	}
	audit.EmitWithContext(ctx, g.emitter, rec)
}
