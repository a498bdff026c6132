package authz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"medgate/audit"
	"medgate/core"
	"medgate/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Emergency reason codes accepted on a break-glass request
const (
	CodeCardiacArrest = "CARDIAC_ARREST"
	CodeTrauma        = "TRAUMA"
	CodeUnconscious   = "UNCONSCIOUS_PATIENT"
	CodeCriticalCare  = "CRITICAL_CARE"
	CodePublicHealth  = "PUBLIC_HEALTH_EMERGENCY"
	CodeSystemFailure = "CLINICAL_SYSTEM_FAILURE"
)

// ReasonCodes lists the accepted emergency reason codes
func ReasonCodes() []string {
	return []string{
		CodeCardiacArrest,
		CodeTrauma,
		CodeUnconscious,
		CodeCriticalCare,
		CodePublicHealth,
		CodeSystemFailure,
	}
}

var (
	// ErrInvalidBreakGlass means the request failed validation
	ErrInvalidBreakGlass = errors.New("invalid break-glass request")
	// ErrReauthentication means the credential re-check failed
	ErrReauthentication = errors.New("re-authentication failed")
)

// CredentialVerifier re-checks a subject's credentials inside the
// break-glass flow. An MFA code is required only for accounts with MFA.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, subjectID, password, totpCode string) error
}

// BreakGlassRequest is an explicit emergency-access request
type BreakGlassRequest struct {
	Resource      string `json:"resource" validate:"required,max=256,printascii"`
	Justification string `json:"justification" validate:"required,max=2000"`
	ReasonCode    string `json:"reason_code" validate:"required,oneof=CARDIAC_ARREST TRAUMA UNCONSCIOUS_PATIENT CRITICAL_CARE PUBLIC_HEALTH_EMERGENCY CLINICAL_SYSTEM_FAILURE"`
	Password      string `json:"password" validate:"required,max=128"`
	TOTPCode      string `json:"totp_code,omitempty" validate:"omitempty,numeric,len=6"`
}

// Grant is a time-boxed emergency permit for one subject on one resource.
// Grants are never extended; a new request with a new justification is
// the only way past ExpiresAt.
type Grant struct {
	ID            string    `json:"id"`
	SubjectID     string    `json:"subject_id"`
	Resource      string    `json:"resource"`
	Justification string    `json:"justification"`
	ReasonCode    string    `json:"reason_code"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ActiveAt reports whether the grant is usable at t. A grant expires
// exactly at ExpiresAt.
func (g *Grant) ActiveAt(t time.Time) bool {
	return g != nil && t.Before(g.ExpiresAt)
}

var validate = validator.New()

// BreakGlass validates the request, re-verifies the caller's credentials
// and issues a grant. Issuance always emits one BREAK_GLASS record flagged
// for review; any failure emits BREAK_GLASS_DENIED instead.
func (g *Gate) BreakGlass(ctx context.Context, id *core.Identity, req BreakGlassRequest) (*Grant, error) {
	if id == nil || id.SubjectID == "" {
		return nil, g.denyBreakGlass(ctx, id, req, ReasonUnauthenticated, ErrReauthentication)
	}

	req.Justification = strings.TrimSpace(req.Justification)
	if err := validate.Struct(req); err != nil {
		return nil, g.denyBreakGlass(ctx, id, req, "invalid_request", fmt.Errorf("%w: %v", ErrInvalidBreakGlass, err))
	}
	if err := validate.Var(req.Justification, "min="+strconv.Itoa(g.opts.MinJustification)); err != nil {
		return nil, g.denyBreakGlass(ctx, id, req, "justification_too_short",
			fmt.Errorf("%w: justification needs at least %d characters", ErrInvalidBreakGlass, g.opts.MinJustification))
	}

	if err := g.verifier.VerifyCredentials(ctx, id.SubjectID, req.Password, req.TOTPCode); err != nil {
		return nil, g.denyBreakGlass(ctx, id, req, "reauthentication_failed", fmt.Errorf("%w: %v", ErrReauthentication, err))
	}

	now := g.now()
	grant := &Grant{
		ID:            uuid.NewString(),
		SubjectID:     id.SubjectID,
		Resource:      req.Resource,
		Justification: req.Justification,
		ReasonCode:    req.ReasonCode,
		IssuedAt:      now,
		ExpiresAt:     now.Add(g.opts.GrantTTL),
	}
	g.grants.Add(grantKey(id.SubjectID, req.Resource), grant)
	metrics.BreakGlassGrants.WithLabelValues("granted").Inc()

	g.logger.Warnw("AUDIT: Break-glass access granted",
		"subject", id.SubjectID,
		"resource", grant.Resource,
		"reason_code", grant.ReasonCode,
		"grant_id", grant.ID,
		"expires_at", grant.ExpiresAt)
	g.emit(ctx, id, audit.Record{
		Timestamp: now.UTC(),
		EventType: audit.EventBreakGlass,
		Resource:  grant.Resource,
		Outcome:   audit.OutcomeSuccess,
		Stage:     string(core.StageAuthorize),
		Reason:    grant.ReasonCode,
		Detail: map[string]string{
			"grant_id":      grant.ID,
			"reason_code":   grant.ReasonCode,
			"justification": grant.Justification,
			"expires_at":    grant.ExpiresAt.UTC().Format(time.RFC3339),
		},
		ReviewRequired: true,
	})
	return grant, nil
}

// ActiveGrant returns the subject's unexpired grant for resource, if any
func (g *Gate) ActiveGrant(subjectID, resource string) (*Grant, bool) {
	grant := g.activeGrant(subjectID, resource)
	return grant, grant != nil
}

func (g *Gate) activeGrant(subjectID, resource string) *Grant {
	if resource == "" {
		return nil
	}
	key := grantKey(subjectID, resource)
	grant, ok := g.grants.Peek(key)
	if !ok {
		return nil
	}
	if !grant.ActiveAt(g.now()) {
		g.grants.Remove(key)
		return nil
	}
	return grant
}

// onEvict runs when the store is full or an expired grant is removed
func (g *Gate) onEvict(_ string, grant *Grant) {
	if grant.ActiveAt(g.now()) {
		g.logger.Warnw("Active break-glass grant evicted, grant store is full",
			"grant_id", grant.ID,
			"subject", grant.SubjectID,
			"max_grants", g.opts.MaxGrants)
	}
}

func (g *Gate) denyBreakGlass(ctx context.Context, id *core.Identity, req BreakGlassRequest, reason string, err error) error {
	metrics.BreakGlassGrants.WithLabelValues("denied").Inc()
	g.logger.Warnw("AUDIT: Break-glass request denied",
		"subject", id.Actor(),
		"resource", req.Resource,
		"reason", reason)
	detail := map[string]string{}
	if req.ReasonCode != "" {
		detail["reason_code"] = req.ReasonCode
	}
	g.emit(ctx, id, audit.Record{
		EventType:      audit.EventBreakGlassDenied,
		Resource:       req.Resource,
		Outcome:        audit.OutcomeDenied,
		Stage:          string(core.StageAuthorize),
		Reason:         reason,
		Detail:         detail,
		ReviewRequired: true,
	})
	return err
}

func grantKey(subjectID, resource string) string {
	return subjectID + "\x00" + resource
}
