package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"medgate/audit"
	"medgate/config"
	"medgate/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticTable map[string]struct {
	perms []string
	phi   bool
}

func (t staticTable) Permissions(role string) []string { return t[role].perms }
func (t staticTable) PHICapable(role string) bool      { return t[role].phi }

func testTable() staticTable {
	return staticTable{
		"receptionist": {perms: []string{"patients:search", "appointments:*"}},
		"physician":    {perms: []string{"patients:*", "emergency:request"}, phi: true},
		"admin":        {perms: []string{"*"}},
	}
}

type mockVerifier struct{ mock.Mock }

func (m *mockVerifier) VerifyCredentials(ctx context.Context, subjectID, password, totpCode string) error {
	return m.Called(subjectID, password, totpCode).Error(0)
}

type mapScopes map[string]Scope

func (m mapScopes) Scope(_ context.Context, subjectID string) (Scope, error) {
	s, ok := m[subjectID]
	if !ok {
		return Scope{}, ErrUnknownSubject
	}
	return s, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate(t *testing.T, scopes ScopeLookup, verifier CredentialVerifier) (*Gate, *audit.Recorder, *fakeClock) {
	t.Helper()
	rec := audit.NewRecorder()
	gate, err := NewGate(testTable(), scopes, verifier, rec, config.BreakGlassConfig{
		GrantTTL:         30 * time.Minute,
		MinJustification: 20,
		MaxGrants:        100,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 2, 14, 0, 0, time.UTC)}
	gate.now = clock.Now
	return gate, rec, clock
}

func physician(branch string) *core.Identity {
	return &core.Identity{SubjectID: "dr.grey", Roles: []string{"physician"}, BranchID: branch, SessionID: "s-1"}
}

func TestMatchPermission(t *testing.T) {
	tests := []struct {
		granted, required string
		want              bool
	}{
		{"patients:read", "patients:read", true},
		{"patients:read", "patients:write", false},
		{"patients:*", "patients:read", true},
		{"patients:*", "patientsx:read", false},
		{"patients:*", "patients", false},
		{"*", "anything:at-all", true},
		{"", "patients:read", false},
	}
	for _, tt := range tests {
		t.Run(tt.granted+"->"+tt.required, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPermission(tt.granted, tt.required))
		})
	}
}

func TestAuthorize_RoleTable(t *testing.T) {
	gate, rec, _ := newTestGate(t, nil, &mockVerifier{})
	ctx := context.Background()

	reception := &core.Identity{SubjectID: "front-desk", Roles: []string{"receptionist"}}
	d, err := gate.Authorize(ctx, reception, Request{Permission: "patients:search", Resource: "patients"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = gate.Authorize(ctx, reception, Request{Permission: "appointments:cancel"})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "resource wildcard")

	d, err = gate.Authorize(ctx, reception, Request{Permission: "patients:read", Resource: "patient:p-1"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientPermissions, d.Reason)

	denied := rec.ByType(audit.EventPermissionDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, "front-desk", denied[0].Actor)
	assert.Equal(t, "patients:read", denied[0].Detail["permission"])
	assert.Equal(t, "patient:p-1", denied[0].Resource)
	assert.Len(t, rec.ByType(audit.EventAccessGranted), 2)
}

func TestAuthorize_SensitiveNeedsPHIRole(t *testing.T) {
	gate, rec, _ := newTestGate(t, nil, &mockVerifier{})
	ctx := context.Background()

	admin := &core.Identity{SubjectID: "root", Roles: []string{"admin"}, SystemWide: true}
	d, err := gate.Authorize(ctx, admin, Request{Permission: "patients:read", Resource: "patient:p-1", Sensitive: true})
	require.NoError(t, err)
	assert.False(t, d.Allowed, "a wildcard permission is not a PHI clearance")
	assert.Equal(t, ReasonPHIRoleRequired, d.Reason)

	d, err = gate.Authorize(ctx, physician("north"), Request{Permission: "patients:read", Resource: "patient:p-1", Sensitive: true})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.Len(t, rec.ByType(audit.EventPHIAccess), 1)
	assert.Equal(t, "s-1", rec.ByType(audit.EventPHIAccess)[0].SessionID)
}

func TestAuthorize_BranchScope(t *testing.T) {
	gate, _, _ := newTestGate(t, nil, &mockVerifier{})
	ctx := context.Background()
	req := Request{Permission: "patients:read", Resource: "patient:p-1", ResourceBranch: "south", Sensitive: true}

	d, err := gate.Authorize(ctx, physician("north"), req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBranchScope, d.Reason)

	d, err = gate.Authorize(ctx, physician("south"), req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	wide := physician("north")
	wide.SystemWide = true
	d, err = gate.Authorize(ctx, wide, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAuthorize_ScopeLookupOverridesClaims(t *testing.T) {
	scopes := mapScopes{"dr.grey": {Branches: []string{"east", "south"}}}
	gate, _, _ := newTestGate(t, scopes, &mockVerifier{})
	ctx := context.Background()

	id := physician("north")
	id.SystemWide = true
	d, err := gate.Authorize(ctx, id, Request{Permission: "patients:read", ResourceBranch: "north"})
	require.NoError(t, err)
	assert.False(t, d.Allowed, "token claims do not widen the directory scope")

	d, err = gate.Authorize(ctx, id, Request{Permission: "patients:read", ResourceBranch: "south"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	unknown := &core.Identity{SubjectID: "ghost", Roles: []string{"physician"}}
	d, err = gate.Authorize(ctx, unknown, Request{Permission: "patients:read", ResourceBranch: "south"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

type failingScopes struct{}

func (failingScopes) Scope(context.Context, string) (Scope, error) {
	return Scope{}, errors.New("directory unavailable")
}

func TestAuthorize_ScopeErrorIsNotADecision(t *testing.T) {
	gate, _, _ := newTestGate(t, failingScopes{}, &mockVerifier{})
	_, err := gate.Authorize(context.Background(), physician("north"), Request{Permission: "patients:read", ResourceBranch: "north"})
	require.Error(t, err)
}

func TestAuthorize_NilIdentity(t *testing.T) {
	gate, rec, _ := newTestGate(t, nil, &mockVerifier{})
	d, err := gate.Authorize(context.Background(), nil, Request{Permission: "patients:read"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnauthenticated, d.Reason)
	require.Len(t, rec.ByType(audit.EventPermissionDenied), 1)
	assert.Equal(t, core.AnonymousActor, rec.ByType(audit.EventPermissionDenied)[0].Actor)
}

func TestAuthorize_CopiesRequestMeta(t *testing.T) {
	gate, rec, _ := newTestGate(t, nil, &mockVerifier{})
	ctx := audit.WithRequestMeta(context.Background(), audit.RequestMeta{IP: "198.51.100.7", RequestID: "req-1", UserAgent: "curl/8"})
	_, err := gate.Authorize(ctx, physician("north"), Request{Permission: "billing:read"})
	require.NoError(t, err)
	recs := rec.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "198.51.100.7", recs[0].IP)
	assert.Equal(t, "req-1", recs[0].RequestID)
	assert.Equal(t, "curl/8", recs[0].UserAgent)
}

func validBreakGlass() BreakGlassRequest {
	return BreakGlassRequest{
		Resource:      "patient:p-100",
		Justification: "Patient unresponsive in ER, treating physician off-site",
		ReasonCode:    CodeCardiacArrest,
		Password:      "correct horse battery staple",
		TOTPCode:      "123456",
	}
}

func TestBreakGlass_IssuesGrantWithOneReviewRecord(t *testing.T) {
	verifier := &mockVerifier{}
	verifier.On("VerifyCredentials", "dr.grey", "correct horse battery staple", "123456").Return(nil)
	gate, rec, clock := newTestGate(t, nil, verifier)

	grant, err := gate.BreakGlass(context.Background(), physician("north"), validBreakGlass())
	require.NoError(t, err)
	verifier.AssertExpectations(t)

	assert.NotEmpty(t, grant.ID)
	assert.Equal(t, clock.Now().Add(30*time.Minute), grant.ExpiresAt)

	bg := rec.ByType(audit.EventBreakGlass)
	require.Len(t, bg, 1, "exactly one BREAK_GLASS record per issuance")
	assert.True(t, bg[0].ReviewRequired)
	assert.Equal(t, grant.ID, bg[0].Detail["grant_id"])
	assert.Equal(t, CodeCardiacArrest, bg[0].Detail["reason_code"])
	assert.Len(t, rec.Records(), 1)
}

func TestBreakGlass_GrantExpiresExactlyAtTTL(t *testing.T) {
	verifier := &mockVerifier{}
	verifier.On("VerifyCredentials", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	gate, rec, clock := newTestGate(t, nil, verifier)
	ctx := context.Background()

	// a different branch: denied without the grant
	id := physician("south")
	req := Request{Permission: "patients:read", Resource: "patient:p-100", ResourceBranch: "north", Sensitive: true}

	d, err := gate.Authorize(ctx, id, req)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	grant, err := gate.BreakGlass(ctx, id, validBreakGlass())
	require.NoError(t, err)

	clock.Advance(30*time.Minute - time.Nanosecond)
	d, err = gate.Authorize(ctx, id, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, grant.ID, d.GrantID)

	phi := rec.ByType(audit.EventPHIAccess)
	require.Len(t, phi, 1)
	assert.Equal(t, grant.ID, phi[0].Detail["grant_id"])

	clock.Advance(time.Nanosecond)
	d, err = gate.Authorize(ctx, id, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "expired grant is treated as absent")
	assert.Equal(t, ReasonBranchScope, d.Reason)
	assert.Empty(t, d.GrantID)

	_, ok := gate.ActiveGrant(id.SubjectID, req.Resource)
	assert.False(t, ok)
}

func TestBreakGlass_GrantIsScopedToResource(t *testing.T) {
	verifier := &mockVerifier{}
	verifier.On("VerifyCredentials", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	gate, _, _ := newTestGate(t, nil, verifier)
	ctx := context.Background()

	id := physician("south")
	_, err := gate.BreakGlass(ctx, id, validBreakGlass())
	require.NoError(t, err)

	d, err := gate.Authorize(ctx, id, Request{Permission: "patients:read", Resource: "patient:p-200", ResourceBranch: "north", Sensitive: true})
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	other := &core.Identity{SubjectID: "dr.house", Roles: []string{"physician"}, BranchID: "south"}
	d, err = gate.Authorize(ctx, other, Request{Permission: "patients:read", Resource: "patient:p-100", ResourceBranch: "north", Sensitive: true})
	require.NoError(t, err)
	assert.False(t, d.Allowed, "grants belong to their subject")
}

func TestBreakGlass_NeverRenewed(t *testing.T) {
	verifier := &mockVerifier{}
	verifier.On("VerifyCredentials", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	gate, rec, clock := newTestGate(t, nil, verifier)
	ctx := context.Background()
	id := physician("south")
	req := Request{Permission: "patients:read", Resource: "patient:p-100", ResourceBranch: "north", Sensitive: true}

	first, err := gate.BreakGlass(ctx, id, validBreakGlass())
	require.NoError(t, err)

	// using a grant does not push its expiry out
	for i := 0; i < 5; i++ {
		clock.Advance(5 * time.Minute)
		_, err := gate.Authorize(ctx, id, req)
		require.NoError(t, err)
	}
	g, ok := gate.ActiveGrant(id.SubjectID, req.Resource)
	require.True(t, ok)
	assert.Equal(t, first.ExpiresAt, g.ExpiresAt)

	clock.Advance(5 * time.Minute)
	second, err := gate.BreakGlass(ctx, id, validBreakGlass())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, rec.ByType(audit.EventBreakGlass), 2)
}

func TestBreakGlass_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BreakGlassRequest)
		reason string
	}{
		{"short justification", func(r *BreakGlassRequest) { r.Justification = "emergency" }, "justification_too_short"},
		{"padded justification", func(r *BreakGlassRequest) { r.Justification = "   urgent   " + "                    " }, "justification_too_short"},
		{"blank justification", func(r *BreakGlassRequest) { r.Justification = "\t\n   " }, "invalid_request"},
		{"unknown reason code", func(r *BreakGlassRequest) { r.ReasonCode = "CURIOSITY" }, "invalid_request"},
		{"missing reason code", func(r *BreakGlassRequest) { r.ReasonCode = "" }, "invalid_request"},
		{"missing resource", func(r *BreakGlassRequest) { r.Resource = "" }, "invalid_request"},
		{"missing password", func(r *BreakGlassRequest) { r.Password = "" }, "invalid_request"},
		{"malformed totp", func(r *BreakGlassRequest) { r.TOTPCode = "12ab56" }, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := &mockVerifier{}
			gate, rec, _ := newTestGate(t, nil, verifier)
			req := validBreakGlass()
			tt.mutate(&req)

			grant, err := gate.BreakGlass(context.Background(), physician("north"), req)
			require.ErrorIs(t, err, ErrInvalidBreakGlass)
			assert.Nil(t, grant)
			verifier.AssertNotCalled(t, "VerifyCredentials", mock.Anything, mock.Anything, mock.Anything)

			assert.Empty(t, rec.ByType(audit.EventBreakGlass))
			denied := rec.ByType(audit.EventBreakGlassDenied)
			require.Len(t, denied, 1)
			assert.Equal(t, tt.reason, denied[0].Reason)
		})
	}
}

func TestBreakGlass_ReauthenticationFailure(t *testing.T) {
	verifier := &mockVerifier{}
	verifier.On("VerifyCredentials", "dr.grey", mock.Anything, mock.Anything).Return(errors.New("invalid password"))
	gate, rec, _ := newTestGate(t, nil, verifier)

	grant, err := gate.BreakGlass(context.Background(), physician("north"), validBreakGlass())
	require.ErrorIs(t, err, ErrReauthentication)
	assert.Nil(t, grant)
	_, ok := gate.ActiveGrant("dr.grey", "patient:p-100")
	assert.False(t, ok)

	assert.Empty(t, rec.ByType(audit.EventBreakGlass))
	require.Len(t, rec.ByType(audit.EventBreakGlassDenied), 1)
	assert.Equal(t, "reauthentication_failed", rec.ByType(audit.EventBreakGlassDenied)[0].Reason)
}

func TestNewGate_RequiresCollaborators(t *testing.T) {
	ttl := config.BreakGlassConfig{GrantTTL: time.Minute}
	logger := zap.NewNop().Sugar()

	_, err := NewGate(nil, nil, &mockVerifier{}, audit.Discard, ttl, logger)
	require.Error(t, err)
	_, err = NewGate(testTable(), nil, nil, audit.Discard, ttl, logger)
	require.Error(t, err)
	_, err = NewGate(testTable(), nil, &mockVerifier{}, nil, ttl, logger)
	require.EqualError(t, err, "authz: audit emitter is required")
	_, err = NewGate(testTable(), nil, &mockVerifier{}, audit.Discard, config.BreakGlassConfig{}, logger)
	require.Error(t, err)

	gate, err := NewGate(testTable(), nil, &mockVerifier{}, audit.Discard, ttl, logger)
	require.NoError(t, err)
	assert.NotNil(t, gate)
}
