package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"medgate/audit"
	"medgate/auth"
	"medgate/authz"
	"medgate/config"
	"medgate/core"
	"medgate/ratelimit"
	"medgate/scanner"
	"medgate/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var testSecret = []byte("pipeline-tests-hmac-k3y-0123456789abcdef")

type refuseVerifier struct{}

func (refuseVerifier) VerifyCredentials(context.Context, string, string, string) error {
	return storage.ErrInvalidCredentials
}

type harness struct {
	pipeline *Pipeline
	handler  http.Handler
	issuer   *auth.Issuer
	audit    *audit.Recorder
	served   *int
	seen     *core.Identity
}

func testRoutes() []Route {
	return []Route{
		{Method: http.MethodGet, Path: "/health", Class: core.RouteClassPublic},
		{Method: http.MethodPost, Path: "/auth/login", Class: core.RouteClassAuth},
		{Method: http.MethodGet, Path: "/patients", Class: core.RouteClassStandard, Permission: "patients:search", ResourceType: "patient"},
		{Method: http.MethodGet, Path: "/patients/{id}", Class: core.RouteClassStandard, Permission: "patients:read",
			Sensitive: true, ResourceType: "patient", ResourceParam: "id"},
		{Method: http.MethodGet, Path: "/me", Class: core.RouteClassStandard},
	}
}

func testRateConfig() config.RateLimitConfig {
	var cfg config.RateLimitConfig
	cfg.Auth = config.TierConfig{Limit: 5, Window: time.Minute}
	cfg.Sensitive = config.TierConfig{Limit: 3, Window: time.Minute}
	cfg.Standard = config.TierConfig{Limit: 100, Window: time.Minute}
	cfg.Global.RequestsPerSecond = 10000
	cfg.Global.Burst = 10000
	return cfg
}

type harnessOpts struct {
	rate    config.RateLimitConfig
	api     config.APIConfig
	limiter RateLimiter
	gate    Authorizer
	tokens  TokenValidator
	tracer  trace.Tracer
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	logger := zap.NewNop().Sugar()
	if opts.rate.Standard.Limit == 0 {
		opts.rate = testRateConfig()
	}

	keys, err := auth.NewKeySet(map[string][]byte{"k1": testSecret}, "k1")
	require.NoError(t, err)
	rec := audit.NewRecorder()

	roles, err := storage.LoadRoleTable("")
	require.NoError(t, err)
	if opts.gate == nil {
		gate, err := authz.NewGate(roles, nil, refuseVerifier{}, rec, config.BreakGlassConfig{GrantTTL: time.Minute}, logger)
		require.NoError(t, err)
		opts.gate = gate
	}
	if opts.tokens == nil {
		opts.tokens = auth.NewValidator(keys, auth.WithIssuer("medgate"))
	}
	if opts.limiter == nil {
		limiter, err := ratelimit.NewLimiter(opts.rate, ratelimit.NewMemoryStore(4), logger)
		require.NoError(t, err)
		opts.limiter = limiter
	}

	routes, err := NewRouteTable(testRoutes())
	require.NoError(t, err)
	sc, err := scanner.New(scanner.DefaultConfig())
	require.NoError(t, err)
	ips, err := NewClientIPResolver(opts.api)
	require.NoError(t, err)

	p, err := New(Deps{
		Routes:  routes,
		Scanner: sc,
		Tokens:  opts.tokens,
		Limiter: opts.limiter,
		Gate:    opts.gate,
		Branches: storage.NewPatientDirectory(
			storage.Patient{ID: "p-1", Name: "Ada", BranchID: "north"},
			storage.Patient{ID: "p-2", Name: "Alan", BranchID: "south"},
		),
		ClientIP: ips,
		Emitter:  rec,
		Logger:   logger,
		Tracer:   opts.tracer,
	})
	require.NoError(t, err)

	h := &harness{
		pipeline: p,
		issuer:   auth.NewIssuer(keys, "medgate", time.Hour),
		audit:    rec,
		served:   new(int),
	}
	h.handler = p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*h.served++
		h.seen = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return h
}

func (h *harness) token(t *testing.T, sub auth.Subject) string {
	t.Helper()
	tok, _, err := h.issuer.Issue(sub)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (h *harness) do(method, target, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("X-Request-ID", "req-1")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

var physician = auth.Subject{ID: "dr.grey", Roles: []string{"physician"}, BranchID: "north"}

func TestPipeline_AdmitsAndTraces(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	req := httptest.NewRequest(http.MethodGet, "/patients/p-1", nil)
	req.Header.Set("Authorization", h.token(t, physician))
	req.Header.Set("X-Request-ID", "req-42")
	a, admitted := h.pipeline.Admit(req)

	require.Nil(t, a.Rejection)
	assert.Equal(t, []State{StateReceived, StateScanned, StateAuthenticated, StateRateChecked, StateAuthorized, StateDispatched}, a.Trace())
	assert.Equal(t, "dr.grey", IdentityFrom(admitted.Context()).SubjectID)
	assert.Equal(t, "192.0.2.1", ClientIPFrom(admitted.Context()))
	rt, ok := RouteFrom(admitted.Context())
	require.True(t, ok)
	assert.Equal(t, "GET /patients/{id}", rt.Key())

	phi := h.audit.ByType(audit.EventPHIAccess)
	require.Len(t, phi, 1)
	assert.Equal(t, "patient:p-1", phi[0].Resource)
	assert.Equal(t, "req-42", phi[0].RequestID)
	assert.Equal(t, "192.0.2.1", phi[0].IP)
	assert.NotEmpty(t, phi[0].SessionID)

	w := h.do(http.MethodGet, "/patients/p-1", h.token(t, physician))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "98", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "dr.grey", h.seen.SubjectID)
}

func TestPipeline_RejectionMapping(t *testing.T) {
	receptionist := auth.Subject{ID: "front-desk", Roles: []string{"receptionist"}, BranchID: "north"}

	tests := []struct {
		name   string
		target string
		sub    *auth.Subject
		header string
		status int
		event  audit.EventType
		reason string
		trace  []State
	}{
		{
			name: "missing token", target: "/patients", status: http.StatusUnauthorized,
			event: audit.EventAuthFailed, reason: "missing",
			trace: []State{StateReceived, StateScanned, StateRejected},
		},
		{
			name: "malformed token", target: "/patients", header: "Bearer abc", status: http.StatusUnauthorized,
			event: audit.EventAuthFailed, reason: "malformed",
			trace: []State{StateReceived, StateScanned, StateRejected},
		},
		{
			name: "sql injection before authentication", target: "/patients?name=x%27%20OR%201%3D1--", status: http.StatusBadRequest,
			event: audit.EventInjectionBlocked, reason: "sqli",
			trace: []State{StateReceived, StateRejected},
		},
		{
			name: "missing permission", target: "/patients/p-1", sub: &receptionist, status: http.StatusForbidden,
			event: audit.EventPermissionDenied, reason: authz.ReasonInsufficientPermissions,
			trace: []State{StateReceived, StateScanned, StateAuthenticated, StateRateChecked, StateRejected},
		},
		{
			name: "other branch", target: "/patients/p-2", sub: &physician, status: http.StatusForbidden,
			event: audit.EventPermissionDenied, reason: authz.ReasonBranchScope,
			trace: []State{StateReceived, StateScanned, StateAuthenticated, StateRateChecked, StateRejected},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			header := tt.header
			if tt.sub != nil {
				header = h.token(t, *tt.sub)
			}

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			a, _ := h.pipeline.Admit(req)
			require.NotNil(t, a.Rejection)
			assert.Equal(t, tt.trace, a.Trace())
			assert.Equal(t, tt.status, a.Rejection.HTTPStatus())

			records := h.audit.Records()
			require.Len(t, records, 1, "exactly one audit record per rejection")
			assert.Equal(t, tt.event, records[0].EventType)
			assert.Equal(t, tt.reason, records[0].Reason)

			w := h.do(http.MethodGet, tt.target, header)
			assert.Equal(t, tt.status, w.Code)
			assert.Zero(t, *h.served)
		})
	}
}

func TestPipeline_InjectionDetailNamesLocationOnly(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	w := h.do(http.MethodGet, "/patients?name=%3Cscript%3Ealert(1)%3C%2Fscript%3E", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	rec := h.audit.ByType(audit.EventInjectionBlocked)
	require.Len(t, rec, 1)
	assert.Equal(t, "query:name", rec[0].Detail["location"])
	for _, v := range rec[0].Detail {
		assert.NotContains(t, v, "<script>", "payloads never reach the audit trail")
	}
}

func TestPipeline_RateLimitedWithRetryAfter(t *testing.T) {
	cfg := testRateConfig()
	cfg.Standard = config.TierConfig{Limit: 2, Window: time.Minute}
	h := newHarness(t, harnessOpts{rate: cfg})
	token := h.token(t, physician)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/me", token).Code)
	}
	w := h.do(http.MethodGet, "/me", token)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, secs, 1)
	assert.LessOrEqual(t, secs, 60)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"error": core.MessageTooManyRequests}, body)

	limited := h.audit.ByType(audit.EventRateLimited)
	require.Len(t, limited, 1)
	assert.Equal(t, "dr.grey", limited[0].Actor)
}

func TestPipeline_SpoofedForwardedForIsOneScope(t *testing.T) {
	cfg := testRateConfig()
	cfg.Standard = config.TierConfig{Limit: 5, Window: time.Minute}
	h := newHarness(t, harnessOpts{rate: cfg})

	var limited int
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.7:41000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.9.8.%d", i))
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 5, limited)
	for _, rec := range h.audit.ByType(audit.EventRateLimited) {
		assert.Equal(t, "203.0.113.7", rec.IP)
	}
}

func TestPipeline_TrustedProxyUsesRightmostHop(t *testing.T) {
	cfg := testRateConfig()
	cfg.Standard = config.TierConfig{Limit: 3, Window: time.Minute}
	h := newHarness(t, harnessOpts{
		rate: cfg,
		api:  config.APIConfig{TrustProxy: true, TrustedProxyNetworks: []string{"10.0.0.0/8"}, TrustedHops: 1},
	})

	var codes []int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.5:8080"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("6.6.6.%d, 198.51.100.9", i))
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)
	rec := h.audit.ByType(audit.EventRateLimited)
	require.NotEmpty(t, rec)
	assert.Equal(t, "198.51.100.9", rec[0].IP)
}

func TestPipeline_PublicRoutesIgnoreTokens(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "Bearer garbage").Code)
	assert.Nil(t, h.seen)

	// unmatched paths take the public profile and fall through to the router's 404
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/no/such/route", "").Code)
	assert.Equal(t, 2, *h.served)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, core.RouteClass) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis: connection refused")
}
func (failingLimiter) AllowGlobal(string) bool         { return true }
func (failingLimiter) GlobalRetryAfter() time.Duration { return 0 }

type failingGate struct{}

func (failingGate) Authorize(context.Context, *core.Identity, authz.Request) (authz.Decision, error) {
	return authz.Decision{}, errors.New("scope lookup timed out")
}

func TestPipeline_StageErrorsFailClosed(t *testing.T) {
	tests := map[string]harnessOpts{
		"rate limiter": {limiter: failingLimiter{}},
		"authorizer":   {gate: failingGate{}},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, opts)
			w := h.do(http.MethodGet, "/patients/p-1", h.token(t, physician))
			assert.Equal(t, http.StatusInternalServerError, w.Code)
			assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
			assert.Zero(t, *h.served)
			assert.Len(t, h.audit.ByType(audit.EventInternalError), 1)
		})
	}
}

type closedGlobal struct{ failingLimiter }

func (closedGlobal) AllowGlobal(string) bool         { return false }
func (closedGlobal) GlobalRetryAfter() time.Duration { return 1500 * time.Millisecond }

func TestPipeline_GlobalTierRunsAfterScan(t *testing.T) {
	h := newHarness(t, harnessOpts{limiter: closedGlobal{}})

	req := httptest.NewRequest(http.MethodGet, "/patients?name=x%27%20OR%201%3D1--", nil)
	a, _ := h.pipeline.Admit(req)
	require.NotNil(t, a.Rejection)
	assert.Equal(t, core.StageScan, a.Rejection.Stage, "blocked input never reaches the limiter")
	assert.Equal(t, []State{StateReceived, StateRejected}, a.Trace())

	a, _ = h.pipeline.Admit(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NotNil(t, a.Rejection)
	assert.Equal(t, core.StageRateLimit, a.Rejection.Stage)
	assert.Equal(t, "global", a.Rejection.Reason)
	assert.Equal(t, []State{StateReceived, StateScanned, StateAuthenticated, StateRejected}, a.Trace())

	w := h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestPipeline_BlockedRequestsLeaveGlobalBudgetUntouched(t *testing.T) {
	rate := testRateConfig()
	rate.Global.RequestsPerSecond = 0.001
	rate.Global.Burst = 3
	h := newHarness(t, harnessOpts{rate: rate})

	for i := 0; i < 5; i++ {
		w := h.do(http.MethodGet, "/health?q=%27%20OR%20%271%27%3D%271", "")
		require.Equal(t, http.StatusBadRequest, w.Code)
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "").Code, "clean request %d", i+1)
	}
	assert.Equal(t, http.StatusTooManyRequests, h.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, 3, *h.served)
}

func TestPipeline_MultipleAuthorizationHeaders(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Add("Authorization", h.token(t, physician))
	req.Header.Add("Authorization", "Bearer other")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type offlineValidator struct{}

func (offlineValidator) Validate(string) (*core.Identity, error) {
	return nil, errors.New("key store offline")
}

func TestPipeline_NonTokenValidatorErrorIsInternal(t *testing.T) {
	h := newHarness(t, harnessOpts{tokens: offlineValidator{}})

	w := h.do(http.MethodGet, "/patients", "Bearer whatever")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Zero(t, *h.served)
	assert.Empty(t, h.audit.ByType(audit.EventAuthFailed), "an outage is not a failed login")
	assert.Len(t, h.audit.ByType(audit.EventInternalError), 1)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestState(t *testing.T) {
	a := newAdmission()
	assert.Equal(t, "received", a.State().String())
	require.Error(t, a.advance(StateAuthenticated), "stages cannot be skipped")
	require.NoError(t, a.advance(StateScanned))
	a.advanceRejected()
	assert.True(t, a.State().Terminal())
	require.Error(t, a.advance(StateAuthenticated), "rejected is terminal")
	a.advanceRejected()
	assert.Equal(t, []State{StateReceived, StateScanned, StateRejected}, a.Trace())
	assert.Equal(t, "state(42)", State(42).String())
}
