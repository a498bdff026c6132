// Package admission runs every inbound request through the security stages
// in a fixed order and either dispatches it or rejects it with a generic
// response and an audit record.
package admission

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"medgate/audit"
	"medgate/auth"
	"medgate/authz"
	"medgate/core"
	"medgate/metrics"
	"medgate/ratelimit"
	"medgate/scanner"
	"medgate/util"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// tracerName names the spans this package emits
const tracerName = "medgate/admission"

// TokenValidator turns an Authorization header into an identity
type TokenValidator interface {
	Validate(header string) (*core.Identity, error)
}

// Authorizer answers permission questions for an identity
type Authorizer interface {
	Authorize(ctx context.Context, id *core.Identity, req authz.Request) (authz.Decision, error)
}

// RateLimiter is the throughput stage
type RateLimiter interface {
	Allow(ctx context.Context, scope string, class core.RouteClass) (ratelimit.Decision, error)
	AllowGlobal(ip string) bool
	GlobalRetryAfter() time.Duration
}

// BranchResolver finds the branch that owns a resource. An unknown
// resource yields "" and no error; the handler reports the 404.
type BranchResolver interface {
	BranchOf(ctx context.Context, resourceType, id string) (string, error)
}

// Deps are the collaborators of a Pipeline. Branches is optional; Tracer
// defaults to the global provider.
type Deps struct {
	Routes   *RouteTable
	Scanner  *scanner.Scanner
	Tokens   TokenValidator
	Limiter  RateLimiter
	Gate     Authorizer
	Branches BranchResolver
	ClientIP *ClientIPResolver
	Emitter  audit.Emitter
	Logger   *zap.SugaredLogger
	Tracer   trace.Tracer
}

// Pipeline is the admission orchestrator
type Pipeline struct {
	routes   *RouteTable
	scanner  *scanner.Scanner
	tokens   TokenValidator
	limiter  RateLimiter
	gate     Authorizer
	branches BranchResolver
	clientIP *ClientIPResolver
	emitter  audit.Emitter
	logger   *zap.SugaredLogger
	tracer   trace.Tracer
}

// New checks that every required collaborator is present
func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Routes == nil:
		return nil, errors.New("admission: route table is required")
	case d.Scanner == nil:
		return nil, errors.New("admission: scanner is required")
	case d.Tokens == nil:
		return nil, errors.New("admission: token validator is required")
	case d.Limiter == nil:
		return nil, errors.New("admission: rate limiter is required")
	case d.Gate == nil:
		return nil, errors.New("admission: authorizer is required")
	case d.ClientIP == nil:
		return nil, errors.New("admission: client IP resolver is required")
	}
	if d.Emitter == nil {
		d.Emitter = audit.Discard
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(tracerName)
	}
	return &Pipeline{
		routes:   d.Routes,
		scanner:  d.Scanner,
		tokens:   d.Tokens,
		limiter:  d.Limiter,
		gate:     d.Gate,
		branches: d.Branches,
		clientIP: d.ClientIP,
		emitter:  d.Emitter,
		logger:   d.Logger,
		tracer:   d.Tracer,
	}, nil
}

type stage struct {
	name core.Stage
	next State
	run  func(ctx context.Context, r *http.Request, a *Admission) *core.Rejection
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{core.StageScan, StateScanned, p.scan},
		{core.StageAuthenticate, StateAuthenticated, p.authenticate},
		{core.StageRateLimit, StateRateChecked, p.rateCheck},
		{core.StageAuthorize, StateAuthorized, p.authorize},
	}
}

// Admit runs the stages for r. The returned request carries the admission
// context (identity, route, client IP, audit metadata) and must be the one
// handed to the next handler.
func (p *Pipeline) Admit(r *http.Request) (*Admission, *http.Request) {
	a := newAdmission()
	a.ClientIP = p.clientIP.ClientIP(r)
	if rt, vars, ok := p.routes.Match(r); ok {
		a.Route, a.Vars = rt, vars
	} else {
		a.Route = unmatched
	}

	meta := audit.RequestMeta{
		IP:        a.ClientIP,
		UserAgent: util.SanitizeLogValue(r.UserAgent()),
		RequestID: util.SanitizeLogValue(r.Header.Get("X-Request-ID")),
	}
	ctx, span := p.tracer.Start(r.Context(), "admission",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.route", a.Route.Key()),
			attribute.String("medgate.route_class", string(a.Route.Class)),
		))
	defer func() { endAdmissionSpan(span, a) }()
	ctx = audit.WithRequestMeta(ctx, meta)

	for _, s := range p.stages() {
		start := time.Now()
		stageCtx, stageSpan := p.tracer.Start(ctx, "admission."+string(s.name))
		rej := s.run(stageCtx, r, a)
		endStageSpan(stageSpan, rej)
		metrics.StageDuration.WithLabelValues(string(s.name)).Observe(time.Since(start).Seconds())
		if rej != nil {
			p.reject(ctx, a, rej)
			return a, r.WithContext(ctx)
		}
		if err := a.advance(s.next); err != nil {
			p.reject(ctx, a, core.Internal(s.name, err))
			return a, r.WithContext(ctx)
		}
		if s.name == core.StageAuthenticate && a.Identity != nil {
			meta.SessionID = a.Identity.SessionID
			ctx = audit.WithRequestMeta(ctx, meta)
		}
	}

	if err := a.advance(StateDispatched); err != nil {
		p.reject(ctx, a, core.Internal(core.StageDispatch, err))
		return a, r.WithContext(ctx)
	}
	metrics.AdmissionDecisions.WithLabelValues(string(core.StageDispatch), "admitted").Inc()

	ctx = context.WithValue(ctx, contextKeyIdentity, a.Identity)
	ctx = context.WithValue(ctx, contextKeyRoute, a.Route)
	ctx = context.WithValue(ctx, contextKeyClientIP, a.ClientIP)
	if a.GrantID != "" {
		ctx = context.WithValue(ctx, contextKeyGrant, a.GrantID)
	}
	return a, r.WithContext(ctx)
}

func endStageSpan(span trace.Span, rej *core.Rejection) {
	if rej != nil {
		span.SetAttributes(
			attribute.String("medgate.rejection.kind", string(rej.Kind)),
			attribute.String("medgate.rejection.reason", rej.Reason))
		if rej.Kind == core.KindInternal {
			if rej.Err != nil {
				span.RecordError(rej.Err)
			}
			span.SetStatus(codes.Error, string(rej.Stage))
		}
	}
	span.End()
}

// endAdmissionSpan records the outcome. Rejections are decisions, not
// errors; only internal failures mark the span as failed.
func endAdmissionSpan(span trace.Span, a *Admission) {
	span.SetAttributes(attribute.String("medgate.client_ip", a.ClientIP))
	if a.Identity != nil {
		span.SetAttributes(attribute.String("medgate.subject", a.Identity.SubjectID))
	}
	if a.Rejection != nil {
		span.SetAttributes(
			attribute.Bool("medgate.admitted", false),
			attribute.String("medgate.rejection.stage", string(a.Rejection.Stage)),
			attribute.String("medgate.rejection.kind", string(a.Rejection.Kind)))
		if a.Rejection.Kind == core.KindInternal {
			span.SetStatus(codes.Error, "admission failed")
		}
	} else {
		span.SetAttributes(attribute.Bool("medgate.admitted", true))
	}
	span.End()
}

// Middleware wraps next with the pipeline
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, r := p.Admit(r)
		if a.Rejection != nil {
			WriteRejection(w, a.Rejection, a.RateLimit)
			return
		}
		if a.RateLimit != nil {
			setRateLimitHeaders(w.Header(), *a.RateLimit)
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Pipeline) scan(_ context.Context, r *http.Request, _ *Admission) *core.Rejection {
	in, err := p.scanner.Extract(r)
	if err != nil {
		return core.NewRejection(core.StageScan, core.KindValidationBlocked, "unreadable_body")
	}
	res := p.scanner.Scan(in)
	if !res.Blocked {
		return nil
	}
	metrics.ScannerBlocks.WithLabelValues(string(res.Category)).Inc()
	return core.NewRejection(core.StageScan, core.KindValidationBlocked, string(res.Category)).
		WithDetail("location", res.Location.Ref()).
		WithDetail("rule", res.Rule)
}

func (p *Pipeline) authenticate(_ context.Context, r *http.Request, a *Admission) *core.Rejection {
	headers := r.Header.Values("Authorization")
	if !a.Route.Class.RequiresIdentity() {
		// public and login routes neither need nor read a token
		return nil
	}
	if len(headers) == 0 && !a.Route.RequiresIdentity() {
		return nil
	}
	if len(headers) > 1 {
		return core.NewRejection(core.StageAuthenticate, core.KindAuth, string(auth.KindMalformed)).
			WithDetail("cause", "multiple authorization headers")
	}

	var header string
	if len(headers) == 1 {
		header = headers[0]
	}
	id, err := p.tokens.Validate(header)
	if err != nil {
		kind := auth.KindOf(err)
		if kind == "" {
			return core.Internal(core.StageAuthenticate, err)
		}
		rej := core.NewRejection(core.StageAuthenticate, core.KindAuth, string(kind))
		rej.Err = err
		return rej
	}
	if id == nil {
		return core.Internal(core.StageAuthenticate, errors.New("validator returned no identity"))
	}
	a.Identity = id
	return nil
}

// rateCheck runs after the scan, so blocked requests spend neither the
// process-wide bucket nor a tier window
func (p *Pipeline) rateCheck(ctx context.Context, _ *http.Request, a *Admission) *core.Rejection {
	if !p.limiter.AllowGlobal(a.ClientIP) {
		rej := core.NewRejection(core.StageRateLimit, core.KindRateLimited, "global")
		rej.RetryAfter = p.limiter.GlobalRetryAfter()
		return rej
	}

	scope := "ip:" + a.ClientIP
	if a.Identity != nil {
		scope = "sub:" + a.Identity.SubjectID
	}
	d, err := p.limiter.Allow(ctx, scope, a.Route.Class)
	if err != nil {
		return core.Internal(core.StageRateLimit, err)
	}
	a.RateLimit = &d
	if d.Allowed {
		return nil
	}
	rej := core.NewRejection(core.StageRateLimit, core.KindRateLimited, string(a.Route.Class)).
		WithDetail("limit", strconv.Itoa(d.Limit))
	rej.RetryAfter = d.RetryAfter
	return rej
}

func (p *Pipeline) authorize(ctx context.Context, _ *http.Request, a *Admission) *core.Rejection {
	if a.Identity == nil || (a.Route.Permission == "" && !a.Route.Sensitive) {
		return nil
	}

	req := authz.Request{
		Permission: a.Route.Permission,
		Resource:   a.Route.Resource(a.Vars),
		Sensitive:  a.Route.Sensitive,
	}
	if p.branches != nil && a.Route.ResourceParam != "" {
		branch, err := p.branches.BranchOf(ctx, a.Route.ResourceType, a.Vars[a.Route.ResourceParam])
		if err != nil {
			return core.Internal(core.StageAuthorize, err)
		}
		req.ResourceBranch = branch
	}

	d, err := p.gate.Authorize(ctx, a.Identity, req)
	if err != nil {
		return core.Internal(core.StageAuthorize, err)
	}
	if !d.Allowed {
		a.gateAudited = true
		return core.NewRejection(core.StageAuthorize, core.KindAuthorizationDenied, d.Reason).
			WithDetail("permission", req.Permission)
	}
	a.GrantID = d.GrantID
	return nil
}

// reject moves the admission to Rejected and writes its audit record
func (p *Pipeline) reject(ctx context.Context, a *Admission, rej *core.Rejection) {
	a.Rejection = rej
	a.advanceRejected()
	metrics.AdmissionDecisions.WithLabelValues(string(rej.Stage), string(rej.Kind)).Inc()

	if rej.Kind == core.KindInternal {
		p.logger.Errorw("Admission stage failed",
			"stage", rej.Stage,
			"route", a.Route.Key(),
			"error", rej.Err)
	} else {
		p.logger.Debugw("Request rejected",
			"stage", rej.Stage,
			"kind", rej.Kind,
			"reason", rej.Reason,
			"route", a.Route.Key(),
			"client_ip", a.ClientIP)
	}

	// the authorization gate records its own denials
	if a.gateAudited {
		return
	}

	rec := audit.Record{
		EventType: eventFor(rej),
		Actor:     a.Identity.Actor(),
		Resource:  a.Route.Resource(a.Vars),
		Outcome:   outcomeFor(rej),
		Stage:     string(rej.Stage),
		Reason:    rej.Reason,
		Detail:    map[string]string{"route": a.Route.Key()},
	}
	for k, v := range rej.Detail {
		rec.Detail[k] = v
	}
	if rej.RetryAfter > 0 {
		rec.Detail["retry_after_seconds"] = strconv.Itoa(rej.RetryAfterSeconds())
	}
	audit.EmitWithContext(ctx, p.emitter, rec)
}

func eventFor(rej *core.Rejection) audit.EventType {
	switch rej.Kind {
	case core.KindAuth:
		return audit.EventAuthFailed
	case core.KindValidationBlocked:
		return audit.EventInjectionBlocked
	case core.KindRateLimited:
		return audit.EventRateLimited
	case core.KindLockedOut:
		return audit.EventLockedOut
	case core.KindAuthorizationDenied:
		return audit.EventPermissionDenied
	default:
		return audit.EventInternalError
	}
}

func outcomeFor(rej *core.Rejection) audit.Outcome {
	switch rej.Kind {
	case core.KindValidationBlocked:
		return audit.OutcomeBlocked
	case core.KindAuth:
		return audit.OutcomeFailure
	case core.KindInternal:
		return audit.OutcomeError
	default:
		return audit.OutcomeDenied
	}
}
