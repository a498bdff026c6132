// Package api serves the medgate HTTP surface. Every request passes the
// admission pipeline before a handler runs; the handlers themselves are
// thin collaborators around the credential store and patient directory.
//
//	@title			medgate API
//	@version		1.0
//	@description	Request-admission gateway for a healthcare records API
//	@BasePath		/
//
// @securityDefinitions.apikey	BearerAuth
// @in							header
// @name						Authorization
// @description				"Bearer " followed by the token from /api/v1/login
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"medgate/admission"
	"medgate/audit"
	"medgate/authz"
	"medgate/config"
	"medgate/core"
	"medgate/ratelimit"
	"medgate/storage"
	"medgate/util"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxRequestBodyBytes bounds JSON bodies decoded by handlers
const maxRequestBodyBytes = 64 * 1024

// UserStore is the credential store the auth handlers use
type UserStore interface {
	ValidateCredentials(ctx context.Context, username, password string) (*storage.User, error)
	ValidateTOTP(user *storage.User, code string) error
	SetPassword(ctx context.Context, username, password string) error
	EnrollMFA(ctx context.Context, username string) (string, error)
	Scope(ctx context.Context, subjectID string) (authz.Scope, error)
}

// PatientStore is the demo clinical directory
type PatientStore interface {
	CreatePatient(ctx context.Context, p storage.Patient) (*storage.Patient, error)
	GetPatient(ctx context.Context, id string) (*storage.Patient, error)
	SearchPatients(ctx context.Context, query string, branches []string) []storage.Patient
}

// LockoutTracker counts failed logins per account
type LockoutTracker interface {
	Check(ctx context.Context, account string) (ratelimit.LockoutStatus, error)
	RecordFailure(ctx context.Context, account string) (ratelimit.LockoutStatus, error)
	RecordSuccess(ctx context.Context, account string) error
}

// BreakGlasser issues emergency grants
type BreakGlasser interface {
	BreakGlass(ctx context.Context, id *core.Identity, req authz.BreakGlassRequest) (*authz.Grant, error)
	ActiveGrant(subjectID, resource string) (*authz.Grant, bool)
}

// AuditReader answers audit trail queries. The SQLite and MongoDB sinks
// have one.
type AuditReader interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Record, error)
}

// Revoker blocks a token id until it would have expired
type Revoker interface {
	Revoke(jti string, expiresAt time.Time)
}

// Deps are the collaborators of the API. AuditReader and Revoker are optional.
type Deps struct {
	Config         *config.Config
	Pipeline       *admission.Pipeline
	Users          UserStore
	Patients       PatientStore
	Lockout        LockoutTracker
	Tokens         TokenIssuer
	BreakGlass     BreakGlasser
	AuditReader    AuditReader
	Revoker        Revoker
	PasswordPolicy *util.PasswordPolicy
	Emitter        audit.Emitter
	Logger         *zap.SugaredLogger
}

// API represents the REST API server
type API struct {
	router     *mux.Router
	handler    http.Handler
	serverMu   sync.Mutex
	server     *http.Server
	stopped    bool
	config     *config.Config
	pipeline   *admission.Pipeline
	users      UserStore
	patients   PatientStore
	lockout    LockoutTracker
	tokens     TokenIssuer
	breakGlass BreakGlasser
	auditLog   AuditReader
	revoker    Revoker
	policy     *util.PasswordPolicy
	emitter    audit.Emitter
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// NewAPI creates a new API server
func NewAPI(d Deps) (*API, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("api: config is required")
	case d.Pipeline == nil:
		return nil, errors.New("api: admission pipeline is required")
	case d.Users == nil:
		return nil, errors.New("api: user store is required")
	case d.Patients == nil:
		return nil, errors.New("api: patient store is required")
	case d.Lockout == nil:
		return nil, errors.New("api: lockout tracker is required")
	case d.Tokens == nil:
		return nil, errors.New("api: token issuer is required")
	case d.BreakGlass == nil:
		return nil, errors.New("api: break-glass gate is required")
	}
	if d.PasswordPolicy == nil {
		d.PasswordPolicy = util.DefaultPasswordPolicy()
	}
	if d.Emitter == nil {
		d.Emitter = audit.Discard
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}

	a := &API{
		router:     mux.NewRouter(),
		config:     d.Config,
		pipeline:   d.Pipeline,
		users:      d.Users,
		patients:   d.Patients,
		lockout:    d.Lockout,
		tokens:     d.Tokens,
		breakGlass: d.BreakGlass,
		auditLog:   d.AuditReader,
		revoker:    d.Revoker,
		policy:     d.PasswordPolicy,
		emitter:    d.Emitter,
		logger:     d.Logger,
		now:        time.Now,
	}
	if err := a.setupRoutes(); err != nil {
		return nil, err
	}

	// outermost first: recovery must see panics from everything below it
	a.handler = a.errorRecoveryMiddleware(
		a.requestIDMiddleware(
			a.securityHeadersMiddleware(
				a.pipeline.Middleware(a.router))))
	return a, nil
}

// Handler returns the fully wrapped handler
func (a *API) Handler() http.Handler {
	return a.handler
}

// Start starts the API server
func (a *API) Start(addr string) error {
	srv, err := a.prepareServer(addr)
	if err != nil {
		return err
	}
	a.logger.Infof("Starting API server on %s", addr)
	return srv.ListenAndServe()
}

// StartTLS starts the API server with TLS
func (a *API) StartTLS(addr, certFile, keyFile string) error {
	srv, err := a.prepareServer(addr)
	if err != nil {
		return err
	}
	a.logger.Infof("Starting API server with TLS on %s", addr)
	return srv.ListenAndServeTLS(certFile, keyFile)
}

// Stop gracefully stops the API server. A server stopped before it
// started never listens.
func (a *API) Stop(ctx context.Context) error {
	a.serverMu.Lock()
	a.stopped = true
	srv := a.server
	a.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (a *API) prepareServer(addr string) (*http.Server, error) {
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	if a.stopped {
		return nil, http.ErrServerClosed
	}
	a.server = a.newServer(addr)
	return a.server, nil
}

// Addr joins the configured host and port
func Addr(cfg config.APIConfig) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

func (a *API) newServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadTimeout:       a.config.API.ReadTimeout,
		ReadHeaderTimeout: a.config.API.ReadTimeout,
		WriteTimeout:      a.config.API.WriteTimeout,
		IdleTimeout:       a.config.API.IdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes(a.config.Security.MaxHeaderBytes),
	}
}

func maxHeaderBytes(n int) int {
	if n <= 0 {
		return http.DefaultMaxHeaderBytes
	}
	return n
}

// setupRoutes registers a handler for every route in the admission table.
// A route without a handler is a programming error.
func (a *API) setupRoutes() error {
	handlers := a.handlers()
	for _, rt := range Routes() {
		h, ok := handlers[rt.Key()]
		if !ok {
			return fmt.Errorf("api: no handler for route %s", rt.Key())
		}
		a.router.HandleFunc(rt.Path, h).Methods(rt.Method).Name(rt.Key())
	}
	if a.config.API.Swagger {
		a.registerDocs()
	}
	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found", nil, nil)
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil, nil)
	})
	return nil
}
