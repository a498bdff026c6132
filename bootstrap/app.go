package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"medgate/api"
	"medgate/audit"
	"medgate/config"
	"medgate/notify"
	"medgate/util/goroutine"

	"go.uber.org/zap"
)

// revocationSweepInterval is how often expired revocations are dropped
const revocationSweepInterval = time.Minute

// App is the medgate service with all of its components
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Storage   *StorageComponents
	Tokens    *TokenComponents
	Emitter   *audit.AsyncEmitter
	Notifier  *notify.Notifier
	Retention *audit.Retention
	APIServer *api.API

	serviceWg *sync.WaitGroup
	cancel    context.CancelFunc
	errCh     chan error
}

// NewApp loads configuration from configPath (or the default locations)
// and initializes every component without starting any listener
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := InitConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar.Info("medgate starting...")
	logConfig(cfg, sugar)

	app, err := newApp(ctx, cfg, logger, sugar)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, sugar *zap.SugaredLogger) (_ *App, err error) {
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		serviceWg: &sync.WaitGroup{},
		errCh:     make(chan error, 1),
	}
	// release whatever was opened when a later step fails
	defer func() {
		if err == nil {
			return
		}
		if app.Notifier != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = app.Notifier.Close(ctx)
			cancel()
		}
		if app.Emitter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = app.Emitter.Close(ctx)
			cancel()
		} else if app.Storage != nil && app.Storage.AuditSink != nil {
			_ = app.Storage.AuditSink.Close()
		}
		app.closeStores()
	}()

	tokens, err := InitTokens(cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Tokens = tokens

	st := &StorageComponents{}
	app.Storage = st
	st.Redis, st.RateStore, st.LockoutStore, err = InitRateLimitStores(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	st.Users, st.Roles, st.Patients, err = InitDirectories(cfg, sugar)
	if err != nil {
		return nil, err
	}
	st.AuditSink, err = InitAuditSink(cfg, sugar)
	if err != nil {
		return nil, err
	}

	app.Emitter, err = audit.NewAsyncEmitter(st.AuditSink, audit.Options{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		MaxRetries:    cfg.Audit.MaxRetries,
		RetryBackoff:  cfg.Audit.RetryBackoff,
	}, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to start audit emitter: %w", err)
	}

	if purger, ok := st.AuditSink.(audit.Purger); ok {
		app.Retention, err = audit.NewRetention(purger, cfg.Audit.RetentionDays, cfg.Audit.PurgeSchedule, sugar)
		if err != nil {
			return nil, err
		}
	}

	var emitter audit.Emitter = app.Emitter
	if cfg.Notify.Enabled {
		app.Notifier, err = notify.New(cfg.Notify, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize review notifier: %w", err)
		}
		app.Notifier.Start()
		emitter = audit.Tee(app.Emitter, app.Notifier)
		sugar.Infow("Review notifications enabled", "channels", len(cfg.Notify.Channels), "events", cfg.Notify.Events)
	}

	app.APIServer, err = InitAPI(cfg, st, tokens, emitter, sugar)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Start launches the background workers and the API server. Serve errors
// are reported through WaitForShutdown.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	goroutine.Go(a.serviceWg, "revocation-sweeper", a.Sugar, func() {
		a.Tokens.Revocations.Run(ctx, revocationSweepInterval, a.Sugar)
	})
	if a.Retention != nil {
		a.Retention.Start()
	}

	addr := api.Addr(a.Config.API)
	goroutine.Go(a.serviceWg, "api-server", a.Sugar, func() {
		var err error
		if a.Config.API.TLS {
			err = a.APIServer.StartTLS(addr, a.Config.API.CertFile, a.Config.API.KeyFile)
		} else {
			err = a.APIServer.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server failed", "addr", addr, "error", err)
			select {
			case a.errCh <- err:
			default:
			}
		}
	})
	return nil
}

// WaitForShutdown blocks until a shutdown signal arrives or the API server
// fails. SIGHUP reloads the signing keys. The server error, if any, is
// returned.
func (a *App) WaitForShutdown() error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(c)

	for {
		select {
		case sig := <-c:
			if sig == syscall.SIGHUP {
				if _, err := a.Tokens.ReloadKeys(a.Sugar); err != nil {
					a.Sugar.Errorw("Signing key reload failed; keeping current keys", "error", err)
				}
				continue
			}
			a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
			return nil
		case err := <-a.errCh:
			return err
		}
	}
}

// Shutdown stops the components in dependency order: no new requests,
// then drain the audit buffer, then close the stores
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")
	timeout := a.Config.API.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	a.Sugar.Info("Phase 1: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	a.Sugar.Info("Phase 2: Stopping background workers...")
	if a.cancel != nil {
		a.cancel()
	}
	if a.Retention != nil {
		a.Retention.Stop()
	}

	a.Sugar.Info("Phase 3: Draining audit buffer...")
	if a.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.Notifier.Close(ctx); err != nil {
			a.Sugar.Errorw("Review notifications not fully delivered", "error", err)
		}
		cancel()
	}
	if a.Emitter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.Emitter.Close(ctx); err != nil {
			a.Sugar.Errorw("Audit buffer not fully drained", "error", err)
		}
		cancel()
	}

	a.Sugar.Info("Phase 4: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.Sugar.Warn("Timed out waiting for service goroutines")
	}

	a.Sugar.Info("Phase 5: Closing stores...")
	a.closeStores()

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

func (a *App) closeStores() {
	if a.Storage == nil || a.Storage.Redis == nil {
		return
	}
	if err := a.Storage.Redis.Close(); err != nil {
		a.Sugar.Warnw("Failed to close Redis", "error", err)
	}
	a.Storage.Redis = nil
}
