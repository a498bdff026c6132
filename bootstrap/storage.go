package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"medgate/audit"
	"medgate/config"
	"medgate/core"
	"medgate/ratelimit"
	"medgate/storage"

	"go.uber.org/zap"
)

// StorageComponents holds the stores behind the admission pipeline
type StorageComponents struct {
	Redis        *core.RedisCache // nil when the shared store is disabled
	RateStore    ratelimit.Store
	LockoutStore ratelimit.LockoutStore
	AuditSink    audit.Sink
	Users        *storage.UserStore
	Roles        *storage.RoleTable
	Patients     *storage.PatientDirectory
}

// InitRedis connects to the shared rate-limit store with retry
func InitRedis(ctx context.Context, cfg config.RedisConfig, sugar *zap.SugaredLogger) (*core.RedisCache, error) {
	const maxRetries = 3
	retryDelays := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

	cache := core.NewRedisCache(cfg.Addr, cfg.Password, cfg.DB, cfg.PoolSize, sugar)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying Redis connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", retryDelays[attempt-1])
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				_ = cache.Close()
				return nil, ctx.Err()
			}
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = cache.Ping(pingCtx)
		cancel()
		if lastErr == nil {
			break
		}
		sugar.Warnw("Redis connection attempt failed", "attempt", attempt+1, "error", lastErr)
	}

	if lastErr != nil {
		_ = cache.Close()
		printFatal("Redis Connection Failed", ClassifyRedisError(lastErr, cfg.Addr))
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries+1, lastErr)
	}
	sugar.Infow("Connected to Redis", "addr", cfg.Addr)
	return cache, nil
}

// InitRateLimitStores picks the counter stores. With Redis the window
// counters degrade to process memory while Redis is unreachable; lockout
// state never degrades, so a lost Redis refuses logins.
func InitRateLimitStores(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*core.RedisCache, ratelimit.Store, ratelimit.LockoutStore, error) {
	memory := ratelimit.NewMemoryStore(cfg.RateLimit.Shards)
	if !cfg.RateLimit.Redis.Enabled {
		sugar.Info("Rate limiting uses in-process counters")
		return nil, memory, ratelimit.NewMemoryLockoutStore(cfg.RateLimit.Shards), nil
	}

	cache, err := InitRedis(ctx, cfg.RateLimit.Redis, sugar)
	if err != nil {
		return nil, nil, nil, err
	}

	bcfg := core.DefaultBreakerConfig("ratelimit-redis")
	bcfg.OnStateChange = func(name string, from, to core.BreakerState) {
		sugar.Warnw("Rate limit store circuit breaker state changed", "breaker", name, "from", from, "to", to)
	}
	breaker, err := core.NewCircuitBreaker(bcfg)
	if err != nil {
		_ = cache.Close()
		return nil, nil, nil, err
	}
	store := ratelimit.NewFallbackStore(ratelimit.NewRedisStore(cache, sugar), memory, breaker, sugar)
	return cache, store, ratelimit.NewRedisLockoutStore(cache), nil
}

// InitAuditSink opens the configured audit store
func InitAuditSink(cfg *config.Config, sugar *zap.SugaredLogger) (audit.Sink, error) {
	if cfg.Audit.Sink == "" || cfg.Audit.Sink == "sqlite" {
		if err := EnsureDataDirectory(cfg.Audit.SQLitePath, sugar); err != nil {
			return nil, fmt.Errorf("pre-flight check failed: %w", err)
		}
	}
	sink, err := audit.OpenSink(cfg.Audit, sugar)
	if err != nil {
		if cfg.Audit.Sink == "" || cfg.Audit.Sink == "sqlite" {
			printFatal("Audit Store Initialization Failed", ClassifySQLiteError(err, cfg.Audit.SQLitePath))
		}
		return nil, fmt.Errorf("failed to open audit sink: %w", err)
	}
	sugar.Infow("Audit sink ready", "sink", sink.Name())
	return sink, nil
}

// InitDirectories loads users, roles and patients
func InitDirectories(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.UserStore, *storage.RoleTable, *storage.PatientDirectory, error) {
	var (
		users *storage.UserStore
		err   error
	)
	if cfg.Auth.UsersFile == "" {
		sugar.Warn("auth.users_file is not set: no account can log in")
		users, err = storage.NewUserStore(nil, cfg.Auth.BcryptCost, sugar)
	} else {
		users, err = storage.LoadUsers(cfg.Auth.UsersFile, cfg.Auth.BcryptCost, sugar)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load users: %w", err)
	}

	roles, err := storage.LoadRoleTable(cfg.Authorization.RolesFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load roles: %w", err)
	}
	if cfg.Authorization.RolesFile == "" {
		sugar.Info("Using built-in role table")
	}

	patients, err := storage.LoadPatients(cfg.Records.PatientsFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load patients: %w", err)
	}
	return users, roles, patients, nil
}

func printFatal(title, detail string) {
	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "FATAL: %s\n", title)
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "%s\n", detail)
	fmt.Fprintf(os.Stderr, "========================================\n\n")
}
