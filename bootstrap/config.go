package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"medgate/config"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the process logger. Console output is colored for
// operators; json is for log shippers.
func InitLogger(level, format string) (*zap.Logger, *zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(format) {
	case "", "console":
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "json":
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q (want console or json)", format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), lvl)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the configuration from path, or from the default search
// locations when path is empty
func InitConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logConfig reports the settings an operator most often needs to confirm
func logConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}
	sugar.Infow("Config loaded",
		"environment", cfg.Environment,
		"listen", cfg.Addr(),
		"tls", cfg.API.TLS,
		"audit_sink", cfg.Audit.Sink,
		"redis_enabled", cfg.RateLimit.Redis.Enabled,
		"secrets_provider", cfg.Secrets.Provider,
		"lockout_policy", cfg.Auth.LockoutPolicy,
		"notify_enabled", cfg.Notify.Enabled,
		"swagger", cfg.API.Swagger)

	if cfg.IsProduction() && !cfg.API.TLS && !cfg.Security.EnableHSTS {
		sugar.Warn("Production environment without TLS: terminate TLS at a trusted proxy and set security.enable_hsts")
	}
	if cfg.IsProduction() && cfg.API.Swagger {
		sugar.Warn("API documentation is served under /swagger/ in production")
	}
}
