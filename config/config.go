package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LockoutPolicy decides what an attempt made during an active lockout does
// to the lockout expiry.
type LockoutPolicy string

const (
	// LockoutPolicyFixed leaves the expiry untouched (default)
	LockoutPolicyFixed LockoutPolicy = "fixed"
	// LockoutPolicySliding re-extends the expiry by the full duration on every attempt
	LockoutPolicySliding LockoutPolicy = "sliding"
)

// TierConfig is a sliding-window budget: Limit admissions per Window
type TierConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// RedisConfig holds connection settings for the shared rate-limit store
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Host                 string        `mapstructure:"host"`
	Port                 int           `mapstructure:"port"`
	TLS                  bool          `mapstructure:"tls"`
	CertFile             string        `mapstructure:"cert_file"`
	KeyFile              string        `mapstructure:"key_file"`
	TrustProxy           bool          `mapstructure:"trust_proxy"`
	TrustedProxyNetworks []string      `mapstructure:"trusted_proxy_networks"`
	TrustedHops          int           `mapstructure:"trusted_hops"` // hops counted from the right of X-Forwarded-For
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	Swagger              bool          `mapstructure:"swagger"` // serve the API description under /swagger/
}

// AuthConfig holds token and lockout settings
type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	JWTKeyID         string        `mapstructure:"jwt_key_id"`
	JWTIssuer        string        `mapstructure:"jwt_issuer"`
	JWTExpiry        time.Duration `mapstructure:"jwt_expiry"`
	BcryptCost       int           `mapstructure:"bcrypt_cost"`
	UsersFile        string        `mapstructure:"users_file"`
	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
	LockoutPolicy    LockoutPolicy `mapstructure:"lockout_policy"`
}

// RateLimitConfig holds the budget tiers
type RateLimitConfig struct {
	Auth      TierConfig `mapstructure:"auth"`
	Sensitive TierConfig `mapstructure:"sensitive"`
	Standard  TierConfig `mapstructure:"standard"`
	Global    struct {
		RequestsPerSecond float64 `mapstructure:"requests_per_second"`
		Burst             int     `mapstructure:"burst"`
	} `mapstructure:"global"`
	ExemptIPs []string    `mapstructure:"exempt_ips"` // exempt from the global tier only
	Shards    int         `mapstructure:"shards"`
	Redis     RedisConfig `mapstructure:"redis"`
}

// CustomRule is an operator-defined scanner pattern
type CustomRule struct {
	Name     string `mapstructure:"name"`
	Category string `mapstructure:"category"`
	Pattern  string `mapstructure:"pattern"`
}

// SecurityConfig holds scanner limits
type SecurityConfig struct {
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
	MaxJSONDepth    int           `mapstructure:"max_json_depth"`
	MaxDecodePasses int           `mapstructure:"max_decode_passes"`
	LDAPParams      []string      `mapstructure:"ldap_params"`
	CustomRules     []CustomRule  `mapstructure:"custom_rules"`
	RegexTimeout    time.Duration `mapstructure:"regex_timeout"`
	EnableHSTS      bool          `mapstructure:"enable_hsts"`
}

// AuthorizationConfig points at the role table
type AuthorizationConfig struct {
	RolesFile string `mapstructure:"roles_file"`
}

// RecordsConfig points at the seed data for the patient directory
type RecordsConfig struct {
	PatientsFile string `mapstructure:"patients_file"`
}

// BreakGlassConfig holds emergency access settings
type BreakGlassConfig struct {
	GrantTTL         time.Duration `mapstructure:"grant_ttl"`
	MinJustification int           `mapstructure:"min_justification"`
	MaxGrants        int           `mapstructure:"max_grants"`
}

// ClickHouseConfig holds the audit ClickHouse connection
type ClickHouseConfig struct {
	Addr        string `mapstructure:"addr"`
	Database    string `mapstructure:"database"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TLS         bool   `mapstructure:"tls"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
}

// MongoDBConfig holds the audit MongoDB connection
type MongoDBConfig struct {
	URI                string        `mapstructure:"uri"`
	Database           string        `mapstructure:"database"`
	Collection         string        `mapstructure:"collection"`
	MaxPoolSize        uint64        `mapstructure:"max_pool_size"`
	BatchInsertTimeout time.Duration `mapstructure:"batch_insert_timeout"`
}

// AuditConfig holds emitter and sink settings
type AuditConfig struct {
	Sink          string           `mapstructure:"sink"` // sqlite, clickhouse, mongodb, log
	BufferSize    int              `mapstructure:"buffer_size"`
	BatchSize     int              `mapstructure:"batch_size"`
	FlushInterval time.Duration    `mapstructure:"flush_interval"`
	MaxRetries    int              `mapstructure:"max_retries"`
	RetryBackoff  time.Duration    `mapstructure:"retry_backoff"`
	SQLitePath    string           `mapstructure:"sqlite_path"`
	RetentionDays int              `mapstructure:"retention_days"`
	PurgeSchedule string           `mapstructure:"purge_schedule"` // cron expression
	ClickHouse    ClickHouseConfig `mapstructure:"clickhouse"`
	MongoDB       MongoDBConfig    `mapstructure:"mongodb"`
}

// NotifyChannelConfig is one destination for review notifications
type NotifyChannelConfig struct {
	Type         string            `mapstructure:"type"` // webhook, slack, email
	URL          string            `mapstructure:"url"`
	Method       string            `mapstructure:"method"`
	Headers      map[string]string `mapstructure:"headers"`
	SMTPHost     string            `mapstructure:"smtp_host"`
	SMTPPort     int               `mapstructure:"smtp_port"`
	SMTPUsername string            `mapstructure:"smtp_username"`
	SMTPPassword string            `mapstructure:"smtp_password"`
	From         string            `mapstructure:"from"`
	To           []string          `mapstructure:"to"`
}

// NotifyConfig forwards audit events that need a human to operators
type NotifyConfig struct {
	Enabled   bool                  `mapstructure:"enabled"`
	Events    []string              `mapstructure:"events"` // review-flagged records are always sent
	QueueSize int                   `mapstructure:"queue_size"`
	Timeout   time.Duration         `mapstructure:"timeout"`
	Channels  []NotifyChannelConfig `mapstructure:"channels"`
}

// SecretsConfig selects where signing keys come from
type SecretsConfig struct {
	Provider string `mapstructure:"provider"` // env, vault, aws
	Vault    struct {
		Address string `mapstructure:"address"`
		Token   string `mapstructure:"token"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"vault"`
	AWS struct {
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		SecretID  string `mapstructure:"secret_id"`
		Endpoint  string `mapstructure:"endpoint"` // override for local stacks
	} `mapstructure:"aws"`
}

// Config holds all configuration for the medgate service
type Config struct {
	Environment string `mapstructure:"environment"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // console or json
	} `mapstructure:"logging"`

	API           APIConfig           `mapstructure:"api"`
	Auth          AuthConfig          `mapstructure:"auth"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Security      SecurityConfig      `mapstructure:"security"`
	Authorization AuthorizationConfig `mapstructure:"authorization"`
	BreakGlass    BreakGlassConfig    `mapstructure:"break_glass"`
	Records       RecordsConfig       `mapstructure:"records"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notify        NotifyConfig        `mapstructure:"notify"`
	Secrets       SecretsConfig       `mapstructure:"secrets"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8443)
	v.SetDefault("api.tls", false)
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("api.trusted_proxy_networks", []string{})
	v.SetDefault("api.trusted_hops", 1)
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 15*time.Second)
	v.SetDefault("api.idle_timeout", 60*time.Second)
	v.SetDefault("api.shutdown_timeout", 15*time.Second)
	v.SetDefault("api.swagger", false)

	v.SetDefault("auth.jwt_key_id", "primary")
	v.SetDefault("auth.jwt_issuer", "medgate")
	v.SetDefault("auth.jwt_expiry", 15*time.Minute)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.users_file", "")
	v.SetDefault("auth.lockout_threshold", 5)
	v.SetDefault("auth.lockout_duration", 15*time.Minute)
	v.SetDefault("auth.lockout_policy", string(LockoutPolicyFixed))

	v.SetDefault("rate_limit.auth.limit", 5)
	v.SetDefault("rate_limit.auth.window", time.Minute)
	v.SetDefault("rate_limit.sensitive.limit", 3)
	v.SetDefault("rate_limit.sensitive.window", time.Minute)
	v.SetDefault("rate_limit.standard.limit", 100)
	v.SetDefault("rate_limit.standard.window", time.Minute)
	v.SetDefault("rate_limit.global.requests_per_second", 2000.0)
	v.SetDefault("rate_limit.global.burst", 4000)
	v.SetDefault("rate_limit.exempt_ips", []string{})
	v.SetDefault("rate_limit.shards", 64)
	v.SetDefault("rate_limit.redis.enabled", false)
	v.SetDefault("rate_limit.redis.addr", "localhost:6379")
	v.SetDefault("rate_limit.redis.db", 0)
	v.SetDefault("rate_limit.redis.pool_size", 20)

	v.SetDefault("security.max_body_bytes", int64(2*1024*1024))
	v.SetDefault("security.max_header_bytes", 8*1024)
	v.SetDefault("security.max_json_depth", 32)
	v.SetDefault("security.max_decode_passes", 3)
	v.SetDefault("security.ldap_params", []string{"username", "user", "uid", "cn", "search", "filter"})
	v.SetDefault("security.regex_timeout", 50*time.Millisecond)
	v.SetDefault("security.enable_hsts", false)

	v.SetDefault("authorization.roles_file", "")

	v.SetDefault("records.patients_file", "")

	v.SetDefault("break_glass.grant_ttl", 30*time.Minute)
	v.SetDefault("break_glass.min_justification", 20)
	v.SetDefault("break_glass.max_grants", 10000)

	v.SetDefault("audit.sink", "sqlite")
	v.SetDefault("audit.buffer_size", 4096)
	v.SetDefault("audit.batch_size", 128)
	v.SetDefault("audit.flush_interval", time.Second)
	v.SetDefault("audit.max_retries", 5)
	v.SetDefault("audit.retry_backoff", 200*time.Millisecond)
	v.SetDefault("audit.sqlite_path", "./data/audit.db")
	v.SetDefault("audit.retention_days", 2190) // six years
	v.SetDefault("audit.purge_schedule", "0 3 * * *")
	v.SetDefault("audit.clickhouse.addr", "localhost:9000")
	v.SetDefault("audit.clickhouse.database", "medgate")
	v.SetDefault("audit.clickhouse.username", "default")
	v.SetDefault("audit.clickhouse.max_pool_size", 10)
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.events", []string{"BREAK_GLASS", "BREAK_GLASS_DENIED", "LOCKED_OUT"})
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("audit.mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("audit.mongodb.database", "medgate")
	v.SetDefault("audit.mongodb.collection", "audit_log")
	v.SetDefault("audit.mongodb.max_pool_size", 10)
	v.SetDefault("audit.mongodb.batch_insert_timeout", "5s")

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.vault.path", "secret/medgate")
	v.SetDefault("secrets.aws.secret_id", "medgate/secrets")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("MEDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	return load(viper.GetViper(), true)
}

// LoadFrom loads configuration from an explicit file path
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, false)
}

func load(v *viper.Viper, search bool) (*Config, error) {
	if search {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !search || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// weakSecretFragments are substrings that mark a JWT secret as a placeholder
var weakSecretFragments = []string{
	"secret", "password", "changeme", "default", "admin",
	"jwt_secret", "supersecret", "mysecret", "test", "example",
}

// ValidateJWTSecret rejects short or placeholder HMAC secrets
func ValidateJWTSecret(secret string) error {
	if len(secret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters (256 bits)")
	}
	lower := strings.ToLower(secret)
	for _, weak := range weakSecretFragments {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("JWT secret appears to contain weak/default value: please use a cryptographically secure random string")
		}
	}
	return nil
}

// Validate checks the configuration for inconsistent values
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", c.API.Port)
	}
	if c.API.TrustProxy {
		if len(c.API.TrustedProxyNetworks) == 0 {
			return fmt.Errorf("api.trust_proxy requires api.trusted_proxy_networks")
		}
		if c.API.TrustedHops < 1 {
			return fmt.Errorf("api.trusted_hops must be at least 1")
		}
	}
	for _, n := range c.API.TrustedProxyNetworks {
		if !isValidIPOrCIDR(n) {
			return fmt.Errorf("invalid trusted proxy network: %s", n)
		}
	}
	for _, n := range c.RateLimit.ExemptIPs {
		if !isValidIPOrCIDR(n) {
			return fmt.Errorf("invalid exempt IP: %s", n)
		}
	}

	if c.Auth.JWTSecret != "" {
		if err := ValidateJWTSecret(c.Auth.JWTSecret); err != nil {
			return err
		}
	}
	if c.Auth.JWTExpiry <= 0 {
		return fmt.Errorf("auth.jwt_expiry must be positive")
	}
	if c.Auth.LockoutThreshold < 1 {
		return fmt.Errorf("auth.lockout_threshold must be at least 1")
	}
	if c.Auth.LockoutDuration <= 0 {
		return fmt.Errorf("auth.lockout_duration must be positive")
	}
	switch c.Auth.LockoutPolicy {
	case LockoutPolicyFixed, LockoutPolicySliding:
	default:
		return fmt.Errorf("invalid auth.lockout_policy %q (want fixed or sliding)", c.Auth.LockoutPolicy)
	}

	tiers := map[string]TierConfig{
		"auth":      c.RateLimit.Auth,
		"sensitive": c.RateLimit.Sensitive,
		"standard":  c.RateLimit.Standard,
	}
	for name, t := range tiers {
		if t.Limit < 1 || t.Window <= 0 {
			return fmt.Errorf("rate_limit.%s needs a positive limit and window", name)
		}
	}
	if c.RateLimit.Global.RequestsPerSecond <= 0 || c.RateLimit.Global.Burst < 1 {
		return fmt.Errorf("rate_limit.global needs a positive rate and burst")
	}
	if c.RateLimit.Redis.Enabled && c.RateLimit.Redis.Addr == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when redis is enabled")
	}

	if c.Security.MaxBodyBytes <= 0 || c.Security.MaxHeaderBytes <= 0 {
		return fmt.Errorf("security body and header limits must be positive")
	}
	if c.Security.MaxJSONDepth < 1 {
		return fmt.Errorf("security.max_json_depth must be at least 1")
	}
	for _, r := range c.Security.CustomRules {
		if r.Name == "" || r.Pattern == "" {
			return fmt.Errorf("custom scanner rules need a name and a pattern")
		}
	}

	if c.BreakGlass.GrantTTL <= 0 {
		return fmt.Errorf("break_glass.grant_ttl must be positive")
	}
	if c.BreakGlass.MinJustification < 1 {
		return fmt.Errorf("break_glass.min_justification must be at least 1")
	}

	switch c.Audit.Sink {
	case "sqlite":
		if c.Audit.SQLitePath == "" {
			return fmt.Errorf("audit.sqlite_path is required for the sqlite sink")
		}
	case "clickhouse":
		if c.Audit.ClickHouse.Addr == "" {
			return fmt.Errorf("audit.clickhouse.addr is required for the clickhouse sink")
		}
	case "mongodb":
		if err := validateMongoURI(c.Audit.MongoDB.URI); err != nil {
			return err
		}
		if c.Audit.MongoDB.Database == "" || c.Audit.MongoDB.Collection == "" {
			return fmt.Errorf("audit.mongodb.database and audit.mongodb.collection are required")
		}
	case "log":
	default:
		return fmt.Errorf("unsupported audit sink: %s", c.Audit.Sink)
	}
	if c.Audit.BufferSize < 1 || c.Audit.BatchSize < 1 {
		return fmt.Errorf("audit buffer and batch sizes must be positive")
	}
	return c.Notify.Validate()
}

// Validate checks the notification channels. A disabled notifier is not
// checked.
func (n NotifyConfig) Validate() error {
	if !n.Enabled {
		return nil
	}
	if len(n.Channels) == 0 {
		return fmt.Errorf("notify.channels must not be empty when notify is enabled")
	}
	for i, ch := range n.Channels {
		switch ch.Type {
		case "webhook", "slack":
			u, err := url.Parse(ch.URL)
			if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
				return fmt.Errorf("notify.channels[%d]: invalid url %q", i, ch.URL)
			}
		case "email":
			if ch.SMTPHost == "" || ch.SMTPPort <= 0 || ch.From == "" || len(ch.To) == 0 {
				return fmt.Errorf("notify.channels[%d]: email needs smtp_host, smtp_port, from and to", i)
			}
		default:
			return fmt.Errorf("notify.channels[%d]: unsupported type %q", i, ch.Type)
		}
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.API.Host, fmt.Sprintf("%d", c.API.Port))
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}

// isValidIPOrCIDR checks if a string is a valid IP address or CIDR
func isValidIPOrCIDR(ipStr string) bool {
	if ip := net.ParseIP(ipStr); ip != nil {
		return true
	}
	if _, _, err := net.ParseCIDR(ipStr); err == nil {
		return true
	}
	return false
}

func validateMongoURI(uri string) error {
	if !strings.HasPrefix(uri, "mongodb://") && !strings.HasPrefix(uri, "mongodb+srv://") {
		return fmt.Errorf("invalid audit.mongodb.uri: must start with mongodb:// or mongodb+srv://")
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid audit.mongodb.uri: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid audit.mongodb.uri: missing host")
	}
	return nil
}
