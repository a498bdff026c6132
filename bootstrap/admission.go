package bootstrap

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"medgate/admission"
	"medgate/api"
	"medgate/audit"
	"medgate/auth"
	"medgate/authz"
	"medgate/config"
	"medgate/ratelimit"
	"medgate/scanner"

	"go.uber.org/zap"
)

// TokenComponents holds the key material and token services
type TokenComponents struct {
	Keys        *auth.KeySet
	Issuer      *auth.Issuer
	Validator   *auth.Validator
	Revocations *auth.RevocationList

	cfg     *config.Config
	secrets config.SecretManager
}

// InitTokens loads signing keys from the configured secret provider
func InitTokens(cfg *config.Config, sugar *zap.SugaredLogger) (*TokenComponents, error) {
	manager, err := config.NewSecretManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret manager: %w", err)
	}
	keys, err := config.LoadSigningKeys(cfg, manager)
	if err != nil {
		return nil, err
	}
	primary := primaryKeyID(cfg)
	keySet, err := auth.NewKeySet(keys, primary)
	if err != nil {
		return nil, err
	}
	sugar.Infow("Signing keys loaded", "primary_kid", primary, "keys", len(keys))

	revocations := auth.NewRevocationList()
	return &TokenComponents{
		Keys:   keySet,
		Issuer: auth.NewIssuer(keySet, cfg.Auth.JWTIssuer, cfg.Auth.JWTExpiry),
		Validator: auth.NewValidator(keySet,
			auth.WithIssuer(cfg.Auth.JWTIssuer),
			auth.WithRevocationList(revocations)),
		Revocations: revocations,
		cfg:         cfg,
		secrets:     manager,
	}, nil
}

func primaryKeyID(cfg *config.Config) string {
	if cfg.Auth.JWTKeyID == "" {
		return "primary"
	}
	return cfg.Auth.JWTKeyID
}

// ReloadKeys re-reads the signing keys from the secret provider. A changed
// primary secret is rotated in under a derived key id so tokens signed by
// the outgoing primary verify until the next reload. Every other id missing
// from the fresh set is retired.
func (t *TokenComponents) ReloadKeys(sugar *zap.SugaredLogger) (bool, error) {
	keys, err := config.LoadSigningKeys(t.cfg, t.secrets)
	if err != nil {
		return false, err
	}
	base := primaryKeyID(t.cfg)
	fresh := keys[base]
	outgoing, current := t.Keys.Primary()

	rotated := !hmac.Equal(current, fresh)
	primary := outgoing
	if rotated {
		sum := sha256.Sum256(fresh)
		primary = base + "-" + hex.EncodeToString(sum[:4])
		t.Keys.Rotate(primary, fresh)
	}

	keep := map[string]bool{primary: true, outgoing: true}
	for kid, secret := range keys {
		if kid == base {
			continue
		}
		keep[kid] = true
		t.Keys.Add(kid, secret)
	}
	var retired []string
	for _, kid := range t.Keys.IDs() {
		if !keep[kid] && t.Keys.Retire(kid) {
			retired = append(retired, kid)
		}
	}
	sugar.Infow("Signing keys reloaded", "primary_kid", primary, "rotated", rotated, "retired", retired)
	return rotated, nil
}

// ScannerConfig maps the security settings onto scanner limits
func ScannerConfig(cfg config.SecurityConfig) scanner.Config {
	sc := scanner.DefaultConfig()
	sc.MaxBodyBytes = cfg.MaxBodyBytes
	sc.MaxJSONDepth = cfg.MaxJSONDepth
	sc.MaxDecodePasses = cfg.MaxDecodePasses
	sc.RegexTimeout = cfg.RegexTimeout
	if len(cfg.LDAPParams) > 0 {
		sc.IdentityParams = cfg.LDAPParams
	}
	for _, r := range cfg.CustomRules {
		sc.CustomRules = append(sc.CustomRules, scanner.RuleSpec{
			Name:     r.Name,
			Category: r.Category,
			Pattern:  r.Pattern,
		})
	}
	return sc
}

// InitAPI assembles the admission pipeline and the HTTP surface over it
func InitAPI(cfg *config.Config, st *StorageComponents, tokens *TokenComponents, emitter audit.Emitter, sugar *zap.SugaredLogger) (*api.API, error) {
	gate, err := authz.NewGate(st.Roles, st.Users, st.Users, emitter, cfg.BreakGlass, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize authorization gate: %w", err)
	}
	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, st.RateStore, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	lockout := ratelimit.NewLockoutTracker(st.LockoutStore,
		cfg.Auth.LockoutThreshold, cfg.Auth.LockoutDuration, cfg.Auth.LockoutPolicy, sugar)

	sc, err := scanner.New(ScannerConfig(cfg.Security))
	if err != nil {
		return nil, fmt.Errorf("failed to compile scanner rules: %w", err)
	}
	ips, err := admission.NewClientIPResolver(cfg.API)
	if err != nil {
		return nil, err
	}
	table, err := api.NewRouteTable()
	if err != nil {
		return nil, err
	}

	pipeline, err := admission.New(admission.Deps{
		Routes:   table,
		Scanner:  sc,
		Tokens:   tokens.Validator,
		Limiter:  limiter,
		Gate:     gate,
		Branches: st.Patients,
		ClientIP: ips,
		Emitter:  emitter,
		Logger:   sugar,
	})
	if err != nil {
		return nil, err
	}

	var reader api.AuditReader
	if r, ok := st.AuditSink.(api.AuditReader); ok {
		reader = r
	} else {
		sugar.Infow("Audit sink does not support queries; the audit endpoint is unavailable", "sink", st.AuditSink.Name())
	}

	server, err := api.NewAPI(api.Deps{
		Config:      cfg,
		Pipeline:    pipeline,
		Users:       st.Users,
		Patients:    st.Patients,
		Lockout:     lockout,
		Tokens:      tokens.Issuer,
		BreakGlass:  gate,
		AuditReader: reader,
		Revoker:     tokens.Revocations,
		Emitter:     emitter,
		Logger:      sugar,
	})
	if err != nil {
		return nil, err
	}
	return server, nil
}
