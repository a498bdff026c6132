package ratelimit

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"medgate/config"
	"medgate/core"
	"medgate/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Tier is one budget: Limit admissions per trailing Window
type Tier struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Limiter selects a tier per route class and checks it against a Store.
// Tiers never share a counter: the bucket key carries the tier name.
type Limiter struct {
	auth      Tier
	sensitive Tier
	standard  Tier
	store     Store
	global    *rate.Limiter
	exempt    []netip.Prefix
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// NewLimiter builds the tiered limiter from configuration
func NewLimiter(cfg config.RateLimitConfig, store Store, logger *zap.SugaredLogger) (*Limiter, error) {
	exempt, err := parsePrefixes(cfg.ExemptIPs)
	if err != nil {
		return nil, err
	}
	l := &Limiter{
		auth:      Tier{Name: "auth", Limit: cfg.Auth.Limit, Window: cfg.Auth.Window},
		sensitive: Tier{Name: "sensitive", Limit: cfg.Sensitive.Limit, Window: cfg.Sensitive.Window},
		standard:  Tier{Name: "standard", Limit: cfg.Standard.Limit, Window: cfg.Standard.Window},
		store:     store,
		global:    rate.NewLimiter(rate.Limit(cfg.Global.RequestsPerSecond), cfg.Global.Burst),
		exempt:    exempt,
		now:       time.Now,
		logger:    logger,
	}
	for _, t := range []Tier{l.auth, l.sensitive, l.standard} {
		if t.Limit < 1 || t.Window <= 0 {
			return nil, fmt.Errorf("rate limit tier %s needs a positive limit and window", t.Name)
		}
	}
	return l, nil
}

// TierFor maps a route class to its budget. Public routes share the
// standard budget; emergency access is held to the sensitive one.
func (l *Limiter) TierFor(class core.RouteClass) Tier {
	switch class {
	case core.RouteClassAuth:
		return l.auth
	case core.RouteClassSensitive, core.RouteClassEmergency:
		return l.sensitive
	default:
		return l.standard
	}
}

// Allow checks and records one attempt for scope on the tier of class.
// An error means no decision could be made; callers must not admit.
func (l *Limiter) Allow(ctx context.Context, scope string, class core.RouteClass) (Decision, error) {
	tier := l.TierFor(class)
	key := core.RateLimitCacheKey(core.RouteClass(tier.Name), scope)

	d, err := l.store.Hit(ctx, key, tier.Limit, tier.Window, l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", tier.Name, err)
	}
	if !d.Allowed {
		metrics.RateLimitDenials.WithLabelValues(tier.Name).Inc()
		l.logger.Debugw("Rate limit exceeded",
			"tier", tier.Name,
			"scope", scope,
			"retry_after", d.RetryAfter)
	}
	return d, nil
}

// AllowGlobal spends one token from the process-wide bucket unless ip is
// in an exempt network
func (l *Limiter) AllowGlobal(ip string) bool {
	if l.IsExempt(ip) {
		return true
	}
	if l.global.Allow() {
		return true
	}
	metrics.RateLimitDenials.WithLabelValues("global").Inc()
	return false
}

// GlobalRetryAfter is the wait until the global bucket has a token again
func (l *Limiter) GlobalRetryAfter() time.Duration {
	r := l.global.Reserve()
	defer r.Cancel()
	return r.Delay()
}

// IsExempt reports whether ip is inside a configured exempt network
func (l *Limiter) IsExempt(ip string) bool {
	if len(l.exempt) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.exempt {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parsePrefixes accepts bare addresses and CIDR blocks
func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid exempt address %q", e)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
