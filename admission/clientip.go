package admission

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"medgate/config"
)

// ClientIPResolver decides which address a request is attributed to.
// Forwarded headers are only read when the direct peer is a trusted proxy,
// and then only at the configured hop counted from the right, because
// everything left of that hop is client-controlled.
type ClientIPResolver struct {
	trustProxy bool
	trusted    []netip.Prefix
	hops       int
}

// NewClientIPResolver builds a resolver from the API configuration
func NewClientIPResolver(cfg config.APIConfig) (*ClientIPResolver, error) {
	c := &ClientIPResolver{trustProxy: cfg.TrustProxy, hops: cfg.TrustedHops}
	if c.hops < 1 {
		c.hops = 1
	}
	for _, n := range cfg.TrustedProxyNetworks {
		p, err := parsePrefix(n)
		if err != nil {
			return nil, err
		}
		c.trusted = append(c.trusted, p)
	}
	return c, nil
}

// ClientIP returns the canonical client address for r
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	peer := peerAddr(r.RemoteAddr)
	if !c.trustProxy || !c.isTrusted(peer) {
		return canonical(peer)
	}

	// Several X-Forwarded-For headers are one list
	var hops []string
	for _, h := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(h, ",") {
			hops = append(hops, strings.TrimSpace(part))
		}
	}
	idx := len(hops) - c.hops
	if idx < 0 {
		return canonical(peer)
	}
	if addr, err := netip.ParseAddr(hops[idx]); err == nil {
		return addr.Unmap().String()
	}
	return canonical(peer)
}

func (c *ClientIPResolver) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func peerAddr(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// canonical renders IPv4-mapped IPv6 as IPv4 so one client is one scope
func canonical(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().String()
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid trusted proxy network %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid trusted proxy address %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
