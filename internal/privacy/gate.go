// Package privacy implements the runtime-togglable outbound endpoint filter.
// Tools classified as network must consult the gate before issuing requests.
package privacy

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
)

// DefaultWhitelist is the built-in set of allowed endpoints.
var DefaultWhitelist = []string{
	"127.0.0.1",
	"localhost",
	"192.168.0.0/16",
	"10.0.0.0/8",
	"172.16.0.0/12",
}

// Gate checks outbound endpoints against a whitelist of hostnames, IPs and
// CIDR ranges. DNS resolutions are cached until privacy mode is toggled.
type Gate struct {
	logger *slog.Logger
	lookup func(host string) ([]net.IP, error)

	mu       sync.Mutex
	enabled  bool
	hosts    map[string]struct{}
	ips      []net.IP
	nets     []*net.IPNet
	dnsCache map[string]bool
}

// Option configures the gate.
type Option func(*Gate)

// WithLogger configures the gate logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithLookup overrides DNS resolution for tests.
func WithLookup(lookup func(host string) ([]net.IP, error)) Option {
	return func(g *Gate) {
		if lookup != nil {
			g.lookup = lookup
		}
	}
}

// NewGate creates a gate from a whitelist. Empty whitelist entries are
// skipped; a nil whitelist uses the defaults. The enabled flag is the
// initial privacy mode and is never persisted back.
func NewGate(whitelist []string, enabled bool, opts ...Option) *Gate {
	g := &Gate{
		logger:   slog.Default().With("component", "privacy"),
		lookup:   net.LookupIP,
		enabled:  enabled,
		hosts:    map[string]struct{}{},
		dnsCache: map[string]bool{},
	}
	for _, opt := range opts {
		opt(g)
	}

	if whitelist == nil {
		whitelist = DefaultWhitelist
	}
	for _, entry := range whitelist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			g.nets = append(g.nets, cidr)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			g.ips = append(g.ips, ip)
			continue
		}
		g.hosts[entry] = struct{}{}
	}
	return g
}

// Enabled reports whether privacy mode is on.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// SetEnabled toggles privacy mode and invalidates the DNS cache.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	g.dnsCache = map[string]bool{}
	g.mu.Unlock()
}

// IsAllowedEndpoint reports whether a URL or bare hostname may be contacted.
// With privacy mode off, everything is allowed.
func (g *Gate) IsAllowedEndpoint(urlOrHost string) bool {
	g.mu.Lock()
	enabled := g.enabled
	g.mu.Unlock()
	if !enabled {
		return true
	}

	host := extractHost(urlOrHost)
	if host == "" {
		g.logger.Info("privacy gate denied unparsable endpoint", "endpoint", urlOrHost)
		return false
	}

	g.mu.Lock()
	if _, ok := g.hosts[host]; ok {
		g.mu.Unlock()
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		allowed := g.ipAllowedLocked(ip)
		g.mu.Unlock()
		if !allowed {
			g.logger.Info("privacy gate denied IP endpoint", "host", host)
		}
		return allowed
	}
	if cached, ok := g.dnsCache[host]; ok {
		g.mu.Unlock()
		return cached
	}
	g.mu.Unlock()

	// Resolve outside the lock; resolution can be slow.
	allowed := false
	if ips, err := g.lookup(host); err == nil {
		for _, ip := range ips {
			g.mu.Lock()
			ok := g.ipAllowedLocked(ip)
			g.mu.Unlock()
			if ok {
				allowed = true
				break
			}
		}
	}

	g.mu.Lock()
	g.dnsCache[host] = allowed
	g.mu.Unlock()

	if !allowed {
		g.logger.Info("privacy gate denied endpoint", "host", host)
	}
	return allowed
}

func (g *Gate) ipAllowedLocked(ip net.IP) bool {
	for _, allowed := range g.ips {
		if allowed.Equal(ip) {
			return true
		}
	}
	for _, cidr := range g.nets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// extractHost parses urlOrHost into a lowercase hostname, accepting full
// URLs, host:port pairs and bare hostnames or IPs.
func extractHost(urlOrHost string) string {
	value := strings.TrimSpace(urlOrHost)
	if value == "" {
		return ""
	}
	if strings.Contains(value, "://") {
		parsed, err := url.Parse(value)
		if err != nil || parsed.Hostname() == "" {
			return ""
		}
		return strings.ToLower(parsed.Hostname())
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(strings.TrimSuffix(value, "."))
}
