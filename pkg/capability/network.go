package capability

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// Flags raised by the network capabilities.
const (
	FlagIPAllowlisted = "ip_allowlisted"
	FlagIPListed      = "ip_listed"
	FlagGeoBlocked    = "geo_blocked"
	FlagGeoUnknown    = "geo_unknown"
)

// parsePrefix accepts a CIDR or a single address.
func parsePrefix(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func clientAddr(facts *domain.RequestFacts) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(facts.ClientIP))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// ipAllowlist lowers the score of trusted networks. The default score is -100 so a
// trusted client stays under any threshold the other defenses reach.
func ipAllowlist(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	addr, ok := clientAddr(facts)
	if !ok {
		return runtime.Neutral(), nil
	}
	for _, raw := range cfg.Strings("cidrs") {
		prefix, err := parsePrefix(raw)
		if err != nil {
			return runtime.DefenseOutcome{}, fmt.Errorf("ip_allowlist: bad cidr %q: %w", raw, err)
		}
		if prefix.Contains(addr) {
			return runtime.DefenseOutcome{
				ScoreDelta: cfg.Float("score", -100),
				Flags:      []string{FlagIPAllowlisted},
				Details:    map[string]any{"cidr": prefix.String()},
			}, nil
		}
	}
	return runtime.Neutral(), nil
}

// GeoResolver maps a client address to an ISO 3166 country code.
type GeoResolver interface {
	Country(ctx context.Context, addr netip.Addr) (string, error)
}

// StaticGeo resolves countries from a fixed prefix table. The most specific prefix wins.
type StaticGeo struct {
	prefixes []netip.Prefix
	codes    []string
}

// NewStaticGeo builds a resolver from prefix → country entries.
func NewStaticGeo(table map[string]string) (*StaticGeo, error) {
	g := &StaticGeo{}
	for raw, code := range table {
		p, err := parsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("geoip: bad prefix %q: %w", raw, err)
		}
		g.prefixes = append(g.prefixes, p)
		g.codes = append(g.codes, strings.ToUpper(code))
	}
	return g, nil
}

// Country implements GeoResolver.
func (g *StaticGeo) Country(_ context.Context, addr netip.Addr) (string, error) {
	best, code := -1, ""
	for i, p := range g.prefixes {
		if p.Contains(addr) && p.Bits() > best {
			best, code = p.Bits(), g.codes[i]
		}
	}
	return code, nil
}

// GeoIP scores clients from blocked countries, or from outside the allowed ones.
type GeoIP struct {
	Resolver GeoResolver
}

// Check implements runtime.Capability.
func (g *GeoIP) Check(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	addr, ok := clientAddr(facts)
	if g.Resolver == nil || !ok {
		return runtime.Neutral(FlagGeoUnknown), nil
	}
	country, err := g.Resolver.Country(ctx, addr)
	if err != nil {
		return runtime.DefenseOutcome{}, fmt.Errorf("geoip lookup: %w", err)
	}
	if country == "" {
		return runtime.Neutral(FlagGeoUnknown), nil
	}
	details := map[string]any{"country": country}

	for _, c := range cfg.Strings("blocked_countries") {
		if strings.EqualFold(c, country) {
			out := scored(cfg, cfg.Float("score", 50), FlagGeoBlocked)
			out.Details = details
			return out, nil
		}
	}
	if allowed := cfg.Strings("allowed_countries"); len(allowed) > 0 {
		for _, c := range allowed {
			if strings.EqualFold(c, country) {
				return runtime.DefenseOutcome{Details: details}, nil
			}
		}
		out := scored(cfg, cfg.Float("score", 50), FlagGeoBlocked)
		out.Details = details
		return out, nil
	}
	return runtime.DefenseOutcome{Details: details}, nil
}

// Reputation is what a reputation store knows about one address.
type Reputation struct {
	Listed bool
	// Score overrides the node's configured score when positive.
	Score  float64
	Reason string
}

// ReputationStore looks up client reputation.
type ReputationStore interface {
	Lookup(ctx context.Context, addr netip.Addr) (Reputation, error)
}

// MemoryReputation is an in-process block list of addresses and prefixes.
type MemoryReputation struct {
	mu      sync.RWMutex
	entries map[netip.Prefix]Reputation
}

// NewMemoryReputation returns an empty list.
func NewMemoryReputation() *MemoryReputation {
	return &MemoryReputation{entries: make(map[netip.Prefix]Reputation)}
}

// Add lists an address or prefix.
func (m *MemoryReputation) Add(raw string, rep Reputation) error {
	p, err := parsePrefix(raw)
	if err != nil {
		return err
	}
	rep.Listed = true
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p] = rep
	return nil
}

// Remove unlists an address or prefix.
func (m *MemoryReputation) Remove(raw string) {
	p, err := parsePrefix(raw)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, p)
}

// Lookup implements ReputationStore. The most specific listed prefix wins.
func (m *MemoryReputation) Lookup(_ context.Context, addr netip.Addr) (Reputation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := -1
	var found Reputation
	for p, rep := range m.entries {
		if p.Contains(addr) && p.Bits() > best {
			best, found = p.Bits(), rep
		}
	}
	return found, nil
}

// IPReputation scores listed clients.
type IPReputation struct {
	Store ReputationStore
}

// Check implements runtime.Capability.
func (r *IPReputation) Check(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	addr, ok := clientAddr(facts)
	if !ok || r.Store == nil {
		return runtime.Neutral(), nil
	}
	rep, err := r.Store.Lookup(ctx, addr)
	if err != nil {
		return runtime.DefenseOutcome{}, fmt.Errorf("ip_reputation lookup: %w", err)
	}
	if !rep.Listed {
		return runtime.Neutral(), nil
	}
	score := cfg.Float("score", 60)
	if rep.Score > 0 {
		score = rep.Score
	}
	out := runtime.DefenseOutcome{
		ScoreDelta: score,
		Blocked:    cfg.Bool("block_listed", false),
		Flags:      []string{FlagIPListed},
		Details:    map[string]any{},
	}
	if rep.Reason != "" {
		out.Details["reason"] = rep.Reason
	}
	return out, nil
}
