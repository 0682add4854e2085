package capability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-defense/internal/governance"
	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/nodes"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// Deps wires the optional backends of the default capabilities.
type Deps struct {
	Clock  runtime.Clock
	Logger *slog.Logger
	// Reputation backs ip_reputation. Nil uses an empty in-memory list.
	Reputation ReputationStore
	// Counter backs rate_limiter. Nil uses an in-memory token bucket per key.
	Counter RateCounter
	// Geo backs geoip. Nil leaves geoip neutral.
	Geo GeoResolver
	// Breakers guard the networked backends. Nil disables circuit breaking.
	Breakers *governance.CircuitBreakerManager
	// Overrides replace the default capability of a defense type.
	Overrides map[domain.DefenseType]runtime.Capability
}

// Defaults builds a capability set holding one implementation per defense type.
func Defaults(deps Deps) (*nodes.CapabilitySet, error) {
	clock := deps.Clock
	if clock == nil {
		clock = runtime.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reputation := deps.Reputation
	if reputation == nil {
		reputation = NewMemoryReputation()
	}
	counter := deps.Counter
	if counter == nil {
		counter = NewMemoryCounter(governance.RateLimiterConfig{}, clock)
	}

	set := nodes.NewCapabilitySet()
	caps := map[domain.DefenseType]runtime.Capability{
		domain.DefenseIPAllowlist:       runtime.CapabilityFunc(ipAllowlist),
		domain.DefenseGeoIP:             &GeoIP{Resolver: deps.Geo},
		domain.DefenseIPReputation:      &IPReputation{Store: reputation},
		domain.DefenseTimingToken:       &TimingToken{Clock: clock},
		domain.DefenseBehavioral:        runtime.CapabilityFunc(behavioral),
		domain.DefenseHoneypot:          runtime.CapabilityFunc(honeypot),
		domain.DefenseKeywordFilter:     runtime.CapabilityFunc(keywordFilter),
		domain.DefenseContentHash:       runtime.CapabilityFunc(contentHash),
		domain.DefenseExpectedFields:    runtime.CapabilityFunc(expectedFields),
		domain.DefensePatternScan:       NewPatternScan(logger),
		domain.DefenseDisposableEmail:   runtime.CapabilityFunc(disposableEmail),
		domain.DefenseFieldAnomalies:    runtime.CapabilityFunc(fieldAnomalies),
		domain.DefenseFingerprint:       runtime.CapabilityFunc(fingerprint),
		domain.DefenseHeaderConsistency: runtime.CapabilityFunc(headerConsistency),
		domain.DefenseRateLimiter:       &RateLimiter{Counter: counter},
	}
	for d, c := range deps.Overrides {
		caps[d] = c
	}

	for _, d := range domain.DefenseTypes() {
		c, ok := caps[d]
		if !ok {
			continue
		}
		if deps.Breakers != nil && networked(d, deps) {
			c = Guard(deps.Breakers.Get(string(d)), c)
		}
		if err := set.Register(d, c); err != nil {
			return nil, fmt.Errorf("register %s: %w", d, err)
		}
	}
	return set, nil
}

func networked(d domain.DefenseType, deps Deps) bool {
	if _, ok := deps.Overrides[d]; ok {
		return true
	}
	switch d {
	case domain.DefenseIPReputation:
		return deps.Reputation != nil
	case domain.DefenseRateLimiter:
		return deps.Counter != nil
	case domain.DefenseGeoIP:
		return deps.Geo != nil
	}
	return false
}

// Guard runs c under cb. While the circuit is open calls fail fast with
// governance.ErrCircuitOpen, which the defense evaluator reports as circuit_open.
func Guard(cb *governance.CircuitBreaker, c runtime.Capability) runtime.Capability {
	return runtime.CapabilityFunc(func(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
		var out runtime.DefenseOutcome
		err := cb.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = c.Check(ctx, facts, cfg)
			return err
		})
		return out, err
	})
}

// scored builds the usual outcome of a detection: score, optional block and flags.
func scored(cfg domain.Config, score float64, flags ...string) runtime.DefenseOutcome {
	return runtime.DefenseOutcome{
		ScoreDelta: score,
		Blocked:    cfg.Bool("block", false),
		Flags:      flags,
	}
}
