// Package runtime defines the contracts shared by the graph executor, node evaluators
// and the capability providers they call, keeping detection logic decoupled from
// execution mechanics.
package runtime

import (
	"context"
	"time"

	"github.com/polisai/polis-defense/pkg/domain"
)

// DefenseOutcome is the result shape every capability returns.
type DefenseOutcome struct {
	ScoreDelta float64
	Blocked    bool
	Flags      []string
	Details    map[string]any
}

// Neutral returns an outcome that neither scores nor blocks.
func Neutral(flags ...string) DefenseOutcome {
	return DefenseOutcome{Flags: flags}
}

// Capability is the narrow synchronous interface a defense node calls. Implementations
// must honour ctx cancellation; the evaluator additionally bounds every call with its
// own timeout.
type Capability interface {
	Check(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config) (DefenseOutcome, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config) (DefenseOutcome, error)

// Check implements Capability.
func (f CapabilityFunc) Check(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config) (DefenseOutcome, error) {
	return f(ctx, facts, cfg)
}

// Observer runs the side effect of an observation node. It must not block.
type Observer interface {
	Observe(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config) {
	f(ctx, facts, cfg)
}

// Clock supplies wall-clock time to the executor.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

type dryRunKey struct{}

// WithDryRun marks ctx as a simulation: stateful capabilities must not consume quota or
// record state.
func WithDryRun(ctx context.Context) context.Context {
	return context.WithValue(ctx, dryRunKey{}, true)
}

// IsDryRun reports whether ctx belongs to a simulation.
func IsDryRun(ctx context.Context) bool {
	v, _ := ctx.Value(dryRunKey{}).(bool)
	return v
}
