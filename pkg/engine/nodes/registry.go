// Package nodes implements one statically typed evaluator per graph node kind.
package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// DefaultCapabilityTimeout bounds a capability call when neither the node nor the
// registry configures one.
const DefaultCapabilityTimeout = 20 * time.Millisecond

// Scope is the per-execution state evaluators read. It is owned by one executor run.
type Scope struct {
	Facts     *domain.RequestFacts
	ProfileID string
	// Deadline is the wall-clock budget of the current profile execution.
	Deadline time.Time
	Clock    runtime.Clock
	// Accumulated is the running score of the defense nodes evaluated so far.
	Accumulated float64
	// Input returns the result of an operator input, evaluating it on demand when it
	// was not visited on the current path.
	Input func(ctx context.Context, id string) (domain.NodeResult, error)
}

func (s *Scope) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

// Evaluator evaluates one node kind. A returned error is a runtime failure of the
// graph, not of a capability: capability failures are absorbed into neutral results.
type Evaluator interface {
	Evaluate(ctx context.Context, node domain.Node, scope *Scope) (domain.NodeResult, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, node domain.Node, scope *Scope) (domain.NodeResult, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, node domain.Node, scope *Scope) (domain.NodeResult, error) {
	return f(ctx, node, scope)
}

// Config wires the default evaluators.
type Config struct {
	Capabilities      *CapabilitySet
	Dispatcher        *Dispatcher
	CapabilityTimeout time.Duration
	Logger            *slog.Logger
	// OnCapabilityError is called for every absorbed capability failure.
	OnCapabilityError func(defense domain.DefenseType, err error)
}

// Registry maps the closed set of node kinds to evaluators.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[domain.NodeKind]Evaluator
}

// NewRegistry returns a registry populated with the default evaluator of every kind.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	caps := cfg.Capabilities
	if caps == nil {
		caps = NewCapabilitySet()
	}
	timeout := cfg.CapabilityTimeout
	if timeout <= 0 {
		timeout = DefaultCapabilityTimeout
	}

	r := &Registry{evaluators: make(map[domain.NodeKind]Evaluator, 5)}
	_ = r.Register(domain.KindStart, EvaluatorFunc(evaluateStart))
	_ = r.Register(domain.KindDefense, &DefenseEvaluator{
		capabilities: caps,
		timeout:      timeout,
		logger:       logger,
		onError:      cfg.OnCapabilityError,
	})
	_ = r.Register(domain.KindOperator, EvaluatorFunc(evaluateOperator))
	_ = r.Register(domain.KindAction, EvaluatorFunc(evaluateAction))
	_ = r.Register(domain.KindObservation, &ObservationEvaluator{dispatcher: cfg.Dispatcher})
	return r
}

// Register adds or replaces the evaluator of a node kind. Unknown kinds are rejected.
func (r *Registry) Register(kind domain.NodeKind, ev Evaluator) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown node kind %q", domain.ErrConfigInvalid, kind)
	}
	if ev == nil {
		return fmt.Errorf("%w: nil evaluator for %q", domain.ErrConfigInvalid, kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[kind] = ev
	return nil
}

// Resolve returns the evaluator registered for kind.
func (r *Registry) Resolve(kind domain.NodeKind) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.evaluators[kind]
	return ev, ok
}

func evaluateStart(_ context.Context, node domain.Node, _ *Scope) (domain.NodeResult, error) {
	return domain.NodeResult{NodeID: node.NodeID(), Kind: domain.KindStart, Output: domain.OutputNext}, nil
}
