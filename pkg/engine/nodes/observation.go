package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// ObservationEvaluator hands facts to the observation dispatcher and always advances to
// the node's single output. It never changes score or action.
type ObservationEvaluator struct {
	dispatcher *Dispatcher
}

// Evaluate implements Evaluator.
func (e *ObservationEvaluator) Evaluate(ctx context.Context, node domain.Node, scope *Scope) (domain.NodeResult, error) {
	n, ok := node.(*domain.ObservationNode)
	if !ok {
		return domain.NodeResult{}, fmt.Errorf("observation evaluator received %s node %q", node.Kind(), node.NodeID())
	}
	if e.dispatcher != nil && !runtime.IsDryRun(ctx) {
		e.dispatcher.Dispatch(n.Mechanism, scope.Facts, n.Config)
	}
	return domain.NodeResult{NodeID: n.ID, Kind: domain.KindObservation, Output: domain.OutputNext}, nil
}

type observation struct {
	mechanism domain.ObservationType
	facts     *domain.RequestFacts
	cfg       domain.Config
}

// DispatcherConfig sizes the observation worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
	// OnDrop is called when the queue is full and an observation is discarded.
	OnDrop func(domain.ObservationType)
}

// Dispatcher runs observers asynchronously on a bounded worker pool. Dispatch never
// blocks the request path: observations are dropped when the queue is full.
type Dispatcher struct {
	observers map[domain.ObservationType]runtime.Observer
	queue     chan observation
	logger    *slog.Logger
	onDrop    func(domain.ObservationType)

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	started sync.Once
	workers int
}

// NewDispatcher creates a dispatcher. Call Start before dispatching and Close on shutdown.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		observers: make(map[domain.ObservationType]runtime.Observer),
		queue:     make(chan observation, cfg.QueueSize),
		logger:    logger,
		onDrop:    cfg.OnDrop,
		workers:   cfg.Workers,
	}
}

// Register installs the observer of a mechanism. It must be called before Start.
func (d *Dispatcher) Register(mechanism domain.ObservationType, observer runtime.Observer) error {
	if !mechanism.Valid() {
		return fmt.Errorf("%w: unknown observation mechanism %q", domain.ErrConfigInvalid, mechanism)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers[mechanism] = observer
	return nil
}

// Start launches the workers. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.started.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.work()
		}
	})
}

// Dispatch enqueues an observation. It reports false when the observation was dropped.
func (d *Dispatcher) Dispatch(mechanism domain.ObservationType, facts *domain.RequestFacts, cfg domain.Config) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- observation{mechanism: mechanism, facts: facts, cfg: cfg}:
		return true
	default:
		if d.onDrop != nil {
			d.onDrop(mechanism)
		}
		return false
	}
}

// Close stops accepting observations and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.Start()
	d.wg.Wait()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for obs := range d.queue {
		d.run(obs)
	}
}

func (d *Dispatcher) run(obs observation) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("observer panicked", "mechanism", obs.mechanism, "panic", r)
		}
	}()
	d.mu.RLock()
	observer, ok := d.observers[obs.mechanism]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug("no observer registered", "mechanism", obs.mechanism)
		return
	}
	observer.Observe(context.Background(), obs.facts, obs.cfg)
}
