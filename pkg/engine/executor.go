package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/nodes"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
	"github.com/polisai/polis-defense/pkg/telemetry"
)

const tracerName = "defense.engine"

// Budget reasons reported by BudgetExceededError.
const (
	BudgetDeadline   = "deadline"
	BudgetNodeVisits = "node_visits"
)

// Executor walks one validated profile graph from its start node to an action node.
type Executor struct {
	registry  *nodes.Registry
	clock     runtime.Clock
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	maxVisits int
}

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	Registry *nodes.Registry
	Clock    runtime.Clock
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	// MaxNodeVisits bounds the nodes one execution may evaluate, on-demand inputs included.
	MaxNodeVisits int
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = runtime.SystemClock{}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = nodes.NewRegistry(nodes.Config{Logger: logger})
	}
	maxVisits := cfg.MaxNodeVisits
	if maxVisits <= 0 {
		maxVisits = domain.DefaultMaxNodeVisits
	}
	return &Executor{
		registry:  registry,
		clock:     clock,
		logger:    logger,
		metrics:   cfg.Metrics,
		maxVisits: maxVisits,
	}
}

// Execute runs g, the effective graph of profile, against facts. The graph must have
// passed validation. Execute never returns an error: budget overruns, cancellation and
// runtime failures all produce the profile's default action with a matching flag.
func (e *Executor) Execute(ctx context.Context, profile *domain.DefenseProfile, g domain.Graph, facts *domain.RequestFacts) (result domain.ProfileResult) {
	started := e.clock.Now()
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "defense.profile", trace.WithAttributes(
		attribute.String("profile.id", profile.ID),
		attribute.Int("profile.priority", profile.Priority),
	))

	r := &run{
		exec:       e,
		profile:    profile,
		index:      g.Index(),
		results:    make(map[string]domain.NodeResult, len(g.Nodes)),
		inProgress: make(map[string]bool),
		deadline:   started.Add(profile.Settings.Budget()),
		tracer:     tracer,
	}
	r.scope = nodes.Scope{
		Facts:     facts,
		ProfileID: profile.ID,
		Deadline:  r.deadline,
		Clock:     e.clock,
		Input:     r.input,
	}

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("profile execution panicked", "profile_id", profile.ID, "panic", rec)
			result = r.fallback(domain.ErrorKindExecution, fmt.Errorf("panic: %v", rec))
		}
		result.NodesExecuted = r.visits
		result.ExecutionTimeMS = float64(e.clock.Now().Sub(started)) / float64(time.Millisecond)
		result.Trace = r.trace

		span.SetAttributes(
			attribute.String("decision.action", string(result.Action)),
			attribute.Float64("decision.score", result.Score),
			attribute.Int("profile.nodes_executed", result.NodesExecuted),
		)
		if result.ErrorKind != domain.ErrorKindNone {
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()

		telemetry.RecordProfileMetrics(ctx, telemetry.ProfileMetrics{
			ProfileID: profile.ID,
			Action:    string(result.Action),
			ErrorKind: string(result.ErrorKind),
			Nodes:     result.NodesExecuted,
			Duration:  e.clock.Now().Sub(started),
		})
		outcome := string(result.Action)
		if result.ErrorKind != domain.ErrorKindNone {
			outcome = string(result.ErrorKind)
		}
		e.metrics.IncProfileRun(profile.ID, outcome)
	}()

	start, ok := g.Start()
	if !ok {
		return r.fallback(domain.ErrorKindConfiguration, &domain.ConfigurationError{Subject: profile.ID, Reason: "graph has no start node"})
	}
	return r.walk(ctx, start)
}

// run is the state of one profile execution. It is confined to one goroutine.
type run struct {
	exec       *Executor
	profile    *domain.DefenseProfile
	index      map[string]domain.Node
	results    map[string]domain.NodeResult
	inProgress map[string]bool
	visits     int
	deadline   time.Time
	trace      []domain.TraceEntry
	flags      []string
	scope      nodes.Scope
	tracer     trace.Tracer
}

func (r *run) walk(ctx context.Context, node domain.Node) domain.ProfileResult {
	for {
		if err := r.checkpoint(ctx); err != nil {
			return r.fail(err)
		}

		res, err := r.visit(ctx, node, false)
		if err != nil {
			return r.fail(err)
		}

		if node.Kind() == domain.KindAction {
			return r.decide(res)
		}

		var nextID string
		var ok bool
		if node.Kind() == domain.KindOperator {
			nextID, ok = node.Targets()[res.Output]
		} else {
			// Single-output kinds follow their only edge whatever its label.
			nextID, ok = domain.SingleTarget(node)
		}
		if !ok {
			return r.fail(fmt.Errorf("node %q has no output %q", node.NodeID(), res.Output))
		}
		next, ok := r.index[nextID]
		if !ok {
			return r.fail(fmt.Errorf("node %q routes to unknown node %q", node.NodeID(), nextID))
		}
		node = next
	}
}

// checkpoint enforces cancellation and the wall-clock budget between node visits.
func (r *run) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.exec.clock.Now().Before(r.deadline) {
		return &domain.BudgetExceededError{Reason: BudgetDeadline, Limit: int64(r.profile.Settings.Budget() / time.Millisecond)}
	}
	return nil
}

// visit evaluates node once. Results are memoised so an operator input evaluated on
// demand is not re-run when the walk reaches it; every visit still counts against the
// ceiling.
func (r *run) visit(ctx context.Context, node domain.Node, onDemand bool) (domain.NodeResult, error) {
	id := node.NodeID()
	r.visits++
	if r.visits > r.exec.maxVisits {
		return domain.NodeResult{}, &domain.BudgetExceededError{Reason: BudgetNodeVisits, Limit: int64(r.exec.maxVisits)}
	}
	if res, ok := r.results[id]; ok {
		return res, nil
	}

	evaluator, ok := r.exec.registry.Resolve(node.Kind())
	if !ok {
		return domain.NodeResult{}, fmt.Errorf("no evaluator registered for %s node %q", node.Kind(), id)
	}

	started := r.exec.clock.Now()
	nodeCtx, span := r.tracer.Start(ctx, "defense.node", trace.WithAttributes(
		attribute.String("node.id", id),
		attribute.String("node.kind", string(node.Kind())),
		attribute.Bool("node.on_demand", onDemand),
	))

	r.inProgress[id] = true
	r.scope.Accumulated = r.accumulated()
	res, err := evaluator.Evaluate(nodeCtx, node, &r.scope)
	delete(r.inProgress, id)
	elapsed := r.exec.clock.Now().Sub(started)

	outcome := telemetry.OutcomeOK
	switch {
	case err != nil:
		outcome = telemetry.OutcomeRuntimeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case domain.HasFlag(res.Flags, domain.FlagEvaluatorError):
		outcome = telemetry.OutcomeEvaluatorError
		span.SetStatus(codes.Error, domain.FlagEvaluatorError)
	}
	span.SetAttributes(attribute.String("node.outcome", outcome), attribute.Float64("node.score_delta", res.ScoreDelta))
	span.End()

	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		ProfileID: r.profile.ID,
		NodeID:    id,
		NodeKind:  string(node.Kind()),
		Mechanism: mechanism(node),
		Outcome:   outcome,
		OnDemand:  onDemand,
		Duration:  elapsed,
	})
	if outcome == telemetry.OutcomeEvaluatorError {
		r.exec.metrics.IncEvaluatorError(mechanism(node))
	}

	if err != nil {
		return res, err
	}

	r.results[id] = res
	r.flags = domain.AppendFlags(r.flags, res.Flags...)
	r.trace = append(r.trace, domain.TraceEntry{
		NodeID:    id,
		Kind:      node.Kind(),
		Result:    res,
		ElapsedUS: elapsed.Microseconds(),
		OnDemand:  onDemand,
	})
	return res, nil
}

// input resolves an operator input, evaluating it on demand when the walk took a path
// that skipped it.
func (r *run) input(ctx context.Context, id string) (domain.NodeResult, error) {
	if res, ok := r.results[id]; ok {
		return res, nil
	}
	if r.inProgress[id] {
		return domain.NodeResult{}, fmt.Errorf("input %q depends on itself", id)
	}
	node, ok := r.index[id]
	if !ok {
		return domain.NodeResult{}, fmt.Errorf("input %q does not exist", id)
	}
	if err := r.checkpoint(ctx); err != nil {
		return domain.NodeResult{}, err
	}
	return r.visit(ctx, node, true)
}

// accumulated sums the score deltas of every defense node evaluated so far, in trace
// order so the float result is stable across runs.
func (r *run) accumulated() float64 {
	var total float64
	for _, entry := range r.trace {
		if entry.Kind == domain.KindDefense {
			total += entry.Result.ScoreDelta
		}
	}
	return total
}

func (r *run) decide(res domain.NodeResult) domain.ProfileResult {
	d := res.Decision
	if d == nil {
		return r.fail(fmt.Errorf("action node %q produced no decision", res.NodeID))
	}
	return domain.ProfileResult{
		ProfileID:     r.profile.ID,
		Action:        d.Action,
		Score:         d.Score,
		Blocked:       res.Blocked,
		Flags:         domain.AppendFlags(append([]string(nil), r.flags...), d.Flags...),
		Reason:        d.Reason,
		TarpitDelayMS: d.TarpitDelayMS,
		Details:       d.Details,
	}
}

// fail classifies err and returns the profile's fallback result.
func (r *run) fail(err error) domain.ProfileResult {
	var budget *domain.BudgetExceededError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return r.fallback(domain.ErrorKindCanceled, err)
	case errors.As(err, &budget):
		r.exec.metrics.IncBudgetExceeded(budget.Reason)
		return r.fallback(domain.ErrorKindBudget, err)
	default:
		return r.fallback(domain.ErrorKindExecution, err)
	}
}

func (r *run) fallback(kind domain.ErrorKind, err error) domain.ProfileResult {
	action := r.profile.Settings.Fallback()
	flags := append([]string(nil), r.flags...)
	switch kind {
	case domain.ErrorKindBudget:
		flags = domain.AppendFlags(flags, domain.FlagBudgetExceeded)
		var budget *domain.BudgetExceededError
		if errors.As(err, &budget) && budget.Reason == BudgetNodeVisits {
			flags = domain.AppendFlags(flags, domain.FlagExecutionError)
		}
	case domain.ErrorKindCanceled:
		flags = domain.AppendFlags(flags, domain.FlagCanceled)
	case domain.ErrorKindConfiguration:
		flags = domain.AppendFlags(flags, domain.FlagConfigurationError)
	default:
		flags = domain.AppendFlags(flags, domain.FlagExecutionError)
	}

	r.exec.logger.Warn("profile execution fell back to default action",
		"profile_id", r.profile.ID,
		"error_kind", kind,
		"default_action", action,
		"nodes_executed", r.visits,
		"error", err,
	)

	res := domain.ProfileResult{
		ProfileID: r.profile.ID,
		Action:    action,
		Score:     r.accumulated(),
		Blocked:   action == domain.ActionBlock,
		Flags:     flags,
		Fallback:  true,
		ErrorKind: kind,
		Error:     err.Error(),
	}
	if action == domain.ActionTarpit {
		res.TarpitDelayMS = nodes.DefaultTarpitDelayMS
	}
	return res
}

// FallbackResult is the result of a profile that could not be executed at all.
func FallbackResult(profile *domain.DefenseProfile, kind domain.ErrorKind, err error, flags ...string) domain.ProfileResult {
	action := profile.Settings.Fallback()
	res := domain.ProfileResult{
		ProfileID: profile.ID,
		Action:    action,
		Blocked:   action == domain.ActionBlock,
		Flags:     domain.AppendFlags(nil, flags...),
		Fallback:  true,
		ErrorKind: kind,
		Error:     err.Error(),
	}
	if action == domain.ActionTarpit {
		res.TarpitDelayMS = nodes.DefaultTarpitDelayMS
	}
	return res
}

func mechanism(node domain.Node) string {
	switch n := node.(type) {
	case *domain.DefenseNode:
		return string(n.Defense)
	case *domain.OperatorNode:
		return string(n.Operator)
	case *domain.ActionNode:
		return string(n.Action)
	case *domain.ObservationNode:
		return string(n.Mechanism)
	}
	return string(node.Kind())
}
