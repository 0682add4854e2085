package nodes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-defense/internal/governance"
	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
	"github.com/polisai/polis-defense/pkg/graph"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func registryWith(t *testing.T, defense domain.DefenseType, c runtime.Capability) *Registry {
	t.Helper()
	caps := NewCapabilitySet()
	if c != nil {
		require.NoError(t, caps.Register(defense, c))
	}
	return NewRegistry(Config{Capabilities: caps, Logger: discard, CapabilityTimeout: 20 * time.Millisecond})
}

func evaluate(t *testing.T, r *Registry, node domain.Node, scope *Scope) (domain.NodeResult, error) {
	t.Helper()
	ev, ok := r.Resolve(node.Kind())
	require.True(t, ok)
	if scope == nil {
		scope = &Scope{}
	}
	return ev.Evaluate(context.Background(), node, scope)
}

func defenseNode(defense domain.DefenseType, cfg domain.Config) *domain.DefenseNode {
	return &domain.DefenseNode{
		NodeBase: domain.NodeBase{ID: "d", Outputs: map[string]string{"next": "a"}},
		Defense:  defense,
		Config:   cfg,
	}
}

func TestDefenseEvaluator_PassesThroughOutcome(t *testing.T) {
	r := registryWith(t, domain.DefenseKeywordFilter, runtime.CapabilityFunc(
		func(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
			return runtime.DefenseOutcome{ScoreDelta: 30, Flags: []string{"keyword_match"}, Details: map[string]any{"field": facts.Field("message")}}, nil
		}))
	scope := &Scope{Facts: &domain.RequestFacts{Fields: map[string][]string{"message": {"casino"}}}}

	res, err := evaluate(t, r, defenseNode(domain.DefenseKeywordFilter, nil), scope)
	require.NoError(t, err)
	assert.Equal(t, 30.0, res.ScoreDelta)
	assert.False(t, res.Blocked)
	assert.Equal(t, []string{"keyword_match"}, res.Flags)
	assert.Equal(t, "casino", res.Details["field"])
	assert.Equal(t, domain.OutputNext, res.Output)
}

func TestDefenseEvaluator_TimeoutIsNeutral(t *testing.T) {
	var failures []domain.DefenseType
	caps := NewCapabilitySet()
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, caps.Register(domain.DefenseIPReputation, runtime.CapabilityFunc(
		func(context.Context, *domain.RequestFacts, domain.Config) (runtime.DefenseOutcome, error) {
			<-release
			return runtime.DefenseOutcome{ScoreDelta: 100, Blocked: true}, nil
		})))
	r := NewRegistry(Config{
		Capabilities:      caps,
		Logger:            discard,
		OnCapabilityError: func(d domain.DefenseType, _ error) { failures = append(failures, d) },
	})

	start := time.Now()
	res, err := evaluate(t, r, defenseNode(domain.DefenseIPReputation, domain.Config{TimeoutKey: 10}), &Scope{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0.0, res.ScoreDelta)
	assert.False(t, res.Blocked)
	assert.Equal(t, []string{domain.FlagEvaluatorError, domain.FlagCapabilityTimeout}, res.Flags)
	assert.Equal(t, domain.OutputNext, res.Output)
	assert.Equal(t, []domain.DefenseType{domain.DefenseIPReputation}, failures)
}

func TestDefenseEvaluator_FailureModes(t *testing.T) {
	cases := map[string]struct {
		capability runtime.Capability
		flags      []string
	}{
		"missing capability": {nil, []string{domain.FlagEvaluatorError}},
		"error": {runtime.CapabilityFunc(func(context.Context, *domain.RequestFacts, domain.Config) (runtime.DefenseOutcome, error) {
			return runtime.DefenseOutcome{ScoreDelta: 50}, errors.New("geoip database unavailable")
		}), []string{domain.FlagEvaluatorError}},
		"panic": {runtime.CapabilityFunc(func(context.Context, *domain.RequestFacts, domain.Config) (runtime.DefenseOutcome, error) {
			panic("nil map")
		}), []string{domain.FlagEvaluatorError}},
		"circuit open": {runtime.CapabilityFunc(func(context.Context, *domain.RequestFacts, domain.Config) (runtime.DefenseOutcome, error) {
			return runtime.DefenseOutcome{}, fmt.Errorf("reputation lookup: %w", governance.ErrCircuitOpen)
		}), []string{domain.FlagEvaluatorError, domain.FlagCircuitOpen}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := registryWith(t, domain.DefenseGeoIP, tc.capability)
			res, err := evaluate(t, r, defenseNode(domain.DefenseGeoIP, nil), &Scope{})
			require.NoError(t, err)
			assert.Equal(t, 0.0, res.ScoreDelta)
			assert.False(t, res.Blocked)
			assert.Equal(t, tc.flags, res.Flags)
			assert.NotEmpty(t, res.Details["error"])
		})
	}
}

func TestDefenseEvaluator_DeadlineAlreadyPassed(t *testing.T) {
	var calls atomic.Int32
	r := registryWith(t, domain.DefenseHoneypot, runtime.CapabilityFunc(
		func(context.Context, *domain.RequestFacts, domain.Config) (runtime.DefenseOutcome, error) {
			calls.Add(1)
			return runtime.DefenseOutcome{}, nil
		}))
	now := time.Unix(1_700_000_000, 0)
	scope := &Scope{Clock: fixedClock{now}, Deadline: now.Add(-time.Millisecond)}

	res, err := evaluate(t, r, defenseNode(domain.DefenseHoneypot, nil), scope)
	require.NoError(t, err)
	assert.Contains(t, res.Flags, domain.FlagCapabilityTimeout)
	assert.Zero(t, calls.Load())
}

func TestDefenseEvaluator_SignatureThresholds(t *testing.T) {
	r := registryWith(t, domain.DefenseKeywordFilter, runtime.CapabilityFunc(
		func(context.Context, *domain.RequestFacts, domain.Config) (runtime.DefenseOutcome, error) {
			return runtime.DefenseOutcome{ScoreDelta: 60}, nil
		}))

	res, err := evaluate(t, r, defenseNode(domain.DefenseKeywordFilter, domain.Config{BlockThresholdKey: 50.0}), &Scope{})
	require.NoError(t, err)
	assert.True(t, res.Blocked)

	res, err = evaluate(t, r, defenseNode(domain.DefenseKeywordFilter, domain.Config{BlockThresholdKey: 80.0, FlagThresholdKey: 40.0}), &Scope{})
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.Equal(t, []string{FlagThreshold}, res.Flags)
}

func inputs(results map[string]domain.NodeResult) func(context.Context, string) (domain.NodeResult, error) {
	return func(_ context.Context, id string) (domain.NodeResult, error) {
		res, ok := results[id]
		if !ok {
			return domain.NodeResult{}, fmt.Errorf("unknown input %q", id)
		}
		return res, nil
	}
}

func TestOperatorEvaluator(t *testing.T) {
	r := registryWith(t, "", nil)
	results := map[string]domain.NodeResult{
		"a": {NodeID: "a", ScoreDelta: 10, Blocked: true},
		"b": {NodeID: "b", ScoreDelta: 40},
		"c": {NodeID: "c", ScoreDelta: -5},
	}
	scope := &Scope{Input: inputs(results), Accumulated: 77}
	op := func(kind domain.OperatorType, in []string, outputs map[string]string) *domain.OperatorNode {
		return &domain.OperatorNode{NodeBase: domain.NodeBase{ID: "op", Outputs: outputs}, Operator: kind, Inputs: in}
	}
	next := map[string]string{"next": "x"}
	boolean := map[string]string{"true": "x", "false": "y"}

	cases := []struct {
		name   string
		node   *domain.OperatorNode
		value  *float64
		output string
		block  bool
	}{
		{"sum", op(domain.OperatorSum, []string{"a", "b", "c"}, next), ptr(45), "next", false},
		{"sum of accumulated", op(domain.OperatorSum, nil, next), ptr(77), "next", false},
		{"max", op(domain.OperatorMax, []string{"a", "b", "c"}, next), ptr(40), "next", false},
		{"min", op(domain.OperatorMin, []string{"a", "b", "c"}, map[string]string{"default": "x"}), ptr(-5), "default", false},
		{"or", op(domain.OperatorOr, []string{"a", "b"}, boolean), nil, "true", true},
		{"and", op(domain.OperatorAnd, []string{"a", "b"}, boolean), nil, "false", false},
		{"and falls back to default", op(domain.OperatorAnd, []string{"a"}, map[string]string{"default": "y"}), nil, "default", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := evaluate(t, r, tc.node, scope)
			require.NoError(t, err)
			assert.Equal(t, tc.value, res.Value)
			assert.Equal(t, tc.output, res.Output)
			assert.Equal(t, tc.block, res.Blocked)
		})
	}
}

func ptr(v float64) *float64 { return &v }

func TestThresholdBranch(t *testing.T) {
	r := registryWith(t, "", nil)
	node := func(outputs map[string]string) *domain.OperatorNode {
		return &domain.OperatorNode{
			NodeBase: domain.NodeBase{ID: "branch", Outputs: outputs},
			Operator: domain.OperatorThresholdBranch,
			Ranges:   []domain.ThresholdRange{graph.Range(0, 50, "low"), graph.Range(50, -1, "high")},
		}
	}
	outputs := map[string]string{"low": "allow", "high": "block"}

	for score, want := range map[float64]string{0: "low", 49.99: "low", 50: "high", 1e6: "high"} {
		res, err := evaluate(t, r, node(outputs), &Scope{Accumulated: score})
		require.NoError(t, err)
		assert.Equal(t, want, res.Output, "score %v", score)
	}

	res, err := evaluate(t, r, node(map[string]string{"low": "a", "high": "b", "default": "c"}), &Scope{Accumulated: -1})
	require.NoError(t, err)
	assert.Equal(t, "default", res.Output)

	_, err = evaluate(t, r, node(outputs), &Scope{Accumulated: -1})
	assert.ErrorIs(t, err, domain.ErrNoRangeMatched)
}

func TestThresholdBranch_FirstMatchingRangeWins(t *testing.T) {
	r := registryWith(t, "", nil)
	n := &domain.OperatorNode{
		NodeBase: domain.NodeBase{ID: "branch", Outputs: map[string]string{"wide": "a", "narrow": "b"}},
		Operator: domain.OperatorThresholdBranch,
		Ranges:   []domain.ThresholdRange{graph.Range(0, -1, "wide"), graph.Range(10, 20, "narrow")},
	}
	res, err := evaluate(t, r, n, &Scope{Accumulated: 15})
	require.NoError(t, err)
	assert.Equal(t, "wide", res.Output)
}

func TestActionEvaluator(t *testing.T) {
	r := registryWith(t, "", nil)
	scope := &Scope{Accumulated: 42}

	res, err := evaluate(t, r, &domain.ActionNode{NodeBase: domain.NodeBase{ID: "b"}, Action: domain.ActionBlock, Config: domain.ActionConfig{Reason: "spam"}}, scope)
	require.NoError(t, err)
	require.NotNil(t, res.Decision)
	assert.True(t, res.Blocked)
	assert.Equal(t, domain.Decision{Action: domain.ActionBlock, Score: 42, Reason: "spam"}, *res.Decision)

	res, err = evaluate(t, r, &domain.ActionNode{NodeBase: domain.NodeBase{ID: "t"}, Action: domain.ActionTarpit, Config: domain.ActionConfig{Score: ptr(5)}}, scope)
	require.NoError(t, err)
	assert.Equal(t, 5.0, res.Decision.Score)
	assert.Equal(t, DefaultTarpitDelayMS, res.Decision.TarpitDelayMS)
	assert.False(t, res.Blocked)
}

func TestObservationEvaluator(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 4, Logger: discard})
	require.NoError(t, d.Register(domain.ObservationFieldLearning, runtime.ObserverFunc(
		func(_ context.Context, facts *domain.RequestFacts, _ domain.Config) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, facts.FieldNames()...)
		})))
	d.Start()

	r := NewRegistry(Config{Dispatcher: d, Logger: discard})
	node := &domain.ObservationNode{
		NodeBase:  domain.NodeBase{ID: "learn", Outputs: map[string]string{"next": "a"}},
		Mechanism: domain.ObservationFieldLearning,
	}
	facts := &domain.RequestFacts{Fields: map[string][]string{"email": {"x"}}}

	res, err := evaluate(t, r, node, &Scope{Facts: facts, Accumulated: 12})
	require.NoError(t, err)
	assert.Equal(t, domain.NodeResult{NodeID: "learn", Kind: domain.KindObservation, Output: domain.OutputNext}, res)

	ev, _ := r.Resolve(domain.KindObservation)
	_, err = ev.Evaluate(runtime.WithDryRun(context.Background()), node, &Scope{Facts: facts})
	require.NoError(t, err)

	d.Close()
	assert.Equal(t, []string{"email"}, seen, "dry runs do not dispatch")
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	var dropped atomic.Int32
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1, Logger: discard, OnDrop: func(domain.ObservationType) { dropped.Add(1) }})

	assert.True(t, d.Dispatch(domain.ObservationFieldLearning, &domain.RequestFacts{}, nil))
	assert.False(t, d.Dispatch(domain.ObservationFieldLearning, &domain.RequestFacts{}, nil))
	assert.Equal(t, int32(1), dropped.Load())

	d.Close()
	assert.False(t, d.Dispatch(domain.ObservationFieldLearning, &domain.RequestFacts{}, nil))
}

func TestRegistry_RejectsUnknownKind(t *testing.T) {
	r := NewRegistry(Config{Logger: discard})
	assert.ErrorIs(t, r.Register("wormhole", EvaluatorFunc(evaluateStart)), domain.ErrConfigInvalid)
	_, ok := r.Resolve("wormhole")
	assert.False(t, ok)
}
