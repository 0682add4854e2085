package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
	"github.com/polisai/polis-defense/pkg/graph"
)

func TestEngine_TwoNonBlockingProfilesSumScores(t *testing.T) {
	e := newTestEngine(t, catalogOf(
		newProfile("a", scoringGraph(40, false), domain.ActionAllow),
		newProfile("b", scoringGraph(40, false), domain.ActionAllow),
	), nil)

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, attach(domain.AggregationOr, domain.ScoreSum, "a", "b"), nil)

	assert.Equal(t, 80.0, res.Score)
	assert.Equal(t, domain.ActionFlag, res.Action)
	assert.Empty(t, res.BlockReason)
	assert.Equal(t, "suspicious score", res.AllowReason)
	require.Len(t, res.Profiles, 2)
	assert.Equal(t, 10, res.NodesExecuted)
}

func TestEngine_DefenseLineBlockOverridesAllow(t *testing.T) {
	e := newTestEngine(t, catalogOf(
		newProfile("base", scoringGraph(5, false), domain.ActionAllow),
		newProfile("X", scoringGraph(10, true), domain.ActionAllow),
	), nil)
	lines := []domain.DefenseLineAttachment{{ProfileID: "X", Enabled: true}}

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, attach(domain.AggregationOr, domain.ScoreSum, "base"), lines)

	assert.Equal(t, domain.ActionBlock, res.Action)
	assert.Equal(t, "defense_line:X: keyword score too high", res.BlockReason)
	assert.Equal(t, 15.0, res.Score)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "X", res.Lines[0].ProfileID)
}

func TestEngine_DefenseLinesStopAtFirstBlock(t *testing.T) {
	e := newTestEngine(t, catalogOf(
		newProfile("base", scoringGraph(0, false), domain.ActionAllow),
		newProfile("watch", scoringGraph(40, false), domain.ActionAllow),
		newProfile("stop", scoringGraph(1, true), domain.ActionAllow),
		newProfile("never", scoringGraph(1, true), domain.ActionAllow),
	), nil)
	lines := []domain.DefenseLineAttachment{
		{ProfileID: "watch", Enabled: true},
		{ProfileID: "never", Enabled: false},
		{ProfileID: "stop", Enabled: true},
		{ProfileID: "never", Enabled: true},
	}

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, attach(domain.AggregationOr, domain.ScoreSum, "base"), lines)

	assert.Equal(t, domain.ActionBlock, res.Action)
	require.Len(t, res.Lines, 2)
	assert.Equal(t, 0, res.Lines[0].Line)
	assert.Equal(t, 2, res.Lines[1].Line)
	assert.Equal(t, 41.0, res.Score)
}

func TestEngine_NonBlockingLineRaisesSeverityOnly(t *testing.T) {
	e := newTestEngine(t, catalogOf(
		newProfile("base", scoringGraph(35, false), domain.ActionAllow),
		newProfile("quiet", scoringGraph(1, false), domain.ActionAllow),
	), nil)
	lines := []domain.DefenseLineAttachment{{ProfileID: "quiet", Enabled: true}, {ProfileID: "ghost", Enabled: true}}

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, attach(domain.AggregationOr, domain.ScoreSum, "base"), lines)

	assert.Equal(t, domain.ActionFlag, res.Action, "allow from a line does not lower flag")
	assert.Equal(t, 36.0, res.Score)
	assert.Contains(t, res.Flags, domain.FlagConfigurationError, "unknown line profile is reported")
}

func TestEngine_LinesSkippedAfterBlock(t *testing.T) {
	e := newTestEngine(t, catalogOf(
		newProfile("base", scoringGraph(1, true), domain.ActionAllow),
		newProfile("line", scoringGraph(40, false), domain.ActionAllow),
	), nil)

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, attach(domain.AggregationOr, domain.ScoreSum, "base"),
		[]domain.DefenseLineAttachment{{ProfileID: "line", Enabled: true}})

	assert.Equal(t, domain.ActionBlock, res.Action)
	assert.Empty(t, res.Lines)
	assert.Equal(t, "keyword score too high", res.BlockReason)
}

func TestEngine_LineSignaturesMerged(t *testing.T) {
	lineGraph := graph.New().
		Start("start", "kw").
		Defense("kw", domain.DefenseKeywordFilter, domain.Config{"score": 10.0}, "allow").
		Action("allow", domain.ActionAllow, domain.ActionConfig{}).
		Graph()
	catalog := catalogOf(newProfile("base", scoringGraph(0, false), domain.ActionAllow), newProfile("line", lineGraph, domain.ActionAllow))
	catalog.Signatures["loud"] = &domain.AttackSignature{ID: "loud", Enabled: true, Signatures: domain.AttackSignatures{
		domain.DefenseKeywordFilter: {"emit": []any{"signature_hit"}},
	}}
	e := newTestEngine(t, catalog, nil)

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, attach(domain.AggregationOr, domain.ScoreSum, "base"),
		[]domain.DefenseLineAttachment{{
			ProfileID:        "line",
			Enabled:          true,
			SignatureIDs:     []string{"loud", "missing"},
			InlineSignatures: domain.AttackSignatures{domain.DefenseKeywordFilter: {"emit": []any{"inline_hit"}}},
		}})

	assert.Contains(t, res.Flags, "signature_hit")
	assert.Contains(t, res.Flags, "inline_hit")
	assert.Equal(t, 10.0, res.Score)
}

func TestEngine_ShortCircuitOr(t *testing.T) {
	e := newTestEngine(t, catalogOf(
		newProfile("first", scoringGraph(10, true), domain.ActionAllow),
		newProfile("second", scoringGraph(50, false), domain.ActionAllow),
	), nil)
	att := attach(domain.AggregationOr, domain.ScoreSum, "first", "second")
	att.ShortCircuit = true

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, att, nil)

	assert.Equal(t, domain.ActionBlock, res.Action)
	assert.Equal(t, 10.0, res.Score, "skipped profiles score zero")
	require.Len(t, res.Profiles, 2)
	assert.True(t, res.Profiles[1].Skipped)
	assert.Contains(t, res.Flags, domain.FlagShortCircuited)
}

func TestEngine_ShortCircuitIgnoredForAnd(t *testing.T) {
	e := newTestEngine(t, catalogOf(
		newProfile("first", scoringGraph(10, true), domain.ActionAllow),
		newProfile("second", scoringGraph(50, false), domain.ActionAllow),
	), nil)
	att := attach(domain.AggregationAnd, domain.ScoreSum, "first", "second")
	att.ShortCircuit = true

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, att, nil)

	assert.Equal(t, domain.ActionFlag, res.Action, "one of two blocks demotes to flag under AND")
	assert.Equal(t, 60.0, res.Score)
	assert.Contains(t, res.Flags, domain.FlagShortCircuitIgnored)
	assert.NotContains(t, res.Flags, domain.FlagShortCircuited)
}

func TestEngine_EmptyAttachmentRunsLegacyDefault(t *testing.T) {
	e := newTestEngine(t, catalogOf(), nil)

	blocked := e.Evaluate(context.Background(), &domain.RequestFacts{Fields: map[string][]string{"website": {"spam.example"}}}, domain.DefenseProfileAttachment{}, nil)
	assert.Equal(t, domain.ActionBlock, blocked.Action)
	assert.Equal(t, "honeypot field filled", blocked.BlockReason)
	require.Len(t, blocked.Profiles, 1)
	assert.Equal(t, domain.LegacyDefaultProfileID, blocked.Profiles[0].ProfileID)

	allowed := e.Evaluate(context.Background(), &domain.RequestFacts{}, domain.DefenseProfileAttachment{Enabled: true}, nil)
	assert.Equal(t, domain.ActionAllow, allowed.Action)
	assert.Equal(t, []string{}, allowed.Flags)
}

func TestEngine_DisabledAttachmentRunsConfiguredDefault(t *testing.T) {
	catalog := catalogOf(newProfile("house", scoringGraph(45, false), domain.ActionAllow), newProfile("a", scoringGraph(1, true), domain.ActionAllow))
	catalog.DefaultProfileID = "house"
	e := newTestEngine(t, catalog, nil)

	att := attach(domain.AggregationOr, domain.ScoreSum, "a")
	att.Enabled = false
	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, att, nil)

	assert.Equal(t, domain.ActionFlag, res.Action)
	assert.Equal(t, "house", res.Profiles[0].ProfileID)
}

func TestEngine_UnknownAndDisabledProfilesSkipped(t *testing.T) {
	off := newProfile("off", scoringGraph(1, true), domain.ActionAllow)
	off.Enabled = false
	e := newTestEngine(t, catalogOf(off, newProfile("on", scoringGraph(5, false), domain.ActionAllow)), nil)

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, attach(domain.AggregationOr, domain.ScoreSum, "ghost", "off", "on"), nil)

	assert.Equal(t, domain.ActionAllow, res.Action)
	require.Len(t, res.Profiles, 1)
	assert.Equal(t, "on", res.Profiles[0].ProfileID)
	assert.Contains(t, res.Flags, domain.FlagConfigurationError)
}

func TestEngine_InvalidProfileFallsBack(t *testing.T) {
	broken := graph.New().
		Start("start", "a").
		Defense("a", domain.DefenseKeywordFilter, domain.Config{"score": 10.0}, "b").
		Defense("b", domain.DefenseKeywordFilter, nil, "a").
		Graph()
	e := newTestEngine(t, catalogOf(newProfile("broken", broken, domain.ActionCaptcha)), nil)

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, attach(domain.AggregationOr, domain.ScoreSum, "broken"), nil)

	assert.Equal(t, domain.ActionCaptcha, res.Action)
	assert.Contains(t, res.Flags, domain.FlagConfigurationError)
	assert.Contains(t, res.Flags, domain.FlagValidationFailed)
	require.Len(t, res.Profiles, 1)
	assert.Equal(t, domain.ErrorKindConfiguration, res.Profiles[0].ErrorKind)
	assert.Zero(t, res.NodesExecuted, "invalid profiles are never executed")
}

func TestEngine_InstallTimeErrorsTakePrecedence(t *testing.T) {
	catalog := catalogOf(newProfile("p", scoringGraph(10, false), domain.ActionMonitor))
	catalog.Invalid = map[string][]string{"p": {"extends cycle: p -> q -> p"}}
	e := newTestEngine(t, catalog, nil)

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, attach(domain.AggregationOr, domain.ScoreSum, "p"), nil)

	assert.Equal(t, domain.ActionMonitor, res.Action)
	assert.Contains(t, res.Profiles[0].Error, "extends cycle")
}

func TestEngine_WeightedAverageZeroWeightsFallsBackToSum(t *testing.T) {
	e := newTestEngine(t, catalogOf(
		newProfile("a", scoringGraph(10, false), domain.ActionAllow),
		newProfile("b", scoringGraph(20, false), domain.ActionAllow),
	), nil)
	zero := 0.0
	att := attach(domain.AggregationOr, domain.ScoreWeightedAvg, "a", "b")
	att.Profiles[0].Weight = &zero
	att.Profiles[1].Weight = &zero

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, att, nil)

	assert.Equal(t, 30.0, res.Score)
	assert.Contains(t, res.Flags, domain.FlagAggregationError)
}

func TestEngine_SignatureThresholdBlocks(t *testing.T) {
	g := graph.New().
		Start("start", "kw").
		Defense("kw", domain.DefenseKeywordFilter, domain.Config{"score": 25.0}, "gate").
		Operator("gate", domain.OperatorOr, []string{"kw"}, map[string]string{"true": "block", "false": "allow"}).
		Action("block", domain.ActionBlock, domain.ActionConfig{Reason: "signature threshold"}).
		Action("allow", domain.ActionAllow, domain.ActionConfig{}).
		Graph()
	p := newProfile("sig", g, domain.ActionAllow)
	block := 20.0
	p.AttackSignatures = &domain.AttackSignatureAttachment{Items: []domain.SignatureRef{{SignatureID: "strict", Priority: 100, Enabled: true}}}
	catalog := catalogOf(p)
	catalog.Signatures["strict"] = &domain.AttackSignature{
		ID: "strict", Enabled: true,
		Signatures: domain.AttackSignatures{domain.DefenseKeywordFilter: {"keywords": []any{"casino"}}},
		Thresholds: &domain.SignatureThresholds{BlockScore: &block},
	}
	e := newTestEngine(t, catalog, nil)

	res := e.Evaluate(context.Background(), &domain.RequestFacts{}, attach(domain.AggregationOr, domain.ScoreSum, "sig"), nil)

	assert.Equal(t, domain.ActionBlock, res.Action)
	assert.Equal(t, "signature threshold", res.BlockReason)
	assert.Nil(t, p.Graph.Nodes[1].(*domain.DefenseNode).Config["block_threshold"], "stored profile is not mutated")
}

func TestEngine_EvaluateEndpoint(t *testing.T) {
	catalog := catalogOf(newProfile("forms", scoringGraph(45, false), domain.ActionAllow))
	catalog.Endpoints = []domain.EndpointBinding{{
		Host:       "shop.example",
		PathPrefix: "/contact",
		Attachment: attach(domain.AggregationOr, domain.ScoreSum, "forms"),
	}}
	e := newTestEngine(t, catalog, nil)

	bound := e.EvaluateEndpoint(context.Background(), &domain.RequestFacts{Host: "shop.example", Path: "/contact/send"})
	assert.Equal(t, domain.ActionFlag, bound.Action)

	unbound := e.EvaluateEndpoint(context.Background(), &domain.RequestFacts{Host: "shop.example", Path: "/about"})
	assert.Equal(t, domain.LegacyDefaultProfileID, unbound.Profiles[0].ProfileID)
}

func TestEngine_Validate(t *testing.T) {
	e := newTestEngine(t, catalogOf(), nil)

	ok := e.Validate(newProfile("p", scoringGraph(1, false), domain.ActionAllow))
	assert.True(t, ok.Valid)
	assert.Empty(t, ok.Errors)

	bad := newProfile("p", graph.New().Action("allow", domain.ActionAllow, domain.ActionConfig{}).Graph(), domain.ActionType("explode"))
	report := e.Validate(bad)
	assert.False(t, report.Valid)
	assert.Contains(t, report.Errors, "graph has no start node")
	assert.Contains(t, report.Errors, `settings: unknown default_action "explode"`)
}

func TestEngine_SimulateIsDryRun(t *testing.T) {
	var dryRuns, calls atomic.Int32
	probe := runtime.CapabilityFunc(func(ctx context.Context, _ *domain.RequestFacts, _ domain.Config) (runtime.DefenseOutcome, error) {
		calls.Add(1)
		if runtime.IsDryRun(ctx) {
			dryRuns.Add(1)
		}
		return runtime.DefenseOutcome{ScoreDelta: 1}, nil
	})
	g := graph.New().
		Start("start", "rl").
		Defense("rl", domain.DefenseRateLimiter, nil, "allow").
		Action("allow", domain.ActionAllow, domain.ActionConfig{}).
		Graph()
	off := newProfile("rl", g, domain.ActionAllow)
	off.Enabled = false
	live := newProfile("rl-live", g, domain.ActionAllow)
	e := newTestEngine(t, catalogOf(off, live), map[domain.DefenseType]runtime.Capability{domain.DefenseRateLimiter: probe})

	res, err := e.Simulate(context.Background(), "rl", &domain.RequestFacts{})
	require.NoError(t, err)
	assert.Equal(t, "rl", res.Profiles[0].ProfileID, "disabled profiles can still be previewed")
	assert.Equal(t, int32(1), dryRuns.Load())

	e.Evaluate(context.Background(), &domain.RequestFacts{}, attach(domain.AggregationOr, domain.ScoreSum, "rl-live"), nil)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), dryRuns.Load(), "live evaluation is not a dry run")

	_, err = e.Simulate(context.Background(), "ghost", &domain.RequestFacts{})
	assert.True(t, errors.Is(err, domain.ErrProfileNotFound))
}

func TestEngine_SimulateDraftProfile(t *testing.T) {
	e := newTestEngine(t, catalogOf(), nil)
	res, err := e.SimulateProfile(context.Background(), newProfile("draft", scoringGraph(120, false), domain.ActionAllow), &domain.RequestFacts{})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBlock, res.Action)
	assert.Equal(t, 120.0, res.Score)
}

func TestEngine_RequiresCatalog(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestEngineProperties(t *testing.T) {
	t.Run("evaluation is deterministic", func(t *testing.T) {
		e := newTestEngine(t, catalogOf(
			newProfile("a", scoringGraph(40, false), domain.ActionAllow),
			newProfile("b", scoringGraph(25, false), domain.ActionAllow),
			newProfile("c", domain.LegacyDefaultProfile().Graph, domain.ActionAllow),
		), nil)
		rapid.Check(t, func(t *rapid.T) {
			facts := &domain.RequestFacts{
				ClientIP: rapid.SampledFrom([]string{"203.0.113.1", "198.51.100.7"}).Draw(t, "ip"),
				Fields: map[string][]string{
					"website": {rapid.SampledFrom([]string{"", "spam.example"}).Draw(t, "website")},
					"message": {rapid.String().Draw(t, "message")},
				},
			}
			agg := rapid.SampledFrom([]domain.Aggregation{domain.AggregationOr, domain.AggregationAnd, domain.AggregationMajority}).Draw(t, "agg")
			scoreAgg := rapid.SampledFrom([]domain.ScoreAggregation{domain.ScoreSum, domain.ScoreMax, domain.ScoreWeightedAvg}).Draw(t, "score_agg")
			att := attach(agg, scoreAgg, "a", "b", "c")
			att.ShortCircuit = rapid.Bool().Draw(t, "short_circuit")

			first, err := json.Marshal(e.Evaluate(context.Background(), facts, att, nil))
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			second, err := json.Marshal(e.Evaluate(context.Background(), facts, att, nil))
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(first) != string(second) {
				t.Fatalf("results differ:\n%s\n%s", first, second)
			}
		})
	})
}
