package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/nodes"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
	"github.com/polisai/polis-defense/pkg/graph"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// steppingClock advances by step on every read.
type steppingClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

// scoreCapability scores cfg["score"] and blocks when cfg["block"] is set.
var scoreCapability = runtime.CapabilityFunc(func(_ context.Context, _ *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	return runtime.DefenseOutcome{
		ScoreDelta: cfg.Float("score", 0),
		Blocked:    cfg.Bool("block", false),
		Flags:      cfg.Strings("emit"),
	}, nil
})

// fieldCapability scores when any configured field is filled, like a honeypot.
var fieldCapability = runtime.CapabilityFunc(func(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	for _, f := range cfg.Strings("fields") {
		if facts.Field(f) != "" {
			return runtime.DefenseOutcome{ScoreDelta: cfg.Float("score", 100), Blocked: true, Flags: []string{"honeypot_triggered"}}, nil
		}
	}
	return runtime.DefenseOutcome{}, nil
})

func testRegistry(t *testing.T, extra map[domain.DefenseType]runtime.Capability) *nodes.Registry {
	t.Helper()
	caps := nodes.NewCapabilitySet()
	require.NoError(t, caps.Register(domain.DefenseKeywordFilter, scoreCapability))
	require.NoError(t, caps.Register(domain.DefensePatternScan, scoreCapability))
	require.NoError(t, caps.Register(domain.DefenseHoneypot, fieldCapability))
	for d, c := range extra {
		require.NoError(t, caps.Register(d, c))
	}
	return nodes.NewRegistry(nodes.Config{Capabilities: caps, Logger: discard})
}

func newTestEngine(t *testing.T, catalog *domain.Catalog, extra map[domain.DefenseType]runtime.Capability) *Engine {
	t.Helper()
	e, err := New(Config{
		Catalog:  StaticCatalog{Catalog: catalog},
		Registry: testRegistry(t, extra),
		Clock:    fixedClock{t: epoch},
		Logger:   discard,
	})
	require.NoError(t, err)
	return e
}

func newProfile(id string, g domain.Graph, fallback domain.ActionType) *domain.DefenseProfile {
	return &domain.DefenseProfile{
		ID:       id,
		Name:     id,
		Enabled:  true,
		Graph:    g,
		Settings: domain.Settings{DefaultAction: fallback, MaxExecutionTimeMS: 50},
	}
}

// scoringGraph scores score and branches on the accumulated total: below 30 allows,
// from 30 flags and from 100 blocks.
func scoringGraph(score float64, block bool) domain.Graph {
	return graph.New().
		Start("start", "kw").
		Defense("kw", domain.DefenseKeywordFilter, domain.Config{"score": score, "block": block}, "gate").
		Operator("gate", domain.OperatorOr, []string{"kw"}, map[string]string{"true": "block", "false": "branch"}).
		Threshold("branch", nil, []domain.ThresholdRange{
			graph.Range(0, 30, "low"),
			graph.Range(30, 100, "mid"),
			graph.Range(100, -1, "high"),
		}, map[string]string{"low": "allow", "mid": "flag", "high": "block"}).
		Action("allow", domain.ActionAllow, domain.ActionConfig{}).
		Action("flag", domain.ActionFlag, domain.ActionConfig{Reason: "suspicious score"}).
		Action("block", domain.ActionBlock, domain.ActionConfig{Reason: "keyword score too high"}).
		Graph()
}

func catalogOf(profiles ...*domain.DefenseProfile) *domain.Catalog {
	c := &domain.Catalog{Generation: 1, Profiles: map[string]*domain.DefenseProfile{}, Signatures: map[string]*domain.AttackSignature{}}
	for _, p := range profiles {
		c.Profiles[p.ID] = p
	}
	return c
}

func attach(agg domain.Aggregation, scoreAgg domain.ScoreAggregation, ids ...string) domain.DefenseProfileAttachment {
	att := domain.DefenseProfileAttachment{Enabled: true, Aggregation: agg, ScoreAggregation: scoreAgg}
	for i, id := range ids {
		att.Profiles = append(att.Profiles, domain.ProfileRef{ID: id, Priority: (i + 1) * 100})
	}
	return att
}

func traceIDs(entries []domain.TraceEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.NodeID
	}
	return ids
}
