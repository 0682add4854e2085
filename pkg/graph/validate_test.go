package graph

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-defense/pkg/domain"
)

func validationErrors(t *testing.T, err error) *domain.ValidationError {
	t.Helper()
	require.Error(t, err)
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %T", err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	return verr
}

func containsError(verr *domain.ValidationError, fragment string) bool {
	for _, e := range verr.Errors {
		if strings.Contains(e, fragment) {
			return true
		}
	}
	return false
}

func simpleGraph() *Builder {
	return New().
		Start("start", "honeypot").
		Defense("honeypot", domain.DefenseHoneypot, domain.Config{"fields": []any{"website"}}, "kw").
		Defense("kw", domain.DefenseKeywordFilter, nil, "decide").
		Operator("decide", domain.OperatorOr, []string{"honeypot", "kw"}, map[string]string{"true": "block", "false": "allow"}).
		Action("block", domain.ActionBlock, domain.ActionConfig{Reason: "bot"}).
		Action("allow", domain.ActionAllow, domain.ActionConfig{})
}

func TestValidate_AcceptsWellFormedGraph(t *testing.T) {
	assert.NoError(t, Validate(simpleGraph().Graph(), Options{}))
}

func TestValidate_StartNode(t *testing.T) {
	g := New().
		Defense("d", domain.DefenseHoneypot, nil, "allow").
		Action("allow", domain.ActionAllow, domain.ActionConfig{}).
		Graph()
	verr := validationErrors(t, Validate(g, Options{}))
	assert.True(t, containsError(verr, "no start node"))

	g = New().
		Start("s1", "allow").
		Start("s2", "allow").
		Action("allow", domain.ActionAllow, domain.ActionConfig{}).
		Graph()
	verr = validationErrors(t, Validate(g, Options{}))
	assert.True(t, containsError(verr, "2 start nodes"))
}

func TestValidate_DanglingOutput(t *testing.T) {
	g := New().
		Start("start", "missing").
		Action("allow", domain.ActionAllow, domain.ActionConfig{}).
		Graph()
	verr := validationErrors(t, Validate(g, Options{}))
	assert.True(t, containsError(verr, `targets unknown node "missing"`))
}

func TestValidate_UnknownKinds(t *testing.T) {
	g := New().
		Start("start", "d").
		Defense("d", domain.DefenseType("telepathy"), nil, "op").
		Operator("op", domain.OperatorType("xor"), []string{"d"}, map[string]string{"next": "a"}).
		Action("a", domain.ActionType("explode"), domain.ActionConfig{}).
		Graph()
	verr := validationErrors(t, Validate(g, Options{}))
	assert.True(t, containsError(verr, `unknown defense "telepathy"`))
	assert.True(t, containsError(verr, `unknown operator "xor"`))
	assert.True(t, containsError(verr, `unknown action "explode"`))
}

func TestValidate_OperatorInputsMustBeUpstream(t *testing.T) {
	g := New().
		Start("start", "sum").
		Operator("sum", domain.OperatorSum, []string{"late", "ghost"}, map[string]string{"next": "late"}).
		Defense("late", domain.DefenseHoneypot, nil, "allow").
		Action("allow", domain.ActionAllow, domain.ActionConfig{}).
		Graph()
	verr := validationErrors(t, Validate(g, Options{}))
	assert.True(t, containsError(verr, `input "late" is not upstream`))
	assert.True(t, containsError(verr, `input "ghost" does not exist`))
}

func TestValidate_ReportsCycleNodeIDs(t *testing.T) {
	g := New().
		Start("start", "a").
		Defense("a", domain.DefenseHoneypot, nil, "b").
		Defense("b", domain.DefenseKeywordFilter, nil, "c").
		Defense("c", domain.DefensePatternScan, nil, "a").
		Graph()
	verr := validationErrors(t, Validate(g, Options{}))
	assert.Equal(t, []string{"a", "b", "c", "a"}, verr.Cycle)
	assert.True(t, containsError(verr, "cycle detected: a -> b -> c -> a"))
}

func TestValidate_CycleThroughObservationIsRejected(t *testing.T) {
	g := New().
		Start("start", "a").
		Defense("a", domain.DefenseHoneypot, nil, "learn").
		Observe("learn", domain.ObservationFieldLearning, nil, "a").
		Graph()
	verr := validationErrors(t, Validate(g, Options{}))
	assert.True(t, containsError(verr, "cycle through observation node"))
	assert.Equal(t, []string{"a", "learn", "a"}, verr.Cycle)
}

func TestValidate_UnreachableNode(t *testing.T) {
	g := simpleGraph().
		Action("orphan", domain.ActionFlag, domain.ActionConfig{}).
		Graph()
	verr := validationErrors(t, Validate(g, Options{}))
	assert.True(t, containsError(verr, `"orphan" is not reachable`))
}

func TestValidate_MaxDepth(t *testing.T) {
	b := New().Start("start", "d0")
	for i := 0; i < 10; i++ {
		b.Defense(fmt.Sprintf("d%d", i), domain.DefenseHoneypot, nil, fmt.Sprintf("d%d", i+1))
	}
	b.Action("d10", domain.ActionAllow, domain.ActionConfig{})

	assert.NoError(t, Validate(b.Graph(), Options{MaxDepth: 11}))
	verr := validationErrors(t, Validate(b.Graph(), Options{MaxDepth: 5}))
	assert.True(t, containsError(verr, "depth 11 exceeds maximum of 5"))
}

func TestValidate_ThresholdRanges(t *testing.T) {
	outputs := map[string]string{"low": "allow", "high": "block"}
	build := func(ranges []domain.ThresholdRange, out map[string]string) domain.Graph {
		return New().
			Start("start", "d").
			Defense("d", domain.DefenseKeywordFilter, nil, "branch").
			Threshold("branch", nil, ranges, out).
			Action("allow", domain.ActionAllow, domain.ActionConfig{}).
			Action("block", domain.ActionBlock, domain.ActionConfig{}).
			Graph()
	}

	t.Run("covering ranges", func(t *testing.T) {
		g := build([]domain.ThresholdRange{Range(0, 50, "low"), Range(50, -1, "high")}, outputs)
		assert.NoError(t, Validate(g, Options{}))
	})

	t.Run("overlap", func(t *testing.T) {
		g := build([]domain.ThresholdRange{Range(0, 60, "low"), Range(50, -1, "high")}, outputs)
		verr := validationErrors(t, Validate(g, Options{}))
		assert.True(t, containsError(verr, "overlap"))
	})

	t.Run("gap without default", func(t *testing.T) {
		g := build([]domain.ThresholdRange{Range(0, 40, "low"), Range(50, -1, "high")}, outputs)
		verr := validationErrors(t, Validate(g, Options{}))
		assert.True(t, containsError(verr, "do not cover [40, 50)"))
	})

	t.Run("gap with default", func(t *testing.T) {
		out := map[string]string{"low": "allow", "high": "block", "default": "allow"}
		g := build([]domain.ThresholdRange{Range(0, 40, "low"), Range(50, -1, "high")}, out)
		assert.NoError(t, Validate(g, Options{}))
	})

	t.Run("undeclared output", func(t *testing.T) {
		g := build([]domain.ThresholdRange{Range(0, 50, "low"), Range(50, -1, "critical")}, outputs)
		verr := validationErrors(t, Validate(g, Options{}))
		assert.True(t, containsError(verr, `undeclared output "critical"`))
	})

	t.Run("inverted bounds", func(t *testing.T) {
		g := build([]domain.ThresholdRange{Range(10, 5, "low"), Range(50, -1, "high")}, outputs)
		verr := validationErrors(t, Validate(g, Options{}))
		assert.True(t, containsError(verr, "not above min"))
	})
}

func TestValidate_IsPure(t *testing.T) {
	g := simpleGraph().Graph()
	before := g.Clone()
	_ = Validate(g, Options{})
	assert.Equal(t, before, g)
}

// genChain draws a valid graph: a chain of defense and observation nodes feeding
// a sum operator and a threshold branch.
func genChain(t *rapid.T) (domain.Graph, []string) {
	n := rapid.IntRange(1, 12).Draw(t, "defenses")
	withObservation := rapid.Bool().Draw(t, "observation")
	defenses := domain.DefenseTypes()

	b := New().Start("start", "d0")
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("d%d", i)
	}
	for i, id := range ids {
		next := "sum"
		if i+1 < n {
			next = ids[i+1]
		}
		if withObservation && i == n-1 {
			b.Defense(id, defenses[rapid.IntRange(0, len(defenses)-1).Draw(t, "defense")], nil, "learn")
			b.Observe("learn", domain.ObservationFieldLearning, nil, next)
			continue
		}
		b.Defense(id, defenses[rapid.IntRange(0, len(defenses)-1).Draw(t, "defense")], nil, next)
	}
	inputs := rapid.SliceOfNDistinct(rapid.SampledFrom(ids), 1, n, rapid.ID[string]).Draw(t, "inputs")
	split := rapid.Float64Range(1, 100).Draw(t, "split")
	b.Operator("sum", domain.OperatorSum, inputs, map[string]string{"next": "branch"})
	b.Threshold("branch", []string{"sum"}, []domain.ThresholdRange{Range(0, split, "low"), Range(split, -1, "high")},
		map[string]string{"low": "allow", "high": "block"})
	b.Action("allow", domain.ActionAllow, domain.ActionConfig{})
	b.Action("block", domain.ActionBlock, domain.ActionConfig{})
	return b.Graph(), ids
}

func TestValidateProperties(t *testing.T) {
	t.Run("generated graphs are valid", func(t *testing.T) {
		rapid.Check(t, func(t *rapid.T) {
			g, _ := genChain(t)
			if err := Validate(g, Options{}); err != nil {
				t.Fatalf("valid graph rejected: %v", err)
			}
		})
	})

	t.Run("introduced cycles are reported", func(t *testing.T) {
		rapid.Check(t, func(t *rapid.T) {
			g, ids := genChain(t)
			if len(ids) < 2 {
				t.Skip("need two defense nodes")
			}
			from := rapid.IntRange(1, len(ids)-1).Draw(t, "from")
			to := rapid.IntRange(0, from-1).Draw(t, "to")
			for _, n := range g.Nodes {
				if d, ok := n.(*domain.DefenseNode); ok && d.ID == ids[from] {
					d.Outputs = map[string]string{domain.OutputNext: ids[to]}
				}
			}

			err := Validate(g, Options{})
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			want := append(append([]string(nil), ids[to:from+1]...), ids[to])
			if fmt.Sprint(verr.Cycle) != fmt.Sprint(want) {
				t.Fatalf("cycle = %v, want %v", verr.Cycle, want)
			}
		})
	})
}
