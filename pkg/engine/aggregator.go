package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-defense/pkg/domain"
)

// DefaultMaxParallel bounds the profiles one request evaluates concurrently.
const DefaultMaxParallel = 4

// ProfileRunner executes one attached profile.
type ProfileRunner func(ctx context.Context, ref domain.ProfileRef) domain.ProfileResult

// Aggregate is the combined decision of the profiles attached to an endpoint.
type Aggregate struct {
	Action        domain.ActionType
	Score         float64
	Blocked       bool
	Flags         []string
	Reason        string
	TarpitDelayMS int
	Details       map[string]any
	Profiles      []domain.ProfileResult
}

// RunProfiles evaluates refs, already ordered by priority, and returns one result per
// ref in the same order. With OR short-circuit the profiles run sequentially and stop at
// the first block; the remainder are reported as skipped with a zero score. Otherwise
// they run on a pool bounded by limit.
func RunProfiles(ctx context.Context, refs []domain.ProfileRef, shortCircuit bool, limit int, run ProfileRunner) []domain.ProfileResult {
	results := make([]domain.ProfileResult, len(refs))
	if shortCircuit {
		for i, ref := range refs {
			results[i] = run(ctx, ref)
			if results[i].Action != domain.ActionBlock {
				continue
			}
			for j := i + 1; j < len(refs); j++ {
				results[j] = domain.ProfileResult{
					ProfileID: refs[j].ID,
					Action:    domain.ActionAllow,
					Weight:    refs[j].EffectiveWeight(),
					Skipped:   true,
				}
			}
			break
		}
		return results
	}

	if limit <= 0 {
		limit = DefaultMaxParallel
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, ref := range refs {
		g.Go(func() error {
			results[i] = run(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Combine applies the binary and score aggregation to ordered profile results.
// Skipped results count as a zero score and take no part in the block vote.
func Combine(results []domain.ProfileResult, agg domain.Aggregation, scoreAgg domain.ScoreAggregation) Aggregate {
	agg = agg.Normalize()
	scoreAgg = scoreAgg.Normalize()

	out := Aggregate{
		Action:   domain.ActionAllow,
		Profiles: results,
		Details: map[string]any{
			"aggregation":       string(agg),
			"score_aggregation": string(scoreAgg),
		},
	}

	var evaluated, blocked, skipped int
	for _, r := range results {
		out.Flags = domain.AppendFlags(out.Flags, r.Flags...)
		if r.Skipped {
			skipped++
			continue
		}
		evaluated++
		if r.Action == domain.ActionBlock {
			blocked++
		}
	}
	out.Details["profiles_evaluated"] = evaluated
	if skipped > 0 {
		out.Details["profiles_skipped"] = skipped
	}

	out.Blocked = BlocksUnder(agg, blocked, evaluated)
	score, fellBack := combineScores(results, scoreAgg)
	out.Score = score
	if fellBack {
		out.Flags = domain.AppendFlags(out.Flags, domain.FlagAggregationError)
		out.Details["aggregation_error"] = (&domain.AggregationError{
			Strategy: scoreAgg,
			Reason:   "all profile weights are zero; used SUM",
		}).Error()
	}

	if out.Blocked {
		out.Action = domain.ActionBlock
		for _, r := range results {
			if !r.Skipped && r.Action == domain.ActionBlock {
				out.Reason = r.Reason
				break
			}
		}
		return out
	}

	// Block votes that did not carry the binary decision are demoted to flag.
	var source *domain.ProfileResult
	for i := range results {
		r := &results[i]
		if r.Skipped {
			continue
		}
		action := r.Action
		if action == domain.ActionBlock {
			action = domain.ActionFlag
		}
		if action.Severity() > out.Action.Severity() {
			out.Action = action
			source = r
		}
	}
	if source != nil {
		out.Reason = source.Reason
		if out.Action == domain.ActionTarpit {
			out.TarpitDelayMS = source.TarpitDelayMS
		}
	}
	return out
}

// BlocksUnder reports whether blocked votes out of n evaluated profiles block under agg.
func BlocksUnder(agg domain.Aggregation, blocked, n int) bool {
	switch agg.Normalize() {
	case domain.AggregationAnd:
		return n > 0 && blocked == n
	case domain.AggregationMajority:
		return blocked > n/2
	default:
		return blocked > 0
	}
}

// combineScores returns the aggregated score and whether WEIGHTED_AVG fell back to SUM.
func combineScores(results []domain.ProfileResult, strategy domain.ScoreAggregation) (float64, bool) {
	var sum, weighted, weights float64
	maxScore := 0.0
	for i, r := range results {
		score := r.Score
		if r.Skipped {
			score = 0
		}
		sum += score
		weighted += score * r.Weight
		weights += r.Weight
		if i == 0 || score > maxScore {
			maxScore = score
		}
	}

	switch strategy {
	case domain.ScoreMax:
		return maxScore, false
	case domain.ScoreWeightedAvg:
		if len(results) == 0 {
			return 0, false
		}
		if weights == 0 {
			return sum, true
		}
		return weighted / weights, false
	default:
		return sum, false
	}
}
