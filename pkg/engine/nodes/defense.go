package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/polisai/polis-defense/internal/governance"
	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// Config keys shared by every defense node.
const (
	TimeoutKey        = "timeout_ms"
	BlockThresholdKey = "block_threshold"
	FlagThresholdKey  = "flag_threshold"
)

// FlagThreshold is raised when a defense score reaches its flag_threshold.
const FlagThreshold = "threshold_flag"

// DefenseEvaluator calls the capability registered for a defense node. Every failure
// mode of the capability degrades to a neutral result tagged evaluator_error.
type DefenseEvaluator struct {
	capabilities *CapabilitySet
	timeout      time.Duration
	logger       *slog.Logger
	onError      func(domain.DefenseType, error)
}

// Evaluate implements Evaluator.
func (e *DefenseEvaluator) Evaluate(ctx context.Context, node domain.Node, scope *Scope) (domain.NodeResult, error) {
	n, ok := node.(*domain.DefenseNode)
	if !ok {
		return domain.NodeResult{}, fmt.Errorf("defense evaluator received %s node %q", node.Kind(), node.NodeID())
	}

	capability, ok := e.capabilities.Get(n.Defense)
	if !ok {
		return e.neutral(n, scope, &domain.CapabilityError{Defense: n.Defense, Err: domain.ErrCapabilityMissing}), nil
	}

	timeout := governance.EffectiveTimeout(scope.Deadline, scope.now(), n.Config.Millis(TimeoutKey, 0), e.timeout)
	outcome, err := governance.CallWithTimeout(ctx, timeout, func(callCtx context.Context) (runtime.DefenseOutcome, error) {
		return capability.Check(callCtx, scope.Facts, n.Config)
	})
	if err == nil && (math.IsNaN(outcome.ScoreDelta) || math.IsInf(outcome.ScoreDelta, 0)) {
		err = fmt.Errorf("capability returned non-finite score %v", outcome.ScoreDelta)
	}
	if err != nil {
		return e.neutral(n, scope, &domain.CapabilityError{
			Defense: n.Defense,
			Timeout: errors.Is(err, governance.ErrCallTimeout),
			Err:     err,
		}), nil
	}

	result := domain.NodeResult{
		NodeID:     n.ID,
		Kind:       domain.KindDefense,
		ScoreDelta: outcome.ScoreDelta,
		Blocked:    outcome.Blocked,
		Flags:      domain.AppendFlags(nil, outcome.Flags...),
		Details:    outcome.Details,
		Output:     domain.OutputNext,
	}
	if threshold, ok := domain.ToFloat(n.Config[BlockThresholdKey]); ok && result.ScoreDelta >= threshold {
		result.Blocked = true
	}
	if threshold, ok := domain.ToFloat(n.Config[FlagThresholdKey]); ok && result.ScoreDelta >= threshold {
		result.Flags = domain.AppendFlags(result.Flags, FlagThreshold)
	}
	return result, nil
}

func (e *DefenseEvaluator) neutral(n *domain.DefenseNode, scope *Scope, cerr *domain.CapabilityError) domain.NodeResult {
	flags := []string{domain.FlagEvaluatorError}
	switch {
	case cerr.Timeout:
		flags = append(flags, domain.FlagCapabilityTimeout)
	case errors.Is(cerr, governance.ErrCircuitOpen):
		flags = append(flags, domain.FlagCircuitOpen)
	}

	e.logger.Warn("defense capability failed; continuing with neutral result",
		"profile_id", scope.ProfileID,
		"node_id", n.ID,
		"defense", n.Defense,
		"error", cerr,
	)
	if e.onError != nil {
		e.onError(n.Defense, cerr)
	}

	return domain.NodeResult{
		NodeID:  n.ID,
		Kind:    domain.KindDefense,
		Flags:   flags,
		Details: map[string]any{"error": cerr.Error()},
		Output:  domain.OutputNext,
	}
}
