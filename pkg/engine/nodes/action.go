package nodes

import (
	"context"
	"fmt"

	"github.com/polisai/polis-defense/pkg/domain"
)

// DefaultTarpitDelayMS applies to tarpit actions that do not set a delay.
const DefaultTarpitDelayMS = 2000

func evaluateAction(_ context.Context, node domain.Node, scope *Scope) (domain.NodeResult, error) {
	n, ok := node.(*domain.ActionNode)
	if !ok {
		return domain.NodeResult{}, fmt.Errorf("action evaluator received %s node %q", node.Kind(), node.NodeID())
	}
	score := scope.Accumulated
	if n.Config.Score != nil {
		score = *n.Config.Score
	}
	delay := n.Config.TarpitDelayMS
	if n.Action == domain.ActionTarpit && delay <= 0 {
		delay = DefaultTarpitDelayMS
	}
	if n.Action != domain.ActionTarpit {
		delay = 0
	}
	decision := &domain.Decision{
		Action:        n.Action,
		Score:         score,
		Reason:        n.Config.Reason,
		TarpitDelayMS: delay,
		Details:       domain.Config(n.Config.Details).Clone(),
	}
	return domain.NodeResult{
		NodeID:   n.ID,
		Kind:     domain.KindAction,
		Blocked:  n.Action == domain.ActionBlock,
		Decision: decision,
	}, nil
}
