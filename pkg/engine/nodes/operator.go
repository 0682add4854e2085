package nodes

import (
	"context"
	"fmt"

	"github.com/polisai/polis-defense/pkg/domain"
)

func evaluateOperator(ctx context.Context, node domain.Node, scope *Scope) (domain.NodeResult, error) {
	n, ok := node.(*domain.OperatorNode)
	if !ok {
		return domain.NodeResult{}, fmt.Errorf("operator evaluator received %s node %q", node.Kind(), node.NodeID())
	}

	inputs := make([]domain.NodeResult, 0, len(n.Inputs))
	for _, id := range n.Inputs {
		if scope.Input == nil {
			return domain.NodeResult{}, fmt.Errorf("operator %q: no input resolver", n.ID)
		}
		res, err := scope.Input(ctx, id)
		if err != nil {
			return domain.NodeResult{}, fmt.Errorf("operator %q input %q: %w", n.ID, id, err)
		}
		inputs = append(inputs, res)
	}

	result := domain.NodeResult{NodeID: n.ID, Kind: domain.KindOperator}
	switch n.Operator {
	case domain.OperatorSum:
		value := sumOrAccumulated(inputs, scope)
		result.Value = &value
		return routeSingle(n, result)

	case domain.OperatorMax, domain.OperatorMin:
		if len(inputs) == 0 {
			return result, fmt.Errorf("operator %q: %s needs at least one input", n.ID, n.Operator)
		}
		value := InputScore(inputs[0])
		for _, in := range inputs[1:] {
			s := InputScore(in)
			if (n.Operator == domain.OperatorMax && s > value) || (n.Operator == domain.OperatorMin && s < value) {
				value = s
			}
		}
		result.Value = &value
		return routeSingle(n, result)

	case domain.OperatorAnd, domain.OperatorOr:
		if len(inputs) == 0 {
			return result, fmt.Errorf("operator %q: %s needs at least one input", n.ID, n.Operator)
		}
		blocked := n.Operator == domain.OperatorAnd
		for _, in := range inputs {
			if n.Operator == domain.OperatorAnd {
				blocked = blocked && in.Blocked
			} else {
				blocked = blocked || in.Blocked
			}
		}
		result.Blocked = blocked
		label := domain.OutputFalse
		if blocked {
			label = domain.OutputTrue
		}
		return route(n, result, label)

	case domain.OperatorThresholdBranch:
		score := sumOrAccumulated(inputs, scope)
		result.Value = &score
		for _, r := range n.Ranges {
			if r.Contains(score) {
				return route(n, result, r.Output)
			}
		}
		if _, ok := n.Outputs[domain.OutputDefault]; ok {
			result.Output = domain.OutputDefault
			return result, nil
		}
		return result, fmt.Errorf("operator %q: score %g: %w", n.ID, score, domain.ErrNoRangeMatched)
	}
	return result, fmt.Errorf("operator %q: unknown operator %q", n.ID, n.Operator)
}

// InputScore is the score an operator reads from one of its inputs: the computed value
// of an operator, or the score delta of a defense.
func InputScore(res domain.NodeResult) float64 {
	if res.Value != nil {
		return *res.Value
	}
	return res.ScoreDelta
}

func sumOrAccumulated(inputs []domain.NodeResult, scope *Scope) float64 {
	if len(inputs) == 0 {
		return scope.Accumulated
	}
	var total float64
	for _, in := range inputs {
		total += InputScore(in)
	}
	return total
}

// route selects label, falling back to default.
func route(n *domain.OperatorNode, result domain.NodeResult, label string) (domain.NodeResult, error) {
	if _, ok := n.Outputs[label]; ok {
		result.Output = label
		return result, nil
	}
	if _, ok := n.Outputs[domain.OutputDefault]; ok {
		result.Output = domain.OutputDefault
		return result, nil
	}
	return result, fmt.Errorf("operator %q: no output %q and no default", n.ID, label)
}

// routeSingle follows next, then default, then the only declared output.
func routeSingle(n *domain.OperatorNode, result domain.NodeResult) (domain.NodeResult, error) {
	for _, label := range []string{domain.OutputNext, domain.OutputDefault} {
		if _, ok := n.Outputs[label]; ok {
			result.Output = label
			return result, nil
		}
	}
	if len(n.Outputs) == 1 {
		for label := range n.Outputs {
			result.Output = label
		}
		return result, nil
	}
	return result, fmt.Errorf("operator %q: cannot choose among %d outputs", n.ID, len(n.Outputs))
}
