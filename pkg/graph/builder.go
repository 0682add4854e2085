package graph

import "github.com/polisai/polis-defense/pkg/domain"

// Builder assembles graphs in declaration order. It performs no validation.
type Builder struct {
	nodes []domain.Node
}

// New returns an empty builder.
func New() *Builder { return &Builder{} }

// Start adds the start node.
func (b *Builder) Start(id, next string) *Builder {
	b.nodes = append(b.nodes, &domain.StartNode{NodeBase: base(id, domain.OutputNext, next)})
	return b
}

// Defense adds a defense node with a single next output.
func (b *Builder) Defense(id string, defense domain.DefenseType, cfg domain.Config, next string) *Builder {
	b.nodes = append(b.nodes, &domain.DefenseNode{NodeBase: base(id, domain.OutputNext, next), Defense: defense, Config: cfg})
	return b
}

// Observe adds an observation node.
func (b *Builder) Observe(id string, mechanism domain.ObservationType, cfg domain.Config, next string) *Builder {
	b.nodes = append(b.nodes, &domain.ObservationNode{NodeBase: base(id, domain.OutputNext, next), Mechanism: mechanism, Config: cfg})
	return b
}

// Operator adds an operator node with explicit outputs.
func (b *Builder) Operator(id string, op domain.OperatorType, inputs []string, outputs map[string]string) *Builder {
	b.nodes = append(b.nodes, &domain.OperatorNode{NodeBase: domain.NodeBase{ID: id, Outputs: outputs}, Operator: op, Inputs: inputs})
	return b
}

// Threshold adds a threshold_branch operator.
func (b *Builder) Threshold(id string, inputs []string, ranges []domain.ThresholdRange, outputs map[string]string) *Builder {
	b.nodes = append(b.nodes, &domain.OperatorNode{
		NodeBase: domain.NodeBase{ID: id, Outputs: outputs},
		Operator: domain.OperatorThresholdBranch,
		Inputs:   inputs,
		Ranges:   ranges,
	})
	return b
}

// Action adds a terminal action node.
func (b *Builder) Action(id string, action domain.ActionType, cfg domain.ActionConfig) *Builder {
	b.nodes = append(b.nodes, &domain.ActionNode{NodeBase: domain.NodeBase{ID: id}, Action: action, Config: cfg})
	return b
}

// Node appends an arbitrary node.
func (b *Builder) Node(n domain.Node) *Builder {
	b.nodes = append(b.nodes, n)
	return b
}

// Graph returns the assembled graph.
func (b *Builder) Graph() domain.Graph {
	return domain.Graph{Nodes: append([]domain.Node(nil), b.nodes...)}
}

func base(id, label, target string) domain.NodeBase {
	return domain.NodeBase{ID: id, Outputs: map[string]string{label: target}}
}

// Range is shorthand for a threshold range; a negative max means open ended.
func Range(lo, hi float64, output string) domain.ThresholdRange {
	r := domain.ThresholdRange{Min: lo, Output: output}
	if hi >= 0 {
		r.Max = &hi
	}
	return r
}
