package domain

import "sort"

// NodeKind discriminates the graph node variants.
type NodeKind string

const (
	// KindStart is the unique entry node of a profile graph.
	KindStart NodeKind = "start"
	// KindDefense invokes one named detection capability.
	KindDefense NodeKind = "defense"
	// KindOperator combines upstream results or branches on them.
	KindOperator NodeKind = "operator"
	// KindAction terminates execution with a decision.
	KindAction NodeKind = "action"
	// KindObservation runs a side effect and never gates control flow.
	KindObservation NodeKind = "observation"
)

// Valid reports whether the kind belongs to the closed set of node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindStart, KindDefense, KindOperator, KindAction, KindObservation:
		return true
	}
	return false
}

// Well-known output labels.
const (
	OutputNext    = "next"
	OutputDefault = "default"
	OutputTrue    = "true"
	OutputFalse   = "false"
)

// Node is a graph node. The set of implementations is closed: StartNode, DefenseNode,
// OperatorNode, ActionNode and ObservationNode.
type Node interface {
	NodeID() string
	Kind() NodeKind
	// Targets returns the output label → next node id mapping. Callers must not mutate it.
	Targets() map[string]string
	clone() Node
}

// NodeBase holds the fields shared by every node kind.
type NodeBase struct {
	ID      string
	Outputs map[string]string
}

// NodeID returns the stable node identifier.
func (b NodeBase) NodeID() string { return b.ID }

// Targets returns the node's outputs.
func (b NodeBase) Targets() map[string]string { return b.Outputs }

func (b NodeBase) cloneBase() NodeBase {
	return NodeBase{ID: b.ID, Outputs: cloneStringMap(b.Outputs)}
}

// StartNode is the unique entry point; it has exactly one unconditional output.
type StartNode struct {
	NodeBase
}

// Kind implements Node.
func (*StartNode) Kind() NodeKind { return KindStart }

func (n *StartNode) clone() Node { return &StartNode{NodeBase: n.cloneBase()} }

// DefenseNode wraps one named detection capability and its configuration.
type DefenseNode struct {
	NodeBase
	Defense DefenseType
	Config  Config
}

// Kind implements Node.
func (*DefenseNode) Kind() NodeKind { return KindDefense }

func (n *DefenseNode) clone() Node {
	return &DefenseNode{NodeBase: n.cloneBase(), Defense: n.Defense, Config: n.Config.Clone()}
}

// ThresholdRange selects a threshold_branch output. Min is inclusive, Max exclusive;
// a nil Max is open ended.
type ThresholdRange struct {
	Min    float64  `json:"min" yaml:"min"`
	Max    *float64 `json:"max" yaml:"max"`
	Output string   `json:"output" yaml:"output"`
}

// Contains reports whether score falls inside the range.
func (r ThresholdRange) Contains(score float64) bool {
	if score < r.Min {
		return false
	}
	return r.Max == nil || score < *r.Max
}

// ScoreDomain is the score interval a threshold_branch must cover when it has no
// default output. A nil Max means +inf.
type ScoreDomain struct {
	Min float64  `json:"min" yaml:"min"`
	Max *float64 `json:"max" yaml:"max"`
}

// OperatorNode combines the results of its declared inputs.
type OperatorNode struct {
	NodeBase
	Operator OperatorType
	Inputs   []string
	Ranges   []ThresholdRange
	Domain   *ScoreDomain
	Config   Config
}

// Kind implements Node.
func (*OperatorNode) Kind() NodeKind { return KindOperator }

func (n *OperatorNode) clone() Node {
	c := &OperatorNode{
		NodeBase: n.cloneBase(),
		Operator: n.Operator,
		Inputs:   append([]string(nil), n.Inputs...),
		Config:   n.Config.Clone(),
	}
	if len(n.Ranges) > 0 {
		c.Ranges = make([]ThresholdRange, len(n.Ranges))
		for i, r := range n.Ranges {
			c.Ranges[i] = ThresholdRange{Min: r.Min, Max: cloneFloat(r.Max), Output: r.Output}
		}
	}
	if n.Domain != nil {
		c.Domain = &ScoreDomain{Min: n.Domain.Min, Max: cloneFloat(n.Domain.Max)}
	}
	return c
}

// ActionConfig parametrises a terminal action.
type ActionConfig struct {
	Reason        string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	TarpitDelayMS int            `json:"tarpit_delay_ms,omitempty" yaml:"tarpit_delay_ms,omitempty"`
	Score         *float64       `json:"score,omitempty" yaml:"score,omitempty"`
	Details       map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// ActionNode is terminal: it fixes the decision of one graph execution.
type ActionNode struct {
	NodeBase
	Action ActionType
	Config ActionConfig
}

// Kind implements Node.
func (*ActionNode) Kind() NodeKind { return KindAction }

func (n *ActionNode) clone() Node {
	cfg := n.Config
	cfg.Score = cloneFloat(n.Config.Score)
	cfg.Details = Config(n.Config.Details).Clone()
	return &ActionNode{NodeBase: n.cloneBase(), Action: n.Action, Config: cfg}
}

// ObservationNode runs a non-blocking side effect and always continues to its single output.
type ObservationNode struct {
	NodeBase
	Mechanism ObservationType
	Config    Config
}

// Kind implements Node.
func (*ObservationNode) Kind() NodeKind { return KindObservation }

func (n *ObservationNode) clone() Node {
	return &ObservationNode{NodeBase: n.cloneBase(), Mechanism: n.Mechanism, Config: n.Config.Clone()}
}

// Graph is the ordered node set of a profile.
type Graph struct {
	Nodes []Node
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	if len(g.Nodes) == 0 {
		return Graph{}
	}
	nodes := make([]Node, len(g.Nodes))
	for i, n := range g.Nodes {
		if n == nil {
			continue
		}
		nodes[i] = n.clone()
	}
	return Graph{Nodes: nodes}
}

// Index maps node ids to nodes. The first node wins on duplicate ids.
func (g Graph) Index() map[string]Node {
	index := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if _, exists := index[n.NodeID()]; !exists {
			index[n.NodeID()] = n
		}
	}
	return index
}

// Start returns the first start node, if any.
func (g Graph) Start() (*StartNode, bool) {
	for _, n := range g.Nodes {
		if s, ok := n.(*StartNode); ok {
			return s, true
		}
	}
	return nil, false
}

// SortedLabels returns the output labels of a node in lexical order.
func SortedLabels(n Node) []string {
	labels := make([]string, 0, len(n.Targets()))
	for label := range n.Targets() {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// SingleTarget returns the only output target of a node with exactly one output.
func SingleTarget(n Node) (string, bool) {
	outputs := n.Targets()
	if len(outputs) != 1 {
		return "", false
	}
	for _, target := range outputs {
		return target, true
	}
	return "", false
}

func cloneStringMap(input map[string]string) map[string]string {
	if input == nil {
		return nil
	}
	clone := make(map[string]string, len(input))
	for k, v := range input {
		clone[k] = v
	}
	return clone
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
