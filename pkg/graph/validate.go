// Package graph statically checks defense profile graphs before they are executed.
package graph

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/polisai/polis-defense/pkg/domain"
)

// Options tunes validation limits.
type Options struct {
	// MaxDepth bounds the number of hops from start to any action node.
	MaxDepth int
}

func (o Options) maxDepth() int {
	if o.MaxDepth > 0 {
		return o.MaxDepth
	}
	return domain.DefaultMaxDepth
}

// Validate runs every structural check against g and returns a *domain.ValidationError
// listing all problems, or nil when the graph is executable.
func Validate(g domain.Graph, opts Options) error {
	v := &validator{graph: g, opts: opts, index: make(map[string]domain.Node, len(g.Nodes))}
	v.checkNodes()
	v.checkTargets()
	v.checkOperatorInputs()
	v.checkCycles()
	v.checkReachability()
	v.checkThresholdRanges()
	if len(v.errs) == 0 {
		return nil
	}
	return &domain.ValidationError{Errors: v.errs, Cycle: v.cycle}
}

type validator struct {
	graph domain.Graph
	opts  Options
	index map[string]domain.Node
	start domain.Node
	errs  []string
	cycle []string
}

func (v *validator) fail(format string, args ...any) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

// checkNodes verifies the start node, id uniqueness, node kinds and per-kind arity.
func (v *validator) checkNodes() {
	starts := 0
	for i, n := range v.graph.Nodes {
		if n == nil {
			v.fail("node #%d is empty", i)
			continue
		}
		id := n.NodeID()
		if strings.TrimSpace(id) == "" {
			v.fail("node #%d has no id", i)
			continue
		}
		if _, dup := v.index[id]; dup {
			v.fail("duplicate node id %q", id)
			continue
		}
		v.index[id] = n

		switch node := n.(type) {
		case *domain.StartNode:
			starts++
			if v.start == nil {
				v.start = node
			}
			v.requireSingleOutput(node)
		case *domain.DefenseNode:
			if !node.Defense.Valid() {
				v.fail("node %q: unknown defense %q", id, node.Defense)
			}
			v.requireSingleOutput(node)
		case *domain.ObservationNode:
			if !node.Mechanism.Valid() {
				v.fail("node %q: unknown observation mechanism %q", id, node.Mechanism)
			}
			v.requireSingleOutput(node)
		case *domain.ActionNode:
			if !node.Action.Valid() {
				v.fail("node %q: unknown action %q", id, node.Action)
			}
			if len(node.Outputs) > 0 {
				v.fail("node %q: action nodes must not declare outputs", id)
			}
			if node.Config.TarpitDelayMS < 0 {
				v.fail("node %q: tarpit_delay_ms must not be negative", id)
			}
		case *domain.OperatorNode:
			v.checkOperatorArity(node)
		default:
			v.fail("node %q: unknown node kind %q", id, n.Kind())
		}
	}

	switch {
	case starts == 0:
		v.fail("graph has no start node")
	case starts > 1:
		v.fail("graph has %d start nodes, expected exactly one", starts)
	}
}

func (v *validator) requireSingleOutput(n domain.Node) {
	if got := len(n.Targets()); got != 1 {
		v.fail("node %q: %s nodes need exactly one output, found %d", n.NodeID(), n.Kind(), got)
	}
}

func (v *validator) checkOperatorArity(n *domain.OperatorNode) {
	id := n.ID
	if !n.Operator.Valid() {
		v.fail("node %q: unknown operator %q", id, n.Operator)
		return
	}
	outputs := n.Outputs
	switch n.Operator {
	case domain.OperatorAnd, domain.OperatorOr, domain.OperatorMax, domain.OperatorMin:
		if len(n.Inputs) == 0 {
			v.fail("node %q: operator %s needs at least one input", id, n.Operator)
		}
	}
	switch n.Operator {
	case domain.OperatorAnd, domain.OperatorOr:
		for _, label := range []string{domain.OutputTrue, domain.OutputFalse} {
			if _, ok := outputs[label]; !ok {
				if _, hasDefault := outputs[domain.OutputDefault]; !hasDefault {
					v.fail("node %q: operator %s needs a %q or %q output", id, n.Operator, label, domain.OutputDefault)
				}
			}
		}
	case domain.OperatorThresholdBranch:
		if len(n.Ranges) == 0 {
			v.fail("node %q: threshold_branch needs at least one range", id)
		}
	default:
		_, hasNext := outputs[domain.OutputNext]
		_, hasDefault := outputs[domain.OutputDefault]
		if !hasNext && !hasDefault && len(outputs) != 1 {
			v.fail("node %q: operator %s needs a %q output", id, n.Operator, domain.OutputNext)
		}
	}
	seen := make(map[string]struct{}, len(n.Inputs))
	for _, in := range n.Inputs {
		if _, dup := seen[in]; dup {
			v.fail("node %q: duplicate input %q", id, in)
		}
		seen[in] = struct{}{}
	}
}

// checkTargets verifies that every output target exists.
func (v *validator) checkTargets() {
	for _, n := range v.graph.Nodes {
		if n == nil {
			continue
		}
		for _, label := range domain.SortedLabels(n) {
			target := n.Targets()[label]
			if _, ok := v.index[target]; !ok {
				v.fail("node %q: output %q targets unknown node %q", n.NodeID(), label, target)
			}
		}
	}
}

// checkOperatorInputs verifies that operator inputs exist and are strictly upstream.
func (v *validator) checkOperatorInputs() {
	for _, n := range v.graph.Nodes {
		op, ok := n.(*domain.OperatorNode)
		if !ok {
			continue
		}
		for _, in := range op.Inputs {
			target, exists := v.index[in]
			if !exists {
				v.fail("node %q: input %q does not exist", op.ID, in)
				continue
			}
			if in == op.ID {
				v.fail("node %q: operator cannot take itself as input", op.ID)
				continue
			}
			switch target.Kind() {
			case domain.KindDefense, domain.KindOperator:
			default:
				v.fail("node %q: input %q is a %s node, expected defense or operator", op.ID, in, target.Kind())
				continue
			}
			if !v.reaches(in, op.ID) || v.reaches(op.ID, in) {
				v.fail("node %q: input %q is not upstream of the operator", op.ID, in)
			}
		}
	}
}

// reaches reports whether to is reachable from from over every edge.
func (v *validator) reaches(from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := v.index[cur]
		if !ok {
			continue
		}
		for _, next := range n.Targets() {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// checkCycles rejects cycles among gating edges, then conservatively rejects cycles
// that pass through observation nodes.
func (v *validator) checkCycles() {
	if cycle := v.findCycle(false); cycle != nil {
		v.cycle = cycle
		v.fail("cycle detected: %s", strings.Join(cycle, " -> "))
		return
	}
	if cycle := v.findCycle(true); cycle != nil {
		v.cycle = cycle
		v.fail("cycle through observation node detected: %s", strings.Join(cycle, " -> "))
	}
}

const (
	white = iota
	grey
	black
)

// findCycle runs a depth-first search with a recursion guard and returns the node ids
// of the first cycle found, closed by repeating its first id.
func (v *validator) findCycle(includeObservation bool) []string {
	color := make(map[string]int, len(v.index))
	var stack []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		n := v.index[id]
		if n.Kind() != domain.KindObservation || includeObservation {
			for _, label := range domain.SortedLabels(n) {
				next := n.Targets()[label]
				if _, ok := v.index[next]; !ok {
					continue
				}
				switch color[next] {
				case grey:
					for i, s := range stack {
						if s == next {
							found = append(append([]string(nil), stack[i:]...), next)
							break
						}
					}
					return true
				case white:
					if visit(next) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, n := range v.graph.Nodes {
		if n == nil {
			continue
		}
		if _, ok := v.index[n.NodeID()]; !ok || color[n.NodeID()] != white {
			continue
		}
		if visit(n.NodeID()) {
			return found
		}
	}
	return nil
}

// checkReachability verifies that every node is reachable from start and that every
// path terminates at an action node within the maximum depth.
func (v *validator) checkReachability() {
	if v.start == nil {
		return
	}
	reachable := map[string]bool{v.start.NodeID(): true}
	queue := []string{v.start.NodeID()}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range v.index[cur].Targets() {
			if _, ok := v.index[next]; ok && !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, n := range v.graph.Nodes {
		if n == nil || v.index[n.NodeID()] != n {
			continue
		}
		if !reachable[n.NodeID()] {
			v.fail("node %q is not reachable from start", n.NodeID())
		}
	}

	if v.cycle != nil {
		return
	}

	maxDepth := v.opts.maxDepth()
	depth := make(map[string]int, len(v.index))
	reported := make(map[string]bool)
	var longest func(id string) int
	longest = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		n := v.index[id]
		best := 0
		targets := 0
		for _, next := range n.Targets() {
			if _, ok := v.index[next]; !ok {
				continue
			}
			targets++
			if d := longest(next) + 1; d > best {
				best = d
			}
		}
		if targets == 0 && n.Kind() != domain.KindAction && !reported[id] {
			reported[id] = true
			v.fail("node %q: path ends without reaching an action node", id)
		}
		depth[id] = best
		return best
	}
	if d := longest(v.start.NodeID()); d > maxDepth {
		v.fail("graph depth %d exceeds maximum of %d", d, maxDepth)
	}
}

// checkThresholdRanges verifies threshold_branch ranges are well formed, disjoint,
// routed to declared outputs and cover the operator's domain unless a default exists.
func (v *validator) checkThresholdRanges() {
	for _, n := range v.graph.Nodes {
		op, ok := n.(*domain.OperatorNode)
		if !ok || op.Operator != domain.OperatorThresholdBranch || len(op.Ranges) == 0 {
			continue
		}
		wellFormed := true
		for i, r := range op.Ranges {
			if math.IsNaN(r.Min) || (r.Max != nil && math.IsNaN(*r.Max)) {
				v.fail("node %q: range #%d has a NaN bound", op.ID, i)
				wellFormed = false
				continue
			}
			if r.Max != nil && *r.Max <= r.Min {
				v.fail("node %q: range #%d has max %g not above min %g", op.ID, i, *r.Max, r.Min)
				wellFormed = false
			}
			if _, declared := op.Outputs[r.Output]; !declared {
				v.fail("node %q: range #%d routes to undeclared output %q", op.ID, i, r.Output)
			}
		}
		if !wellFormed {
			continue
		}

		sorted := append([]domain.ThresholdRange(nil), op.Ranges...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })
		for i := 0; i+1 < len(sorted); i++ {
			cur, next := sorted[i], sorted[i+1]
			if cur.Max == nil || *cur.Max > next.Min {
				v.fail("node %q: ranges [%s] and [%s] overlap", op.ID, describeRange(cur), describeRange(next))
			}
		}

		if _, hasDefault := op.Outputs[domain.OutputDefault]; hasDefault {
			continue
		}
		if gap, ok := coverageGap(sorted, op.Domain); !ok {
			v.fail("node %q: ranges do not cover %s and no %q output exists", op.ID, gap, domain.OutputDefault)
		}
	}
}

// coverageGap reports whether the sorted ranges cover the domain and, if not, the
// first uncovered interval.
func coverageGap(sorted []domain.ThresholdRange, dom *domain.ScoreDomain) (string, bool) {
	lo, hi := 0.0, math.Inf(1)
	if dom != nil {
		lo = dom.Min
		if dom.Max != nil {
			hi = *dom.Max
		}
	}
	cur := lo
	for _, r := range sorted {
		if cur >= hi {
			return "", true
		}
		if r.Min > cur {
			return fmt.Sprintf("[%g, %g)", cur, math.Min(r.Min, hi)), false
		}
		if r.Max == nil {
			return "", true
		}
		cur = math.Max(cur, *r.Max)
	}
	if cur >= hi {
		return "", true
	}
	if math.IsInf(hi, 1) {
		return fmt.Sprintf("[%g, +inf)", cur), false
	}
	return fmt.Sprintf("[%g, %g)", cur, hi), false
}

func describeRange(r domain.ThresholdRange) string {
	if r.Max == nil {
		return fmt.Sprintf("%g, +inf", r.Min)
	}
	return fmt.Sprintf("%g, %g", r.Min, *r.Max)
}
