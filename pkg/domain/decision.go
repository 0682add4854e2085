package domain

// NodeResult is the typed output of one node evaluation.
type NodeResult struct {
	NodeID     string         `json:"node_id"`
	Kind       NodeKind       `json:"kind"`
	ScoreDelta float64        `json:"score_delta"`
	Blocked    bool           `json:"blocked"`
	Flags      []string       `json:"flags,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	// Output is the label the executor follows next. Empty for action nodes.
	Output string `json:"output,omitempty"`
	// Value carries the computed score of operator nodes.
	Value    *float64  `json:"value,omitempty"`
	Decision *Decision `json:"decision,omitempty"`
}

// Decision is the terminal outcome of one graph execution.
type Decision struct {
	Action        ActionType     `json:"action"`
	Score         float64        `json:"score"`
	Flags         []string       `json:"flags,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	TarpitDelayMS int            `json:"tarpit_delay_ms,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// TraceEntry records one executed node.
type TraceEntry struct {
	NodeID    string     `json:"node_id"`
	Kind      NodeKind   `json:"kind"`
	Result    NodeResult `json:"result"`
	ElapsedUS int64      `json:"elapsed_us"`
	// OnDemand marks operator inputs evaluated outside the walked path.
	OnDemand bool `json:"on_demand,omitempty"`
}

// ProfileResult is the outcome of executing one profile.
type ProfileResult struct {
	ProfileID       string         `json:"profile_id"`
	Action          ActionType     `json:"action"`
	Score           float64        `json:"score"`
	Blocked         bool           `json:"blocked"`
	Flags           []string       `json:"flags,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	TarpitDelayMS   int            `json:"tarpit_delay_ms,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	Weight          float64        `json:"weight"`
	Fallback        bool           `json:"fallback,omitempty"`
	Skipped         bool           `json:"skipped,omitempty"`
	ErrorKind       ErrorKind      `json:"error_kind,omitempty"`
	Error           string         `json:"error,omitempty"`
	NodesExecuted   int            `json:"nodes_executed"`
	ExecutionTimeMS float64        `json:"execution_time_ms"`
	Trace           []TraceEntry   `json:"trace,omitempty"`
}

// LineResult is the outcome of one defense line.
type LineResult struct {
	Line int `json:"line"`
	ProfileResult
}

// SimulationResult is the final decision returned to the request handler.
type SimulationResult struct {
	Action          ActionType      `json:"action"`
	Score           float64         `json:"score"`
	Flags           []string        `json:"flags"`
	Details         map[string]any  `json:"details,omitempty"`
	BlockReason     string          `json:"block_reason,omitempty"`
	AllowReason     string          `json:"allow_reason,omitempty"`
	TarpitDelayMS   int             `json:"tarpit_delay_ms,omitempty"`
	ExecutionTimeMS float64         `json:"execution_time_ms"`
	NodesExecuted   int             `json:"nodes_executed"`
	Profiles        []ProfileResult `json:"profiles,omitempty"`
	Lines           []LineResult    `json:"lines,omitempty"`
}

// ValidationReport is the read-only result of validating a profile.
type ValidationReport struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// AppendFlags appends flags that are not already present, preserving order.
func AppendFlags(dst []string, flags ...string) []string {
	for _, f := range flags {
		if f == "" || HasFlag(dst, f) {
			continue
		}
		dst = append(dst, f)
	}
	return dst
}

// HasFlag reports whether flags contains flag.
func HasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
