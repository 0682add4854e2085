package domain

import "time"

// Execution defaults applied when profile settings leave them unset.
const (
	DefaultMaxExecutionTime = 50 * time.Millisecond
	DefaultMaxNodeVisits    = 256
	DefaultMaxDepth         = 64
	LegacyDefaultProfileID  = "legacy-default"
)

// Settings holds per-profile execution settings.
type Settings struct {
	DefaultAction      ActionType `json:"default_action" yaml:"default_action"`
	MaxExecutionTimeMS int        `json:"max_execution_time_ms" yaml:"max_execution_time_ms"`
}

// Fallback returns the configured default action, or allow.
func (s Settings) Fallback() ActionType {
	if s.DefaultAction.Valid() {
		return s.DefaultAction
	}
	return ActionAllow
}

// Budget returns the wall-clock budget of one execution.
func (s Settings) Budget() time.Duration {
	if s.MaxExecutionTimeMS > 0 {
		return time.Duration(s.MaxExecutionTimeMS) * time.Millisecond
	}
	return DefaultMaxExecutionTime
}

// DefenseProfile is a user-authored defense graph with its settings.
type DefenseProfile struct {
	ID               string
	Name             string
	Enabled          bool
	Builtin          bool
	Priority         int
	Extends          string
	Graph            Graph
	Settings         Settings
	AttackSignatures *AttackSignatureAttachment
}

// Clone returns a deep copy of the profile.
func (p *DefenseProfile) Clone() *DefenseProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.Graph = p.Graph.Clone()
	c.AttackSignatures = p.AttackSignatures.Clone()
	return &c
}

// LegacyDefaultProfile is the shipped profile used when no default profile is configured.
// It only flags honeypot hits and otherwise allows.
func LegacyDefaultProfile() *DefenseProfile {
	return &DefenseProfile{
		ID:       LegacyDefaultProfileID,
		Name:     "Legacy default",
		Enabled:  true,
		Builtin:  true,
		Priority: 0,
		Graph: Graph{Nodes: []Node{
			&StartNode{NodeBase: NodeBase{ID: "start", Outputs: map[string]string{OutputNext: "honeypot"}}},
			&DefenseNode{
				NodeBase: NodeBase{ID: "honeypot", Outputs: map[string]string{OutputNext: "decide"}},
				Defense:  DefenseHoneypot,
				Config:   Config{"fields": []any{"website", "url_confirm"}, "score": 100.0},
			},
			&OperatorNode{
				NodeBase: NodeBase{ID: "decide", Outputs: map[string]string{OutputTrue: "block", OutputFalse: "allow"}},
				Operator: OperatorOr,
				Inputs:   []string{"honeypot"},
			},
			&ActionNode{NodeBase: NodeBase{ID: "block"}, Action: ActionBlock, Config: ActionConfig{Reason: "honeypot field filled"}},
			&ActionNode{NodeBase: NodeBase{ID: "allow"}, Action: ActionAllow},
		}},
		Settings: Settings{DefaultAction: ActionAllow, MaxExecutionTimeMS: 50},
	}
}
