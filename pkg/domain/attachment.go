package domain

import (
	"math"
	"sort"
)

// ProfileRef attaches one profile to an endpoint.
type ProfileRef struct {
	ID       string   `json:"id" yaml:"id"`
	Priority int      `json:"priority" yaml:"priority"`
	Weight   *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// EffectiveWeight returns the weight clamped into [0,1], defaulting to 1.
func (r ProfileRef) EffectiveWeight() float64 {
	if r.Weight == nil || math.IsNaN(*r.Weight) {
		return 1
	}
	return math.Min(1, math.Max(0, *r.Weight))
}

// DefenseProfileAttachment attaches weighted profiles to a vhost or endpoint.
type DefenseProfileAttachment struct {
	Enabled          bool             `json:"enabled" yaml:"enabled"`
	Profiles         []ProfileRef     `json:"profiles" yaml:"profiles"`
	Aggregation      Aggregation      `json:"aggregation" yaml:"aggregation"`
	ScoreAggregation ScoreAggregation `json:"score_aggregation" yaml:"score_aggregation"`
	ShortCircuit     bool             `json:"short_circuit" yaml:"short_circuit"`
}

// Ordered returns the profile references sorted by ascending priority, ties by id.
func (a DefenseProfileAttachment) Ordered() []ProfileRef {
	refs := append([]ProfileRef(nil), a.Profiles...)
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Priority != refs[j].Priority {
			return refs[i].Priority < refs[j].Priority
		}
		return refs[i].ID < refs[j].ID
	})
	return refs
}

// DefenseLineAttachment is one sequential gate evaluated after the base decision.
type DefenseLineAttachment struct {
	ProfileID        string           `json:"profile_id" yaml:"profile_id"`
	SignatureIDs     []string         `json:"signature_ids" yaml:"signature_ids"`
	Enabled          bool             `json:"enabled" yaml:"enabled"`
	InlineSignatures AttackSignatures `json:"inline_signatures,omitempty" yaml:"inline_signatures,omitempty"`
}

// EndpointBinding couples a host/path with its attachments.
type EndpointBinding struct {
	Host         string
	PathPrefix   string
	Attachment   DefenseProfileAttachment
	DefenseLines []DefenseLineAttachment
}
