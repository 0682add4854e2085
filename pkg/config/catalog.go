package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-defense/pkg/domain"
)

// CatalogDocument is the wire form of the defense catalog (DTO).
type CatalogDocument struct {
	DefaultProfileID string          `json:"default_profile_id,omitempty" yaml:"default_profile_id,omitempty"`
	Profiles         []ProfileSpec   `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	Signatures       []SignatureSpec `json:"signatures,omitempty" yaml:"signatures,omitempty"`
	Endpoints        []EndpointSpec  `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
}

// ProfileSpec describes one defense profile.
type ProfileSpec struct {
	ID               string               `json:"id" yaml:"id"`
	Name             string               `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled          *bool                `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Priority         int                  `json:"priority,omitempty" yaml:"priority,omitempty"`
	Extends          string               `json:"extends,omitempty" yaml:"extends,omitempty"`
	Graph            GraphSpec            `json:"graph" yaml:"graph"`
	Settings         domain.Settings      `json:"settings" yaml:"settings"`
	AttackSignatures *SignatureAttachSpec `json:"attack_signatures,omitempty" yaml:"attack_signatures,omitempty"`
	// Builtin is reported on reads and ignored on writes.
	Builtin bool `json:"builtin,omitempty" yaml:"-"`
}

// GraphSpec holds the nodes of a profile graph.
type GraphSpec struct {
	Nodes []NodeSpec `json:"nodes" yaml:"nodes"`
}

// NodeSpec is the flat wire form of every node kind. Type selects which fields apply.
type NodeSpec struct {
	ID        string                  `json:"id" yaml:"id"`
	Type      domain.NodeKind         `json:"type" yaml:"type"`
	Defense   domain.DefenseType      `json:"defense,omitempty" yaml:"defense,omitempty"`
	Operator  domain.OperatorType     `json:"operator,omitempty" yaml:"operator,omitempty"`
	Action    domain.ActionType       `json:"action,omitempty" yaml:"action,omitempty"`
	Mechanism domain.ObservationType  `json:"mechanism,omitempty" yaml:"mechanism,omitempty"`
	Config    map[string]any          `json:"config,omitempty" yaml:"config,omitempty"`
	Inputs    []string                `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs   map[string]string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Ranges    []domain.ThresholdRange `json:"ranges,omitempty" yaml:"ranges,omitempty"`
	Domain    *domain.ScoreDomain     `json:"domain,omitempty" yaml:"domain,omitempty"`

	Reason        string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	TarpitDelayMS int            `json:"tarpit_delay_ms,omitempty" yaml:"tarpit_delay_ms,omitempty"`
	Score         *float64       `json:"score,omitempty" yaml:"score,omitempty"`
	Details       map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// SignatureAttachSpec attaches signatures to a profile.
type SignatureAttachSpec struct {
	MergeMode domain.MergeMode   `json:"merge_mode,omitempty" yaml:"merge_mode,omitempty"`
	Items     []SignatureRefSpec `json:"items" yaml:"items"`
}

// SignatureRefSpec references one signature. Enabled defaults to true.
type SignatureRefSpec struct {
	SignatureID string `json:"signature_id" yaml:"signature_id"`
	Priority    int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// SignatureSpec describes a reusable attack signature.
type SignatureSpec struct {
	ID         string                      `json:"id" yaml:"id"`
	Name       string                      `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled    *bool                       `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Priority   int                         `json:"priority,omitempty" yaml:"priority,omitempty"`
	Signatures map[string]map[string]any   `json:"signatures" yaml:"signatures"`
	Thresholds *domain.SignatureThresholds `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	Tags       []string                    `json:"tags,omitempty" yaml:"tags,omitempty"`
	ExpiresAt  *time.Time                  `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// EndpointSpec binds attachments to a host and path prefix.
type EndpointSpec struct {
	Host         string         `json:"host,omitempty" yaml:"host,omitempty"`
	PathPrefix   string         `json:"path_prefix" yaml:"path_prefix"`
	Attachment   AttachmentSpec `json:"attachment" yaml:"attachment"`
	DefenseLines []LineSpec     `json:"defense_lines,omitempty" yaml:"defense_lines,omitempty"`
}

// AttachmentSpec is the wire form of a profile attachment. Enabled defaults to true.
type AttachmentSpec struct {
	Enabled          *bool                   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Profiles         []domain.ProfileRef     `json:"profiles" yaml:"profiles"`
	Aggregation      domain.Aggregation      `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	ScoreAggregation domain.ScoreAggregation `json:"score_aggregation,omitempty" yaml:"score_aggregation,omitempty"`
	ShortCircuit     bool                    `json:"short_circuit,omitempty" yaml:"short_circuit,omitempty"`
}

// LineSpec is the wire form of a defense line. Enabled defaults to true.
type LineSpec struct {
	ProfileID        string                    `json:"profile_id,omitempty" yaml:"profile_id,omitempty"`
	SignatureIDs     []string                  `json:"signature_ids,omitempty" yaml:"signature_ids,omitempty"`
	Enabled          *bool                     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	InlineSignatures map[string]map[string]any `json:"inline_signatures,omitempty" yaml:"inline_signatures,omitempty"`
}

// Catalog is a converted but not yet resolved catalog. Profiles may still carry
// extends references.
type Catalog struct {
	DefaultProfileID string
	Profiles         []*domain.DefenseProfile
	Signatures       []*domain.AttackSignature
	Endpoints        []domain.EndpointBinding
}

// ParseCatalog decodes a YAML or JSON catalog document. Unknown fields are rejected.
func ParseCatalog(data []byte) (*CatalogDocument, error) {
	var doc CatalogDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &CatalogDocument{}, nil
		}
		jdec := json.NewDecoder(bytes.NewReader(data))
		jdec.DisallowUnknownFields()
		var jdoc CatalogDocument
		if jsonErr := jdec.Decode(&jdoc); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse catalog: %w", err)
		}
		return &jdoc, nil
	}
	return &doc, nil
}

// ToDomain converts the document to domain types. Every conversion problem is
// reported, joined into one error.
func (d *CatalogDocument) ToDomain() (*Catalog, error) {
	out := &Catalog{DefaultProfileID: strings.TrimSpace(d.DefaultProfileID)}
	var errs []error

	seen := make(map[string]struct{}, len(d.Profiles))
	for i := range d.Profiles {
		spec := &d.Profiles[i]
		if _, dup := seen[spec.ID]; dup {
			errs = append(errs, fmt.Errorf("profile %q defined twice", spec.ID))
			continue
		}
		seen[spec.ID] = struct{}{}
		p, err := spec.ToDomain()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.Profiles = append(out.Profiles, p)
	}

	sigSeen := make(map[string]struct{}, len(d.Signatures))
	for i := range d.Signatures {
		spec := &d.Signatures[i]
		if strings.TrimSpace(spec.ID) == "" {
			errs = append(errs, fmt.Errorf("signature #%d has no id", i))
			continue
		}
		if _, dup := sigSeen[spec.ID]; dup {
			errs = append(errs, fmt.Errorf("signature %q defined twice", spec.ID))
			continue
		}
		sigSeen[spec.ID] = struct{}{}
		sig, err := spec.ToDomain()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.Signatures = append(out.Signatures, sig)
	}

	for i, ep := range d.Endpoints {
		binding, err := ep.ToDomain()
		if err != nil {
			errs = append(errs, fmt.Errorf("endpoint #%d: %w", i, err))
			continue
		}
		out.Endpoints = append(out.Endpoints, binding)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// ToDomain converts the profile. Graph structure is not validated here.
func (s *ProfileSpec) ToDomain() (*domain.DefenseProfile, error) {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return nil, errors.New("profile has no id")
	}
	p := &domain.DefenseProfile{
		ID:       id,
		Name:     s.Name,
		Enabled:  boolOr(s.Enabled, true),
		Builtin:  s.Builtin,
		Priority: s.Priority,
		Extends:  strings.TrimSpace(s.Extends),
		Settings: s.Settings,
	}
	p.Settings.DefaultAction = domain.ActionType(strings.ToLower(string(s.Settings.DefaultAction)))

	for i, n := range s.Graph.Nodes {
		node, err := n.ToDomain()
		if err != nil {
			return nil, fmt.Errorf("profile %q: node #%d: %w", id, i, err)
		}
		p.Graph.Nodes = append(p.Graph.Nodes, node)
	}

	if s.AttackSignatures != nil {
		att := &domain.AttackSignatureAttachment{MergeMode: s.AttackSignatures.MergeMode}
		for _, item := range s.AttackSignatures.Items {
			att.Items = append(att.Items, domain.SignatureRef{
				SignatureID: strings.TrimSpace(item.SignatureID),
				Priority:    item.Priority,
				Enabled:     boolOr(item.Enabled, true),
			})
		}
		p.AttackSignatures = att
	}
	return p, nil
}

// ToDomain converts one node according to its type.
func (n NodeSpec) ToDomain() (domain.Node, error) {
	base := domain.NodeBase{ID: strings.TrimSpace(n.ID), Outputs: copyOutputs(n.Outputs)}
	switch domain.NodeKind(strings.ToLower(string(n.Type))) {
	case domain.KindStart:
		return &domain.StartNode{NodeBase: base}, nil
	case domain.KindDefense:
		return &domain.DefenseNode{NodeBase: base, Defense: n.Defense, Config: domain.Config(n.Config).Clone()}, nil
	case domain.KindOperator:
		return &domain.OperatorNode{
			NodeBase: base,
			Operator: domain.OperatorType(strings.ToLower(string(n.Operator))),
			Inputs:   append([]string(nil), n.Inputs...),
			Ranges:   append([]domain.ThresholdRange(nil), n.Ranges...),
			Domain:   n.Domain,
			Config:   domain.Config(n.Config).Clone(),
		}, nil
	case domain.KindAction:
		return &domain.ActionNode{
			NodeBase: base,
			Action:   domain.ActionType(strings.ToLower(string(n.Action))),
			Config: domain.ActionConfig{
				Reason:        n.Reason,
				TarpitDelayMS: n.TarpitDelayMS,
				Score:         n.Score,
				Details:       domain.Config(n.Details).Clone(),
			},
		}, nil
	case domain.KindObservation:
		return &domain.ObservationNode{NodeBase: base, Mechanism: n.Mechanism, Config: domain.Config(n.Config).Clone()}, nil
	default:
		return nil, fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
	}
}

// ToDomain converts the signature, rejecting unknown defense types.
func (s *SignatureSpec) ToDomain() (*domain.AttackSignature, error) {
	sigs, err := toAttackSignatures(s.Signatures)
	if err != nil {
		return nil, fmt.Errorf("signature %q: %w", s.ID, err)
	}
	return &domain.AttackSignature{
		ID:         strings.TrimSpace(s.ID),
		Name:       s.Name,
		Enabled:    boolOr(s.Enabled, true),
		Priority:   s.Priority,
		Signatures: sigs,
		Thresholds: s.Thresholds,
		Tags:       append([]string(nil), s.Tags...),
		ExpiresAt:  s.ExpiresAt,
	}, nil
}

// ToDomain converts the endpoint binding.
func (e EndpointSpec) ToDomain() (domain.EndpointBinding, error) {
	binding := domain.EndpointBinding{
		Host:       strings.TrimSpace(e.Host),
		PathPrefix: e.PathPrefix,
		Attachment: e.Attachment.ToDomain(),
	}
	for i, line := range e.DefenseLines {
		inline, err := toAttackSignatures(line.InlineSignatures)
		if err != nil {
			return domain.EndpointBinding{}, fmt.Errorf("defense line #%d: %w", i, err)
		}
		binding.DefenseLines = append(binding.DefenseLines, domain.DefenseLineAttachment{
			ProfileID:        strings.TrimSpace(line.ProfileID),
			SignatureIDs:     append([]string(nil), line.SignatureIDs...),
			Enabled:          boolOr(line.Enabled, true),
			InlineSignatures: inline,
		})
	}
	return binding, nil
}

// ToDomain converts the attachment.
func (a AttachmentSpec) ToDomain() domain.DefenseProfileAttachment {
	return domain.DefenseProfileAttachment{
		Enabled:          boolOr(a.Enabled, true),
		Profiles:         append([]domain.ProfileRef(nil), a.Profiles...),
		Aggregation:      a.Aggregation,
		ScoreAggregation: a.ScoreAggregation,
		ShortCircuit:     a.ShortCircuit,
	}
}

// ProfileFromDomain converts a profile back to its wire form.
func ProfileFromDomain(p *domain.DefenseProfile) ProfileSpec {
	enabled := p.Enabled
	spec := ProfileSpec{
		ID:       p.ID,
		Name:     p.Name,
		Enabled:  &enabled,
		Priority: p.Priority,
		Extends:  p.Extends,
		Settings: p.Settings,
		Builtin:  p.Builtin,
	}
	for _, n := range p.Graph.Nodes {
		if n == nil {
			continue
		}
		spec.Graph.Nodes = append(spec.Graph.Nodes, nodeFromDomain(n))
	}
	if p.AttackSignatures != nil {
		att := &SignatureAttachSpec{MergeMode: p.AttackSignatures.MergeMode}
		for _, item := range p.AttackSignatures.Items {
			itemEnabled := item.Enabled
			att.Items = append(att.Items, SignatureRefSpec{
				SignatureID: item.SignatureID,
				Priority:    item.Priority,
				Enabled:     &itemEnabled,
			})
		}
		spec.AttackSignatures = att
	}
	return spec
}

func nodeFromDomain(n domain.Node) NodeSpec {
	spec := NodeSpec{ID: n.NodeID(), Type: n.Kind(), Outputs: copyOutputs(n.Targets())}
	switch node := n.(type) {
	case *domain.DefenseNode:
		spec.Defense = node.Defense
		spec.Config = node.Config.Clone()
	case *domain.OperatorNode:
		spec.Operator = node.Operator
		spec.Inputs = append([]string(nil), node.Inputs...)
		spec.Ranges = append([]domain.ThresholdRange(nil), node.Ranges...)
		spec.Domain = node.Domain
		spec.Config = node.Config.Clone()
	case *domain.ActionNode:
		spec.Action = node.Action
		spec.Reason = node.Config.Reason
		spec.TarpitDelayMS = node.Config.TarpitDelayMS
		spec.Score = node.Config.Score
		spec.Details = domain.Config(node.Config.Details).Clone()
	case *domain.ObservationNode:
		spec.Mechanism = node.Mechanism
		spec.Config = node.Config.Clone()
	}
	return spec
}

func toAttackSignatures(in map[string]map[string]any) (domain.AttackSignatures, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(domain.AttackSignatures, len(in))
	for name, cfg := range in {
		defense := domain.DefenseType(strings.ToLower(strings.TrimSpace(name)))
		if !defense.Valid() {
			return nil, fmt.Errorf("unknown defense type %q", name)
		}
		out[defense] = domain.Config(cfg).Clone()
	}
	return out, nil
}

func copyOutputs(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
