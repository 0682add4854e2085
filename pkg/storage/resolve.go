package storage

import (
	"strings"

	"github.com/polisai/polis-defense/pkg/domain"
)

// resolveAll flattens every extends chain. Unknown parents and cyclic inheritance are
// configuration errors; the first one found is returned.
func resolveAll(authored map[string]*domain.DefenseProfile) (map[string]*domain.DefenseProfile, error) {
	resolved := make(map[string]*domain.DefenseProfile, len(authored))
	for _, id := range sortedKeys(authored) {
		if _, err := resolveOne(id, authored, resolved, nil); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

func resolveOne(id string, authored, resolved map[string]*domain.DefenseProfile, chain []string) (*domain.DefenseProfile, error) {
	if p, ok := resolved[id]; ok {
		return p, nil
	}
	for i, seen := range chain {
		if seen == id {
			cycle := append(append([]string(nil), chain[i:]...), id)
			return nil, &domain.ConfigurationError{
				Subject: "profile " + chain[0],
				Reason:  "cyclic inheritance: " + strings.Join(cycle, " -> "),
			}
		}
	}

	p := authored[id]
	if p.Extends == "" {
		resolved[id] = p.Clone()
		return resolved[id], nil
	}
	if _, ok := authored[p.Extends]; !ok {
		return nil, &domain.ConfigurationError{
			Subject: "profile " + id,
			Reason:  "extends unknown profile " + p.Extends,
			Err:     domain.ErrProfileNotFound,
		}
	}
	parent, err := resolveOne(p.Extends, authored, resolved, append(chain, id))
	if err != nil {
		return nil, err
	}
	resolved[id] = inherit(parent, p)
	return resolved[id], nil
}

// inherit overlays child on its resolved parent. The child keeps its identity and
// flags; an empty graph, zero settings and an empty name come from the parent.
// Signature items are the parent's followed by the child's, the child winning on
// equal ids.
func inherit(parent, child *domain.DefenseProfile) *domain.DefenseProfile {
	out := child.Clone()
	if len(out.Graph.Nodes) == 0 {
		out.Graph = parent.Graph.Clone()
	}
	if out.Name == "" {
		out.Name = parent.Name
	}
	if out.Settings.DefaultAction == "" {
		out.Settings.DefaultAction = parent.Settings.DefaultAction
	}
	if out.Settings.MaxExecutionTimeMS == 0 {
		out.Settings.MaxExecutionTimeMS = parent.Settings.MaxExecutionTimeMS
	}
	out.AttackSignatures = mergeAttachments(parent.AttackSignatures, child.AttackSignatures)
	return out
}

func mergeAttachments(parent, child *domain.AttackSignatureAttachment) *domain.AttackSignatureAttachment {
	if parent == nil {
		return child.Clone()
	}
	if child == nil {
		return parent.Clone()
	}
	out := &domain.AttackSignatureAttachment{MergeMode: child.MergeMode}
	if out.MergeMode == "" {
		out.MergeMode = parent.MergeMode
	}
	override := make(map[string]domain.SignatureRef, len(child.Items))
	for _, item := range child.Items {
		override[item.SignatureID] = item
	}
	for _, item := range parent.Items {
		if _, ok := override[item.SignatureID]; !ok {
			out.Items = append(out.Items, item)
		}
	}
	out.Items = append(out.Items, child.Items...)
	return out
}
