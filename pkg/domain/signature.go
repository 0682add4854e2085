package domain

import (
	"sort"
	"time"
)

// AttackSignatures holds one optional configuration fragment per defense type.
type AttackSignatures map[DefenseType]Config

// Clone returns a deep copy.
func (s AttackSignatures) Clone() AttackSignatures {
	if s == nil {
		return nil
	}
	out := make(AttackSignatures, len(s))
	for k, v := range s {
		out[k] = v.Clone()
	}
	return out
}

// SignatureThresholds overrides the block and flag scores of every fragment a
// signature contributes.
type SignatureThresholds struct {
	BlockScore *float64 `json:"block_score,omitempty" yaml:"block_score,omitempty"`
	FlagScore  *float64 `json:"flag_score,omitempty" yaml:"flag_score,omitempty"`
}

// AttackSignature is a reusable bundle of detection fragments.
type AttackSignature struct {
	ID         string
	Name       string
	Enabled    bool
	Builtin    bool
	Priority   int
	Signatures AttackSignatures
	Thresholds *SignatureThresholds
	Tags       []string
	ExpiresAt  *time.Time
}

// Expired reports whether the signature expired before now.
func (s *AttackSignature) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// Clone returns a deep copy of the signature.
func (s *AttackSignature) Clone() *AttackSignature {
	if s == nil {
		return nil
	}
	c := *s
	c.Signatures = s.Signatures.Clone()
	c.Tags = append([]string(nil), s.Tags...)
	if s.Thresholds != nil {
		c.Thresholds = &SignatureThresholds{
			BlockScore: cloneFloat(s.Thresholds.BlockScore),
			FlagScore:  cloneFloat(s.Thresholds.FlagScore),
		}
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// SignatureRef references a signature from an attachment.
type SignatureRef struct {
	SignatureID string `json:"signature_id" yaml:"signature_id"`
	Priority    int    `json:"priority" yaml:"priority"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// AttackSignatureAttachment attaches signatures to a profile.
type AttackSignatureAttachment struct {
	Items     []SignatureRef `json:"items" yaml:"items"`
	MergeMode MergeMode      `json:"merge_mode" yaml:"merge_mode"`
}

// Clone returns a deep copy.
func (a *AttackSignatureAttachment) Clone() *AttackSignatureAttachment {
	if a == nil {
		return nil
	}
	return &AttackSignatureAttachment{Items: append([]SignatureRef(nil), a.Items...), MergeMode: a.MergeMode}
}

// Ordered returns the items sorted by ascending priority, ties broken by signature id.
func (a *AttackSignatureAttachment) Ordered() []SignatureRef {
	if a == nil {
		return nil
	}
	items := append([]SignatureRef(nil), a.Items...)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].SignatureID < items[j].SignatureID
	})
	return items
}

// SignatureLookup resolves signatures by id.
type SignatureLookup interface {
	Signature(id string) (*AttackSignature, bool)
}

// SignatureMap is a map-backed SignatureLookup.
type SignatureMap map[string]*AttackSignature

// Signature implements SignatureLookup.
func (m SignatureMap) Signature(id string) (*AttackSignature, bool) {
	s, ok := m[id]
	return s, ok && s != nil
}
