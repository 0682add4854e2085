// Package signature merges reusable attack signatures into the defense nodes of a
// profile graph.
package signature

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/polisai/polis-defense/pkg/domain"
)

// Keys written from a signature's threshold overrides.
const (
	BlockThresholdKey = "block_threshold"
	FlagThresholdKey  = "flag_threshold"
)

// InlineSignatureID names the synthetic signature built from inline fragments.
const InlineSignatureID = "inline"

// Options configures a merge.
type Options struct {
	// Now decides signature expiry. Zero means time.Now.
	Now    time.Time
	Logger *slog.Logger
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Skip records a signature reference that was not merged.
type Skip struct {
	SignatureID string `json:"signature_id"`
	Reason      string `json:"reason"`
}

// Application records one fragment merged into one node.
type Application struct {
	NodeID      string `json:"node_id"`
	SignatureID string `json:"signature_id"`
}

// Report describes what a merge did.
type Report struct {
	Applied []Application `json:"applied,omitempty"`
	Skipped []Skip        `json:"skipped,omitempty"`
}

// Merge resolves the attachment against lookup and merges the resulting signatures into
// a deep copy of g. The input graph is never modified. Duplicate signature ids return a
// *domain.ConfigurationError; unknown ids are logged and skipped.
func Merge(g domain.Graph, att *domain.AttackSignatureAttachment, lookup domain.SignatureLookup, opts Options) (domain.Graph, Report, error) {
	if att == nil || len(att.Items) == 0 {
		return g.Clone(), Report{}, nil
	}
	seen := make(map[string]struct{}, len(att.Items))
	for _, item := range att.Items {
		if _, dup := seen[item.SignatureID]; dup {
			return domain.Graph{}, Report{}, &domain.ConfigurationError{
				Subject: "attack_signatures",
				Reason:  fmt.Sprintf("duplicate signature_id %q", item.SignatureID),
			}
		}
		seen[item.SignatureID] = struct{}{}
	}

	var report Report
	var sigs []*domain.AttackSignature
	for _, item := range att.Ordered() {
		if !item.Enabled {
			report.Skipped = append(report.Skipped, Skip{SignatureID: item.SignatureID, Reason: "attachment item disabled"})
			continue
		}
		sig, skip := resolve(item.SignatureID, lookup, opts)
		if skip != nil {
			report.Skipped = append(report.Skipped, *skip)
			continue
		}
		sigs = append(sigs, sig)
	}

	merged, applied := Apply(g, sigs, att.MergeMode)
	report.Applied = applied
	return merged, report, nil
}

// Resolve looks up signature ids in list order, skipping unknown, disabled and expired
// entries. Repeated ids are merged once.
func Resolve(ids []string, lookup domain.SignatureLookup, opts Options) ([]*domain.AttackSignature, []Skip) {
	var sigs []*domain.AttackSignature
	var skipped []Skip
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		sig, skip := resolve(id, lookup, opts)
		if skip != nil {
			skipped = append(skipped, *skip)
			continue
		}
		sigs = append(sigs, sig)
	}
	return sigs, skipped
}

// Inline wraps ad-hoc fragments as an enabled signature.
func Inline(fragments domain.AttackSignatures) *domain.AttackSignature {
	if len(fragments) == 0 {
		return nil
	}
	return &domain.AttackSignature{ID: InlineSignatureID, Name: InlineSignatureID, Enabled: true, Signatures: fragments}
}

func resolve(id string, lookup domain.SignatureLookup, opts Options) (*domain.AttackSignature, *Skip) {
	var sig *domain.AttackSignature
	ok := false
	if lookup != nil {
		sig, ok = lookup.Signature(id)
	}
	switch {
	case !ok:
		opts.logger().Warn("attack signature not found; skipping", "signature_id", id)
		return nil, &Skip{SignatureID: id, Reason: "unknown signature"}
	case !sig.Enabled:
		return nil, &Skip{SignatureID: id, Reason: "signature disabled"}
	case sig.Expired(opts.now()):
		opts.logger().Debug("attack signature expired; skipping", "signature_id", id, "expires_at", sig.ExpiresAt)
		return nil, &Skip{SignatureID: id, Reason: "signature expired"}
	}
	return sig, nil
}

// Apply merges already-resolved signatures, in order, into a deep copy of g.
func Apply(g domain.Graph, sigs []*domain.AttackSignature, mode domain.MergeMode) (domain.Graph, []Application) {
	out := g.Clone()
	if len(sigs) == 0 {
		return out, nil
	}
	mode = mode.Normalize()
	var applied []Application
	for _, n := range out.Nodes {
		node, ok := n.(*domain.DefenseNode)
		if !ok {
			continue
		}
		explicit := node.Config
		cfg := node.Config.Clone()
		if cfg == nil {
			cfg = domain.Config{}
		}
		contributed := false
		for _, sig := range sigs {
			fragment, ok := sig.Signatures[node.Defense]
			if !ok {
				continue
			}
			mergeConfig(cfg, explicit, withThresholds(fragment, sig.Thresholds))
			applied = append(applied, Application{NodeID: node.ID, SignatureID: sig.ID})
			contributed = true
			if mode == domain.MergeFirstMatch {
				break
			}
		}
		if contributed {
			node.Config = cfg
		}
	}
	return out, applied
}

func withThresholds(fragment domain.Config, th *domain.SignatureThresholds) domain.Config {
	if th == nil || (th.BlockScore == nil && th.FlagScore == nil) {
		return fragment
	}
	out := fragment.Clone()
	if out == nil {
		out = domain.Config{}
	}
	if th.BlockScore != nil {
		out[BlockThresholdKey] = *th.BlockScore
	}
	if th.FlagScore != nil {
		out[FlagThresholdKey] = *th.FlagScore
	}
	return out
}

// mergeConfig folds fragment into dst. explicit holds the values the node itself set;
// those are never overridden, except that lists always union.
func mergeConfig(dst, explicit, fragment domain.Config) {
	keys := make([]string, 0, len(fragment))
	for k := range fragment {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		incoming := fragment[key]
		current, exists := dst[key]
		if !exists {
			dst[key] = freshValue(incoming)
			continue
		}
		_, nodeSet := explicit[key]

		if curList, ok := asList(current); ok {
			if inList, ok := asList(incoming); ok {
				dst[key] = unionLists(curList, inList)
			}
			continue
		}
		if curMap, ok := asMap(current); ok {
			if inMap, ok := asMap(incoming); ok {
				nested := curMap.Clone()
				mergeConfig(nested, explicit.Map(key), inMap)
				dst[key] = map[string]any(nested)
			}
			continue
		}
		if nodeSet {
			continue
		}
		switch cur := current.(type) {
		case bool:
			if in, ok := incoming.(bool); ok {
				dst[key] = cur || in
			}
		case string:
			// first value wins
		default:
			curNum, ok := domain.ToFloat(current)
			if !ok {
				continue
			}
			inNum, ok := domain.ToFloat(incoming)
			if !ok {
				continue
			}
			if higherIsStricter(key) {
				if inNum > curNum {
					dst[key] = incoming
				}
			} else if inNum < curNum {
				dst[key] = incoming
			}
		}
	}
}

// higherIsStricter reports whether a larger value of the numeric field is the more
// restrictive one. Thresholds and limits are stricter when lower; scores, penalties and
// minimum durations are stricter when higher.
func higherIsStricter(key string) bool {
	k := strings.ToLower(key)
	switch {
	case strings.Contains(k, "threshold"), strings.Contains(k, "limit"), strings.HasPrefix(k, "max"):
		return false
	case strings.Contains(k, "score"), strings.Contains(k, "penalty"), strings.HasPrefix(k, "min"):
		return true
	}
	return false
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func asMap(v any) (domain.Config, bool) {
	switch t := v.(type) {
	case map[string]any:
		return domain.Config(t), true
	case domain.Config:
		return t, true
	}
	return nil, false
}

// freshValue copies a value the node does not set yet, de-duplicating every list in it.
func freshValue(v any) any {
	if list, ok := asList(v); ok {
		return unionLists(nil, list)
	}
	if m, ok := asMap(v); ok {
		nested := domain.Config{}
		mergeConfig(nested, nil, m)
		return map[string]any(nested)
	}
	return domain.CloneValue(v)
}

// unionLists concatenates b onto a, dropping values already present.
func unionLists(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]any{a, b} {
		for _, item := range list {
			key := listKey(item)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, domain.CloneValue(item))
		}
	}
	return out
}

func listKey(v any) string {
	if f, ok := domain.ToFloat(v); ok {
		if _, isString := v.(string); !isString {
			return fmt.Sprintf("n:%g", f)
		}
	}
	return fmt.Sprintf("%T:%v", v, v)
}
