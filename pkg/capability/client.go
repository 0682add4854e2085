package capability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// Flags raised by the client capabilities.
const (
	FlagSubmittedTooFast    = "submitted_too_fast"
	FlagTimingTokenExpired  = "timing_token_expired"
	FlagTimingTokenMissing  = "timing_token_missing"
	FlagNoInteraction       = "no_interaction"
	FlagSuspiciousUserAgent = "suspicious_user_agent"
	FlagMissingHeaders      = "missing_headers"
	FlagHeaderInconsistent  = "header_inconsistent"
)

// Where timing_token looks for the render time unless configured otherwise.
const (
	DefaultTimingTokenField = "_rendered_at"
	DefaultTimingTokenExtra = "form_rendered_at"

	defaultTimingMinDuration = 3 * time.Second
	defaultTimingMaxDuration = 24 * time.Hour
)

// DefaultDenyUserAgents are scanner and scripting client markers.
var DefaultDenyUserAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "zgrab", "gobuster", "dirbuster",
	"wfuzz", "ffuf", "nuclei", "curl/", "wget/", "python-requests", "go-http-client",
	"headlesschrome", "phantomjs",
}

// TimingToken scores submissions that arrive faster than a human could fill the form,
// or from a page rendered too long ago. The render time comes from the extras key or
// the hidden form field holding unix seconds, unix milliseconds or RFC 3339.
type TimingToken struct {
	Clock runtime.Clock
}

// Check implements runtime.Capability.
func (t *TimingToken) Check(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	rendered, ok := renderedAt(facts, cfg)
	if !ok {
		if score := cfg.Float("missing_score", 10); score != 0 {
			return scored(cfg, score, FlagTimingTokenMissing), nil
		}
		return runtime.Neutral(FlagTimingTokenMissing), nil
	}

	received := facts.ReceivedAt
	if received.IsZero() {
		received = t.now()
	}
	elapsed := received.Sub(rendered)
	details := map[string]any{"elapsed_ms": elapsed.Milliseconds()}

	switch {
	case elapsed < cfg.Seconds("min_seconds", defaultTimingMinDuration):
		out := scored(cfg, cfg.Float("score", 50), FlagSubmittedTooFast)
		out.Details = details
		return out, nil
	case elapsed > cfg.Seconds("max_seconds", defaultTimingMaxDuration):
		out := scored(cfg, cfg.Float("expired_score", 20), FlagTimingTokenExpired)
		out.Details = details
		return out, nil
	}
	return runtime.DefenseOutcome{Details: details}, nil
}

func (t *TimingToken) now() time.Time {
	if t.Clock == nil {
		return time.Now()
	}
	return t.Clock.Now()
}

func renderedAt(facts *domain.RequestFacts, cfg domain.Config) (time.Time, bool) {
	if v, ok := facts.Extra(cfg.String("extra", DefaultTimingTokenExtra)); ok {
		switch typed := v.(type) {
		case time.Time:
			return typed, !typed.IsZero()
		case string:
			return parseTimestamp(typed)
		default:
			if f, ok := domain.ToFloat(v); ok {
				return fromUnix(f), true
			}
		}
	}
	return parseTimestamp(facts.Field(cfg.String("field", DefaultTimingTokenField)))
}

func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return fromUnix(f), true
	}
	ts, err := time.Parse(time.RFC3339, raw)
	return ts, err == nil
}

// fromUnix accepts seconds or milliseconds; values past 1e12 are milliseconds.
func fromUnix(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
}

// behavioral scores submissions whose client reported no interaction at all. The
// client script reports counters under the "behavior" extra.
func behavioral(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	raw, ok := facts.Extra("behavior")
	if !ok {
		return runtime.Neutral(), nil
	}
	counters, ok := raw.(map[string]any)
	if !ok {
		return runtime.Neutral(), nil
	}
	signals := cfg.Strings("signals")
	if len(signals) == 0 {
		signals = []string{"keystrokes", "mouse_moves", "focus_changes", "touches"}
	}
	total := 0.0
	for _, s := range signals {
		if v, ok := domain.ToFloat(counters[s]); ok && v > 0 {
			total += v
		}
	}
	if total >= cfg.Float("min_events", 1) {
		return runtime.DefenseOutcome{Details: map[string]any{"events": total}}, nil
	}
	out := scored(cfg, cfg.Float("score", 30), FlagNoInteraction)
	out.Details = map[string]any{"events": total}
	return out, nil
}

// fingerprint scores known automation user agents and missing browser headers.
func fingerprint(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	deny := cfg.Strings("deny_user_agents")
	if len(deny) == 0 {
		deny = DefaultDenyUserAgents
	}
	required := cfg.Strings("required_headers")
	if _, set := cfg["required_headers"]; !set {
		required = []string{"User-Agent", "Accept"}
	}

	ua := strings.ToLower(facts.Header("User-Agent"))
	out := runtime.DefenseOutcome{Details: map[string]any{}}
	for _, marker := range deny {
		marker = strings.ToLower(strings.TrimSpace(marker))
		if marker != "" && strings.Contains(ua, marker) {
			out.ScoreDelta += cfg.Float("score", 40)
			out.Flags = append(out.Flags, FlagSuspiciousUserAgent)
			out.Details["user_agent_marker"] = marker
			break
		}
	}
	var missing []string
	for _, h := range required {
		if facts.Header(h) == "" {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		out.ScoreDelta += cfg.Float("score_per_missing_header", 10) * float64(len(missing))
		out.Flags = append(out.Flags, FlagMissingHeaders)
		out.Details["missing_headers"] = missing
	}
	if out.ScoreDelta == 0 {
		return runtime.Neutral(), nil
	}
	out.Blocked = cfg.Bool("block", false)
	return out, nil
}

// headerConsistency scores requests claiming to be a browser while lacking the headers
// every browser sends, or whose client hints contradict the user agent.
func headerConsistency(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	ua := facts.Header("User-Agent")
	if !strings.Contains(ua, "Mozilla/") {
		return runtime.Neutral(), nil
	}
	var reasons []string
	if facts.Header("Accept-Language") == "" {
		reasons = append(reasons, "browser without accept-language")
	}
	if !strings.Contains(facts.Header("Accept"), "text/html") && !strings.Contains(facts.Header("Accept"), "*/*") {
		reasons = append(reasons, "browser without html accept")
	}
	if hints := facts.Header("Sec-CH-UA"); hints != "" {
		lowerUA := strings.ToLower(ua)
		if !strings.Contains(lowerUA, "chrome") && !strings.Contains(lowerUA, "edg") {
			reasons = append(reasons, "client hints from a non-chromium user agent")
		}
	}
	if len(reasons) == 0 {
		return runtime.Neutral(), nil
	}
	out := scored(cfg, cfg.Float("score_per_mismatch", 20)*float64(len(reasons)), FlagHeaderInconsistent)
	out.Details = map[string]any{"reasons": reasons}
	return out, nil
}
