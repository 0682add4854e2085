package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// Flags raised by the content capabilities.
const (
	FlagHoneypot         = "honeypot_triggered"
	FlagKeywordMatch     = "keyword_match"
	FlagContentHashMatch = "content_hash_match"
	FlagMissingFields    = "missing_fields"
	FlagUnexpectedFields = "unexpected_fields"
	FlagDisposableEmail  = "disposable_email"
	FlagFieldTooLong     = "field_too_long"
	FlagTooManyURLs      = "too_many_urls"
)

// DefaultHoneypotFields are checked when a honeypot node lists none.
var DefaultHoneypotFields = []string{"website", "url_confirm"}

// DefaultDisposableDomains is a small shipped list; signatures extend it.
var DefaultDisposableDomains = []string{
	"mailinator.com",
	"guerrillamail.com",
	"10minutemail.com",
	"tempmail.com",
	"trashmail.com",
	"yopmail.com",
	"sharklasers.com",
	"getnada.com",
}

// honeypot blocks when a hidden field that humans never see was filled.
func honeypot(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	fields := cfg.Strings("fields")
	if len(fields) == 0 {
		fields = DefaultHoneypotFields
	}
	for _, f := range fields {
		if strings.TrimSpace(facts.Field(f)) == "" {
			continue
		}
		return runtime.DefenseOutcome{
			ScoreDelta: cfg.Float("score", 100),
			Blocked:    true,
			Flags:      []string{FlagHoneypot},
			Details:    map[string]any{"field": f},
		}, nil
	}
	return runtime.Neutral(), nil
}

// keywordFilter scores score_per_match for every distinct keyword found in the
// submitted content, capped at max_score when set.
func keywordFilter(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	content := strings.ToLower(facts.Content())
	var matched []string
	for _, kw := range cfg.Strings("keywords") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(content, kw) {
			matched = append(matched, kw)
		}
	}
	if len(matched) == 0 {
		return runtime.Neutral(), nil
	}
	score := cfg.Float("score_per_match", 10) * float64(len(matched))
	if limit := cfg.Float("max_score", 0); limit > 0 && score > limit {
		score = limit
	}
	out := scored(cfg, score, FlagKeywordMatch)
	out.Details = map[string]any{"matches": matched}
	return out, nil
}

var whitespace = regexp.MustCompile(`\s+`)

// NormalizedContentHash is the sha256 hex digest content_hash compares: lower case with
// whitespace runs collapsed.
func NormalizedContentHash(content string) string {
	norm := whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(content)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func contentHash(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	hashes := cfg.Strings("hashes")
	if len(hashes) == 0 {
		return runtime.Neutral(), nil
	}
	digest := NormalizedContentHash(facts.Content())
	for _, h := range hashes {
		if strings.EqualFold(strings.TrimSpace(h), digest) {
			out := scored(cfg, cfg.Float("score", 50), FlagContentHashMatch)
			out.Details = map[string]any{"hash": digest}
			return out, nil
		}
	}
	return runtime.Neutral(), nil
}

// expectedFields scores missing required fields and, when allowed is set, fields
// outside it.
func expectedFields(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	var missing, unexpected []string
	for _, f := range cfg.Strings("required") {
		if strings.TrimSpace(facts.Field(f)) == "" {
			missing = append(missing, f)
		}
	}
	if allowed := cfg.Strings("allowed"); len(allowed) > 0 {
		set := make(map[string]struct{}, len(allowed)+len(cfg.Strings("required")))
		for _, f := range append(allowed, cfg.Strings("required")...) {
			set[f] = struct{}{}
		}
		for _, f := range facts.FieldNames() {
			if _, ok := set[f]; !ok {
				unexpected = append(unexpected, f)
			}
		}
	}

	score := cfg.Float("score_per_missing", 20)*float64(len(missing)) +
		cfg.Float("score_per_unexpected", 10)*float64(len(unexpected))
	if score == 0 {
		return runtime.Neutral(), nil
	}
	out := runtime.DefenseOutcome{ScoreDelta: score, Blocked: cfg.Bool("block", false), Details: map[string]any{}}
	if len(missing) > 0 {
		out.Flags = append(out.Flags, FlagMissingFields)
		out.Details["missing"] = missing
	}
	if len(unexpected) > 0 {
		out.Flags = append(out.Flags, FlagUnexpectedFields)
		out.Details["unexpected"] = unexpected
	}
	return out, nil
}

func disposableEmail(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	domains := cfg.Strings("domains")
	if len(domains) == 0 {
		domains = DefaultDisposableDomains
	}
	fields := cfg.Strings("fields")
	if len(fields) == 0 {
		fields = []string{"email"}
	}
	for _, f := range fields {
		addr := strings.ToLower(strings.TrimSpace(facts.Field(f)))
		at := strings.LastIndexByte(addr, '@')
		if at < 0 {
			continue
		}
		host := addr[at+1:]
		for _, d := range domains {
			d = strings.ToLower(strings.TrimSpace(d))
			if host == d || strings.HasSuffix(host, "."+d) {
				out := scored(cfg, cfg.Float("score", 30), FlagDisposableEmail)
				out.Details = map[string]any{"field": f, "domain": host}
				return out, nil
			}
		}
	}
	return runtime.Neutral(), nil
}

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

// fieldAnomalies scores over-long fields and link stuffing.
func fieldAnomalies(_ context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	maxLength := cfg.Int("max_length", 5000)
	maxURLs := cfg.Int("max_urls", 3)
	per := cfg.Float("score_per_anomaly", 15)

	var flags []string
	var long []string
	urls := 0
	for _, name := range facts.FieldNames() {
		tooLong := false
		for _, v := range facts.Fields[name] {
			tooLong = tooLong || (maxLength > 0 && len(v) > maxLength)
			urls += len(urlPattern.FindAllStringIndex(v, -1))
		}
		if tooLong {
			long = append(long, name)
		}
	}
	score := 0.0
	if len(long) > 0 {
		flags = append(flags, FlagFieldTooLong)
		score += per * float64(len(long))
	}
	if maxURLs >= 0 && urls > maxURLs {
		flags = append(flags, FlagTooManyURLs)
		score += per
	}
	if score == 0 {
		return runtime.Neutral(), nil
	}
	out := scored(cfg, score, flags...)
	out.Details = map[string]any{"long_fields": long, "urls": urls}
	return out, nil
}
