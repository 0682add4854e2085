package capability

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// FlagPatternMatch is raised when a pattern_scan rule matches.
const FlagPatternMatch = "pattern_match"

// PatternRule declares one pattern_scan detection.
type PatternRule struct {
	Name    string
	Pattern string
	Score   float64
	Block   bool
}

// DefaultPatternRules apply when a pattern_scan node configures no rules.
var DefaultPatternRules = []PatternRule{
	{Name: "sql_injection", Pattern: `(?i)(\bunion\b[\s\S]{0,40}\bselect\b|\bor\b\s+1\s*=\s*1|;\s*drop\s+table\b)`, Score: 60, Block: true},
	{Name: "script_tag", Pattern: `(?i)<\s*script\b`, Score: 50},
	{Name: "event_handler", Pattern: `(?i)\bon(?:error|load|mouseover)\s*=`, Score: 30},
	{Name: "path_traversal", Pattern: `\.\./\.\./`, Score: 40},
	{Name: "bbcode_link", Pattern: `(?i)\[url=`, Score: 20},
}

type compiledPattern struct {
	rule PatternRule
	expr *regexp.Regexp
}

// PatternScan matches the submitted content against regex rules. Compiled expressions
// are cached by source so a rule set is compiled once per process.
type PatternScan struct {
	logger   *slog.Logger
	compiled sync.Map // pattern -> *regexp.Regexp
	defaults []compiledPattern
}

// NewPatternScan builds the pattern_scan capability.
func NewPatternScan(logger *slog.Logger) *PatternScan {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PatternScan{logger: logger}
	for _, rule := range DefaultPatternRules {
		p.defaults = append(p.defaults, compiledPattern{rule: rule, expr: regexp.MustCompile(rule.Pattern)})
	}
	return p
}

// Check implements runtime.Capability. Each matching rule contributes its score once.
func (p *PatternScan) Check(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	if err := ctx.Err(); err != nil {
		return runtime.DefenseOutcome{}, err
	}
	rules, err := p.rules(cfg)
	if err != nil {
		return runtime.DefenseOutcome{}, err
	}
	text := scanText(facts, cfg.Strings("fields"))

	var (
		score   float64
		blocked bool
		matched []string
	)
	for _, r := range rules {
		if !r.expr.MatchString(text) {
			continue
		}
		matched = append(matched, r.rule.Name)
		score += r.rule.Score
		blocked = blocked || r.rule.Block
	}
	if len(matched) == 0 {
		return runtime.Neutral(), nil
	}
	sort.Strings(matched)
	if limit := cfg.Float("max_score", 0); limit > 0 && score > limit {
		score = limit
	}
	return runtime.DefenseOutcome{
		ScoreDelta: score,
		Blocked:    blocked || cfg.Bool("block", false),
		Flags:      []string{FlagPatternMatch},
		Details:    map[string]any{"rules": matched},
	}, nil
}

func (p *PatternScan) rules(cfg domain.Config) ([]compiledPattern, error) {
	raw := cfg.List("rules")
	if len(raw) == 0 {
		return p.defaults, nil
	}
	defaultScore := cfg.Float("score_per_match", 25)
	out := make([]compiledPattern, 0, len(raw))
	for i, item := range raw {
		var entry domain.Config
		switch v := item.(type) {
		case map[string]any:
			entry = domain.Config(v)
		case domain.Config:
			entry = v
		default:
			return nil, fmt.Errorf("pattern_scan: rule %d is not an object", i)
		}
		rule := PatternRule{
			Name:    strings.TrimSpace(entry.String("name", fmt.Sprintf("rule_%d", i))),
			Pattern: strings.TrimSpace(entry.String("pattern", "")),
			Score:   entry.Float("score", defaultScore),
			Block:   entry.Bool("block", false),
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("pattern_scan: pattern is required for rule %s", rule.Name)
		}
		expr, err := p.compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern_scan: invalid pattern for rule %s: %w", rule.Name, err)
		}
		out = append(out, compiledPattern{rule: rule, expr: expr})
	}
	return out, nil
}

func (p *PatternScan) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := p.compiled.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	expr, err := regexp.Compile(pattern)
	if err != nil {
		p.logger.Warn("pattern_scan rule does not compile", "pattern", pattern, "error", err)
		return nil, err
	}
	actual, _ := p.compiled.LoadOrStore(pattern, expr)
	return actual.(*regexp.Regexp), nil
}

// scanText joins the listed fields, or the whole content when none are listed.
func scanText(facts *domain.RequestFacts, fields []string) string {
	if len(fields) == 0 {
		return facts.Content()
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, facts.Fields[f]...)
	}
	return strings.Join(parts, "\n")
}
