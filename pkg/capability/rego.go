package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// DefaultRegoQuery is evaluated unless the node configures "query".
const DefaultRegoQuery = "data.defense.result"

// RegoOptions configures a Rego-backed capability.
type RegoOptions struct {
	// Modules maps module names to Rego v1 source.
	Modules map[string]string
	Query   string
}

// Rego evaluates operator-supplied Rego policies as a defense. The query must produce
// an object with optional "score", "blocked", "flags" and "reason" keys.
//
// Input document:
//
//	{"request": {client_ip, method, host, path, headers, fields, extras, content}, "config": {...}}
type Rego struct {
	parsed []*ast.Module
	query  string

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

// NewRego parses the modules and prepares the default query so syntax and compile
// errors surface at construction.
func NewRego(ctx context.Context, opts RegoOptions) (*Rego, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("rego capability requires at least one module")
	}
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		query = DefaultRegoQuery
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	r := &Rego{query: query, queries: make(map[string]*rego.PreparedEvalQuery)}
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		r.parsed = append(r.parsed, module)
	}
	if _, err := r.prepared(ctx, query); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return r, nil
}

// Check implements runtime.Capability.
func (r *Rego) Check(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	prepared, err := r.prepared(ctx, cfg.String("query", r.query))
	if err != nil {
		return runtime.DefenseOutcome{}, fmt.Errorf("prepare query: %w", err)
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(regoInput(facts, cfg)))
	if err != nil {
		return runtime.DefenseOutcome{}, fmt.Errorf("rego decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return runtime.Neutral(), nil
	}
	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return runtime.DefenseOutcome{}, fmt.Errorf("rego decision: unexpected result type %T", results[0].Expressions[0].Value)
	}
	return outcomeFromRego(payload), nil
}

func (r *Rego) prepared(ctx context.Context, query string) (*rego.PreparedEvalQuery, error) {
	r.mu.RLock()
	if p, ok := r.queries[query]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(r.parsed)+1)
	opts = append(opts, rego.Query(query))
	for _, m := range r.parsed {
		opts = append(opts, rego.ParsedModule(m))
	}
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.queries[query]; ok {
		return existing, nil
	}
	r.queries[query] = &prepared
	return &prepared, nil
}

func regoInput(facts *domain.RequestFacts, cfg domain.Config) map[string]any {
	request := map[string]any{
		"client_ip": facts.ClientIP,
		"method":    facts.Method,
		"host":      facts.Host,
		"path":      facts.Path,
		"headers":   stringLists(facts.Headers),
		"fields":    stringLists(facts.Fields),
		"content":   facts.Content(),
	}
	if facts.Extras != nil {
		request["extras"] = domain.CloneValue(map[string]any(facts.Extras))
	}
	config := map[string]any{}
	for k, v := range cfg {
		if k == "query" {
			continue
		}
		config[k] = domain.CloneValue(v)
	}
	return map[string]any{"request": request, "config": config}
}

func stringLists(in map[string][]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, values := range in {
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		out[k] = list
	}
	return out
}

func outcomeFromRego(payload map[string]any) runtime.DefenseOutcome {
	out := runtime.DefenseOutcome{}
	switch v := payload["score"].(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			out.ScoreDelta = f
		}
	default:
		if f, ok := domain.ToFloat(v); ok {
			out.ScoreDelta = f
		}
	}
	out.Blocked, _ = payload["blocked"].(bool)
	if flags, ok := payload["flags"].([]any); ok {
		for _, f := range flags {
			if s, ok := f.(string); ok && s != "" {
				out.Flags = append(out.Flags, s)
			}
		}
	}
	if reason, ok := payload["reason"].(string); ok && reason != "" {
		out.Details = map[string]any{"reason": reason}
	}
	return out
}
