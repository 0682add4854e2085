package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/nodes"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
	"github.com/polisai/polis-defense/pkg/graph"
	"github.com/polisai/polis-defense/pkg/signature"
	"github.com/polisai/polis-defense/pkg/telemetry"
)

// CatalogSource supplies the current immutable configuration snapshot.
type CatalogSource interface {
	Current() *domain.Catalog
}

// StaticCatalog serves a fixed snapshot.
type StaticCatalog struct {
	Catalog *domain.Catalog
}

// Current implements CatalogSource.
func (s StaticCatalog) Current() *domain.Catalog { return s.Catalog }

// Config holds dependencies for creating an Engine.
type Config struct {
	Catalog  CatalogSource
	Registry *nodes.Registry
	Clock    runtime.Clock
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	// MaxParallel bounds concurrent profile evaluations per request.
	MaxParallel   int
	MaxNodeVisits int
	MaxDepth      int
	// Redactions override telemetry.DefaultRedactions for request span attributes.
	Redactions map[string]string
}

// Engine evaluates requests against the attached defense profiles.
type Engine struct {
	source      CatalogSource
	executor    *Executor
	clock       runtime.Clock
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	maxParallel int
	graphOpts   graph.Options
	redactions  map[string]string

	// validations caches validation outcomes per catalog profile object, keyed by
	// pointer. It is dropped whenever the catalog generation changes.
	validations    sync.Map
	validationsGen atomic.Uint64
}

type validationEntry struct {
	errs []string
}

// New creates an engine with the given configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("engine: catalog source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = runtime.SystemClock{}
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Engine{
		source: cfg.Catalog,
		executor: NewExecutor(ExecutorConfig{
			Registry:      cfg.Registry,
			Clock:         clock,
			Logger:        logger,
			Metrics:       cfg.Metrics,
			MaxNodeVisits: cfg.MaxNodeVisits,
		}),
		clock:       clock,
		logger:      logger,
		metrics:     cfg.Metrics,
		maxParallel: maxParallel,
		graphOpts:   graph.Options{MaxDepth: cfg.MaxDepth},
		redactions:  cfg.Redactions,
	}, nil
}

// Evaluate runs the attachment and then the defense lines against facts. It always
// returns a result: every failure degrades to a default action with a flag.
func (e *Engine) Evaluate(ctx context.Context, facts *domain.RequestFacts, att domain.DefenseProfileAttachment, lines []domain.DefenseLineAttachment) domain.SimulationResult {
	snap := e.source.Current()
	return e.evaluate(ctx, snap, facts, att, lines, snap.Profile)
}

// EvaluateEndpoint evaluates facts against the attachment bound to the request's host
// and path, or the default profile when no binding matches.
func (e *Engine) EvaluateEndpoint(ctx context.Context, facts *domain.RequestFacts) domain.SimulationResult {
	snap := e.source.Current()
	var binding domain.EndpointBinding
	if facts != nil {
		binding, _ = snap.Endpoint(facts.Host, facts.Path)
	}
	return e.evaluate(ctx, snap, facts, binding.Attachment, binding.DefenseLines, snap.Profile)
}

// Validate reports whether profile is executable. It has no side effects.
func (e *Engine) Validate(profile *domain.DefenseProfile) domain.ValidationReport {
	errs := validationMessages(graph.ValidateProfile(profile, e.graphOpts))
	return domain.ValidationReport{Valid: len(errs) == 0, Errors: errs}
}

// Simulate dry-runs one catalog profile. Stateful capabilities observe the dry-run mark
// and neither consume quota nor record state.
func (e *Engine) Simulate(ctx context.Context, profileID string, facts *domain.RequestFacts) (domain.SimulationResult, error) {
	snap := e.source.Current()
	profile, ok := snap.Profile(profileID)
	if !ok {
		return domain.SimulationResult{}, fmt.Errorf("%w: %s", domain.ErrProfileNotFound, profileID)
	}
	if !profile.Enabled {
		profile = profile.Clone()
		profile.Enabled = true
	}
	lookup := func(id string) (*domain.DefenseProfile, bool) {
		return profile, id == profileID
	}
	att := domain.DefenseProfileAttachment{Enabled: true, Profiles: []domain.ProfileRef{{ID: profileID}}}
	return e.evaluate(runtime.WithDryRun(ctx), snap, facts, att, nil, lookup), nil
}

// SimulateProfile dry-runs a draft profile that is not part of the catalog. Its
// signature references resolve against the current catalog.
func (e *Engine) SimulateProfile(ctx context.Context, profile *domain.DefenseProfile, facts *domain.RequestFacts) (domain.SimulationResult, error) {
	if profile == nil {
		return domain.SimulationResult{}, fmt.Errorf("%w: empty profile", domain.ErrConfigInvalid)
	}
	draft := profile.Clone()
	draft.Enabled = true
	lookup := func(id string) (*domain.DefenseProfile, bool) {
		if id == draft.ID {
			return draft, true
		}
		return nil, false
	}
	att := domain.DefenseProfileAttachment{Enabled: true, Profiles: []domain.ProfileRef{{ID: draft.ID}}}
	return e.evaluate(runtime.WithDryRun(ctx), e.source.Current(), facts, att, nil, lookup), nil
}

// SimulateAttachment dry-runs a full attachment and its defense lines against the
// current catalog.
func (e *Engine) SimulateAttachment(ctx context.Context, facts *domain.RequestFacts, att domain.DefenseProfileAttachment, lines []domain.DefenseLineAttachment) domain.SimulationResult {
	snap := e.source.Current()
	return e.evaluate(runtime.WithDryRun(ctx), snap, facts, att, lines, snap.Profile)
}

type profileLookup func(id string) (*domain.DefenseProfile, bool)

func (e *Engine) evaluate(ctx context.Context, snap *domain.Catalog, facts *domain.RequestFacts, att domain.DefenseProfileAttachment, lines []domain.DefenseLineAttachment, lookup profileLookup) (out domain.SimulationResult) {
	started := e.clock.Now()
	if facts == nil {
		facts = &domain.RequestFacts{}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "defense.evaluate", trace.WithAttributes(
		telemetry.RedactAttributes(e.redactions, []attribute.KeyValue{
			attribute.String("client.ip", facts.ClientIP),
			attribute.String("http.method", facts.Method),
			attribute.String("http.host", facts.Host),
			attribute.String("http.route", facts.Path),
			attribute.Bool("defense.dry_run", runtime.IsDryRun(ctx)),
		})...,
	))
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("evaluation panicked", "panic", rec)
			fallback := snap.DefaultProfile().Settings.Fallback()
			out = domain.SimulationResult{
				Action: fallback,
				Flags:  []string{domain.FlagExecutionError},
				Details: map[string]any{
					"error": fmt.Sprintf("panic: %v", rec),
				},
			}
			if fallback == domain.ActionTarpit {
				out.TarpitDelayMS = nodes.DefaultTarpitDelayMS
			}
		}
		out.ExecutionTimeMS = float64(e.clock.Now().Sub(started)) / float64(time.Millisecond)
		if out.Flags == nil {
			out.Flags = []string{}
		}
		telemetry.RecordDecisionEvent(span, string(out.Action), out.Score, out.Flags, out.BlockReason)
		span.End()
		e.metrics.IncEvaluation(string(out.Action))
	}()

	e.resetValidations(snap)

	refs, profiles, flags := e.plan(snap, att, lookup)
	agg := att.Aggregation.Normalize()
	shortCircuit := att.ShortCircuit && agg == domain.AggregationOr
	if att.ShortCircuit && !shortCircuit {
		flags = domain.AppendFlags(flags, domain.FlagShortCircuitIgnored)
	}

	results := RunProfiles(ctx, refs, shortCircuit, e.maxParallel, func(ctx context.Context, ref domain.ProfileRef) domain.ProfileResult {
		res := e.runProfile(ctx, snap, profiles[ref.ID], nil, facts)
		res.Weight = ref.EffectiveWeight()
		return res
	})

	combined := Combine(results, agg, att.ScoreAggregation)
	combined.Flags = domain.AppendFlags(flags, combined.Flags...)
	for _, r := range results {
		if r.Skipped {
			combined.Flags = domain.AppendFlags(combined.Flags, domain.FlagShortCircuited)
			break
		}
	}

	blockReason := ""
	var lineResults []domain.LineResult
	if combined.Action != domain.ActionBlock && combined.Action != domain.ActionTarpit {
		lineResults, blockReason = e.runLines(ctx, snap, &combined, lines, facts)
	}

	out = domain.SimulationResult{
		Action:        combined.Action,
		Score:         combined.Score,
		Flags:         combined.Flags,
		Details:       combined.Details,
		TarpitDelayMS: combined.TarpitDelayMS,
		Profiles:      combined.Profiles,
		Lines:         lineResults,
	}
	for _, r := range results {
		out.NodesExecuted += r.NodesExecuted
	}
	for _, l := range lineResults {
		out.NodesExecuted += l.NodesExecuted
	}
	switch {
	case out.Action == domain.ActionBlock && blockReason != "":
		out.BlockReason = blockReason
	case out.Action == domain.ActionBlock:
		out.BlockReason = combined.Reason
	default:
		out.AllowReason = combined.Reason
	}
	return out
}

// plan resolves the attachment into runnable profile references. An empty or disabled
// attachment, or one whose profiles are all unavailable, runs the default profile.
func (e *Engine) plan(snap *domain.Catalog, att domain.DefenseProfileAttachment, lookup profileLookup) ([]domain.ProfileRef, map[string]*domain.DefenseProfile, []string) {
	var flags []string
	var refs []domain.ProfileRef
	profiles := make(map[string]*domain.DefenseProfile)

	if att.Enabled {
		for _, ref := range att.Ordered() {
			if _, dup := profiles[ref.ID]; dup {
				continue
			}
			p, ok := lookup(ref.ID)
			if !ok {
				e.logger.Warn("attached defense profile not found; skipping", "profile_id", ref.ID)
				flags = domain.AppendFlags(flags, domain.FlagConfigurationError)
				continue
			}
			if !p.Enabled {
				e.logger.Debug("attached defense profile disabled; skipping", "profile_id", ref.ID)
				continue
			}
			profiles[ref.ID] = p
			refs = append(refs, ref)
		}
	}

	if len(refs) == 0 {
		def := snap.DefaultProfile()
		profiles[def.ID] = def
		refs = []domain.ProfileRef{{ID: def.ID}}
	}
	return refs, profiles, flags
}

// runProfile validates, merges and executes one profile. extra signatures are merged
// after the profile's own attachment.
func (e *Engine) runProfile(ctx context.Context, snap *domain.Catalog, profile *domain.DefenseProfile, extra []*domain.AttackSignature, facts *domain.RequestFacts) domain.ProfileResult {
	if errs := e.validation(snap, profile); len(errs) > 0 {
		e.metrics.IncValidationFailure()
		e.logger.Warn("defense profile failed validation; using default action",
			"profile_id", profile.ID,
			"errors", errs,
		)
		return FallbackResult(profile, domain.ErrorKindConfiguration, &domain.ValidationError{Errors: errs},
			domain.FlagConfigurationError, domain.FlagValidationFailed)
	}

	opts := signature.Options{Now: e.clock.Now(), Logger: e.logger}
	effective, _, err := signature.Merge(profile.Graph, profile.AttackSignatures, snap, opts)
	if err != nil {
		return FallbackResult(profile, domain.ErrorKindConfiguration, err, domain.FlagConfigurationError)
	}
	if len(extra) > 0 {
		effective, _ = signature.Apply(effective, extra, domain.MergeUnion)
	}
	return e.executor.Execute(ctx, profile, effective, facts)
}

// validation returns the validation errors of profile. Catalog profiles are validated
// once and cached; install-time errors recorded on the catalog take precedence.
func (e *Engine) validation(snap *domain.Catalog, profile *domain.DefenseProfile) []string {
	p, ok := snap.Profile(profile.ID)
	owned := ok && p == profile
	if owned {
		if errs := snap.ValidationErrors(profile.ID); len(errs) > 0 {
			return errs
		}
		if v, ok := e.validations.Load(profile); ok {
			return v.(validationEntry).errs
		}
	}
	errs := validationMessages(graph.ValidateProfile(profile, e.graphOpts))
	if owned {
		e.validations.Store(profile, validationEntry{errs: errs})
	}
	return errs
}

func (e *Engine) resetValidations(snap *domain.Catalog) {
	if snap == nil {
		return
	}
	if prev := e.validationsGen.Swap(snap.Generation); prev != snap.Generation {
		e.validations.Clear()
	}
}

func validationMessages(err error) []string {
	if err == nil {
		return nil
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return append([]string(nil), verr.Errors...)
	}
	return []string{err.Error()}
}
