package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-defense/pkg/domain"
)

// SimulationRequest asks for a dry run. Exactly one of ProfileID, Profile or
// Attachment selects what is evaluated.
type SimulationRequest struct {
	ProfileID string
	// Profile is an unsaved draft evaluated instead of a catalog profile.
	Profile    *domain.DefenseProfile
	Attachment *domain.DefenseProfileAttachment
	Lines      []domain.DefenseLineAttachment
	Facts      *domain.RequestFacts
	// IncludeTrace keeps the per-node traces in the response.
	IncludeTrace bool
}

// SimulationResponse is the outcome of a dry run.
type SimulationResponse struct {
	Result     domain.SimulationResult  `json:"result"`
	Validation *domain.ValidationReport `json:"validation,omitempty"`
}

// Simulator previews defense decisions without side effects: stateful capabilities see
// the dry-run mark and observation nodes are not dispatched.
type Simulator struct {
	engine *Engine
	logger *slog.Logger
}

// NewSimulator creates a simulator over engine.
func NewSimulator(engine *Engine, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{engine: engine, logger: logger}
}

// Simulate runs the request and returns the decision. Draft profiles are validated
// first; an invalid draft still runs and reports its default action.
func (s *Simulator) Simulate(ctx context.Context, req SimulationRequest) (*SimulationResponse, error) {
	s.logger.Info("starting defense simulation",
		slog.String("profile_id", req.ProfileID),
		slog.Bool("draft", req.Profile != nil),
	)

	var (
		resp SimulationResponse
		err  error
	)
	switch {
	case req.Profile != nil:
		report := s.engine.Validate(req.Profile)
		resp.Validation = &report
		resp.Result, err = s.engine.SimulateProfile(ctx, req.Profile, req.Facts)
	case req.ProfileID != "":
		resp.Result, err = s.engine.Simulate(ctx, req.ProfileID, req.Facts)
	case req.Attachment != nil:
		resp.Result = s.engine.SimulateAttachment(ctx, req.Facts, *req.Attachment, req.Lines)
	default:
		return nil, errors.New("either profile_id, profile or attachment must be provided")
	}
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}

	if !req.IncludeTrace {
		stripTraces(&resp.Result)
	}

	s.logger.Info("defense simulation complete",
		slog.String("action", string(resp.Result.Action)),
		slog.Float64("score", resp.Result.Score),
		slog.Int("nodes_executed", resp.Result.NodesExecuted),
	)
	return &resp, nil
}

func stripTraces(res *domain.SimulationResult) {
	for i := range res.Profiles {
		res.Profiles[i].Trace = nil
	}
	for i := range res.Lines {
		res.Lines[i].Trace = nil
	}
}
