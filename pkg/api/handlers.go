package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/polisai/polis-defense/pkg/config"
	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine"
)

// EvaluateRequest is the body of POST /v1/evaluate. Without an attachment the
// request is routed by its host and path.
type EvaluateRequest struct {
	Facts        *domain.RequestFacts   `json:"facts" binding:"required"`
	Attachment   *config.AttachmentSpec `json:"attachment,omitempty"`
	DefenseLines []config.LineSpec      `json:"defense_lines,omitempty"`
}

// SimulateRequest is the body of POST /v1/profiles/:id/simulate. Profile, when set,
// is an unsaved draft evaluated under the path id.
type SimulateRequest struct {
	Facts        *domain.RequestFacts `json:"facts" binding:"required"`
	Profile      *config.ProfileSpec  `json:"profile,omitempty"`
	IncludeTrace bool                 `json:"include_trace,omitempty"`
}

// ProfileSummary is one entry of GET /v1/profiles.
type ProfileSummary struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Enabled  bool     `json:"enabled"`
	Builtin  bool     `json:"builtin"`
	Priority int      `json:"priority"`
	Extends  string   `json:"extends,omitempty"`
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Default  bool     `json:"default,omitempty"`
}

// ProfileResponse is the body of profile reads and writes.
type ProfileResponse struct {
	Profile    config.ProfileSpec      `json:"profile"`
	Validation domain.ValidationReport `json:"validation"`
	Generation uint64                  `json:"generation"`
}

func (s *Server) health(c *gin.Context) {
	snap := s.store.Current()
	if s.ready != nil {
		if err := s.ready(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "generation": snap.Generation})
}

func (s *Server) evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	facts := withReceivedAt(req.Facts)

	if req.Attachment == nil {
		c.JSON(http.StatusOK, s.evaluator.EvaluateEndpoint(c.Request.Context(), facts))
		return
	}
	binding, err := config.EndpointSpec{Attachment: *req.Attachment, DefenseLines: req.DefenseLines}.ToDomain()
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.evaluator.Evaluate(c.Request.Context(), facts, binding.Attachment, binding.DefenseLines))
}

func (s *Server) installCatalog(c *gin.Context) {
	var doc config.CatalogDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		badRequest(c, err)
		return
	}
	cat, err := doc.ToDomain()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.Install(cat); err != nil {
		s.writeStoreError(c, err)
		return
	}
	snap := s.store.Current()
	RequestLogger(c, s.logger).Info("catalog replaced through admin api", "generation", snap.Generation)
	c.JSON(http.StatusOK, gin.H{
		"generation":       snap.Generation,
		"profiles":         len(snap.Profiles),
		"invalid_profiles": snap.Invalid,
	})
}

func (s *Server) learnedFields(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"paths": s.learned()})
}

func (s *Server) listProfiles(c *gin.Context) {
	snap := s.store.Current()
	out := make([]ProfileSummary, 0, len(snap.Profiles))
	for _, id := range snap.ProfileIDs() {
		p, _ := snap.Profile(id)
		errs := snap.ValidationErrors(id)
		out = append(out, ProfileSummary{
			ID:       p.ID,
			Name:     p.Name,
			Enabled:  p.Enabled,
			Builtin:  p.Builtin,
			Priority: p.Priority,
			Extends:  p.Extends,
			Valid:    len(errs) == 0,
			Errors:   errs,
			Default:  snap.DefaultProfile().ID == id,
		})
	}
	c.JSON(http.StatusOK, gin.H{"generation": snap.Generation, "profiles": out})
}

func (s *Server) getProfile(c *gin.Context) {
	id := c.Param("id")
	authored, ok := s.store.Authored(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found", "profile_id": id})
		return
	}
	c.JSON(http.StatusOK, s.profileResponse(authored))
}

func (s *Server) validateProfile(c *gin.Context) {
	profile, ok := s.bindProfile(c, "")
	if !ok {
		return
	}
	resolved, err := s.store.Resolve(profile)
	if err != nil {
		c.JSON(http.StatusOK, domain.ValidationReport{Valid: false, Errors: []string{err.Error()}})
		return
	}
	c.JSON(http.StatusOK, s.evaluator.Validate(resolved))
}

func (s *Server) putProfile(c *gin.Context) {
	id := c.Param("id")
	profile, ok := s.bindProfile(c, id)
	if !ok {
		return
	}
	if err := s.store.PutProfile(profile); err != nil {
		s.writeStoreError(c, err)
		return
	}
	RequestLogger(c, s.logger).Info("defense profile saved", "profile_id", id)
	authored, _ := s.store.Authored(id)
	c.JSON(http.StatusOK, s.profileResponse(authored))
}

func (s *Server) deleteProfile(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteProfile(id); err != nil {
		s.writeStoreError(c, err)
		return
	}
	RequestLogger(c, s.logger).Info("defense profile deleted", "profile_id", id)
	c.Status(http.StatusNoContent)
}

func (s *Server) resetProfile(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.ResetProfile(id); err != nil {
		s.writeStoreError(c, err)
		return
	}
	RequestLogger(c, s.logger).Info("defense profile reset to shipped default", "profile_id", id)
	authored, _ := s.store.Authored(id)
	c.JSON(http.StatusOK, s.profileResponse(authored))
}

func (s *Server) simulateProfile(c *gin.Context) {
	id := c.Param("id")
	var req SimulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	simReq := engine.SimulationRequest{
		ProfileID:    id,
		Facts:        withReceivedAt(req.Facts),
		IncludeTrace: req.IncludeTrace,
	}
	if req.Profile != nil {
		req.Profile.ID = id
		draft, err := req.Profile.ToDomain()
		if err != nil {
			badRequest(c, err)
			return
		}
		resolved, err := s.store.Resolve(draft)
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		simReq.ProfileID = ""
		simReq.Profile = resolved
	}

	resp, err := s.simulator.Simulate(c.Request.Context(), simReq)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// bindProfile decodes a ProfileSpec body. A non-empty pathID must match the body id,
// which defaults to it.
func (s *Server) bindProfile(c *gin.Context, pathID string) (*domain.DefenseProfile, bool) {
	var spec config.ProfileSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, err)
		return nil, false
	}
	if pathID != "" {
		if spec.ID == "" {
			spec.ID = pathID
		}
		if spec.ID != pathID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "profile id does not match path", "profile_id": pathID})
			return nil, false
		}
	}
	profile, err := spec.ToDomain()
	if err != nil {
		badRequest(c, err)
		return nil, false
	}
	return profile, true
}

func (s *Server) profileResponse(authored *domain.DefenseProfile) ProfileResponse {
	snap := s.store.Current()
	spec := config.ProfileFromDomain(authored)
	report := domain.ValidationReport{Valid: true}
	if p, ok := snap.Profile(authored.ID); ok {
		spec.Builtin = p.Builtin
		if errs := snap.ValidationErrors(p.ID); len(errs) > 0 {
			report = domain.ValidationReport{Valid: false, Errors: errs}
		}
	}
	return ProfileResponse{Profile: spec, Validation: report, Generation: snap.Generation}
}

func (s *Server) writeStoreError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, domain.ValidationReport{Valid: false, Errors: verr.Errors})
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrBuiltinProfile), errors.Is(err, domain.ErrNotBuiltin):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		RequestLogger(c, s.logger).Error("admin request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func withReceivedAt(facts *domain.RequestFacts) *domain.RequestFacts {
	if facts.ReceivedAt.IsZero() {
		facts.ReceivedAt = time.Now().UTC()
	}
	return facts
}
