// Package api exposes the defense engine and catalog over an HTTP admin interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-defense/pkg/capability"
	"github.com/polisai/polis-defense/pkg/config"
	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine"
	"github.com/polisai/polis-defense/pkg/telemetry"
)

// Evaluator runs requests against the published catalog.
type Evaluator interface {
	Evaluate(ctx context.Context, facts *domain.RequestFacts, att domain.DefenseProfileAttachment, lines []domain.DefenseLineAttachment) domain.SimulationResult
	EvaluateEndpoint(ctx context.Context, facts *domain.RequestFacts) domain.SimulationResult
	Validate(profile *domain.DefenseProfile) domain.ValidationReport
}

// Simulator previews decisions without side effects.
type Simulator interface {
	Simulate(ctx context.Context, req engine.SimulationRequest) (*engine.SimulationResponse, error)
}

// CatalogStore is the mutable catalog behind the profile endpoints.
type CatalogStore interface {
	Current() *domain.Catalog
	Install(cat *config.Catalog) error
	PutProfile(p *domain.DefenseProfile) error
	DeleteProfile(id string) error
	ResetProfile(id string) error
	Authored(id string) (*domain.DefenseProfile, bool)
	Resolve(p *domain.DefenseProfile) (*domain.DefenseProfile, error)
}

// Config holds the dependencies of the admin server.
type Config struct {
	Evaluator Evaluator
	Simulator Simulator
	Store     CatalogStore
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
	// Ready reports whether the service can take traffic. Nil means always ready.
	Ready func() error
	// FieldStats serves GET /v1/learning/fields when set.
	FieldStats func() []capability.FieldStats
}

// Server wraps the gin router and its dependencies.
type Server struct {
	Engine *gin.Engine

	evaluator Evaluator
	simulator Simulator
	store     CatalogStore
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	ready     func() error
	learned   func() []capability.FieldStats
}

// New wires the router and registers every route.
func New(cfg Config) (*Server, error) {
	if cfg.Evaluator == nil || cfg.Simulator == nil || cfg.Store == nil {
		return nil, errors.New("api: evaluator, simulator and store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "admin_api")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(RequestID(logger), AccessLog(logger), Recovery(logger))

	s := &Server{
		Engine:    router,
		evaluator: cfg.Evaluator,
		simulator: cfg.Simulator,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		logger:    logger,
		ready:     cfg.Ready,
		learned:   cfg.FieldStats,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Engine.GET("/healthz", s.health)
	if s.metrics != nil {
		s.Engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.Engine.Group("/v1")
	v1.POST("/evaluate", s.evaluate)
	v1.PUT("/catalog", s.installCatalog)

	if s.learned != nil {
		v1.GET("/learning/fields", s.learnedFields)
	}

	profiles := v1.Group("/profiles")
	profiles.GET("", s.listProfiles)
	profiles.POST("/validate", s.validateProfile)
	profiles.GET("/:id", s.getProfile)
	profiles.PUT("/:id", s.putProfile)
	profiles.DELETE("/:id", s.deleteProfile)
	profiles.POST("/:id/reset", s.resetProfile)
	profiles.POST("/:id/simulate", s.simulateProfile)

	s.Engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
}

// Handler returns the router instrumented with OpenTelemetry.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Engine, "defense.admin",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	useTLS := cfg.TLS != nil && cfg.TLS.Enabled
	if useTLS {
		srv.TLSConfig = cfg.TLS.ServerTLS()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "address", cfg.Address, "tls", useTLS)
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down admin server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown admin server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	}
}
