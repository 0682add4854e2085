package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-defense/internal/governance"
	"github.com/polisai/polis-defense/pkg/capability"
	"github.com/polisai/polis-defense/pkg/config"
	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine"
	"github.com/polisai/polis-defense/pkg/engine/nodes"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
	"github.com/polisai/polis-defense/pkg/logging"
	"github.com/polisai/polis-defense/pkg/storage"
	"github.com/polisai/polis-defense/pkg/telemetry"
)

const readyTimeout = 500 * time.Millisecond

// loadConfig reads the --config file and applies the --log-level override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level != "" {
		cfg.Logging.Level = level
		if err := cfg.Logging.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// components is the wired defense runtime shared by every command.
type components struct {
	metrics    *telemetry.Metrics
	store      *storage.CatalogStore
	engine     *engine.Engine
	simulator  *engine.Simulator
	dispatcher *nodes.Dispatcher
	learner    *capability.FieldLearner
	// ping checks the networked backends. Nil when none are configured.
	ping func(context.Context) error

	closers []io.Closer
}

// ready reports whether the backends answer.
func (c *components) ready() error {
	if c.ping == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	return c.ping(ctx)
}

// Close stops the observation workers and releases backend connections.
func (c *components) Close() error {
	if c.dispatcher != nil {
		c.dispatcher.Close()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i].Close())
	}
	return errors.Join(errs...)
}

type buildOptions struct {
	// Networked enables Redis backends. Offline tooling leaves it off.
	Networked bool
	// Builtins overrides cfg.Catalog.IncludeBuiltins when set.
	Builtins *bool
}

// buildComponents wires capabilities, the engine and the catalog store from cfg.
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts buildOptions) (*components, error) {
	c := &components{metrics: telemetry.NewMetrics()}
	clock := runtime.SystemClock{}

	deps := capability.Deps{
		Clock:    clock,
		Logger:   logger.With("component", "capability"),
		Breakers: governance.NewCircuitBreakerManager(cfg.Capabilities.CircuitBreaker),
	}

	if opts.Networked && cfg.Redis.Enabled() {
		client, err := capability.NewRedisClient(ctx, capability.RedisOptions{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
			ReadTimeout: cfg.Redis.ReadTimeout,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, client)
		c.ping = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		deps.Reputation = capability.NewRedisReputation(client, cfg.Redis.Prefix)
		deps.Counter = capability.NewRedisCounter(client, cfg.Redis.Prefix, clock)
		logger.Info("redis backends enabled", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
	} else {
		reputation := capability.NewMemoryReputation()
		for _, entry := range cfg.Capabilities.Reputation {
			if err := reputation.Add(entry.CIDR, capability.Reputation{Listed: true, Score: entry.Score, Reason: entry.Reason}); err != nil {
				return nil, fmt.Errorf("reputation entry %q: %w", entry.CIDR, err)
			}
		}
		deps.Reputation = reputation
		deps.Counter = capability.NewMemoryCounter(cfg.Capabilities.RateLimiter, clock)
	}

	if len(cfg.Capabilities.GeoIP) > 0 {
		geo, err := capability.NewStaticGeo(cfg.Capabilities.GeoIP)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("geoip table: %w", err)
		}
		deps.Geo = geo
	}

	if bundle := cfg.Capabilities.Rego; bundle != nil {
		overrides, err := regoOverrides(ctx, bundle)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		deps.Overrides = overrides
		logger.Info("rego bundle loaded", "defenses", bundle.Defenses, "modules", len(bundle.Modules))
	}

	caps, err := capability.Defaults(deps)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	c.learner = capability.NewFieldLearner()
	c.dispatcher = nodes.NewDispatcher(nodes.DispatcherConfig{
		Workers:   cfg.Engine.ObservationWorkers,
		QueueSize: cfg.Engine.ObservationQueue,
		Logger:    logger.With("component", "observations"),
		OnDrop:    func(domain.ObservationType) { c.metrics.IncObservationDropped() },
	})
	if err := capability.RegisterObservers(c.dispatcher, c.learner); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.dispatcher.Start()

	registry := nodes.NewRegistry(nodes.Config{
		Capabilities:      caps,
		Dispatcher:        c.dispatcher,
		CapabilityTimeout: time.Duration(cfg.Engine.CapabilityTimeoutMS) * time.Millisecond,
		Logger:            logger.With("component", "nodes"),
	})

	includeBuiltins := cfg.Catalog.IncludeBuiltins
	if opts.Builtins != nil {
		includeBuiltins = *opts.Builtins
	}
	storeOpts := storage.Options{
		Logger:    logger,
		MaxDepth:  cfg.Engine.MaxDepth,
		OnInstall: func(cat *domain.Catalog) { c.metrics.SetCatalogGeneration(cat.Generation) },
	}
	if includeBuiltins {
		builtins, err := storage.Builtins()
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		storeOpts.Builtins = builtins
	}
	c.store, err = storage.NewCatalogStore(storeOpts)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	c.engine, err = engine.New(engine.Config{
		Catalog:       c.store,
		Registry:      registry,
		Clock:         clock,
		Logger:        logger.With("component", "engine"),
		Metrics:       c.metrics,
		MaxParallel:   cfg.Engine.MaxParallel,
		MaxNodeVisits: cfg.Engine.MaxNodeVisits,
		MaxDepth:      cfg.Engine.MaxDepth,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.simulator = engine.NewSimulator(c.engine, logger.With("component", "simulator"))
	return c, nil
}

// regoOverrides compiles the bundle once and installs it for every listed defense.
func regoOverrides(ctx context.Context, bundle *config.RegoBundle) (map[domain.DefenseType]runtime.Capability, error) {
	modules, err := bundle.Load()
	if err != nil {
		return nil, fmt.Errorf("load rego bundle: %w", err)
	}
	policy, err := capability.NewRego(ctx, capability.RegoOptions{Modules: modules, Query: bundle.Query})
	if err != nil {
		return nil, fmt.Errorf("compile rego bundle: %w", err)
	}
	out := make(map[domain.DefenseType]runtime.Capability, len(bundle.Defenses))
	for _, name := range bundle.Defenses {
		d := domain.DefenseType(name)
		if !d.Valid() {
			return nil, fmt.Errorf("rego bundle overrides unknown defense type %q", name)
		}
		out[d] = policy
	}
	return out, nil
}

func newLogger(cfg *config.Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.NewLogger(cfg.Logging, console)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, closer, nil
}
