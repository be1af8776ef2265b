package container

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"variantlab/adapters/badger"
	"variantlab/adapters/memory"
	"variantlab/adapters/postgres"
	"variantlab/adapters/redis"
	"variantlab/adapters/rng"
	"variantlab/app"
	"variantlab/domain/experiment"
	"variantlab/internal/analysis"
	"variantlab/internal/api"
	"variantlab/internal/config"
	"variantlab/internal/errors"
	"variantlab/internal/metrics"
	"variantlab/internal/migration"
	"variantlab/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Container holds all application dependencies and manages their lifecycle
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Infrastructure
	Store    ports.Store
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Sampler  ports.BetaSampler

	// Services
	Variants    *app.VariantStore
	Selector    *app.ThompsonSelector
	Tracker     *app.FeedbackTracker
	Allocator   *app.TrafficAllocator
	Analyzer    *analysis.Analyzer
	Experiments *app.ExperimentManager
	Optimizer   *app.OptimizationService

	// Background jobs; nil when the expiry sweep is disabled
	Sweeper *app.ExpirySweeper

	// HTTP surfaces
	Server *api.Server
	Admin  http.Handler
}

// New creates the container and wires every component from cfg
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		return nil, errors.ConfigInvalid("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Container{
		Config: cfg,
		Logger: logger,
	}

	if err := c.initStore(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to initialize store")
	}

	c.initMetrics()
	c.initServices()

	if err := c.initSweeper(); err != nil {
		_ = c.Store.Close()
		return nil, errors.Wrap(err, "failed to initialize expiry sweeper")
	}

	c.initHTTP()

	logger.Info("container initialized",
		"store", cfg.Store.Backend,
		"assignments", cfg.Store.AssignmentBackend,
		"expiry_sweep", cfg.Experiments.ExpirySweepSchedule)
	return c, nil
}

// initStore opens the configured backend and layers Redis assignments on top
func (c *Container) initStore(ctx context.Context) error {
	base, err := c.openBackend(ctx)
	if err != nil {
		return err
	}

	if c.Config.Store.AssignmentBackend == config.AssignmentsInRedis {
		assignments, err := redis.Dial(c.Config.Store.RedisURL, c.Config.Store.RedisPrefix)
		if err != nil {
			_ = base.Close()
			return err
		}
		if err := assignments.Ping(ctx); err != nil {
			_ = assignments.Close()
			_ = base.Close()
			return err
		}
		base = redis.Overlay(base, assignments)
	}

	c.Store = base
	return nil
}

func (c *Container) openBackend(ctx context.Context) (ports.Store, error) {
	switch c.Config.Store.Backend {
	case config.BackendMemory:
		return memory.NewStore(), nil

	case config.BackendPostgres:
		store, err := postgres.Open(ctx, c.Config.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := migration.NewRunner().Run(ctx, store.DB()); err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, "database migration failed")
		}
		return store, nil

	case config.BackendBadger:
		bc := badger.Config{Path: c.Config.Store.BadgerDir, Logger: c.Logger}
		if bc.Path == config.BadgerInMemory {
			bc = badger.Config{InMemory: true, Logger: c.Logger}
		}
		return badger.Open(bc)

	default:
		return nil, errors.ConfigInvalid(fmt.Sprintf("unknown store backend %q", c.Config.Store.Backend))
	}
}

func (c *Container) initMetrics() {
	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.New(c.Registry)
}

func (c *Container) initServices() {
	cfg := c.Config
	clock := app.SystemClock{}

	c.Sampler = rng.NewBetaSampler(cfg.Engine.ThompsonSeed)
	c.Analyzer = analysis.NewAnalyzer()
	c.Variants = app.NewVariantStore(c.Store, clock, c.Logger)
	c.Selector = app.NewThompsonSelector(c.Sampler)
	c.Tracker = app.NewFeedbackTracker(c.Store, clock, c.Metrics, c.Logger)
	c.Allocator = app.NewTrafficAllocator(c.Store, clock)

	defaults := experiment.Defaults{
		SignificanceLevel: cfg.Experiments.DefaultSignificanceLevel,
		MinSampleSize:     cfg.Experiments.DefaultMinSampleSize,
	}
	c.Experiments = app.NewExperimentManager(c.Store, c.Allocator, c.Tracker, c.Analyzer, defaults, clock, c.Metrics, c.Logger)
	c.Optimizer = app.NewOptimizationService(c.Variants, c.Selector, c.Tracker, c.Analyzer, c.Store,
		app.OptimizationConfig{ScopeMinImpressions: cfg.Engine.ScopeMinImpressions}, c.Metrics, c.Logger)
}

func (c *Container) initSweeper() error {
	schedule := c.Config.Experiments.ExpirySweepSchedule
	if schedule == "" {
		c.Logger.Info("expiry sweep disabled")
		return nil
	}
	sweeper, err := app.NewExpirySweeper(c.Experiments, schedule, c.Logger)
	if err != nil {
		return err
	}
	c.Sweeper = sweeper
	return nil
}

func (c *Container) initHTTP() {
	c.Server = api.NewServer(c.Optimizer, c.Experiments, api.Options{
		GenerateMaxVariants: c.Config.Engine.GenerateMaxVariants,
	}, c.Metrics, c.Logger)
	c.Admin = api.NewAdminRouter(c.Registry, c.Store)
}

// Start launches background jobs
func (c *Container) Start() {
	if c.Sweeper != nil {
		c.Sweeper.Start()
	}
}

// Shutdown gracefully shuts down all components
func (c *Container) Shutdown(ctx context.Context) error {
	if c.Sweeper != nil {
		c.Sweeper.Stop(ctx)
	}

	if c.Store != nil {
		return c.Store.Close()
	}
	return nil
}
