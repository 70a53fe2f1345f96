// Package refresh assembles the refresh job server.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/intelboard/intelboard/internal/logger"
	"github.com/intelboard/intelboard/internal/refresh/api"
	v0 "github.com/intelboard/intelboard/internal/refresh/api/handlers/v0"
	"github.com/intelboard/intelboard/internal/refresh/api/router"
	"github.com/intelboard/intelboard/internal/refresh/catalog"
	"github.com/intelboard/intelboard/internal/refresh/config"
	"github.com/intelboard/intelboard/internal/refresh/database"
	"github.com/intelboard/intelboard/internal/refresh/facts"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/pipeline"
	"github.com/intelboard/intelboard/internal/refresh/scheduler"
	"github.com/intelboard/intelboard/internal/refresh/service"
	"github.com/intelboard/intelboard/internal/refresh/stream"
	"github.com/intelboard/intelboard/internal/refresh/telemetry"
	"github.com/intelboard/intelboard/internal/version"
	"github.com/intelboard/intelboard/pkg/types"
)

// App is a fully wired refresh server.
type App struct {
	Config    *config.Config
	Locations *catalog.Directory
	Service   *service.Service
	Server    *api.Server
	Scheduler *scheduler.Scheduler

	logger            arbor.ILogger
	closeStore        func() error
	shutdownTelemetry telemetry.ShutdownFunc
}

// Run loads the configuration, starts the server and blocks until SIGINT
// or SIGTERM, then shuts down gracefully.
func Run(_ context.Context, opts ...types.AppOptions) error {
	cfg := config.NewConfig()
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	log := logger.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	app, err := Build(ctx, cfg, log, opts...)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", version.Version).
		Str("commit", version.GitCommit).
		Msg("Starting intelboard refresh server")

	if err := app.Scheduler.Start(); err != nil {
		_ = app.Close(context.Background())
		return err
	}

	// Start server in a goroutine so it doesn't block signal handling
	serveErr := make(chan error, 1)
	go func() {
		if err := app.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		log.Info().Msg("Shutting down server...")
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("HTTP server failed")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	if err := app.Close(sctx); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
	log.Info().Msg("Server exiting")
	return runErr
}

// Build wires every component for cfg without starting the listener or the
// scheduler.
func Build(ctx context.Context, cfg *config.Config, log arbor.ILogger, opts ...types.AppOptions) (*App, error) {
	var options types.AppOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	if log == nil {
		log = logger.Discard()
	}

	store, snapshots, closeStore, err := openStores(ctx, cfg, log, options)
	if err != nil {
		return nil, err
	}

	shutdownTelemetry, metrics, err := telemetry.InitMetrics(cfg.Version)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	app := &App{
		Config:            cfg,
		logger:            log,
		closeStore:        closeStore,
		shutdownTelemetry: shutdownTelemetry,
	}
	fail := func(err error) (*App, error) {
		_ = app.Close(context.Background())
		return nil, err
	}

	locations, err := loadLocations(cfg.LocationsFile, log)
	if err != nil {
		return fail(err)
	}
	app.Locations = locations

	fetcher := options.Fetcher
	if fetcher == nil {
		fetcher = catalog.NewProviderClient(catalog.ProviderConfig{
			BaseURL:       cfg.Provider.BaseURL,
			APIKey:        cfg.Provider.APIKey,
			Timeout:       cfg.Provider.Timeout,
			RatePerSecond: cfg.Provider.RatePerSecond,
			Burst:         cfg.Provider.Burst,
		})
	}

	registry := pipeline.NewRegistry()
	if err := catalog.RegisterDefaults(registry, catalog.Deps{
		Locations: locations,
		Provider:  fetcher,
		Snapshots: snapshots,
	}); err != nil {
		return fail(fmt.Errorf("register job types: %w", err))
	}
	if options.RegisterJobTypes != nil {
		if err := options.RegisterJobTypes(registry); err != nil {
			return fail(fmt.Errorf("register extra job types: %w", err))
		}
	}

	runner := pipeline.NewRunner(store,
		pipeline.WithStepTimeout(cfg.StepTimeout),
		pipeline.WithLogger(log),
		pipeline.WithMetrics(metrics),
	)
	hub := stream.NewHub()
	app.Service = service.New(store, registry, runner, hub, service.Config{
		RedirectBase:       cfg.RedirectBase,
		MaxJobsPerTenant:   cfg.MaxJobsPerTenant,
		RecentWindow:       cfg.RecentWindow,
		ResumePollInterval: cfg.ResumePollInterval,
	}, log)

	deck, err := facts.DefaultDeck()
	if err != nil {
		return fail(fmt.Errorf("load fact deck: %w", err))
	}
	streamer := facts.NewStreamer(
		facts.NewGenerator(deck, facts.NewIDGenerator("fact")),
		locations.Name,
		cfg.Facts.Interval,
		cfg.Facts.MaxCards,
		log,
	)

	app.Server = api.NewServer(cfg.ServerAddress, router.Options{
		Service: app.Service,
		Metrics: metrics,
		VersionInfo: &v0.VersionBody{
			Version:   version.Version,
			GitCommit: version.GitCommit,
			BuildTime: version.BuildDate,
		},
		Streamer: streamer,
		Logger:   log,
	})
	if options.OnHTTPServerCreated != nil {
		options.OnHTTPServerCreated(app.Server)
	}

	app.Scheduler = scheduler.New(app.Service, hub, cfg.HubRetention, log)
	if cfg.SchedulerEnabled {
		n := app.Scheduler.Load(locations.All())
		log.Info().Int("locations", n).Msg("Scheduled refreshes loaded")
	}

	log.Info().
		Int("job_types", len(registry.Types())).
		Int("locations", len(locations.All())).
		Bool("memory_store", cfg.UsesMemoryStore()).
		Msg("Refresh server wired")
	return app, nil
}

// Close stops the scheduler, drains running jobs, stops the listener and
// releases the store and telemetry. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Scheduler != nil {
		a.Scheduler.Stop(ctx)
	}
	if a.Service != nil {
		if err := a.Service.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain jobs: %w", err))
		}
	}
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		} else {
			a.logger.Info().Msg("Store closed successfully")
		}
	}
	return errors.Join(errs...)
}

func openStores(ctx context.Context, cfg *config.Config, log arbor.ILogger, options types.AppOptions) (jobs.Store, catalog.SnapshotStore, func() error, error) {
	noop := func() error { return nil }

	if options.StoreFactory != nil {
		log.Info().Msg("Using StoreFactory to create stores")
		store, snapshots, err := options.StoreFactory(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create stores via factory: %w", err)
		}
		return store, snapshots, noop, nil
	}

	if cfg.UsesMemoryStore() {
		log.Warn().Msg("Using in-memory stores, jobs and history are lost on restart")
		return jobs.NewMemoryStore(), catalog.NewMemorySnapshotStore(), noop, nil
	}

	db, err := database.NewPostgreSQL(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, db.Snapshots(), db.Close, nil
}

// loadLocations reads the locations file. A missing file yields an empty
// directory so the server can start before any location is configured.
func loadLocations(path string, log arbor.ILogger) (*catalog.Directory, error) {
	dir, err := catalog.LoadLocations(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("Locations file not found, starting with no locations")
		return catalog.NewDirectory(), nil
	}
	if err != nil {
		return nil, err
	}
	return dir, nil
}
