// Package app initializes and holds the long-lived services of the harvester,
// acting as its dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/adapters"
	"github.com/JakeFAU/media-harvester/internal/api"
	"github.com/JakeFAU/media-harvester/internal/circuit"
	"github.com/JakeFAU/media-harvester/internal/clock/system"
	"github.com/JakeFAU/media-harvester/internal/config"
	"github.com/JakeFAU/media-harvester/internal/dedupe"
	"github.com/JakeFAU/media-harvester/internal/fetcher"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/id/uuid"
	"github.com/JakeFAU/media-harvester/internal/metrics"
	"github.com/JakeFAU/media-harvester/internal/policy/throttle"
	"github.com/JakeFAU/media-harvester/internal/progress"
	"github.com/JakeFAU/media-harvester/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/media-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/media-harvester/internal/scheduler"
	gcsstore "github.com/JakeFAU/media-harvester/internal/storage/gcs"
	"github.com/JakeFAU/media-harvester/internal/storage/local"
	"github.com/JakeFAU/media-harvester/internal/storage/memory"
	"github.com/JakeFAU/media-harvester/internal/storage/postgres"
	"github.com/JakeFAU/media-harvester/internal/worker"
)

// Options carries process-level overrides, mostly for tests.
type Options struct {
	// Registerer receives the progress metrics. Defaults to the global registry.
	Registerer prometheus.Registerer
}

// App holds the shared services for one process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	jobs      harvest.JobStore
	assets    harvest.AssetStore
	sources   adapters.Registry
	scheduler *scheduler.Scheduler
	server    *api.Server
	hub       *progress.Hub

	closers []func(context.Context) error
}

// New builds every service described by cfg. It fails fast when a backend
// cannot be initialized and releases whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.Background()); cerr != nil {
				logger.Warn("cleanup after failed init", zap.Error(cerr))
			}
			a = nil
		}
	}()

	var pool *pgxpool.Pool
	if cfg.Jobs.Backend == config.BackendPostgres || cfg.Storage.Backend == config.BackendPostgres {
		pool, err = postgres.NewPool(ctx, postgres.PoolConfig{DSN: cfg.DB.DSN, MaxConns: int32(cfg.DB.MaxConns)})
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		a.onClose(func(context.Context) error {
			pool.Close()
			return nil
		})
	}

	if a.jobs, err = a.buildJobStore(ctx, pool); err != nil {
		return nil, err
	}
	if a.assets, err = a.buildAssetStore(ctx, pool); err != nil {
		return nil, err
	}

	registry, closeSources, err := adapters.Build(cfg.Sources, adapters.Options{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTP.RequestTimeout(),
		Headless:  cfg.Headless,
		Logger:    logger.Named("adapters"),
	})
	if err != nil {
		return nil, fmt.Errorf("init sources: %w", err)
	}
	a.sources = registry
	a.onClose(func(context.Context) error {
		closeSources()
		return nil
	})

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("init metrics sink: %w", err)
	}
	a.hub = progress.NewHub(progress.HubConfig{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("events")), promSink)
	a.onClose(a.hub.Close)

	publisher, topic, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	breaker := circuit.New(circuit.Config{
		Threshold: cfg.Circuit.Threshold,
		CoolDown:  cfg.Circuit.CoolDown(),
		OnStateChange: func(source string, state circuit.State) {
			metrics.SetCircuitState(source, circuitGauge(state))
			logger.Info("circuit state changed", zap.String("source", source), zap.String("state", string(state)))
		},
	})

	a.scheduler, err = scheduler.New(scheduler.Config{
		MaxConcurrentSources:   cfg.Scheduler.MaxConcurrentSources,
		MaxConcurrentDownloads: cfg.Scheduler.MaxConcurrentDownloads,
		PerSourceParallelism:   cfg.Scheduler.PerSourceParallelism,
		PerSourceTimeout:       cfg.Scheduler.PerSourceTimeout(),
		GlobalJobTimeout:       cfg.Scheduler.GlobalJobTimeout(),
		InactivityTimeout:      cfg.Scheduler.InactivityTimeout(),
		FlushInterval:          cfg.Scheduler.FlushInterval(),
		CancelPollInterval:     cfg.Scheduler.CancelPollInterval(),
		CancelGrace:            cfg.Scheduler.CancelGrace(),
		Topic:                  topic,
		Worker: worker.Config{
			MaxRetries:  cfg.HTTP.MaxRetries,
			BackoffBase: cfg.HTTP.RetryBackoff(),
			DownloadDir: cfg.Scheduler.DownloadDir,
			HTTP: fetcher.Config{
				ConnectTimeout: cfg.HTTP.ConnectTimeout(),
				ReadTimeout:    cfg.HTTP.RequestTimeout(),
				MinSpeedBPS:    cfg.HTTP.MinDownloadSpeed,
				StallWindow:    cfg.HTTP.StallWindow(),
				MaxBytes:       cfg.HTTP.MaxFileBytes,
				UserAgent:      cfg.HTTP.UserAgent,
			},
		},
	}, scheduler.Deps{
		Jobs:      a.jobs,
		Assets:    a.assets,
		Adapters:  registry,
		Breaker:   breaker,
		Deduper:   dedupe.New(),
		Throttle:  throttle.New(throttle.Config{MinInterval: cfg.Throttle.DomainMinInterval()}),
		Hub:       a.hub,
		Publisher: publisher,
		Logger:    logger.Named("scheduler"),
	})
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	// Jobs must stop before the stores and the hub they write to.
	a.closers = append([]func(context.Context) error{a.scheduler.Shutdown}, a.closers...)

	a.server = api.NewServer(a.scheduler, a.jobs, cfg, logger.Named("api"))
	logger.Info("application services initialized",
		zap.String("jobs_backend", cfg.Jobs.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Strings("sources", registry.IDs()))
	return a, nil
}

func (a *App) buildJobStore(ctx context.Context, pool *pgxpool.Pool) (harvest.JobStore, error) {
	switch a.cfg.Jobs.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewJobStore(pool, a.cfg.DB.JobsTable)
		if err != nil {
			return nil, fmt.Errorf("init job store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("init job store: %w", err)
		}
		return store, nil
	case config.BackendMemory, "":
		return memory.NewJobStore(uuid.New(), system.New()), nil
	default:
		return nil, fmt.Errorf("unknown jobs backend: %s", a.cfg.Jobs.Backend)
	}
}

func (a *App) buildAssetStore(ctx context.Context, pool *pgxpool.Pool) (harvest.AssetStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.NewAssetStore(), nil
	case config.BackendLocal, "":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init asset store: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		store, err := gcsstore.New(ctx, client, gcsstore.Config{
			Bucket:       a.cfg.Storage.GCSBucket,
			Prefix:       a.cfg.Storage.Prefix,
			VerifyBucket: true,
		})
		if err != nil {
			return nil, fmt.Errorf("init asset store: %w", err)
		}
		return store, nil
	case config.BackendPostgres:
		store, err := postgres.NewAssetStore(pool, a.cfg.DB.AssetsTable)
		if err != nil {
			return nil, fmt.Errorf("init asset store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("init asset store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
}

func (a *App) buildPublisher(ctx context.Context) (harvest.Publisher, string, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Info("pubsub not configured; job notifications disabled")
		return nil, "", nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("init pubsub client: %w", err)
	}
	publisher := pubsubpublisher.New(client)
	a.onClose(func(context.Context) error {
		publisher.Close()
		return client.Close()
	})
	a.logger.Info("publishing job notifications", zap.String("topic", a.cfg.PubSub.TopicName))
	return publisher, a.cfg.PubSub.TopicName, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Jobs returns the job store.
func (a *App) Jobs() harvest.JobStore { return a.jobs }

// Scheduler returns the job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Server returns the HTTP API.
func (a *App) Server() *api.Server { return a.server }

// Sources returns the configured source adapters.
func (a *App) Sources() adapters.Registry { return a.sources }

// Close stops the scheduler and releases every backend, in that order.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	for _, fn := range a.closers {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// WaitJob polls the job store until jobID reaches a terminal status.
func (a *App) WaitJob(ctx context.Context, jobID string, every time.Duration) (harvest.Job, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		job, err := a.jobs.Get(ctx, jobID)
		if err != nil {
			return harvest.Job{}, fmt.Errorf("poll job: %w", err)
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func circuitGauge(state circuit.State) int {
	switch state {
	case circuit.StateOpen:
		return metrics.CircuitOpen
	case circuit.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}
