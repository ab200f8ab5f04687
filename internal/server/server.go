// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/analysis"
	"github.com/sitegauge/sitegauge/internal/analyzer"
	"github.com/sitegauge/sitegauge/internal/api"
	"github.com/sitegauge/sitegauge/internal/clock/system"
	"github.com/sitegauge/sitegauge/internal/config"
	collyfetcher "github.com/sitegauge/sitegauge/internal/fetcher/colly"
	headlessfetcher "github.com/sitegauge/sitegauge/internal/fetcher/headless"
	"github.com/sitegauge/sitegauge/internal/hash/sha256"
	"github.com/sitegauge/sitegauge/internal/headless/detector"
	idgen "github.com/sitegauge/sitegauge/internal/id/uuid"
	"github.com/sitegauge/sitegauge/internal/logging"
	"github.com/sitegauge/sitegauge/internal/policy/ratelimit"
	"github.com/sitegauge/sitegauge/internal/progress"
	progresssinks "github.com/sitegauge/sitegauge/internal/progress/sinks"
	memorypublisher "github.com/sitegauge/sitegauge/internal/publisher/memory"
	gcppublisher "github.com/sitegauge/sitegauge/internal/publisher/pubsub"
	"github.com/sitegauge/sitegauge/internal/queue"
	queuememory "github.com/sitegauge/sitegauge/internal/queue/memory"
	"github.com/sitegauge/sitegauge/internal/stats"
	gcsstorage "github.com/sitegauge/sitegauge/internal/storage/gcs"
	memorystorage "github.com/sitegauge/sitegauge/internal/storage/memory"
	pgstore "github.com/sitegauge/sitegauge/internal/storage/postgres"
	"github.com/sitegauge/sitegauge/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	engine      *worker.Engine
	collector   *stats.Collector
	adapter     *queue.Adapter
	ready       *queuememory.Queue
	progressHub *progress.Hub
	wsSink      *progresssinks.WebSocketSink

	pubsubPub *gcppublisher.Publisher
	gcsClient *gstorage.Client
	pgStore   *pgstore.JobStore
}

// Build creates the application's dependencies from configuration.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	registry := prometheus.NewRegistry()

	jobStore, err := app.setupJobStore(ctx)
	if err != nil {
		return nil, err
	}
	blobStore, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := app.setupNotifier(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := app.setupProgress(ctx, registry)
	if err != nil {
		return nil, err
	}

	app.ready = queuememory.NewQueue(cfg.Queue.Capacity)
	app.adapter = queue.NewAdapter(
		jobStore,
		app.ready,
		idgen.New(),
		system.New(),
		emitter,
		queue.AdapterConfig{
			Concurrency:           cfg.Worker.Concurrency,
			DefaultProcessingTime: time.Duration(cfg.Queue.DefaultProcessingSeconds) * time.Second,
			MaxBudgetSeconds:      cfg.Queue.MaxBudgetSeconds,
		},
		logger.Named("queue"),
	)

	pageAnalyzer := app.setupAnalyzer()
	reporter := worker.NewReporter(
		jobStore,
		emitter,
		system.New(),
		time.Duration(cfg.Progress.ThrottleMillis)*time.Millisecond,
		logger.Named("reporter"),
	)
	policy := analysis.NewRetryPolicy(
		cfg.Retry.MaxAttempts,
		time.Duration(cfg.Retry.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Retry.BackoffMaxMs)*time.Millisecond,
	)
	app.engine = worker.New(
		app.ready,
		jobStore,
		pageAnalyzer,
		blobStore,
		notifier,
		reporter,
		policy,
		sha256.New(),
		system.New(),
		worker.Config{
			Concurrency:        cfg.Worker.Concurrency,
			CancelPollInterval: time.Duration(cfg.Worker.CancelPollSeconds) * time.Second,
			SafetyMargin:       time.Duration(cfg.Worker.SafetyMarginSeconds) * time.Second,
			DefaultBudget:      cfg.DefaultBudget(),
			HeartbeatInterval:  time.Duration(cfg.Worker.HeartbeatMillis) * time.Millisecond,
			ContentType:        cfg.Storage.ContentType,
			BlobPrefix:         cfg.Storage.Prefix,
			Topic:              cfg.PubSub.TopicName,
		},
		logger.Named("worker"),
	)

	app.collector, err = stats.New(
		jobStore,
		app.adapter,
		system.New(),
		stats.Config{
			Interval:          time.Duration(cfg.Stats.IntervalSeconds) * time.Second,
			CompletionsWindow: cfg.Stats.CompletionsWindow,
		},
		registry,
		logger.Named("stats"),
	)
	if err != nil {
		return nil, fmt.Errorf("stats collector init failed: %w", err)
	}

	app.apiServer = api.NewServer(
		app.adapter,
		jobStore,
		app.wsSink,
		registry,
		api.Config{
			RequestTimeout: cfg.RequestTimeout(),
			AuthEnabled:    cfg.Auth.Enabled,
			APIKey:         cfg.Auth.APIKey,
		},
		logger.Named("api"),
	)

	return app, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		a.logger.Info("engine started", zap.Int("concurrency", a.cfg.Worker.Concurrency))
		a.engine.Run(ctx)
	}()
	go func() {
		a.logger.Info("stats collector started")
		a.collector.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.ready.Close()
	<-engineDone

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	if a.wsSink != nil {
		if err := a.wsSink.Close(ctx); err != nil {
			a.logger.Warn("websocket sink close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPub != nil {
		if err := a.pubsubPub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) setupJobStore(ctx context.Context) (analysis.JobStore, error) {
	switch a.cfg.DB.Driver {
	case "postgres":
		a.logger.Info("using postgres job store")
		store, err := pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: int32(a.cfg.DB.MaxOpenConns),
			MinConns: int32(a.cfg.DB.MaxIdleConns),
		})
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		a.pgStore = store
		return store, nil
	case "memory", "":
		a.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), nil
	default:
		return nil, fmt.Errorf("unknown db driver: %s", a.cfg.DB.Driver)
	}
}

func (a *App) setupBlobStore(ctx context.Context) (analysis.BlobStore, error) {
	switch a.cfg.Storage.Driver {
	case "gcs":
		a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case "memory", "":
		a.logger.Info("using in-memory blob store")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", a.cfg.Storage.Driver)
	}
}

func (a *App) setupNotifier(ctx context.Context) (analysis.Notifier, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPub = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPub, nil
}

func (a *App) setupProgress(ctx context.Context, registry *prometheus.Registry) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	a.wsSink = progresssinks.NewWebSocketSink(a.logger.Named("progress_ws"))
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		a.wsSink,
	}
	a.progressHub = progress.NewHub(progress.Config{
		BufferSize:  a.cfg.Progress.BufferSize,
		BaseContext: ctx,
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	return a.progressHub, nil
}

func (a *App) setupAnalyzer() *analyzer.Analyzer {
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Analyzer.UserAgent,
		Timeout:   time.Duration(a.cfg.Analyzer.FetchTimeoutSeconds) * time.Second,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Analyzer.RateLimitRPS,
			DefaultBurst: a.cfg.Analyzer.RateLimitBurst,
		}),
	})
	var headless analyzer.Fetcher
	if a.cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Analyzer.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			headless = hf
		}
	}
	return analyzer.New(
		probe,
		headless,
		detector.NewHeuristic(0),
		analyzer.Config{UserAgent: a.cfg.Analyzer.UserAgent},
		a.logger.Named("analyzer"),
	)
}
