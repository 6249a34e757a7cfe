// Package app builds the long-lived services shared by every command and
// releases them on Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/clock/system"
	"github.com/JakeFAU/permit-crawler/internal/confidence"
	"github.com/JakeFAU/permit-crawler/internal/config"
	"github.com/JakeFAU/permit-crawler/internal/dispatcher"
	"github.com/JakeFAU/permit-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/permit-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/permit-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/permit-crawler/internal/hash/sha256"
	"github.com/JakeFAU/permit-crawler/internal/headless/detector"
	"github.com/JakeFAU/permit-crawler/internal/id/uuid"
	"github.com/JakeFAU/permit-crawler/internal/jobs"
	"github.com/JakeFAU/permit-crawler/internal/listing"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
	"github.com/JakeFAU/permit-crawler/internal/pdftext"
	"github.com/JakeFAU/permit-crawler/internal/permit"
	"github.com/JakeFAU/permit-crawler/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/permit-crawler/internal/publisher/pubsub"
	gcsstore "github.com/JakeFAU/permit-crawler/internal/storage/gcs"
	localstore "github.com/JakeFAU/permit-crawler/internal/storage/local"
	memorystore "github.com/JakeFAU/permit-crawler/internal/storage/memory"
	"github.com/JakeFAU/permit-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/permit-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/permit-crawler/internal/strategy"
	"github.com/JakeFAU/permit-crawler/internal/telemetry"
	"github.com/JakeFAU/permit-crawler/internal/worker"
)

const telemetryShutdownTimeout = 5 * time.Second

// App holds the services built from one Config.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Jobs    *jobs.Store
	Records permit.RecordStore
	Worker  *worker.Worker
	Scraper *listing.Scraper

	closers []func() error
}

// New wires every service described by cfg. On error, anything already
// opened is closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{Config: cfg, Logger: logger}
	ready := false
	defer func() {
		if ready {
			return
		}
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("cleanup after failed init", zap.Error(closeErr))
		}
	}()

	tracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		return tracing.Shutdown(shutdownCtx)
	})

	clock := system.New()

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Burst:             cfg.HTTP.Burst,
	})
	base := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: !cfg.HTTP.IgnoreRobots,
		Timeout:       cfg.Timeout(),
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
	}, limiter)
	shared := fetcher.NewRetrying(base, cfg.Backoff(), logger.Named("fetch"))

	var headless permit.Fetcher
	if cfg.Headless.Enabled {
		hf, herr := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if herr != nil {
			logger.Warn("headless fetcher init failed", zap.Error(herr))
		} else {
			headless = hf
			a.onClose(func() error { hf.Close(); return nil })
		}
	}

	opts := strategy.Options{
		PDF:          pdftext.New(cfg.PDF.PdfToTextPath),
		SnippetChars: cfg.Worker.SnippetChars,
		Logger:       logger.Named("strategy"),
	}
	agents := cfg.HTTP.AlternateAgents
	if len(agents) == 0 {
		agents = strategy.DefaultAlternateAgents
	}
	dispatch := dispatcher.New()
	dispatch.Register(jobs.StrategyStandard, strategy.Standard(shared, opts))
	dispatch.Register(jobs.StrategyRetryFreshSession, strategy.FreshSession(shared, opts))
	dispatch.Register(jobs.StrategyAlternativePDF, strategy.AlternativePDF(
		shared,
		headless,
		detector.NewHeuristic(cfg.Headless.PromotionThresh),
		agents,
		opts,
	))

	records, err := a.openRecords(ctx, cfg.Records)
	if err != nil {
		return nil, err
	}
	a.Records = records

	blobs, err := a.openBlobs(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	publisher, err := a.openPublisher(ctx, cfg.PubSub)
	if err != nil {
		return nil, err
	}

	jobStore, err := jobs.Open(jobs.Options{
		Path:        cfg.Jobs.Path,
		MaxAttempts: cfg.Jobs.MaxAttempts,
		Clock:       clock,
		Logger:      logger.Named("jobs"),
	})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if _, err := jobStore.RecoverInFlight(); err != nil {
		return nil, fmt.Errorf("recover in-flight jobs: %w", err)
	}
	a.Jobs = jobStore

	deps := worker.Deps{
		Jobs:       jobStore,
		Dispatcher: dispatch,
		Records:    records,
		Scorer:     confidence.New(cfg.Confidence),
		Blobs:      blobs,
		Hasher:     sha256.New(),
		IDs:        uuid.New(),
		Clock:      clock,
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	w, err := worker.New(deps, worker.Config{
		InterJobDelay:     cfg.InterJobDelay(),
		MinConfidence:     cfg.Worker.MinConfidence,
		DetailURLTemplate: cfg.Worker.DetailURLTemplate,
		BlobPrefix:        cfg.Storage.Prefix,
		Topic:             cfg.PubSub.Topic,
	}, logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("init worker: %w", err)
	}
	a.Worker = w
	a.Scraper = listing.New(shared, clock, logger.Named("listing"))

	logger.Info("application services initialized",
		zap.String("records_driver", cfg.Records.Driver),
		zap.String("storage_provider", cfg.Storage.Provider),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
		zap.Bool("headless", headless != nil),
		zap.Bool("tracing", cfg.Telemetry.Enabled),
	)
	ready = true
	return a, nil
}

func (a *App) openRecords(ctx context.Context, cfg config.RecordsConfig) (permit.RecordStore, error) {
	switch cfg.Driver {
	case "memory":
		return memorystore.NewRecordStore(), nil
	case "sqlite":
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, err
		}
		store, err := sqlitestore.New(cfg.DSN, cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("open sqlite records: %w", err)
		}
		a.onClose(store.Close)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := postgres.NewRecordStore(ctx, postgres.Config{DSN: cfg.DSN, Table: cfg.Table})
		if err != nil {
			return nil, fmt.Errorf("open postgres records: %w", err)
		}
		a.onClose(func() error { store.Close(); return nil })
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown records driver %q", cfg.Driver)
	}
}

func (a *App) openBlobs(ctx context.Context, cfg config.StorageConfig) (permit.BlobStore, error) {
	switch cfg.Provider {
	case "none":
		return nil, nil
	case "memory":
		return memorystore.NewBlobStore(), nil
	case "local":
		store, err := localstore.New(localstore.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local storage: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.onClose(client.Close)
		store, err := gcsstore.New(client, gcsstore.Config{Bucket: cfg.Bucket, CacheControl: cfg.CacheControl})
		if err != nil {
			return nil, fmt.Errorf("open gcs storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

func (a *App) openPublisher(ctx context.Context, cfg config.PubSubConfig) (*pubsubpublisher.Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.onClose(client.Close)
	publisher := pubsubpublisher.New(client)
	a.onClose(func() error { publisher.Stop(); return nil })
	return publisher, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases services in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func ensureDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") || filepath.Dir(dsn) == "." {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return fmt.Errorf("create records dir: %w", err)
	}
	return nil
}
