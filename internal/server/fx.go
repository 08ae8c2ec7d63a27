// Package server builds the application's dependency graph and runs the HTTP service.
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
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/api"
	"github.com/kr0osti/image-processor/internal/clock/system"
	"github.com/kr0osti/image-processor/internal/config"
	"github.com/kr0osti/image-processor/internal/dispatcher"
	collyfetcher "github.com/kr0osti/image-processor/internal/fetcher/colly"
	headlessfetcher "github.com/kr0osti/image-processor/internal/fetcher/headless"
	"github.com/kr0osti/image-processor/internal/fetcher/proxy"
	"github.com/kr0osti/image-processor/internal/hash/sha256"
	"github.com/kr0osti/image-processor/internal/headless/detector"
	"github.com/kr0osti/image-processor/internal/id/uuid"
	"github.com/kr0osti/image-processor/internal/ingest"
	"github.com/kr0osti/image-processor/internal/logging"
	"github.com/kr0osti/image-processor/internal/metrics"
	"github.com/kr0osti/image-processor/internal/normalize"
	"github.com/kr0osti/image-processor/internal/policy/hostlimit"
	"github.com/kr0osti/image-processor/internal/policy/ratelimit"
	memorypublisher "github.com/kr0osti/image-processor/internal/publisher/memory"
	gcppublisher "github.com/kr0osti/image-processor/internal/publisher/pubsub"
	queuememory "github.com/kr0osti/image-processor/internal/queue/memory"
	"github.com/kr0osti/image-processor/internal/scraper"
	imagestorage "github.com/kr0osti/image-processor/internal/storage"
	gcsstorage "github.com/kr0osti/image-processor/internal/storage/gcs"
	localstorage "github.com/kr0osti/image-processor/internal/storage/local"
	pgstore "github.com/kr0osti/image-processor/internal/storage/postgres"
	"github.com/kr0osti/image-processor/internal/sweeper"
	"github.com/kr0osti/image-processor/internal/telemetry"
	"github.com/kr0osti/image-processor/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	dispatch       *dispatcher.Dispatcher
	queue          *queuememory.Queue
	sweeper        *sweeper.Sweeper
	limitStore     *ratelimit.MemoryStore
	redisClient    *redis.Client
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	storage        *storage.Client
	ledger         *pgstore.Ledger
	headless       *headlessfetcher.Fetcher
	tracerProvider *sdktrace.TracerProvider
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("uploads_dir", cfg.Uploads.Dir),
		zap.String("ratelimit_backend", cfg.RateLimit.Backend),
	)
	if err := app.wire(ctx); err != nil {
		app.release(ctx)
		return nil, err
	}
	return app, nil
}

// wire opens every client the App owns. Clients opened before a failure stay
// on the App so release can close them.
func (a *App) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	var err error

	a.tracerProvider, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}

	clock := system.New()
	hasher := sha256.New()

	blobs, err := localstorage.New(localstorage.Config{Dir: cfg.Uploads.Dir})
	if err != nil {
		return fmt.Errorf("local blob store init failed: %w", err)
	}

	gateway, err := setupGateway(ctx, a, blobs, hasher, clock)
	if err != nil {
		return err
	}

	fetcher := setupProxy(a)
	a.queue = queuememory.NewQueue(cfg.Normalize.QueueDepth)
	a.dispatch = setupDispatcher(a, fetcher, gateway)

	pageScraper, err := setupScraper(a)
	if err != nil {
		return err
	}

	a.sweeper = sweeper.New(cfg.Uploads.Dir, clock, logger, sweeper.WithEvicted(gateway.Evicted))

	limiters, err := setupLimiters(ctx, a, clock)
	if err != nil {
		return err
	}

	a.apiServer = api.NewServer(api.Deps{
		Store:     gateway,
		Processor: a.dispatch,
		Fetcher:   fetcher,
		Scraper:   pageScraper,
		Sweeper:   a.sweeper,
		Hasher:    hasher,
		Clock:     clock,
		Limiters:  limiters,
	}, *cfg, logger)
	return nil
}

func setupGateway(
	ctx context.Context,
	app *App,
	blobs ingest.BlobStore,
	hasher ingest.Hasher,
	clock ingest.Clock,
) (*imagestorage.Gateway, error) {
	var opts []imagestorage.Option

	mirror, err := setupMirror(ctx, app)
	if err != nil {
		return nil, err
	}
	if mirror != nil {
		opts = append(opts, imagestorage.WithMirror(mirror))
	}

	if err := setupLedger(ctx, app); err != nil {
		return nil, err
	}
	if app.ledger != nil {
		opts = append(opts, imagestorage.WithLedger(app.ledger))
	}

	publisher, topic, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	opts = append(opts, imagestorage.WithPublisher(publisher, topic))

	gateway, err := imagestorage.New(blobs, uuid.New(), hasher, clock, app.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage gateway init failed: %w", err)
	}
	return gateway, nil
}

func setupMirror(ctx context.Context, app *App) (ingest.Mirror, error) {
	bucket := app.cfg.Storage.Mirror.GCSBucket
	if bucket == "" {
		app.logger.Info("GCS mirror disabled")
		return nil, nil
	}
	var err error
	app.storage, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	mirror, err := gcsstorage.New(app.storage, gcsstorage.Config{
		Bucket: bucket,
		Prefix: app.cfg.Storage.Mirror.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs mirror init failed: %w", err)
	}
	app.logger.Info("GCS mirror enabled", zap.String("bucket", bucket))
	return mirror, nil
}

func setupLedger(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("No DSN specified for database, skipping stored image ledger")
		return nil
	}
	var err error
	app.ledger, err = pgstore.NewLedger(ctx, pgstore.LedgerConfig{
		DSN:             app.cfg.DB.DSN,
		Table:           app.cfg.DB.Table,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(app.cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ledger init failed: %w", err)
	}
	app.logger.Info("stored image ledger initialized", zap.String("table", app.cfg.DB.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (ingest.Publisher, string, error) {
	topic := app.cfg.PubSub.TopicName
	if topic == "" {
		topic = imagestorage.DefaultTopic
	}
	if app.cfg.PubSub.ProjectID == "" || app.cfg.PubSub.TopicName == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), topic, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClientWithConfig(ctx, app.cfg.PubSub.ProjectID, &pubsub.ClientConfig{
		EnableOpenTelemetryTracing: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher = gcppublisher.New(app.pubsubClient)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", topic),
	)
	return app.publisher, topic, nil
}

func setupProxy(app *App) *proxy.Proxy {
	pacing := hostlimit.New(hostlimit.Config{
		RPS:   app.cfg.Proxy.PerHostRPS,
		Burst: app.cfg.Proxy.PerHostBurst,
	})
	return proxy.New(proxy.Config{
		Timeout:      time.Duration(app.cfg.Proxy.TimeoutSeconds) * time.Second,
		MaxBytes:     int64(app.cfg.Proxy.MaxBytesMB) << 20,
		UserAgent:    app.cfg.Proxy.UserAgent,
		BlockPrivate: app.cfg.Proxy.BlockPrivate,
	}, pacing, app.logger)
}

func setupDispatcher(app *App, loader ingest.ImageLoader, saver worker.Saver) *dispatcher.Dispatcher {
	normalizer := normalize.New(loader, normalize.Config{LoadTimeout: app.cfg.LoadTimeout()}, app.logger)
	workers := make([]*worker.Worker, 0, app.cfg.Normalize.Workers)
	for i := 0; i < app.cfg.Normalize.Workers; i++ {
		workers = append(workers, worker.New(i, app.queue, normalizer, saver, app.logger))
	}
	app.logger.Info("normalization pool configured",
		zap.Int("workers", len(workers)),
		zap.Int("queue_depth", app.cfg.Normalize.QueueDepth),
		zap.Duration("load_timeout", app.cfg.LoadTimeout()),
	)
	return dispatcher.New(app.queue, workers)
}

func setupScraper(app *App) (*scraper.Scraper, error) {
	sc := app.cfg.Scraper
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     sc.UserAgent,
		RespectRobots: sc.RespectRobots,
		Timeout:       time.Duration(sc.TimeoutSeconds) * time.Second,
	})

	var headless ingest.PageFetcher = headlessfetcher.NewNoop()
	if sc.Headless.Enabled {
		fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       sc.Headless.MaxParallel,
			UserAgent:         sc.UserAgent,
			NavigationTimeout: time.Duration(sc.Headless.NavTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = fetcher
		headless = fetcher
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", sc.Headless.MaxParallel))
	}

	return scraper.New(static, headless, detector.NewHeuristic(sc.Headless.BodyThreshold), app.logger), nil
}

func setupLimiters(ctx context.Context, app *App, clock ingest.Clock) (api.Limiters, error) {
	var store ratelimit.Store
	switch app.cfg.RateLimit.Backend {
	case config.BackendRedis:
		rc := app.cfg.RateLimit.Redis
		app.redisClient = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := app.redisClient.Ping(ctx).Err(); err != nil {
			return api.Limiters{}, fmt.Errorf("redis ping failed: %w", err)
		}
		store = ratelimit.NewRedisStore(app.redisClient, rc.Prefix)
		app.logger.Info("using redis rate-limit store", zap.String("addr", rc.Addr))
	default:
		app.limitStore = ratelimit.NewMemoryStore()
		store = app.limitStore
		app.logger.Info("using in-memory rate-limit store")
	}

	rl := app.cfg.RateLimit
	build := func(name string, l config.LimitConfig, message string) *ratelimit.Limiter {
		return ratelimit.New(ratelimit.Config{
			Name:    name,
			Limit:   l.Limit,
			Window:  l.Window(),
			Message: message,
		}, store, clock, app.logger)
	}
	return api.Limiters{
		Global:      build("global", rl.Global, "Too many requests to the API. Please try again later."),
		Images:      build("images", rl.Images, "Too many image upload requests. Please try again later."),
		Cleanup:     build("cleanup", rl.Cleanup, "Too many cleanup requests. Please try again later."),
		Healthcheck: build("healthcheck", rl.Healthcheck, "Too many healthcheck requests. Please try again later."),
		Scrape:      build("scrape", rl.Scrape, "Too many scrape requests. Please try again later."),
	}, nil
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	if interval := a.cfg.SweepInterval(); interval > 0 {
		go a.sweeper.Run(ctx, interval, a.cfg.DefaultMaxAge(), a.cfg.Cleanup.RunOnStart)
	}

	if a.limitStore != nil {
		interval := time.Duration(a.cfg.RateLimit.SweepIntervalSeconds) * time.Second
		go a.limitStore.Run(ctx, interval, a.logger)
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close releases every client the application opened.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.release(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

// release closes whatever wire managed to open.
func (a *App) release(ctx context.Context) {
	a.closeInfrastructure()
	a.closeObservability(ctx)
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
