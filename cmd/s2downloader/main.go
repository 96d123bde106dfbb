// Command s2downloader runs the granule crawl-and-deliver service: the
// operational HTTP API (search pager, requeue sweep, push notifications) and
// the download worker pool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-downloader/internal/api"
	"github.com/JakeFAU/s2-downloader/internal/catalog"
	"github.com/JakeFAU/s2-downloader/internal/clock/system"
	"github.com/JakeFAU/s2-downloader/internal/config"
	"github.com/JakeFAU/s2-downloader/internal/downloader"
	"github.com/JakeFAU/s2-downloader/internal/granule"
	"github.com/JakeFAU/s2-downloader/internal/ingest"
	"github.com/JakeFAU/s2-downloader/internal/logging"
	"github.com/JakeFAU/s2-downloader/internal/metrics"
	"github.com/JakeFAU/s2-downloader/internal/pager"
	publisherpubsub "github.com/JakeFAU/s2-downloader/internal/publisher/pubsub"
	"github.com/JakeFAU/s2-downloader/internal/queue"
	queuememory "github.com/JakeFAU/s2-downloader/internal/queue/memory"
	"github.com/JakeFAU/s2-downloader/internal/requeue"
	storagegcs "github.com/JakeFAU/s2-downloader/internal/storage/gcs"
	storagememory "github.com/JakeFAU/s2-downloader/internal/storage/memory"
	storages3 "github.com/JakeFAU/s2-downloader/internal/storage/s3"
	storememory "github.com/JakeFAU/s2-downloader/internal/store/memory"
	"github.com/JakeFAU/s2-downloader/internal/store/postgres"
	"github.com/JakeFAU/s2-downloader/internal/subscription"
	"github.com/JakeFAU/s2-downloader/internal/token"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "s2downloader: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()

	var (
		granuleStore  granule.Store
		progressStore granule.ProgressStore
		statusStore   granule.StatusStore
		pinger        api.Pinger
	)
	if cfg.DB.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		pinger = pool

		if granuleStore, err = postgres.NewGranuleStore(pool); err != nil {
			return err
		}
		if progressStore, err = postgres.NewProgressStore(pool); err != nil {
			return err
		}
		if statusStore, err = postgres.NewStatusStore(pool); err != nil {
			return err
		}
	} else {
		logger.Warn("no database configured, using in-memory stores")
		granuleStore = storememory.NewGranuleStore()
		progressStore = storememory.NewProgressStore()
		statusStore = storememory.NewStatusStore()
	}

	downloadQueue, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	catalogClient, err := catalog.New(
		&http.Client{Timeout: time.Duration(cfg.Catalog.TimeoutSeconds) * time.Second},
		catalog.Config{
			SearchURL:    cfg.Catalog.SearchURL,
			ChecksumURL:  cfg.Catalog.ChecksumURL,
			ZipperURL:    cfg.Catalog.ZipperURL,
			PageSize:     cfg.Catalog.PageSize,
			LookbackDays: cfg.Catalog.LookbackDays,
		},
		catalog.NewRetryPolicy(
			cfg.Catalog.MaxRetries,
			time.Duration(cfg.Catalog.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.Catalog.BackoffMaxMs)*time.Millisecond,
			time.Duration(cfg.Catalog.MaxElapsedSec)*time.Second,
		),
		logging.Component(logger, "catalog"),
	)
	if err != nil {
		return fmt.Errorf("build catalog client: %w", err)
	}

	var tileFilter *granule.TileFilter
	if cfg.Tiles.Path != "" {
		tileFilter, err = granule.LoadTileFilter(cfg.Tiles.Path)
		if err != nil {
			return fmt.Errorf("load tile filter: %w", err)
		}
	}

	tokens, err := token.NewFileSupplier(cfg.Token.Path)
	if err != nil {
		return fmt.Errorf("build token supplier: %w", err)
	}

	var events granule.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("connect pubsub: %w", err)
		}
		defer func() { _ = client.Close() }()
		events = publisherpubsub.New(client.Topic(cfg.PubSub.TopicName))
	}

	ingestor, err := ingest.New(granuleStore, downloadQueue, logging.Component(logger, "ingest"))
	if err != nil {
		return err
	}

	searchPager, err := pager.New(catalogClient, progressStore, statusStore, ingestor,
		tileFilter, clk,
		pager.Config{MinRemaining: cfg.PagerThreshold()},
		logging.Component(logger, "pager"))
	if err != nil {
		return err
	}

	sweeper, err := requeue.New(granuleStore, downloadQueue, logging.Component(logger, "requeue"))
	if err != nil {
		return err
	}

	notifications, err := subscription.NewHandler(
		subscription.Config{
			Username:     cfg.Auth.NotificationUsername,
			Password:     cfg.Auth.NotificationPassword,
			LookbackDays: cfg.Catalog.LookbackDays,
		},
		tileFilter, ingestor, clk,
		logging.Component(logger, "subscription"))
	if err != nil {
		return err
	}

	worker, err := downloader.NewWorker(granuleStore, statusStore, catalogClient, blobStore,
		tokens, events, clk,
		downloader.Config{MaxRetries: cfg.Downloader.MaxRetries},
		logging.Component(logger, "downloader"))
	if err != nil {
		return err
	}
	dispatcher := downloader.NewDispatcher(downloadQueue, worker,
		cfg.Downloader.Concurrency, logging.Component(logger, "dispatcher"))

	srv := api.NewServer(searchPager, sweeper, notifications, pinger,
		api.Config{PagerBudget: cfg.PagerBudget()},
		logging.Component(logger, "api"))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	workersDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(workersDone)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		<-workersDone
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	<-workersDone
	logger.Info("shutdown complete")
	return nil
}

func buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (granule.Queue, error) {
	switch cfg.Queue.Backend {
	case "sqs":
		return queue.NewSQSQueue(ctx, queue.Config{
			QueueURL:    cfg.Queue.URL,
			Region:      cfg.Queue.Region,
			WaitSeconds: cfg.Queue.WaitSeconds,
		}, logging.Component(logger, "queue"))
	case "memory":
		return queuememory.NewQueue(cfg.Queue.Depth), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config) (granule.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return storages3.New(ctx, storages3.Config{
			Bucket: cfg.Storage.Bucket,
			Region: cfg.Storage.Region,
		})
	case "gcs":
		client, err := cloudstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		return storagegcs.New(client, storagegcs.Config{Bucket: cfg.Storage.Bucket})
	case "memory":
		return storagememory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
