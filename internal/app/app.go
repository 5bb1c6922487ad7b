// Package app provides the unified application lifecycle management for Driftline.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/redis/go-redis/v9"

	httpapi "github.com/driftline/driftline/internal/api/http"
	"github.com/driftline/driftline/internal/checkpoint"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/deadletter"
	"github.com/driftline/driftline/internal/index"
	"github.com/driftline/driftline/internal/observability"
	"github.com/driftline/driftline/internal/query"
	"github.com/driftline/driftline/internal/route"
	"github.com/driftline/driftline/internal/server"
	"github.com/driftline/driftline/internal/source"
	"github.com/driftline/driftline/internal/storage"
	"github.com/driftline/driftline/internal/sync"
	"github.com/driftline/driftline/internal/transform"
)

// App manages the Driftline service lifecycles.
type App struct {
	cfg *config.Config

	// Shared resources
	store    index.Store
	tracker  *checkpoint.Tracker
	sink     *deadletter.SQLiteSink
	stats    *observability.SyncStats
	shutdown *server.ShutdownManager

	// Service components
	eventSource source.EventSource
	coordinator *sync.Coordinator
	archiver    *deadletter.Archiver
	httpServer  *http.Server

	// Lifecycle
	mu      stdsync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      stdsync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg}, nil
}

// Start initializes shared resources and starts the configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.ShouldRunSync() {
		if err := a.startSyncService(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start sync service: %w", err)
		}
	}

	if err := a.startHTTPServer(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start http server: %w", err)
	}

	log.Printf("driftline started in %s mode", a.cfg.Mode)
	return nil
}

// initSharedResources opens the index store, checkpoint tracker,
// dead-letter sink and shutdown manager.
func (a *App) initSharedResources(ctx context.Context) error {
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	a.shutdown.OnShutdownStart(func() {
		if a.cancel != nil {
			a.cancel()
		}
	})
	a.stats = observability.NewSyncStats()

	switch a.cfg.Index.Backend {
	case "opensearch":
		os := index.NewOpenSearchStore(a.cfg.Index.OpenSearch.Endpoint, a.cfg.Index.OpenSearch.Timeout)
		if a.cfg.Index.OpenSearch.Username != "" {
			os.WithBasicAuth(a.cfg.Index.OpenSearch.Username, a.cfg.Index.OpenSearch.Password)
		}
		a.store = os
	default:
		store, err := index.NewSQLiteStore(a.cfg.Index.Path)
		if err != nil {
			return err
		}
		a.store = store
	}
	a.shutdown.RegisterCloser(a.store)

	ckStore, err := checkpoint.NewSQLiteStore(a.cfg.CheckpointPath())
	if err != nil {
		return err
	}
	a.shutdown.RegisterCloser(ckStore)
	a.tracker, err = checkpoint.NewTracker(ctx, ckStore)
	if err != nil {
		return err
	}

	a.sink, err = deadletter.NewSQLiteSink(a.cfg.DeadLetterPath())
	if err != nil {
		return err
	}
	a.shutdown.RegisterCloser(a.sink)
	return nil
}

// startSyncService wires the source, router and coordinator and starts
// the pipeline, checkpoint flusher and archive sweeper.
func (a *App) startSyncService(ctx context.Context) error {
	var lookup transform.LookupClient
	var cached *transform.CachedLookupClient
	lookup = transform.NewHTTPLookupClient(a.cfg.Lookup.BaseURL, a.cfg.Lookup.Timeout)
	if a.cfg.Lookup.CacheAddr != "" {
		cache := redis.NewClient(&redis.Options{Addr: a.cfg.Lookup.CacheAddr})
		a.shutdown.RegisterCloser(cache)
		cached = transform.NewCachedLookupClient(lookup, cache, a.cfg.Lookup.CacheTTL)
		lookup = cached
	}

	router := route.Default(lookup)
	if err := a.store.EnsureIndexes(ctx, router.Indexes()); err != nil {
		return err
	}

	src, err := source.NewRedisSource(ctx, a.cfg.Source)
	if err != nil {
		return err
	}
	a.eventSource = src
	a.shutdown.RegisterCloser(src)

	writer := index.NewWriter(a.store, 3)
	a.coordinator, err = sync.NewCoordinator(src, router, writer, a.tracker,
		a.sink, a.stats, nil, a.cfg.Sync)
	if err != nil {
		return err
	}
	if cached != nil {
		a.coordinator.WithInvalidator(cached)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.coordinator.Run(ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.tracker.RunFlusher(ctx, a.cfg.Checkpoint.FlushInterval, func(err error) {
			log.Printf("app: checkpoint flush failed: %v", err)
		})
	}()

	if a.cfg.DeadLetter.ArchiveEnabled {
		store, err := a.archiveStorage(ctx)
		if err != nil {
			return err
		}
		a.archiver = deadletter.NewArchiver(a.sink, store, deadletter.ArchiverConfig{
			BatchSize: a.cfg.DeadLetter.ArchiveBatchSize,
			Interval:  a.cfg.DeadLetter.ArchiveInterval,
		})
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.archiver.Run(ctx)
		}()
	}

	log.Printf("sync service started: %d workers, %d streams",
		a.cfg.Sync.Workers, len(a.cfg.Source.Streams))
	return nil
}

func (a *App) archiveStorage(ctx context.Context) (storage.ObjectStorage, error) {
	if a.cfg.DeadLetter.Storage == "s3" {
		return storage.NewS3Storage(ctx, a.cfg.DeadLetter.S3.Bucket, storage.S3Config{
			Region:   a.cfg.DeadLetter.S3.Region,
			Endpoint: a.cfg.DeadLetter.S3.Endpoint,
		})
	}
	return storage.NewLocalStorage(a.cfg.DeadLetter.Path)
}

// startHTTPServer serves the query and operations API. The query
// service is attached only in query-capable modes; the sync status and
// dead-letter endpoints are always on.
func (a *App) startHTTPServer(ctx context.Context) error {
	var querySvc *query.Service
	if a.cfg.ShouldRunQuery() {
		querySvc = query.NewService(a.store, a.cfg.Query)
	}

	var stats *observability.SyncStats
	if a.cfg.ShouldRunSync() {
		stats = a.stats
	}

	handler := httpapi.NewHandler(querySvc, stats, a.tracker, a.sink)
	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      server.ShutdownMiddleware(a.shutdown)(handler.Routes()),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	graceful := server.NewGracefulHTTPServer(a.httpServer, a.shutdown)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := graceful.ListenAndServe(); err != nil {
			log.Printf("app: http server failed: %v", err)
		}
	}()

	log.Printf("http server listening on %s", a.cfg.HTTP.Addr)
	return nil
}

// Wait blocks until a shutdown signal arrives, then stops everything.
func (a *App) Wait(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.wg.Wait()
	return err
}

// Stop shuts the application down.
func (a *App) Stop(ctx context.Context) error {
	err := a.shutdown.Shutdown(ctx, "stop requested")
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("app: timed out waiting for services to stop")
	}

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return err
}

// cleanup tears down partially initialized resources after a failed start.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.shutdown != nil {
		a.shutdown.Shutdown(context.Background(), "startup failed")
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}
