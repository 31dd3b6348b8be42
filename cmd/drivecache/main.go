// Command drivecache serves a cached mirror of Google Drive folders and keeps
// it fresh through push notifications.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-rots/drivecache"
	"github.com/m-rots/drivecache/api"
	ds "github.com/m-rots/drivecache/datastore"
	"github.com/m-rots/drivecache/datastore/bolt"
	"github.com/m-rots/drivecache/datastore/memory"
	"github.com/m-rots/drivecache/datastore/sqlite"
	"github.com/m-rots/drivecache/gdrive"
	"github.com/m-rots/drivecache/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type purger interface {
	Purge(ctx context.Context) (int64, error)
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	log, level, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log, level); err != nil {
		log.Fatal("drivecache stopped", zap.Error(err))
	}
}

func run(cfg *Config, log *zap.Logger, level zap.AtomicLevel) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	// Purging goes straight to the backend, the hot tier expires by itself.
	purge, _ := store.(purger)

	var cached ds.Store = store
	if cfg.Store.HotCacheSize > 0 {
		cached = ds.WithHotCache(store, cfg.Store.HotCacheSize, cfg.Store.HotCacheTTL)
	}

	auth, err := getStubbs(cfg.ServiceAccount, scopes)
	if err != nil {
		return err
	}

	service, err := gdrive.NewService(ctx, auth)
	if err != nil {
		return fmt.Errorf("drive service: %w", err)
	}

	fetcher := gdrive.New(service,
		gdrive.WithDriveID(cfg.DriveID),
		gdrive.WithRateLimit(cfg.RateLimit, int(math.Ceil(cfg.RateLimit))),
		gdrive.WithChannelTTL(cfg.ChannelTTL),
	)

	cache := drivecache.New(fetcher, cached,
		drivecache.WithLogger(log.Named("cache")),
		drivecache.WithDriveID(cfg.DriveID),
		drivecache.WithSourceRoot(cfg.SourceRoot),
		drivecache.WithDestinationRoot(cfg.DestinationRoot),
		drivecache.WithExpirationBuffer(cfg.ExpirationBuffer),
		drivecache.WithConcurrency(cfg.Concurrency),
		drivecache.WithHooks(recordChanges(log.Named("hook"))),
	)

	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.New(cache,
			api.WithLogger(log.Named("api")),
			api.WithOrigin(cfg.Origin),
			api.WithCleanupRoot(cfg.CleanupRoot),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/loglevel", level)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("drivecache starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("moves", cfg.SourceRoot != ""),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(log, server, "server")
	})

	g.Go(func() error {
		return serve(log, metricsServer, "metrics server")
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return errors.Join(
			server.Shutdown(shutdownCtx),
			metricsServer.Shutdown(shutdownCtx),
		)
	})

	g.Go(func() error {
		return every(ctx, cfg.QueueInterval, func(ctx context.Context) {
			drainQueue(ctx, log, cache, cfg)
		})
	})

	if purge != nil {
		g.Go(func() error {
			return every(ctx, cfg.PurgeInterval, func(ctx context.Context) {
				n, err := purge.Purge(ctx)
				if err != nil {
					log.Error("Purge failed", zap.Error(err))
					return
				}

				if n > 0 {
					log.Debug("Purged expired entries", zap.Int64("count", n))
				}
			})
		})
	}

	g.Go(func() error {
		return every(ctx, cfg.SweepInterval, func(ctx context.Context) {
			moved, err := cache.Sweep(ctx)
			if err != nil {
				log.Error("Sweep failed", zap.Error(err))
				return
			}

			if moved > 0 {
				log.Info("Sweep moved files", zap.Int("moved", moved))
			}
		})
	})

	return g.Wait()
}

func openStore(cfg StoreConfig) (ds.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		store, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "bolt":
		store, err := bolt.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %v", cfg.Backend)
	}
}

func serve(log *zap.Logger, server *http.Server, name string) error {
	log.Info(name+" listening", zap.String("addr", server.Addr))

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%v: %w", name, err)
	}

	return nil
}

// drainQueue keeps the changes channel alive and executes the queued tasks.
func drainQueue(ctx context.Context, log *zap.Logger, cache *drivecache.Cache, cfg *Config) {
	if cfg.Origin != "" {
		if err := cache.EnsureChangesWatchChannel(ctx, cfg.Origin+"/api/changes"); err != nil {
			log.Warn("Failed to ensure changes channel", zap.Error(err))
		}
	}

	stats, err := cache.RunQueue(ctx, cfg.QueueBudget)
	if err != nil && ctx.Err() == nil {
		log.Error("Queue run failed", zap.Error(err))
		return
	}

	if stats != (drivecache.QueueStats{}) {
		log.Debug("Queue run completed",
			zap.Int("executed", stats.Executed),
			zap.Int("retried", stats.Retried),
			zap.Int("dropped", stats.Dropped),
			zap.Int("requeued", stats.Requeued),
		)
	}
}

// every runs fn at every interval until ctx is done.
// A non-positive interval disables the job.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// recordChanges counts the differences of every refreshed listing.
func recordChanges(log *zap.Logger) drivecache.Hook {
	return func(folderID string, diff drivecache.Difference) error {
		metrics.RecordChildrenChanges(len(diff.Added), len(diff.Changed), len(diff.Removed))

		if !diff.Empty() {
			log.Debug("Folder changed",
				zap.String("folder", folderID),
				zap.Int("added", len(diff.Added)),
				zap.Int("changed", len(diff.Changed)),
				zap.Int("removed", len(diff.Removed)),
			)
		}

		return nil
	}
}
