package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/notesync/internal/cloudsync"
	"github.com/alexjbarnes/notesync/internal/config"
	"github.com/alexjbarnes/notesync/internal/engine"
	"github.com/alexjbarnes/notesync/internal/logging"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/mirror"
	"github.com/alexjbarnes/notesync/internal/notes"
	"github.com/alexjbarnes/notesync/internal/secret"
	"github.com/alexjbarnes/notesync/internal/server"
	"github.com/alexjbarnes/notesync/internal/state"
	"github.com/alexjbarnes/notesync/internal/storage"
	"github.com/alexjbarnes/notesync/internal/synclog"
	"github.com/alexjbarnes/notesync/internal/syncqueue"
	"github.com/alexjbarnes/notesync/internal/watcher"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("notesync starting",
		slog.String("version", Version),
		slog.String("mirror", cfg.MirrorDir),
		slog.Bool("watcher", cfg.EnableWatcher),
		slog.Bool("scheduler", cfg.EnableScheduler),
	)

	if cfg.AllowPrivateEndpoints {
		logger.Warn("egress check disabled, storage endpoints may target private networks")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	box, err := secret.NewBox(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("creating credential box: %w", err)
	}

	m := metrics.New()

	syncLog := synclog.Open(cfg.SyncLogPath, cfg.SyncLogMaxMB, logger)
	defer syncLog.Close()

	storageOpts := storage.Options{
		Timeout:      cfg.NetworkTimeout,
		AllowPrivate: cfg.AllowPrivateEndpoints,
		Metrics:      m,
		Logger:       logger,
	}

	adapters := storage.NewRegistry(appState, box, storageOpts)
	client := cloudsync.NewClient(adapters, appState, syncLog, logger)
	reconciler := cloudsync.NewReconciler(client, m, logger)

	mir, err := mirror.New(cfg.MirrorDir, appState, m, logger)
	if err != nil {
		return fmt.Errorf("opening mirror: %w", err)
	}

	queue := syncqueue.New(ctx, syncqueue.Options{
		Workers: cfg.SyncWorkers,
		Limit:   cfg.QueueLimit,
		Metrics: m,
		Logger:  logger,
	})

	eng := engine.New(ctx, appState, queue, mir, client, reconciler, engine.Options{
		ReconcileInterval: cfg.ReconcileInterval,
		RetryBackoff:      cfg.RetryBackoff,
		RetryAttempts:     cfg.RetryAttempts,
		Metrics:           m,
		Logger:            logger,
	})

	// Retries may still submit jobs, so they finish before the queue
	// closes.
	defer func() {
		eng.Wait()
		queue.Close()
	}()

	handler := server.New(server.Config{
		Notes:    notes.New(appState, eng, m, logger),
		Configs:  appState,
		Adapters: adapters,
		Syncer:   eng,
		Box:      box,
		SyncLog:  syncLog,
		Metrics:  m,
		Logger:   logger,
		Storage:  storageOpts,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(gctx, cfg.ListenAddr, handler, logger)
	})

	g.Go(func() error {
		return ignoreCancel(eng.DrainFailures(gctx))
	})

	if cfg.EnableScheduler {
		g.Go(func() error {
			return ignoreCancel(eng.Run(gctx))
		})
	}

	if cfg.EnableWatcher {
		w := watcher.New(mir, appState, eng, watcher.Options{
			Debounce:      cfg.WatchDebounce,
			ConflictGrace: cfg.ConflictGrace,
			Marks:         syncqueue.NewMarks(),
			Metrics:       m,
			Logger:        logger.With(slog.String("service", "watcher")),
		})

		g.Go(func() error {
			return ignoreCancel(w.Watch(gctx))
		})
	}

	return g.Wait()
}

// serve runs the HTTP server until ctx is cancelled.
func serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting HTTP server", slog.String("listen", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
