// Package server provides the HTTP API of notesync.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/notesync/internal/cloudsync"
	"github.com/alexjbarnes/notesync/internal/engine"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/notes"
	"github.com/alexjbarnes/notesync/internal/secret"
	"github.com/alexjbarnes/notesync/internal/storage"
	"github.com/alexjbarnes/notesync/internal/synclog"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// maxBodyBytes bounds request bodies. Notes are plain text.
const maxBodyBytes = 10 << 20

// ConfigStore reads and writes per-account storage settings.
type ConfigStore interface {
	GetStorageConfig(accountID string) (models.StorageConfig, error)
	SetStorageConfig(cfg models.StorageConfig) (models.StorageConfig, error)
}

// AdapterCache holds per-account adapters. Invalidate drops the cached
// one after a config change.
type AdapterCache interface {
	Invalidate(accountID string)
	IsRemote(accountID string) (bool, error)
}

// Syncer runs an on-demand reconcile and reports background activity.
type Syncer interface {
	SyncNow(ctx context.Context, accountID string) (cloudsync.Result, error)
	Status(accountID string) engine.Status
}

// Config holds dependencies for building the router.
type Config struct {
	Notes    *notes.Service
	Configs  ConfigStore
	Adapters AdapterCache
	Syncer   Syncer
	Box      *secret.Box
	SyncLog  *synclog.Log
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	// Storage configures adapters built for "test connection" and the
	// egress check applied when a config is saved.
	Storage storage.Options
	// NewAdapter builds adapters for "test connection". Defaults to
	// storage.New.
	NewAdapter storage.Factory
}

// Server serves the API.
type Server struct {
	cfg   Config
	guard *storage.Guard
}

// New builds the HTTP handler.
func New(cfg Config) http.Handler {
	if cfg.NewAdapter == nil {
		cfg.NewAdapter = storage.New
	}

	s := &Server{cfg: cfg, guard: storage.NewGuard(cfg.Storage.AllowPrivate)}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(cfg.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	r.Get("/api/sync/events", s.handleEvents)

	r.Route("/api/accounts/{account}", func(r chi.Router) {
		r.Use(requireAccount)

		r.Get("/nodes", s.handleListNodes)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Delete("/nodes/{id}", s.handleDeleteNode)
		r.Put("/files", s.handleUpsertFile)
		r.Put("/folders", s.handleUpsertFolder)

		r.Get("/storage", s.handleGetStorage)
		r.Put("/storage", s.handlePutStorage)
		r.Post("/storage/test", s.handleTestStorage)

		r.Get("/sync", s.handleSyncStatus)
		r.Post("/sync", s.handleSync)
	})

	return r
}

// requireAccount rejects account IDs that are not a safe path segment.
func requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := notes.CheckAccount(chi.URLParam(r, "account")); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid account id")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
