package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/notesync/internal/cloudsync"
	"github.com/alexjbarnes/notesync/internal/engine"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/mirror"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/notes"
	"github.com/alexjbarnes/notesync/internal/secret"
	"github.com/alexjbarnes/notesync/internal/server"
	"github.com/alexjbarnes/notesync/internal/state"
	"github.com/alexjbarnes/notesync/internal/storage"
	"github.com/alexjbarnes/notesync/internal/synclog"
	"github.com/alexjbarnes/notesync/internal/syncqueue"
	"github.com/alexjbarnes/notesync/internal/watcher"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"
)

const testAccount = "acct"

// harness holds the full e2e stack: the HTTP API, the sync engine, the
// mirror watcher and a real WebDAV server backed by a temp directory.
type harness struct {
	URL       string
	MirrorDir string
	DAVDir    string
	DAVURL    string
	Client    *http.Client
}

type harnessOptions struct {
	conflictGrace time.Duration
}

// newHarness wires every component the way the binary does and starts
// the watcher. Everything stops when the test ends.
func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	base := t.TempDir()
	h := &harness{
		MirrorDir: filepath.Join(base, "mirror"),
		DAVDir:    filepath.Join(base, "dav"),
		Client:    &http.Client{Timeout: 10 * time.Second},
	}

	require.NoError(t, os.MkdirAll(h.DAVDir, 0o755))

	dav := httptest.NewServer(&webdav.Handler{
		FileSystem: webdav.Dir(h.DAVDir),
		LockSystem: webdav.NewMemLS(),
	})
	t.Cleanup(dav.Close)

	h.DAVURL = dav.URL

	logger := slog.New(slog.DiscardHandler)

	ctx, cancel := context.WithCancel(context.Background())

	st, err := state.LoadAt(filepath.Join(base, "state.db"))
	require.NoError(t, err)

	box, err := secret.NewBox("e2e-secret-key-0123456789")
	require.NoError(t, err)

	m := metrics.New()
	syncLog := synclog.New(io.Discard, logger)

	// The WebDAV server listens on loopback.
	storageOpts := storage.Options{
		Timeout:      5 * time.Second,
		AllowPrivate: true,
		Metrics:      m,
		Logger:       logger,
	}

	adapters := storage.NewRegistry(st, box, storageOpts)
	client := cloudsync.NewClient(adapters, st, syncLog, logger)
	reconciler := cloudsync.NewReconciler(client, m, logger)

	mir, err := mirror.New(h.MirrorDir, st, m, logger)
	require.NoError(t, err)

	queue := syncqueue.New(ctx, syncqueue.Options{Workers: 2, Limit: 256, Metrics: m, Logger: logger})

	eng := engine.New(ctx, st, queue, mir, client, reconciler, engine.Options{
		ReconcileInterval: time.Hour,
		RetryBackoff:      10 * time.Millisecond,
		RetryAttempts:     3,
		Metrics:           m,
		Logger:            logger,
	})

	go func() { _ = eng.DrainFailures(ctx) }()

	srv := httptest.NewServer(server.New(server.Config{
		Notes:    notes.New(st, eng, m, logger),
		Configs:  st,
		Adapters: adapters,
		Syncer:   eng,
		Box:      box,
		SyncLog:  syncLog,
		Metrics:  m,
		Logger:   logger,
		Storage:  storageOpts,
	}))

	h.URL = srv.URL

	w := watcher.New(mir, st, eng, watcher.Options{
		Debounce:      50 * time.Millisecond,
		ConflictGrace: opts.conflictGrace,
		Metrics:       m,
		Logger:        logger,
	})

	watchDone := make(chan struct{})

	go func() {
		defer close(watchDone)
		_ = w.Watch(ctx)
	}()

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-watchDone
		eng.Wait()
		queue.Close()
		st.Close()
	})

	// Give fsnotify time to register the mirror root.
	time.Sleep(100 * time.Millisecond)

	return h
}

// call sends a JSON request and decodes a JSON response into out when
// out is non-nil. It returns the status code.
func (h *harness) call(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.URL+"/api/accounts/"+testAccount+path, rd)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	if out != nil && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}

	return resp.StatusCode
}

// useWebDAV points the test account at the harness WebDAV server.
func (h *harness) useWebDAV(t *testing.T) {
	t.Helper()

	var cfg models.StorageConfig

	status := h.call(t, http.MethodPut, "/storage", map[string]interface{}{
		"backend":  "webdav",
		"url":      h.DAVURL,
		"username": "user",
		"password": "pass",
	}, &cfg)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, models.BackendWebDAV, cfg.Backend)
}

func (h *harness) putFolder(t *testing.T, id, parent, name string) models.Node {
	t.Helper()

	var n models.Node

	status := h.call(t, http.MethodPut, "/folders", map[string]interface{}{
		"id": id, "parentId": parent, "name": name,
	}, &n)
	require.Equal(t, http.StatusOK, status)

	return n
}

func (h *harness) putFile(t *testing.T, id, parent, name, content string) models.Node {
	t.Helper()

	var n models.Node

	status := h.call(t, http.MethodPut, "/files", map[string]interface{}{
		"id": id, "parentId": parent, "name": name, "content": content,
	}, &n)
	require.Equal(t, http.StatusOK, status)

	return n
}

func (h *harness) list(t *testing.T) []notes.Entry {
	t.Helper()

	var out struct {
		Nodes []notes.Entry `json:"nodes"`
	}

	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/nodes", nil, &out))

	return out.Nodes
}

func (h *harness) mirrorPath(rel string) string {
	return filepath.Join(h.MirrorDir, testAccount, filepath.FromSlash(rel))
}

func (h *harness) remotePath(rel string) string {
	return filepath.Join(h.DAVDir, testAccount, "notes", filepath.FromSlash(rel))
}

// fileHas reports whether path exists with exactly content.
func fileHas(path, content string) func() bool {
	return func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == content
	}
}

func missing(path string) func() bool {
	return func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for: %s", msg)
}
