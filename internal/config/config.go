package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// secretKeyMinLen is the minimum length of SECRET_KEY. The key seeds
	// HKDF for credential encryption, so short values are rejected.
	secretKeyMinLen = 16
)

// Config holds all environment-based configuration for notesync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// StateDB is the bbolt database holding note trees and storage configs.
	StateDB string `env:"STATE_DB"`

	// MirrorDir is the root of the local mirror. Each account gets a
	// subdirectory named after its ID.
	MirrorDir string `env:"MIRROR_DIR"`

	// SyncLogPath is the newline-delimited JSON audit log of sync attempts.
	SyncLogPath  string `env:"SYNC_LOG_PATH"`
	SyncLogMaxMB int    `env:"SYNC_LOG_MAX_MB" envDefault:"50"`

	// SecretKey seeds the credential encryption box (required).
	SecretKey string `env:"SECRET_KEY"`

	// AllowPrivateEndpoints disables the egress check for storage
	// endpoints. Only for self-hosted backends on a trusted network.
	AllowPrivateEndpoints bool `env:"ALLOW_PRIVATE_ENDPOINTS" envDefault:"false"`

	NetworkTimeout    time.Duration `env:"NETWORK_TIMEOUT" envDefault:"20s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"20s"`
	ConflictGrace     time.Duration `env:"CONFLICT_GRACE" envDefault:"60s"`
	RetryBackoff      time.Duration `env:"RETRY_BACKOFF" envDefault:"30s"`
	RetryAttempts     int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	WatchDebounce     time.Duration `env:"WATCH_DEBOUNCE" envDefault:"300ms"`

	// SyncWorkers bounds how many accounts sync at the same time.
	SyncWorkers int `env:"SYNC_WORKERS" envDefault:"4"`
	// QueueLimit caps pending jobs per account.
	QueueLimit int `env:"QUEUE_LIMIT" envDefault:"1024"`

	EnableWatcher   bool `env:"ENABLE_WATCHER" envDefault:"true"`
	EnableScheduler bool `env:"ENABLE_SCHEDULER" envDefault:"true"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing SECRET_KEY to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The mirror confinement checks compare path prefixes, which only
	// works with absolute paths.
	for _, p := range []*string{&cfg.MirrorDir, &cfg.StateDB, &cfg.SyncLogPath} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %q to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

// applyDefaults fills unset paths with locations under ~/.notesync/.
func (c *Config) applyDefaults() error {
	if c.StateDB != "" && c.MirrorDir != "" && c.SyncLogPath != "" {
		return nil
	}

	home, err := DataDir()
	if err != nil {
		return err
	}

	if c.StateDB == "" {
		c.StateDB = filepath.Join(home, "state.db")
	}

	if c.MirrorDir == "" {
		c.MirrorDir = filepath.Join(home, "mirror")
	}

	if c.SyncLogPath == "" {
		c.SyncLogPath = filepath.Join(home, "sync.log")
	}

	return nil
}

func (c *Config) validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}

	if len(c.SecretKey) < secretKeyMinLen {
		return fmt.Errorf("SECRET_KEY too short (minimum %d characters)", secretKeyMinLen)
	}

	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}

	if c.SyncWorkers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1")
	}

	if c.QueueLimit < 1 {
		return fmt.Errorf("QUEUE_LIMIT must be at least 1")
	}

	for name, d := range map[string]time.Duration{
		"NETWORK_TIMEOUT":    c.NetworkTimeout,
		"RECONCILE_INTERVAL": c.ReconcileInterval,
		"WATCH_DEBOUNCE":     c.WatchDebounce,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.ConflictGrace < 0 || c.RetryBackoff < 0 {
		return fmt.Errorf("CONFLICT_GRACE and RETRY_BACKOFF must not be negative")
	}

	return nil
}

// DataDir returns the default data directory: ~/.notesync/
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".notesync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
