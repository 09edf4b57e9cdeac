package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/steef435/riotx-sdk/internal/server"
)

// Config holds all environment-based configuration for riotx-sync.
type Config struct {
	// Homeserver base URL, e.g. https://matrix.example.org. May be
	// overridden by the .well-known discovery returned at login.
	HomeserverURL string `env:"HOMESERVER_URL"`

	// Matrix account credentials. Only needed when no session is stored
	// yet; a persisted session is reused on restart.
	User     string `env:"MATRIX_USER"`
	Password string `env:"MATRIX_PASSWORD"`

	// Device display name sent at login. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Directory holding the session database. Defaults to ~/.riotx-sync.
	StateDir string `env:"STATE_DIR"`

	// Passphrase the database encryption key is derived from.
	DBPassphrase string `env:"DB_PASSPHRASE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Sync loop tuning.
	SyncTimeout         time.Duration `env:"SYNC_TIMEOUT" envDefault:"30s"`
	SyncBackoffMin      time.Duration `env:"SYNC_BACKOFF_MIN" envDefault:"2s"`
	SyncBackoffMax      time.Duration `env:"SYNC_BACKOFF_MAX" envDefault:"1m"`
	SyncMaxParseRetries int           `env:"SYNC_MAX_PARSE_RETRIES" envDefault:"3"`
	SyncFilter          string        `env:"SYNC_FILTER"`

	// Outbound job queue tuning.
	OutboundWorkers    int           `env:"OUTBOUND_WORKERS" envDefault:"4"`
	OutboundMaxRetries int           `env:"OUTBOUND_MAX_RETRIES" envDefault:"5"`
	OutboundBackoff    time.Duration `env:"OUTBOUND_BACKOFF" envDefault:"10s"`

	// Periodic background sync while the foreground loop is stopped.
	// Zero disables it.
	BackgroundSyncInterval time.Duration `env:"BACKGROUND_SYNC_INTERVAL" envDefault:"0s"`

	// Drop folder for outbound messages. Empty disables the watcher.
	OutboxDir string `env:"OUTBOX_DIR"`

	// MCP control server settings.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
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

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "riotx-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	if cfg.OutboxDir != "" {
		absOutbox, err := filepath.Abs(cfg.OutboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving outbox dir to absolute path: %w", err)
		}

		cfg.OutboxDir = absOutbox
	}

	cfg.HomeserverURL = strings.TrimRight(cfg.HomeserverURL, "/")

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBPassphrase == "" {
		return fmt.Errorf("DB_PASSPHRASE is required")
	}

	if c.HomeserverURL != "" {
		u, err := url.Parse(c.HomeserverURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("HOMESERVER_URL %q is not an absolute URL", c.HomeserverURL)
		}
	}

	// Either both credentials or neither: neither means a stored session
	// must exist, which is checked at startup.
	if (c.User == "") != (c.Password == "") {
		return fmt.Errorf("MATRIX_USER and MATRIX_PASSWORD must be set together")
	}

	if c.User != "" && c.HomeserverURL == "" {
		return fmt.Errorf("HOMESERVER_URL is required when logging in with MATRIX_USER")
	}

	if c.SyncBackoffMin <= 0 || c.SyncBackoffMax < c.SyncBackoffMin {
		return fmt.Errorf("SYNC_BACKOFF_MIN must be positive and not exceed SYNC_BACKOFF_MAX")
	}

	if c.SyncTimeout < 0 {
		return fmt.Errorf("SYNC_TIMEOUT must not be negative")
	}

	if c.SyncMaxParseRetries < 1 {
		return fmt.Errorf("SYNC_MAX_PARSE_RETRIES must be at least 1")
	}

	if c.OutboundWorkers < 1 {
		return fmt.Errorf("OUTBOUND_WORKERS must be at least 1")
	}

	if c.OutboundMaxRetries < 0 {
		return fmt.Errorf("OUTBOUND_MAX_RETRIES must not be negative")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// DefaultStateDir returns ~/.riotx-sync.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".riotx-sync"), nil
}

// ParamsPath returns the path of the stored session parameters.
func (c *Config) ParamsPath() string {
	return filepath.Join(c.StateDir, "params.db")
}

// DBPath returns the user's session database path.
func (c *Config) DBPath(userID string) string {
	return filepath.Join(c.UserCacheDir(userID), "session.db")
}

// UserCacheDir returns the per-user cache directory removed on sign-out.
func (c *Config) UserCacheDir(userID string) string {
	return filepath.Join(c.StateDir, "users", sanitizeUserID(userID))
}

func sanitizeUserID(userID string) string {
	r := strings.NewReplacer("@", "", ":", "_", "/", "_")
	return r.Replace(userID)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:rx_key1,user2:rx_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, server.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", server.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < server.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, server.APIKeyMinLen)
		}

		suffix := key[len(server.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", server.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
