package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Service flags. At least one must be true.
	EnableSync   bool `env:"ENABLE_SYNC" envDefault:"true"`
	EnableLedger bool `env:"ENABLE_LEDGER" envDefault:"false"`

	// Backend endpoints (required when sync is enabled).
	// APIBaseURL serves history fetch and reaction endpoints,
	// SyncHost serves the persistent bidirectional channel.
	APIBaseURL string `env:"CHAT_API_URL"`
	SyncHost   string `env:"CHAT_SYNC_HOST"`

	// Session token consumed as an opaque credential. Issuance is
	// handled by the wider platform, not by this service.
	Token string `env:"CHAT_TOKEN"`

	// Identity of the local participant.
	TenantID string `env:"CHAT_TENANT_ID"`
	UserID   string `env:"CHAT_USER_ID"`

	// Conversation to attach to at startup.
	ConversationID string `env:"CHAT_CONVERSATION_ID"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Local snapshot cache settings. An empty path defaults to
	// ~/.chat-sync/snapshots.db.
	SnapshotDBPath string `env:"SNAPSHOT_DB_PATH"`
	SnapshotLimit  int    `env:"SNAPSHOT_LIMIT" envDefault:"200"`

	// Embedded sequence-ledger server settings (when ledger is enabled).
	LedgerListenAddr string `env:"LEDGER_LISTEN_ADDR" envDefault:":8091"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the session token to other users.
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
			hostname = "chat-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.SnapshotDBPath == "" {
		path, err := DefaultSnapshotPath()
		if err != nil {
			return nil, err
		}

		cfg.SnapshotDBPath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.EnableSync && !c.EnableLedger {
		return fmt.Errorf("at least one of ENABLE_SYNC or ENABLE_LEDGER must be true")
	}

	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if c.EnableSync {
		if c.APIBaseURL == "" {
			return fmt.Errorf("CHAT_API_URL is required when sync is enabled")
		}

		if c.SyncHost == "" {
			return fmt.Errorf("CHAT_SYNC_HOST is required when sync is enabled")
		}

		if c.TenantID == "" {
			return fmt.Errorf("CHAT_TENANT_ID is required when sync is enabled")
		}

		if c.UserID == "" {
			return fmt.Errorf("CHAT_USER_ID is required when sync is enabled")
		}

		if c.ConversationID == "" {
			return fmt.Errorf("CHAT_CONVERSATION_ID is required when sync is enabled")
		}
	}

	if c.SnapshotLimit <= 0 {
		return fmt.Errorf("SNAPSHOT_LIMIT must be positive")
	}

	return nil
}

// DefaultSnapshotPath returns the default snapshot cache location:
// ~/.chat-sync/snapshots.db
func DefaultSnapshotPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "snapshots.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
