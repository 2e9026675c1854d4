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
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for decent-sync.
type Config struct {
	// Machine websocket endpoint (required), e.g. ws://de1.local:8765/ws
	DeviceURL string `env:"DEVICE_WS_URL"`

	// Per-request timeout for device calls, in milliseconds.
	DeviceCallTimeoutMS int `env:"DEVICE_CALL_TIMEOUT_MS" envDefault:"15000"`

	// Workspace API endpoint and credentials (all required).
	WorkspaceURL        string `env:"WORKSPACE_API_URL"`
	WorkspaceToken      string `env:"WORKSPACE_TOKEN"`
	WorkspaceDatabaseID string `env:"WORKSPACE_DATABASE_ID"`

	// Interval between reconciliation cycles, in milliseconds.
	SyncIntervalMS int `env:"SYNC_INTERVAL_MS" envDefault:"60000"`

	// HTTP listen address for health, webhook, and trigger endpoints.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8765"`

	// Shared secret for workspace webhook signature verification.
	// When empty the webhook endpoint is not registered.
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	// Bcrypt hash of the admin token accepted by the manual trigger
	// endpoint. Generate one with `decent-sync hash-token`. When empty
	// the trigger endpoint is not registered.
	AdminTokenHash string `env:"ADMIN_TOKEN_HASH"`

	// Shot history polling. Disabled unless a shots directory is set.
	ShotsDir           string `env:"SHOTS_DIR"`
	ShotPollIntervalMS int    `env:"SHOT_POLL_INTERVAL_MS" envDefault:"300000"`

	// Directory watched for dropped-in profile JSON files. When empty
	// the drop-dir watcher does not run.
	DropDir string `env:"PROFILE_DROP_DIR"`

	// Path to the bbolt state database. Defaults to
	// ~/.decent-sync/state.db when empty.
	StatePath string `env:"STATE_PATH"`

	// Optional YAML settings file for operator-tuned behavior.
	SettingsFile string `env:"SETTINGS_FILE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Settings holds operator-tuned behavior loaded from a YAML file.
// Everything here has a sensible zero value, so the file is optional.
type Settings struct {
	// Extra profile names treated as machine utilities and never
	// deleted during reconciliation. Matched case-insensitively after
	// normalization, on top of the built-in flush and descale names.
	UtilityProfiles []string `yaml:"utilityProfiles"`
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

	if cfg.StatePath == "" {
		path, err := defaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve ShotsDir and DropDir to absolute paths at startup so the
	// watcher and poller are unaffected by later working-directory
	// changes.
	for _, dir := range []*string{&cfg.ShotsDir, &cfg.DropDir} {
		if *dir == "" {
			continue
		}

		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("resolving directory to absolute path: %w", err)
		}

		*dir = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DeviceURL == "" {
		return fmt.Errorf("DEVICE_WS_URL is required")
	}

	if c.WorkspaceURL == "" {
		return fmt.Errorf("WORKSPACE_API_URL is required")
	}

	if c.WorkspaceToken == "" {
		return fmt.Errorf("WORKSPACE_TOKEN is required")
	}

	if c.WorkspaceDatabaseID == "" {
		return fmt.Errorf("WORKSPACE_DATABASE_ID is required")
	}

	if c.SyncIntervalMS < 1000 {
		return fmt.Errorf("SYNC_INTERVAL_MS must be at least 1000, got %d", c.SyncIntervalMS)
	}

	if c.DeviceCallTimeoutMS <= 0 {
		return fmt.Errorf("DEVICE_CALL_TIMEOUT_MS must be positive, got %d", c.DeviceCallTimeoutMS)
	}

	if c.ShotsDir != "" && c.ShotPollIntervalMS < 1000 {
		return fmt.Errorf("SHOT_POLL_INTERVAL_MS must be at least 1000, got %d", c.ShotPollIntervalMS)
	}

	return nil
}

// SyncInterval returns the reconciliation interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}

// DeviceCallTimeout returns the device request timeout as a duration.
func (c *Config) DeviceCallTimeout() time.Duration {
	return time.Duration(c.DeviceCallTimeoutMS) * time.Millisecond
}

// ShotPollInterval returns the shot polling interval as a duration.
func (c *Config) ShotPollInterval() time.Duration {
	return time.Duration(c.ShotPollIntervalMS) * time.Millisecond
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// defaultStatePath returns ~/.decent-sync/state.db.
func defaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".decent-sync", "state.db"), nil
}

// LoadSettings reads the YAML settings file referenced by the config.
// A missing file is not an error when the path was never configured;
// an explicitly configured path that cannot be read is.
func (c *Config) LoadSettings() (*Settings, error) {
	settings := &Settings{}

	path := c.SettingsFile
	if path == "" {
		path = "settings.yaml"

		if _, err := os.Stat(path); err != nil {
			return settings, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}

	return settings, nil
}
