// Package config loads daemon configuration from the environment,
// grounded on the teacher's env-tag struct + godotenv + validate()
// pattern, extended with the fields this domain needs: server
// endpoint, client-file-identity path, reconnect tunables,
// one-connection-per-session toggle, linger time, sync mode, and
// client-reset mode.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/suhailpatel/realm-core/internal/clientreset"
	"github.com/suhailpatel/realm-core/internal/protocol"
)

// Config holds all environment-based configuration for the sync daemon.
type Config struct {
	// ServerURL is the scheme://host[:port][/path] endpoint the daemon
	// connects to, per spec §6's server URL grammar.
	ServerURL string `env:"SYNC_SERVER_URL"`

	// SyncMode selects PBS ("pbs") or FLX ("flx") for sessions that do
	// not override it individually.
	SyncMode string `env:"SYNC_MODE" envDefault:"flx"`

	// ClientResetMode selects "manual" or "discard_local" (spec §4.4).
	ClientResetMode string `env:"CLIENT_RESET_MODE" envDefault:"discard_local"`

	// StateDir holds the bbolt cursor/subscription store and the
	// persisted client-file-identity.
	StateDir string `env:"SYNC_STATE_DIR"`

	// DeviceName identifies this client to the server. Defaults to the
	// system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// OneConnectionPerSession forces a dedicated connection per
	// session instead of pooling by (endpoint, user) (spec §3).
	OneConnectionPerSession bool `env:"ONE_CONNECTION_PER_SESSION" envDefault:"false"`

	// LingerTime is how long an idle pooled connection stays open
	// after its last active session leaves before disconnecting.
	LingerTime time.Duration `env:"LINGER_TIME" envDefault:"30s"`

	// Reconnect/keepalive tunables (spec §4.1, §10.3).
	PingKeepalivePeriod               time.Duration `env:"PING_KEEPALIVE_PERIOD" envDefault:"60s"`
	PongKeepaliveTimeout              time.Duration `env:"PONG_KEEPALIVE_TIMEOUT" envDefault:"120s"`
	ResumptionDelayInterval           time.Duration `env:"RESUMPTION_DELAY_INTERVAL" envDefault:"1s"`
	MaxResumptionDelayInterval        time.Duration `env:"MAX_RESUMPTION_DELAY_INTERVAL" envDefault:"5m"`
	ResumptionDelayBackoffMultiplier  float64       `env:"RESUMPTION_DELAY_BACKOFF_MULTIPLIER" envDefault:"1.5"`

	// OldestSupportedProtocolVersion/CurrentProtocolVersion bound the
	// sub-protocol versions this client offers (spec §6).
	OldestSupportedProtocolVersion int `env:"OLDEST_SUPPORTED_PROTOCOL_VERSION" envDefault:"1"`
	CurrentProtocolVersion         int `env:"CURRENT_PROTOCOL_VERSION" envDefault:"1"`

	// RecoveryDirectory is where discarded-local backups are written
	// during an automatic client reset (spec §4.4, §6).
	RecoveryDirectory string `env:"RECOVERY_DIRECTORY"`

	// Environment controls log format ("production" or "development").
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogFilePath, when set, routes logs through rotated files instead
	// of stdout (spec §10.1).
	LogFilePath string `env:"LOG_FILE_PATH"`
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
	return LoadFrom(".env")
}

// LoadFrom is Load, but reading the named dotenv file instead of the
// default ".env" in the working directory; used by Watcher to reload
// from the specific file it is watching.
func LoadFrom(envFile string) (*Config, error) {
	_ = godotenv.Load(envFile)

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "synccored"
		}
		cfg.DeviceName = hostname
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StateDir != "" {
		absDir, err := filepath.Abs(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
		}
		cfg.StateDir = absDir
	}

	return cfg, nil
}

// Validate parses and validates the server URL grammar (spec §6) and
// checks the remaining fields for internal consistency.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SYNC_SERVER_URL is required")
	}
	if _, err := protocol.ParseServerURL(c.ServerURL, false); err != nil {
		return fmt.Errorf("SYNC_SERVER_URL: %w", err)
	}

	if _, err := c.Mode(); err != nil {
		return err
	}
	if _, err := c.ResetMode(); err != nil {
		return err
	}

	if c.StateDir == "" {
		return fmt.Errorf("SYNC_STATE_DIR is required")
	}

	if c.OldestSupportedProtocolVersion > c.CurrentProtocolVersion {
		return fmt.Errorf("OLDEST_SUPPORTED_PROTOCOL_VERSION must not exceed CURRENT_PROTOCOL_VERSION")
	}

	return nil
}

// Mode parses SyncMode into a protocol.Mode.
func (c *Config) Mode() (protocol.Mode, error) {
	switch strings.ToLower(c.SyncMode) {
	case "flx":
		return protocol.ModeFLX, nil
	case "pbs":
		return protocol.ModePBS, nil
	default:
		return 0, fmt.Errorf("SYNC_MODE must be %q or %q, got %q", "flx", "pbs", c.SyncMode)
	}
}

// ResetMode parses ClientResetMode into a clientreset.Mode.
func (c *Config) ResetMode() (clientreset.Mode, error) {
	switch strings.ToLower(c.ClientResetMode) {
	case "discard_local":
		return clientreset.ModeDiscardLocal, nil
	case "manual":
		return clientreset.ModeManual, nil
	default:
		return 0, fmt.Errorf("CLIENT_RESET_MODE must be %q or %q, got %q", "discard_local", "manual", c.ClientResetMode)
	}
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SetStateDir sets the state directory and resolves it to an absolute path.
func (c *Config) SetStateDir(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving state dir to absolute path: %w", err)
	}
	c.StateDir = absDir
	return nil
}
