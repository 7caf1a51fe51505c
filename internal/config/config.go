// Package config handles configuration loading, validation, and management for sealchat.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"sealchat/internal/logging"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete client configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for the key store.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Device configuration for the at-rest wrapping key.
	Device DeviceConfig `toml:"device" json:"device" yaml:"device"`

	// Account identifies the local user and session.
	Account AccountConfig `toml:"account" json:"account" yaml:"account"`

	// Relay configuration for the message relay.
	Relay RelayConfig `toml:"relay" json:"relay" yaml:"relay"`

	// Message configuration for the codec.
	Message MessageConfig `toml:"message" json:"message" yaml:"message"`

	// Migration configuration for device migration.
	Migration MigrationConfig `toml:"migration" json:"migration" yaml:"migration"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds key store configuration.
type StorageConfig struct {
	// Type is the backend: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// DeviceConfig holds DeviceKey configuration.
type DeviceConfig struct {
	// SeedPath is the device seed file. It is created on first use.
	SeedPath string `toml:"seed_path" json:"seed_path" yaml:"seed_path"`

	// PassphraseEnv names the environment variable holding the optional
	// passphrase mixed into the DeviceKey.
	PassphraseEnv string `toml:"passphrase_env" json:"passphrase_env" yaml:"passphrase_env"`
}

// AccountConfig identifies the local session.
type AccountConfig struct {
	UserID string `toml:"user_id" json:"user_id" yaml:"user_id"`

	// SessionID is generated on first run when empty.
	SessionID string `toml:"session_id" json:"session_id" yaml:"session_id"`

	// IdentityLifetimeDays is the validity of a new IdentityKey.
	IdentityLifetimeDays int `toml:"identity_lifetime_days" json:"identity_lifetime_days" yaml:"identity_lifetime_days"`
}

// RelayConfig holds relay client and server configuration.
type RelayConfig struct {
	// URL is the relay base URL (http or https). The websocket and copy
	// endpoints are derived from it.
	URL string `toml:"url" json:"url" yaml:"url"`

	// TimeoutSec bounds HTTP requests to the relay.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// DedupTTLSec is how long delivered frames are remembered.
	DedupTTLSec int `toml:"dedup_ttl_sec" json:"dedup_ttl_sec" yaml:"dedup_ttl_sec"`

	// ListenAddr is the address `sealchat relay` serves on.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// MessageConfig holds codec configuration.
type MessageConfig struct {
	// ToleranceMs is the accepted lag between embedded and transport
	// timestamps.
	ToleranceMs int64 `toml:"tolerance_ms" json:"tolerance_ms" yaml:"tolerance_ms"`

	// ClockSkewMs is the skew allowed when comparing MasterKey timestamps.
	ClockSkewMs int64 `toml:"clock_skew_ms" json:"clock_skew_ms" yaml:"clock_skew_ms"`
}

// MigrationConfig holds device migration configuration.
type MigrationConfig struct {
	// TimeoutSec is the inactivity timeout of a migration session.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// AuditPath is the security audit log. Empty disables it.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" json:"addr" yaml:"addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Type: "sqlite",
			Path: filepath.Join(dir, "keys.db"),
		},
		Device: DeviceConfig{
			SeedPath:      filepath.Join(dir, "device.seed"),
			PassphraseEnv: "SEALCHAT_PASSPHRASE",
		},
		Account: AccountConfig{
			IdentityLifetimeDays: 365,
		},
		Relay: RelayConfig{
			URL:         "http://127.0.0.1:8480",
			TimeoutSec:  30,
			DedupTTLSec: 600,
			ListenAddr:  ":8480",
		},
		Message: MessageConfig{
			ToleranceMs: 60_000,
			ClockSkewMs: 60_000,
		},
		Migration: MigrationConfig{
			TimeoutSec: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "sealchat.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
			AuditPath:  filepath.Join(dir, "audit.log"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9480",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if p := FindConfigFile(); p != "" {
		return p
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base sealchat data directory.
// SEALCHAT_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("SEALCHAT_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Device.SeedPath),
	}
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with SEALCHAT_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("SEALCHAT_STORE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SEALCHAT_STORE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("SEALCHAT_SEED_PATH"); v != "" {
		c.Device.SeedPath = v
	}
	if v := os.Getenv("SEALCHAT_USER_ID"); v != "" {
		c.Account.UserID = v
	}
	if v := os.Getenv("SEALCHAT_SESSION_ID"); v != "" {
		c.Account.SessionID = v
	}
	if v := os.Getenv("SEALCHAT_RELAY_URL"); v != "" {
		c.Relay.URL = v
	}
	if v := os.Getenv("SEALCHAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SEALCHAT_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("SEALCHAT_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
		c.Metrics.Enabled = true
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Version:   c.Version,
		Storage:   c.Storage,
		Device:    c.Device,
		Account:   c.Account,
		Relay:     c.Relay,
		Message:   c.Message,
		Migration: c.Migration,
		Logging:   c.Logging,
		Metrics:   c.Metrics,
	}
}

// Passphrase reads the device passphrase from the configured variable.
func (d DeviceConfig) Passphrase() []byte {
	if d.PassphraseEnv == "" {
		return nil
	}
	if v := os.Getenv(d.PassphraseEnv); v != "" {
		return []byte(v)
	}
	return nil
}

func (a AccountConfig) IdentityLifetime() time.Duration {
	return time.Duration(a.IdentityLifetimeDays) * 24 * time.Hour
}

func (r RelayConfig) Timeout() time.Duration { return time.Duration(r.TimeoutSec) * time.Second }

func (r RelayConfig) DedupTTL() time.Duration { return time.Duration(r.DedupTTLSec) * time.Second }

func (m MessageConfig) Tolerance() time.Duration { return time.Duration(m.ToleranceMs) * time.Millisecond }

func (m MessageConfig) ClockSkew() time.Duration { return time.Duration(m.ClockSkewMs) * time.Millisecond }

func (m MigrationConfig) Timeout() time.Duration { return time.Duration(m.TimeoutSec) * time.Second }

// LoggerConfig converts the section into a logging.Config.
func (l LoggingConfig) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}
	out := logging.DefaultConfig()
	out.Level = level
	out.Format = format
	out.Output = l.Output
	out.FilePath = l.FilePath
	out.MaxSize = int64(l.MaxSizeMB)
	out.MaxBackups = l.MaxBackups
	return out, nil
}

func decodeTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func decodeYAML(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}
