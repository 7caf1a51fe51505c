package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the current version.
// It creates a backup of configPath before migrating.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}
	return result, nil
}

func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 0, 1:
		changes, warnings = migrateV1ToV2(cfg)
		cfg.Version = 2
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
	return changes, warnings, nil
}

// migrateV1ToV2 migrates from version 1 to version 2.
// V1 configured the relay by its websocket URL and used the message
// tolerance as the MasterKey clock skew as well.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	switch {
	case strings.HasPrefix(cfg.Relay.URL, "ws://"):
		cfg.Relay.URL = "http://" + strings.TrimPrefix(cfg.Relay.URL, "ws://")
		changes = append(changes, "relay.url: websocket URL converted to http base URL")
	case strings.HasPrefix(cfg.Relay.URL, "wss://"):
		cfg.Relay.URL = "https://" + strings.TrimPrefix(cfg.Relay.URL, "wss://")
		changes = append(changes, "relay.url: websocket URL converted to https base URL")
	}
	if trimmed := strings.TrimSuffix(cfg.Relay.URL, "/v1/ws"); trimmed != cfg.Relay.URL {
		cfg.Relay.URL = trimmed
		changes = append(changes, "relay.url: dropped websocket path")
	}

	if cfg.Message.ClockSkewMs != cfg.Message.ToleranceMs {
		cfg.Message.ClockSkewMs = cfg.Message.ToleranceMs
		changes = append(changes, fmt.Sprintf("message.clock_skew_ms set from tolerance_ms (%d)", cfg.Message.ToleranceMs))
	}
	if cfg.Message.ToleranceMs > 5*60_000 {
		warnings = append(warnings, "message.tolerance_ms above 5 minutes accepts long-delayed messages")
	}
	return changes, warnings
}

func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	backupPath := configPath + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// SaveConfig writes the configuration to path in the format its extension
// names, TOML by default.
func SaveConfig(cfg *Config, path string) error {
	snapshot := cfg.Clone()

	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(snapshot, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(snapshot)
	default:
		data, err = encodeToTOML(snapshot)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func encodeToTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# sealchat configuration\n# Version %d\n\n", cfg.Version)
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
