package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sealchat/internal/logging"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SEALCHAT_DATA_DIR", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	for _, k := range []string{
		"SEALCHAT_STORE_PATH", "SEALCHAT_STORE_TYPE", "SEALCHAT_SEED_PATH", "SEALCHAT_USER_ID",
		"SEALCHAT_SESSION_ID", "SEALCHAT_RELAY_URL", "SEALCHAT_LOG_LEVEL", "SEALCHAT_LOG_PATH",
		"SEALCHAT_METRICS_ADDR",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaultConfig(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Storage.Path != filepath.Join(dir, "keys.db") {
		t.Errorf("unexpected store path %s", cfg.Storage.Path)
	}
	if cfg.Message.Tolerance() != time.Minute {
		t.Errorf("expected 60s tolerance, got %s", cfg.Message.Tolerance())
	}
	if cfg.Migration.Timeout() != 5*time.Minute {
		t.Errorf("expected 5m migration timeout, got %s", cfg.Migration.Timeout())
	}
	if cfg.Account.IdentityLifetime() != 365*24*time.Hour {
		t.Errorf("unexpected identity lifetime %s", cfg.Account.IdentityLifetime())
	}
}

func TestConfigPath(t *testing.T) {
	dir := isolate(t)
	if got := ConfigPath(); !strings.HasSuffix(got, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", got)
	}

	yml := filepath.Join(dir, "config.yaml")
	writeFile(t, yml, "version: 2\n")
	if got := ConfigPath(); got != yml {
		t.Errorf("expected discovered %s, got %s", yml, got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	isolate(t)
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Relay.URL != DefaultConfig().Relay.URL {
		t.Errorf("expected default relay URL, got %s", cfg.Relay.URL)
	}
}

func TestLoadFormats(t *testing.T) {
	dir := isolate(t)
	cases := map[string]string{
		"config.toml": `
version = 2
[account]
user_id = "alice@example.org"
[relay]
url = "https://relay.example.org"
[message]
tolerance_ms = 30000
`,
		"config.yaml": `
version: 2
account:
  user_id: alice@example.org
relay:
  url: https://relay.example.org
message:
  tolerance_ms: 30000
`,
		"config.json": `{
  "version": 2,
  "account": {"user_id": "alice@example.org"},
  "relay": {"url": "https://relay.example.org"},
  "message": {"tolerance_ms": 30000}
}`,
		"config": `
version = 2
[account]
user_id = "alice@example.org"
[relay]
url = "https://relay.example.org"
[message]
tolerance_ms = 30000
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			writeFile(t, path, content)
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Account.UserID != "alice@example.org" {
				t.Errorf("user id: got %q", cfg.Account.UserID)
			}
			if cfg.Relay.URL != "https://relay.example.org" {
				t.Errorf("relay url: got %q", cfg.Relay.URL)
			}
			if cfg.Message.ToleranceMs != 30000 {
				t.Errorf("tolerance: got %d", cfg.Message.ToleranceMs)
			}
			// Unset fields keep their defaults.
			if cfg.Migration.TimeoutSec != 300 {
				t.Errorf("migration timeout: got %d", cfg.Migration.TimeoutSec)
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "this is not valid toml {{{\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SEALCHAT_USER_ID", "bob@example.org")
	t.Setenv("SEALCHAT_RELAY_URL", "https://other.example.org")
	t.Setenv("SEALCHAT_METRICS_ADDR", "127.0.0.1:9999")

	cfg, err := Load("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Account.UserID != "bob@example.org" {
		t.Errorf("user id override not applied: %q", cfg.Account.UserID)
	}
	if cfg.Relay.URL != "https://other.example.org" {
		t.Errorf("relay override not applied: %q", cfg.Relay.URL)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != "127.0.0.1:9999" {
		t.Errorf("metrics override not applied: %+v", cfg.Metrics)
	}
}

func TestValidateErrors(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Storage.Type = "bolt"
	cfg.Relay.URL = "ftp://relay"
	cfg.Message.ToleranceMs = 10
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = ""
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "nope"

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	want := map[string]bool{
		"storage.type":         true,
		"relay.url":            true,
		"message.tolerance_ms": true,
		"logging.file_path":    true,
		"metrics.addr":         true,
	}
	for _, f := range verrs.Fields() {
		delete(want, f)
	}
	if len(want) > 0 {
		t.Errorf("missing validation errors for %v in %v", want, verrs.Fields())
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	cfg.Account.UserID = "carol@example.org"
	cfg.Account.SessionID = "laptop"
	cfg.Metrics.Enabled = true

	for _, name := range []string{"out.toml", "out.yaml", "out.json"} {
		path := filepath.Join(dir, name)
		if err := SaveConfig(cfg, path); err != nil {
			t.Fatalf("SaveConfig(%s): %v", name, err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
		if got.Account != cfg.Account || got.Metrics != cfg.Metrics || got.Storage != cfg.Storage {
			t.Errorf("%s: round trip mismatch: %+v", name, got.Account)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("%s: expected 0600, got %v", name, info.Mode().Perm())
		}
	}
}

func TestLoaderMigratesV1(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `
version = 1
[relay]
url = "wss://relay.example.org/v1/ws"
[message]
tolerance_ms = 90000
`)

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Relay.URL != "https://relay.example.org" {
		t.Errorf("relay url not migrated: %q", cfg.Relay.URL)
	}
	if cfg.Message.ClockSkewMs != 90000 {
		t.Errorf("clock skew not migrated: %d", cfg.Message.ClockSkewMs)
	}
	backups, _ := filepath.Glob(path + ".backup-*")
	if len(backups) != 1 {
		t.Errorf("expected one backup, got %v", backups)
	}
}

func TestLoaderRejectsInvalid(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "version = 2\n[storage]\ntype = \"bolt\"\n")
	if _, err := NewLoader(path).Load(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoaderWatch(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "version = 2\n[logging]\nlevel = \"info\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	changes := make(chan Change, 1)
	l.OnChange(func(c Change) {
		select {
		case changes <- c:
		default:
		}
	})
	if err := l.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, path, "version = 2\n[logging]\nlevel = \"debug\"\n")
	select {
	case c := <-changes:
		if c.Old.Logging.Level != "info" || c.New.Logging.Level != "debug" {
			t.Errorf("unexpected levels %q -> %q", c.Old.Logging.Level, c.New.Logging.Level)
		}
		if !c.Has(SectionLogging) || len(c.Sections) != 1 {
			t.Errorf("unexpected sections %v", c.Sections)
		}
		if c.NeedsRestart() {
			t.Error("logging change should not need a restart")
		}
		if l.Config().Logging.Level != "debug" {
			t.Errorf("loader not updated")
		}
	case err := <-l.Errors():
		t.Fatalf("watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	// An invalid edit is reported and the last good configuration stays.
	writeFile(t, path, "version = 2\n[storage]\ntype = \"bolt\"\n")
	select {
	case err := <-l.Errors():
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload error observed")
	}
	if l.Config().Storage.Type != "sqlite" {
		t.Errorf("invalid config was applied: %q", l.Config().Storage.Type)
	}
}

func TestDiff(t *testing.T) {
	isolate(t)
	a := DefaultConfig()
	b := a.Clone()
	if d := Diff(a, b); len(d) != 0 {
		t.Errorf("expected no difference, got %v", d)
	}

	b.Account.UserID = "alice@example.org"
	b.Relay.TimeoutSec++
	d := Diff(a, b)
	if len(d) != 2 || d[0] != SectionAccount || d[1] != SectionRelay {
		t.Errorf("unexpected diff %v", d)
	}
	if !(Change{Sections: d}).NeedsRestart() {
		t.Error("account change should need a restart")
	}
}

func TestLoggerConfig(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"

	lc, err := cfg.Logging.LoggerConfig()
	if err != nil {
		t.Fatalf("LoggerConfig: %v", err)
	}
	if lc.Level != logging.LevelWarn || lc.Format != logging.FormatJSON {
		t.Errorf("unexpected logging config %+v", lc)
	}

	cfg.Logging.Level = "loud"
	if _, err := cfg.Logging.LoggerConfig(); err == nil {
		t.Error("expected error for unknown level")
	}
}
