package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Section names reported in a Change.
const (
	SectionStorage   = "storage"
	SectionDevice    = "device"
	SectionAccount   = "account"
	SectionRelay     = "relay"
	SectionMessage   = "message"
	SectionMigration = "migration"
	SectionLogging   = "logging"
	SectionMetrics   = "metrics"
)

// Change describes a reload. Sections lists the top-level sections whose
// values differ between Old and New.
type Change struct {
	Old      *Config
	New      *Config
	Sections []string
}

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// NeedsRestart reports whether a section that is only read at startup
// changed. The open key store and session identity cannot be swapped
// under a running process.
func (c Change) NeedsRestart() bool {
	return c.Has(SectionStorage) || c.Has(SectionDevice) || c.Has(SectionAccount)
}

// Diff compares two configurations section by section.
func Diff(prev, next *Config) []string {
	var out []string
	add := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	add(SectionStorage, prev.Storage != next.Storage)
	add(SectionDevice, prev.Device != next.Device)
	add(SectionAccount, prev.Account != next.Account)
	add(SectionRelay, prev.Relay != next.Relay)
	add(SectionMessage, prev.Message != next.Message)
	add(SectionMigration, prev.Migration != next.Migration)
	add(SectionLogging, prev.Logging != next.Logging)
	add(SectionMetrics, prev.Metrics != next.Metrics)
	return out
}

// Loader reads one configuration file and, once watched, reloads it when
// it changes on disk. A reload that fails to parse or validate keeps the
// previous configuration.
type Loader struct {
	path string

	mu       sync.RWMutex
	current  *Config
	handlers []func(Change)

	errs chan error
}

// NewLoader creates a loader for path.
func NewLoader(path string) *Loader {
	return &Loader{path: path, errs: make(chan error, 1)}
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Load reads, migrates and validates the configuration file.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg, l.path); err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after every reload that changed at least
// one section.
func (l *Loader) OnChange(fn func(Change)) {
	l.mu.Lock()
	l.handlers = append(l.handlers, fn)
	l.mu.Unlock()
}

// Errors carries reload and watcher failures. It is buffered by one and
// drops errors nobody reads.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch reloads the file on every write until ctx is done. The parent
// directory is watched so that editors replacing the file are noticed.
// Watch returns once the watcher is installed.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	go func() {
		defer w.Close()
		l.loop(ctx, w)
	}()
	return nil
}

func (l *Loader) loop(ctx context.Context, w *fsnotify.Watcher) {
	name := filepath.Base(l.path)
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.report(err)
		case <-timer.C:
			l.reload()
		}
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

func (l *Loader) reload() {
	next, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload %s: %w", filepath.Base(l.path), err))
		return
	}

	l.mu.Lock()
	prev := l.current
	l.current = next
	handlers := append([]func(Change){}, l.handlers...)
	l.mu.Unlock()

	if prev == nil {
		return
	}
	ch := Change{Old: prev, New: next, Sections: Diff(prev, next)}
	if len(ch.Sections) == 0 {
		return
	}
	for _, fn := range handlers {
		fn(ch)
	}
}

// loadConfigFromFile decodes path over the defaults. A missing file yields
// the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		err = decodeTOML(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = decodeYAML(data, cfg)
	default:
		err = decodeAny(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// decodeAny tries TOML, then JSON, then YAML.
func decodeAny(data []byte, cfg *Config) error {
	decoders := []func([]byte, *Config) error{
		decodeTOML,
		func(b []byte, c *Config) error { return json.Unmarshal(b, c) },
		decodeYAML,
	}
	for _, dec := range decoders {
		if dec(data, DefaultConfig()) == nil {
			return dec(data, cfg)
		}
	}
	return errors.New("unrecognized config format (tried TOML, JSON, YAML)")
}

// LoadOrCreate loads the configuration from path, writing the defaults
// there first when the file does not exist. The bool reports creation.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
