package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for any validation failure.
func (e ValidationErrors) Is(target error) bool { return target == ErrInvalidConfig }

// Fields lists the offending field names.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

// ValidateConfig performs validation of every section.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateDevice(&c.Device)...)
	errs = append(errs, validateAccount(&c.Account)...)
	errs = append(errs, validateRelay(&c.Relay)...)
	errs = append(errs, validateMessage(&c.Message)...)
	errs = append(errs, validateMigration(&c.Migration)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	switch s.Type {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, *RequiredFieldError("storage.path"))
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory)", s.Type),
		})
	}
	return errs
}

func validateDevice(d *DeviceConfig) ValidationErrors {
	if d.SeedPath == "" {
		return ValidationErrors{*RequiredFieldError("device.seed_path")}
	}
	return nil
}

func validateAccount(a *AccountConfig) ValidationErrors {
	var errs ValidationErrors
	if a.UserID != "" && strings.ContainsAny(a.UserID, " \t\n") {
		errs = append(errs, ValidationError{Field: "account.user_id", Message: "must not contain whitespace"})
	}
	if a.IdentityLifetimeDays < 1 || a.IdentityLifetimeDays > 3650 {
		errs = append(errs, *RangeError("account.identity_lifetime_days", 1, 3650))
	}
	return errs
}

func validateRelay(r *RelayConfig) ValidationErrors {
	var errs ValidationErrors
	if !isValidURL(r.URL) {
		errs = append(errs, ValidationError{
			Field:   "relay.url",
			Message: fmt.Sprintf("invalid relay URL: %q (want http or https)", r.URL),
		})
	}
	if r.TimeoutSec < 1 || r.TimeoutSec > 300 {
		errs = append(errs, *RangeError("relay.timeout_sec", 1, 300))
	}
	if r.DedupTTLSec < 0 {
		errs = append(errs, ValidationError{Field: "relay.dedup_ttl_sec", Message: "cannot be negative"})
	}
	if r.ListenAddr != "" && !isValidAddr(r.ListenAddr) {
		errs = append(errs, ValidationError{
			Field:   "relay.listen_addr",
			Message: fmt.Sprintf("invalid listen address: %q", r.ListenAddr),
		})
	}
	return errs
}

func validateMessage(m *MessageConfig) ValidationErrors {
	var errs ValidationErrors
	if m.ToleranceMs < 1000 || m.ToleranceMs > 3_600_000 {
		errs = append(errs, *RangeError("message.tolerance_ms", 1000, 3_600_000))
	}
	if m.ClockSkewMs < 0 || m.ClockSkewMs > 3_600_000 {
		errs = append(errs, *RangeError("message.clock_skew_ms", 0, 3_600_000))
	}
	return errs
}

func validateMigration(m *MigrationConfig) ValidationErrors {
	if m.TimeoutSec < 10 || m.TimeoutSec > 3600 {
		return ValidationErrors{*RangeError("migration.timeout_sec", 10, 3600)}
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "max size must be at least 1 MB"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "max backups cannot be negative"})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.Enabled && !isValidAddr(m.Addr) {
		return ValidationErrors{{
			Field:   "metrics.addr",
			Message: fmt.Sprintf("invalid listen address: %q", m.Addr),
		}}
	}
	return nil
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func isValidAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
