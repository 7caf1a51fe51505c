package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("round trip of %v gave %v, %v", level, parsed, err)
		}
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelDebug, Format: FormatJSON, Writer: &buf, Component: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Info("migration", "verification_code", "1234-5678-9012", "passphrase", "hunter2", "user", "alice@x")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["verification_code"] != "[REDACTED]" {
		t.Errorf("code not redacted: %v", rec["verification_code"])
	}
	if rec["passphrase"] != "[REDACTED]" {
		t.Errorf("passphrase not redacted: %v", rec["passphrase"])
	}
	if rec["user"] != "alice@x" {
		t.Errorf("user should pass through, got %v", rec["user"])
	}
	if rec["component"] != "test" {
		t.Errorf("component missing: %v", rec["component"])
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Format: FormatText, Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := ContextWithSessionID(context.Background(), "s-1")
	FromContext(ctx, l.Component("trust")).Info("observed")
	out := buf.String()
	if !strings.Contains(out, "component=trust") || !strings.Contains(out, "session_id=s-1") {
		t.Errorf("unexpected output: %q", out)
	}

	if OrDefault(nil, "x") == nil {
		t.Error("OrDefault returned nil")
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelWarn, Format: FormatText, Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child := l.Component("relay")

	child.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	l.SetLevel(LevelDebug)
	if l.Level() != LevelDebug {
		t.Errorf("Level() = %v", l.Level())
	}
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("child logger did not follow level change: %q", buf.String())
	}
}

func TestFileRotator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sealchat.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer r.Close()

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 3; i++ {
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups, err := r.Backups()
	if err != nil {
		t.Fatalf("Backups: %v", err)
	}
	if len(backups) != 1 {
		t.Errorf("expected 1 backup, got %d", len(backups))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("log file mode %v", info.Mode().Perm())
	}
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(&buf)
	a.SetSessionID("s-9")

	ctx := context.Background()
	if err := a.LogTrustChanged(ctx, "alice@x", "abcd", "allow"); err != nil {
		t.Fatalf("LogTrustChanged: %v", err)
	}
	if err := a.LogTrustViolation(ctx, "migration", errors.New("code mismatch")); err != nil {
		t.Fatalf("LogTrustViolation: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var ev AuditEvent
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EventType != AuditTrustViolation || ev.Result != "denied" || ev.SessionID != "s-9" {
		t.Errorf("unexpected event: %+v", ev)
	}

	var nilLogger *AuditLogger
	if err := nilLogger.Log(ctx, AuditEvent{}); err != nil {
		t.Errorf("nil logger should drop events: %v", err)
	}
}
