package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditKeyGenerated   AuditEventType = "key_generated"
	AuditKeyRotated     AuditEventType = "key_rotated"
	AuditTrustChanged   AuditEventType = "trust_changed"
	AuditTrustViolation AuditEventType = "trust_violation"
	AuditMigration      AuditEventType = "migration"
	AuditKeyShare       AuditEventType = "key_share"
)

// AuditEvent is one security-relevant event. It never carries key material.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType AuditEventType    `json:"event_type"`
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	KeyHash   string            `json:"key_hash,omitempty"`
	Action    string            `json:"action"`
	Result    string            `json:"result"`
	Details   map[string]string `json:"details,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// AuditLogger appends audit events as JSON lines.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	sessionID string
	now       func() time.Time
}

// NewAuditLogger writes events to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	a := &AuditLogger{w: w, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		a.closer = c
	}
	return a
}

// OpenAuditLog appends events to a rotating file at path.
func OpenAuditLog(path string) (*AuditLogger, error) {
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 10, MaxBackups: 5})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return NewAuditLogger(r), nil
}

// SetSessionID sets the session id stamped on subsequent events.
func (a *AuditLogger) SetSessionID(id string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = id
}

// Log writes an audit event. A nil AuditLogger drops it.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = SessionIDFromContext(ctx)
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}
	if event.Result == "" {
		event.Result = "success"
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if _, err := a.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogKeyGenerated records creation of a key.
func (a *AuditLogger) LogKeyGenerated(ctx context.Context, kind, keyHash string) error {
	return a.Log(ctx, AuditEvent{EventType: AuditKeyGenerated, KeyHash: keyHash, Action: kind})
}

// LogKeyRotated records a rotation from oldHash to newHash.
func (a *AuditLogger) LogKeyRotated(ctx context.Context, kind, oldHash, newHash string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditKeyRotated,
		KeyHash:   newHash,
		Action:    kind,
		Details:   map[string]string{"previous": oldHash},
	})
}

// LogTrustChanged records an explicit trust decision.
func (a *AuditLogger) LogTrustChanged(ctx context.Context, userID, keyHash, level string) error {
	return a.Log(ctx, AuditEvent{EventType: AuditTrustChanged, UserID: userID, KeyHash: keyHash, Action: level})
}

// LogTrustViolation records an aborted protocol instance.
func (a *AuditLogger) LogTrustViolation(ctx context.Context, action string, err error) error {
	ev := AuditEvent{EventType: AuditTrustViolation, Action: action, Result: "denied"}
	if err != nil {
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogMigration records the terminal state of a migration.
func (a *AuditLogger) LogMigration(ctx context.Context, migrateID, state string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditMigration,
		Action:    state,
		Details:   map[string]string{"migrate_id": migrateID},
	})
}

// LogKeyShare records a delivered or accepted AccountKey share.
func (a *AuditLogger) LogKeyShare(ctx context.Context, action, accountHash string, targets int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditKeyShare,
		KeyHash:   accountHash,
		Action:    action,
		Details:   map[string]string{"targets": fmt.Sprint(targets)},
	})
}

// Close closes the underlying writer when it is closable.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
