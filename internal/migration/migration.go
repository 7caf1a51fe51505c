// Package migration transfers an account's key bundle from an existing
// session (the source) to a new session (the target) through the relay.
//
// The target generates a MigrateKey and asks for a migration. A source
// session accepts by generating a MigrateSignKey. Both sides then derive
// the same verification code from the two public keys, and the user
// confirms on the source the code shown on the target. Only after that does
// the source seal the bundle to the MigrateKey and sign it. The target
// verifies, installs under its own DeviceKey, and answers with its
// KeyShareKey announcement, which completes the migration on both sides.
//
// Messages carrying a migration id other than the current one are ignored,
// as are messages that do not fit the current state. Every transition is
// published as an Event; terminal states discard the ephemeral keys before
// the event is delivered.
package migration

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/keyshare"
	"sealchat/internal/logging"
	"sealchat/internal/metrics"
	"sealchat/internal/primitives"
	"sealchat/internal/protoerr"
	"sealchat/internal/relay"
	"sealchat/internal/store"
)

const (
	// SignatureDomain separates bundle signatures from other signatures.
	SignatureDomain = "sealchat-migrate-v1"

	// DefaultTimeout bounds the time between two transitions.
	DefaultTimeout = 5 * time.Minute
)

var (
	ErrWrongState  = errors.New("migration: operation not valid in the current state")
	ErrTimeout     = errors.New("migration: timed out")
	ErrCancelled   = errors.New("migration: cancelled")
	ErrTakenOver   = errors.New("migration: accepted by another session")
	ErrNoSender    = errors.New("migration: relay sender is required")
	ErrWrongUser   = errors.New("migration: bundle belongs to another user")
	ErrNoAnnouncer = errors.New("migration: announcer is required")
)

// State is the state of a migration.
type State int

const (
	Idle State = iota
	Offered
	Accepted
	AwaitingCode
	Transferring
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offered:
		return "offered"
	case Accepted:
		return "accepted"
	case AwaitingCode:
		return "awaiting_code"
	case Transferring:
		return "transferring"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// Role is the side a session plays in a migration.
type Role int

const (
	NoRole Role = iota
	Target
	Source
)

func (r Role) String() string {
	switch r {
	case Target:
		return "target"
	case Source:
		return "source"
	default:
		return "none"
	}
}

// Event describes one transition.
type Event struct {
	MigrateID string
	Role      Role
	From      State
	To        State
	// Code is set once both public keys are known.
	Code string
	Err  error
	At   time.Time
}

// Announcer provides the KeyShareKey announcement sent when the target
// completes.
type Announcer interface {
	Announcement(ctx context.Context) (keyhierarchy.KeyShareKeyPublic, error)
}

// Config wires a Coordinator.
type Config struct {
	Store     *store.KeyStore
	Sender    relay.Sender
	Announcer Announcer
	UserID    string
	SessionID string
	Timeout   time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Audit     *logging.AuditLogger
	Now       func() time.Time
}

// Coordinator runs the migrations of one session, one at a time.
type Coordinator struct {
	store     *store.KeyStore
	sender    relay.Sender
	announcer Announcer
	userID    string
	sessionID string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	audit     *logging.AuditLogger
	now       func() time.Time

	mu            sync.Mutex
	state         State
	role          Role
	id            string
	migrateKeyPub []byte
	signKeyPub    []byte
	migrateKey    *keyhierarchy.MigrateKey
	signKey       *keyhierarchy.MigrateSignKey
	code          string
	timer         *time.Timer
	gen           uint64

	lmu       sync.Mutex
	listeners map[int]func(Event)
	nextID    int
}

// New creates a Coordinator in the Idle state.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Sender == nil {
		return nil, ErrNoSender
	}
	if cfg.Announcer == nil {
		return nil, ErrNoAnnouncer
	}
	c := &Coordinator{
		store:     cfg.Store,
		sender:    cfg.Sender,
		announcer: cfg.Announcer,
		userID:    cfg.UserID,
		sessionID: cfg.SessionID,
		timeout:   cfg.Timeout,
		logger:    logging.OrDefault(cfg.Logger, "migration"),
		metrics:   cfg.Metrics,
		audit:     cfg.Audit,
		now:       cfg.Now,
		listeners: make(map[int]func(Event)),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Subscribe registers fn for every transition. Events are delivered
// synchronously, outside the coordinator's lock, in transition order per
// caller. The returned function removes the listener.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()
	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

func (c *Coordinator) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	c.lmu.Lock()
	fns := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()
	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role returns the role of the current or last migration.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// ID returns the migration id, empty until the relay assigned one.
func (c *Coordinator) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Code returns the verification code, empty before AwaitingCode.
func (c *Coordinator) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// busy reports whether a migration is in flight. Caller holds mu.
func (c *Coordinator) busy() bool {
	return c.state != Idle && !c.state.Terminal()
}

// reset starts a fresh attempt. Caller holds mu.
func (c *Coordinator) reset(role Role) {
	c.wipe()
	c.gen++
	c.state = Idle
	c.role = role
	c.id = ""
	c.migrateKeyPub = nil
	c.signKeyPub = nil
	c.code = ""
}

// wipe discards the ephemeral keys and stops the timer. Caller holds mu.
func (c *Coordinator) wipe() {
	if c.migrateKey != nil {
		c.migrateKey.Wipe()
		c.migrateKey = nil
	}
	if c.signKey != nil {
		c.signKey.Wipe()
		c.signKey = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// arm restarts the inactivity timer. Caller holds mu.
func (c *Coordinator) arm() {
	if c.timer != nil {
		c.timer.Stop()
	}
	gen := c.gen
	c.timer = time.AfterFunc(c.timeout, func() { c.expire(gen) })
}

func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.busy() {
		c.mu.Unlock()
		return
	}
	ev := c.transition(context.Background(), Failed, ErrTimeout)
	c.mu.Unlock()
	c.emit([]Event{ev})
}

// transition moves to to. Caller holds mu.
func (c *Coordinator) transition(ctx context.Context, to State, err error) Event {
	ev := Event{
		MigrateID: c.id,
		Role:      c.role,
		From:      c.state,
		To:        to,
		Code:      c.code,
		Err:       err,
		At:        c.now(),
	}
	c.state = to

	if !to.Terminal() {
		c.arm()
		c.logger.Debug("migration transition", "migrate_id", c.id, "role", c.role, "from", ev.From, "to", to)
		return ev
	}

	c.wipe()
	c.metrics.MigrationFinished(c.role.String(), to.String())
	_ = c.audit.LogMigration(ctx, c.id, to.String())
	if protoerr.IsKind(err, protoerr.KindTrustViolation) {
		_ = c.audit.LogTrustViolation(ctx, "migration", err)
	}
	if err != nil && to == Failed {
		c.logger.Warn("migration failed", "migrate_id", c.id, "role", c.role, "from", ev.From, "error", err)
	} else {
		c.logger.Info("migration finished", "migrate_id", c.id, "role", c.role, "state", to)
	}
	return ev
}

// RequestMigration starts a migration to this session. The relay answers
// with the migration id; the code appears once a source accepts.
func (c *Coordinator) RequestMigration(ctx context.Context) error {
	c.mu.Lock()
	if c.busy() {
		c.mu.Unlock()
		return ErrWrongState
	}

	key, err := keyhierarchy.NewMigrateKey()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("create migrate key: %w", err)
	}
	if err := c.sender.Send(ctx, relay.RequestMigrate{MigrateKeyPub: key.Pub[:], SessionID: c.sessionID}); err != nil {
		key.Wipe()
		c.mu.Unlock()
		return err
	}

	c.reset(Target)
	c.migrateKey = key
	c.migrateKeyPub = append([]byte(nil), key.Pub[:]...)
	ev := c.transition(ctx, Offered, nil)
	c.mu.Unlock()
	c.emit([]Event{ev})
	return nil
}

// Accept takes the offered migration as its source.
func (c *Coordinator) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.role != Source || c.state != Offered {
		c.mu.Unlock()
		return ErrWrongState
	}

	key, err := keyhierarchy.NewMigrateSignKey()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("create migrate sign key: %w", err)
	}
	if err := c.sender.Send(ctx, relay.EncryptAccept{MigrateID: c.id, MigrateSignKeyPub: key.Pub}); err != nil {
		key.Wipe()
		c.mu.Unlock()
		return err
	}

	c.signKey = key
	c.signKeyPub = append([]byte(nil), key.Pub...)
	events := c.acceptedLocked(ctx)
	c.mu.Unlock()
	c.emit(events)
	return nil
}

// acceptedLocked moves through Accepted to AwaitingCode once both public
// keys are known. Caller holds mu.
func (c *Coordinator) acceptedLocked(ctx context.Context) []Event {
	accepted := c.transition(ctx, Accepted, nil)
	c.code = keyhierarchy.VerificationCode(c.migrateKeyPub, c.signKeyPub)
	return []Event{accepted, c.transition(ctx, AwaitingCode, nil)}
}

// ConfirmCode checks the code the user read off the target. On a match the
// bundle is sealed and sent; on a mismatch the migration fails and nothing
// is sealed.
func (c *Coordinator) ConfirmCode(ctx context.Context, entered string) error {
	c.mu.Lock()
	if c.role != Source || c.state != AwaitingCode {
		c.mu.Unlock()
		return ErrWrongState
	}

	if subtle.ConstantTimeCompare([]byte(entered), []byte(c.code)) != 1 {
		err := protoerr.TrustViolation("migration.confirm", protoerr.ReasonCodeMismatch, nil)
		ev := c.transition(ctx, Failed, err)
		c.mu.Unlock()
		c.emit([]Event{ev})
		return err
	}

	msg, err := c.sealBundle(ctx)
	if err != nil {
		ev := c.transition(ctx, Failed, err)
		c.mu.Unlock()
		c.emit([]Event{ev})
		return err
	}
	if err := c.sender.Send(ctx, msg); err != nil {
		// Left in AwaitingCode; the user may confirm again until the
		// timeout fails the migration.
		c.mu.Unlock()
		return err
	}
	ev := c.transition(ctx, Transferring, nil)
	c.mu.Unlock()
	c.emit([]Event{ev})
	return nil
}

// sealBundle exports, seals and signs the key bundle. Caller holds mu.
func (c *Coordinator) sealBundle(ctx context.Context) (relay.EncryptSend, error) {
	b, err := ExportBundle(ctx, c.store, c.userID)
	if err != nil {
		return relay.EncryptSend{}, err
	}
	defer b.Wipe()

	plain, err := cbor.Marshal(b)
	if err != nil {
		return relay.EncryptSend{}, fmt.Errorf("encode bundle: %w", err)
	}
	defer primitives.Wipe(plain)

	pub, err := primitives.BoxKey(c.migrateKeyPub)
	if err != nil {
		return relay.EncryptSend{}, protoerr.Validation("migration.seal", protoerr.ReasonMalformed, err)
	}
	ct, err := primitives.SealTo(pub, plain)
	if err != nil {
		return relay.EncryptSend{}, fmt.Errorf("seal bundle: %w", err)
	}
	sig, err := c.signKey.Sign(signatureData(c.id, ct))
	if err != nil {
		return relay.EncryptSend{}, err
	}
	return relay.EncryptSend{MigrateID: c.id, Ciphertext: ct, Signature: sig}, nil
}

// Cancel aborts the migration in flight and wipes its keys before
// returning.
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if !c.busy() {
		c.mu.Unlock()
		return ErrWrongState
	}
	ev := c.transition(ctx, Cancelled, ErrCancelled)
	c.mu.Unlock()
	c.emit([]Event{ev})
	return nil
}

// HandleMessage advances the state machine from a relay message. It
// implements relay.Handler.
func (c *Coordinator) HandleMessage(ctx context.Context, m relay.Message) {
	c.mu.Lock()
	events := c.handle(ctx, m)
	c.mu.Unlock()
	c.emit(events)
}

// handle dispatches m. Caller holds mu.
func (c *Coordinator) handle(ctx context.Context, m relay.Message) []Event {
	switch v := m.(type) {
	case relay.MigrateRequest:
		return c.onMigrateRequest(ctx, v)
	}

	id := relay.MigrationID(m)
	if id == "" || id != c.id || !c.busy() {
		return nil
	}
	switch v := m.(type) {
	case relay.MigrateAccept:
		if c.role == Target && c.state == Offered {
			c.signKeyPub = append([]byte(nil), v.MigrateSignKeyPub...)
			return c.acceptedLocked(ctx)
		}
	case relay.MigrateData:
		if c.role == Target && c.state == AwaitingCode {
			return c.onMigrateData(ctx, v)
		}
	case relay.NoticeMigrateSignKey:
		if c.role == Source && c.state == Offered {
			return []Event{c.transition(ctx, Cancelled, ErrTakenOver)}
		}
	case relay.EncryptSuccess:
		if c.role == Source && c.state == Transferring {
			return c.onSuccess(ctx, v)
		}
	}
	return nil
}

func (c *Coordinator) onMigrateRequest(ctx context.Context, v relay.MigrateRequest) []Event {
	// The relay echoes our own request back with the id it assigned.
	if c.role == Target && c.state == Offered && c.id == "" && bytes.Equal(v.MigrateKeyPub, c.migrateKeyPub) {
		c.id = v.MigrateID
		c.arm()
		c.logger.Info("migration requested", "migrate_id", c.id)
		return nil
	}
	if c.busy() {
		c.logger.Debug("ignoring migration request while busy", "migrate_id", v.MigrateID)
		return nil
	}

	// Only a session holding the account keys can be a source.
	if _, err := c.store.Master(ctx); err != nil {
		if !errors.Is(err, store.ErrNoMasterKey) {
			c.logger.Warn("cannot offer migration", "migrate_id", v.MigrateID, "error", err)
		}
		return nil
	}
	c.reset(Source)
	c.id = v.MigrateID
	c.migrateKeyPub = append([]byte(nil), v.MigrateKeyPub...)
	return []Event{c.transition(ctx, Offered, nil)}
}

func (c *Coordinator) onMigrateData(ctx context.Context, v relay.MigrateData) []Event {
	if !primitives.Verify(c.signKeyPub, signatureData(c.id, v.Ciphertext), v.Signature) {
		err := protoerr.TrustViolation("migration.data", protoerr.ReasonBadSignature, nil)
		return []Event{c.transition(ctx, Failed, err)}
	}
	events := []Event{c.transition(ctx, Transferring, nil)}

	plain, err := c.migrateKey.Open(v.Ciphertext)
	if err != nil {
		return append(events, c.transition(ctx, Failed, protoerr.Decryption("migration.open", err)))
	}
	defer primitives.Wipe(plain)

	var b Bundle
	if err := cbor.Unmarshal(plain, &b); err != nil {
		err = protoerr.Validation("migration.bundle", protoerr.ReasonMalformed, err)
		return append(events, c.transition(ctx, Failed, err))
	}
	defer b.Wipe()
	if c.userID != "" && b.UserID != c.userID {
		err = protoerr.Validation("migration.bundle", protoerr.ReasonUnknownKey, ErrWrongUser)
		return append(events, c.transition(ctx, Failed, err))
	}
	if err := InstallBundle(ctx, c.store, &b); err != nil {
		return append(events, c.transition(ctx, Failed, err))
	}
	_ = c.audit.LogKeyGenerated(ctx, "migration", b.Master.Hash())

	ann, err := c.announcer.Announcement(ctx)
	if err == nil {
		err = c.sender.Send(ctx, relay.NewEncryptSuccess(ann, c.id))
	}
	if err != nil {
		// The keys are installed; the source will time out instead of
		// completing.
		c.logger.Warn("migration announcement not sent", "migrate_id", c.id, "error", err)
	}
	return append(events, c.transition(ctx, Completed, err))
}

func (c *Coordinator) onSuccess(ctx context.Context, v relay.EncryptSuccess) []Event {
	master, err := c.store.Master(ctx)
	if err != nil {
		return []Event{c.transition(ctx, Failed, err)}
	}
	defer master.Wipe()
	if err := keyshare.VerifyAnnouncement(v.Announcement(), master.Public()); err != nil {
		return []Event{c.transition(ctx, Failed, err)}
	}
	return []Event{c.transition(ctx, Completed, nil)}
}

func signatureData(migrateID string, ciphertext []byte) []byte {
	data := make([]byte, 0, len(SignatureDomain)+len(migrateID)+1+len(ciphertext))
	data = append(data, SignatureDomain...)
	data = append(data, migrateID...)
	data = append(data, 0)
	return append(data, ciphertext...)
}
