// Package trust implements the TrustLedger: per (user, MasterKey) records of
// whether a peer key was merely seen ("recognition") or explicitly verified
// ("allow"), and the rotation-consistency queries built on them.
//
// For one user the accepted MasterKeys ordered by timestamp form a timeline.
// The key in effect at time t is the accepted key with the greatest
// timestamp not after t. An IdentityKey is valid at t when the key in effect
// both at its issue time and at t is the MasterKey that certified it.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/logging"
	"sealchat/internal/metrics"
	"sealchat/internal/primitives"
	"sealchat/internal/protoerr"
	"sealchat/internal/store"
)

// DefaultClockSkew bounds how far in the future a MasterKey timestamp may be.
const DefaultClockSkew = 60 * time.Second

// Level is the resolved trust of a key.
type Level int

const (
	Untrusted Level = iota
	Recognized
	Allowed
)

func (l Level) String() string {
	switch l {
	case Recognized:
		return "recognized"
	case Allowed:
		return "allowed"
	default:
		return "untrusted"
	}
}

// RecordType is the kind of trust decision stored.
type RecordType string

const (
	Recognition RecordType = "recognition"
	Allow       RecordType = "allow"
)

// Level maps the record type to a trust level.
func (t RecordType) Level() Level {
	switch t {
	case Allow:
		return Allowed
	case Recognition:
		return Recognized
	default:
		return Untrusted
	}
}

// AllowKeyRecord is the ledger's unit of record. Timestamp is the activation
// timestamp of the observed MasterKey.
type AllowKeyRecord struct {
	UserID     string                       `cbor:"1,keyasint" json:"userId"`
	KeyHash    string                       `cbor:"2,keyasint" json:"keyHash"`
	Type       RecordType                   `cbor:"3,keyasint" json:"type"`
	Timestamp  int64                        `cbor:"4,keyasint" json:"timestamp"`
	Master     keyhierarchy.MasterKeyPublic `cbor:"5,keyasint" json:"master"`
	ObservedAt int64                        `cbor:"6,keyasint" json:"observedAt"`
}

// StorageKey is the allowKeys slot of (userID, keyHash).
func StorageKey(userID, keyHash string) string {
	return primitives.Hash([]byte(userID), []byte{0}, []byte(keyHash))
}

// Seal wraps rec for the allowKeys namespace under dk.
func Seal(dk *keyhierarchy.DeviceKey, rec AllowKeyRecord) (store.Record, error) {
	return store.SealFor(dk, store.KindAllowKeys, StorageKey(rec.UserID, rec.KeyHash), rec.UserID, rec.Timestamp, rec)
}

// Ledger is the TrustLedger of one session.
type Ledger struct {
	store   *store.KeyStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	skew    time.Duration
	now     func() time.Time

	// mu serializes read-modify-write sequences on the ledger.
	mu sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(l *slog.Logger) Option { return func(t *Ledger) { t.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(t *Ledger) { t.metrics = m } }

// WithClockSkew sets the future-timestamp tolerance.
func WithClockSkew(d time.Duration) Option { return func(t *Ledger) { t.skew = d } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(t *Ledger) { t.now = now } }

// New creates a ledger over s.
func New(s *store.KeyStore, opts ...Option) *Ledger {
	l := &Ledger{store: s, skew: DefaultClockSkew, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrDefault(l.logger, "trust")
	return l
}

// Records returns every record of userID, newest first.
func (l *Ledger) Records(ctx context.Context, userID string) ([]AllowKeyRecord, error) {
	recs, err := store.LoadScope[AllowKeyRecord](ctx, l.store, store.KindAllowKeys, userID)
	if err != nil {
		return nil, fmt.Errorf("load trust records: %w", err)
	}
	sortRecords(recs)
	return recs, nil
}

// All returns every record in the ledger.
func (l *Ledger) All(ctx context.Context) ([]AllowKeyRecord, error) {
	recs, err := store.LoadAll[AllowKeyRecord](ctx, l.store, store.KindAllowKeys)
	if err != nil {
		return nil, fmt.Errorf("load trust records: %w", err)
	}
	return recs, nil
}

func sortRecords(recs []AllowKeyRecord) {
	keyhierarchy.SortNewestFirst(recs,
		func(r AllowKeyRecord) int64 { return r.Timestamp },
		func(r AllowKeyRecord) string { return r.KeyHash })
}

func find(recs []AllowKeyRecord, keyHash string) (AllowKeyRecord, bool) {
	for _, r := range recs {
		if r.KeyHash == keyHash {
			return r, true
		}
	}
	return AllowKeyRecord{}, false
}

// Observation is a checked sighting of a MasterKey that has not been
// written yet. Known is set when the ledger already holds Record.
type Observation struct {
	Record AllowKeyRecord
	Known  bool

	at int64
}

// Pending returns the record to verify against before the observation is
// committed, or nil when the ledger already holds it.
func (o Observation) Pending() []AllowKeyRecord {
	if o.Known {
		return nil
	}
	return []AllowKeyRecord{o.Record}
}

// RecordObservation records that userID presented master, in the context
// of content claimed at time at (Unix ms, <= 0 for now).
//
// A known (userID, key) is returned untouched. A new key is accepted only
// if it is not older than the latest accepted key that was already active
// before at; otherwise it is a replay of a superseded key and the
// observation fails with ValidationError(InvalidMasterKeyWindow).
func (l *Ledger) RecordObservation(ctx context.Context, userID string, master keyhierarchy.MasterKeyPublic, at int64) (AllowKeyRecord, error) {
	obs, err := l.ObserveMaster(ctx, userID, master, at)
	if err != nil {
		return AllowKeyRecord{}, err
	}
	return l.CommitObservation(ctx, obs)
}

// ObserveMaster applies the checks of RecordObservation without writing.
// The result is persisted with CommitObservation once the content that
// carried the key has been accepted.
func (l *Ledger) ObserveMaster(ctx context.Context, userID string, master keyhierarchy.MasterKeyPublic, at int64) (Observation, error) {
	const op = "trust.observe"

	if err := master.Verify(); err != nil {
		l.metrics.TrustObservation("rejected")
		return Observation{}, protoerr.Validation(op, protoerr.ReasonBadSelfSignature, err)
	}
	now := l.now().UnixMilli()
	if at <= 0 {
		at = now
	}
	if master.Timestamp > now+l.skew.Milliseconds() {
		l.metrics.TrustObservation("rejected")
		return Observation{}, protoerr.Validation(op, protoerr.ReasonInvalidMasterKeyWindow,
			fmt.Errorf("master key timestamp %d is in the future", master.Timestamp))
	}

	recs, err := l.Records(ctx, userID)
	if err != nil {
		return Observation{}, err
	}
	obs, err := l.check(recs, userID, master, at)
	if err != nil {
		return Observation{}, err
	}
	obs.Record.ObservedAt = now
	return obs, nil
}

// check applies the window rule against recs, newest first.
func (l *Ledger) check(recs []AllowKeyRecord, userID string, master keyhierarchy.MasterKeyPublic, at int64) (Observation, error) {
	hash := master.Hash()
	if existing, ok := find(recs, hash); ok {
		return Observation{Record: existing, Known: true, at: at}, nil
	}

	// The first entry older than at is the key that was authoritative
	// when the content was produced.
	for _, prev := range recs {
		if prev.Timestamp < at {
			if master.Timestamp < prev.Timestamp {
				l.metrics.TrustObservation("rejected")
				l.logger.Warn("superseded master key rejected",
					"user", userID,
					"key", keyhierarchy.Fingerprint(hash),
					"superseded_by", keyhierarchy.Fingerprint(prev.KeyHash))
				return Observation{}, protoerr.Validation("trust.observe", protoerr.ReasonInvalidMasterKeyWindow,
					fmt.Errorf("key from %d superseded at %d", master.Timestamp, prev.Timestamp))
			}
			break
		}
	}

	return Observation{
		Record: AllowKeyRecord{
			UserID:    userID,
			KeyHash:   hash,
			Type:      Recognition,
			Timestamp: master.Timestamp,
			Master:    master,
		},
		at: at,
	}, nil
}

// CommitObservation writes obs. The window rule is checked again against
// the current ledger; a key recorded in the meantime is returned as is.
func (l *Ledger) CommitObservation(ctx context.Context, obs Observation) (AllowKeyRecord, error) {
	rec := obs.Record
	if rec.KeyHash == "" {
		return AllowKeyRecord{}, protoerr.Validation("trust.observe", protoerr.ReasonUnknownKey,
			errors.New("empty observation"))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.Records(ctx, rec.UserID)
	if err != nil {
		return AllowKeyRecord{}, err
	}
	cur, err := l.check(recs, rec.UserID, rec.Master, obs.at)
	if err != nil {
		return AllowKeyRecord{}, err
	}
	if cur.Known {
		l.metrics.TrustObservation("known")
		return cur.Record, nil
	}
	if err := l.put(ctx, rec); err != nil {
		return AllowKeyRecord{}, err
	}
	l.metrics.TrustObservation("accepted")
	l.logger.Info("recognized master key", "user", rec.UserID, "key", keyhierarchy.Fingerprint(rec.KeyHash))
	return rec, nil
}

// RecordExplicitTrust upgrades the record of (userID, keyHash) to allow in
// place. An unknown key fails with ValidationError(UnknownKey); use
// RecordExplicitTrustKey when the MasterKey itself is at hand.
func (l *Ledger) RecordExplicitTrust(ctx context.Context, userID, keyHash string) (AllowKeyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.Records(ctx, userID)
	if err != nil {
		return AllowKeyRecord{}, err
	}
	rec, ok := find(recs, keyHash)
	if !ok {
		l.metrics.TrustDecision("unknown")
		return AllowKeyRecord{}, protoerr.Validation("trust.allow", protoerr.ReasonUnknownKey,
			fmt.Errorf("no record of %s for %s", keyhierarchy.Fingerprint(keyHash), userID))
	}
	return l.allow(ctx, rec)
}

// RecordExplicitTrustKey allows master for userID, creating the record if
// the key was never observed.
func (l *Ledger) RecordExplicitTrustKey(ctx context.Context, userID string, master keyhierarchy.MasterKeyPublic) (AllowKeyRecord, error) {
	if err := master.Verify(); err != nil {
		return AllowKeyRecord{}, protoerr.Validation("trust.allow", protoerr.ReasonBadSelfSignature, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.Records(ctx, userID)
	if err != nil {
		return AllowKeyRecord{}, err
	}
	rec, ok := find(recs, master.Hash())
	if !ok {
		rec = AllowKeyRecord{
			UserID:     userID,
			KeyHash:    master.Hash(),
			Timestamp:  master.Timestamp,
			Master:     master,
			ObservedAt: l.now().UnixMilli(),
		}
	}
	return l.allow(ctx, rec)
}

func (l *Ledger) allow(ctx context.Context, rec AllowKeyRecord) (AllowKeyRecord, error) {
	if rec.Type == Allow {
		return rec, nil
	}
	rec.Type = Allow
	if err := l.put(ctx, rec); err != nil {
		return AllowKeyRecord{}, err
	}
	l.metrics.TrustDecision("allowed")
	l.logger.Info("allowed master key", "user", rec.UserID, "key", keyhierarchy.Fingerprint(rec.KeyHash))
	return rec, nil
}

func (l *Ledger) put(ctx context.Context, rec AllowKeyRecord) error {
	sealed, err := Seal(l.store.Device(), rec)
	if err != nil {
		return err
	}
	return l.store.Put(ctx, sealed)
}

// ResolveTrustedKey returns the record with the latest timestamp for
// userID, ties broken by the larger key hash, or nil.
func (l *Ledger) ResolveTrustedKey(ctx context.Context, userID string) (*AllowKeyRecord, error) {
	recs, err := l.Records(ctx, userID)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// IsTrusted resolves the trust level of (userID, keyHash).
func (l *Ledger) IsTrusted(ctx context.Context, userID, keyHash string) (Level, error) {
	recs, err := l.Records(ctx, userID)
	if err != nil {
		return Untrusted, err
	}
	if rec, ok := find(recs, keyHash); ok {
		return rec.Type.Level(), nil
	}
	return Untrusted, nil
}

// MasterInEffect returns the accepted MasterKey of userID in effect at at,
// or nil when none was active yet.
func (l *Ledger) MasterInEffect(ctx context.Context, userID string, at int64) (*AllowKeyRecord, error) {
	recs, err := l.Records(ctx, userID)
	if err != nil {
		return nil, err
	}
	return inEffect(recs, at), nil
}

func inEffect(recs []AllowKeyRecord, at int64) *AllowKeyRecord {
	for i := range recs {
		if recs[i].Timestamp <= at {
			return &recs[i]
		}
	}
	return nil
}

// ErrNoMasterKey is returned when a user has no MasterKey in effect.
var ErrNoMasterKey = errors.New("trust: no master key in effect")

// VerifyIdentity applies the rotation-consistency rule to identity as used
// by userID at time at. It returns the ledger record of the certifying
// MasterKey on success.
func (l *Ledger) VerifyIdentity(ctx context.Context, userID string, identity keyhierarchy.IdentityKeyPublic, at int64) (AllowKeyRecord, error) {
	return l.VerifyIdentityWith(ctx, userID, identity, at)
}

// VerifyIdentityWith is VerifyIdentity against the ledger as it would be
// with pending records added. Nothing is written.
func (l *Ledger) VerifyIdentityWith(ctx context.Context, userID string, identity keyhierarchy.IdentityKeyPublic, at int64, pending ...AllowKeyRecord) (AllowKeyRecord, error) {
	const op = "trust.verify_identity"

	recs, err := l.Records(ctx, userID)
	if err != nil {
		return AllowKeyRecord{}, err
	}
	for _, p := range pending {
		if _, ok := find(recs, p.KeyHash); !ok && p.UserID == userID {
			recs = append(recs, p)
		}
	}
	if len(pending) > 0 {
		sortRecords(recs)
	}

	current := inEffect(recs, at)
	if current == nil {
		return AllowKeyRecord{}, protoerr.Validation(op, protoerr.ReasonUnknownKey, ErrNoMasterKey)
	}
	if current.KeyHash != identity.MasterHash {
		return AllowKeyRecord{}, protoerr.Validation(op, protoerr.ReasonSupersededMaster,
			fmt.Errorf("identity certified by %s, %s in effect at %d",
				keyhierarchy.Fingerprint(identity.MasterHash), keyhierarchy.Fingerprint(current.KeyHash), at))
	}
	if issuer := inEffect(recs, identity.Timestamp); issuer == nil || issuer.KeyHash != current.KeyHash {
		return AllowKeyRecord{}, protoerr.Validation(op, protoerr.ReasonSupersededMaster,
			fmt.Errorf("identity issued at %d under a superseded master key", identity.Timestamp))
	}
	if !identity.ValidAt(at) {
		return AllowKeyRecord{}, protoerr.Validation(op, protoerr.ReasonExpired,
			fmt.Errorf("%w: %d outside [%d, %d]", keyhierarchy.ErrExpired, at, identity.Timestamp, identity.KeyExpiration))
	}
	if err := identity.VerifyAgainst(current.Master); err != nil {
		return AllowKeyRecord{}, protoerr.Validation(op, protoerr.ReasonBadSignature, err)
	}
	return *current, nil
}

// VerifyIdentityKey is VerifyIdentity without the record.
func (l *Ledger) VerifyIdentityKey(ctx context.Context, userID string, identity keyhierarchy.IdentityKeyPublic, at int64) error {
	_, err := l.VerifyIdentity(ctx, userID, identity, at)
	return err
}
