package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/logging"
	"sealchat/internal/primitives"
	"sealchat/internal/protoerr"
)

// Errors
var (
	ErrNotFound       = errors.New("store: record not found")
	ErrUnknownKind    = errors.New("store: unknown namespace")
	ErrInvalidRecord  = errors.New("store: invalid record")
	ErrDeviceMismatch = errors.New("store: key store was written under a different device key")
)

// Backend persists records. PutAll must be atomic: either every record is
// written or none is.
type Backend interface {
	PutAll(ctx context.Context, recs []Record) error
	Get(ctx context.Context, kind Kind, hash string) (Record, error)
	List(ctx context.Context, kind Kind) ([]Record, error)
	ListScope(ctx context.Context, kind Kind, scope string) ([]Record, error)
	Close() error
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// KeyStore owns all key material of one session. Every payload except the
// DeviceKey's public half is wrapped under the DeviceKey before it reaches
// the backend.
type KeyStore struct {
	backend Backend
	device  *keyhierarchy.DeviceKey
	logger  *slog.Logger
	now     func() time.Time

	// sem is the critical section taken by Exclusive.
	sem chan struct{}
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *KeyStore) { s.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *KeyStore) { s.now = now }
}

// New binds backend to device. It fails with ErrDeviceMismatch when the
// backend already holds records of another DeviceKey.
func New(ctx context.Context, backend Backend, device *keyhierarchy.DeviceKey, opts ...Option) (*KeyStore, error) {
	s := &KeyStore{
		backend: backend,
		device:  device,
		now:     time.Now,
		sem:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger, "store")

	if err := s.bindDevice(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *KeyStore) bindDevice(ctx context.Context) error {
	existing, err := s.backend.List(ctx, KindDeviceKey)
	if err != nil {
		return protoerr.Storage("store.bind", err)
	}
	hash := s.device.Hash()
	for _, rec := range existing {
		if rec.Hash != hash {
			return fmt.Errorf("%w: found %s", ErrDeviceMismatch, keyhierarchy.Fingerprint(rec.Hash))
		}
	}
	if len(existing) == 0 {
		s.logger.Info("binding key store to device", "device", s.device.DeviceID, "fingerprint", keyhierarchy.Fingerprint(hash))
	}
	return s.Put(ctx, Record{
		Kind:       KindDeviceKey,
		Hash:       hash,
		Ciphertext: append([]byte(nil), s.device.Pub[:]...),
		Timestamp:  s.now().UnixMilli(),
	})
}

// Device returns the DeviceKey the store is bound to.
func (s *KeyStore) Device() *keyhierarchy.DeviceKey { return s.device }

// Now returns the store clock in Unix milliseconds.
func (s *KeyStore) Now() int64 { return s.now().UnixMilli() }

// Put writes one record.
func (s *KeyStore) Put(ctx context.Context, rec Record) error {
	return s.PutAll(ctx, []Record{rec})
}

// PutAll writes recs atomically. Re-inserting a content-hashed record is a
// no-op; mutable kinds are replaced in place.
func (s *KeyStore) PutAll(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if err := rec.validate(); err != nil {
			return err
		}
	}
	if err := s.backend.PutAll(ctx, recs); err != nil {
		return protoerr.Storage("store.put", err)
	}
	return nil
}

// Get returns the record at (kind, hash) or ErrNotFound.
func (s *KeyStore) Get(ctx context.Context, kind Kind, hash string) (Record, error) {
	rec, err := s.backend.Get(ctx, kind, hash)
	if errors.Is(err, ErrNotFound) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, protoerr.Storage("store.get", err)
	}
	return rec, nil
}

// GetAllOfKind returns every record of kind, newest first.
func (s *KeyStore) GetAllOfKind(ctx context.Context, kind Kind) ([]Record, error) {
	recs, err := s.backend.List(ctx, kind)
	if err != nil {
		return nil, protoerr.Storage("store.list", err)
	}
	return recs, nil
}

// GetAllInScope returns the records of kind filed under scope, newest first.
func (s *KeyStore) GetAllInScope(ctx context.Context, kind Kind, scope string) ([]Record, error) {
	recs, err := s.backend.ListScope(ctx, kind, scope)
	if err != nil {
		return nil, protoerr.Storage("store.list_scope", err)
	}
	return recs, nil
}

// WrapUnderDeviceKey encrypts plaintext under the DeviceKey wrapping secret.
func WrapUnderDeviceKey(dk *keyhierarchy.DeviceKey, plaintext, ad []byte) ([]byte, error) {
	key, err := dk.WrappingKey()
	if err != nil {
		return nil, err
	}
	return primitives.Encrypt(key, plaintext, ad)
}

// DecryptUnderDeviceKey reverses WrapUnderDeviceKey.
func DecryptUnderDeviceKey(dk *keyhierarchy.DeviceKey, ciphertext, ad []byte) ([]byte, error) {
	key, err := dk.WrappingKey()
	if err != nil {
		return nil, err
	}
	pt, err := primitives.Decrypt(key, ciphertext, ad)
	if err != nil {
		return nil, protoerr.Decryption("store.unwrap", err)
	}
	return pt, nil
}

// Seal encodes value and wraps it into a record for (kind, hash).
func (s *KeyStore) Seal(kind Kind, hash, scope string, ts int64, value any) (Record, error) {
	return SealFor(s.device, kind, hash, scope, ts, value)
}

// SealFor is Seal under an explicit DeviceKey.
func SealFor(dk *keyhierarchy.DeviceKey, kind Kind, hash, scope string, ts int64, value any) (Record, error) {
	if !kind.Wrapped() {
		return Record{}, fmt.Errorf("%w: %s is not sealed", ErrInvalidRecord, kind)
	}
	plain, err := encMode.Marshal(value)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	defer primitives.Wipe(plain)

	ct, err := WrapUnderDeviceKey(dk, plain, associatedData(kind, hash))
	if err != nil {
		return Record{}, fmt.Errorf("wrap %s: %w", kind, err)
	}
	return Record{Kind: kind, Hash: hash, Scope: scope, Ciphertext: ct, Timestamp: ts}, nil
}

// Open unwraps rec and decodes it into out.
func (s *KeyStore) Open(rec Record, out any) error {
	plain, err := DecryptUnderDeviceKey(s.device, rec.Ciphertext, associatedData(rec.Kind, rec.Hash))
	if err != nil {
		return protoerr.Storage("store.open", fmt.Errorf("%s: %w", rec, err))
	}
	defer primitives.Wipe(plain)
	if err := cbor.Unmarshal(plain, out); err != nil {
		return protoerr.Storage("store.open", fmt.Errorf("decode %s: %w", rec, err))
	}
	return nil
}

// PutValue seals value and writes it.
func (s *KeyStore) PutValue(ctx context.Context, kind Kind, hash, scope string, ts int64, value any) error {
	rec, err := s.Seal(kind, hash, scope, ts, value)
	if err != nil {
		return err
	}
	return s.Put(ctx, rec)
}

// GetValue reads (kind, hash) and decodes it into out.
func (s *KeyStore) GetValue(ctx context.Context, kind Kind, hash string, out any) error {
	rec, err := s.Get(ctx, kind, hash)
	if err != nil {
		return err
	}
	return s.Open(rec, out)
}

// LoadAll opens every record of kind, newest first.
func LoadAll[T any](ctx context.Context, s *KeyStore, kind Kind) ([]T, error) {
	recs, err := s.GetAllOfKind(ctx, kind)
	if err != nil {
		return nil, err
	}
	return openAll[T](s, recs)
}

// LoadScope opens every record of kind filed under scope, newest first.
func LoadScope[T any](ctx context.Context, s *KeyStore, kind Kind, scope string) ([]T, error) {
	recs, err := s.GetAllInScope(ctx, kind, scope)
	if err != nil {
		return nil, err
	}
	return openAll[T](s, recs)
}

func openAll[T any](s *KeyStore, recs []Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := s.Open(rec, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Pointer is the payload of the latest* namespaces.
type Pointer struct {
	Hash      string `cbor:"1,keyasint"`
	Timestamp int64  `cbor:"2,keyasint"`
}

// SelfSlot names the single slot of the caller's own masterKey and
// latestAccountKeyHash entries.
const SelfSlot = "self"

// SetPointer records hash as the latest value of slot name.
func (s *KeyStore) SetPointer(ctx context.Context, kind Kind, name, hash string, ts int64) error {
	return s.PutValue(ctx, kind, name, "", ts, Pointer{Hash: hash, Timestamp: ts})
}

// GetPointer returns the latest value of slot name or ErrNotFound.
func (s *KeyStore) GetPointer(ctx context.Context, kind Kind, name string) (Pointer, error) {
	var p Pointer
	err := s.GetValue(ctx, kind, name, &p)
	return p, err
}

type exclusiveKey struct{ s *KeyStore }

// Exclusive runs fn inside the store's critical section. Nested calls made
// with the context passed to fn do not block.
func (s *KeyStore) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(exclusiveKey{s}) != nil {
		return fn(ctx)
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()
	return fn(context.WithValue(ctx, exclusiveKey{s}, true))
}

// Close closes the backend.
func (s *KeyStore) Close() error {
	return s.backend.Close()
}
