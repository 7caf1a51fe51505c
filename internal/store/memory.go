package store

import (
	"context"
	"sort"
	"sync"

	"sealchat/internal/keyhierarchy"
)

// Memory is a Backend kept in process memory. Used by ephemeral sessions
// and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[Kind]map[string]Record
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{records: make(map[Kind]map[string]Record)}
}

func (m *Memory) PutAll(ctx context.Context, recs []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range recs {
		ns, ok := m.records[r.Kind]
		if !ok {
			ns = make(map[string]Record)
			m.records[r.Kind] = ns
		}
		if _, exists := ns[r.Hash]; exists && !r.Kind.Mutable() {
			continue
		}
		r.Ciphertext = append([]byte(nil), r.Ciphertext...)
		ns[r.Hash] = r
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, kind Kind, hash string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[kind][hash]
	if !ok {
		return Record{}, ErrNotFound
	}
	r.Ciphertext = append([]byte(nil), r.Ciphertext...)
	return r, nil
}

func (m *Memory) List(ctx context.Context, kind Kind) ([]Record, error) {
	return m.list(kind, func(Record) bool { return true }), nil
}

func (m *Memory) ListScope(ctx context.Context, kind Kind, scope string) ([]Record, error) {
	return m.list(kind, func(r Record) bool { return r.Scope == scope }), nil
}

func (m *Memory) list(kind Kind, keep func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.records[kind] {
		if keep(r) {
			r.Ciphertext = append([]byte(nil), r.Ciphertext...)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Hash > out[j].Hash
	})
	return out
}

// Len returns the number of records of kind.
func (m *Memory) Len(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[kind])
}

func (m *Memory) Close() error { return nil }

// NewInMemory returns a KeyStore on a fresh Memory backend and a random
// ephemeral DeviceKey.
func NewInMemory(ctx context.Context, opts ...Option) (*KeyStore, error) {
	dk, err := keyhierarchy.NewEphemeralDeviceKey()
	if err != nil {
		return nil, err
	}
	return New(ctx, NewMemory(), dk, opts...)
}
