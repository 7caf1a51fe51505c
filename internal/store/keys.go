package store

import (
	"context"
	"errors"
	"fmt"

	"sealchat/internal/keyhierarchy"
)

// ErrNoMasterKey is returned when the store holds no MasterKey yet.
var ErrNoMasterKey = errors.New("store: no master key")

// Master returns the account MasterKey.
func (s *KeyStore) Master(ctx context.Context) (*keyhierarchy.MasterKey, error) {
	var m keyhierarchy.MasterKey
	if err := s.GetValue(ctx, KindMasterKey, SelfSlot, &m); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoMasterKey
		}
		return nil, err
	}
	return &m, nil
}

// MasterRecord seals m into the masterKey slot.
func (s *KeyStore) MasterRecord(m *keyhierarchy.MasterKey) (Record, error) {
	return s.Seal(KindMasterKey, SelfSlot, "", m.Timestamp, m)
}

// IdentityKeys returns every IdentityKey held, newest first.
func (s *KeyStore) IdentityKeys(ctx context.Context) ([]keyhierarchy.IdentityKey, error) {
	keys, err := LoadAll[keyhierarchy.IdentityKey](ctx, s, KindIdentityKeys)
	if err != nil {
		return nil, err
	}
	keyhierarchy.SortNewestFirst(keys,
		func(k keyhierarchy.IdentityKey) int64 { return k.Timestamp },
		func(k keyhierarchy.IdentityKey) string { return k.Hash() })
	return keys, nil
}

// AccountKeys returns every AccountKey held, retired ones included, newest
// first.
func (s *KeyStore) AccountKeys(ctx context.Context) ([]keyhierarchy.AccountKey, error) {
	keys, err := LoadAll[keyhierarchy.AccountKey](ctx, s, KindAccountKeys)
	if err != nil {
		return nil, err
	}
	keyhierarchy.SortNewestFirst(keys,
		func(k keyhierarchy.AccountKey) int64 { return k.Timestamp },
		func(k keyhierarchy.AccountKey) string { return k.Hash() })
	return keys, nil
}

// LatestAccountKey returns the AccountKey named by the latestAccountKeyHash
// pointer, falling back to the newest one held.
func (s *KeyStore) LatestAccountKey(ctx context.Context) (*keyhierarchy.AccountKey, error) {
	ptr, err := s.GetPointer(ctx, KindLatestAccountKeyHash, SelfSlot)
	switch {
	case err == nil:
		var k keyhierarchy.AccountKey
		if err := s.GetValue(ctx, KindAccountKeys, ptr.Hash, &k); err == nil {
			return &k, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	all, err := s.AccountKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("latest account key: %w", ErrNotFound)
	}
	return &all[0], nil
}
