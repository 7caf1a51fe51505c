package account

import (
	"context"
	"errors"
	"time"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/store"
)

// ErrNoValidIdentity is returned when no held IdentityKey is valid now.
var ErrNoValidIdentity = errors.New("account: no valid identity key")

// keyring serves the session's own keys to the coordinators. It implements
// roomkey.Keys and keyshare.Keys.
type keyring struct {
	store *store.KeyStore
	now   func() time.Time
}

func (k keyring) Master(ctx context.Context) (*keyhierarchy.MasterKey, error) {
	return k.store.Master(ctx)
}

// Identity returns the newest IdentityKey valid now that was certified by
// the current MasterKey.
func (k keyring) Identity(ctx context.Context) (*keyhierarchy.IdentityKey, error) {
	master, err := k.store.Master(ctx)
	if err != nil {
		return nil, err
	}
	defer master.Wipe()
	ids, err := k.store.IdentityKeys(ctx)
	if err != nil {
		return nil, err
	}
	now := k.now().UnixMilli()
	for i := range ids {
		if ids[i].MasterHash == master.Hash() && ids[i].ValidAt(now) {
			return &ids[i], nil
		}
	}
	return nil, ErrNoValidIdentity
}

func (k keyring) Identities(ctx context.Context) ([]keyhierarchy.IdentityKeyPublic, error) {
	ids, err := k.store.IdentityKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]keyhierarchy.IdentityKeyPublic, len(ids))
	for i := range ids {
		out[i] = ids[i].Public()
		ids[i].Wipe()
	}
	return out, nil
}

func (k keyring) AccountKeys(ctx context.Context) ([]*keyhierarchy.AccountKey, error) {
	keys, err := k.store.AccountKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*keyhierarchy.AccountKey, len(keys))
	for i := range keys {
		out[i] = &keys[i]
	}
	return out, nil
}
