package migration

import (
	"context"
	"fmt"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/store"
	"sealchat/internal/trust"
)

// Bundle is the key material transferred by a migration.
type Bundle struct {
	UserID     string                     `cbor:"1,keyasint"`
	Master     keyhierarchy.MasterKey     `cbor:"2,keyasint"`
	Identities []keyhierarchy.IdentityKey `cbor:"3,keyasint"`
	Accounts   []keyhierarchy.AccountKey  `cbor:"4,keyasint"`
	AllowKeys  []trust.AllowKeyRecord     `cbor:"5,keyasint"`
}

// Wipe zeroes every private key in the bundle.
func (b *Bundle) Wipe() {
	b.Master.Wipe()
	for i := range b.Identities {
		b.Identities[i].Wipe()
	}
	for i := range b.Accounts {
		b.Accounts[i].Wipe()
	}
}

// ExportBundle collects the account keys held in s.
func ExportBundle(ctx context.Context, s *store.KeyStore, userID string) (*Bundle, error) {
	master, err := s.Master(ctx)
	if err != nil {
		return nil, fmt.Errorf("export master key: %w", err)
	}
	identities, err := s.IdentityKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("export identity keys: %w", err)
	}
	accounts, err := s.AccountKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("export account keys: %w", err)
	}
	allow, err := store.LoadAll[trust.AllowKeyRecord](ctx, s, store.KindAllowKeys)
	if err != nil {
		return nil, fmt.Errorf("export trust records: %w", err)
	}
	return &Bundle{
		UserID:     userID,
		Master:     *master,
		Identities: identities,
		Accounts:   accounts,
		AllowKeys:  allow,
	}, nil
}

// InstallBundle wraps every key of b under s's DeviceKey and writes them in
// one batch. The newest AccountKey becomes the latest.
func InstallBundle(ctx context.Context, s *store.KeyStore, b *Bundle) error {
	if err := b.Master.Verify(); err != nil {
		return fmt.Errorf("bundle master key: %w", err)
	}

	recs := make([]store.Record, 0, 2+len(b.Identities)+len(b.Accounts)+len(b.AllowKeys))
	rec, err := s.MasterRecord(&b.Master)
	if err != nil {
		return err
	}
	recs = append(recs, rec)

	for i := range b.Identities {
		id := &b.Identities[i]
		if err := id.VerifyAgainst(b.Master.Public()); err != nil {
			return fmt.Errorf("bundle identity %s: %w", keyhierarchy.Fingerprint(id.Hash()), err)
		}
		rec, err := s.Seal(store.KindIdentityKeys, id.Hash(), "", id.Timestamp, id)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	var latest *keyhierarchy.AccountKey
	for i := range b.Accounts {
		a := &b.Accounts[i]
		rec, err := s.Seal(store.KindAccountKeys, a.Hash(), "", a.Timestamp, a)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		if latest == nil || a.Timestamp > latest.Timestamp {
			latest = a
		}
	}
	if latest != nil {
		rec, err := s.Seal(store.KindLatestAccountKeyHash, store.SelfSlot, "", latest.Timestamp,
			store.Pointer{Hash: latest.Hash(), Timestamp: latest.Timestamp})
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	for _, a := range b.AllowKeys {
		rec, err := trust.Seal(s.Device(), a)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	return s.PutAll(ctx, recs)
}
