// Package store provides the device-local, at-rest encrypted KeyStore.
package store

import "fmt"

// Kind is a KeyStore namespace.
type Kind string

// Namespaces.
const (
	KindMasterKey            Kind = "masterKey"
	KindDeviceKey            Kind = "deviceKey"
	KindIdentityKeys         Kind = "identityKeys"
	KindAccountKeys          Kind = "accountKeys"
	KindShareKeys            Kind = "shareKeys"
	KindAllowKeys            Kind = "allowKeys"
	KindLatestAccountKeyHash Kind = "latestAccountKeyHash"
	KindLatestRoomkeyHash    Kind = "latestRoomkeyHash"
	KindRoomKeys             Kind = "roomKeys"
)

// Kinds lists every namespace.
var Kinds = []Kind{
	KindMasterKey,
	KindDeviceKey,
	KindIdentityKeys,
	KindAccountKeys,
	KindShareKeys,
	KindAllowKeys,
	KindLatestAccountKeyHash,
	KindLatestRoomkeyHash,
	KindRoomKeys,
}

// Valid reports whether k is a known namespace.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Mutable reports whether records of this kind are replaced in place on
// re-insertion. All other kinds are keyed by content hash and a second
// write of the same hash is a no-op.
func (k Kind) Mutable() bool {
	switch k {
	case KindMasterKey, KindAllowKeys, KindLatestAccountKeyHash, KindLatestRoomkeyHash:
		return true
	default:
		return false
	}
}

// Wrapped reports whether the record payload is DeviceKey ciphertext.
// Only the DeviceKey's own public half is stored in the clear.
func (k Kind) Wrapped() bool {
	return k != KindDeviceKey
}

// Record is one stored entry.
type Record struct {
	Kind       Kind
	Hash       string
	Scope      string
	Ciphertext []byte
	Timestamp  int64
}

func (r Record) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.Hash)
}

// associatedData binds a ciphertext to its slot.
func associatedData(kind Kind, hash string) []byte {
	return []byte(string(kind) + "|" + hash)
}

func (r Record) validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	if r.Hash == "" {
		return fmt.Errorf("%w: empty hash for %s", ErrInvalidRecord, r.Kind)
	}
	if len(r.Ciphertext) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrInvalidRecord, r)
	}
	return nil
}
