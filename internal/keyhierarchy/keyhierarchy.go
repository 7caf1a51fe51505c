// Package keyhierarchy implements the multi-tier key hierarchy of a chat
// account.
//
// The hierarchy provides:
//   - MasterKey: root sign+encrypt keypair, self-signed with its activation timestamp
//   - IdentityKey: message signing key certified by a MasterKey, with an expiration
//   - AccountKey: encryption key attested by an IdentityKey, target of RoomKey distribution
//   - RoomKey: per-conversation symmetric key, signed by its creator's IdentityKey
//   - KeyShareKey: per-session key used to receive rotated AccountKeys
//   - MigrateKey / MigrateSignKey: single-use keys for one device migration
//   - DeviceKey: per-device key that wraps everything else at rest (device.go)
//
// All timestamps are Unix milliseconds.
package keyhierarchy

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"sealchat/internal/primitives"
)

// Version constants
const (
	Version        = 1
	MasterDomain   = "sealchat-master-v1"
	IdentityDomain = "sealchat-identity-v1"
	AccountDomain  = "sealchat-account-v1"
	RoomKeyDomain  = "sealchat-roomkey-v1"
	ShareKeyDomain = "sealchat-sharekey-v1"
)

// Errors
var (
	ErrInvalidSelfSig     = errors.New("keyhierarchy: invalid master key self-signature")
	ErrInvalidCert        = errors.New("keyhierarchy: invalid identity key certificate")
	ErrInvalidAttestation = errors.New("keyhierarchy: invalid account key attestation")
	ErrInvalidRoomKey     = errors.New("keyhierarchy: invalid room key signature")
	ErrMasterMismatch     = errors.New("keyhierarchy: certificate issued by a different master key")
	ErrTimestampOrder     = errors.New("keyhierarchy: key predates its issuer")
	ErrExpired            = errors.New("keyhierarchy: identity key not valid at this time")
	ErrWiped              = errors.New("keyhierarchy: key material has been wiped")
	ErrMalformedKey       = errors.New("keyhierarchy: malformed key")
)

// MasterKeyPublic is the shareable half of a MasterKey.
type MasterKeyPublic struct {
	SignPub   ed25519.PublicKey `json:"signPub"`
	BoxPub    []byte            `json:"boxPub"`
	Timestamp int64             `json:"timestamp"`
	SelfSig   []byte            `json:"selfSig"`
}

// Hash identifies the key independently of its timestamp.
func (m MasterKeyPublic) Hash() string {
	return primitives.Hash(m.SignPub, m.BoxPub)
}

// Fingerprint is a short human-comparable rendering of Hash.
func (m MasterKeyPublic) Fingerprint() string {
	return Fingerprint(m.Hash())
}

// Verify checks the self-signature binding the timestamp to the key.
func (m MasterKeyPublic) Verify() error {
	if len(m.SignPub) != ed25519.PublicKeySize || len(m.BoxPub) != primitives.BoxKeySize {
		return ErrMalformedKey
	}
	if !primitives.Verify(m.SignPub, masterSigData(m.SignPub, m.BoxPub, m.Timestamp), m.SelfSig) {
		return ErrInvalidSelfSig
	}
	return nil
}

// MasterKey is the root of a user's trust chain.
type MasterKey struct {
	MasterKeyPublic
	SignPriv ed25519.PrivateKey `json:"signPriv"`
	BoxPriv  []byte             `json:"boxPriv"`
}

// NewMasterKey creates a MasterKey active from ts.
func NewMasterKey(ts int64) (*MasterKey, error) {
	signPub, signPriv, err := primitives.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	boxPub, boxPriv, err := primitives.GenerateBoxKey()
	if err != nil {
		return nil, err
	}

	m := &MasterKey{
		MasterKeyPublic: MasterKeyPublic{
			SignPub:   signPub,
			BoxPub:    boxPub[:],
			Timestamp: ts,
		},
		SignPriv: signPriv,
		BoxPriv:  boxPriv[:],
	}
	m.SelfSig = primitives.Sign(signPriv, masterSigData(m.SignPub, m.BoxPub, ts))
	return m, nil
}

// Public returns the shareable half.
func (m *MasterKey) Public() MasterKeyPublic {
	return m.MasterKeyPublic
}

// Sign signs msg with the master signing key.
func (m *MasterKey) Sign(msg []byte) ([]byte, error) {
	if len(m.SignPriv) == 0 {
		return nil, ErrWiped
	}
	return primitives.Sign(m.SignPriv, msg), nil
}

// Wipe zeroes the private halves.
func (m *MasterKey) Wipe() {
	primitives.Wipe(m.SignPriv)
	primitives.Wipe(m.BoxPriv)
	m.SignPriv = nil
	m.BoxPriv = nil
}

// IdentityKeyPublic is the shareable half of an IdentityKey.
type IdentityKeyPublic struct {
	Pub           ed25519.PublicKey `json:"pub"`
	Timestamp     int64             `json:"timestamp"`
	KeyExpiration int64             `json:"keyExpiration"`
	MasterHash    string            `json:"masterHash"`
	MasterSig     []byte            `json:"masterSig"`
}

// Hash identifies the identity key.
func (i IdentityKeyPublic) Hash() string {
	return primitives.Hash(i.Pub)
}

// VerifyAgainst checks that master certified this identity key.
func (i IdentityKeyPublic) VerifyAgainst(master MasterKeyPublic) error {
	if len(i.Pub) != ed25519.PublicKeySize {
		return ErrMalformedKey
	}
	if i.MasterHash != master.Hash() {
		return ErrMasterMismatch
	}
	if i.Timestamp < master.Timestamp {
		return ErrTimestampOrder
	}
	if !primitives.Verify(master.SignPub, identityCertData(i.Pub, i.Timestamp, i.KeyExpiration), i.MasterSig) {
		return ErrInvalidCert
	}
	return nil
}

// ValidAt reports whether t lies inside the key's validity window.
func (i IdentityKeyPublic) ValidAt(t int64) bool {
	return t >= i.Timestamp && t <= i.KeyExpiration
}

// VerifySignature checks a signature made by this identity key.
func (i IdentityKeyPublic) VerifySignature(msg, sig []byte) bool {
	return primitives.Verify(i.Pub, msg, sig)
}

// IdentityKey authenticates messages.
type IdentityKey struct {
	IdentityKeyPublic
	Priv ed25519.PrivateKey `json:"priv"`
}

// IssueIdentityKey creates an identity key certified by master.
func IssueIdentityKey(master *MasterKey, ts, expiration int64) (*IdentityKey, error) {
	if ts < master.Timestamp {
		return nil, ErrTimestampOrder
	}
	if expiration <= ts {
		return nil, fmt.Errorf("%w: expiration %d not after %d", ErrExpired, expiration, ts)
	}
	pub, priv, err := primitives.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	sig, err := master.Sign(identityCertData(pub, ts, expiration))
	if err != nil {
		return nil, err
	}
	return &IdentityKey{
		IdentityKeyPublic: IdentityKeyPublic{
			Pub:           pub,
			Timestamp:     ts,
			KeyExpiration: expiration,
			MasterHash:    master.Hash(),
			MasterSig:     sig,
		},
		Priv: priv,
	}, nil
}

// Public returns the shareable half.
func (k *IdentityKey) Public() IdentityKeyPublic {
	return k.IdentityKeyPublic
}

// Sign signs msg.
func (k *IdentityKey) Sign(msg []byte) ([]byte, error) {
	if len(k.Priv) == 0 {
		return nil, ErrWiped
	}
	return primitives.Sign(k.Priv, msg), nil
}

// Wipe zeroes the private half.
func (k *IdentityKey) Wipe() {
	primitives.Wipe(k.Priv)
	k.Priv = nil
}

// AccountKeyPublic is the shareable half of an AccountKey.
type AccountKeyPublic struct {
	Pub          []byte `json:"pub"`
	Timestamp    int64  `json:"timestamp"`
	IdentityHash string `json:"identityHash"`
	IdentitySig  []byte `json:"identitySig"`
}

// Hash identifies the account key.
func (a AccountKeyPublic) Hash() string {
	return primitives.Hash(a.Pub)
}

// BoxKey returns the public key as a box key.
func (a AccountKeyPublic) BoxKey() (*[primitives.BoxKeySize]byte, error) {
	k, err := primitives.BoxKey(a.Pub)
	if err != nil {
		return nil, ErrMalformedKey
	}
	return k, nil
}

// VerifyAgainst checks the attestation by identity.
func (a AccountKeyPublic) VerifyAgainst(identity IdentityKeyPublic) error {
	if len(a.Pub) != primitives.BoxKeySize {
		return ErrMalformedKey
	}
	if a.IdentityHash != identity.Hash() {
		return ErrInvalidAttestation
	}
	if !identity.VerifySignature(accountAttestData(a.Pub, a.Timestamp), a.IdentitySig) {
		return ErrInvalidAttestation
	}
	return nil
}

// AccountKey is the addressing target for RoomKey distribution.
type AccountKey struct {
	AccountKeyPublic
	Priv []byte `json:"priv"`
}

// IssueAccountKey creates an account key attested by identity.
func IssueAccountKey(identity *IdentityKey, ts int64) (*AccountKey, error) {
	pub, priv, err := primitives.GenerateBoxKey()
	if err != nil {
		return nil, err
	}
	sig, err := identity.Sign(accountAttestData(pub[:], ts))
	if err != nil {
		return nil, err
	}
	return &AccountKey{
		AccountKeyPublic: AccountKeyPublic{
			Pub:          pub[:],
			Timestamp:    ts,
			IdentityHash: identity.Hash(),
			IdentitySig:  sig,
		},
		Priv: priv[:],
	}, nil
}

// Public returns the shareable half.
func (a *AccountKey) Public() AccountKeyPublic {
	return a.AccountKeyPublic
}

// Open decrypts a ciphertext sealed to this account key.
func (a *AccountKey) Open(sealed []byte) ([]byte, error) {
	if len(a.Priv) == 0 {
		return nil, ErrWiped
	}
	pub, err := primitives.BoxKey(a.Pub)
	if err != nil {
		return nil, ErrMalformedKey
	}
	priv, err := primitives.BoxKey(a.Priv)
	if err != nil {
		return nil, ErrMalformedKey
	}
	defer primitives.WipeArray(priv)
	return primitives.OpenWith(pub, priv, sealed)
}

// Wipe zeroes the private half.
func (a *AccountKey) Wipe() {
	primitives.Wipe(a.Priv)
	a.Priv = nil
}

// RoomKey is the symmetric key of one conversation.
type RoomKey struct {
	Key                 []byte   `json:"key"`
	HashHex             string   `json:"hashHex"`
	Timestamp           int64    `json:"timestamp"`
	ConversationID      string   `json:"conversationId"`
	OwnerUserID         string   `json:"ownerUserId"`
	Recipients          []string `json:"recipients,omitempty"`
	CreatorIdentityHash string   `json:"creatorIdentityHash"`
	CreatorSig          []byte   `json:"creatorSig"`
}

// RoomKeyHash returns the public identifier of a room key.
func RoomKeyHash(key []byte) string {
	return primitives.Hash([]byte(RoomKeyDomain), key)
}

// NewRoomKey creates a room key signed by identity.
func NewRoomKey(identity *IdentityKey, conversationID, owner string, ts int64) (*RoomKey, error) {
	key, err := primitives.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	r := &RoomKey{
		Key:                 key,
		HashHex:             RoomKeyHash(key),
		Timestamp:           ts,
		ConversationID:      conversationID,
		OwnerUserID:         owner,
		CreatorIdentityHash: identity.Hash(),
	}
	sig, err := identity.Sign(roomKeySigData(r.HashHex, conversationID, ts))
	if err != nil {
		primitives.Wipe(key)
		return nil, err
	}
	r.CreatorSig = sig
	return r, nil
}

// VerifyCreator checks the room key was created by identity and that the
// key bytes match the advertised hash.
func (r *RoomKey) VerifyCreator(identity IdentityKeyPublic) error {
	if len(r.Key) != primitives.SymmetricKeySize || RoomKeyHash(r.Key) != r.HashHex {
		return ErrInvalidRoomKey
	}
	if identity.Hash() != r.CreatorIdentityHash {
		return ErrInvalidRoomKey
	}
	if !identity.VerifySignature(roomKeySigData(r.HashHex, r.ConversationID, r.Timestamp), r.CreatorSig) {
		return ErrInvalidRoomKey
	}
	return nil
}

// Covers reports whether the key was distributed to every account hash.
func (r *RoomKey) Covers(accountHashes []string) bool {
	have := make(map[string]struct{}, len(r.Recipients))
	for _, h := range r.Recipients {
		have[h] = struct{}{}
	}
	for _, h := range accountHashes {
		if _, ok := have[h]; !ok {
			return false
		}
	}
	return true
}

// Wipe zeroes the key bytes.
func (r *RoomKey) Wipe() {
	primitives.Wipe(r.Key)
	r.Key = nil
}

// Fingerprint renders the first 8 bytes of a hex hash in groups of four.
func Fingerprint(hashHex string) string {
	raw, err := hex.DecodeString(hashHex)
	if err != nil || len(raw) < 8 {
		return hashHex
	}
	s := hex.EncodeToString(raw[:8])
	return s[0:4] + " " + s[4:8] + " " + s[8:12] + " " + s[12:16]
}

// SortNewestFirst orders items by timestamp descending, then by hash
// descending. It is the single tie-break rule for "latest key" queries.
func SortNewestFirst[T any](items []T, ts func(T) int64, hash func(T) string) {
	sort.SliceStable(items, func(a, b int) bool {
		ta, tb := ts(items[a]), ts(items[b])
		if ta != tb {
			return ta > tb
		}
		return hash(items[a]) > hash(items[b])
	})
}

func masterSigData(signPub, boxPub []byte, ts int64) []byte {
	data := make([]byte, 0, len(MasterDomain)+len(signPub)+len(boxPub)+8)
	data = append(data, MasterDomain...)
	data = append(data, signPub...)
	data = append(data, boxPub...)
	return binary.BigEndian.AppendUint64(data, uint64(ts))
}

func identityCertData(pub []byte, ts, expiration int64) []byte {
	data := make([]byte, 0, len(IdentityDomain)+len(pub)+16)
	data = append(data, IdentityDomain...)
	data = append(data, pub...)
	data = binary.BigEndian.AppendUint64(data, uint64(ts))
	return binary.BigEndian.AppendUint64(data, uint64(expiration))
}

func accountAttestData(pub []byte, ts int64) []byte {
	data := make([]byte, 0, len(AccountDomain)+len(pub)+8)
	data = append(data, AccountDomain...)
	data = append(data, pub...)
	return binary.BigEndian.AppendUint64(data, uint64(ts))
}

func roomKeySigData(hashHex, conversationID string, ts int64) []byte {
	data := make([]byte, 0, len(RoomKeyDomain)+len(hashHex)+len(conversationID)+9)
	data = append(data, RoomKeyDomain...)
	data = append(data, hashHex...)
	data = append(data, 0)
	data = append(data, conversationID...)
	return binary.BigEndian.AppendUint64(data, uint64(ts))
}
