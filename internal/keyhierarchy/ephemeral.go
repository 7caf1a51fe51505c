package keyhierarchy

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"sealchat/internal/primitives"
)

// KeyShareKeyPublic announces a session's share key, certified by the
// account MasterKey.
type KeyShareKeyPublic struct {
	BoxPub     []byte            `json:"boxPub"`
	SignPub    ed25519.PublicKey `json:"signPub"`
	SessionID  string            `json:"sessionId"`
	MasterHash string            `json:"masterHash"`
	MasterSig  []byte            `json:"masterSig"`
}

// Hash identifies the share key.
func (k KeyShareKeyPublic) Hash() string {
	return primitives.Hash(k.BoxPub)
}

// VerifyAgainst checks the MasterKey certification.
func (k KeyShareKeyPublic) VerifyAgainst(master MasterKeyPublic) error {
	if len(k.BoxPub) != primitives.BoxKeySize || len(k.SignPub) != ed25519.PublicKeySize {
		return ErrMalformedKey
	}
	if k.MasterHash != master.Hash() {
		return ErrMasterMismatch
	}
	if !primitives.Verify(master.SignPub, shareKeyCertData(k.BoxPub, k.SignPub, k.SessionID), k.MasterSig) {
		return ErrInvalidCert
	}
	return nil
}

// KeyShareKey receives rotated AccountKeys for one session.
type KeyShareKey struct {
	KeyShareKeyPublic
	BoxPriv  []byte             `json:"boxPriv"`
	SignPriv ed25519.PrivateKey `json:"signPriv"`
}

// NewKeyShareKey creates a share key pair for sessionID certified by master.
func NewKeyShareKey(master *MasterKey, sessionID string) (*KeyShareKey, error) {
	boxPub, boxPriv, err := primitives.GenerateBoxKey()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := primitives.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	sig, err := master.Sign(shareKeyCertData(boxPub[:], signPub, sessionID))
	if err != nil {
		return nil, err
	}
	return &KeyShareKey{
		KeyShareKeyPublic: KeyShareKeyPublic{
			BoxPub:     boxPub[:],
			SignPub:    signPub,
			SessionID:  sessionID,
			MasterHash: master.Hash(),
			MasterSig:  sig,
		},
		BoxPriv:  boxPriv[:],
		SignPriv: signPriv,
	}, nil
}

// Public returns the shareable half.
func (k *KeyShareKey) Public() KeyShareKeyPublic {
	return k.KeyShareKeyPublic
}

// Open decrypts a ciphertext sealed to this share key.
func (k *KeyShareKey) Open(sealed []byte) ([]byte, error) {
	if len(k.BoxPriv) == 0 {
		return nil, ErrWiped
	}
	pub, err := primitives.BoxKey(k.BoxPub)
	if err != nil {
		return nil, ErrMalformedKey
	}
	priv, err := primitives.BoxKey(k.BoxPriv)
	if err != nil {
		return nil, ErrMalformedKey
	}
	defer primitives.WipeArray(priv)
	return primitives.OpenWith(pub, priv, sealed)
}

// Wipe zeroes the private halves.
func (k *KeyShareKey) Wipe() {
	primitives.Wipe(k.BoxPriv)
	primitives.Wipe(k.SignPriv)
	k.BoxPriv = nil
	k.SignPriv = nil
}

// MigrateKey is the single-use encryption key generated by the session
// receiving a migration.
type MigrateKey struct {
	Pub  *[primitives.BoxKeySize]byte
	priv *[primitives.BoxKeySize]byte
}

// NewMigrateKey creates a fresh migrate key.
func NewMigrateKey() (*MigrateKey, error) {
	pub, priv, err := primitives.GenerateBoxKey()
	if err != nil {
		return nil, err
	}
	return &MigrateKey{Pub: pub, priv: priv}, nil
}

// Open decrypts a bundle sealed to this key.
func (k *MigrateKey) Open(sealed []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, ErrWiped
	}
	return primitives.OpenWith(k.Pub, k.priv, sealed)
}

// Wiped reports whether the private half is gone.
func (k *MigrateKey) Wiped() bool { return k.priv == nil }

// Wipe discards the private half. The key can never be used again.
func (k *MigrateKey) Wipe() {
	primitives.WipeArray(k.priv)
	k.priv = nil
}

// MigrateSignKey is the single-use signing key generated by the session
// sending a migration.
type MigrateSignKey struct {
	Pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMigrateSignKey creates a fresh migrate sign key.
func NewMigrateSignKey() (*MigrateSignKey, error) {
	pub, priv, err := primitives.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	return &MigrateSignKey{Pub: pub, priv: priv}, nil
}

// Sign signs msg.
func (k *MigrateSignKey) Sign(msg []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, ErrWiped
	}
	return primitives.Sign(k.priv, msg), nil
}

// Wiped reports whether the private half is gone.
func (k *MigrateSignKey) Wiped() bool { return k.priv == nil }

// Wipe discards the private half.
func (k *MigrateSignKey) Wipe() {
	primitives.Wipe(k.priv)
	k.priv = nil
}

// VerificationCode derives the human-comparable code shown on both sides
// of a migration: SHA-256(migrateKeyPub ‖ migrateSignKeyPub) rendered as
// three groups of four decimal digits.
func VerificationCode(migrateKeyPub, migrateSignKeyPub []byte) string {
	sum := primitives.HashBytes(migrateKeyPub, migrateSignKeyPub)
	groups := make([]uint32, 3)
	for i := range groups {
		groups[i] = binary.BigEndian.Uint32(sum[i*4:]) % 10000
	}
	return fmt.Sprintf("%04d-%04d-%04d", groups[0], groups[1], groups[2])
}

func shareKeyCertData(boxPub, signPub []byte, sessionID string) []byte {
	data := make([]byte, 0, len(ShareKeyDomain)+len(boxPub)+len(signPub)+len(sessionID))
	data = append(data, ShareKeyDomain...)
	data = append(data, boxPub...)
	data = append(data, signPub...)
	return append(data, sessionID...)
}
