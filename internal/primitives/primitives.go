// Package primitives is the cryptographic primitive library used by the key
// hierarchy. It exposes typed operations per key kind:
//   - signing keys: ed25519
//   - encryption keys: X25519 anonymous boxes (nacl/box)
//   - symmetric keys: XChaCha20-Poly1305 with a random 24-byte nonce prefix
//   - hashing: SHA-256, hex encoded
//
// Nothing in this package stores key material; callers own wiping.
package primitives

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

// Sizes.
const (
	SymmetricKeySize = chacha20poly1305.KeySize
	BoxKeySize       = 32
	NonceSize        = chacha20poly1305.NonceSizeX
	HashSize         = sha256.Size
)

// Errors
var (
	ErrInvalidKeySize   = errors.New("primitives: invalid key size")
	ErrCiphertextShort  = errors.New("primitives: ciphertext too short")
	ErrOpenFailed       = errors.New("primitives: authentication failed")
	ErrInsufficientRand = errors.New("primitives: insufficient entropy")
)

// Random returns n cryptographically secure random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientRand, err)
	}
	return b, nil
}

// --- signing keys ---

// GenerateSigningKey creates a fresh ed25519 keypair.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing key: %w", err)
	}
	return pub, priv, nil
}

// SigningKeyFromSeed deterministically derives an ed25519 keypair.
func SigningKeyFromSeed(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes", ErrInvalidKeySize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Sign signs msg with priv.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg by pub.
// Malformed keys and signatures verify as false.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// --- encryption keys ---

// GenerateBoxKey creates a fresh X25519 keypair.
func GenerateBoxKey() (pub, priv *[BoxKeySize]byte, err error) {
	pub, priv, err = box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate box key: %w", err)
	}
	return pub, priv, nil
}

// BoxKeyFromSeed derives an X25519 keypair from a 32-byte seed.
func BoxKeyFromSeed(seed []byte) (pub, priv *[BoxKeySize]byte, err error) {
	if len(seed) != BoxKeySize {
		return nil, nil, fmt.Errorf("%w: seed is %d bytes", ErrInvalidKeySize, len(seed))
	}
	h := sha256.Sum256(seed)
	pub, priv, err = box.GenerateKey(bytesReader(h[:]))
	if err != nil {
		return nil, nil, fmt.Errorf("derive box key: %w", err)
	}
	Wipe(h[:])
	return pub, priv, nil
}

// BoxKey converts a byte slice into a fixed-size box key.
func BoxKey(b []byte) (*[BoxKeySize]byte, error) {
	if len(b) != BoxKeySize {
		return nil, fmt.Errorf("%w: box key is %d bytes", ErrInvalidKeySize, len(b))
	}
	var k [BoxKeySize]byte
	copy(k[:], b)
	return &k, nil
}

// SealTo encrypts msg so that only the holder of pub's private half can open it.
func SealTo(pub *[BoxKeySize]byte, msg []byte) ([]byte, error) {
	if pub == nil {
		return nil, ErrInvalidKeySize
	}
	out, err := box.SealAnonymous(nil, msg, pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return out, nil
}

// OpenWith decrypts a SealTo ciphertext.
func OpenWith(pub, priv *[BoxKeySize]byte, sealed []byte) ([]byte, error) {
	if pub == nil || priv == nil {
		return nil, ErrInvalidKeySize
	}
	if len(sealed) < box.AnonymousOverhead {
		return nil, ErrCiphertextShort
	}
	out, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// --- symmetric keys ---

// GenerateSymmetricKey creates a random 256-bit key.
func GenerateSymmetricKey() ([]byte, error) {
	return Random(SymmetricKeySize)
}

// Encrypt seals plaintext under key. The output is nonce ‖ ciphertext.
func Encrypt(key, plaintext, additionalData []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidKeySize, SymmetricKeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	nonce, err := Random(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Decrypt opens an Encrypt output.
func Decrypt(key, sealed, additionalData []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidKeySize, SymmetricKeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextShort
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

// --- hashing and derivation ---

// Hash returns the hex SHA-256 of the concatenation of parts.
func Hash(parts ...[]byte) string {
	return hex.EncodeToString(HashBytes(parts...))
}

// HashBytes returns the raw SHA-256 of the concatenation of parts.
func HashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// DeriveKey expands secret into size bytes with HKDF-SHA256.
func DeriveKey(secret, salt []byte, info string, size int) ([]byte, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: secret is %d bytes", ErrInvalidKeySize, len(secret))
	}
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// StretchPassphrase derives a 32-byte key from a passphrase with argon2id.
func StretchPassphrase(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 3, 32*1024, 4, 32)
}

// Equal compares two byte slices in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

type fixedReader struct {
	b []byte
}

func bytesReader(b []byte) io.Reader {
	return &fixedReader{b: b}
}

func (r *fixedReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
