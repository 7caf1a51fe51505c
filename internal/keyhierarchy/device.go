package keyhierarchy

// This file binds the DeviceKey to the local device. The seed file never
// leaves the machine; the DeviceKey is re-derived from it at every start
// and only its public half is ever persisted.

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"sealchat/internal/primitives"
)

const (
	DeviceDomain   = "sealchat-device-v1"
	deviceSeedSize = 32
)

// Errors for device seed operations
var (
	ErrDeviceSeedInit = errors.New("keyhierarchy: failed to initialize device seed")
)

// SeedProvider supplies the device-bound secret the DeviceKey is derived from.
type SeedProvider interface {
	Seed() ([]byte, error)
	DeviceID() string
}

// FileSeed is a SeedProvider backed by a 0600 seed file.
type FileSeed struct {
	mu       sync.Mutex
	deviceID string
	seed     []byte
	seedPath string
}

// NewFileSeed loads the seed at path, creating it on first use.
func NewFileSeed(path string) (*FileSeed, error) {
	s := &FileSeed{seedPath: path}
	if err := s.loadOrCreate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceSeedInit, err)
	}
	return s, nil
}

func (s *FileSeed) loadOrCreate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.seedPath), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if data, err := os.ReadFile(s.seedPath); err == nil && len(data) == deviceSeedSize {
		s.seed = data
		s.deviceID = deviceIDFromSeed(data)
		return nil
	}

	seed, err := generateDeviceSeed()
	if err != nil {
		return err
	}

	tmp := s.seedPath + ".tmp"
	if err := os.WriteFile(tmp, seed, 0600); err != nil {
		return fmt.Errorf("write seed: %w", err)
	}
	if err := os.Rename(tmp, s.seedPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save seed: %w", err)
	}

	s.seed = seed
	s.deviceID = deviceIDFromSeed(seed)
	return nil
}

// Seed returns a copy of the seed. Callers wipe it.
func (s *FileSeed) Seed() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seed) == 0 {
		return nil, ErrDeviceSeedInit
	}
	out := make([]byte, len(s.seed))
	copy(out, s.seed)
	return out, nil
}

// DeviceID returns a short identifier derived from the seed.
func (s *FileSeed) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Path returns the seed file location.
func (s *FileSeed) Path() string {
	return s.seedPath
}

// StaticSeed is an in-memory SeedProvider for ephemeral sessions and tests.
type StaticSeed struct {
	id   string
	seed []byte
}

// NewStaticSeed wraps seed. A nil seed draws a random one.
func NewStaticSeed(seed []byte) (*StaticSeed, error) {
	if seed == nil {
		var err error
		if seed, err = primitives.Random(deviceSeedSize); err != nil {
			return nil, err
		}
	}
	if len(seed) != deviceSeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrDeviceSeedInit, deviceSeedSize)
	}
	return &StaticSeed{id: deviceIDFromSeed(seed), seed: append([]byte(nil), seed...)}, nil
}

func (s *StaticSeed) Seed() ([]byte, error) { return append([]byte(nil), s.seed...), nil }
func (s *StaticSeed) DeviceID() string      { return s.id }

// generateDeviceSeed mixes system characteristics into fresh randomness.
// Only the random part carries security; the rest helps uniqueness.
func generateDeviceSeed() ([]byte, error) {
	h := sha256.New()

	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("random generation failed: %w", err)
	}
	h.Write(random)
	primitives.Wipe(random)

	h.Write([]byte(DeviceDomain))
	hostname, _ := os.Hostname()
	h.Write([]byte(hostname))
	h.Write([]byte(runtime.GOOS + "/" + runtime.GOARCH))
	h.Write([]byte(time.Now().Format(time.RFC3339Nano)))

	return h.Sum(nil), nil
}

func deviceIDFromSeed(seed []byte) string {
	h := sha256.Sum256(seed)
	return "dev-" + hex.EncodeToString(h[:4])
}

// DeviceKey wraps all other private key material for at-rest storage.
type DeviceKey struct {
	DeviceID string
	Pub      *[primitives.BoxKeySize]byte
	priv     *primitives.Secret
	wrap     *primitives.Secret
}

// DeriveDeviceKey derives the DeviceKey from the device seed. An optional
// passphrase is stretched with argon2id and mixed in, so a copied seed
// file alone does not unlock the store.
func DeriveDeviceKey(p SeedProvider, passphrase []byte) (*DeviceKey, error) {
	seed, err := p.Seed()
	if err != nil {
		return nil, fmt.Errorf("device seed: %w", err)
	}
	defer primitives.Wipe(seed)

	var salt []byte
	if len(passphrase) > 0 {
		stretched := primitives.StretchPassphrase(passphrase, []byte(DeviceDomain+p.DeviceID()))
		defer primitives.Wipe(stretched)
		salt = stretched
	}

	privSeed, err := primitives.DeriveKey(seed, salt, DeviceDomain+"-keypair", primitives.BoxKeySize)
	if err != nil {
		return nil, fmt.Errorf("derive device keypair: %w", err)
	}
	defer primitives.Wipe(privSeed)

	pub, priv, err := primitives.BoxKeyFromSeed(privSeed)
	if err != nil {
		return nil, err
	}
	defer primitives.WipeArray(priv)

	wrap, err := primitives.DeriveKey(priv[:], nil, DeviceDomain+"-wrap", primitives.SymmetricKeySize)
	if err != nil {
		return nil, fmt.Errorf("derive wrapping key: %w", err)
	}

	return &DeviceKey{
		DeviceID: p.DeviceID(),
		Pub:      pub,
		priv:     primitives.NewSecret(priv[:]),
		wrap:     primitives.NewSecret(wrap),
	}, nil
}

// NewEphemeralDeviceKey derives a DeviceKey from a random in-memory seed.
// Used by sessions that must not outlive the process.
func NewEphemeralDeviceKey() (*DeviceKey, error) {
	seed, err := NewStaticSeed(nil)
	if err != nil {
		return nil, err
	}
	return DeriveDeviceKey(seed, nil)
}

// Hash identifies the device key by its public half.
func (d *DeviceKey) Hash() string {
	return primitives.Hash(d.Pub[:])
}

// WrappingKey returns the symmetric key used to wrap secrets at rest.
func (d *DeviceKey) WrappingKey() ([]byte, error) {
	if d == nil || d.wrap == nil || d.wrap.Destroyed() {
		return nil, ErrWiped
	}
	return d.wrap.Bytes(), nil
}

// Wipe destroys the private material.
func (d *DeviceKey) Wipe() {
	if d.priv != nil {
		d.priv.Destroy()
	}
	if d.wrap != nil {
		d.wrap.Destroy()
	}
}
