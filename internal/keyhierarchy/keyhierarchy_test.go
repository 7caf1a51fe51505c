package keyhierarchy

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- MasterKey ---

func TestMasterKey_SelfSignature(t *testing.T) {
	m, err := NewMasterKey(100)
	require.NoError(t, err)

	pub := m.Public()
	require.NoError(t, pub.Verify())
	assert.Len(t, pub.Hash(), 64)
	assert.Len(t, pub.Fingerprint(), 19)

	// Changing the timestamp invalidates the self-signature.
	forged := pub
	forged.Timestamp = 50
	assert.ErrorIs(t, forged.Verify(), ErrInvalidSelfSig)

	// The hash does not depend on the timestamp.
	assert.Equal(t, pub.Hash(), forged.Hash())

	forged = pub
	forged.BoxPub = forged.BoxPub[:4]
	assert.ErrorIs(t, forged.Verify(), ErrMalformedKey)
}

func TestMasterKey_Wipe(t *testing.T) {
	m, err := NewMasterKey(1)
	require.NoError(t, err)
	m.Wipe()

	_, err = m.Sign([]byte("x"))
	assert.ErrorIs(t, err, ErrWiped)
	_, err = IssueIdentityKey(m, 2, 3)
	assert.ErrorIs(t, err, ErrWiped)
}

// --- IdentityKey ---

func TestIdentityKey_SignedByMaster(t *testing.T) {
	m, err := NewMasterKey(100)
	require.NoError(t, err)

	id, err := IssueIdentityKey(m, 110, 200)
	require.NoError(t, err)
	require.NoError(t, id.Public().VerifyAgainst(m.Public()))

	for i := range id.MasterSig {
		bad := id.Public()
		bad.MasterSig = bytes.Clone(id.MasterSig)
		bad.MasterSig[i] ^= 0x80
		assert.ErrorIs(t, bad.VerifyAgainst(m.Public()), ErrInvalidCert, "byte %d", i)
	}
}

func TestIdentityKey_WrongMaster(t *testing.T) {
	m1, err := NewMasterKey(100)
	require.NoError(t, err)
	m2, err := NewMasterKey(100)
	require.NoError(t, err)

	id, err := IssueIdentityKey(m1, 110, 200)
	require.NoError(t, err)
	assert.ErrorIs(t, id.Public().VerifyAgainst(m2.Public()), ErrMasterMismatch)
}

func TestIdentityKey_TimestampRules(t *testing.T) {
	m, err := NewMasterKey(100)
	require.NoError(t, err)

	_, err = IssueIdentityKey(m, 90, 200)
	assert.ErrorIs(t, err, ErrTimestampOrder)

	_, err = IssueIdentityKey(m, 150, 150)
	assert.ErrorIs(t, err, ErrExpired)

	id, err := IssueIdentityKey(m, 110, 200)
	require.NoError(t, err)
	assert.False(t, id.ValidAt(109))
	assert.True(t, id.ValidAt(110))
	assert.True(t, id.ValidAt(200))
	assert.False(t, id.ValidAt(201))
}

// --- AccountKey ---

func TestAccountKey_Attestation(t *testing.T) {
	m, err := NewMasterKey(100)
	require.NoError(t, err)
	id, err := IssueIdentityKey(m, 110, 200)
	require.NoError(t, err)
	other, err := IssueIdentityKey(m, 110, 200)
	require.NoError(t, err)

	acct, err := IssueAccountKey(id, 110)
	require.NoError(t, err)
	require.NoError(t, acct.Public().VerifyAgainst(id.Public()))
	assert.ErrorIs(t, acct.Public().VerifyAgainst(other.Public()), ErrInvalidAttestation)

	tampered := acct.Public()
	tampered.Timestamp++
	assert.ErrorIs(t, tampered.VerifyAgainst(id.Public()), ErrInvalidAttestation)
}

// --- RoomKey ---

func TestRoomKey_CreatorSignature(t *testing.T) {
	m, err := NewMasterKey(100)
	require.NoError(t, err)
	id, err := IssueIdentityKey(m, 110, 200)
	require.NoError(t, err)

	r, err := NewRoomKey(id, "conv-1", "alice@x", 120)
	require.NoError(t, err)
	assert.Equal(t, RoomKeyHash(r.Key), r.HashHex)
	require.NoError(t, r.VerifyCreator(id.Public()))

	moved := *r
	moved.ConversationID = "conv-2"
	assert.ErrorIs(t, moved.VerifyCreator(id.Public()), ErrInvalidRoomKey)

	swapped := *r
	swapped.Key = bytes.Repeat([]byte{1}, 32)
	assert.ErrorIs(t, swapped.VerifyCreator(id.Public()), ErrInvalidRoomKey)
}

func TestRoomKey_Covers(t *testing.T) {
	r := &RoomKey{Recipients: []string{"a", "b"}}
	assert.True(t, r.Covers([]string{"a"}))
	assert.True(t, r.Covers([]string{"b", "a"}))
	assert.False(t, r.Covers([]string{"a", "c"}))
	assert.True(t, r.Covers(nil))
}

// --- Ephemeral keys ---

func TestKeyShareKey_Certification(t *testing.T) {
	m, err := NewMasterKey(100)
	require.NoError(t, err)
	k, err := NewKeyShareKey(m, "session-1")
	require.NoError(t, err)
	require.NoError(t, k.Public().VerifyAgainst(m.Public()))

	moved := k.Public()
	moved.SessionID = "session-2"
	assert.ErrorIs(t, moved.VerifyAgainst(m.Public()), ErrInvalidCert)
}

func TestMigrateKeys_SingleUse(t *testing.T) {
	mk, err := NewMigrateKey()
	require.NoError(t, err)
	sk, err := NewMigrateSignKey()
	require.NoError(t, err)

	mk.Wipe()
	sk.Wipe()
	assert.True(t, mk.Wiped())
	assert.True(t, sk.Wiped())

	_, err = mk.Open([]byte("anything-long-enough-to-be-a-box-ciphertext-0123456789"))
	assert.ErrorIs(t, err, ErrWiped)
	_, err = sk.Sign([]byte("x"))
	assert.ErrorIs(t, err, ErrWiped)
}

func TestVerificationCode(t *testing.T) {
	a := bytes.Repeat([]byte{1}, 32)
	b := bytes.Repeat([]byte{2}, 32)

	code := VerificationCode(a, b)
	assert.Regexp(t, regexp.MustCompile(`^\d{4}-\d{4}-\d{4}$`), code)
	assert.Equal(t, code, VerificationCode(a, b))
	assert.NotEqual(t, code, VerificationCode(b, a))
}

func TestSortNewestFirst(t *testing.T) {
	type item struct {
		ts   int64
		hash string
	}
	items := []item{{1, "a"}, {3, "a"}, {3, "c"}, {2, "z"}}
	SortNewestFirst(items, func(i item) int64 { return i.ts }, func(i item) string { return i.hash })
	assert.Equal(t, []item{{3, "c"}, {3, "a"}, {2, "z"}, {1, "a"}}, items)
}

// --- DeviceKey ---

func TestFileSeed_Persistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev", "seed")

	s1, err := NewFileSeed(path)
	require.NoError(t, err)
	s2, err := NewFileSeed(path)
	require.NoError(t, err)
	assert.Equal(t, s1.DeviceID(), s2.DeviceID())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	d1, err := DeriveDeviceKey(s1, nil)
	require.NoError(t, err)
	d2, err := DeriveDeviceKey(s2, nil)
	require.NoError(t, err)
	assert.Equal(t, d1.Hash(), d2.Hash())
}

func TestDeriveDeviceKey_Passphrase(t *testing.T) {
	seed, err := NewStaticSeed(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	plain, err := DeriveDeviceKey(seed, nil)
	require.NoError(t, err)
	withPass, err := DeriveDeviceKey(seed, []byte("correct horse"))
	require.NoError(t, err)
	assert.NotEqual(t, plain.Hash(), withPass.Hash())

	w1, err := plain.WrappingKey()
	require.NoError(t, err)
	assert.Len(t, w1, 32)

	plain.Wipe()
	_, err = plain.WrappingKey()
	assert.ErrorIs(t, err, ErrWiped)
}

func TestNewStaticSeed_BadLength(t *testing.T) {
	_, err := NewStaticSeed([]byte("short"))
	assert.ErrorIs(t, err, ErrDeviceSeedInit)
}
