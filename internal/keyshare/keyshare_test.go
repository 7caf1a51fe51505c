package keyshare

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/logging"
	"sealchat/internal/protoerr"
	"sealchat/internal/store"
)

type accountKeys struct {
	master   *keyhierarchy.MasterKey
	identity *keyhierarchy.IdentityKey
}

func (k *accountKeys) Master(context.Context) (*keyhierarchy.MasterKey, error) { return k.master, nil }

func (k *accountKeys) Identities(context.Context) ([]keyhierarchy.IdentityKeyPublic, error) {
	return []keyhierarchy.IdentityKeyPublic{k.identity.Public()}, nil
}

type outbox struct {
	sent []Share
	err  error
}

func (o *outbox) SendShares(_ context.Context, shares []Share) error {
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, shares...)
	return nil
}

func newAccount(t *testing.T) *accountKeys {
	t.Helper()
	m, err := keyhierarchy.NewMasterKey(100)
	require.NoError(t, err)
	ik, err := keyhierarchy.IssueIdentityKey(m, 100, 1<<62)
	require.NoError(t, err)
	return &accountKeys{master: m, identity: ik}
}

func newSession(t *testing.T, keys Keys, id string, tr Transport) (*Coordinator, *store.KeyStore) {
	t.Helper()
	s, err := store.NewInMemory(context.Background(), store.WithLogger(logging.Discard()))
	require.NoError(t, err)
	c, err := New(Config{Store: s, Keys: keys, SessionID: id, Transport: tr, Logger: logging.Discard()})
	require.NoError(t, err)
	return c, s
}

func TestEnsureShareKey_Stable(t *testing.T) {
	ctx := context.Background()
	acct := newAccount(t)
	c, s := newSession(t, acct, "session-a", nil)

	first, err := c.EnsureShareKey(ctx)
	require.NoError(t, err)
	second, err := c.EnsureShareKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Hash(), second.Hash())

	recs, err := s.GetAllOfKind(ctx, store.KindShareKeys)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	ann, err := c.Announcement(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session-a", ann.SessionID)
	assert.NoError(t, VerifyAnnouncement(ann, acct.master.Public()))

	other := newAccount(t)
	err = VerifyAnnouncement(ann, other.master.Public())
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonInvalidAttestation})

	_, err = New(Config{Store: s, Keys: acct})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestShareAndAccept(t *testing.T) {
	ctx := context.Background()
	acct := newAccount(t)
	out := &outbox{}
	a, _ := newSession(t, acct, "session-a", out)
	b, bStore := newSession(t, acct, "session-b", nil)

	annA, err := a.Announcement(ctx)
	require.NoError(t, err)
	annB, err := b.Announcement(ctx)
	require.NoError(t, err)

	rotated, err := keyhierarchy.IssueAccountKey(acct.identity, 500)
	require.NoError(t, err)

	shares, err := a.SharePendingRotation(ctx, rotated, []keyhierarchy.KeyShareKeyPublic{annA, annB})
	require.NoError(t, err)
	require.Len(t, shares, 1, "own session is skipped")
	assert.Equal(t, annB.Hash(), shares[0].ShareKeyHash)
	assert.Equal(t, rotated.Hash(), shares[0].AccountKeyHash)
	assert.Equal(t, shares, out.sent)

	advanced, err := b.Accept(ctx, shares[0])
	require.NoError(t, err)
	assert.True(t, advanced)

	ptr, err := bStore.GetPointer(ctx, store.KindLatestAccountKeyHash, store.SelfSlot)
	require.NoError(t, err)
	assert.Equal(t, rotated.Hash(), ptr.Hash)

	var stored keyhierarchy.AccountKey
	require.NoError(t, bStore.GetValue(ctx, store.KindAccountKeys, rotated.Hash(), &stored))
	assert.Equal(t, rotated.Priv, stored.Priv)

	// Replays are idempotent and do not advance again.
	advanced, err = b.Accept(ctx, shares[0])
	require.NoError(t, err)
	assert.False(t, advanced)
	recs, err := bStore.GetAllOfKind(ctx, store.KindAccountKeys)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestAccept_OlderKeyDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	acct := newAccount(t)
	a, _ := newSession(t, acct, "session-a", nil)
	b, bStore := newSession(t, acct, "session-b", nil)
	annB, err := b.Announcement(ctx)
	require.NoError(t, err)

	newer, err := keyhierarchy.IssueAccountKey(acct.identity, 900)
	require.NoError(t, err)
	older, err := keyhierarchy.IssueAccountKey(acct.identity, 800)
	require.NoError(t, err)

	for _, k := range []*keyhierarchy.AccountKey{newer, older} {
		shares, err := a.SharePendingRotation(ctx, k, []keyhierarchy.KeyShareKeyPublic{annB})
		require.NoError(t, err)
		_, err = b.Accept(ctx, shares[0])
		require.NoError(t, err)
	}

	ptr, err := bStore.GetPointer(ctx, store.KindLatestAccountKeyHash, store.SelfSlot)
	require.NoError(t, err)
	assert.Equal(t, newer.Hash(), ptr.Hash)

	recs, err := bStore.GetAllOfKind(ctx, store.KindAccountKeys)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestAccept_Rejections(t *testing.T) {
	ctx := context.Background()
	acct := newAccount(t)
	a, _ := newSession(t, acct, "session-a", nil)
	b, _ := newSession(t, acct, "session-b", nil)
	c, _ := newSession(t, acct, "session-c", nil)
	annB, err := b.Announcement(ctx)
	require.NoError(t, err)
	_, err = c.Announcement(ctx)
	require.NoError(t, err)

	rotated, err := keyhierarchy.IssueAccountKey(acct.identity, 500)
	require.NoError(t, err)
	shares, err := a.SharePendingRotation(ctx, rotated, []keyhierarchy.KeyShareKeyPublic{annB})
	require.NoError(t, err)
	share := shares[0]

	t.Run("tampered ciphertext", func(t *testing.T) {
		bad := share
		bad.Ciphertext = append([]byte(nil), share.Ciphertext...)
		bad.Ciphertext[0] ^= 1
		_, err := b.Accept(ctx, bad)
		assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonBadSignature})
	})

	t.Run("addressed to another session", func(t *testing.T) {
		_, err := c.Accept(ctx, share)
		assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonUnknownKey})
	})

	t.Run("signed by another account", func(t *testing.T) {
		stranger := newAccount(t)
		d, _ := newSession(t, stranger, "session-d", nil)
		_, err := d.Accept(ctx, share)
		assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonBadSignature})
	})
}

func TestSharePendingRotation_Failures(t *testing.T) {
	ctx := context.Background()
	acct := newAccount(t)
	stranger := newAccount(t)
	out := &outbox{err: errors.New("relay down")}
	a, _ := newSession(t, acct, "session-a", out)
	b, _ := newSession(t, acct, "session-b", nil)
	x, _ := newSession(t, stranger, "session-x", nil)

	annB, err := b.Announcement(ctx)
	require.NoError(t, err)
	annX, err := x.Announcement(ctx)
	require.NoError(t, err)
	rotated, err := keyhierarchy.IssueAccountKey(acct.identity, 500)
	require.NoError(t, err)

	shares, err := a.SharePendingRotation(ctx, rotated, []keyhierarchy.KeyShareKeyPublic{annB, annX})
	assert.Nil(t, shares)
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonInvalidAttestation})

	_, err = a.SharePendingRotation(ctx, rotated, []keyhierarchy.KeyShareKeyPublic{annB})
	assert.ErrorIs(t, err, protoerr.ErrNetwork)

	shares, err = a.SharePendingRotation(ctx, rotated, nil)
	require.NoError(t, err)
	assert.Empty(t, shares)
}
