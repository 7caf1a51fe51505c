package roomkey

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/logging"
	"sealchat/internal/protoerr"
	"sealchat/internal/store"
)

type user struct {
	id       string
	master   *keyhierarchy.MasterKey
	identity *keyhierarchy.IdentityKey
	accounts []*keyhierarchy.AccountKey
}

func newUser(t *testing.T, id string) *user {
	t.Helper()
	m, err := keyhierarchy.NewMasterKey(100)
	require.NoError(t, err)
	ik, err := keyhierarchy.IssueIdentityKey(m, 110, 1<<62)
	require.NoError(t, err)
	ak, err := keyhierarchy.IssueAccountKey(ik, 110)
	require.NoError(t, err)
	return &user{id: id, master: m, identity: ik, accounts: []*keyhierarchy.AccountKey{ak}}
}

func (u *user) participant() Participant {
	return Participant{UserID: u.id, Identity: u.identity.Public(), AccountKey: u.accounts[len(u.accounts)-1].Public()}
}

func (u *user) Identity(context.Context) (*keyhierarchy.IdentityKey, error) { return u.identity, nil }

func (u *user) AccountKeys(context.Context) ([]*keyhierarchy.AccountKey, error) { return u.accounts, nil }

type members struct {
	mu   sync.Mutex
	list []Participant
}

func (m *members) Participants(context.Context, string) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Participant(nil), m.list...), nil
}

func (m *members) set(ps ...Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = ps
}

// relayStub records published copies and serves them back.
type relayStub struct {
	mu      sync.Mutex
	batches int
	copies  []Copy
	fail    error
}

func (r *relayStub) PublishCopies(_ context.Context, copies []Copy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.batches++
	r.copies = append(r.copies, copies...)
	return nil
}

func (r *relayStub) FetchCopies(_ context.Context, conversationID, hash string) ([]Copy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Copy
	for _, c := range r.copies {
		if c.ConversationID == conversationID && c.RoomKeyHash == hash {
			out = append(out, c)
		}
	}
	return out, nil
}

func newDistributor(t *testing.T, u *user, m Membership, r *relayStub) (*Distributor, *store.KeyStore) {
	t.Helper()
	s, err := store.NewInMemory(context.Background(), store.WithLogger(logging.Discard()))
	require.NoError(t, err)
	return New(Config{
		Store:      s,
		Keys:       u,
		Membership: m,
		Publisher:  r,
		Fetcher:    r,
		Logger:     logging.Discard(),
	}), s
}

func TestDistribute_EveryParticipantRecoversTheKey(t *testing.T) {
	alice := newUser(t, "alice@x")
	bob := newUser(t, "bob@x")
	d, _ := newDistributor(t, alice, &members{}, &relayStub{})

	rk, err := d.CreateRoomKey(alice.identity, "conv-1", alice.id)
	require.NoError(t, err)

	out, err := d.Distribute(context.Background(), rk, alice.identity.Public(), []Participant{alice.participant(), bob.participant()})
	require.NoError(t, err)
	require.Len(t, out, 2)

	open := func(u *user) []byte {
		plain, err := u.accounts[0].Open(out[u.id])
		require.NoError(t, err)
		var sc sealedCopy
		require.NoError(t, cbor.Unmarshal(plain, &sc))
		require.NoError(t, sc.RoomKey.VerifyCreator(sc.Creator))
		return sc.RoomKey.Key
	}
	assert.Equal(t, rk.Key, open(alice))
	assert.Equal(t, rk.Key, open(bob))

	// Bob cannot open Alice's copy.
	_, err = bob.accounts[0].Open(out[alice.id])
	assert.Error(t, err)
}

func TestDistribute_AllOrNothing(t *testing.T) {
	alice := newUser(t, "alice@x")
	bob := newUser(t, "bob@x")
	mallory := newUser(t, "mallory@x")
	d, _ := newDistributor(t, alice, &members{}, &relayStub{})

	rk, err := d.CreateRoomKey(alice.identity, "conv-1", alice.id)
	require.NoError(t, err)

	// Mallory presents Bob's identity with her own account key.
	forged := mallory.participant()
	forged.Identity = bob.identity.Public()

	out, err := d.Distribute(context.Background(), rk, alice.identity.Public(), []Participant{alice.participant(), forged})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonInvalidAttestation})

	_, err = d.Distribute(context.Background(), rk, alice.identity.Public(), nil)
	assert.ErrorIs(t, err, ErrNoParticipants)
}

func TestDistribute_DuplicateParticipant(t *testing.T) {
	alice := newUser(t, "alice@x")
	bob := newUser(t, "bob@x")
	d, _ := newDistributor(t, alice, &members{}, &relayStub{})

	rk, err := d.CreateRoomKey(alice.identity, "conv-1", alice.id)
	require.NoError(t, err)

	// A second, validly attested entry for bob would replace the first.
	second, err := keyhierarchy.IssueAccountKey(bob.identity, 120)
	require.NoError(t, err)
	again := bob.participant()
	again.AccountKey = second.Public()

	out, err := d.Distribute(context.Background(), rk, alice.identity.Public(),
		[]Participant{alice.participant(), bob.participant(), again})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonMalformed})
	assert.ErrorContains(t, err, "duplicate participant bob@x")
}

func TestResolveSendKey_CreatesOnceAndReuses(t *testing.T) {
	ctx := context.Background()
	alice := newUser(t, "alice@x")
	bob := newUser(t, "bob@x")
	m := &members{}
	m.set(alice.participant(), bob.participant())
	r := &relayStub{}
	d, s := newDistributor(t, alice, m, r)

	first, err := d.ResolveSendKey(ctx, "conv-1", alice.id)
	require.NoError(t, err)
	assert.Equal(t, 1, r.batches)
	assert.Len(t, r.copies, 2)

	second, err := d.ResolveSendKey(ctx, "conv-1", alice.id)
	require.NoError(t, err)
	assert.Equal(t, first.HashHex, second.HashHex)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, 1, r.batches)

	recs, err := s.GetAllInScope(ctx, store.KindRoomKeys, "conv-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// Another conversation gets its own key.
	other, err := d.ResolveSendKey(ctx, "conv-2", alice.id)
	require.NoError(t, err)
	assert.NotEqual(t, first.HashHex, other.HashHex)
}

func TestResolveSendKey_RotatesOnMembershipChange(t *testing.T) {
	ctx := context.Background()
	alice := newUser(t, "alice@x")
	bob := newUser(t, "bob@x")
	carol := newUser(t, "carol@x")
	m := &members{}
	m.set(alice.participant(), bob.participant())
	r := &relayStub{}
	d, _ := newDistributor(t, alice, m, r)

	first, err := d.ResolveSendKey(ctx, "conv-1", alice.id)
	require.NoError(t, err)

	m.set(alice.participant(), bob.participant(), carol.participant())
	second, err := d.ResolveSendKey(ctx, "conv-1", alice.id)
	require.NoError(t, err)
	assert.NotEqual(t, first.HashHex, second.HashHex)
	assert.True(t, second.Covers([]string{carol.accounts[0].Hash()}))
	assert.Equal(t, 2, r.batches)

	// Removing a member keeps coverage, so no rotation is forced.
	m.set(alice.participant(), carol.participant())
	third, err := d.ResolveSendKey(ctx, "conv-1", alice.id)
	require.NoError(t, err)
	assert.Equal(t, second.HashHex, third.HashHex)

	forced, err := d.Rotate(ctx, "conv-1", alice.id)
	require.NoError(t, err)
	assert.NotEqual(t, second.HashHex, forced.HashHex)

	owned, err := d.OwnedKeys(ctx, "conv-1", alice.id)
	require.NoError(t, err)
	require.Len(t, owned, 3)
	latest, err := d.ResolveSendKey(ctx, "conv-1", alice.id)
	require.NoError(t, err)
	assert.Equal(t, forced.HashHex, latest.HashHex)
}

func TestResolveSendKey_PublishFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	alice := newUser(t, "alice@x")
	m := &members{}
	m.set(alice.participant())
	r := &relayStub{fail: errors.New("relay down")}
	d, s := newDistributor(t, alice, m, r)

	_, err := d.ResolveSendKey(ctx, "conv-1", alice.id)
	assert.ErrorIs(t, err, protoerr.ErrNetwork)

	recs, err := s.GetAllOfKind(ctx, store.KindRoomKeys)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestResolveSendKey_ConcurrentCallersShareOneKey(t *testing.T) {
	ctx := context.Background()
	alice := newUser(t, "alice@x")
	bob := newUser(t, "bob@x")
	m := &members{}
	m.set(alice.participant(), bob.participant())
	r := &relayStub{}
	d, _ := newDistributor(t, alice, m, r)

	const n = 16
	hashes := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rk, err := d.ResolveSendKey(ctx, "conv-1", alice.id)
			if assert.NoError(t, err) {
				hashes[i] = rk.HashHex
			}
		}(i)
	}
	wg.Wait()

	for _, h := range hashes {
		assert.Equal(t, hashes[0], h)
	}
	assert.Equal(t, 1, r.batches)
}

func TestResolveReceiveKey(t *testing.T) {
	ctx := context.Background()
	alice := newUser(t, "alice@x")
	bob := newUser(t, "bob@x")
	m := &members{}
	m.set(alice.participant(), bob.participant())
	r := &relayStub{}
	sender, _ := newDistributor(t, alice, m, r)

	rk, err := sender.ResolveSendKey(ctx, "conv-1", alice.id)
	require.NoError(t, err)

	// Bob rotates his AccountKey afterwards; the retired one still opens
	// history.
	newer, err := keyhierarchy.IssueAccountKey(bob.identity, 500)
	require.NoError(t, err)
	bob.accounts = append(bob.accounts, newer)

	receiver, bobStore := newDistributor(t, bob, m, r)
	got, err := receiver.ResolveReceiveKey(ctx, "conv-1", rk.HashHex)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rk.Key, got.Key)
	assert.Equal(t, alice.id, got.OwnerUserID)

	recs, err := bobStore.GetAllInScope(ctx, store.KindRoomKeys, "conv-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// Served locally now, even with the relay gone.
	r.copies = nil
	again, err := receiver.ResolveReceiveKey(ctx, "conv-1", rk.HashHex)
	require.NoError(t, err)
	require.NotNil(t, again)

	// Wrong conversation or unknown hash.
	none, err := receiver.ResolveReceiveKey(ctx, "conv-2", rk.HashHex)
	require.NoError(t, err)
	assert.Nil(t, none)
	none, err = receiver.ResolveReceiveKey(ctx, "conv-1", "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestResolveReceiveKey_OutsiderGetsNothing(t *testing.T) {
	ctx := context.Background()
	alice := newUser(t, "alice@x")
	bob := newUser(t, "bob@x")
	eve := newUser(t, "eve@x")
	m := &members{}
	m.set(alice.participant(), bob.participant())
	r := &relayStub{}
	sender, _ := newDistributor(t, alice, m, r)

	rk, err := sender.ResolveSendKey(ctx, "conv-1", alice.id)
	require.NoError(t, err)

	outsider, _ := newDistributor(t, eve, m, r)
	got, err := outsider.ResolveReceiveKey(ctx, "conv-1", rk.HashHex)
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := outsider.Accept(ctx, r.copies[0])
	require.NoError(t, err)
	assert.False(t, ok)
}
