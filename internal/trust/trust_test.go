package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/logging"
	"sealchat/internal/protoerr"
	"sealchat/internal/store"
)

func newLedger(t *testing.T) (*Ledger, *store.KeyStore) {
	t.Helper()
	s, err := store.NewInMemory(context.Background(), store.WithLogger(logging.Discard()))
	require.NoError(t, err)
	return New(s, WithLogger(logging.Discard())), s
}

func master(t *testing.T, ts int64) *keyhierarchy.MasterKey {
	t.Helper()
	m, err := keyhierarchy.NewMasterKey(ts)
	require.NoError(t, err)
	return m
}

func TestRecordObservation_Idempotent(t *testing.T) {
	ctx := context.Background()
	l, s := newLedger(t)
	m := master(t, 100)

	first, err := l.RecordObservation(ctx, "alice@x", m.Public(), 150)
	require.NoError(t, err)
	assert.Equal(t, Recognition, first.Type)
	assert.Equal(t, int64(100), first.Timestamp)

	second, err := l.RecordObservation(ctx, "alice@x", m.Public(), 150)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	recs, err := s.GetAllOfKind(ctx, store.KindAllowKeys)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	upgraded, err := l.RecordExplicitTrust(ctx, "alice@x", m.Hash())
	require.NoError(t, err)
	assert.Equal(t, Allow, upgraded.Type)

	recs, err = s.GetAllOfKind(ctx, store.KindAllowKeys)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	level, err := l.IsTrusted(ctx, "alice@x", m.Hash())
	require.NoError(t, err)
	assert.Equal(t, Allowed, level)

	// Observing again never downgrades.
	again, err := l.RecordObservation(ctx, "alice@x", m.Public(), 150)
	require.NoError(t, err)
	assert.Equal(t, Allow, again.Type)
}

func TestRecordObservation_RejectsBadSelfSignature(t *testing.T) {
	l, _ := newLedger(t)
	pub := master(t, 100).Public()
	pub.Timestamp = 90

	_, err := l.RecordObservation(context.Background(), "alice@x", pub, 150)
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonBadSelfSignature})
	assert.True(t, protoerr.Skippable(err))
}

func TestRecordObservation_RejectsFutureKey(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	s, err := store.NewInMemory(context.Background(), store.WithLogger(logging.Discard()))
	require.NoError(t, err)
	l := New(s, WithLogger(logging.Discard()), WithClock(func() time.Time { return now }))

	_, err = l.RecordObservation(context.Background(), "bob@x", master(t, 1_000_000+61_000).Public(), 0)
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonInvalidMasterKeyWindow})

	_, err = l.RecordObservation(context.Background(), "bob@x", master(t, 1_000_000+59_000).Public(), 0)
	assert.NoError(t, err)
}

func TestRecordObservation_Window(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	m1 := master(t, 100)
	m2 := master(t, 300)
	_, err := l.RecordObservation(ctx, "carol@x", m1.Public(), 150)
	require.NoError(t, err)
	_, err = l.RecordObservation(ctx, "carol@x", m2.Public(), 350)
	require.NoError(t, err)

	// A key older than the one already in effect before the message is a
	// replay of a superseded key.
	stale := master(t, 200)
	_, err = l.RecordObservation(ctx, "carol@x", stale.Public(), 400)
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonInvalidMasterKeyWindow})
	assert.False(t, protoerr.Fatal(err))

	// For content from before the newer key, the same key is acceptable.
	_, err = l.RecordObservation(ctx, "carol@x", stale.Public(), 250)
	assert.NoError(t, err)

	recs, err := l.Records(ctx, "carol@x")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int64{300, 200, 100}, []int64{recs[0].Timestamp, recs[1].Timestamp, recs[2].Timestamp})
}

func TestObserveMaster_WritesOnlyOnCommit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	m1 := master(t, 100)
	m2 := master(t, 1000)
	_, err := l.RecordObservation(ctx, "alice@x", m1.Public(), 150)
	require.NoError(t, err)

	obs, err := l.ObserveMaster(ctx, "alice@x", m2.Public(), 2000)
	require.NoError(t, err)
	assert.False(t, obs.Known)
	require.Len(t, obs.Pending(), 1)

	recs, err := l.Records(ctx, "alice@x")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	ik2, err := keyhierarchy.IssueIdentityKey(m2, 1000, 5000)
	require.NoError(t, err)
	_, err = l.VerifyIdentity(ctx, "alice@x", ik2.Public(), 2000)
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonSupersededMaster})
	rec, err := l.VerifyIdentityWith(ctx, "alice@x", ik2.Public(), 2000, obs.Pending()...)
	require.NoError(t, err)
	assert.Equal(t, m2.Hash(), rec.KeyHash)

	committed, err := l.CommitObservation(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, m2.Hash(), committed.KeyHash)
	current, err := l.ResolveTrustedKey(ctx, "alice@x")
	require.NoError(t, err)
	assert.Equal(t, m2.Hash(), current.KeyHash)

	again, err := l.ObserveMaster(ctx, "alice@x", m2.Public(), 2000)
	require.NoError(t, err)
	assert.True(t, again.Known)
	assert.Empty(t, again.Pending())
}

func TestRecordExplicitTrust_UnknownKey(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.RecordExplicitTrust(ctx, "dave@x", "feedface")
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonUnknownKey})

	m := master(t, 10)
	rec, err := l.RecordExplicitTrustKey(ctx, "dave@x", m.Public())
	require.NoError(t, err)
	assert.Equal(t, Allow, rec.Type)

	level, err := l.IsTrusted(ctx, "dave@x", m.Hash())
	require.NoError(t, err)
	assert.Equal(t, Allowed, level)

	level, err = l.IsTrusted(ctx, "dave@x", "other")
	require.NoError(t, err)
	assert.Equal(t, Untrusted, level)
}

func TestResolveTrustedKey_TieBreak(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	none, err := l.ResolveTrustedKey(ctx, "erin@x")
	require.NoError(t, err)
	assert.Nil(t, none)

	a := master(t, 500)
	b := master(t, 500)
	_, err = l.RecordObservation(ctx, "erin@x", a.Public(), 600)
	require.NoError(t, err)
	_, err = l.RecordObservation(ctx, "erin@x", b.Public(), 600)
	require.NoError(t, err)

	want := a.Hash()
	if b.Hash() > want {
		want = b.Hash()
	}
	got, err := l.ResolveTrustedKey(ctx, "erin@x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, got.KeyHash)
}

func TestVerifyIdentity_RotationConsistency(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	m1 := master(t, 100)
	id1, err := keyhierarchy.IssueIdentityKey(m1, 110, 1000)
	require.NoError(t, err)
	_, err = l.RecordObservation(ctx, "frank@x", m1.Public(), 150)
	require.NoError(t, err)

	rec, err := l.VerifyIdentity(ctx, "frank@x", id1.Public(), 150)
	require.NoError(t, err)
	assert.Equal(t, m1.Hash(), rec.KeyHash)

	// Before the identity was issued, or after it expired.
	_, err = l.VerifyIdentity(ctx, "frank@x", id1.Public(), 105)
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonExpired})
	_, err = l.VerifyIdentity(ctx, "frank@x", id1.Public(), 1001)
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonExpired})

	// Rotation: m2 supersedes m1 at 400.
	m2 := master(t, 400)
	_, err = l.RecordObservation(ctx, "frank@x", m2.Public(), 450)
	require.NoError(t, err)

	// Messages before the rotation still validate under m1.
	_, err = l.VerifyIdentity(ctx, "frank@x", id1.Public(), 300)
	assert.NoError(t, err)

	// Messages after it do not.
	_, err = l.VerifyIdentity(ctx, "frank@x", id1.Public(), 450)
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonSupersededMaster})

	// An identity issued by m1 after m2 took over is never valid.
	late, err := keyhierarchy.IssueIdentityKey(m1, 500, 900)
	require.NoError(t, err)
	_, err = l.VerifyIdentity(ctx, "frank@x", late.Public(), 600)
	assert.ErrorIs(t, err, &protoerr.Error{Kind: protoerr.KindValidation, Reason: protoerr.ReasonSupersededMaster})

	id2, err := keyhierarchy.IssueIdentityKey(m2, 410, 900)
	require.NoError(t, err)
	rec, err = l.VerifyIdentity(ctx, "frank@x", id2.Public(), 450)
	require.NoError(t, err)
	assert.Equal(t, m2.Hash(), rec.KeyHash)

	// Unknown user.
	_, err = l.VerifyIdentity(ctx, "nobody@x", id2.Public(), 450)
	assert.ErrorIs(t, err, ErrNoMasterKey)
}

func TestMasterInEffect(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	m1 := master(t, 100)
	m2 := master(t, 200)
	_, err := l.RecordObservation(ctx, "gina@x", m1.Public(), 0)
	require.NoError(t, err)
	_, err = l.RecordObservation(ctx, "gina@x", m2.Public(), 0)
	require.NoError(t, err)

	for _, tc := range []struct {
		at   int64
		want string
	}{
		{99, ""},
		{100, m1.Hash()},
		{199, m1.Hash()},
		{200, m2.Hash()},
		{10_000, m2.Hash()},
	} {
		rec, err := l.MasterInEffect(ctx, "gina@x", tc.at)
		require.NoError(t, err)
		if tc.want == "" {
			assert.Nil(t, rec, "at %d", tc.at)
			continue
		}
		require.NotNil(t, rec, "at %d", tc.at)
		assert.Equal(t, tc.want, rec.KeyHash, "at %d", tc.at)
	}
}
