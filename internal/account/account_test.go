package account

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/logging"
	"sealchat/internal/message"
	"sealchat/internal/migration"
	"sealchat/internal/relay"
	"sealchat/internal/roomkey"
	"sealchat/internal/store"
	"sealchat/internal/trust"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	hub   *relay.Hub
	srv   *httptest.Server
	dir   *Directory
	clock *clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	hub := relay.NewHub(relay.WithHubLogger(logging.Discard()))
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return &env{
		hub:   hub,
		srv:   srv,
		dir:   NewDirectory(),
		clock: &clock{t: time.UnixMilli(1_700_000_000_000)},
	}
}

func (e *env) session(t *testing.T, userID, sessionID string, setup bool) *Session {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewInMemory(ctx, store.WithLogger(logging.Discard()))
	require.NoError(t, err)

	var sess *Session
	ready := make(chan struct{})
	ep := e.hub.Attach(userID, sessionID, relay.HandlerFunc(func(ctx context.Context, m relay.Message) {
		<-ready
		sess.HandleMessage(ctx, m)
	}))
	t.Cleanup(func() { _ = ep.Close() })

	sess, err = New(Config{
		UserID:     userID,
		SessionID:  sessionID,
		Store:      s,
		Relay:      ep,
		Requester:  relay.NewHTTPRequester(e.srv.URL, 5*time.Second),
		Membership: e.dir,
		Logger:     logging.Discard(),
		Now:        e.clock.Now,
	})
	require.NoError(t, err)
	close(ready)

	if setup {
		require.NoError(t, sess.Setup(ctx))
	}
	return sess
}

func (e *env) join(t *testing.T, conversationID string, sessions ...*Session) {
	t.Helper()
	for _, s := range sessions {
		p, err := s.Participant(context.Background())
		require.NoError(t, err)
		e.dir.Join(conversationID, p)
	}
}

func (e *env) inbound(envl *message.Envelope) message.Inbound {
	return message.Inbound{Envelope: *envl, TransportTimestamp: e.clock.Now().UnixMilli() + 1}
}

func TestSession_Setup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.session(t, "alice@x", "A", false)

	ready, err := s.Ready(ctx)
	require.NoError(t, err)
	assert.False(t, ready)
	_, err = s.Participant(ctx)
	assert.ErrorIs(t, err, store.ErrNoMasterKey)

	require.NoError(t, s.Setup(ctx))
	ready, err = s.Ready(ctx)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.ErrorIs(t, s.Setup(ctx), ErrAlreadySetUp)

	p, err := s.Participant(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice@x", p.UserID)
	require.NoError(t, p.Master.Verify())
	require.NoError(t, p.Identity.VerifyAgainst(p.Master))
	require.NoError(t, p.AccountKey.VerifyAgainst(p.Identity))

	fp, err := s.Fingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.Master.Fingerprint(), fp)

	level, err := s.Ledger().IsTrusted(ctx, "alice@x", p.Master.Hash())
	require.NoError(t, err)
	assert.Equal(t, trust.Allowed, level)
}

func TestSession_Conversation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.session(t, "alice@x", "A", true)
	bob := e.session(t, "bob@x", "B", true)
	eve := e.session(t, "eve@x", "E", true)
	e.join(t, "conv-1", alice, bob)

	envl, err := alice.Send(ctx, "conv-1", "hi")
	require.NoError(t, err)

	got, err := bob.Receive(ctx, e.inbound(envl))
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, "alice@x", got.SenderUserID)
	assert.Equal(t, trust.Recognized, got.Trust)

	require.NoError(t, bob.Trust(ctx, "alice@x", envl.SenderMaster.Hash()))
	got, err = bob.Receive(ctx, e.inbound(envl))
	require.NoError(t, err)
	assert.Equal(t, trust.Allowed, got.Trust)

	// The reply uses bob's own room key, which alice fetches.
	reply, err := bob.Send(ctx, "conv-1", "hello")
	require.NoError(t, err)
	assert.NotEqual(t, envl.RoomKeyHash, reply.RoomKeyHash)
	got, err = alice.Receive(ctx, e.inbound(reply))
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)

	// A user outside the conversation never holds the key.
	_, err = eve.Receive(ctx, e.inbound(envl))
	rej, ok := message.AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	assert.Equal(t, message.UnknownRoomKey, rej.Reason)

	// A second send reuses the room key until membership changes.
	again, err := alice.Send(ctx, "conv-1", "again")
	require.NoError(t, err)
	assert.Equal(t, envl.RoomKeyHash, again.RoomKeyHash)

	e.join(t, "conv-1", eve)
	rotated, err := alice.Send(ctx, "conv-1", "welcome")
	require.NoError(t, err)
	assert.NotEqual(t, envl.RoomKeyHash, rotated.RoomKeyHash)
	got, err = eve.Receive(ctx, e.inbound(rotated))
	require.NoError(t, err)
	assert.Equal(t, "welcome", got.Content)
}

func TestSession_SendWithoutMembership(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s, err := store.NewInMemory(ctx, store.WithLogger(logging.Discard()))
	require.NoError(t, err)
	ep := e.hub.Attach("alice@x", "A", relay.HandlerFunc(func(context.Context, relay.Message) {}))
	defer ep.Close()

	sess, err := New(Config{UserID: "alice@x", SessionID: "A", Store: s, Relay: ep, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, sess.Setup(ctx))
	_, err = sess.Send(ctx, "conv-1", "hi")
	assert.ErrorIs(t, err, ErrNoMembership)

	_, err = New(Config{Store: s, Relay: ep})
	assert.ErrorIs(t, err, ErrNoUser)
}

// migrate runs a full migration from src to dst.
func migrate(t *testing.T, src, dst *Session) {
	t.Helper()
	ctx := context.Background()
	wait := func(s *Session, st migration.State) {
		require.Eventually(t, func() bool { return s.Migration().State() == st },
			5*time.Second, 5*time.Millisecond, "%s: want %s", s.SessionID(), st)
	}

	require.NoError(t, dst.Migration().RequestMigration(ctx))
	wait(src, migration.Offered)
	require.NoError(t, src.Migration().Accept(ctx))
	wait(dst, migration.AwaitingCode)
	require.NoError(t, src.Migration().ConfirmCode(ctx, dst.Migration().Code()))
	wait(dst, migration.Completed)
	wait(src, migration.Completed)
}

func TestSession_MigrationAndRotation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a1 := e.session(t, "alice@x", "A1", true)
	a2 := e.session(t, "alice@x", "A2", false)
	bob := e.session(t, "bob@x", "B", true)

	migrate(t, a1, a2)
	fp1, err := a1.Fingerprint(ctx)
	require.NoError(t, err)
	fp2, err := a2.Fingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	// The migrated session announced its share key to the source.
	require.Eventually(t, func() bool {
		peers, err := a1.Peers(ctx)
		return err == nil && len(peers) == 1 && peers[0].SessionID == "A2"
	}, 5*time.Second, 5*time.Millisecond)

	e.clock.Advance(time.Second)
	rotated, err := a1.RotateAccountKey(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		latest, err := a2.store.LatestAccountKey(ctx)
		return err == nil && latest.Hash() == rotated.Hash()
	}, 5*time.Second, 5*time.Millisecond)

	// Bob addresses the new AccountKey; the migrated session reads it.
	e.join(t, "conv-2", a1, bob)
	p, err := a2.Participant(ctx)
	require.NoError(t, err)
	assert.Equal(t, rotated.Hash(), p.AccountKey.Hash())

	envl, err := bob.Send(ctx, "conv-2", "to both devices")
	require.NoError(t, err)
	for _, s := range []*Session{a1, a2} {
		got, err := s.Receive(ctx, e.inbound(envl))
		require.NoError(t, err, s.SessionID())
		assert.Equal(t, "to both devices", got.Content)
	}
}

func TestSession_RotateMaster(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.session(t, "alice@x", "A", true)

	before, err := s.Participant(ctx)
	require.NoError(t, err)

	e.clock.Advance(time.Minute)
	fp, err := s.RotateMaster(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.Master.Fingerprint(), fp)

	after, err := s.Participant(ctx)
	require.NoError(t, err)
	assert.Equal(t, after.Master.Hash(), after.Identity.MasterHash)
	assert.NotEqual(t, before.AccountKey.Hash(), after.AccountKey.Hash())

	rec, err := s.Ledger().ResolveTrustedKey(ctx, "alice@x")
	require.NoError(t, err)
	assert.Equal(t, after.Master.Hash(), rec.KeyHash)
	assert.Equal(t, trust.Allow, rec.Type)

	// Retired AccountKeys stay available for history.
	accounts, err := s.store.AccountKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestDirectory(t *testing.T) {
	d := NewDirectory()
	d.Join("c", roomkey.Participant{UserID: "zed@x"})
	d.Join("c", roomkey.Participant{UserID: "amy@x"})
	d.Join("c", roomkey.Participant{UserID: "amy@x", AccountKey: keyhierarchy.AccountKeyPublic{Timestamp: 7}})

	ps, err := d.Participants(context.Background(), "c")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "amy@x", ps[0].UserID)
	assert.Equal(t, int64(7), ps[0].AccountKey.Timestamp)

	d.Leave("c", "amy@x")
	ps, err = d.Participants(context.Background(), "c")
	require.NoError(t, err)
	assert.Len(t, ps, 1)

	empty, err := d.Participants(context.Background(), "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
