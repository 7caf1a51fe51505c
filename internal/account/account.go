// Package account wires the key-management components of one session of
// one user into a single object: the store, the trust ledger, room key
// distribution, the message codec, AccountKey share propagation and device
// migration.
//
// A Session is the relay.Handler of its connection. It is created over an
// opened KeyStore; a fresh device either runs Setup or migrates the keys of
// an existing session.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/keyshare"
	"sealchat/internal/logging"
	"sealchat/internal/message"
	"sealchat/internal/metrics"
	"sealchat/internal/migration"
	"sealchat/internal/protoerr"
	"sealchat/internal/relay"
	"sealchat/internal/roomkey"
	"sealchat/internal/store"
	"sealchat/internal/trust"
)

// DefaultIdentityLifetime is the validity window of a new IdentityKey.
const DefaultIdentityLifetime = 365 * 24 * time.Hour

var (
	ErrAlreadySetUp = errors.New("account: keys already exist")
	ErrNoUser       = errors.New("account: user id is required")
	ErrNoMembership = errors.New("account: no conversation membership source")
)

// Config wires a Session.
type Config struct {
	UserID    string
	SessionID string
	Store     *store.KeyStore
	// Relay sends messages over the session's relay connection.
	Relay relay.Sender
	// Requester fetches stored room key copies. Optional; without it only
	// pushed copies are used.
	Requester  relay.Requester
	Membership roomkey.Membership

	IdentityLifetime time.Duration
	MessageTolerance time.Duration
	ClockSkew        time.Duration
	MigrationTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Audit   *logging.AuditLogger
	Now     func() time.Time
}

// Session is the key-management state of one session.
type Session struct {
	userID    string
	sessionID string
	store     *store.KeyStore
	keys      keyring
	relay     relay.Sender
	lifetime  time.Duration
	logger    *slog.Logger
	audit     *logging.AuditLogger
	now       func() time.Time

	ledger    *trust.Ledger
	rooms     *roomkey.Distributor
	codec     *message.Codec
	shares    *keyshare.Coordinator
	migration *migration.Coordinator

	mu    sync.Mutex
	peers map[string]keyhierarchy.KeyShareKeyPublic
}

// New creates a Session.
func New(cfg Config) (*Session, error) {
	if cfg.UserID == "" {
		return nil, ErrNoUser
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdentityLifetime <= 0 {
		cfg.IdentityLifetime = DefaultIdentityLifetime
	}
	logger := logging.OrDefault(cfg.Logger, "account").With("user", cfg.UserID, "session", cfg.SessionID)
	cfg.Audit.SetSessionID(cfg.SessionID)

	s := &Session{
		userID:    cfg.UserID,
		sessionID: cfg.SessionID,
		store:     cfg.Store,
		keys:      keyring{store: cfg.Store, now: cfg.Now},
		relay:     cfg.Relay,
		lifetime:  cfg.IdentityLifetime,
		logger:    logger,
		audit:     cfg.Audit,
		now:       cfg.Now,
		peers:     make(map[string]keyhierarchy.KeyShareKeyPublic),
	}

	ledgerOpts := []trust.Option{
		trust.WithLogger(cfg.Logger),
		trust.WithMetrics(cfg.Metrics),
		trust.WithClock(cfg.Now),
	}
	if cfg.ClockSkew > 0 {
		ledgerOpts = append(ledgerOpts, trust.WithClockSkew(cfg.ClockSkew))
	}
	s.ledger = trust.New(cfg.Store, ledgerOpts...)

	transport := relayTransport{userID: cfg.UserID, sender: cfg.Relay, requester: cfg.Requester}
	var fetcher roomkey.CopyFetcher
	if cfg.Requester != nil {
		fetcher = transport
	}
	s.rooms = roomkey.New(roomkey.Config{
		Store:      cfg.Store,
		Keys:       s.keys,
		Membership: observingMembership{inner: cfg.Membership, ledger: s.ledger, logger: logger},
		Publisher:  transport,
		Fetcher:    fetcher,
		Verifier:   s.ledger,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
		Now:        cfg.Now,
	})

	codecOpts := []message.Option{
		message.WithLogger(cfg.Logger),
		message.WithMetrics(cfg.Metrics),
		message.WithClock(cfg.Now),
	}
	if cfg.MessageTolerance > 0 {
		codecOpts = append(codecOpts, message.WithTolerance(cfg.MessageTolerance))
	}
	s.codec = message.New(s.ledger, codecOpts...)

	var err error
	s.shares, err = keyshare.New(keyshare.Config{
		Store:     cfg.Store,
		Keys:      s.keys,
		SessionID: cfg.SessionID,
		Transport: transport,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Audit:     cfg.Audit,
	})
	if err != nil {
		return nil, err
	}
	s.migration, err = migration.New(migration.Config{
		Store:     cfg.Store,
		Sender:    cfg.Relay,
		Announcer: s.shares,
		UserID:    cfg.UserID,
		SessionID: cfg.SessionID,
		Timeout:   cfg.MigrationTimeout,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Audit:     cfg.Audit,
		Now:       cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) UserID() string    { return s.userID }
func (s *Session) SessionID() string { return s.sessionID }

// Ledger returns the session's trust ledger.
func (s *Session) Ledger() *trust.Ledger { return s.ledger }

// Rooms returns the session's room key distributor.
func (s *Session) Rooms() *roomkey.Distributor { return s.rooms }

// Migration returns the session's migration coordinator.
func (s *Session) Migration() *migration.Coordinator { return s.migration }

// Ready reports whether the session holds the account keys.
func (s *Session) Ready(ctx context.Context) (bool, error) {
	_, err := s.store.Master(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNoMasterKey):
		return false, nil
	default:
		return false, err
	}
}

// Setup creates the account keys on a fresh device: a MasterKey, an
// IdentityKey certified by it and an AccountKey attested by that. The
// session trusts its own MasterKey explicitly.
func (s *Session) Setup(ctx context.Context) error {
	return s.store.Exclusive(ctx, func(ctx context.Context) error {
		ready, err := s.Ready(ctx)
		if err != nil {
			return err
		}
		if ready {
			return ErrAlreadySetUp
		}

		now := s.now().UnixMilli()
		master, err := keyhierarchy.NewMasterKey(now)
		if err != nil {
			return fmt.Errorf("create master key: %w", err)
		}
		defer master.Wipe()
		if err := s.issue(ctx, master, now); err != nil {
			return err
		}
		if _, err := s.ledger.RecordExplicitTrustKey(ctx, s.userID, master.Public()); err != nil {
			return fmt.Errorf("trust own master key: %w", err)
		}
		s.logger.Info("account keys created", "master", master.Fingerprint())
		_ = s.audit.LogKeyGenerated(ctx, string(store.KindMasterKey), master.Hash())
		return nil
	})
}

// issue stores master with a new IdentityKey and AccountKey under it in
// one batch.
func (s *Session) issue(ctx context.Context, master *keyhierarchy.MasterKey, now int64) error {
	identity, err := keyhierarchy.IssueIdentityKey(master, now, now+s.lifetime.Milliseconds())
	if err != nil {
		return fmt.Errorf("issue identity key: %w", err)
	}
	defer identity.Wipe()
	acct, err := keyhierarchy.IssueAccountKey(identity, now)
	if err != nil {
		return fmt.Errorf("issue account key: %w", err)
	}
	defer acct.Wipe()

	masterRec, err := s.store.MasterRecord(master)
	if err != nil {
		return err
	}
	idRec, err := s.store.Seal(store.KindIdentityKeys, identity.Hash(), "", identity.Timestamp, identity)
	if err != nil {
		return err
	}
	acctRec, err := s.store.Seal(store.KindAccountKeys, acct.Hash(), "", acct.Timestamp, acct)
	if err != nil {
		return err
	}
	ptrRec, err := s.store.Seal(store.KindLatestAccountKeyHash, store.SelfSlot, "", acct.Timestamp,
		store.Pointer{Hash: acct.Hash(), Timestamp: acct.Timestamp})
	if err != nil {
		return err
	}
	return s.store.PutAll(ctx, []store.Record{masterRec, idRec, acctRec, ptrRec})
}

// Fingerprint returns the short rendering of the session's MasterKey.
func (s *Session) Fingerprint(ctx context.Context) (string, error) {
	m, err := s.store.Master(ctx)
	if err != nil {
		return "", err
	}
	defer m.Wipe()
	return m.Fingerprint(), nil
}

// Participant returns this session's entry for conversation membership
// lists.
func (s *Session) Participant(ctx context.Context) (roomkey.Participant, error) {
	identity, err := s.keys.Identity(ctx)
	if err != nil {
		return roomkey.Participant{}, err
	}
	defer identity.Wipe()
	acct, err := s.store.LatestAccountKey(ctx)
	if err != nil {
		return roomkey.Participant{}, err
	}
	defer acct.Wipe()
	if acct.IdentityHash != identity.Hash() {
		return roomkey.Participant{}, fmt.Errorf("latest account key not attested by current identity: %w", ErrNoValidIdentity)
	}
	master, err := s.store.Master(ctx)
	if err != nil {
		return roomkey.Participant{}, err
	}
	defer master.Wipe()
	return roomkey.Participant{
		UserID:     s.userID,
		Identity:   identity.Public(),
		AccountKey: acct.Public(),
		Master:     master.Public(),
	}, nil
}

// Announce publishes this session's KeyShareKey to the other sessions of
// the account.
func (s *Session) Announce(ctx context.Context) error {
	ann, err := s.shares.Announcement(ctx)
	if err != nil {
		return err
	}
	return s.relay.Send(ctx, relay.NewEncryptSuccess(ann, ""))
}

// Peers returns the announced share keys of the account's other sessions
// that verify against the current MasterKey.
func (s *Session) Peers(ctx context.Context) ([]keyhierarchy.KeyShareKeyPublic, error) {
	master, err := s.store.Master(ctx)
	if err != nil {
		return nil, err
	}
	defer master.Wipe()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]keyhierarchy.KeyShareKeyPublic, 0, len(s.peers))
	for id, ann := range s.peers {
		if err := keyshare.VerifyAnnouncement(ann, master.Public()); err != nil {
			s.logger.Debug("ignoring stale share key announcement", "peer", id, "error", err)
			continue
		}
		out = append(out, ann)
	}
	return out, nil
}

// RotateAccountKey issues a new AccountKey under the current IdentityKey
// and shares it with every announced session. The new key is stored
// before it is shared, so a failed delivery leaves this session rotated.
func (s *Session) RotateAccountKey(ctx context.Context) (*keyhierarchy.AccountKeyPublic, error) {
	var pub keyhierarchy.AccountKeyPublic
	err := s.store.Exclusive(ctx, func(ctx context.Context) error {
		prev, err := s.store.LatestAccountKey(ctx)
		if err != nil {
			return err
		}
		prev.Wipe()

		identity, err := s.keys.Identity(ctx)
		if err != nil {
			return err
		}
		defer identity.Wipe()
		now := s.now().UnixMilli()
		if now <= prev.Timestamp {
			now = prev.Timestamp + 1
		}
		acct, err := keyhierarchy.IssueAccountKey(identity, now)
		if err != nil {
			return fmt.Errorf("issue account key: %w", err)
		}
		defer acct.Wipe()

		acctRec, err := s.store.Seal(store.KindAccountKeys, acct.Hash(), "", acct.Timestamp, acct)
		if err != nil {
			return err
		}
		ptrRec, err := s.store.Seal(store.KindLatestAccountKeyHash, store.SelfSlot, "", acct.Timestamp,
			store.Pointer{Hash: acct.Hash(), Timestamp: acct.Timestamp})
		if err != nil {
			return err
		}
		if err := s.store.PutAll(ctx, []store.Record{acctRec, ptrRec}); err != nil {
			return err
		}
		s.logger.Info("account key rotated", "account_key", keyhierarchy.Fingerprint(acct.Hash()))
		_ = s.audit.LogKeyRotated(ctx, string(store.KindAccountKeys), prev.Hash(), acct.Hash())

		peers, err := s.Peers(ctx)
		if err != nil {
			return err
		}
		if _, err := s.shares.SharePendingRotation(ctx, acct, peers); err != nil {
			return fmt.Errorf("share rotated account key: %w", err)
		}
		pub = acct.Public()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pub, nil
}

// RotateMaster replaces the MasterKey and reissues the IdentityKey and
// AccountKey under it. Retired keys stay in the store to read history.
// Other sessions of the account must migrate again to follow.
func (s *Session) RotateMaster(ctx context.Context) (string, error) {
	var fp string
	err := s.store.Exclusive(ctx, func(ctx context.Context) error {
		prev, err := s.store.Master(ctx)
		if err != nil {
			return err
		}
		defer prev.Wipe()

		now := s.now().UnixMilli()
		if now <= prev.Timestamp {
			now = prev.Timestamp + 1
		}
		master, err := keyhierarchy.NewMasterKey(now)
		if err != nil {
			return fmt.Errorf("create master key: %w", err)
		}
		defer master.Wipe()
		if err := s.issue(ctx, master, now); err != nil {
			return err
		}
		if _, err := s.ledger.RecordExplicitTrustKey(ctx, s.userID, master.Public()); err != nil {
			return fmt.Errorf("trust own master key: %w", err)
		}
		s.logger.Info("master key rotated", "previous", prev.Fingerprint(), "master", master.Fingerprint())
		_ = s.audit.LogKeyRotated(ctx, string(store.KindMasterKey), prev.Hash(), master.Hash())
		fp = master.Fingerprint()
		return nil
	})
	return fp, err
}

// Trust marks keyHash of userID as explicitly allowed.
func (s *Session) Trust(ctx context.Context, userID, keyHash string) error {
	rec, err := s.ledger.RecordExplicitTrust(ctx, userID, keyHash)
	if err != nil {
		return err
	}
	_ = s.audit.LogTrustChanged(ctx, userID, keyHash, rec.Type.Level().String())
	return nil
}

// Send encodes a text message for the conversation under the current
// RoomKey, creating and distributing one first when needed.
func (s *Session) Send(ctx context.Context, conversationID, content string) (*message.Envelope, error) {
	rk, err := s.rooms.ResolveSendKey(ctx, conversationID, s.userID)
	if err != nil {
		return nil, err
	}
	defer rk.Wipe()
	identity, err := s.keys.Identity(ctx)
	if err != nil {
		return nil, err
	}
	defer identity.Wipe()
	master, err := s.store.Master(ctx)
	if err != nil {
		return nil, err
	}
	defer master.Wipe()

	return s.codec.Encode(message.Payload{Type: message.TypeText, Content: content}, rk, message.Sender{
		UserID:   s.userID,
		Identity: identity,
		Master:   master.Public(),
	})
}

// Receive decodes one inbound message. A *message.Rejection means the
// message should be skipped.
func (s *Session) Receive(ctx context.Context, in message.Inbound) (*message.Decoded, error) {
	return s.codec.Decode(ctx, in, s.rooms)
}

// ReceiveBatch decodes a batch, skipping rejected messages.
func (s *Session) ReceiveBatch(ctx context.Context, batch []message.Inbound) ([]message.Decoded, []message.Rejection, error) {
	return s.codec.DecodeBatch(ctx, batch, s.rooms)
}

// HandleMessage dispatches a relay message. It implements relay.Handler.
func (s *Session) HandleMessage(ctx context.Context, m relay.Message) {
	ctx = logging.ContextWithSessionID(ctx, s.sessionID)
	log := logging.FromContext(ctx, s.logger)

	switch v := m.(type) {
	case relay.EncryptSuccess:
		s.rememberPeer(v)
		if v.MigrateID != "" {
			s.migration.HandleMessage(ctx, v)
		}

	case relay.KeyShare:
		advanced, err := s.shares.Accept(ctx, shareFromRelay(v))
		switch {
		case err == nil:
			log.Debug("key share accepted", "advanced", advanced)
		case protoerr.Skippable(err):
			log.Debug("key share skipped", "error", err)
		default:
			log.Error("key share failed", "error", err)
		}

	case relay.RoomKeyCopy:
		if v.UserID != s.userID {
			return
		}
		if _, err := s.rooms.Accept(ctx, copyFromRelay(v)); err != nil {
			log.Warn("room key copy not stored", "room_key", keyhierarchy.Fingerprint(v.RoomKeyHash), "error", err)
		}

	default:
		s.migration.HandleMessage(ctx, m)
	}
}

func (s *Session) rememberPeer(v relay.EncryptSuccess) {
	if v.SessionID == s.sessionID {
		return
	}
	s.mu.Lock()
	s.peers[v.SessionID] = v.Announcement()
	s.mu.Unlock()
}
