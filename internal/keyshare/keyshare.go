// Package keyshare propagates AccountKey rotations to the other active
// sessions of the same account.
//
// Each session holds a KeyShareKey certified by the account MasterKey and
// announces it when it comes online. A session that rotates the AccountKey
// seals the new key to every announced share key and signs each share with
// the MasterKey; receivers verify, open, store, and advance their latest
// AccountKey pointer.
package keyshare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/logging"
	"sealchat/internal/metrics"
	"sealchat/internal/primitives"
	"sealchat/internal/protoerr"
	"sealchat/internal/store"
)

// SignatureDomain separates share signatures from other MasterKey
// signatures.
const SignatureDomain = "sealchat-keyshare-v1"

var (
	ErrNoShareKey = errors.New("keyshare: no share key for this session")
	ErrNoSession  = errors.New("keyshare: session id is required")
)

// Share is one AccountKey sealed to one session's KeyShareKey.
type Share struct {
	ShareKeyHash   string `json:"shareKeyHash"`
	AccountKeyHash string `json:"accountKeyHash"`
	Ciphertext     []byte `json:"ciphertext"`
	Signature      []byte `json:"signature"`
}

// Transport delivers shares to their target sessions.
type Transport interface {
	SendShares(ctx context.Context, shares []Share) error
}

// Keys gives access to the account key material of this session.
type Keys interface {
	Master(ctx context.Context) (*keyhierarchy.MasterKey, error)
	Identities(ctx context.Context) ([]keyhierarchy.IdentityKeyPublic, error)
}

// Config wires a Coordinator.
type Config struct {
	Store     *store.KeyStore
	Keys      Keys
	SessionID string
	Transport Transport
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Audit     *logging.AuditLogger
}

// Coordinator is the KeyShareCoordinator of one session.
type Coordinator struct {
	store     *store.KeyStore
	keys      Keys
	sessionID string
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics
	audit     *logging.AuditLogger
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.SessionID == "" {
		return nil, ErrNoSession
	}
	return &Coordinator{
		store:     cfg.Store,
		keys:      cfg.Keys,
		sessionID: cfg.SessionID,
		transport: cfg.Transport,
		logger:    logging.OrDefault(cfg.Logger, "keyshare"),
		metrics:   cfg.Metrics,
		audit:     cfg.Audit,
	}, nil
}

// SessionID returns the session this coordinator serves.
func (c *Coordinator) SessionID() string { return c.sessionID }

// EnsureShareKey returns the session's KeyShareKey, creating and storing
// it on first use.
func (c *Coordinator) EnsureShareKey(ctx context.Context) (*keyhierarchy.KeyShareKey, error) {
	var out *keyhierarchy.KeyShareKey
	err := c.store.Exclusive(ctx, func(ctx context.Context) error {
		existing, err := c.shareKey(ctx)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNoShareKey) {
			return err
		}

		master, err := c.keys.Master(ctx)
		if err != nil {
			return fmt.Errorf("load master key: %w", err)
		}
		k, err := keyhierarchy.NewKeyShareKey(master, c.sessionID)
		if err != nil {
			return fmt.Errorf("create share key: %w", err)
		}
		if err := c.store.PutValue(ctx, store.KindShareKeys, k.Hash(), c.sessionID, c.store.Now(), k); err != nil {
			k.Wipe()
			return err
		}
		c.logger.Info("share key created", "session", c.sessionID, "share_key", keyhierarchy.Fingerprint(k.Hash()))
		_ = c.audit.LogKeyGenerated(ctx, string(store.KindShareKeys), k.Hash())
		out = k
		return nil
	})
	return out, err
}

func (c *Coordinator) shareKey(ctx context.Context) (*keyhierarchy.KeyShareKey, error) {
	keys, err := store.LoadScope[keyhierarchy.KeyShareKey](ctx, c.store, store.KindShareKeys, c.sessionID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNoShareKey
	}
	return &keys[0], nil
}

// Announcement returns the public share key this session announces, as
// carried by sessions/encrypt/success.
func (c *Coordinator) Announcement(ctx context.Context) (keyhierarchy.KeyShareKeyPublic, error) {
	k, err := c.EnsureShareKey(ctx)
	if err != nil {
		return keyhierarchy.KeyShareKeyPublic{}, err
	}
	return k.Public(), nil
}

// VerifyAnnouncement checks that ann is certified by master.
func VerifyAnnouncement(ann keyhierarchy.KeyShareKeyPublic, master keyhierarchy.MasterKeyPublic) error {
	if err := ann.VerifyAgainst(master); err != nil {
		return protoerr.Validation("keyshare.announcement", protoerr.ReasonInvalidAttestation, err)
	}
	return nil
}

// SharePendingRotation seals account to every target session and hands
// the shares to the transport. This session's own announcement is skipped.
// Every target is verified against the MasterKey before anything is
// sealed.
func (c *Coordinator) SharePendingRotation(ctx context.Context, account *keyhierarchy.AccountKey, targets []keyhierarchy.KeyShareKeyPublic) ([]Share, error) {
	const op = "keyshare.share"

	master, err := c.keys.Master(ctx)
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}

	recipients := make([]keyhierarchy.KeyShareKeyPublic, 0, len(targets))
	for _, t := range targets {
		if t.SessionID == c.sessionID {
			continue
		}
		if err := VerifyAnnouncement(t, master.Public()); err != nil {
			c.metrics.KeyShare("out", "rejected")
			return nil, fmt.Errorf("session %s: %w", t.SessionID, err)
		}
		recipients = append(recipients, t)
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	plain, err := cbor.Marshal(account)
	if err != nil {
		return nil, fmt.Errorf("encode account key: %w", err)
	}
	defer primitives.Wipe(plain)

	accountHash := account.Hash()
	shares := make([]Share, 0, len(recipients))
	for _, t := range recipients {
		pub, err := primitives.BoxKey(t.BoxPub)
		if err != nil {
			return nil, protoerr.Validation(op, protoerr.ReasonMalformed, err)
		}
		ct, err := primitives.SealTo(pub, plain)
		if err != nil {
			return nil, fmt.Errorf("seal for session %s: %w", t.SessionID, err)
		}
		targetHash := t.Hash()
		sig, err := master.Sign(signatureData(accountHash, targetHash, ct))
		if err != nil {
			return nil, err
		}
		shares = append(shares, Share{
			ShareKeyHash:   targetHash,
			AccountKeyHash: accountHash,
			Ciphertext:     ct,
			Signature:      sig,
		})
	}

	if c.transport != nil {
		if err := c.transport.SendShares(ctx, shares); err != nil {
			c.metrics.KeyShare("out", "failed")
			return nil, protoerr.Network(op, err)
		}
	}
	c.metrics.KeyShare("out", "sent")
	c.logger.Info("account key shared",
		"account_key", keyhierarchy.Fingerprint(accountHash),
		"sessions", len(shares))
	_ = c.audit.LogKeyShare(ctx, "sent", accountHash, len(shares))
	return shares, nil
}

// Accept verifies and stores a share addressed to this session. It
// reports whether the latest AccountKey pointer advanced; a share older
// than the current AccountKey is stored for history only.
func (c *Coordinator) Accept(ctx context.Context, share Share) (bool, error) {
	const op = "keyshare.accept"

	master, err := c.keys.Master(ctx)
	if err != nil {
		return false, fmt.Errorf("load master key: %w", err)
	}
	if !primitives.Verify(master.SignPub, signatureData(share.AccountKeyHash, share.ShareKeyHash, share.Ciphertext), share.Signature) {
		c.metrics.KeyShare("in", "rejected")
		return false, protoerr.Validation(op, protoerr.ReasonBadSignature, nil)
	}

	sk, err := c.shareKey(ctx)
	if err != nil {
		if errors.Is(err, ErrNoShareKey) {
			return false, protoerr.Validation(op, protoerr.ReasonUnknownKey, err)
		}
		return false, err
	}
	if sk.Hash() != share.ShareKeyHash {
		c.metrics.KeyShare("in", "rejected")
		return false, protoerr.Validation(op, protoerr.ReasonUnknownKey,
			fmt.Errorf("share addressed to %s", keyhierarchy.Fingerprint(share.ShareKeyHash)))
	}

	plain, err := sk.Open(share.Ciphertext)
	if err != nil {
		c.metrics.KeyShare("in", "rejected")
		return false, protoerr.Decryption(op, err)
	}
	defer primitives.Wipe(plain)

	var account keyhierarchy.AccountKey
	if err := cbor.Unmarshal(plain, &account); err != nil {
		return false, protoerr.Validation(op, protoerr.ReasonMalformed, err)
	}
	if account.Hash() != share.AccountKeyHash {
		return false, protoerr.Validation(op, protoerr.ReasonMalformed,
			errors.New("account key does not match its advertised hash"))
	}
	if err := c.verifyAttestation(ctx, account.Public()); err != nil {
		c.metrics.KeyShare("in", "rejected")
		return false, err
	}

	advanced := false
	err = c.store.Exclusive(ctx, func(ctx context.Context) error {
		if err := c.store.PutValue(ctx, store.KindAccountKeys, account.Hash(), "", account.Timestamp, &account); err != nil {
			return err
		}
		ptr, err := c.store.GetPointer(ctx, store.KindLatestAccountKeyHash, store.SelfSlot)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil && ptr.Timestamp >= account.Timestamp {
			return nil
		}
		advanced = true
		return c.store.SetPointer(ctx, store.KindLatestAccountKeyHash, store.SelfSlot, account.Hash(), account.Timestamp)
	})
	account.Wipe()
	if err != nil {
		return false, err
	}

	c.metrics.KeyShare("in", "accepted")
	c.logger.Info("account key received",
		"account_key", keyhierarchy.Fingerprint(share.AccountKeyHash),
		"advanced", advanced)
	_ = c.audit.LogKeyShare(ctx, "accepted", share.AccountKeyHash, 1)
	return advanced, nil
}

func (c *Coordinator) verifyAttestation(ctx context.Context, account keyhierarchy.AccountKeyPublic) error {
	identities, err := c.keys.Identities(ctx)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	for _, id := range identities {
		if id.Hash() == account.IdentityHash {
			if err := account.VerifyAgainst(id); err != nil {
				return protoerr.Validation("keyshare.accept", protoerr.ReasonInvalidAttestation, err)
			}
			return nil
		}
	}
	return protoerr.Validation("keyshare.accept", protoerr.ReasonUnknownKey,
		fmt.Errorf("attesting identity %s is not held", keyhierarchy.Fingerprint(account.IdentityHash)))
}

func signatureData(accountHash, targetHash string, ciphertext []byte) []byte {
	data := make([]byte, 0, len(SignatureDomain)+len(accountHash)+len(targetHash)+2+len(ciphertext))
	data = append(data, SignatureDomain...)
	data = append(data, accountHash...)
	data = append(data, 0)
	data = append(data, targetHash...)
	data = append(data, 0)
	return append(data, ciphertext...)
}
