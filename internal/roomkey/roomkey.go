// Package roomkey implements the RoomKeyDistributor: per-conversation
// symmetric keys, one sealed copy per participant AccountKey, and the
// send/receive key resolution used by the message codec.
package roomkey

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/singleflight"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/logging"
	"sealchat/internal/metrics"
	"sealchat/internal/primitives"
	"sealchat/internal/protoerr"
	"sealchat/internal/store"
)

// Creation causes, also used as metric labels.
const (
	CauseMissing    = "missing"
	CauseMembership = "membership"
	CauseForced     = "forced"
)

var (
	ErrNoParticipants = errors.New("roomkey: conversation has no participants")
	ErrNoIdentity     = errors.New("roomkey: no signing identity")
)

// Participant is one member of a conversation as seen by the sender.
type Participant struct {
	UserID     string
	Identity   keyhierarchy.IdentityKeyPublic
	AccountKey keyhierarchy.AccountKeyPublic
	// Master is the MasterKey the participant presented, when known.
	Master keyhierarchy.MasterKeyPublic
}

// Copy is one sealed RoomKey addressed to one AccountKey.
type Copy struct {
	ConversationID string `json:"conversationId"`
	RoomKeyHash    string `json:"roomKeyHash"`
	UserID         string `json:"userId,omitempty"`
	AccountKeyHash string `json:"accountKeyHash"`
	Ciphertext     []byte `json:"ciphertext"`
}

// Membership lists the current participants of a conversation, the caller
// included.
type Membership interface {
	Participants(ctx context.Context, conversationID string) ([]Participant, error)
}

// Publisher delivers sealed copies to their recipients.
type Publisher interface {
	PublishCopies(ctx context.Context, copies []Copy) error
}

// CopyFetcher retrieves the copies of a RoomKey addressed to the caller.
type CopyFetcher interface {
	FetchCopies(ctx context.Context, conversationID, roomKeyHash string) ([]Copy, error)
}

// Keys gives access to the caller's own key material.
type Keys interface {
	// Identity returns the current signing IdentityKey.
	Identity(ctx context.Context) (*keyhierarchy.IdentityKey, error)
	// AccountKeys returns every AccountKey held, retired ones included.
	AccountKeys(ctx context.Context) ([]*keyhierarchy.AccountKey, error)
}

// IdentityVerifier checks a participant identity against the trust ledger.
type IdentityVerifier interface {
	VerifyIdentityKey(ctx context.Context, userID string, identity keyhierarchy.IdentityKeyPublic, at int64) error
}

// sealedCopy is the plaintext inside a Copy.
type sealedCopy struct {
	RoomKey keyhierarchy.RoomKey           `cbor:"1,keyasint"`
	Creator keyhierarchy.IdentityKeyPublic `cbor:"2,keyasint"`
}

// Config wires a Distributor.
type Config struct {
	Store      *store.KeyStore
	Keys       Keys
	Membership Membership
	Publisher  Publisher
	Fetcher    CopyFetcher
	Verifier   IdentityVerifier
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Distributor is the RoomKeyDistributor of one session.
type Distributor struct {
	store      *store.KeyStore
	keys       Keys
	membership Membership
	publisher  Publisher
	fetcher    CopyFetcher
	verifier   IdentityVerifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	group singleflight.Group
}

// New creates a Distributor.
func New(cfg Config) *Distributor {
	d := &Distributor{
		store:      cfg.Store,
		keys:       cfg.Keys,
		membership: cfg.Membership,
		publisher:  cfg.Publisher,
		fetcher:    cfg.Fetcher,
		verifier:   cfg.Verifier,
		logger:     logging.OrDefault(cfg.Logger, "roomkey"),
		metrics:    cfg.Metrics,
		now:        cfg.Now,
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// CreateRoomKey creates a RoomKey for conversationID owned by owner and
// signed by identity.
func (d *Distributor) CreateRoomKey(identity *keyhierarchy.IdentityKey, conversationID, owner string) (*keyhierarchy.RoomKey, error) {
	if identity == nil {
		return nil, ErrNoIdentity
	}
	return keyhierarchy.NewRoomKey(identity, conversationID, owner, d.now().UnixMilli())
}

// Distribute seals rk once per participant. Every AccountKey attestation is
// verified before anything is sealed; any failure, including a UserID listed
// twice, yields no ciphertext at all.
func (d *Distributor) Distribute(ctx context.Context, rk *keyhierarchy.RoomKey, creator keyhierarchy.IdentityKeyPublic, participants []Participant) (map[string][]byte, error) {
	const op = "roomkey.distribute"
	start := time.Now()
	defer func() { d.metrics.ObserveDistribution(time.Since(start)) }()

	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}

	boxKeys := make(map[string]*[primitives.BoxKeySize]byte, len(participants))
	for _, p := range participants {
		if _, dup := boxKeys[p.UserID]; dup {
			return nil, protoerr.Validation(op, protoerr.ReasonMalformed,
				fmt.Errorf("duplicate participant %s", p.UserID))
		}
		if err := p.AccountKey.VerifyAgainst(p.Identity); err != nil {
			return nil, protoerr.Validation(op, protoerr.ReasonInvalidAttestation,
				fmt.Errorf("account key of %s: %w", p.UserID, err))
		}
		if d.verifier != nil {
			if err := d.verifier.VerifyIdentityKey(ctx, p.UserID, p.Identity, rk.Timestamp); err != nil {
				return nil, fmt.Errorf("identity of %s: %w", p.UserID, err)
			}
		}
		pub, err := p.AccountKey.BoxKey()
		if err != nil {
			return nil, protoerr.Validation(op, protoerr.ReasonMalformed, err)
		}
		boxKeys[p.UserID] = pub
	}

	plain, err := cbor.Marshal(sealedCopy{RoomKey: *rk, Creator: creator})
	if err != nil {
		return nil, fmt.Errorf("encode room key: %w", err)
	}
	defer primitives.Wipe(plain)

	out := make(map[string][]byte, len(participants))
	for userID, pub := range boxKeys {
		ct, err := primitives.SealTo(pub, plain)
		if err != nil {
			return nil, fmt.Errorf("seal room key for %s: %w", userID, err)
		}
		out[userID] = ct
	}
	return out, nil
}

// ResolveSendKey returns the owner's current RoomKey for the conversation.
// When none exists, or the latest one was not distributed to every current
// participant AccountKey, a new one is created, distributed, published and
// persisted first. Concurrent callers share one creation.
func (d *Distributor) ResolveSendKey(ctx context.Context, conversationID, owner string) (*keyhierarchy.RoomKey, error) {
	v, err, _ := d.group.Do(conversationID+"\x00"+owner, func() (any, error) {
		var rk *keyhierarchy.RoomKey
		err := d.store.Exclusive(ctx, func(ctx context.Context) error {
			participants, err := d.membership.Participants(ctx, conversationID)
			if err != nil {
				return fmt.Errorf("list participants: %w", err)
			}
			latest, err := d.latestOwned(ctx, conversationID, owner)
			if err != nil {
				return err
			}
			cause := CauseMissing
			if latest != nil {
				if latest.Covers(accountHashes(participants)) {
					rk = latest
					return nil
				}
				cause = CauseMembership
			}
			rk, err = d.rotate(ctx, conversationID, owner, participants, cause)
			return err
		})
		return rk, err
	})
	if err != nil {
		return nil, err
	}
	return clone(v.(*keyhierarchy.RoomKey)), nil
}

// Rotate forces a new RoomKey for the conversation.
func (d *Distributor) Rotate(ctx context.Context, conversationID, owner string) (*keyhierarchy.RoomKey, error) {
	var rk *keyhierarchy.RoomKey
	err := d.store.Exclusive(ctx, func(ctx context.Context) error {
		participants, err := d.membership.Participants(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		rk, err = d.rotate(ctx, conversationID, owner, participants, CauseForced)
		return err
	})
	return rk, err
}

// rotate runs inside the store critical section.
func (d *Distributor) rotate(ctx context.Context, conversationID, owner string, participants []Participant, cause string) (*keyhierarchy.RoomKey, error) {
	identity, err := d.keys.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	rk, err := d.CreateRoomKey(identity, conversationID, owner)
	if err != nil {
		return nil, err
	}
	rk.Recipients = accountHashes(participants)

	sealed, err := d.Distribute(ctx, rk, identity.Public(), participants)
	if err != nil {
		rk.Wipe()
		return nil, err
	}

	copies := make([]Copy, 0, len(participants))
	for _, p := range participants {
		copies = append(copies, Copy{
			ConversationID: conversationID,
			RoomKeyHash:    rk.HashHex,
			UserID:         p.UserID,
			AccountKeyHash: p.AccountKey.Hash(),
			Ciphertext:     sealed[p.UserID],
		})
	}
	if err := d.publisher.PublishCopies(ctx, copies); err != nil {
		rk.Wipe()
		return nil, protoerr.Network("roomkey.publish", err)
	}

	recs, err := d.records(rk, owner)
	if err != nil {
		return nil, err
	}
	if err := d.store.PutAll(ctx, recs); err != nil {
		return nil, err
	}

	d.metrics.RoomKeyCreated(cause)
	d.logger.Info("room key created",
		"conversation", conversationID,
		"room_key", keyhierarchy.Fingerprint(rk.HashHex),
		"recipients", len(copies),
		"cause", cause)
	return rk, nil
}

func (d *Distributor) records(rk *keyhierarchy.RoomKey, owner string) ([]store.Record, error) {
	keyRec, err := d.store.Seal(store.KindRoomKeys, rk.HashHex, rk.ConversationID, rk.Timestamp, rk)
	if err != nil {
		return nil, err
	}
	ptrRec, err := d.store.Seal(store.KindLatestRoomkeyHash, latestSlot(rk.ConversationID, owner), "", rk.Timestamp,
		store.Pointer{Hash: rk.HashHex, Timestamp: rk.Timestamp})
	if err != nil {
		return nil, err
	}
	return []store.Record{keyRec, ptrRec}, nil
}

func latestSlot(conversationID, owner string) string {
	return primitives.Hash([]byte(conversationID), []byte{0}, []byte(owner))
}

// latestOwned returns the newest RoomKey owner holds for the conversation.
func (d *Distributor) latestOwned(ctx context.Context, conversationID, owner string) (*keyhierarchy.RoomKey, error) {
	ptr, err := d.store.GetPointer(ctx, store.KindLatestRoomkeyHash, latestSlot(conversationID, owner))
	if err == nil {
		var rk keyhierarchy.RoomKey
		if err := d.store.GetValue(ctx, store.KindRoomKeys, ptr.Hash, &rk); err == nil {
			return &rk, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	all, err := d.OwnedKeys(ctx, conversationID, owner)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[0], nil
}

// OwnedKeys returns the RoomKeys owner holds for the conversation, newest
// first.
func (d *Distributor) OwnedKeys(ctx context.Context, conversationID, owner string) ([]keyhierarchy.RoomKey, error) {
	all, err := store.LoadScope[keyhierarchy.RoomKey](ctx, d.store, store.KindRoomKeys, conversationID)
	if err != nil {
		return nil, err
	}
	owned := all[:0]
	for _, rk := range all {
		if rk.OwnerUserID == owner {
			owned = append(owned, rk)
		}
	}
	keyhierarchy.SortNewestFirst(owned,
		func(r keyhierarchy.RoomKey) int64 { return r.Timestamp },
		func(r keyhierarchy.RoomKey) string { return r.HashHex })
	return owned, nil
}

// ResolveReceiveKey returns the RoomKey with hash keyHash for the
// conversation. It looks locally first, then fetches the copies addressed
// to the caller and tries every AccountKey held, retired ones included.
// It returns nil when nothing decrypts.
func (d *Distributor) ResolveReceiveKey(ctx context.Context, conversationID, keyHash string) (*keyhierarchy.RoomKey, error) {
	var rk keyhierarchy.RoomKey
	err := d.store.GetValue(ctx, store.KindRoomKeys, keyHash, &rk)
	switch {
	case err == nil:
		if rk.ConversationID != conversationID {
			return nil, nil
		}
		return &rk, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if d.fetcher == nil {
		return nil, nil
	}
	copies, err := d.fetcher.FetchCopies(ctx, conversationID, keyHash)
	if err != nil {
		return nil, protoerr.Network("roomkey.fetch", err)
	}
	if len(copies) == 0 {
		return nil, nil
	}

	accounts, err := d.keys.AccountKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load account keys: %w", err)
	}
	for _, c := range copies {
		if c.RoomKeyHash != keyHash || c.ConversationID != conversationID {
			continue
		}
		for _, acct := range orderFor(accounts, c.AccountKeyHash) {
			found, err := openCopy(acct, c)
			if err != nil {
				d.logger.Debug("room key copy did not open", "room_key", keyhierarchy.Fingerprint(keyHash), "error", err)
				continue
			}
			if err := d.store.PutValue(ctx, store.KindRoomKeys, found.HashHex, found.ConversationID, found.Timestamp, found); err != nil {
				return nil, err
			}
			return found, nil
		}
	}
	return nil, nil
}

// Accept opens a pushed copy and stores the RoomKey. It reports false when
// no held AccountKey opens it.
func (d *Distributor) Accept(ctx context.Context, c Copy) (bool, error) {
	accounts, err := d.keys.AccountKeys(ctx)
	if err != nil {
		return false, fmt.Errorf("load account keys: %w", err)
	}
	for _, acct := range orderFor(accounts, c.AccountKeyHash) {
		found, err := openCopy(acct, c)
		if err != nil {
			continue
		}
		if err := d.store.PutValue(ctx, store.KindRoomKeys, found.HashHex, found.ConversationID, found.Timestamp, found); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// orderFor tries the addressed account key first.
func orderFor(accounts []*keyhierarchy.AccountKey, hash string) []*keyhierarchy.AccountKey {
	out := make([]*keyhierarchy.AccountKey, 0, len(accounts))
	for _, a := range accounts {
		if a.Hash() == hash {
			out = append(out, a)
		}
	}
	for _, a := range accounts {
		if a.Hash() != hash {
			out = append(out, a)
		}
	}
	return out
}

func openCopy(acct *keyhierarchy.AccountKey, c Copy) (*keyhierarchy.RoomKey, error) {
	plain, err := acct.Open(c.Ciphertext)
	if err != nil {
		return nil, protoerr.Decryption("roomkey.open", err)
	}
	defer primitives.Wipe(plain)

	var sc sealedCopy
	if err := cbor.Unmarshal(plain, &sc); err != nil {
		return nil, protoerr.Validation("roomkey.open", protoerr.ReasonMalformed, err)
	}
	rk := sc.RoomKey
	if rk.HashHex != c.RoomKeyHash || rk.ConversationID != c.ConversationID {
		return nil, protoerr.Validation("roomkey.open", protoerr.ReasonMalformed, keyhierarchy.ErrInvalidRoomKey)
	}
	if err := rk.VerifyCreator(sc.Creator); err != nil {
		return nil, protoerr.Validation("roomkey.open", protoerr.ReasonBadSignature, err)
	}
	return &rk, nil
}

func accountHashes(participants []Participant) []string {
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		out = append(out, p.AccountKey.Hash())
	}
	sort.Strings(out)
	return out
}

func clone(rk *keyhierarchy.RoomKey) *keyhierarchy.RoomKey {
	c := *rk
	c.Key = bytes.Clone(rk.Key)
	c.Recipients = append([]string(nil), rk.Recipients...)
	return &c
}
