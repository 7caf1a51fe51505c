// Package message implements the MessageCodec: authenticated encryption of
// chat payloads under a RoomKey and the acceptance pipeline for inbound
// messages.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/logging"
	"sealchat/internal/metrics"
	"sealchat/internal/primitives"
	"sealchat/internal/protoerr"
	"sealchat/internal/trust"
)

// SignatureDomain separates message signatures from every other signature
// made with an IdentityKey.
const SignatureDomain = "sealchat-message-v1"

// DefaultTolerance is the accepted lag between the embedded and transport
// timestamps.
const DefaultTolerance = 60 * time.Second

// TypeText is the default payload type.
const TypeText = "text"

// Reason is why an inbound message was rejected.
type Reason string

const (
	UnknownRoomKey       Reason = "UnknownRoomKey"
	DecryptionFailure    Reason = "DecryptionFailure"
	BadSignature         Reason = "BadSignature"
	UntrustedIdentity    Reason = "UntrustedIdentity"
	StaleOrFutureMessage Reason = "StaleOrFutureMessage"
)

// Rejection is the non-fatal outcome of Decode for a message that must be
// skipped.
type Rejection struct {
	Reason      Reason
	RoomKeyHash string
	Sender      string
	Err         error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("message rejected (%s): %v", r.Reason, r.Err)
	}
	return fmt.Sprintf("message rejected (%s)", r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

// AsRejection reports whether err is a Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}

// Payload is the structural envelope that is encrypted and signed.
type Payload struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Envelope is an encrypted message as carried by the transport.
type Envelope struct {
	ConversationID string                         `json:"conversationId"`
	RoomKeyHash    string                         `json:"roomKeyHash"`
	Ciphertext     []byte                         `json:"ciphertext"`
	Signature      []byte                         `json:"signature"`
	SenderUserID   string                         `json:"senderUserId"`
	SenderIdentity keyhierarchy.IdentityKeyPublic `json:"senderIdentity"`
	SenderMaster   keyhierarchy.MasterKeyPublic   `json:"senderMaster"`
}

// Inbound is an Envelope with the timestamp the transport delivered it at.
type Inbound struct {
	Envelope
	TransportTimestamp int64 `json:"transportTimestamp"`
}

// Decoded is an accepted message.
type Decoded struct {
	Payload
	ConversationID string
	RoomKeyHash    string
	SenderUserID   string
	MasterHash     string
	Trust          trust.Level
}

// Sender is the local identity messages are encoded as.
type Sender struct {
	UserID   string
	Identity *keyhierarchy.IdentityKey
	Master   keyhierarchy.MasterKeyPublic
}

// KeyResolver finds the RoomKey an inbound message names.
type KeyResolver interface {
	ResolveReceiveKey(ctx context.Context, conversationID, keyHash string) (*keyhierarchy.RoomKey, error)
}

// Candidates is a fixed set of RoomKeys usable as a KeyResolver.
type Candidates []keyhierarchy.RoomKey

// ResolveReceiveKey implements KeyResolver.
func (c Candidates) ResolveReceiveKey(_ context.Context, conversationID, keyHash string) (*keyhierarchy.RoomKey, error) {
	for i := range c {
		if c[i].HashHex != keyHash {
			continue
		}
		if conversationID != "" && c[i].ConversationID != conversationID {
			continue
		}
		return &c[i], nil
	}
	return nil, nil
}

// Ledger is the part of the trust ledger the codec consults. A MasterKey
// seen on a message is only written once the message is accepted.
type Ledger interface {
	ObserveMaster(ctx context.Context, userID string, master keyhierarchy.MasterKeyPublic, at int64) (trust.Observation, error)
	CommitObservation(ctx context.Context, obs trust.Observation) (trust.AllowKeyRecord, error)
	VerifyIdentityWith(ctx context.Context, userID string, identity keyhierarchy.IdentityKeyPublic, at int64, pending ...trust.AllowKeyRecord) (trust.AllowKeyRecord, error)
}

// Codec encodes and decodes messages for one session.
type Codec struct {
	ledger    Ledger
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tolerance time.Duration
	now       func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

func WithLogger(l *slog.Logger) Option { return func(c *Codec) { c.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Codec) { c.metrics = m } }

// WithTolerance sets the accepted transport lag.
func WithTolerance(d time.Duration) Option { return func(c *Codec) { c.tolerance = d } }

// WithClock sets the clock used for outgoing timestamps.
func WithClock(now func() time.Time) Option { return func(c *Codec) { c.now = now } }

// New creates a Codec.
func New(ledger Ledger, opts ...Option) *Codec {
	c := &Codec{
		ledger:    ledger,
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger, "message")
	return c
}

// Encode encrypts payload under rk and signs it as sender. A zero payload
// timestamp is set to now and an empty type to TypeText.
func (c *Codec) Encode(payload Payload, rk *keyhierarchy.RoomKey, sender Sender) (*Envelope, error) {
	if rk == nil || len(rk.Key) == 0 {
		return nil, keyhierarchy.ErrWiped
	}
	if sender.Identity == nil {
		return nil, errors.New("message: no sender identity")
	}
	if payload.Type == "" {
		payload.Type = TypeText
	}
	if payload.Timestamp == 0 {
		payload.Timestamp = c.now().UnixMilli()
	}

	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	defer primitives.Wipe(plain)

	ct, err := primitives.Encrypt(rk.Key, plain, []byte(rk.HashHex))
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	sig, err := sender.Identity.Sign(signatureData(rk.HashHex, plain))
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return &Envelope{
		ConversationID: rk.ConversationID,
		RoomKeyHash:    rk.HashHex,
		Ciphertext:     ct,
		Signature:      sig,
		SenderUserID:   sender.UserID,
		SenderIdentity: sender.Identity.Public(),
		SenderMaster:   sender.Master,
	}, nil
}

// Decode runs the acceptance pipeline on in. The steps run in order and
// stop at the first failure, which is returned as a *Rejection. Any other
// error is not about this message and should stop the caller.
func (c *Codec) Decode(ctx context.Context, in Inbound, keys KeyResolver) (*Decoded, error) {
	d, err := c.decode(ctx, in, keys)
	if err != nil {
		if r, ok := AsRejection(err); ok {
			c.metrics.MessageDecoded(string(r.Reason))
			logging.FromContext(ctx, c.logger).Debug("message rejected",
				"reason", r.Reason,
				"sender", in.SenderUserID,
				"room_key", keyhierarchy.Fingerprint(in.RoomKeyHash),
				"error", r.Err)
		}
		return nil, err
	}
	c.metrics.MessageDecoded("accepted")
	return d, nil
}

func (c *Codec) decode(ctx context.Context, in Inbound, keys KeyResolver) (*Decoded, error) {
	reject := func(reason Reason, err error) error {
		return &Rejection{Reason: reason, RoomKeyHash: in.RoomKeyHash, Sender: in.SenderUserID, Err: err}
	}

	// 1. room key
	rk, err := keys.ResolveReceiveKey(ctx, in.ConversationID, in.RoomKeyHash)
	if err != nil {
		if protoerr.Skippable(err) {
			return nil, reject(UnknownRoomKey, err)
		}
		return nil, err
	}
	if rk == nil || len(rk.Key) == 0 {
		return nil, reject(UnknownRoomKey, nil)
	}

	// 2. decrypt
	plain, err := primitives.Decrypt(rk.Key, in.Ciphertext, []byte(rk.HashHex))
	if err != nil {
		return nil, reject(DecryptionFailure, protoerr.Decryption("message.decode", err))
	}
	defer primitives.Wipe(plain)
	var payload Payload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, reject(DecryptionFailure, protoerr.Validation("message.decode", protoerr.ReasonMalformed, err))
	}

	// 3. signature by the claimed identity
	if !in.SenderIdentity.VerifySignature(signatureData(rk.HashHex, plain), in.Signature) {
		return nil, reject(BadSignature, protoerr.Validation("message.decode", protoerr.ReasonBadSignature, nil))
	}

	// 4. identity certified by the master in effect at send time
	var obs *trust.Observation
	if len(in.SenderMaster.SignPub) > 0 {
		o, err := c.ledger.ObserveMaster(ctx, in.SenderUserID, in.SenderMaster, payload.Timestamp)
		if err != nil {
			if protoerr.Fatal(err) {
				return nil, err
			}
			return nil, reject(UntrustedIdentity, err)
		}
		obs = &o
	}
	var pending []trust.AllowKeyRecord
	if obs != nil {
		pending = obs.Pending()
	}
	rec, err := c.ledger.VerifyIdentityWith(ctx, in.SenderUserID, in.SenderIdentity, payload.Timestamp, pending...)
	if err != nil {
		if protoerr.Fatal(err) {
			return nil, err
		}
		return nil, reject(UntrustedIdentity, err)
	}

	// 5. timestamps
	lag := in.TransportTimestamp - payload.Timestamp
	if lag < 0 || lag > c.tolerance.Milliseconds() {
		return nil, reject(StaleOrFutureMessage,
			fmt.Errorf("embedded %d, transport %d", payload.Timestamp, in.TransportTimestamp))
	}

	if obs != nil && !obs.Known {
		committed, err := c.ledger.CommitObservation(ctx, *obs)
		if err != nil {
			if protoerr.Fatal(err) {
				return nil, err
			}
			return nil, reject(UntrustedIdentity, err)
		}
		if committed.KeyHash == rec.KeyHash {
			rec = committed
		}
	}

	return &Decoded{
		Payload:        payload,
		ConversationID: rk.ConversationID,
		RoomKeyHash:    rk.HashHex,
		SenderUserID:   in.SenderUserID,
		MasterHash:     rec.KeyHash,
		Trust:          rec.Type.Level(),
	}, nil
}

// DecodeBatch decodes every message, skipping rejected ones. A non-rejection
// error stops the batch and is returned with what was decoded so far.
func (c *Codec) DecodeBatch(ctx context.Context, batch []Inbound, keys KeyResolver) ([]Decoded, []Rejection, error) {
	var (
		accepted []Decoded
		rejected []Rejection
	)
	for _, in := range batch {
		if err := ctx.Err(); err != nil {
			return accepted, rejected, err
		}
		d, err := c.Decode(ctx, in, keys)
		if err != nil {
			if r, ok := AsRejection(err); ok {
				rejected = append(rejected, *r)
				continue
			}
			return accepted, rejected, err
		}
		accepted = append(accepted, *d)
	}
	return accepted, rejected, nil
}

func signatureData(roomKeyHash string, payload []byte) []byte {
	data := make([]byte, 0, len(SignatureDomain)+len(roomKeyHash)+1+len(payload))
	data = append(data, SignatureDomain...)
	data = append(data, roomKeyHash...)
	data = append(data, 0)
	return append(data, payload...)
}
