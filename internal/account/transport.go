package account

import (
	"context"

	"sealchat/internal/keyshare"
	"sealchat/internal/relay"
	"sealchat/internal/roomkey"
)

// relayTransport carries room key copies and key shares over the relay. It
// implements roomkey.Publisher, roomkey.CopyFetcher and keyshare.Transport.
type relayTransport struct {
	userID    string
	sender    relay.Sender
	requester relay.Requester
}

// PublishCopies sends every copy in one frame, so the relay holds either
// all of them or none.
func (t relayTransport) PublishCopies(ctx context.Context, copies []roomkey.Copy) error {
	if len(copies) == 0 {
		return nil
	}
	batch := relay.RoomKeyCopies{Copies: make([]relay.RoomKeyCopy, len(copies))}
	for i, c := range copies {
		batch.Copies[i] = relay.RoomKeyCopy{
			UserID:         c.UserID,
			ConversationID: c.ConversationID,
			RoomKeyHash:    c.RoomKeyHash,
			AccountKeyHash: c.AccountKeyHash,
			Ciphertext:     c.Ciphertext,
		}
	}
	return t.sender.Send(ctx, batch)
}

func (t relayTransport) FetchCopies(ctx context.Context, conversationID, roomKeyHash string) ([]roomkey.Copy, error) {
	raw, err := relay.FetchCopies(ctx, t.requester, t.userID, conversationID, roomKeyHash)
	if err != nil {
		return nil, err
	}
	out := make([]roomkey.Copy, len(raw))
	for i, c := range raw {
		out[i] = copyFromRelay(c)
	}
	return out, nil
}

func (t relayTransport) SendShares(ctx context.Context, shares []keyshare.Share) error {
	for _, s := range shares {
		err := t.sender.Send(ctx, relay.KeyShare{
			ShareKeyHash:   s.ShareKeyHash,
			AccountKeyHash: s.AccountKeyHash,
			Ciphertext:     s.Ciphertext,
			Signature:      s.Signature,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func copyFromRelay(c relay.RoomKeyCopy) roomkey.Copy {
	return roomkey.Copy{
		ConversationID: c.ConversationID,
		RoomKeyHash:    c.RoomKeyHash,
		UserID:         c.UserID,
		AccountKeyHash: c.AccountKeyHash,
		Ciphertext:     c.Ciphertext,
	}
}

func shareFromRelay(s relay.KeyShare) keyshare.Share {
	return keyshare.Share{
		ShareKeyHash:   s.ShareKeyHash,
		AccountKeyHash: s.AccountKeyHash,
		Ciphertext:     s.Ciphertext,
		Signature:      s.Signature,
	}
}
