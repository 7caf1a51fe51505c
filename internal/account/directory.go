package account

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"sealchat/internal/protoerr"
	"sealchat/internal/roomkey"
	"sealchat/internal/trust"
)

// Directory is an in-memory conversation membership list. It implements
// roomkey.Membership for sessions that learn participants out of band.
type Directory struct {
	mu      sync.RWMutex
	members map[string]map[string]roomkey.Participant
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{members: make(map[string]map[string]roomkey.Participant)}
}

// Join adds or replaces p in the conversation.
func (d *Directory) Join(conversationID string, p roomkey.Participant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[conversationID]
	if !ok {
		m = make(map[string]roomkey.Participant)
		d.members[conversationID] = m
	}
	m[p.UserID] = p
}

// Leave removes userID from the conversation.
func (d *Directory) Leave(conversationID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members[conversationID], userID)
}

// Participants implements roomkey.Membership. The result is ordered by
// user id.
func (d *Directory) Participants(_ context.Context, conversationID string) ([]roomkey.Participant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]roomkey.Participant, 0, len(d.members[conversationID]))
	for _, p := range d.members[conversationID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// observingMembership records the MasterKey each participant presents
// before the distributor verifies their identities against the ledger.
type observingMembership struct {
	inner  roomkey.Membership
	ledger *trust.Ledger
	logger *slog.Logger
}

func (m observingMembership) Participants(ctx context.Context, conversationID string) ([]roomkey.Participant, error) {
	if m.inner == nil {
		return nil, ErrNoMembership
	}
	ps, err := m.inner.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, p := range ps {
		if len(p.Master.SignPub) == 0 {
			continue
		}
		if _, err := m.ledger.RecordObservation(ctx, p.UserID, p.Master, 0); err != nil {
			if protoerr.Fatal(err) {
				return nil, err
			}
			m.logger.Warn("participant master key not recorded", "participant", p.UserID, "error", err)
		}
	}
	return ps, nil
}
