package main

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealchat/internal/health"
	"sealchat/internal/logging"
	"sealchat/internal/migration"
	"sealchat/internal/relay"
)

func TestWaitFinal(t *testing.T) {
	ctx := context.Background()

	ch := make(chan migration.Event, 4)
	ch <- migration.Event{To: migration.Offered}
	ch <- migration.Event{To: migration.AwaitingCode, Code: "123456"}
	ch <- migration.Event{To: migration.Completed}
	var seen []migration.State
	require.NoError(t, waitFinal(ctx, ch, func(e migration.Event) error {
		seen = append(seen, e.To)
		return nil
	}))
	assert.Equal(t, []migration.State{migration.Offered, migration.AwaitingCode, migration.Completed}, seen)

	ch <- migration.Event{To: migration.Failed, Err: migration.ErrTimeout}
	err := waitFinal(ctx, ch, nil)
	assert.ErrorIs(t, err, migration.ErrTimeout)

	boom := errors.New("boom")
	ch <- migration.Event{To: migration.Offered}
	assert.ErrorIs(t, waitFinal(ctx, ch, func(migration.Event) error { return boom }), boom)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, waitFinal(cctx, ch, nil), context.DeadlineExceeded)
}

func TestConfirm(t *testing.T) {
	for in, want := range map[string]bool{
		"y\n":     true,
		"YES\n":   true,
		"n\n":     false,
		"\n":      false,
		"maybe":   false,
		" yes \n": true,
	} {
		assert.Equal(t, want, confirm(bufio.NewReader(strings.NewReader(in)), ""), "input %q", in)
	}
}

func TestOfflineSender(t *testing.T) {
	assert.ErrorIs(t, offline{}.Send(context.Background(), nil), errOffline)
}

type nopHandler struct{}

func (nopHandler) HandleMessage(context.Context, relay.Message) {}

func TestRelayHealth(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub(relay.WithHubLogger(logging.Discard()))
	c := relayHealth(hub, 1)

	res := c.Check(ctx)
	assert.Equal(t, health.StatusHealthy, c.OverallStatus())
	assert.Equal(t, 0, res["sessions"].Details["sessions"])

	a := hub.Attach("alice@x", "A", nopHandler{})
	defer a.Close()
	b := hub.Attach("alice@x", "B", nopHandler{})
	defer b.Close()
	res = c.Check(ctx)
	assert.Equal(t, health.StatusDegraded, res["sessions"].Status)
	assert.Equal(t, 1, res["hub"].Details["users"])
	assert.Equal(t, health.StatusDegraded, c.OverallStatus())
}
