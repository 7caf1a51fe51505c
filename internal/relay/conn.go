package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"

	"sealchat/internal/logging"
	"sealchat/internal/metrics"
	"sealchat/internal/protoerr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256

	// DefaultDedupTTL is how long a delivered frame is remembered.
	DefaultDedupTTL = 10 * time.Minute
)

var ErrClosed = errors.New("relay: connection closed")

// Sender delivers a message to the relay.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Handler consumes inbound messages.
type Handler interface {
	HandleMessage(ctx context.Context, m Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, m Message) { f(ctx, m) }

// deduper drops frames already delivered within its TTL.
type deduper struct {
	seen *gocache.Cache
}

func newDeduper(ttl time.Duration) *deduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &deduper{seen: gocache.New(ttl, ttl)}
}

// first reports whether raw has not been seen before, and remembers it.
func (d *deduper) first(raw []byte) bool {
	sum := sha256.Sum256(raw)
	return d.seen.Add(hex.EncodeToString(sum[:]), struct{}{}, gocache.DefaultExpiration) == nil
}

// Conn is a session's persistent websocket to the relay.
type Conn struct {
	ws      *websocket.Conn
	send    chan []byte
	dedup   *deduper
	logger  *slog.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// ConnOption configures a Conn.
type ConnOption func(*connOptions)

type connOptions struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	dedupTTL time.Duration
	dialer   *websocket.Dialer
}

func WithConnLogger(l *slog.Logger) ConnOption { return func(o *connOptions) { o.logger = l } }

func WithConnMetrics(m *metrics.Metrics) ConnOption { return func(o *connOptions) { o.metrics = m } }

// WithDedupTTL sets how long delivered frames are remembered.
func WithDedupTTL(d time.Duration) ConnOption { return func(o *connOptions) { o.dedupTTL = d } }

// WebsocketURL builds the relay socket URL for a session.
func WebsocketURL(base, userID, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = SocketPath
	q := u.Query()
	q.Set("user", userID)
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the relay at rawURL, as built by WebsocketURL.
func Dial(ctx context.Context, rawURL string, opts ...ConnOption) (*Conn, error) {
	o := connOptions{dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(&o)
	}
	ws, resp, err := o.dialer.DialContext(ctx, rawURL, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, protoerr.Network("relay.dial", err)
	}

	c := &Conn{
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		dedup:   newDeduper(o.dedupTTL),
		logger:  logging.OrDefault(o.logger, "relay"),
		metrics: o.metrics,
		done:    make(chan struct{}),
	}
	c.metrics.RelayConnected(true)
	go c.writePump()
	return c, nil
}

// Send queues m for delivery.
func (c *Conn) Send(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		c.metrics.RelayMessage(m.Type(), "out")
		return nil
	case <-c.done:
		return protoerr.Network("relay.send", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run reads and dispatches inbound messages until ctx is cancelled or the
// connection drops. Invalid and duplicate frames are dropped.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			_ = c.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return protoerr.Network("relay.read", err)
		}
		if !c.dedup.first(data) {
			c.metrics.RelayDuplicate()
			continue
		}
		m, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping invalid relay message", "error", err)
			continue
		}
		c.metrics.RelayMessage(m.Type(), "in")
		h.HandleMessage(ctx, m)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("relay write failed", "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = c.ws.Close()
		c.metrics.RelayConnected(false)
	})
	return err
}
