package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"

	"sealchat/internal/logging"
	"sealchat/internal/metrics"
)

// SocketPath is the websocket endpoint of the hub.
const SocketPath = "/v1/ws"

// DefaultMigrationTTL bounds how long the hub routes one migration.
const DefaultMigrationTTL = 10 * time.Minute

// peer is one attached session.
type peer interface {
	deliver(m Message)
}

type sessionKey struct {
	user    string
	session string
}

// migration is the hub's routing record of one migration id.
type migration struct {
	user   string
	target string
	source string
}

// Hub is a reference relay: it routes migration and key-share messages
// between the sessions of one user and keeps RoomKey copies for later
// retrieval. It never sees plaintext key material.
type Hub struct {
	mu            sync.Mutex
	sessions      map[string]map[string]peer
	announcements map[sessionKey]EncryptSuccess
	copies        map[string][]RoomKeyCopy
	migrations    *gocache.Cache

	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithHubLogger(l *slog.Logger) HubOption { return func(h *Hub) { h.logger = l } }

func WithHubMetrics(m *metrics.Metrics) HubOption { return func(h *Hub) { h.metrics = m } }

// NewHub creates a Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sessions:      make(map[string]map[string]peer),
		announcements: make(map[sessionKey]EncryptSuccess),
		copies:        make(map[string][]RoomKeyCopy),
		migrations:    gocache.New(DefaultMigrationTTL, time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDefault(h.logger, "relay.hub")
	return h
}

func (h *Hub) register(user, session string, p peer) {
	h.mu.Lock()
	byUser, ok := h.sessions[user]
	if !ok {
		byUser = make(map[string]peer)
		h.sessions[user] = byUser
	}
	byUser[session] = p
	var known []EncryptSuccess
	for k, ann := range h.announcements {
		if k.user == user && k.session != session {
			known = append(known, ann)
		}
	}
	h.mu.Unlock()

	h.logger.Debug("session attached", "user", user, "session", session)
	for _, ann := range known {
		ann.MigrateID = ""
		p.deliver(ann)
	}
}

func (h *Hub) unregister(user, session string, p peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if byUser, ok := h.sessions[user]; ok && byUser[session] == p {
		delete(byUser, session)
		if len(byUser) == 0 {
			delete(h.sessions, user)
		}
	}
}

// peers returns the sessions of user, except those in skip.
func (h *Hub) peers(user string, skip ...string) []peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []peer
outer:
	for id, p := range h.sessions[user] {
		for _, s := range skip {
			if id == s {
				continue outer
			}
		}
		out = append(out, p)
	}
	return out
}

func (h *Hub) peer(user, session string) peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[user][session]
}

func copiesKey(user, conversationID, roomKeyHash string) string {
	return user + "\x00" + conversationID + "\x00" + roomKeyHash
}

// route handles one message sent by (user, session).
func (h *Hub) route(user, session string, m Message) {
	h.metrics.RelayMessage(m.Type(), "routed")

	switch v := m.(type) {
	case RequestMigrate:
		id := uuid.NewString()
		h.migrations.Set(id, &migration{user: user, target: session}, gocache.DefaultExpiration)
		h.logger.Info("migration requested", "user", user, "migrate_id", id)
		out := MigrateRequest{MigrateID: id, MigrateKeyPub: v.MigrateKeyPub}
		for _, p := range h.peers(user) {
			p.deliver(out)
		}

	case EncryptAccept:
		mig, ok := h.claim(v.MigrateID, user, session)
		if !ok {
			return
		}
		if p := h.peer(user, mig.target); p != nil {
			p.deliver(MigrateAccept{MigrateID: v.MigrateID, MigrateSignKeyPub: v.MigrateSignKeyPub})
		}
		notice := NoticeMigrateSignKey{MigrateID: v.MigrateID, MigrateSignKeyPub: v.MigrateSignKeyPub}
		for _, p := range h.peers(user, session, mig.target) {
			p.deliver(notice)
		}

	case EncryptSend:
		mig := h.lookup(v.MigrateID, user)
		if mig == nil || mig.source != session {
			h.logger.Debug("dropping bundle for unknown migration", "migrate_id", v.MigrateID)
			return
		}
		if p := h.peer(user, mig.target); p != nil {
			p.deliver(MigrateData(v))
		}

	case EncryptSuccess:
		h.mu.Lock()
		h.announcements[sessionKey{user, session}] = v
		h.mu.Unlock()
		if v.MigrateID != "" {
			if mig := h.lookup(v.MigrateID, user); mig == nil || mig.target != session {
				v.MigrateID = ""
			}
		}
		for _, p := range h.peers(user, session) {
			p.deliver(v)
		}

	case KeyShare:
		for _, p := range h.peers(user, session) {
			p.deliver(v)
		}

	case RoomKeyCopy:
		h.storeCopies(v)

	case RoomKeyCopies:
		h.storeCopies(v.Copies...)

	default:
		h.logger.Warn("dropping relay-only message from client", "type", m.Type(), "user", user)
	}
}

// storeCopies keeps copies under one lock and pushes each to the online
// sessions of its recipient.
func (h *Hub) storeCopies(copies ...RoomKeyCopy) {
	h.mu.Lock()
	for _, c := range copies {
		k := copiesKey(c.UserID, c.ConversationID, c.RoomKeyHash)
		h.copies[k] = append(h.copies[k], c)
	}
	h.mu.Unlock()
	for _, c := range copies {
		for _, p := range h.peers(c.UserID) {
			p.deliver(c)
		}
	}
}

// claim records session as the source of migrateID. Only the first accept
// wins.
func (h *Hub) claim(migrateID, user, session string) (migration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.migrations.Get(migrateID)
	if !ok {
		return migration{}, false
	}
	mig := v.(*migration)
	if mig.user != user || mig.source != "" || mig.target == session {
		return migration{}, false
	}
	mig.source = session
	return *mig, true
}

func (h *Hub) lookup(migrateID, user string) *migration {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.migrations.Get(migrateID)
	if !ok {
		return nil
	}
	mig := *v.(*migration)
	if mig.user != user {
		return nil
	}
	return &mig
}

// Online returns the attached sessions of user, sorted.
func (h *Hub) Online(user string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sessions[user]))
	for id := range h.sessions[user] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Copies returns the stored copies of a RoomKey addressed to user.
func (h *Hub) Copies(user, conversationID, roomKeyHash string) []RoomKeyCopy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]RoomKeyCopy(nil), h.copies[copiesKey(user, conversationID, roomKeyHash)]...)
}

// HubStats is a point-in-time view of the hub's state.
type HubStats struct {
	Users      int
	Sessions   int
	Copies     int
	Migrations int
}

// Stats counts attached sessions, stored copies and open migrations.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := HubStats{Users: len(h.sessions), Migrations: h.migrations.ItemCount()}
	for _, s := range h.sessions {
		st.Sessions += len(s)
	}
	for _, c := range h.copies {
		st.Copies += len(c)
	}
	return st
}

// Handler serves the socket and copies endpoints.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(SocketPath, h.serveWS)
	mux.HandleFunc(CopiesPath, h.serveCopies)
	return mux
}

func (h *Hub) serveCopies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req CopiesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copies := h.Copies(req.UserID, req.ConversationID, req.RoomKeyHash)
	raw := make([]json.RawMessage, 0, len(copies))
	for _, c := range copies {
		data, err := Encode(c)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		raw = append(raw, data)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Copies []json.RawMessage `json:"copies"`
	}{raw})
}

// wsPeer is a session attached over a websocket. send is never closed;
// done is closed once when the peer is detached and stops both the writer
// and further deliveries.
type wsPeer struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	user    string
	session string

	closeOnce sync.Once
}

func newWSPeer(h *Hub, conn *websocket.Conn, user, session string) *wsPeer {
	return &wsPeer{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		user:    user,
		session: session,
	}
}

func (p *wsPeer) deliver(m Message) {
	select {
	case <-p.done:
		return
	default:
	}
	data, err := Encode(m)
	if err != nil {
		p.hub.logger.Error("encode relay message", "type", m.Type(), "error", err)
		return
	}
	select {
	case <-p.done:
	case p.send <- data:
		p.hub.metrics.RelayMessage(m.Type(), "out")
	default:
		p.hub.logger.Warn("session send buffer full, disconnecting", "user", p.user, "session", p.session)
		p.hub.unregister(p.user, p.session, p)
		p.close()
	}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	session := r.URL.Query().Get("session")
	if user == "" || session == "" {
		http.Error(w, "user and session are required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	p := newWSPeer(h, conn, user, session)
	h.register(user, session, p)

	go p.writePump()
	go p.readPump()
}

func (p *wsPeer) readPump() {
	defer func() {
		p.hub.unregister(p.user, p.session, p)
		p.close()
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				p.hub.logger.Debug("websocket closed", "user", p.user, "error", err)
			}
			return
		}
		m, err := Decode(data)
		if err != nil {
			p.hub.logger.Warn("dropping invalid message", "user", p.user, "error", err)
			continue
		}
		p.hub.metrics.RelayMessage(m.Type(), "in")
		p.hub.route(p.user, p.session, m)
	}
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case <-p.done:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Endpoint is an in-process session attached to a Hub. Deliveries run on
// the endpoint's own goroutine, in order.
type Endpoint struct {
	hub     *Hub
	user    string
	session string
	handler Handler
	dedup   *deduper

	mu     sync.Mutex
	queue  []Message
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// Attach connects an in-process session to the hub.
func (h *Hub) Attach(user, session string, handler Handler) *Endpoint {
	e := &Endpoint{
		hub:     h,
		user:    user,
		session: session,
		handler: handler,
		dedup:   newDeduper(DefaultDedupTTL),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go e.loop()
	h.register(user, session, e)
	return e
}

var errEndpointClosed = errors.New("relay: endpoint closed")

// Send implements Sender.
func (e *Endpoint) Send(ctx context.Context, m Message) error {
	select {
	case <-e.closed:
		return errEndpointClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	// Round-trip through the wire format so in-process sessions see the
	// same validation as remote ones.
	data, err := Encode(m)
	if err != nil {
		return err
	}
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	e.hub.route(e.user, e.session, decoded)
	return nil
}

func (e *Endpoint) deliver(m Message) {
	data, err := Encode(m)
	if err != nil {
		e.hub.logger.Error("encode relay message", "type", m.Type(), "error", err)
		return
	}
	if !e.dedup.first(data) {
		e.hub.metrics.RelayDuplicate()
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, m)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) loop() {
	ctx := logging.ContextWithSessionID(context.Background(), e.session)
	for {
		select {
		case <-e.closed:
			return
		case <-e.wake:
		}
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			m := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			e.handler.HandleMessage(ctx, m)
		}
	}
}

// Close detaches the endpoint.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.hub.unregister(e.user, e.session, e)
		close(e.closed)
	})
	return nil
}
