package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/core/service"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var errSlowConsumer = errors.New("websocket send buffer full")

// WSOut is every message pushed to a websocket client.
type WSOut struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Sessions is the part of the purchase coordinator a market window needs.
type Sessions interface {
	RegisterBuyer(ctx context.Context, stallID string, persona domain.PersonaID, cb service.SessionCallbacks) (domain.Session, error)
	RegisterSeller(ctx context.Context, stallID string, persona domain.PersonaID, cb service.SessionCallbacks) (domain.Session, error)
	Unregister(sessionID string) bool
}

// ClaimWindows is notified when a claimant's negotiation view disconnects.
type ClaimWindows interface {
	WindowClosed(persona domain.PersonaID) bool
}

// ClaimWindowsFunc adapts a function to ClaimWindows.
type ClaimWindowsFunc func(persona domain.PersonaID) bool

func (f ClaimWindowsFunc) WindowClosed(persona domain.PersonaID) bool { return f(persona) }

// PresenceTracker records which personas have a live game connection.
type PresenceTracker interface {
	Enter(c domain.Character)
	Leave(persona domain.PersonaID)
}

type topic string

const (
	topicNotices topic = "notices"
	topicClaim   topic = "claim"
)

type client struct {
	persona domain.PersonaID
	topic   topic
	send    chan []byte
	once    sync.Once
	done    chan struct{}
}

func newClient(persona domain.PersonaID, t topic) *client {
	return &client{persona: persona, topic: t, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

// enqueue never blocks: a client that cannot keep up loses the message.
func (c *client) enqueue(msg WSOut) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		return errSlowConsumer
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub serves market sessions and owner notifications over websockets.
type Hub struct {
	sessions Sessions
	claims   ClaimWindows
	presence PresenceTracker
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	watchers map[watchKey]map[*client]struct{}
}

type watchKey struct {
	persona domain.PersonaID
	topic   topic
}

func NewHub(sessions Sessions, claims ClaimWindows, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		sessions: sessions,
		claims:   claims,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		watchers: make(map[watchKey]map[*client]struct{}),
	}
}

// WithPresence marks personas in-world while their notification stream is open.
func (h *Hub) WithPresence(p PresenceTracker) *Hub {
	h.presence = p
	return h
}

// Notify implements port.OwnerNotifier. Offline owners miss the message.
func (h *Hub) Notify(_ context.Context, owner domain.PersonaID, message string, severity domain.Severity) {
	h.broadcast(owner, topicNotices, WSOut{Type: "notice", Payload: map[string]string{
		"message":  message,
		"severity": string(severity),
	}})
}

// CloseClaim tells the claimant's claim windows that the negotiation ended.
func (h *Hub) CloseClaim(persona domain.PersonaID, message string) {
	h.broadcast(persona, topicClaim, WSOut{Type: "claim_closed", Payload: map[string]string{"message": message}})
}

func (h *Hub) broadcast(persona domain.PersonaID, t topic, msg WSOut) {
	key := watchKey{persona, t}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.watchers[key]))
	for c := range h.watchers[key] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.enqueue(msg); err != nil {
			h.logger.Printf("ws hub: drop %s for %s: %v", msg.Type, persona, err)
		}
	}
}

// watch adds c and reports how many clients share its persona and topic.
// onFirst runs under the hub lock when c is the first of them.
func (h *Hub) watch(c *client, onFirst func()) int {
	key := watchKey{c.persona, c.topic}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[key]
	if !ok {
		set = make(map[*client]struct{})
		h.watchers[key] = set
	}
	set[c] = struct{}{}
	if len(set) == 1 && onFirst != nil {
		onFirst()
	}
	return len(set)
}

// unwatch removes c and reports how many clients are left on the same
// persona and topic. onLast runs under the hub lock when none are left.
func (h *Hub) unwatch(c *client, onLast func()) int {
	key := watchKey{c.persona, c.topic}
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.watchers[key]
	delete(set, c)
	if len(set) == 0 {
		delete(h.watchers, key)
		if onLast != nil {
			onLast()
		}
	}
	return len(set)
}

// Notifications streams owner notices for the caller. The stream is the
// player's game connection: the persona is in-world while one is open.
func (h *Hub) Notifications(w http.ResponseWriter, r *http.Request) {
	enter, leave := h.presenceHooks()
	h.watchTopic(w, r, topicNotices, enter, leave)
}

func (h *Hub) presenceHooks() (enter, leave func(Identity)) {
	if h.presence == nil {
		return nil, nil
	}
	enter = func(id Identity) {
		h.presence.Enter(domain.Character{ID: uuid.NewString(), Persona: id.Persona, Name: id.Name})
	}
	leave = func(id Identity) { h.presence.Leave(id.Persona) }
	return enter, leave
}

// ClaimWindow is the claimant's negotiation view. Closing the last one
// abandons the pending claim.
func (h *Hub) ClaimWindow(w http.ResponseWriter, r *http.Request) {
	// WindowClosed can call back into the hub; it runs outside the lock.
	persona, remaining, ok := h.watchTopic(w, r, topicClaim, nil, nil)
	if ok && remaining == 0 && h.claims != nil {
		h.claims.WindowClosed(persona)
	}
}

// watchTopic serves one stream. onFirst and onLast must not call back into
// the hub.
func (h *Hub) watchTopic(w http.ResponseWriter, r *http.Request, t topic, onFirst, onLast func(Identity)) (domain.PersonaID, int, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, Response{Message: ErrMissingToken.Error()})
		return "", 0, false
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return "", 0, false
	}
	c := newClient(id.Persona, t)
	h.watch(c, bind(onFirst, id))
	h.serve(conn, c)
	return id.Persona, h.unwatch(c, bind(onLast, id)), true
}

func bind(fn func(Identity), id Identity) func() {
	if fn == nil {
		return nil
	}
	return func() { fn(id) }
}

// MarketSession opens a buyer or seller session on a stall. The session
// lives exactly as long as the connection.
func (h *Hub) MarketSession(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, Response{Message: ErrMissingToken.Error()})
		return
	}
	vars := mux.Vars(r)
	stallID := vars["stallID"]
	register := h.sessions.RegisterBuyer
	switch domain.SessionKind(vars["kind"]) {
	case domain.SessionBuyer:
	case domain.SessionSeller:
		register = h.sessions.RegisterSeller
	default:
		writeJSON(w, http.StatusNotFound, Response{Message: "unknown session kind"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newClient(id.Persona, "")
	session, err := register(r.Context(), stallID, id.Persona, service.SessionCallbacks{
		OnSnapshot: func(s domain.Snapshot) error { return c.enqueue(WSOut{Type: "snapshot", Payload: s}) },
		OnResult:   func(res domain.Result) error { return c.enqueue(WSOut{Type: "result", Payload: res}) },
	})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, service.UserMessage(err)),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	_ = c.enqueue(WSOut{Type: "session", Payload: session})

	h.serve(conn, c)
	h.sessions.Unregister(session.ID)
}

// serve pumps c.send to the connection until the peer goes away.
func (h *Hub) serve(conn *websocket.Conn, c *client) {
	defer conn.Close()
	defer c.close()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case b := <-c.send:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					c.close()
					conn.Close()
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					c.close()
					conn.Close()
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
	}
}
