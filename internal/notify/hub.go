package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"memetrade/internal/protocol"

	"github.com/coder/websocket"
)

type HubConfig struct {
	SendBuffer     int
	PingEvery      time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	OriginPatterns []string
}

func (c HubConfig) withDefaults() HubConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.PingEvery <= 0 {
		c.PingEvery = 25 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4096
	}
	return c
}

// Hub tracks the authenticated connections of this process per user and
// fans notifications out to them. Delivery is best effort: a connection
// whose buffer is full is dropped rather than waited on.
type Hub struct {
	cfg HubConfig
	log *slog.Logger

	mu    sync.RWMutex
	users map[string]map[*Conn]struct{}
}

func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:   cfg.withDefaults(),
		log:   logger,
		users: make(map[string]map[*Conn]struct{}),
	}
}

// Notify implements trade.Notifier for single-instance deployments.
func (h *Hub) Notify(_ context.Context, userID string, msg protocol.Message) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		h.log.Error("encode notification", "type", msg.MessageType(), "err", err)
		return
	}
	h.Deliver(userID, raw)
}

// Deliver queues an encoded message on every connection of userID and
// reports how many accepted it.
func (h *Hub) Deliver(userID string, raw []byte) int {
	if userID == "" {
		return 0
	}
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.enqueue(raw) {
			delivered++
			continue
		}
		h.log.Warn("notification buffer full, dropping connection", "user_id", userID, "conn_id", c.id)
		h.unregister(c)
		go c.closeWith(websocket.StatusPolicyViolation, "slow consumer")
	}
	return delivered
}

func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// register makes c reachable and queues greeting in the same critical
// section, so no delivery to the user can overtake it.
func (h *Hub) register(c *Conn, greeting []byte) bool {
	h.mu.Lock()
	if !c.enqueue(greeting) {
		h.mu.Unlock()
		return false
	}
	set, ok := h.users[c.userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("notification channel authenticated", "user_id", c.userID, "conn_id", c.id)
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.userID)
	}
}

// Serve upgrades the request and runs the connection until it closes.
// userID is the identity established from the upgrade credentials; empty
// means the caller could not be authenticated and will receive auth_error.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	c := newConn(h, ws, userID)
	defer h.unregister(c)
	c.run(r.Context())
}

// Shutdown closes every registered connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*Conn
	for _, set := range h.users {
		for c := range set {
			all = append(all, c)
		}
	}
	h.users = make(map[string]map[*Conn]struct{})
	h.mu.Unlock()
	for _, c := range all {
		c.closeWith(websocket.StatusGoingAway, "server shutting down")
	}
}
