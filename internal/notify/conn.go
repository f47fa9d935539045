package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"memetrade/internal/protocol"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Conn is the server side of one notification channel.
type Conn struct {
	id     string
	hub    *Hub
	ws     *websocket.Conn
	userID string
	send   chan []byte

	mu     sync.Mutex
	authed bool
	closed bool
	once   sync.Once
}

func newConn(h *Hub, ws *websocket.Conn, userID string) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		hub:    h,
		ws:     ws,
		userID: userID,
		send:   make(chan []byte, h.cfg.SendBuffer),
	}
}

func (c *Conn) enqueue(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *Conn) closeWith(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		_ = c.ws.Close(code, reason)
	})
}

func (c *Conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writeLoop(ctx)
	c.readLoop(ctx)
	c.closeWith(websocket.StatusNormalClosure, "")
}

func (c *Conn) readLoop(ctx context.Context) {
	log := c.hub.log.With("conn_id", c.id)
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("notification channel read ended", "err", err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn("ignoring unparseable client message", "err", err)
			continue
		}
		switch msg.(type) {
		case protocol.Auth:
			if !c.authenticate(ctx) {
				return
			}
		default:
			log.Debug("ignoring client message", "type", msg.MessageType())
		}
	}
}

// authenticate answers the client's auth message. The identity was fixed when
// the connection was upgraded; nothing in the message is trusted.
func (c *Conn) authenticate(ctx context.Context) bool {
	if c.userID == "" {
		raw, _ := protocol.Encode(protocol.AuthError{Reason: "missing or invalid credentials"})
		wctx, cancel := context.WithTimeout(ctx, c.hub.cfg.WriteTimeout)
		_ = c.ws.Write(wctx, websocket.MessageText, raw)
		cancel()
		c.closeWith(websocket.StatusPolicyViolation, "unauthenticated")
		return false
	}

	raw, err := protocol.Encode(protocol.AuthSuccess{UserID: c.userID})
	if err != nil {
		return false
	}
	c.mu.Lock()
	first := !c.authed
	c.authed = true
	c.mu.Unlock()
	if first {
		return c.hub.register(c, raw)
	}
	return c.enqueue(raw)
}

func (c *Conn) writeLoop(ctx context.Context) {
	ping := time.NewTicker(c.hub.cfg.PingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, c.hub.cfg.WriteTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				c.hub.unregister(c)
				c.ws.CloseNow()
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, c.hub.cfg.WriteTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.hub.log.Debug("notification channel ping failed", "conn_id", c.id, "err", err)
				c.hub.unregister(c)
				c.ws.CloseNow()
				return
			}
		}
	}
}
