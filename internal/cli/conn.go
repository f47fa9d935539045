package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"memetrade/internal/protocol"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var (
	ErrAuthRejected = errors.New("notification channel rejected credentials")
	ErrClosed       = errors.New("notification channel closed")
)

// Event is one item on the manager's stream: either a server message or a
// cue that events may have been missed and state must be refetched.
type Event struct {
	Message protocol.Message
	Resync  bool
}

type ConnConfig struct {
	URL string
	// Token is sent as a bearer header. Ticket, when set, is called before
	// every dial and its result passed as ?ticket= instead.
	Token       string
	Ticket      func(ctx context.Context) (string, error)
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	AuthTimeout time.Duration
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	return c
}

// ConnManager owns the notification channel of one logged-in user.
type ConnManager struct {
	cfg    ConnConfig
	log    *slog.Logger
	events chan Event

	mu     sync.Mutex
	ws     *websocket.Conn
	authed bool
	userID string
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConnManager(cfg ConnConfig, logger *slog.Logger) *ConnManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnManager{
		cfg:    cfg.withDefaults(),
		log:    logger,
		events: make(chan Event, 64),
	}
}

func (m *ConnManager) Events() <-chan Event { return m.events }

func (m *ConnManager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authed
}

func (m *ConnManager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Open connects and authenticates, then keeps the channel alive in the
// background until Close or ctx ends.
func (m *ConnManager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.done != nil {
		m.mu.Unlock()
		return errors.New("notification channel already open")
	}
	m.mu.Unlock()

	ws, err := m.connect(ctx)
	if err != nil {
		return err
	}
	return m.start(ctx, ws)
}

// start hands an authenticated connection to the background loop unless
// Close ran after the handshake, in which case the stream is already closed.
func (m *ConnManager) start(ctx context.Context, ws *websocket.Conn) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		ws.CloseNow()
		return ErrClosed
	}
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()
	go m.run(runCtx, ws)
	return nil
}

// Send writes a message when the channel is authenticated. Before that the
// message is dropped and sent reports false.
func (m *ConnManager) Send(ctx context.Context, msg protocol.Message) (bool, error) {
	m.mu.Lock()
	ws, authed := m.ws, m.authed
	m.mu.Unlock()
	if !authed || ws == nil {
		return false, nil
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return false, err
	}
	if err := wsjson.Write(ctx, ws, json.RawMessage(raw)); err != nil {
		return false, err
	}
	return true, nil
}

func (m *ConnManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.authed = false
	ws, cancel, done := m.ws, m.cancel, m.done
	m.mu.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "logout")
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	} else {
		close(m.events)
	}
	return nil
}

func (m *ConnManager) run(ctx context.Context, ws *websocket.Conn) {
	defer close(m.done)
	defer close(m.events)

	for {
		err := m.readLoop(ctx, ws)
		m.drop()
		ws.CloseNow()
		if m.isClosed() || ctx.Err() != nil {
			return
		}
		m.log.Warn("notification channel lost, reconnecting", "err", err)

		ws, err = m.reconnect(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.log.Error("notification channel gave up", "err", err)
			}
			return
		}
		if !m.emit(ctx, Event{Resync: true}) {
			ws.CloseNow()
			return
		}
	}
}

func (m *ConnManager) reconnect(ctx context.Context) (*websocket.Conn, error) {
	delay := m.cfg.MinBackoff
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		ws, err := m.connect(ctx)
		if err == nil {
			return ws, nil
		}
		if errors.Is(err, ErrAuthRejected) || ctx.Err() != nil {
			return nil, err
		}
		m.log.Debug("reconnect attempt failed", "err", err, "retry_in", delay)
		delay = nextBackoff(delay, m.cfg.MaxBackoff)
	}
}

func nextBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}

// connect dials and completes the auth handshake.
func (m *ConnManager) connect(ctx context.Context) (*websocket.Conn, error) {
	target, header, err := m.dialTarget(ctx)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial notification channel: %w", err)
	}

	actx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()
	auth, _ := protocol.Encode(protocol.Auth{})
	if err := wsjson.Write(actx, ws, json.RawMessage(auth)); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("send auth: %w", err)
	}
	for {
		msg, err := readMessage(actx, ws)
		if err != nil {
			ws.CloseNow()
			return nil, fmt.Errorf("await auth reply: %w", err)
		}
		switch reply := msg.(type) {
		case protocol.AuthSuccess:
			if !m.adopt(ws, reply.UserID) {
				ws.CloseNow()
				return nil, ErrClosed
			}
			return ws, nil
		case protocol.AuthError:
			ws.CloseNow()
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, reply.Reason)
		}
	}
}

func (m *ConnManager) dialTarget(ctx context.Context) (string, http.Header, error) {
	header := http.Header{}
	if m.cfg.Ticket == nil {
		if m.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+m.cfg.Token)
		}
		return m.cfg.URL, header, nil
	}
	ticket, err := m.cfg.Ticket(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("fetch ticket: %w", err)
	}
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", nil, err
	}
	q := u.Query()
	q.Set("ticket", ticket)
	u.RawQuery = q.Encode()
	return u.String(), header, nil
}

func (m *ConnManager) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		msg, err := readMessage(ctx, ws)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrMalformed) {
				m.log.Debug("ignoring notification", "err", err)
				continue
			}
			return err
		}
		if !m.emit(ctx, Event{Message: msg}) {
			return ctx.Err()
		}
	}
}

func (m *ConnManager) emit(ctx context.Context, ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// adopt installs an authenticated connection unless Close already ran.
func (m *ConnManager) adopt(ws *websocket.Conn, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.ws = ws
	m.authed = true
	m.userID = userID
	return true
}

func (m *ConnManager) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ws = nil
	m.authed = false
}

func (m *ConnManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func readMessage(ctx context.Context, ws *websocket.Conn) (protocol.Message, error) {
	var raw json.RawMessage
	if err := wsjson.Read(ctx, ws, &raw); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
		}
		return nil, err
	}
	return protocol.Decode(raw)
}
