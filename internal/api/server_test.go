package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"memetrade/internal/auth"
	"memetrade/internal/notify"
	"memetrade/internal/protocol"
	"memetrade/internal/store/memory"
	"memetrade/internal/trade"

	"github.com/coder/websocket"
)

type fakeAccounts struct {
	tokens map[string]auth.Identity
}

func (f *fakeAccounts) Verify(_ context.Context, token string) (auth.Identity, error) {
	id, ok := f.tokens[token]
	if !ok {
		return auth.Identity{}, auth.ErrUnauthorized
	}
	return id, nil
}

func (f *fakeAccounts) SignUp(_ context.Context, email, _, username string) (auth.Session, error) {
	id := "u-" + strings.Split(email, "@")[0]
	f.tokens["tok-"+id] = auth.Identity{UserID: id, Email: email, Username: username}
	return auth.Session{AccessToken: "tok-" + id, User: auth.User{ID: id, Email: email}}, nil
}

func (f *fakeAccounts) Login(_ context.Context, email, _ string) (auth.Session, error) {
	id := "u-" + strings.Split(email, "@")[0]
	if _, ok := f.tokens["tok-"+id]; !ok {
		return auth.Session{}, auth.ErrUnauthorized
	}
	return auth.Session{AccessToken: "tok-" + id, User: auth.User{ID: id, Email: email}}, nil
}

type testEnv struct {
	srv   *httptest.Server
	store *memory.Store
	hub   *notify.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := memory.New()
	mem.AddUser("alice", 500)
	mem.AddUser("bob", 200)
	mem.SetOwner(trade.KindCollectible, "golden-doge", "bob")

	hub := notify.NewHub(notify.HubConfig{}, nil)
	svc := trade.NewService(mem, hub, nil)
	tickets, err := auth.NewTicketIssuer(strings.Repeat("k", 32), time.Minute)
	if err != nil {
		t.Fatalf("tickets: %v", err)
	}
	accounts := &fakeAccounts{tokens: map[string]auth.Identity{
		"tok-alice": {UserID: "alice", Email: "alice@example.com"},
		"tok-bob":   {UserID: "bob", Email: "bob@example.com"},
	}}
	srv := httptest.NewServer(New(nil, accounts, tickets, svc, hub).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: mem, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw := new(bytes.Buffer)
	_, _ = raw.ReadFrom(resp.Body)
	var generic map[string]any
	_ = json.Unmarshal(raw.Bytes(), &generic)
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", raw.String(), err)
		}
	}
	return resp.StatusCode, generic
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/v1/offers", "", nil, nil)
	if status != http.StatusUnauthorized || body["code"] != "unauthorized" {
		t.Fatalf("status=%d body=%v", status, body)
	}
	status, _ = env.do(t, http.MethodGet, "/v1/offers", "forged", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("forged token status=%d", status)
	}
	status, _ = env.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("healthz status=%d", status)
	}
}

func TestTradeOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	var offer trade.Offer
	status, body := env.do(t, http.MethodPost, "/v1/offers", "tok-alice", map[string]string{"target_id": "bob"}, &offer)
	if status != http.StatusCreated {
		t.Fatalf("propose status=%d body=%v", status, body)
	}
	status, body = env.do(t, http.MethodPost, "/v1/offers", "tok-alice", map[string]string{"target_id": "bob"}, nil)
	if status != http.StatusConflict || body["code"] != "already_pending" {
		t.Fatalf("duplicate propose status=%d body=%v", status, body)
	}
	status, body = env.do(t, http.MethodPost, "/v1/offers/"+offer.ID+"/accept", "tok-alice", nil, nil)
	if status != http.StatusForbidden || body["code"] != "not_authorized" {
		t.Fatalf("proposer accept status=%d body=%v", status, body)
	}

	var sess trade.Session
	if status, body = env.do(t, http.MethodPost, "/v1/offers/"+offer.ID+"/accept", "tok-bob", nil, &sess); status != http.StatusCreated {
		t.Fatalf("accept status=%d body=%v", status, body)
	}
	if sess.Status != trade.SessionActive || len(sess.Items) != 0 {
		t.Fatalf("session=%+v", sess)
	}

	base := "/v1/sessions/" + sess.ID
	status, body = env.do(t, http.MethodPost, base+"/items", "tok-alice", map[string]any{"kind": "coins", "quantity": 9999}, nil)
	if status != http.StatusBadRequest || body["code"] != "insufficient_holding" {
		t.Fatalf("overdraw status=%d body=%v", status, body)
	}
	if status, body = env.do(t, http.MethodPost, base+"/items", "tok-alice", map[string]any{"kind": "coins", "quantity": 100}, nil); status != http.StatusCreated {
		t.Fatalf("add coins status=%d body=%v", status, body)
	}
	if status, body = env.do(t, http.MethodPost, base+"/items", "tok-bob", map[string]any{"kind": "collectible", "item_ref": "golden-doge", "quantity": 1}, nil); status != http.StatusCreated {
		t.Fatalf("add collectible status=%d body=%v", status, body)
	}
	if status, body = env.do(t, http.MethodPost, base+"/ready", "tok-alice", nil, nil); status != http.StatusOK {
		t.Fatalf("alice ready status=%d body=%v", status, body)
	}
	var done trade.Session
	if status, body = env.do(t, http.MethodPost, base+"/ready", "tok-bob", nil, &done); status != http.StatusOK {
		t.Fatalf("bob ready status=%d body=%v", status, body)
	}
	if done.Status != trade.SessionCompleted {
		t.Fatalf("status=%s", done.Status)
	}
	if got := env.store.HoldingOf("alice", trade.Asset{Kind: trade.KindCollectible, Ref: "golden-doge"}); got != 1 {
		t.Fatalf("collectible did not move")
	}

	status, body = env.do(t, http.MethodPost, base+"/cancel", "tok-alice", nil, nil)
	if status != http.StatusConflict || body["code"] != "session_not_active" {
		t.Fatalf("cancel after completion status=%d body=%v", status, body)
	}
	status, _ = env.do(t, http.MethodGet, "/v1/sessions/unknown", "tok-alice", nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown session status=%d", status)
	}
}

func TestHoldingsAndMe(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/v1/holdings?kind=coins", "tok-bob", nil, nil)
	if status != http.StatusOK || body["quantity"] != float64(200) {
		t.Fatalf("status=%d body=%v", status, body)
	}
	status, body = env.do(t, http.MethodGet, "/v1/holdings?kind=spaceship&ref=x", "tok-bob", nil, nil)
	if status != http.StatusBadRequest || body["code"] != "invalid_line_item" {
		t.Fatalf("status=%d body=%v", status, body)
	}
	status, body = env.do(t, http.MethodGet, "/v1/me", "tok-alice", nil, nil)
	if status != http.StatusOK || body["user_id"] != "alice" || body["coins"] != float64(500) {
		t.Fatalf("status=%d body=%v", status, body)
	}
}

func TestSignupCreatesParticipant(t *testing.T) {
	env := newTestEnv(t)
	var sess auth.Session
	status, body := env.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email": "dora@example.com", "password": "pw", "username": "dora",
	}, &sess)
	if status != http.StatusCreated {
		t.Fatalf("status=%d body=%v", status, body)
	}
	if got := env.store.HoldingOf("u-dora", trade.Asset{Kind: trade.KindCoins}); got != trade.StarterCoins {
		t.Fatalf("starter coins=%d", got)
	}
	var offer trade.Offer
	if status, body = env.do(t, http.MethodPost, "/v1/offers", "tok-alice", map[string]string{"target_id": "u-dora"}, &offer); status != http.StatusCreated {
		t.Fatalf("propose to new user status=%d body=%v", status, body)
	}
}

func TestWebSocketTicketFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ticket struct {
		Ticket string `json:"ticket"`
	}
	if status, body := env.do(t, http.MethodPost, "/v1/ws/ticket", "tok-bob", nil, &ticket); status != http.StatusCreated {
		t.Fatalf("ticket status=%d body=%v", status, body)
	}

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/ws?ticket=" + ticket.Ticket
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.CloseNow()

	raw, _ := protocol.Encode(protocol.Auth{})
	if err := ws.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, ctx, ws)
	if ok, isOK := msg.(protocol.AuthSuccess); !isOK || ok.UserID != "bob" {
		t.Fatalf("expected auth_success for bob, got %#v", msg)
	}

	var offer trade.Offer
	if status, body := env.do(t, http.MethodPost, "/v1/offers", "tok-alice", map[string]string{"target_id": "bob"}, &offer); status != http.StatusCreated {
		t.Fatalf("propose status=%d body=%v", status, body)
	}
	got, ok := readMessage(t, ctx, ws).(protocol.Offer)
	if !ok || got.OfferID != offer.ID || got.FromIdentity != "alice" {
		t.Fatalf("offer notification=%#v", got)
	}
}

func TestWebSocketBadTicket(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/ws?ticket=forged"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.CloseNow()
	raw, _ := protocol.Encode(protocol.Auth{})
	if err := ws.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := readMessage(t, ctx, ws).(protocol.AuthError); !ok {
		t.Fatalf("expected auth_error")
	}
}

func readMessage(t *testing.T, ctx context.Context, ws *websocket.Conn) protocol.Message {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{trade.ErrNotFound, http.StatusNotFound},
		{trade.ErrNotOwner, http.StatusForbidden},
		{trade.ErrExpired, http.StatusGone},
		{trade.ErrStaleOffer, http.StatusConflict},
		{trade.ErrTxConflict, http.StatusConflict},
		{trade.ErrInvalidLineItem, http.StatusBadRequest},
		{auth.ErrUnauthorized, http.StatusUnauthorized},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v)=%d want %d", tc.err, got, tc.want)
		}
	}
}
