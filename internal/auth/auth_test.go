package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTicketRoundTrip(t *testing.T) {
	iss, err := NewTicketIssuer(testSecret, 30*time.Second)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	iss.now = func() time.Time { return now }

	tok, exp, err := iss.Issue(Identity{UserID: "u-1", Email: "a@example.com", Username: "alice"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("exp=%v", exp)
	}
	id, err := iss.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.UserID != "u-1" || id.Username != "alice" || id.Email != "a@example.com" {
		t.Fatalf("identity=%+v", id)
	}
}

func TestTicketRejections(t *testing.T) {
	iss, _ := NewTicketIssuer(testSecret, time.Minute)
	now := time.Now()
	iss.now = func() time.Time { return now }
	tok, _, err := iss.Issue(Identity{UserID: "u-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	iss.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := iss.Parse(tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired ticket err=%v", err)
	}

	other, _ := NewTicketIssuer(strings.Repeat("x", 40), time.Minute)
	if _, err := other.Parse(tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign secret err=%v", err)
	}
	if _, err := iss.Parse("not-a-jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("garbage err=%v", err)
	}
	if _, _, err := iss.Issue(Identity{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty identity err=%v", err)
	}
	if _, err := NewTicketIssuer("short", time.Minute); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestSupabaseVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" || r.Header.Get("apikey") != "anon" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":            "u-9",
				"email":         "bob@example.com",
				"user_metadata": map[string]string{"username": "bob"},
			})
		case "Bearer broken":
			http.Error(w, "boom", http.StatusBadGateway)
		default:
			http.Error(w, "invalid JWT", http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	c := NewSupabaseClient(srv.URL+"/", "anon")
	ctx := context.Background()

	id, err := c.Verify(ctx, "good")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u-9" || id.Username != "bob" {
		t.Fatalf("identity=%+v", id)
	}
	if _, err := c.Verify(ctx, "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad token err=%v", err)
	}
	if _, err := c.Verify(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token err=%v", err)
	}
	var se *StatusError
	if _, err := c.Verify(ctx, "broken"); !errors.As(err, &se) || se.Status != http.StatusBadGateway {
		t.Fatalf("upstream failure err=%v", err)
	}
}

func TestSupabaseSignUpSendsUsername(t *testing.T) {
	var got credentials
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/signup" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(Session{AccessToken: "tok", User: User{ID: "u-1", Email: got.Email}})
	}))
	defer srv.Close()

	sess, err := NewSupabaseClient(srv.URL, "anon").SignUp(context.Background(), "a@example.com", "pw", "alice")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if sess.AccessToken != "tok" || got.Data["username"] != "alice" {
		t.Fatalf("session=%+v sent=%+v", sess, got)
	}
}
