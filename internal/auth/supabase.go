package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller as seen by the trade service.
type Identity struct {
	UserID   string
	Email    string
	Username string
}

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Session is what the auth provider returns on signup and login.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	User         User   `json:"user"`
}

type User struct {
	ID       string       `json:"id"`
	Email    string       `json:"email"`
	Metadata userMetadata `json:"user_metadata"`
}

type userMetadata struct {
	Username string `json:"username"`
}

func (u User) Identity() Identity {
	return Identity{UserID: u.ID, Email: u.Email, Username: u.Metadata.Username}
}

// StatusError carries a non-2xx answer from the provider.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("supabase status %d: %s", e.Status, e.Body)
}

type SupabaseClient struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

func NewSupabaseClient(baseURL, anonKey string) *SupabaseClient {
	return &SupabaseClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

type credentials struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Data     map[string]string `json:"data,omitempty"`
}

// SignUp registers an account. username is stored as user metadata and
// becomes the trader's display name on first use.
func (c *SupabaseClient) SignUp(ctx context.Context, email, password, username string) (Session, error) {
	in := credentials{Email: email, Password: password}
	if username != "" {
		in.Data = map[string]string{"username": username}
	}
	var out Session
	if err := c.postJSON(ctx, "/auth/v1/signup", in, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

func (c *SupabaseClient) Login(ctx context.Context, email, password string) (Session, error) {
	var out Session
	if err := c.postJSON(ctx, "/auth/v1/token?grant_type=password", credentials{Email: email, Password: password}, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

func (c *SupabaseClient) Verify(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return Identity{}, readStatusError(resp)
	}
	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Identity{}, fmt.Errorf("decode user: %w", err)
	}
	if user.ID == "" {
		return Identity{}, ErrUnauthorized
	}
	return user.Identity(), nil
}

func (c *SupabaseClient) postJSON(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("supabase request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
