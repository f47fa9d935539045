package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"memetrade/internal/auth"
	"memetrade/internal/trade"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from the API. Unwrap exposes the matching
// trade sentinel so callers can use errors.Is across the wire.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api status %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return trade.ErrorForCode(e.Code)
}

type Me struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Coins    int64  `json:"coins"`
}

type Ticket struct {
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Client) Signup(ctx context.Context, email, password, username string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":    email,
		"password": password,
		"username": username,
	}, &out, "")
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Me(ctx context.Context, accessToken string) (Me, error) {
	var out Me
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/me", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Holding(ctx context.Context, accessToken string, kind trade.AssetKind, ref string) (int64, error) {
	q := url.Values{"kind": {string(kind)}}
	if ref != "" {
		q.Set("ref", ref)
	}
	var out struct {
		Quantity int64 `json:"quantity"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/holdings?"+q.Encode(), accessToken, nil, &out, "")
	return out.Quantity, err
}

func (c *Client) WSTicket(ctx context.Context, accessToken string) (Ticket, error) {
	var out Ticket
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/ws/ticket", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) ListOffers(ctx context.Context, accessToken string) ([]trade.Offer, error) {
	var out struct {
		Offers []trade.Offer `json:"offers"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/offers", accessToken, nil, &out, "")
	return out.Offers, err
}

func (c *Client) GetOffer(ctx context.Context, accessToken, offerID string) (trade.Offer, error) {
	var out trade.Offer
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/offers/"+url.PathEscape(offerID), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Propose(ctx context.Context, accessToken, targetID string) (trade.Offer, error) {
	var out trade.Offer
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/offers", accessToken, map[string]any{
		"target_id": targetID,
	}, &out, "")
	return out, err
}

func (c *Client) Accept(ctx context.Context, accessToken, offerID string) (trade.Session, error) {
	var out trade.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/offers/"+url.PathEscape(offerID)+"/accept", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Reject(ctx context.Context, accessToken, offerID string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/v1/offers/"+url.PathEscape(offerID)+"/reject", accessToken, nil, nil, "")
}

func (c *Client) Withdraw(ctx context.Context, accessToken, offerID string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/v1/offers/"+url.PathEscape(offerID)+"/withdraw", accessToken, nil, nil, "")
}

func (c *Client) ListSessions(ctx context.Context, accessToken string) ([]trade.Session, error) {
	var out struct {
		Sessions []trade.Session `json:"sessions"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/sessions", accessToken, nil, &out, "")
	return out.Sessions, err
}

func (c *Client) GetSession(ctx context.Context, accessToken, sessionID string) (trade.Session, error) {
	var out trade.Session
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) AddItem(ctx context.Context, accessToken, sessionID string, kind trade.AssetKind, ref string, qty int64, idem string) (trade.LineItem, error) {
	var out trade.LineItem
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/items", accessToken, map[string]any{
		"kind":     kind,
		"item_ref": ref,
		"quantity": qty,
	}, &out, idem)
	return out, err
}

func (c *Client) RemoveItem(ctx context.Context, accessToken, sessionID, itemID string) error {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/items/" + url.PathEscape(itemID)
	return c.jsonRequest(ctx, http.MethodDelete, path, accessToken, nil, nil, "")
}

func (c *Client) Ready(ctx context.Context, accessToken, sessionID string) (trade.Session, error) {
	var out trade.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/ready", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Cancel(ctx context.Context, accessToken, sessionID string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/cancel", accessToken, nil, nil, "")
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &payload) == nil && (payload.Error != "" || payload.Code != "") {
			apiErr.Code, apiErr.Message = payload.Code, payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
