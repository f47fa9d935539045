package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	ticketAudience   = "memetrade-ws"
	minTicketSecret  = 32
	DefaultTicketTTL = time.Minute
)

// TicketIssuer mints short-lived HS256 tokens that let a client open the
// notification channel without sending its long-lived access token in a URL.
type TicketIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type ticketClaims struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

func NewTicketIssuer(secret string, ttl time.Duration) (*TicketIssuer, error) {
	if len(secret) < minTicketSecret {
		return nil, fmt.Errorf("ticket secret must be at least %d bytes", minTicketSecret)
	}
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (t *TicketIssuer) TTL() time.Duration { return t.ttl }

func (t *TicketIssuer) Issue(id Identity) (string, time.Time, error) {
	if id.UserID == "" {
		return "", time.Time{}, ErrUnauthorized
	}
	now := t.now()
	exp := now.Add(t.ttl)
	claims := ticketClaims{
		Email:    id.Email,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Audience:  jwt.ClaimStrings{ticketAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign ticket: %w", err)
	}
	return signed, exp, nil
}

func (t *TicketIssuer) Parse(token string) (Identity, error) {
	var claims ticketClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(ticketAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: ticket expired", ErrUnauthorized)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: claims.Subject, Email: claims.Email, Username: claims.Username}, nil
}
