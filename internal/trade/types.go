package trade

import (
	"fmt"
	"time"
)

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferExpired   OfferStatus = "expired"
	OfferWithdrawn OfferStatus = "withdrawn"
)

type Offer struct {
	ID         string      `json:"id"`
	ProposerID string      `json:"proposer_id"`
	TargetID   string      `json:"target_id"`
	Status     OfferStatus `json:"status"`
	SessionID  string      `json:"session_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// StatusAt reports the offer status as observed at now. A pending offer past
// its deadline is expired whether or not a sweep has recorded it yet.
func (o Offer) StatusAt(now time.Time) OfferStatus {
	if o.Status == OfferPending && !now.Before(o.ExpiresAt) {
		return OfferExpired
	}
	return o.Status
}

type SessionStatus uint8

const (
	SessionActive SessionStatus = iota + 1
	SessionCompleted
	SessionCancelled
)

func (s SessionStatus) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionCompleted:
		return "completed"
	case SessionCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("SessionStatus(%d)", uint8(s))
	}
}

func ParseSessionStatus(v string) (SessionStatus, error) {
	switch v {
	case "active":
		return SessionActive, nil
	case "completed":
		return SessionCompleted, nil
	case "cancelled":
		return SessionCancelled, nil
	default:
		return 0, fmt.Errorf("unknown session status %q", v)
	}
}

func (s SessionStatus) MarshalText() ([]byte, error) {
	switch s {
	case SessionActive, SessionCompleted, SessionCancelled:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid session status %d", uint8(s))
	}
}

func (s *SessionStatus) UnmarshalText(b []byte) error {
	v, err := ParseSessionStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

type LineItem struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	OwnerID   string    `json:"owner_id"`
	Kind      AssetKind `json:"kind"`
	ItemRef   string    `json:"item_ref,omitempty"`
	Quantity  int64     `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

func (li LineItem) Asset() Asset {
	return Asset{Kind: li.Kind, Ref: li.ItemRef}
}

type Session struct {
	ID          string        `json:"id"`
	OfferID     string        `json:"offer_id"`
	Party1      string        `json:"party1"`
	Party2      string        `json:"party2"`
	Status      SessionStatus `json:"status"`
	Party1Ready bool          `json:"party1_ready"`
	Party2Ready bool          `json:"party2_ready"`
	Version     int64         `json:"version"`
	Items       []LineItem    `json:"items"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty"`
}

func (s Session) IsParticipant(userID string) bool {
	return userID != "" && (userID == s.Party1 || userID == s.Party2)
}

func (s Session) Counterparty(userID string) string {
	if userID == s.Party1 {
		return s.Party2
	}
	return s.Party1
}

func (s Session) IsReady(userID string) bool {
	switch userID {
	case s.Party1:
		return s.Party1Ready
	case s.Party2:
		return s.Party2Ready
	default:
		return false
	}
}

func (s Session) BothReady() bool {
	return s.Party1Ready && s.Party2Ready
}

func (s *Session) markReady(userID string) {
	switch userID {
	case s.Party1:
		s.Party1Ready = true
	case s.Party2:
		s.Party2Ready = true
	}
}

func (s *Session) resetReadiness() {
	s.Party1Ready = false
	s.Party2Ready = false
}

func (s *Session) touch(now time.Time) {
	s.Version++
	s.UpdatedAt = now
}

func (s *Session) close(status SessionStatus, now time.Time) {
	s.Status = status
	s.touch(now)
	s.ClosedAt = &now
}

// ItemsOf returns the line items owned by userID in placement order.
func (s Session) ItemsOf(userID string) []LineItem {
	var out []LineItem
	for _, it := range s.Items {
		if it.OwnerID == userID {
			out = append(out, it)
		}
	}
	return out
}

func (s Session) item(id string) (LineItem, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return LineItem{}, false
}

func (s Session) offered(owner string, asset Asset) int64 {
	var total int64
	for _, it := range s.Items {
		if it.OwnerID == owner && it.Asset() == asset {
			total += it.Quantity
		}
	}
	return total
}

type Participant struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

type AddItemInput struct {
	SessionID      string
	ActorID        string
	Kind           AssetKind
	ItemRef        string
	Quantity       int64
	IdempotencyKey string
}

// SettlementRecord is the audit entry published when a session closes.
type SettlementRecord struct {
	Event     string     `json:"event"`
	SessionID string     `json:"session_id"`
	OfferID   string     `json:"offer_id"`
	Party1    string     `json:"party1"`
	Party2    string     `json:"party2"`
	ActorID   string     `json:"actor_id"`
	Items     []LineItem `json:"items"`
	At        time.Time  `json:"at"`
}

const (
	EventSettled   = "trade.settled"
	EventCancelled = "trade.cancelled"
)
