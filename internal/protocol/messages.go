package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeAuth        Type = "auth"
	TypeAuthSuccess Type = "auth_success"
	TypeAuthError   Type = "auth_error"
	TypeOffer       Type = "offer"
	TypeOfferClosed Type = "offer_closed"
	TypeUpdate      Type = "update"
	TypeAccepted    Type = "accepted"
)

// Action names carried by Update messages.
type Action string

const (
	ActionAddItem        Action = "add_item"
	ActionRemoveItem     Action = "remove_item"
	ActionReady          Action = "ready"
	ActionCancel         Action = "cancel"
	ActionStale          Action = "stale"
	ActionTransferFailed Action = "transfer_failed"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Message is one variant of the notification union. The set of variants is
// closed: only types in this package implement it.
type Message interface {
	MessageType() Type
	isMessage()
}

type Auth struct{}

type AuthSuccess struct {
	UserID string `json:"user_id"`
}

type AuthError struct {
	Reason string `json:"reason"`
}

type Offer struct {
	OfferID        string    `json:"offer_id"`
	FromIdentity   string    `json:"from_identity"`
	TargetIdentity string    `json:"target_identity"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type OfferClosed struct {
	OfferID string `json:"offer_id"`
	Status  string `json:"status"`
}

// Item is the display hint attached to add_item updates.
type Item struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Kind     string `json:"kind"`
	ItemRef  string `json:"item_ref,omitempty"`
	Quantity int64  `json:"quantity"`
}

type Update struct {
	SessionID     string `json:"session_id"`
	Action        Action `json:"action"`
	ActorIdentity string `json:"actor_identity"`
	Item          *Item  `json:"item,omitempty"`
}

type Accepted struct {
	SessionID string `json:"session_id"`
	OfferID   string `json:"offer_id,omitempty"`
	Result    string `json:"result"`
}

func (Auth) MessageType() Type        { return TypeAuth }
func (AuthSuccess) MessageType() Type { return TypeAuthSuccess }
func (AuthError) MessageType() Type   { return TypeAuthError }
func (Offer) MessageType() Type       { return TypeOffer }
func (OfferClosed) MessageType() Type { return TypeOfferClosed }
func (Update) MessageType() Type      { return TypeUpdate }
func (Accepted) MessageType() Type    { return TypeAccepted }

func (Auth) isMessage()        {}
func (AuthSuccess) isMessage() {}
func (AuthError) isMessage()   {}
func (Offer) isMessage()       {}
func (OfferClosed) isMessage() {}
func (Update) isMessage()      {}
func (Accepted) isMessage()    {}

// SessionID returns the trade session a message refers to, if any.
func SessionID(m Message) string {
	switch v := m.(type) {
	case Update:
		return v.SessionID
	case Accepted:
		return v.SessionID
	default:
		return ""
	}
}

// Encode renders m as a flat JSON object with a "type" tag.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(m.MessageType())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func Decode(raw []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch head.Type {
	case TypeAuth:
		return Auth{}, nil
	case TypeAuthSuccess:
		return decodeAs[AuthSuccess](raw)
	case TypeAuthError:
		return decodeAs[AuthError](raw)
	case TypeOffer:
		return decodeAs[Offer](raw)
	case TypeOfferClosed:
		return decodeAs[OfferClosed](raw)
	case TypeUpdate:
		return decodeAs[Update](raw)
	case TypeAccepted:
		return decodeAs[Accepted](raw)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

func decodeAs[T Message](raw []byte) (Message, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}
