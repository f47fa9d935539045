package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncodeAddsTypeTag(t *testing.T) {
	raw, err := Encode(Update{SessionID: "s1", Action: ActionAddItem, ActorIdentity: "alice"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("encoded payload is not json: %v (%s)", err, raw)
	}
	if fields["type"] != "update" {
		t.Fatalf("type=%v want update", fields["type"])
	}
	if fields["session_id"] != "s1" || fields["action"] != "add_item" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if _, ok := fields["item"]; ok {
		t.Fatalf("item should be omitted when nil")
	}
}

func TestEncodeEmptyVariant(t *testing.T) {
	raw, err := Encode(Auth{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"type":"auth"}` {
		t.Fatalf("got %s", raw)
	}
}

func TestDecodeVariants(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []Message{
		Auth{},
		AuthSuccess{UserID: "u1"},
		AuthError{Reason: "bad token"},
		Offer{OfferID: "o1", FromIdentity: "a", TargetIdentity: "b", ExpiresAt: expires},
		OfferClosed{OfferID: "o1", Status: "rejected"},
		Update{SessionID: "s1", Action: ActionRemoveItem, ActorIdentity: "a"},
		Update{SessionID: "s1", Action: ActionAddItem, ActorIdentity: "a", Item: &Item{ID: "i1", OwnerID: "a", Kind: "coins", Quantity: 100}},
		Accepted{SessionID: "s1", OfferID: "o1", Result: "created"},
	}
	for _, want := range tests {
		raw, err := Encode(want)
		if err != nil {
			t.Fatalf("encode %T: %v", want, err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if got.MessageType() != want.MessageType() {
			t.Fatalf("type %s want %s", got.MessageType(), want.MessageType())
		}
		if u, ok := want.(Update); ok && u.Item != nil {
			gu := got.(Update)
			if gu.Item == nil || *gu.Item != *u.Item {
				t.Fatalf("item mismatch: %+v", gu.Item)
			}
			continue
		}
		if o, ok := want.(Offer); ok {
			if !got.(Offer).ExpiresAt.Equal(o.ExpiresAt) {
				t.Fatalf("expires_at mismatch")
			}
			continue
		}
		if got != want {
			t.Fatalf("got %+v want %+v", got, want)
		}
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{raw: `not json`, want: ErrMalformed},
		{raw: `{}`, want: ErrMalformed},
		{raw: `{"type":"trade_now"}`, want: ErrUnknownType},
		{raw: `{"type":"update","session_id":42}`, want: ErrMalformed},
	}
	for _, tc := range tests {
		_, err := Decode([]byte(tc.raw))
		if !errors.Is(err, tc.want) {
			t.Fatalf("decode %s: err=%v want %v", tc.raw, err, tc.want)
		}
	}
}

func TestSessionID(t *testing.T) {
	if got := SessionID(Accepted{SessionID: "s9"}); got != "s9" {
		t.Fatalf("got %q", got)
	}
	if got := SessionID(Offer{OfferID: "o1"}); got != "" {
		t.Fatalf("offer should carry no session, got %q", got)
	}
}
