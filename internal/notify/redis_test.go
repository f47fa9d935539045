package notify

import (
	"context"
	"errors"
	"testing"

	"memetrade/internal/protocol"

	"github.com/go-redis/redismock/v9"
)

type captured struct {
	userID string
	raw    []byte
}

type fakeDeliverer struct {
	got []captured
}

func (f *fakeDeliverer) Deliver(userID string, raw []byte) int {
	f.got = append(f.got, captured{userID: userID, raw: raw})
	return 1
}

func expectedPayload(t *testing.T, userID string, msg protocol.Message) (string, []byte) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload, err := encodeEnvelope(userID, raw)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return payload, raw
}

func TestRedisBrokerPublishes(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	local := &fakeDeliverer{}
	b := NewRedisBroker(rdb, "", local, nil)

	msg := protocol.Offer{OfferID: "o1", FromIdentity: "alice", TargetIdentity: "bob"}
	payload, _ := expectedPayload(t, "bob", msg)
	mock.ExpectPublish(DefaultChannel, payload).SetVal(1)

	b.Notify(context.Background(), "bob", msg)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
	if len(local.got) != 0 {
		t.Fatalf("published message was also delivered locally")
	}
}

func TestRedisBrokerFallsBackToLocal(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	local := &fakeDeliverer{}
	b := NewRedisBroker(rdb, "trades", local, nil)

	msg := protocol.Update{SessionID: "s1", Action: protocol.ActionStale}
	payload, raw := expectedPayload(t, "alice", msg)
	mock.ExpectPublish("trades", payload).SetErr(errors.New("connection refused"))

	b.Notify(context.Background(), "alice", msg)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
	if len(local.got) != 1 || local.got[0].userID != "alice" || string(local.got[0].raw) != string(raw) {
		t.Fatalf("fallback delivery=%+v", local.got)
	}
}

func TestRedisBrokerHandle(t *testing.T) {
	rdb, _ := redismock.NewClientMock()
	local := &fakeDeliverer{}
	b := NewRedisBroker(rdb, "", local, nil)

	payload, raw := expectedPayload(t, "carol", protocol.Accepted{SessionID: "s9", Result: "completed"})
	b.handle(payload)
	b.handle("{broken")
	b.handle(`{"user_id":"","message":{"type":"auth"}}`)
	b.handle(`{"user_id":"carol","message":{"type":"nope"}}`)

	if len(local.got) != 1 {
		t.Fatalf("deliveries=%d want 1", len(local.got))
	}
	if local.got[0].userID != "carol" || string(local.got[0].raw) != string(raw) {
		t.Fatalf("unexpected delivery %+v", local.got[0])
	}
}
