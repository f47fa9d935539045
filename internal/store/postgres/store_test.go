package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"memetrade/internal/db"
	"memetrade/internal/trade"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: &pgconn.PgError{Code: "40001"}, want: true},
		{err: fmt.Errorf("settle: %w", &pgconn.PgError{Code: "40P01"}), want: true},
		{err: &pgconn.PgError{Code: "23505"}, want: false},
		{err: errors.New("plain"), want: false},
		{err: trade.ErrStaleOffer, want: false},
	}
	for _, tc := range tests {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("isRetryable(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
}

func TestSleepWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepWithContext(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

// newTestStore connects to MEMETRADE_TEST_DATABASE_URL or skips.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("MEMETRADE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MEMETRADE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(pool, nil)
}

func TestSettlementAgainstPostgres(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	svc := trade.NewService(st, nil, nil)

	alice, bob := "it-"+uuid.NewString(), "it-"+uuid.NewString()
	for _, u := range []string{alice, bob} {
		if err := svc.EnsureParticipant(ctx, u, u+"@example.com", ""); err != nil {
			t.Fatalf("ensure %s: %v", u, err)
		}
	}
	sword := "sword-" + uuid.NewString()[:8]
	if _, err := st.db.Exec(ctx, `
		INSERT INTO economy.unique_assets (kind, ref, owner_user_id) VALUES ('collectible', $1, $2)
	`, sword, bob); err != nil {
		t.Fatalf("seed collectible: %v", err)
	}

	offer, err := svc.ProposeTrade(ctx, alice, bob)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	sess, err := svc.AcceptOffer(ctx, bob, offer.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.AddLineItem(ctx, trade.AddItemInput{SessionID: sess.ID, ActorID: alice, Kind: trade.KindCoins, Quantity: 100}); err != nil {
		t.Fatalf("add coins: %v", err)
	}
	if _, err := svc.AddLineItem(ctx, trade.AddItemInput{SessionID: sess.ID, ActorID: bob, Kind: trade.KindCollectible, ItemRef: sword, Quantity: 1}); err != nil {
		t.Fatalf("add sword: %v", err)
	}
	if _, err := svc.SetReady(ctx, alice, sess.ID); err != nil {
		t.Fatalf("alice ready: %v", err)
	}
	done, err := svc.SetReady(ctx, bob, sess.ID)
	if err != nil {
		t.Fatalf("bob ready: %v", err)
	}
	if done.Status != trade.SessionCompleted {
		t.Fatalf("status=%s", done.Status)
	}

	coins := trade.Asset{Kind: trade.KindCoins}
	if got, _ := svc.Holding(ctx, alice, coins); got != trade.StarterCoins-100 {
		t.Fatalf("alice coins=%d", got)
	}
	if got, _ := svc.Holding(ctx, bob, coins); got != trade.StarterCoins+100 {
		t.Fatalf("bob coins=%d", got)
	}
	if got, _ := svc.Holding(ctx, alice, trade.Asset{Kind: trade.KindCollectible, Ref: sword}); got != 1 {
		t.Fatalf("sword did not move")
	}
}
