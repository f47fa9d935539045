package cli

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"memetrade/internal/protocol"
	"memetrade/internal/trade"
)

type scriptedFetch struct {
	mu    sync.Mutex
	calls atomic.Int32
	next  trade.Session
	err   error
	gate  chan struct{}
}

func (f *scriptedFetch) fetch(ctx context.Context, id string) (trade.Session, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return trade.Session{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return trade.Session{}, f.err
	}
	s := f.next
	s.ID = id
	return s, nil
}

func (f *scriptedFetch) set(version int64, aliceReady bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = trade.Session{Party1: "alice", Party2: "bob", Status: trade.SessionActive, Version: version, Party1Ready: aliceReady}
}

func TestSynchronizerRefetchesOnUpdate(t *testing.T) {
	ctx := context.Background()
	f := &scriptedFetch{}
	f.set(3, true)
	s := NewSynchronizer(f.fetch)
	s.Track("s1")

	changed, err := s.Handle(ctx, Event{Message: protocol.Update{SessionID: "s1", Action: protocol.ActionReady}})
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	cur, ok := s.Current()
	if !ok || cur.Version != 3 || !cur.Party1Ready {
		t.Fatalf("current=%+v", cur)
	}

	if changed, _ := s.Handle(ctx, Event{Message: protocol.Update{SessionID: "other", Action: protocol.ActionReady}}); changed {
		t.Fatalf("update for another session changed the view")
	}
	if f.calls.Load() != 1 {
		t.Fatalf("fetch calls=%d", f.calls.Load())
	}
}

func TestSynchronizerDiscardsOlderSnapshots(t *testing.T) {
	ctx := context.Background()
	f := &scriptedFetch{}
	s := NewSynchronizer(f.fetch)
	s.Track("s1")

	f.set(5, false)
	if _, err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	f.set(4, true)
	changed, err := s.Handle(ctx, Event{Message: protocol.Update{SessionID: "s1", Action: protocol.ActionAddItem}})
	if err != nil || changed {
		t.Fatalf("stale snapshot applied: changed=%v err=%v", changed, err)
	}
	if cur, _ := s.Current(); cur.Version != 5 || cur.Party1Ready {
		t.Fatalf("current=%+v", cur)
	}

	f.set(6, true)
	if changed, _ := s.Handle(ctx, Event{Resync: true}); !changed {
		t.Fatalf("resync did not pick up the newer snapshot")
	}
}

func TestSynchronizerCoalescesConcurrentRefetches(t *testing.T) {
	ctx := context.Background()
	f := &scriptedFetch{gate: make(chan struct{})}
	f.set(2, false)
	s := NewSynchronizer(f.fetch)
	s.Track("s1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Handle(ctx, Event{Message: protocol.Update{SessionID: "s1", Action: protocol.ActionReady}})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	// Requests that joined after the first fetch began share one follow-up.
	if got := f.calls.Load(); got < 1 || got > 2 {
		t.Fatalf("fetch calls=%d want 1 or 2", got)
	}
	if cur, ok := s.Current(); !ok || cur.Version != 2 {
		t.Fatalf("current=%+v", cur)
	}
}

func TestSynchronizerRefetchesUpdateArrivingMidFetch(t *testing.T) {
	ctx := context.Background()
	var (
		mu      sync.Mutex
		version int64 = 1
		calls   atomic.Int32
	)
	entered := make(chan struct{})
	gate := make(chan struct{})
	s := NewSynchronizer(func(ctx context.Context, id string) (trade.Session, error) {
		n := calls.Add(1)
		mu.Lock()
		v := version
		mu.Unlock()
		if n == 1 {
			close(entered)
			<-gate
		}
		return trade.Session{ID: id, Party1: "alice", Party2: "bob", Status: trade.SessionActive, Version: v}, nil
	})
	s.Track("s1")

	errs := make(chan error, 2)
	go func() {
		_, err := s.Handle(ctx, Event{Message: protocol.Update{SessionID: "s1", Action: protocol.ActionAddItem}})
		errs <- err
	}()
	<-entered

	// The server moves on while the first fetch still holds the old state.
	mu.Lock()
	version = 2
	mu.Unlock()
	go func() {
		_, err := s.Handle(ctx, Event{Message: protocol.Update{SessionID: "s1", Action: protocol.ActionReady}})
		errs <- err
	}()
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.wanted["s1"] == 2
	})
	close(gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	cur, ok := s.Current()
	if !ok || cur.Version != 2 {
		t.Fatalf("local version=%d want 2", cur.Version)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("fetch calls=%d want 2", got)
	}
}

func TestSynchronizerSwitchDuringFetch(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	s := NewSynchronizer(func(ctx context.Context, id string) (trade.Session, error) {
		if id == "old" {
			<-gate
		}
		return trade.Session{ID: id, Status: trade.SessionActive, Version: 1}, nil
	})
	s.Track("old")
	errs := make(chan error, 1)
	go func() {
		_, err := s.Refresh(ctx)
		errs <- err
	}()
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.wanted["old"] == 1
	})
	s.Track("new")
	close(gate)
	if err := <-errs; err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := s.Current(); ok {
		t.Fatalf("snapshot of the old session was applied")
	}
	if cur, err := s.Refresh(ctx); err != nil || cur.ID != "new" {
		t.Fatalf("refresh new: %+v %v", cur, err)
	}
}

func TestSynchronizerAdoptsCreatedSession(t *testing.T) {
	ctx := context.Background()
	f := &scriptedFetch{}
	f.set(1, false)
	s := NewSynchronizer(f.fetch)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, _ = s.Handle(ctx, Event{Message: protocol.Offer{OfferID: "o1", FromIdentity: "alice", ExpiresAt: now.Add(30 * time.Second)}})
	changed, err := s.Handle(ctx, Event{Message: protocol.Accepted{SessionID: "s7", OfferID: "o1", Result: "created"}})
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if s.Tracked() != "s7" {
		t.Fatalf("tracked=%q", s.Tracked())
	}
	if len(s.VisibleOffers(now)) != 0 {
		t.Fatalf("accepted offer still visible")
	}
}

func TestVisibleOffersHidesLapsed(t *testing.T) {
	ctx := context.Background()
	s := NewSynchronizer(func(context.Context, string) (trade.Session, error) {
		return trade.Session{}, errors.New("unused")
	})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, _ = s.Handle(ctx, Event{Message: protocol.Offer{OfferID: "late", ExpiresAt: now.Add(20 * time.Second)}})
	_, _ = s.Handle(ctx, Event{Message: protocol.Offer{OfferID: "soon", ExpiresAt: now.Add(5 * time.Second)}})

	got := s.VisibleOffers(now)
	if len(got) != 2 || got[0].OfferID != "soon" {
		t.Fatalf("visible=%+v", got)
	}
	got = s.VisibleOffers(now.Add(5 * time.Second))
	if len(got) != 1 || got[0].OfferID != "late" {
		t.Fatalf("visible at deadline=%+v", got)
	}
	if changed, _ := s.Handle(ctx, Event{Message: protocol.OfferClosed{OfferID: "late", Status: "withdrawn"}}); !changed {
		t.Fatalf("offer_closed did not remove the offer")
	}
	if len(s.VisibleOffers(now)) != 0 {
		t.Fatalf("offers remain after close")
	}
}

func TestSynchronizerFetchError(t *testing.T) {
	f := &scriptedFetch{err: errors.New("offline")}
	s := NewSynchronizer(f.fetch)
	s.Track("s1")
	if _, err := s.Handle(context.Background(), Event{Resync: true}); err == nil {
		t.Fatalf("expected fetch error")
	}
	if _, ok := s.Current(); ok {
		t.Fatalf("snapshot set despite error")
	}
}
