package cli

import (
	"context"
	"sort"
	"sync"
	"time"

	"memetrade/internal/protocol"
	"memetrade/internal/trade"

	"golang.org/x/sync/singleflight"
)

// FetchSession loads the authoritative state of one session.
type FetchSession func(ctx context.Context, sessionID string) (trade.Session, error)

// Synchronizer keeps a local view of the open trade consistent with the
// server. Notifications are only hints: every relevant one triggers a full
// refetch, and snapshots older than the one already held are ignored.
type Synchronizer struct {
	fetch FetchSession
	group singleflight.Group

	mu      sync.Mutex
	tracked string
	current *trade.Session
	offers  map[string]protocol.Offer
	// wanted counts refetch requests per session. fetched is the highest
	// count a completed fetch had already seen when it started.
	wanted  map[string]uint64
	fetched map[string]uint64
}

type fetchResult struct {
	sess trade.Session
	gen  uint64
}

func NewSynchronizer(fetch FetchSession) *Synchronizer {
	return &Synchronizer{
		fetch:   fetch,
		offers:  make(map[string]protocol.Offer),
		wanted:  make(map[string]uint64),
		fetched: make(map[string]uint64),
	}
}

// Track switches the synchronizer to sessionID, dropping any other snapshot.
func (s *Synchronizer) Track(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracked == sessionID {
		return
	}
	delete(s.fetched, s.tracked)
	s.tracked = sessionID
	s.current = nil
}

func (s *Synchronizer) Tracked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked
}

// Current returns the newest snapshot of the tracked session.
func (s *Synchronizer) Current() (trade.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return trade.Session{}, false
	}
	return *s.current, true
}

// Handle applies one channel event. It reports whether the local view
// changed.
func (s *Synchronizer) Handle(ctx context.Context, ev Event) (bool, error) {
	if ev.Resync {
		if s.Tracked() == "" {
			return false, nil
		}
		return s.refresh(ctx)
	}
	switch msg := ev.Message.(type) {
	case protocol.Offer:
		s.mu.Lock()
		s.offers[msg.OfferID] = msg
		s.mu.Unlock()
		return true, nil
	case protocol.OfferClosed:
		return s.forgetOffer(msg.OfferID), nil
	case protocol.Accepted:
		changed := false
		if msg.OfferID != "" {
			changed = s.forgetOffer(msg.OfferID)
		}
		if msg.Result == "created" && s.Tracked() == "" {
			s.Track(msg.SessionID)
		}
		if msg.SessionID != s.Tracked() {
			return changed, nil
		}
		refreshed, err := s.refresh(ctx)
		return changed || refreshed, err
	case protocol.Update:
		if msg.SessionID == "" || msg.SessionID != s.Tracked() {
			return false, nil
		}
		return s.refresh(ctx)
	default:
		return false, nil
	}
}

// Refresh refetches the tracked session now.
func (s *Synchronizer) Refresh(ctx context.Context) (trade.Session, error) {
	if _, err := s.refresh(ctx); err != nil {
		return trade.Session{}, err
	}
	sess, _ := s.Current()
	return sess, nil
}

func (s *Synchronizer) refresh(ctx context.Context) (bool, error) {
	id := s.Tracked()
	if id == "" {
		return false, nil
	}
	s.mu.Lock()
	s.wanted[id]++
	want := s.wanted[id]
	s.mu.Unlock()

	// A fetch already in flight may have read the server before this
	// request's change landed, so keep fetching until one started after it.
	changed := false
	for {
		s.mu.Lock()
		done := s.tracked != id || s.fetched[id] >= want
		s.mu.Unlock()
		if done {
			return changed, nil
		}
		v, err, _ := s.group.Do(id, func() (any, error) {
			s.mu.Lock()
			gen := s.wanted[id]
			s.mu.Unlock()
			sess, err := s.fetch(ctx, id)
			return fetchResult{sess: sess, gen: gen}, err
		})
		if err != nil {
			return changed, err
		}
		res := v.(fetchResult)
		if s.apply(res.sess) {
			changed = true
		}
		s.mu.Lock()
		if s.tracked == id && res.gen > s.fetched[id] {
			s.fetched[id] = res.gen
		}
		s.mu.Unlock()
	}
}

// apply installs a snapshot unless it is stale or for another session.
func (s *Synchronizer) apply(snap trade.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.ID != s.tracked {
		return false
	}
	if s.current != nil && snap.Version <= s.current.Version {
		return false
	}
	s.current = &snap
	return true
}

func (s *Synchronizer) forgetOffer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[id]; !ok {
		return false
	}
	delete(s.offers, id)
	return true
}

// VisibleOffers lists received offers still within their deadline at now,
// soonest expiry first. Lapsed offers are pruned.
func (s *Synchronizer) VisibleOffers(now time.Time) []protocol.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Offer, 0, len(s.offers))
	for id, o := range s.offers {
		if !now.Before(o.ExpiresAt) {
			delete(s.offers, id)
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}
