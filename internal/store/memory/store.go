package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"memetrade/internal/trade"
)

// Store keeps trade state and holdings in process. InTx runs on a private
// copy of the state and swaps it in only when fn succeeds, and the store
// mutex serializes units of work, so a settlement is applied whole or not
// at all.
type Store struct {
	mu    sync.Mutex
	state *state
}

type idemKey struct {
	user string
	key  string
}

type state struct {
	users       map[string]trade.Participant
	idempotency map[idemKey]string
	offers      map[string]trade.Offer
	sessions    map[string]trade.Session
	coins       map[string]int64
	inventory   map[string]map[string]int64
	// owners maps unique assets (pets, collectibles) to their holder.
	owners map[trade.Asset]string
}

func New() *Store {
	return &Store{state: &state{
		users:       map[string]trade.Participant{},
		idempotency: map[idemKey]string{},
		offers:      map[string]trade.Offer{},
		sessions:    map[string]trade.Session{},
		coins:       map[string]int64{},
		inventory:   map[string]map[string]int64{},
		owners:      map[trade.Asset]string{},
	}}
}

func (s *Store) InTx(ctx context.Context, fn func(tx trade.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (st *state) clone() *state {
	out := &state{
		users:       maps.Clone(st.users),
		idempotency: maps.Clone(st.idempotency),
		offers:      maps.Clone(st.offers),
		sessions:    make(map[string]trade.Session, len(st.sessions)),
		coins:       maps.Clone(st.coins),
		inventory:   make(map[string]map[string]int64, len(st.inventory)),
		owners:      maps.Clone(st.owners),
	}
	for id, sess := range st.sessions {
		sess.Items = slices.Clone(sess.Items)
		out.sessions[id] = sess
	}
	for user, inv := range st.inventory {
		out.inventory[user] = maps.Clone(inv)
	}
	return out
}

// AddUser registers a participant with a coin balance.
func (s *Store) AddUser(userID string, coins int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.users[userID] = trade.Participant{UserID: userID, Username: userID}
	s.state.coins[userID] = coins
}

func (s *Store) SetInventory(userID, itemRef string, qty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.state.inventory[userID]
	if inv == nil {
		inv = map[string]int64{}
		s.state.inventory[userID] = inv
	}
	if qty <= 0 {
		delete(inv, itemRef)
		return
	}
	inv[itemRef] = qty
}

// SetOwner assigns a pet or collectible instance to userID.
func (s *Store) SetOwner(kind trade.AssetKind, ref, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.owners[trade.Asset{Kind: kind, Ref: ref}] = userID
}

func (s *Store) SetCoins(userID string, coins int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.coins[userID] = coins
}

// HoldingOf reads a holding outside any unit of work.
func (s *Store) HoldingOf(userID string, asset trade.Asset) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.holding(userID, asset)
}

func (st *state) holding(userID string, asset trade.Asset) int64 {
	switch asset.Kind {
	case trade.KindCoins:
		return st.coins[userID]
	case trade.KindInventory:
		return st.inventory[userID][asset.Ref]
	default:
		if st.owners[asset] == userID {
			return 1
		}
		return 0
	}
}

type tx struct {
	st *state
}

func (t *tx) EnsureParticipant(_ context.Context, p trade.Participant, starterCoins int64) error {
	if _, ok := t.st.users[p.UserID]; ok {
		return nil
	}
	t.st.users[p.UserID] = p
	if _, ok := t.st.coins[p.UserID]; !ok {
		t.st.coins[p.UserID] = starterCoins
	}
	return nil
}

func (t *tx) UserExists(_ context.Context, userID string) (bool, error) {
	_, ok := t.st.users[userID]
	return ok, nil
}

func (t *tx) ClaimIdempotency(_ context.Context, userID, key, action string) error {
	k := idemKey{user: userID, key: key}
	if _, ok := t.st.idempotency[k]; ok {
		return trade.ErrDuplicateRequest
	}
	t.st.idempotency[k] = action
	return nil
}

func (t *tx) InsertOffer(_ context.Context, o trade.Offer) error {
	if _, ok := t.st.offers[o.ID]; ok {
		return fmt.Errorf("offer %s already exists", o.ID)
	}
	t.st.offers[o.ID] = o
	return nil
}

func (t *tx) GetOffer(_ context.Context, id string) (trade.Offer, error) {
	o, ok := t.st.offers[id]
	if !ok {
		return trade.Offer{}, fmt.Errorf("%w: offer %s", trade.ErrNotFound, id)
	}
	return o, nil
}

func (t *tx) UpdateOfferStatus(_ context.Context, id string, status trade.OfferStatus, sessionID string) error {
	o, ok := t.st.offers[id]
	if !ok {
		return fmt.Errorf("%w: offer %s", trade.ErrNotFound, id)
	}
	o.Status = status
	if sessionID != "" {
		o.SessionID = sessionID
	}
	t.st.offers[id] = o
	return nil
}

func (t *tx) HasPendingOffer(_ context.Context, proposerID, targetID string, now time.Time) (bool, error) {
	for _, o := range t.st.offers {
		if o.ProposerID == proposerID && o.TargetID == targetID && o.StatusAt(now) == trade.OfferPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) ListOpenOffers(_ context.Context, userID string, now time.Time) ([]trade.Offer, error) {
	var out []trade.Offer
	for _, o := range t.st.offers {
		if (o.ProposerID == userID || o.TargetID == userID) && o.StatusAt(now) == trade.OfferPending {
			out = append(out, o)
		}
	}
	sortOffers(out)
	return out, nil
}

func (t *tx) ExpireOffers(_ context.Context, now time.Time) ([]trade.Offer, error) {
	var out []trade.Offer
	for id, o := range t.st.offers {
		if o.Status == trade.OfferPending && o.StatusAt(now) == trade.OfferExpired {
			o.Status = trade.OfferExpired
			t.st.offers[id] = o
			out = append(out, o)
		}
	}
	sortOffers(out)
	return out, nil
}

func sortOffers(offers []trade.Offer) {
	slices.SortFunc(offers, func(a, b trade.Offer) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func (t *tx) InsertSession(_ context.Context, sess trade.Session) error {
	if _, ok := t.st.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	sess.Items = slices.Clone(sess.Items)
	t.st.sessions[sess.ID] = sess
	return nil
}

func (t *tx) GetSession(_ context.Context, id string) (trade.Session, error) {
	sess, ok := t.st.sessions[id]
	if !ok {
		return trade.Session{}, fmt.Errorf("%w: session %s", trade.ErrNotFound, id)
	}
	sess.Items = slices.Clone(sess.Items)
	return sess, nil
}

// SaveSession stores the session header. Items are owned by
// InsertLineItem/DeleteLineItem.
func (t *tx) SaveSession(_ context.Context, sess trade.Session) error {
	cur, ok := t.st.sessions[sess.ID]
	if !ok {
		return fmt.Errorf("%w: session %s", trade.ErrNotFound, sess.ID)
	}
	sess.Items = cur.Items
	t.st.sessions[sess.ID] = sess
	return nil
}

func (t *tx) ListActiveSessions(_ context.Context, userID string) ([]trade.Session, error) {
	var out []trade.Session
	for _, sess := range t.st.sessions {
		if sess.Status == trade.SessionActive && sess.IsParticipant(userID) {
			sess.Items = slices.Clone(sess.Items)
			out = append(out, sess)
		}
	}
	slices.SortFunc(out, func(a, b trade.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (t *tx) InsertLineItem(_ context.Context, li trade.LineItem) error {
	sess, ok := t.st.sessions[li.SessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", trade.ErrNotFound, li.SessionID)
	}
	sess.Items = append(sess.Items, li)
	t.st.sessions[sess.ID] = sess
	return nil
}

func (t *tx) DeleteLineItem(_ context.Context, sessionID, itemID string) error {
	sess, ok := t.st.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", trade.ErrNotFound, sessionID)
	}
	idx := slices.IndexFunc(sess.Items, func(li trade.LineItem) bool { return li.ID == itemID })
	if idx < 0 {
		return fmt.Errorf("%w: line item %s", trade.ErrNotFound, itemID)
	}
	sess.Items = slices.Delete(sess.Items, idx, idx+1)
	t.st.sessions[sessionID] = sess
	return nil
}

func (t *tx) AssetInActiveSession(_ context.Context, asset trade.Asset) (bool, error) {
	for _, sess := range t.st.sessions {
		if sess.Status != trade.SessionActive {
			continue
		}
		for _, li := range sess.Items {
			if li.Asset() == asset {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *tx) Holding(_ context.Context, userID string, asset trade.Asset) (int64, error) {
	return t.st.holding(userID, asset), nil
}

func (t *tx) Transfer(_ context.Context, asset trade.Asset, fromID, toID string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("transfer quantity must be > 0")
	}
	switch asset.Kind {
	case trade.KindCoins:
		if t.st.coins[fromID] < quantity {
			return fmt.Errorf("%w: %s has %d coins", trade.ErrInsufficientHolding, fromID, t.st.coins[fromID])
		}
		t.st.coins[fromID] -= quantity
		t.st.coins[toID] += quantity
	case trade.KindInventory:
		from := t.st.inventory[fromID]
		if from[asset.Ref] < quantity {
			return fmt.Errorf("%w: %s has %d of %s", trade.ErrInsufficientHolding, fromID, from[asset.Ref], asset.Ref)
		}
		from[asset.Ref] -= quantity
		if from[asset.Ref] == 0 {
			delete(from, asset.Ref)
		}
		to := t.st.inventory[toID]
		if to == nil {
			to = map[string]int64{}
			t.st.inventory[toID] = to
		}
		to[asset.Ref] += quantity
	case trade.KindCollectible, trade.KindPet:
		if t.st.owners[asset] != fromID {
			return fmt.Errorf("%w: %s does not own %s", trade.ErrInsufficientHolding, fromID, asset)
		}
		t.st.owners[asset] = toID
	default:
		return fmt.Errorf("unknown asset kind %q", asset.Kind)
	}
	return nil
}
