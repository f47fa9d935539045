package trade

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"memetrade/internal/protocol"
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

// Service coordinates the offer handshake and the session state machine.
// Notifications leave only after the unit of work that caused them commits.
type Service struct {
	store        Store
	notify       Notifier
	audit        AuditPublisher
	log          *slog.Logger
	now          func() time.Time
	offerTTL     time.Duration
	starterCoins int64
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithOfferTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.offerTTL = ttl
		}
	}
}

func WithAudit(p AuditPublisher) Option {
	return func(s *Service) {
		if p != nil {
			s.audit = p
		}
	}
}

func WithStarterCoins(coins int64) Option {
	return func(s *Service) {
		if coins >= 0 {
			s.starterCoins = coins
		}
	}
}

func NewService(store Store, notifier Notifier, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	s := &Service{
		store:        store,
		notify:       notifier,
		audit:        nopAudit{},
		log:          logger,
		now:          time.Now,
		offerTTL:     DefaultOfferTTL,
		starterCoins: StarterCoins,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) OfferTTL() time.Duration {
	return s.offerTTL
}

// EnsureParticipant creates the profile and starter wallet for a user the
// identity provider vouched for. Existing rows are left alone.
func (s *Service) EnsureParticipant(ctx context.Context, userID, email, username string) error {
	p := Participant{
		UserID:   strings.TrimSpace(userID),
		Email:    strings.TrimSpace(email),
		Username: strings.TrimSpace(username),
	}
	if p.Username == "" || !usernameRE.MatchString(p.Username) {
		p.Username = usernameFromEmail(p.Email)
	}
	return s.store.InTx(ctx, func(tx Tx) error {
		return tx.EnsureParticipant(ctx, p, s.starterCoins)
	})
}

func (s *Service) Holding(ctx context.Context, userID string, asset Asset) (int64, error) {
	var qty int64
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		qty, err = tx.Holding(ctx, userID, asset)
		return err
	})
	return qty, err
}

func (s *Service) notifyBoth(ctx context.Context, sess Session, msg protocol.Message) {
	s.notify.Notify(ctx, sess.Party1, msg)
	s.notify.Notify(ctx, sess.Party2, msg)
}

func (s *Service) publishAudit(ctx context.Context, event, actorID string, sess Session) {
	rec := SettlementRecord{
		Event:     event,
		SessionID: sess.ID,
		OfferID:   sess.OfferID,
		Party1:    sess.Party1,
		Party2:    sess.Party2,
		ActorID:   actorID,
		Items:     sess.Items,
		At:        s.now().UTC(),
	}
	if err := s.audit.PublishSettlement(ctx, rec); err != nil {
		s.log.Warn("audit publish failed", "event", event, "session_id", sess.ID, "err", err)
	}
}

func itemHint(li LineItem) *protocol.Item {
	return &protocol.Item{
		ID:       li.ID,
		OwnerID:  li.OwnerID,
		Kind:     string(li.Kind),
		ItemRef:  li.ItemRef,
		Quantity: li.Quantity,
	}
}

func usernameFromEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return "trader"
	}
	return sanitizeUsername(local)
}

func sanitizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "trader"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	res := strings.Trim(string(out), "_")
	if len(res) < 3 {
		res = "trader_" + res
	}
	if len(res) > 24 {
		res = res[:24]
	}
	return res
}
