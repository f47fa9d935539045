package trade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"memetrade/internal/protocol"

	"github.com/google/uuid"
)

func (s *Service) ProposeTrade(ctx context.Context, actorID, targetID string) (Offer, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" || targetID == actorID {
		return Offer{}, ErrInvalidTarget
	}

	var offer Offer
	err := s.store.InTx(ctx, func(tx Tx) error {
		now := s.now()
		exists, err := tx.UserExists(ctx, targetID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: unknown player %s", ErrInvalidTarget, targetID)
		}
		pending, err := tx.HasPendingOffer(ctx, actorID, targetID, now)
		if err != nil {
			return err
		}
		if pending {
			return ErrAlreadyPending
		}
		offer = Offer{
			ID:         uuid.NewString(),
			ProposerID: actorID,
			TargetID:   targetID,
			Status:     OfferPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.offerTTL),
		}
		return tx.InsertOffer(ctx, offer)
	})
	if err != nil {
		return Offer{}, err
	}

	s.notify.Notify(ctx, targetID, protocol.Offer{
		OfferID:        offer.ID,
		FromIdentity:   offer.ProposerID,
		TargetIdentity: offer.TargetID,
		ExpiresAt:      offer.ExpiresAt,
	})
	s.log.Info("trade offer proposed", "offer_id", offer.ID, "proposer", actorID, "target", targetID)
	return offer, nil
}

func (s *Service) AcceptOffer(ctx context.Context, actorID, offerID string) (Session, error) {
	var (
		sess    Session
		offer   Offer
		expired bool
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		expired = false
		now := s.now()
		var err error
		offer, err = tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if offer.TargetID != actorID {
			return ErrNotAuthorized
		}
		if err := checkOpen(offer, now); err != nil {
			if offer.Status == OfferPending {
				// Lapsed but not swept yet: record it while we hold the row.
				expired = true
				return tx.UpdateOfferStatus(ctx, offer.ID, OfferExpired, "")
			}
			return err
		}

		sess = Session{
			ID:        uuid.NewString(),
			OfferID:   offer.ID,
			Party1:    offer.ProposerID,
			Party2:    offer.TargetID,
			Status:    SessionActive,
			Version:   1,
			Items:     []LineItem{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertSession(ctx, sess); err != nil {
			return err
		}
		return tx.UpdateOfferStatus(ctx, offer.ID, OfferAccepted, sess.ID)
	})
	if err != nil {
		return Session{}, err
	}
	if expired {
		closed := protocol.OfferClosed{OfferID: offer.ID, Status: string(OfferExpired)}
		s.notify.Notify(ctx, offer.ProposerID, closed)
		s.notify.Notify(ctx, offer.TargetID, closed)
		return Session{}, ErrExpired
	}

	s.notifyBoth(ctx, sess, protocol.Accepted{SessionID: sess.ID, OfferID: offer.ID, Result: "created"})
	s.log.Info("trade offer accepted", "offer_id", offer.ID, "session_id", sess.ID)
	return sess, nil
}

func (s *Service) RejectOffer(ctx context.Context, actorID, offerID string) error {
	offer, err := s.closeOffer(ctx, offerID, OfferRejected, func(o Offer) bool { return o.TargetID == actorID })
	if err != nil {
		return err
	}
	s.notify.Notify(ctx, offer.ProposerID, protocol.OfferClosed{OfferID: offer.ID, Status: string(OfferRejected)})
	s.log.Info("trade offer rejected", "offer_id", offer.ID)
	return nil
}

// WithdrawOffer lets the proposer take back an offer that is still open.
func (s *Service) WithdrawOffer(ctx context.Context, actorID, offerID string) error {
	offer, err := s.closeOffer(ctx, offerID, OfferWithdrawn, func(o Offer) bool { return o.ProposerID == actorID })
	if err != nil {
		return err
	}
	s.notify.Notify(ctx, offer.TargetID, protocol.OfferClosed{OfferID: offer.ID, Status: string(OfferWithdrawn)})
	s.log.Info("trade offer withdrawn", "offer_id", offer.ID)
	return nil
}

func (s *Service) closeOffer(ctx context.Context, offerID string, status OfferStatus, allowed func(Offer) bool) (Offer, error) {
	var (
		offer   Offer
		expired bool
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		expired = false
		var err error
		offer, err = tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if !allowed(offer) {
			return ErrNotAuthorized
		}
		if err := checkOpen(offer, s.now()); err != nil {
			if offer.Status == OfferPending {
				expired = true
				return tx.UpdateOfferStatus(ctx, offer.ID, OfferExpired, "")
			}
			return err
		}
		return tx.UpdateOfferStatus(ctx, offer.ID, status, "")
	})
	if err != nil {
		return Offer{}, err
	}
	if expired {
		return Offer{}, ErrExpired
	}
	offer.Status = status
	return offer, nil
}

func (s *Service) GetOffer(ctx context.Context, actorID, offerID string) (Offer, error) {
	var offer Offer
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		offer, err = tx.GetOffer(ctx, offerID)
		return err
	})
	if err != nil {
		return Offer{}, err
	}
	if offer.ProposerID != actorID && offer.TargetID != actorID {
		return Offer{}, ErrNotAuthorized
	}
	offer.Status = offer.StatusAt(s.now())
	return offer, nil
}

// ListOffers returns open offers the user sent or received.
func (s *Service) ListOffers(ctx context.Context, actorID string) ([]Offer, error) {
	var out []Offer
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListOpenOffers(ctx, actorID, s.now())
		return err
	})
	return out, err
}

// SweepExpiredOffers records every lapsed pending offer as expired and tells
// both parties. It returns how many offers were closed.
func (s *Service) SweepExpiredOffers(ctx context.Context) (int, error) {
	var expired []Offer
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		expired, err = tx.ExpireOffers(ctx, s.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, o := range expired {
		closed := protocol.OfferClosed{OfferID: o.ID, Status: string(OfferExpired)}
		s.notify.Notify(ctx, o.ProposerID, closed)
		s.notify.Notify(ctx, o.TargetID, closed)
	}
	if len(expired) > 0 {
		s.log.Info("expired trade offers swept", "count", len(expired))
	}
	return len(expired), nil
}

func checkOpen(o Offer, now time.Time) error {
	switch o.StatusAt(now) {
	case OfferPending:
		return nil
	case OfferExpired:
		return ErrExpired
	default:
		return fmt.Errorf("%w: offer already %s", ErrNotFound, o.Status)
	}
}
