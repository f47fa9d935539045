package trade

import (
	"context"
	"errors"
	"fmt"

	"memetrade/internal/protocol"

	"github.com/google/uuid"
)

type readyOutcome int

const (
	readyUnchanged readyOutcome = iota
	readyMarked
	readyStale
	readySettled
)

func (s *Service) GetSession(ctx context.Context, actorID, sessionID string) (Session, error) {
	var sess Session
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		sess, err = tx.GetSession(ctx, sessionID)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	if !sess.IsParticipant(actorID) {
		return Session{}, ErrNotParticipant
	}
	return sess, nil
}

func (s *Service) ListActiveSessions(ctx context.Context, actorID string) ([]Session, error) {
	var out []Session
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListActiveSessions(ctx, actorID)
		return err
	})
	return out, err
}

// loadActive fetches a session the actor may mutate.
func loadActive(ctx context.Context, tx Tx, actorID, sessionID string) (Session, error) {
	sess, err := tx.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !sess.IsParticipant(actorID) {
		return Session{}, ErrNotParticipant
	}
	if sess.Status != SessionActive {
		return Session{}, fmt.Errorf("%w: session is %s", ErrSessionNotActive, sess.Status)
	}
	return sess, nil
}

func (s *Service) AddLineItem(ctx context.Context, in AddItemInput) (LineItem, error) {
	asset, err := ValidateLineItem(in.Kind, in.ItemRef, in.Quantity)
	if err != nil {
		return LineItem{}, err
	}

	var (
		item LineItem
		sess Session
	)
	err = s.store.InTx(ctx, func(tx Tx) error {
		now := s.now()
		if in.IdempotencyKey != "" {
			if err := tx.ClaimIdempotency(ctx, in.ActorID, in.IdempotencyKey, "add_item"); err != nil {
				return err
			}
		}
		var err error
		sess, err = loadActive(ctx, tx, in.ActorID, in.SessionID)
		if err != nil {
			return err
		}
		if asset.Kind.Unique() {
			reserved, err := tx.AssetInActiveSession(ctx, asset)
			if err != nil {
				return err
			}
			if reserved {
				return fmt.Errorf("%w: %s", ErrAssetReserved, asset)
			}
		}
		held, err := tx.Holding(ctx, in.ActorID, asset)
		if err != nil {
			return err
		}
		want := sess.offered(in.ActorID, asset) + in.Quantity
		if held < want {
			return fmt.Errorf("%w: %s held %d, offered %d", ErrInsufficientHolding, asset, held, want)
		}

		item = LineItem{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			OwnerID:   in.ActorID,
			Kind:      asset.Kind,
			ItemRef:   asset.Ref,
			Quantity:  in.Quantity,
			CreatedAt: now,
		}
		if err := tx.InsertLineItem(ctx, item); err != nil {
			return err
		}
		sess.Items = append(sess.Items, item)
		sess.resetReadiness()
		sess.touch(now)
		return tx.SaveSession(ctx, sess)
	})
	if err != nil {
		return LineItem{}, err
	}

	s.notifyBoth(ctx, sess, protocol.Update{
		SessionID:     sess.ID,
		Action:        protocol.ActionAddItem,
		ActorIdentity: in.ActorID,
		Item:          itemHint(item),
	})
	return item, nil
}

func (s *Service) RemoveLineItem(ctx context.Context, actorID, sessionID, itemID string) error {
	var sess Session
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		sess, err = loadActive(ctx, tx, actorID, sessionID)
		if err != nil {
			return err
		}
		item, ok := sess.item(itemID)
		if !ok {
			return fmt.Errorf("%w: line item %s", ErrNotFound, itemID)
		}
		if item.OwnerID != actorID {
			return ErrNotOwner
		}
		if err := tx.DeleteLineItem(ctx, sess.ID, item.ID); err != nil {
			return err
		}
		kept := sess.Items[:0:0]
		for _, it := range sess.Items {
			if it.ID != item.ID {
				kept = append(kept, it)
			}
		}
		sess.Items = kept
		sess.resetReadiness()
		sess.touch(s.now())
		return tx.SaveSession(ctx, sess)
	})
	if err != nil {
		return err
	}

	s.notifyBoth(ctx, sess, protocol.Update{
		SessionID:     sess.ID,
		Action:        protocol.ActionRemoveItem,
		ActorIdentity: actorID,
	})
	return nil
}

// SetReady confirms the actor's side. The second confirmation settles the
// session inside the same unit of work: every holding is re-checked before
// any transfer, and a failing transfer discards the whole batch.
func (s *Service) SetReady(ctx context.Context, actorID, sessionID string) (Session, error) {
	var (
		sess    Session
		outcome readyOutcome
		reason  string
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		outcome, reason = readyUnchanged, ""
		var err error
		sess, err = loadActive(ctx, tx, actorID, sessionID)
		if err != nil {
			return err
		}
		if sess.IsReady(actorID) {
			return nil
		}
		now := s.now()
		sess.markReady(actorID)
		if !sess.BothReady() {
			outcome = readyMarked
			sess.touch(now)
			return tx.SaveSession(ctx, sess)
		}

		reason, err = shortfall(ctx, tx, sess)
		if err != nil {
			return err
		}
		if reason != "" {
			outcome = readyStale
			sess.resetReadiness()
			sess.touch(now)
			return tx.SaveSession(ctx, sess)
		}

		for _, it := range sess.Items {
			to := sess.Counterparty(it.OwnerID)
			if err := tx.Transfer(ctx, it.Asset(), it.OwnerID, to, it.Quantity); err != nil {
				return fmt.Errorf("%w: item %s (%s): %w", ErrTransferFailed, it.ID, it.Asset(), err)
			}
		}
		outcome = readySettled
		sess.close(SessionCompleted, now)
		return tx.SaveSession(ctx, sess)
	})
	if err != nil {
		if errors.Is(err, ErrTransferFailed) {
			s.log.Error("trade settlement failed", "session_id", sessionID, "err", err)
			s.unreadyAfterFailure(ctx, actorID, sessionID)
			return Session{}, ErrTransferFailed
		}
		return Session{}, err
	}

	switch outcome {
	case readyMarked:
		s.notifyBoth(ctx, sess, protocol.Update{SessionID: sess.ID, Action: protocol.ActionReady, ActorIdentity: actorID})
	case readyStale:
		s.log.Info("trade settlement aborted, stale holdings", "session_id", sess.ID, "reason", reason)
		s.notifyBoth(ctx, sess, protocol.Update{SessionID: sess.ID, Action: protocol.ActionStale, ActorIdentity: actorID})
		return Session{}, fmt.Errorf("%w: %s", ErrStaleOffer, reason)
	case readySettled:
		s.log.Info("trade settled", "session_id", sess.ID, "items", len(sess.Items))
		s.notifyBoth(ctx, sess, protocol.Accepted{SessionID: sess.ID, OfferID: sess.OfferID, Result: SessionCompleted.String()})
		s.publishAudit(ctx, EventSettled, actorID, sess)
	}
	return sess, nil
}

// unreadyAfterFailure clears both flags once the failed settlement has been
// rolled back, so neither side stays confirmed on an unsettled trade.
func (s *Service) unreadyAfterFailure(ctx context.Context, actorID, sessionID string) {
	var sess Session
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		sess, err = tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != SessionActive {
			return nil
		}
		sess.resetReadiness()
		sess.touch(s.now())
		return tx.SaveSession(ctx, sess)
	})
	if err != nil {
		s.log.Error("reset readiness after failed settlement", "session_id", sessionID, "err", err)
		return
	}
	s.notifyBoth(ctx, sess, protocol.Update{SessionID: sessionID, Action: protocol.ActionTransferFailed, ActorIdentity: actorID})
}

// shortfall returns a description of the first requirement the owners'
// current holdings no longer cover, or "" when every line is backed.
func shortfall(ctx context.Context, tx Tx, sess Session) (string, error) {
	needs := requirements(sess.Items)
	checked := make(map[requirement]bool, len(needs))
	for _, it := range sess.Items {
		key := requirement{owner: it.OwnerID, asset: it.Asset()}
		if checked[key] {
			continue
		}
		checked[key] = true
		need := needs[key]
		held, err := tx.Holding(ctx, key.owner, key.asset)
		if err != nil {
			return "", err
		}
		if held < need {
			return fmt.Sprintf("%s holds %d of %s, trade needs %d", key.owner, held, key.asset, need), nil
		}
	}
	return "", nil
}

func (s *Service) CancelSession(ctx context.Context, actorID, sessionID string) error {
	var sess Session
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		sess, err = loadActive(ctx, tx, actorID, sessionID)
		if err != nil {
			return err
		}
		sess.resetReadiness()
		sess.close(SessionCancelled, s.now())
		return tx.SaveSession(ctx, sess)
	})
	if err != nil {
		return err
	}

	s.notifyBoth(ctx, sess, protocol.Update{SessionID: sess.ID, Action: protocol.ActionCancel, ActorIdentity: actorID})
	s.publishAudit(ctx, EventCancelled, actorID, sess)
	s.log.Info("trade session cancelled", "session_id", sess.ID, "by", actorID)
	return nil
}
