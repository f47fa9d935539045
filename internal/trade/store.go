package trade

import (
	"context"
	"time"

	"memetrade/internal/protocol"
)

// Store runs fn as one all-or-nothing unit of work. If fn returns an error
// nothing it wrote is kept. Implementations may run fn more than once when a
// concurrent writer conflicts, so fn must not keep side effects outside tx.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the persistence and holdings collaborator seen from inside a unit of
// work. Getters return ErrNotFound for missing rows and lock what they read
// for the remainder of the transaction.
type Tx interface {
	EnsureParticipant(ctx context.Context, p Participant, starterCoins int64) error
	UserExists(ctx context.Context, userID string) (bool, error)
	ClaimIdempotency(ctx context.Context, userID, key, action string) error

	InsertOffer(ctx context.Context, o Offer) error
	GetOffer(ctx context.Context, id string) (Offer, error)
	UpdateOfferStatus(ctx context.Context, id string, status OfferStatus, sessionID string) error
	HasPendingOffer(ctx context.Context, proposerID, targetID string, now time.Time) (bool, error)
	ListOpenOffers(ctx context.Context, userID string, now time.Time) ([]Offer, error)
	ExpireOffers(ctx context.Context, now time.Time) ([]Offer, error)

	InsertSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	SaveSession(ctx context.Context, s Session) error
	ListActiveSessions(ctx context.Context, userID string) ([]Session, error)
	InsertLineItem(ctx context.Context, li LineItem) error
	DeleteLineItem(ctx context.Context, sessionID, itemID string) error
	AssetInActiveSession(ctx context.Context, asset Asset) (bool, error)

	Holding(ctx context.Context, userID string, asset Asset) (int64, error)
	Transfer(ctx context.Context, asset Asset, fromID, toID string, quantity int64) error
}

// Notifier delivers best-effort notifications to a user's connections.
type Notifier interface {
	Notify(ctx context.Context, userID string, msg protocol.Message)
}

// AuditPublisher receives settlement and cancellation records.
type AuditPublisher interface {
	PublishSettlement(ctx context.Context, rec SettlementRecord) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, protocol.Message) {}

type nopAudit struct{}

func (nopAudit) PublishSettlement(context.Context, SettlementRecord) error { return nil }
