package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"memetrade/internal/trade"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) EnsureParticipant(ctx context.Context, p trade.Participant, starterCoins int64) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO users.profiles (user_id, email, username)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, p.UserID, p.Email, p.Username); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO economy.wallets (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, p.UserID, starterCoins)
	return err
}

func (t *pgTx) UserExists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users.profiles WHERE user_id = $1)`, userID).Scan(&ok)
	return ok, err
}

func (t *pgTx) ClaimIdempotency(ctx context.Context, userID, key, action string) error {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO trade.idempotency_keys (user_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key) DO NOTHING
	`, userID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return trade.ErrDuplicateRequest
	}
	return nil
}

const offerColumns = `id::text, proposer_id, target_id, status, COALESCE(session_id::text, ''), created_at, expires_at`

func scanOffer(row pgx.Row) (trade.Offer, error) {
	var (
		o      trade.Offer
		status string
	)
	if err := row.Scan(&o.ID, &o.ProposerID, &o.TargetID, &status, &o.SessionID, &o.CreatedAt, &o.ExpiresAt); err != nil {
		return trade.Offer{}, err
	}
	o.Status = trade.OfferStatus(status)
	return o, nil
}

func (t *pgTx) InsertOffer(ctx context.Context, o trade.Offer) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trade.offers (id, proposer_id, target_id, status, created_at, expires_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6)
	`, o.ID, o.ProposerID, o.TargetID, string(o.Status), o.CreatedAt, o.ExpiresAt)
	return err
}

func (t *pgTx) GetOffer(ctx context.Context, id string) (trade.Offer, error) {
	if _, err := uuid.Parse(id); err != nil {
		return trade.Offer{}, fmt.Errorf("%w: offer %s", trade.ErrNotFound, id)
	}
	o, err := scanOffer(t.tx.QueryRow(ctx, `
		SELECT `+offerColumns+`
		FROM trade.offers
		WHERE id = $1::uuid
		FOR UPDATE
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return trade.Offer{}, fmt.Errorf("%w: offer %s", trade.ErrNotFound, id)
	}
	return o, err
}

func (t *pgTx) UpdateOfferStatus(ctx context.Context, id string, status trade.OfferStatus, sessionID string) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE trade.offers
		SET status = $2,
			session_id = COALESCE(NULLIF($3, '')::uuid, session_id),
			updated_at = now()
		WHERE id = $1::uuid
	`, id, string(status), sessionID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: offer %s", trade.ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) HasPendingOffer(ctx context.Context, proposerID, targetID string, now time.Time) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trade.offers
			WHERE proposer_id = $1 AND target_id = $2
			  AND status = 'pending' AND expires_at > $3
		)
	`, proposerID, targetID, now).Scan(&ok)
	return ok, err
}

func (t *pgTx) ListOpenOffers(ctx context.Context, userID string, now time.Time) ([]trade.Offer, error) {
	return t.queryOffers(ctx, `
		SELECT `+offerColumns+`
		FROM trade.offers
		WHERE (proposer_id = $1 OR target_id = $1)
		  AND status = 'pending' AND expires_at > $2
		ORDER BY created_at
	`, userID, now)
}

func (t *pgTx) ExpireOffers(ctx context.Context, now time.Time) ([]trade.Offer, error) {
	out, err := t.queryOffers(ctx, `
		UPDATE trade.offers
		SET status = 'expired', updated_at = now()
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING `+offerColumns, now)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b trade.Offer) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (t *pgTx) queryOffers(ctx context.Context, sql string, args ...any) ([]trade.Offer, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []trade.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const sessionColumns = `id::text, offer_id::text, party1_id, party2_id, status, party1_ready, party2_ready, version, created_at, updated_at, closed_at`

func scanSession(row pgx.Row) (trade.Session, error) {
	var (
		s      trade.Session
		status string
	)
	if err := row.Scan(&s.ID, &s.OfferID, &s.Party1, &s.Party2, &status, &s.Party1Ready, &s.Party2Ready, &s.Version, &s.CreatedAt, &s.UpdatedAt, &s.ClosedAt); err != nil {
		return trade.Session{}, err
	}
	st, err := trade.ParseSessionStatus(status)
	if err != nil {
		return trade.Session{}, err
	}
	s.Status = st
	return s, nil
}

func (t *pgTx) InsertSession(ctx context.Context, s trade.Session) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trade.sessions (id, offer_id, party1_id, party2_id, status, party1_ready, party2_ready, version, created_at, updated_at)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.OfferID, s.Party1, s.Party2, s.Status.String(), s.Party1Ready, s.Party2Ready, s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

// GetSession locks the session row, which serializes every mutation of one
// trade, including the settlement.
func (t *pgTx) GetSession(ctx context.Context, id string) (trade.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return trade.Session{}, fmt.Errorf("%w: session %s", trade.ErrNotFound, id)
	}
	s, err := scanSession(t.tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM trade.sessions
		WHERE id = $1::uuid
		FOR UPDATE
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return trade.Session{}, fmt.Errorf("%w: session %s", trade.ErrNotFound, id)
	}
	if err != nil {
		return trade.Session{}, err
	}
	s.Items, err = t.lineItems(ctx, s.ID)
	if err != nil {
		return trade.Session{}, err
	}
	return s, nil
}

func (t *pgTx) lineItems(ctx context.Context, sessionID string) ([]trade.LineItem, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id::text, session_id::text, owner_id, kind, item_ref, quantity, created_at
		FROM trade.line_items
		WHERE session_id = $1::uuid
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []trade.LineItem{}
	for rows.Next() {
		var (
			li   trade.LineItem
			kind string
		)
		if err := rows.Scan(&li.ID, &li.SessionID, &li.OwnerID, &kind, &li.ItemRef, &li.Quantity, &li.CreatedAt); err != nil {
			return nil, err
		}
		li.Kind = trade.AssetKind(kind)
		out = append(out, li)
	}
	return out, rows.Err()
}

func (t *pgTx) SaveSession(ctx context.Context, s trade.Session) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE trade.sessions
		SET status = $2, party1_ready = $3, party2_ready = $4, version = $5, updated_at = $6, closed_at = $7
		WHERE id = $1::uuid
	`, s.ID, s.Status.String(), s.Party1Ready, s.Party2Ready, s.Version, s.UpdatedAt, s.ClosedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s", trade.ErrNotFound, s.ID)
	}
	return nil
}

func (t *pgTx) ListActiveSessions(ctx context.Context, userID string) ([]trade.Session, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM trade.sessions
		WHERE status = 'active' AND (party1_id = $1 OR party2_id = $1)
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	var out []trade.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Items, err = t.lineItems(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *pgTx) InsertLineItem(ctx context.Context, li trade.LineItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trade.line_items (id, session_id, owner_id, kind, item_ref, quantity, created_at)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7)
	`, li.ID, li.SessionID, li.OwnerID, string(li.Kind), li.ItemRef, li.Quantity, li.CreatedAt)
	return err
}

func (t *pgTx) DeleteLineItem(ctx context.Context, sessionID, itemID string) error {
	cmd, err := t.tx.Exec(ctx, `
		DELETE FROM trade.line_items
		WHERE id = $1::uuid AND session_id = $2::uuid
	`, itemID, sessionID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: line item %s", trade.ErrNotFound, itemID)
	}
	return nil
}

func (t *pgTx) AssetInActiveSession(ctx context.Context, asset trade.Asset) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM trade.line_items li
			JOIN trade.sessions s ON s.id = li.session_id
			WHERE s.status = 'active' AND li.kind = $1 AND li.item_ref = $2
		)
	`, string(asset.Kind), asset.Ref).Scan(&ok)
	return ok, err
}

func (t *pgTx) Holding(ctx context.Context, userID string, asset trade.Asset) (int64, error) {
	var (
		qty int64
		err error
	)
	switch asset.Kind {
	case trade.KindCoins:
		err = t.tx.QueryRow(ctx, `
			SELECT balance FROM economy.wallets WHERE user_id = $1 FOR UPDATE
		`, userID).Scan(&qty)
	case trade.KindInventory:
		err = t.tx.QueryRow(ctx, `
			SELECT quantity FROM economy.inventory WHERE user_id = $1 AND item_ref = $2 FOR UPDATE
		`, userID, asset.Ref).Scan(&qty)
	case trade.KindCollectible, trade.KindPet:
		var owner string
		err = t.tx.QueryRow(ctx, `
			SELECT owner_user_id FROM economy.unique_assets WHERE kind = $1 AND ref = $2 FOR UPDATE
		`, string(asset.Kind), asset.Ref).Scan(&owner)
		if err == nil && owner == userID {
			qty = 1
		}
	default:
		return 0, fmt.Errorf("unknown asset kind %q", asset.Kind)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

func (t *pgTx) Transfer(ctx context.Context, asset trade.Asset, fromID, toID string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("transfer quantity must be > 0")
	}
	switch asset.Kind {
	case trade.KindCoins:
		return t.transferCoins(ctx, fromID, toID, quantity)
	case trade.KindInventory:
		return t.transferInventory(ctx, asset.Ref, fromID, toID, quantity)
	case trade.KindCollectible, trade.KindPet:
		cmd, err := t.tx.Exec(ctx, `
			UPDATE economy.unique_assets
			SET owner_user_id = $3, updated_at = now()
			WHERE kind = $1 AND ref = $2 AND owner_user_id = $4
		`, string(asset.Kind), asset.Ref, toID, fromID)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s does not own %s", trade.ErrInsufficientHolding, fromID, asset)
		}
		return nil
	default:
		return fmt.Errorf("unknown asset kind %q", asset.Kind)
	}
}

func (t *pgTx) transferCoins(ctx context.Context, fromID, toID string, amount int64) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE economy.wallets
		SET balance = balance - $2, updated_at = now()
		WHERE user_id = $1 AND balance >= $2
	`, fromID, amount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s cannot pay %d coins", trade.ErrInsufficientHolding, fromID, amount)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO economy.wallets (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = economy.wallets.balance + EXCLUDED.balance, updated_at = now()
	`, toID, amount)
	return err
}

func (t *pgTx) transferInventory(ctx context.Context, itemRef, fromID, toID string, qty int64) error {
	cmd, err := t.tx.Exec(ctx, `
		DELETE FROM economy.inventory
		WHERE user_id = $1 AND item_ref = $2 AND quantity = $3
	`, fromID, itemRef, qty)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		cmd, err = t.tx.Exec(ctx, `
			UPDATE economy.inventory
			SET quantity = quantity - $3, updated_at = now()
			WHERE user_id = $1 AND item_ref = $2 AND quantity > $3
		`, fromID, itemRef, qty)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s holds fewer than %d %s", trade.ErrInsufficientHolding, fromID, qty, itemRef)
		}
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO economy.inventory (user_id, item_ref, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, item_ref) DO UPDATE
		SET quantity = economy.inventory.quantity + EXCLUDED.quantity, updated_at = now()
	`, toID, itemRef, qty)
	return err
}
