package trade

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultOfferTTL = 30 * time.Second

	StarterCoins = int64(1_000)

	maxItemRefLen = 64
)

var (
	ErrNotFound            = errors.New("not found")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrNotParticipant      = errors.New("not a participant in this trade")
	ErrNotOwner            = errors.New("line item belongs to the other party")
	ErrExpired             = errors.New("offer expired")
	ErrSessionNotActive    = errors.New("trade session is not active")
	ErrInsufficientHolding = errors.New("insufficient holding")
	ErrStaleOffer          = errors.New("trade contents no longer backed by holdings, review and ready again")
	ErrAlreadyPending      = errors.New("an offer to this player is already pending")
	ErrTransferFailed      = errors.New("settlement transfer failed, nothing was moved")
	ErrInvalidTarget       = errors.New("invalid trade target")
	ErrInvalidLineItem     = errors.New("invalid line item")
	ErrAssetReserved       = errors.New("asset is already offered in an active trade")
	ErrDuplicateRequest    = errors.New("duplicate idempotency key")
	ErrTxConflict          = errors.New("transaction conflict, retry later")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrNotAuthorized, "not_authorized"},
	{ErrNotParticipant, "not_participant"},
	{ErrNotOwner, "not_owner"},
	{ErrExpired, "expired"},
	{ErrSessionNotActive, "session_not_active"},
	{ErrStaleOffer, "stale_offer"},
	{ErrInsufficientHolding, "insufficient_holding"},
	{ErrAlreadyPending, "already_pending"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrInvalidTarget, "invalid_target"},
	{ErrInvalidLineItem, "invalid_line_item"},
	{ErrAssetReserved, "asset_reserved"},
	{ErrDuplicateRequest, "duplicate_request"},
	{ErrTxConflict, "tx_conflict"},
}

// Code returns the stable wire code for a domain error, or "internal".
func Code(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}

// ErrorForCode is the inverse of Code. Unknown codes return nil.
func ErrorForCode(code string) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}

type AssetKind string

const (
	KindCoins       AssetKind = "coins"
	KindInventory   AssetKind = "inventory-item"
	KindCollectible AssetKind = "collectible"
	KindPet         AssetKind = "pet"
)

func ParseAssetKind(s string) (AssetKind, error) {
	switch k := AssetKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCoins, KindInventory, KindCollectible, KindPet:
		return k, nil
	case "inventory", "item":
		return KindInventory, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidLineItem, s)
	}
}

// Unique kinds are single instances with one owner.
func (k AssetKind) Unique() bool {
	return k == KindCollectible || k == KindPet
}

// Asset identifies one tradable holding. Coins have no ref.
type Asset struct {
	Kind AssetKind `json:"kind"`
	Ref  string    `json:"item_ref,omitempty"`
}

func (a Asset) String() string {
	if a.Kind == KindCoins {
		return string(KindCoins)
	}
	return string(a.Kind) + ":" + a.Ref
}

// ValidateLineItem normalizes and checks an asset/quantity pair before it is
// placed into a session.
func ValidateLineItem(kind AssetKind, itemRef string, quantity int64) (Asset, error) {
	itemRef = strings.TrimSpace(itemRef)
	if quantity <= 0 {
		return Asset{}, fmt.Errorf("%w: quantity must be > 0", ErrInvalidLineItem)
	}
	switch kind {
	case KindCoins:
		if itemRef != "" {
			return Asset{}, fmt.Errorf("%w: coins take no item ref", ErrInvalidLineItem)
		}
	case KindInventory, KindCollectible, KindPet:
		if itemRef == "" {
			return Asset{}, fmt.Errorf("%w: %s requires an item ref", ErrInvalidLineItem, kind)
		}
		if len(itemRef) > maxItemRefLen {
			return Asset{}, fmt.Errorf("%w: item ref too long", ErrInvalidLineItem)
		}
		if kind.Unique() && quantity != 1 {
			return Asset{}, fmt.Errorf("%w: %s quantity must be 1", ErrInvalidLineItem, kind)
		}
	default:
		return Asset{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidLineItem, kind)
	}
	return Asset{Kind: kind, Ref: itemRef}, nil
}

type requirement struct {
	owner string
	asset Asset
}

// requirements sums the quantity each owner must still hold per asset for a
// session to settle.
func requirements(items []LineItem) map[requirement]int64 {
	out := make(map[requirement]int64, len(items))
	for _, it := range items {
		out[requirement{owner: it.OwnerID, asset: it.Asset()}] += it.Quantity
	}
	return out
}
