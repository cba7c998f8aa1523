package giftcard

import (
	"fmt"
	"math/big"

	"giftledger/core/identity"
)

// GiftCard is a vendor-scoped voucher. The vendor is fixed at mint time;
// ownership moves through Transfer and value moves through the two-phase
// redemption flow. Cards are never deleted: a fully spent and settled card
// persists with both value fields at zero.
type GiftCard struct {
	ID        uint64
	VendorEIN identity.EIN
	OwnerEIN  identity.EIN
	// Balance is the remaining spendable value. Authorization moves value
	// out of Balance into PendingAuthorized; a refund zeroes it. It never
	// increases after mint.
	Balance *big.Int
	// PendingAuthorized is value already deducted from Balance and earmarked
	// for vendor settlement but not yet paid out.
	PendingAuthorized *big.Int
}

// Clone returns a deep copy so callers can mutate freely without affecting the
// stored instance.
func (g *GiftCard) Clone() *GiftCard {
	if g == nil {
		return nil
	}
	clone := *g
	if g.Balance != nil {
		clone.Balance = new(big.Int).Set(g.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	if g.PendingAuthorized != nil {
		clone.PendingAuthorized = new(big.Int).Set(g.PendingAuthorized)
	} else {
		clone.PendingAuthorized = big.NewInt(0)
	}
	return &clone
}

// Sanitize validates the invariants every stored card must satisfy and returns
// a normalized clone with non-nil value fields.
func (g *GiftCard) Sanitize() (*GiftCard, error) {
	if g == nil {
		return nil, fmt.Errorf("giftcard: nil gift card")
	}
	clone := g.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("giftcard: id must be assigned")
	}
	if clone.VendorEIN == 0 || clone.OwnerEIN == 0 {
		return nil, fmt.Errorf("giftcard: vendor and owner EINs must be set")
	}
	if clone.Balance.Sign() < 0 {
		return nil, fmt.Errorf("giftcard: balance must be non-negative")
	}
	if clone.PendingAuthorized.Sign() < 0 {
		return nil, fmt.Errorf("giftcard: pending authorization must be non-negative")
	}
	return clone, nil
}

// Offers is a vendor's published catalog: an ordered list of price points in
// the token's base unit. Replace-all semantics; an empty list means "not
// currently selling". Amount values are not validated.
type Offers []*big.Int

// Clone returns a deep copy of the catalog.
func (o Offers) Clone() Offers {
	if o == nil {
		return nil
	}
	out := make(Offers, len(o))
	for i, amt := range o {
		if amt != nil {
			out[i] = new(big.Int).Set(amt)
		} else {
			out[i] = big.NewInt(0)
		}
	}
	return out
}

// Details is the query-surface projection of a gift card: resolved display
// names plus the spendable balance.
type Details struct {
	ID                uint64
	VendorDisplayName string
	OwnerDisplayName  string
	Balance           *big.Int
	PendingAuthorized *big.Int
}
