package giftcard

import (
	"math/big"
	"strconv"

	"giftledger/core/identity"
	"giftledger/core/types"
)

const (
	EventTypeOffersUpdated    = "giftcard.offers.updated"
	EventTypeMinted           = "giftcard.minted"
	EventTypeTransferred      = "giftcard.transferred"
	EventTypeRedeemAuthorized = "giftcard.redeem.authorized"
	EventTypeSettled          = "giftcard.settled"
	EventTypeRefunded         = "giftcard.refunded"
)

func cardAttributes(card *GiftCard) map[string]string {
	attrs := make(map[string]string)
	if card == nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(card.ID, 10)
	attrs["vendorEIN"] = strconv.FormatUint(uint64(card.VendorEIN), 10)
	attrs["ownerEIN"] = strconv.FormatUint(uint64(card.OwnerEIN), 10)
	if card.Balance != nil {
		attrs["balance"] = card.Balance.String()
	}
	if card.PendingAuthorized != nil {
		attrs["pendingAuthorized"] = card.PendingAuthorized.String()
	}
	return attrs
}

func amountAttr(attrs map[string]string, amount *big.Int) map[string]string {
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return attrs
}

// NewOffersUpdatedEvent returns the payload emitted when a vendor replaces its
// catalog.
func NewOffersUpdatedEvent(vendor identity.EIN, offers Offers) *types.Event {
	attrs := map[string]string{
		"vendorEIN": strconv.FormatUint(uint64(vendor), 10),
		"count":     strconv.Itoa(len(offers)),
	}
	return &types.Event{Type: EventTypeOffersUpdated, Attributes: attrs}
}

// NewMintedEvent returns the payload emitted when a purchase mints a card.
func NewMintedEvent(card *GiftCard) *types.Event {
	return &types.Event{Type: EventTypeMinted, Attributes: cardAttributes(card)}
}

// NewTransferredEvent returns the payload emitted when ownership changes.
func NewTransferredEvent(card *GiftCard, previousOwner identity.EIN) *types.Event {
	attrs := cardAttributes(card)
	attrs["previousOwnerEIN"] = strconv.FormatUint(uint64(previousOwner), 10)
	return &types.Event{Type: EventTypeTransferred, Attributes: attrs}
}

// NewRedeemAuthorizedEvent returns the payload emitted when value is earmarked
// for settlement.
func NewRedeemAuthorizedEvent(card *GiftCard, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeRedeemAuthorized, Attributes: amountAttr(cardAttributes(card), amount)}
}

// NewSettledEvent returns the payload emitted when authorized value is paid to
// the vendor.
func NewSettledEvent(card *GiftCard, amount *big.Int, payee string) *types.Event {
	attrs := amountAttr(cardAttributes(card), amount)
	attrs["payee"] = payee
	return &types.Event{Type: EventTypeSettled, Attributes: attrs}
}

// NewRefundedEvent returns the payload emitted when a vendor refunds the
// remaining balance to the owner's deposit.
func NewRefundedEvent(card *GiftCard, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeRefunded, Attributes: amountAttr(cardAttributes(card), amount)}
}
