package giftcard

import (
	"math/big"
	"testing"
)

func TestEventPayloads(t *testing.T) {
	card := &GiftCard{
		ID:                7,
		VendorEIN:         2,
		OwnerEIN:          3,
		Balance:           big.NewInt(600),
		PendingAuthorized: big.NewInt(400),
	}

	evt := NewMintedEvent(card)
	if evt.Type != EventTypeMinted {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	want := map[string]string{
		"id":                "7",
		"vendorEIN":         "2",
		"ownerEIN":          "3",
		"balance":           "600",
		"pendingAuthorized": "400",
	}
	for key, value := range want {
		if evt.Attributes[key] != value {
			t.Fatalf("attribute %q = %q, want %q", key, evt.Attributes[key], value)
		}
	}

	evt = NewTransferredEvent(card, 3)
	if evt.Type != EventTypeTransferred || evt.Attributes["previousOwnerEIN"] != "3" {
		t.Fatalf("unexpected transfer event %+v", evt)
	}

	evt = NewSettledEvent(card, big.NewInt(400), "gl1payee")
	if evt.Type != EventTypeSettled || evt.Attributes["amount"] != "400" || evt.Attributes["payee"] != "gl1payee" {
		t.Fatalf("unexpected settle event %+v", evt)
	}

	evt = NewOffersUpdatedEvent(2, Offers{big.NewInt(100), big.NewInt(200)})
	if evt.Type != EventTypeOffersUpdated || evt.Attributes["count"] != "2" {
		t.Fatalf("unexpected offers event %+v", evt)
	}

	evt = NewRefundedEvent(card, big.NewInt(600))
	if evt.Type != EventTypeRefunded || evt.Attributes["amount"] != "600" {
		t.Fatalf("unexpected refund event %+v", evt)
	}
}
