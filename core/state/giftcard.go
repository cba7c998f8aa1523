package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"giftledger/core/identity"
	"giftledger/native/giftcard"
)

const (
	giftCardRecordPrefix = "giftcard/record/"
	giftCardSeqKey       = "giftcard/seq"
	ownerIndexPrefix     = "giftcard/owner/"
	offersPrefix         = "giftcard/offers/"
)

func einSuffix(ein identity.EIN) []byte {
	suffix := make([]byte, 8)
	binary.BigEndian.PutUint64(suffix, uint64(ein))
	return suffix
}

func giftCardKey(id uint64) []byte {
	suffix := make([]byte, 8)
	binary.BigEndian.PutUint64(suffix, id)
	return storageKey(giftCardRecordPrefix, suffix)
}

func ownerIndexKey(ein identity.EIN) []byte {
	return storageKey(ownerIndexPrefix, einSuffix(ein))
}

func offersKey(ein identity.EIN) []byte {
	return storageKey(offersPrefix, einSuffix(ein))
}

type storedGiftCard struct {
	ID                uint64
	VendorEIN         uint64
	OwnerEIN          uint64
	Balance           *big.Int
	PendingAuthorized *big.Int
}

func newStoredGiftCard(card *giftcard.GiftCard) *storedGiftCard {
	return &storedGiftCard{
		ID:                card.ID,
		VendorEIN:         uint64(card.VendorEIN),
		OwnerEIN:          uint64(card.OwnerEIN),
		Balance:           card.Balance,
		PendingAuthorized: card.PendingAuthorized,
	}
}

func (s *storedGiftCard) toGiftCard() (*giftcard.GiftCard, error) {
	if s == nil {
		return nil, fmt.Errorf("state: nil gift card record")
	}
	card := &giftcard.GiftCard{
		ID:                s.ID,
		VendorEIN:         identity.EIN(s.VendorEIN),
		OwnerEIN:          identity.EIN(s.OwnerEIN),
		Balance:           s.Balance,
		PendingAuthorized: s.PendingAuthorized,
	}
	return card.Sanitize()
}

// NextGiftCardID returns the next id in the monotonic sequence and advances
// it. Ids start at 1 and are never reused.
func (m *Manager) NextGiftCardID() (uint64, error) {
	key := storageKey(giftCardSeqKey, nil)
	var seq uint64
	if _, err := m.KVGet(key, &seq); err != nil {
		return 0, err
	}
	seq++
	if err := m.KVPut(key, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// GiftCardPut validates and persists a gift card record.
func (m *Manager) GiftCardPut(card *giftcard.GiftCard) error {
	sanitized, err := card.Sanitize()
	if err != nil {
		return err
	}
	return m.KVPut(giftCardKey(sanitized.ID), newStoredGiftCard(sanitized))
}

// GiftCardGet loads a gift card by id.
func (m *Manager) GiftCardGet(id uint64) (*giftcard.GiftCard, bool) {
	var stored storedGiftCard
	ok, err := m.KVGet(giftCardKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	card, err := stored.toGiftCard()
	if err != nil {
		return nil, false
	}
	return card, true
}

// OwnerCards returns the ids of every card currently held by the identity.
func (m *Manager) OwnerCards(ein identity.EIN) ([]uint64, error) {
	var ids []uint64
	if _, err := m.KVGet(ownerIndexKey(ein), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// OwnerCardAppend adds a card id to the identity's holdings index.
func (m *Manager) OwnerCardAppend(ein identity.EIN, id uint64) error {
	ids, err := m.OwnerCards(ein)
	if err != nil {
		return err
	}
	return m.KVPut(ownerIndexKey(ein), append(ids, id))
}

// OwnerCardRemove drops a card id from the identity's holdings index. Removing
// an id that is not present is not an error; the index converges either way.
func (m *Manager) OwnerCardRemove(ein identity.EIN, id uint64) error {
	ids, err := m.OwnerCards(ein)
	if err != nil {
		return err
	}
	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	return m.KVPut(ownerIndexKey(ein), filtered)
}

// OffersPut replaces the vendor's entire catalog. An empty list is valid and
// means the vendor is not currently selling.
func (m *Manager) OffersPut(ein identity.EIN, offers giftcard.Offers) error {
	normalized := make([]*big.Int, len(offers))
	for i, amt := range offers {
		if amt == nil {
			amt = big.NewInt(0)
		}
		if amt.Sign() < 0 {
			return fmt.Errorf("state: offer amount must be non-negative")
		}
		normalized[i] = amt
	}
	return m.KVPut(offersKey(ein), normalized)
}

// OffersGet returns the vendor's current catalog, empty if never set.
func (m *Manager) OffersGet(ein identity.EIN) (giftcard.Offers, error) {
	var offers []*big.Int
	if _, err := m.KVGet(offersKey(ein), &offers); err != nil {
		return nil, err
	}
	return giftcard.Offers(offers), nil
}
