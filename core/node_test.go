package core

import (
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"giftledger/core/identity"
	"giftledger/crypto"
	"giftledger/native/giftcard"
	"giftledger/storage"
)

type nodeActor struct {
	key  *crypto.PrivateKey
	addr crypto.Address
	ein  identity.EIN
}

type nodeHarness struct {
	t    *testing.T
	node *Node
}

func newNodeHarness(t *testing.T) *nodeHarness {
	t.Helper()
	vaultKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate vault key: %v", err)
	}
	return newNodeHarnessOn(t, storage.NewMemDB(), vaultKey)
}

func newNodeHarnessOn(t *testing.T, db storage.Database, vaultKey *crypto.PrivateKey) *nodeHarness {
	t.Helper()
	node, err := NewNode(db, vaultKey, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return &nodeHarness{t: t, node: node}
}

func (h *nodeHarness) newActor(displayName string, funding int64) *nodeActor {
	h.t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		h.t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	record, err := h.node.IdentityRegister(displayName, addr)
	if err != nil {
		h.t.Fatalf("register %s: %v", displayName, err)
	}
	if funding > 0 {
		if err := h.node.ApplyGenesisAllocation(addr, big.NewInt(funding)); err != nil {
			h.t.Fatalf("fund %s: %v", displayName, err)
		}
	}
	return &nodeActor{key: key, addr: addr, ein: record.EIN}
}

func (h *nodeHarness) memoFor(vendor *nodeActor) []byte {
	memo := make([]byte, 32)
	new(big.Int).SetUint64(uint64(vendor.ein)).FillBytes(memo)
	return memo
}

func (h *nodeHarness) setupCard(vendor, buyer *nodeActor, amount int64) *giftcard.GiftCard {
	h.t.Helper()
	if _, err := h.node.GiftCardSetOffers(vendor.addr, giftcard.Offers{big.NewInt(amount)}); err != nil {
		h.t.Fatalf("set offers: %v", err)
	}
	card, err := h.node.GiftCardPurchase(buyer.addr, big.NewInt(amount), h.memoFor(vendor))
	if err != nil {
		h.t.Fatalf("purchase: %v", err)
	}
	return card
}

func TestNodePurchaseFlow(t *testing.T) {
	h := newNodeHarness(t)
	vendor := h.newActor("vendor1", 0)
	buyer := h.newActor("customer1", 5000)
	card := h.setupCard(vendor, buyer, 1000)

	balance, err := h.node.TokenBalance(buyer.addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(4000)) != 0 {
		t.Fatalf("buyer balance %s, want 4000", balance)
	}

	vaultBalance, err := h.node.TokenBalance(h.node.Vault())
	if err != nil {
		t.Fatalf("vault balance: %v", err)
	}
	if vaultBalance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("vault balance %s, want 1000", vaultBalance)
	}

	stored, err := h.node.GiftCardGet(card.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.OwnerEIN != buyer.ein || stored.Balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected card %+v", stored)
	}
}

func TestNodeApproveAndCallPurchase(t *testing.T) {
	h := newNodeHarness(t)
	vendor := h.newActor("vendor1", 0)
	buyer := h.newActor("customer1", 5000)
	if _, err := h.node.GiftCardSetOffers(vendor.addr, giftcard.Offers{big.NewInt(1000)}); err != nil {
		t.Fatalf("set offers: %v", err)
	}

	if err := h.node.TokenApproveAndCall(buyer.addr, h.node.Vault(), big.NewInt(1000), h.memoFor(vendor)); err != nil {
		t.Fatalf("approve and call: %v", err)
	}

	ids, err := h.node.GiftCardCustomerIDs(buyer.ein)
	if err != nil {
		t.Fatalf("customer cards: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one card, got %v", ids)
	}
}

func TestNodeRejectedPurchaseRollsBack(t *testing.T) {
	h := newNodeHarness(t)
	vendor := h.newActor("vendor1", 0) // no catalog published
	buyer := h.newActor("customer1", 5000)

	_, err := h.node.GiftCardPurchase(buyer.addr, big.NewInt(1000), h.memoFor(vendor))
	if !errors.Is(err, giftcard.ErrNoOffers) {
		t.Fatalf("expected ErrNoOffers, got %v", err)
	}

	// The approval written before the engine rejected must not survive.
	balance, err := h.node.TokenBalance(buyer.addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("buyer balance %s, want 5000", balance)
	}
	allowance, err := h.node.ledger.Allowance(buyer.addr, h.node.Vault())
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.Sign() != 0 {
		t.Fatalf("stale approval survived rollback: %s", allowance)
	}
	if events := h.node.Events(); len(events) != 0 {
		t.Fatalf("rejected purchase leaked events: %v", events)
	}
}

func TestNodeTwoPhaseRedemption(t *testing.T) {
	h := newNodeHarness(t)
	vendor := h.newActor("vendor1", 0)
	buyer := h.newActor("customer1", 5000)
	card := h.setupCard(vendor, buyer, 1000)

	sig, err := h.node.SignRedeemPermission(buyer.key, card.ID, big.NewInt(400), 99)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := h.node.GiftCardRedeem(card.ID, big.NewInt(400), 99, sig); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if err := h.node.GiftCardVendorRedeem(card.ID, big.NewInt(400)); err != nil {
		t.Fatalf("vendor redeem: %v", err)
	}

	vendorBalance, err := h.node.TokenBalance(vendor.addr)
	if err != nil {
		t.Fatalf("vendor balance: %v", err)
	}
	if vendorBalance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("vendor balance %s, want 400", vendorBalance)
	}

	stored, err := h.node.GiftCardGet(card.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Balance.Cmp(big.NewInt(600)) != 0 || stored.PendingAuthorized.Sign() != 0 {
		t.Fatalf("unexpected card %+v", stored)
	}
}

func TestNodeTransfer(t *testing.T) {
	h := newNodeHarness(t)
	vendor := h.newActor("vendor1", 0)
	buyer := h.newActor("customer1", 5000)
	friend := h.newActor("customer2", 0)
	card := h.setupCard(vendor, buyer, 1000)

	sig, err := h.node.SignTransferPermission(buyer.key, card.ID, friend.ein)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := h.node.GiftCardTransfer(card.ID, friend.ein, sig); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	details, err := h.node.GiftCardDetails(card.ID)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.OwnerDisplayName != "customer2" {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestNodeRefundCreditsDeposit(t *testing.T) {
	h := newNodeHarness(t)
	vendor := h.newActor("vendor1", 0)
	buyer := h.newActor("customer1", 5000)
	card := h.setupCard(vendor, buyer, 1000)

	if err := h.node.GiftCardRefund(card.ID, vendor.addr); err != nil {
		t.Fatalf("refund: %v", err)
	}

	deposit, err := h.node.DepositBalance(buyer.ein)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if deposit.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("deposit %s, want 1000", deposit)
	}
	balance, err := h.node.GiftCardBalance(card.ID)
	if err != nil {
		t.Fatalf("card balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("card balance %s, want 0", balance)
	}
}

type failingNotifier struct {
	calls int
}

func (f *failingNotifier) Notify(identity.EIN, uint64, *big.Int, []byte) error {
	f.calls++
	return errors.New("endpoint unreachable")
}

func TestNodeRedeemAndCallRollsBackOnNotifyFailure(t *testing.T) {
	h := newNodeHarness(t)
	vendor := h.newActor("vendor1", 0)
	buyer := h.newActor("customer1", 5000)
	card := h.setupCard(vendor, buyer, 1000)

	notifier := &failingNotifier{}
	h.node.SetNotifier(notifier)

	sig, err := h.node.SignRedeemPermission(buyer.key, card.ID, big.NewInt(400), 7)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	err = h.node.GiftCardRedeemAndCall(card.ID, big.NewInt(400), 7, sig, []byte("order-1"))
	if err == nil {
		t.Fatal("expected notify failure to surface")
	}
	if notifier.calls != 1 {
		t.Fatalf("notifier called %d times", notifier.calls)
	}

	// The authorize and settle already applied inside the transaction must
	// both be gone: card untouched, vendor unpaid, vault balance intact.
	stored, err := h.node.GiftCardGet(card.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Balance.Cmp(big.NewInt(1000)) != 0 || stored.PendingAuthorized.Sign() != 0 {
		t.Fatalf("composite left partial state: %+v", stored)
	}
	vendorBalance, err := h.node.TokenBalance(vendor.addr)
	if err != nil {
		t.Fatalf("vendor balance: %v", err)
	}
	if vendorBalance.Sign() != 0 {
		t.Fatalf("vendor paid despite rollback: %s", vendorBalance)
	}
	vaultBalance, err := h.node.TokenBalance(h.node.Vault())
	if err != nil {
		t.Fatalf("vault balance: %v", err)
	}
	if vaultBalance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("vault balance %s, want 1000", vaultBalance)
	}

	// Same signature succeeds once the notifier recovers.
	h.node.SetNotifier(nil)
	if err := h.node.GiftCardRedeemAndCall(card.ID, big.NewInt(400), 7, sig, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	vendorBalance, _ = h.node.TokenBalance(vendor.addr)
	if vendorBalance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("vendor balance %s, want 400", vendorBalance)
	}
}

func TestNodeIdentitiesSurviveRestart(t *testing.T) {
	db := storage.NewMemDB()
	vaultKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate vault key: %v", err)
	}

	h := newNodeHarnessOn(t, db, vaultKey)
	vendor := h.newActor("vendor1", 0)
	buyer := h.newActor("customer1", 5000)
	card := h.setupCard(vendor, buyer, 100)

	sig, err := h.node.SignRedeemPermission(buyer.key, card.ID, big.NewInt(60), 5)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := h.node.GiftCardRedeem(card.ID, big.NewInt(60), 5, sig); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	// Boot a fresh node over the same backend, as a daemon restart would.
	h2 := newNodeHarnessOn(t, db, vaultKey)

	record, err := h2.node.IdentityResolve(vendor.ein)
	if err != nil {
		t.Fatalf("resolve vendor after restart: %v", err)
	}
	if record.DisplayName != "vendor1" || !record.Addresses[0].Equal(vendor.addr) {
		t.Fatalf("vendor record lost across restart: %+v", record)
	}

	// New registrations continue the persisted EIN sequence; an old EIN can
	// never be handed to a newcomer.
	late := h2.newActor("latecomer", 0)
	if late.ein != vendor.ein+2 {
		t.Fatalf("EIN sequence restarted: got %d, want %d", late.ein, vendor.ein+2)
	}

	// Settling the pre-restart authorization pays the issuing vendor's
	// persisted address, not whoever registered after the restart.
	if err := h2.node.GiftCardVendorRedeem(card.ID, big.NewInt(60)); err != nil {
		t.Fatalf("vendor redeem after restart: %v", err)
	}
	vendorBalance, err := h2.node.TokenBalance(vendor.addr)
	if err != nil {
		t.Fatalf("vendor balance: %v", err)
	}
	if vendorBalance.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("vendor balance %s, want 60", vendorBalance)
	}
	lateBalance, err := h2.node.TokenBalance(late.addr)
	if err != nil {
		t.Fatalf("latecomer balance: %v", err)
	}
	if lateBalance.Sign() != 0 {
		t.Fatalf("latecomer captured settlement: %s", lateBalance)
	}
}

func TestNodeEventsAccumulateOnCommitOnly(t *testing.T) {
	h := newNodeHarness(t)
	vendor := h.newActor("vendor1", 0)
	buyer := h.newActor("customer1", 5000)
	h.setupCard(vendor, buyer, 1000)

	committed := len(h.node.Events())
	if committed == 0 {
		t.Fatal("expected offers/minted events after setup")
	}

	// A rejected operation must not append events.
	if err := h.node.GiftCardVendorRedeem(999, big.NewInt(1)); !errors.Is(err, giftcard.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(h.node.Events()) != committed {
		t.Fatalf("rejected op appended events: %d -> %d", committed, len(h.node.Events()))
	}
}
