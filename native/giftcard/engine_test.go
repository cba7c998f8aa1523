package giftcard

import (
	"errors"
	"math/big"
	"testing"

	"giftledger/core/identity"
	"giftledger/crypto"
)

type mockState struct {
	cards    map[uint64]*GiftCard
	seq      uint64
	owners   map[identity.EIN][]uint64
	offers   map[identity.EIN]Offers
	deposits map[identity.EIN]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		cards:    make(map[uint64]*GiftCard),
		owners:   make(map[identity.EIN][]uint64),
		offers:   make(map[identity.EIN]Offers),
		deposits: make(map[identity.EIN]*big.Int),
	}
}

func (m *mockState) GiftCardPut(card *GiftCard) error {
	sanitized, err := card.Sanitize()
	if err != nil {
		return err
	}
	m.cards[sanitized.ID] = sanitized
	return nil
}

func (m *mockState) GiftCardGet(id uint64) (*GiftCard, bool) {
	card, ok := m.cards[id]
	if !ok {
		return nil, false
	}
	return card.Clone(), true
}

func (m *mockState) NextGiftCardID() (uint64, error) {
	m.seq++
	return m.seq, nil
}

func (m *mockState) OwnerCards(ein identity.EIN) ([]uint64, error) {
	return append([]uint64(nil), m.owners[ein]...), nil
}

func (m *mockState) OwnerCardAppend(ein identity.EIN, id uint64) error {
	m.owners[ein] = append(m.owners[ein], id)
	return nil
}

func (m *mockState) OwnerCardRemove(ein identity.EIN, id uint64) error {
	ids := m.owners[ein]
	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	m.owners[ein] = filtered
	return nil
}

func (m *mockState) OffersPut(ein identity.EIN, offers Offers) error {
	m.offers[ein] = offers.Clone()
	return nil
}

func (m *mockState) OffersGet(ein identity.EIN) (Offers, error) {
	return m.offers[ein].Clone(), nil
}

func (m *mockState) DepositCredit(ein identity.EIN, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("mock: deposit credit must be positive")
	}
	current, ok := m.deposits[ein]
	if !ok {
		current = big.NewInt(0)
	}
	m.deposits[ein] = new(big.Int).Add(current, amount)
	return nil
}

type mockLedger struct {
	balances   map[[20]byte]*big.Int
	allowances map[[40]byte]*big.Int
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		balances:   make(map[[20]byte]*big.Int),
		allowances: make(map[[40]byte]*big.Int),
	}
}

func allowanceKey(owner, spender crypto.Address) [40]byte {
	var key [40]byte
	copy(key[:20], owner.Bytes())
	copy(key[20:], spender.Bytes())
	return key
}

func (m *mockLedger) balance(addr crypto.Address) *big.Int {
	if amount, ok := m.balances[addr.Raw()]; ok {
		return amount
	}
	return big.NewInt(0)
}

func (m *mockLedger) mint(addr crypto.Address, amount *big.Int) {
	m.balances[addr.Raw()] = new(big.Int).Add(m.balance(addr), amount)
}

func (m *mockLedger) approve(owner, spender crypto.Address, amount *big.Int) {
	m.allowances[allowanceKey(owner, spender)] = new(big.Int).Set(amount)
}

func (m *mockLedger) Transfer(from, to crypto.Address, amount *big.Int) error {
	if m.balance(from).Cmp(amount) < 0 {
		return errors.New("mock: insufficient balance")
	}
	m.balances[from.Raw()] = new(big.Int).Sub(m.balance(from), amount)
	m.balances[to.Raw()] = new(big.Int).Add(m.balance(to), amount)
	return nil
}

func (m *mockLedger) TransferFrom(spender, from, to crypto.Address, amount *big.Int) error {
	key := allowanceKey(from, spender)
	allowance, ok := m.allowances[key]
	if !ok || allowance.Cmp(amount) < 0 {
		return errors.New("mock: insufficient allowance")
	}
	if err := m.Transfer(from, to, amount); err != nil {
		return err
	}
	m.allowances[key] = new(big.Int).Sub(allowance, amount)
	return nil
}

type actor struct {
	key  *crypto.PrivateKey
	addr crypto.Address
	ein  identity.EIN
}

type testEnv struct {
	t        *testing.T
	state    *mockState
	ledger   *mockLedger
	registry *identity.Registry
	engine   *Engine
	vault    crypto.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	vaultKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate vault key: %v", err)
	}
	env := &testEnv{
		t:        t,
		state:    newMockState(),
		ledger:   newMockLedger(),
		registry: identity.NewRegistry(nil, nil),
		engine:   NewEngine(),
		vault:    vaultKey.PubKey().Address(),
	}
	env.engine.SetState(env.state)
	env.engine.SetDirectory(env.registry)
	env.engine.SetLedger(env.ledger)
	env.engine.SetVault(env.vault)
	return env
}

func (env *testEnv) newActor(displayName string) *actor {
	env.t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		env.t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	record, err := env.registry.Register(displayName, addr)
	if err != nil {
		env.t.Fatalf("register %s: %v", displayName, err)
	}
	return &actor{key: key, addr: addr, ein: record.EIN}
}

func (env *testEnv) anonymous() *actor {
	env.t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		env.t.Fatalf("generate key: %v", err)
	}
	return &actor{key: key, addr: key.PubKey().Address()}
}

func vendorMemo(ein identity.EIN) []byte {
	memo := make([]byte, memoWordSize)
	new(big.Int).SetUint64(uint64(ein)).FillBytes(memo)
	return memo
}

// setOffers publishes a default catalog for the vendor.
func (env *testEnv) setOffers(vendor *actor, amounts ...int64) {
	env.t.Helper()
	offers := make(Offers, len(amounts))
	for i, amount := range amounts {
		offers[i] = big.NewInt(amount)
	}
	if _, err := env.engine.SetOffers(vendor.addr, offers); err != nil {
		env.t.Fatalf("set offers: %v", err)
	}
}

// buy funds the buyer, approves the vault and purchases a card, returning it.
func (env *testEnv) buy(buyer *actor, vendor *actor, amount int64) *GiftCard {
	env.t.Helper()
	amt := big.NewInt(amount)
	env.ledger.mint(buyer.addr, amt)
	env.ledger.approve(buyer.addr, env.vault, amt)
	card, err := env.engine.Purchase(buyer.addr, amt, vendorMemo(vendor.ein))
	if err != nil {
		env.t.Fatalf("purchase: %v", err)
	}
	return card
}

func (env *testEnv) signTransfer(signer *actor, id uint64, newOwner identity.EIN) *Signature {
	env.t.Helper()
	sig, err := SignPermission(signer.key, env.vault, TransferAction,
		new(big.Int).SetUint64(id), new(big.Int).SetUint64(uint64(newOwner)))
	if err != nil {
		env.t.Fatalf("sign transfer: %v", err)
	}
	return sig
}

func (env *testEnv) signRedeem(signer *actor, id uint64, amount int64, timestamp uint64) *Signature {
	env.t.Helper()
	sig, err := SignPermission(signer.key, env.vault, RedeemAction,
		new(big.Int).SetUint64(id), big.NewInt(amount), new(big.Int).SetUint64(timestamp))
	if err != nil {
		env.t.Fatalf("sign redeem: %v", err)
	}
	return sig
}

func TestSetOffersReplaceAll(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")

	env.setOffers(vendor, 1000, 5000, 10000)
	offers, err := env.engine.Offers(vendor.ein)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	if len(offers) != 3 || offers[0].Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected catalog %v", offers)
	}

	env.setOffers(vendor, 250)
	offers, err = env.engine.Offers(vendor.ein)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	if len(offers) != 1 || offers[0].Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("replace-all violated: %v", offers)
	}

	// Clearing the catalog is a valid state.
	if _, err := env.engine.SetOffers(vendor.addr, Offers{}); err != nil {
		t.Fatalf("clear offers: %v", err)
	}
	offers, err = env.engine.Offers(vendor.ein)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	if len(offers) != 0 {
		t.Fatalf("expected empty catalog, got %v", offers)
	}
}

func TestSetOffersWithoutIdentity(t *testing.T) {
	env := newTestEnv(t)
	stranger := env.anonymous()
	if _, err := env.engine.SetOffers(stranger.addr, Offers{big.NewInt(100)}); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestOffersUnsetVendorIsEmpty(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	offers, err := env.engine.Offers(vendor.ein)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	if len(offers) != 0 {
		t.Fatalf("expected empty catalog, got %v", offers)
	}
}

func TestPurchaseMintsCard(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)

	card := env.buy(buyer, vendor, 1000)

	if card.ID != 1 || card.VendorEIN != vendor.ein || card.OwnerEIN != buyer.ein {
		t.Fatalf("unexpected card %+v", card)
	}
	if card.Balance.Cmp(big.NewInt(1000)) != 0 || card.PendingAuthorized.Sign() != 0 {
		t.Fatalf("unexpected card values %+v", card)
	}

	// Purchase amount does not have to match a listed catalog price.
	second := env.buy(buyer, vendor, 123)
	if second.ID != 2 {
		t.Fatalf("ids must be monotonic, got %d", second.ID)
	}

	ids, err := env.engine.CustomerCardIDs(buyer.ein)
	if err != nil {
		t.Fatalf("customer cards: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 cards, got %v", ids)
	}

	// Value moved from buyer to vault.
	if env.ledger.balance(env.vault).Cmp(big.NewInt(1123)) != 0 {
		t.Fatalf("vault holds %s", env.ledger.balance(env.vault))
	}
}

func TestPurchaseRejections(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	idleVendor := env.newActor("vendor2")
	buyer := env.newActor("customer1")
	stranger := env.anonymous()
	env.setOffers(vendor, 1000)

	env.ledger.mint(buyer.addr, big.NewInt(10_000))
	env.ledger.approve(buyer.addr, env.vault, big.NewInt(10_000))
	env.ledger.mint(stranger.addr, big.NewInt(10_000))
	env.ledger.approve(stranger.addr, env.vault, big.NewInt(10_000))

	cases := []struct {
		name  string
		buyer crypto.Address
		memo  []byte
		want  error
	}{
		{"buyer without identity", stranger.addr, vendorMemo(vendor.ein), ErrNoIdentity},
		{"empty memo", buyer.addr, nil, ErrInvalidMemo},
		{"short memo", buyer.addr, []byte{0x01}, ErrInvalidMemo},
		{"unknown vendor", buyer.addr, vendorMemo(identity.EIN(123456)), ErrUnknownVendor},
		{"zero vendor", buyer.addr, vendorMemo(identity.EIN(0)), ErrUnknownVendor},
		{"vendor without offers", buyer.addr, vendorMemo(idleVendor.ein), ErrNoOffers},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.engine.Purchase(tc.buyer, big.NewInt(1000), tc.memo); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// No cards minted and no value pulled into custody.
	if len(env.state.cards) != 0 {
		t.Fatalf("rejected purchases minted cards: %v", env.state.cards)
	}
	if env.ledger.balance(env.vault).Sign() != 0 {
		t.Fatalf("rejected purchases moved value: %s", env.ledger.balance(env.vault))
	}
}

func TestPurchaseMemoOverflow(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)

	memo := make([]byte, memoWordSize)
	memo[0] = 0x01 // 2^248, far beyond any EIN handle
	if _, err := env.engine.Purchase(buyer.addr, big.NewInt(1000), memo); !errors.Is(err, ErrInvalidMemo) {
		t.Fatalf("expected ErrInvalidMemo, got %v", err)
	}
}

func TestTransferReassignsOwnership(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	friend := env.newActor("customer2")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signTransfer(buyer, card.ID, friend.ein)
	if err := env.engine.Transfer(card.ID, friend.ein, sig); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	moved, err := env.engine.Card(card.ID)
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	if moved.OwnerEIN != friend.ein {
		t.Fatalf("owner not updated: %+v", moved)
	}
	if moved.Balance.Cmp(big.NewInt(1000)) != 0 || moved.PendingAuthorized.Sign() != 0 {
		t.Fatalf("transfer touched value fields: %+v", moved)
	}

	buyerIDs, _ := env.engine.CustomerCardIDs(buyer.ein)
	friendIDs, _ := env.engine.CustomerCardIDs(friend.ein)
	if len(buyerIDs) != 0 || len(friendIDs) != 1 {
		t.Fatalf("owner index stale: %v / %v", buyerIDs, friendIDs)
	}
}

func TestTransferRejectsStaleSignature(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	friend := env.newActor("customer2")
	third := env.newActor("customer3")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signTransfer(buyer, card.ID, friend.ein)
	if err := env.engine.Transfer(card.ID, friend.ein, sig); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// The former owner's fresh signature no longer authorizes anything.
	stale := env.signTransfer(buyer, card.ID, third.ein)
	if err := env.engine.Transfer(card.ID, third.ein, stale); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestTransferRejectsNonOwnerSignature(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	mallory := env.newActor("customer2")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signTransfer(mallory, card.ID, mallory.ein)
	if err := env.engine.Transfer(card.ID, mallory.ein, sig); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestTransferRejectsUnknownTarget(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signTransfer(buyer, card.ID, identity.EIN(999))
	if err := env.engine.Transfer(card.ID, identity.EIN(999), sig); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestTransferRejectsTamperedParameters(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	friend := env.newActor("customer2")
	mallory := env.newActor("customer3")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	// Signature over a different recipient recovers to an unrelated address.
	sig := env.signTransfer(buyer, card.ID, friend.ein)
	err := env.engine.Transfer(card.ID, mallory.ein, sig)
	if !errors.Is(err, ErrNotOwner) && !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected rejection, got %v", err)
	}
	moved, _ := env.engine.Card(card.ID)
	if moved.OwnerEIN != buyer.ein {
		t.Fatalf("tampered transfer mutated ownership: %+v", moved)
	}
}

func TestTransferUnknownCard(t *testing.T) {
	env := newTestEnv(t)
	buyer := env.newActor("customer1")
	sig := env.signTransfer(buyer, 42, buyer.ein)
	if err := env.engine.Transfer(42, buyer.ein, sig); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedeemConservation(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signRedeem(buyer, card.ID, 400, 1700000000)
	if err := env.engine.Redeem(card.ID, big.NewInt(400), 1700000000, sig); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	after, _ := env.engine.Card(card.ID)
	if after.Balance.Cmp(big.NewInt(600)) != 0 || after.PendingAuthorized.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("conservation violated: %+v", after)
	}
}

func TestRedeemInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signRedeem(buyer, card.ID, 1001, 1)
	if err := env.engine.Redeem(card.ID, big.NewInt(1001), 1, sig); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	after, _ := env.engine.Card(card.ID)
	if after.Balance.Cmp(big.NewInt(1000)) != 0 || after.PendingAuthorized.Sign() != 0 {
		t.Fatalf("failed redeem mutated card: %+v", after)
	}
}

func TestRedeemEmptyCard(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signRedeem(buyer, card.ID, 1000, 1)
	if err := env.engine.Redeem(card.ID, big.NewInt(1000), 1, sig); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	sig = env.signRedeem(buyer, card.ID, 1, 2)
	if err := env.engine.Redeem(card.ID, big.NewInt(1), 2, sig); !errors.Is(err, ErrEmptyCard) {
		t.Fatalf("expected ErrEmptyCard, got %v", err)
	}
}

func TestRedeemRejectsNonOwner(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	mallory := env.newActor("customer2")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signRedeem(mallory, card.ID, 400, 1)
	if err := env.engine.Redeem(card.ID, big.NewInt(400), 1, sig); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestRedeemRejectsMalformedSignature(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signRedeem(buyer, card.ID, 400, 1)
	sig.V = 29 // invalid recovery id
	if err := env.engine.Redeem(card.ID, big.NewInt(400), 1, sig); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if err := env.engine.Redeem(card.ID, big.NewInt(400), 1, nil); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for nil signature, got %v", err)
	}
}

func TestRedeemTimestampIsPartOfSignedData(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	// A signature over timestamp 1 submitted with timestamp 2 recovers to an
	// unrelated signer.
	sig := env.signRedeem(buyer, card.ID, 400, 1)
	err := env.engine.Redeem(card.ID, big.NewInt(400), 2, sig)
	if !errors.Is(err, ErrNotOwner) && !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestVendorRedeemSettlesToVendor(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signRedeem(buyer, card.ID, 400, 1)
	if err := env.engine.Redeem(card.ID, big.NewInt(400), 1, sig); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if err := env.engine.VendorRedeem(card.ID, big.NewInt(400)); err != nil {
		t.Fatalf("vendor redeem: %v", err)
	}

	after, _ := env.engine.Card(card.ID)
	if after.PendingAuthorized.Sign() != 0 {
		t.Fatalf("pending not cleared: %+v", after)
	}
	if env.ledger.balance(vendor.addr).Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("vendor not paid: %s", env.ledger.balance(vendor.addr))
	}
}

func TestVendorRedeemCapAndDoubleSpend(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signRedeem(buyer, card.ID, 400, 1)
	if err := env.engine.Redeem(card.ID, big.NewInt(400), 1, sig); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if err := env.engine.VendorRedeem(card.ID, big.NewInt(400)); err != nil {
		t.Fatalf("vendor redeem: %v", err)
	}

	// Settling the same amount again exceeds the reduced authorized total.
	if err := env.engine.VendorRedeem(card.ID, big.NewInt(400)); !errors.Is(err, ErrExceedsAuthorized) {
		t.Fatalf("expected ErrExceedsAuthorized, got %v", err)
	}
	if env.ledger.balance(vendor.addr).Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("double spend paid out: %s", env.ledger.balance(vendor.addr))
	}
}

func TestVendorRedeemPayeeIndependentOfCaller(t *testing.T) {
	// VendorRedeem takes no caller parameter at all: whoever relays the
	// settlement, funds can only reach the card's fixed vendor EIN. This
	// test pins the payout target resolution.
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	otherVendor := env.newActor("vendor2")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	sig := env.signRedeem(buyer, card.ID, 250, 1)
	if err := env.engine.Redeem(card.ID, big.NewInt(250), 1, sig); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if err := env.engine.VendorRedeem(card.ID, big.NewInt(250)); err != nil {
		t.Fatalf("vendor redeem: %v", err)
	}

	if env.ledger.balance(otherVendor.addr).Sign() != 0 {
		t.Fatalf("funds leaked to non-issuing vendor: %s", env.ledger.balance(otherVendor.addr))
	}
	if env.ledger.balance(vendor.addr).Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("issuing vendor not paid: %s", env.ledger.balance(vendor.addr))
	}
}

func TestVendorRedeemUnknownCard(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.VendorRedeem(42, big.NewInt(1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefundRequiresIssuingVendor(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	otherVendor := env.newActor("vendor2")
	buyer := env.newActor("customer1")
	stranger := env.anonymous()
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	if err := env.engine.Refund(card.ID, otherVendor.addr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.Refund(card.ID, buyer.addr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for owner, got %v", err)
	}
	if err := env.engine.Refund(card.ID, stranger.addr); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}

	after, _ := env.engine.Card(card.ID)
	if after.Balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("failed refund mutated balance: %+v", after)
	}
}

func TestRefundCreditsOwnerDeposit(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	// Authorize part of the balance first: the refund covers only the
	// remaining spendable balance, never the pending authorization.
	sig := env.signRedeem(buyer, card.ID, 300, 1)
	if err := env.engine.Redeem(card.ID, big.NewInt(300), 1, sig); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if err := env.engine.Refund(card.ID, vendor.addr); err != nil {
		t.Fatalf("refund: %v", err)
	}

	after, _ := env.engine.Card(card.ID)
	if after.Balance.Sign() != 0 {
		t.Fatalf("balance not zeroed: %+v", after)
	}
	if after.PendingAuthorized.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("refund touched pending authorization: %+v", after)
	}
	if env.state.deposits[buyer.ein].Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("deposit credited %s, want 700", env.state.deposits[buyer.ein])
	}
}

func TestRefundEmptyCard(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	if err := env.engine.Refund(card.ID, vendor.addr); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := env.engine.Refund(card.ID, vendor.addr); !errors.Is(err, ErrEmptyCard) {
		t.Fatalf("expected ErrEmptyCard, got %v", err)
	}
}

type recordingNotifier struct {
	vendor identity.EIN
	cardID uint64
	amount *big.Int
	memo   []byte
	err    error
	calls  int
}

func (n *recordingNotifier) Notify(vendor identity.EIN, cardID uint64, amount *big.Int, memo []byte) error {
	n.calls++
	if n.err != nil {
		return n.err
	}
	n.vendor = vendor
	n.cardID = cardID
	n.amount = new(big.Int).Set(amount)
	n.memo = append([]byte(nil), memo...)
	return nil
}

func TestRedeemAndCallNotifies(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	notifier := &recordingNotifier{}
	sig := env.signRedeem(buyer, card.ID, 500, 7)
	if err := env.engine.RedeemAndCall(card.ID, big.NewInt(500), 7, sig, notifier, []byte("order-17")); err != nil {
		t.Fatalf("redeem and call: %v", err)
	}

	if notifier.calls != 1 || notifier.vendor != vendor.ein || notifier.cardID != card.ID {
		t.Fatalf("notifier saw %+v", notifier)
	}
	if notifier.amount.Cmp(big.NewInt(500)) != 0 || string(notifier.memo) != "order-17" {
		t.Fatalf("notifier payload %s / %q", notifier.amount, notifier.memo)
	}

	after, _ := env.engine.Card(card.ID)
	if after.Balance.Cmp(big.NewInt(500)) != 0 || after.PendingAuthorized.Sign() != 0 {
		t.Fatalf("composite applied partially: %+v", after)
	}
	if env.ledger.balance(vendor.addr).Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("vendor not paid: %s", env.ledger.balance(vendor.addr))
	}
}

func TestRedeemAndCallRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("vendor1")
	buyer := env.newActor("customer1")
	mallory := env.newActor("customer2")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	notifier := &recordingNotifier{}
	sig := env.signRedeem(mallory, card.ID, 500, 7)
	if err := env.engine.RedeemAndCall(card.ID, big.NewInt(500), 7, sig, notifier, nil); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if notifier.calls != 0 {
		t.Fatal("notifier invoked despite failed authorization")
	}
	after, _ := env.engine.Card(card.ID)
	if after.Balance.Cmp(big.NewInt(1000)) != 0 || after.PendingAuthorized.Sign() != 0 {
		t.Fatalf("failed composite mutated card: %+v", after)
	}
}

func TestCardDetails(t *testing.T) {
	env := newTestEnv(t)
	vendor := env.newActor("MegaCorp")
	buyer := env.newActor("customer1")
	env.setOffers(vendor, 1000)
	card := env.buy(buyer, vendor, 1000)

	details, err := env.engine.CardDetails(card.ID)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.VendorDisplayName != "MegaCorp" || details.OwnerDisplayName != "customer1" {
		t.Fatalf("unexpected details %+v", details)
	}
	if details.Balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected balance %s", details.Balance)
	}

	if _, err := env.engine.CardDetails(999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	balance, err := env.engine.CardBalance(card.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}
}
