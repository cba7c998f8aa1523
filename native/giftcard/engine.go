package giftcard

import (
	"errors"
	"fmt"
	"math/big"

	"giftledger/core/events"
	"giftledger/core/identity"
	"giftledger/core/types"
	"giftledger/crypto"
)

var errNilState = errors.New("giftcard engine: state not configured")

// memoWordSize is the fixed width of the purchase memo: one big-endian
// unsigned word carrying the vendor EIN.
const memoWordSize = 32

type engineState interface {
	GiftCardPut(*GiftCard) error
	GiftCardGet(id uint64) (*GiftCard, bool)
	NextGiftCardID() (uint64, error)
	OwnerCards(ein identity.EIN) ([]uint64, error)
	OwnerCardAppend(ein identity.EIN, id uint64) error
	OwnerCardRemove(ein identity.EIN, id uint64) error
	OffersPut(ein identity.EIN, offers Offers) error
	OffersGet(ein identity.EIN) (Offers, error)
	DepositCredit(ein identity.EIN, amount *big.Int) error
}

// valueLedger is the slice of the token ledger the engine needs: pulling
// purchase value into the vault and paying settlements out of it.
type valueLedger interface {
	Transfer(from, to crypto.Address, amount *big.Int) error
	TransferFrom(spender, from, to crypto.Address, amount *big.Int) error
}

// RedemptionNotifier is invoked after a composed redeem-and-settle. A notifier
// error aborts the whole composite operation.
type RedemptionNotifier interface {
	Notify(vendor identity.EIN, cardID uint64, amount *big.Int, memo []byte) error
}

type giftCardEvent struct {
	evt *types.Event
}

func (e giftCardEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e giftCardEvent) Event() *types.Event { return e.evt }

// Engine is the voucher state machine: offer catalogs, purchase minting,
// ownership transfer, and the two-phase authorize/settle redemption flow.
//
// Mutating methods assume an enclosing state transaction (the node provides
// one per operation); within that boundary every method either fully applies
// or leaves no trace. The engine is the only writer of card balances,
// authorization counters, and ownership.
type Engine struct {
	state     engineState
	directory identity.Directory
	ledger    valueLedger
	emitter   events.Emitter
	vault     crypto.Address
}

// NewEngine creates a gift card engine with a no-op emitter. Callers wire
// state, directory, ledger and vault before use.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetDirectory configures the identity directory used to validate actors.
func (e *Engine) SetDirectory(directory identity.Directory) { e.directory = directory }

// SetLedger configures the token ledger custody moves settle against.
func (e *Engine) SetLedger(ledger valueLedger) { e.ledger = ledger }

// SetVault configures the module's own address: the custody account for
// purchased value and the contract identity bound into permission hashes.
func (e *Engine) SetVault(vault crypto.Address) { e.vault = vault }

// Vault returns the module's custody address.
func (e *Engine) Vault() crypto.Address { return e.vault }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(giftCardEvent{evt: event})
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.directory == nil || e.ledger == nil {
		return errNilState
	}
	return nil
}

func (e *Engine) verifier() *Verifier {
	return NewVerifier(e.vault, e.directory)
}

func (e *Engine) loadCard(id uint64) (*GiftCard, error) {
	card, ok := e.state.GiftCardGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return card, nil
}

func cloneAmount(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}

// SetOffers replaces the calling vendor's entire catalog. The caller address
// must resolve to an identity; amounts themselves are not validated and an
// empty list is a valid "not currently selling" state.
func (e *Engine) SetOffers(caller crypto.Address, offers Offers) (identity.EIN, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	vendor, err := e.directory.EINForAddress(caller)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNoIdentity, caller)
	}
	normalized := offers.Clone()
	if normalized == nil {
		normalized = Offers{}
	}
	if err := e.state.OffersPut(vendor, normalized); err != nil {
		return 0, err
	}
	e.emit(NewOffersUpdatedEvent(vendor, normalized))
	return vendor, nil
}

// Offers returns the vendor's current catalog, empty if unset.
func (e *Engine) Offers(vendor identity.EIN) (Offers, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.OffersGet(vendor)
}

// decodeVendorMemo decodes the fixed-width purchase memo. The EIN handle is a
// uint64; a word that overflows it cannot name a vendor and is malformed.
func decodeVendorMemo(memo []byte) (identity.EIN, error) {
	if len(memo) != memoWordSize {
		return 0, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidMemo, memoWordSize, len(memo))
	}
	word := new(big.Int).SetBytes(memo)
	if !word.IsUint64() {
		return 0, fmt.Errorf("%w: value out of range", ErrInvalidMemo)
	}
	return identity.EIN(word.Uint64()), nil
}

// ReceiveApproval is the value custody gateway: the token ledger invokes it
// after the buyer delegated amount to the module vault. It validates the
// purchase, pulls the delegated value into custody, and mints the card. Any
// failure aborts before custody moves.
func (e *Engine) ReceiveApproval(buyer crypto.Address, amount *big.Int, memo []byte) error {
	_, err := e.Purchase(buyer, amount, memo)
	return err
}

// Purchase is ReceiveApproval returning the minted card.
func (e *Engine) Purchase(buyer crypto.Address, amount *big.Int, memo []byte) (*GiftCard, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	buyerEIN, err := e.directory.EINForAddress(buyer)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoIdentity, buyer)
	}
	vendorEIN, err := decodeVendorMemo(memo)
	if err != nil {
		return nil, err
	}
	if !e.directory.HasEIN(vendorEIN) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVendor, vendorEIN)
	}
	offers, err := e.state.OffersGet(vendorEIN)
	if err != nil {
		return nil, err
	}
	// The catalog only gates eligibility; the purchase amount is not
	// required to match a listed price.
	if len(offers) == 0 {
		return nil, fmt.Errorf("%w: vendor %d", ErrNoOffers, vendorEIN)
	}
	amt := cloneAmount(amount)
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.ledger.TransferFrom(e.vault, buyer, e.vault, amt); err != nil {
		return nil, err
	}
	id, err := e.state.NextGiftCardID()
	if err != nil {
		return nil, err
	}
	card := &GiftCard{
		ID:                id,
		VendorEIN:         vendorEIN,
		OwnerEIN:          buyerEIN,
		Balance:           amt,
		PendingAuthorized: big.NewInt(0),
	}
	if err := e.state.GiftCardPut(card); err != nil {
		return nil, err
	}
	if err := e.state.OwnerCardAppend(buyerEIN, id); err != nil {
		return nil, err
	}
	e.emit(NewMintedEvent(card))
	return card.Clone(), nil
}

// Transfer reassigns ownership of a card given the current owner's signed
// capability over (id, newOwner). A stale signature from a former owner fails
// the ownership check even though it is otherwise well-formed.
func (e *Engine) Transfer(id uint64, newOwner identity.EIN, sig *Signature) error {
	if err := e.ready(); err != nil {
		return err
	}
	card, err := e.loadCard(id)
	if err != nil {
		return err
	}
	signer, err := e.verifier().SignerEIN(TransferAction, sig,
		new(big.Int).SetUint64(id), new(big.Int).SetUint64(uint64(newOwner)))
	if err != nil {
		return err
	}
	if signer != card.OwnerEIN {
		return fmt.Errorf("%w: signer %d, owner %d", ErrNotOwner, signer, card.OwnerEIN)
	}
	if !e.directory.HasEIN(newOwner) {
		return fmt.Errorf("%w: %d", ErrUnknownIdentity, newOwner)
	}
	previous := card.OwnerEIN
	card.OwnerEIN = newOwner
	if err := e.state.GiftCardPut(card); err != nil {
		return err
	}
	if err := e.state.OwnerCardRemove(previous, id); err != nil {
		return err
	}
	if err := e.state.OwnerCardAppend(newOwner, id); err != nil {
		return err
	}
	e.emit(NewTransferredEvent(card, previous))
	return nil
}

// Redeem is the authorization half of redemption: the owner's signed
// capability over (id, amount, timestamp) moves amount out of the spendable
// balance into the running authorized total. The timestamp is opaque signed
// data differentiating otherwise-identical authorizations; it is not compared
// against wall-clock time.
func (e *Engine) Redeem(id uint64, amount *big.Int, timestamp uint64, sig *Signature) error {
	if err := e.ready(); err != nil {
		return err
	}
	card, err := e.loadCard(id)
	if err != nil {
		return err
	}
	amt := cloneAmount(amount)
	signer, err := e.verifier().SignerEIN(RedeemAction, sig,
		new(big.Int).SetUint64(id), amt, new(big.Int).SetUint64(timestamp))
	if err != nil {
		return err
	}
	if signer != card.OwnerEIN {
		return fmt.Errorf("%w: signer %d, owner %d", ErrNotOwner, signer, card.OwnerEIN)
	}
	if card.Balance.Sign() == 0 {
		return fmt.Errorf("%w: id %d", ErrEmptyCard, id)
	}
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amt.Cmp(card.Balance) > 0 {
		return fmt.Errorf("%w: %s exceeds %s", ErrInsufficientBalance, amt, card.Balance)
	}
	card.Balance = new(big.Int).Sub(card.Balance, amt)
	card.PendingAuthorized = new(big.Int).Add(card.PendingAuthorized, amt)
	if err := e.state.GiftCardPut(card); err != nil {
		return err
	}
	e.emit(NewRedeemAuthorizedEvent(card, amt))
	return nil
}

// VendorRedeem is the settlement half: any party may call it, no signature
// required, because authorization already happened in Redeem. The payout is
// bound to the card's fixed vendor EIN, resolved fresh from the directory, so
// a relayer can trigger settlement but never redirect funds.
func (e *Engine) VendorRedeem(id uint64, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	card, err := e.loadCard(id)
	if err != nil {
		return err
	}
	amt := cloneAmount(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amt.Cmp(card.PendingAuthorized) > 0 {
		return fmt.Errorf("%w: %s exceeds %s", ErrExceedsAuthorized, amt, card.PendingAuthorized)
	}
	payee, err := e.directory.PrimaryAddress(card.VendorEIN)
	if err != nil {
		return fmt.Errorf("%w: %d", ErrUnknownVendor, card.VendorEIN)
	}
	card.PendingAuthorized = new(big.Int).Sub(card.PendingAuthorized, amt)
	if err := e.state.GiftCardPut(card); err != nil {
		return err
	}
	if err := e.ledger.Transfer(e.vault, payee, amt); err != nil {
		return err
	}
	e.emit(NewSettledEvent(card, amt, payee.String()))
	return nil
}

// RedeemAndCall composes authorize and settle for the same amount and then
// invokes the vendor-supplied notification hook. It relies on the enclosing
// transaction: if the hook (or any earlier step) fails, the whole composite
// rolls back with no state change.
func (e *Engine) RedeemAndCall(id uint64, amount *big.Int, timestamp uint64, sig *Signature, notifier RedemptionNotifier, memo []byte) error {
	if err := e.Redeem(id, amount, timestamp, sig); err != nil {
		return err
	}
	if err := e.VendorRedeem(id, amount); err != nil {
		return err
	}
	if notifier != nil {
		card, err := e.loadCard(id)
		if err != nil {
			return err
		}
		if err := notifier.Notify(card.VendorEIN, id, cloneAmount(amount), memo); err != nil {
			return fmt.Errorf("giftcard: redemption notification: %w", err)
		}
	}
	return nil
}

// Refund moves the card's entire remaining balance into the owner's
// identity-scoped custodial deposit. Only the issuing vendor may refund;
// pending authorizations are untouched.
func (e *Engine) Refund(id uint64, caller crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	card, err := e.loadCard(id)
	if err != nil {
		return err
	}
	callerEIN, err := e.directory.EINForAddress(caller)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoIdentity, caller)
	}
	if callerEIN != card.VendorEIN {
		return fmt.Errorf("%w: caller %d, vendor %d", ErrUnauthorized, callerEIN, card.VendorEIN)
	}
	if card.Balance.Sign() == 0 {
		return fmt.Errorf("%w: id %d", ErrEmptyCard, id)
	}
	refunded := cloneAmount(card.Balance)
	card.Balance = big.NewInt(0)
	if err := e.state.GiftCardPut(card); err != nil {
		return err
	}
	if err := e.state.DepositCredit(card.OwnerEIN, refunded); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(card, refunded))
	return nil
}

// Card returns a copy of the stored card.
func (e *Engine) Card(id uint64) (*GiftCard, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	card, err := e.loadCard(id)
	if err != nil {
		return nil, err
	}
	return card.Clone(), nil
}

// CardBalance returns the spendable balance of a card.
func (e *Engine) CardBalance(id uint64) (*big.Int, error) {
	card, err := e.Card(id)
	if err != nil {
		return nil, err
	}
	return card.Balance, nil
}

// CardDetails resolves the display-name projection used by the query surface.
func (e *Engine) CardDetails(id uint64) (*Details, error) {
	card, err := e.Card(id)
	if err != nil {
		return nil, err
	}
	vendorName, err := e.directory.DisplayName(card.VendorEIN)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVendor, card.VendorEIN)
	}
	ownerName, err := e.directory.DisplayName(card.OwnerEIN)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownIdentity, card.OwnerEIN)
	}
	return &Details{
		ID:                card.ID,
		VendorDisplayName: vendorName,
		OwnerDisplayName:  ownerName,
		Balance:           card.Balance,
		PendingAuthorized: card.PendingAuthorized,
	}, nil
}

// CustomerCardIDs returns the ids of every card currently owned by the
// identity.
func (e *Engine) CustomerCardIDs(owner identity.EIN) ([]uint64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.OwnerCards(owner)
}
