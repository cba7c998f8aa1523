package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"giftledger/core/events"
	"giftledger/core/identity"
	glstate "giftledger/core/state"
	"giftledger/core/types"
	"giftledger/crypto"
	"giftledger/native/giftcard"
	"giftledger/native/token"
	"giftledger/storage"
)

// maxRetainedEvents caps the in-memory event log served over RPC.
const maxRetainedEvents = 4096

var (
	// ErrNoVaultKey is returned when a node is constructed without the vault
	// key that anchors custody and permission hashing.
	ErrNoVaultKey = errors.New("core: vault key required")
)

// Node is the central controller: it owns the state manager, the identity
// registry, the token ledger and the gift card engine, and serializes every
// operation behind a single mutex. Each mutating operation runs inside one
// state transaction, so a failure at any step, including the redemption
// notification hook, leaves no partial writes behind.
type Node struct {
	db       storage.Database
	manager  *glstate.Manager
	registry *identity.Registry
	ledger   *token.Ledger
	engine   *giftcard.Engine
	vaultKey *crypto.PrivateKey
	vault    crypto.Address
	notifier giftcard.RedemptionNotifier
	logger   *slog.Logger

	stateMu sync.Mutex
	pending []*types.Event
	events  []*types.Event
}

// NewNode wires the state manager, ledger, registry and engine around the
// given backend. The vault key's address is both the custody account and the
// contract identity bound into every permission hash.
func NewNode(db storage.Database, vaultKey *crypto.PrivateKey, logger *slog.Logger) (*Node, error) {
	if vaultKey == nil {
		return nil, ErrNoVaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	manager := glstate.NewManager(db)
	n := &Node{
		db:       db,
		manager:  manager,
		registry: identity.NewRegistry(manager, nil),
		ledger:   token.NewLedger(),
		engine:   giftcard.NewEngine(),
		vaultKey: vaultKey,
		vault:    vaultKey.PubKey().Address(),
		logger:   logger,
	}
	n.ledger.SetState(n.manager)
	n.engine.SetState(n.manager)
	n.engine.SetDirectory(n.registry)
	n.engine.SetLedger(n.ledger)
	n.engine.SetVault(n.vault)
	n.engine.SetEmitter(nodeEventEmitter{node: n})
	n.ledger.RegisterReceiver(n.vault, n.engine)
	return n, nil
}

// SetNotifier configures the redemption notification hook used by
// RedeemAndCall. Passing nil disables notifications.
func (n *Node) SetNotifier(notifier giftcard.RedemptionNotifier) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.notifier = notifier
}

// Vault returns the custody address operations settle through.
func (n *Node) Vault() crypto.Address { return n.vault }

type nodeEventEmitter struct {
	node *Node
}

type eventWithPayload interface {
	Event() *types.Event
}

func (e nodeEventEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	e.node.pending = append(e.node.pending, event)
}

// withState runs fn inside one state transaction under the node mutex.
// Events emitted during fn are buffered and join the node log only after the
// transaction commits.
func (n *Node) withState(op string, fn func() error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if err := n.manager.Begin(); err != nil {
		return err
	}
	n.pending = n.pending[:0]
	if err := fn(); err != nil {
		n.manager.Discard()
		n.pending = n.pending[:0]
		n.logger.Warn("operation rejected", "op", op, "err", err)
		return err
	}
	if err := n.manager.Commit(); err != nil {
		n.manager.Discard()
		n.pending = n.pending[:0]
		n.logger.Error("commit failed", "op", op, "err", err)
		return err
	}
	n.events = append(n.events, n.pending...)
	if overflow := len(n.events) - maxRetainedEvents; overflow > 0 {
		n.events = append(n.events[:0], n.events[overflow:]...)
	}
	n.pending = n.pending[:0]
	n.logger.Info("operation applied", "op", op)
	return nil
}

// withStateRead serializes a read against concurrent mutations.
func (n *Node) withStateRead(fn func() error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return fn()
}

// Events returns a snapshot of the committed event log.
func (n *Node) Events() []*types.Event {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	out := make([]*types.Event, len(n.events))
	copy(out, n.events)
	return out
}

// --- Genesis ---

var genesisMarkerKey = []byte("genesis/applied")

// ApplyGenesisAllocation mints the given balance to an address. Used at boot
// to seed the token ledger from the genesis section of the config.
func (n *Node) ApplyGenesisAllocation(addr crypto.Address, amount *big.Int) error {
	return n.withState("genesis.allocate", func() error {
		return n.ledger.Mint(addr, amount)
	})
}

// ApplyGenesis seeds the configured allocations exactly once. A marker in
// state makes repeated boots no-ops.
func (n *Node) ApplyGenesis(alloc map[crypto.Address]*big.Int) error {
	return n.withState("genesis.apply", func() error {
		var applied uint64
		ok, err := n.manager.KVGet(genesisMarkerKey, &applied)
		if err != nil {
			return err
		}
		if ok && applied == 1 {
			return nil
		}
		for addr, amount := range alloc {
			if err := n.ledger.Mint(addr, amount); err != nil {
				return err
			}
		}
		return n.manager.KVPut(genesisMarkerKey, uint64(1))
	})
}

// --- Identity operations ---

// IdentityRegister assigns a fresh EIN to the display name and addresses. The
// registry writes through the state manager, so the assignment and its
// indexes commit atomically and survive restarts.
func (n *Node) IdentityRegister(displayName string, addrs ...crypto.Address) (*identity.Record, error) {
	var record *identity.Record
	err := n.withState("identity.register", func() error {
		var err error
		record, err = n.registry.Register(displayName, addrs...)
		return err
	})
	return record, err
}

// IdentityAssociate attaches an additional address to an existing identity.
func (n *Node) IdentityAssociate(ein identity.EIN, addr crypto.Address) error {
	return n.withState("identity.associate", func() error {
		return n.registry.AssociateAddress(ein, addr)
	})
}

// IdentityResolve returns the directory record for an EIN.
func (n *Node) IdentityResolve(ein identity.EIN) (*identity.Record, error) {
	var record *identity.Record
	err := n.withStateRead(func() error {
		var err error
		record, err = n.registry.Resolve(ein)
		return err
	})
	return record, err
}

// IdentityForAddress resolves an address to its EIN.
func (n *Node) IdentityForAddress(addr crypto.Address) (identity.EIN, error) {
	var ein identity.EIN
	err := n.withStateRead(func() error {
		var err error
		ein, err = n.registry.EINForAddress(addr)
		return err
	})
	return ein, err
}

// DepositBalance returns the identity's custodial deposit accrued through
// refunds.
func (n *Node) DepositBalance(ein identity.EIN) (*big.Int, error) {
	var balance *big.Int
	err := n.withStateRead(func() error {
		var err error
		balance, err = n.manager.DepositBalance(ein)
		return err
	})
	return balance, err
}

// --- Token operations ---

// TokenBalance returns the ledger balance of an address.
func (n *Node) TokenBalance(addr crypto.Address) (*big.Int, error) {
	var balance *big.Int
	err := n.withStateRead(func() error {
		var err error
		balance, err = n.ledger.BalanceOf(addr)
		return err
	})
	return balance, err
}

// TokenTransfer moves value between two ledger accounts.
func (n *Node) TokenTransfer(from, to crypto.Address, amount *big.Int) error {
	return n.withState("token.transfer", func() error {
		return n.ledger.Transfer(from, to, amount)
	})
}

// TokenApproveAndCall approves the target for amount and invokes its approval
// receiver in the same transaction. With the vault as target this is the
// purchase entry point: the engine pulls the approved value and mints a card.
func (n *Node) TokenApproveAndCall(from, target crypto.Address, amount *big.Int, memo []byte) error {
	return n.withState("token.approveAndCall", func() error {
		return n.ledger.ApproveAndCall(from, target, amount, memo)
	})
}

// --- Gift card operations ---

// GiftCardSetOffers replaces the calling vendor's catalog.
func (n *Node) GiftCardSetOffers(caller crypto.Address, offers giftcard.Offers) (identity.EIN, error) {
	var vendor identity.EIN
	err := n.withState("giftcard.setOffers", func() error {
		var err error
		vendor, err = n.engine.SetOffers(caller, offers)
		return err
	})
	return vendor, err
}

// GiftCardOffers returns a vendor's current catalog.
func (n *Node) GiftCardOffers(vendor identity.EIN) (giftcard.Offers, error) {
	var offers giftcard.Offers
	err := n.withStateRead(func() error {
		var err error
		offers, err = n.engine.Offers(vendor)
		return err
	})
	return offers, err
}

// GiftCardPurchase approves the vault for amount on the buyer's behalf and
// mints the card in one transaction. It is the approve-and-call flow with the
// minted card surfaced to the caller.
func (n *Node) GiftCardPurchase(buyer crypto.Address, amount *big.Int, memo []byte) (*giftcard.GiftCard, error) {
	var card *giftcard.GiftCard
	err := n.withState("giftcard.purchase", func() error {
		if err := n.ledger.Approve(buyer, n.vault, amount); err != nil {
			return err
		}
		var err error
		card, err = n.engine.Purchase(buyer, amount, memo)
		return err
	})
	return card, err
}

// GiftCardTransfer reassigns ownership given the current owner's signed
// capability.
func (n *Node) GiftCardTransfer(id uint64, newOwner identity.EIN, sig *giftcard.Signature) error {
	return n.withState("giftcard.transfer", func() error {
		return n.engine.Transfer(id, newOwner, sig)
	})
}

// GiftCardRedeem authorizes amount for vendor settlement.
func (n *Node) GiftCardRedeem(id uint64, amount *big.Int, timestamp uint64, sig *giftcard.Signature) error {
	return n.withState("giftcard.redeem", func() error {
		return n.engine.Redeem(id, amount, timestamp, sig)
	})
}

// GiftCardVendorRedeem settles authorized value to the issuing vendor. Any
// caller may relay it.
func (n *Node) GiftCardVendorRedeem(id uint64, amount *big.Int) error {
	return n.withState("giftcard.vendorRedeem", func() error {
		return n.engine.VendorRedeem(id, amount)
	})
}

// GiftCardRedeemAndCall composes authorize and settle and then invokes the
// configured notification hook. A hook failure rolls the whole composite
// back.
func (n *Node) GiftCardRedeemAndCall(id uint64, amount *big.Int, timestamp uint64, sig *giftcard.Signature, memo []byte) error {
	return n.withState("giftcard.redeemAndCall", func() error {
		return n.engine.RedeemAndCall(id, amount, timestamp, sig, n.notifier, memo)
	})
}

// GiftCardRefund moves the card's remaining balance into the owner's
// custodial deposit. Issuing vendor only.
func (n *Node) GiftCardRefund(id uint64, caller crypto.Address) error {
	return n.withState("giftcard.refund", func() error {
		return n.engine.Refund(id, caller)
	})
}

// GiftCardGet returns a copy of the stored card.
func (n *Node) GiftCardGet(id uint64) (*giftcard.GiftCard, error) {
	var card *giftcard.GiftCard
	err := n.withStateRead(func() error {
		var err error
		card, err = n.engine.Card(id)
		return err
	})
	return card, err
}

// GiftCardBalance returns the spendable balance of a card.
func (n *Node) GiftCardBalance(id uint64) (*big.Int, error) {
	var balance *big.Int
	err := n.withStateRead(func() error {
		var err error
		balance, err = n.engine.CardBalance(id)
		return err
	})
	return balance, err
}

// GiftCardDetails returns the display-name projection of a card.
func (n *Node) GiftCardDetails(id uint64) (*giftcard.Details, error) {
	var details *giftcard.Details
	err := n.withStateRead(func() error {
		var err error
		details, err = n.engine.CardDetails(id)
		return err
	})
	return details, err
}

// GiftCardCustomerIDs returns the ids of every card owned by the identity.
func (n *Node) GiftCardCustomerIDs(owner identity.EIN) ([]uint64, error) {
	var ids []uint64
	err := n.withStateRead(func() error {
		var err error
		ids, err = n.engine.CustomerCardIDs(owner)
		return err
	})
	return ids, err
}

// SignTransferPermission signs a transfer capability with the given key. CLI
// convenience; verification happens engine-side on submission.
func (n *Node) SignTransferPermission(key *crypto.PrivateKey, id uint64, newOwner identity.EIN) (*giftcard.Signature, error) {
	return giftcard.SignPermission(key, n.vault, giftcard.TransferAction,
		new(big.Int).SetUint64(id), new(big.Int).SetUint64(uint64(newOwner)))
}

// SignRedeemPermission signs a redemption capability with the given key.
func (n *Node) SignRedeemPermission(key *crypto.PrivateKey, id uint64, amount *big.Int, timestamp uint64) (*giftcard.Signature, error) {
	if amount == nil {
		return nil, fmt.Errorf("core: amount required")
	}
	return giftcard.SignPermission(key, n.vault, giftcard.RedeemAction,
		new(big.Int).SetUint64(id), amount, new(big.Int).SetUint64(timestamp))
}
