package token

import (
	"errors"
	"fmt"
	"math/big"

	"giftledger/core/types"
	"giftledger/crypto"
)

var (
	// ErrNilState is returned when the ledger is used before a state backend
	// is configured.
	ErrNilState = errors.New("token: state not configured")
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("token: amount must be positive")
	// ErrInsufficientBalance is returned when a transfer exceeds the source
	// account's balance.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrInsufficientAllowance is returned when a delegated transfer exceeds
	// the owner's approval for the spender.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	// ErrNoReceiver is returned by ApproveAndCall when the target address has
	// no registered approval receiver.
	ErrNoReceiver = errors.New("token: no approval receiver at target")
)

type ledgerState interface {
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
	Allowance(owner, spender [20]byte) (*big.Int, error)
	SetAllowance(owner, spender [20]byte, amount *big.Int) error
}

// ApprovalReceiver is the callback side of the approve-and-call flow: the
// ledger approves the target, then hands control to the receiver, which pulls
// the approved value with TransferFrom. A receiver error aborts the whole
// enclosing transaction.
type ApprovalReceiver interface {
	ReceiveApproval(from crypto.Address, amount *big.Int, memo []byte) error
}

// Ledger tracks fungible-token balances and allowances. It stands in for the
// external value ledger the voucher system settles against; all balances live
// in the shared state manager so value movements commit or roll back together
// with voucher mutations.
type Ledger struct {
	state     ledgerState
	receivers map[[20]byte]ApprovalReceiver
}

// NewLedger creates a ledger without a state backend. Callers wire one via
// SetState before use.
func NewLedger() *Ledger {
	return &Ledger{receivers: make(map[[20]byte]ApprovalReceiver)}
}

// SetState configures the state backend used by the ledger.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// RegisterReceiver binds an approval receiver to a contract address.
func (l *Ledger) RegisterReceiver(addr crypto.Address, receiver ApprovalReceiver) {
	if receiver == nil {
		delete(l.receivers, addr.Raw())
		return
	}
	l.receivers[addr.Raw()] = receiver
}

func cloneAmount(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}

// BalanceOf returns the spendable balance of an address.
func (l *Ledger) BalanceOf(addr crypto.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	account, err := l.state.GetAccount(addr.Raw())
	if err != nil {
		return nil, err
	}
	return cloneAmount(account.Balance), nil
}

// Mint credits freshly issued tokens to an address. Only genesis allocation
// and test fixtures use it.
func (l *Ledger) Mint(to crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	amt := cloneAmount(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	account, err := l.state.GetAccount(to.Raw())
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amt)
	return l.state.PutAccount(to.Raw(), account)
}

// Transfer moves value between two addresses.
func (l *Ledger) Transfer(from, to crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	amt := cloneAmount(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromAccount, err := l.state.GetAccount(from.Raw())
	if err != nil {
		return err
	}
	if fromAccount.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	// Same account on both sides: the debit and credit cancel, and writing
	// both loaded copies would let the stale credit overwrite the debit.
	if from.Equal(to) {
		return nil
	}
	toAccount, err := l.state.GetAccount(to.Raw())
	if err != nil {
		return err
	}
	fromAccount.Balance = new(big.Int).Sub(fromAccount.Balance, amt)
	toAccount.Balance = new(big.Int).Add(toAccount.Balance, amt)
	if err := l.state.PutAccount(from.Raw(), fromAccount); err != nil {
		return err
	}
	return l.state.PutAccount(to.Raw(), toAccount)
}

// Approve sets the spender's allowance over the owner's balance, replacing any
// prior approval.
func (l *Ledger) Approve(owner, spender crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	amt := cloneAmount(amount)
	if amt.Sign() < 0 {
		return ErrInvalidAmount
	}
	return l.state.SetAllowance(owner.Raw(), spender.Raw(), amt)
}

// Allowance returns how much the spender may still pull from the owner.
func (l *Ledger) Allowance(owner, spender crypto.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	return l.state.Allowance(owner.Raw(), spender.Raw())
}

// TransferFrom moves value from the owner to the destination on behalf of the
// spender, consuming allowance.
func (l *Ledger) TransferFrom(spender, from, to crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	amt := cloneAmount(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	allowance, err := l.state.Allowance(from.Raw(), spender.Raw())
	if err != nil {
		return err
	}
	if allowance.Cmp(amt) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.Transfer(from, to, amt); err != nil {
		return err
	}
	return l.state.SetAllowance(from.Raw(), spender.Raw(), new(big.Int).Sub(allowance, amt))
}

// ApproveAndCall approves the target for the amount and synchronously invokes
// its registered receiver with the caller-supplied memo. The receiver is
// expected to pull the approved value; any receiver error aborts the call.
func (l *Ledger) ApproveAndCall(from, target crypto.Address, amount *big.Int, memo []byte) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	receiver, ok := l.receivers[target.Raw()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoReceiver, target)
	}
	amt := cloneAmount(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.Approve(from, target, amt); err != nil {
		return err
	}
	return receiver.ReceiveApproval(from, amt, memo)
}
