package types

import "math/big"

// Account holds the fungible-token position of a single address. Balance is
// denominated in the token's base unit.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// Normalize returns the account with nil balance fields replaced by zero so
// callers can do arithmetic without nil checks.
func (a *Account) Normalize() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	clone := &Account{Nonce: a.Nonce, Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
