package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"giftledger/core/identity"
	"giftledger/core/types"
)

const (
	accountPrefix   = "token/account/"
	allowancePrefix = "token/allowance/"
	depositPrefix   = "identity/deposit/"
)

func accountKey(addr [20]byte) []byte {
	return storageKey(accountPrefix, addr[:])
}

func allowanceKey(owner, spender [20]byte) []byte {
	suffix := make([]byte, 0, len(owner)+len(spender))
	suffix = append(suffix, owner[:]...)
	suffix = append(suffix, spender[:]...)
	return storageKey(allowancePrefix, suffix)
}

func depositKey(ein identity.EIN) []byte {
	suffix := make([]byte, 8)
	binary.BigEndian.PutUint64(suffix, uint64(ein))
	return storageKey(depositPrefix, suffix)
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// GetAccount loads the token account for an address. Unknown addresses read as
// empty accounts.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	var stored storedAccount
	ok, err := m.KVGet(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (&types.Account{}).Normalize(), nil
	}
	account := &types.Account{Nonce: stored.Nonce, Balance: stored.Balance}
	return account.Normalize(), nil
}

// PutAccount persists the token account for an address.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	account = account.Normalize()
	if account.Balance.Sign() < 0 {
		return fmt.Errorf("state: account balance must be non-negative")
	}
	return m.KVPut(accountKey(addr), &storedAccount{Nonce: account.Nonce, Balance: account.Balance})
}

// Allowance returns the amount owner has delegated to spender.
func (m *Manager) Allowance(owner, spender [20]byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(allowanceKey(owner, spender), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// SetAllowance records the amount owner delegates to spender, replacing any
// prior allowance.
func (m *Manager) SetAllowance(owner, spender [20]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: allowance must be non-negative")
	}
	return m.KVPut(allowanceKey(owner, spender), amount)
}

// DepositBalance returns the identity-scoped custodial deposit for an EIN.
func (m *Manager) DepositBalance(ein identity.EIN) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(depositKey(ein), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// DepositCredit adds to the identity-scoped custodial deposit for an EIN.
func (m *Manager) DepositCredit(ein identity.EIN, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: deposit credit must be positive")
	}
	current, err := m.DepositBalance(ein)
	if err != nil {
		return err
	}
	return m.KVPut(depositKey(ein), new(big.Int).Add(current, amount))
}
