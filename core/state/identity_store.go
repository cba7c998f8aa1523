package state

import (
	"fmt"

	"giftledger/core/identity"
	"giftledger/crypto"
)

const (
	identityNextEINKey    = "identity/nextEIN"
	identityRecordPrefix  = "identity/record/"
	identityAddressPrefix = "identity/address/"
	identityNamePrefix    = "identity/name/"
)

func identityRecordKey(ein identity.EIN) []byte {
	return storageKey(identityRecordPrefix, einSuffix(ein))
}

func identityAddressKey(addr crypto.Address) []byte {
	raw := addr.Raw()
	return storageKey(identityAddressPrefix, raw[:])
}

func identityNameKey(name string) []byte {
	return storageKey(identityNamePrefix, []byte(name))
}

type storedIdentityRecord struct {
	EIN         uint64
	DisplayName string
	Addresses   [][]byte
	CreatedAt   uint64
}

// IdentityNextEIN returns the next identity number to assign. The counter is
// persisted so EINs stay stable across restarts and are never reused.
func (m *Manager) IdentityNextEIN() (identity.EIN, error) {
	var next uint64
	ok, err := m.KVGet(storageKey(identityNextEINKey, nil), &next)
	if err != nil {
		return 0, err
	}
	if !ok || next == 0 {
		return 1, nil
	}
	return identity.EIN(next), nil
}

// IdentitySetNextEIN advances the persisted EIN counter.
func (m *Manager) IdentitySetNextEIN(next identity.EIN) error {
	return m.KVPut(storageKey(identityNextEINKey, nil), uint64(next))
}

// IdentityPutRecord persists a directory record.
func (m *Manager) IdentityPutRecord(record *identity.Record) error {
	if record == nil || record.EIN == 0 {
		return fmt.Errorf("state: identity record with assigned EIN required")
	}
	stored := storedIdentityRecord{
		EIN:         uint64(record.EIN),
		DisplayName: record.DisplayName,
		CreatedAt:   uint64(record.CreatedAt),
	}
	for _, addr := range record.Addresses {
		stored.Addresses = append(stored.Addresses, addr.Bytes())
	}
	return m.KVPut(identityRecordKey(record.EIN), &stored)
}

// IdentityRecord loads a directory record by EIN.
func (m *Manager) IdentityRecord(ein identity.EIN) (*identity.Record, bool, error) {
	var stored storedIdentityRecord
	ok, err := m.KVGet(identityRecordKey(ein), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	record := &identity.Record{
		EIN:         identity.EIN(stored.EIN),
		DisplayName: stored.DisplayName,
		CreatedAt:   int64(stored.CreatedAt),
	}
	for _, raw := range stored.Addresses {
		addr, err := crypto.NewAddress(raw)
		if err != nil {
			return nil, false, fmt.Errorf("state: decode identity address: %w", err)
		}
		record.Addresses = append(record.Addresses, addr)
	}
	return record, true, nil
}

// IdentitySetAddressEIN records the address to identity mapping.
func (m *Manager) IdentitySetAddressEIN(addr crypto.Address, ein identity.EIN) error {
	return m.KVPut(identityAddressKey(addr), uint64(ein))
}

// IdentityAddressEIN resolves an address to its identity number.
func (m *Manager) IdentityAddressEIN(addr crypto.Address) (identity.EIN, bool, error) {
	var ein uint64
	ok, err := m.KVGet(identityAddressKey(addr), &ein)
	if err != nil || !ok {
		return 0, false, err
	}
	return identity.EIN(ein), true, nil
}

// IdentitySetNameEIN records the normalized display name to identity mapping.
func (m *Manager) IdentitySetNameEIN(name string, ein identity.EIN) error {
	return m.KVPut(identityNameKey(name), uint64(ein))
}

// IdentityNameEIN resolves a normalized display name to its identity number.
func (m *Manager) IdentityNameEIN(name string) (identity.EIN, bool, error) {
	var ein uint64
	ok, err := m.KVGet(identityNameKey(name), &ein)
	if err != nil || !ok {
		return 0, false, err
	}
	return identity.EIN(ein), true, nil
}
