package state

import (
	"testing"

	"giftledger/core/identity"
	"giftledger/crypto"
	"giftledger/storage"
)

func testAddress(t *testing.T) crypto.Address {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address()
}

func TestIdentityDirectorySurvivesManagerRebuild(t *testing.T) {
	db := storage.NewMemDB()
	registry := identity.NewRegistry(NewManager(db), nil)

	vendorAddr := testAddress(t)
	vendor, err := registry.Register("acme", vendorAddr)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if vendor.EIN != 1 {
		t.Fatalf("expected EIN 1, got %d", vendor.EIN)
	}

	// A fresh registry over the same backend must see the assignment and
	// continue the counter instead of restarting it.
	reopened := identity.NewRegistry(NewManager(db), nil)
	record, err := reopened.Resolve(1)
	if err != nil {
		t.Fatalf("resolve after rebuild: %v", err)
	}
	if record.DisplayName != "acme" || len(record.Addresses) != 1 || !record.Addresses[0].Equal(vendorAddr) {
		t.Fatalf("unexpected record %+v", record)
	}
	if ein, err := reopened.EINForAddress(vendorAddr); err != nil || ein != 1 {
		t.Fatalf("address lookup after rebuild: %d / %v", ein, err)
	}

	second, err := reopened.Register("other", testAddress(t))
	if err != nil {
		t.Fatalf("register after rebuild: %v", err)
	}
	if second.EIN != 2 {
		t.Fatalf("EIN counter restarted: got %d, want 2", second.EIN)
	}
	if _, err := reopened.Register("Acme", testAddress(t)); err == nil {
		t.Fatal("display name uniqueness lost across rebuild")
	}
}

func TestIdentityRegistrationRollsBackWithTransaction(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	registry := identity.NewRegistry(m, nil)
	addr := testAddress(t)

	if err := m.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := registry.Register("acme", addr); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.Discard()

	if _, err := registry.EINForAddress(addr); err == nil {
		t.Fatal("discarded registration still resolves")
	}
	record, err := registry.Register("acme", addr)
	if err != nil {
		t.Fatalf("re-register after discard: %v", err)
	}
	if record.EIN != 1 {
		t.Fatalf("EIN advanced by a discarded registration: %d", record.EIN)
	}
}
