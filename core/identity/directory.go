package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"giftledger/crypto"
)

// EIN is the stable identity number assigned by the directory. EINs start at 1
// and are never reused; 0 is not a valid identity.
type EIN uint64

const (
	displayNameMinLength = 3
	displayNameMaxLength = 32
)

var (
	displayNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// ErrNoIdentity is returned when an address has no registered identity.
	ErrNoIdentity = errors.New("identity: address has no identity")
	// ErrUnknownEIN is returned when an EIN was never assigned.
	ErrUnknownEIN = errors.New("identity: unknown EIN")
	// ErrAddressTaken is returned when an address is already associated with
	// another identity.
	ErrAddressTaken = errors.New("identity: address already associated")
	// ErrInvalidDisplayName is returned when the supplied display name does
	// not satisfy the naming constraints.
	ErrInvalidDisplayName = errors.New("identity: invalid display name")
	// ErrDisplayNameTaken is returned when the display name is already owned
	// by another identity.
	ErrDisplayNameTaken = errors.New("identity: display name already registered")
)

// NormalizeDisplayName validates the supplied display name and returns the
// lowercase form used for uniqueness checks. The cased original is preserved
// on the record.
func NormalizeDisplayName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	length := len(trimmed)
	if length < displayNameMinLength || length > displayNameMaxLength {
		return "", fmt.Errorf("%w: must be between %d and %d characters", ErrInvalidDisplayName, displayNameMinLength, displayNameMaxLength)
	}
	if !displayNamePattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: allowed characters are [a-zA-Z0-9._-]", ErrInvalidDisplayName)
	}
	return strings.ToLower(trimmed), nil
}

// Record captures the directory entry for a single identity.
type Record struct {
	EIN         EIN
	DisplayName string
	Addresses   []crypto.Address
	CreatedAt   int64
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Addresses = append([]crypto.Address(nil), r.Addresses...)
	return &out
}

// Directory is the read surface the voucher engines consume. The concrete
// Registry satisfies it; tests substitute their own.
type Directory interface {
	EINForAddress(addr crypto.Address) (EIN, error)
	HasEIN(ein EIN) bool
	PrimaryAddress(ein EIN) (crypto.Address, error)
	DisplayName(ein EIN) (string, error)
}

// Store is the persistence surface behind the registry. Implementations are
// expected to stage writes in the surrounding state transaction so a
// directory mutation commits or rolls back with the rest of the operation.
// The EIN counter lives here too: EINs must survive restarts, otherwise a
// rebooted node would hand out numbers that persisted cards still reference.
type Store interface {
	IdentityNextEIN() (EIN, error)
	IdentitySetNextEIN(ein EIN) error
	IdentityPutRecord(record *Record) error
	IdentityRecord(ein EIN) (*Record, bool, error)
	IdentitySetAddressEIN(addr crypto.Address, ein EIN) error
	IdentityAddressEIN(addr crypto.Address) (EIN, bool, error)
	IdentitySetNameEIN(name string, ein EIN) error
	IdentityNameEIN(name string) (EIN, bool, error)
}

// Registry is the identity directory: it assigns EINs and resolves addresses
// and display names. It stands in for the external directory the deployment
// would point at. All records live in the supplied store.
type Registry struct {
	mu    sync.RWMutex
	store Store
	nowFn func() int64
}

// NewRegistry creates a registry over the given store. A nil store falls back
// to a process-local in-memory store for tests and fixtures; nodes pass the
// state-manager-backed store so assignments persist. The now function stamps
// records; nil defaults to a zero clock so deterministic tests stay
// deterministic.
func NewRegistry(store Store, now func() int64) *Registry {
	if store == nil {
		store = newMemoryStore()
	}
	if now == nil {
		now = func() int64 { return 0 }
	}
	return &Registry{store: store, nowFn: now}
}

// Register assigns a fresh EIN to the given display name and associated
// addresses. At least one address is required; the first address is the
// identity's primary payout address.
func (r *Registry) Register(displayName string, addrs ...crypto.Address) (*Record, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: at least one address required", ErrInvalidDisplayName)
	}
	normalized, err := NormalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken, err := r.store.IdentityNameEIN(normalized); err != nil {
		return nil, err
	} else if taken {
		return nil, ErrDisplayNameTaken
	}
	for _, addr := range addrs {
		if _, taken, err := r.store.IdentityAddressEIN(addr); err != nil {
			return nil, err
		} else if taken {
			return nil, fmt.Errorf("%w: %s", ErrAddressTaken, addr)
		}
	}
	next, err := r.store.IdentityNextEIN()
	if err != nil {
		return nil, err
	}
	record := &Record{
		EIN:         next,
		DisplayName: strings.TrimSpace(displayName),
		Addresses:   append([]crypto.Address(nil), addrs...),
		CreatedAt:   r.nowFn(),
	}
	if err := r.store.IdentityPutRecord(record); err != nil {
		return nil, err
	}
	if err := r.store.IdentitySetNameEIN(normalized, next); err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if err := r.store.IdentitySetAddressEIN(addr, next); err != nil {
			return nil, err
		}
	}
	if err := r.store.IdentitySetNextEIN(next + 1); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// AssociateAddress attaches an additional address to an existing identity.
func (r *Registry) AssociateAddress(ein EIN, addr crypto.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok, err := r.store.IdentityRecord(ein)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownEIN
	}
	if _, taken, err := r.store.IdentityAddressEIN(addr); err != nil {
		return err
	} else if taken {
		return fmt.Errorf("%w: %s", ErrAddressTaken, addr)
	}
	record.Addresses = append(record.Addresses, addr)
	if err := r.store.IdentityPutRecord(record); err != nil {
		return err
	}
	return r.store.IdentitySetAddressEIN(addr, ein)
}

// EINForAddress resolves an address to its identity number.
func (r *Registry) EINForAddress(addr crypto.Address) (EIN, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ein, ok, err := r.store.IdentityAddressEIN(addr)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoIdentity
	}
	return ein, nil
}

// HasEIN reports whether the EIN was ever assigned.
func (r *Registry) HasEIN(ein EIN) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok, err := r.store.IdentityRecord(ein)
	return err == nil && ok
}

// PrimaryAddress returns the identity's first associated address, the payout
// target for vendor settlements.
func (r *Registry) PrimaryAddress(ein EIN) (crypto.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok, err := r.store.IdentityRecord(ein)
	if err != nil {
		return crypto.Address{}, err
	}
	if !ok || len(record.Addresses) == 0 {
		return crypto.Address{}, ErrUnknownEIN
	}
	return record.Addresses[0], nil
}

// AddressesForEIN returns every address associated with the identity.
func (r *Registry) AddressesForEIN(ein EIN) ([]crypto.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok, err := r.store.IdentityRecord(ein)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownEIN
	}
	return append([]crypto.Address(nil), record.Addresses...), nil
}

// DisplayName returns the cased display name registered for the identity.
func (r *Registry) DisplayName(ein EIN) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok, err := r.store.IdentityRecord(ein)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUnknownEIN
	}
	return record.DisplayName, nil
}

// Resolve returns the full record for an EIN.
func (r *Registry) Resolve(ein EIN) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok, err := r.store.IdentityRecord(ein)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownEIN
	}
	return record.Clone(), nil
}
