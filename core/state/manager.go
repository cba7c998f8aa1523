package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"giftledger/storage"
)

var (
	// ErrTxInProgress is returned when Begin is called while a transaction is
	// already open.
	ErrTxInProgress = errors.New("state: transaction already in progress")
	// ErrNoTx is returned when Commit is called without an open transaction.
	ErrNoTx = errors.New("state: no transaction in progress")
)

// Manager persists ledger records to a key-value backend. Writes issued while
// a transaction is open are staged in an overlay and only reach the backend on
// Commit; Discard throws the overlay away. Every node-level operation runs
// inside one transaction, which is what makes multi-write operations
// all-or-nothing.
//
// The manager is not safe for concurrent use; the node serializes access.
type Manager struct {
	db      storage.Database
	overlay map[string][]byte
	inTx    bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a transaction. Nested transactions are not supported.
func (m *Manager) Begin() error {
	if m.inTx {
		return ErrTxInProgress
	}
	m.overlay = make(map[string][]byte)
	m.inTx = true
	return nil
}

// Commit flushes the staged overlay to the backend and closes the transaction.
func (m *Manager) Commit() error {
	if !m.inTx {
		return ErrNoTx
	}
	for key, value := range m.overlay {
		if err := m.db.Put([]byte(key), value); err != nil {
			return fmt.Errorf("state: commit write: %w", err)
		}
	}
	m.overlay = nil
	m.inTx = false
	return nil
}

// Discard drops the staged overlay without writing anything.
func (m *Manager) Discard() {
	m.overlay = nil
	m.inTx = false
}

// InTransaction reports whether a transaction is open.
func (m *Manager) InTransaction() bool {
	return m.inTx
}

func (m *Manager) rawPut(key []byte, value []byte) error {
	if m.inTx {
		m.overlay[string(key)] = append([]byte(nil), value...)
		return nil
	}
	return m.db.Put(key, value)
}

func (m *Manager) rawGet(key []byte) ([]byte, bool, error) {
	if m.inTx {
		if value, ok := m.overlay[string(key)]; ok {
			return append([]byte(nil), value...), true, nil
		}
	}
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// KVPut RLP-encodes the value and stores it under the derived key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode value: %w", err)
	}
	return m.rawPut(key, encoded)
}

// KVGet decodes the stored value into out and reports whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	data, ok, err := m.rawGet(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode value: %w", err)
	}
	return true, nil
}

// storageKey derives a fixed-length backend key from a record prefix and
// suffix. Hashing keeps key sizes uniform regardless of suffix length.
func storageKey(prefix string, suffix []byte) []byte {
	buf := make([]byte, 0, len(prefix)+len(suffix))
	buf = append(buf, prefix...)
	buf = append(buf, suffix...)
	return ethcrypto.Keccak256(buf)
}
