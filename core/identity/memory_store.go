package identity

import "giftledger/crypto"

// memoryStore is the map-backed Store used when a registry is built without a
// persistent backend. It mirrors storage.MemDB: fixtures and standalone tools
// get working directory semantics without a database.
type memoryStore struct {
	nextEIN EIN
	records map[EIN]*Record
	byAddr  map[[20]byte]EIN
	byName  map[string]EIN
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		records: make(map[EIN]*Record),
		byAddr:  make(map[[20]byte]EIN),
		byName:  make(map[string]EIN),
	}
}

func (s *memoryStore) IdentityNextEIN() (EIN, error) {
	if s.nextEIN == 0 {
		return 1, nil
	}
	return s.nextEIN, nil
}

func (s *memoryStore) IdentitySetNextEIN(ein EIN) error {
	s.nextEIN = ein
	return nil
}

func (s *memoryStore) IdentityPutRecord(record *Record) error {
	s.records[record.EIN] = record.Clone()
	return nil
}

func (s *memoryStore) IdentityRecord(ein EIN) (*Record, bool, error) {
	record, ok := s.records[ein]
	if !ok {
		return nil, false, nil
	}
	return record.Clone(), true, nil
}

func (s *memoryStore) IdentitySetAddressEIN(addr crypto.Address, ein EIN) error {
	s.byAddr[addr.Raw()] = ein
	return nil
}

func (s *memoryStore) IdentityAddressEIN(addr crypto.Address) (EIN, bool, error) {
	ein, ok := s.byAddr[addr.Raw()]
	return ein, ok, nil
}

func (s *memoryStore) IdentitySetNameEIN(name string, ein EIN) error {
	s.byName[name] = ein
	return nil
}

func (s *memoryStore) IdentityNameEIN(name string) (EIN, bool, error) {
	ein, ok := s.byName[name]
	return ein, ok, nil
}
