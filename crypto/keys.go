package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of a bech32-encoded address.
const AddressPrefix = "gl"

const addressLength = 20

// Address is a 20-byte account address derived from a secp256k1 public key.
type Address struct {
	bytes [addressLength]byte
}

// NewAddress wraps raw address bytes. The slice must be exactly 20 bytes.
func NewAddress(b []byte) (Address, error) {
	if len(b) != addressLength {
		return Address{}, fmt.Errorf("crypto: address must be %d bytes, got %d", addressLength, len(b))
	}
	var a Address
	copy(a.bytes[:], b)
	return a, nil
}

// MustNewAddress is NewAddress for fixtures with known-good input.
func MustNewAddress(b []byte) Address {
	a, err := NewAddress(b)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	out := make([]byte, addressLength)
	copy(out, a.bytes[:])
	return out
}

// Raw returns the address as a fixed-size array for use as a map key.
func (a Address) Raw() [20]byte {
	return a.bytes
}

func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes[:], other.bytes[:])
}

// DecodeAddress parses a bech32 address string produced by Address.String.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("crypto: unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(conv)
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	addrBytes := ethcrypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return MustNewAddress(addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
