package giftcard

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"giftledger/core/identity"
	"giftledger/crypto"
)

// Action phrases distinguish the signed capabilities. The phrase is part of
// the canonical message, so a transfer signature can never be replayed as a
// redemption authorization or vice versa.
const (
	TransferAction = "I authorize the transfer of this gift card."
	RedeemAction   = "I authorize the redemption of this gift card."
)

const signatureLength = 65

// Signature carries the secp256k1 signature components over a permission
// hash.
type Signature struct {
	R [32]byte
	S [32]byte
	V byte
}

// SignatureFromBytes parses a 65-byte r||s||v signature.
func SignatureFromBytes(b []byte) (*Signature, error) {
	if len(b) != signatureLength {
		return nil, fmt.Errorf("%w: signature must be %d bytes", ErrPermissionDenied, signatureLength)
	}
	sig := &Signature{V: b[64]}
	copy(sig.R[:], b[:32])
	copy(sig.S[:], b[32:64])
	return sig, nil
}

// Bytes returns the signature in r||s||v form.
func (s *Signature) Bytes() []byte {
	out := make([]byte, signatureLength)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// PermissionHash builds the canonical signed message and hashes it:
//
//	0x19 || 0x00 || contract address || action phrase || params...
//
// with every parameter tightly packed as a 32-byte big-endian word. Parameter
// order and presence are part of the signed contract: reordering, omitting, or
// substituting any value yields a different hash and therefore a different
// recovered signer.
func PermissionHash(contract crypto.Address, action string, params ...*big.Int) ([32]byte, error) {
	var hash [32]byte
	buf := make([]byte, 0, 2+20+len(action)+32*len(params))
	buf = append(buf, 0x19, 0x00)
	buf = append(buf, contract.Bytes()...)
	buf = append(buf, action...)
	for _, param := range params {
		if param == nil || param.Sign() < 0 || param.BitLen() > 256 {
			return hash, fmt.Errorf("%w: parameter out of range", ErrPermissionDenied)
		}
		word := make([]byte, 32)
		param.FillBytes(word)
		buf = append(buf, word...)
	}
	copy(hash[:], ethcrypto.Keccak256(buf))
	return hash, nil
}

// SignPermission produces the (v, r, s) capability a holder hands to a
// relayer. Used by the CLI and tests; verification lives in Verifier.
func SignPermission(key *crypto.PrivateKey, contract crypto.Address, action string, params ...*big.Int) (*Signature, error) {
	hash, err := PermissionHash(contract, action, params...)
	if err != nil {
		return nil, err
	}
	raw, err := ethcrypto.Sign(hash[:], key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign permission: %w", err)
	}
	return SignatureFromBytes(raw)
}

// Verifier canonicalizes signed messages, recovers the signing address, and
// resolves it to an identity. It authenticates the authorizing signer, not the
// submitting caller; the two are deliberately distinct.
type Verifier struct {
	contract  crypto.Address
	directory identity.Directory
}

// NewVerifier creates a verifier bound to this system's contract identity.
func NewVerifier(contract crypto.Address, directory identity.Directory) *Verifier {
	return &Verifier{contract: contract, directory: directory}
}

// SignerEIN recovers the identity that produced the signature over the given
// action and parameters. It returns ErrPermissionDenied when recovery fails
// and ErrUnknownIdentity when the recovered address has no identity.
func (v *Verifier) SignerEIN(action string, sig *Signature, params ...*big.Int) (identity.EIN, error) {
	if sig == nil {
		return 0, fmt.Errorf("%w: missing signature", ErrPermissionDenied)
	}
	hash, err := PermissionHash(v.contract, action, params...)
	if err != nil {
		return 0, err
	}
	pub, err := ethcrypto.SigToPub(hash[:], sig.Bytes())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	signer := crypto.MustNewAddress(ethcrypto.PubkeyToAddress(*pub).Bytes())
	ein, err := v.directory.EINForAddress(signer)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownIdentity, signer)
	}
	return ein, nil
}
