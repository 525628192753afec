// Package signature checks EIP-191 personal-message signatures, the format
// produced by browser wallets for personal_sign.
package signature

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMalformed = errors.New("signature: malformed signature")
	ErrAddress   = errors.New("signature: invalid address")
)

// Hash returns the EIP-191 digest of message:
// keccak256("\x19Ethereum Signed Message:\n" + len(message) + message).
func Hash(message string) []byte {
	return accounts.TextHash([]byte(message))
}

// Recover returns the address that signed message. V may be 0/1 or 27/28.
func Recover(message, signatureHex string) (common.Address, error) {
	sig, err := decode(signatureHex)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(Hash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether signatureHex over message was produced by
// claimedAddress. Address comparison ignores case.
func Verify(message, signatureHex, claimedAddress string) bool {
	claimed := strings.TrimSpace(claimedAddress)
	if !common.IsHexAddress(claimed) {
		return false
	}
	got, err := Recover(message, signatureHex)
	if err != nil {
		return false
	}
	return strings.EqualFold(got.Hex(), common.HexToAddress(claimed).Hex())
}

// Sign produces a 65-byte hex signature with V in {27,28}, as wallets do.
func Sign(message string, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(Hash(message), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// NormalizeAddress validates addr and returns its lower-case hex form.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrAddress, addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

func decode(signatureHex string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(signatureHex), "0x")
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrMalformed)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformed, crypto.SignatureLength, len(sig))
	}
	switch sig[crypto.RecoveryIDOffset] {
	case 0, 1:
	case 27, 28:
		sig[crypto.RecoveryIDOffset] -= 27
	default:
		return nil, fmt.Errorf("%w: bad recovery id %d", ErrMalformed, sig[crypto.RecoveryIDOffset])
	}
	return sig, nil
}
