package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// ErrInvalidAddress indicates a string that is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("crypto: invalid address")

// SortPair lowercases both values and returns them in lexicographic order.
func SortPair(a, b string) (lo, hi string) {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a <= b {
		return a, b
	}
	return b, a
}

// DerivePassphrase returns the conversation passphrase for a pair of participants:
// lowercase hex SHA-256 over the sorted, concatenated, lowercase values.
//
// Anyone who knows both values can recompute it. Stored ciphertext depends on this
// exact derivation, so it must not change.
func DerivePassphrase(a, b string) string {
	lo, hi := SortPair(a, b)
	sum := sha256.Sum256([]byte(lo + hi))
	return hex.EncodeToString(sum[:])
}

// ConversationKey returns the canonical identifier of a direct conversation:
// keccak256(abi.encode(address lo, address hi)) over the sorted pair, 0x-prefixed.
func ConversationKey(a, b string) (string, error) {
	lo, hi := SortPair(a, b)
	if !common.IsHexAddress(lo) || !common.IsHexAddress(hi) {
		return "", ErrInvalidAddress
	}

	// abi.encode left-pads each 20-byte address into a 32-byte word.
	encoded := make([]byte, 64)
	copy(encoded[12:32], common.HexToAddress(lo).Bytes())
	copy(encoded[44:64], common.HexToAddress(hi).Bytes())

	h := sha3.NewLegacyKeccak256()
	h.Write(encoded)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// IsAddress reports whether s is a 0x-prefixed or bare 20-byte hex address.
func IsAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress validates s and returns it lowercase with a 0x prefix.
func NormalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}
