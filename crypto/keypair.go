package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidKey indicates stored key material that cannot be parsed.
var ErrInvalidKey = errors.New("crypto: invalid private key")

// GenerateSessionKey creates a new random secp256k1 key and returns it as 0x-prefixed hex.
func GenerateSessionKey() (string, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate session key: %w", err)
	}
	return hexutil.Encode(ethcrypto.FromECDSA(key)), nil
}

// ParseSessionKey parses a hex private key (with or without 0x) and returns the key
// together with its lowercase address.
func ParseSessionKey(raw string) (*ecdsa.PrivateKey, string, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	key, err := ethcrypto.HexToECDSA(clean)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, AddressOf(key), nil
}

// AddressOf returns the lowercase 0x address of a private key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return strings.ToLower(ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
}

// LoadWalletKey loads the primary wallet key from a file holding one hex private key.
// A missing file is reported with fs.ErrNotExist.
func LoadWalletKey(path string) (*ecdsa.PrivateKey, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read wallet key: %w", err)
	}
	return ParseSessionKey(string(raw))
}

// EnsureWalletKey loads the wallet key at path, generating it on first run.
func EnsureWalletKey(path string) (*ecdsa.PrivateKey, string, error) {
	key, address, err := LoadWalletKey(path)
	if err == nil {
		return key, address, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, "", err
	}

	encoded, err := GenerateSessionKey()
	if err != nil {
		return nil, "", err
	}
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, "", fmt.Errorf("write wallet key: %w", err)
	}

	return ParseSessionKey(encoded)
}
