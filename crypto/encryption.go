package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	aes256KeySize = 32
	saltSize      = 8
)

// saltedPrefix is the OpenSSL magic that precedes the salt in passphrase mode.
var saltedPrefix = []byte("Salted__")

// ErrEncryption is returned when plaintext could not be sealed.
var ErrEncryption = errors.New("crypto: encryption failed")

// Encrypt encrypts UTF-8 plaintext under a passphrase and returns a self-contained
// base64 string in the OpenSSL "Salted__" layout (AES-256-CBC, PKCS#7, EVP_BytesToKey/MD5).
// The layout matches what browser clients already wrote on-chain.
func Encrypt(plaintext, passphrase string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: generate salt: %v", ErrEncryption, err)
	}

	key, iv := deriveKeyAndIV([]byte(passphrase), salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: create AES cipher: %v", ErrEncryption, err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	sealed := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(sealed, padded)

	out := make([]byte, 0, len(saltedPrefix)+saltSize+len(sealed))
	out = append(out, saltedPrefix...)
	out = append(out, salt...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It returns "" on any failure: wrong passphrase, malformed
// input, or input that was never ciphertext. Callers treat "" as a failed decryption.
func Decrypt(ciphertext, passphrase string) string {
	plaintext, err := decrypt(ciphertext, passphrase)
	if err != nil {
		return ""
	}
	return plaintext
}

func decrypt(ciphertext, passphrase string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < len(saltedPrefix)+saltSize+aes.BlockSize {
		return "", errors.New("ciphertext is too short")
	}
	if !bytes.Equal(raw[:len(saltedPrefix)], saltedPrefix) {
		return "", errors.New("ciphertext has no salt header")
	}

	salt := raw[len(saltedPrefix) : len(saltedPrefix)+saltSize]
	body := raw[len(saltedPrefix)+saltSize:]
	if len(body)%aes.BlockSize != 0 {
		return "", fmt.Errorf("invalid ciphertext length %d", len(body))
	}

	key, iv := deriveKeyAndIV([]byte(passphrase), salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create AES cipher: %w", err)
	}

	opened := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(opened, body)

	plaintext, err := pkcs7Unpad(opened, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", errors.New("plaintext is not valid UTF-8")
	}

	return string(plaintext), nil
}

// deriveKeyAndIV is OpenSSL's EVP_BytesToKey with MD5 and a single round.
func deriveKeyAndIV(passphrase, salt []byte) (key, iv []byte) {
	var (
		derived []byte
		prev    []byte
	)
	for len(derived) < aes256KeySize+aes.BlockSize {
		h := md5.New()
		h.Write(prev)
		h.Write(passphrase)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:aes256KeySize], derived[aes256KeySize : aes256KeySize+aes.BlockSize]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
