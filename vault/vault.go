// Package vault encrypts and decrypts account signing keys at rest.
//
// Payloads are "<iv hex>:<ciphertext hex>" produced by AES-256-CBC with
// PKCS#7 padding; the key is SHA-256 of the shared bot secret.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingSecret is returned when no shared secret was configured.
	ErrMissingSecret = errors.New("vault: missing BOT_SECRET")
	// ErrMalformedPayload is returned when a ciphertext cannot be decoded or unpadded.
	ErrMalformedPayload = errors.New("vault: malformed payload")
)

// Vault holds the derived symmetric key.
type Vault struct {
	key [32]byte
}

// New derives the encryption key from secret.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Vault{key: sha256.Sum256([]byte(secret))}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return "", fmt.Errorf("vault: init cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt opens a payload produced by Encrypt.
func (v *Vault) Decrypt(payload string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(strings.TrimSpace(payload), ":")
	if !ok {
		return "", fmt.Errorf("%w: missing separator", ErrMalformedPayload)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: bad iv", ErrMalformedPayload)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: bad ciphertext", ErrMalformedPayload)
	}

	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return "", fmt.Errorf("vault: init cipher: %w", err)
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad block length", ErrMalformedPayload)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		// Wrong key or corrupted ciphertext.
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedPayload)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedPayload)
		}
	}
	return data[:len(data)-n], nil
}
