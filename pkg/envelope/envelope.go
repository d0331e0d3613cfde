// Package envelope provides the AEAD encryption discipline for everything the
// vault stores or ships: AES-256-GCM over a 32-byte key, with the associated
// data binding each ciphertext to its domain and owner so a blob lifted from
// one column or one remote path cannot be replayed into another.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

const nonceSize = 12

// ErrAuthFail is returned when GCM tag verification fails: wrong key, wrong
// AAD, or a tampered ciphertext. Callers must not retry.
var ErrAuthFail = errors.New("envelope: authentication failed")

// Encrypt seals plaintext under key with aad as associated data.
// The 12-byte random nonce is prepended to the returned ciphertext, so
// identical (key, aad, plaintext) inputs never produce identical output.
func Encrypt(key []byte, plaintext []byte, aad string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, []byte(aad)), nil
}

// Decrypt opens a ciphertext produced by Encrypt. The aad must be
// bit-identical to the one supplied at encryption time.
func Decrypt(key []byte, ciphertext []byte, aad string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < nonceSize {
		return nil, ErrAuthFail
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(aad))
	if err != nil {
		return nil, ErrAuthFail
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
