// Package crypto provides the symmetric and key-agreement helpers shared by
// the storage encryption layer, the MLS provider and media encryption.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every symmetric key in this package.
const KeySize = chacha20poly1305.KeySize

var (
	ErrInvalidKeyLength   = errors.New("key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecrypt            = errors.New("message authentication failed")
)

// Cipher is ChaCha20-Poly1305 with a random nonce prepended to the output.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher for a 32 byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}

// Seal encrypts plaintext bound to additionalData.
func (c *Cipher) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open decrypts the output of Seal.
func (c *Cipher) Open(ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize()+c.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce, body := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, body, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// SealWithNonce encrypts with a caller supplied 12 byte nonce and returns
// only the ciphertext. Used where the nonce travels separately.
func SealWithNonce(key []byte, nonce [12]byte, plaintext, additionalData []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, additionalData), nil
}

// OpenWithNonce reverses SealWithNonce.
func OpenWithNonce(key []byte, nonce [12]byte, ciphertext, additionalData []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// DeriveKey expands secret into a 32 byte key with HKDF-SHA256.
func DeriveKey(secret, salt, info []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	r := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// RandomKey returns 32 random bytes.
func RandomKey() ([KeySize]byte, error) {
	var k [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("read random key: %w", err)
	}
	return k, nil
}

// RandomNonce returns 12 random bytes.
func RandomNonce() ([12]byte, error) {
	var n [12]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("read random nonce: %w", err)
	}
	return n, nil
}
