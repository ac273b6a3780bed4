package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// X25519KeyPair is a Curve25519 key agreement key pair.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519 returns a fresh key pair. The private key is clamped per RFC 7748.
func GenerateX25519() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, err
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

const sealInfo = "mdk seal v1"

// SealTo encrypts plaintext to recipient using an ephemeral key.
// Output is ephemeral public key || nonce || ciphertext.
func SealTo(recipient [32]byte, plaintext, additionalData []byte) ([]byte, error) {
	eph, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	key, err := sealKey(eph.Private, recipient, eph.Public, recipient)
	if err != nil {
		return nil, err
	}
	c, err := NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	body, err := c.Seal(plaintext, additionalData)
	if err != nil {
		return nil, err
	}
	return append(eph.Public[:], body...), nil
}

// OpenFrom decrypts the output of SealTo with the recipient's key pair.
func OpenFrom(kp X25519KeyPair, sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < 32 {
		return nil, ErrCiphertextTooShort
	}
	var ephPub [32]byte
	copy(ephPub[:], sealed[:32])
	key, err := sealKey(kp.Private, ephPub, ephPub, kp.Public)
	if err != nil {
		return nil, err
	}
	c, err := NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return c.Open(sealed[32:], additionalData)
}

func sealKey(priv, peer, ephPub, recipient [32]byte) ([KeySize]byte, error) {
	shared, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return [KeySize]byte{}, fmt.Errorf("x25519: %w", err)
	}
	salt := append(ephPub[:], recipient[:]...)
	return DeriveKey(shared, salt, []byte(sealInfo))
}
