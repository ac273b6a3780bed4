package nostr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Keys is a secp256k1 key pair used to sign events.
type Keys struct {
	priv *btcec.PrivateKey
	pub  PublicKey
}

// GenerateKeys creates a random key pair.
func GenerateKeys() (*Keys, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return keysFromPrivate(priv), nil
}

// KeysFromSecret loads a key pair from a 32 byte secret.
func KeysFromSecret(secret []byte) (*Keys, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(secret))
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	return keysFromPrivate(priv), nil
}

func keysFromPrivate(priv *btcec.PrivateKey) *Keys {
	var pub PublicKey
	copy(pub[:], schnorr.SerializePubKey(priv.PubKey()))
	return &Keys{priv: priv, pub: pub}
}

func (k *Keys) PublicKey() PublicKey {
	return k.pub
}

// Secret returns the raw 32 byte secret key.
func (k *Keys) Secret() []byte {
	return k.priv.Serialize()
}

// Sign sets PubKey, ID and Sig on e.
func (k *Keys) Sign(e *Event) error {
	e.PubKey = k.pub
	e.EnsureID()
	sig, err := schnorr.Sign(k.priv, e.ID[:])
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	var s Signature
	copy(s[:], sig.Serialize())
	e.Sig = &s
	return nil
}

// Verify checks the id and signature of a signed event.
func (e *Event) Verify() error {
	if err := e.CheckID(); err != nil {
		return err
	}
	if e.Sig == nil {
		return ErrMissingSignature
	}
	pub, err := schnorr.ParsePubKey(e.PubKey[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sig, err := schnorr.ParseSignature(e.Sig[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !sig.Verify(e.ID[:], pub) {
		return ErrBadSignature
	}
	return nil
}
