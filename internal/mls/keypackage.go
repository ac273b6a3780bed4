package mls

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/internal/extension"
	"github.com/relves/mdk/pkg/nostr"
)

const (
	// ProtocolVersion is advertised in key package events.
	ProtocolVersion = "1.0"
	// Ciphersuite is MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519.
	Ciphersuite uint16 = 0x0003
)

// KeyPackage is a signed bundle of a member's public keys.
type KeyPackage struct {
	Identity      nostr.PublicKey
	InitKey       [32]byte
	EncryptionKey [32]byte
	SignatureKey  ed25519.PublicKey
	Capabilities  []uint16
	LastResort    bool

	raw []byte
}

// Bytes returns the signed encoding.
func (kp *KeyPackage) Bytes() []byte {
	return slices.Clone(kp.raw)
}

// Ref is the hash reference under which the private half is stored.
func (kp *KeyPackage) Ref() []byte {
	sum := sha256.Sum256(kp.raw)
	return sum[:]
}

type keyPackageTBS struct {
	Ciphersuite   uint16          `json:"ciphersuite"`
	Identity      nostr.PublicKey `json:"identity"`
	InitKey       []byte          `json:"init_key"`
	EncryptionKey []byte          `json:"encryption_key"`
	SignatureKey  []byte          `json:"signature_key"`
	Capabilities  []uint16        `json:"capabilities"`
	LastResort    bool            `json:"last_resort,omitempty"`
}

type signedKeyPackage struct {
	TBS       []byte `json:"tbs"`
	Signature []byte `json:"signature"`
}

// keyPackageRecord is the private half kept until the package is used.
type keyPackageRecord struct {
	Raw         []byte `json:"raw"`
	InitPrivate []byte `json:"init_private"`
}

// leafKeys are the private keys behind a leaf.
type leafKeys struct {
	encryption crypto.X25519KeyPair
	signing    ed25519.PrivateKey
}

func newLeafKeys() (leafKeys, error) {
	enc, err := crypto.GenerateX25519()
	if err != nil {
		return leafKeys{}, fmt.Errorf("generate encryption key: %w", err)
	}
	_, sig, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return leafKeys{}, fmt.Errorf("generate signature key: %w", err)
	}
	return leafKeys{encryption: enc, signing: sig}, nil
}

func (r *Ratchet) saveLeafKeys(ctx context.Context, keys leafKeys) error {
	if err := r.store.WriteEncryptionKeyPair(ctx, keys.encryption.Public[:], keys.encryption.Private[:]); err != nil {
		return err
	}
	pub := keys.signing.Public().(ed25519.PublicKey)
	return r.store.WriteSignatureKeyPair(ctx, pub, keys.signing)
}

// GenerateKeyPackage creates a key package for identity and stores its
// private keys.
func (r *Ratchet) GenerateKeyPackage(ctx context.Context, identity nostr.PublicKey, lastResort bool) (*KeyPackage, error) {
	init, err := crypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("generate init key: %w", err)
	}
	keys, err := newLeafKeys()
	if err != nil {
		return nil, err
	}
	tbs := keyPackageTBS{
		Ciphersuite:   Ciphersuite,
		Identity:      identity,
		InitKey:       init.Public[:],
		EncryptionKey: keys.encryption.Public[:],
		SignatureKey:  keys.signing.Public().(ed25519.PublicKey),
		Capabilities:  extension.Capabilities(),
		LastResort:    lastResort,
	}
	body, err := json.Marshal(tbs)
	if err != nil {
		return nil, fmt.Errorf("marshal key package: %w", err)
	}
	raw, err := json.Marshal(signedKeyPackage{TBS: body, Signature: ed25519.Sign(keys.signing, body)})
	if err != nil {
		return nil, fmt.Errorf("marshal key package: %w", err)
	}
	kp, err := r.ParseKeyPackage(raw)
	if err != nil {
		return nil, err
	}

	record, err := json.Marshal(keyPackageRecord{Raw: raw, InitPrivate: init.Private[:]})
	if err != nil {
		return nil, fmt.Errorf("marshal key package record: %w", err)
	}
	if err := r.store.WriteKeyPackage(ctx, kp.Ref(), record); err != nil {
		return nil, err
	}
	if err := r.saveLeafKeys(ctx, keys); err != nil {
		return nil, err
	}
	r.logger.Debug("generated key package", "identity", identity.Hex(), "last_resort", lastResort)
	return kp, nil
}

// ParseKeyPackage decodes and verifies a key package.
func (r *Ratchet) ParseKeyPackage(data []byte) (*KeyPackage, error) {
	return parseKeyPackage(data)
}

func parseKeyPackage(data []byte) (*KeyPackage, error) {
	var signed signedKeyPackage
	if err := json.Unmarshal(data, &signed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPackage, err)
	}
	var tbs keyPackageTBS
	if err := json.Unmarshal(signed.TBS, &tbs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPackage, err)
	}
	if tbs.Ciphersuite != Ciphersuite {
		return nil, fmt.Errorf("%w: unsupported ciphersuite 0x%04x", ErrInvalidKeyPackage, tbs.Ciphersuite)
	}
	if len(tbs.InitKey) != 32 || len(tbs.EncryptionKey) != 32 || len(tbs.SignatureKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad key length", ErrInvalidKeyPackage)
	}
	if !ed25519.Verify(tbs.SignatureKey, signed.TBS, signed.Signature) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyPackage, ErrInvalidSignature)
	}
	if err := extension.CheckRequired(tbs.Capabilities, extension.RequiredCapabilities()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingCapability, err)
	}
	kp := &KeyPackage{
		Identity:     tbs.Identity,
		SignatureKey: ed25519.PublicKey(tbs.SignatureKey),
		Capabilities: tbs.Capabilities,
		LastResort:   tbs.LastResort,
		raw:          slices.Clone(data),
	}
	copy(kp.InitKey[:], tbs.InitKey)
	copy(kp.EncryptionKey[:], tbs.EncryptionKey)
	return kp, nil
}

// DeleteKeyPackage removes the private half of kp and its encryption key.
// The signature key stays: groups joined through kp still sign with it.
func (r *Ratchet) DeleteKeyPackage(ctx context.Context, kp *KeyPackage) error {
	if err := r.store.DeleteKeyPackage(ctx, kp.Ref()); err != nil {
		return err
	}
	return r.store.DeleteEncryptionKeyPair(ctx, kp.EncryptionKey[:])
}

func (r *Ratchet) loadKeyPackage(ctx context.Context, ref []byte) (*KeyPackage, [32]byte, error) {
	var init [32]byte
	data, err := r.store.ReadKeyPackage(ctx, ref)
	if err != nil {
		return nil, init, err
	}
	if data == nil {
		return nil, init, ErrKeyPackageNotFound
	}
	var record keyPackageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, init, fmt.Errorf("decode key package record: %w", err)
	}
	kp, err := parseKeyPackage(record.Raw)
	if err != nil {
		return nil, init, err
	}
	copy(init[:], record.InitPrivate)
	return kp, init, nil
}

func (r *Ratchet) loadLeafKeys(ctx context.Context, encPub [32]byte, sigPub ed25519.PublicKey) (leafKeys, error) {
	enc, err := r.store.ReadEncryptionKeyPair(ctx, encPub[:])
	if err != nil {
		return leafKeys{}, err
	}
	sig, err := r.store.ReadSignatureKeyPair(ctx, sigPub)
	if err != nil {
		return leafKeys{}, err
	}
	if len(enc) != 32 || len(sig) != ed25519.PrivateKeySize {
		return leafKeys{}, fmt.Errorf("%w: leaf keys missing", ErrKeyPackageNotFound)
	}
	keys := leafKeys{signing: ed25519.PrivateKey(sig)}
	copy(keys.encryption.Private[:], enc)
	keys.encryption.Public = encPub
	return keys, nil
}
