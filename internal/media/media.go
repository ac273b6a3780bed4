// Package media encrypts files shared in a group. The key for each file is
// derived from the group's exporter secret, so every member of the epoch
// the file was sent in can decrypt it.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ipfs/go-cid"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/pkg/types"
)

// SchemeVersion is the only supported encryption scheme.
const SchemeVersion = "mip04-v2"

var (
	ErrInvalidMimeType    = errors.New("invalid mime type")
	ErrInvalidFilename    = errors.New("invalid filename")
	ErrFileTooLarge       = errors.New("file too large")
	ErrInvalidImeta       = errors.New("invalid imeta tag")
	ErrUnsupportedVersion = errors.New("unsupported media scheme version")
	ErrNoExporterSecret   = errors.New("no exporter secret for epoch")
	ErrDecrypt            = errors.New("media decryption failed")
	ErrHashMismatch       = errors.New("decrypted media hash mismatch")
	ErrInvalidLocator     = errors.New("invalid media locator")
	ErrLocatorMismatch    = errors.New("blob does not match locator")
)

// Secrets resolves group exporter secrets. *engine.Engine implements it.
type Secrets interface {
	ExporterSecret(ctx context.Context, id types.GroupID) (*types.GroupExporterSecret, error)
	ExporterSecretAt(ctx context.Context, id types.GroupID, epoch uint64) (*types.GroupExporterSecret, error)
}

// EpochIndex finds the epoch of the message that referenced a file.
type EpochIndex interface {
	FindMessageEpochByTagContent(ctx context.Context, id types.GroupID, substr string) (*uint64, error)
}

// Upload is an encrypted file ready to be sent to a blob server.
type Upload struct {
	Ciphertext    []byte
	Locator       cid.Cid
	OriginalHash  [32]byte
	EncryptedHash [32]byte
	MimeType      string
	Filename      string
	OriginalSize  uint64
	EncryptedSize uint64
	Nonce         [12]byte
	Epoch         uint64
}

type Dimensions struct {
	Width, Height uint32
}

// Reference is what a receiver needs to fetch and decrypt a file.
type Reference struct {
	URL          string
	OriginalHash [32]byte
	MimeType     string
	Filename     string
	Dimensions   *Dimensions
	Version      string
	Nonce        [12]byte
}

type Manager struct {
	secrets     Secrets
	index       EpochIndex
	maxFileSize int
	logger      *slog.Logger
}

type Option func(*Manager)

func WithMaxFileSize(n int) Option {
	return func(m *Manager) { m.maxFileSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func New(secrets Secrets, index EpochIndex, opts ...Option) *Manager {
	m := &Manager{
		secrets:     secrets,
		index:       index,
		maxFileSize: MaxFileSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Encrypt seals data under the group's current epoch.
func (m *Manager) Encrypt(ctx context.Context, id types.GroupID, data []byte, mimeType, filename string) (*Upload, error) {
	if len(data) > m.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, len(data), m.maxFileSize)
	}
	mimeType, err := CanonicalMimeType(mimeType)
	if err != nil {
		return nil, err
	}
	if err := validateFilename(filename); err != nil {
		return nil, err
	}

	secret, err := m.secrets.ExporterSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(data)
	key, err := deriveKey(secret.Secret[:], hash, mimeType, filename)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.SealWithNonce(key[:], nonce, data, aad(hash, mimeType, filename))
	if err != nil {
		return nil, err
	}
	locator, err := Locator(ciphertext)
	if err != nil {
		return nil, err
	}
	return &Upload{
		Ciphertext:    ciphertext,
		Locator:       locator,
		OriginalHash:  hash,
		EncryptedHash: digest(locator),
		MimeType:      mimeType,
		Filename:      filename,
		OriginalSize:  uint64(len(data)),
		EncryptedSize: uint64(len(ciphertext)),
		Nonce:         nonce,
		Epoch:         secret.Epoch,
	}, nil
}

// Reference returns the reference receivers use once u is stored at url.
func (m *Manager) Reference(u *Upload, url string) Reference {
	return Reference{
		URL:          url,
		OriginalHash: u.OriginalHash,
		MimeType:     u.MimeType,
		Filename:     u.Filename,
		Version:      SchemeVersion,
		Nonce:        u.Nonce,
	}
}

// Decrypt opens a downloaded file. The key comes from the epoch of the
// message whose imeta tag carried ref, falling back to the current epoch.
func (m *Manager) Decrypt(ctx context.Context, id types.GroupID, ciphertext []byte, ref *Reference) ([]byte, error) {
	if ref.Version != SchemeVersion {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, ref.Version)
	}
	data, err := m.decryptAtHintedEpoch(ctx, id, ciphertext, ref)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrNoExporterSecret) && !errors.Is(err, ErrDecrypt) {
		return nil, err
	}
	m.logger.Debug("epoch hint unusable, trying current epoch", "group", id.Hex(), "error", err)

	secret, err := m.secrets.ExporterSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	return open(secret.Secret[:], ciphertext, ref)
}

func (m *Manager) decryptAtHintedEpoch(ctx context.Context, id types.GroupID, ciphertext []byte, ref *Reference) ([]byte, error) {
	epoch, err := m.index.FindMessageEpochByTagContent(ctx, id, "x "+hex.EncodeToString(ref.OriginalHash[:]))
	if err != nil {
		return nil, fmt.Errorf("%w: epoch lookup: %v", ErrDecrypt, err)
	}
	if epoch == nil {
		return nil, fmt.Errorf("%w: no message references this file", ErrDecrypt)
	}
	secret, err := m.secrets.ExporterSecretAt(ctx, id, *epoch)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, fmt.Errorf("%w %d", ErrNoExporterSecret, *epoch)
	}
	return open(secret.Secret[:], ciphertext, ref)
}

func open(secret, ciphertext []byte, ref *Reference) ([]byte, error) {
	key, err := deriveKey(secret, ref.OriginalHash, ref.MimeType, ref.Filename)
	if err != nil {
		return nil, err
	}
	data, err := crypto.OpenWithNonce(key[:], ref.Nonce, ciphertext, aad(ref.OriginalHash, ref.MimeType, ref.Filename))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if sha256.Sum256(data) != ref.OriginalHash {
		return nil, ErrHashMismatch
	}
	return data, nil
}

// aad is scheme, hash, mime type and filename joined by zero bytes.
func aad(hash [32]byte, mimeType, filename string) []byte {
	out := make([]byte, 0, len(SchemeVersion)+len(hash)+len(mimeType)+len(filename)+3)
	out = append(out, SchemeVersion...)
	out = append(out, 0)
	out = append(out, hash[:]...)
	out = append(out, 0)
	out = append(out, mimeType...)
	out = append(out, 0)
	out = append(out, filename...)
	return out
}

func deriveKey(secret []byte, hash [32]byte, mimeType, filename string) ([crypto.KeySize]byte, error) {
	info := append(aad(hash, mimeType, filename), 0)
	info = append(info, "key"...)
	return crypto.DeriveKey(secret, nil, info)
}
