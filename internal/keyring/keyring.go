// Package keyring resolves database encryption keys through a platform
// keyring. The process-wide store is initialized once; encrypted storage
// refuses to open before that happens.
package keyring

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	gokeyring "github.com/zalando/go-keyring"
	"golang.org/x/sync/singleflight"

	"github.com/relves/mdk/internal/crypto"
)

var (
	ErrNotFound       = errors.New("keyring entry not found")
	ErrNotInitialized = errors.New("keyring not initialized")
	ErrInvalidEntry   = errors.New("keyring entry is not a 32 byte key")
)

// Store is a secret store addressed by (service, key).
type Store interface {
	Get(service, key string) ([]byte, error)
	Set(service, key string, secret []byte) error
	Delete(service, key string) error
}

var (
	mu      sync.RWMutex
	global  Store
	keyInit singleflight.Group
)

// Init installs the process-wide store. Only the first call has an effect;
// it reports whether this call installed s.
func Init(s Store) bool {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return false
	}
	global = s
	return true
}

// Default returns the process-wide store.
func Default() (Store, error) {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return nil, ErrNotInitialized
	}
	return global, nil
}

// GetKey loads a 32 byte key. It returns ErrNotFound when no entry exists.
func GetKey(s Store, service, keyID string) ([crypto.KeySize]byte, error) {
	var key [crypto.KeySize]byte
	raw, err := s.Get(service, keyID)
	if err != nil {
		return key, err
	}
	if len(raw) != crypto.KeySize {
		return key, fmt.Errorf("%w: got %d bytes", ErrInvalidEntry, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// GetOrCreateKey loads the key for (service, keyID), generating and
// storing a fresh one when absent. Concurrent callers share one creation.
func GetOrCreateKey(s Store, service, keyID string) ([crypto.KeySize]byte, error) {
	v, err, _ := keyInit.Do(service+"\x00"+keyID, func() (any, error) {
		key, err := GetKey(s, service, keyID)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		key, err = crypto.RandomKey()
		if err != nil {
			return nil, err
		}
		if err := s.Set(service, keyID, key[:]); err != nil {
			return nil, fmt.Errorf("store key: %w", err)
		}
		return key, nil
	})
	if err != nil {
		return [crypto.KeySize]byte{}, err
	}
	return v.([crypto.KeySize]byte), nil
}

// OSStore is backed by the platform keyring (Keychain, Secret Service,
// Windows Credential Manager). Secrets are stored hex encoded.
type OSStore struct{}

func (OSStore) Get(service, key string) ([]byte, error) {
	v, err := gokeyring.Get(service, key)
	if errors.Is(err, gokeyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keyring get: %w", err)
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return b, nil
}

func (OSStore) Set(service, key string, secret []byte) error {
	if err := gokeyring.Set(service, key, hex.EncodeToString(secret)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

func (OSStore) Delete(service, key string) error {
	err := gokeyring.Delete(service, key)
	if errors.Is(err, gokeyring.ErrNotFound) {
		return nil
	}
	return err
}

// MemoryStore keeps secrets in process memory. Used by tests and
// ephemeral sessions.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

func (m *MemoryStore) Get(service, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[service+"\x00"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(service, key string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[service+"\x00"+key] = append([]byte(nil), secret...)
	return nil
}

func (m *MemoryStore) Delete(service, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, service+"\x00"+key)
	return nil
}
