package sqlite

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/relves/mdk/internal/keyring"
	"github.com/relves/mdk/pkg/nostr"
)

// DefaultServiceID is the keyring service under which database keys live.
const DefaultServiceID = "mdk"

// StoreManager manages one Store per local identity with caching.
// Databases live at <basePath>/identities/<pubkey hex>/mdk.db.
type StoreManager struct {
	basePath  string
	keyring   keyring.Store
	serviceID string
	encrypted bool
	opts      []Option

	stores map[nostr.PublicKey]*Store
	mu     sync.RWMutex
}

// ManagerOption configures a StoreManager.
type ManagerOption func(*StoreManager)

// WithKeyring encrypts every managed database with a key from kr. A nil
// kr uses the process-wide keyring.
func WithKeyring(kr keyring.Store, serviceID string) ManagerOption {
	return func(m *StoreManager) {
		m.encrypted = true
		m.keyring = kr
		m.serviceID = serviceID
	}
}

// WithStoreOptions passes opts to every Store the manager opens.
func WithStoreOptions(opts ...Option) ManagerOption {
	return func(m *StoreManager) { m.opts = append(m.opts, opts...) }
}

// NewStoreManager creates a new StoreManager.
func NewStoreManager(basePath string, opts ...ManagerOption) *StoreManager {
	m := &StoreManager{
		basePath:  basePath,
		serviceID: DefaultServiceID,
		stores:    make(map[nostr.PublicKey]*Store),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DBPath returns the database path for an identity.
func (m *StoreManager) DBPath(identity nostr.PublicKey) string {
	return filepath.Join(m.basePath, "identities", identity.Hex(), "mdk.db")
}

// GetStore returns the Store for the given identity, opening it on first use.
func (m *StoreManager) GetStore(identity nostr.PublicKey) (*Store, error) {
	m.mu.RLock()
	if store, ok := m.stores[identity]; ok {
		m.mu.RUnlock()
		return store, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if store, ok := m.stores[identity]; ok {
		return store, nil
	}

	var (
		store *Store
		err   error
	)
	if m.encrypted {
		store, err = OpenWithKeyring(m.DBPath(identity), m.keyring, m.serviceID, identity.Hex(), m.opts...)
	} else {
		store, err = Open(m.DBPath(identity), m.opts...)
	}
	if err != nil {
		return nil, err
	}

	m.stores[identity] = store
	return store, nil
}

// CloseAll closes all cached stores.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.stores = make(map[nostr.PublicKey]*Store)
	return errors.Join(errs...)
}

// BasePath returns the base path for identity databases.
func (m *StoreManager) BasePath() string {
	return m.basePath
}
