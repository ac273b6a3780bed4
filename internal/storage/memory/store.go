// Package memory implements storage.Provider over bounded LRU caches.
// Nothing survives Close. Every operation behaves exactly as the sqlite
// backend does, as long as no cache has evicted an entry.
package memory

import (
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// DefaultCacheSize is the per-cache entry limit.
const DefaultCacheSize = 1000

type groupRow struct {
	group      types.Group // AdminPubkeys is nil; decoded from adminsJSON
	adminsJSON []byte
}

type messageRow struct {
	msg       types.Message // Tags and Event are decoded from the JSON forms
	tagsJSON  string
	eventJSON []byte
}

type welcomeRow struct {
	welcome    types.Welcome
	adminsJSON []byte
	relaysJSON []byte
	eventJSON  []byte
}

type epochLeaf struct {
	epoch uint64
	leaf  uint32
}

// groupState is the group-scoped MLS state plus the group's relays and
// exporter secrets. It is the unit captured by snapshots.
type groupState struct {
	group     *groupRow
	relays    []string
	secrets   map[uint64][32]byte
	groupData map[storage.GroupDataKind][]byte
	proposals map[string][]byte
	leafNodes [][]byte
	epochKeys map[epochLeaf][]byte
}

type snapshot struct {
	state     groupState
	createdAt uint64
}

// Store is the volatile storage.Provider.
type Store struct {
	// mu is held shared by every operation and exclusively only by Close,
	// Snapshot and Restore, which swap or copy every cache at once. The
	// caches lock internally and stored values are copy-on-write, so
	// group-scoped operations need nothing beyond that group's entry in
	// locks: shared for reads and snapshot create, exclusive for writes and
	// restore. Operations on other groups never wait on it.
	mu    sync.RWMutex
	locks storage.GroupLocks

	// indexMu keeps the nostr group id index unique across groups.
	indexMu sync.Mutex
	// tablesMu guards the wrapper-keyed tables (processed messages,
	// welcomes) whose compound updates span groups.
	tablesMu sync.RWMutex
	snapMu   sync.Mutex

	groups       *lru.Cache[string, *groupRow]
	nostrIndex   *lru.Cache[[32]byte, string]
	relays       *lru.Cache[string, []string]
	secrets      *lru.Cache[string, map[uint64][32]byte]
	messages     *lru.Cache[string, map[nostr.EventID]*messageRow]
	processed    *lru.Cache[nostr.EventID, types.ProcessedMessage]
	welcomes     *lru.Cache[nostr.EventID, *welcomeRow]
	processedWel *lru.Cache[nostr.EventID, types.ProcessedWelcome]

	groupData   *lru.Cache[string, map[storage.GroupDataKind][]byte]
	proposals   *lru.Cache[string, map[string][]byte]
	leafNodes   *lru.Cache[string, [][]byte]
	epochKeys   *lru.Cache[string, map[epochLeaf][]byte]
	keyPackages *lru.Cache[string, []byte]
	encKeys     *lru.Cache[string, []byte]
	sigKeys     *lru.Cache[string, []byte]

	snapshots map[string]map[string]*snapshot

	cacheSize int
	clock     clockwork.Clock
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCacheSize bounds every cache to n entries.
func WithCacheSize(n int) Option {
	return func(s *Store) { s.cacheSize = n }
}

// WithClock sets the clock used for snapshot timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an empty Store.
func New(opts ...Option) (*Store, error) {
	s := &Store{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheSize < 1 {
		return nil, storage.InvalidParameters("cache size must be positive, got %d", s.cacheSize)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.reset()
	return s, nil
}

func newCache[K comparable, V any](size int) *lru.Cache[K, V] {
	c, err := lru.New[K, V](size)
	if err != nil {
		// Only a non-positive size fails, and New rejects that.
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}
	return c
}

func (s *Store) reset() {
	n := s.cacheSize
	s.groups = newCache[string, *groupRow](n)
	s.nostrIndex = newCache[[32]byte, string](n)
	s.relays = newCache[string, []string](n)
	s.secrets = newCache[string, map[uint64][32]byte](n)
	s.messages = newCache[string, map[nostr.EventID]*messageRow](n)
	s.processed = newCache[nostr.EventID, types.ProcessedMessage](n)
	s.welcomes = newCache[nostr.EventID, *welcomeRow](n)
	s.processedWel = newCache[nostr.EventID, types.ProcessedWelcome](n)
	s.groupData = newCache[string, map[storage.GroupDataKind][]byte](n)
	s.proposals = newCache[string, map[string][]byte](n)
	s.leafNodes = newCache[string, [][]byte](n)
	s.epochKeys = newCache[string, map[epochLeaf][]byte](n)
	s.keyPackages = newCache[string, []byte](n)
	s.encKeys = newCache[string, []byte](n)
	s.sigKeys = newCache[string, []byte](n)
	s.snapshots = make(map[string]map[string]*snapshot)
}

func (s *Store) Backend() storage.Backend {
	return storage.BackendMemory
}

// Close drops all data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func (s *Store) now() uint64 {
	return uint64(s.clock.Now().Unix())
}

// readGroup takes id's lock shared. The returned func releases it.
func (s *Store) readGroup(id types.GroupID) func() {
	unlock := s.locks.RLock(id)
	s.mu.RLock()
	return func() {
		s.mu.RUnlock()
		unlock()
	}
}

// writeGroup takes id's lock exclusively. The returned func releases it.
func (s *Store) writeGroup(id types.GroupID) func() {
	unlock := s.locks.Lock(id)
	s.mu.RLock()
	return func() {
		s.mu.RUnlock()
		unlock()
	}
}

var _ storage.Provider = (*Store)(nil)

// cloneBlob copies b. The copy is never nil.
func cloneBlob(b []byte) []byte {
	return append([]byte{}, b...)
}
