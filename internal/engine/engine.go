// Package engine drives MLS groups over Nostr events. It turns local intents
// into events for the caller to publish, processes inbound events, and
// resolves commit races by rolling back to group snapshots.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/relves/mdk/internal/metrics"
	"github.com/relves/mdk/internal/mls"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

const (
	DefaultMaxEventAge       = 45 * 24 * time.Hour
	DefaultSnapshotRetention = 5
	DefaultSnapshotTTL       = 7 * 24 * time.Hour
)

// Config tunes the engine. Zero fields take the defaults.
type Config struct {
	// MaxEventAge rejects inbound events created longer ago than this.
	MaxEventAge time.Duration
	// SnapshotRetention is how many pre-commit snapshots are kept per group.
	SnapshotRetention int
	// SnapshotTTL releases snapshots older than this on Prune.
	SnapshotTTL time.Duration
	// MaxPastEpochs bounds how far back the outer event layer looks for an
	// exporter secret.
	MaxPastEpochs int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxEventAge:       DefaultMaxEventAge,
		SnapshotRetention: DefaultSnapshotRetention,
		SnapshotTTL:       DefaultSnapshotTTL,
		MaxPastEpochs:     mls.DefaultMaxPastEpochs,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEventAge > 0 {
		d.MaxEventAge = c.MaxEventAge
	}
	if c.SnapshotRetention > 0 {
		d.SnapshotRetention = c.SnapshotRetention
	}
	if c.SnapshotTTL > 0 {
		d.SnapshotTTL = c.SnapshotTTL
	}
	if c.MaxPastEpochs > 0 {
		d.MaxPastEpochs = c.MaxPastEpochs
	}
	return d
}

// Signer is the local member's Nostr identity. *nostr.Keys satisfies it.
type Signer interface {
	PublicKey() nostr.PublicKey
	Sign(*nostr.Event) error
}

// RollbackInfo describes a resolved commit race.
type RollbackInfo struct {
	GroupID types.GroupID
	// TargetEpoch is the epoch the group was restored to before the
	// winning commit was applied.
	TargetEpoch  uint64
	NewHeadEvent nostr.EventID
	// InvalidatedMessages are message ids decrypted under the losing
	// commit's keys.
	InvalidatedMessages []nostr.EventID
	// MessagesNeedingRefetch are wrapper ids now retryable; the caller
	// should fetch and process them again.
	MessagesNeedingRefetch []nostr.EventID
}

// Callback observes engine events. Calls are synchronous and made after
// the group lock is released, in the order the events happened.
type Callback interface {
	OnRollback(info RollbackInfo)
	OnEpochAdvanced(id types.GroupID, epoch uint64)
	OnApplicationMessage(msg types.Message)
}

// NopCallback ignores every event. Embed it to implement a subset.
type NopCallback struct{}

func (NopCallback) OnRollback(RollbackInfo)               {}
func (NopCallback) OnEpochAdvanced(types.GroupID, uint64) {}
func (NopCallback) OnApplicationMessage(types.Message)    {}

var (
	ErrWrongKind          = errors.New("unexpected event kind")
	ErrEventTooOld        = errors.New("event is older than the maximum event age")
	ErrMissingGroupTag    = errors.New("event has no valid h tag")
	ErrUnknownGroup       = errors.New("event is for an unknown group")
	ErrNotAdmin           = errors.New("local member is not a group admin")
	ErrCommitFromNonAdmin = errors.New("commit with proposals from a non-admin")
	ErrCreatorNotAdmin    = errors.New("group creator must be an admin")
	ErrCreatorIsMember    = errors.New("group creator cannot be in the member list")
	ErrKeyPackageIdentity = errors.New("key package identity does not match event author")
	ErrAuthorMismatch     = errors.New("inner event author is not the MLS sender")
	ErrWelcomeNotFound    = errors.New("welcome not found")
	ErrWelcomeNotPending  = errors.New("welcome is not pending")
	ErrWelcomeFailed      = errors.New("welcome previously failed to process")
	ErrRemoveSelf         = errors.New("use LeaveGroup to remove the local member")
	ErrSnapshotFailed     = errors.New("failed to snapshot group before commit")
)

// Engine is safe for concurrent use. Calls for one group are serialized.
type Engine struct {
	store    storage.Provider
	mls      mls.Provider
	signer   Signer
	cfg      Config
	callback Callback
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Engine

	locks     storage.GroupLocks
	snapshots *SnapshotManager

	pendingMu sync.Mutex
	pending   map[string]pendingCommit

	notifyMu      sync.Mutex
	notifications map[string][]func(Callback)
}

// pendingCommit is the wrapper event of a local commit awaiting merge.
type pendingCommit struct {
	eventID   nostr.EventID
	createdAt nostr.Timestamp
}

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg.withDefaults()
	}
}

func WithCallback(cb Callback) Option {
	return func(e *Engine) {
		if cb != nil {
			e.callback = cb
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithMetrics(m *metrics.Engine) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an engine for the member signer over store and provider.
// provider must persist through store so snapshots cover its state.
func New(store storage.Provider, provider mls.Provider, signer Signer, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		mls:      provider,
		signer:   signer,
		cfg:      DefaultConfig(),
		callback: NopCallback{},
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		pending:  make(map[string]pendingCommit),

		notifications: make(map[string][]func(Callback)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.snapshots = newSnapshotManager(store, e.cfg.SnapshotRetention, e.cfg.SnapshotTTL, e.clock, e.logger, e.metrics)
	return e
}

// Identity returns the local member's public key.
func (e *Engine) Identity() nostr.PublicKey {
	return e.signer.PublicKey()
}

// Snapshots returns the engine's snapshot registry.
func (e *Engine) Snapshots() *SnapshotManager {
	return e.snapshots
}

func (e *Engine) now() nostr.Timestamp {
	return nostr.TimestampFrom(e.clock.Now())
}

func (e *Engine) setPending(id types.GroupID, p pendingCommit) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pending[id.Key()] = p
}

// takePending removes and returns the pending commit of a group. After a
// restart the map is empty and the zero value is returned.
func (e *Engine) takePending(id types.GroupID) pendingCommit {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	p := e.pending[id.Key()]
	delete(e.pending, id.Key())
	return p
}

// lock takes the group's write lock. Notifications queued while it is held
// are delivered once it is released.
func (e *Engine) lock(id types.GroupID) func() {
	unlock := e.locks.Lock(id)
	return func() {
		e.notifyMu.Lock()
		queued := e.notifications[id.Key()]
		delete(e.notifications, id.Key())
		e.notifyMu.Unlock()

		unlock()
		for _, fn := range queued {
			fn(e.callback)
		}
	}
}

// notify queues a callback for delivery when the group lock is released.
// Callers hold the group lock.
func (e *Engine) notify(id types.GroupID, fn func(Callback)) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.notifications[id.Key()] = append(e.notifications[id.Key()], fn)
}
