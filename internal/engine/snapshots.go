package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/relves/mdk/internal/metrics"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// SnapshotEntry is a pre-commit snapshot and the commit applied on top of it.
type SnapshotEntry struct {
	Name string
	// Epoch is the source epoch the snapshot restores.
	Epoch     uint64
	CommitID  nostr.EventID
	CommitTS  nostr.Timestamp
	CreatedAt uint64
	// Hydrated entries were loaded from storage after a restart and carry
	// no commit timestamp.
	Hydrated bool
}

// beatenBy reports whether a commit (ts, id) for the same source epoch
// should replace the applied one: the earlier timestamp wins, then the
// smaller id. Entries without a known timestamp are never replaced.
func (s *SnapshotEntry) beatenBy(ts nostr.Timestamp, id nostr.EventID) bool {
	if s.Hydrated || s.CommitTS == 0 {
		return false
	}
	if c := cmp.Compare(ts, s.CommitTS); c != 0 {
		return c < 0
	}
	return id.Compare(s.CommitID) < 0
}

func snapshotName(id types.GroupID, epoch uint64, commit nostr.EventID) string {
	return fmt.Sprintf("snap_%s_%d_%s", id.Hex(), epoch, commit.Hex())
}

// parseSnapshotName is the inverse of snapshotName. Names in any other
// format are reported as not ok.
func parseSnapshotName(id types.GroupID, name string) (uint64, nostr.EventID, bool) {
	rest, ok := strings.CutPrefix(name, "snap_"+id.Hex()+"_")
	if !ok {
		return 0, nostr.EventID{}, false
	}
	epochStr, idHex, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, nostr.EventID{}, false
	}
	epoch, err := strconv.ParseUint(epochStr, 10, 64)
	if err != nil {
		return 0, nostr.EventID{}, false
	}
	commit, err := nostr.ParseEventID(idHex)
	if err != nil {
		return 0, nostr.EventID{}, false
	}
	return epoch, commit, true
}

// SnapshotManager tracks the rollback candidates of every group, oldest
// first. Callers hold the group lock for every group scoped call.
type SnapshotManager struct {
	store     storage.SnapshotStorage
	retention int
	ttl       time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *metrics.Engine

	mu       sync.Mutex
	groups   map[string][]SnapshotEntry
	hydrated map[string]bool
}

func newSnapshotManager(store storage.SnapshotStorage, retention int, ttl time.Duration, clock clockwork.Clock, logger *slog.Logger, m *metrics.Engine) *SnapshotManager {
	return &SnapshotManager{
		store:     store,
		retention: retention,
		ttl:       ttl,
		clock:     clock,
		logger:    logger,
		metrics:   m,
		groups:    make(map[string][]SnapshotEntry),
		hydrated:  make(map[string]bool),
	}
}

// hydrate loads the group's snapshots from storage once per process.
func (m *SnapshotManager) hydrate(ctx context.Context, id types.GroupID) error {
	m.mu.Lock()
	done := m.hydrated[id.Key()]
	m.mu.Unlock()
	if done {
		return nil
	}
	infos, err := m.store.ListGroupSnapshots(ctx, id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	known := m.groups[id.Key()]
	for _, info := range infos {
		if slices.ContainsFunc(known, func(e SnapshotEntry) bool { return e.Name == info.Name }) {
			continue
		}
		epoch, commit, ok := parseSnapshotName(id, info.Name)
		if !ok {
			continue
		}
		known = append(known, SnapshotEntry{
			Name:      info.Name,
			Epoch:     epoch,
			CommitID:  commit,
			CreatedAt: info.CreatedAt,
			Hydrated:  true,
		})
	}
	slices.SortStableFunc(known, func(a, b SnapshotEntry) int { return cmp.Compare(a.CreatedAt, b.CreatedAt) })
	known, evicted := m.trim(known)
	m.groups[id.Key()] = known
	m.hydrated[id.Key()] = true
	m.updateGauge()
	m.mu.Unlock()

	if len(known) > 0 {
		m.logger.Debug("hydrated snapshots", "group", id.Hex(), "count", len(known))
	}
	m.release(ctx, id, evicted)
	return nil
}

// trim splits off the oldest entries beyond the retention count.
func (m *SnapshotManager) trim(entries []SnapshotEntry) (kept, evicted []SnapshotEntry) {
	if over := len(entries) - m.retention; over > 0 {
		evicted = slices.Clone(entries[:over])
		entries = slices.Delete(entries, 0, over)
	}
	return entries, evicted
}

func (m *SnapshotManager) release(ctx context.Context, id types.GroupID, evicted []SnapshotEntry) {
	for _, old := range evicted {
		m.Discard(ctx, id, old.Name)
	}
	m.metrics.SnapshotsPruned(len(evicted))
}

// Create snapshots the group before a commit from epoch is applied. The
// snapshot is not a rollback candidate until Register.
func (m *SnapshotManager) Create(ctx context.Context, id types.GroupID, epoch uint64, commit nostr.EventID) (string, error) {
	if err := m.hydrate(ctx, id); err != nil {
		return "", err
	}
	name := snapshotName(id, epoch, commit)
	if err := m.store.CreateGroupSnapshot(ctx, id, name); err != nil {
		return "", err
	}
	return name, nil
}

// Discard releases a snapshot whose commit was never applied.
func (m *SnapshotManager) Discard(ctx context.Context, id types.GroupID, name string) {
	if err := m.store.ReleaseGroupSnapshot(ctx, id, name); err != nil {
		m.logger.Warn("failed to release snapshot", "group", id.Hex(), "snapshot", name, "error", err)
	}
}

// Register records the applied commit on top of a snapshot from Create and
// releases the oldest snapshots beyond the retention count.
func (m *SnapshotManager) Register(ctx context.Context, id types.GroupID, entry SnapshotEntry) {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = uint64(m.clock.Now().Unix())
	}
	m.mu.Lock()
	entries, evicted := m.trim(append(m.groups[id.Key()], entry))
	m.groups[id.Key()] = entries
	m.updateGauge()
	m.mu.Unlock()

	m.release(ctx, id, evicted)
}

// Candidate returns the newest registered snapshot for source epoch, or nil.
func (m *SnapshotManager) Candidate(ctx context.Context, id types.GroupID, epoch uint64) (*SnapshotEntry, error) {
	if err := m.hydrate(ctx, id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.groups[id.Key()]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Epoch == epoch {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

// Replace drops target, whose snapshot storage already restored and
// consumed, and registers entry in its place. Every snapshot registered
// after target is released, since those epochs no longer exist.
func (m *SnapshotManager) Replace(ctx context.Context, id types.GroupID, target *SnapshotEntry, entry SnapshotEntry) {
	m.mu.Lock()
	entries := m.groups[id.Key()]
	var later []SnapshotEntry
	if i := slices.IndexFunc(entries, func(e SnapshotEntry) bool { return e.Name == target.Name }); i >= 0 {
		later = slices.Clone(entries[i+1:])
		entries = entries[:i]
	}
	m.groups[id.Key()] = entries
	m.mu.Unlock()

	for _, e := range later {
		m.Discard(ctx, id, e.Name)
	}
	m.Register(ctx, id, entry)
}

// Entries lists the registered snapshots of a group, oldest first.
func (m *SnapshotManager) Entries(ctx context.Context, id types.GroupID) ([]SnapshotEntry, error) {
	if err := m.hydrate(ctx, id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.groups[id.Key()]), nil
}

// Prune releases snapshots older than the TTL across every group and
// returns how many storage deleted.
func (m *SnapshotManager) Prune(ctx context.Context) (int, error) {
	cutoff := m.clock.Now().Add(-m.ttl).Unix()
	if cutoff < 0 {
		cutoff = 0
	}
	n, err := m.store.PruneExpiredSnapshots(ctx, uint64(cutoff))
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	for key, entries := range m.groups {
		m.groups[key] = slices.DeleteFunc(entries, func(e SnapshotEntry) bool {
			return e.CreatedAt < uint64(cutoff)
		})
	}
	m.updateGauge()
	m.mu.Unlock()

	m.metrics.SnapshotsPruned(n)
	if n > 0 {
		m.logger.Info("pruned expired snapshots", "count", n)
	}
	return n, nil
}

// updateGauge must be called with mu held.
func (m *SnapshotManager) updateGauge() {
	total := 0
	for _, entries := range m.groups {
		total += len(entries)
	}
	m.metrics.SnapshotsRegistered(total)
}
