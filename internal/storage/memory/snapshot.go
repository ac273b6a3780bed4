package memory

import (
	"context"
	"maps"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// captureGroup collects the group's scoped state. Stored values are never
// mutated in place, so references are enough. Callers hold the group lock.
func (s *Store) captureGroup(key string) groupState {
	var st groupState
	st.group, _ = s.groups.Peek(key)
	st.relays, _ = s.relays.Peek(key)
	st.secrets, _ = s.secrets.Peek(key)
	st.groupData, _ = s.groupData.Peek(key)
	st.proposals, _ = s.proposals.Peek(key)
	st.leafNodes, _ = s.leafNodes.Peek(key)
	st.epochKeys, _ = s.epochKeys.Peek(key)
	return st
}

// restoreGroup replaces the group's scoped state with st. Callers hold the
// group lock exclusively.
func (s *Store) restoreGroup(key string, st groupState) {
	s.indexMu.Lock()
	s.removeGroup(key)
	if st.group != nil {
		s.putGroup(st.group)
	}
	s.indexMu.Unlock()
	setOrRemove(s.relays, key, st.relays, len(st.relays) > 0)
	setOrRemove(s.secrets, key, st.secrets, len(st.secrets) > 0)
	setOrRemove(s.groupData, key, st.groupData, len(st.groupData) > 0)
	setOrRemove(s.proposals, key, st.proposals, len(st.proposals) > 0)
	setOrRemove(s.leafNodes, key, st.leafNodes, len(st.leafNodes) > 0)
	setOrRemove(s.epochKeys, key, st.epochKeys, len(st.epochKeys) > 0)
}

func setOrRemove[V any](c *lru.Cache[string, V], key string, v V, set bool) {
	if set {
		c.Add(key, v)
		return
	}
	c.Remove(key)
}

func (s *Store) CreateGroupSnapshot(_ context.Context, id types.GroupID, name string) error {
	if name == "" {
		return storage.InvalidParameters("snapshot name must not be empty")
	}
	defer s.readGroup(id)()

	key := id.Key()
	snap := &snapshot{state: s.captureGroup(key), createdAt: s.now()}
	s.snapMu.Lock()
	byName := s.snapshots[key]
	if byName == nil {
		byName = make(map[string]*snapshot)
		s.snapshots[key] = byName
	}
	byName[name] = snap
	s.snapMu.Unlock()
	s.logger.Debug("created group snapshot", "group", id.Hex(), "snapshot", name)
	return nil
}

func (s *Store) RollbackGroupToSnapshot(_ context.Context, id types.GroupID, name string) error {
	defer s.writeGroup(id)()

	key := id.Key()
	s.snapMu.Lock()
	snap, ok := s.snapshots[key][name]
	if ok {
		s.deleteSnapshot(key, name)
	}
	s.snapMu.Unlock()
	if !ok {
		return &storage.Error{Kind: storage.KindNotFound, Msg: "snapshot " + name + " not found"}
	}
	s.restoreGroup(key, snap.state)
	s.logger.Debug("restored group snapshot", "group", id.Hex(), "snapshot", name)
	return nil
}

func (s *Store) ReleaseGroupSnapshot(_ context.Context, id types.GroupID, name string) error {
	defer s.readGroup(id)()
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	s.deleteSnapshot(id.Key(), name)
	return nil
}

// deleteSnapshot must be called with snapMu held.
func (s *Store) deleteSnapshot(key, name string) {
	delete(s.snapshots[key], name)
	if len(s.snapshots[key]) == 0 {
		delete(s.snapshots, key)
	}
}

func (s *Store) ListGroupSnapshots(_ context.Context, id types.GroupID) ([]types.SnapshotInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	var out []types.SnapshotInfo
	for name, snap := range s.snapshots[id.Key()] {
		out = append(out, types.SnapshotInfo{Name: name, CreatedAt: snap.createdAt})
	}
	slices.SortFunc(out, compareSnapshotInfo)
	return out, nil
}

func compareSnapshotInfo(a, b types.SnapshotInfo) int {
	switch {
	case a.CreatedAt < b.CreatedAt:
		return -1
	case a.CreatedAt > b.CreatedAt:
		return 1
	case a.Name < b.Name:
		return -1
	case a.Name > b.Name:
		return 1
	}
	return 0
}

func (s *Store) PruneExpiredSnapshots(_ context.Context, minTimestamp uint64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	n := 0
	for key, byName := range s.snapshots {
		for name, snap := range byName {
			if snap.createdAt < minTimestamp {
				s.deleteSnapshot(key, name)
				n++
			}
		}
	}
	if n > 0 {
		s.logger.Info("pruned expired snapshots", "count", n)
	}
	return n, nil
}

type entry[K comparable, V any] struct {
	key K
	val V
}

// dump lists a cache's entries oldest first.
func dump[K comparable, V any](c *lru.Cache[K, V]) []entry[K, V] {
	var out []entry[K, V]
	for _, k := range c.Keys() {
		if v, ok := c.Peek(k); ok {
			out = append(out, entry[K, V]{k, v})
		}
	}
	return out
}

func load[K comparable, V any](c *lru.Cache[K, V], entries []entry[K, V]) {
	for _, e := range entries {
		c.Add(e.key, e.val)
	}
}

// StoreSnapshot is a point-in-time copy of a whole Store, including its
// group snapshots.
type StoreSnapshot struct {
	groups       []entry[string, *groupRow]
	nostrIndex   []entry[[32]byte, string]
	relays       []entry[string, []string]
	secrets      []entry[string, map[uint64][32]byte]
	messages     []entry[string, map[nostr.EventID]*messageRow]
	processed    []entry[nostr.EventID, types.ProcessedMessage]
	welcomes     []entry[nostr.EventID, *welcomeRow]
	processedWel []entry[nostr.EventID, types.ProcessedWelcome]
	groupData    []entry[string, map[storage.GroupDataKind][]byte]
	proposals    []entry[string, map[string][]byte]
	leafNodes    []entry[string, [][]byte]
	epochKeys    []entry[string, map[epochLeaf][]byte]
	keyPackages  []entry[string, []byte]
	encKeys      []entry[string, []byte]
	sigKeys      []entry[string, []byte]
	snapshots    map[string]map[string]*snapshot
}

// Snapshot captures the whole store.
func (s *Store) Snapshot() *StoreSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := make(map[string]map[string]*snapshot, len(s.snapshots))
	for key, byName := range s.snapshots {
		snaps[key] = maps.Clone(byName)
	}
	return &StoreSnapshot{
		groups:       dump(s.groups),
		nostrIndex:   dump(s.nostrIndex),
		relays:       dump(s.relays),
		secrets:      dump(s.secrets),
		messages:     dump(s.messages),
		processed:    dump(s.processed),
		welcomes:     dump(s.welcomes),
		processedWel: dump(s.processedWel),
		groupData:    dump(s.groupData),
		proposals:    dump(s.proposals),
		leafNodes:    dump(s.leafNodes),
		epochKeys:    dump(s.epochKeys),
		keyPackages:  dump(s.keyPackages),
		encKeys:      dump(s.encKeys),
		sigKeys:      dump(s.sigKeys),
		snapshots:    snaps,
	}
}

// Restore replaces the whole store with snap. snap stays valid and can be
// restored again.
func (s *Store) Restore(snap *StoreSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	load(s.groups, snap.groups)
	load(s.nostrIndex, snap.nostrIndex)
	load(s.relays, snap.relays)
	load(s.secrets, snap.secrets)
	load(s.messages, snap.messages)
	load(s.processed, snap.processed)
	load(s.welcomes, snap.welcomes)
	load(s.processedWel, snap.processedWel)
	load(s.groupData, snap.groupData)
	load(s.proposals, snap.proposals)
	load(s.leafNodes, snap.leafNodes)
	load(s.epochKeys, snap.epochKeys)
	load(s.keyPackages, snap.keyPackages)
	load(s.encKeys, snap.encKeys)
	load(s.sigKeys, snap.sigKeys)
	for key, byName := range snap.snapshots {
		s.snapshots[key] = maps.Clone(byName)
	}
}
