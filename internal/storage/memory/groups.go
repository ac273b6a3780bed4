package memory

import (
	"bytes"
	"context"
	"maps"
	"slices"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

func (r *groupRow) decode() (types.Group, error) {
	g := r.group.Clone()
	admins, err := storage.DecodeAdmins(r.adminsJSON)
	if err != nil {
		return types.Group{}, storage.Database("decode admin pubkeys", err)
	}
	g.AdminPubkeys = admins
	return g, nil
}

func (s *Store) AllGroups(_ context.Context) ([]types.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*groupRow, 0, s.groups.Len())
	for _, key := range s.groups.Keys() {
		if r, ok := s.groups.Peek(key); ok {
			rows = append(rows, r)
		}
	}
	slices.SortFunc(rows, func(a, b *groupRow) int {
		return bytes.Compare(a.group.MLSGroupID, b.group.MLSGroupID)
	})

	var groups []types.Group
	for _, r := range rows {
		g, err := r.decode()
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (s *Store) FindGroupByMLSGroupID(_ context.Context, id types.GroupID) (*types.Group, error) {
	defer s.readGroup(id)()
	return s.findGroup(id.Key())
}

func (s *Store) FindGroupByNostrGroupID(_ context.Context, nostrGroupID [32]byte) (*types.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.nostrIndex.Get(nostrGroupID)
	if !ok {
		return nil, nil
	}
	g, err := s.findGroup(key)
	if g == nil || g.NostrGroupID != nostrGroupID {
		// Stale index entry.
		return nil, err
	}
	return g, err
}

func (s *Store) findGroup(key string) (*types.Group, error) {
	r, ok := s.groups.Get(key)
	if !ok {
		return nil, nil
	}
	g, err := r.decode()
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) hasGroup(id types.GroupID) bool {
	return s.groups.Contains(id.Key())
}

func (s *Store) SaveGroup(_ context.Context, group types.Group) error {
	group.AdminPubkeys = types.SortPublicKeys(group.AdminPubkeys)
	admins, err := storage.ValidateGroup(&group)
	if err != nil {
		return err
	}

	defer s.writeGroup(group.MLSGroupID)()

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	key := group.MLSGroupID.Key()
	if other, ok := s.nostrIndex.Peek(group.NostrGroupID); ok && other != key {
		if r, ok := s.groups.Peek(other); ok && r.group.NostrGroupID == group.NostrGroupID {
			return storage.InvalidParameters("nostr group id already used by another group")
		}
	}
	s.putGroup(&groupRow{group: stripAdmins(group), adminsJSON: admins})
	return nil
}

func stripAdmins(g types.Group) types.Group {
	g = g.Clone()
	g.AdminPubkeys = nil
	return g
}

// putGroup stores r and keeps the nostr id index current. Callers hold
// indexMu.
func (s *Store) putGroup(r *groupRow) {
	key := r.group.MLSGroupID.Key()
	if old, ok := s.groups.Peek(key); ok && old.group.NostrGroupID != r.group.NostrGroupID {
		s.nostrIndex.Remove(old.group.NostrGroupID)
	}
	s.groups.Add(key, r)
	s.nostrIndex.Add(r.group.NostrGroupID, key)
}

// removeGroup must be called with indexMu held.
func (s *Store) removeGroup(key string) {
	if old, ok := s.groups.Peek(key); ok {
		s.nostrIndex.Remove(old.group.NostrGroupID)
	}
	s.groups.Remove(key)
}

func (s *Store) Messages(_ context.Context, id types.GroupID, p *types.Pagination) ([]types.Message, error) {
	limit, offset, order, err := storage.ResolvePagination(p, types.DefaultMessageLimit, types.MaxMessageLimit)
	if err != nil {
		return nil, err
	}
	defer s.readGroup(id)()

	if !s.hasGroup(id) {
		return nil, storage.ErrGroupNotFound
	}
	rows := s.sortedMessages(id, order)
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:min(offset+limit, len(rows))]
	return decodeMessages(rows)
}

func (s *Store) LastMessage(_ context.Context, id types.GroupID, order types.MessageSortOrder) (*types.Message, error) {
	defer s.readGroup(id)()

	if !s.hasGroup(id) {
		return nil, storage.ErrGroupNotFound
	}
	rows := s.sortedMessages(id, order)
	if len(rows) == 0 {
		return nil, nil
	}
	m, err := rows[0].decode()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// sortedMessages returns the group's messages newest first.
func (s *Store) sortedMessages(id types.GroupID, order types.MessageSortOrder) []*messageRow {
	byID, _ := s.messages.Get(id.Key())
	rows := slices.Collect(maps.Values(byID))
	slices.SortFunc(rows, func(a, b *messageRow) int {
		return -types.CompareMessages(order, &a.msg, &b.msg)
	})
	return rows
}

func (s *Store) Admins(ctx context.Context, id types.GroupID) ([]nostr.PublicKey, error) {
	g, err := s.FindGroupByMLSGroupID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, storage.ErrGroupNotFound
	}
	if len(g.AdminPubkeys) == 0 {
		return nil, storage.ErrNoAdmins
	}
	return g.AdminPubkeys, nil
}

func (s *Store) GroupRelays(_ context.Context, id types.GroupID) ([]types.GroupRelay, error) {
	defer s.readGroup(id)()

	if !s.hasGroup(id) {
		return nil, storage.ErrGroupNotFound
	}
	urls, _ := s.relays.Get(id.Key())
	var out []types.GroupRelay
	for _, url := range urls {
		out = append(out, types.GroupRelay{RelayURL: url, MLSGroupID: id.Clone()})
	}
	return out, nil
}

func (s *Store) ReplaceGroupRelays(_ context.Context, id types.GroupID, relays []string) error {
	if err := storage.ValidateRelays(relays); err != nil {
		return err
	}
	defer s.writeGroup(id)()

	if !s.hasGroup(id) {
		return storage.ErrGroupNotFound
	}
	if normalized := storage.NormalizeRelays(relays); len(normalized) > 0 {
		s.relays.Add(id.Key(), normalized)
	} else {
		s.relays.Remove(id.Key())
	}
	return nil
}

func (s *Store) GroupExporterSecret(_ context.Context, id types.GroupID, epoch uint64) (*types.GroupExporterSecret, error) {
	defer s.readGroup(id)()

	if !s.hasGroup(id) {
		return nil, storage.ErrGroupNotFound
	}
	byEpoch, _ := s.secrets.Get(id.Key())
	secret, ok := byEpoch[epoch]
	if !ok {
		return nil, nil
	}
	return &types.GroupExporterSecret{MLSGroupID: id.Clone(), Epoch: epoch, Secret: secret}, nil
}

func (s *Store) SaveGroupExporterSecret(_ context.Context, secret types.GroupExporterSecret) error {
	defer s.writeGroup(secret.MLSGroupID)()

	if !s.hasGroup(secret.MLSGroupID) {
		return storage.ErrGroupNotFound
	}
	key := secret.MLSGroupID.Key()
	byEpoch, _ := s.secrets.Get(key)
	if _, ok := byEpoch[secret.Epoch]; ok {
		return nil
	}
	next := maps.Clone(byEpoch)
	if next == nil {
		next = make(map[uint64][32]byte)
	}
	next[secret.Epoch] = secret.Secret
	s.secrets.Add(key, next)
	return nil
}
