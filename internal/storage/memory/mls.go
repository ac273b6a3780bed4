package memory

import (
	"bytes"
	"context"
	"maps"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/types"
)

// Group-scoped maps are copy-on-write: a stored map is never mutated, so
// snapshots may hold on to one without copying. Blobs are copied on the
// way in and out.

func updateMap[K comparable, V any](c *lru.Cache[string, map[K]V], key string, fn func(map[K]V)) {
	cur, _ := c.Get(key)
	next := maps.Clone(cur)
	if next == nil {
		next = make(map[K]V)
	}
	fn(next)
	if len(next) == 0 {
		c.Remove(key)
		return
	}
	c.Add(key, next)
}

func (s *Store) WriteGroupData(_ context.Context, id types.GroupID, kind storage.GroupDataKind, data []byte) error {
	defer s.writeGroup(id)()

	updateMap(s.groupData, id.Key(), func(m map[storage.GroupDataKind][]byte) { m[kind] = cloneBlob(data) })
	return nil
}

func (s *Store) ReadGroupData(_ context.Context, id types.GroupID, kind storage.GroupDataKind) ([]byte, error) {
	defer s.readGroup(id)()

	m, _ := s.groupData.Get(id.Key())
	data, ok := m[kind]
	if !ok {
		return nil, nil
	}
	return cloneBlob(data), nil
}

func (s *Store) DeleteGroupData(_ context.Context, id types.GroupID, kind storage.GroupDataKind) error {
	defer s.writeGroup(id)()

	updateMap(s.groupData, id.Key(), func(m map[storage.GroupDataKind][]byte) { delete(m, kind) })
	return nil
}

func (s *Store) QueueProposal(_ context.Context, id types.GroupID, p storage.Proposal) error {
	defer s.writeGroup(id)()

	updateMap(s.proposals, id.Key(), func(m map[string][]byte) { m[string(p.Ref)] = cloneBlob(p.Data) })
	return nil
}

func (s *Store) Proposals(_ context.Context, id types.GroupID) ([]storage.Proposal, error) {
	defer s.readGroup(id)()

	m, _ := s.proposals.Get(id.Key())
	var out []storage.Proposal
	for ref, data := range m {
		out = append(out, storage.Proposal{Ref: []byte(ref), Data: cloneBlob(data)})
	}
	slices.SortFunc(out, func(a, b storage.Proposal) int { return bytes.Compare(a.Ref, b.Ref) })
	return out, nil
}

func (s *Store) RemoveProposal(_ context.Context, id types.GroupID, ref []byte) error {
	defer s.writeGroup(id)()

	updateMap(s.proposals, id.Key(), func(m map[string][]byte) { delete(m, string(ref)) })
	return nil
}

func (s *Store) ClearProposals(_ context.Context, id types.GroupID) error {
	defer s.writeGroup(id)()

	s.proposals.Remove(id.Key())
	return nil
}

func (s *Store) AppendOwnLeafNode(_ context.Context, id types.GroupID, node []byte) error {
	defer s.writeGroup(id)()

	cur, _ := s.leafNodes.Get(id.Key())
	next := append(slices.Clip(cur), cloneBlob(node))
	s.leafNodes.Add(id.Key(), next)
	return nil
}

func (s *Store) OwnLeafNodes(_ context.Context, id types.GroupID) ([][]byte, error) {
	defer s.readGroup(id)()

	nodes, _ := s.leafNodes.Get(id.Key())
	var out [][]byte
	for _, n := range nodes {
		out = append(out, cloneBlob(n))
	}
	return out, nil
}

func (s *Store) DeleteOwnLeafNodes(_ context.Context, id types.GroupID) error {
	defer s.writeGroup(id)()

	s.leafNodes.Remove(id.Key())
	return nil
}

func (s *Store) WriteEpochKeyPairs(_ context.Context, id types.GroupID, epoch uint64, leaf uint32, data []byte) error {
	defer s.writeGroup(id)()

	updateMap(s.epochKeys, id.Key(), func(m map[epochLeaf][]byte) { m[epochLeaf{epoch, leaf}] = cloneBlob(data) })
	return nil
}

func (s *Store) ReadEpochKeyPairs(_ context.Context, id types.GroupID, epoch uint64, leaf uint32) ([]byte, error) {
	defer s.readGroup(id)()

	m, _ := s.epochKeys.Get(id.Key())
	data, ok := m[epochLeaf{epoch, leaf}]
	if !ok {
		return nil, nil
	}
	return cloneBlob(data), nil
}

func (s *Store) DeleteEpochKeyPairs(_ context.Context, id types.GroupID, epoch uint64, leaf uint32) error {
	defer s.writeGroup(id)()

	updateMap(s.epochKeys, id.Key(), func(m map[epochLeaf][]byte) { delete(m, epochLeaf{epoch, leaf}) })
	return nil
}

func (s *Store) WriteKeyPackage(_ context.Context, hashRef []byte, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.keyPackages.Add(string(hashRef), cloneBlob(data))
	return nil
}

func (s *Store) ReadKeyPackage(_ context.Context, hashRef []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readKeyed(s.keyPackages, hashRef), nil
}

func (s *Store) DeleteKeyPackage(_ context.Context, hashRef []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.keyPackages.Remove(string(hashRef))
	return nil
}

func (s *Store) WriteEncryptionKeyPair(_ context.Context, publicKey []byte, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.encKeys.Add(string(publicKey), cloneBlob(data))
	return nil
}

func (s *Store) ReadEncryptionKeyPair(_ context.Context, publicKey []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readKeyed(s.encKeys, publicKey), nil
}

func (s *Store) DeleteEncryptionKeyPair(_ context.Context, publicKey []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.encKeys.Remove(string(publicKey))
	return nil
}

func (s *Store) WriteSignatureKeyPair(_ context.Context, publicKey []byte, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.sigKeys.Add(string(publicKey), cloneBlob(data))
	return nil
}

func (s *Store) ReadSignatureKeyPair(_ context.Context, publicKey []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readKeyed(s.sigKeys, publicKey), nil
}

func (s *Store) DeleteSignatureKeyPair(_ context.Context, publicKey []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.sigKeys.Remove(string(publicKey))
	return nil
}

func readKeyed(c *lru.Cache[string, []byte], key []byte) []byte {
	data, ok := c.Get(string(key))
	if !ok {
		return nil
	}
	return cloneBlob(data)
}
