package memory

import (
	"context"
	"encoding/json"
	"maps"
	"slices"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

func (r *messageRow) decode() (types.Message, error) {
	m := r.msg.Clone()
	if err := json.Unmarshal([]byte(r.tagsJSON), &m.Tags); err != nil {
		return types.Message{}, storage.Database("decode tags", err)
	}
	if err := json.Unmarshal(r.eventJSON, &m.Event); err != nil {
		return types.Message{}, storage.Database("decode event", err)
	}
	return m, nil
}

func decodeMessages(rows []*messageRow) ([]types.Message, error) {
	var out []types.Message
	for _, r := range rows {
		m, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) SaveMessage(_ context.Context, msg types.Message) error {
	v, err := storage.ValidateMessage(&msg)
	if err != nil {
		return err
	}
	defer s.writeGroup(msg.MLSGroupID)()

	if !s.hasGroup(msg.MLSGroupID) {
		return storage.ErrGroupNotFound
	}
	row := &messageRow{msg: msg.Clone(), tagsJSON: string(v.TagsJSON), eventJSON: v.EventJSON}
	row.msg.Tags = nil
	row.msg.Event = nostr.Event{}

	key := msg.MLSGroupID.Key()
	byID, _ := s.messages.Get(key)
	next := maps.Clone(byID)
	if next == nil {
		next = make(map[nostr.EventID]*messageRow)
	}
	next[msg.ID] = row
	s.messages.Add(key, next)
	return nil
}

func (s *Store) FindMessageByEventID(_ context.Context, id types.GroupID, eventID nostr.EventID) (*types.Message, error) {
	defer s.readGroup(id)()

	if !s.hasGroup(id) {
		return nil, storage.ErrGroupNotFound
	}
	byID, _ := s.messages.Get(id.Key())
	r, ok := byID[eventID]
	if !ok {
		return nil, nil
	}
	m, err := r.decode()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func normalizeProcessed(pm types.ProcessedMessage) types.ProcessedMessage {
	pm = pm.Clone()
	if len(pm.MLSGroupID) == 0 {
		pm.MLSGroupID = nil
	}
	return pm
}

func (s *Store) SaveProcessedMessage(_ context.Context, pm types.ProcessedMessage) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	s.processed.Add(pm.WrapperEventID, normalizeProcessed(pm))
	return nil
}

func (s *Store) FindProcessedMessageByEventID(_ context.Context, wrapperID nostr.EventID) (*types.ProcessedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tablesMu.RLock()
	defer s.tablesMu.RUnlock()

	pm, ok := s.processed.Get(wrapperID)
	if !ok {
		return nil, nil
	}
	out := pm.Clone()
	return &out, nil
}

func invalidatable(epoch *uint64, after uint64) bool {
	return epoch != nil && *epoch > after
}

func (s *Store) InvalidateMessagesAfterEpoch(_ context.Context, id types.GroupID, epoch uint64) ([]nostr.EventID, error) {
	defer s.writeGroup(id)()

	key := id.Key()
	byID, _ := s.messages.Get(key)
	var ids []nostr.EventID
	next := maps.Clone(byID)
	for eventID, r := range byID {
		if !invalidatable(r.msg.Epoch, epoch) || r.msg.State == types.MessageStateEpochInvalidated {
			continue
		}
		updated := *r
		updated.msg.State = types.MessageStateEpochInvalidated
		next[eventID] = &updated
		ids = append(ids, eventID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	s.messages.Add(key, next)
	slices.SortFunc(ids, nostr.EventID.Compare)
	return ids, nil
}

func (s *Store) InvalidateProcessedMessagesAfterEpoch(_ context.Context, id types.GroupID, epoch uint64) ([]nostr.EventID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()

	matches := s.processedWhere(func(pm *types.ProcessedMessage) bool {
		return pm.MLSGroupID.Equal(id) && invalidatable(pm.Epoch, epoch) &&
			pm.State != types.ProcessedMessageStateEpochInvalidated
	})
	var ids []nostr.EventID
	for _, pm := range matches {
		pm.State = types.ProcessedMessageStateEpochInvalidated
		s.processed.Add(pm.WrapperEventID, pm)
		ids = append(ids, pm.WrapperEventID)
	}
	return ids, nil
}

// processedWhere returns matching records ordered by wrapper id. Callers
// hold tablesMu.
func (s *Store) processedWhere(match func(*types.ProcessedMessage) bool) []types.ProcessedMessage {
	var out []types.ProcessedMessage
	for _, key := range s.processed.Keys() {
		pm, ok := s.processed.Peek(key)
		if ok && match(&pm) {
			out = append(out, pm.Clone())
		}
	}
	slices.SortFunc(out, func(a, b types.ProcessedMessage) int {
		return a.WrapperEventID.Compare(b.WrapperEventID)
	})
	return out
}

func (s *Store) FindFailedMessagesForRetry(_ context.Context, id types.GroupID) ([]nostr.EventID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tablesMu.RLock()
	defer s.tablesMu.RUnlock()

	var ids []nostr.EventID
	for _, pm := range s.processedWhere(func(pm *types.ProcessedMessage) bool {
		return pm.MLSGroupID.Equal(id) && pm.State == types.ProcessedMessageStateFailed && pm.Epoch == nil
	}) {
		ids = append(ids, pm.WrapperEventID)
	}
	return ids, nil
}

func (s *Store) FindInvalidatedMessages(_ context.Context, id types.GroupID) ([]types.Message, error) {
	defer s.readGroup(id)()

	byID, _ := s.messages.Get(id.Key())
	var rows []*messageRow
	for _, r := range byID {
		if r.msg.State == types.MessageStateEpochInvalidated {
			rows = append(rows, r)
		}
	}
	slices.SortFunc(rows, func(a, b *messageRow) int { return a.msg.ID.Compare(b.msg.ID) })
	return decodeMessages(rows)
}

func (s *Store) FindInvalidatedProcessedMessages(_ context.Context, id types.GroupID) ([]types.ProcessedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tablesMu.RLock()
	defer s.tablesMu.RUnlock()

	return s.processedWhere(func(pm *types.ProcessedMessage) bool {
		return pm.MLSGroupID.Equal(id) && pm.State == types.ProcessedMessageStateEpochInvalidated
	}), nil
}

func (s *Store) MarkProcessedMessageRetryable(_ context.Context, wrapperID nostr.EventID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()

	pm, ok := s.processed.Get(wrapperID)
	if !ok || pm.State != types.ProcessedMessageStateFailed {
		return &storage.Error{Kind: storage.KindNotFound, Msg: "no failed processed message " + wrapperID.Hex()}
	}
	pm.State = types.ProcessedMessageStateRetryable
	s.processed.Add(wrapperID, pm)
	return nil
}

func (s *Store) FindMessageEpochByTagContent(_ context.Context, id types.GroupID, substr string) (*uint64, error) {
	defer s.readGroup(id)()

	byID, _ := s.messages.Get(id.Key())
	var best *messageRow
	for _, r := range byID {
		if r.msg.Epoch == nil || !storage.ContainsFoldASCII(r.tagsJSON, substr) {
			continue
		}
		if best == nil || r.msg.CreatedAt < best.msg.CreatedAt ||
			(r.msg.CreatedAt == best.msg.CreatedAt && r.msg.ID.Compare(best.msg.ID) < 0) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	e := *best.msg.Epoch
	return &e, nil
}
