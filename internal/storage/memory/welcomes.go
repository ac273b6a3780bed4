package memory

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

func (r *welcomeRow) decode() (types.Welcome, error) {
	w := r.welcome.Clone()
	admins, err := storage.DecodeAdmins(r.adminsJSON)
	if err != nil {
		return types.Welcome{}, storage.Database("decode admin pubkeys", err)
	}
	w.GroupAdminPubkeys = admins
	if err := json.Unmarshal(r.relaysJSON, &w.GroupRelays); err != nil {
		return types.Welcome{}, storage.Database("decode relays", err)
	}
	if err := json.Unmarshal(r.eventJSON, &w.Event); err != nil {
		return types.Welcome{}, storage.Database("decode event", err)
	}
	return w, nil
}

func (s *Store) SaveWelcome(_ context.Context, w types.Welcome) error {
	v, err := storage.ValidateWelcome(&w)
	if err != nil {
		return err
	}
	row := &welcomeRow{welcome: w.Clone(), adminsJSON: v.AdminsJSON, relaysJSON: v.RelaysJSON, eventJSON: v.EventJSON}
	row.welcome.GroupAdminPubkeys = nil
	row.welcome.GroupRelays = nil
	row.welcome.Event = nostr.Event{}

	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	s.welcomes.Add(w.ID, row)
	return nil
}

func (s *Store) FindWelcomeByEventID(_ context.Context, eventID nostr.EventID) (*types.Welcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tablesMu.RLock()
	defer s.tablesMu.RUnlock()

	r, ok := s.welcomes.Get(eventID)
	if !ok {
		return nil, nil
	}
	w, err := r.decode()
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) PendingWelcomes(_ context.Context, p *types.Pagination) ([]types.Welcome, error) {
	limit, offset, _, err := storage.ResolvePagination(p, types.DefaultPendingWelcomesLimit, types.MaxPendingWelcomesLimit)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tablesMu.RLock()
	defer s.tablesMu.RUnlock()

	var rows []*welcomeRow
	for _, key := range s.welcomes.Keys() {
		if r, ok := s.welcomes.Peek(key); ok && r.welcome.State == types.WelcomeStatePending {
			rows = append(rows, r)
		}
	}
	slices.SortFunc(rows, func(a, b *welcomeRow) int { return b.welcome.ID.Compare(a.welcome.ID) })
	if offset >= len(rows) {
		return nil, nil
	}

	var out []types.Welcome
	for _, r := range rows[offset:min(offset+limit, len(rows))] {
		w, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) SaveProcessedWelcome(_ context.Context, pw types.ProcessedWelcome) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	s.processedWel.Add(pw.WrapperEventID, pw.Clone())
	return nil
}

func (s *Store) FindProcessedWelcomeByEventID(_ context.Context, wrapperID nostr.EventID) (*types.ProcessedWelcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pw, ok := s.processedWel.Get(wrapperID)
	if !ok {
		return nil, nil
	}
	out := pw.Clone()
	return &out, nil
}
