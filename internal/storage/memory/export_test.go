package memory

import "github.com/relves/mdk/pkg/types"

// HoldGroup takes a group's lock exclusively, as a snapshot restore does.
func (s *Store) HoldGroup(id types.GroupID) (release func()) {
	return s.writeGroup(id)
}
