// pkg/types/group.go
package types

import (
	"fmt"
	"slices"

	"github.com/relves/mdk/pkg/nostr"
)

// GroupState is the lifecycle state of a group. Groups are never deleted.
type GroupState string

const (
	GroupStateActive   GroupState = "active"
	GroupStateInactive GroupState = "inactive"
	GroupStatePending  GroupState = "pending"
)

// ParseGroupState validates a stored group state.
func ParseGroupState(s string) (GroupState, error) {
	switch st := GroupState(s); st {
	case GroupStateActive, GroupStateInactive, GroupStatePending:
		return st, nil
	}
	return "", fmt.Errorf("invalid group state: %s", s)
}

// Group is the application view of an MLS group.
type Group struct {
	MLSGroupID   GroupID  `json:"mls_group_id"`
	NostrGroupID [32]byte `json:"nostr_group_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`

	ImageHash      *[32]byte `json:"image_hash,omitempty"`
	ImageKey       *[32]byte `json:"image_key,omitempty"`
	ImageNonce     *[12]byte `json:"image_nonce,omitempty"`
	ImageUploadKey *[32]byte `json:"image_upload_key,omitempty"`

	// AdminPubkeys is kept sorted and free of duplicates.
	AdminPubkeys []nostr.PublicKey `json:"admin_pubkeys"`

	LastMessageID          *nostr.EventID   `json:"last_message_id,omitempty"`
	LastMessageAt          *nostr.Timestamp `json:"last_message_at,omitempty"`
	LastMessageProcessedAt *nostr.Timestamp `json:"last_message_processed_at,omitempty"`

	Epoch uint64     `json:"epoch"`
	State GroupState `json:"state"`
}

// Clone returns a deep copy of g.
func (g Group) Clone() Group {
	out := g
	out.MLSGroupID = g.MLSGroupID.Clone()
	out.ImageHash = clonePtr(g.ImageHash)
	out.ImageKey = clonePtr(g.ImageKey)
	out.ImageNonce = clonePtr(g.ImageNonce)
	out.ImageUploadKey = clonePtr(g.ImageUploadKey)
	out.AdminPubkeys = slices.Clone(g.AdminPubkeys)
	out.LastMessageID = clonePtr(g.LastMessageID)
	out.LastMessageAt = clonePtr(g.LastMessageAt)
	out.LastMessageProcessedAt = clonePtr(g.LastMessageProcessedAt)
	return out
}

// IsAdmin reports whether pk is one of the group admins.
func (g *Group) IsAdmin(pk nostr.PublicKey) bool {
	_, found := slices.BinarySearchFunc(g.AdminPubkeys, pk, nostr.PublicKey.Compare)
	return found
}

// UpdateLastMessageIfNewer records msg as the group's last message when it
// sorts before the current one in display order. Returns true if it did.
func (g *Group) UpdateLastMessageIfNewer(msg *Message) bool {
	var newer bool
	switch {
	case g.LastMessageAt == nil:
		newer = true
	case g.LastMessageProcessedAt != nil && g.LastMessageID != nil:
		newer = CompareDisplayKeys(
			msg.CreatedAt, msg.ProcessedAt, msg.ID,
			*g.LastMessageAt, *g.LastMessageProcessedAt, *g.LastMessageID,
		) > 0
	case g.LastMessageProcessedAt == nil:
		newer = msg.CreatedAt >= *g.LastMessageAt
	default:
		newer = msg.CreatedAt > *g.LastMessageAt
	}
	if newer {
		id, at, processedAt := msg.ID, msg.CreatedAt, msg.ProcessedAt
		g.LastMessageID = &id
		g.LastMessageAt = &at
		g.LastMessageProcessedAt = &processedAt
	}
	return newer
}

// SortPublicKeys returns keys sorted ascending with duplicates removed.
func SortPublicKeys(keys []nostr.PublicKey) []nostr.PublicKey {
	out := slices.Clone(keys)
	slices.SortFunc(out, nostr.PublicKey.Compare)
	return slices.Compact(out)
}

// GroupRelay is one relay url a group publishes to.
type GroupRelay struct {
	RelayURL   string  `json:"relay_url"`
	MLSGroupID GroupID `json:"mls_group_id"`
}

// GroupExporterSecret is the MLS exporter secret of a group at an epoch.
type GroupExporterSecret struct {
	MLSGroupID GroupID  `json:"mls_group_id"`
	Epoch      uint64   `json:"epoch"`
	Secret     [32]byte `json:"secret"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
