package storage

import (
	"context"

	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// Backend identifies a Provider implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// IsPersistent reports whether data survives a restart.
func (b Backend) IsPersistent() bool {
	return b == BackendSQLite
}

// Provider is the single storage boundary for MLS cryptographic state and
// application state. Both live behind one lock and snapshot scope so that a
// rollback cannot leave them disagreeing about the current epoch.
type Provider interface {
	GroupStorage
	MessageStorage
	WelcomeStorage
	MLSStorage
	SnapshotStorage

	Backend() Backend
	Close() error
}

// GroupStorage stores groups and their per-group metadata. Every group
// scoped call on an unknown group fails with ErrGroupNotFound.
type GroupStorage interface {
	AllGroups(ctx context.Context) ([]types.Group, error)
	// FindGroupByMLSGroupID returns nil when no such group exists.
	FindGroupByMLSGroupID(ctx context.Context, id types.GroupID) (*types.Group, error)
	FindGroupByNostrGroupID(ctx context.Context, nostrGroupID [32]byte) (*types.Group, error)
	SaveGroup(ctx context.Context, group types.Group) error

	// Messages lists a page of messages, newest first under p.SortOrder.
	Messages(ctx context.Context, id types.GroupID, p *types.Pagination) ([]types.Message, error)
	LastMessage(ctx context.Context, id types.GroupID, order types.MessageSortOrder) (*types.Message, error)

	Admins(ctx context.Context, id types.GroupID) ([]nostr.PublicKey, error)

	// Relays
	GroupRelays(ctx context.Context, id types.GroupID) ([]types.GroupRelay, error)
	ReplaceGroupRelays(ctx context.Context, id types.GroupID, relays []string) error

	// Exporter secrets are immutable once saved.
	GroupExporterSecret(ctx context.Context, id types.GroupID, epoch uint64) (*types.GroupExporterSecret, error)
	SaveGroupExporterSecret(ctx context.Context, secret types.GroupExporterSecret) error
}

// MessageStorage stores messages and wrapper processing records.
type MessageStorage interface {
	SaveMessage(ctx context.Context, msg types.Message) error
	FindMessageByEventID(ctx context.Context, id types.GroupID, eventID nostr.EventID) (*types.Message, error)

	SaveProcessedMessage(ctx context.Context, pm types.ProcessedMessage) error
	FindProcessedMessageByEventID(ctx context.Context, wrapperID nostr.EventID) (*types.ProcessedMessage, error)

	// Invalidation marks every record with epoch > epoch as epoch_invalidated
	// in one atomic step and returns the affected ids in ascending order.
	InvalidateMessagesAfterEpoch(ctx context.Context, id types.GroupID, epoch uint64) ([]nostr.EventID, error)
	InvalidateProcessedMessagesAfterEpoch(ctx context.Context, id types.GroupID, epoch uint64) ([]nostr.EventID, error)

	// FindFailedMessagesForRetry returns wrapper ids in failed state whose
	// epoch is unknown, in ascending order.
	FindFailedMessagesForRetry(ctx context.Context, id types.GroupID) ([]nostr.EventID, error)
	FindInvalidatedMessages(ctx context.Context, id types.GroupID) ([]types.Message, error)
	FindInvalidatedProcessedMessages(ctx context.Context, id types.GroupID) ([]types.ProcessedMessage, error)

	// MarkProcessedMessageRetryable moves a failed record to retryable.
	// Any other current state, or no record, is ErrNotFound.
	MarkProcessedMessageRetryable(ctx context.Context, wrapperID nostr.EventID) error

	// FindMessageEpochByTagContent does a literal substring match over the
	// serialized tags of the group's messages and returns the epoch of the
	// oldest match with a known epoch.
	FindMessageEpochByTagContent(ctx context.Context, id types.GroupID, substr string) (*uint64, error)
}

// WelcomeStorage stores invitations and their idempotency records.
type WelcomeStorage interface {
	SaveWelcome(ctx context.Context, w types.Welcome) error
	FindWelcomeByEventID(ctx context.Context, eventID nostr.EventID) (*types.Welcome, error)
	// PendingWelcomes lists pending welcomes ordered by id descending.
	PendingWelcomes(ctx context.Context, p *types.Pagination) ([]types.Welcome, error)
	SaveProcessedWelcome(ctx context.Context, pw types.ProcessedWelcome) error
	FindProcessedWelcomeByEventID(ctx context.Context, wrapperID nostr.EventID) (*types.ProcessedWelcome, error)
}

// GroupDataKind names one blob of per-group MLS state.
type GroupDataKind string

const (
	GroupDataJoinGroupConfig       GroupDataKind = "join_group_config"
	GroupDataTree                  GroupDataKind = "tree"
	GroupDataInterimTranscriptHash GroupDataKind = "interim_transcript_hash"
	GroupDataContext               GroupDataKind = "context"
	GroupDataConfirmationTag       GroupDataKind = "confirmation_tag"
	GroupDataGroupState            GroupDataKind = "group_state"
	GroupDataMessageSecrets        GroupDataKind = "message_secrets"
	GroupDataResumptionPSKStore    GroupDataKind = "resumption_psk_store"
	GroupDataOwnLeafIndex          GroupDataKind = "own_leaf_index"
	GroupDataGroupEpochSecrets     GroupDataKind = "group_epoch_secrets"
)

// Proposal is a queued MLS proposal, keyed by its reference.
type Proposal struct {
	Ref  []byte
	Data []byte
}

// MLSStorage persists MLS protocol objects. Read methods return a nil
// slice, not an error, when nothing is stored.
type MLSStorage interface {
	WriteGroupData(ctx context.Context, id types.GroupID, kind GroupDataKind, data []byte) error
	ReadGroupData(ctx context.Context, id types.GroupID, kind GroupDataKind) ([]byte, error)
	DeleteGroupData(ctx context.Context, id types.GroupID, kind GroupDataKind) error

	// Proposals are returned ordered by reference.
	QueueProposal(ctx context.Context, id types.GroupID, p Proposal) error
	Proposals(ctx context.Context, id types.GroupID) ([]Proposal, error)
	RemoveProposal(ctx context.Context, id types.GroupID, ref []byte) error
	ClearProposals(ctx context.Context, id types.GroupID) error

	// Own leaf nodes are returned in insertion order.
	AppendOwnLeafNode(ctx context.Context, id types.GroupID, node []byte) error
	OwnLeafNodes(ctx context.Context, id types.GroupID) ([][]byte, error)
	DeleteOwnLeafNodes(ctx context.Context, id types.GroupID) error

	WriteEpochKeyPairs(ctx context.Context, id types.GroupID, epoch uint64, leaf uint32, data []byte) error
	ReadEpochKeyPairs(ctx context.Context, id types.GroupID, epoch uint64, leaf uint32) ([]byte, error)
	DeleteEpochKeyPairs(ctx context.Context, id types.GroupID, epoch uint64, leaf uint32) error

	// Key material not scoped to a group.
	WriteKeyPackage(ctx context.Context, hashRef []byte, data []byte) error
	ReadKeyPackage(ctx context.Context, hashRef []byte) ([]byte, error)
	DeleteKeyPackage(ctx context.Context, hashRef []byte) error

	WriteEncryptionKeyPair(ctx context.Context, publicKey []byte, data []byte) error
	ReadEncryptionKeyPair(ctx context.Context, publicKey []byte) ([]byte, error)
	DeleteEncryptionKeyPair(ctx context.Context, publicKey []byte) error

	WriteSignatureKeyPair(ctx context.Context, publicKey []byte, data []byte) error
	ReadSignatureKeyPair(ctx context.Context, publicKey []byte) ([]byte, error)
	DeleteSignatureKeyPair(ctx context.Context, publicKey []byte) error
}

// SnapshotStorage takes and restores named group-scoped snapshots. The
// scope is the group's MLS state (group data, proposals, own leaf nodes,
// epoch key pairs), the group record, its relays and exporter secrets.
// Messages and welcomes are outside it.
type SnapshotStorage interface {
	CreateGroupSnapshot(ctx context.Context, id types.GroupID, name string) error
	// RollbackGroupToSnapshot restores the snapshot and then deletes it.
	// It fails with ErrNotFound when the snapshot does not exist.
	RollbackGroupToSnapshot(ctx context.Context, id types.GroupID, name string) error
	// ReleaseGroupSnapshot deletes a snapshot without restoring it.
	ReleaseGroupSnapshot(ctx context.Context, id types.GroupID, name string) error
	// ListGroupSnapshots lists snapshots oldest first.
	ListGroupSnapshots(ctx context.Context, id types.GroupID) ([]types.SnapshotInfo, error)
	// PruneExpiredSnapshots deletes snapshots created before minTimestamp
	// (unix seconds) and returns how many were deleted.
	PruneExpiredSnapshots(ctx context.Context, minTimestamp uint64) (int, error)
}
