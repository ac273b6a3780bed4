// Package mls defines the group key agreement boundary the engine drives and
// a reference provider for it.
package mls

import (
	"context"
	"errors"
	"fmt"

	"github.com/relves/mdk/internal/extension"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// Provider is the MLS protocol layer. Implementations persist all state
// through storage.MLSStorage so snapshots taken by the engine cover it.
// Calls for one group must not run concurrently.
type Provider interface {
	GenerateKeyPackage(ctx context.Context, identity nostr.PublicKey, lastResort bool) (*KeyPackage, error)
	ParseKeyPackage(data []byte) (*KeyPackage, error)
	DeleteKeyPackage(ctx context.Context, kp *KeyPackage) error

	CreateGroup(ctx context.Context, creator nostr.PublicKey, members []*KeyPackage, ext extension.GroupData) (*GroupCreation, error)
	// InspectWelcome opens a welcome without joining.
	InspectWelcome(ctx context.Context, data []byte) (*WelcomeInfo, error)
	JoinFromWelcome(ctx context.Context, data []byte) (*WelcomeInfo, error)

	Encrypt(ctx context.Context, id types.GroupID, plaintext []byte) ([]byte, error)
	// Decrypt opens a framed message. A handshake message from an earlier
	// epoch fails with *WrongEpochError. Commits are staged, not applied.
	Decrypt(ctx context.Context, id types.GroupID, data []byte) (*Received, error)

	Propose(ctx context.Context, id types.GroupID, p Proposal) ([]byte, error)
	QueueProposal(ctx context.Context, id types.GroupID, r *Received) error
	// Commit stages a pending commit covering opts and every queued proposal.
	Commit(ctx context.Context, id types.GroupID, opts CommitOptions) (*CommitOutput, error)
	ProcessCommit(ctx context.Context, id types.GroupID, r *Received) error
	MergePendingCommit(ctx context.Context, id types.GroupID) error
	ClearPendingCommit(ctx context.Context, id types.GroupID) error
	HasPendingCommit(ctx context.Context, id types.GroupID) (bool, error)

	Members(ctx context.Context, id types.GroupID) ([]Member, error)
	Epoch(ctx context.Context, id types.GroupID) (uint64, error)
	GroupExtension(ctx context.Context, id types.GroupID) (extension.GroupData, error)
	// ExportSecret returns the 32 byte exporter secret of the current epoch.
	ExportSecret(ctx context.Context, id types.GroupID) ([32]byte, error)
}

// ContentType is the kind of a framed message.
type ContentType uint8

const (
	ContentApplication ContentType = 1
	ContentProposal    ContentType = 2
	ContentCommit      ContentType = 3
)

func (c ContentType) String() string {
	switch c {
	case ContentApplication:
		return "application"
	case ContentProposal:
		return "proposal"
	case ContentCommit:
		return "commit"
	}
	return fmt.Sprintf("content(%d)", uint8(c))
}

// Member is an occupied leaf of the group tree.
type Member struct {
	Index    uint32
	Identity nostr.PublicKey
}

// Welcome is the join payload for one added member.
type Welcome struct {
	KeyPackageRef []byte
	Recipient     nostr.PublicKey
	Data          []byte
}

// GroupCreation is the result of CreateGroup.
type GroupCreation struct {
	GroupID  types.GroupID
	Epoch    uint64
	Welcomes []Welcome
}

// WelcomeInfo describes the group a welcome joins.
type WelcomeInfo struct {
	GroupID       types.GroupID
	Epoch         uint64
	Extension     extension.GroupData
	Welcomer      nostr.PublicKey
	MemberCount   uint32
	KeyPackageRef []byte
}

// ProposalKind names a proposal.
type ProposalKind string

const (
	ProposalAdd        ProposalKind = "add"
	ProposalRemove     ProposalKind = "remove"
	ProposalExtensions ProposalKind = "extensions"
)

// Proposal is a single change to the group.
type Proposal struct {
	Kind       ProposalKind    `json:"kind"`
	KeyPackage []byte          `json:"key_package,omitempty"`
	Removed    nostr.PublicKey `json:"removed"`
	Extension  []byte          `json:"extension,omitempty"`
}

// CommitOptions selects the proposals a local commit carries. An empty
// value commits a path update only.
type CommitOptions struct {
	Add       []*KeyPackage
	Remove    []nostr.PublicKey
	Extension *extension.GroupData
}

// CommitOutput is the framed commit and the welcomes for added members.
type CommitOutput struct {
	Message  []byte
	Welcomes []Welcome
}

// Received is a decrypted framed message.
type Received struct {
	Type     ContentType
	Epoch    uint64
	Sender   Member
	Payload  []byte
	Proposal *Proposal
	Commit   *StagedCommit
	// Ref identifies a proposal.
	Ref []byte
}

// StagedCommit is a validated commit waiting for ProcessCommit.
type StagedCommit struct {
	Proposals   []Proposal
	NewEpoch    uint64
	RemovesSelf bool

	next *groupState
}

// PathOnly reports whether the commit carries no proposals.
func (c *StagedCommit) PathOnly() bool {
	return len(c.Proposals) == 0
}

// WrongEpochError is returned by Decrypt for a handshake message built
// on an epoch other than the current one.
type WrongEpochError struct {
	Type         ContentType
	MessageEpoch uint64
	CurrentEpoch uint64
}

func (e *WrongEpochError) Error() string {
	return fmt.Sprintf("%s epoch %d does not match group epoch %d", e.Type, e.MessageEpoch, e.CurrentEpoch)
}

var (
	ErrGroupNotFound        = errors.New("mls group not found")
	ErrKeyPackageNotFound   = errors.New("key package not found")
	ErrInvalidKeyPackage    = errors.New("invalid key package")
	ErrMissingCapability    = errors.New("key package lacks a required capability")
	ErrPendingCommit        = errors.New("a commit is already pending")
	ErrNoPendingCommit      = errors.New("no pending commit")
	ErrFutureEpoch          = errors.New("message from a future epoch")
	ErrEpochTooOld          = errors.New("message epoch is no longer retained")
	ErrDecrypt              = errors.New("failed to decrypt message")
	ErrInvalidSignature     = errors.New("invalid message signature")
	ErrWrongGroup           = errors.New("message is for another group")
	ErrUnknownSender        = errors.New("sender is not a group member")
	ErrNotMember            = errors.New("identity is not a group member")
	ErrAlreadyMember        = errors.New("identity is already a group member")
	ErrEvicted              = errors.New("removed from group")
	ErrOwnMessage           = errors.New("cannot process own message")
	ErrConfirmationMismatch = errors.New("commit confirmation tag mismatch")
	ErrMalformedMessage     = errors.New("malformed message")
)
