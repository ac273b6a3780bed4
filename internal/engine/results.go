package engine

import (
	"strconv"

	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// ResultKind is the outcome of ProcessMessage.
type ResultKind uint8

const (
	ResultApplicationMessage ResultKind = iota + 1
	// ResultProposal is a proposal the local admin committed immediately.
	ResultProposal
	// ResultPendingProposal is a proposal queued for a later commit.
	ResultPendingProposal
	ResultCommit
	// ResultUnprocessable covers events that could not be decrypted or
	// applied. The failure is recorded and the call does not error.
	ResultUnprocessable
	// ResultPreviouslyFailed is returned for a wrapper already recorded as
	// failed or invalidated.
	ResultPreviouslyFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultApplicationMessage:
		return "application_message"
	case ResultProposal:
		return "proposal"
	case ResultPendingProposal:
		return "pending_proposal"
	case ResultCommit:
		return "commit"
	case ResultUnprocessable:
		return "unprocessable"
	case ResultPreviouslyFailed:
		return "previously_failed"
	}
	return "result(" + strconv.Itoa(int(k)) + ")"
}

// MessageProcessingResult is what ProcessMessage did with a kind 445 event.
type MessageProcessingResult struct {
	Kind    ResultKind
	GroupID types.GroupID
	// Message is set for ResultApplicationMessage.
	Message *types.Message
	// Proposal is set for ResultProposal and holds the commit to publish.
	Proposal *UpdateGroupResult
}

// UpdateGroupResult is a local commit awaiting publication. The caller
// publishes EvolutionEvent, then calls MergePendingCommit, then sends
// WelcomeRumors to the added members.
type UpdateGroupResult struct {
	EvolutionEvent nostr.Event
	WelcomeRumors  []nostr.Event
}

// CreateGroupResult is the new group and one unsigned welcome rumor per
// invited member.
type CreateGroupResult struct {
	Group         types.Group
	WelcomeRumors []nostr.Event
}

// GroupConfig is the initial metadata of a new group.
type GroupConfig struct {
	Name           string
	Description    string
	ImageHash      *[32]byte
	ImageKey       *[32]byte
	ImageNonce     *[12]byte
	ImageUploadKey *[32]byte
	Relays         []string
	Admins         []nostr.PublicKey
}

// GroupDataUpdate changes group metadata. Nil fields are left as they are.
type GroupDataUpdate struct {
	Name        *string
	Description *string
	Relays      []string
	Admins      []nostr.PublicKey

	ImageHash      *[32]byte
	ImageKey       *[32]byte
	ImageNonce     *[12]byte
	ImageUploadKey *[32]byte
	// ClearImage removes the group image. It is applied before the image
	// fields above.
	ClearImage bool
}
