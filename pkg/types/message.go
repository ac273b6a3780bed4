// pkg/types/message.go
package types

import (
	"cmp"
	"fmt"

	"github.com/relves/mdk/pkg/nostr"
)

// MessageState is the state of a decrypted application message.
type MessageState string

const (
	MessageStateCreated          MessageState = "created"
	MessageStateProcessed        MessageState = "processed"
	MessageStateDeleted          MessageState = "deleted"
	MessageStateEpochInvalidated MessageState = "epoch_invalidated"
)

func ParseMessageState(s string) (MessageState, error) {
	switch st := MessageState(s); st {
	case MessageStateCreated, MessageStateProcessed, MessageStateDeleted, MessageStateEpochInvalidated:
		return st, nil
	}
	return "", fmt.Errorf("invalid message state: %s", s)
}

// ProcessedMessageState is the processing outcome of a wrapper event.
type ProcessedMessageState string

const (
	ProcessedMessageStateCreated          ProcessedMessageState = "created"
	ProcessedMessageStateProcessed        ProcessedMessageState = "processed"
	ProcessedMessageStateProcessedCommit  ProcessedMessageState = "processed_commit"
	ProcessedMessageStateFailed           ProcessedMessageState = "failed"
	ProcessedMessageStateEpochInvalidated ProcessedMessageState = "epoch_invalidated"
	ProcessedMessageStateRetryable        ProcessedMessageState = "retryable"
)

func ParseProcessedMessageState(s string) (ProcessedMessageState, error) {
	switch st := ProcessedMessageState(s); st {
	case ProcessedMessageStateCreated, ProcessedMessageStateProcessed, ProcessedMessageStateProcessedCommit,
		ProcessedMessageStateFailed, ProcessedMessageStateEpochInvalidated, ProcessedMessageStateRetryable:
		return st, nil
	}
	return "", fmt.Errorf("invalid processed message state: %s", s)
}

// Message is a decrypted application message scoped to one group.
type Message struct {
	ID             nostr.EventID   `json:"id"`
	Pubkey         nostr.PublicKey `json:"pubkey"`
	Kind           nostr.Kind      `json:"kind"`
	MLSGroupID     GroupID         `json:"mls_group_id"`
	CreatedAt      nostr.Timestamp `json:"created_at"`
	ProcessedAt    nostr.Timestamp `json:"processed_at"`
	Content        string          `json:"content"`
	Tags           nostr.Tags      `json:"tags"`
	Event          nostr.Event     `json:"event"`
	WrapperEventID nostr.EventID   `json:"wrapper_event_id"`
	Epoch          *uint64         `json:"epoch,omitempty"`
	State          MessageState    `json:"state"`
}

func (m Message) Clone() Message {
	out := m
	out.MLSGroupID = m.MLSGroupID.Clone()
	out.Tags = m.Tags.Clone()
	out.Event = m.Event.Clone()
	out.Epoch = clonePtr(m.Epoch)
	return out
}

// ProcessedMessage records the outcome of handling a wrapper event,
// whether or not it produced a Message.
type ProcessedMessage struct {
	WrapperEventID nostr.EventID         `json:"wrapper_event_id"`
	MessageEventID *nostr.EventID        `json:"message_event_id,omitempty"`
	ProcessedAt    nostr.Timestamp       `json:"processed_at"`
	Epoch          *uint64               `json:"epoch,omitempty"`
	MLSGroupID     GroupID               `json:"mls_group_id,omitempty"`
	State          ProcessedMessageState `json:"state"`
	FailureReason  string                `json:"failure_reason,omitempty"`
}

func (p ProcessedMessage) Clone() ProcessedMessage {
	out := p
	out.MessageEventID = clonePtr(p.MessageEventID)
	out.Epoch = clonePtr(p.Epoch)
	out.MLSGroupID = p.MLSGroupID.Clone()
	return out
}

// CompareDisplayKeys orders messages newest first by created_at, then
// processed_at, then id. A positive result means a sorts before b.
func CompareDisplayKeys(aCreated, aProcessed nostr.Timestamp, aID nostr.EventID, bCreated, bProcessed nostr.Timestamp, bID nostr.EventID) int {
	if c := cmp.Compare(aCreated, bCreated); c != 0 {
		return c
	}
	if c := cmp.Compare(aProcessed, bProcessed); c != 0 {
		return c
	}
	return aID.Compare(bID)
}

// CompareProcessedAtKeys is CompareDisplayKeys with processed_at taking
// precedence over created_at.
func CompareProcessedAtKeys(aProcessed, aCreated nostr.Timestamp, aID nostr.EventID, bProcessed, bCreated nostr.Timestamp, bID nostr.EventID) int {
	if c := cmp.Compare(aProcessed, bProcessed); c != 0 {
		return c
	}
	if c := cmp.Compare(aCreated, bCreated); c != 0 {
		return c
	}
	return aID.Compare(bID)
}

// CompareMessages compares a and b under the given sort order.
func CompareMessages(order MessageSortOrder, a, b *Message) int {
	if order == SortProcessedAtFirst {
		return CompareProcessedAtKeys(a.ProcessedAt, a.CreatedAt, a.ID, b.ProcessedAt, b.CreatedAt, b.ID)
	}
	return CompareDisplayKeys(a.CreatedAt, a.ProcessedAt, a.ID, b.CreatedAt, b.ProcessedAt, b.ID)
}
