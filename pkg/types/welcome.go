// pkg/types/welcome.go
package types

import (
	"fmt"
	"slices"

	"github.com/relves/mdk/pkg/nostr"
)

type WelcomeState string

const (
	WelcomeStatePending  WelcomeState = "pending"
	WelcomeStateAccepted WelcomeState = "accepted"
	WelcomeStateDeclined WelcomeState = "declined"
	WelcomeStateIgnored  WelcomeState = "ignored"
)

func ParseWelcomeState(s string) (WelcomeState, error) {
	switch st := WelcomeState(s); st {
	case WelcomeStatePending, WelcomeStateAccepted, WelcomeStateDeclined, WelcomeStateIgnored:
		return st, nil
	}
	return "", fmt.Errorf("invalid welcome state: %s", s)
}

type ProcessedWelcomeState string

const (
	ProcessedWelcomeStateProcessed ProcessedWelcomeState = "processed"
	ProcessedWelcomeStateFailed    ProcessedWelcomeState = "failed"
)

func ParseProcessedWelcomeState(s string) (ProcessedWelcomeState, error) {
	switch st := ProcessedWelcomeState(s); st {
	case ProcessedWelcomeStateProcessed, ProcessedWelcomeStateFailed:
		return st, nil
	}
	return "", fmt.Errorf("invalid processed welcome state: %s", s)
}

// Welcome is a pending invitation to join a group.
type Welcome struct {
	ID                nostr.EventID     `json:"id"`
	Event             nostr.Event       `json:"event"`
	MLSGroupID        GroupID           `json:"mls_group_id"`
	NostrGroupID      [32]byte          `json:"nostr_group_id"`
	GroupName         string            `json:"group_name"`
	GroupDescription  string            `json:"group_description"`
	GroupImageHash    *[32]byte         `json:"group_image_hash,omitempty"`
	GroupImageKey     *[32]byte         `json:"group_image_key,omitempty"`
	GroupImageNonce   *[12]byte         `json:"group_image_nonce,omitempty"`
	GroupAdminPubkeys []nostr.PublicKey `json:"group_admin_pubkeys"`
	GroupRelays       []string          `json:"group_relays"`
	Welcomer          nostr.PublicKey   `json:"welcomer"`
	MemberCount       uint32            `json:"member_count"`
	State             WelcomeState      `json:"state"`
	WrapperEventID    nostr.EventID     `json:"wrapper_event_id"`
}

func (w Welcome) Clone() Welcome {
	out := w
	out.Event = w.Event.Clone()
	out.MLSGroupID = w.MLSGroupID.Clone()
	out.GroupImageHash = clonePtr(w.GroupImageHash)
	out.GroupImageKey = clonePtr(w.GroupImageKey)
	out.GroupImageNonce = clonePtr(w.GroupImageNonce)
	out.GroupAdminPubkeys = slices.Clone(w.GroupAdminPubkeys)
	out.GroupRelays = slices.Clone(w.GroupRelays)
	return out
}

// ProcessedWelcome is the idempotency record for a welcome wrapper event.
type ProcessedWelcome struct {
	WrapperEventID nostr.EventID         `json:"wrapper_event_id"`
	WelcomeEventID *nostr.EventID        `json:"welcome_event_id,omitempty"`
	ProcessedAt    nostr.Timestamp       `json:"processed_at"`
	State          ProcessedWelcomeState `json:"state"`
	FailureReason  string                `json:"failure_reason,omitempty"`
}

func (p ProcessedWelcome) Clone() ProcessedWelcome {
	out := p
	out.WelcomeEventID = clonePtr(p.WelcomeEventID)
	return out
}
