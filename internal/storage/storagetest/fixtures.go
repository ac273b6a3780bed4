// Package storagetest holds the behavioral suite every storage.Provider
// must pass, plus fixtures shared by backend and engine tests.
package storagetest

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Unix(1_700_000_000, 0)

// Clock returns a fake clock set to Epoch.
func Clock() clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}

// GroupID returns a deterministic group id.
func GroupID(n byte) types.GroupID {
	return types.GroupID{0xA0, n}
}

// PublicKey returns a deterministic public key.
func PublicKey(n byte) nostr.PublicKey {
	var pk nostr.PublicKey
	pk[0] = 0xB0
	pk[31] = n
	return pk
}

// EventID returns a deterministic event id.
func EventID(n byte) nostr.EventID {
	var id nostr.EventID
	id[0] = n
	return id
}

// WrapperID returns the wrapper id paired with EventID(n).
func WrapperID(n byte) nostr.EventID {
	var id nostr.EventID
	id[0] = 0xE0
	id[1] = n
	return id
}

// NewGroup returns a valid active group with one admin.
func NewGroup(n byte) types.Group {
	var nostrID [32]byte
	nostrID[0] = 0xC0
	nostrID[31] = n
	return types.Group{
		MLSGroupID:   GroupID(n),
		NostrGroupID: nostrID,
		Name:         "group",
		Description:  "a test group",
		AdminPubkeys: []nostr.PublicKey{PublicKey(1)},
		Epoch:        0,
		State:        types.GroupStateActive,
	}
}

// NewMessage returns a processed chat message with id EventID(n).
func NewMessage(group types.GroupID, n byte, createdAt nostr.Timestamp, epoch uint64) types.Message {
	tags := nostr.Tags{{"h", "group"}, {"t", "note"}}
	ev := nostr.Event{
		PubKey:    PublicKey(2),
		CreatedAt: createdAt,
		Kind:      nostr.KindChatMessage,
		Tags:      tags.Clone(),
		Content:   "hello",
	}
	ev.EnsureID()
	return types.Message{
		ID:             EventID(n),
		Pubkey:         PublicKey(2),
		Kind:           nostr.KindChatMessage,
		MLSGroupID:     group.Clone(),
		CreatedAt:      createdAt,
		ProcessedAt:    createdAt + 1,
		Content:        "hello",
		Tags:           tags,
		Event:          ev,
		WrapperEventID: WrapperID(n),
		Epoch:          &epoch,
		State:          types.MessageStateProcessed,
	}
}

// NewProcessedMessage returns a record for WrapperID(n).
func NewProcessedMessage(group types.GroupID, n byte, state types.ProcessedMessageState, epoch *uint64) types.ProcessedMessage {
	pm := types.ProcessedMessage{
		WrapperEventID: WrapperID(n),
		ProcessedAt:    nostr.Timestamp(Epoch.Unix()),
		Epoch:          epoch,
		MLSGroupID:     group.Clone(),
		State:          state,
	}
	if state == types.ProcessedMessageStateFailed {
		pm.FailureReason = "decryption failed"
	} else {
		id := EventID(n)
		pm.MessageEventID = &id
	}
	return pm
}

// NewWelcome returns a pending welcome with id EventID(n).
func NewWelcome(n byte) types.Welcome {
	g := NewGroup(n)
	ev := nostr.Event{
		PubKey:    PublicKey(3),
		CreatedAt: nostr.Timestamp(Epoch.Unix()),
		Kind:      nostr.KindMLSWelcome,
		Tags:      nostr.Tags{{"e", EventID(n).Hex()}},
		Content:   "d2VsY29tZQ==",
	}
	ev.EnsureID()
	return types.Welcome{
		ID:                EventID(n),
		Event:             ev,
		MLSGroupID:        g.MLSGroupID,
		NostrGroupID:      g.NostrGroupID,
		GroupName:         g.Name,
		GroupDescription:  g.Description,
		GroupAdminPubkeys: g.AdminPubkeys,
		GroupRelays:       []string{"wss://relay.example.com"},
		Welcomer:          PublicKey(3),
		MemberCount:       2,
		State:             types.WelcomeStatePending,
		WrapperEventID:    WrapperID(n),
	}
}

// Uint64 returns a pointer to v.
func Uint64(v uint64) *uint64 {
	return &v
}
