package storagetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// Factory opens an empty Provider that uses clock for snapshot times.
type Factory func(t *testing.T, clock clockwork.Clock) storage.Provider

// Run exercises the full storage contract against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Provider, clock clockwork.FakeClock)
	}{
		{"Groups", testGroups},
		{"UnknownGroup", testUnknownGroup},
		{"Validation", testValidation},
		{"MessagePagination", testMessagePagination},
		{"Relays", testRelays},
		{"ExporterSecrets", testExporterSecrets},
		{"Messages", testMessages},
		{"ProcessedMessages", testProcessedMessages},
		{"Invalidation", testInvalidation},
		{"RetryCandidates", testRetryCandidates},
		{"TagSearch", testTagSearch},
		{"Welcomes", testWelcomes},
		{"MLSState", testMLSState},
		{"SnapshotRollback", testSnapshotRollback},
		{"SnapshotOfMissingGroup", testSnapshotOfMissingGroup},
		{"SnapshotLifecycle", testSnapshotLifecycle},
		{"ConcurrentGroups", testConcurrentGroups},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := Clock()
			tt.fn(t, newStore(t, clock), clock)
		})
	}
}

func testGroups(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()

	got, err := s.FindGroupByMLSGroupID(ctx, GroupID(1))
	require.NoError(t, err)
	assert.Nil(t, got)

	g1 := NewGroup(1)
	g1.AdminPubkeys = []nostr.PublicKey{PublicKey(3), PublicKey(1), PublicKey(3)}
	require.NoError(t, s.SaveGroup(ctx, g1))

	want := g1.Clone()
	want.AdminPubkeys = []nostr.PublicKey{PublicKey(1), PublicKey(3)}

	got, err = s.FindGroupByMLSGroupID(ctx, g1.MLSGroupID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	got, err = s.FindGroupByNostrGroupID(ctx, g1.NostrGroupID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	admins, err := s.Admins(ctx, g1.MLSGroupID)
	require.NoError(t, err)
	assert.Equal(t, want.AdminPubkeys, admins)

	// Upsert
	want.Name = "renamed"
	want.Epoch = 4
	lastID := EventID(9)
	lastAt := nostr.Timestamp(123)
	want.LastMessageID = &lastID
	want.LastMessageAt = &lastAt
	hash := [32]byte{1, 2, 3}
	key := [32]byte{4, 5, 6}
	nonce := [12]byte{7, 8, 9}
	want.ImageHash, want.ImageKey, want.ImageNonce = &hash, &key, &nonce
	require.NoError(t, s.SaveGroup(ctx, want))
	got, err = s.FindGroupByMLSGroupID(ctx, g1.MLSGroupID)
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	// Another group may not reuse the nostr group id.
	dup := NewGroup(2)
	dup.NostrGroupID = g1.NostrGroupID
	assert.ErrorIs(t, s.SaveGroup(ctx, dup), storage.ErrInvalidParameters)

	g2 := NewGroup(2)
	g2.AdminPubkeys = nil
	require.NoError(t, s.SaveGroup(ctx, g2))
	_, err = s.Admins(ctx, g2.MLSGroupID)
	assert.ErrorIs(t, err, storage.ErrNoAdmins)

	all, err := s.AllGroups(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, g1.MLSGroupID, all[0].MLSGroupID)
	assert.Equal(t, g2.MLSGroupID, all[1].MLSGroupID)
}

func testUnknownGroup(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	id := GroupID(99)

	_, err := s.Messages(ctx, id, nil)
	assert.ErrorIs(t, err, storage.ErrGroupNotFound)
	_, err = s.LastMessage(ctx, id, types.SortCreatedAtFirst)
	assert.ErrorIs(t, err, storage.ErrGroupNotFound)
	_, err = s.Admins(ctx, id)
	assert.ErrorIs(t, err, storage.ErrGroupNotFound)
	_, err = s.GroupRelays(ctx, id)
	assert.ErrorIs(t, err, storage.ErrGroupNotFound)
	assert.ErrorIs(t, s.ReplaceGroupRelays(ctx, id, []string{"wss://a"}), storage.ErrGroupNotFound)
	_, err = s.GroupExporterSecret(ctx, id, 0)
	assert.ErrorIs(t, err, storage.ErrGroupNotFound)
	assert.ErrorIs(t, s.SaveGroupExporterSecret(ctx, types.GroupExporterSecret{MLSGroupID: id}), storage.ErrGroupNotFound)
	assert.ErrorIs(t, s.SaveMessage(ctx, NewMessage(id, 1, 100, 0)), storage.ErrGroupNotFound)
	_, err = s.FindMessageByEventID(ctx, id, EventID(1))
	assert.ErrorIs(t, err, storage.ErrGroupNotFound)

	// Unknown group is caller error.
	assert.Equal(t, storage.KindInvalidParameters, storage.KindOf(err))
}

func testValidation(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()

	g := NewGroup(1)
	g.Name = strings.Repeat("n", storage.MaxGroupNameLength+1)
	err := s.SaveGroup(ctx, g)
	var ve *storage.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Group name", ve.Field)
	assert.Equal(t, storage.MaxGroupNameLength, ve.MaxSize)
	assert.Equal(t, storage.MaxGroupNameLength+1, ve.ActualSize)
	assert.ErrorIs(t, err, storage.ErrInvalidParameters)

	g = NewGroup(1)
	g.Description = strings.Repeat("d", storage.MaxGroupDescriptionLength+1)
	require.ErrorAs(t, s.SaveGroup(ctx, g), &ve)
	assert.Equal(t, "Group description", ve.Field)

	// Exactly at the ceiling is accepted.
	g = NewGroup(1)
	g.Name = strings.Repeat("n", storage.MaxGroupNameLength)
	require.NoError(t, s.SaveGroup(ctx, g))

	m := NewMessage(g.MLSGroupID, 1, 100, 0)
	m.Content = strings.Repeat("c", storage.MaxMessageContentSize+1)
	require.ErrorAs(t, s.SaveMessage(ctx, m), &ve)
	assert.Equal(t, "Message content", ve.Field)

	m = NewMessage(g.MLSGroupID, 1, 100, 0)
	m.Tags = nostr.Tags{{"big", strings.Repeat("t", storage.MaxTagsJSONSize)}}
	require.ErrorAs(t, s.SaveMessage(ctx, m), &ve)
	assert.Equal(t, "Tags JSON", ve.Field)

	assert.ErrorIs(t, s.ReplaceGroupRelays(ctx, g.MLSGroupID, []string{strings.Repeat("r", storage.MaxGroupRelaysJSONSize)}),
		storage.ErrInvalidParameters)

	w := NewWelcome(1)
	w.GroupName = strings.Repeat("n", storage.MaxGroupNameLength+1)
	require.ErrorAs(t, s.SaveWelcome(ctx, w), &ve)
	assert.Equal(t, "Group name", ve.Field)

	// Rejected writes leave nothing behind.
	found, err := s.FindWelcomeByEventID(ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func testMessagePagination(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	g := NewGroup(1)
	require.NoError(t, s.SaveGroup(ctx, g))

	for i := byte(1); i <= 5; i++ {
		m := NewMessage(g.MLSGroupID, i, nostr.Timestamp(100+int(i)), 0)
		m.ProcessedAt = nostr.Timestamp(200 - int(i))
		require.NoError(t, s.SaveMessage(ctx, m))
	}
	ids := func(msgs []types.Message) []byte {
		var out []byte
		for _, m := range msgs {
			out = append(out, m.ID[0])
		}
		return out
	}

	msgs, err := s.Messages(ctx, g.MLSGroupID, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 4, 3, 2, 1}, ids(msgs))

	msgs, err = s.Messages(ctx, g.MLSGroupID, types.Page(2, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 3}, ids(msgs))

	msgs, err = s.Messages(ctx, g.MLSGroupID, types.Page(10, 10))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = s.Messages(ctx, g.MLSGroupID, types.Page(3, 0).WithSortOrder(types.SortProcessedAtFirst))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, ids(msgs))

	for _, limit := range []int{0, -1, types.MaxMessageLimit + 1} {
		_, err = s.Messages(ctx, g.MLSGroupID, types.Page(limit, 0))
		assert.ErrorIs(t, err, storage.ErrInvalidParameters, "limit %d", limit)
	}
	_, err = s.Messages(ctx, g.MLSGroupID, types.Page(types.MaxMessageLimit, 0))
	assert.NoError(t, err)

	last, err := s.LastMessage(ctx, g.MLSGroupID, types.SortCreatedAtFirst)
	require.NoError(t, err)
	assert.Equal(t, EventID(5), last.ID)
	last, err = s.LastMessage(ctx, g.MLSGroupID, types.SortProcessedAtFirst)
	require.NoError(t, err)
	assert.Equal(t, EventID(1), last.ID)

	// Equal timestamps fall back to id, descending.
	for _, n := range []byte{7, 8} {
		m := NewMessage(g.MLSGroupID, n, 500, 0)
		m.ProcessedAt = 500
		require.NoError(t, s.SaveMessage(ctx, m))
	}
	msgs, err = s.Messages(ctx, g.MLSGroupID, types.Page(2, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 7}, ids(msgs))

	empty := NewGroup(2)
	require.NoError(t, s.SaveGroup(ctx, empty))
	last, err = s.LastMessage(ctx, empty.MLSGroupID, types.SortCreatedAtFirst)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func testRelays(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	g := NewGroup(1)
	require.NoError(t, s.SaveGroup(ctx, g))

	relays, err := s.GroupRelays(ctx, g.MLSGroupID)
	require.NoError(t, err)
	assert.Empty(t, relays)

	require.NoError(t, s.ReplaceGroupRelays(ctx, g.MLSGroupID, []string{"wss://b", "wss://a", "wss://b"}))
	relays, err = s.GroupRelays(ctx, g.MLSGroupID)
	require.NoError(t, err)
	assert.Equal(t, []types.GroupRelay{
		{RelayURL: "wss://a", MLSGroupID: g.MLSGroupID},
		{RelayURL: "wss://b", MLSGroupID: g.MLSGroupID},
	}, relays)

	require.NoError(t, s.ReplaceGroupRelays(ctx, g.MLSGroupID, []string{"wss://c"}))
	relays, err = s.GroupRelays(ctx, g.MLSGroupID)
	require.NoError(t, err)
	require.Len(t, relays, 1)
	assert.Equal(t, "wss://c", relays[0].RelayURL)

	require.NoError(t, s.ReplaceGroupRelays(ctx, g.MLSGroupID, nil))
	relays, err = s.GroupRelays(ctx, g.MLSGroupID)
	require.NoError(t, err)
	assert.Empty(t, relays)
}

func testExporterSecrets(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	g := NewGroup(1)
	require.NoError(t, s.SaveGroup(ctx, g))

	first := types.GroupExporterSecret{MLSGroupID: g.MLSGroupID, Epoch: 1, Secret: [32]byte{1}}
	require.NoError(t, s.SaveGroupExporterSecret(ctx, first))
	require.NoError(t, s.SaveGroupExporterSecret(ctx, types.GroupExporterSecret{MLSGroupID: g.MLSGroupID, Epoch: 1, Secret: [32]byte{2}}))

	got, err := s.GroupExporterSecret(ctx, g.MLSGroupID, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, *got)

	got, err = s.GroupExporterSecret(ctx, g.MLSGroupID, 2)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testMessages(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	g := NewGroup(1)
	require.NoError(t, s.SaveGroup(ctx, g))

	m := NewMessage(g.MLSGroupID, 1, 100, 3)
	require.NoError(t, s.SaveMessage(ctx, m))

	got, err := s.FindMessageByEventID(ctx, g.MLSGroupID, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m, *got)

	m.State = types.MessageStateDeleted
	m.Content = ""
	require.NoError(t, s.SaveMessage(ctx, m))
	got, err = s.FindMessageByEventID(ctx, g.MLSGroupID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, *got)

	got, err = s.FindMessageByEventID(ctx, g.MLSGroupID, EventID(2))
	require.NoError(t, err)
	assert.Nil(t, got)

	// Event ids are unique per group, not globally.
	other := NewGroup(2)
	require.NoError(t, s.SaveGroup(ctx, other))
	require.NoError(t, s.SaveMessage(ctx, NewMessage(other.MLSGroupID, 1, 100, 0)))
	got, err = s.FindMessageByEventID(ctx, g.MLSGroupID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MessageStateDeleted, got.State)
}

func testProcessedMessages(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	g := NewGroup(1)

	failed := NewProcessedMessage(g.MLSGroupID, 1, types.ProcessedMessageStateFailed, nil)
	require.NoError(t, s.SaveProcessedMessage(ctx, failed))
	got, err := s.FindProcessedMessageByEventID(ctx, failed.WrapperEventID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, failed, *got)

	require.NoError(t, s.MarkProcessedMessageRetryable(ctx, failed.WrapperEventID))
	got, err = s.FindProcessedMessageByEventID(ctx, failed.WrapperEventID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessedMessageStateRetryable, got.State)

	// Only failed records may become retryable.
	assert.ErrorIs(t, s.MarkProcessedMessageRetryable(ctx, failed.WrapperEventID), storage.ErrNotFound)
	assert.ErrorIs(t, s.MarkProcessedMessageRetryable(ctx, WrapperID(50)), storage.ErrNotFound)

	done := NewProcessedMessage(g.MLSGroupID, 2, types.ProcessedMessageStateProcessed, Uint64(1))
	require.NoError(t, s.SaveProcessedMessage(ctx, done))
	assert.ErrorIs(t, s.MarkProcessedMessageRetryable(ctx, done.WrapperEventID), storage.ErrNotFound)

	// A record need not belong to a known group.
	orphan := NewProcessedMessage(nil, 3, types.ProcessedMessageStateFailed, nil)
	require.NoError(t, s.SaveProcessedMessage(ctx, orphan))
	got, err = s.FindProcessedMessageByEventID(ctx, orphan.WrapperEventID)
	require.NoError(t, err)
	assert.Nil(t, got.MLSGroupID)

	got, err = s.FindProcessedMessageByEventID(ctx, WrapperID(77))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testInvalidation(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	g := NewGroup(1)
	require.NoError(t, s.SaveGroup(ctx, g))

	for _, n := range []byte{4, 3, 2, 1} {
		epoch := uint64(n - 1)
		require.NoError(t, s.SaveMessage(ctx, NewMessage(g.MLSGroupID, n, 100, epoch)))
		require.NoError(t, s.SaveProcessedMessage(ctx,
			NewProcessedMessage(g.MLSGroupID, n, types.ProcessedMessageStateProcessed, &epoch)))
	}
	require.NoError(t, s.SaveProcessedMessage(ctx, NewProcessedMessage(g.MLSGroupID, 9, types.ProcessedMessageStateFailed, nil)))

	ids, err := s.InvalidateMessagesAfterEpoch(ctx, g.MLSGroupID, 1)
	require.NoError(t, err)
	assert.Equal(t, []nostr.EventID{EventID(3), EventID(4)}, ids)

	wrappers, err := s.InvalidateProcessedMessagesAfterEpoch(ctx, g.MLSGroupID, 1)
	require.NoError(t, err)
	assert.Equal(t, []nostr.EventID{WrapperID(3), WrapperID(4)}, wrappers)

	for n := byte(1); n <= 4; n++ {
		m, err := s.FindMessageByEventID(ctx, g.MLSGroupID, EventID(n))
		require.NoError(t, err)
		pm, err := s.FindProcessedMessageByEventID(ctx, WrapperID(n))
		require.NoError(t, err)
		if n <= 2 {
			assert.Equal(t, types.MessageStateProcessed, m.State)
			assert.Equal(t, types.ProcessedMessageStateProcessed, pm.State)
		} else {
			assert.Equal(t, types.MessageStateEpochInvalidated, m.State)
			assert.Equal(t, types.ProcessedMessageStateEpochInvalidated, pm.State)
		}
	}
	pm, err := s.FindProcessedMessageByEventID(ctx, WrapperID(9))
	require.NoError(t, err)
	assert.Equal(t, types.ProcessedMessageStateFailed, pm.State, "unknown epoch is never invalidated")

	invalid, err := s.FindInvalidatedMessages(ctx, g.MLSGroupID)
	require.NoError(t, err)
	require.Len(t, invalid, 2)
	assert.Equal(t, EventID(3), invalid[0].ID)

	invalidPM, err := s.FindInvalidatedProcessedMessages(ctx, g.MLSGroupID)
	require.NoError(t, err)
	require.Len(t, invalidPM, 2)
	assert.Equal(t, WrapperID(4), invalidPM[1].WrapperEventID)

	// Already invalidated rows are not reported again.
	ids, err = s.InvalidateMessagesAfterEpoch(ctx, g.MLSGroupID, 0)
	require.NoError(t, err)
	assert.Equal(t, []nostr.EventID{EventID(2)}, ids)
}

func testRetryCandidates(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	g := GroupID(1)

	for _, pm := range []types.ProcessedMessage{
		NewProcessedMessage(g, 3, types.ProcessedMessageStateFailed, nil),
		NewProcessedMessage(g, 1, types.ProcessedMessageStateFailed, nil),
		NewProcessedMessage(g, 2, types.ProcessedMessageStateFailed, Uint64(2)),
		NewProcessedMessage(g, 4, types.ProcessedMessageStateProcessed, nil),
		NewProcessedMessage(GroupID(2), 5, types.ProcessedMessageStateFailed, nil),
	} {
		require.NoError(t, s.SaveProcessedMessage(ctx, pm))
	}

	ids, err := s.FindFailedMessagesForRetry(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, []nostr.EventID{WrapperID(1), WrapperID(3)}, ids)

	ids, err = s.FindFailedMessagesForRetry(ctx, GroupID(3))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testTagSearch(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	g := NewGroup(1)
	require.NoError(t, s.SaveGroup(ctx, g))

	save := func(n byte, createdAt nostr.Timestamp, epoch *uint64, tags nostr.Tags) {
		m := NewMessage(g.MLSGroupID, n, createdAt, 0)
		m.Epoch = epoch
		m.Tags = tags
		require.NoError(t, s.SaveMessage(ctx, m))
	}
	save(1, 100, Uint64(4), nostr.Tags{{"x", "100%_done"}})
	save(2, 90, Uint64(7), nostr.Tags{{"x", "100xxdone"}})
	save(3, 60, Uint64(2), nostr.Tags{{"t", "Fingerprint"}})
	save(4, 50, Uint64(1), nostr.Tags{{"t", "fingerprint"}})
	save(5, 10, nil, nostr.Tags{{"t", "fingerprint"}})

	epoch, err := s.FindMessageEpochByTagContent(ctx, g.MLSGroupID, "100%_")
	require.NoError(t, err)
	require.NotNil(t, epoch, "wildcards must match literally")
	assert.Equal(t, uint64(4), *epoch)

	epoch, err = s.FindMessageEpochByTagContent(ctx, g.MLSGroupID, "FINGERPRINT")
	require.NoError(t, err)
	require.NotNil(t, epoch)
	assert.Equal(t, uint64(1), *epoch, "oldest match with a known epoch")

	epoch, err = s.FindMessageEpochByTagContent(ctx, g.MLSGroupID, "absent")
	require.NoError(t, err)
	assert.Nil(t, epoch)

	epoch, err = s.FindMessageEpochByTagContent(ctx, GroupID(9), "fingerprint")
	require.NoError(t, err)
	assert.Nil(t, epoch)
}

func testWelcomes(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()

	for n := byte(1); n <= 4; n++ {
		w := NewWelcome(n)
		if n == 4 {
			w.State = types.WelcomeStateAccepted
		}
		require.NoError(t, s.SaveWelcome(ctx, w))
	}

	got, err := s.FindWelcomeByEventID(ctx, EventID(1))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, NewWelcome(1), *got)

	pending, err := s.PendingWelcomes(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, EventID(3), pending[0].ID)
	assert.Equal(t, EventID(1), pending[2].ID)

	pending, err = s.PendingWelcomes(ctx, types.Page(1, 1))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, EventID(2), pending[0].ID)

	_, err = s.PendingWelcomes(ctx, types.Page(0, 0))
	assert.ErrorIs(t, err, storage.ErrInvalidParameters)
	_, err = s.PendingWelcomes(ctx, types.Page(types.MaxPendingWelcomesLimit+1, 0))
	assert.ErrorIs(t, err, storage.ErrInvalidParameters)

	w := NewWelcome(1)
	w.State = types.WelcomeStateDeclined
	require.NoError(t, s.SaveWelcome(ctx, w))
	pending, err = s.PendingWelcomes(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	welcomeID := EventID(1)
	pw := types.ProcessedWelcome{
		WrapperEventID: WrapperID(1),
		WelcomeEventID: &welcomeID,
		ProcessedAt:    nostr.Timestamp(Epoch.Unix()),
		State:          types.ProcessedWelcomeStateProcessed,
	}
	require.NoError(t, s.SaveProcessedWelcome(ctx, pw))
	gotPW, err := s.FindProcessedWelcomeByEventID(ctx, pw.WrapperEventID)
	require.NoError(t, err)
	require.NotNil(t, gotPW)
	assert.Equal(t, pw, *gotPW)

	gotPW, err = s.FindProcessedWelcomeByEventID(ctx, WrapperID(2))
	require.NoError(t, err)
	assert.Nil(t, gotPW)
}

func testMLSState(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	g := GroupID(1)

	data, err := s.ReadGroupData(ctx, g, storage.GroupDataTree)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.WriteGroupData(ctx, g, storage.GroupDataTree, []byte("tree-1")))
	require.NoError(t, s.WriteGroupData(ctx, g, storage.GroupDataTree, []byte("tree-2")))
	require.NoError(t, s.WriteGroupData(ctx, g, storage.GroupDataContext, []byte{}))
	data, err = s.ReadGroupData(ctx, g, storage.GroupDataTree)
	require.NoError(t, err)
	assert.Equal(t, []byte("tree-2"), data)
	data, err = s.ReadGroupData(ctx, g, storage.GroupDataContext)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, data)

	require.NoError(t, s.DeleteGroupData(ctx, g, storage.GroupDataTree))
	data, err = s.ReadGroupData(ctx, g, storage.GroupDataTree)
	require.NoError(t, err)
	assert.Nil(t, data)

	for _, ref := range []byte{3, 1, 2} {
		require.NoError(t, s.QueueProposal(ctx, g, storage.Proposal{Ref: []byte{ref}, Data: []byte{ref, ref}}))
	}
	proposals, err := s.Proposals(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, []storage.Proposal{
		{Ref: []byte{1}, Data: []byte{1, 1}},
		{Ref: []byte{2}, Data: []byte{2, 2}},
		{Ref: []byte{3}, Data: []byte{3, 3}},
	}, proposals)
	require.NoError(t, s.RemoveProposal(ctx, g, []byte{2}))
	proposals, err = s.Proposals(ctx, g)
	require.NoError(t, err)
	assert.Len(t, proposals, 2)
	require.NoError(t, s.ClearProposals(ctx, g))
	proposals, err = s.Proposals(ctx, g)
	require.NoError(t, err)
	assert.Empty(t, proposals)

	for _, node := range []string{"c", "a", "b"} {
		require.NoError(t, s.AppendOwnLeafNode(ctx, g, []byte(node)))
	}
	nodes, err := s.OwnLeafNodes(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("c"), []byte("a"), []byte("b")}, nodes)
	require.NoError(t, s.DeleteOwnLeafNodes(ctx, g))
	nodes, err = s.OwnLeafNodes(ctx, g)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	require.NoError(t, s.WriteEpochKeyPairs(ctx, g, 1, 0, []byte("e1l0")))
	require.NoError(t, s.WriteEpochKeyPairs(ctx, g, 1, 1, []byte("e1l1")))
	require.NoError(t, s.WriteEpochKeyPairs(ctx, g, 2, 0, []byte("e2l0")))
	data, err = s.ReadEpochKeyPairs(ctx, g, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("e1l1"), data)
	require.NoError(t, s.DeleteEpochKeyPairs(ctx, g, 1, 0))
	data, err = s.ReadEpochKeyPairs(ctx, g, 1, 0)
	require.NoError(t, err)
	assert.Nil(t, data)
	data, err = s.ReadEpochKeyPairs(ctx, g, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("e2l0"), data)

	type keyed struct {
		write func(context.Context, []byte, []byte) error
		read  func(context.Context, []byte) ([]byte, error)
		del   func(context.Context, []byte) error
	}
	for name, k := range map[string]keyed{
		"key package":   {s.WriteKeyPackage, s.ReadKeyPackage, s.DeleteKeyPackage},
		"encryption":    {s.WriteEncryptionKeyPair, s.ReadEncryptionKeyPair, s.DeleteEncryptionKeyPair},
		"signature key": {s.WriteSignatureKeyPair, s.ReadSignatureKeyPair, s.DeleteSignatureKeyPair},
	} {
		require.NoError(t, k.write(ctx, []byte("ref"), []byte("v1")), name)
		require.NoError(t, k.write(ctx, []byte("ref"), []byte("v2")), name)
		data, err := k.read(ctx, []byte("ref"))
		require.NoError(t, err, name)
		assert.Equal(t, []byte("v2"), data, name)
		require.NoError(t, k.del(ctx, []byte("ref")), name)
		data, err = k.read(ctx, []byte("ref"))
		require.NoError(t, err, name)
		assert.Nil(t, data, name)
	}
}

// groupScope reads everything a group snapshot covers.
type groupScope struct {
	Group     *types.Group
	Relays    []types.GroupRelay
	Secret0   *types.GroupExporterSecret
	Secret1   *types.GroupExporterSecret
	Tree      []byte
	Proposals []storage.Proposal
	LeafNodes [][]byte
	Keys0     []byte
	Keys1     []byte
}

func readScope(t *testing.T, s storage.Provider, id types.GroupID) groupScope {
	t.Helper()
	ctx := context.Background()
	var sc groupScope
	var err error

	sc.Group, err = s.FindGroupByMLSGroupID(ctx, id)
	require.NoError(t, err)
	if sc.Group != nil {
		sc.Relays, err = s.GroupRelays(ctx, id)
		require.NoError(t, err)
		sc.Secret0, err = s.GroupExporterSecret(ctx, id, 0)
		require.NoError(t, err)
		sc.Secret1, err = s.GroupExporterSecret(ctx, id, 1)
		require.NoError(t, err)
	}
	sc.Tree, err = s.ReadGroupData(ctx, id, storage.GroupDataTree)
	require.NoError(t, err)
	sc.Proposals, err = s.Proposals(ctx, id)
	require.NoError(t, err)
	sc.LeafNodes, err = s.OwnLeafNodes(ctx, id)
	require.NoError(t, err)
	sc.Keys0, err = s.ReadEpochKeyPairs(ctx, id, 0, 0)
	require.NoError(t, err)
	sc.Keys1, err = s.ReadEpochKeyPairs(ctx, id, 1, 0)
	require.NoError(t, err)
	return sc
}

// seedGroup writes a group with state in every scoped table.
func seedGroup(t *testing.T, s storage.Provider, n byte) types.Group {
	t.Helper()
	ctx := context.Background()
	g := NewGroup(n)
	require.NoError(t, s.SaveGroup(ctx, g))
	require.NoError(t, s.ReplaceGroupRelays(ctx, g.MLSGroupID, []string{"wss://r1"}))
	require.NoError(t, s.SaveGroupExporterSecret(ctx, types.GroupExporterSecret{MLSGroupID: g.MLSGroupID, Epoch: 0, Secret: [32]byte{n}}))
	require.NoError(t, s.WriteGroupData(ctx, g.MLSGroupID, storage.GroupDataTree, []byte("tree@0")))
	require.NoError(t, s.QueueProposal(ctx, g.MLSGroupID, storage.Proposal{Ref: []byte("p0"), Data: []byte("add")}))
	require.NoError(t, s.AppendOwnLeafNode(ctx, g.MLSGroupID, []byte("leaf0")))
	require.NoError(t, s.WriteEpochKeyPairs(ctx, g.MLSGroupID, 0, 0, []byte("keys@0")))
	return g
}

// advanceGroup applies the writes a commit would make.
func advanceGroup(t *testing.T, s storage.Provider, g types.Group) {
	t.Helper()
	ctx := context.Background()
	g.Epoch = 1
	g.Name = "after commit"
	require.NoError(t, s.SaveGroup(ctx, g))
	require.NoError(t, s.ReplaceGroupRelays(ctx, g.MLSGroupID, []string{"wss://r2"}))
	require.NoError(t, s.SaveGroupExporterSecret(ctx, types.GroupExporterSecret{MLSGroupID: g.MLSGroupID, Epoch: 1, Secret: [32]byte{0xFF}}))
	require.NoError(t, s.WriteGroupData(ctx, g.MLSGroupID, storage.GroupDataTree, []byte("tree@1")))
	require.NoError(t, s.ClearProposals(ctx, g.MLSGroupID))
	require.NoError(t, s.AppendOwnLeafNode(ctx, g.MLSGroupID, []byte("leaf1")))
	require.NoError(t, s.WriteEpochKeyPairs(ctx, g.MLSGroupID, 1, 0, []byte("keys@1")))
}

func testSnapshotRollback(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	g := seedGroup(t, s, 1)
	other := seedGroup(t, s, 2)
	require.NoError(t, s.SaveMessage(ctx, NewMessage(g.MLSGroupID, 1, 100, 0)))

	before := readScope(t, s, g.MLSGroupID)
	otherBefore := readScope(t, s, other.MLSGroupID)

	require.NoError(t, s.CreateGroupSnapshot(ctx, g.MLSGroupID, "pre-commit"))
	advanceGroup(t, s, g)
	require.NoError(t, s.SaveMessage(ctx, NewMessage(g.MLSGroupID, 2, 200, 1)))

	after := readScope(t, s, g.MLSGroupID)
	require.NotEqual(t, before, after)

	require.NoError(t, s.RollbackGroupToSnapshot(ctx, g.MLSGroupID, "pre-commit"))
	assert.Equal(t, before, readScope(t, s, g.MLSGroupID))
	assert.Equal(t, otherBefore, readScope(t, s, other.MLSGroupID))

	found, err := s.FindGroupByNostrGroupID(ctx, g.NostrGroupID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, uint64(0), found.Epoch)

	// Messages are outside the snapshot scope.
	m, err := s.FindMessageByEventID(ctx, g.MLSGroupID, EventID(2))
	require.NoError(t, err)
	assert.NotNil(t, m)

	// Rollback consumes the snapshot.
	snaps, err := s.ListGroupSnapshots(ctx, g.MLSGroupID)
	require.NoError(t, err)
	assert.Empty(t, snaps)
	assert.ErrorIs(t, s.RollbackGroupToSnapshot(ctx, g.MLSGroupID, "pre-commit"), storage.ErrNotFound)
}

func testSnapshotOfMissingGroup(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	id := GroupID(3)

	require.NoError(t, s.CreateGroupSnapshot(ctx, id, "before-join"))
	g := seedGroup(t, s, 3)

	require.NoError(t, s.RollbackGroupToSnapshot(ctx, id, "before-join"))
	found, err := s.FindGroupByMLSGroupID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, found)
	found, err = s.FindGroupByNostrGroupID(ctx, g.NostrGroupID)
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Equal(t, groupScope{}, readScope(t, s, id))
}

func testSnapshotLifecycle(t *testing.T, s storage.Provider, clock clockwork.FakeClock) {
	ctx := context.Background()
	g := seedGroup(t, s, 1)
	base := uint64(Epoch.Unix())

	assert.ErrorIs(t, s.CreateGroupSnapshot(ctx, g.MLSGroupID, ""), storage.ErrInvalidParameters)

	require.NoError(t, s.CreateGroupSnapshot(ctx, g.MLSGroupID, "a"))
	clock.Advance(10 * time.Second)
	require.NoError(t, s.CreateGroupSnapshot(ctx, g.MLSGroupID, "b"))
	clock.Advance(10 * time.Second)
	require.NoError(t, s.CreateGroupSnapshot(ctx, g.MLSGroupID, "c"))

	snaps, err := s.ListGroupSnapshots(ctx, g.MLSGroupID)
	require.NoError(t, err)
	assert.Equal(t, []types.SnapshotInfo{
		{Name: "a", CreatedAt: base},
		{Name: "b", CreatedAt: base + 10},
		{Name: "c", CreatedAt: base + 20},
	}, snaps)

	require.NoError(t, s.ReleaseGroupSnapshot(ctx, g.MLSGroupID, "c"))
	require.NoError(t, s.ReleaseGroupSnapshot(ctx, g.MLSGroupID, "never-existed"))

	// Recreating a name replaces the old snapshot.
	clock.Advance(10 * time.Second)
	require.NoError(t, s.CreateGroupSnapshot(ctx, g.MLSGroupID, "a"))

	n, err := s.PruneExpiredSnapshots(ctx, base+15)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snaps, err = s.ListGroupSnapshots(ctx, g.MLSGroupID)
	require.NoError(t, err)
	assert.Equal(t, []types.SnapshotInfo{{Name: "a", CreatedAt: base + 30}}, snaps)

	n, err = s.PruneExpiredSnapshots(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testConcurrentGroups(t *testing.T, s storage.Provider, _ clockwork.FakeClock) {
	ctx := context.Background()
	const groups = 4
	for n := byte(1); n <= groups; n++ {
		seedGroup(t, s, n)
	}

	var eg errgroup.Group
	for n := byte(1); n <= groups; n++ {
		id := GroupID(n)
		eg.Go(func() error {
			for i := range 5 {
				name := fmt.Sprintf("snap-%d", i)
				if err := s.CreateGroupSnapshot(ctx, id, name); err != nil {
					return err
				}
				if err := s.WriteGroupData(ctx, id, storage.GroupDataTree, []byte(name)); err != nil {
					return err
				}
				if err := s.RollbackGroupToSnapshot(ctx, id, name); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for n := byte(1); n <= groups; n++ {
		tree, err := s.ReadGroupData(ctx, GroupID(n), storage.GroupDataTree)
		require.NoError(t, err)
		assert.Equal(t, []byte("tree@0"), tree)
	}
}
