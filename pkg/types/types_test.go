package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

func msg(id byte, created, processed nostr.Timestamp) *types.Message {
	return &types.Message{ID: nostr.EventID{id}, CreatedAt: created, ProcessedAt: processed}
}

func TestCompareDisplayKeys(t *testing.T) {
	a := msg(1, 100, 5)
	b := msg(2, 99, 50)

	assert.Positive(t, types.CompareMessages(types.SortCreatedAtFirst, a, b))
	assert.Negative(t, types.CompareMessages(types.SortProcessedAtFirst, a, b))

	// equal timestamps fall through to the id
	c := msg(3, 100, 5)
	assert.Negative(t, types.CompareMessages(types.SortCreatedAtFirst, a, c))
	assert.Negative(t, types.CompareMessages(types.SortProcessedAtFirst, a, c))
}

func TestGroup_UpdateLastMessageIfNewer(t *testing.T) {
	var g types.Group

	first := msg(5, 100, 100)
	assert.True(t, g.UpdateLastMessageIfNewer(first))
	require.NotNil(t, g.LastMessageID)
	assert.Equal(t, first.ID, *g.LastMessageID)

	older := msg(9, 90, 200)
	assert.False(t, g.UpdateLastMessageIfNewer(older))
	assert.Equal(t, first.ID, *g.LastMessageID)

	sameTimeHigherID := msg(6, 100, 100)
	assert.True(t, g.UpdateLastMessageIfNewer(sameTimeHigherID))
	assert.Equal(t, sameTimeHigherID.ID, *g.LastMessageID)
	assert.Equal(t, nostr.Timestamp(100), *g.LastMessageProcessedAt)
}

func TestGroup_UpdateLastMessageLegacyFields(t *testing.T) {
	at := nostr.Timestamp(100)
	g := types.Group{LastMessageAt: &at}

	// without a processed_at an equal created_at still replaces
	assert.True(t, g.UpdateLastMessageIfNewer(msg(1, 100, 1)))
}

func TestGroup_CloneIsDeep(t *testing.T) {
	hash := [32]byte{1}
	g := types.Group{
		MLSGroupID:   types.GroupID{1, 2, 3},
		ImageHash:    &hash,
		AdminPubkeys: []nostr.PublicKey{{1}},
	}
	c := g.Clone()
	c.MLSGroupID[0] = 9
	c.ImageHash[0] = 9
	c.AdminPubkeys[0] = nostr.PublicKey{9}

	assert.Equal(t, byte(1), g.MLSGroupID[0])
	assert.Equal(t, byte(1), g.ImageHash[0])
	assert.Equal(t, nostr.PublicKey{1}, g.AdminPubkeys[0])
}

func TestSortPublicKeys(t *testing.T) {
	keys := []nostr.PublicKey{{3}, {1}, {3}, {2}}
	sorted := types.SortPublicKeys(keys)
	assert.Equal(t, []nostr.PublicKey{{1}, {2}, {3}}, sorted)

	g := types.Group{AdminPubkeys: sorted}
	assert.True(t, g.IsAdmin(nostr.PublicKey{2}))
	assert.False(t, g.IsAdmin(nostr.PublicKey{4}))
}

func TestParseStates(t *testing.T) {
	_, err := types.ParseGroupState("active")
	assert.NoError(t, err)
	_, err = types.ParseGroupState("deleted")
	assert.Error(t, err)

	st, err := types.ParseProcessedMessageState("processed_commit")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessedMessageStateProcessedCommit, st)

	_, err = types.ParseWelcomeState("unknown")
	assert.Error(t, err)
}
