package mls_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/extension"
	"github.com/relves/mdk/internal/mls"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/internal/storage/memory"
	"github.com/relves/mdk/internal/storage/sqlite"
	"github.com/relves/mdk/internal/storage/storagetest"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

type member struct {
	id    nostr.PublicKey
	store storage.MLSStorage
	r     *mls.Ratchet
}

func newMember(t *testing.T, n byte, opts ...mls.Option) *member {
	t.Helper()
	s, err := memory.New()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &member{id: storagetest.PublicKey(n), store: s, r: mls.NewRatchet(s, opts...)}
}

func newSQLiteMember(t *testing.T, n byte) *member {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "mls-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })
	s, err := sqlite.Open(filepath.Join(tmpDir, "mdk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &member{id: storagetest.PublicKey(n), store: s, r: mls.NewRatchet(s)}
}

func groupData(admins ...nostr.PublicKey) extension.GroupData {
	return extension.GroupData{
		Version:      extension.CurrentVersion,
		NostrGroupID: [32]byte{0x42},
		Name:         "friends",
		Admins:       admins,
		Relays:       []string{"wss://relay.example"},
	}
}

// setup creates a group owned by creator and joins every other member.
func setup(t *testing.T, creator *member, others ...*member) types.GroupID {
	t.Helper()
	ctx := context.Background()
	var kps []*mls.KeyPackage
	for _, m := range others {
		kp, err := m.r.GenerateKeyPackage(ctx, m.id, false)
		require.NoError(t, err)
		kps = append(kps, kp)
	}
	created, err := creator.r.CreateGroup(ctx, creator.id, kps, groupData(creator.id))
	require.NoError(t, err)
	require.Len(t, created.Welcomes, len(others))
	for i, m := range others {
		assert.Equal(t, m.id, created.Welcomes[i].Recipient)
		info, err := m.r.JoinFromWelcome(ctx, created.Welcomes[i].Data)
		require.NoError(t, err)
		assert.True(t, info.GroupID.Equal(created.GroupID))
	}
	return created.GroupID
}

func requireSameEpoch(t *testing.T, id types.GroupID, members ...*member) {
	t.Helper()
	ctx := context.Background()
	epoch, err := members[0].r.Epoch(ctx, id)
	require.NoError(t, err)
	secret, err := members[0].r.ExportSecret(ctx, id)
	require.NoError(t, err)
	for _, m := range members[1:] {
		e, err := m.r.Epoch(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, epoch, e)
		s, err := m.r.ExportSecret(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, secret, s)
	}
}

func TestCreateJoinAndExchange(t *testing.T) {
	for name, newBob := range map[string]func(*testing.T, byte) *member{
		"memory": func(t *testing.T, n byte) *member { return newMember(t, n) },
		"sqlite": newSQLiteMember,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alice, bob := newMember(t, 1), newBob(t, 2)
			gid := setup(t, alice, bob)
			requireSameEpoch(t, gid, alice, bob)

			members, err := bob.r.Members(ctx, gid)
			require.NoError(t, err)
			assert.Equal(t, []mls.Member{{Index: 0, Identity: alice.id}, {Index: 1, Identity: bob.id}}, members)

			ext, err := bob.r.GroupExtension(ctx, gid)
			require.NoError(t, err)
			assert.Equal(t, "friends", ext.Name)
			assert.True(t, ext.IsAdmin(alice.id))

			msg, err := alice.r.Encrypt(ctx, gid, []byte("hi bob"))
			require.NoError(t, err)
			got, err := bob.r.Decrypt(ctx, gid, msg)
			require.NoError(t, err)
			assert.Equal(t, mls.ContentApplication, got.Type)
			assert.Equal(t, alice.id, got.Sender.Identity)
			assert.Equal(t, []byte("hi bob"), got.Payload)

			_, err = alice.r.Decrypt(ctx, gid, msg)
			assert.ErrorIs(t, err, mls.ErrOwnMessage)
		})
	}
}

func TestJoinConsumesKeyPackage(t *testing.T) {
	ctx := context.Background()
	alice, bob := newMember(t, 1), newMember(t, 2)

	kp, err := bob.r.GenerateKeyPackage(ctx, bob.id, false)
	require.NoError(t, err)
	created, err := alice.r.CreateGroup(ctx, alice.id, []*mls.KeyPackage{kp}, groupData(alice.id))
	require.NoError(t, err)

	info, err := bob.r.InspectWelcome(ctx, created.Welcomes[0].Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), info.MemberCount)
	assert.Equal(t, alice.id, info.Welcomer)
	assert.Equal(t, kp.Ref(), info.KeyPackageRef)

	_, err = bob.r.JoinFromWelcome(ctx, created.Welcomes[0].Data)
	require.NoError(t, err)

	stored, err := bob.store.ReadKeyPackage(ctx, kp.Ref())
	require.NoError(t, err)
	assert.Nil(t, stored)

	_, err = bob.r.JoinFromWelcome(ctx, created.Welcomes[0].Data)
	assert.ErrorIs(t, err, mls.ErrKeyPackageNotFound)
}

func TestLastResortKeyPackageSurvivesJoin(t *testing.T) {
	ctx := context.Background()
	alice, bob := newMember(t, 1), newMember(t, 2)

	kp, err := bob.r.GenerateKeyPackage(ctx, bob.id, true)
	require.NoError(t, err)
	assert.True(t, kp.LastResort)
	created, err := alice.r.CreateGroup(ctx, alice.id, []*mls.KeyPackage{kp}, groupData(alice.id))
	require.NoError(t, err)
	_, err = bob.r.JoinFromWelcome(ctx, created.Welcomes[0].Data)
	require.NoError(t, err)

	stored, err := bob.store.ReadKeyPackage(ctx, kp.Ref())
	require.NoError(t, err)
	assert.NotNil(t, stored)

	require.NoError(t, bob.r.DeleteKeyPackage(ctx, kp))
	stored, err = bob.store.ReadKeyPackage(ctx, kp.Ref())
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestParseKeyPackage(t *testing.T) {
	ctx := context.Background()
	bob := newMember(t, 2)
	kp, err := bob.r.GenerateKeyPackage(ctx, bob.id, false)
	require.NoError(t, err)

	parsed, err := bob.r.ParseKeyPackage(kp.Bytes())
	require.NoError(t, err)
	assert.Equal(t, bob.id, parsed.Identity)
	assert.Equal(t, kp.Ref(), parsed.Ref())
	assert.Contains(t, parsed.Capabilities, extension.Type)

	tampered := kp.Bytes()
	tampered[len(tampered)/2] ^= 0x01
	_, err = bob.r.ParseKeyPackage(tampered)
	assert.ErrorIs(t, err, mls.ErrInvalidKeyPackage)
}

func TestCommitAndMerge(t *testing.T) {
	ctx := context.Background()
	alice, bob := newMember(t, 1), newMember(t, 2)
	gid := setup(t, alice, bob)

	out, err := alice.r.Commit(ctx, gid, mls.CommitOptions{})
	require.NoError(t, err)
	assert.Empty(t, out.Welcomes)

	pending, err := alice.r.HasPendingCommit(ctx, gid)
	require.NoError(t, err)
	assert.True(t, pending)
	_, err = alice.r.Commit(ctx, gid, mls.CommitOptions{})
	assert.ErrorIs(t, err, mls.ErrPendingCommit)

	epoch, err := alice.r.Epoch(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), epoch)

	got, err := bob.r.Decrypt(ctx, gid, out.Message)
	require.NoError(t, err)
	require.NotNil(t, got.Commit)
	assert.True(t, got.Commit.PathOnly())
	assert.Equal(t, uint64(1), got.Commit.NewEpoch)
	require.NoError(t, bob.r.ProcessCommit(ctx, gid, got))
	require.NoError(t, alice.r.MergePendingCommit(ctx, gid))
	requireSameEpoch(t, gid, alice, bob)

	pending, err = alice.r.HasPendingCommit(ctx, gid)
	require.NoError(t, err)
	assert.False(t, pending)
	assert.ErrorIs(t, alice.r.MergePendingCommit(ctx, gid), mls.ErrNoPendingCommit)

	msg, err := bob.r.Encrypt(ctx, gid, []byte("after"))
	require.NoError(t, err)
	dec, err := alice.r.Decrypt(ctx, gid, msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dec.Epoch)
}

func TestClearPendingCommit(t *testing.T) {
	ctx := context.Background()
	alice, bob := newMember(t, 1), newMember(t, 2)
	gid := setup(t, alice, bob)

	_, err := alice.r.Commit(ctx, gid, mls.CommitOptions{})
	require.NoError(t, err)
	require.NoError(t, alice.r.ClearPendingCommit(ctx, gid))
	pending, err := alice.r.HasPendingCommit(ctx, gid)
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = alice.r.Commit(ctx, gid, mls.CommitOptions{})
	require.NoError(t, err)
}

func TestConcurrentCommitsReportWrongEpoch(t *testing.T) {
	ctx := context.Background()
	alice, bob := newMember(t, 1), newMember(t, 2)
	gid := setup(t, alice, bob)

	fromAlice, err := alice.r.Commit(ctx, gid, mls.CommitOptions{})
	require.NoError(t, err)
	fromBob, err := bob.r.Commit(ctx, gid, mls.CommitOptions{})
	require.NoError(t, err)

	require.NoError(t, alice.r.MergePendingCommit(ctx, gid))

	_, err = alice.r.Decrypt(ctx, gid, fromBob.Message)
	var wrong *mls.WrongEpochError
	require.ErrorAs(t, err, &wrong)
	assert.Equal(t, uint64(0), wrong.MessageEpoch)
	assert.Equal(t, uint64(1), wrong.CurrentEpoch)

	// Bob still sits at epoch 0 with his own commit pending; alice's commit
	// wins once he processes it.
	got, err := bob.r.Decrypt(ctx, gid, fromAlice.Message)
	require.NoError(t, err)
	require.NoError(t, bob.r.ProcessCommit(ctx, gid, got))
	pending, err := bob.r.HasPendingCommit(ctx, gid)
	require.NoError(t, err)
	assert.False(t, pending)
	requireSameEpoch(t, gid, alice, bob)
}

func TestPastEpochApplicationMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("retained", func(t *testing.T) {
		alice, bob := newMember(t, 1), newMember(t, 2)
		gid := setup(t, alice, bob)
		late := advanceAfterMessage(t, gid, alice, bob)

		got, err := alice.r.Decrypt(ctx, gid, late)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), got.Epoch)
		assert.Equal(t, []byte("late"), got.Payload)
	})

	t.Run("dropped", func(t *testing.T) {
		alice, bob := newMember(t, 1, mls.WithMaxPastEpochs(0)), newMember(t, 2)
		gid := setup(t, alice, bob)
		late := advanceAfterMessage(t, gid, alice, bob)

		_, err := alice.r.Decrypt(ctx, gid, late)
		assert.ErrorIs(t, err, mls.ErrEpochTooOld)
	})

	t.Run("future", func(t *testing.T) {
		alice, bob := newMember(t, 1), newMember(t, 2)
		gid := setup(t, alice, bob)
		_, err := alice.r.Commit(ctx, gid, mls.CommitOptions{})
		require.NoError(t, err)
		require.NoError(t, alice.r.MergePendingCommit(ctx, gid))

		msg, err := alice.r.Encrypt(ctx, gid, []byte("too soon"))
		require.NoError(t, err)
		_, err = bob.r.Decrypt(ctx, gid, msg)
		assert.ErrorIs(t, err, mls.ErrFutureEpoch)
	})
}

// advanceAfterMessage has bob encrypt at the current epoch and then moves
// both members one epoch forward. It returns bob's message.
func advanceAfterMessage(t *testing.T, gid types.GroupID, alice, bob *member) []byte {
	t.Helper()
	ctx := context.Background()
	late, err := bob.r.Encrypt(ctx, gid, []byte("late"))
	require.NoError(t, err)
	out, err := alice.r.Commit(ctx, gid, mls.CommitOptions{})
	require.NoError(t, err)
	require.NoError(t, alice.r.MergePendingCommit(ctx, gid))
	got, err := bob.r.Decrypt(ctx, gid, out.Message)
	require.NoError(t, err)
	require.NoError(t, bob.r.ProcessCommit(ctx, gid, got))
	return late
}

func TestAddAndRemoveMembers(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol := newMember(t, 1), newMember(t, 2), newMember(t, 3)
	gid := setup(t, alice, bob)

	kp, err := carol.r.GenerateKeyPackage(ctx, carol.id, false)
	require.NoError(t, err)
	out, err := alice.r.Commit(ctx, gid, mls.CommitOptions{Add: []*mls.KeyPackage{kp}})
	require.NoError(t, err)
	require.Len(t, out.Welcomes, 1)
	require.NoError(t, alice.r.MergePendingCommit(ctx, gid))

	got, err := bob.r.Decrypt(ctx, gid, out.Message)
	require.NoError(t, err)
	require.Len(t, got.Commit.Proposals, 1)
	assert.Equal(t, mls.ProposalAdd, got.Commit.Proposals[0].Kind)
	require.NoError(t, bob.r.ProcessCommit(ctx, gid, got))

	info, err := carol.r.JoinFromWelcome(ctx, out.Welcomes[0].Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Epoch)
	assert.Equal(t, uint32(3), info.MemberCount)
	requireSameEpoch(t, gid, alice, bob, carol)

	_, err = alice.r.Commit(ctx, gid, mls.CommitOptions{Add: []*mls.KeyPackage{kp}})
	assert.ErrorIs(t, err, mls.ErrAlreadyMember)

	out, err = alice.r.Commit(ctx, gid, mls.CommitOptions{Remove: []nostr.PublicKey{bob.id}})
	require.NoError(t, err)
	require.NoError(t, alice.r.MergePendingCommit(ctx, gid))

	got, err = bob.r.Decrypt(ctx, gid, out.Message)
	require.NoError(t, err)
	assert.True(t, got.Commit.RemovesSelf)
	require.NoError(t, bob.r.ProcessCommit(ctx, gid, got))
	_, err = bob.r.Encrypt(ctx, gid, []byte("still here?"))
	assert.ErrorIs(t, err, mls.ErrEvicted)
	_, err = bob.r.ExportSecret(ctx, gid)
	assert.ErrorIs(t, err, mls.ErrEvicted)

	got, err = carol.r.Decrypt(ctx, gid, out.Message)
	require.NoError(t, err)
	assert.False(t, got.Commit.RemovesSelf)
	require.NoError(t, carol.r.ProcessCommit(ctx, gid, got))
	requireSameEpoch(t, gid, alice, carol)

	members, err := carol.r.Members(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, []mls.Member{{Index: 0, Identity: alice.id}, {Index: 2, Identity: carol.id}}, members)
}

func TestQueuedSelfRemoval(t *testing.T) {
	ctx := context.Background()
	alice, bob := newMember(t, 1), newMember(t, 2)
	gid := setup(t, alice, bob)

	proposal, err := bob.r.Propose(ctx, gid, mls.Proposal{Kind: mls.ProposalRemove, Removed: bob.id})
	require.NoError(t, err)

	got, err := alice.r.Decrypt(ctx, gid, proposal)
	require.NoError(t, err)
	require.NotNil(t, got.Proposal)
	assert.Equal(t, bob.id, got.Proposal.Removed)
	assert.Len(t, got.Ref, 32)
	require.NoError(t, alice.r.QueueProposal(ctx, gid, got))

	out, err := alice.r.Commit(ctx, gid, mls.CommitOptions{})
	require.NoError(t, err)
	require.NoError(t, alice.r.MergePendingCommit(ctx, gid))

	queued, err := alice.store.Proposals(ctx, gid)
	require.NoError(t, err)
	assert.Empty(t, queued)

	staged, err := bob.r.Decrypt(ctx, gid, out.Message)
	require.NoError(t, err)
	assert.False(t, staged.Commit.PathOnly())
	assert.True(t, staged.Commit.RemovesSelf)
}

func TestUpdateExtension(t *testing.T) {
	ctx := context.Background()
	alice, bob := newMember(t, 1), newMember(t, 2)
	gid := setup(t, alice, bob)

	ext := groupData(alice.id, bob.id)
	ext.Name = "renamed"
	out, err := alice.r.Commit(ctx, gid, mls.CommitOptions{Extension: &ext})
	require.NoError(t, err)
	require.NoError(t, alice.r.MergePendingCommit(ctx, gid))
	got, err := bob.r.Decrypt(ctx, gid, out.Message)
	require.NoError(t, err)
	require.NoError(t, bob.r.ProcessCommit(ctx, gid, got))

	decoded, err := bob.r.GroupExtension(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, "renamed", decoded.Name)
	assert.True(t, decoded.IsAdmin(bob.id))
}

func TestDecryptRejectsOtherGroup(t *testing.T) {
	ctx := context.Background()
	alice, bob := newMember(t, 1), newMember(t, 2)
	gid := setup(t, alice, bob)

	msg, err := alice.r.Encrypt(ctx, gid, []byte("x"))
	require.NoError(t, err)
	_, err = bob.r.Decrypt(ctx, storagetest.GroupID(9), msg)
	assert.ErrorIs(t, err, mls.ErrWrongGroup)

	_, err = bob.r.Decrypt(ctx, gid, []byte("not a message"))
	assert.ErrorIs(t, err, mls.ErrMalformedMessage)

	_, err = bob.r.Epoch(ctx, storagetest.GroupID(9))
	assert.ErrorIs(t, err, mls.ErrGroupNotFound)
}
