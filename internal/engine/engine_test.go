package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/internal/engine"
	"github.com/relves/mdk/internal/mls"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/internal/storage/memory"
	"github.com/relves/mdk/internal/storage/sqlite"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

var testRelays = []string{"wss://relay.example"}

// recorder collects callback invocations.
type recorder struct {
	mu        sync.Mutex
	rollbacks []engine.RollbackInfo
	epochs    []uint64
	messages  []types.Message
}

func (r *recorder) OnRollback(info engine.RollbackInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks = append(r.rollbacks, info)
}

func (r *recorder) OnEpochAdvanced(_ types.GroupID, epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epochs = append(r.epochs, epoch)
}

func (r *recorder) OnApplicationMessage(msg types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

type peer struct {
	keys   *nostr.Keys
	store  storage.Provider
	mls    *mls.Ratchet
	clock  clockwork.FakeClock
	cb     *recorder
	engine *engine.Engine
}

func (p *peer) pk() nostr.PublicKey { return p.keys.PublicKey() }

func newPeer(t *testing.T, at int64, opts ...engine.Option) *peer {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Unix(at, 0))
	store, err := memory.New(memory.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return newPeerWithStore(t, clock, store, opts...)
}

func newSQLitePeer(t *testing.T, at int64) *peer {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "engine-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })
	clock := clockwork.NewFakeClockAt(time.Unix(at, 0))
	store, err := sqlite.Open(filepath.Join(tmpDir, "mdk.db"), sqlite.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return newPeerWithStore(t, clock, store)
}

func newPeerWithStore(t *testing.T, clock clockwork.FakeClock, store storage.Provider, opts ...engine.Option) *peer {
	t.Helper()
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)
	p := &peer{keys: keys, store: store, mls: mls.NewRatchet(store), clock: clock, cb: &recorder{}}
	opts = append([]engine.Option{engine.WithClock(clock), engine.WithCallback(p.cb)}, opts...)
	p.engine = engine.New(store, p.mls, keys, opts...)
	return p
}

// keyPackageEvent publishes a key package for p.
func keyPackageEvent(t *testing.T, p *peer) *nostr.Event {
	t.Helper()
	content, tags, err := p.engine.CreateKeyPackageForEvent(context.Background(), p.pk(), testRelays)
	require.NoError(t, err)
	ev := &nostr.Event{
		CreatedAt: nostr.TimestampFrom(p.clock.Now()),
		Kind:      nostr.KindMLSKeyPackage,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, p.keys.Sign(ev))
	return ev
}

func wrapperID(t *testing.T) nostr.EventID {
	t.Helper()
	k, err := crypto.RandomKey()
	require.NoError(t, err)
	return nostr.EventID(k)
}

// join processes and accepts a welcome rumor on p.
func join(t *testing.T, p *peer, rumor nostr.Event) {
	t.Helper()
	ctx := context.Background()
	w, err := p.engine.ProcessWelcome(ctx, wrapperID(t), &rumor)
	require.NoError(t, err)
	_, err = p.engine.AcceptWelcome(ctx, w.ID)
	require.NoError(t, err)
}

// setupGroup creates a group administered by creator with every other peer
// joined at epoch 0.
func setupGroup(t *testing.T, creator *peer, others ...*peer) types.GroupID {
	t.Helper()
	ctx := context.Background()
	var kps []*nostr.Event
	for _, p := range others {
		kps = append(kps, keyPackageEvent(t, p))
	}
	res, err := creator.engine.CreateGroup(ctx, creator.pk(), kps, engine.GroupConfig{
		Name:   "friends",
		Relays: testRelays,
		Admins: []nostr.PublicKey{creator.pk()},
	})
	require.NoError(t, err)
	require.Len(t, res.WelcomeRumors, len(others))
	for i, p := range others {
		join(t, p, res.WelcomeRumors[i])
	}
	return res.Group.MLSGroupID
}

func chat(t *testing.T, p *peer, id types.GroupID, content string) nostr.Event {
	t.Helper()
	ev, err := p.engine.CreateMessage(context.Background(), id, nostr.Event{Kind: nostr.KindChatMessage, Content: content})
	require.NoError(t, err)
	return ev
}

func process(t *testing.T, p *peer, ev nostr.Event) *engine.MessageProcessingResult {
	t.Helper()
	res, err := p.engine.ProcessMessage(context.Background(), &ev)
	require.NoError(t, err)
	return res
}

// selfUpdate commits and merges a path update on p.
func selfUpdate(t *testing.T, p *peer, id types.GroupID) nostr.Event {
	t.Helper()
	ctx := context.Background()
	res, err := p.engine.SelfUpdate(ctx, id)
	require.NoError(t, err)
	require.NoError(t, p.engine.MergePendingCommit(ctx, id))
	return res.EvolutionEvent
}

func requireSameSecret(t *testing.T, id types.GroupID, peers ...*peer) {
	t.Helper()
	ctx := context.Background()
	want, err := peers[0].engine.ExporterSecret(ctx, id)
	require.NoError(t, err)
	for _, p := range peers[1:] {
		got, err := p.engine.ExporterSecret(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want.Epoch, got.Epoch)
		assert.Equal(t, want.Secret, got.Secret)
	}
}

func TestCreateGroupAndExchangeMessages(t *testing.T) {
	for name, newP := range map[string]func(*testing.T, int64) *peer{
		"memory": func(t *testing.T, at int64) *peer { return newPeer(t, at) },
		"sqlite": newSQLitePeer,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alice, bob := newP(t, 1000), newP(t, 1000)
			id := setupGroup(t, alice, bob)

			g, err := bob.engine.GetGroup(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "friends", g.Name)
			assert.True(t, g.IsAdmin(alice.pk()))
			assert.Equal(t, types.GroupStateActive, g.State)
			relays, err := bob.engine.GetRelays(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, testRelays, relays)
			members, err := bob.engine.GetMembers(ctx, id)
			require.NoError(t, err)
			assert.ElementsMatch(t, []nostr.PublicKey{alice.pk(), bob.pk()}, members)
			requireSameSecret(t, id, alice, bob)

			ev := chat(t, alice, id, "hello bob")
			res := process(t, bob, ev)
			require.Equal(t, engine.ResultApplicationMessage, res.Kind)
			assert.Equal(t, "hello bob", res.Message.Content)
			assert.Equal(t, alice.pk(), res.Message.Pubkey)
			assert.Equal(t, types.MessageStateProcessed, res.Message.State)
			require.Len(t, bob.cb.messages, 1)

			g, err = bob.engine.GetGroup(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, g.LastMessageID)
			assert.Equal(t, res.Message.ID, *g.LastMessageID)

			// The relay echo of our own message confirms it.
			echo := process(t, alice, ev)
			require.Equal(t, engine.ResultApplicationMessage, echo.Kind)
			assert.Equal(t, types.MessageStateProcessed, echo.Message.State)
			assert.Empty(t, alice.cb.messages)

			msgs, err := bob.engine.GetMessages(ctx, id, nil)
			require.NoError(t, err)
			assert.Len(t, msgs, 1)
		})
	}
}

func TestProcessMessageIsIdempotent(t *testing.T) {
	alice, bob := newPeer(t, 1000), newPeer(t, 1000)
	id := setupGroup(t, alice, bob)

	ev := chat(t, alice, id, "once")
	require.Equal(t, engine.ResultApplicationMessage, process(t, bob, ev).Kind)
	assert.Equal(t, engine.ResultUnprocessable, process(t, bob, ev).Kind)
	assert.Len(t, bob.cb.messages, 1)

	commit := selfUpdate(t, alice, id)
	require.Equal(t, engine.ResultCommit, process(t, bob, commit).Kind)
	require.Equal(t, engine.ResultCommit, process(t, bob, commit).Kind)
	assert.Equal(t, []uint64{1}, bob.cb.epochs)

	// Own commit echo.
	assert.Equal(t, engine.ResultCommit, process(t, alice, commit).Kind)
	requireSameSecret(t, id, alice, bob)
}

func TestProcessMessageRejectsBadEncoding(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, 1000), newPeer(t, 1000)
	id := setupGroup(t, alice, bob)
	ev := chat(t, alice, id, "hi")

	resign := func(tags nostr.Tags) nostr.Event {
		out := ev.Clone()
		out.Tags = tags
		keys, err := nostr.GenerateKeys()
		require.NoError(t, err)
		require.NoError(t, keys.Sign(&out))
		return out
	}

	missing := resign(nostr.Tags{ev.Tags.Find("h")})
	_, err := bob.engine.ProcessMessage(ctx, &missing)
	assert.ErrorIs(t, err, nostr.ErrMissingEncodingTag)

	hexEncoded := resign(nostr.Tags{ev.Tags.Find("h"), {"encoding", "hex"}})
	_, err = bob.engine.ProcessMessage(ctx, &hexEncoded)
	assert.ErrorIs(t, err, nostr.ErrUnsupportedEncoding)

	for _, w := range []nostr.EventID{missing.ID, hexEncoded.ID} {
		pm, err := bob.store.FindProcessedMessageByEventID(ctx, w)
		require.NoError(t, err)
		assert.Nil(t, pm)
	}
}

func TestProcessMessageValidation(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, 1000), newPeer(t, 1000)
	id := setupGroup(t, alice, bob)

	t.Run("wrong kind", func(t *testing.T) {
		ev := chat(t, alice, id, "hi")
		ev.Kind = nostr.KindChatMessage
		_, err := bob.engine.ProcessMessage(ctx, &ev)
		assert.ErrorIs(t, err, engine.ErrWrongKind)
	})

	t.Run("tampered", func(t *testing.T) {
		ev := chat(t, alice, id, "hi")
		ev.Content = nostr.EncodeContent([]byte("tampered"))
		_, err := bob.engine.ProcessMessage(ctx, &ev)
		assert.ErrorIs(t, err, nostr.ErrInvalidID)
	})

	t.Run("unknown group", func(t *testing.T) {
		ev := nostr.Event{
			CreatedAt: nostr.TimestampFrom(bob.clock.Now()),
			Kind:      nostr.KindMLSGroupMessage,
			Tags:      nostr.Tags{{"h", wrapperID(t).Hex()}, nostr.EncodingTag()},
			Content:   nostr.EncodeContent([]byte("whatever")),
		}
		require.NoError(t, alice.keys.Sign(&ev))
		_, err := bob.engine.ProcessMessage(ctx, &ev)
		assert.ErrorIs(t, err, engine.ErrUnknownGroup)
		pm, err := bob.store.FindProcessedMessageByEventID(ctx, ev.ID)
		require.NoError(t, err)
		assert.Nil(t, pm)
	})

	t.Run("undecryptable is recorded", func(t *testing.T) {
		g, err := bob.engine.GetGroup(ctx, id)
		require.NoError(t, err)
		ev := nostr.Event{
			CreatedAt: nostr.TimestampFrom(bob.clock.Now()),
			Kind:      nostr.KindMLSGroupMessage,
			Tags:      nostr.Tags{{"h", types.GroupID(g.NostrGroupID[:]).Hex()}, nostr.EncodingTag()},
			Content:   nostr.EncodeContent([]byte("not sealed for this group")),
		}
		require.NoError(t, alice.keys.Sign(&ev))

		res := process(t, bob, ev)
		assert.Equal(t, engine.ResultUnprocessable, res.Kind)
		pm, err := bob.store.FindProcessedMessageByEventID(ctx, ev.ID)
		require.NoError(t, err)
		require.NotNil(t, pm)
		assert.Equal(t, types.ProcessedMessageStateFailed, pm.State)
		assert.Nil(t, pm.Epoch)
		assert.True(t, pm.MLSGroupID.Equal(id))
		assert.Equal(t, "decryption_failed", pm.FailureReason)

		assert.Equal(t, engine.ResultPreviouslyFailed, process(t, bob, ev).Kind)
	})

	t.Run("too old", func(t *testing.T) {
		ev := chat(t, alice, id, "hi")
		bob.clock.Advance(engine.DefaultMaxEventAge + time.Hour)
		_, err := bob.engine.ProcessMessage(ctx, &ev)
		assert.ErrorIs(t, err, engine.ErrEventTooOld)
	})
}

func TestCreateGroupValidation(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, 1000), newPeer(t, 1000)
	kp := keyPackageEvent(t, bob)

	_, err := alice.engine.CreateGroup(ctx, alice.pk(), []*nostr.Event{kp}, engine.GroupConfig{
		Relays: testRelays,
		Admins: []nostr.PublicKey{bob.pk()},
	})
	assert.ErrorIs(t, err, engine.ErrCreatorNotAdmin)

	_, err = alice.engine.CreateGroup(ctx, alice.pk(), []*nostr.Event{kp}, engine.GroupConfig{
		Admins: []nostr.PublicKey{alice.pk()},
	})
	assert.ErrorIs(t, err, storage.ErrNoRelays)

	_, err = alice.engine.CreateGroup(ctx, alice.pk(), []*nostr.Event{keyPackageEvent(t, alice)}, engine.GroupConfig{
		Relays: testRelays,
		Admins: []nostr.PublicKey{alice.pk()},
	})
	assert.ErrorIs(t, err, engine.ErrCreatorIsMember)

	groups, err := alice.engine.GetGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestKeyPackageEvents(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, 1000), newPeer(t, 1000)

	ev := keyPackageEvent(t, alice)
	assert.Equal(t, mls.ProtocolVersion, ev.Tags.Find("mls_protocol_version").Value())
	assert.Equal(t, "0x0003", ev.Tags.Find("mls_ciphersuite").Value())
	assert.Equal(t, []string{"mls_extensions", "0x000a", "0xf2ee"}, []string(ev.Tags.Find("mls_extensions")))
	assert.Equal(t, nostr.EncodingBase64, ev.Tags.Find("encoding").Value())

	kp, err := bob.engine.ParseKeyPackage(ev)
	require.NoError(t, err)
	assert.Equal(t, alice.pk(), kp.Identity)

	forged := ev.Rumor()
	require.NoError(t, bob.keys.Sign(&forged))
	_, err = bob.engine.ParseKeyPackage(&forged)
	assert.ErrorIs(t, err, engine.ErrKeyPackageIdentity)

	noEncoding := ev.Rumor()
	noEncoding.Tags = nil
	require.NoError(t, alice.keys.Sign(&noEncoding))
	_, err = bob.engine.ParseKeyPackage(&noEncoding)
	assert.ErrorIs(t, err, nostr.ErrMissingEncodingTag)

	require.NoError(t, alice.engine.DeleteKeyPackage(ctx, ev))
}

func TestWelcomeLifecycle(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, 1000), newPeer(t, 1000)
	res, err := alice.engine.CreateGroup(ctx, alice.pk(), []*nostr.Event{keyPackageEvent(t, bob)}, engine.GroupConfig{
		Name:        "friends",
		Description: "weekend plans",
		Relays:      testRelays,
		Admins:      []nostr.PublicKey{alice.pk()},
	})
	require.NoError(t, err)
	rumor := res.WelcomeRumors[0]
	assert.Equal(t, nostr.KindMLSWelcome, rumor.Kind)
	assert.Nil(t, rumor.Sig)

	wrapper := wrapperID(t)
	w, err := bob.engine.ProcessWelcome(ctx, wrapper, &rumor)
	require.NoError(t, err)
	assert.Equal(t, types.WelcomeStatePending, w.State)
	assert.Equal(t, "friends", w.GroupName)
	assert.Equal(t, "weekend plans", w.GroupDescription)
	assert.Equal(t, alice.pk(), w.Welcomer)
	assert.Equal(t, uint32(2), w.MemberCount)
	assert.Equal(t, testRelays, w.GroupRelays)

	again, err := bob.engine.ProcessWelcome(ctx, wrapper, &rumor)
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)

	pending, err := bob.engine.GetPendingWelcomes(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	g, err := bob.engine.AcceptWelcome(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, g.MLSGroupID.Equal(res.Group.MLSGroupID))
	assert.Equal(t, res.Group.NostrGroupID, g.NostrGroupID)

	_, err = bob.engine.AcceptWelcome(ctx, w.ID)
	assert.ErrorIs(t, err, engine.ErrWelcomeNotPending)
	stored, err := bob.engine.GetWelcome(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WelcomeStateAccepted, stored.State)
	requireSameSecret(t, g.MLSGroupID, alice, bob)
}

func TestWelcomeFailuresAreRecorded(t *testing.T) {
	ctx := context.Background()
	bob := newPeer(t, 1000)
	rumor := nostr.Event{
		PubKey:  bob.pk(),
		Kind:    nostr.KindMLSWelcome,
		Tags:    nostr.Tags{nostr.EncodingTag()},
		Content: nostr.EncodeContent([]byte("not a welcome")),
	}
	rumor.EnsureID()

	wrapper := wrapperID(t)
	_, err := bob.engine.ProcessWelcome(ctx, wrapper, &rumor)
	require.Error(t, err)
	_, err = bob.engine.ProcessWelcome(ctx, wrapper, &rumor)
	assert.ErrorIs(t, err, engine.ErrWelcomeFailed)

	_, err = bob.engine.AcceptWelcome(ctx, rumor.ID)
	assert.ErrorIs(t, err, engine.ErrWelcomeNotFound)
}

func TestDeclineWelcome(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, 1000), newPeer(t, 1000)
	res, err := alice.engine.CreateGroup(ctx, alice.pk(), []*nostr.Event{keyPackageEvent(t, bob)}, engine.GroupConfig{
		Relays: testRelays,
		Admins: []nostr.PublicKey{alice.pk()},
	})
	require.NoError(t, err)
	w, err := bob.engine.ProcessWelcome(ctx, wrapperID(t), &res.WelcomeRumors[0])
	require.NoError(t, err)

	require.NoError(t, bob.engine.DeclineWelcome(ctx, w.ID))
	_, err = bob.engine.AcceptWelcome(ctx, w.ID)
	assert.ErrorIs(t, err, engine.ErrWelcomeNotPending)
	pending, err := bob.engine.GetPendingWelcomes(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAddAndRemoveMembers(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol := newPeer(t, 1000), newPeer(t, 1000), newPeer(t, 1000)
	id := setupGroup(t, alice, bob)

	_, err := bob.engine.AddMembers(ctx, id, []*nostr.Event{keyPackageEvent(t, carol)})
	assert.ErrorIs(t, err, engine.ErrNotAdmin)

	add, err := alice.engine.AddMembers(ctx, id, []*nostr.Event{keyPackageEvent(t, carol)})
	require.NoError(t, err)
	require.Len(t, add.WelcomeRumors, 1)
	require.NoError(t, alice.engine.MergePendingCommit(ctx, id))
	require.Equal(t, engine.ResultCommit, process(t, bob, add.EvolutionEvent).Kind)
	join(t, carol, add.WelcomeRumors[0])
	requireSameSecret(t, id, alice, bob, carol)

	require.Equal(t, engine.ResultApplicationMessage, process(t, carol, chat(t, bob, id, "welcome carol")).Kind)

	_, err = alice.engine.RemoveMembers(ctx, id, []nostr.PublicKey{alice.pk()})
	assert.ErrorIs(t, err, engine.ErrRemoveSelf)

	remove, err := alice.engine.RemoveMembers(ctx, id, []nostr.PublicKey{bob.pk()})
	require.NoError(t, err)
	require.NoError(t, alice.engine.MergePendingCommit(ctx, id))
	require.Equal(t, engine.ResultCommit, process(t, carol, remove.EvolutionEvent).Kind)
	require.Equal(t, engine.ResultCommit, process(t, bob, remove.EvolutionEvent).Kind)

	g, err := bob.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.GroupStateInactive, g.State)
	members, err := carol.engine.GetMembers(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []nostr.PublicKey{alice.pk(), carol.pk()}, members)
	requireSameSecret(t, id, alice, carol)
}

func TestLeaveGroup(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol := newPeer(t, 1000), newPeer(t, 1000), newPeer(t, 1000)
	id := setupGroup(t, alice, bob, carol)

	leave, err := carol.engine.LeaveGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.ResultUnprocessable, process(t, carol, leave).Kind)
	assert.Equal(t, engine.ResultPendingProposal, process(t, bob, leave).Kind)

	res := process(t, alice, leave)
	require.Equal(t, engine.ResultProposal, res.Kind)
	require.NotNil(t, res.Proposal)
	require.NoError(t, alice.engine.MergePendingCommit(ctx, id))

	require.Equal(t, engine.ResultCommit, process(t, bob, res.Proposal.EvolutionEvent).Kind)
	require.Equal(t, engine.ResultCommit, process(t, carol, res.Proposal.EvolutionEvent).Kind)
	g, err := carol.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.GroupStateInactive, g.State)

	members, err := bob.engine.GetMembers(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []nostr.PublicKey{alice.pk(), bob.pk()}, members)
	requireSameSecret(t, id, alice, bob)
}

func TestUpdateGroupData(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, 1000), newPeer(t, 1000)
	id := setupGroup(t, alice, bob)

	_, err := alice.engine.UpdateGroupData(ctx, id, engine.GroupDataUpdate{Admins: []nostr.PublicKey{}})
	assert.ErrorIs(t, err, storage.ErrNoAdmins)
	_, err = alice.engine.UpdateGroupData(ctx, id, engine.GroupDataUpdate{Relays: []string{}})
	assert.ErrorIs(t, err, storage.ErrNoRelays)
	name := "renamed"
	_, err = bob.engine.UpdateGroupData(ctx, id, engine.GroupDataUpdate{Name: &name})
	assert.ErrorIs(t, err, engine.ErrNotAdmin)

	res, err := alice.engine.UpdateGroupData(ctx, id, engine.GroupDataUpdate{
		Name:   &name,
		Admins: []nostr.PublicKey{alice.pk(), bob.pk()},
		Relays: []string{"wss://two.example", "wss://one.example"},
	})
	require.NoError(t, err)
	require.NoError(t, alice.engine.MergePendingCommit(ctx, id))
	require.Equal(t, engine.ResultCommit, process(t, bob, res.EvolutionEvent).Kind)

	for _, p := range []*peer{alice, bob} {
		g, err := p.engine.GetGroup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "renamed", g.Name)
		assert.Equal(t, uint64(1), g.Epoch)
		assert.True(t, g.IsAdmin(bob.pk()))
		relays, err := p.engine.GetRelays(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"wss://one.example", "wss://two.example"}, relays)
	}

	// Bob is an admin now and may commit proposals.
	_, err = bob.engine.RemoveMembers(ctx, id, []nostr.PublicKey{alice.pk()})
	require.NoError(t, err)
	require.NoError(t, bob.engine.ClearPendingCommit(ctx, id))
}

func TestCommitFromNonAdminIsRejected(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol := newPeer(t, 1000), newPeer(t, 1000), newPeer(t, 1000)
	id := setupGroup(t, alice, bob, carol)

	// Bob drives his provider directly to build a commit his engine refuses.
	out, err := bob.mls.Commit(ctx, id, mls.CommitOptions{Remove: []nostr.PublicKey{carol.pk()}})
	require.NoError(t, err)
	ev := sealForGroup(t, bob, id, out.Message)
	require.NoError(t, bob.mls.ClearPendingCommit(ctx, id))

	_, err = alice.engine.ProcessMessage(ctx, &ev)
	assert.ErrorIs(t, err, engine.ErrCommitFromNonAdmin)
	pm, err := alice.store.FindProcessedMessageByEventID(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, pm)
	assert.Equal(t, types.ProcessedMessageStateFailed, pm.State)
	require.NotNil(t, pm.Epoch)
	assert.Equal(t, uint64(0), *pm.Epoch)

	g, err := alice.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), g.Epoch)
}

func TestClearPendingCommit(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPeer(t, 1000), newPeer(t, 1000)
	id := setupGroup(t, alice, bob)

	res, err := alice.engine.SelfUpdate(ctx, id)
	require.NoError(t, err)
	_, err = alice.engine.SelfUpdate(ctx, id)
	assert.ErrorIs(t, err, mls.ErrPendingCommit)

	require.NoError(t, alice.engine.ClearPendingCommit(ctx, id))
	assert.ErrorIs(t, alice.engine.MergePendingCommit(ctx, id), mls.ErrNoPendingCommit)
	assert.Equal(t, engine.ResultPreviouslyFailed, process(t, alice, res.EvolutionEvent).Kind)

	g, err := alice.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), g.Epoch)
}

// sealForGroup wraps an MLS message the way the engine does for kind 445.
func sealForGroup(t *testing.T, p *peer, id types.GroupID, payload []byte) nostr.Event {
	t.Helper()
	ctx := context.Background()
	g, err := p.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	secret, err := p.engine.ExporterSecret(ctx, id)
	require.NoError(t, err)
	key, err := crypto.DeriveKey(secret.Secret[:], nil, []byte("mdk group event"))
	require.NoError(t, err)
	c, err := crypto.NewCipher(key[:])
	require.NoError(t, err)
	sealed, err := c.Seal(payload, g.NostrGroupID[:])
	require.NoError(t, err)
	ev := nostr.Event{
		CreatedAt: nostr.TimestampFrom(p.clock.Now()),
		Kind:      nostr.KindMLSGroupMessage,
		Tags:      nostr.Tags{{"h", types.GroupID(g.NostrGroupID[:]).Hex()}, nostr.EncodingTag()},
		Content:   nostr.EncodeContent(sealed),
	}
	require.NoError(t, p.keys.Sign(&ev))
	return ev
}
