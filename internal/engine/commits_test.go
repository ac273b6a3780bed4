package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/engine"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

var errSecretWrite = errors.New("secret write failed")

// failingStore fails exporter secret writes while failing is set.
type failingStore struct {
	storage.Provider

	mu      sync.Mutex
	failing bool
}

func (s *failingStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *failingStore) SaveGroupExporterSecret(ctx context.Context, secret types.GroupExporterSecret) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errSecretWrite
	}
	return s.Provider.SaveGroupExporterSecret(ctx, secret)
}

// newFailingPeer is a peer whose engine writes through a failingStore. The
// MLS provider keeps the underlying store.
func newFailingPeer(t *testing.T, at int64) (*peer, *failingStore) {
	t.Helper()
	p := newPeer(t, at)
	fs := &failingStore{Provider: p.store}
	p.engine = engine.New(fs, p.mls, p.keys, engine.WithClock(p.clock), engine.WithCallback(p.cb))
	return p, fs
}

func requireEpoch(t *testing.T, p *peer, id types.GroupID, want uint64) {
	t.Helper()
	ctx := context.Background()
	g, err := p.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want, g.Epoch)
	epoch, err := p.mls.Epoch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want, epoch)
}

func TestFailedCommitLeavesGroupAtSourceEpoch(t *testing.T) {
	ctx := context.Background()
	alice := newPeer(t, 1000)
	bob, fs := newFailingPeer(t, 1000)
	id := setupGroup(t, alice, bob)
	before, err := bob.engine.ExporterSecret(ctx, id)
	require.NoError(t, err)

	commit := selfUpdate(t, alice, id)
	fs.setFailing(true)
	assert.Equal(t, engine.ResultUnprocessable, process(t, bob, commit).Kind)
	fs.setFailing(false)

	requireEpoch(t, bob, id, 0)
	after, err := bob.engine.ExporterSecret(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Epoch, after.Epoch)
	assert.Equal(t, before.Secret, after.Secret)

	stored, err := bob.store.ListGroupSnapshots(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, stored)
	entries, err := bob.engine.Snapshots().Entries(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, bob.cb.epochs)

	pm, err := bob.store.FindProcessedMessageByEventID(ctx, commit.ID)
	require.NoError(t, err)
	require.NotNil(t, pm)
	assert.Equal(t, types.ProcessedMessageStateFailed, pm.State)
}

func TestFailedMergeKeepsPendingCommit(t *testing.T) {
	ctx := context.Background()
	alice, fs := newFailingPeer(t, 1000)
	bob := newPeer(t, 1000)
	id := setupGroup(t, alice, bob)

	res, err := alice.engine.SelfUpdate(ctx, id)
	require.NoError(t, err)
	fs.setFailing(true)
	assert.ErrorIs(t, alice.engine.MergePendingCommit(ctx, id), errSecretWrite)
	fs.setFailing(false)

	requireEpoch(t, alice, id, 0)
	stored, err := alice.store.ListGroupSnapshots(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, stored)

	// The pending commit survives and merges once storage recovers.
	require.NoError(t, alice.engine.MergePendingCommit(ctx, id))
	requireEpoch(t, alice, id, 1)
	entries, err := alice.engine.Snapshots().Entries(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.EvolutionEvent.ID, entries[0].CommitID)

	require.Equal(t, engine.ResultCommit, process(t, bob, res.EvolutionEvent).Kind)
	requireSameSecret(t, id, alice, bob)
}

// reentrant reads the group back from inside every callback.
type reentrant struct {
	engine *engine.Engine

	mu        sync.Mutex
	seen      [][]types.Message
	epochs    []uint64
	rolledOut []types.MessageState
}

func (r *reentrant) OnApplicationMessage(msg types.Message) {
	msgs, err := r.engine.GetMessages(context.Background(), msg.MLSGroupID, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msgs)
}

func (r *reentrant) OnEpochAdvanced(id types.GroupID, _ uint64) {
	g, err := r.engine.GetGroup(context.Background(), id)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epochs = append(r.epochs, g.Epoch)
}

func (r *reentrant) OnRollback(info engine.RollbackInfo) {
	for _, id := range info.InvalidatedMessages {
		msg, err := r.engine.GetMessage(context.Background(), info.GroupID, id)
		if err != nil || msg == nil {
			continue
		}
		r.mu.Lock()
		r.rolledOut = append(r.rolledOut, msg.State)
		r.mu.Unlock()
	}
}

// processWithin fails the test when processing does not return in time.
func processWithin(t *testing.T, p *peer, ev nostr.Event) *engine.MessageProcessingResult {
	t.Helper()
	done := make(chan *engine.MessageProcessingResult, 1)
	go func() {
		res, err := p.engine.ProcessMessage(context.Background(), &ev)
		assert.NoError(t, err)
		done <- res
	}()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("ProcessMessage did not return")
		return nil
	}
}

func TestCallbacksMayReadTheGroup(t *testing.T) {
	cb := &reentrant{}
	alice := newPeer(t, 1000)
	bob := newPeer(t, 1000, engine.WithCallback(cb))
	cb.engine = bob.engine
	id := setupGroup(t, alice, bob)

	res := processWithin(t, bob, chat(t, alice, id, "hello"))
	require.NotNil(t, res)
	require.Equal(t, engine.ResultApplicationMessage, res.Kind)
	res = processWithin(t, bob, selfUpdate(t, alice, id))
	require.NotNil(t, res)
	require.Equal(t, engine.ResultCommit, res.Kind)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	require.Len(t, cb.seen, 1)
	require.Len(t, cb.seen[0], 1)
	assert.Equal(t, "hello", cb.seen[0][0].Content)
	assert.Equal(t, []uint64{1}, cb.epochs)
}

func TestRollbackCallbackMayReadTheGroup(t *testing.T) {
	cb := &reentrant{}
	f := newRace(t, engine.WithCallback(cb))
	cb.engine = f.alice.engine

	require.Equal(t, engine.ResultCommit, processWithin(t, f.alice, f.commitB).Kind)
	require.Equal(t, engine.ResultApplicationMessage, processWithin(t, f.alice, f.msgB).Kind)
	require.Equal(t, engine.ResultCommit, processWithin(t, f.alice, f.commitC).Kind)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	assert.Equal(t, []types.MessageState{types.MessageStateEpochInvalidated}, cb.rolledOut)
	assert.Equal(t, []uint64{1, 1}, cb.epochs)
}
