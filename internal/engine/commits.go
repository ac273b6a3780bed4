package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/relves/mdk/internal/mls"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

func (e *Engine) handleCommit(ctx context.Context, g *types.Group, event *nostr.Event, rcv *mls.Received) (*MessageProcessingResult, error) {
	if !rcv.Commit.PathOnly() && !g.IsAdmin(rcv.Sender.Identity) {
		epoch := g.Epoch
		if _, err := e.fail(ctx, g, event.ID, &epoch, ErrCommitFromNonAdmin); err != nil {
			return nil, err
		}
		return nil, ErrCommitFromNonAdmin
	}
	entry, err := e.applyCommit(ctx, g, event, rcv)
	if err != nil {
		if fatal(err) {
			return nil, err
		}
		return e.fail(ctx, g, event.ID, nil, err)
	}
	e.snapshots.Register(ctx, g.MLSGroupID, entry)

	// A commit of ours staged on the same epoch lost.
	if own := e.takePending(g.MLSGroupID); !own.eventID.IsZero() {
		if err := e.invalidateOwnCommit(ctx, own.eventID); err != nil {
			return nil, err
		}
	}
	if err := e.saveProcessed(ctx, g, event.ID, types.ProcessedMessageStateProcessedCommit, g.Epoch, nil); err != nil {
		return nil, err
	}
	e.notifyEpoch(g.MLSGroupID, g.Epoch)
	e.metrics.CommitApplied("remote")
	return &MessageProcessingResult{Kind: ResultCommit, GroupID: g.MLSGroupID}, nil
}

// fatal reports errors that must surface to the caller instead of being
// recorded against the event.
func fatal(err error) bool {
	return errors.Is(err, ErrSnapshotFailed) || storage.KindOf(err) == storage.KindDatabase
}

func (e *Engine) notifyEpoch(id types.GroupID, epoch uint64) {
	id = id.Clone()
	e.notify(id, func(cb Callback) { cb.OnEpochAdvanced(id, epoch) })
}

// applyCommit snapshots the group and applies a staged commit. g is updated
// in place. The returned entry is the rollback candidate for the caller to
// register. On error the group is left at its source epoch.
func (e *Engine) applyCommit(ctx context.Context, g *types.Group, event *nostr.Event, rcv *mls.Received) (SnapshotEntry, error) {
	id := g.MLSGroupID
	name, err := e.snapshots.Create(ctx, id, rcv.Epoch, event.ID)
	if err != nil {
		return SnapshotEntry{}, fmt.Errorf("%w: %w", ErrSnapshotFailed, err)
	}
	if err := e.mls.ProcessCommit(ctx, id, rcv); err != nil {
		e.snapshots.Discard(ctx, id, name)
		return SnapshotEntry{}, err
	}
	if err := e.syncGroup(ctx, g, rcv.Commit.RemovesSelf); err != nil {
		return SnapshotEntry{}, e.restore(ctx, g, name, err)
	}
	e.logger.Info("applied commit", "group", id.Hex(), "epoch", g.Epoch, "commit", event.ID.Hex())
	return SnapshotEntry{
		Name:     name,
		Epoch:    rcv.Epoch,
		CommitID: event.ID,
		CommitTS: event.CreatedAt,
	}, nil
}

// restore undoes a partially applied commit by rolling back to its
// snapshot and reloading g. cause is returned, joined with any restore
// failure.
func (e *Engine) restore(ctx context.Context, g *types.Group, name string, cause error) error {
	e.logger.Warn("restoring group after failed commit", "group", g.MLSGroupID.Hex(), "snapshot", name, "error", cause)
	if err := e.store.RollbackGroupToSnapshot(ctx, g.MLSGroupID, name); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to restore group: %w", err))
	}
	reloaded, err := e.group(ctx, g.MLSGroupID)
	if err != nil {
		return errors.Join(cause, err)
	}
	*g = *reloaded
	return cause
}

// syncGroup copies the MLS group state into the group record, its relays
// and the exporter secret of the new epoch.
func (e *Engine) syncGroup(ctx context.Context, g *types.Group, evicted bool) error {
	id := g.MLSGroupID
	epoch, err := e.mls.Epoch(ctx, id)
	if err != nil {
		return err
	}
	ext, err := e.mls.GroupExtension(ctx, id)
	if err != nil {
		return err
	}
	ext.Apply(g)
	g.Epoch = epoch
	if err := e.store.ReplaceGroupRelays(ctx, id, storage.NormalizeRelays(ext.Relays)); err != nil {
		return err
	}
	if evicted {
		g.State = types.GroupStateInactive
		e.logger.Info("removed from group", "group", id.Hex(), "epoch", epoch)
	} else {
		secret, err := e.mls.ExportSecret(ctx, id)
		if err != nil {
			return err
		}
		if err := e.store.SaveGroupExporterSecret(ctx, types.GroupExporterSecret{MLSGroupID: id, Epoch: epoch, Secret: secret}); err != nil {
			return err
		}
	}
	return e.store.SaveGroup(ctx, *g)
}

func guardName(id types.GroupID, commit nostr.EventID) string {
	return "guard_" + id.Hex() + "_" + commit.Hex()
}

// resolveRace handles a commit built on an epoch the group already
// advanced past. When it beats the commit applied from that epoch, the
// group is rolled back and the incoming commit applied instead. A winner
// that fails to apply leaves the group where it was.
func (e *Engine) resolveRace(ctx context.Context, g *types.Group, event *nostr.Event, inner []byte, wrong *mls.WrongEpochError) (*MessageProcessingResult, error) {
	id := g.MLSGroupID
	source := wrong.MessageEpoch
	applied, err := e.snapshots.Candidate(ctx, id, source)
	if err != nil {
		return nil, err
	}
	if applied == nil || !applied.beatenBy(event.CreatedAt, event.ID) {
		e.logger.Debug("stale commit ignored", "group", id.Hex(), "epoch", source, "commit", event.ID.Hex())
		return e.fail(ctx, g, event.ID, &source, wrong)
	}

	e.logger.Warn("commit race, rolling back",
		"group", id.Hex(), "epoch", source, "winner", event.ID.Hex(), "loser", applied.CommitID.Hex())
	guard := guardName(id, event.ID)
	if err := e.store.CreateGroupSnapshot(ctx, id, guard); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotFailed, err)
	}
	if err := e.store.RollbackGroupToSnapshot(ctx, id, applied.Name); err != nil {
		e.snapshots.Discard(ctx, id, guard)
		return nil, fmt.Errorf("failed to roll back group: %w", err)
	}

	g, entry, err := e.applyWinner(ctx, id, event, inner, source)
	if err != nil {
		return e.rejectWinner(ctx, id, event, source, applied, guard, err)
	}
	e.snapshots.Discard(ctx, id, guard)
	e.snapshots.Replace(ctx, id, applied, entry)

	invalidated, err := e.store.InvalidateMessagesAfterEpoch(ctx, id, source)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.InvalidateProcessedMessagesAfterEpoch(ctx, id, source); err != nil {
		return nil, err
	}
	if err := e.invalidateOwnCommit(ctx, applied.CommitID); err != nil {
		return nil, err
	}
	retry, err := e.store.FindFailedMessagesForRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, wrapper := range retry {
		if err := e.store.MarkProcessedMessageRetryable(ctx, wrapper); err != nil {
			return nil, err
		}
	}
	if err := e.saveProcessed(ctx, g, event.ID, types.ProcessedMessageStateProcessedCommit, g.Epoch, nil); err != nil {
		return nil, err
	}

	e.metrics.Rollback(len(invalidated), len(retry))
	e.metrics.CommitApplied("remote")
	info := RollbackInfo{
		GroupID:                id.Clone(),
		TargetEpoch:            source,
		NewHeadEvent:           event.ID,
		InvalidatedMessages:    invalidated,
		MessagesNeedingRefetch: retry,
	}
	e.notify(id, func(cb Callback) { cb.OnRollback(info) })
	e.notifyEpoch(id, g.Epoch)
	return &MessageProcessingResult{Kind: ResultCommit, GroupID: id}, nil
}

// applyWinner decrypts and applies the winning commit of a race on top of
// the restored source epoch.
func (e *Engine) applyWinner(ctx context.Context, id types.GroupID, event *nostr.Event, inner []byte, source uint64) (*types.Group, SnapshotEntry, error) {
	g, err := e.group(ctx, id)
	if err != nil {
		return nil, SnapshotEntry{}, err
	}
	rcv, err := e.mls.Decrypt(ctx, id, inner)
	if err != nil {
		return nil, SnapshotEntry{}, err
	}
	if rcv.Type != mls.ContentCommit {
		return nil, SnapshotEntry{}, fmt.Errorf("%w: expected commit", mls.ErrMalformedMessage)
	}
	if !rcv.Commit.PathOnly() && !g.IsAdmin(rcv.Sender.Identity) {
		return nil, SnapshotEntry{}, ErrCommitFromNonAdmin
	}
	entry, err := e.applyCommit(ctx, g, event, rcv)
	if err != nil {
		return nil, SnapshotEntry{}, err
	}
	return g, entry, nil
}

// rejectWinner returns the group to the state it had before the race was
// attempted and records the incoming commit as failed. The group is at the
// source epoch on entry.
func (e *Engine) rejectWinner(ctx context.Context, id types.GroupID, event *nostr.Event, source uint64, applied *SnapshotEntry, guard string, cause error) (*MessageProcessingResult, error) {
	e.logger.Warn("winning commit rejected, keeping applied commit",
		"group", id.Hex(), "epoch", source, "commit", event.ID.Hex(), "error", cause)
	if err := e.store.CreateGroupSnapshot(ctx, id, applied.Name); err != nil {
		return nil, errors.Join(cause, fmt.Errorf("%w: %w", ErrSnapshotFailed, err))
	}
	if err := e.store.RollbackGroupToSnapshot(ctx, id, guard); err != nil {
		return nil, errors.Join(cause, fmt.Errorf("failed to restore group: %w", err))
	}
	if fatal(cause) {
		return nil, cause
	}
	g, err := e.group(ctx, id)
	if err != nil {
		return nil, err
	}
	if errors.Is(cause, ErrCommitFromNonAdmin) {
		if _, err := e.fail(ctx, g, event.ID, &source, cause); err != nil {
			return nil, err
		}
		return nil, cause
	}
	return e.fail(ctx, g, event.ID, &source, cause)
}

// invalidateOwnCommit marks a local commit wrapper that lost a race.
func (e *Engine) invalidateOwnCommit(ctx context.Context, wrapper nostr.EventID) error {
	if wrapper.IsZero() {
		return nil
	}
	pm, err := e.store.FindProcessedMessageByEventID(ctx, wrapper)
	if err != nil || pm == nil || pm.State == types.ProcessedMessageStateEpochInvalidated {
		return err
	}
	pm.State = types.ProcessedMessageStateEpochInvalidated
	return e.store.SaveProcessedMessage(ctx, *pm)
}

// commit stages a local commit, wraps it for publication and produces the
// welcome rumors for added members. kpEvents maps a member to the key
// package event the welcome references. Callers hold the group lock.
func (e *Engine) commit(ctx context.Context, g *types.Group, opts mls.CommitOptions, kpEvents map[nostr.PublicKey]nostr.EventID) (*UpdateGroupResult, error) {
	out, err := e.mls.Commit(ctx, g.MLSGroupID, opts)
	if err != nil {
		return nil, err
	}
	ev, err := e.groupEvent(ctx, g, out.Message)
	if err != nil {
		_ = e.mls.ClearPendingCommit(ctx, g.MLSGroupID)
		return nil, err
	}
	if err := e.saveProcessed(ctx, g, ev.ID, types.ProcessedMessageStateProcessedCommit, g.Epoch, nil); err != nil {
		return nil, err
	}
	e.setPending(g.MLSGroupID, pendingCommit{eventID: ev.ID, createdAt: ev.CreatedAt})

	relays, err := e.relayURLs(ctx, g.MLSGroupID)
	if err != nil {
		return nil, err
	}
	if opts.Extension != nil {
		relays = storage.NormalizeRelays(opts.Extension.Relays)
	}
	result := &UpdateGroupResult{EvolutionEvent: ev}
	for _, w := range out.Welcomes {
		result.WelcomeRumors = append(result.WelcomeRumors, e.welcomeRumor(w, kpEvents[w.Recipient], relays))
	}
	e.logger.Debug("created commit", "group", g.MLSGroupID.Hex(), "epoch", g.Epoch, "welcomes", len(out.Welcomes))
	return result, nil
}

// MergePendingCommit applies the local commit returned by a group update
// once it is published.
func (e *Engine) MergePendingCommit(ctx context.Context, id types.GroupID) error {
	unlock := e.lock(id)
	defer unlock()
	g, err := e.group(ctx, id)
	if err != nil {
		return err
	}

	// After a restart the wrapper id is unknown. The snapshot then carries
	// a zero id and no timestamp, so it cannot be rolled back by a race.
	p := e.takePending(id)
	source := g.Epoch
	name, err := e.snapshots.Create(ctx, id, source, p.eventID)
	if err != nil {
		e.restorePending(id, p)
		return fmt.Errorf("%w: %w", ErrSnapshotFailed, err)
	}
	if err := e.mls.MergePendingCommit(ctx, id); err != nil {
		e.snapshots.Discard(ctx, id, name)
		e.restorePending(id, p)
		return err
	}
	if err := e.syncGroup(ctx, g, false); err != nil {
		e.restorePending(id, p)
		return e.restore(ctx, g, name, err)
	}
	e.snapshots.Register(ctx, id, SnapshotEntry{
		Name:     name,
		Epoch:    source,
		CommitID: p.eventID,
		CommitTS: p.createdAt,
	})
	e.logger.Info("merged pending commit", "group", id.Hex(), "epoch", g.Epoch)
	e.notifyEpoch(id, g.Epoch)
	e.metrics.CommitApplied("local")
	return nil
}

func (e *Engine) restorePending(id types.GroupID, p pendingCommit) {
	if !p.eventID.IsZero() {
		e.setPending(id, p)
	}
}

// ClearPendingCommit discards an unpublished local commit.
func (e *Engine) ClearPendingCommit(ctx context.Context, id types.GroupID) error {
	unlock := e.lock(id)
	defer unlock()
	if _, err := e.group(ctx, id); err != nil {
		return err
	}
	p := e.takePending(id)
	if err := e.invalidateOwnCommit(ctx, p.eventID); err != nil {
		return err
	}
	return e.mls.ClearPendingCommit(ctx, id)
}

// PruneSnapshots releases snapshots older than the configured TTL.
func (e *Engine) PruneSnapshots(ctx context.Context) (int, error) {
	return e.snapshots.Prune(ctx)
}
