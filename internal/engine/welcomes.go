package engine

import (
	"context"
	"fmt"

	"github.com/relves/mdk/internal/mls"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// welcomeRumor builds the unsigned kind 444 rumor carrying w.
func (e *Engine) welcomeRumor(w mls.Welcome, kpEvent nostr.EventID, relays []string) nostr.Event {
	rumor := nostr.Event{
		PubKey:    e.Identity(),
		CreatedAt: e.now(),
		Kind:      nostr.KindMLSWelcome,
		Tags: nostr.Tags{
			{"e", kpEvent.Hex()},
			append(nostr.Tag{"relays"}, relays...),
			nostr.EncodingTag(),
		},
		Content: nostr.EncodeContent(w.Data),
	}
	rumor.EnsureID()
	return rumor
}

// ProcessWelcome records a welcome rumor unwrapped from wrapperID as a
// pending invitation. Processing the same wrapper again returns the stored
// welcome, or ErrWelcomeFailed when it failed the first time.
func (e *Engine) ProcessWelcome(ctx context.Context, wrapperID nostr.EventID, rumor *nostr.Event) (*types.Welcome, error) {
	seen, err := e.store.FindProcessedWelcomeByEventID(ctx, wrapperID)
	if err != nil {
		return nil, err
	}
	if seen != nil {
		if seen.State == types.ProcessedWelcomeStateFailed {
			return nil, ErrWelcomeFailed
		}
		if seen.WelcomeEventID != nil {
			return e.store.FindWelcomeByEventID(ctx, *seen.WelcomeEventID)
		}
	}

	if rumor.Kind != nostr.KindMLSWelcome {
		return nil, fmt.Errorf("%w: %d", ErrWrongKind, rumor.Kind)
	}
	data, err := nostr.DecodeContent(rumor)
	if err != nil {
		return nil, err
	}
	rumorID := rumor.ID
	info, err := e.mls.InspectWelcome(ctx, data)
	if err != nil {
		if saveErr := e.store.SaveProcessedWelcome(ctx, types.ProcessedWelcome{
			WrapperEventID: wrapperID,
			WelcomeEventID: &rumorID,
			ProcessedAt:    e.now(),
			State:          types.ProcessedWelcomeStateFailed,
			FailureReason:  failureReason(err),
		}); saveErr != nil {
			return nil, saveErr
		}
		return nil, fmt.Errorf("failed to process welcome: %w", err)
	}

	ext := info.Extension
	w := types.Welcome{
		ID:                rumorID,
		Event:             rumor.Rumor(),
		MLSGroupID:        info.GroupID,
		NostrGroupID:      ext.NostrGroupID,
		GroupName:         ext.Name,
		GroupDescription:  ext.Description,
		GroupImageHash:    ext.ImageHash,
		GroupImageKey:     ext.ImageKey,
		GroupImageNonce:   ext.ImageNonce,
		GroupAdminPubkeys: types.SortPublicKeys(ext.Admins),
		GroupRelays:       storage.NormalizeRelays(ext.Relays),
		Welcomer:          info.Welcomer,
		MemberCount:       info.MemberCount,
		State:             types.WelcomeStatePending,
		WrapperEventID:    wrapperID,
	}
	if err := e.store.SaveWelcome(ctx, w); err != nil {
		return nil, err
	}
	if err := e.store.SaveProcessedWelcome(ctx, types.ProcessedWelcome{
		WrapperEventID: wrapperID,
		WelcomeEventID: &rumorID,
		ProcessedAt:    e.now(),
		State:          types.ProcessedWelcomeStateProcessed,
	}); err != nil {
		return nil, err
	}
	e.logger.Info("received welcome", "group", w.MLSGroupID.Hex(), "welcome", rumorID.Hex(), "welcomer", w.Welcomer.Hex())
	return &w, nil
}

func (e *Engine) GetWelcome(ctx context.Context, id nostr.EventID) (*types.Welcome, error) {
	return e.store.FindWelcomeByEventID(ctx, id)
}

func (e *Engine) GetPendingWelcomes(ctx context.Context, p *types.Pagination) ([]types.Welcome, error) {
	return e.store.PendingWelcomes(ctx, p)
}

func (e *Engine) pendingWelcome(ctx context.Context, id nostr.EventID) (*types.Welcome, error) {
	w, err := e.store.FindWelcomeByEventID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWelcomeNotFound
	}
	if w.State != types.WelcomeStatePending {
		return nil, fmt.Errorf("%w: %s", ErrWelcomeNotPending, w.State)
	}
	return w, nil
}

// AcceptWelcome joins the group of a pending welcome.
func (e *Engine) AcceptWelcome(ctx context.Context, id nostr.EventID) (*types.Group, error) {
	w, err := e.pendingWelcome(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := e.lock(w.MLSGroupID)
	defer unlock()

	data, err := nostr.DecodeContent(&w.Event)
	if err != nil {
		return nil, err
	}
	info, err := e.mls.JoinFromWelcome(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to join group: %w", err)
	}

	g := types.Group{MLSGroupID: info.GroupID, Epoch: info.Epoch, State: types.GroupStateActive}
	info.Extension.Apply(&g)
	if err := e.store.SaveGroup(ctx, g); err != nil {
		return nil, err
	}
	if err := e.store.ReplaceGroupRelays(ctx, g.MLSGroupID, storage.NormalizeRelays(info.Extension.Relays)); err != nil {
		return nil, err
	}
	secret, err := e.mls.ExportSecret(ctx, g.MLSGroupID)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveGroupExporterSecret(ctx, types.GroupExporterSecret{MLSGroupID: g.MLSGroupID, Epoch: g.Epoch, Secret: secret}); err != nil {
		return nil, err
	}

	w.State = types.WelcomeStateAccepted
	if err := e.store.SaveWelcome(ctx, *w); err != nil {
		return nil, err
	}
	e.logger.Info("joined group", "group", g.MLSGroupID.Hex(), "epoch", g.Epoch)
	return &g, nil
}

// DeclineWelcome marks a pending welcome declined.
func (e *Engine) DeclineWelcome(ctx context.Context, id nostr.EventID) error {
	w, err := e.pendingWelcome(ctx, id)
	if err != nil {
		return err
	}
	w.State = types.WelcomeStateDeclined
	return e.store.SaveWelcome(ctx, *w)
}
