package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/internal/extension"
	"github.com/relves/mdk/internal/mls"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// CreateGroup creates a group with creator and the owners of kpEvents as
// members. The returned welcome rumors are unsigned; the caller gift wraps
// and sends one to each member.
func (e *Engine) CreateGroup(ctx context.Context, creator nostr.PublicKey, kpEvents []*nostr.Event, cfg GroupConfig) (*CreateGroupResult, error) {
	admins := types.SortPublicKeys(cfg.Admins)
	if !slices.Contains(admins, creator) {
		return nil, ErrCreatorNotAdmin
	}
	relays := storage.NormalizeRelays(cfg.Relays)
	if len(relays) == 0 {
		return nil, storage.ErrNoRelays
	}
	kps, refs, err := e.parseKeyPackages(kpEvents)
	if err != nil {
		return nil, err
	}
	for _, kp := range kps {
		if kp.Identity == creator {
			return nil, ErrCreatorIsMember
		}
	}

	nostrGroupID, err := crypto.RandomKey()
	if err != nil {
		return nil, err
	}
	g := types.Group{
		NostrGroupID:   nostrGroupID,
		Name:           cfg.Name,
		Description:    cfg.Description,
		ImageHash:      cfg.ImageHash,
		ImageKey:       cfg.ImageKey,
		ImageNonce:     cfg.ImageNonce,
		ImageUploadKey: cfg.ImageUploadKey,
		AdminPubkeys:   admins,
		State:          types.GroupStateActive,
	}
	created, err := e.mls.CreateGroup(ctx, creator, kps, extension.FromGroup(&g, relays))
	if err != nil {
		return nil, fmt.Errorf("failed to create mls group: %w", err)
	}
	g.MLSGroupID = created.GroupID
	g.Epoch = created.Epoch

	unlock := e.lock(g.MLSGroupID)
	defer unlock()
	if err := e.store.SaveGroup(ctx, g); err != nil {
		return nil, err
	}
	if err := e.store.ReplaceGroupRelays(ctx, g.MLSGroupID, relays); err != nil {
		return nil, err
	}
	secret, err := e.mls.ExportSecret(ctx, g.MLSGroupID)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveGroupExporterSecret(ctx, types.GroupExporterSecret{MLSGroupID: g.MLSGroupID, Epoch: g.Epoch, Secret: secret}); err != nil {
		return nil, err
	}

	out := &CreateGroupResult{Group: g.Clone()}
	for _, w := range created.Welcomes {
		out.WelcomeRumors = append(out.WelcomeRumors, e.welcomeRumor(w, refs[w.Recipient], relays))
	}
	e.logger.Info("created group", "group", g.MLSGroupID.Hex(), "members", len(kps)+1)
	return out, nil
}

func (e *Engine) GetGroup(ctx context.Context, id types.GroupID) (*types.Group, error) {
	unlock := e.locks.RLock(id)
	defer unlock()
	return e.group(ctx, id)
}

func (e *Engine) GetGroups(ctx context.Context) ([]types.Group, error) {
	return e.store.AllGroups(ctx)
}

// GetMembers returns the identities in the group's MLS tree.
func (e *Engine) GetMembers(ctx context.Context, id types.GroupID) ([]nostr.PublicKey, error) {
	unlock := e.locks.RLock(id)
	defer unlock()
	members, err := e.mls.Members(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]nostr.PublicKey, len(members))
	for i, m := range members {
		out[i] = m.Identity
	}
	return types.SortPublicKeys(out), nil
}

func (e *Engine) GetRelays(ctx context.Context, id types.GroupID) ([]string, error) {
	unlock := e.locks.RLock(id)
	defer unlock()
	return e.relayURLs(ctx, id)
}

func (e *Engine) relayURLs(ctx context.Context, id types.GroupID) ([]string, error) {
	relays, err := e.store.GroupRelays(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(relays))
	for i, r := range relays {
		out[i] = r.RelayURL
	}
	return out, nil
}

// ExporterSecret returns the exporter secret of the group's current epoch.
func (e *Engine) ExporterSecret(ctx context.Context, id types.GroupID) (*types.GroupExporterSecret, error) {
	unlock := e.locks.RLock(id)
	defer unlock()
	g, err := e.group(ctx, id)
	if err != nil {
		return nil, err
	}
	secret, err := e.store.GroupExporterSecret(ctx, id, g.Epoch)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, fmt.Errorf("%w: exporter secret for epoch %d", storage.ErrNotFound, g.Epoch)
	}
	return secret, nil
}

// ExporterSecretAt returns the exporter secret stored for an epoch, or nil.
func (e *Engine) ExporterSecretAt(ctx context.Context, id types.GroupID, epoch uint64) (*types.GroupExporterSecret, error) {
	unlock := e.locks.RLock(id)
	defer unlock()
	return e.store.GroupExporterSecret(ctx, id, epoch)
}

// lockGroup takes the group lock and loads the group, requiring the local
// member to be an admin when admin is set.
func (e *Engine) lockGroup(ctx context.Context, id types.GroupID, admin bool) (*types.Group, func(), error) {
	unlock := e.lock(id)
	g, err := e.group(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	if admin && !g.IsAdmin(e.Identity()) {
		unlock()
		return nil, nil, ErrNotAdmin
	}
	return g, unlock, nil
}

// AddMembers commits the addition of the key package owners.
func (e *Engine) AddMembers(ctx context.Context, id types.GroupID, kpEvents []*nostr.Event) (*UpdateGroupResult, error) {
	kps, refs, err := e.parseKeyPackages(kpEvents)
	if err != nil {
		return nil, err
	}
	g, unlock, err := e.lockGroup(ctx, id, true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.commit(ctx, g, mls.CommitOptions{Add: kps}, refs)
}

// RemoveMembers commits the removal of members. The local member leaves
// with LeaveGroup instead.
func (e *Engine) RemoveMembers(ctx context.Context, id types.GroupID, members []nostr.PublicKey) (*UpdateGroupResult, error) {
	if slices.Contains(members, e.Identity()) {
		return nil, ErrRemoveSelf
	}
	g, unlock, err := e.lockGroup(ctx, id, true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.commit(ctx, g, mls.CommitOptions{Remove: members}, nil)
}

// UpdateGroupData commits a change to the group metadata extension.
func (e *Engine) UpdateGroupData(ctx context.Context, id types.GroupID, update GroupDataUpdate) (*UpdateGroupResult, error) {
	if update.Admins != nil && len(update.Admins) == 0 {
		return nil, storage.ErrNoAdmins
	}
	if update.Relays != nil && len(storage.NormalizeRelays(update.Relays)) == 0 {
		return nil, storage.ErrNoRelays
	}
	g, unlock, err := e.lockGroup(ctx, id, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ext, err := e.mls.GroupExtension(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.Name != nil {
		ext.Name = *update.Name
	}
	if update.Description != nil {
		ext.Description = *update.Description
	}
	if update.Admins != nil {
		ext.Admins = types.SortPublicKeys(update.Admins)
	}
	if update.Relays != nil {
		ext.Relays = storage.NormalizeRelays(update.Relays)
	}
	if update.ClearImage {
		ext.ImageHash, ext.ImageKey, ext.ImageNonce, ext.ImageUploadKey = nil, nil, nil, nil
	}
	if update.ImageHash != nil {
		ext.ImageHash = update.ImageHash
	}
	if update.ImageKey != nil {
		ext.ImageKey = update.ImageKey
	}
	if update.ImageNonce != nil {
		ext.ImageNonce = update.ImageNonce
	}
	if update.ImageUploadKey != nil {
		ext.ImageUploadKey = update.ImageUploadKey
	}
	ext.Version = extension.CurrentVersion
	return e.commit(ctx, g, mls.CommitOptions{Extension: &ext}, nil)
}

// SelfUpdate commits a fresh leaf key for the local member.
func (e *Engine) SelfUpdate(ctx context.Context, id types.GroupID) (*UpdateGroupResult, error) {
	g, unlock, err := e.lockGroup(ctx, id, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.commit(ctx, g, mls.CommitOptions{}, nil)
}

// LeaveGroup returns a proposal removing the local member. An admin
// commits it on receipt.
func (e *Engine) LeaveGroup(ctx context.Context, id types.GroupID) (nostr.Event, error) {
	g, unlock, err := e.lockGroup(ctx, id, false)
	if err != nil {
		return nostr.Event{}, err
	}
	defer unlock()

	msg, err := e.mls.Propose(ctx, id, mls.Proposal{Kind: mls.ProposalRemove, Removed: e.Identity()})
	if err != nil {
		return nostr.Event{}, err
	}
	ev, err := e.groupEvent(ctx, g, msg)
	if err != nil {
		return nostr.Event{}, err
	}
	if err := e.saveProcessed(ctx, g, ev.ID, types.ProcessedMessageStateProcessed, g.Epoch, nil); err != nil {
		return nostr.Event{}, err
	}
	e.logger.Info("proposed leaving group", "group", id.Hex())
	return ev, nil
}
