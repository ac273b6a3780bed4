package engine

import (
	"context"
	"fmt"

	"github.com/relves/mdk/internal/extension"
	"github.com/relves/mdk/internal/mls"
	"github.com/relves/mdk/pkg/nostr"
)

// CreateKeyPackageForEvent generates a last resort key package for pubkey
// and returns the content and tags of the kind 443 event advertising it.
func (e *Engine) CreateKeyPackageForEvent(ctx context.Context, pubkey nostr.PublicKey, relays []string) (string, nostr.Tags, error) {
	kp, err := e.mls.GenerateKeyPackage(ctx, pubkey, true)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate key package: %w", err)
	}
	tags := nostr.Tags{
		{"mls_protocol_version", mls.ProtocolVersion},
		{"mls_ciphersuite", fmt.Sprintf("0x%04x", mls.Ciphersuite)},
		append(nostr.Tag{"mls_extensions"}, extension.TagValues(extension.Capabilities())...),
		nostr.EncodingTag(),
	}
	if len(relays) > 0 {
		tags = append(tags, append(nostr.Tag{"relays"}, relays...))
	}
	return nostr.EncodeContent(kp.Bytes()), tags, nil
}

// ParseKeyPackage decodes a kind 443 event. The key package identity must
// be the event author.
func (e *Engine) ParseKeyPackage(event *nostr.Event) (*mls.KeyPackage, error) {
	if event.Kind != nostr.KindMLSKeyPackage {
		return nil, fmt.Errorf("%w: %d", ErrWrongKind, event.Kind)
	}
	data, err := nostr.DecodeContent(event)
	if err != nil {
		return nil, err
	}
	kp, err := e.mls.ParseKeyPackage(data)
	if err != nil {
		return nil, err
	}
	if kp.Identity != event.PubKey {
		return nil, ErrKeyPackageIdentity
	}
	return kp, nil
}

// DeleteKeyPackage removes the private half of a key package published in
// event.
func (e *Engine) DeleteKeyPackage(ctx context.Context, event *nostr.Event) error {
	kp, err := e.ParseKeyPackage(event)
	if err != nil {
		return err
	}
	return e.mls.DeleteKeyPackage(ctx, kp)
}

// parseKeyPackages parses kpEvents and maps each member to the event id
// its welcome should reference.
func (e *Engine) parseKeyPackages(kpEvents []*nostr.Event) ([]*mls.KeyPackage, map[nostr.PublicKey]nostr.EventID, error) {
	kps := make([]*mls.KeyPackage, 0, len(kpEvents))
	refs := make(map[nostr.PublicKey]nostr.EventID, len(kpEvents))
	for i, ev := range kpEvents {
		kp, err := e.ParseKeyPackage(ev)
		if err != nil {
			return nil, nil, fmt.Errorf("key package %d: %w", i, err)
		}
		kps = append(kps, kp)
		refs[kp.Identity] = ev.ID
	}
	return kps, refs, nil
}
