package mls

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/internal/extension"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
)

// groupInfo is everything a new member needs to enter the epoch it was
// added in. It is sealed to the init key of the member's key package.
type groupInfo struct {
	Context      groupContext    `json:"context"`
	Tree         []*leaf         `json:"tree"`
	EpochSecret  []byte          `json:"epoch_secret"`
	Transcript   []byte          `json:"transcript"`
	Confirmation []byte          `json:"confirmation"`
	NewMember    uint32          `json:"new_member"`
	Welcomer     nostr.PublicKey `json:"welcomer"`
}

type welcomeWire struct {
	KeyPackageRef []byte `json:"key_package_ref"`
	Sealed        []byte `json:"sealed"`
}

func sealWelcome(st *groupState, index uint32, welcomer nostr.PublicKey, kp *KeyPackage) (Welcome, error) {
	plain, err := json.Marshal(groupInfo{
		Context:      st.Context,
		Tree:         st.Tree,
		EpochSecret:  st.EpochSecret,
		Transcript:   st.Transcript,
		Confirmation: st.Confirmation,
		NewMember:    index,
		Welcomer:     welcomer,
	})
	if err != nil {
		return Welcome{}, fmt.Errorf("encode group info: %w", err)
	}
	ref := kp.Ref()
	sealed, err := crypto.SealTo(kp.InitKey, plain, ref)
	if err != nil {
		return Welcome{}, fmt.Errorf("seal welcome: %w", err)
	}
	data, err := json.Marshal(welcomeWire{KeyPackageRef: ref, Sealed: sealed})
	if err != nil {
		return Welcome{}, fmt.Errorf("encode welcome: %w", err)
	}
	return Welcome{KeyPackageRef: ref, Recipient: kp.Identity, Data: data}, nil
}

func (r *Ratchet) openWelcome(ctx context.Context, data []byte) (*groupInfo, *KeyPackage, error) {
	var w welcomeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	kp, init, err := r.loadKeyPackage(ctx, w.KeyPackageRef)
	if err != nil {
		return nil, nil, err
	}
	plain, err := crypto.OpenFrom(crypto.X25519KeyPair{Private: init, Public: kp.InitKey}, w.Sealed, w.KeyPackageRef)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: welcome: %v", ErrDecrypt, err)
	}
	var info groupInfo
	if err := json.Unmarshal(plain, &info); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	st := groupState{Tree: info.Tree}
	l := st.leafAt(info.NewMember)
	if l == nil || l.Identity != kp.Identity || !bytes.Equal(l.EncryptionKey, kp.EncryptionKey[:]) {
		return nil, nil, fmt.Errorf("%w: welcome leaf does not match key package", ErrMalformedMessage)
	}
	return &info, kp, nil
}

func (info *groupInfo) describe(ref []byte) (*WelcomeInfo, error) {
	ext, err := extension.Decode(info.Context.Extension)
	if err != nil {
		return nil, err
	}
	out := &WelcomeInfo{
		GroupID:       info.Context.GroupID.Clone(),
		Epoch:         info.Context.Epoch,
		Extension:     ext,
		Welcomer:      info.Welcomer,
		KeyPackageRef: ref,
	}
	for _, l := range info.Tree {
		if l != nil {
			out.MemberCount++
		}
	}
	return out, nil
}

func (r *Ratchet) InspectWelcome(ctx context.Context, data []byte) (*WelcomeInfo, error) {
	info, kp, err := r.openWelcome(ctx, data)
	if err != nil {
		return nil, err
	}
	return info.describe(kp.Ref())
}

// JoinFromWelcome enters the group. A key package that is not last resort
// is consumed; its signature key stays as the leaf's signing key.
func (r *Ratchet) JoinFromWelcome(ctx context.Context, data []byte) (*WelcomeInfo, error) {
	info, kp, err := r.openWelcome(ctx, data)
	if err != nil {
		return nil, err
	}
	existing, err := r.store.ReadGroupData(ctx, info.Context.GroupID, storage.GroupDataContext)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: group %s already joined", ErrAlreadyMember, info.Context.GroupID.Hex())
	}
	keys, err := r.loadLeafKeys(ctx, kp.EncryptionKey, kp.SignatureKey)
	if err != nil {
		return nil, err
	}
	st := &groupState{
		Context:      info.Context,
		Tree:         info.Tree,
		Own:          info.NewMember,
		EpochSecret:  info.EpochSecret,
		Transcript:   info.Transcript,
		Confirmation: info.Confirmation,
		OwnKey:       ownKeyFrom(keys.encryption),
		Config:       joinConfig{MaxPastEpochs: r.maxPastEpochs},
	}
	if err := r.save(ctx, st, nil); err != nil {
		return nil, err
	}
	if !kp.LastResort {
		if err := r.store.DeleteKeyPackage(ctx, kp.Ref()); err != nil {
			return nil, err
		}
		if err := r.store.DeleteEncryptionKeyPair(ctx, kp.EncryptionKey[:]); err != nil {
			return nil, err
		}
	}
	r.logger.Info("joined group", "group", st.Context.GroupID.Hex(), "epoch", st.Context.Epoch, "leaf", st.Own)
	return info.describe(kp.Ref())
}
