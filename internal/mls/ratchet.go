package mls

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/internal/extension"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// DefaultMaxPastEpochs is how many earlier epochs stay decryptable.
const DefaultMaxPastEpochs = 5

// Ratchet is a reference Provider. Each commit seals a fresh commit secret
// to every remaining member's X25519 leaf key and the epoch secret advances
// through an HKDF chain bound to the transcript. Messages are protected
// with ChaCha20-Poly1305 and signed with the sender's Ed25519 leaf key.
//
// It is not an RFC 9420 implementation: there is no ratchet tree, no
// secret tree and no generation counter. It exercises the same storage
// surface and the same epoch semantics the engine depends on.
type Ratchet struct {
	store         storage.MLSStorage
	maxPastEpochs int
	logger        *slog.Logger
}

var _ Provider = (*Ratchet)(nil)

// Option configures a Ratchet.
type Option func(*Ratchet)

// WithMaxPastEpochs sets how many earlier epochs a group created or joined
// by this provider keeps decryptable.
func WithMaxPastEpochs(n int) Option {
	return func(r *Ratchet) {
		if n >= 0 {
			r.maxPastEpochs = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Ratchet) {
		r.logger = l
	}
}

// NewRatchet returns a provider persisting through store.
func NewRatchet(store storage.MLSStorage, opts ...Option) *Ratchet {
	r := &Ratchet{
		store:         store,
		maxPastEpochs: DefaultMaxPastEpochs,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type leaf struct {
	Identity      nostr.PublicKey `json:"identity"`
	EncryptionKey []byte          `json:"encryption_key"`
	SignatureKey  []byte          `json:"signature_key"`
}

func (l *leaf) encryptionKey() [32]byte {
	var k [32]byte
	copy(k[:], l.EncryptionKey)
	return k
}

type groupContext struct {
	GroupID   types.GroupID `json:"group_id"`
	Epoch     uint64        `json:"epoch"`
	Extension []byte        `json:"extension"`
	Evicted   bool          `json:"evicted,omitempty"`
}

type joinConfig struct {
	MaxPastEpochs int `json:"max_past_epochs"`
}

// groupState is the full per-group state. The JSON form is the pending
// commit record; at rest the fields are split across group data kinds.
type groupState struct {
	Context      groupContext      `json:"context"`
	Tree         []*leaf           `json:"tree"`
	Own          uint32            `json:"own"`
	EpochSecret  []byte            `json:"epoch_secret"`
	Transcript   []byte            `json:"transcript"`
	Confirmation []byte            `json:"confirmation"`
	Past         map[uint64][]byte `json:"past,omitempty"`
	OwnKey       ownKey            `json:"own_key"`
	Config       joinConfig        `json:"config"`
}

type ownKey struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

func (k ownKey) pair() crypto.X25519KeyPair {
	var kp crypto.X25519KeyPair
	copy(kp.Private[:], k.Private)
	copy(kp.Public[:], k.Public)
	return kp
}

func ownKeyFrom(kp crypto.X25519KeyPair) ownKey {
	return ownKey{Private: slices.Clone(kp.Private[:]), Public: slices.Clone(kp.Public[:])}
}

func (s *groupState) clone() *groupState {
	out := *s
	out.Context.GroupID = s.Context.GroupID.Clone()
	out.Context.Extension = slices.Clone(s.Context.Extension)
	out.Tree = make([]*leaf, len(s.Tree))
	for i, l := range s.Tree {
		if l != nil {
			c := *l
			out.Tree[i] = &c
		}
	}
	out.EpochSecret = slices.Clone(s.EpochSecret)
	out.Transcript = slices.Clone(s.Transcript)
	out.Confirmation = slices.Clone(s.Confirmation)
	out.Past = maps.Clone(s.Past)
	return &out
}

func (s *groupState) find(identity nostr.PublicKey) int {
	return slices.IndexFunc(s.Tree, func(l *leaf) bool {
		return l != nil && l.Identity == identity
	})
}

func (s *groupState) members() []Member {
	var out []Member
	for i, l := range s.Tree {
		if l != nil {
			out = append(out, Member{Index: uint32(i), Identity: l.Identity})
		}
	}
	return out
}

func (s *groupState) leafAt(i uint32) *leaf {
	if int(i) >= len(s.Tree) {
		return nil
	}
	return s.Tree[i]
}

// advance moves s to the next epoch and retains the outgoing epoch secret.
func (s *groupState) advance(secret, transcript, confirmation []byte) {
	if s.Past == nil {
		s.Past = make(map[uint64][]byte)
	}
	s.Past[s.Context.Epoch] = s.EpochSecret
	s.Context.Epoch++
	s.EpochSecret = secret
	s.Transcript = transcript
	s.Confirmation = confirmation
	for e := range s.Past {
		if s.Context.Epoch-e > uint64(s.Config.MaxPastEpochs) {
			delete(s.Past, e)
		}
	}
}

func derive(secret, salt []byte, label string) []byte {
	k, err := crypto.DeriveKey(secret, salt, []byte(label))
	if err != nil {
		// HKDF-SHA256 only fails past 255 output blocks.
		panic(err)
	}
	return k[:]
}

func exporterSecret(s *groupState) [32]byte {
	var out [32]byte
	copy(out[:], derive(s.EpochSecret, s.Context.GroupID, "nostr"))
	return out
}

func (r *Ratchet) load(ctx context.Context, id types.GroupID) (*groupState, error) {
	st := &groupState{}
	read := func(kind storage.GroupDataKind, v any) (bool, error) {
		data, err := r.store.ReadGroupData(ctx, id, kind)
		if err != nil {
			return false, err
		}
		if data == nil {
			return false, nil
		}
		if err := json.Unmarshal(data, v); err != nil {
			return false, fmt.Errorf("decode %s: %w", kind, err)
		}
		return true, nil
	}
	found, err := read(storage.GroupDataContext, &st.Context)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrGroupNotFound
	}
	if _, err := read(storage.GroupDataTree, &st.Tree); err != nil {
		return nil, err
	}
	if _, err := read(storage.GroupDataMessageSecrets, &st.Past); err != nil {
		return nil, err
	}
	if _, err := read(storage.GroupDataJoinGroupConfig, &st.Config); err != nil {
		return nil, err
	}

	own, err := r.store.ReadGroupData(ctx, id, storage.GroupDataOwnLeafIndex)
	if err != nil {
		return nil, err
	}
	if len(own) != 4 {
		return nil, fmt.Errorf("own leaf index missing for group %s", id.Hex())
	}
	st.Own = binary.BigEndian.Uint32(own)

	for kind, dst := range map[storage.GroupDataKind]*[]byte{
		storage.GroupDataGroupEpochSecrets:     &st.EpochSecret,
		storage.GroupDataInterimTranscriptHash: &st.Transcript,
		storage.GroupDataConfirmationTag:       &st.Confirmation,
	} {
		if *dst, err = r.store.ReadGroupData(ctx, id, kind); err != nil {
			return nil, err
		}
	}

	if st.Context.Evicted {
		return st, nil
	}
	key, err := r.store.ReadEpochKeyPairs(ctx, id, st.Context.Epoch, st.Own)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("no leaf key for epoch %d", st.Context.Epoch)
	}
	if err := json.Unmarshal(key, &st.OwnKey); err != nil {
		return nil, fmt.Errorf("decode epoch key pair: %w", err)
	}
	return st, nil
}

// save writes st, dropping the leaf key of prevEpoch when it moved.
func (r *Ratchet) save(ctx context.Context, st *groupState, prevEpoch *uint64) error {
	id := st.Context.GroupID
	write := func(kind storage.GroupDataKind, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", kind, err)
		}
		return r.store.WriteGroupData(ctx, id, kind, data)
	}
	if err := write(storage.GroupDataContext, st.Context); err != nil {
		return err
	}
	if err := write(storage.GroupDataTree, st.Tree); err != nil {
		return err
	}
	if err := write(storage.GroupDataMessageSecrets, st.Past); err != nil {
		return err
	}
	if err := write(storage.GroupDataJoinGroupConfig, st.Config); err != nil {
		return err
	}
	if err := r.store.WriteGroupData(ctx, id, storage.GroupDataOwnLeafIndex, binary.BigEndian.AppendUint32(nil, st.Own)); err != nil {
		return err
	}
	for kind, v := range map[storage.GroupDataKind][]byte{
		storage.GroupDataGroupEpochSecrets:     st.EpochSecret,
		storage.GroupDataInterimTranscriptHash: st.Transcript,
		storage.GroupDataConfirmationTag:       st.Confirmation,
	} {
		if err := r.store.WriteGroupData(ctx, id, kind, v); err != nil {
			return err
		}
	}

	if !st.Context.Evicted {
		key, err := json.Marshal(st.OwnKey)
		if err != nil {
			return fmt.Errorf("encode epoch key pair: %w", err)
		}
		if err := r.store.WriteEpochKeyPairs(ctx, id, st.Context.Epoch, st.Own, key); err != nil {
			return err
		}
	}
	if prevEpoch != nil && *prevEpoch != st.Context.Epoch {
		if err := r.store.DeleteEpochKeyPairs(ctx, id, *prevEpoch, st.Own); err != nil {
			return err
		}
	}
	return nil
}

func (r *Ratchet) signingKey(ctx context.Context, st *groupState) (ed25519.PrivateKey, error) {
	own := st.leafAt(st.Own)
	if own == nil {
		return nil, ErrEvicted
	}
	key, err := r.store.ReadSignatureKeyPair(ctx, own.SignatureKey)
	if err != nil {
		return nil, err
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signature key for own leaf is missing")
	}
	return ed25519.PrivateKey(key), nil
}

// CreateGroup creates a group at epoch 0 holding creator and members and
// returns one welcome per member.
func (r *Ratchet) CreateGroup(ctx context.Context, creator nostr.PublicKey, members []*KeyPackage, ext extension.GroupData) (*GroupCreation, error) {
	gid, err := crypto.RandomKey()
	if err != nil {
		return nil, err
	}
	secret, err := crypto.RandomKey()
	if err != nil {
		return nil, err
	}
	keys, err := newLeafKeys()
	if err != nil {
		return nil, err
	}
	sigPub := keys.signing.Public().(ed25519.PublicKey)
	if err := r.store.WriteSignatureKeyPair(ctx, sigPub, keys.signing); err != nil {
		return nil, err
	}
	extData, err := ext.Encode()
	if err != nil {
		return nil, err
	}

	st := &groupState{
		Context: groupContext{GroupID: types.GroupID(gid[:]), Extension: extData},
		Tree: []*leaf{{
			Identity:      creator,
			EncryptionKey: slices.Clone(keys.encryption.Public[:]),
			SignatureKey:  sigPub,
		}},
		EpochSecret: secret[:],
		Transcript:  make([]byte, 32),
		OwnKey:      ownKeyFrom(keys.encryption),
		Config:      joinConfig{MaxPastEpochs: r.maxPastEpochs},
	}
	for _, kp := range members {
		if kp.Identity == creator || st.find(kp.Identity) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyMember, kp.Identity.Hex())
		}
		st.Tree = append(st.Tree, leafFromKeyPackage(kp))
	}
	st.Confirmation = derive(st.EpochSecret, st.Transcript, "mdk confirm")

	if err := r.save(ctx, st, nil); err != nil {
		return nil, err
	}
	out := &GroupCreation{GroupID: st.Context.GroupID.Clone()}
	for i, kp := range members {
		w, err := sealWelcome(st, uint32(i+1), creator, kp)
		if err != nil {
			return nil, err
		}
		out.Welcomes = append(out.Welcomes, w)
	}
	r.logger.Info("created group", "group", st.Context.GroupID.Hex(), "members", len(st.Tree))
	return out, nil
}

func leafFromKeyPackage(kp *KeyPackage) *leaf {
	return &leaf{
		Identity:      kp.Identity,
		EncryptionKey: slices.Clone(kp.EncryptionKey[:]),
		SignatureKey:  slices.Clone(kp.SignatureKey),
	}
}

func (r *Ratchet) Members(ctx context.Context, id types.GroupID) ([]Member, error) {
	st, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.members(), nil
}

func (r *Ratchet) Epoch(ctx context.Context, id types.GroupID) (uint64, error) {
	st, err := r.load(ctx, id)
	if err != nil {
		return 0, err
	}
	return st.Context.Epoch, nil
}

func (r *Ratchet) GroupExtension(ctx context.Context, id types.GroupID) (extension.GroupData, error) {
	st, err := r.load(ctx, id)
	if err != nil {
		return extension.GroupData{}, err
	}
	return extension.Decode(st.Context.Extension)
}

func (r *Ratchet) ExportSecret(ctx context.Context, id types.GroupID) ([32]byte, error) {
	st, err := r.load(ctx, id)
	if err != nil {
		return [32]byte{}, err
	}
	if st.Context.Evicted {
		return [32]byte{}, ErrEvicted
	}
	return exporterSecret(st), nil
}
