package mls

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/internal/extension"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/types"
)

var errSelfRemoval = errors.New("a commit cannot remove its own committer")

type commitContent struct {
	Proposals []Proposal `json:"proposals"`
	Path      commitPath `json:"path"`
}

// commitPath carries the committer's fresh leaf key and the commit secret
// sealed to every other leaf that was already in the group.
type commitPath struct {
	EncryptionKey []byte            `json:"encryption_key"`
	Secrets       map[uint32][]byte `json:"secrets"`
}

type commitWire struct {
	Content      []byte `json:"content"`
	Confirmation []byte `json:"confirmation"`
}

type addedLeaf struct {
	index uint32
	kp    *KeyPackage
}

// applyProposals returns the state after proposals, the added leaves and
// whether the local leaf was removed. Epoch secrets are not touched.
func applyProposals(cur *groupState, proposals []Proposal) (*groupState, []addedLeaf, bool, error) {
	next := cur.clone()
	var (
		added       []addedLeaf
		removedSelf bool
	)
	for _, p := range proposals {
		switch p.Kind {
		case ProposalExtensions:
			if _, err := extension.Decode(p.Extension); err != nil {
				return nil, nil, false, err
			}
			next.Context.Extension = slices.Clone(p.Extension)
		case ProposalRemove:
			i := next.find(p.Removed)
			if i < 0 {
				return nil, nil, false, fmt.Errorf("%w: %s", ErrNotMember, p.Removed.Hex())
			}
			if uint32(i) == next.Own {
				removedSelf = true
			}
			next.Tree[i] = nil
		case ProposalAdd:
			kp, err := parseKeyPackage(p.KeyPackage)
			if err != nil {
				return nil, nil, false, err
			}
			if next.find(kp.Identity) >= 0 {
				return nil, nil, false, fmt.Errorf("%w: %s", ErrAlreadyMember, kp.Identity.Hex())
			}
			i := slices.IndexFunc(next.Tree, func(l *leaf) bool { return l == nil })
			if i < 0 {
				i = len(next.Tree)
				next.Tree = append(next.Tree, nil)
			}
			next.Tree[i] = leafFromKeyPackage(kp)
			added = append(added, addedLeaf{index: uint32(i), kp: kp})
		default:
			return nil, nil, false, fmt.Errorf("%w: unknown proposal %q", ErrMalformedMessage, p.Kind)
		}
	}
	for len(next.Tree) > 0 && next.Tree[len(next.Tree)-1] == nil {
		next.Tree = next.Tree[:len(next.Tree)-1]
	}
	return next, added, removedSelf, nil
}

func nextEpochSecrets(st *groupState, content, commitSecret []byte) (secret, transcript, confirmation []byte) {
	h := sha256.New()
	h.Write(st.Transcript)
	h.Write(content)
	transcript = h.Sum(nil)
	secret = derive(commitSecret, append(slices.Clone(st.EpochSecret), transcript...), "mdk epoch")
	confirmation = derive(secret, transcript, "mdk confirm")
	return secret, transcript, confirmation
}

func pathAAD(st *groupState) []byte {
	f := framed{Type: ContentCommit, GroupID: st.Context.GroupID, Epoch: st.Context.Epoch}
	return f.header()
}

func (r *Ratchet) queuedProposals(ctx context.Context, id types.GroupID) ([]Proposal, error) {
	stored, err := r.store.Proposals(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []Proposal
	for _, sp := range stored {
		var p Proposal
		if err := json.Unmarshal(sp.Data, &p); err != nil {
			return nil, fmt.Errorf("decode queued proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Commit stages a commit. The group stays at its epoch until
// MergePendingCommit.
func (r *Ratchet) Commit(ctx context.Context, id types.GroupID, opts CommitOptions) (*CommitOutput, error) {
	st, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Context.Evicted {
		return nil, ErrEvicted
	}
	if pending, err := r.HasPendingCommit(ctx, id); err != nil {
		return nil, err
	} else if pending {
		return nil, ErrPendingCommit
	}

	proposals, err := r.queuedProposals(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.Extension != nil {
		data, err := opts.Extension.Encode()
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, Proposal{Kind: ProposalExtensions, Extension: data})
	}
	for _, pk := range opts.Remove {
		proposals = append(proposals, Proposal{Kind: ProposalRemove, Removed: pk})
	}
	for _, kp := range opts.Add {
		proposals = append(proposals, Proposal{Kind: ProposalAdd, KeyPackage: kp.Bytes()})
	}

	next, added, removedSelf, err := applyProposals(st, proposals)
	if err != nil {
		return nil, err
	}
	if removedSelf {
		return nil, errSelfRemoval
	}

	commitSecret, err := crypto.RandomKey()
	if err != nil {
		return nil, err
	}
	leafKey, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	next.Tree[next.Own].EncryptionKey = slices.Clone(leafKey.Public[:])

	path := commitPath{EncryptionKey: slices.Clone(leafKey.Public[:]), Secrets: make(map[uint32][]byte)}
	aad := pathAAD(st)
	for i, l := range next.Tree {
		idx := uint32(i)
		if l == nil || idx == next.Own || slices.ContainsFunc(added, func(a addedLeaf) bool { return a.index == idx }) {
			continue
		}
		sealed, err := crypto.SealTo(l.encryptionKey(), commitSecret[:], aad)
		if err != nil {
			return nil, fmt.Errorf("seal path secret: %w", err)
		}
		path.Secrets[idx] = sealed
	}

	content, err := json.Marshal(commitContent{Proposals: proposals, Path: path})
	if err != nil {
		return nil, fmt.Errorf("encode commit: %w", err)
	}
	secret, transcript, confirmation := nextEpochSecrets(st, content, commitSecret[:])
	wire, err := json.Marshal(commitWire{Content: content, Confirmation: confirmation})
	if err != nil {
		return nil, fmt.Errorf("encode commit: %w", err)
	}
	msg, err := r.frame(ctx, st, ContentCommit, wire)
	if err != nil {
		return nil, err
	}

	next.advance(secret, transcript, confirmation)
	next.OwnKey = ownKeyFrom(leafKey)

	out := &CommitOutput{Message: msg}
	welcomer := st.Tree[st.Own].Identity
	for _, a := range added {
		w, err := sealWelcome(next, a.index, welcomer, a.kp)
		if err != nil {
			return nil, err
		}
		out.Welcomes = append(out.Welcomes, w)
	}

	pending, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode pending commit: %w", err)
	}
	if err := r.store.WriteGroupData(ctx, id, storage.GroupDataGroupState, pending); err != nil {
		return nil, err
	}
	node, err := json.Marshal(next.Tree[next.Own])
	if err != nil {
		return nil, fmt.Errorf("encode leaf node: %w", err)
	}
	if err := r.store.AppendOwnLeafNode(ctx, id, node); err != nil {
		return nil, err
	}
	r.logger.Debug("staged commit", "group", id.Hex(), "epoch", st.Context.Epoch, "proposals", len(proposals))
	return out, nil
}

func (r *Ratchet) stageCommit(ctx context.Context, st *groupState, sc *sealedContent) (*StagedCommit, error) {
	var wire commitWire
	if err := json.Unmarshal(sc.Content, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var content commitContent
	if err := json.Unmarshal(wire.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	next, _, removedSelf, err := applyProposals(st, content.Proposals)
	if err != nil {
		return nil, err
	}
	committer := next.leafAt(sc.Sender)
	if committer == nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, errSelfRemoval)
	}
	if len(content.Path.EncryptionKey) != 32 {
		return nil, fmt.Errorf("%w: bad path key", ErrMalformedMessage)
	}
	committer.EncryptionKey = slices.Clone(content.Path.EncryptionKey)

	staged := &StagedCommit{
		Proposals:   content.Proposals,
		NewEpoch:    st.Context.Epoch + 1,
		RemovesSelf: removedSelf,
	}
	if removedSelf {
		next.Context.Epoch++
		next.Context.Evicted = true
		next.EpochSecret = nil
		next.Past = nil
		staged.next = next
		return staged, nil
	}

	sealed, ok := content.Path.Secrets[st.Own]
	if !ok {
		return nil, fmt.Errorf("%w: no path secret for own leaf", ErrDecrypt)
	}
	commitSecret, err := crypto.OpenFrom(st.OwnKey.pair(), sealed, pathAAD(st))
	if err != nil {
		return nil, fmt.Errorf("%w: path secret: %v", ErrDecrypt, err)
	}
	secret, transcript, confirmation := nextEpochSecrets(st, wire.Content, commitSecret)
	if subtle.ConstantTimeCompare(confirmation, wire.Confirmation) != 1 {
		return nil, ErrConfirmationMismatch
	}
	next.advance(secret, transcript, confirmation)
	staged.next = next
	return staged, nil
}

// ProcessCommit applies a commit staged by Decrypt. Any local pending
// commit and queued proposals are dropped.
func (r *Ratchet) ProcessCommit(ctx context.Context, id types.GroupID, rcv *Received) error {
	if rcv == nil || rcv.Commit == nil || rcv.Commit.next == nil {
		return fmt.Errorf("%w: not a staged commit", ErrMalformedMessage)
	}
	next := rcv.Commit.next
	if !next.Context.GroupID.Equal(id) {
		return ErrWrongGroup
	}
	current, err := r.Epoch(ctx, id)
	if err != nil {
		return err
	}
	prev := next.Context.Epoch - 1
	if current != prev {
		return &WrongEpochError{Type: ContentCommit, MessageEpoch: prev, CurrentEpoch: current}
	}
	if err := r.save(ctx, next, &prev); err != nil {
		return err
	}
	if err := r.dropPending(ctx, id); err != nil {
		return err
	}
	r.logger.Debug("applied commit", "group", id.Hex(), "epoch", next.Context.Epoch, "evicted", next.Context.Evicted)
	return nil
}

func (r *Ratchet) dropPending(ctx context.Context, id types.GroupID) error {
	if err := r.store.ClearProposals(ctx, id); err != nil {
		return err
	}
	if err := r.store.DeleteGroupData(ctx, id, storage.GroupDataGroupState); err != nil {
		return err
	}
	return r.store.DeleteOwnLeafNodes(ctx, id)
}

// MergePendingCommit moves the group to the epoch of its pending commit.
func (r *Ratchet) MergePendingCommit(ctx context.Context, id types.GroupID) error {
	data, err := r.store.ReadGroupData(ctx, id, storage.GroupDataGroupState)
	if err != nil {
		return err
	}
	if data == nil {
		return ErrNoPendingCommit
	}
	var next groupState
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("decode pending commit: %w", err)
	}
	prev := next.Context.Epoch - 1
	if err := r.save(ctx, &next, &prev); err != nil {
		return err
	}
	if err := r.dropPending(ctx, id); err != nil {
		return err
	}
	r.logger.Debug("merged pending commit", "group", id.Hex(), "epoch", next.Context.Epoch)
	return nil
}

// ClearPendingCommit discards a pending commit. It is a no-op without one.
func (r *Ratchet) ClearPendingCommit(ctx context.Context, id types.GroupID) error {
	if err := r.store.DeleteGroupData(ctx, id, storage.GroupDataGroupState); err != nil {
		return err
	}
	return r.store.DeleteOwnLeafNodes(ctx, id)
}

func (r *Ratchet) HasPendingCommit(ctx context.Context, id types.GroupID) (bool, error) {
	data, err := r.store.ReadGroupData(ctx, id, storage.GroupDataGroupState)
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// Propose frames a standalone proposal in the current epoch.
func (r *Ratchet) Propose(ctx context.Context, id types.GroupID, p Proposal) ([]byte, error) {
	st, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Context.Evicted {
		return nil, ErrEvicted
	}
	content, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode proposal: %w", err)
	}
	return r.frame(ctx, st, ContentProposal, content)
}

// QueueProposal stores a received proposal for the next local commit.
func (r *Ratchet) QueueProposal(ctx context.Context, id types.GroupID, rcv *Received) error {
	if rcv == nil || rcv.Proposal == nil {
		return fmt.Errorf("%w: not a proposal", ErrMalformedMessage)
	}
	data, err := json.Marshal(rcv.Proposal)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}
	return r.store.QueueProposal(ctx, id, storage.Proposal{Ref: rcv.Ref, Data: data})
}
