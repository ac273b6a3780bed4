package mls

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/pkg/types"
)

// framed is the wire form of every group message. The header travels in
// the clear and is bound into both the AEAD and the signature.
type framed struct {
	Type       ContentType   `json:"type"`
	GroupID    types.GroupID `json:"group_id"`
	Epoch      uint64        `json:"epoch"`
	Ciphertext []byte        `json:"ciphertext"`
}

type sealedContent struct {
	Sender    uint32 `json:"sender"`
	Content   []byte `json:"content"`
	Signature []byte `json:"signature"`
}

func (f *framed) header() []byte {
	var b cryptobyte.Builder
	b.AddUint8(uint8(f.Type))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(f.GroupID)
	})
	b.AddUint64(f.Epoch)
	return b.BytesOrPanic()
}

func contentKey(epochSecret []byte, gid types.GroupID, t ContentType) []byte {
	if t == ContentApplication {
		return derive(epochSecret, gid, "mdk application")
	}
	return derive(epochSecret, gid, "mdk handshake")
}

func (r *Ratchet) frame(ctx context.Context, st *groupState, t ContentType, content []byte) ([]byte, error) {
	signing, err := r.signingKey(ctx, st)
	if err != nil {
		return nil, err
	}
	f := framed{Type: t, GroupID: st.Context.GroupID, Epoch: st.Context.Epoch}
	header := f.header()
	inner, err := json.Marshal(sealedContent{
		Sender:    st.Own,
		Content:   content,
		Signature: ed25519.Sign(signing, append(header, content...)),
	})
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	c, err := crypto.NewCipher(contentKey(st.EpochSecret, f.GroupID, t))
	if err != nil {
		return nil, err
	}
	if f.Ciphertext, err = c.Seal(inner, header); err != nil {
		return nil, err
	}
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

func parseFramed(data []byte) (*framed, error) {
	var f framed
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch f.Type {
	case ContentApplication, ContentProposal, ContentCommit:
	default:
		return nil, fmt.Errorf("%w: unknown content type %d", ErrMalformedMessage, f.Type)
	}
	return &f, nil
}

// unframe decrypts f with epochSecret and verifies the sender signature
// against the current tree.
func unframe(st *groupState, f *framed, epochSecret []byte) (*sealedContent, *leaf, error) {
	c, err := crypto.NewCipher(contentKey(epochSecret, f.GroupID, f.Type))
	if err != nil {
		return nil, nil, err
	}
	header := f.header()
	inner, err := c.Open(f.Ciphertext, header)
	if err != nil {
		return nil, nil, ErrDecrypt
	}
	var sc sealedContent
	if err := json.Unmarshal(inner, &sc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	sender := st.leafAt(sc.Sender)
	if sender == nil {
		return nil, nil, ErrUnknownSender
	}
	if !ed25519.Verify(sender.SignatureKey, append(header, sc.Content...), sc.Signature) {
		return nil, nil, ErrInvalidSignature
	}
	return &sc, sender, nil
}

// Encrypt frames an application message in the current epoch.
func (r *Ratchet) Encrypt(ctx context.Context, id types.GroupID, plaintext []byte) ([]byte, error) {
	st, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Context.Evicted {
		return nil, ErrEvicted
	}
	return r.frame(ctx, st, ContentApplication, plaintext)
}

// Decrypt opens a framed message. Application messages from a retained
// earlier epoch are accepted; handshake messages must match the current
// epoch.
func (r *Ratchet) Decrypt(ctx context.Context, id types.GroupID, data []byte) (*Received, error) {
	f, err := parseFramed(data)
	if err != nil {
		return nil, err
	}
	if !f.GroupID.Equal(id) {
		return nil, ErrWrongGroup
	}
	st, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Context.Evicted {
		return nil, ErrEvicted
	}

	secret := st.EpochSecret
	switch current := st.Context.Epoch; {
	case f.Epoch > current:
		return nil, fmt.Errorf("%w: %d > %d", ErrFutureEpoch, f.Epoch, current)
	case f.Epoch < current && f.Type != ContentApplication:
		return nil, &WrongEpochError{Type: f.Type, MessageEpoch: f.Epoch, CurrentEpoch: current}
	case f.Epoch < current:
		past, ok := st.Past[f.Epoch]
		if !ok {
			return nil, fmt.Errorf("%w: epoch %d", ErrEpochTooOld, f.Epoch)
		}
		secret = past
	}

	sc, sender, err := unframe(st, f, secret)
	if err != nil {
		return nil, err
	}
	received := &Received{
		Type:   f.Type,
		Epoch:  f.Epoch,
		Sender: Member{Index: sc.Sender, Identity: sender.Identity},
	}
	if sc.Sender == st.Own {
		return nil, ErrOwnMessage
	}

	switch f.Type {
	case ContentApplication:
		received.Payload = sc.Content
	case ContentProposal:
		var p Proposal
		if err := json.Unmarshal(sc.Content, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		ref := sha256.Sum256(data)
		received.Proposal = &p
		received.Ref = ref[:]
	case ContentCommit:
		staged, err := r.stageCommit(ctx, st, sc)
		if err != nil {
			return nil, err
		}
		received.Commit = staged
	}
	return received, nil
}
