package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/internal/mls"
	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// groupEventInfo is the HKDF info for kind 445 content keys.
var groupEventInfo = []byte("mdk group event")

func groupEventCipher(secret [32]byte) (*crypto.Cipher, error) {
	key, err := crypto.DeriveKey(secret[:], nil, groupEventInfo)
	if err != nil {
		return nil, err
	}
	return crypto.NewCipher(key[:])
}

// groupEvent wraps an MLS message in a kind 445 event keyed to the group's
// current exporter secret and signed by a one-time key.
func (e *Engine) groupEvent(ctx context.Context, g *types.Group, payload []byte) (nostr.Event, error) {
	secret, err := e.store.GroupExporterSecret(ctx, g.MLSGroupID, g.Epoch)
	if err != nil {
		return nostr.Event{}, err
	}
	if secret == nil {
		return nostr.Event{}, fmt.Errorf("no exporter secret for epoch %d", g.Epoch)
	}
	c, err := groupEventCipher(secret.Secret)
	if err != nil {
		return nostr.Event{}, err
	}
	sealed, err := c.Seal(payload, g.NostrGroupID[:])
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to seal group event: %w", err)
	}
	keys, err := nostr.GenerateKeys()
	if err != nil {
		return nostr.Event{}, err
	}
	ev := nostr.Event{
		CreatedAt: e.now(),
		Kind:      nostr.KindMLSGroupMessage,
		Tags: nostr.Tags{
			{"h", hex.EncodeToString(g.NostrGroupID[:])},
			nostr.EncodingTag(),
		},
		Content: nostr.EncodeContent(sealed),
	}
	if err := keys.Sign(&ev); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign group event: %w", err)
	}
	return ev, nil
}

// openGroupEvent tries the exporter secrets of the current epoch and the
// retained past epochs, newest first.
func (e *Engine) openGroupEvent(ctx context.Context, g *types.Group, sealed []byte) ([]byte, error) {
	var oldest uint64
	if g.Epoch > uint64(e.cfg.MaxPastEpochs) {
		oldest = g.Epoch - uint64(e.cfg.MaxPastEpochs)
	}
	for epoch := g.Epoch; ; epoch-- {
		secret, err := e.store.GroupExporterSecret(ctx, g.MLSGroupID, epoch)
		if err != nil {
			return nil, err
		}
		if secret != nil {
			c, err := groupEventCipher(secret.Secret)
			if err != nil {
				return nil, err
			}
			if plain, err := c.Open(sealed, g.NostrGroupID[:]); err == nil {
				return plain, nil
			}
		}
		if epoch == oldest {
			break
		}
	}
	return nil, mls.ErrDecrypt
}

func groupTag(ev *nostr.Event) ([32]byte, error) {
	var id [32]byte
	b, err := hex.DecodeString(ev.Tags.Find("h").Value())
	if err != nil || len(b) != len(id) {
		return id, ErrMissingGroupTag
	}
	copy(id[:], b)
	return id, nil
}

// failureReason maps a processing error to a stable reason string. Raw
// error text is not stored.
func failureReason(err error) string {
	var wrong *mls.WrongEpochError
	switch {
	case errors.As(err, &wrong):
		return "wrong_epoch"
	case errors.Is(err, mls.ErrDecrypt):
		return "decryption_failed"
	case errors.Is(err, mls.ErrEpochTooOld), errors.Is(err, mls.ErrFutureEpoch):
		return "epoch_unavailable"
	case errors.Is(err, mls.ErrOwnMessage):
		return "own_message"
	case errors.Is(err, mls.ErrUnknownSender), errors.Is(err, mls.ErrInvalidSignature), errors.Is(err, ErrAuthorMismatch):
		return "invalid_sender"
	case errors.Is(err, ErrCommitFromNonAdmin):
		return "commit_from_non_admin"
	case errors.Is(err, mls.ErrEvicted):
		return "evicted"
	case errors.Is(err, mls.ErrMalformedMessage):
		return "malformed"
	}
	return "processing_failed"
}

// fail records the wrapper as failed and reports it as unprocessable.
func (e *Engine) fail(ctx context.Context, g *types.Group, wrapper nostr.EventID, epoch *uint64, cause error) (*MessageProcessingResult, error) {
	e.logger.Debug("group event unprocessable", "group", g.MLSGroupID.Hex(), "event", wrapper.Hex(), "error", cause)
	pm := types.ProcessedMessage{
		WrapperEventID: wrapper,
		ProcessedAt:    e.now(),
		Epoch:          epoch,
		MLSGroupID:     g.MLSGroupID,
		State:          types.ProcessedMessageStateFailed,
		FailureReason:  failureReason(cause),
	}
	if err := e.store.SaveProcessedMessage(ctx, pm); err != nil {
		return nil, err
	}
	return &MessageProcessingResult{Kind: ResultUnprocessable, GroupID: g.MLSGroupID}, nil
}

func (e *Engine) saveProcessed(ctx context.Context, g *types.Group, wrapper nostr.EventID, state types.ProcessedMessageState, epoch uint64, msgID *nostr.EventID) error {
	return e.store.SaveProcessedMessage(ctx, types.ProcessedMessage{
		WrapperEventID: wrapper,
		MessageEventID: msgID,
		ProcessedAt:    e.now(),
		Epoch:          &epoch,
		MLSGroupID:     g.MLSGroupID,
		State:          state,
	})
}

// ProcessMessage handles an inbound kind 445 event. Decryption and
// validation failures are recorded and returned as ResultUnprocessable;
// errors are reserved for malformed input and storage failures.
func (e *Engine) ProcessMessage(ctx context.Context, event *nostr.Event) (*MessageProcessingResult, error) {
	start := e.clock.Now()
	res, err := e.processMessage(ctx, event)
	result := "error"
	if err == nil {
		result = res.Kind.String()
	}
	e.metrics.MessageProcessed(result, e.clock.Since(start))
	return res, err
}

func (e *Engine) processMessage(ctx context.Context, event *nostr.Event) (*MessageProcessingResult, error) {
	if event.Kind != nostr.KindMLSGroupMessage {
		return nil, fmt.Errorf("%w: %d", ErrWrongKind, event.Kind)
	}
	if err := event.Verify(); err != nil {
		return nil, err
	}
	if event.CreatedAt.Time().Before(e.clock.Now().Add(-e.cfg.MaxEventAge)) {
		return nil, ErrEventTooOld
	}
	sealed, err := nostr.DecodeContent(event)
	if err != nil {
		return nil, err
	}
	nostrGroupID, err := groupTag(event)
	if err != nil {
		return nil, err
	}
	found, err := e.store.FindGroupByNostrGroupID(ctx, nostrGroupID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrUnknownGroup
	}

	unlock := e.lock(found.MLSGroupID)
	defer unlock()
	g, err := e.group(ctx, found.MLSGroupID)
	if err != nil {
		return nil, err
	}

	if res, done, err := e.checkProcessed(ctx, g, event.ID); done || err != nil {
		return res, err
	}

	inner, err := e.openGroupEvent(ctx, g, sealed)
	if err != nil {
		if errors.Is(err, mls.ErrDecrypt) {
			return e.fail(ctx, g, event.ID, nil, err)
		}
		return nil, err
	}
	rcv, err := e.mls.Decrypt(ctx, g.MLSGroupID, inner)
	var wrong *mls.WrongEpochError
	switch {
	case errors.As(err, &wrong) && wrong.Type == mls.ContentCommit:
		return e.resolveRace(ctx, g, event, inner, wrong)
	case err != nil:
		return e.fail(ctx, g, event.ID, nil, err)
	}

	switch rcv.Type {
	case mls.ContentApplication:
		return e.handleApplication(ctx, g, event, rcv)
	case mls.ContentProposal:
		return e.handleProposal(ctx, g, event, rcv)
	case mls.ContentCommit:
		return e.handleCommit(ctx, g, event, rcv)
	}
	return e.fail(ctx, g, event.ID, nil, fmt.Errorf("%w: content type %s", mls.ErrMalformedMessage, rcv.Type))
}

// checkProcessed resolves a wrapper seen before. done is false when the
// event should be processed.
func (e *Engine) checkProcessed(ctx context.Context, g *types.Group, wrapper nostr.EventID) (*MessageProcessingResult, bool, error) {
	pm, err := e.store.FindProcessedMessageByEventID(ctx, wrapper)
	if err != nil || pm == nil {
		return nil, false, err
	}
	res := &MessageProcessingResult{GroupID: g.MLSGroupID}
	switch pm.State {
	case types.ProcessedMessageStateCreated:
		// Relay echo of a message we sent.
		msg, err := e.confirmOwnMessage(ctx, g, pm)
		if err != nil {
			return nil, true, err
		}
		res.Kind = ResultApplicationMessage
		res.Message = msg
	case types.ProcessedMessageStateProcessedCommit:
		res.Kind = ResultCommit
	case types.ProcessedMessageStateFailed, types.ProcessedMessageStateEpochInvalidated:
		res.Kind = ResultPreviouslyFailed
	case types.ProcessedMessageStateRetryable:
		e.logger.Debug("retrying group event", "group", g.MLSGroupID.Hex(), "event", wrapper.Hex())
		return nil, false, nil
	default:
		res.Kind = ResultUnprocessable
	}
	return res, true, nil
}

func (e *Engine) confirmOwnMessage(ctx context.Context, g *types.Group, pm *types.ProcessedMessage) (*types.Message, error) {
	pm.State = types.ProcessedMessageStateProcessed
	pm.ProcessedAt = e.now()
	if pm.MessageEventID == nil {
		return nil, e.store.SaveProcessedMessage(ctx, *pm)
	}
	msg, err := e.store.FindMessageByEventID(ctx, g.MLSGroupID, *pm.MessageEventID)
	if err != nil {
		return nil, err
	}
	if msg != nil && msg.State == types.MessageStateCreated {
		msg.State = types.MessageStateProcessed
		if err := e.store.SaveMessage(ctx, *msg); err != nil {
			return nil, err
		}
	}
	if err := e.store.SaveProcessedMessage(ctx, *pm); err != nil {
		return nil, err
	}
	return msg, nil
}

func (e *Engine) handleApplication(ctx context.Context, g *types.Group, event *nostr.Event, rcv *mls.Received) (*MessageProcessingResult, error) {
	rumor, err := nostr.ParseEvent(rcv.Payload)
	if err != nil {
		return e.fail(ctx, g, event.ID, nil, fmt.Errorf("%w: %w", mls.ErrMalformedMessage, err))
	}
	if rumor.PubKey != rcv.Sender.Identity {
		return e.fail(ctx, g, event.ID, nil, ErrAuthorMismatch)
	}
	if err := rumor.CheckID(); err != nil {
		return e.fail(ctx, g, event.ID, nil, fmt.Errorf("%w: %w", mls.ErrMalformedMessage, err))
	}

	epoch := rcv.Epoch
	msg := types.Message{
		ID:             rumor.ID,
		Pubkey:         rumor.PubKey,
		Kind:           rumor.Kind,
		MLSGroupID:     g.MLSGroupID,
		CreatedAt:      rumor.CreatedAt,
		ProcessedAt:    e.now(),
		Content:        rumor.Content,
		Tags:           rumor.Tags,
		Event:          rumor,
		WrapperEventID: event.ID,
		Epoch:          &epoch,
		State:          types.MessageStateProcessed,
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := e.saveProcessed(ctx, g, event.ID, types.ProcessedMessageStateProcessed, epoch, &msg.ID); err != nil {
		return nil, err
	}
	if g.UpdateLastMessageIfNewer(&msg) {
		if err := e.store.SaveGroup(ctx, *g); err != nil {
			return nil, err
		}
	}
	delivered := msg.Clone()
	e.notify(g.MLSGroupID, func(cb Callback) { cb.OnApplicationMessage(delivered) })
	return &MessageProcessingResult{Kind: ResultApplicationMessage, GroupID: g.MLSGroupID, Message: &msg}, nil
}

func (e *Engine) handleProposal(ctx context.Context, g *types.Group, event *nostr.Event, rcv *mls.Received) (*MessageProcessingResult, error) {
	if err := e.mls.QueueProposal(ctx, g.MLSGroupID, rcv); err != nil {
		return e.fail(ctx, g, event.ID, nil, err)
	}
	res := &MessageProcessingResult{Kind: ResultPendingProposal, GroupID: g.MLSGroupID}

	p := rcv.Proposal
	selfRemove := p.Kind == mls.ProposalRemove && p.Removed == rcv.Sender.Identity
	if selfRemove && g.IsAdmin(e.Identity()) {
		update, err := e.commit(ctx, g, mls.CommitOptions{}, nil)
		switch {
		case errors.Is(err, mls.ErrPendingCommit):
			e.logger.Debug("leave proposal queued behind pending commit", "group", g.MLSGroupID.Hex())
		case err != nil:
			return nil, err
		default:
			res.Kind = ResultProposal
			res.Proposal = update
		}
	}
	if err := e.saveProcessed(ctx, g, event.ID, types.ProcessedMessageStateProcessed, rcv.Epoch, nil); err != nil {
		return nil, err
	}
	return res, nil
}

// CreateMessage encrypts rumor for the group and returns the signed kind
// 445 event to publish. The rumor's author is set to the local identity.
func (e *Engine) CreateMessage(ctx context.Context, id types.GroupID, rumor nostr.Event) (nostr.Event, error) {
	unlock := e.lock(id)
	defer unlock()
	g, err := e.group(ctx, id)
	if err != nil {
		return nostr.Event{}, err
	}

	rumor.PubKey = e.Identity()
	rumor.Sig = nil
	if rumor.CreatedAt == 0 {
		rumor.CreatedAt = e.now()
	}
	rumor.EnsureID()
	payload, err := rumor.JSON()
	if err != nil {
		return nostr.Event{}, err
	}
	framed, err := e.mls.Encrypt(ctx, id, payload)
	if err != nil {
		return nostr.Event{}, err
	}
	ev, err := e.groupEvent(ctx, g, framed)
	if err != nil {
		return nostr.Event{}, err
	}

	epoch := g.Epoch
	msg := types.Message{
		ID:             rumor.ID,
		Pubkey:         rumor.PubKey,
		Kind:           rumor.Kind,
		MLSGroupID:     g.MLSGroupID,
		CreatedAt:      rumor.CreatedAt,
		ProcessedAt:    e.now(),
		Content:        rumor.Content,
		Tags:           rumor.Tags,
		Event:          rumor,
		WrapperEventID: ev.ID,
		Epoch:          &epoch,
		State:          types.MessageStateCreated,
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return nostr.Event{}, err
	}
	if err := e.saveProcessed(ctx, g, ev.ID, types.ProcessedMessageStateCreated, epoch, &msg.ID); err != nil {
		return nostr.Event{}, err
	}
	if g.UpdateLastMessageIfNewer(&msg) {
		if err := e.store.SaveGroup(ctx, *g); err != nil {
			return nostr.Event{}, err
		}
	}
	return ev, nil
}

// GetMessage returns a message of the group, or nil.
func (e *Engine) GetMessage(ctx context.Context, id types.GroupID, eventID nostr.EventID) (*types.Message, error) {
	unlock := e.locks.RLock(id)
	defer unlock()
	return e.store.FindMessageByEventID(ctx, id, eventID)
}

func (e *Engine) GetMessages(ctx context.Context, id types.GroupID, p *types.Pagination) ([]types.Message, error) {
	unlock := e.locks.RLock(id)
	defer unlock()
	return e.store.Messages(ctx, id, p)
}

func (e *Engine) GetLastMessage(ctx context.Context, id types.GroupID, order types.MessageSortOrder) (*types.Message, error) {
	unlock := e.locks.RLock(id)
	defer unlock()
	return e.store.LastMessage(ctx, id, order)
}

// group loads a group record, failing when it does not exist.
func (e *Engine) group(ctx context.Context, id types.GroupID) (*types.Group, error) {
	g, err := e.store.FindGroupByMLSGroupID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, storage.ErrGroupNotFound
	}
	return g, nil
}
