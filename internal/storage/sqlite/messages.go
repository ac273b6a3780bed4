package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

const messageColumns = `mls_group_id, id, pubkey, kind, created_at, processed_at, content, tags,
	event, wrapper_event_id, epoch, state`

func (s *Store) scanMessage(row scanner) (*types.Message, error) {
	var (
		m                       types.Message
		groupID, id, pubkey     []byte
		content, event, wrapper []byte
		tags, state             string
		kind                    int64
		createdAt, processedAt  int64
		epoch                   sql.NullInt64
	)
	if err := row.Scan(&groupID, &id, &pubkey, &kind, &createdAt, &processedAt, &content, &tags,
		&event, &wrapper, &epoch, &state); err != nil {
		return nil, err
	}

	var err error
	m.MLSGroupID = types.GroupID(groupID)
	if m.ID, err = nostr.EventIDFromBytes(id); err != nil {
		return nil, err
	}
	if m.Pubkey, err = nostr.PublicKeyFromBytes(pubkey); err != nil {
		return nil, err
	}
	if m.WrapperEventID, err = nostr.EventIDFromBytes(wrapper); err != nil {
		return nil, err
	}
	if m.State, err = types.ParseMessageState(state); err != nil {
		return nil, err
	}
	m.Kind = nostr.Kind(kind)
	m.CreatedAt = nostr.Timestamp(createdAt)
	m.ProcessedAt = nostr.Timestamp(processedAt)
	m.Epoch = nullEpoch(epoch)

	plain, err := s.open("messages.content", content)
	if err != nil {
		return nil, err
	}
	m.Content = string(plain)
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if plain, err = s.open("messages.event", event); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plain, &m.Event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &m, nil
}

func (s *Store) queryMessages(ctx context.Context, tail string, args ...any) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages `+tail, args...)
	if err != nil {
		return nil, storage.Database("query messages", err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, storage.Database("scan message", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Database("query messages", err)
	}
	return msgs, nil
}

func (s *Store) SaveMessage(ctx context.Context, msg types.Message) error {
	v, err := storage.ValidateMessage(&msg)
	if err != nil {
		return err
	}
	content, err := s.seal("messages.content", []byte(msg.Content))
	if err != nil {
		return storage.Database("seal message", err)
	}
	event, err := s.seal("messages.event", v.EventJSON)
	if err != nil {
		return storage.Database("seal message", err)
	}

	if err := s.requireGroup(ctx, s.db, msg.MLSGroupID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(mls_group_id, id) DO UPDATE SET
		   pubkey = excluded.pubkey,
		   kind = excluded.kind,
		   created_at = excluded.created_at,
		   processed_at = excluded.processed_at,
		   content = excluded.content,
		   tags = excluded.tags,
		   event = excluded.event,
		   wrapper_event_id = excluded.wrapper_event_id,
		   epoch = excluded.epoch,
		   state = excluded.state`,
		[]byte(msg.MLSGroupID), msg.ID[:], msg.Pubkey[:], int64(msg.Kind),
		int64(msg.CreatedAt), int64(msg.ProcessedAt), content, string(v.TagsJSON), event,
		msg.WrapperEventID[:], epochArg(msg.Epoch), string(msg.State))
	if err != nil {
		return storage.Database("save message", err)
	}
	return nil
}

func (s *Store) FindMessageByEventID(ctx context.Context, id types.GroupID, eventID nostr.EventID) (*types.Message, error) {
	if err := s.requireGroup(ctx, s.db, id); err != nil {
		return nil, err
	}
	msgs, err := s.queryMessages(ctx, `WHERE mls_group_id = ? AND id = ?`, []byte(id), eventID[:])
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

const processedMessageColumns = `wrapper_event_id, message_event_id, processed_at, epoch,
	mls_group_id, state, failure_reason`

func scanProcessedMessage(row scanner) (*types.ProcessedMessage, error) {
	var (
		pm             types.ProcessedMessage
		wrapper, msgID []byte
		groupID        []byte
		processedAt    int64
		epoch          sql.NullInt64
		state          string
	)
	if err := row.Scan(&wrapper, &msgID, &processedAt, &epoch, &groupID, &state, &pm.FailureReason); err != nil {
		return nil, err
	}

	var err error
	if pm.WrapperEventID, err = nostr.EventIDFromBytes(wrapper); err != nil {
		return nil, err
	}
	if msgID != nil {
		id, err := nostr.EventIDFromBytes(msgID)
		if err != nil {
			return nil, err
		}
		pm.MessageEventID = &id
	}
	if pm.State, err = types.ParseProcessedMessageState(state); err != nil {
		return nil, err
	}
	if groupID != nil {
		pm.MLSGroupID = types.GroupID(groupID)
	}
	pm.ProcessedAt = nostr.Timestamp(processedAt)
	pm.Epoch = nullEpoch(epoch)
	return &pm, nil
}

func (s *Store) queryProcessedMessages(ctx context.Context, tail string, args ...any) ([]types.ProcessedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+processedMessageColumns+` FROM processed_messages `+tail, args...)
	if err != nil {
		return nil, storage.Database("query processed messages", err)
	}
	defer rows.Close()

	var out []types.ProcessedMessage
	for rows.Next() {
		pm, err := scanProcessedMessage(rows)
		if err != nil {
			return nil, storage.Database("scan processed message", err)
		}
		out = append(out, *pm)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Database("query processed messages", err)
	}
	return out, nil
}

func (s *Store) SaveProcessedMessage(ctx context.Context, pm types.ProcessedMessage) error {
	var msgID, groupID []byte
	if pm.MessageEventID != nil {
		msgID = pm.MessageEventID[:]
	}
	if len(pm.MLSGroupID) > 0 {
		groupID = pm.MLSGroupID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_messages (`+processedMessageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(wrapper_event_id) DO UPDATE SET
		   message_event_id = excluded.message_event_id,
		   processed_at = excluded.processed_at,
		   epoch = excluded.epoch,
		   mls_group_id = excluded.mls_group_id,
		   state = excluded.state,
		   failure_reason = excluded.failure_reason`,
		pm.WrapperEventID[:], msgID, int64(pm.ProcessedAt), epochArg(pm.Epoch), groupID,
		string(pm.State), pm.FailureReason)
	if err != nil {
		return storage.Database("save processed message", err)
	}
	return nil
}

func (s *Store) FindProcessedMessageByEventID(ctx context.Context, wrapperID nostr.EventID) (*types.ProcessedMessage, error) {
	out, err := s.queryProcessedMessages(ctx, `WHERE wrapper_event_id = ?`, wrapperID[:])
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

func (s *Store) InvalidateMessagesAfterEpoch(ctx context.Context, id types.GroupID, epoch uint64) ([]nostr.EventID, error) {
	return s.invalidate(ctx, "messages", "id", id, epoch)
}

func (s *Store) InvalidateProcessedMessagesAfterEpoch(ctx context.Context, id types.GroupID, epoch uint64) ([]nostr.EventID, error) {
	return s.invalidate(ctx, "processed_messages", "wrapper_event_id", id, epoch)
}

// invalidate moves every row of table with a known epoch above epoch to
// epoch_invalidated and returns the ids that changed, ascending.
func (s *Store) invalidate(ctx context.Context, table, idColumn string, id types.GroupID, epoch uint64) ([]nostr.EventID, error) {
	op := "invalidate " + table
	where := ` WHERE mls_group_id = ? AND epoch IS NOT NULL AND epoch > ? AND state != 'epoch_invalidated'`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.Database(op, err)
	}
	defer tx.Rollback()

	ids, err := queryEventIDs(ctx, tx, `SELECT `+idColumn+` FROM `+table+where+` ORDER BY `+idColumn, []byte(id), int64(epoch))
	if err != nil {
		return nil, storage.Database(op, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET state = 'epoch_invalidated'`+where, []byte(id), int64(epoch)); err != nil {
		return nil, storage.Database(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storage.Database(op, err)
	}
	return ids, nil
}

func queryEventIDs(ctx context.Context, q querier, query string, args ...any) ([]nostr.EventID, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []nostr.EventID
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		id, err := nostr.EventIDFromBytes(b)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) FindFailedMessagesForRetry(ctx context.Context, id types.GroupID) ([]nostr.EventID, error) {
	ids, err := queryEventIDs(ctx, s.db,
		`SELECT wrapper_event_id FROM processed_messages
		 WHERE mls_group_id = ? AND state = 'failed' AND epoch IS NULL
		 ORDER BY wrapper_event_id`, []byte(id))
	if err != nil {
		return nil, storage.Database("find failed messages", err)
	}
	return ids, nil
}

func (s *Store) FindInvalidatedMessages(ctx context.Context, id types.GroupID) ([]types.Message, error) {
	return s.queryMessages(ctx, `WHERE mls_group_id = ? AND state = 'epoch_invalidated' ORDER BY id`, []byte(id))
}

func (s *Store) FindInvalidatedProcessedMessages(ctx context.Context, id types.GroupID) ([]types.ProcessedMessage, error) {
	return s.queryProcessedMessages(ctx,
		`WHERE mls_group_id = ? AND state = 'epoch_invalidated' ORDER BY wrapper_event_id`, []byte(id))
}

func (s *Store) MarkProcessedMessageRetryable(ctx context.Context, wrapperID nostr.EventID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processed_messages SET state = 'retryable' WHERE wrapper_event_id = ? AND state = 'failed'`,
		wrapperID[:])
	if err != nil {
		return storage.Database("mark retryable", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Database("mark retryable", err)
	}
	if n == 0 {
		return &storage.Error{Kind: storage.KindNotFound, Msg: "no failed processed message " + wrapperID.Hex()}
	}
	return nil
}

func (s *Store) FindMessageEpochByTagContent(ctx context.Context, id types.GroupID, substr string) (*uint64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx,
		`SELECT epoch FROM messages
		 WHERE mls_group_id = ? AND epoch IS NOT NULL AND tags LIKE ? ESCAPE '\'
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		[]byte(id), "%"+storage.EscapeLike(substr)+"%").Scan(&epoch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Database("find epoch by tag", err)
	}
	e := uint64(epoch)
	return &e, nil
}
