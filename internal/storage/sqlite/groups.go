package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

const groupColumns = `mls_group_id, nostr_group_id, name, description, image_hash, image_key,
	image_nonce, image_upload_key, admin_pubkeys, last_message_id, last_message_at,
	last_message_processed_at, epoch, state`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanGroup(row scanner) (*types.Group, error) {
	var (
		g                                    types.Group
		mlsID, nostrID, imageHash, lastID    []byte
		imageKey, imageNonce, imageUploadKey []byte
		admins, state                        string
		lastAt, lastProcessedAt              sql.NullInt64
		epoch                                int64
	)
	if err := row.Scan(&mlsID, &nostrID, &g.Name, &g.Description, &imageHash, &imageKey,
		&imageNonce, &imageUploadKey, &admins, &lastID, &lastAt, &lastProcessedAt, &epoch, &state); err != nil {
		return nil, err
	}

	g.MLSGroupID = types.GroupID(mlsID)
	copy(g.NostrGroupID[:], nostrID)
	g.Epoch = uint64(epoch)

	var err error
	if g.State, err = types.ParseGroupState(state); err != nil {
		return nil, err
	}
	if g.AdminPubkeys, err = storage.DecodeAdmins([]byte(admins)); err != nil {
		return nil, fmt.Errorf("decode admin pubkeys: %w", err)
	}
	g.ImageHash = array32(imageHash)
	if g.ImageKey, err = s.openArray32("groups.image_key", imageKey); err != nil {
		return nil, err
	}
	if g.ImageUploadKey, err = s.openArray32("groups.image_upload_key", imageUploadKey); err != nil {
		return nil, err
	}
	if imageNonce != nil {
		plain, err := s.open("groups.image_nonce", imageNonce)
		if err != nil {
			return nil, err
		}
		var n [12]byte
		copy(n[:], plain)
		g.ImageNonce = &n
	}
	if lastID != nil {
		id, err := nostr.EventIDFromBytes(lastID)
		if err != nil {
			return nil, err
		}
		g.LastMessageID = &id
	}
	g.LastMessageAt = nullTimestamp(lastAt)
	g.LastMessageProcessedAt = nullTimestamp(lastProcessedAt)
	return &g, nil
}

func (s *Store) AllGroups(ctx context.Context) ([]types.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY mls_group_id`)
	if err != nil {
		return nil, storage.Database("list groups", err)
	}
	defer rows.Close()

	var groups []types.Group
	for rows.Next() {
		g, err := s.scanGroup(rows)
		if err != nil {
			return nil, storage.Database("scan group", err)
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Database("list groups", err)
	}
	return groups, nil
}

func (s *Store) FindGroupByMLSGroupID(ctx context.Context, id types.GroupID) (*types.Group, error) {
	return s.findGroup(ctx, s.db, `mls_group_id = ?`, []byte(id))
}

func (s *Store) FindGroupByNostrGroupID(ctx context.Context, nostrGroupID [32]byte) (*types.Group, error) {
	return s.findGroup(ctx, s.db, `nostr_group_id = ?`, nostrGroupID[:])
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) findGroup(ctx context.Context, q querier, where string, arg any) (*types.Group, error) {
	g, err := s.scanGroup(q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE `+where, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Database("find group", err)
	}
	return g, nil
}

// requireGroup returns ErrGroupNotFound unless the group exists.
func (s *Store) requireGroup(ctx context.Context, q querier, id types.GroupID) error {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE mls_group_id = ?`, []byte(id)).Scan(&n)
	if err != nil {
		return storage.Database("find group", err)
	}
	if n == 0 {
		return storage.ErrGroupNotFound
	}
	return nil
}

func (s *Store) SaveGroup(ctx context.Context, group types.Group) error {
	group.AdminPubkeys = types.SortPublicKeys(group.AdminPubkeys)
	admins, err := storage.ValidateGroup(&group)
	if err != nil {
		return err
	}

	imageKey, err := s.sealArray("groups.image_key", group.ImageKey)
	if err != nil {
		return err
	}
	uploadKey, err := s.sealArray("groups.image_upload_key", group.ImageUploadKey)
	if err != nil {
		return err
	}
	var imageNonce []byte
	if group.ImageNonce != nil {
		if imageNonce, err = s.seal("groups.image_nonce", group.ImageNonce[:]); err != nil {
			return err
		}
	}
	var lastID []byte
	if group.LastMessageID != nil {
		lastID = group.LastMessageID[:]
	}

	unlock := s.locks.Lock(group.MLSGroupID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Database("save group", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM groups WHERE nostr_group_id = ? AND mls_group_id != ?`,
		group.NostrGroupID[:], []byte(group.MLSGroupID)).Scan(&n); err != nil {
		return storage.Database("save group", err)
	}
	if n > 0 {
		return storage.InvalidParameters("nostr group id already used by another group")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO groups (`+groupColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(mls_group_id) DO UPDATE SET
		   nostr_group_id = excluded.nostr_group_id,
		   name = excluded.name,
		   description = excluded.description,
		   image_hash = excluded.image_hash,
		   image_key = excluded.image_key,
		   image_nonce = excluded.image_nonce,
		   image_upload_key = excluded.image_upload_key,
		   admin_pubkeys = excluded.admin_pubkeys,
		   last_message_id = excluded.last_message_id,
		   last_message_at = excluded.last_message_at,
		   last_message_processed_at = excluded.last_message_processed_at,
		   epoch = excluded.epoch,
		   state = excluded.state`,
		[]byte(group.MLSGroupID), group.NostrGroupID[:], group.Name, group.Description,
		array32Arg(group.ImageHash), imageKey, imageNonce, uploadKey, string(admins),
		lastID, timestampArg(group.LastMessageAt), timestampArg(group.LastMessageProcessedAt),
		int64(group.Epoch), string(group.State))
	if err != nil {
		return storage.Database("save group", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Database("save group", err)
	}
	return nil
}

func (s *Store) Messages(ctx context.Context, id types.GroupID, p *types.Pagination) ([]types.Message, error) {
	limit, offset, order, err := storage.ResolvePagination(p, types.DefaultMessageLimit, types.MaxMessageLimit)
	if err != nil {
		return nil, err
	}
	if err := s.requireGroup(ctx, s.db, id); err != nil {
		return nil, err
	}
	return s.queryMessages(ctx,
		`WHERE mls_group_id = ? ORDER BY `+orderClause(order)+` LIMIT ? OFFSET ?`,
		[]byte(id), limit, offset)
}

func (s *Store) LastMessage(ctx context.Context, id types.GroupID, order types.MessageSortOrder) (*types.Message, error) {
	if err := s.requireGroup(ctx, s.db, id); err != nil {
		return nil, err
	}
	msgs, err := s.queryMessages(ctx,
		`WHERE mls_group_id = ? ORDER BY `+orderClause(order)+` LIMIT 1`, []byte(id))
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func orderClause(order types.MessageSortOrder) string {
	if order == types.SortProcessedAtFirst {
		return `processed_at DESC, created_at DESC, id DESC`
	}
	return `created_at DESC, processed_at DESC, id DESC`
}

func (s *Store) Admins(ctx context.Context, id types.GroupID) ([]nostr.PublicKey, error) {
	g, err := s.FindGroupByMLSGroupID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, storage.ErrGroupNotFound
	}
	if len(g.AdminPubkeys) == 0 {
		return nil, storage.ErrNoAdmins
	}
	return g.AdminPubkeys, nil
}

func (s *Store) GroupRelays(ctx context.Context, id types.GroupID) ([]types.GroupRelay, error) {
	if err := s.requireGroup(ctx, s.db, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT relay_url FROM group_relays WHERE mls_group_id = ? ORDER BY relay_url`, []byte(id))
	if err != nil {
		return nil, storage.Database("list relays", err)
	}
	defer rows.Close()

	var relays []types.GroupRelay
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, storage.Database("scan relay", err)
		}
		relays = append(relays, types.GroupRelay{RelayURL: url, MLSGroupID: id.Clone()})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Database("list relays", err)
	}
	return relays, nil
}

// ReplaceGroupRelays swaps the whole relay set in one transaction.
func (s *Store) ReplaceGroupRelays(ctx context.Context, id types.GroupID, relays []string) error {
	if err := storage.ValidateRelays(relays); err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Database("replace relays", err)
	}
	defer tx.Rollback()

	if err := s.requireGroup(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_relays WHERE mls_group_id = ?`, []byte(id)); err != nil {
		return storage.Database("replace relays", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO group_relays (mls_group_id, relay_url) VALUES (?, ?)`)
	if err != nil {
		return storage.Database("replace relays", err)
	}
	defer stmt.Close()

	for _, url := range storage.NormalizeRelays(relays) {
		if _, err := stmt.ExecContext(ctx, []byte(id), url); err != nil {
			return storage.Database("replace relays", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.Database("replace relays", err)
	}
	return nil
}

func (s *Store) GroupExporterSecret(ctx context.Context, id types.GroupID, epoch uint64) (*types.GroupExporterSecret, error) {
	if err := s.requireGroup(ctx, s.db, id); err != nil {
		return nil, err
	}
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT secret FROM group_exporter_secrets WHERE mls_group_id = ? AND epoch = ?`,
		[]byte(id), int64(epoch)).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Database("find exporter secret", err)
	}
	secret, err := s.open("group_exporter_secrets.secret", sealed)
	if err != nil {
		return nil, storage.Database("find exporter secret", err)
	}
	out := &types.GroupExporterSecret{MLSGroupID: id.Clone(), Epoch: epoch}
	copy(out.Secret[:], secret)
	return out, nil
}

// SaveGroupExporterSecret stores the secret unless one already exists for
// the epoch.
func (s *Store) SaveGroupExporterSecret(ctx context.Context, secret types.GroupExporterSecret) error {
	sealed, err := s.seal("group_exporter_secrets.secret", secret.Secret[:])
	if err != nil {
		return storage.Database("save exporter secret", err)
	}

	unlock := s.locks.Lock(secret.MLSGroupID)
	defer unlock()

	if err := s.requireGroup(ctx, s.db, secret.MLSGroupID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO group_exporter_secrets (mls_group_id, epoch, secret) VALUES (?, ?, ?)
		 ON CONFLICT(mls_group_id, epoch) DO NOTHING`,
		[]byte(secret.MLSGroupID), int64(secret.Epoch), sealed)
	if err != nil {
		return storage.Database("save exporter secret", err)
	}
	return nil
}

func (s *Store) sealArray(column string, p *[32]byte) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	sealed, err := s.seal(column, p[:])
	if err != nil {
		return nil, storage.Database("seal "+column, err)
	}
	return sealed, nil
}

func (s *Store) openArray32(column string, data []byte) (*[32]byte, error) {
	if data == nil {
		return nil, nil
	}
	plain, err := s.open(column, data)
	if err != nil {
		return nil, err
	}
	return array32(plain), nil
}

func array32(b []byte) *[32]byte {
	if b == nil {
		return nil
	}
	var out [32]byte
	copy(out[:], b)
	return &out
}

func array32Arg(p *[32]byte) any {
	if p == nil {
		return nil
	}
	return p[:]
}

func timestampArg(t *nostr.Timestamp) any {
	if t == nil {
		return nil
	}
	return int64(*t)
}

func nullTimestamp(v sql.NullInt64) *nostr.Timestamp {
	if !v.Valid {
		return nil
	}
	t := nostr.Timestamp(v.Int64)
	return &t
}

func epochArg(e *uint64) any {
	if e == nil {
		return nil
	}
	return int64(*e)
}

func nullEpoch(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	e := uint64(v.Int64)
	return &e
}
