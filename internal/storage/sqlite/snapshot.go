package sqlite

import (
	"context"
	"database/sql"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/types"
)

// scopedTable is a group-scoped table captured by snapshots. Its shadow
// table snap_<name> has the same columns with snapshot_name prepended.
type scopedTable struct {
	name     string
	groupCol string
	columns  string
}

var scopedTables = []scopedTable{
	{"groups", "mls_group_id", groupColumns},
	{"group_relays", "mls_group_id", "mls_group_id, relay_url"},
	{"group_exporter_secrets", "mls_group_id", "mls_group_id, epoch, secret"},
	{"openmls_group_data", "group_id", "group_id, data_type, data"},
	{"openmls_proposals", "group_id", "group_id, proposal_ref, proposal"},
	{"openmls_own_leaf_nodes", "group_id", "id, group_id, leaf_node"},
	{"openmls_epoch_key_pairs", "group_id", "group_id, epoch, leaf_index, key_pairs"},
}

// CreateGroupSnapshot copies the group's scoped rows under name. An
// existing snapshot with the same name is replaced.
func (s *Store) CreateGroupSnapshot(ctx context.Context, id types.GroupID, name string) error {
	if name == "" {
		return storage.InvalidParameters("snapshot name must not be empty")
	}
	unlock := s.locks.RLock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Database("create snapshot", err)
	}
	defer tx.Rollback()

	if err := deleteSnapshotRows(ctx, tx, id, name); err != nil {
		return storage.Database("create snapshot", err)
	}
	for _, t := range scopedTables {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO snap_`+t.name+` (snapshot_name, `+t.columns+`)
			 SELECT ?, `+t.columns+` FROM `+t.name+` WHERE `+t.groupCol+` = ?`,
			name, []byte(id))
		if err != nil {
			return storage.Database("snapshot "+t.name, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO group_snapshots (group_id, snapshot_name, created_at) VALUES (?, ?, ?)`,
		[]byte(id), name, int64(s.now()))
	if err != nil {
		return storage.Database("create snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Database("create snapshot", err)
	}
	s.logger.Debug("created group snapshot", "group", id.Hex(), "snapshot", name)
	return nil
}

// RollbackGroupToSnapshot replaces the group's scoped rows with the
// snapshot's and deletes the snapshot, all in one transaction. If the
// group did not exist when the snapshot was taken it no longer exists
// afterwards.
func (s *Store) RollbackGroupToSnapshot(ctx context.Context, id types.GroupID, name string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Database("rollback snapshot", err)
	}
	defer tx.Rollback()

	exists, err := snapshotExists(ctx, tx, id, name)
	if err != nil {
		return storage.Database("rollback snapshot", err)
	}
	if !exists {
		return &storage.Error{Kind: storage.KindNotFound, Msg: "snapshot " + name + " not found"}
	}

	for _, t := range scopedTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.name+` WHERE `+t.groupCol+` = ?`, []byte(id)); err != nil {
			return storage.Database("restore "+t.name, err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO `+t.name+` (`+t.columns+`)
			 SELECT `+t.columns+` FROM snap_`+t.name+` WHERE snapshot_name = ? AND `+t.groupCol+` = ?`,
			name, []byte(id))
		if err != nil {
			return storage.Database("restore "+t.name, err)
		}
	}
	if err := deleteSnapshotRows(ctx, tx, id, name); err != nil {
		return storage.Database("rollback snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Database("rollback snapshot", err)
	}
	s.logger.Debug("restored group snapshot", "group", id.Hex(), "snapshot", name)
	return nil
}

// ReleaseGroupSnapshot deletes the snapshot. Releasing an unknown
// snapshot is a no-op.
func (s *Store) ReleaseGroupSnapshot(ctx context.Context, id types.GroupID, name string) error {
	unlock := s.locks.RLock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Database("release snapshot", err)
	}
	defer tx.Rollback()

	if err := deleteSnapshotRows(ctx, tx, id, name); err != nil {
		return storage.Database("release snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Database("release snapshot", err)
	}
	return nil
}

func (s *Store) ListGroupSnapshots(ctx context.Context, id types.GroupID) ([]types.SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot_name, created_at FROM group_snapshots WHERE group_id = ?
		 ORDER BY created_at ASC, snapshot_name ASC`, []byte(id))
	if err != nil {
		return nil, storage.Database("list snapshots", err)
	}
	defer rows.Close()

	var out []types.SnapshotInfo
	for rows.Next() {
		var info types.SnapshotInfo
		var createdAt int64
		if err := rows.Scan(&info.Name, &createdAt); err != nil {
			return nil, storage.Database("scan snapshot", err)
		}
		info.CreatedAt = uint64(createdAt)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Database("list snapshots", err)
	}
	return out, nil
}

func (s *Store) PruneExpiredSnapshots(ctx context.Context, minTimestamp uint64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storage.Database("prune snapshots", err)
	}
	defer tx.Rollback()

	type key struct {
		group types.GroupID
		name  string
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT group_id, snapshot_name FROM group_snapshots WHERE created_at < ?`, int64(minTimestamp))
	if err != nil {
		return 0, storage.Database("prune snapshots", err)
	}
	var expired []key
	for rows.Next() {
		var k key
		var group []byte
		if err := rows.Scan(&group, &k.name); err != nil {
			rows.Close()
			return 0, storage.Database("prune snapshots", err)
		}
		k.group = types.GroupID(group)
		expired = append(expired, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storage.Database("prune snapshots", err)
	}

	for _, k := range expired {
		if err := deleteSnapshotRows(ctx, tx, k.group, k.name); err != nil {
			return 0, storage.Database("prune snapshots", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storage.Database("prune snapshots", err)
	}
	if len(expired) > 0 {
		s.logger.Info("pruned expired snapshots", "count", len(expired))
	}
	return len(expired), nil
}

func snapshotExists(ctx context.Context, tx *sql.Tx, id types.GroupID, name string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM group_snapshots WHERE group_id = ? AND snapshot_name = ?`,
		[]byte(id), name).Scan(&n)
	return n > 0, err
}

func deleteSnapshotRows(ctx context.Context, tx *sql.Tx, id types.GroupID, name string) error {
	for _, t := range scopedTables {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM snap_`+t.name+` WHERE snapshot_name = ? AND `+t.groupCol+` = ?`, name, []byte(id))
		if err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx,
		`DELETE FROM group_snapshots WHERE group_id = ? AND snapshot_name = ?`, []byte(id), name)
	return err
}
