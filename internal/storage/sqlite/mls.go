package sqlite

import (
	"context"
	"database/sql"

	"github.com/relves/mdk/internal/storage"
	"github.com/relves/mdk/pkg/types"
)

// MLS protocol state. Every blob is sealed when the store has a key; the
// lookup columns stay in the clear.

func (s *Store) WriteGroupData(ctx context.Context, id types.GroupID, kind storage.GroupDataKind, data []byte) error {
	sealed, err := s.seal("openmls_group_data.data", blob(data))
	if err != nil {
		return storage.Database("seal group data", err)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO openmls_group_data (group_id, data_type, data) VALUES (?, ?, ?)
		 ON CONFLICT(group_id, data_type) DO UPDATE SET data = excluded.data`,
		[]byte(id), string(kind), sealed)
	if err != nil {
		return storage.Database("write group data", err)
	}
	return nil
}

func (s *Store) ReadGroupData(ctx context.Context, id types.GroupID, kind storage.GroupDataKind) ([]byte, error) {
	return s.readBlob(ctx, "openmls_group_data.data",
		`SELECT data FROM openmls_group_data WHERE group_id = ? AND data_type = ?`, []byte(id), string(kind))
}

func (s *Store) DeleteGroupData(ctx context.Context, id types.GroupID, kind storage.GroupDataKind) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.exec(ctx, "delete group data",
		`DELETE FROM openmls_group_data WHERE group_id = ? AND data_type = ?`, []byte(id), string(kind))
}

func (s *Store) QueueProposal(ctx context.Context, id types.GroupID, p storage.Proposal) error {
	sealed, err := s.seal("openmls_proposals.proposal", blob(p.Data))
	if err != nil {
		return storage.Database("seal proposal", err)
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.exec(ctx, "queue proposal",
		`INSERT INTO openmls_proposals (group_id, proposal_ref, proposal) VALUES (?, ?, ?)
		 ON CONFLICT(group_id, proposal_ref) DO UPDATE SET proposal = excluded.proposal`,
		[]byte(id), p.Ref, sealed)
}

func (s *Store) Proposals(ctx context.Context, id types.GroupID) ([]storage.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT proposal_ref, proposal FROM openmls_proposals WHERE group_id = ? ORDER BY proposal_ref`, []byte(id))
	if err != nil {
		return nil, storage.Database("list proposals", err)
	}
	defer rows.Close()

	var out []storage.Proposal
	for rows.Next() {
		var p storage.Proposal
		var sealed []byte
		if err := rows.Scan(&p.Ref, &sealed); err != nil {
			return nil, storage.Database("scan proposal", err)
		}
		if p.Data, err = s.open("openmls_proposals.proposal", sealed); err != nil {
			return nil, storage.Database("scan proposal", err)
		}
		p.Data = blob(p.Data)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Database("list proposals", err)
	}
	return out, nil
}

func (s *Store) RemoveProposal(ctx context.Context, id types.GroupID, ref []byte) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.exec(ctx, "remove proposal",
		`DELETE FROM openmls_proposals WHERE group_id = ? AND proposal_ref = ?`, []byte(id), ref)
}

func (s *Store) ClearProposals(ctx context.Context, id types.GroupID) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.exec(ctx, "clear proposals", `DELETE FROM openmls_proposals WHERE group_id = ?`, []byte(id))
}

func (s *Store) AppendOwnLeafNode(ctx context.Context, id types.GroupID, node []byte) error {
	sealed, err := s.seal("openmls_own_leaf_nodes.leaf_node", blob(node))
	if err != nil {
		return storage.Database("seal leaf node", err)
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.exec(ctx, "append leaf node",
		`INSERT INTO openmls_own_leaf_nodes (group_id, leaf_node) VALUES (?, ?)`, []byte(id), sealed)
}

func (s *Store) OwnLeafNodes(ctx context.Context, id types.GroupID) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT leaf_node FROM openmls_own_leaf_nodes WHERE group_id = ? ORDER BY id`, []byte(id))
	if err != nil {
		return nil, storage.Database("list leaf nodes", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var sealed []byte
		if err := rows.Scan(&sealed); err != nil {
			return nil, storage.Database("scan leaf node", err)
		}
		node, err := s.open("openmls_own_leaf_nodes.leaf_node", sealed)
		if err != nil {
			return nil, storage.Database("scan leaf node", err)
		}
		out = append(out, blob(node))
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Database("list leaf nodes", err)
	}
	return out, nil
}

func (s *Store) DeleteOwnLeafNodes(ctx context.Context, id types.GroupID) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.exec(ctx, "delete leaf nodes", `DELETE FROM openmls_own_leaf_nodes WHERE group_id = ?`, []byte(id))
}

func (s *Store) WriteEpochKeyPairs(ctx context.Context, id types.GroupID, epoch uint64, leaf uint32, data []byte) error {
	sealed, err := s.seal("openmls_epoch_key_pairs.key_pairs", blob(data))
	if err != nil {
		return storage.Database("seal epoch key pairs", err)
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.exec(ctx, "write epoch key pairs",
		`INSERT INTO openmls_epoch_key_pairs (group_id, epoch, leaf_index, key_pairs) VALUES (?, ?, ?, ?)
		 ON CONFLICT(group_id, epoch, leaf_index) DO UPDATE SET key_pairs = excluded.key_pairs`,
		[]byte(id), int64(epoch), int64(leaf), sealed)
}

func (s *Store) ReadEpochKeyPairs(ctx context.Context, id types.GroupID, epoch uint64, leaf uint32) ([]byte, error) {
	return s.readBlob(ctx, "openmls_epoch_key_pairs.key_pairs",
		`SELECT key_pairs FROM openmls_epoch_key_pairs WHERE group_id = ? AND epoch = ? AND leaf_index = ?`,
		[]byte(id), int64(epoch), int64(leaf))
}

func (s *Store) DeleteEpochKeyPairs(ctx context.Context, id types.GroupID, epoch uint64, leaf uint32) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.exec(ctx, "delete epoch key pairs",
		`DELETE FROM openmls_epoch_key_pairs WHERE group_id = ? AND epoch = ? AND leaf_index = ?`,
		[]byte(id), int64(epoch), int64(leaf))
}

func (s *Store) WriteKeyPackage(ctx context.Context, hashRef []byte, data []byte) error {
	return s.writeKeyed(ctx, "openmls_key_packages", "hash_ref", "key_package", hashRef, data)
}

func (s *Store) ReadKeyPackage(ctx context.Context, hashRef []byte) ([]byte, error) {
	return s.readBlob(ctx, "openmls_key_packages.key_package",
		`SELECT key_package FROM openmls_key_packages WHERE hash_ref = ?`, hashRef)
}

func (s *Store) DeleteKeyPackage(ctx context.Context, hashRef []byte) error {
	return s.exec(ctx, "delete key package", `DELETE FROM openmls_key_packages WHERE hash_ref = ?`, hashRef)
}

func (s *Store) WriteEncryptionKeyPair(ctx context.Context, publicKey []byte, data []byte) error {
	return s.writeKeyed(ctx, "openmls_encryption_keys", "public_key", "key_pair", publicKey, data)
}

func (s *Store) ReadEncryptionKeyPair(ctx context.Context, publicKey []byte) ([]byte, error) {
	return s.readBlob(ctx, "openmls_encryption_keys.key_pair",
		`SELECT key_pair FROM openmls_encryption_keys WHERE public_key = ?`, publicKey)
}

func (s *Store) DeleteEncryptionKeyPair(ctx context.Context, publicKey []byte) error {
	return s.exec(ctx, "delete encryption key pair", `DELETE FROM openmls_encryption_keys WHERE public_key = ?`, publicKey)
}

func (s *Store) WriteSignatureKeyPair(ctx context.Context, publicKey []byte, data []byte) error {
	return s.writeKeyed(ctx, "openmls_signature_keys", "public_key", "key_pair", publicKey, data)
}

func (s *Store) ReadSignatureKeyPair(ctx context.Context, publicKey []byte) ([]byte, error) {
	return s.readBlob(ctx, "openmls_signature_keys.key_pair",
		`SELECT key_pair FROM openmls_signature_keys WHERE public_key = ?`, publicKey)
}

func (s *Store) DeleteSignatureKeyPair(ctx context.Context, publicKey []byte) error {
	return s.exec(ctx, "delete signature key pair", `DELETE FROM openmls_signature_keys WHERE public_key = ?`, publicKey)
}

func (s *Store) writeKeyed(ctx context.Context, table, keyColumn, valueColumn string, key, data []byte) error {
	sealed, err := s.seal(table+"."+valueColumn, blob(data))
	if err != nil {
		return storage.Database("seal "+table, err)
	}
	return s.exec(ctx, "write "+table,
		`INSERT INTO `+table+` (`+keyColumn+`, `+valueColumn+`) VALUES (?, ?)
		 ON CONFLICT(`+keyColumn+`) DO UPDATE SET `+valueColumn+` = excluded.`+valueColumn,
		key, sealed)
}

func (s *Store) readBlob(ctx context.Context, column, query string, args ...any) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Database("read "+column, err)
	}
	data, err := s.open(column, sealed)
	if err != nil {
		return nil, storage.Database("read "+column, err)
	}
	return blob(data), nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return storage.Database(op, err)
	}
	return nil
}

// blob maps nil to an empty slice. A stored value always reads back non-nil.
func blob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
