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

const welcomeColumns = `id, event, mls_group_id, nostr_group_id, group_name, group_description,
	group_image_hash, group_image_key, group_image_nonce, group_admin_pubkeys, group_relays,
	welcomer, member_count, state, wrapper_event_id`

func (s *Store) scanWelcome(row scanner) (*types.Welcome, error) {
	var (
		w                           types.Welcome
		id, event, groupID, nostrID []byte
		imageHash, imageKey, nonce  []byte
		welcomer, wrapper           []byte
		admins, relays, state       string
		memberCount                 int64
	)
	if err := row.Scan(&id, &event, &groupID, &nostrID, &w.GroupName, &w.GroupDescription,
		&imageHash, &imageKey, &nonce, &admins, &relays, &welcomer, &memberCount, &state, &wrapper); err != nil {
		return nil, err
	}

	var err error
	if w.ID, err = nostr.EventIDFromBytes(id); err != nil {
		return nil, err
	}
	if w.Welcomer, err = nostr.PublicKeyFromBytes(welcomer); err != nil {
		return nil, err
	}
	if w.WrapperEventID, err = nostr.EventIDFromBytes(wrapper); err != nil {
		return nil, err
	}
	if w.State, err = types.ParseWelcomeState(state); err != nil {
		return nil, err
	}
	w.MLSGroupID = types.GroupID(groupID)
	copy(w.NostrGroupID[:], nostrID)
	w.MemberCount = uint32(memberCount)
	w.GroupImageHash = array32(imageHash)

	if w.GroupImageKey, err = s.openArray32("welcomes.group_image_key", imageKey); err != nil {
		return nil, err
	}
	if nonce != nil {
		plain, err := s.open("welcomes.group_image_nonce", nonce)
		if err != nil {
			return nil, err
		}
		var n [12]byte
		copy(n[:], plain)
		w.GroupImageNonce = &n
	}
	if w.GroupAdminPubkeys, err = storage.DecodeAdmins([]byte(admins)); err != nil {
		return nil, fmt.Errorf("decode admin pubkeys: %w", err)
	}
	if err := json.Unmarshal([]byte(relays), &w.GroupRelays); err != nil {
		return nil, fmt.Errorf("decode relays: %w", err)
	}
	plain, err := s.open("welcomes.event", event)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plain, &w.Event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &w, nil
}

func (s *Store) SaveWelcome(ctx context.Context, w types.Welcome) error {
	v, err := storage.ValidateWelcome(&w)
	if err != nil {
		return err
	}
	event, err := s.seal("welcomes.event", v.EventJSON)
	if err != nil {
		return storage.Database("seal welcome", err)
	}
	imageKey, err := s.sealArray("welcomes.group_image_key", w.GroupImageKey)
	if err != nil {
		return err
	}
	var nonce []byte
	if w.GroupImageNonce != nil {
		if nonce, err = s.seal("welcomes.group_image_nonce", w.GroupImageNonce[:]); err != nil {
			return storage.Database("seal welcome", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO welcomes (`+welcomeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   event = excluded.event,
		   mls_group_id = excluded.mls_group_id,
		   nostr_group_id = excluded.nostr_group_id,
		   group_name = excluded.group_name,
		   group_description = excluded.group_description,
		   group_image_hash = excluded.group_image_hash,
		   group_image_key = excluded.group_image_key,
		   group_image_nonce = excluded.group_image_nonce,
		   group_admin_pubkeys = excluded.group_admin_pubkeys,
		   group_relays = excluded.group_relays,
		   welcomer = excluded.welcomer,
		   member_count = excluded.member_count,
		   state = excluded.state,
		   wrapper_event_id = excluded.wrapper_event_id`,
		w.ID[:], event, []byte(w.MLSGroupID), w.NostrGroupID[:], w.GroupName, w.GroupDescription,
		array32Arg(w.GroupImageHash), imageKey, nonce, string(v.AdminsJSON), string(v.RelaysJSON),
		w.Welcomer[:], int64(w.MemberCount), string(w.State), w.WrapperEventID[:])
	if err != nil {
		return storage.Database("save welcome", err)
	}
	return nil
}

func (s *Store) FindWelcomeByEventID(ctx context.Context, eventID nostr.EventID) (*types.Welcome, error) {
	w, err := s.scanWelcome(s.db.QueryRowContext(ctx,
		`SELECT `+welcomeColumns+` FROM welcomes WHERE id = ?`, eventID[:]))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Database("find welcome", err)
	}
	return w, nil
}

func (s *Store) PendingWelcomes(ctx context.Context, p *types.Pagination) ([]types.Welcome, error) {
	limit, offset, _, err := storage.ResolvePagination(p, types.DefaultPendingWelcomesLimit, types.MaxPendingWelcomesLimit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+welcomeColumns+` FROM welcomes WHERE state = 'pending'
		 ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, storage.Database("list pending welcomes", err)
	}
	defer rows.Close()

	var out []types.Welcome
	for rows.Next() {
		w, err := s.scanWelcome(rows)
		if err != nil {
			return nil, storage.Database("scan welcome", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Database("list pending welcomes", err)
	}
	return out, nil
}

func (s *Store) SaveProcessedWelcome(ctx context.Context, pw types.ProcessedWelcome) error {
	var welcomeID []byte
	if pw.WelcomeEventID != nil {
		welcomeID = pw.WelcomeEventID[:]
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_welcomes (wrapper_event_id, welcome_event_id, processed_at, state, failure_reason)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(wrapper_event_id) DO UPDATE SET
		   welcome_event_id = excluded.welcome_event_id,
		   processed_at = excluded.processed_at,
		   state = excluded.state,
		   failure_reason = excluded.failure_reason`,
		pw.WrapperEventID[:], welcomeID, int64(pw.ProcessedAt), string(pw.State), pw.FailureReason)
	if err != nil {
		return storage.Database("save processed welcome", err)
	}
	return nil
}

func (s *Store) FindProcessedWelcomeByEventID(ctx context.Context, wrapperID nostr.EventID) (*types.ProcessedWelcome, error) {
	var (
		pw          types.ProcessedWelcome
		wrapper     []byte
		welcomeID   []byte
		processedAt int64
		state       string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT wrapper_event_id, welcome_event_id, processed_at, state, failure_reason
		 FROM processed_welcomes WHERE wrapper_event_id = ?`, wrapperID[:]).
		Scan(&wrapper, &welcomeID, &processedAt, &state, &pw.FailureReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Database("find processed welcome", err)
	}
	if pw.WrapperEventID, err = nostr.EventIDFromBytes(wrapper); err != nil {
		return nil, storage.Database("find processed welcome", err)
	}
	if welcomeID != nil {
		id, err := nostr.EventIDFromBytes(welcomeID)
		if err != nil {
			return nil, storage.Database("find processed welcome", err)
		}
		pw.WelcomeEventID = &id
	}
	if pw.State, err = types.ParseProcessedWelcomeState(state); err != nil {
		return nil, storage.Database("find processed welcome", err)
	}
	pw.ProcessedAt = nostr.Timestamp(processedAt)
	return &pw, nil
}
