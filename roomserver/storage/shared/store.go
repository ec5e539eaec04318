// Package shared implements the SQL-backed PDU Store logic common to both
// the postgres and sqlite backends, mirroring the teacher's
// roomserver/storage/shared convention of keeping query logic driver-
// agnostic and letting each backend package supply only the driver import
// and placeholder style.
package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meshline-im/meshline/roomserver/internal/keyfetcher"
	"github.com/meshline-im/meshline/roomserver/internal/membership"
	"github.com/meshline-im/meshline/roomserver/types"
)

// Placeholder renders the n-th (1-indexed) bind placeholder for a query,
// $1/$2/... for postgres or ?/?/... for sqlite.
type Placeholder func(n int) string

// DollarPlaceholder is used by the postgres backend.
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// QuestionPlaceholder is used by the sqlite backend.
func QuestionPlaceholder(int) string { return "?" }

// Store implements storage.Database generically over any database/sql
// driver, given a connection and its placeholder style.
type Store struct {
	db *sql.DB
	ph Placeholder
}

// New constructs a Store. Callers (storage/postgres, storage/sqlite) open
// the *sql.DB with their own driver and pass it in along with the correct
// Placeholder function, then run Migrate.
func New(db *sql.DB, ph Placeholder) *Store {
	return &Store{db: db, ph: ph}
}

// Migrate creates every table this store needs if it does not already
// exist. Idempotent, safe to call on every process start.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("shared.Store.Migrate: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS roomserver_events (
		event_id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		pdu_json BLOB NOT NULL,
		canonical_json BLOB NOT NULL,
		is_timeline BOOLEAN NOT NULL DEFAULT FALSE,
		is_soft_failed BOOLEAN NOT NULL DEFAULT FALSE,
		state_hash BIGINT NOT NULL DEFAULT 0,
		origin_server_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS roomserver_rooms (
		room_id TEXT PRIMARY KEY,
		room_version TEXT NOT NULL,
		room_nid BIGINT NOT NULL,
		federation_disabled BOOLEAN NOT NULL DEFAULT FALSE,
		first_pdu_ts BIGINT NOT NULL DEFAULT 0,
		forward_extremities TEXT NOT NULL DEFAULT '[]',
		current_state_hash BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS roomserver_event_auth (
		event_id TEXT NOT NULL,
		auth_event_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS roomserver_statekey_nids (
		event_type TEXT NOT NULL,
		state_key TEXT NOT NULL,
		nid BIGINT NOT NULL,
		PRIMARY KEY (event_type, state_key)
	)`,
	`CREATE TABLE IF NOT EXISTS roomserver_event_nids (
		event_id TEXT PRIMARY KEY,
		nid BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS roomserver_event_nids_rev (
		nid BIGINT PRIMARY KEY,
		event_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS roomserver_state_snapshots (
		state_hash BIGINT NOT NULL,
		statekey_nid BIGINT NOT NULL,
		event_nid BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS roomserver_nid_sequence (
		name TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS roomserver_memberships (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		membership TEXT NOT NULL DEFAULT '',
		once_joined BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS roomserver_room_joined_counts (
		room_id TEXT PRIMARY KEY,
		joined_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS roomserver_server_keys (
		server_name TEXT PRIMARY KEY,
		keys_json BLOB NOT NULL
	)`,
}

func (s *Store) nextNID(ctx context.Context, sequence string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() // nolint:errcheck

	var value int64
	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM roomserver_nid_sequence WHERE name = %s", s.ph(1)), sequence)
	err = row.Scan(&value)
	if err == sql.ErrNoRows {
		value = 0
	} else if err != nil {
		return 0, err
	}
	value++

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM roomserver_nid_sequence WHERE name = %s", s.ph(1)), sequence); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO roomserver_nid_sequence (name, value) VALUES (%s, %s)", s.ph(1), s.ph(2)),
		sequence, value); err != nil {
		return 0, err
	}
	return value, tx.Commit()
}

// --- events ---

func (s *Store) EventByID(ctx context.Context, eventID string) (*types.StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT pdu_json, canonical_json, is_timeline, is_soft_failed FROM roomserver_events WHERE event_id = %s`,
		s.ph(1)), eventID)
	var pduJSON, canonical []byte
	var timeline, soft bool
	if err := row.Scan(&pduJSON, &canonical, &timeline, &soft); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var pdu types.PDU
	if err := json.Unmarshal(pduJSON, &pdu); err != nil {
		return nil, err
	}
	return &types.StoredEvent{PDU: &pdu, CanonicalJSON: canonical, Timeline: timeline, SoftFailed: soft}, nil
}

func (s *Store) EventsByIDs(ctx context.Context, eventIDs []string) ([]*types.StoredEvent, error) {
	out := make([]*types.StoredEvent, 0, len(eventIDs))
	for _, id := range eventIDs {
		ev, err := s.EventByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) StoreOutlier(ctx context.Context, event *types.StoredEvent) error {
	pduJSON, err := json.Marshal(event.PDU)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO roomserver_events (event_id, room_id, pdu_json, canonical_json, is_timeline, origin_server_ts)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6)),
		event.PDU.EventID, event.PDU.RoomID, pduJSON, event.CanonicalJSON, false, event.PDU.OriginServerTS)
	if err != nil && isUniqueViolation(err) {
		return nil // already stored: outliers are content-addressed and idempotent
	}
	for _, authID := range event.PDU.AuthEvents {
		_, _ = s.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO roomserver_event_auth (event_id, auth_event_id) VALUES (%s, %s)`, s.ph(1), s.ph(2)),
			event.PDU.EventID, authID)
	}
	return err
}

func (s *Store) PromoteToTimeline(ctx context.Context, eventID string, extremities []string, stateHash types.ShortStateHash, softFail bool) error {
	extremitiesJSON, err := json.Marshal(extremities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE roomserver_events SET is_timeline = %s, is_soft_failed = %s, state_hash = %s WHERE event_id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4)),
		!softFail, softFail, int64(stateHash), eventID)
	if err != nil {
		return err
	}
	var roomID string
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT room_id FROM roomserver_events WHERE event_id = %s`, s.ph(1)), eventID).Scan(&roomID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE roomserver_rooms SET forward_extremities = %s WHERE room_id = %s`, s.ph(1), s.ph(2)),
		extremitiesJSON, roomID)
	return err
}

func (s *Store) IsInTimeline(ctx context.Context, eventID string) (bool, error) {
	var timeline bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT is_timeline FROM roomserver_events WHERE event_id = %s`, s.ph(1)), eventID).Scan(&timeline)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return timeline, err
}

func (s *Store) MarkSoftFailed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE roomserver_events SET is_soft_failed = %s WHERE event_id = %s`, s.ph(1), s.ph(2)), true, eventID)
	return err
}

func (s *Store) IsSoftFailed(ctx context.Context, eventID string) (bool, error) {
	var soft bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT is_soft_failed FROM roomserver_events WHERE event_id = %s`, s.ph(1)), eventID).Scan(&soft)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return soft, err
}

// --- rooms ---

func (s *Store) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT room_version, room_nid, federation_disabled, first_pdu_ts FROM roomserver_rooms WHERE room_id = %s`,
		s.ph(1)), roomID)
	var info types.RoomInfo
	info.RoomID = roomID
	var version string
	if err := row.Scan(&version, &info.RoomNID, &info.FederationDisabled, &info.FirstPDUOriginTS); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	info.RoomVersion = types.RoomVersion(version)
	return &info, nil
}

func (s *Store) CreateRoomInfo(ctx context.Context, info *types.RoomInfo) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO roomserver_rooms (room_id, room_version, room_nid, federation_disabled, first_pdu_ts)
		 VALUES (%s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5)),
		info.RoomID, string(info.RoomVersion), info.RoomNID, info.FederationDisabled, info.FirstPDUOriginTS)
	return err
}

func (s *Store) FirstPDUInRoom(ctx context.Context, roomID string) (*types.PDU, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT pdu_json FROM roomserver_events WHERE room_id = %s ORDER BY origin_server_ts ASC LIMIT 1`, s.ph(1)), roomID)
	var pduJSON []byte
	if err := row.Scan(&pduJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var pdu types.PDU
	if err := json.Unmarshal(pduJSON, &pdu); err != nil {
		return nil, err
	}
	return &pdu, nil
}

func (s *Store) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT forward_extremities FROM roomserver_rooms WHERE room_id = %s`, s.ph(1)), roomID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var extremities []string
	if err := json.Unmarshal([]byte(raw), &extremities); err != nil {
		return nil, err
	}
	return extremities, nil
}

func (s *Store) SetForwardExtremities(ctx context.Context, roomID string, extremities []string) error {
	raw, err := json.Marshal(extremities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE roomserver_rooms SET forward_extremities = %s WHERE room_id = %s`, s.ph(1), s.ph(2)), raw, roomID)
	return err
}

// --- state ---

func (s *Store) StateAtEvent(ctx context.Context, eventID string) (types.ShortStateHash, bool, error) {
	var hash int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT state_hash FROM roomserver_events WHERE event_id = %s`, s.ph(1)), eventID).Scan(&hash)
	if err == sql.ErrNoRows || hash == 0 {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return types.ShortStateHash(hash), true, nil
}

func (s *Store) SetStateAtEvent(ctx context.Context, eventID string, hash types.ShortStateHash) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE roomserver_events SET state_hash = %s WHERE event_id = %s`, s.ph(1), s.ph(2)), int64(hash), eventID)
	return err
}

func (s *Store) CurrentStateHash(ctx context.Context, roomID string) (types.ShortStateHash, bool, error) {
	var hash int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT current_state_hash FROM roomserver_rooms WHERE room_id = %s`, s.ph(1)), roomID).Scan(&hash)
	if err == sql.ErrNoRows || hash == 0 {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return types.ShortStateHash(hash), true, nil
}

func (s *Store) SetCurrentStateHash(ctx context.Context, roomID string, hash types.ShortStateHash) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE roomserver_rooms SET current_state_hash = %s WHERE room_id = %s`, s.ph(1), s.ph(2)), int64(hash), roomID)
	return err
}

// --- auth chain ---

func (s *Store) AuthEventIDs(ctx context.Context, eventID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT auth_event_id FROM roomserver_event_auth WHERE event_id = %s`, s.ph(1)), eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- interner / snapshot backends ---

func (s *Store) LookupStateKeyNID(tuple types.StateKeyTuple) (types.ShortStateKey, bool, error) {
	ctx := context.Background()
	var nid int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT nid FROM roomserver_statekey_nids WHERE event_type = %s AND state_key = %s`, s.ph(1), s.ph(2)),
		tuple.EventType, tuple.StateKey).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return types.ShortStateKey(nid), true, nil
}

func (s *Store) AssignStateKeyNID(tuple types.StateKeyTuple) (types.ShortStateKey, error) {
	ctx := context.Background()
	nid, err := s.nextNID(ctx, "statekey")
	if err != nil {
		return 0, err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO roomserver_statekey_nids (event_type, state_key, nid) VALUES (%s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3)),
		tuple.EventType, tuple.StateKey, nid)
	return types.ShortStateKey(nid), err
}

func (s *Store) LookupEventNID(eventID string) (types.ShortEventID, bool, error) {
	ctx := context.Background()
	var nid int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT nid FROM roomserver_event_nids WHERE event_id = %s`, s.ph(1)), eventID).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return types.ShortEventID(nid), true, nil
}

func (s *Store) AssignEventNID(eventID string) (types.ShortEventID, error) {
	ctx := context.Background()
	nid, err := s.nextNID(ctx, "event")
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO roomserver_event_nids (event_id, nid) VALUES (%s, %s)`, s.ph(1), s.ph(2)), eventID, nid); err != nil {
		return 0, err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO roomserver_event_nids_rev (nid, event_id) VALUES (%s, %s)`, s.ph(1), s.ph(2)), nid, eventID)
	return types.ShortEventID(nid), err
}

func (s *Store) LookupEventID(nid types.ShortEventID) (string, bool, error) {
	ctx := context.Background()
	var id string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT event_id FROM roomserver_event_nids_rev WHERE nid = %s`, s.ph(1)), int64(nid)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return id, err == nil, err
}

func (s *Store) LookupSnapshot(entries []types.CompressedStateEntry) (types.ShortStateHash, bool, error) {
	ctx := context.Background()
	if len(entries) == 0 {
		return 0, false, nil
	}
	// Candidate hashes are any snapshot sharing the first entry; narrow
	// down by comparing full entry sets, since snapshots are content-
	// addressed rather than indexed by a precomputed digest.
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT state_hash FROM roomserver_state_snapshots WHERE statekey_nid = %s AND event_nid = %s`,
		s.ph(1), s.ph(2)), int64(entries[0].StateKeyNID), int64(entries[0].EventNID))
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()
	var candidates []int64
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return 0, false, err
		}
		candidates = append(candidates, h)
	}
	for _, h := range candidates {
		existing, err := s.SnapshotEntries(types.ShortStateHash(h))
		if err != nil {
			return 0, false, err
		}
		if sameEntrySet(existing, entries) {
			return types.ShortStateHash(h), true, nil
		}
	}
	return 0, false, nil
}

func (s *Store) StoreSnapshot(entries []types.CompressedStateEntry) (types.ShortStateHash, error) {
	ctx := context.Background()
	hash, err := s.nextNID(ctx, "state_hash")
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO roomserver_state_snapshots (state_hash, statekey_nid, event_nid) VALUES (%s, %s, %s)`,
			s.ph(1), s.ph(2), s.ph(3)), hash, int64(e.StateKeyNID), int64(e.EventNID)); err != nil {
			return 0, err
		}
	}
	return types.ShortStateHash(hash), nil
}

func (s *Store) SnapshotEntries(hash types.ShortStateHash) ([]types.CompressedStateEntry, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT statekey_nid, event_nid FROM roomserver_state_snapshots WHERE state_hash = %s`, s.ph(1)), int64(hash))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.CompressedStateEntry
	for rows.Next() {
		var k, e int64
		if err := rows.Scan(&k, &e); err != nil {
			return nil, err
		}
		out = append(out, types.CompressedStateEntry{StateKeyNID: types.ShortStateKey(k), EventNID: types.ShortEventID(e)})
	}
	return out, rows.Err()
}

// --- server signing key cache (roomserver/internal/keyfetcher.Store) ---

func (s *Store) StoredKeys(ctx context.Context, server string) (keyfetcher.ServerKeys, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT keys_json FROM roomserver_server_keys WHERE server_name = %s`, s.ph(1)), server).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys keyfetcher.ServerKeys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) StoreKeys(ctx context.Context, server string, keys keyfetcher.ServerKeys) error {
	existing, err := s.StoredKeys(ctx, server)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = keyfetcher.ServerKeys{}
	}
	for id, key := range keys {
		existing[id] = key
	}
	raw, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE roomserver_server_keys SET keys_json = %s WHERE server_name = %s`, s.ph(1), s.ph(2)), raw, server)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO roomserver_server_keys (server_name, keys_json) VALUES (%s, %s)`, s.ph(1), s.ph(2)), server, raw)
	return err
}

// --- membership index (roomserver/internal/membership.Store) ---

func (s *Store) upsertMembershipRow(ctx context.Context, userID, roomID string, set func(existing *membershipRow)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck

	row := &membershipRow{}
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT membership, once_joined FROM roomserver_memberships WHERE room_id = %s AND user_id = %s`,
		s.ph(1), s.ph(2)), roomID, userID).Scan(&row.membership, &row.onceJoined)
	existed := true
	if err == sql.ErrNoRows {
		existed = false
	} else if err != nil {
		return err
	}

	set(row)

	if existed {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE roomserver_memberships SET membership = %s, once_joined = %s WHERE room_id = %s AND user_id = %s`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4)), row.membership, row.onceJoined, roomID, userID); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO roomserver_memberships (room_id, user_id, membership, once_joined) VALUES (%s, %s, %s, %s)`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4)), roomID, userID, row.membership, row.onceJoined); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type membershipRow struct {
	membership string
	onceJoined bool
}

func (s *Store) MarkAsJoined(userID, roomID string) error {
	ctx := context.Background()
	return s.upsertMembershipRow(ctx, userID, roomID, func(row *membershipRow) {
		row.membership = "join"
	})
}

func (s *Store) MarkAsInvited(userID, roomID string) error {
	ctx := context.Background()
	return s.upsertMembershipRow(ctx, userID, roomID, func(row *membershipRow) {
		row.membership = "invite"
	})
}

func (s *Store) MarkAsLeft(userID, roomID string) error {
	ctx := context.Background()
	return s.upsertMembershipRow(ctx, userID, roomID, func(row *membershipRow) {
		row.membership = "leave"
	})
}

func (s *Store) MarkAsOnceJoined(userID, roomID string) error {
	ctx := context.Background()
	return s.upsertMembershipRow(ctx, userID, roomID, func(row *membershipRow) {
		row.onceJoined = true
	})
}

func (s *Store) OnceJoined(userID, roomID string) (bool, error) {
	ctx := context.Background()
	var onceJoined bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT once_joined FROM roomserver_memberships WHERE room_id = %s AND user_id = %s`, s.ph(1), s.ph(2)),
		roomID, userID).Scan(&onceJoined)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return onceJoined, err
}

func (s *Store) CurrentMembership(userID, roomID string) (membership.Membership, error) {
	ctx := context.Background()
	var m string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT membership FROM roomserver_memberships WHERE room_id = %s AND user_id = %s`, s.ph(1), s.ph(2)),
		roomID, userID).Scan(&m)
	if err == sql.ErrNoRows {
		return membership.None, nil
	}
	if err != nil {
		return membership.None, err
	}
	return membershipFromString(m), nil
}

func membershipFromString(m string) membership.Membership {
	switch m {
	case "join":
		return membership.Joined
	case "invite":
		return membership.Invited
	case "leave", "ban":
		return membership.Left
	default:
		return membership.None
	}
}

func (s *Store) UpdateJoinedCount(roomID string) error {
	ctx := context.Background()
	var count int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM roomserver_memberships WHERE room_id = %s AND membership = %s`, s.ph(1), s.ph(2)),
		roomID, "join").Scan(&count)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE roomserver_room_joined_counts SET joined_count = %s WHERE room_id = %s`, s.ph(1), s.ph(2)), count, roomID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO roomserver_room_joined_counts (room_id, joined_count) VALUES (%s, %s)`, s.ph(1), s.ph(2)), roomID, count)
	return err
}

func (s *Store) roomsWithMembership(userID, m string) ([]string, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT room_id FROM roomserver_memberships WHERE user_id = %s AND membership = %s`, s.ph(1), s.ph(2)), userID, m)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		out = append(out, roomID)
	}
	return out, rows.Err()
}

func (s *Store) RoomsJoined(userID string) ([]string, error)  { return s.roomsWithMembership(userID, "join") }
func (s *Store) RoomsInvited(userID string) ([]string, error) { return s.roomsWithMembership(userID, "invite") }
func (s *Store) RoomsLeft(userID string) ([]string, error)    { return s.roomsWithMembership(userID, "leave") }

func (s *Store) RoomMembers(roomID string) ([]string, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT user_id FROM roomserver_memberships WHERE room_id = %s AND membership = %s`, s.ph(1), s.ph(2)), roomID, "join")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// RoomServers returns the distinct set of server names with at least one
// currently-joined member of roomID, the destination set federationapi/queue
// fans new events out to.
func (s *Store) RoomServers(roomID string) ([]string, error) {
	members, err := s.RoomMembers(roomID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, userID := range members {
		server := serverNameOfUserID(userID)
		if server == "" {
			continue
		}
		if _, ok := seen[server]; !ok {
			seen[server] = struct{}{}
			out = append(out, server)
		}
	}
	return out, nil
}

// ServerRooms returns every room in which serverName has at least one
// currently-joined member.
func (s *Store) ServerRooms(serverName string) ([]string, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT room_id, user_id FROM roomserver_memberships WHERE membership = %s`, s.ph(1)), "join")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := make(map[string]struct{})
	var out []string
	for rows.Next() {
		var roomID, userID string
		if err := rows.Scan(&roomID, &userID); err != nil {
			return nil, err
		}
		if serverNameOfUserID(userID) != serverName {
			continue
		}
		if _, ok := seen[roomID]; !ok {
			seen[roomID] = struct{}{}
			out = append(out, roomID)
		}
	}
	return out, rows.Err()
}

// serverNameOfUserID extracts the server name from a Matrix-style user ID
// of the form "@localpart:server.name".
func serverNameOfUserID(userID string) string {
	idx := strings.Index(userID, ":")
	if idx < 0 {
		return ""
	}
	return userID[idx+1:]
}

func sameEntrySet(a, b []types.CompressedStateEntry) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[types.CompressedStateEntry]struct{}, len(a))
	for _, e := range a {
		set[e] = struct{}{}
	}
	for _, e := range b {
		if _, ok := set[e]; !ok {
			return false
		}
	}
	return true
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
