package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lanternworks/agentrelay/internal/store"
)

// IdentityStore implements store.IdentityStore on SQLite.
type IdentityStore struct {
	db *sql.DB
}

func NewIdentityStore(db *sql.DB) *IdentityStore {
	return &IdentityStore{db: db}
}

const identityColumns = `agent_id, agent_name, protocol_user_id, credential,
	COALESCE(room_id, ''), room_created, active, updated_at`

func (s *IdentityStore) Resolve(ctx context.Context, agentID string) (*store.AgentIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM agent_identities WHERE agent_id = ?`, agentID)
	return scanIdentity(row)
}

func (s *IdentityStore) ResolveByRoom(ctx context.Context, roomID string) (*store.AgentIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM agent_identities WHERE room_id = ?`, roomID)
	return scanIdentity(row)
}

// Upsert inserts or refreshes an identity. An upsert carrying no room (the
// config-driven provisioning path) leaves an already assigned room and its
// room_created flag untouched, so restarts never unprovision an agent.
func (s *IdentityStore) Upsert(ctx context.Context, id *store.AgentIdentity) error {
	id.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_identities
		   (agent_id, agent_name, protocol_user_id, credential, room_id, room_created, active, updated_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   agent_name = excluded.agent_name,
		   protocol_user_id = excluded.protocol_user_id,
		   credential = excluded.credential,
		   room_id = COALESCE(excluded.room_id, room_id),
		   room_created = CASE WHEN excluded.room_id IS NULL
		                       THEN room_created
		                       ELSE excluded.room_created END,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		id.AgentID, id.AgentName, id.ProtocolUserID, id.Credential,
		id.RoomID, id.RoomCreated, id.Active, id.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrRoomTaken
	}
	return err
}

func (s *IdentityStore) AssignRoom(ctx context.Context, agentID, roomID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_identities
		 SET room_id = ?, room_created = 1, updated_at = ?
		 WHERE agent_id = ?`,
		roomID, time.Now().UTC(), agentID,
	)
	if isUniqueViolation(err) {
		return store.ErrRoomTaken
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *IdentityStore) Deactivate(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_identities SET active = 0, updated_at = ? WHERE agent_id = ?`,
		time.Now().UTC(), agentID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *IdentityStore) List(ctx context.Context) ([]store.AgentIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM agent_identities WHERE active = 1 ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AgentIdentity
	for rows.Next() {
		var id store.AgentIdentity
		if err := rows.Scan(
			&id.AgentID, &id.AgentName, &id.ProtocolUserID, &id.Credential,
			&id.RoomID, &id.RoomCreated, &id.Active, &id.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIdentity(row rowScanner) (*store.AgentIdentity, error) {
	var id store.AgentIdentity
	err := row.Scan(
		&id.AgentID, &id.AgentName, &id.ProtocolUserID, &id.Credential,
		&id.RoomID, &id.RoomCreated, &id.Active, &id.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// isUniqueViolation matches modernc sqlite constraint errors. The driver
// does not export a typed error for this, so the message text is the contract.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
