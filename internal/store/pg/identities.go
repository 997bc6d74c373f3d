package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lanternworks/agentrelay/internal/store"
)

// PGIdentityStore implements store.IdentityStore backed by Postgres.
// Room uniqueness is enforced by a partial unique index on room_id, so the
// invariant holds under concurrent provisioners without advisory locks.
type PGIdentityStore struct {
	db *sql.DB
}

func NewPGIdentityStore(db *sql.DB) *PGIdentityStore {
	return &PGIdentityStore{db: db}
}

const identityColumns = `agent_id, agent_name, protocol_user_id, credential,
	COALESCE(room_id, ''), room_created, active, updated_at`

func (s *PGIdentityStore) Resolve(ctx context.Context, agentID string) (*store.AgentIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM agent_identities WHERE agent_id = $1`, agentID)
	return scanIdentity(row)
}

func (s *PGIdentityStore) ResolveByRoom(ctx context.Context, roomID string) (*store.AgentIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM agent_identities WHERE room_id = $1`, roomID)
	return scanIdentity(row)
}

// Upsert inserts or refreshes an identity. An upsert carrying no room (the
// config-driven provisioning path) leaves an already assigned room and its
// room_created flag untouched, so restarts never unprovision an agent.
func (s *PGIdentityStore) Upsert(ctx context.Context, id *store.AgentIdentity) error {
	id.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_identities
		   (agent_id, agent_name, protocol_user_id, credential, room_id, room_created, active, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   agent_name = EXCLUDED.agent_name,
		   protocol_user_id = EXCLUDED.protocol_user_id,
		   credential = EXCLUDED.credential,
		   room_id = COALESCE(EXCLUDED.room_id, agent_identities.room_id),
		   room_created = CASE WHEN EXCLUDED.room_id IS NULL
		                       THEN agent_identities.room_created
		                       ELSE EXCLUDED.room_created END,
		   active = EXCLUDED.active,
		   updated_at = EXCLUDED.updated_at`,
		id.AgentID, id.AgentName, id.ProtocolUserID, id.Credential,
		id.RoomID, id.RoomCreated, id.Active, id.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrRoomTaken
	}
	return err
}

func (s *PGIdentityStore) AssignRoom(ctx context.Context, agentID, roomID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_identities
		 SET room_id = $2, room_created = true, updated_at = $3
		 WHERE agent_id = $1`,
		agentID, roomID, time.Now().UTC(),
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

func (s *PGIdentityStore) Deactivate(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_identities SET active = false, updated_at = $2 WHERE agent_id = $1`,
		agentID, time.Now().UTC(),
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

func (s *PGIdentityStore) List(ctx context.Context) ([]store.AgentIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM agent_identities WHERE active = true ORDER BY agent_id`)
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
