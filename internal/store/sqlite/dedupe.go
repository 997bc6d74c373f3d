package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/lanternworks/agentrelay/internal/store"
)

// DedupeStore implements store.DedupeStore on SQLite. The claim statement is
// a single upsert, so concurrent workers racing on one event id resolve in
// the database even when they run in separate processes sharing the file.
type DedupeStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewDedupeStore(db *sql.DB, ttl time.Duration) *DedupeStore {
	return &DedupeStore{db: db, ttl: ttl}
}

func (s *DedupeStore) Claim(ctx context.Context, eventID string) (store.Claim, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_dedupe (event_id, processed_at, ttl_expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (event_id) DO UPDATE SET
		   processed_at = excluded.processed_at,
		   ttl_expires_at = excluded.ttl_expires_at
		 WHERE event_dedupe.ttl_expires_at <= excluded.processed_at`,
		eventID, now, now.Add(s.ttl),
	)
	if err != nil {
		return store.AlreadySeen, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.AlreadySeen, err
	}
	if n == 1 {
		return store.FirstSeen, nil
	}
	return store.AlreadySeen, nil
}

func (s *DedupeStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM event_dedupe WHERE ttl_expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
