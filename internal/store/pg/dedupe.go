package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/lanternworks/agentrelay/internal/store"
)

// PGDedupeStore implements store.DedupeStore backed by Postgres.
// The claim is a single upsert so multiple worker processes racing on the
// same event id resolve through the database, not an in-process mutex.
type PGDedupeStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPGDedupeStore(db *sql.DB, ttl time.Duration) *PGDedupeStore {
	return &PGDedupeStore{db: db, ttl: ttl}
}

func (s *PGDedupeStore) Claim(ctx context.Context, eventID string) (store.Claim, error) {
	now := time.Now().UTC()
	// Insert wins; conflict only updates (reclaims) when the old record has
	// expired. RowsAffected is 1 for a win, 0 for a live duplicate.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_dedupe (event_id, processed_at, ttl_expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO UPDATE SET
		   processed_at = EXCLUDED.processed_at,
		   ttl_expires_at = EXCLUDED.ttl_expires_at
		 WHERE event_dedupe.ttl_expires_at <= EXCLUDED.processed_at`,
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

func (s *PGDedupeStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM event_dedupe WHERE ttl_expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
