package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lanternworks/agentrelay/internal/store"
)

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

func (s *PGMessageStore) Create(ctx context.Context, msg *store.TrackedMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Status = store.StatusQueued
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_messages
		   (tracking_id, from_agent_id, to_agent_id, body, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.TrackingID, msg.FromAgentID, msg.ToAgentID, msg.Body, msg.Status, msg.CreatedAt,
	)
	return err
}

func (s *PGMessageStore) Get(ctx context.Context, trackingID string) (*store.TrackedMessage, error) {
	var msg store.TrackedMessage
	var completedAt sql.NullTime
	var resultEventID, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT tracking_id, from_agent_id, to_agent_id, body, status,
		        created_at, completed_at, result_event_id, error
		 FROM tracked_messages WHERE tracking_id = $1`, trackingID,
	).Scan(&msg.TrackingID, &msg.FromAgentID, &msg.ToAgentID, &msg.Body, &msg.Status,
		&msg.CreatedAt, &completedAt, &resultEventID, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		msg.CompletedAt = completedAt.Time
	}
	msg.ResultEventID = resultEventID.String
	msg.Error = errMsg.String
	return &msg, nil
}

func (s *PGMessageStore) MarkSent(ctx context.Context, trackingID, resultEventID string) (bool, error) {
	return s.finish(ctx, trackingID, store.StatusSent, resultEventID, "")
}

func (s *PGMessageStore) MarkFailed(ctx context.Context, trackingID, errMsg string) (bool, error) {
	return s.finish(ctx, trackingID, store.StatusFailed, "", errMsg)
}

func (s *PGMessageStore) MarkTimedOut(ctx context.Context, trackingID, errMsg string) (bool, error) {
	return s.finish(ctx, trackingID, store.StatusTimedOut, "", errMsg)
}

// finish is a compare-and-set on status: only a queued record transitions,
// so the first terminal writer wins and terminal states stay immutable.
func (s *PGMessageStore) finish(ctx context.Context, trackingID string, status store.MessageStatus, resultEventID, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_messages
		 SET status = $2, completed_at = $3,
		     result_event_id = NULLIF($4, ''), error = NULLIF($5, '')
		 WHERE tracking_id = $1 AND status = $6`,
		trackingID, status, time.Now().UTC(), resultEventID, errMsg, store.StatusQueued,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGMessageStore) TimeOutStale(ctx context.Context, maxAge time.Duration, errMsg string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_messages
		 SET status = $1, completed_at = $2, error = $3
		 WHERE status = $4 AND created_at <= $5`,
		store.StatusTimedOut, now, errMsg, store.StatusQueued, now.Add(-maxAge),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGMessageStore) Evict(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracked_messages WHERE created_at <= $1`,
		time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
