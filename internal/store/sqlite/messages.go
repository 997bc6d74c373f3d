package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lanternworks/agentrelay/internal/store"
)

// MessageStore implements store.MessageStore on SQLite.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Create(ctx context.Context, msg *store.TrackedMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Status = store.StatusQueued
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_messages
		   (tracking_id, from_agent_id, to_agent_id, body, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.TrackingID, msg.FromAgentID, msg.ToAgentID, msg.Body, string(msg.Status), msg.CreatedAt,
	)
	return err
}

func (s *MessageStore) Get(ctx context.Context, trackingID string) (*store.TrackedMessage, error) {
	var msg store.TrackedMessage
	var completedAt sql.NullTime
	var resultEventID, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT tracking_id, from_agent_id, to_agent_id, body, status,
		        created_at, completed_at, result_event_id, error
		 FROM tracked_messages WHERE tracking_id = ?`, trackingID,
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

func (s *MessageStore) MarkSent(ctx context.Context, trackingID, resultEventID string) (bool, error) {
	return s.finish(ctx, trackingID, store.StatusSent, resultEventID, "")
}

func (s *MessageStore) MarkFailed(ctx context.Context, trackingID, errMsg string) (bool, error) {
	return s.finish(ctx, trackingID, store.StatusFailed, "", errMsg)
}

func (s *MessageStore) MarkTimedOut(ctx context.Context, trackingID, errMsg string) (bool, error) {
	return s.finish(ctx, trackingID, store.StatusTimedOut, "", errMsg)
}

func (s *MessageStore) finish(ctx context.Context, trackingID string, status store.MessageStatus, resultEventID, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_messages
		 SET status = ?, completed_at = ?,
		     result_event_id = NULLIF(?, ''), error = NULLIF(?, '')
		 WHERE tracking_id = ? AND status = ?`,
		string(status), time.Now().UTC(), resultEventID, errMsg,
		trackingID, string(store.StatusQueued),
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

func (s *MessageStore) TimeOutStale(ctx context.Context, maxAge time.Duration, errMsg string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_messages
		 SET status = ?, completed_at = ?, error = ?
		 WHERE status = ? AND created_at <= ?`,
		string(store.StatusTimedOut), now, errMsg, string(store.StatusQueued), now.Add(-maxAge),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *MessageStore) Evict(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracked_messages WHERE created_at <= ?`,
		time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
