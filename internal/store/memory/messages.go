// Package memory provides an in-process MessageStore with bounded retention.
// It is the default backend for async delivery tracking: a restart loses
// in-flight tracking state, which callers observe as ErrNotFound (distinct
// from failed).
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/lanternworks/agentrelay/internal/store"
)

// maxTrackedMessages caps the number of retained records so a burst of async
// sends cannot exhaust memory. Oldest records are evicted first.
const maxTrackedMessages = 10000

// MessageStore implements store.MessageStore in memory.
type MessageStore struct {
	mu   sync.Mutex
	msgs map[string]*store.TrackedMessage
	now  func() time.Time
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		msgs: make(map[string]*store.TrackedMessage),
		now:  time.Now,
	}
}

// SetClock overrides the clock. Test hook.
func (s *MessageStore) SetClock(now func() time.Time) { s.now = now }

func (s *MessageStore) Create(ctx context.Context, msg *store.TrackedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	msg.Status = store.StatusQueued

	if len(s.msgs) >= maxTrackedMessages {
		s.evictOldestLocked()
	}

	cp := *msg
	s.msgs[msg.TrackingID] = &cp
	return nil
}

func (s *MessageStore) Get(ctx context.Context, trackingID string) (*store.TrackedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[trackingID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *MessageStore) MarkSent(ctx context.Context, trackingID, resultEventID string) (bool, error) {
	return s.finish(trackingID, store.StatusSent, resultEventID, "")
}

func (s *MessageStore) MarkFailed(ctx context.Context, trackingID, errMsg string) (bool, error) {
	return s.finish(trackingID, store.StatusFailed, "", errMsg)
}

func (s *MessageStore) MarkTimedOut(ctx context.Context, trackingID, errMsg string) (bool, error) {
	return s.finish(trackingID, store.StatusTimedOut, "", errMsg)
}

func (s *MessageStore) finish(trackingID string, status store.MessageStatus, resultEventID, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.msgs[trackingID]
	if !ok {
		return false, store.ErrNotFound
	}
	if msg.Status.Terminal() {
		return false, nil
	}
	msg.Status = status
	msg.CompletedAt = s.now().UTC()
	msg.ResultEventID = resultEventID
	msg.Error = errMsg
	return true, nil
}

func (s *MessageStore) TimeOutStale(ctx context.Context, maxAge time.Duration, errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	cutoff := now.Add(-maxAge)
	var n int64
	for _, msg := range s.msgs {
		if msg.Status == store.StatusQueued && msg.CreatedAt.Before(cutoff) {
			msg.Status = store.StatusTimedOut
			msg.CompletedAt = now
			msg.Error = errMsg
			n++
		}
	}
	return n, nil
}

func (s *MessageStore) Evict(ctx context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-retention)
	var n int64
	for id, msg := range s.msgs {
		if msg.CreatedAt.Before(cutoff) {
			delete(s.msgs, id)
			n++
		}
	}
	return n, nil
}

// evictOldestLocked drops the single oldest record. Called at the cap.
func (s *MessageStore) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, msg := range s.msgs {
		if oldestID == "" || msg.CreatedAt.Before(oldest) {
			oldestID = id
			oldest = msg.CreatedAt
		}
	}
	if oldestID != "" {
		delete(s.msgs, oldestID)
	}
}
