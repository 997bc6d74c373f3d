package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lanternworks/agentrelay/internal/store"
)

func TestCreateAndGet(t *testing.T) {
	s := NewMessageStore()
	ctx := context.Background()

	msg := &store.TrackedMessage{TrackingID: "t1", FromAgentID: "a", ToAgentID: "b", Body: "hi"}
	if err := s.Create(ctx, msg); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusQueued {
		t.Fatalf("status = %q, want queued", got.Status)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}

	// Get returns a copy; mutating it must not affect the store.
	got.Body = "mutated"
	again, _ := s.Get(ctx, "t1")
	if again.Body != "hi" {
		t.Fatal("Get leaked internal state")
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	s := NewMessageStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTerminalTransitionsAreForwardOnly(t *testing.T) {
	tests := []struct {
		name  string
		first func(s *MessageStore) (bool, error)
		then  func(s *MessageStore) (bool, error)
		want  store.MessageStatus
	}{
		{
			name:  "sent then failed",
			first: func(s *MessageStore) (bool, error) { return s.MarkSent(context.Background(), "t1", "$ev") },
			then:  func(s *MessageStore) (bool, error) { return s.MarkFailed(context.Background(), "t1", "boom") },
			want:  store.StatusSent,
		},
		{
			name:  "timed out then sent",
			first: func(s *MessageStore) (bool, error) { return s.MarkTimedOut(context.Background(), "t1", "late") },
			then:  func(s *MessageStore) (bool, error) { return s.MarkSent(context.Background(), "t1", "$ev") },
			want:  store.StatusTimedOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMessageStore()
			s.Create(context.Background(), &store.TrackedMessage{TrackingID: "t1"})

			ok, err := tt.first(s)
			if err != nil || !ok {
				t.Fatalf("first transition: ok=%v err=%v", ok, err)
			}
			ok, err = tt.then(s)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Fatal("second terminal transition reported success")
			}

			got, _ := s.Get(context.Background(), "t1")
			if got.Status != tt.want {
				t.Fatalf("status = %q, want %q", got.Status, tt.want)
			}
		})
	}
}

func TestEvictRemovesOldRecords(t *testing.T) {
	s := NewMessageStore()
	now := time.Now()
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	s.Create(ctx, &store.TrackedMessage{TrackingID: "old"})
	now = now.Add(48 * time.Hour)
	s.Create(ctx, &store.TrackedMessage{TrackingID: "new"})

	n, err := s.Evict(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, err := s.Get(ctx, "old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("old record should be gone")
	}
	if _, err := s.Get(ctx, "new"); err != nil {
		t.Fatal("new record should survive")
	}
}

func TestTimeOutStaleQueuedOnly(t *testing.T) {
	s := NewMessageStore()
	now := time.Now()
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	s.Create(ctx, &store.TrackedMessage{TrackingID: "stale"})
	s.Create(ctx, &store.TrackedMessage{TrackingID: "done"})
	s.MarkSent(ctx, "done", "$ev")

	now = now.Add(time.Hour)
	n, err := s.TimeOutStale(ctx, 10*time.Minute, "worker lost")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("transitioned %d, want 1", n)
	}

	stale, _ := s.Get(ctx, "stale")
	if stale.Status != store.StatusTimedOut || stale.Error != "worker lost" {
		t.Fatalf("stale = %+v", stale)
	}
	done, _ := s.Get(ctx, "done")
	if done.Status != store.StatusSent {
		t.Fatal("terminal record must not be touched")
	}
}

func TestCapEvictsOldest(t *testing.T) {
	s := NewMessageStore()
	now := time.Now()
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < maxTrackedMessages+1; i++ {
		now = now.Add(time.Second)
		s.Create(ctx, &store.TrackedMessage{TrackingID: fmt.Sprintf("t%d", i)})
	}

	if len(s.msgs) != maxTrackedMessages {
		t.Fatalf("store holds %d, want %d", len(s.msgs), maxTrackedMessages)
	}
	if _, err := s.Get(ctx, "t0"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("oldest record should have been evicted")
	}
}
