package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lanternworks/agentrelay/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIdentityUpsertAndResolve(t *testing.T) {
	s := NewIdentityStore(openTestDB(t))
	ctx := context.Background()

	id := &store.AgentIdentity{
		AgentID:        "alice",
		AgentName:      "Alice",
		ProtocolUserID: "@bot.alice:relay.local",
		Credential:     "tok-1",
		Active:         true,
	}
	if err := s.Upsert(ctx, id); err != nil {
		t.Fatal(err)
	}

	got, err := s.Resolve(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Credential != "tok-1" || got.ProtocolUserID != "@bot.alice:relay.local" {
		t.Fatalf("resolved %+v", got)
	}
	if got.Provisioned() {
		t.Fatal("agent without a room must not report provisioned")
	}

	// Upsert again with a fresh credential; same row is updated.
	id.Credential = "tok-2"
	if err := s.Upsert(ctx, id); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Resolve(ctx, "alice")
	if got.Credential != "tok-2" {
		t.Fatalf("credential = %q after re-upsert", got.Credential)
	}

	if _, err := s.Resolve(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown agent err = %v, want ErrNotFound", err)
	}
}

func TestIdentityAssignRoom(t *testing.T) {
	s := NewIdentityStore(openTestDB(t))
	ctx := context.Background()

	s.Upsert(ctx, &store.AgentIdentity{AgentID: "alice", ProtocolUserID: "@a:x", Active: true})
	s.Upsert(ctx, &store.AgentIdentity{AgentID: "bob", ProtocolUserID: "@b:x", Active: true})

	if err := s.AssignRoom(ctx, "alice", "!room1:x"); err != nil {
		t.Fatal(err)
	}

	got, err := s.ResolveByRoom(ctx, "!room1:x")
	if err != nil {
		t.Fatal(err)
	}
	if got.AgentID != "alice" || !got.Provisioned() {
		t.Fatalf("room owner = %+v", got)
	}

	// A second agent claiming the same room must hit the constraint.
	if err := s.AssignRoom(ctx, "bob", "!room1:x"); !errors.Is(err, store.ErrRoomTaken) {
		t.Fatalf("err = %v, want ErrRoomTaken", err)
	}

	if err := s.AssignRoom(ctx, "ghost", "!room2:x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown agent err = %v, want ErrNotFound", err)
	}

	if _, err := s.ResolveByRoom(ctx, "!nobody:x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown room err = %v, want ErrNotFound", err)
	}
}

func TestIdentityRoomUniquenessOnUpsert(t *testing.T) {
	s := NewIdentityStore(openTestDB(t))
	ctx := context.Background()

	s.Upsert(ctx, &store.AgentIdentity{
		AgentID: "alice", ProtocolUserID: "@a:x", RoomID: "!room1:x", RoomCreated: true, Active: true,
	})
	err := s.Upsert(ctx, &store.AgentIdentity{
		AgentID: "bob", ProtocolUserID: "@b:x", RoomID: "!room1:x", RoomCreated: true, Active: true,
	})
	if !errors.Is(err, store.ErrRoomTaken) {
		t.Fatalf("err = %v, want ErrRoomTaken", err)
	}
}

func TestIdentityUpsertKeepsAssignedRoom(t *testing.T) {
	s := NewIdentityStore(openTestDB(t))
	ctx := context.Background()

	// Startup provisioning upserts carry no room; the room is assigned later
	// by an external provisioner.
	s.Upsert(ctx, &store.AgentIdentity{
		AgentID: "alice", ProtocolUserID: "@a:x", Credential: "tok-1", Active: true,
	})
	if err := s.AssignRoom(ctx, "alice", "!room1:x"); err != nil {
		t.Fatal(err)
	}

	// A restart re-runs the same roomless upsert with a fresh credential.
	// The assigned room must survive it.
	if err := s.Upsert(ctx, &store.AgentIdentity{
		AgentID: "alice", ProtocolUserID: "@a:x", Credential: "tok-2", Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Resolve(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.RoomID != "!room1:x" {
		t.Fatalf("room = %q after roomless re-upsert, want !room1:x", got.RoomID)
	}
	if !got.Provisioned() {
		t.Fatal("agent must stay provisioned across roomless re-upserts")
	}
	if got.Credential != "tok-2" {
		t.Fatalf("credential = %q, want tok-2", got.Credential)
	}

	// An upsert that does carry a room still replaces the stored one.
	if err := s.Upsert(ctx, &store.AgentIdentity{
		AgentID: "alice", ProtocolUserID: "@a:x", Credential: "tok-2",
		RoomID: "!room2:x", RoomCreated: true, Active: true,
	}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Resolve(ctx, "alice")
	if got.RoomID != "!room2:x" || !got.Provisioned() {
		t.Fatalf("room = %q provisioned = %v after explicit-room upsert", got.RoomID, got.Provisioned())
	}
}

func TestIdentityDeactivateAndList(t *testing.T) {
	s := NewIdentityStore(openTestDB(t))
	ctx := context.Background()

	s.Upsert(ctx, &store.AgentIdentity{AgentID: "alice", ProtocolUserID: "@a:x", Active: true})
	s.Upsert(ctx, &store.AgentIdentity{AgentID: "bob", ProtocolUserID: "@b:x", Active: true})

	if err := s.Deactivate(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].AgentID != "alice" {
		t.Fatalf("list = %+v, want only alice", list)
	}

	// The row survives deactivation and still resolves directly.
	got, err := s.Resolve(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Fatal("bob should be inactive")
	}

	if err := s.Deactivate(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDedupeClaim(t *testing.T) {
	s := NewDedupeStore(openTestDB(t), time.Minute)
	ctx := context.Background()

	claim, err := s.Claim(ctx, "$e1")
	if err != nil {
		t.Fatal(err)
	}
	if claim != store.FirstSeen {
		t.Fatalf("first claim = %v, want FirstSeen", claim)
	}

	claim, err = s.Claim(ctx, "$e1")
	if err != nil {
		t.Fatal(err)
	}
	if claim != store.AlreadySeen {
		t.Fatalf("second claim = %v, want AlreadySeen", claim)
	}

	if claim, _ := s.Claim(ctx, "$e2"); claim != store.FirstSeen {
		t.Fatal("distinct event id should win its own claim")
	}
}

func TestDedupeClaimConcurrent(t *testing.T) {
	s := NewDedupeStore(openTestDB(t), time.Minute)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	firstSeen := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := s.Claim(context.Background(), "$contested")
			if err != nil {
				t.Error(err)
				return
			}
			if claim == store.FirstSeen {
				mu.Lock()
				firstSeen++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firstSeen != 1 {
		t.Fatalf("%d workers won the claim, want exactly 1", firstSeen)
	}
}

func TestDedupeExpiredClaimIsReclaimable(t *testing.T) {
	s := NewDedupeStore(openTestDB(t), 10*time.Millisecond)
	ctx := context.Background()

	if claim, _ := s.Claim(ctx, "$e1"); claim != store.FirstSeen {
		t.Fatal("initial claim should win")
	}
	time.Sleep(20 * time.Millisecond)
	if claim, _ := s.Claim(ctx, "$e1"); claim != store.FirstSeen {
		t.Fatal("claim after TTL expiry should win again")
	}
}

func TestDedupeSweep(t *testing.T) {
	db := openTestDB(t)
	short := NewDedupeStore(db, 10*time.Millisecond)
	long := NewDedupeStore(db, time.Hour)
	ctx := context.Background()

	short.Claim(ctx, "$old1")
	short.Claim(ctx, "$old2")
	long.Claim(ctx, "$fresh")

	time.Sleep(20 * time.Millisecond)
	n, err := long.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}

	// The fresh record survives; claiming it again still reports AlreadySeen.
	if claim, _ := long.Claim(ctx, "$fresh"); claim != store.AlreadySeen {
		t.Fatal("unexpired record should survive the sweep")
	}
}

func TestMessageLifecycle(t *testing.T) {
	s := NewMessageStore(openTestDB(t))
	ctx := context.Background()

	msg := &store.TrackedMessage{TrackingID: "t1", FromAgentID: "alice", ToAgentID: "bob", Body: "hi"}
	if err := s.Create(ctx, msg); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusQueued || got.Body != "hi" {
		t.Fatalf("got %+v", got)
	}
	if !got.CompletedAt.IsZero() {
		t.Fatal("queued record must have no completion time")
	}

	ok, err := s.MarkSent(ctx, "t1", "$ev1")
	if err != nil || !ok {
		t.Fatalf("MarkSent: ok=%v err=%v", ok, err)
	}

	got, _ = s.Get(ctx, "t1")
	if got.Status != store.StatusSent || got.ResultEventID != "$ev1" {
		t.Fatalf("after MarkSent: %+v", got)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("CompletedAt not set")
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMessageTerminalTransitionsAreForwardOnly(t *testing.T) {
	tests := []struct {
		name  string
		first func(s *MessageStore, ctx context.Context) (bool, error)
		then  func(s *MessageStore, ctx context.Context) (bool, error)
		want  store.MessageStatus
	}{
		{
			name:  "sent then failed",
			first: func(s *MessageStore, ctx context.Context) (bool, error) { return s.MarkSent(ctx, "t1", "$ev") },
			then:  func(s *MessageStore, ctx context.Context) (bool, error) { return s.MarkFailed(ctx, "t1", "x") },
			want:  store.StatusSent,
		},
		{
			name:  "failed then timed out",
			first: func(s *MessageStore, ctx context.Context) (bool, error) { return s.MarkFailed(ctx, "t1", "x") },
			then:  func(s *MessageStore, ctx context.Context) (bool, error) { return s.MarkTimedOut(ctx, "t1", "y") },
			want:  store.StatusFailed,
		},
		{
			name:  "timed out then sent",
			first: func(s *MessageStore, ctx context.Context) (bool, error) { return s.MarkTimedOut(ctx, "t1", "y") },
			then:  func(s *MessageStore, ctx context.Context) (bool, error) { return s.MarkSent(ctx, "t1", "$ev") },
			want:  store.StatusTimedOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMessageStore(openTestDB(t))
			ctx := context.Background()
			s.Create(ctx, &store.TrackedMessage{TrackingID: "t1", FromAgentID: "a", ToAgentID: "b"})

			ok, err := tt.first(s, ctx)
			if err != nil || !ok {
				t.Fatalf("first transition: ok=%v err=%v", ok, err)
			}
			ok, err = tt.then(s, ctx)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Fatal("second terminal transition reported success")
			}

			got, _ := s.Get(ctx, "t1")
			if got.Status != tt.want {
				t.Fatalf("status = %q, want %q", got.Status, tt.want)
			}
		})
	}
}

func TestMessageTimeOutStale(t *testing.T) {
	s := NewMessageStore(openTestDB(t))
	ctx := context.Background()

	s.Create(ctx, &store.TrackedMessage{
		TrackingID: "stale", FromAgentID: "a", ToAgentID: "b",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	s.Create(ctx, &store.TrackedMessage{TrackingID: "fresh", FromAgentID: "a", ToAgentID: "b"})
	s.Create(ctx, &store.TrackedMessage{
		TrackingID: "done", FromAgentID: "a", ToAgentID: "b",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	s.MarkSent(ctx, "done", "$ev")

	n, err := s.TimeOutStale(ctx, 10*time.Minute, "delivery worker lost")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("transitioned %d, want 1", n)
	}

	stale, _ := s.Get(ctx, "stale")
	if stale.Status != store.StatusTimedOut || stale.Error != "delivery worker lost" {
		t.Fatalf("stale = %+v", stale)
	}
	if fresh, _ := s.Get(ctx, "fresh"); fresh.Status != store.StatusQueued {
		t.Fatal("fresh queued record must not transition")
	}
	if done, _ := s.Get(ctx, "done"); done.Status != store.StatusSent {
		t.Fatal("terminal record must not transition")
	}
}

func TestMessageEvict(t *testing.T) {
	s := NewMessageStore(openTestDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.Create(ctx, &store.TrackedMessage{
			TrackingID: fmt.Sprintf("old%d", i), FromAgentID: "a", ToAgentID: "b",
			CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
		})
	}
	s.Create(ctx, &store.TrackedMessage{TrackingID: "new", FromAgentID: "a", ToAgentID: "b"})

	n, err := s.Evict(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("evicted %d, want 3", n)
	}
	if _, err := s.Get(ctx, "new"); err != nil {
		t.Fatal("recent record must survive eviction")
	}
}
