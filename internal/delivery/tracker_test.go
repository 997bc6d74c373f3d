package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lanternworks/agentrelay/internal/alert"
	"github.com/lanternworks/agentrelay/internal/store"
	"github.com/lanternworks/agentrelay/internal/store/memory"
)

type fakeIdentities struct {
	byAgent map[string]*store.AgentIdentity
}

// The fake wraps its sentinels the way the SQL stores do, so lookups are
// checked with errors.Is rather than equality.
func (f *fakeIdentities) Resolve(_ context.Context, agentID string) (*store.AgentIdentity, error) {
	if id, ok := f.byAgent[agentID]; ok {
		return id, nil
	}
	return nil, fmt.Errorf("identity %s: %w", agentID, store.ErrNotFound)
}

func (f *fakeIdentities) ResolveByRoom(context.Context, string) (*store.AgentIdentity, error) {
	return nil, fmt.Errorf("room lookup: %w", store.ErrNotFound)
}
func (f *fakeIdentities) Upsert(context.Context, *store.AgentIdentity) error { return nil }
func (f *fakeIdentities) AssignRoom(_ context.Context, _, _ string) error    { return nil }
func (f *fakeIdentities) Deactivate(context.Context, string) error           { return nil }
func (f *fakeIdentities) List(context.Context) ([]store.AgentIdentity, error) {
	return nil, nil
}

type sendCall struct {
	room, token, body string
}

type fakeSender struct {
	mu      sync.Mutex
	calls   []sendCall
	eventID string
	errs    []error // consumed per call; nil entry means success
	block   bool    // never return until ctx expires
}

func (f *fakeSender) SendText(ctx context.Context, roomID, token, body string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{roomID, token, body})
	n := len(f.calls)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return "", f.errs[n-1]
	}
	return f.eventID, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRecoverer struct {
	mu     sync.Mutex
	calls  []string
	result bool
}

func (f *fakeRecoverer) Recover(_ context.Context, agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, agentID)
	return f.result
}

type fakeAlerter struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeAlerter) Alert(_ context.Context, _ string, _ alert.Severity, dedupeKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, dedupeKey)
	return true
}

func (f *fakeAlerter) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func testPair() *fakeIdentities {
	return &fakeIdentities{byAgent: map[string]*store.AgentIdentity{
		"alice": {AgentID: "alice", Credential: "tok-alice", RoomID: "!alice:x", RoomCreated: true},
		"bob":   {AgentID: "bob", Credential: "tok-bob", RoomID: "!bob:x", RoomCreated: true},
		"carol": {AgentID: "carol", Credential: "tok-carol"}, // no room yet
	}}
}

func waitTerminal(t *testing.T, msgs store.MessageStore, trackingID string) *store.TrackedMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := msgs.Get(context.Background(), trackingID)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Status.Terminal() {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message never reached a terminal state")
	return nil
}

func TestSendUsesDestinationRoomAndSenderCredential(t *testing.T) {
	sender := &fakeSender{eventID: "$ev1"}
	tr := NewTracker(testPair(), memory.NewMessageStore(), sender, nil, 0)

	receipt, err := tr.Send(context.Background(), "alice", "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if receipt.EventID != "$ev1" || receipt.RoomID != "!bob:x" {
		t.Fatalf("receipt = %+v", receipt)
	}
	call := sender.calls[0]
	if call.room != "!bob:x" {
		t.Fatalf("sent to %s, want destination room", call.room)
	}
	if call.token != "tok-alice" {
		t.Fatalf("sent with %s, want sender credential", call.token)
	}
}

func TestSendUnknownAgent(t *testing.T) {
	tr := NewTracker(testPair(), memory.NewMessageStore(), &fakeSender{}, nil, 0)

	if _, err := tr.Send(context.Background(), "alice", "ghost", "x"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
	if _, err := tr.Send(context.Background(), "ghost", "bob", "x"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("unknown sender err = %v, want ErrUnknownAgent", err)
	}
}

func TestSendUnprovisionedRoom(t *testing.T) {
	tr := NewTracker(testPair(), memory.NewMessageStore(), &fakeSender{}, nil, 0)

	if _, err := tr.Send(context.Background(), "alice", "carol", "x"); !errors.Is(err, ErrRoomNotProvisioned) {
		t.Fatalf("err = %v, want ErrRoomNotProvisioned", err)
	}
}

func TestSendAsyncCompletes(t *testing.T) {
	msgs := memory.NewMessageStore()
	tr := NewTracker(testPair(), msgs, &fakeSender{eventID: "$ev1"}, nil, 0)

	id, err := tr.SendAsync(context.Background(), "alice", "bob", "hello", time.Second)
	if err != nil {
		t.Fatal(err)
	}

	msg := waitTerminal(t, msgs, id)
	if msg.Status != store.StatusSent {
		t.Fatalf("status = %q, want sent (error: %s)", msg.Status, msg.Error)
	}
	if msg.ResultEventID != "$ev1" {
		t.Fatalf("result event = %q", msg.ResultEventID)
	}
	if msg.CompletedAt.IsZero() {
		t.Fatal("CompletedAt not set")
	}
}

func TestSendAsyncFailsFastOnResolution(t *testing.T) {
	msgs := memory.NewMessageStore()
	tr := NewTracker(testPair(), msgs, &fakeSender{}, nil, 0)

	if _, err := tr.SendAsync(context.Background(), "alice", "ghost", "x", time.Second); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
	if _, err := tr.SendAsync(context.Background(), "alice", "carol", "x", time.Second); !errors.Is(err, ErrRoomNotProvisioned) {
		t.Fatalf("err = %v, want ErrRoomNotProvisioned", err)
	}
}

func TestSendAsyncRecordsFailure(t *testing.T) {
	msgs := memory.NewMessageStore()
	alerts := &fakeAlerter{}
	tr := NewTracker(testPair(), msgs, &fakeSender{errs: []error{errors.New("homeserver down")}}, nil, 0)
	tr.SetAlerter(alerts)

	id, err := tr.SendAsync(context.Background(), "alice", "bob", "x", time.Second)
	if err != nil {
		t.Fatal(err)
	}

	msg := waitTerminal(t, msgs, id)
	if msg.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed", msg.Status)
	}
	if msg.Error == "" {
		t.Fatal("failure reason not recorded")
	}

	keys := alerts.seen()
	if len(keys) != 1 || keys[0] != "delivery_failed:bob" {
		t.Fatalf("alert keys = %v", keys)
	}
}

func TestSendAsyncTimesOut(t *testing.T) {
	msgs := memory.NewMessageStore()
	alerts := &fakeAlerter{}
	tr := NewTracker(testPair(), msgs, &fakeSender{block: true}, nil, 0)
	tr.SetAlerter(alerts)

	id, err := tr.SendAsync(context.Background(), "alice", "bob", "x", 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	msg := waitTerminal(t, msgs, id)
	if msg.Status != store.StatusTimedOut {
		t.Fatalf("status = %q, want timed_out", msg.Status)
	}

	keys := alerts.seen()
	if len(keys) != 1 || keys[0] != "delivery_timeout:bob" {
		t.Fatalf("alert keys = %v", keys)
	}
}

func TestStatusIsPureRead(t *testing.T) {
	msgs := memory.NewMessageStore()
	tr := NewTracker(testPair(), msgs, &fakeSender{eventID: "$ev1"}, nil, 0)

	id, err := tr.SendAsync(context.Background(), "alice", "bob", "x", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, msgs, id)

	// Repeated polls return the same record untouched.
	for i := 0; i < 3; i++ {
		msg, err := tr.Status(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Status != store.StatusSent {
			t.Fatalf("poll %d: status = %q", i, msg.Status)
		}
	}

	if _, err := tr.Status(context.Background(), "unknown"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown tracking id err = %v, want ErrNotFound", err)
	}
}

func TestConflictTriggersRecoveryAndRetry(t *testing.T) {
	conflict := errors.New("approval pending")
	sender := &fakeSender{eventID: "$ev2", errs: []error{conflict, nil}}
	recov := &fakeRecoverer{result: true}

	tr := NewTracker(testPair(), memory.NewMessageStore(), sender, nil, 0)
	tr.SetRecovery(recov, func(err error) bool { return errors.Is(err, conflict) })

	receipt, err := tr.Send(context.Background(), "alice", "bob", "x")
	if err != nil {
		t.Fatal(err)
	}
	if receipt.EventID != "$ev2" {
		t.Fatalf("receipt = %+v", receipt)
	}
	if sender.callCount() != 2 {
		t.Fatalf("send called %d times, want 2", sender.callCount())
	}
	if len(recov.calls) != 1 || recov.calls[0] != "bob" {
		t.Fatalf("recovery calls = %v, want [bob]", recov.calls)
	}
}

func TestConflictWithoutRecoveryActionFails(t *testing.T) {
	conflict := errors.New("approval pending")
	sender := &fakeSender{errs: []error{conflict, conflict}}
	recov := &fakeRecoverer{result: false}

	tr := NewTracker(testPair(), memory.NewMessageStore(), sender, nil, 0)
	tr.SetRecovery(recov, func(err error) bool { return errors.Is(err, conflict) })

	if _, err := tr.Send(context.Background(), "alice", "bob", "x"); !errors.Is(err, conflict) {
		t.Fatalf("err = %v, want original conflict error", err)
	}
	// Recovery declined to act; no retry happens.
	if sender.callCount() != 1 {
		t.Fatalf("send called %d times, want 1", sender.callCount())
	}
}

func TestNonConflictErrorSkipsRecovery(t *testing.T) {
	sendErr := errors.New("network unreachable")
	sender := &fakeSender{errs: []error{sendErr}}
	recov := &fakeRecoverer{result: true}

	tr := NewTracker(testPair(), memory.NewMessageStore(), sender, nil, 0)
	tr.SetRecovery(recov, func(error) bool { return false })

	if _, err := tr.Send(context.Background(), "alice", "bob", "x"); !errors.Is(err, sendErr) {
		t.Fatalf("err = %v", err)
	}
	if len(recov.calls) != 0 {
		t.Fatal("recovery must not run for non-conflict failures")
	}
	if sender.callCount() != 1 {
		t.Fatalf("send called %d times, want 1", sender.callCount())
	}
}

func TestRetryFailureIsFinal(t *testing.T) {
	conflict := errors.New("approval pending")
	sender := &fakeSender{errs: []error{conflict, conflict}}
	recov := &fakeRecoverer{result: true}

	tr := NewTracker(testPair(), memory.NewMessageStore(), sender, nil, 0)
	tr.SetRecovery(recov, func(err error) bool { return errors.Is(err, conflict) })

	if _, err := tr.Send(context.Background(), "alice", "bob", "x"); !errors.Is(err, conflict) {
		t.Fatalf("err = %v", err)
	}
	// Exactly one retry: two sends, one recovery run, then give up.
	if sender.callCount() != 2 {
		t.Fatalf("send called %d times, want 2", sender.callCount())
	}
	if len(recov.calls) != 1 {
		t.Fatalf("recovery ran %d times, want 1", len(recov.calls))
	}
}
