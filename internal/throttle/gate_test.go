package throttle

import (
	"fmt"
	"testing"
	"time"
)

func TestGateAdmitsOncePerInterval(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(10*time.Minute, WithClock(func() time.Time { return now }))

	if !g.TryAcquire("agent-a") {
		t.Fatal("first acquire should be admitted")
	}
	if g.TryAcquire("agent-a") {
		t.Fatal("second acquire within interval should be rejected")
	}

	now = now.Add(9 * time.Minute)
	if g.TryAcquire("agent-a") {
		t.Fatal("acquire before interval elapsed should be rejected")
	}

	now = now.Add(time.Minute)
	if !g.TryAcquire("agent-a") {
		t.Fatal("acquire after interval should be admitted")
	}
}

func TestGateKeysAreIndependent(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(5*time.Minute, WithClock(func() time.Time { return now }))

	if !g.TryAcquire("a") {
		t.Fatal("key a should be admitted")
	}
	if !g.TryAcquire("b") {
		t.Fatal("key b should be admitted independently")
	}
	if g.TryAcquire("a") || g.TryAcquire("b") {
		t.Fatal("repeat acquires should be rejected")
	}
}

func TestGateRemaining(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(10*time.Minute, WithClock(func() time.Time { return now }))

	if got := g.Remaining("x"); got != 0 {
		t.Fatalf("Remaining for unseen key = %v, want 0", got)
	}

	g.TryAcquire("x")
	now = now.Add(4 * time.Minute)
	if got := g.Remaining("x"); got != 6*time.Minute {
		t.Fatalf("Remaining = %v, want 6m", got)
	}

	now = now.Add(7 * time.Minute)
	if got := g.Remaining("x"); got != 0 {
		t.Fatalf("Remaining after expiry = %v, want 0", got)
	}
}

func TestGatePrunesAtCap(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(time.Minute, WithClock(func() time.Time { return now }))

	for i := 0; i < maxTrackedKeys; i++ {
		g.TryAcquire(fmt.Sprintf("key-%d", i))
	}

	// All entries are now expired; the next acquire must prune, not grow.
	now = now.Add(2 * time.Minute)
	if !g.TryAcquire("fresh") {
		t.Fatal("acquire at cap should be admitted after prune")
	}
	if len(g.last) > maxTrackedKeys {
		t.Fatalf("gate grew past cap: %d entries", len(g.last))
	}
}
