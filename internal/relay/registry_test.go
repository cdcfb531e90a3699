package relay

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/sammck-go/logger"
)

// fakeBus stands in for BusClient in tests that exercise the Registry's
// refcounting without a live NATS connection.
type fakeBus struct {
	subscribeCalls int
	handles        []*BusHandle
}

func (f *fakeBus) Subscribe(pattern string) (*BusHandle, error) {
	f.subscribeCalls++
	h := &BusHandle{ch: make(chan *nats.Msg), stopCh: make(chan struct{})}
	f.handles = append(f.handles, h)
	return h, nil
}

func testLogger() logger.Logger {
	return logger.NewLogger("test", logger.LogLevelError)
}

func newTestSession(clientID string) *Session {
	sess := &Session{ClientID: clientID}
	sess.InitShutdownHelper(testLogger(), sess)
	return sess
}

func TestRegistryAcquireNewPatternSubscribesOnce(t *testing.T) {
	bus := &fakeBus{}
	met := NewMetrics()
	r := NewRegistry(testLogger(), bus, met)
	sess := newTestSession("client-1")

	if err := r.Acquire("devices.*", sess); err != nil {
		t.Fatalf("Acquire: %s", err)
	}
	if bus.subscribeCalls != 1 {
		t.Fatalf("subscribeCalls = %d, want 1", bus.subscribeCalls)
	}

	entry := r.entries["devices.*"]
	if entry == nil {
		t.Fatal("entry not created")
	}
	if entry.refcount != 1 {
		t.Fatalf("refcount = %d, want 1", entry.refcount)
	}
}

func TestRegistryAcquireSharesExistingEntry(t *testing.T) {
	bus := &fakeBus{}
	met := NewMetrics()
	r := NewRegistry(testLogger(), bus, met)
	sess1 := newTestSession("client-1")
	sess2 := newTestSession("client-2")

	if err := r.Acquire("devices.*", sess1); err != nil {
		t.Fatalf("Acquire sess1: %s", err)
	}
	if err := r.Acquire("devices.*", sess2); err != nil {
		t.Fatalf("Acquire sess2: %s", err)
	}

	if bus.subscribeCalls != 1 {
		t.Fatalf("subscribeCalls = %d, want 1 (single upstream subscription per pattern)", bus.subscribeCalls)
	}
	entry := r.entries["devices.*"]
	if entry.refcount != 2 {
		t.Fatalf("refcount = %d, want 2", entry.refcount)
	}
	if len(entry.members) != 2 {
		t.Fatalf("members = %d, want 2", len(entry.members))
	}
}

func TestRegistryAcquireRejectsInvalidPattern(t *testing.T) {
	bus := &fakeBus{}
	r := NewRegistry(testLogger(), bus, NewMetrics())
	sess := newTestSession("client-1")

	err := r.Acquire("devices #bad", sess)
	if KindOf(err) != KindInvalidArgument {
		t.Fatalf("Acquire invalid pattern: KindOf(err) = %v, want KindInvalidArgument", KindOf(err))
	}
	if bus.subscribeCalls != 0 {
		t.Fatalf("subscribeCalls = %d, want 0 for a rejected pattern", bus.subscribeCalls)
	}
}

func TestRegistryReleaseDecrementsWithoutTearingDownSharedEntry(t *testing.T) {
	bus := &fakeBus{}
	r := NewRegistry(testLogger(), bus, NewMetrics())
	sess1 := newTestSession("client-1")
	sess2 := newTestSession("client-2")

	r.Acquire("devices.*", sess1)
	r.Acquire("devices.*", sess2)

	r.Release("devices.*", sess1)

	entry := r.entries["devices.*"]
	if entry == nil {
		t.Fatal("entry torn down too early while another member still holds it")
	}
	if entry.refcount != 1 {
		t.Fatalf("refcount = %d, want 1", entry.refcount)
	}
	if _, held := entry.members["client-1"]; held {
		t.Fatal("client-1 should no longer be a member")
	}
}

func TestRegistryReleaseOnUnheldPatternIsNoOp(t *testing.T) {
	bus := &fakeBus{}
	r := NewRegistry(testLogger(), bus, NewMetrics())
	sess := newTestSession("client-1")

	r.Release("never.subscribed", sess) // must not panic or error
}

func TestRegistryReleaseAllDropsEveryMembership(t *testing.T) {
	bus := &fakeBus{}
	r := NewRegistry(testLogger(), bus, NewMetrics())
	sess := newTestSession("client-1")

	r.Acquire("devices.*", sess)
	r.Acquire("events.>", sess)

	r.ReleaseAll(sess)

	if len(r.entries) != 0 {
		t.Fatalf("entries = %v, want empty after ReleaseAll tore down both patterns", r.entries)
	}
}
