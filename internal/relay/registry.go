package relay

import (
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sammck-go/logger"
)

// subscriptionEntry is one Subscription Entry (§3): refcounted, with
// exactly one reader task draining the upstream bus subscription and
// fanning out to its current member set.
type subscriptionEntry struct {
	pattern  string
	handle   *BusHandle
	refcount int
	members  map[string]*Session // client_id -> session
	done     chan struct{}       // closed once the reader task exits
}

// busSubscriber is the subset of BusClient the Registry depends on. Accepting
// the interface rather than *BusClient keeps the refcount/fan-out logic
// testable without a live bus connection.
type busSubscriber interface {
	Subscribe(pattern string) (*BusHandle, error)
}

// Registry is component D: the process-wide map from bus subject pattern to
// {upstream handle, refcount, client set}, guaranteeing at-most-one upstream
// subscription per distinct pattern (§4.D). It is the only cross-client
// shared mutable state in the system (§5) and is guarded by a single mutex;
// the mutex is never held across bus/registry I/O (Acquire's upstream
// subscribe happens before the entry is published, never inside a critical
// section that would stall another session's dispatch).
type Registry struct {
	logger.Logger
	bus busSubscriber
	met *Metrics

	mu      sync.Mutex
	entries map[string]*subscriptionEntry
}

// NewRegistry constructs an empty Registry bound to bus.
func NewRegistry(log logger.Logger, bus busSubscriber, met *Metrics) *Registry {
	return &Registry{
		Logger:  log.Fork("registry"),
		bus:     bus,
		met:     met,
		entries: make(map[string]*subscriptionEntry),
	}
}

// Acquire implements §4.D's Acquire(pattern, client_session). On success,
// sess now holds a membership in pattern; refcount has been incremented (or
// the entry newly created with refcount 1).
func (r *Registry) Acquire(pattern string, sess *Session) error {
	if !ValidatePattern(pattern) {
		return newError(KindInvalidArgument, "invalid topic pattern", nil)
	}

	r.mu.Lock()
	if entry, ok := r.entries[pattern]; ok {
		entry.refcount++
		entry.members[sess.ClientID] = sess
		r.mu.Unlock()
		r.DLogf("acquire %q: joined existing entry, refcount=%d", pattern, entry.refcount)
		return nil
	}
	r.mu.Unlock()

	// Upstream I/O happens outside any held lock, per §5's suspension-point rule.
	handle, err := r.bus.Subscribe(pattern)
	if err != nil {
		return err
	}

	entry := &subscriptionEntry{
		pattern:  pattern,
		handle:   handle,
		refcount: 1,
		members:  map[string]*Session{sess.ClientID: sess},
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	if existing, ok := r.entries[pattern]; ok {
		// Lost a race with a concurrent Acquire for the same brand-new pattern;
		// fold into the winner and discard our redundant upstream subscription.
		existing.refcount++
		existing.members[sess.ClientID] = sess
		r.mu.Unlock()
		handle.Unsubscribe()
		r.DLogf("acquire %q: lost race, joined winner, refcount=%d", pattern, existing.refcount)
		return nil
	}
	r.entries[pattern] = entry
	r.mu.Unlock()

	r.met.subscriptionsActive.Inc()
	go r.readerTask(entry)
	r.ILogf("acquire %q: new entry created", pattern)
	return nil
}

// Release implements §4.D's Release(pattern, client_session).
// unsubscribe(T) on a pattern not held is a no-op (round-trip law in §8).
func (r *Registry) Release(pattern string, sess *Session) {
	r.mu.Lock()
	entry, ok := r.entries[pattern]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, held := entry.members[sess.ClientID]; !held {
		r.mu.Unlock()
		return
	}
	delete(entry.members, sess.ClientID)
	entry.refcount--
	refcount := entry.refcount
	if refcount <= 0 {
		delete(r.entries, pattern)
	}
	r.mu.Unlock()

	if refcount <= 0 {
		entry.handle.Unsubscribe()
		<-entry.done // reader task must complete within a bounded time
		r.met.subscriptionsActive.Dec()
		r.ILogf("release %q: refcount 0, upstream cancelled", pattern)
	} else {
		r.DLogf("release %q: refcount=%d", pattern, refcount)
	}
}

// ReleaseAll drops every membership sess holds, e.g. on disconnect (§4.E
// "Implicit teardown", §8 scenario 6).
func (r *Registry) ReleaseAll(sess *Session) {
	r.mu.Lock()
	var held []string
	for pattern, entry := range r.entries {
		if _, ok := entry.members[sess.ClientID]; ok {
			held = append(held, pattern)
		}
	}
	r.mu.Unlock()

	for _, pattern := range held {
		r.Release(pattern, sess)
	}
}

// readerTask drains entry's upstream handle and fans each message out to the
// current member set, preserving per-pattern order for any single client
// (§5). Membership is read under the registry mutex at delivery time, not a
// snapshot taken at entry creation, so fan-out always reflects current
// holders (§3's "no historical membership" invariant).
func (r *Registry) readerTask(entry *subscriptionEntry) {
	defer close(entry.done)
	messages := entry.handle.Messages()
	stop := entry.handle.Done()
	for {
		var msg *nats.Msg
		select {
		case msg = <-messages:
		case <-stop:
			return
		}

		parsed := parsePayload(msg.Data)

		r.mu.Lock()
		targets := make([]*Session, 0, len(entry.members))
		for _, sess := range entry.members {
			targets = append(targets, sess)
		}
		r.mu.Unlock()

		for _, sess := range targets {
			sess.deliverEvent(msg.Subject, parsed)
		}
	}
}
