package relay

import (
	"encoding/json"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/nats-io/nats.go"
	"github.com/sammck-go/logger"
)

// patternRegexp is the §4.D subject-pattern grammar. It also happens to be
// the exact subject grammar nats.go's subject validation accepts, which is
// why the Bus Client is grounded on nats.go rather than a hand-rolled
// wildcard matcher.
var patternRegexp = regexp.MustCompile(`^[A-Za-z0-9._*>]+$`)

// ValidatePattern reports whether pattern is an acceptable bus subject
// pattern per §4.D. It never touches the bus.
func ValidatePattern(pattern string) bool {
	return pattern != "" && patternRegexp.MatchString(pattern)
}

// busMessage is one delivered (subject, payload) pair from the bus, already
// run through the §4.A parse-or-raw policy.
type busMessage struct {
	Subject string
	Parsed  interface{}
}

// parsePayload implements §4.A's payload parsing policy: try structured
// JSON, and fall back to the opaque text blob on any decode failure.
func parsePayload(data []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}

// BusHandle is the lazy upstream sequence yielded by BusClient.Subscribe; it
// is cancelled with Unsubscribe, after which Messages() is guaranteed to
// produce no further values (§4.A). nats.go never closes a caller-supplied
// ChanSubscribe channel on Drain/Unsubscribe, so readers can't rely on
// ranging over Messages() to detect cancellation — they must also select on
// Done(), which Unsubscribe closes itself.
type BusHandle struct {
	sub    *nats.Subscription
	ch     chan *nats.Msg
	stopCh chan struct{}
}

// Messages returns the channel of raw upstream deliveries for this handle.
func (h *BusHandle) Messages() <-chan *nats.Msg { return h.ch }

// Done returns a channel that's closed once Unsubscribe has been called.
func (h *BusHandle) Done() <-chan struct{} { return h.stopCh }

// Unsubscribe cancels the subscription and signals Done. After it returns,
// no further values will arrive on Messages(), and any reader selecting on
// Done() can stop promptly even though the channel itself stays open.
func (h *BusHandle) Unsubscribe() error {
	close(h.stopCh)
	if h.sub == nil {
		return nil
	}
	return h.sub.Drain()
}

// BusClient is component A: the single logical connection to the message
// bus. Post-connect reconnects are delegated to nats.go's own
// backoff-driven reconnect machinery (configured to respect SPEC_FULL.md's
// >=5s retry floor) rather than reimplementing one.
type BusClient struct {
	logger.Logger
	url       string
	conn      *nats.Conn
	connected int32 // atomic bool
	metrics   *Metrics
	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewBusClient constructs a BusClient; Start must be called before use.
func NewBusClient(log logger.Logger, url string, metrics *Metrics) *BusClient {
	return &BusClient{
		Logger:  log.Fork("bus"),
		url:     url,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
}

func (b *BusClient) options() []nats.Option {
	return []nats.Option{
		nats.Name("wsrelay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			atomic.StoreInt32(&b.connected, 0)
			b.metrics.busConnected.Set(0)
			if err != nil {
				b.WLogf("bus disconnected: %s", err)
			} else {
				b.WLogf("bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			atomic.StoreInt32(&b.connected, 1)
			b.metrics.busConnected.Set(1)
			b.metrics.busReconnects.Inc()
			b.ILogf("bus reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			atomic.StoreInt32(&b.connected, 0)
			b.metrics.busConnected.Set(0)
			b.ELogf("bus connection closed permanently")
		}),
	}
}

// Start dials the bus. It does not block waiting for the first successful
// connection: per §4.A, on startup and on any subsequent loss the client
// marks itself disconnected (Subscribe then fails with BusUnavailable) and
// keeps retrying with a >=5s floor, while the readiness probe (§6) reports
// current connectedness via IsConnected. The
// initial dial is retried in the background with an exponential-backoff
// policy; once connected, nats.go's own ReconnectWait governs subsequent
// drops.
func (b *BusClient) Start() error {
	go b.connectLoop()
	return nil
}

func (b *BusClient) connectLoop() {
	boff := &backoff.Backoff{Min: 5 * time.Second, Max: 30 * time.Second, Factor: 2}
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		conn, err := nats.Connect(b.url, b.options()...)
		if err != nil {
			d := boff.Duration()
			b.WLogf("bus connect failed (attempt %d), retrying in %s: %s", int(boff.Attempt()), d, err)
			b.metrics.busConnected.Set(0)
			select {
			case <-time.After(d):
				continue
			case <-b.stopCh:
				return
			}
		}
		b.conn = conn
		atomic.StoreInt32(&b.connected, 1)
		b.metrics.busConnected.Set(1)
		b.ILogf("bus connected to %s", b.url)
		return
	}
}

// Close drains and closes the bus connection. Safe to call more than once
// (the normal shutdown path and the §5 force-close deadline can both reach
// it for the same BusClient).
func (b *BusClient) Close() {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		if b.conn != nil {
			b.conn.Close()
		}
	})
}

// IsConnected reports the bus's current connectedness, for the readiness
// probe (§6) and Acquire's BusUnavailable check (§4.D).
func (b *BusClient) IsConnected() bool {
	return atomic.LoadInt32(&b.connected) == 1
}

// Subscribe registers a new upstream subscription to pattern, per §4.A.
func (b *BusClient) Subscribe(pattern string) (*BusHandle, error) {
	if !b.IsConnected() {
		return nil, newError(KindBusUnavailable, "bus is not connected", nil)
	}
	ch := make(chan *nats.Msg, 64)
	sub, err := b.conn.ChanSubscribe(pattern, ch)
	if err != nil {
		return nil, newError(KindBusUnavailable, "subscribe failed", err)
	}
	return &BusHandle{sub: sub, ch: ch, stopCh: make(chan struct{})}, nil
}
