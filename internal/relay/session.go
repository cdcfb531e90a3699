package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/logger"
)

// sessionState is the Client Session state machine from §4.F.
type sessionState int32

const (
	stateHandshaking sessionState = iota
	stateAdmitted
	stateClosing
	stateClosed
)

// Session is component F: the state held for one connected client. It
// orchestrates the Registry and TerminalManager on the client's behalf and
// owns the one task per client connection described in §5.
type Session struct {
	ShutdownHelper

	ClientID   string
	UserID     string
	Roles      []string
	Credential string

	conn      *websocket.Conn
	registry  *Registry
	terminals *TerminalManager
	cfg       *Config
	met       *Metrics

	state int32 // atomic sessionState

	patternsMu sync.Mutex
	patterns   map[string]bool

	sendCh    chan []byte
	dropCount int32
}

// NewSession constructs an Admitted Client Session wrapping conn. The
// caller (the Admission Pipeline) has already verified identity.
func NewSession(log logger.Logger, conn *websocket.Conn, clientID string, identity *Identity, credential string, registry *Registry, cfg *Config, met *Metrics) *Session {
	sess := &Session{
		ClientID:   clientID,
		UserID:     identity.UserID,
		Roles:      identity.Roles,
		Credential: credential,
		conn:       conn,
		registry:   registry,
		cfg:        cfg,
		met:        met,
		state:      int32(stateAdmitted),
		patterns:   make(map[string]bool),
		sendCh:     make(chan []byte, cfg.SendQueueDepth),
	}
	sess.InitShutdownHelper(log.Fork("session:%s", clientID), sess)
	sess.terminals = NewTerminalManager(sess.Logger, sess, cfg.GatewayURL, cfg.MaxTerminals, met)
	return sess
}

// Run drives the dispatch loop until the connection fails or shutdown is
// requested, then tears down every resource the session owns (§3, §5).
func (s *Session) Run(ctx context.Context) {
	s.ShutdownOnContext(ctx)
	go s.writePump()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.DLogf("read loop ending: %s", err)
			break
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.dispatch(ctx, data)
	}

	s.StartShutdown(nil)
	s.WaitShutdown()
}

// dispatch implements §4.F's "dispatches inbound messages by tag" and the
// per-tag shape check that rejects malformed payloads with a distinct error
// event rather than a disconnect.
func (s *Session) dispatch(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.send("error", errorPayload{Message: "malformed envelope"})
		return
	}

	switch env.Tag {
	case "subscribe":
		var p subscribePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Topic == "" {
			s.send("error", errorPayload{Message: "invalid subscribe payload"})
			return
		}
		s.handleSubscribe(p.Topic)

	case "unsubscribe":
		var p unsubscribePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Topic == "" {
			s.send("error", errorPayload{Message: "invalid unsubscribe payload"})
			return
		}
		s.handleUnsubscribe(p.Topic)

	case "terminal.open":
		var p terminalOpenPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.send("error", errorPayload{Message: "invalid terminal.open payload"})
			return
		}
		if err := s.terminals.Open(ctx, p.SessionID); err != nil {
			s.send("terminal.error", terminalErrorPayload{SessionID: p.SessionID, Message: messageOf(err)})
		}

	case "terminal.input":
		var p terminalInputPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.send("error", errorPayload{Message: "invalid terminal.input payload"})
			return
		}
		s.terminals.Input(p.SessionID, []byte(p.Data))

	case "terminal.resize":
		var p terminalResizePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.send("error", errorPayload{Message: "invalid terminal.resize payload"})
			return
		}
		s.terminals.Resize(p.SessionID, p.Cols, p.Rows)

	case "terminal.close":
		var p terminalClosePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.send("error", errorPayload{Message: "invalid terminal.close payload"})
			return
		}
		s.terminals.Close(p.SessionID)

	default:
		s.send("error", errorPayload{Message: "unknown tag: " + env.Tag})
	}
}

func (s *Session) handleSubscribe(topic string) {
	s.patternsMu.Lock()
	alreadyHeld := s.patterns[topic]
	s.patternsMu.Unlock()

	// A repeat subscribe to a held pattern is idempotent: it must not raise
	// the entry's refcount a second time (§8).
	if alreadyHeld {
		return
	}
	if err := s.registry.Acquire(topic, s); err != nil {
		s.send("error", errorPayload{Message: describeAcquireError(err)})
		return
	}
	s.patternsMu.Lock()
	s.patterns[topic] = true
	s.patternsMu.Unlock()
}

func describeAcquireError(err error) string {
	if KindOf(err) == KindInvalidArgument {
		return "invalid topic pattern"
	}
	return messageOf(err)
}

func (s *Session) handleUnsubscribe(topic string) {
	s.patternsMu.Lock()
	held := s.patterns[topic]
	delete(s.patterns, topic)
	s.patternsMu.Unlock()
	if !held {
		return
	}
	s.registry.Release(topic, s)
}

// deliverEvent is called by the Registry's reader task (a different
// goroutine) to enqueue a fan-out event to this session (§4.D). It only
// ever touches the send queue, never the socket directly, so writes stay
// serialized per client without locks (§9 design note).
func (s *Session) deliverEvent(subject string, data interface{}) {
	s.send("event", eventPayload{Topic: subject, Data: data})
}

// send enqueues an outbound envelope. The queue is bounded
// (SEND_QUEUE_DEPTH); on overflow the enqueue is dropped rather than
// blocking the sender, and after SEND_QUEUE_DROP_LIMIT consecutive drops the
// session is disconnected as a slow client (SPEC_FULL.md §3 back-pressure
// policy, resolving the §9 open question).
func (s *Session) send(tag string, payload interface{}) {
	buf, err := encodeEnvelope(tag, payload)
	if err != nil {
		s.ELogf("encode %s failed: %s", tag, err)
		return
	}
	select {
	case s.sendCh <- buf:
		atomic.StoreInt32(&s.dropCount, 0)
	default:
		n := atomic.AddInt32(&s.dropCount, 1)
		s.met.slowClientDrops.Inc()
		s.WLogf("send queue full, dropping %s (consecutive drops=%d)", tag, n)
		if int(n) >= s.cfg.SendQueueDropLimit {
			s.met.slowClientDisconnects.Inc()
			s.ELogf("slow_client: %d consecutive drops, disconnecting", n)
			s.StartShutdown(newError(KindFatal, "slow_client", nil))
		}
	}
}

// writePump is the sole writer of s.conn, draining sendCh so socket writes
// stay serialized per client (§5, §9).
func (s *Session) writePump() {
	for {
		select {
		case buf, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				s.DLogf("write failed: %s", err)
				s.StartShutdown(newError(KindFatal, "write failed", err))
				return
			}
		case <-s.shutdownStartedChan:
			return
		}
	}
}

// HandleOnceShutdown implements OnceShutdownHandler: release every
// subscription membership and close every terminal, satisfying §3's
// "after a Client Session is destroyed, it holds no subscription
// memberships and no terminal proxies" invariant.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	atomic.StoreInt32(&s.state, int32(stateClosing))
	s.terminals.CloseAll()
	s.registry.ReleaseAll(s)
	// sendCh is deliberately never closed here: a reader task for a pattern
	// this session only just released (shared with another client, still
	// refcount>0) may be mid-fan-out and enqueue onto it concurrently with
	// this teardown. writePump already exits via shutdownStartedChan, which
	// asyncDoStartedShutdown closes before calling HandleOnceShutdown.
	s.conn.Close()
	atomic.StoreInt32(&s.state, int32(stateClosed))
	return completionErr
}
