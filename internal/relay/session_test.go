package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialTestSession spins up a real websocket pair (an httptest server plus a
// client dial) so HandleOnceShutdown's s.conn.Close() has a live connection
// to operate on, the way a real admitted client would. sendQueueDepth
// controls how many outbound envelopes the session's send channel buffers
// before send() starts dropping, exactly as cfg.SendQueueDepth does in
// NewSession.
func dialTestSession(t *testing.T, sendQueueDepth int) *Session {
	t.Helper()
	upgrader := websocket.Upgrader{}

	var serverConn *websocket.Conn
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("server upgrade: %s", err)
		}
		serverConn = c
	}))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("client dial: %s", err)
	}
	t.Cleanup(func() {
		clientConn.Close()
		if serverConn != nil {
			serverConn.Close()
		}
		ts.Close()
	})

	cfg := LoadConfig()
	cfg.SendQueueDepth = sendQueueDepth
	cfg.SendQueueDropLimit = 2

	sess := &Session{
		ClientID: "client-1",
		conn:     clientConn,
		registry: NewRegistry(testLogger(), &fakeBus{}, NewMetrics()),
		cfg:      cfg,
		met:      NewMetrics(),
		state:    int32(stateAdmitted),
		patterns: make(map[string]bool),
		sendCh:   make(chan []byte, sendQueueDepth),
	}
	sess.InitShutdownHelper(testLogger(), sess)
	sess.terminals = NewTerminalManager(sess.Logger, sess, cfg.GatewayURL, cfg.MaxTerminals, sess.met)
	return sess
}

func TestSessionDispatchRejectsMalformedEnvelope(t *testing.T) {
	sess := dialTestSession(t, 4)
	sess.dispatch(nil, []byte("not json"))

	select {
	case buf := <-sess.sendCh:
		if !strings.Contains(string(buf), "malformed envelope") {
			t.Fatalf("expected malformed envelope error, got %s", buf)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an error envelope on the send channel")
	}
}

func TestSessionDispatchRejectsUnknownTag(t *testing.T) {
	sess := dialTestSession(t, 4)
	sess.dispatch(nil, []byte(`{"tag":"bogus","payload":{}}`))

	select {
	case buf := <-sess.sendCh:
		if !strings.Contains(string(buf), "unknown tag") {
			t.Fatalf("expected unknown tag error, got %s", buf)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an error envelope on the send channel")
	}
}

func TestSessionUnsubscribeUnheldPatternIsNoOp(t *testing.T) {
	sess := dialTestSession(t, 4)
	sess.handleUnsubscribe("never.subscribed") // must not panic
	if len(sess.patterns) != 0 {
		t.Fatalf("patterns = %v, want empty", sess.patterns)
	}
}

func TestSessionSendDisconnectsSlowClientAfterDropLimit(t *testing.T) {
	sess := dialTestSession(t, 0)

	for i := 0; i < int(sess.cfg.SendQueueDropLimit); i++ {
		sess.send("event", eventPayload{Topic: "x", Data: i})
	}

	select {
	case <-sess.shutdownStartedChan:
	case <-time.After(time.Second):
		t.Fatal("expected shutdown to start on reaching the consecutive-drop limit")
	}
}
