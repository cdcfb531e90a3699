package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/sammck-go/logger"
)

// proxyState is the Shell Proxy state machine from §3: a proxy exists in
// terminals[session_id] iff state is Dialing, Ready, or Closing; Closed
// proxies are removed.
type proxyState int

const (
	proxyDialing proxyState = iota
	proxyReady
	proxyClosing
	proxyClosed
)

// shellProxy is one Shell Proxy (§3): a transparent bidirectional byte pipe
// between the client and an upstream gateway stream.
type shellProxy struct {
	sessionID string

	mu     sync.Mutex
	state  proxyState
	stream *GatewayStream
}

// TerminalManager is component E: a per-Client-Session bounded collection of
// active shell proxies (§4.E), enforcing MAX_TERMINALS and owning both
// directions of each proxy.
type TerminalManager struct {
	logger.Logger
	sess         *Session
	gatewayURL   string
	maxTerminals int
	met          *Metrics

	mu        sync.Mutex
	terminals map[string]*shellProxy
}

// NewTerminalManager constructs a TerminalManager bound to sess.
func NewTerminalManager(log logger.Logger, sess *Session, gatewayURL string, maxTerminals int, met *Metrics) *TerminalManager {
	return &TerminalManager{
		Logger:       log.Fork("terminals"),
		sess:         sess,
		gatewayURL:   gatewayURL,
		maxTerminals: maxTerminals,
		met:          met,
		terminals:    make(map[string]*shellProxy),
	}
}

// Open implements §4.E's terminal.open(session_id).
func (m *TerminalManager) Open(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return newError(KindInvalidArgument, "session_id must be a non-empty string", nil)
	}

	m.mu.Lock()
	if len(m.terminals) >= m.maxTerminals {
		m.mu.Unlock()
		return newError(KindLimitExceeded, fmt.Sprintf("max %d concurrent terminals", m.maxTerminals), nil)
	}
	if _, exists := m.terminals[sessionID]; exists {
		m.mu.Unlock()
		return newError(KindAlreadyOpen, "terminal already open", nil)
	}
	proxy := &shellProxy{sessionID: sessionID, state: proxyDialing}
	m.terminals[sessionID] = proxy
	m.mu.Unlock()
	m.met.terminalsActive.Inc()

	stream, err := DialGatewayShell(ctx, m.Logger, m.gatewayURL, sessionID, m.sess.Credential, GatewayCallbacks{
		OnOpen: func() {
			m.mu.Lock()
			if p, ok := m.terminals[sessionID]; ok {
				p.mu.Lock()
				p.state = proxyReady
				p.mu.Unlock()
			}
			m.mu.Unlock()
			m.sess.send("terminal.ready", terminalReadyPayload{SessionID: sessionID, Status: "connected"})
		},
		OnBytes: func(b []byte) {
			m.emitData(sessionID, b)
		},
		OnClose: func(code int, reason string) {
			m.removeTerminal(sessionID)
			m.sess.send("terminal.closed", terminalClosedPayload{SessionID: sessionID, Code: code})
			m.DLogf("terminal %s closed: %d %s", sessionID, code, reason)
		},
		OnError: func(err error) {
			m.removeTerminal(sessionID)
			m.sess.send("terminal.error", terminalErrorPayload{SessionID: sessionID, Message: err.Error()})
		},
	})
	if err != nil {
		m.removeTerminal(sessionID)
		return newError(KindUpstreamShellError, "could not dial gateway shell", err)
	}

	m.mu.Lock()
	proxy.mu.Lock()
	proxy.stream = stream
	proxy.mu.Unlock()
	m.mu.Unlock()
	return nil
}

// emitData implements §4.E's on_bytes / §3's open question resolution:
// chunks that are valid UTF-8 and contain no NUL byte are emitted as text
// only; anything else is additionally base64-carried with a binary flag,
// per SPEC_FULL.md §3.
func (m *TerminalManager) emitData(sessionID string, b []byte) {
	payload := terminalDataPayload{SessionID: sessionID, Data: string(b)}
	if !utf8.Valid(b) || bytes.IndexByte(b, 0) >= 0 {
		payload.Binary = true
		payload.DataB64 = base64Encode(b)
	}
	m.sess.send("terminal.data", payload)
}

// Input implements §4.E's terminal.input: ignored if unknown or not Ready.
func (m *TerminalManager) Input(sessionID string, data []byte) {
	proxy := m.get(sessionID)
	if proxy == nil {
		return
	}
	proxy.mu.Lock()
	ready := proxy.state == proxyReady
	stream := proxy.stream
	proxy.mu.Unlock()
	if !ready || stream == nil {
		return
	}
	if err := stream.Write(data); err != nil {
		m.WLogf("terminal %s write failed: %s", sessionID, err)
	}
}

// resizeFrame is the one in-band gateway control message (§4.E).
type resizeFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// Resize implements §4.E's terminal.resize: ignored if any field is missing
// or the proxy is not Ready.
func (m *TerminalManager) Resize(sessionID string, cols, rows *int) {
	if cols == nil || rows == nil {
		return
	}
	proxy := m.get(sessionID)
	if proxy == nil {
		return
	}
	proxy.mu.Lock()
	ready := proxy.state == proxyReady
	stream := proxy.stream
	proxy.mu.Unlock()
	if !ready || stream == nil {
		return
	}
	// The gateway speaks the bare control frame, not the client envelope
	// (§4.E) — it is not a client and doesn't parse {tag, payload}.
	frame, err := json.Marshal(resizeFrame{Type: "resize", Cols: *cols, Rows: *rows})
	if err != nil {
		return
	}
	if err := stream.Write(frame); err != nil {
		m.WLogf("terminal %s resize write failed: %s", sessionID, err)
	}
}

// Close implements §4.E's terminal.close: removes the slot immediately. The
// subsequent on_close finds the slot already gone, so its removal is a
// no-op, and it still sends terminal.closed to the client.
func (m *TerminalManager) Close(sessionID string) {
	proxy := m.removeTerminal(sessionID)
	if proxy == nil {
		return
	}
	proxy.mu.Lock()
	stream := proxy.stream
	proxy.state = proxyClosing
	proxy.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// CloseAll implements the "Implicit teardown" rule in §4.E: client
// disconnect must close every terminal proxy held by the session.
func (m *TerminalManager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

func (m *TerminalManager) get(sessionID string) *shellProxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminals[sessionID]
}

func (m *TerminalManager) removeTerminal(sessionID string) *shellProxy {
	m.mu.Lock()
	proxy, ok := m.terminals[sessionID]
	if ok {
		delete(m.terminals, sessionID)
	}
	m.mu.Unlock()
	if ok {
		m.met.terminalsActive.Dec()
	}
	return proxy
}
