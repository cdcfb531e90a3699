package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/logger"
)

// GatewayCallbacks are the on_open/on_bytes/on_close/on_error hooks exposed
// by a gateway stream, per §4.B. The dialer itself never interprets bytes;
// it is a transparent pipe.
type GatewayCallbacks struct {
	OnOpen  func()
	OnBytes func(b []byte)
	OnClose func(code int, reason string)
	OnError func(err error)
}

// gatewayDialTimeout bounds how long opening the upstream shell stream may
// take before it is treated as an UpstreamShellError (§7).
const gatewayDialTimeout = 15 * time.Second

var gatewayDialer = websocket.Dialer{
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	HandshakeTimeout: gatewayDialTimeout,
}

// GatewayStream is one open bidirectional byte stream to the C2 gateway's
// shell endpoint -- the upstream side of a Shell Proxy (§3).
type GatewayStream struct {
	logger.Logger
	conn   *websocket.Conn
	writeMu chan struct{} // 1-buffered; acts as a non-reentrant write lock
	cb     GatewayCallbacks
}

// DialGatewayShell opens an authenticated bidirectional stream to the
// gateway's shell endpoint for sessionID, per §4.B and §6's "Gateway shell
// URL form". The read pump runs in its own goroutine and invokes OnBytes
// and OnClose. Every read failure, a close frame or a transport error alike,
// is reported through OnClose (transport errors with code 1006 and the error
// text as reason); the stream never invokes OnError. write/close are
// synchronous calls serialized by the
// caller (the Terminal Manager), per §5's "write halves are driven
// synchronously" rule.
func DialGatewayShell(ctx context.Context, log logger.Logger, gatewayURL, sessionID, credential string, cb GatewayCallbacks) (*GatewayStream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, gatewayDialTimeout)
	defer cancel()

	url := gatewayWebsocketURL(gatewayURL, sessionID)
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+credential)

	conn, _, err := gatewayDialer.DialContext(dialCtx, url, headers)
	if err != nil {
		return nil, newError(KindUpstreamShellError, "gateway dial failed", err)
	}

	gs := &GatewayStream{
		Logger:  log.Fork("gateway:%s", sessionID),
		conn:    conn,
		writeMu: make(chan struct{}, 1),
		cb:      cb,
	}
	gs.writeMu <- struct{}{}

	go gs.readPump()
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	return gs, nil
}

func (gs *GatewayStream) readPump() {
	for {
		msgType, data, err := gs.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			if gs.cb.OnClose != nil {
				gs.cb.OnClose(code, reason)
			}
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if gs.cb.OnBytes != nil {
			gs.cb.OnBytes(data)
		}
	}
}

// Write sends data upstream as a single frame. Calls are serialized by the
// caller, but Write defends itself with a 1-buffered channel lock anyway
// since the resize control frame (§4.E) and raw input share this path.
func (gs *GatewayStream) Write(data []byte) error {
	<-gs.writeMu
	defer func() { gs.writeMu <- struct{}{} }()
	if err := gs.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return newError(KindUpstreamShellError, "gateway write failed", err)
	}
	return nil
}

// Close closes the upstream stream. The on_close callback set up by
// DialGatewayShell still fires from readPump afterwards; when the caller has
// already removed the Shell Proxy slot (§4.E "terminal.close"), the Terminal
// Manager's handler finds nothing to remove and only emits terminal.closed.
func (gs *GatewayStream) Close() error {
	return gs.conn.Close()
}
