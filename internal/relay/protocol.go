package relay

import "encoding/json"

// envelope is the tagged message wrapper used on the client websocket in
// both directions (SPEC_FULL.md §6). Payload is kept raw on decode so each
// inbound tag can apply its own shape check (§4.F) without a a prior,
// lossy generic unmarshal.
type envelope struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound payload shapes.

type subscribePayload struct {
	Topic string `json:"topic"`
}

type unsubscribePayload struct {
	Topic string `json:"topic"`
}

type terminalOpenPayload struct {
	SessionID string `json:"session_id"`
}

type terminalInputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type terminalResizePayload struct {
	SessionID string `json:"session_id"`
	Cols      *int   `json:"cols"`
	Rows      *int   `json:"rows"`
}

type terminalClosePayload struct {
	SessionID string `json:"session_id"`
}

// Outbound payload shapes.

type eventPayload struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type terminalReadyPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type terminalDataPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	DataB64   string `json:"data_b64,omitempty"`
	Binary    bool   `json:"binary,omitempty"`
}

type terminalClosedPayload struct {
	SessionID string `json:"session_id"`
	Code      int    `json:"code"`
}

type terminalErrorPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// encodeEnvelope marshals tag+payload into the wire envelope form.
func encodeEnvelope(tag string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Tag: tag, Payload: raw})
}
