package relay

import (
	"encoding/json"
	"testing"
)

func TestEncodeEnvelopeRoundTrip(t *testing.T) {
	buf, err := encodeEnvelope("event", eventPayload{Topic: "devices.*", Data: "hello"})
	if err != nil {
		t.Fatalf("encodeEnvelope: %s", err)
	}

	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("unmarshal envelope: %s", err)
	}
	if env.Tag != "event" {
		t.Fatalf("Tag = %q, want %q", env.Tag, "event")
	}

	var payload eventPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %s", err)
	}
	if payload.Topic != "devices.*" || payload.Data != "hello" {
		t.Fatalf("payload = %+v, want {Topic:devices.* Data:hello}", payload)
	}
}

func TestTerminalResizePayloadDetectsMissingFields(t *testing.T) {
	var p terminalResizePayload
	if err := json.Unmarshal([]byte(`{"session_id":"s1","cols":80}`), &p); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if p.Cols == nil || *p.Cols != 80 {
		t.Fatalf("Cols = %v, want 80", p.Cols)
	}
	if p.Rows != nil {
		t.Fatalf("Rows = %v, want nil (absent field)", p.Rows)
	}
}

func TestTerminalDataPayloadOmitsBinaryFieldsWhenAbsent(t *testing.T) {
	buf, err := json.Marshal(terminalDataPayload{SessionID: "s1", Data: "hello"})
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(buf, &m); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if _, ok := m["data_b64"]; ok {
		t.Fatalf("data_b64 should be omitted when empty, got %v", m)
	}
	if _, ok := m["binary"]; ok {
		t.Fatalf("binary should be omitted when false, got %v", m)
	}
}
