package relay

import "testing"

func TestValidatePattern(t *testing.T) {
	cases := []struct {
		pattern string
		want    bool
	}{
		{"devices.*.status", true},
		{"devices.>", true},
		{"devices", true},
		{"", false},
		{"devices..status", true}, // grammar only forbids disallowed characters, not empty tokens
		{"devices #status", false},
		{"devices/status", false},
	}
	for _, c := range cases {
		if got := ValidatePattern(c.pattern); got != c.want {
			t.Errorf("ValidatePattern(%q) = %v, want %v", c.pattern, got, c.want)
		}
	}
}

func TestParsePayloadPrefersJSON(t *testing.T) {
	v := parsePayload([]byte(`{"a":1}`))
	m, ok := v.(map[string]interface{})
	if !ok {
		t.Fatalf("parsePayload did not return a map for JSON input, got %T", v)
	}
	if m["a"].(float64) != 1 {
		t.Fatalf("a = %v, want 1", m["a"])
	}
}

func TestParsePayloadFallsBackToRawString(t *testing.T) {
	v := parsePayload([]byte("not json at all {"))
	s, ok := v.(string)
	if !ok {
		t.Fatalf("parsePayload did not return a string for non-JSON input, got %T", v)
	}
	if s != "not json at all {" {
		t.Fatalf("s = %q", s)
	}
}
