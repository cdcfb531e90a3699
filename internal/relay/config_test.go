package relay

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.ServicePort != "3009" {
		t.Errorf("ServicePort = %q, want 3009", cfg.ServicePort)
	}
	if cfg.MaxTerminals != 3 {
		t.Errorf("MaxTerminals = %d, want 3", cfg.MaxTerminals)
	}
	if cfg.SendQueueDepth != 256 {
		t.Errorf("SendQueueDepth = %d, want 256", cfg.SendQueueDepth)
	}
	if cfg.SendQueueDropLimit != 32 {
		t.Errorf("SendQueueDropLimit = %d, want 32", cfg.SendQueueDropLimit)
	}
	if cfg.IdentityVerifyTimeout != 5*time.Second {
		t.Errorf("IdentityVerifyTimeout = %s, want 5s", cfg.IdentityVerifyTimeout)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 10s", cfg.ShutdownTimeout)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:18080" {
		t.Errorf("AllowedOrigins = %v, want [http://localhost:18080]", cfg.AllowedOrigins)
	}
}

func TestGatewayWebsocketURLRewritesScheme(t *testing.T) {
	cases := []struct {
		gatewayURL string
		want       string
	}{
		{"http://gw.internal:8088", "ws://gw.internal:8088/api/v1/c2/sessions/abc/shell"},
		{"https://gw.internal", "wss://gw.internal/api/v1/c2/sessions/abc/shell"},
		{"https://gw.internal/", "wss://gw.internal/api/v1/c2/sessions/abc/shell"},
	}
	for _, c := range cases {
		if got := gatewayWebsocketURL(c.gatewayURL, "abc"); got != c.want {
			t.Errorf("gatewayWebsocketURL(%q) = %q, want %q", c.gatewayURL, got, c.want)
		}
	}
}
