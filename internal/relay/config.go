package relay

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized environment option from SPEC_FULL.md §6.
// Every field resolves from its env var, else a hardcoded default.
type Config struct {
	ServicePort   string
	ServiceName   string
	BusURL        string
	GatewayURL    string
	IdentityURL   string
	AllowedOrigins []string

	MaxTerminals         int
	SendQueueDepth       int
	SendQueueDropLimit   int
	IdentityVerifyTimeout time.Duration
	ShutdownTimeout      time.Duration
	LogLevel             string
}

func getenv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getenvInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// LoadConfig reads the process environment into a Config, applying the
// defaults documented in SPEC_FULL.md §6.
func LoadConfig() *Config {
	origins := getenv("ALLOWED_ORIGINS", "http://localhost:18080")
	var originList []string
	for _, o := range strings.Split(origins, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			originList = append(originList, o)
		}
	}

	return &Config{
		ServicePort:           getenv("SERVICE_PORT", "3009"),
		ServiceName:           getenv("SERVICE_NAME", "wsrelay"),
		BusURL:                getenv("BUS_URL", "nats://127.0.0.1:4222"),
		GatewayURL:            getenv("GATEWAY_URL", "http://127.0.0.1:8088"),
		IdentityURL:           getenv("IDENTITY_VERIFY_URL", "http://auth.internal/verify"),
		AllowedOrigins:        originList,
		MaxTerminals:          getenvInt("MAX_TERMINALS", 3),
		SendQueueDepth:        getenvInt("SEND_QUEUE_DEPTH", 256),
		SendQueueDropLimit:    getenvInt("SEND_QUEUE_DROP_LIMIT", 32),
		IdentityVerifyTimeout: getenvDuration("IDENTITY_VERIFY_TIMEOUT", 5*time.Second),
		ShutdownTimeout:       getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:              getenv("LOG_LEVEL", "info"),
	}
}

// gatewayWebsocketURL rewrites GatewayURL's scheme from http(s) to ws(s) and
// appends the shell path for sessionID, per SPEC_FULL.md §6.
func gatewayWebsocketURL(gatewayURL, sessionID string) string {
	u := gatewayURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u = strings.TrimSuffix(u, "/")
	return u + "/api/v1/c2/sessions/" + sessionID + "/shell"
}
