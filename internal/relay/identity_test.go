package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIdentityVerifyAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer good-token" {
			t.Errorf("Authorization = %q, want Bearer good-token", got)
		}
		w.Header().Set("x-user-id", "alice")
		w.Header().Set("x-user-roles", "operator, viewer")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := NewIdentityVerifier(testLogger(), srv.URL, time.Second)
	identity, err := v.Verify(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("Verify: %s", err)
	}
	if identity.UserID != "alice" {
		t.Fatalf("UserID = %q, want alice", identity.UserID)
	}
	if len(identity.Roles) != 2 || identity.Roles[0] != "operator" || identity.Roles[1] != "viewer" {
		t.Fatalf("Roles = %v, want [operator viewer]", identity.Roles)
	}
}

func TestIdentityVerifyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := NewIdentityVerifier(testLogger(), srv.URL, time.Second)
	_, err := v.Verify(context.Background(), "bad-token")
	if KindOf(err) != KindAuthFailed {
		t.Fatalf("KindOf(err) = %v, want KindAuthFailed", KindOf(err))
	}
}

func TestIdentityVerifyTransientOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	v := NewIdentityVerifier(testLogger(), srv.URL, time.Second)
	_, err := v.Verify(context.Background(), "whatever")
	if KindOf(err) != KindAuthTransient {
		t.Fatalf("KindOf(err) = %v, want KindAuthTransient", KindOf(err))
	}
}

func TestBearerFromHeader(t *testing.T) {
	if got := BearerFromHeader("Bearer abc123"); got != "abc123" {
		t.Fatalf("BearerFromHeader = %q, want abc123", got)
	}
	if got := BearerFromHeader("Basic abc123"); got != "" {
		t.Fatalf("BearerFromHeader(Basic ...) = %q, want empty", got)
	}
	if got := BearerFromHeader(""); got != "" {
		t.Fatalf("BearerFromHeader(\"\") = %q, want empty", got)
	}
}
