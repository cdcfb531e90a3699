package relay

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sammck-go/logger"
)

// Identity is what the Identity Verifier returns on success (§4.C).
type Identity struct {
	UserID string
	Roles  []string
}

// IdentityVerifier implements §4.C: given a bearer credential, classify it
// as Accepted, Rejected, or TransientError.
type IdentityVerifier struct {
	logger.Logger
	verifyURL string
	timeout   time.Duration
	client    *http.Client
}

// NewIdentityVerifier builds a verifier against verifyURL.
func NewIdentityVerifier(log logger.Logger, verifyURL string, timeout time.Duration) *IdentityVerifier {
	return &IdentityVerifier{
		Logger:    log.Fork("identity"),
		verifyURL: verifyURL,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
	}
}

// Verify classifies credential per §4.C / §6's identity verify contract.
// A nil error with a non-nil *Identity means Accepted; a non-nil error is
// always a *Error with Kind KindAuthFailed or KindAuthTransient.
func (v *IdentityVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.verifyURL, nil)
	if err != nil {
		return nil, newError(KindAuthTransient, "could not build identity request", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := v.client.Do(req)
	if err != nil {
		v.WLogf("identity verify transport error: %s", err)
		return nil, newError(KindAuthTransient, "identity service unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newError(KindAuthFailed, "credential rejected", nil)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		userID := resp.Header.Get("x-user-id")
		rolesHdr := resp.Header.Get("x-user-roles")
		var roles []string
		if rolesHdr != "" {
			for _, r := range strings.Split(rolesHdr, ",") {
				r = strings.TrimSpace(r)
				if r != "" {
					roles = append(roles, r)
				}
			}
		}
		v.DLogf("identity accepted user=%s roles=%v", userID, roles)
		return &Identity{UserID: userID, Roles: roles}, nil
	default:
		v.WLogf("identity verify unexpected status %d", resp.StatusCode)
		return nil, newError(KindAuthTransient, "identity service error", nil)
	}
}

// BearerFromHeader extracts the "Bearer <token>" credential from an
// Authorization header value, or "" if absent/malformed.
func BearerFromHeader(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	}
	return ""
}
