package relay

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sammck-go/logger"
	"github.com/tomasen/realip"
)

// Admitter is component G: the Admission Pipeline. It upgrades an inbound
// connection by extracting the bearer credential, verifying identity, and
// constructing a Client Session, or rejects with a categorized error (§4.G).
type Admitter struct {
	logger.Logger
	identity *IdentityVerifier
	registry *Registry
	cfg      *Config
	met      *Metrics
	srv      *Server
	upgrader websocket.Upgrader
}

// NewAdmitter builds an Admitter. The upgrader's CheckOrigin enforces
// ALLOWED_ORIGINS (§6) against the configured list.
func NewAdmitter(log logger.Logger, identity *IdentityVerifier, registry *Registry, cfg *Config, met *Metrics, srv *Server) *Admitter {
	a := &Admitter{
		Logger:   log.Fork("admission"),
		identity: identity,
		registry: registry,
		cfg:      cfg,
		met:      met,
		srv:      srv,
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

func (a *Admitter) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// bearerFromHandshake extracts the credential from the "auth.token"
// handshake field (§6). Browsers cannot set arbitrary headers on a
// websocket upgrade request, so the field is carried as a query parameter;
// an Authorization header is also accepted for non-browser callers (tests,
// service-to-service clients).
func bearerFromHandshake(r *http.Request) string {
	if tok := r.URL.Query().Get("auth.token"); tok != "" {
		return tok
	}
	return BearerFromHeader(r.Header.Get("Authorization"))
}

// ServeHTTP implements §4.G's admission sequence. On success it runs the
// Client Session's dispatch loop to completion; the caller's ServeHTTP
// returns only after the client disconnects.
func (a *Admitter) ServeHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	clientIP := realip.RealIP(r)

	credential := bearerFromHandshake(r)
	if credential == "" {
		a.DLogf("admission rejected (%s): no credential", clientIP)
		http.Error(w, KindAuthRequired.String(), http.StatusUnauthorized)
		return
	}

	identity, err := a.identity.Verify(ctx, credential)
	if err != nil {
		switch KindOf(err) {
		case KindAuthFailed:
			a.DLogf("admission rejected (%s): credential rejected", clientIP)
			http.Error(w, KindAuthFailed.String(), http.StatusUnauthorized)
		default:
			a.WLogf("admission error (%s): %s", clientIP, err)
			http.Error(w, KindAuthTransient.String(), http.StatusBadGateway)
		}
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.WLogf("websocket upgrade failed (%s): %s", clientIP, err)
		return
	}

	clientID := uuid.NewString()
	a.ILogf("admitted client=%s user=%s ip=%s", clientID, identity.UserID, clientIP)
	sess := NewSession(a.Logger, conn, clientID, identity, credential, a.registry, a.cfg, a.met)

	a.met.clientsAdmitted.Inc()
	a.met.clientsActive.Inc()
	a.srv.clientConnected(sess)
	defer func() {
		a.met.clientsActive.Dec()
		a.srv.clientDisconnected(sess)
	}()

	sess.Run(ctx)
}
