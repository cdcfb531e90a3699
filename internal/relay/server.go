package relay

import (
	"context"
	"sync"
	"time"
)

// Server is component H: the top-level wiring that owns one Bus Client, one
// Subscription Registry, the Admitter, and the HTTP listener, coordinating
// their startup and graceful shutdown.
type Server struct {
	ShutdownHelper

	cfg *Config
	met *Metrics

	bus      *BusClient
	registry *Registry
	identity *IdentityVerifier
	admitter *Admitter
	httpSrv  *HTTPServer

	ctx context.Context

	clientsMu sync.Mutex
	clients   int
	sessions  map[string]*Session
}

// NewServer wires every component together but does not yet start them.
func NewServer(cfg *Config) *Server {
	log := rootLogger(cfg.ServiceName, cfg.LogLevel)
	met := NewMetrics()
	bus := NewBusClient(log, cfg.BusURL, met)
	registry := NewRegistry(log, bus, met)
	identity := NewIdentityVerifier(log, cfg.IdentityURL, cfg.IdentityVerifyTimeout)

	s := &Server{
		cfg:      cfg,
		met:      met,
		bus:      bus,
		registry: registry,
		identity: identity,
		httpSrv:  NewHTTPServer(log.Fork("http")),
		sessions: make(map[string]*Session),
	}
	s.admitter = NewAdmitter(log, identity, registry, cfg, met, s)
	s.InitShutdownHelper(log, s)
	return s
}

// ActiveClientCount reports the number of currently admitted clients, used
// by the /health/ready probe.
func (s *Server) ActiveClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return s.clients
}

func (s *Server) clientConnected(sess *Session) {
	s.clientsMu.Lock()
	s.clients++
	s.sessions[sess.ClientID] = sess
	s.clientsMu.Unlock()
}

func (s *Server) clientDisconnected(sess *Session) {
	s.clientsMu.Lock()
	s.clients--
	delete(s.sessions, sess.ClientID)
	s.clientsMu.Unlock()
}

// forceCloseAllSessions is the §5 hard-deadline fallback: start shutdown on
// every still-admitted session, force-closing its socket instead of waiting
// any further for a graceful drain.
func (s *Server) forceCloseAllSessions() {
	s.clientsMu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.clientsMu.Unlock()

	for _, sess := range sessions {
		sess.StartShutdown(newError(KindFatal, "shutdown deadline exceeded", nil))
	}
}

// enforceShutdownDeadline implements SPEC_FULL.md §5's SHUTDOWN_TIMEOUT:
// once shutdown has started, if it has not fully completed within
// cfg.ShutdownTimeout, force-close every admitted client socket and the bus
// connection rather than waiting further.
func (s *Server) enforceShutdownDeadline() {
	select {
	case <-s.shutdownStartedChan:
	case <-s.shutdownDoneChan:
		return
	}
	select {
	case <-s.shutdownDoneChan:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.ELogf("shutdown exceeded %s deadline, forcing sockets and bus closed", s.cfg.ShutdownTimeout)
		s.forceCloseAllSessions()
		s.bus.Close()
	}
}

// Run starts the bus client and the HTTP listener, and blocks until ctx is
// cancelled or shutdown is otherwise triggered.
func (s *Server) Run(ctx context.Context, bindAddr string) error {
	go s.enforceShutdownDeadline()

	err := s.DoOnceActivate(func() error {
		s.ctx = ctx
		s.ShutdownOnContext(ctx)

		if err := s.bus.Start(); err != nil {
			return err
		}
		s.AddShutdownChild(busShutdowner{s.bus})

		s.ILogf("listening on %s", bindAddr)
		handler := buildHandler(s.Logger, s.cfg, s.admitter, s.bus, s)
		go func() {
			if err := s.httpSrv.ListenAndServe(ctx, bindAddr, handler); err != nil {
				s.WLogf("http server exited: %s", err)
			}
			s.StartShutdown(nil)
		}()
		return nil
	}, true)
	if err != nil {
		return err
	}
	return s.WaitShutdown()
}

// busShutdowner adapts BusClient's synchronous Close into the
// AsyncShutdowner shape AddShutdownChild expects, since the bus connection
// has no independent waitable lifecycle of its own worth exposing.
type busShutdowner struct{ bus *BusClient }

func (b busShutdowner) StartShutdown(error) { b.bus.Close() }
func (b busShutdowner) ShutdownDoneChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (b busShutdowner) IsDoneShutdown() bool { return true }
func (b busShutdowner) WaitShutdown() error  { return nil }

// HandleOnceShutdown implements OnceShutdownHandler: stop the HTTP listener
// so no further clients are admitted, per §5's shutdown sequencing note
// ("stop admitting, then close admitted sockets, then drain the bus").
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	err := s.httpSrv.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
