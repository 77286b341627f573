// Package server implements the SMTP acceptor (spec.md §4.6 / C6): bind,
// accept loop, bounded concurrency, active-session tracking and graceful
// shutdown.
//
// Grounded on laitos's daemon/common.TCPServer (mutex-guarded listener
// field, Initialise/StartAndBlock/Stop, per-IP rate limiting ahead of the
// handler) and daemon/smtpd.Daemon (the SMTP-specific wrapper around
// TCPServer: Config validation, active-session bookkeeping). The bounded
// grace period on shutdown has no teacher counterpart (TCPServer.Stop only
// closes the listener); it implements spec.md §4.6's explicit requirement
// directly.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chrisjeane/PrixFixe-sub001/internal/logx"
	"github.com/chrisjeane/PrixFixe-sub001/internal/ratelimit"
	"github.com/chrisjeane/PrixFixe-sub001/internal/session"
	"github.com/chrisjeane/PrixFixe-sub001/internal/transport"
)

// Envelope and Handler are re-exported so host applications only need to
// import this package, not internal/session directly.
type Envelope = session.Envelope
type Handler = session.Handler

// Config is the JSON-tagged configuration surface exposed to the host
// (spec.md §6's configuration table), grounded on laitos's
// daemon/smtpd.Daemon struct shape.
type Config struct {
	Domain            string        `json:"Domain"`
	BindAddress       string        `json:"BindAddress"`
	Port              int           `json:"Port"`
	MaxConnections    int           `json:"MaxConnections"`
	MaxMessageSize    int64         `json:"MaxMessageSize"`
	MaxCommandLength  int           `json:"MaxCommandLength"`
	MaxRecipients     int           `json:"MaxRecipients"`
	ConnectionTimeout time.Duration `json:"ConnectionTimeout"`
	CommandTimeout    time.Duration `json:"CommandTimeout"`
	ShutdownGrace     time.Duration `json:"ShutdownGrace"`
	// PerIPLimit caps accepted connections per remote IP per second
	// (SPEC_FULL.md §4's rate-limiting supplement). 0 disables it.
	PerIPLimit int `json:"PerIPLimit"`
	// TLSConfig enables STARTTLS when non-nil (spec.md §6). Opaque to the
	// core: certificate source and minimum TLS version are the host's
	// concern.
	TLSConfig *tls.Config `json:"-"`
}

// Validate checks Config for internal consistency, following laitos's
// Daemon.Initialise pattern of returning a descriptive error rather than
// panicking.
func (c Config) Validate() error {
	if c.Domain == "" {
		return errors.New("server: Domain must not be empty")
	}
	if c.MaxConnections < 1 {
		return errors.New("server: MaxConnections must be at least 1")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("server: Port must be between 0 and 65535")
	}
	if c.ConnectionTimeout < 0 || c.CommandTimeout < 0 || c.ShutdownGrace < 0 {
		return errors.New("server: timeouts must not be negative")
	}
	return nil
}

// Server binds a listener and drives a bounded-concurrency accept loop.
// The zero value is not usable; construct with New.
type Server struct {
	cfg     Config
	handler Handler
	logger  *logx.Logger
	limiter *ratelimit.Limiter

	mu       sync.Mutex
	listener net.Listener
	sem      chan struct{}
	active   map[*session.Session]activeEntry
	stopped  bool
	started  bool

	wg sync.WaitGroup
}

// activeEntry lets Stop both cancel a session's context (for a polite exit
// at its next suspension point) and, after the grace period, force-close
// its underlying connection, matching spec.md §4.6's "force-terminated...
// transport closed out from under them" shutdown behavior.
type activeEntry struct {
	cancel context.CancelFunc
	conn   net.Conn
}

// New constructs a Server. base, when non-nil, is the logrus.Logger every
// component logger is derived from; pass nil to use logrus's standard
// logger.
func New(cfg Config, handler Handler, base *logrus.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logx.New("server", base, logx.Field{Key: "addr", Value: fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)})

	var limiter *ratelimit.Limiter
	if cfg.PerIPLimit > 0 {
		limiter = ratelimit.New(1, cfg.PerIPLimit, logx.New("ratelimit", base))
	}

	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		limiter: limiter,
		sem:     make(chan struct{}, cfg.MaxConnections),
		active:  make(map[*session.Session]activeEntry),
	}, nil
}

// Start binds the listener and begins accepting connections on a
// background goroutine. It returns once the listener is bound; use Stop to
// shut down. Starting a stopped server, or starting twice, is an error.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("server: cannot start a stopped server")
	}
	if s.started {
		return errors.New("server: already started")
	}

	// IPv6-first dual-stack bind so IPv4 peers appear IPv4-mapped
	// (spec.md §4.6's address policy); net.Listen("tcp", ...) on most
	// platforms already binds an AF_INET6 socket with V6ONLY disabled when
	// the address is unspecified, matching laitos's plain net.Listen("tcp", ...)
	// call in daemon/common/tcpsrv.go.
	addr := net.JoinHostPort(s.cfg.BindAddress, portString(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.started = true

	s.logger.Info("Start", "listening on %s", listener.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener's address. Valid only after Start
// succeeds.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isStopped() {
				return
			}
			s.logger.Warning("Accept", err, "accept failed")
			return
		}

		peerIP := peerIPOf(conn)
		if s.limiter != nil && !s.limiter.Allow(peerIP) {
			conn.Close()
			continue
		}

		select {
		case s.sem <- struct{}{}:
			s.wg.Add(1)
			go s.serve(conn)
		default:
			// Saturated: accept-and-421 per spec.md §4.6's reference
			// policy, rather than a bare refusal, so the client gets a
			// diagnostic instead of a reset connection.
			s.rejectSaturated(conn)
		}
	}
}

func (s *Server) rejectSaturated(conn net.Conn) {
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetWriteDeadline(deadline)
	_, _ = conn.Write([]byte("421 Service unavailable, too many connections\r\n"))
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	ctx, cancel := context.WithCancel(context.Background())

	t := transport.New(conn)
	peerLogger := s.logger.With(logx.Field{Key: "peer", Value: peerIPOf(conn)})

	var tlsUpgrade func(context.Context) error
	if s.cfg.TLSConfig != nil {
		tlsUpgrade = func(upgradeCtx context.Context) error {
			return t.StartTLS(upgradeCtx, s.cfg.TLSConfig)
		}
	}

	sess := session.New(t, session.Config{
		Domain:            s.cfg.Domain,
		MaxCommandLength:  s.cfg.MaxCommandLength,
		MaxMessageSize:    s.cfg.MaxMessageSize,
		MaxRecipients:     s.cfg.MaxRecipients,
		ConnectionTimeout: s.cfg.ConnectionTimeout,
		CommandTimeout:    s.cfg.CommandTimeout,
		TLSEnabled:        s.cfg.TLSConfig != nil,
	}, s.handler, peerLogger, tlsUpgrade)

	s.trackSession(sess, cancel, conn)
	defer s.untrackSession(sess)

	peerLogger.Info("Connect", "")
	sess.Run(ctx)
	peerLogger.Info("Disconnect", "")
}

func (s *Server) trackSession(sess *session.Session, cancel context.CancelFunc, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[sess] = activeEntry{cancel: cancel, conn: conn}
}

func (s *Server) untrackSession(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sess)
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// ActiveSessions reports the number of sessions currently in flight, for
// diagnostics and tests; it never exceeds Config.MaxConnections
// (spec.md §8's testable property 8).
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stop transitions the server into a draining state: the accept loop exits
// and in-flight sessions are given ShutdownGrace to finish their current
// command before being force-closed. Stop is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	s.mu.Lock()
	for _, entry := range s.active {
		entry.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Stop", "all sessions finished within grace period")
	case <-graceCtx.Done():
		s.logger.Warning("Stop", graceCtx.Err(), "grace period expired, force-closing remaining sessions")
		s.forceCloseAll()
		<-done
	}
	return nil
}

func (s *Server) forceCloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.active {
		_ = entry.conn.Close()
	}
}

func portString(port int) string {
	return fmt.Sprintf("%d", port)
}

func peerIPOf(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	return addr.String()
}
