// Package session drives one SMTP connection from greeting to QUIT
// (spec.md §4.5 / C5): the read-parse-step-write loop, DATA delegation,
// STARTTLS upgrade sequencing, and the two independent timeouts.
//
// Grounded structurally on laitos's daemon/smtpd/smtp/connection.go
// (CarryOn's loop shape: reply to the previous command, read the next
// line, advance the stage) and on daemon/smtpd/smtpd.go's HandleConnection
// for the top-level greet/loop/close shape, but all transition logic is
// delegated to internal/statemachine rather than mutated in place here.
package session

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/chrisjeane/PrixFixe-sub001/internal/command"
	"github.com/chrisjeane/PrixFixe-sub001/internal/datareceiver"
	"github.com/chrisjeane/PrixFixe-sub001/internal/logx"
	"github.com/chrisjeane/PrixFixe-sub001/internal/response"
	"github.com/chrisjeane/PrixFixe-sub001/internal/statemachine"
	"github.com/chrisjeane/PrixFixe-sub001/internal/transport"
)

const defaultMaxCommandLength = 512

// Envelope is the output of a completed DATA phase, handed to Handler
// (spec.md §3's Envelope + Message).
type Envelope struct {
	ReversePath string
	Recipients  []string
	Body        []byte
}

// Handler is the external message-delivery sink (spec.md §6's
// deliver(envelope, body) callback). It must not retain ctx or any
// reference into Envelope's backing arrays beyond the call.
type Handler interface {
	Deliver(ctx context.Context, env Envelope) error
}

// Config is the read-only, per-session policy (spec.md §3, §6).
type Config struct {
	// Domain is used in the 220 greeting and as the EHLO reply domain.
	Domain string
	// MaxCommandLength caps a command line including its CRLF. Zero means
	// the spec.md default of 512.
	MaxCommandLength int
	// MaxMessageSize caps a DATA body in bytes, post-unstuffing, CRLFs
	// included. Zero means unlimited.
	MaxMessageSize int64
	// MaxRecipients caps RCPT TO count per transaction. Zero means
	// unlimited (spec.md §4.3's reference policy).
	MaxRecipients int
	// ConnectionTimeout bounds the whole session's wall-clock time. Zero
	// disables it.
	ConnectionTimeout time.Duration
	// CommandTimeout bounds each command read. During DATA it bounds the
	// body read as a whole, measured from the read of the DATA command
	// line; it is not re-armed for each chunk of the body. Zero disables it.
	CommandTimeout time.Duration
	// TLSEnabled advertises and permits STARTTLS. The transport itself
	// carries the *tls.Config; the session only needs to know whether one
	// was configured.
	TLSEnabled bool
}

func (c Config) maxCommandLength() int {
	if c.MaxCommandLength <= 0 {
		return defaultMaxCommandLength
	}
	return c.MaxCommandLength
}

// Session orchestrates one connection. It owns conn exclusively: no other
// goroutine may read, write or close it while Run is executing.
type Session struct {
	conn    transport.Conn
	cfg     Config
	machine *statemachine.Machine
	handler Handler
	logger  *logx.Logger

	tlsUpgrade func(ctx context.Context) error
}

// New constructs a Session around conn. tlsUpgrade performs the server-side
// TLS handshake (normally conn.StartTLS bound to a *tls.Config by the
// caller); pass nil to leave STARTTLS permanently unavailable regardless of
// cfg.TLSEnabled.
func New(conn transport.Conn, cfg Config, handler Handler, logger *logx.Logger, tlsUpgrade func(ctx context.Context) error) *Session {
	machine := statemachine.New(statemachine.Config{
		Domain:         cfg.Domain,
		TLSAvailable:   cfg.TLSEnabled && tlsUpgrade != nil,
		MaxMessageSize: cfg.MaxMessageSize,
		MaxRecipients:  cfg.MaxRecipients,
	})
	return &Session{conn: conn, cfg: cfg, machine: machine, handler: handler, logger: logger, tlsUpgrade: tlsUpgrade}
}

// Run drives the session to completion. ctx carries server-wide shutdown
// cancellation (spec.md §5); Run guarantees conn is closed on every exit
// path.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	connCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.ConnectionTimeout > 0 {
		connCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
		defer cancel()
	}

	if !s.writeResponse(connCtx, response.Greeting(s.cfg.Domain)) {
		return
	}

	for {
		if ctx.Err() != nil {
			s.handleTimeout(connCtx)
			return
		}

		cmdCtx := connCtx
		var cmdCancel context.CancelFunc
		if s.cfg.CommandTimeout > 0 {
			cmdCtx, cmdCancel = context.WithTimeout(connCtx, s.cfg.CommandTimeout)
		}

		line, tooLong, err := s.conn.ReadLine(cmdCtx, s.cfg.maxCommandLength())
		if cmdCancel != nil {
			cmdCancel()
		}

		if err != nil {
			if isTimeout(err) {
				s.handleTimeout(connCtx)
			}
			return
		}
		if tooLong {
			s.writeResponse(connCtx, response.LineTooLong())
			return
		}

		cmd := command.Parse(string(line))
		outcome := s.machine.Step(cmd)
		if !s.writeResponse(connCtx, outcome.Response) {
			return
		}

		switch {
		case outcome.Kind == statemachine.Close:
			return
		case outcome.StartTLS:
			if !s.upgradeTLS(connCtx) {
				return
			}
		case outcome.EnterData:
			if !s.runData(connCtx) {
				return
			}
		}
	}
}

// runData delegates to internal/datareceiver, invokes the handler on
// success, and feeds the outcome back into the state machine. It returns
// false when the session must close.
func (s *Session) runData(connCtx context.Context) bool {
	dataCtx := connCtx
	var cancel context.CancelFunc
	if s.cfg.CommandTimeout > 0 {
		dataCtx, cancel = context.WithTimeout(connCtx, s.cfg.CommandTimeout)
		defer cancel()
	}

	result, err := datareceiver.Receive(dataCtx, s.conn.Reader(), datareceiver.Limits{MaxMessageSize: s.cfg.MaxMessageSize})
	if err != nil {
		if isTimeout(err) {
			s.handleTimeout(connCtx)
		}
		return false
	}

	if result.LineTooLong {
		s.writeResponse(connCtx, response.LineTooLong())
		return false
	}
	if result.Overflow {
		outcome := s.machine.AbortData(response.SizeExceeded())
		return s.writeResponse(connCtx, outcome.Response)
	}

	tx := s.machine.Transaction()
	env := Envelope{Body: result.Body}
	if tx != nil {
		env.ReversePath = tx.ReversePath
		env.Recipients = append([]string(nil), tx.Recipients...)
	}

	deliverErr := s.handler.Deliver(connCtx, env)
	if deliverErr != nil && s.logger != nil {
		s.logger.Warning("Deliver", deliverErr, "handler returned an error, replying 451")
	}
	outcome := s.machine.CompleteData(deliverErr == nil)
	return s.writeResponse(connCtx, outcome.Response)
}

// upgradeTLS runs the STARTTLS handshake. The 220 reply to STARTTLS has
// already been written by the caller's writeResponse before this is
// called, so the buffer-clearance sequence of spec.md §4.3.1 only needs the
// handshake itself: Conn.StartTLS discards the stale bufio.Reader as part
// of rebuilding it around the upgraded net.Conn.
func (s *Session) upgradeTLS(connCtx context.Context) bool {
	if err := s.tlsUpgrade(connCtx); err != nil {
		if s.logger != nil {
			s.logger.Warning("StartTLS", err, "handshake failed")
		}
		s.writeResponse(connCtx, response.LocalError())
		return false
	}
	s.machine.CompleteTLS()
	return true
}

// handleTimeout writes a best-effort 421 using a short detached deadline,
// since connCtx itself may already be expired.
func (s *Session) handleTimeout(connCtx context.Context) {
	reason := "command timeout"
	if deadline, ok := connCtx.Deadline(); ok && !time.Now().Before(deadline) {
		reason = "connection timeout"
	} else if connCtx.Err() != nil {
		reason = "shutting down"
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.conn.Write(writeCtx, response.ServiceShuttingDown(reason).Bytes())
}

func (s *Session) writeResponse(ctx context.Context, resp response.Response) bool {
	if err := s.conn.Write(ctx, resp.Bytes()); err != nil {
		return false
	}
	return true
}

// isTimeout reports whether err resulted from an expired deadline or a
// cancelled context, whether surfaced as a context error or as the
// net.Error the underlying
// net.Conn.SetReadDeadline/SetWriteDeadline mechanism produces (which is
// how transport.Conn actually enforces the ctx passed to it).
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
