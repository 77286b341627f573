// Package transport wraps the raw net.Conn a session reads and writes
// against (spec.md §4.7 / C7), including the STARTTLS upgrade sequence and
// its buffer-clearance security invariant.
//
// Grounded on laitos's daemon/smtpd/smtp/connection.go: setupReaders (which
// rebuilds the bufio/textproto reader stack whenever the underlying
// net.Conn changes) and the STARTTLS branch of CarryOn (tls.Server(...).
// Handshake(), then setupReaders(tlsConn) again). spec.md §4.3.1 requires
// that no cleartext byte buffered before the handshake can be reinterpreted
// as a post-handshake command; laitos achieves this the same way, by
// discarding the old bufio.Reader outright rather than trying to drain it.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Conn is the read/write/close/upgrade surface a session drives. It hides
// net.Conn behind an interface so the session and state machine can be
// tested without opening real sockets.
type Conn interface {
	// ReadLine reads one CRLF-terminated line, with the CRLF stripped,
	// honoring the deadline carried by ctx. maxLen bounds the line
	// including its CRLF (spec.md §4.5's max_command_length); exceeding it
	// sets tooLong and returns no usable line.
	ReadLine(ctx context.Context, maxLen int) (line []byte, tooLong bool, err error)

	// Reader exposes the buffered reader backing ReadLine, for handing off
	// to internal/datareceiver during a DATA phase.
	Reader() *bufio.Reader

	// Write sends b in full, honoring the deadline carried by ctx.
	Write(ctx context.Context, b []byte) error

	// StartTLS performs the server side of a TLS handshake over the
	// underlying connection and, on success, atomically replaces the
	// buffered reader with a fresh one wrapping the upgraded connection.
	// Any bytes buffered-but-unread at the moment of the call are
	// discarded, never replayed as post-handshake plaintext.
	StartTLS(ctx context.Context, cfg *tls.Config) error

	// TLSActive reports whether StartTLS has completed successfully.
	TLSActive() bool

	// PeerAddr returns the remote address for logging and rate limiting.
	PeerAddr() string

	// Close closes the underlying connection.
	Close() error
}

// netConn is the concrete Conn backed by a real net.Conn.
type netConn struct {
	raw       net.Conn
	reader    *bufio.Reader
	tlsActive bool
}

// New wraps raw in a Conn, buffering reads the same way laitos's
// setupReaders does.
func New(raw net.Conn) Conn {
	return &netConn{raw: raw, reader: bufio.NewReader(raw)}
}

func (c *netConn) Reader() *bufio.Reader { return c.reader }

// ReadLine reads one CRLF-terminated line byte by byte, matching
// internal/datareceiver's readDataLine so a too-long command line is
// detected without first buffering an unbounded amount of attacker input.
func (c *netConn) ReadLine(ctx context.Context, maxLen int) (line []byte, tooLong bool, err error) {
	if err := applyReadDeadline(ctx, c.raw); err != nil {
		return nil, false, err
	}
	var buf []byte
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return nil, false, err
		}
		buf = append(buf, b)
		if len(buf) > maxLen {
			return nil, true, nil
		}
		if len(buf) >= 2 && buf[len(buf)-2] == '\r' && buf[len(buf)-1] == '\n' {
			return buf[:len(buf)-2], false, nil
		}
	}
}

func (c *netConn) Write(ctx context.Context, b []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.raw.SetWriteDeadline(deadline); err != nil {
			return err
		}
	} else {
		if err := c.raw.SetWriteDeadline(time.Time{}); err != nil {
			return err
		}
	}
	_, err := c.raw.Write(b)
	return err
}

// StartTLS mirrors laitos's CarryOn STARTTLS branch: set a deadline on the
// handshake, run it, and on success rebuild the reader around the upgraded
// connection so nothing read-but-unconsumed from the cleartext side can
// leak into the encrypted session.
func (c *netConn) StartTLS(ctx context.Context, cfg *tls.Config) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.raw.SetDeadline(deadline); err != nil {
			return err
		}
	}
	tlsConn := tls.Server(c.raw, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	if err := c.raw.SetDeadline(time.Time{}); err != nil {
		return err
	}
	c.raw = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.tlsActive = true
	return nil
}

func (c *netConn) TLSActive() bool { return c.tlsActive }

func (c *netConn) PeerAddr() string {
	if c.raw == nil {
		return ""
	}
	return c.raw.RemoteAddr().String()
}

func (c *netConn) Close() error { return c.raw.Close() }

func applyReadDeadline(ctx context.Context, raw net.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		return raw.SetReadDeadline(deadline)
	}
	return raw.SetReadDeadline(time.Time{})
}
