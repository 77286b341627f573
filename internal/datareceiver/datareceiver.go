// Package datareceiver implements the DATA-phase streaming body reader
// (spec.md §4.4 / C4): dot-unstuffing, line-length and message-size
// enforcement, and exact CRLF.CRLF termination.
//
// Grounded on laitos's daemon/smtpd/smtp/connection.go (readMailData, which
// wraps net/textproto's DotReader over an io.LimitedReader) generalized so
// that an oversize message is detected without abandoning synchronization
// with the wire: spec.md requires continuing to read until the terminator
// even after the size cap is exceeded, which textproto.Reader.DotReader
// does not support, so this package reads CRLF-delimited lines directly
// instead of delegating to it.
package datareceiver

import (
	"bufio"
	"context"
	"errors"
	"io"
)

// MaxLineLength is the maximum size, including the trailing CRLF, of a
// single logical DATA line (spec.md §4.4, RFC 5321 §4.5.3.1.6).
const MaxLineLength = 1000

// Limits bounds what Receive will accept.
type Limits struct {
	// MaxMessageSize is the maximum number of body bytes (post-unstuffing,
	// CRLFs included) that will be delivered. Exceeding it does not abort
	// the read: input is drained until the terminator, then Result.Overflow
	// is set.
	MaxMessageSize int64
}

// Result is the outcome of a completed DATA read.
type Result struct {
	// Body is the assembled, dot-unstuffed message body with the
	// terminating ".CRLF" removed. It is empty when Overflow or
	// LineTooLong is set.
	Body []byte
	// Overflow is true when the body would have exceeded Limits.MaxMessageSize.
	// The transaction must be discarded; the session replies 552.
	Overflow bool
	// LineTooLong is true when a single line exceeded MaxLineLength before
	// its terminating CRLF. The transaction must be discarded and the
	// connection closed; the session replies 500.
	LineTooLong bool
}

// ErrConnectionClosed is returned when the peer closes the connection
// before the terminating ".CRLF" line is seen.
var ErrConnectionClosed = errors.New("datareceiver: connection closed before terminator")

// Receive reads the DATA body from r until the exact ".CRLF" terminator
// line, applying dot-unstuffing and the limits above. ctx is checked
// between lines so a per-command or whole-connection timeout can abort the
// read; a read already blocked on r is not interrupted by ctx. The session
// derives one ctx for the whole DATA phase, not one per chunk.
func Receive(ctx context.Context, r *bufio.Reader, limits Limits) (Result, error) {
	var body []byte
	var bodySize int64
	overflow := false

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		line, tooLong, err := readDataLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Result{}, ErrConnectionClosed
			}
			return Result{}, err
		}
		if tooLong {
			return Result{LineTooLong: true}, nil
		}

		if isTerminator(line) {
			if overflow {
				return Result{Overflow: true}, nil
			}
			return Result{Body: body}, nil
		}

		unstuffed := unstuff(line)
		if !overflow {
			// +2 accounts for the CRLF stripped off by readDataLine: the
			// delivered body restores it, per spec.md's "CRLF line endings
			// preserved" requirement.
			bodySize += int64(len(unstuffed)) + 2
			if limits.MaxMessageSize > 0 && bodySize > limits.MaxMessageSize {
				overflow = true
				body = nil
			} else {
				body = append(body, unstuffed...)
				body = append(body, '\r', '\n')
			}
		}
	}
}

// isTerminator reports whether line (its trailing CRLF already stripped by
// readDataLine) is the lone "." that ends the DATA phase.
func isTerminator(line []byte) bool {
	return len(line) == 1 && line[0] == '.'
}

// unstuff removes exactly one leading '.' from a line that is longer than a
// single byte and begins with '.', per spec.md §4.4's dot-unstuffing rule.
// line has already had its trailing CRLF stripped by readDataLine; the
// caller re-appends CRLF when assembling the delivered body.
func unstuff(line []byte) []byte {
	if len(line) > 1 && line[0] == '.' {
		return append([]byte(nil), line[1:]...)
	}
	return line
}

// readDataLine reads one CRLF-terminated line from r and returns its
// content with the CRLF stripped, enforcing MaxLineLength (which counts the
// CRLF). Only a literal CRLF terminates a line; a bare LF is not
// normalized, matching spec.md §4.4's strict reference policy.
func readDataLine(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, false, err
		}
		buf = append(buf, b)
		if len(buf) > MaxLineLength {
			// Unlike a message-size overflow, a too-long line closes the
			// connection (spec.md §5), so there is no need to resynchronize
			// with the wire by draining to the next CRLF.
			return nil, true, nil
		}
		if len(buf) >= 2 && buf[len(buf)-2] == '\r' && buf[len(buf)-1] == '\n' {
			return buf[:len(buf)-2], false, nil
		}
	}
}
