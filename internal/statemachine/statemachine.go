// Package statemachine implements the per-session SMTP state machine
// (spec.md §4.3 / C3): a pure value type that decides accept/reject/close
// for each incoming command, without performing any I/O.
//
// Grounded structurally on laitos's daemon/smtpd/smtp/connection.go (the
// commandStage enumeration and stageExpectations transition table) and on
// gopistolet's smtp/smtp.go conn.handle* methods for the per-verb reply
// text, but reshaped into the explicit (state, command) -> Outcome pure
// function spec.md §4.3 and §5 require, rather than laitos's mutation of a
// *Connection in place.
package statemachine

import (
	"fmt"
	"time"

	"github.com/chrisjeane/PrixFixe-sub001/internal/command"
	"github.com/chrisjeane/PrixFixe-sub001/internal/response"
)

func sizeCapability(maxMessageSize int64) string {
	return fmt.Sprintf("SIZE %d", maxMessageSize)
}

// State is a session's position in the SMTP conversation (spec.md §3).
type State int

const (
	StateInitial State = iota
	StateGreeted
	StateMail
	StateRecipient
	StateData
	StateQuit
)

// String names the state for logging and tests.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateGreeted:
		return "GREETED"
	case StateMail:
		return "MAIL"
	case StateRecipient:
		return "RECIPIENT"
	case StateData:
		return "DATA"
	case StateQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// Transaction accumulates the sender and recipients of one mail exchange
// (spec.md §3). It exists (non-nil) iff the session state is one of
// StateMail, StateRecipient or StateData.
type Transaction struct {
	ReversePath string
	Recipients  []string
	StartedAt   time.Time
}

// OutcomeKind tags what the session should do with an Outcome.
type OutcomeKind int

const (
	// Accepted means the command was valid in the current state; apply
	// NextState and emit Response.
	Accepted OutcomeKind = iota
	// Rejected means the command was invalid in the current state; emit
	// Response, state is unchanged.
	Rejected
	// Close means emit Response, then close the connection.
	Close
)

// Outcome is the result of Step: spec.md §4.3's Outcome variant.
type Outcome struct {
	Kind      OutcomeKind
	Response  response.Response
	NextState State

	// StartTLS is true only for an Accepted STARTTLS outcome. The session
	// must, in strict order: flush Response to the wire, discard any
	// buffered-but-unread transport bytes, perform the TLS handshake, set
	// TLSActive on the Machine via CompleteTLS, then resume reading over
	// the encrypted transport (spec.md §4.3.1).
	StartTLS bool

	// EnterData is true only for an Accepted DATA outcome: the session
	// must now hand control to the DATA receiver instead of reading
	// another command line.
	EnterData bool
}

// Config carries the session-scoped policy the state machine needs to
// decide STARTTLS availability, SIZE advertisement and the optional
// recipient cap (spec.md §6, and the MaxRecipients supplement in
// SPEC_FULL.md §4).
type Config struct {
	Domain         string
	TLSAvailable   bool
	MaxMessageSize int64
	MaxRecipients  int // 0 = unlimited
}

// Machine is the per-session state machine. It is a plain value type: Step
// never performs I/O, never blocks, and never allocates beyond building the
// returned Outcome. The zero value is not usable; construct with New.
type Machine struct {
	cfg         Config
	state       State
	tlsActive   bool
	greeted     bool
	transaction *Transaction
}

// New constructs a Machine in StateInitial.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, state: StateInitial}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// TLSActive reports whether STARTTLS has completed successfully. It is
// monotonically non-decreasing for the lifetime of a Machine (spec.md §3).
func (m *Machine) TLSActive() bool { return m.tlsActive }

// Transaction returns the current transaction, or nil if none is open.
// Callers must not mutate the returned value.
func (m *Machine) Transaction() *Transaction { return m.transaction }

// CompleteTLS marks the TLS handshake as successful. The session calls this
// after Step returns an Outcome with StartTLS set to true and the
// handshake has actually succeeded. It never clears tlsActive once set.
func (m *Machine) CompleteTLS() { m.tlsActive = true }

// Step decides the Outcome for cmd given the machine's current state, and
// applies any resulting state/transaction transition before returning.
func (m *Machine) Step(cmd command.Command) Outcome {
	switch cmd.Verb {
	case command.VerbHELO, command.VerbEHLO:
		return m.stepHelo(cmd)
	case command.VerbMAILFROM:
		return m.stepMailFrom(cmd)
	case command.VerbRCPTTO:
		return m.stepRcptTo(cmd)
	case command.VerbDATA:
		return m.stepData()
	case command.VerbRSET:
		return m.stepRset()
	case command.VerbNOOP:
		return Outcome{Kind: Accepted, Response: response.OK("OK"), NextState: m.state}
	case command.VerbQUIT:
		m.state = StateQuit
		return Outcome{Kind: Close, Response: response.Closing(m.cfg.Domain), NextState: StateQuit}
	case command.VerbSTARTTLS:
		return m.stepStartTLS()
	case command.VerbVRFY:
		return Outcome{Kind: Rejected, Response: response.NotImplemented("VRFY"), NextState: m.state}
	default:
		if m.state == StateQuit {
			return Outcome{Kind: Rejected, Response: response.SyntaxError(), NextState: m.state}
		}
		return Outcome{Kind: Rejected, Response: response.SyntaxError(), NextState: m.state}
	}
}

// stepHelo implements the HELO/EHLO row: accepted from every state except
// QUIT, always resets to StateGreeted and clears the transaction.
func (m *Machine) stepHelo(cmd command.Command) Outcome {
	if m.state == StateQuit {
		return Outcome{Kind: Rejected, Response: response.BadSequence(), NextState: m.state}
	}
	m.state = StateGreeted
	m.greeted = true
	m.transaction = nil

	var resp response.Response
	if cmd.Verb == command.VerbEHLO {
		resp = response.EHLOReply(m.cfg.Domain, m.capabilities()...)
	} else {
		resp = response.OK(m.cfg.Domain)
	}
	return Outcome{Kind: Accepted, Response: resp, NextState: StateGreeted}
}

// capabilities builds the EHLO capability lines per spec.md §6.
func (m *Machine) capabilities() []string {
	caps := []string{"8BITMIME"}
	if m.cfg.MaxMessageSize > 0 {
		caps = append(caps, sizeCapability(m.cfg.MaxMessageSize))
	}
	if m.cfg.TLSAvailable && !m.tlsActive {
		caps = append(caps, "STARTTLS")
	}
	return caps
}

func (m *Machine) stepMailFrom(cmd command.Command) Outcome {
	if m.state != StateGreeted {
		return Outcome{Kind: Rejected, Response: response.BadSequence(), NextState: m.state}
	}
	if !cmd.PathValid {
		return Outcome{Kind: Rejected, Response: response.SyntaxErrorParams(), NextState: m.state}
	}
	m.transaction = &Transaction{ReversePath: cmd.Path, StartedAt: timeNow()}
	m.state = StateMail
	return Outcome{Kind: Accepted, Response: response.OK("Sender OK"), NextState: StateMail}
}

func (m *Machine) stepRcptTo(cmd command.Command) Outcome {
	if m.state != StateMail && m.state != StateRecipient {
		return Outcome{Kind: Rejected, Response: response.BadSequence(), NextState: m.state}
	}
	if !cmd.PathValid || cmd.Path == "" {
		// spec.md §8: "RCPT TO:<> is rejected with 501 (null forward path
		// is invalid)".
		return Outcome{Kind: Rejected, Response: response.SyntaxErrorParams(), NextState: m.state}
	}
	if m.cfg.MaxRecipients > 0 && len(m.transaction.Recipients) >= m.cfg.MaxRecipients {
		return Outcome{Kind: Rejected, Response: response.TooManyRecipients(), NextState: m.state}
	}
	m.transaction.Recipients = append(m.transaction.Recipients, cmd.Path)
	m.state = StateRecipient
	return Outcome{Kind: Accepted, Response: response.OK("Recipient OK"), NextState: StateRecipient}
}

func (m *Machine) stepData() Outcome {
	if m.state != StateRecipient {
		return Outcome{Kind: Rejected, Response: response.BadSequence(), NextState: m.state}
	}
	m.state = StateData
	return Outcome{Kind: Accepted, Response: response.StartMailInput(), NextState: StateData, EnterData: true}
}

// CompleteData is invoked by the session after the DATA receiver finishes
// and, if a handler was invoked, after it has run (spec.md §4.4). success
// distinguishes a 250 from a 451; the transaction is always cleared and the
// state always returns to StateGreeted, win or lose.
func (m *Machine) CompleteData(success bool) Outcome {
	m.transaction = nil
	m.state = StateGreeted
	if success {
		return Outcome{Kind: Accepted, Response: response.OK("Message accepted for delivery"), NextState: StateGreeted}
	}
	return Outcome{Kind: Accepted, Response: response.LocalError(), NextState: StateGreeted}
}

// AbortData is invoked by the session when the DATA receiver reports a
// message-size overflow (spec.md §4.4): the transaction is cleared and the
// state returns to GREETED; resp carries the 552 to send. A too-long DATA
// line does not come here: the session replies 500 and closes instead.
func (m *Machine) AbortData(resp response.Response) Outcome {
	m.transaction = nil
	m.state = StateGreeted
	return Outcome{Kind: Accepted, Response: resp, NextState: StateGreeted}
}

func (m *Machine) stepRset() Outcome {
	if m.state == StateQuit {
		return Outcome{Kind: Rejected, Response: response.BadSequence(), NextState: m.state}
	}
	m.transaction = nil
	if m.state != StateInitial {
		m.state = StateGreeted
	}
	return Outcome{Kind: Accepted, Response: response.OK("OK"), NextState: m.state}
}

// stepStartTLS implements spec.md §4.3.1, including the Open Question
// resolution in spec.md §9: an accepted STARTTLS resets state to
// StateInitial so the client must re-issue EHLO before MAIL FROM succeeds
// again.
func (m *Machine) stepStartTLS() Outcome {
	if m.state != StateGreeted {
		return Outcome{Kind: Rejected, Response: response.BadSequence(), NextState: m.state}
	}
	if !m.cfg.TLSAvailable {
		return Outcome{Kind: Rejected, Response: response.NotImplemented("STARTTLS not available"), NextState: m.state}
	}
	if m.tlsActive {
		return Outcome{Kind: Rejected, Response: response.NotImplemented("STARTTLS already active"), NextState: m.state}
	}
	m.transaction = nil
	m.state = StateInitial
	m.greeted = false
	return Outcome{Kind: Accepted, Response: response.ReadyForTLS(), NextState: StateInitial, StartTLS: true}
}

// timeNow is a seam so tests can observe deterministic Transaction.StartedAt
// values without reaching into the machine's internals.
var timeNow = time.Now
