// Package logx provides the structured logger used throughout PrixFixe.
//
// The shape (component name, a handful of key/value identity fields,
// Info/Warning severities) is taken from laitos's lalog.Logger. Logger does
// not de-duplicate repeated lines; the once-per-window warning of
// internal/ratelimit is the only de-duplication. The emission backend is logrus instead
// of the standard log package so that the rewrite exercises a real
// third-party structured-logging dependency.
package logx

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Field is one key/value pair that identifies the component instance
// emitting a log line (e.g. peer address, session id).
type Field struct {
	Key   string
	Value interface{}
}

// Logger formats and emits log lines for one named component (e.g.
// "session", "server", "ratelimit"). The zero value is not usable; build one
// with New.
type Logger struct {
	entry *logrus.Entry

	mu      sync.Mutex
	recent  []string
	maxKept int
}

// defaultRecentLines bounds how many recent formatted lines a Logger retains
// for Recent(), mirroring laitos's LatestLogs ring buffer at a much smaller,
// per-component scale appropriate for an embeddable library.
const defaultRecentLines = 64

// New returns a Logger for componentName, emitting through base (or
// logrus.StandardLogger() if base is nil).
func New(componentName string, base *logrus.Logger, fields ...Field) *Logger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	logFields := logrus.Fields{"component": componentName}
	for _, f := range fields {
		logFields[f.Key] = f.Value
	}
	return &Logger{
		entry:   base.WithFields(logFields),
		maxKept: defaultRecentLines,
	}
}

// With returns a child Logger with additional identity fields, for example
// a per-session logger derived from the server's logger plus the peer
// address and session id.
func (l *Logger) With(fields ...Field) *Logger {
	logFields := logrus.Fields{}
	for _, f := range fields {
		logFields[f.Key] = f.Value
	}
	return &Logger{
		entry:   l.entry.WithFields(logFields),
		maxKept: l.maxKept,
	}
}

func (l *Logger) remember(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = append(l.recent, line)
	if len(l.recent) > l.maxKept {
		l.recent = l.recent[len(l.recent)-l.maxKept:]
	}
}

// Recent returns the most recently emitted formatted lines, oldest first.
func (l *Logger) Recent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.recent))
	copy(out, l.recent)
	return out
}

// Info logs a routine event. template and values are combined with
// fmt.Sprintf, the same as lalog.Logger; pass template with no values for a
// plain message.
func (l *Logger) Info(action, template string, values ...interface{}) {
	msg := fmtMsg(action, template, values...)
	l.entry.Info(msg)
	l.remember(msg)
}

// Warning logs an event worth surfacing to an operator, optionally carrying
// the error that triggered it.
func (l *Logger) Warning(action string, err error, template string, values ...interface{}) {
	msg := fmtMsg(action, template, values...)
	if err != nil {
		l.entry.WithError(err).Warn(msg)
	} else {
		l.entry.Warn(msg)
	}
	l.remember(msg)
}

// MaybeMinorError logs err at Info level if it is non-nil, following
// laitos's convention of not escalating routine connection-closed errors to
// warnings. Unlike laitos, PrixFixe does not special-case the error text;
// callers decide whether an error is minor by choosing Info vs Warning.
func (l *Logger) MaybeMinorError(action string, err error) {
	if err == nil {
		return
	}
	l.Info(action, "%v", err)
}

func fmtMsg(action, template string, values ...interface{}) string {
	msg := fmt.Sprintf(template, values...)
	if msg == "" {
		return action
	}
	return action + ": " + msg
}
