package logx

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRemembersRecentLines(t *testing.T) {
	base := logrus.New()
	l := New("test", base)

	l.Info("greet", "%s", "hello")
	l.Warning("oops", nil, "%s", "something")

	recent := l.Recent()
	require.Len(t, recent, 2)
	assert.Contains(t, recent[0], "greet")
	assert.Contains(t, recent[1], "oops")
}

func TestLoggerRecentBounded(t *testing.T) {
	base := logrus.New()
	l := New("test", base)
	l.maxKept = 3

	for i := 0; i < 10; i++ {
		l.Info("tick", "")
	}

	assert.Len(t, l.Recent(), 3)
}

func TestWithAddsFields(t *testing.T) {
	base := logrus.New()
	l := New("session", base, Field{Key: "peer", Value: "1.2.3.4"})
	child := l.With(Field{Key: "id", Value: 42})
	require.NotNil(t, child)
	child.Info("started", "")
	assert.Len(t, child.Recent(), 1)
}
