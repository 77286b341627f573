package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(60, 3, nil)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
}

func TestAllowExceedsLimit(t *testing.T) {
	l := New(60, 2, nil)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"))
}

func TestAllowTracksActorsIndependently(t *testing.T) {
	l := New(60, 1, nil)
	assert.True(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"))
	assert.False(t, l.Allow("1.1.1.1"))
}

func TestAllowResetsAfterWindowElapses(t *testing.T) {
	l := New(1, 1, nil)
	base := time.Unix(1000, 0)
	l.nowFn = func() time.Time { return base }

	require.True(t, l.Allow("1.2.3.4"))
	require.False(t, l.Allow("1.2.3.4"))

	l.nowFn = func() time.Time { return base.Add(2 * time.Second) }
	assert.True(t, l.Allow("1.2.3.4"))
}

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() { New(0, 1, nil) })
	assert.Panics(t, func() { New(1, 0, nil) })
}
