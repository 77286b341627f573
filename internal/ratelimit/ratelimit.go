// Package ratelimit implements the per-peer connection rate limiter
// described in SPEC_FULL.md §4 (the PerIPLimit supplement to
// spec.md's C6 acceptor).
//
// Grounded on laitos's misc.RateLimit: a fixed-window counter per actor,
// reset wholesale when the window elapses, with a once-per-window warning
// log on the first hit that exceeds the limit. Ported to use
// internal/logx.Logger in place of lalog.Logger.
package ratelimit

import (
	"sync"
	"time"

	"github.com/chrisjeane/PrixFixe-sub001/internal/logx"
)

// Limiter tracks hits per actor (typically a remote IP) within a fixed
// window of windowSecs seconds, allowing up to maxCount hits per window;
// all counters reset together when the window elapses.
// The zero value is not usable; construct with New.
type Limiter struct {
	windowSecs int64
	maxCount   int
	logger     *logx.Logger

	mu       sync.Mutex
	since    int64
	counter  map[string]int
	warned   map[string]struct{}
	nowFn    func() time.Time
}

// New constructs a Limiter. windowSecs and maxCount must both be positive;
// New panics otherwise, matching laitos's RateLimit.Initialise guard.
func New(windowSecs int64, maxCount int, logger *logx.Logger) *Limiter {
	if windowSecs < 1 || maxCount < 1 {
		panic("ratelimit: windowSecs and maxCount must be greater than 0")
	}
	return &Limiter{
		windowSecs: windowSecs,
		maxCount:   maxCount,
		logger:     logger,
		counter:    make(map[string]int),
		warned:     make(map[string]struct{}),
		nowFn:      time.Now,
	}
}

// Allow increases actor's hit counter by one and reports whether actor is
// still within its limit for the current window. The first call that
// pushes an actor over the limit logs a warning; subsequent calls within
// the same window are silent to avoid spamming the log.
func (l *Limiter) Allow(actor string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now := l.nowFn().Unix(); now-l.since >= l.windowSecs {
		l.counter = make(map[string]int)
		l.warned = make(map[string]struct{})
		l.since = now
	}

	count := l.counter[actor]
	if count >= l.maxCount {
		if _, alreadyWarned := l.warned[actor]; !alreadyWarned && l.logger != nil {
			l.logger.Warning("Allow", nil, "%s exceeded limit of %d hits per %d seconds", actor, l.maxCount, l.windowSecs)
			l.warned[actor] = struct{}{}
		}
		return false
	}
	l.counter[actor] = count + 1
	return true
}
