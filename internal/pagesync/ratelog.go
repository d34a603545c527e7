package pagesync

import (
	"log"
	"sync"
	"time"
)

// rateLimitedLogger prints at most one line per interval and counts what it
// swallowed in between.
type rateLimitedLogger struct {
	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		return
	}
	l.lastAt = now
	if l.suppressed > 0 {
		log.Printf("(%d similar messages suppressed)", l.suppressed)
		l.suppressed = 0
	}
	log.Printf(format, args...)
}

// debugLogger prints only when debug logging is on.
type debugLogger bool

func (d debugLogger) Printf(format string, args ...any) {
	if d {
		log.Printf(format, args...)
	}
}
