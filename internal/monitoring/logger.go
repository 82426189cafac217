package monitoring

import (
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// FailureLatch logs a repeating operation's failures only on state changes:
// once when it starts failing and once when it recovers.
type FailureLatch struct {
	// What names the operation in log lines, e.g. "frame write".
	What string

	mu      sync.Mutex
	failing bool
	dropped uint64
}

// Observe records the outcome of one attempt. It reports whether the latch
// changed state (and therefore logged).
func (l *FailureLatch) Observe(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case err != nil && !l.failing:
		l.failing = true
		l.dropped = 1
		Logf("%s failing: %v", l.What, err)
		return true
	case err != nil:
		l.dropped++
		return false
	case l.failing:
		Logf("%s recovered after %d failed attempts", l.What, l.dropped)
		l.failing = false
		l.dropped = 0
		return true
	}
	return false
}

// Failing reports whether the last observed attempt failed.
func (l *FailureLatch) Failing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failing
}
