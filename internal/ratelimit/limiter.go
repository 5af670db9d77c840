// Package ratelimit throttles the two lossy emission channels of a run:
// visual status updates and control messages.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Timer selects one of the independent emission channels.
type Timer int

const (
	Status Timer = iota
	Control
)

func (t Timer) String() string {
	switch t {
	case Status:
		return "status"
	case Control:
		return "control"
	default:
		return "unknown"
	}
}

// DefaultInterval applies to both timers until SetIntervals is called.
const DefaultInterval = time.Second

// Limiter allows at most one emission per interval on each timer.
type Limiter struct {
	mu      sync.Mutex
	limits  [2]*rate.Limiter
	allowed [2]int
}

// New returns a Limiter with the given per-timer intervals.
func New(status, control time.Duration) *Limiter {
	l := &Limiter{}
	l.SetIntervals(status, control)
	return l
}

func newLimit(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

// SetIntervals replaces both timers, discarding their history. Called at
// every run start so a new run never inherits the previous run's window.
func (l *Limiter) SetIntervals(status, control time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[Status] = newLimit(status)
	l.limits[Control] = newLimit(control)
}

// TryEmit calls emit when the timer allows an event at now and reports
// whether it did. A suppressed emission is silent.
func (l *Limiter) TryEmit(timer Timer, now time.Time, emit func()) bool {
	l.mu.Lock()
	ok := l.limits[timer].AllowN(now, 1)
	if ok {
		l.allowed[timer]++
	}
	l.mu.Unlock()

	if ok && emit != nil {
		emit()
	}
	return ok
}

// Allowed returns how many emissions a timer let through since creation.
func (l *Limiter) Allowed(timer Timer) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowed[timer]
}
