package ratelimit

import (
	"sync"
	"time"
)

// Window describes the call budget of one service: at most MaxCalls per
// fixed Window per identity.
type Window struct {
	Window   time.Duration
	MaxCalls int
}

// Decision is the admission result for one prospective call.
type Decision struct {
	// Allowed reports whether the call may proceed now.
	Allowed bool

	// RetryAfter is a wait hint for deferred calls: the time after which the
	// same admission would succeed. Zero when Allowed.
	RetryAfter time.Duration
}

// budget is the fixed-window state for one (identity, service) pair. The
// window starts on the first admitted call and resets once it has fully
// elapsed, so the call count can never exceed MaxCalls inside any window.
type budget struct {
	windowStart time.Time
	calls       int
}

// Limiter tracks per-(identity, service) call budgets. Admission never
// blocks: over-budget calls get a deferred decision with a wait hint and the
// caller decides whether to wait, queue, or reject. Services without a
// configured window are unlimited.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]Window
	budgets map[string]*budget

	now func() time.Time
}

// New creates a limiter from per-service windows.
func New(windows map[string]Window) *Limiter {
	l := &Limiter{
		windows: make(map[string]Window, len(windows)),
		budgets: make(map[string]*budget),
		now:     time.Now,
	}
	for service, w := range windows {
		if w.MaxCalls > 0 && w.Window > 0 {
			l.windows[service] = w
		}
	}
	return l
}

// SetClock overrides the time source. Used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Admit decides whether a call by identity against service may proceed.
// Budgets are created lazily on first use and live for the process lifetime.
func (l *Limiter) Admit(identity, service string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, limited := l.windows[service]
	if !limited {
		return Decision{Allowed: true}
	}

	key := identity + ":" + service
	now := l.now()

	b, ok := l.budgets[key]
	if !ok || !now.Before(b.windowStart.Add(w.Window)) {
		b = &budget{windowStart: now}
		l.budgets[key] = b
	}

	if b.calls < w.MaxCalls {
		b.calls++
		return Decision{Allowed: true}
	}

	// Deferred calls do not consume budget; the hint is the remainder of the
	// current window.
	return Decision{RetryAfter: b.windowStart.Add(w.Window).Sub(now)}
}
