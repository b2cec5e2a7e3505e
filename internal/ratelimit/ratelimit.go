package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter bounds outbound calls to a fixed number per period. The upstream
// quota is shared by every caller in the process, so a single instance is
// injected into all API clients. Acquire blocks rather than rejects.
type Limiter struct {
	rate   int
	period time.Duration

	mu    sync.Mutex
	count int
	start time.Time
}

// New constructs a Limiter allowing rate calls per period.
func New(rate int, period time.Duration) *Limiter {
	if rate <= 0 {
		panic("ratelimit: rate must be positive")
	}
	if period <= 0 {
		period = time.Second
	}
	return &Limiter{rate: rate, period: period}
}

// Acquire blocks until a call slot is available or ctx is done. The only
// error it returns is ctx.Err().
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		if now.Sub(l.start) > l.period {
			l.count = 0
			l.start = now
		}
		if l.count < l.rate {
			l.count++
			l.mu.Unlock()
			return nil
		}
		wait := l.period - now.Sub(l.start)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Count reports calls consumed in the current window.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.start) > l.period {
		return 0
	}
	return l.count
}
