// Package circuitbreaker pauses work against a target that keeps failing.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker opens after threshold consecutive failures and rejects work until
// cooldown has passed. The first call after that is a trial: success closes
// the breaker, failure opens it for another cooldown.
type Breaker struct {
	mu        sync.Mutex
	name      string
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// New returns a closed breaker. A threshold below 1 is treated as 1.
func New(name string, threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:      name,
		state:     StateClosed,
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger.With("breaker", name),
	}
}

// Allow reports whether work may proceed now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	b.state = StateHalfOpen
	b.logger.Info("circuit half-open", "failures", b.failures)
	return true
}

// Record feeds the outcome of one unit of work into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			b.logger.Info("circuit closed", "failures", b.failures)
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.logger.Warn("circuit re-opened after failed trial", "failures", b.failures, "error", err)
	case b.state == StateClosed && b.failures >= b.threshold:
		b.state = StateOpen
		b.openedAt = b.now()
		b.logger.Warn("circuit opened", "failures", b.failures, "cooldown", b.cooldown, "error", err)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the number of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
}
