// Package ratelimit paces the object deletions of snapshot expiry so a large
// garbage collection does not flood the object store.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/florinutz/icetable/metrics"
)

// Limiter is a token bucket shared by the deletions of one expiry run.
type Limiter struct {
	limiter *rate.Limiter
	table   string
	logger  *slog.Logger

	mu     sync.Mutex
	waits  int
	waited time.Duration
}

// New returns a limiter allowing perSecond deletions from table with bursts
// of up to burst. A perSecond <= 0 disables pacing; a burst below 1 means 1.
func New(perSecond float64, burst int, table string, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	var l *rate.Limiter
	if perSecond > 0 {
		l = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
	return &Limiter{limiter: l, table: table, logger: logger}
}

// Wait blocks until one more object of kind ("data_file", "manifest",
// "manifest_list") may be deleted, or ctx is done.
func (l *Limiter) Wait(ctx context.Context, kind string) error {
	if l.limiter == nil {
		return ctx.Err()
	}

	start := time.Now()
	err := l.limiter.Wait(ctx)
	elapsed := time.Since(start)
	if err != nil || elapsed <= time.Millisecond {
		return err
	}

	metrics.GCDeleteWaits.WithLabelValues(kind).Inc()
	metrics.GCDeleteWaitDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	l.mu.Lock()
	l.waits++
	l.waited += elapsed
	l.mu.Unlock()
	l.logger.Debug("gc delete throttled", "table", l.table, "kind", kind, "waited_s", elapsed.Seconds())
	return nil
}

// Throttled reports how many deletions had to wait and for how long in total.
func (l *Limiter) Throttled() (int, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waits, l.waited
}
