// Package safegoroutine turns panics in background work into errors.
package safegoroutine

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/florinutz/icetable/metrics"
)

// PanicError is returned in place of a recovered panic.
type PanicError struct {
	Component string
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Component, e.Value)
}

// Go runs fn on g. A panic in fn is logged with its stack and becomes g's
// error instead of crashing the process.
func Go(g *errgroup.Group, logger *slog.Logger, name string, fn func() error) {
	g.Go(func() error { return Call(logger, name, fn) })
}

// Call runs fn on the calling goroutine with the same panic handling as Go.
func Call(logger *slog.Logger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = slog.Default()
			}
			metrics.PanicsRecovered.WithLabelValues(name).Inc()
			logger.Error("panic recovered",
				"component", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &PanicError{Component: name, Value: r}
		}
	}()
	return fn()
}
