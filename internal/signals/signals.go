// Package signals turns operator interrupts into a single context
// cancellation.  It performs no cleanup itself.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"firmhack/util"
)

// DefaultSignals are the signals NotifyContext listens for when none
// are given.
var DefaultSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// NotifyContext returns a copy of parent that is cancelled on the first
// of sigs.  Signals after the first are logged and otherwise ignored, so
// an impatient operator cannot interrupt teardown.  The returned stop
// function unregisters the handler and cancels the context.
func NotifyContext(parent context.Context, logger *util.Logger, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	if len(sigs) == 0 {
		sigs = DefaultSignals
	}
	ctx, cancel := context.WithCancelCause(parent)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	quit := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
			cancel(context.Canceled)
		})
	}

	go func() {
		first := true
		for {
			select {
			case sig := <-ch:
				if first {
					first = false
					if logger != nil {
						logger.Info("received %s, shutting down", sig)
					}
					cancel(&Interrupt{Signal: sig})
					continue
				}
				if logger != nil {
					logger.Warn("received %s during shutdown, ignoring", sig)
				}
			case <-quit:
				return
			}
		}
	}()

	return ctx, stop
}

// Interrupt is the cancellation cause recorded by NotifyContext.
type Interrupt struct {
	Signal os.Signal
}

func (i *Interrupt) Error() string { return "received " + i.Signal.String() }
