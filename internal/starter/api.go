// Package starter runs the long-lived components of a command.
package starter

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"edgevideo.ai/edge-wallet/pkg/log"
)

type Startable interface {
	Start(ctx context.Context)
}

type Stopable interface {
	Stop()
}

// Start starts elems in order and returns a function stopping the Stopable
// ones in reverse order.
func Start(ctx context.Context, elems ...Startable) (stop func()) {
	var stopables []Stopable
	for _, ele := range elems {
		ele.Start(ctx)
		if s, ok := ele.(Stopable); ok {
			stopables = append(stopables, s)
		}
	}
	return func() {
		for i := len(stopables) - 1; i >= 0; i-- {
			stopables[i].Stop()
		}
	}
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives or ctx is done.
func WaitForSignal(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down...")
}
