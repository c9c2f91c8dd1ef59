package concurrent

import "context"

type Limiter interface {
	// Add enqueue one working credential.
	Add()
	// Acquire is Add bounded by ctx.
	Acquire(ctx context.Context) error
	// Done dequeue one working credential.
	Done()
}

type limiter struct {
	working chan struct{}
}

// NewLimiter allows maxConcurrency holders at once, NewLimiter(1) is a context aware mutex.
func NewLimiter(maxConcurrency int) Limiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &limiter{
		working: make(chan struct{}, maxConcurrency),
	}
}

func (in *limiter) Add() {
	in.working <- struct{}{}
}

func (in *limiter) Acquire(ctx context.Context) error {
	select {
	case in.working <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *limiter) Done() {
	<-in.working
}
