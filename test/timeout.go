package test

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

const (
	// DefaultGuardTimeout is the time a guarded test may run before it
	// panics with a goroutine dump.
	DefaultGuardTimeout = 5 * time.Second

	// leakWait is how long the leak check waits for goroutines to exit.
	leakWait = 5 * time.Second
)

type guardOptions struct {
	timeout time.Duration
}

// GuardOption changes a Guard.
type GuardOption func(*guardOptions)

// WithGuardTimeout replaces DefaultGuardTimeout.
func WithGuardTimeout(timeout time.Duration) GuardOption {
	return func(o *guardOptions) {
		o.timeout = timeout
	}
}

// Guard implements a test level timeout and checks for leaked goroutines
// once the returned function is called.
func Guard(t *testing.T, opts ...GuardOption) func() {
	options := guardOptions{
		timeout: DefaultGuardTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(options.timeout):
			DumpGoroutines()
			panic("test timeout")

		case <-done:
		}
	}()

	checkLeaks := leaktest.CheckTimeout(t, leakWait)

	return func() {
		close(done)
		checkLeaks()
	}
}
