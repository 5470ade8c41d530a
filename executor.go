package xswap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lightninglabs/xswap/registry"
	"github.com/lightninglabs/xswap/swapdb"
)

var (
	// ErrTooManySwaps is returned when a swap is started while the
	// maximum number of swaps is in flight.
	ErrTooManySwaps = errors.New("too many pending swaps")

	// ErrSwapRunning is returned when a swap with the same key is already
	// being executed.
	ErrSwapRunning = errors.New("swap already running")
)

// Swap is a single swap attempt the executor can run. Both coordinators
// implement it.
type Swap interface {
	// Run executes the swap to completion and returns its fatal error.
	Run(ctx context.Context) error

	// Key identifies the swap.
	Key() swapdb.Key
}

// Result is the outcome of an executed swap.
type Result struct {
	Key swapdb.Key
	Err error
}

// ExecutorConfig contains executor configuration data.
type ExecutorConfig struct {
	// Registry counts the swaps in flight, including those started
	// outside the executor. It may be nil.
	Registry *registry.Registry

	// MaxPending bounds the swaps in flight. Zero means no bound.
	MaxPending int
}

// Executor runs every swap on its own goroutine.
type Executor struct {
	wg       sync.WaitGroup
	newSwaps chan Swap
	ready    chan struct{}

	cfg *ExecutorConfig
}

// NewExecutor returns a new swap executor instance.
func NewExecutor(cfg *ExecutorConfig) *Executor {
	return &Executor{
		cfg:      cfg,
		newSwaps: make(chan Swap),
		ready:    make(chan struct{}),
	}
}

// Run starts the executor event loop. It accepts and executes new swaps and
// delivers their outcome on results, which may be nil.
func (e *Executor) Run(mainCtx context.Context, results chan<- Result) error {
	log.Infof("Starting swap executor")

	// Signal that the executor accepts swaps.
	close(e.ready)

	var (
		swapDoneChan = make(chan swapdb.Key)
		running      = make(map[swapdb.Key]struct{})
	)

	report := func(key swapdb.Key, err error) {
		if results == nil {
			return
		}

		select {
		case results <- Result{Key: key, Err: err}:
		case <-mainCtx.Done():
		}
	}

	for {
		select {
		case newSwap := <-e.newSwaps:
			key := newSwap.Key()

			if _, ok := running[key]; ok {
				err := fmt.Errorf("%w: %v", ErrSwapRunning, key)
				log.Warnf("Rejecting swap: %v", err)
				go report(key, err)

				continue
			}

			// Admitted swaps count before they register with the
			// registry.
			if e.cfg.MaxPending > 0 &&
				e.pending(len(running)) >= e.cfg.MaxPending {

				err := fmt.Errorf("%w: %d", ErrTooManySwaps,
					e.cfg.MaxPending)
				log.Warnf("Rejecting swap %v: %v", key, err)
				go report(key, err)

				continue
			}

			running[key] = struct{}{}

			e.wg.Add(1)
			go func() {
				defer e.wg.Done()

				err := newSwap.Run(mainCtx)
				if err != nil && !errors.Is(
					err, context.Canceled,
				) {

					log.Errorf("Swap %v: %v", key, err)
				}

				select {
				case swapDoneChan <- key:
				case <-mainCtx.Done():
				}

				report(key, err)
			}()

		case doneKey := <-swapDoneChan:
			delete(running, doneKey)
			log.Debugf("Swap %v done, %d running", doneKey,
				len(running))

		case <-mainCtx.Done():
			return mainCtx.Err()
		}
	}
}

// pending returns the swaps in flight: the admitted ones or, if larger, the
// ones counted by the registry.
func (e *Executor) pending(admitted int) int {
	if e.cfg.Registry == nil {
		return admitted
	}

	return max(admitted, e.cfg.Registry.Pending())
}

// Ready is closed once the executor accepts swaps.
func (e *Executor) Ready() <-chan struct{} {
	return e.ready
}

// InitiateSwap delivers a new swap to the executor main loop.
func (e *Executor) InitiateSwap(ctx context.Context, swap Swap) error {
	select {
	case e.newSwaps <- swap:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitFinished waits for all swap goroutines to finish.
func (e *Executor) WaitFinished() {
	e.wg.Wait()
}
