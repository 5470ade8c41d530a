package xswap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightninglabs/xswap/swap"
	"github.com/lightninglabs/xswap/swapdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultStatusPoll is the pause between two status lookups.
	DefaultStatusPoll = time.Second
)

var (
	// MaxSwapWait caps every status wait, including those without an
	// expiration.
	MaxSwapWait = 3 * swap.DefaultLocktime * time.Second

	// ErrSwapWaitTimeout is returned when a swap is still pending at the
	// end of the wait.
	ErrSwapWaitTimeout = errors.New("swap still pending")
)

// WaitForSwap polls the store until the swap leaves the pending state. The
// wait ends at expiration or after MaxSwapWait, whichever comes first. A
// zero expiration only applies the cap. A swap that is not recorded yet is
// waited for like a pending one.
func WaitForSwap(ctx context.Context, store swapdb.SwapStore,
	clk clock.Clock, key swapdb.Key, expiration time.Time,
	poll time.Duration) (*swapdb.Status, error) {

	if poll == 0 {
		poll = DefaultStatusPoll
	}

	deadline := clk.Now().Add(MaxSwapWait)
	if !expiration.IsZero() && expiration.Before(deadline) {
		deadline = expiration
	}

	t := ticker.New(poll)
	t.Resume()
	defer t.Stop()

	var last *swapdb.Status
	for {
		status, err := store.Lookup(ctx, key)
		switch {
		case errors.Is(err, swapdb.ErrSwapNotFound):

		case err != nil:
			return nil, err

		case status.State != swapdb.StatePending:
			return status, nil

		default:
			last = status
		}

		if !clk.Now().Before(deadline) {
			detail := "not started"
			if last != nil {
				detail = last.Detail
			}

			return last, fmt.Errorf("%w: %v at %v", ErrSwapWaitTimeout,
				key, detail)
		}

		select {
		case <-t.Ticks():

		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}
