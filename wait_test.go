package xswap

import (
	"context"
	"testing"
	"time"

	"github.com/lightninglabs/xswap/swapdb"
	"github.com/lightninglabs/xswap/test"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// TestWaitForSwap waits for a pending swap to finish.
func TestWaitForSwap(t *testing.T) {
	defer test.Guard(t)()

	ctx := context.Background()
	clk := clock.NewTestClock(testTime)
	store := newTestStore(t)
	key := swapdb.Key{RequestID: 3, QuoteID: 4}

	done := make(chan error, 1)
	go func() {
		status, err := WaitForSwap(
			ctx, store, clk, key, time.Time{}, time.Millisecond,
		)
		if err == nil && status.State != swapdb.StateFinished {
			err = ErrSwapWaitTimeout
		}
		done <- err
	}()

	appendTestSwap(t, store, key)
	require.NoError(t, store.UpdateSwap(ctx, key, swapdb.Update{
		Time:   testTime,
		State:  swapdb.StatePending,
		Detail: "AwaitPubkeys",
	}))
	require.NoError(t, store.UpdateSwap(ctx, key, swapdb.Update{
		Time:   testTime,
		State:  swapdb.StateFinished,
		Detail: "swap complete",
	}))

	select {
	case err := <-done:
		require.NoError(t, err)

	case <-time.After(test.Timeout):
		t.Fatal(test.ErrTimeout)
	}
}

// TestWaitForSwapExpiration checks that the expiration and the hard cap
// end the wait.
func TestWaitForSwapExpiration(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewTestClock(testTime)
	store := newTestStore(t)
	key := swapdb.Key{RequestID: 5, QuoteID: 6}

	appendTestSwap(t, store, key)
	require.NoError(t, store.UpdateSwap(ctx, key, swapdb.Update{
		Time:   testTime,
		State:  swapdb.StatePending,
		Detail: "WaitDepositConfirmed",
	}))

	// An expiration in the past ends the wait after the first lookup.
	status, err := WaitForSwap(
		ctx, store, clk, key, testTime, time.Millisecond,
	)
	require.ErrorIs(t, err, ErrSwapWaitTimeout)
	require.ErrorContains(t, err, "WaitDepositConfirmed")
	require.Equal(t, swapdb.StatePending, status.State)

	// Without an expiration the cap applies.
	oldCap := MaxSwapWait
	MaxSwapWait = 0
	defer func() {
		MaxSwapWait = oldCap
	}()

	_, err = WaitForSwap(
		ctx, store, clk, swapdb.Key{}, time.Time{}, time.Millisecond,
	)
	require.ErrorIs(t, err, ErrSwapWaitTimeout)
	require.ErrorContains(t, err, "not started")
}
