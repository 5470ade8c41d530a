package gate

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/xswap/btcledger"
	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/simchain"
	"github.com/lightninglabs/xswap/swap"
	"github.com/lightninglabs/xswap/test"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1_700_000_000, 0)

type testContext struct {
	clock  *clock.TestClock
	chain  *simchain.Chain
	ledger *btcledger.Ledger
	gate   *Gate
	funded wire.OutPoint
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	testClock := clock.NewTestClock(testTime)
	c := simchain.New(&chaincfg.RegressionNetParams, testClock)

	key := swap.PrivateKey(sha256.Sum256([]byte{1}))
	l, err := btcledger.New(&btcledger.Config{
		Symbol:  "BTC",
		Params:  &chaincfg.RegressionNetParams,
		Backend: c,
		Key:     key,
	})
	require.NoError(t, err)

	funded, err := c.Fund(l.Address(), 100_000)
	require.NoError(t, err)

	return &testContext{
		clock:  testClock,
		chain:  c,
		ledger: l,
		funded: funded,
		gate: New(Config{
			Clock:               testClock,
			PollInterval:        5 * time.Millisecond,
			MaxConfirmationWait: time.Hour,
		}),
	}
}

type waitResult struct {
	confs uint32
	err   error
}

// TestWaitConfirmations tests that the wait ends once the target is
// reached.
func TestWaitConfirmations(t *testing.T) {
	defer test.Guard(t)()

	c := newTestContext(t)

	result := make(chan waitResult, 1)
	go func() {
		confs, err := c.gate.WaitConfirmations(
			context.Background(), c.ledger, c.funded.Hash, 3,
			time.Time{},
		)
		result <- waitResult{confs, err}
	}()

	c.chain.Mine(2)

	res := <-result
	require.NoError(t, res.err)
	require.EqualValues(t, 3, res.confs)
}

// TestWaitBounds tests the expiration and the hard cap.
func TestWaitBounds(t *testing.T) {
	defer test.Guard(t)()

	tests := []struct {
		name       string
		expiration time.Duration
		advance    time.Duration
	}{
		{
			name:       "expiration",
			expiration: time.Minute,
			advance:    2 * time.Minute,
		},
		{
			name:    "cap without expiration",
			advance: 2 * time.Hour,
		},
		{
			name:       "cap before expiration",
			expiration: 24 * time.Hour,
			advance:    2 * time.Hour,
		},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			c := newTestContext(t)

			var expiration time.Time
			if tc.expiration != 0 {
				expiration = testTime.Add(tc.expiration)
			}

			result := make(chan waitResult, 1)
			go func() {
				confs, err := c.gate.WaitConfirmations(
					context.Background(), c.ledger,
					c.funded.Hash, 10, expiration,
				)
				result <- waitResult{confs, err}
			}()

			c.clock.SetTime(testTime.Add(tc.advance))

			res := <-result
			require.ErrorIs(t, res.err, ErrConfirmationTimeout)
			require.EqualValues(t, 1, res.confs)
		})
	}
}

// TestWaitUnknown tests that an unknown transaction waits like an
// unconfirmed one and that cancellation ends the wait.
func TestWaitUnknown(t *testing.T) {
	defer test.Guard(t)()

	c := newTestContext(t)
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan waitResult, 1)
	go func() {
		confs, err := c.gate.WaitConfirmations(
			ctx, c.ledger, [32]byte{7}, 1, time.Time{},
		)
		result <- waitResult{confs, err}
	}()

	cancel()

	res := <-result
	require.ErrorIs(t, res.err, context.Canceled)
	require.Zero(t, res.confs)
}

// TestAwaitSpendOrLocktime tests both watch outcomes.
func TestAwaitSpendOrLocktime(t *testing.T) {
	defer test.Guard(t)()

	ctx := context.Background()
	c := newTestContext(t)
	locktime := uint32(testTime.Add(time.Hour).Unix())

	require.False(t, c.gate.Expired(locktime))

	// Nothing spends the output before the locktime.
	type eventResult struct {
		event *Event
		err   error
	}
	result := make(chan eventResult, 1)
	go func() {
		event, err := c.gate.AwaitSpendOrLocktime(
			ctx, c.ledger, c.funded, locktime,
		)
		result <- eventResult{event, err}
	}()

	c.clock.SetTime(testTime.Add(time.Hour))
	require.True(t, c.gate.Expired(locktime))

	res := <-result
	require.NoError(t, res.err)
	require.True(t, res.event.Expired)
	require.Nil(t, res.event.Spend)

	// A spend ends the watch right away.
	tx, err := c.ledger.BuildTransaction(ctx, chain.TxParams{
		Kind:   chain.TxFee,
		Amount: 50_000,
		Fee:    1_000,
	})
	require.NoError(t, err)
	_, err = c.ledger.Broadcast(ctx, tx.Raw)
	require.NoError(t, err)

	event, err := c.gate.AwaitSpendOrLocktime(
		ctx, c.ledger, c.funded, locktime+3600,
	)
	require.NoError(t, err)
	require.False(t, event.Expired)
	require.Equal(t, tx.TxID, event.Spend.SpendingTx.TxHash())
}
