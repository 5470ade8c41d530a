package xswapd

import (
	"context"
	"testing"
	"time"

	"github.com/lightninglabs/xswap/swapdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// TestSimulation runs two swaps between the local bob and alice on
// simulated chains.
func TestSimulation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.DeckSize = 16
	cfg.StepTimeout = 2 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond
	cfg.Sim.Swaps = 2
	cfg.Sim.Exit = true
	require.NoError(t, Validate(&cfg))

	sim, err := newSimulation(&cfg, clock.NewDefaultClock())
	require.NoError(t, err)
	defer sim.close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	outcomes, err := sim.run(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	for i, outcome := range outcomes {
		require.EqualValues(t, i+1, outcome.Key.RequestID)

		require.Equal(t, swapdb.StateFinished, outcome.Bob.State)
		require.Equal(t, "swap complete", outcome.Bob.Detail)
		require.Equal(t, swapdb.StateFinished, outcome.Alice.State)
		require.Equal(t, "swap complete", outcome.Alice.Detail)
	}
}
