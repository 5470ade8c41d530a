package xswapd

import (
	"io"
	"testing"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/xswap/coordinator"
	"github.com/stretchr/testify/require"
)

// TestParseAndSetDebugLevels applies global and per subsystem levels.
func TestParseAndSetDebugLevels(t *testing.T) {
	SetupLoggers(btclog.NewSLogger(btclog.NewDefaultHandler(io.Discard)))

	require.Contains(t, SupportedSubsystems(), Subsystem)
	require.Contains(t, SupportedSubsystems(), coordinator.Subsystem)

	require.NoError(t, ParseAndSetDebugLevels("debug"))
	require.NoError(t, ParseAndSetDebugLevels(
		coordinator.Subsystem+"=trace,"+Subsystem+"=info",
	))

	require.Error(t, ParseAndSetDebugLevels("loud"))
	require.Error(t, ParseAndSetDebugLevels("NOPE=debug"))
	require.Error(t, ParseAndSetDebugLevels(Subsystem+"=loud"))
	require.Error(t, ParseAndSetDebugLevels(Subsystem+"=debug=info"))
}
