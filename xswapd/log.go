package xswapd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/xswap"
	"github.com/lightninglabs/xswap/btcledger"
	"github.com/lightninglabs/xswap/coordinator"
	"github.com/lightninglabs/xswap/deck"
	"github.com/lightninglabs/xswap/fsm"
	"github.com/lightninglabs/xswap/gate"
	"github.com/lightninglabs/xswap/lockstep"
	"github.com/lightninglabs/xswap/rawtx"
	"github.com/lightninglabs/xswap/registry"
	"github.com/lightninglabs/xswap/simchain"
	"github.com/lightninglabs/xswap/swapdb"
	"github.com/lightningnetwork/lnd/build"
)

const Subsystem = "XSWD"

var (
	log btclog.Logger = build.NewSubLogger(Subsystem, nil)

	// subLoggers holds every logger created by SetupLoggers.
	subLoggers = make(map[string]btclog.Logger)
)

// SetupLoggers initializes all package-global logger variables with sub
// loggers of root.
func SetupLoggers(root btclog.Logger) {
	add := func(subsystem string, useLogger func(btclog.Logger)) {
		logger := root.SubSystem(subsystem)
		subLoggers[subsystem] = logger
		useLogger(logger)
	}

	add(Subsystem, func(l btclog.Logger) {
		log = l
	})
	add(xswap.Subsystem, xswap.UseLogger)
	add(coordinator.Subsystem, coordinator.UseLogger)
	add(fsm.Subsystem, fsm.UseLogger)
	add(deck.Subsystem, deck.UseLogger)
	add(lockstep.Subsystem, lockstep.UseLogger)
	add(rawtx.Subsystem, rawtx.UseLogger)
	add(gate.Subsystem, gate.UseLogger)
	add(registry.Subsystem, registry.UseLogger)
	add(swapdb.Subsystem, swapdb.UseLogger)
	add(btcledger.Subsystem, btcledger.UseLogger)
	add(simchain.Subsystem, simchain.UseLogger)
}

// SupportedSubsystems returns the sorted names of the registered
// subsystems.
func SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(subLoggers))
	for subsystem := range subLoggers {
		subsystems = append(subsystems, subsystem)
	}
	sort.Strings(subsystems)

	return subsystems
}

// ParseAndSetDebugLevels applies a debug level string. The string is either
// a single level for all subsystems or a comma separated list of
// <subsystem>=<level> pairs.
func ParseAndSetDebugLevels(debugLevel string) error {
	if !strings.Contains(debugLevel, "=") &&
		!strings.Contains(debugLevel, ",") {

		level, ok := btclog.LevelFromString(debugLevel)
		if !ok {
			return fmt.Errorf("invalid debug level: %v", debugLevel)
		}

		for _, logger := range subLoggers {
			logger.SetLevel(level)
		}

		return nil
	}

	for _, pair := range strings.Split(debugLevel, ",") {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("invalid debug level pair: %v", pair)
		}

		subsystem, levelStr := fields[0], fields[1]
		logger, ok := subLoggers[subsystem]
		if !ok {
			return fmt.Errorf("unknown subsystem %v, supported "+
				"subsystems: %v", subsystem,
				SupportedSubsystems())
		}

		level, ok := btclog.LevelFromString(levelStr)
		if !ok {
			return fmt.Errorf("invalid debug level for %v: %v",
				subsystem, levelStr)
		}
		logger.SetLevel(level)
	}

	return nil
}
