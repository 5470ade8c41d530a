package xswapd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btclog/v2"
	"github.com/jessevdk/go-flags"
	"github.com/lightninglabs/xswap"
	"github.com/lightningnetwork/lnd/clock"
)

// Run starts the swap daemon and blocks until it's shut down again, either
// by cancelling ctx or, with --sim.exit, once the swaps are done.
func Run(ctx context.Context, args []string) error {
	config := DefaultConfig()

	// Parse command line flags.
	parser := flags.NewParser(&config, flags.Default)
	_, err := parser.ParseArgs(args)
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		return nil
	}
	if err != nil {
		return err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if config.ShowVersion {
		fmt.Println(appName, "version", xswap.Version())
		return nil
	}

	SetupLoggers(btclog.NewSLogger(btclog.NewDefaultHandler(os.Stdout)))

	// Special show command to list supported subsystems and exit.
	if config.DebugLevel == "show" {
		fmt.Printf("Supported subsystems: %v\n", SupportedSubsystems())
		return nil
	}

	// Validate our config before we proceed.
	if err := Validate(&config); err != nil {
		return err
	}

	if err := ParseAndSetDebugLevels(config.DebugLevel); err != nil {
		return err
	}

	log.Infof("Version %v, data in %v", xswap.Version(), config.DataDir)

	sim, err := newSimulation(&config, clock.NewDefaultClock())
	if err != nil {
		return err
	}
	defer sim.close()

	outcomes, err := sim.run(ctx)
	if err != nil {
		return err
	}

	for _, outcome := range outcomes {
		fmt.Printf("%v\t%v\t%v\n", outcome.Key, outcome.Bob.State,
			outcome.Alice.State)
	}

	log.Infof("Shutdown complete")

	return nil
}
