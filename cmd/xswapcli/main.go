package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/xswap"
	"github.com/lightninglabs/xswap/swapdb"
	"github.com/urfave/cli"
)

var defaultDataDir = btcutil.AppDataDir("xswap", false)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[xswapcli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()

	app.Version = xswap.Version()
	app.Name = "xswapcli"
	app.Usage = "inspect the swap databases of xswapd"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Value: defaultDataDir,
			Usage: "xswapd data directory",
		},
		cli.StringFlag{
			Name:  "network",
			Value: "regtest",
			Usage: "network the daemon runs on",
		},
		cli.StringFlag{
			Name:  "party",
			Value: "bob",
			Usage: "the local party whose swaps are shown, bob or alice",
		},
	}
	app.Commands = []cli.Command{
		listSwapsCommand, swapStatusCommand, waitSwapCommand,
	}

	err := app.Run(os.Args)
	if err != nil {
		fatal(err)
	}
}

// getStore opens the swap database selected by the global flags. The
// database is locked while xswapd runs.
func getStore(ctx *cli.Context) (*swapdb.BoltStore, func(), error) {
	party := ctx.GlobalString("party")
	if party != "bob" && party != "alice" {
		return nil, nil, fmt.Errorf("unknown party: %v", party)
	}

	dbPath := filepath.Join(
		ctx.GlobalString("datadir"), ctx.GlobalString("network"), party,
	)
	store, err := swapdb.NewBoltStore(dbPath)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "closing store: %v\n", err)
		}
	}

	return store, cleanup, nil
}
