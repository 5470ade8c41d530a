package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lightninglabs/xswap"
	"github.com/lightninglabs/xswap/swapdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/urfave/cli"
)

var errMissingKey = errors.New("request_id and quote_id required")

var listSwapsCommand = cli.Command{
	Name:  "list",
	Usage: "list all swaps in the local database",
	Description: "Allows the user to get a list of all swaps that are " +
		"currently stored in the database",
	Action: listSwaps,
}

func listSwaps(ctx *cli.Context) error {
	store, cleanup, err := getStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	swaps, err := store.FetchSwaps(context.Background())
	if err != nil {
		return err
	}

	if len(swaps) == 0 {
		fmt.Printf("No swaps\n")
	}

	for _, s := range swaps {
		fmt.Printf("%v\t%v\t%v\t%v\n", s.Key, s.Role, s.State, s.Detail)
	}

	return nil
}

var swapStatusCommand = cli.Command{
	Name:      "status",
	Usage:     "show the status of a swap",
	ArgsUsage: "request_id quote_id",
	Description: "Shows the event log and the armed recovery " +
		"transactions of a single swap",
	Action: swapStatus,
}

// parseKey reads the swap key from the first two arguments.
func parseKey(ctx *cli.Context, cmd string) (swapdb.Key, error) {
	if ctx.NArg() != 2 {
		_ = cli.ShowCommandHelp(ctx, cmd)
		return swapdb.Key{}, errMissingKey
	}

	args := ctx.Args()
	requestID, err := strconv.ParseUint(args.Get(0), 10, 32)
	if err != nil {
		return swapdb.Key{}, fmt.Errorf("invalid request id: %v", err)
	}
	quoteID, err := strconv.ParseUint(args.Get(1), 10, 32)
	if err != nil {
		return swapdb.Key{}, fmt.Errorf("invalid quote id: %v", err)
	}

	return swapdb.Key{
		RequestID: uint32(requestID),
		QuoteID:   uint32(quoteID),
	}, nil
}

func printStatus(s *swapdb.Status) {
	fmt.Printf("%v\n", s.Key)
	fmt.Printf("   UUID: %v\n", s.UUID)
	fmt.Printf("   Role: %v\n", s.Role)
	fmt.Printf("   Order hash: %v\n", s.OrderHash)
	fmt.Printf("   Started: %v\n", s.Started)
	fmt.Printf("   State: %v (code %d) %v\n", s.State, s.Code, s.Detail)

	for _, u := range s.Updates {
		fmt.Printf("   %v %v %v\n", u.Time.Format(time.RFC3339),
			u.State, u.Detail)
	}

	for _, a := range s.Armed {
		fmt.Printf("   Armed %v %v valid at %v\n", a.Symbol, a.Kind,
			time.Unix(int64(a.Locktime), 0))
	}
}

func swapStatus(ctx *cli.Context) error {
	key, err := parseKey(ctx, "status")
	if err != nil {
		return err
	}

	store, cleanup, err := getStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	status, err := store.Lookup(context.Background(), key)
	if err != nil {
		return err
	}

	printStatus(status)

	return nil
}

var waitSwapCommand = cli.Command{
	Name:      "wait",
	Usage:     "wait for a swap to finish",
	ArgsUsage: "request_id quote_id",
	Description: "Polls the database until the swap is no longer " +
		"pending or the timeout passed",
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "maximum wait, 0 for the default cap",
		},
		cli.DurationFlag{
			Name:  "poll",
			Value: xswap.DefaultStatusPoll,
			Usage: "pause between two lookups",
		},
	},
	Action: waitSwap,
}

func waitSwap(ctx *cli.Context) error {
	key, err := parseKey(ctx, "wait")
	if err != nil {
		return err
	}

	store, cleanup, err := getStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	clk := clock.NewDefaultClock()

	var expiration time.Time
	if timeout := ctx.Duration("timeout"); timeout > 0 {
		expiration = clk.Now().Add(timeout)
	}

	status, err := xswap.WaitForSwap(
		context.Background(), store, clk, key, expiration,
		ctx.Duration("poll"),
	)
	if err != nil {
		return err
	}

	printStatus(status)

	return nil
}
