package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lightninglabs/xswap/xswapd"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	if err := xswapd.Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "[xswapd] %v\n", err)
		stop()
		os.Exit(1)
	}
}
