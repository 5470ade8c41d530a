package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/xswap/chain"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultPollInterval is the pause between two ledger lookups.
	DefaultPollInterval = time.Second

	// DefaultMaxConfirmationWait caps every confirmation wait. It is
	// three times the default swap locktime.
	DefaultMaxConfirmationWait = 3 * 7800 * time.Second
)

// ErrConfirmationTimeout is returned when a transaction did not reach its
// confirmation target before the wait expired.
var ErrConfirmationTimeout = errors.New("confirmation wait expired")

// Config holds the gate configuration.
type Config struct {
	// Clock measures waits and locktimes.
	Clock clock.Clock

	// PollInterval is the pause between two ledger lookups. Zero selects
	// DefaultPollInterval.
	PollInterval time.Duration

	// MaxConfirmationWait caps every confirmation wait regardless of the
	// expiration passed by the caller. Zero selects
	// DefaultMaxConfirmationWait.
	MaxConfirmationWait time.Duration
}

// Gate waits for confirmations and locktimes on any ledger.
type Gate struct {
	cfg Config
}

// New creates a gate.
func New(cfg Config) *Gate {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxConfirmationWait == 0 {
		cfg.MaxConfirmationWait = DefaultMaxConfirmationWait
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Gate{cfg: cfg}
}

// Clock returns the clock of the gate.
func (g *Gate) Clock() clock.Clock {
	return g.cfg.Clock
}

// poll calls check every poll interval until it reports done, the clock
// passes deadline or ctx is cancelled. It reports whether check finished.
func (g *Gate) poll(ctx context.Context, deadline time.Time,
	check func() (bool, error)) (bool, error) {

	t := ticker.New(g.cfg.PollInterval)
	t.Resume()
	defer t.Stop()

	for {
		done, err := check()
		if err != nil || done {
			return done, err
		}

		if !g.cfg.Clock.Now().Before(deadline) {
			return false, nil
		}

		select {
		case <-t.Ticks():

		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// WaitConfirmations waits until txid has want confirmations. The wait ends
// at expiration or after MaxConfirmationWait, whichever comes first. A zero
// expiration only applies the cap.
func (g *Gate) WaitConfirmations(ctx context.Context, ledger chain.Ledger,
	txid chainhash.Hash, want uint32, expiration time.Time) (uint32,
	error) {

	deadline := g.cfg.Clock.Now().Add(g.cfg.MaxConfirmationWait)
	if !expiration.IsZero() && expiration.Before(deadline) {
		deadline = expiration
	}

	var confs uint32
	done, err := g.poll(ctx, deadline, func() (bool, error) {
		n, err := ledger.Confirmations(ctx, txid)
		switch {
		case errors.Is(err, chain.ErrNotFound):
			n = 0

		case err != nil:
			log.Debugf("Confirmations of %v: %v", txid, err)
			return false, nil
		}

		if n != confs {
			log.Debugf("%v %v has %d/%d confirmations",
				ledger.Symbol(), txid, n, want)
		}
		confs = n

		return confs >= want, nil
	})
	switch {
	case err != nil:
		return confs, err

	case !done:
		return confs, fmt.Errorf("%w: %v has %d/%d confirmations",
			ErrConfirmationTimeout, txid, confs, want)
	}

	return confs, nil
}

// Expired reports whether the clock reached locktime.
func (g *Gate) Expired(locktime uint32) bool {
	return g.cfg.Clock.Now().Unix() >= int64(locktime)
}

// Event is the outcome of a spend or locktime watch.
type Event struct {
	// Spend is set if the watched output was spent.
	Spend *chain.SpendInfo

	// Expired is set if the locktime passed before a spend was seen.
	Expired bool
}

// AwaitSpendOrLocktime watches op until it is spent or the clock reaches
// locktime.
func (g *Gate) AwaitSpendOrLocktime(ctx context.Context,
	ledger chain.Ledger, op wire.OutPoint, locktime uint32) (*Event,
	error) {

	var event Event
	_, err := g.poll(ctx, time.Unix(int64(locktime), 0),
		func() (bool, error) {
			spend, err := ledger.FindSpend(ctx, op)
			switch {
			case errors.Is(err, chain.ErrNotFound):

			case err != nil:
				log.Debugf("Spend of %v: %v", op, err)

			case spend != nil:
				event.Spend = spend
				return true, nil
			}

			return false, nil
		},
	)
	if err != nil {
		return nil, err
	}

	if event.Spend == nil {
		event.Expired = true
		log.Debugf("Locktime %d of %v passed", locktime, op)
	}

	return &event, nil
}
