package xswap

import (
	"context"
	"time"

	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/swapdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultSweepInterval is the pause between two sweeps of the armed
// recovery transactions.
const DefaultSweepInterval = 30 * time.Second

// SweeperConfig contains the sweeper configuration.
type SweeperConfig struct {
	// Store holds the armed recovery transactions.
	Store swapdb.SwapStore

	// Ledgers maps a coin symbol to the ledger armed transactions of
	// that coin are broadcast on.
	Ledgers map[string]chain.Ledger

	Clock clock.Clock

	// Interval is the pause between two sweeps. Zero selects
	// DefaultSweepInterval.
	Interval time.Duration
}

// Sweeper broadcasts armed recovery transactions once their locktime
// passed and disarms them when they are no longer needed.
type Sweeper struct {
	cfg *SweeperConfig
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg *SweeperConfig) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Sweeper{cfg: cfg}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := ticker.New(s.cfg.Interval)
	t.Resume()
	defer t.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil {
			log.Errorf("Sweep failed: %v", err)
		}

		select {
		case <-t.Ticks():

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SweepOnce walks the armed transactions of every swap. Transactions whose
// inputs are already spent are disarmed, the others are broadcast once
// their locktime passed. It returns the number of broadcast transactions.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	swaps, err := s.cfg.Store.FetchSwaps(ctx)
	if err != nil {
		return 0, err
	}

	now := s.cfg.Clock.Now().Unix()

	var swept int
	for _, status := range swaps {
		for _, armed := range status.Armed {
			ledger, ok := s.cfg.Ledgers[armed.Symbol]
			if !ok {
				log.Warnf("No %v ledger for %v of %v",
					armed.Symbol, armed.Kind, status.Key)

				continue
			}

			spent, err := s.inputsSpent(ctx, ledger, armed)
			if err != nil {
				log.Warnf("Checking %v of %v: %v", armed.Kind,
					status.Key, err)

				continue
			}
			if spent {
				log.Infof("%v of %v superseded", armed.Kind,
					status.Key)
				s.disarm(ctx, status.Key, armed.Kind)

				continue
			}

			if now < int64(armed.Locktime) {
				continue
			}

			txid, err := ledger.Broadcast(ctx, armed.Raw)
			if err != nil {
				log.Warnf("Broadcasting %v of %v: %v",
					armed.Kind, status.Key, err)

				continue
			}

			log.Infof("Swept %v %v of %v: %v", armed.Symbol,
				armed.Kind, status.Key, txid)
			s.disarm(ctx, status.Key, armed.Kind)
			swept++
		}
	}

	return swept, nil
}

// inputsSpent reports whether an input of the armed transaction was spent.
func (s *Sweeper) inputsSpent(ctx context.Context, ledger chain.Ledger,
	armed swapdb.ArmedTx) (bool, error) {

	tx, err := ledger.DecodeTransaction(armed.Raw)
	if err != nil {
		return false, err
	}

	for _, op := range tx.Inputs {
		spend, err := ledger.FindSpend(ctx, op)
		if err != nil {
			return false, err
		}
		if spend != nil {
			return true, nil
		}
	}

	return false, nil
}

func (s *Sweeper) disarm(ctx context.Context, key swapdb.Key,
	kind chain.TxKind) {

	if err := s.cfg.Store.DisarmTx(ctx, key, kind); err != nil {
		log.Errorf("Disarming %v of %v: %v", kind, key, err)
	}
}
