package xswapd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/xswap"
	"github.com/lightninglabs/xswap/btcledger"
	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/coordinator"
	"github.com/lightninglabs/xswap/gate"
	"github.com/lightninglabs/xswap/lockstep"
	"github.com/lightninglabs/xswap/rawtx"
	"github.com/lightninglabs/xswap/registry"
	"github.com/lightninglabs/xswap/simchain"
	"github.com/lightninglabs/xswap/swap"
	"github.com/lightninglabs/xswap/swapdb"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"
)

const (
	bobName   = "bob"
	aliceName = "alice"

	bobSymbol   = "BTC"
	aliceSymbol = "LTC"

	// fundingOutputs is the number of wallet outputs funded per swap and
	// party on simulated chains.
	fundingOutputs = 2
)

// Outcome is the recorded result of one simulated swap on both sides.
type Outcome struct {
	Key   swapdb.Key
	Bob   *swapdb.Status
	Alice *swapdb.Status
}

// party is one side of the in-process swaps.
type party struct {
	name     string
	cfg      *coordinator.Config
	store    *swapdb.BoltStore
	wallet   *btcledger.Ledger
	executor *xswap.Executor
	sweeper  *xswap.Sweeper
	results  chan xswap.Result
}

// simulation runs swaps between a local bob and a local alice. Bob pays on
// a bitcoind node when one is configured and on a simulated chain
// otherwise, alice always pays on a simulated chain.
type simulation struct {
	cfg    *Config
	params *chaincfg.Params
	clock  clock.Clock
	net    *lockstep.MemNetwork

	// bobSim is nil when bob's chain is a node.
	bobSim   *simchain.Chain
	aliceSim *simchain.Chain
	rpc      *btcledger.RPCBackend

	bob   *party
	alice *party
}

func newKey() (swap.PrivateKey, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return swap.PrivateKey{}, err
	}

	return swap.NewPrivateKey(privKey.Serialize())
}

func newSimulation(cfg *Config, clk clock.Clock) (*simulation, error) {
	params, err := swap.ChainParamsFromNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}

	s := &simulation{
		cfg:      cfg,
		params:   params,
		clock:    clk,
		net:      lockstep.NewMemNetwork(),
		aliceSim: simchain.New(params, clk, simchain.WithAutoMine()),
	}

	var bobBackend btcledger.ChainBackend
	if cfg.BtcRPC.Host != "" {
		s.rpc, err = btcledger.NewRPCBackend(cfg.BtcRPC)
		if err != nil {
			return nil, err
		}
		bobBackend = s.rpc
	} else {
		s.bobSim = simchain.New(params, clk, simchain.WithAutoMine())
		bobBackend = s.bobSim
	}

	dexKey, err := newKey()
	if err != nil {
		s.close()
		return nil, err
	}
	feeAddr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(dexKey.BTCEC().PubKey().SerializeCompressed()),
		params,
	)
	if err != nil {
		s.close()
		return nil, err
	}

	newParty := func(name, peer string, role swap.Role) (*party, error) {
		return s.newParty(
			name, peer, role, bobBackend, feeAddr.EncodeAddress(),
		)
	}

	s.bob, err = newParty(bobName, aliceName, swap.RoleBob)
	if err != nil {
		s.close()
		return nil, err
	}

	s.alice, err = newParty(aliceName, bobName, swap.RoleAlice)
	if err != nil {
		s.close()
		return nil, err
	}

	return s, nil
}

func (s *simulation) newParty(name, peer string, role swap.Role,
	bobBackend btcledger.ChainBackend, feeAddr string) (*party, error) {

	reg := registry.New(s.clock)

	newLedger := func(symbol string,
		backend btcledger.ChainBackend) (*btcledger.Ledger, error) {

		key, err := newKey()
		if err != nil {
			return nil, err
		}

		return btcledger.New(&btcledger.Config{
			Symbol:   symbol,
			Params:   s.params,
			Backend:  backend,
			Key:      key,
			Reserved: reg.IsUnavailable,
		})
	}

	bobLedger, err := newLedger(bobSymbol, bobBackend)
	if err != nil {
		return nil, err
	}
	aliceLedger, err := newLedger(aliceSymbol, s.aliceSim)
	if err != nil {
		return nil, err
	}

	persistentKey, err := newKey()
	if err != nil {
		return nil, err
	}

	store, err := swapdb.NewBoltStore(filepath.Join(s.cfg.DataDir, name))
	if err != nil {
		return nil, err
	}

	newPipeline := func(l chain.Ledger) *rawtx.Pipeline {
		p := rawtx.New(l, s.clock)
		p.PollInterval = s.cfg.PollInterval

		return p
	}

	wallet := bobLedger
	if role == swap.RoleAlice {
		wallet = aliceLedger
	}
	log.Infof("%v pays from %v wallet %v", name, wallet.Symbol(),
		wallet.WalletAddress())

	return &party{
		name: name,
		cfg: &coordinator.Config{
			PersistentKey: persistentKey,
			DeckSize:      s.cfg.DeckSize,
			TrustsOther:   s.cfg.TrustPeer,
			BobChain:      newPipeline(bobLedger),
			AliceChain:    newPipeline(aliceLedger),
			Gate: gate.New(gate.Config{
				Clock:               s.clock,
				PollInterval:        s.cfg.PollInterval,
				MaxConfirmationWait: s.cfg.MaxConfirmWait,
			}),
			Registry:    reg,
			Store:       store,
			Peer:        peer,
			FeeAddress:  feeAddr,
			StepTimeout: s.cfg.StepTimeout,
			Clock:       s.clock,
		},
		store:  store,
		wallet: wallet,
		executor: xswap.NewExecutor(&xswap.ExecutorConfig{
			Registry:   reg,
			MaxPending: s.cfg.MaxPending,
		}),
		sweeper: xswap.NewSweeper(&xswap.SweeperConfig{
			Store: store,
			Ledgers: map[string]chain.Ledger{
				bobSymbol:   bobLedger,
				aliceSymbol: aliceLedger,
			},
			Clock:    s.clock,
			Interval: s.cfg.SweepInterval,
		}),
		results: make(chan xswap.Result),
	}, nil
}

// fund pays the wallets of both payers enough for the configured swaps on
// the simulated chains.
func (s *simulation) fund() error {
	swaps := s.cfg.Sim.Swaps
	bobAmount, aliceAmount := s.amounts()

	for i := 0; i < swaps*fundingOutputs; i++ {
		if s.bobSim != nil {
			_, err := s.bobSim.Fund(s.bob.wallet.Address(), 3*bobAmount)
			if err != nil {
				return err
			}
		}

		_, err := s.aliceSim.Fund(s.alice.wallet.Address(), 3*aliceAmount)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *simulation) amounts() (btcutil.Amount, btcutil.Amount) {
	return s.cfg.Sim.Amount, 2 * s.cfg.Sim.Amount
}

// request returns the request of the i-th swap of this run.
func (s *simulation) request(i int) *coordinator.Request {
	now := s.clock.Now()
	bobAmount, aliceAmount := s.amounts()

	req := &coordinator.Request{
		RequestID: uint32(i + 1),
		QuoteID:   uint32(now.Unix()),
		Bob: &swap.Coin{
			Symbol:       bobSymbol,
			TxFee:        s.cfg.Sim.TxFee,
			UserConfirms: s.cfg.Confirms.Bob,
			MaxConfirms:  s.cfg.Confirms.Max,
		},
		Alice: &swap.Coin{
			Symbol:       aliceSymbol,
			TxFee:        s.cfg.Sim.TxFee,
			UserConfirms: s.cfg.Confirms.Alice,
			MaxConfirms:  s.cfg.Confirms.Max,
		},
		BobAmount:      bobAmount,
		AliceAmount:    aliceAmount,
		Timestamp:      now,
		OptionDuration: s.cfg.OptionDuration,
	}
	req.UUID = fmt.Sprintf("%d-%d", req.RequestID, req.QuoteID)

	return req
}

// run executes the configured swaps one after the other. Unless the
// simulation exits once they are done, the sweepers keep running until ctx
// is cancelled.
func (s *simulation) run(ctx context.Context) ([]Outcome, error) {
	if err := s.fund(); err != nil {
		return nil, fmt.Errorf("funding: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range []*party{s.bob, s.alice} {
		p := p

		g.Go(func() error {
			return p.executor.Run(ctx, p.results)
		})
		g.Go(func() error {
			return p.sweeper.Run(ctx)
		})
	}

	var outcomes []Outcome
	g.Go(func() error {
		var err error
		outcomes, err = s.runSwaps(ctx)
		if err != nil {
			return err
		}

		log.Infof("Finished %d swaps", len(outcomes))
		if s.cfg.Sim.Exit {
			cancel()
		}

		return nil
	})

	err := g.Wait()
	s.bob.executor.WaitFinished()
	s.alice.executor.WaitFinished()

	if errors.Is(err, context.Canceled) {
		err = nil
	}

	return outcomes, err
}

func (s *simulation) runSwaps(ctx context.Context) ([]Outcome, error) {
	for _, p := range []*party{s.bob, s.alice} {
		select {
		case <-p.executor.Ready():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	outcomes := make([]Outcome, 0, s.cfg.Sim.Swaps)
	for i := 0; i < s.cfg.Sim.Swaps; i++ {
		outcome, err := s.runSwap(ctx, s.request(i))
		if err != nil {
			return outcomes, err
		}

		log.Infof("Swap %v: bob %v (%v), alice %v (%v)", outcome.Key,
			outcome.Bob.State, outcome.Bob.Detail,
			outcome.Alice.State, outcome.Alice.Detail)

		outcomes = append(outcomes, outcome)
	}

	return outcomes, nil
}

func (s *simulation) runSwap(ctx context.Context,
	req *coordinator.Request) (Outcome, error) {

	// Every swap closes its endpoint when it is done.
	swapCfg := func(p *party) *coordinator.Config {
		cfg := *p.cfg
		cfg.Messages = s.net.Endpoint(p.name)

		return &cfg
	}

	bob, err := coordinator.NewBobFSM(swapCfg(s.bob), req)
	if err != nil {
		return Outcome{}, err
	}
	alice, err := coordinator.NewAliceFSM(swapCfg(s.alice), req)
	if err != nil {
		return Outcome{}, err
	}

	if err := s.bob.executor.InitiateSwap(ctx, bob); err != nil {
		return Outcome{}, err
	}
	if err := s.alice.executor.InitiateSwap(ctx, alice); err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{Key: bob.Key()}
	for _, p := range []*party{s.bob, s.alice} {
		select {
		case res := <-p.results:
			if res.Err != nil {
				log.Warnf("%v swap %v: %v", p.name, res.Key,
					res.Err)
			}

		case <-ctx.Done():
			return outcome, ctx.Err()
		}

		status, err := p.store.Lookup(ctx, outcome.Key)
		if err != nil {
			return outcome, fmt.Errorf("%v status: %w", p.name, err)
		}

		if p == s.bob {
			outcome.Bob = status
		} else {
			outcome.Alice = status
		}
	}

	return outcome, nil
}

// close releases the stores, endpoints and node connection.
func (s *simulation) close() {
	if err := s.net.Close(); err != nil {
		log.Errorf("Closing message network: %v", err)
	}

	for _, p := range []*party{s.bob, s.alice} {
		if p == nil {
			continue
		}

		if err := p.store.Close(); err != nil {
			log.Errorf("Closing %v store: %v", p.name, err)
		}
	}

	if s.rpc != nil {
		s.rpc.Close()
	}
}
