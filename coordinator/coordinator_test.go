package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/xswap"
	"github.com/lightninglabs/xswap/btcledger"
	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/fsm"
	"github.com/lightninglabs/xswap/gate"
	"github.com/lightninglabs/xswap/lockstep"
	"github.com/lightninglabs/xswap/rawtx"
	"github.com/lightninglabs/xswap/registry"
	"github.com/lightninglabs/xswap/simchain"
	"github.com/lightninglabs/xswap/swap"
	"github.com/lightninglabs/xswap/swapdb"
	"github.com/lightninglabs/xswap/test"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var (
	testParams = &chaincfg.RegressionNetParams
	testTime   = time.Unix(1_700_000_000, 0)

	testPoll = 10 * time.Millisecond
)

// testFunding is the wallet balance of each party on the chain it pays on.
const testFunding = btcutil.Amount(6_000_000)

// testParty is the collaborators of one side of a test swap.
type testParty struct {
	cfg         *Config
	store       *swapdb.BoltStore
	bobLedger   *btcledger.Ledger
	aliceLedger *btcledger.Ledger
}

// testHarness connects a bob and an alice over two simulated chains.
type testHarness struct {
	clock      *clock.TestClock
	bobChain   *simchain.Chain
	aliceChain *simchain.Chain
	net        *lockstep.MemNetwork

	bob   *testParty
	alice *testParty

	req *Request
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	clk := clock.NewTestClock(testTime)
	h := &testHarness{
		clock:      clk,
		bobChain:   simchain.New(testParams, clk, simchain.WithAutoMine()),
		aliceChain: simchain.New(testParams, clk, simchain.WithAutoMine()),
		net:        lockstep.NewMemNetwork(),
		req: &Request{
			RequestID: 7,
			QuoteID:   9,
			UUID:      "7-9-test",
			Bob: &swap.Coin{
				Symbol: "BTC",
				TxFee:  10_000,
			},
			Alice: &swap.Coin{
				Symbol: "LTC",
				TxFee:  10_000,
			},
			BobAmount:   1_000_000,
			AliceAmount: 2_000_000,
			Timestamp:   testTime,
		},
	}

	h.bob = h.newParty(t, "bob", "alice", 1)
	h.alice = h.newParty(t, "alice", "bob", 2)

	// Bob pays on the bob chain, Alice on the alice chain.
	h.fund(t, h.bobChain, h.bob.bobLedger.Address())
	h.fund(t, h.aliceChain, h.alice.aliceLedger.Address())

	return h
}

func (h *testHarness) newParty(t *testing.T, name, peer string,
	index int32) *testParty {

	t.Helper()

	reg := registry.New(h.clock)
	newLedger := func(symbol string, c *simchain.Chain,
		seed int32) *btcledger.Ledger {

		l, err := btcledger.New(&btcledger.Config{
			Symbol:   symbol,
			Params:   testParams,
			Backend:  c,
			Key:      test.CreateSwapKey(seed),
			Reserved: reg.IsUnavailable,
		})
		require.NoError(t, err)

		return l
	}
	bobLedger := newLedger("BTC", h.bobChain, index*10)
	aliceLedger := newLedger("LTC", h.aliceChain, index*10+1)

	store, err := swapdb.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	bobPipe := rawtx.New(bobLedger, h.clock)
	bobPipe.PollInterval = testPoll
	alicePipe := rawtx.New(aliceLedger, h.clock)
	alicePipe.PollInterval = testPoll

	return &testParty{
		cfg: &Config{
			PersistentKey: test.CreateSwapKey(index),
			DeckSize:      16,
			BobChain:      bobPipe,
			AliceChain:    alicePipe,
			Gate: gate.New(gate.Config{
				Clock:        h.clock,
				PollInterval: testPoll,
			}),
			Registry:         reg,
			Store:            store,
			Messages:         h.net.Endpoint(name),
			Peer:             peer,
			FeeAddress:       test.GetDestAddr(t, 0).EncodeAddress(),
			StepTimeout:      500 * time.Millisecond,
			TxWaitTimeout:    time.Second,
			BroadcastTimeout: time.Second,
			Clock:            h.clock,
		},
		store:       store,
		bobLedger:   bobLedger,
		aliceLedger: aliceLedger,
	}
}

func (h *testHarness) fund(t *testing.T, c *simchain.Chain,
	addr btcutil.Address) {

	t.Helper()

	for i := 0; i < 2; i++ {
		_, err := c.Fund(addr, testFunding/2)
		require.NoError(t, err)
	}
}

func (h *testHarness) coordinators(t *testing.T) (*BobFSM, *AliceFSM) {
	t.Helper()

	bob, err := NewBobFSM(h.bob.cfg, h.req)
	require.NoError(t, err)

	alice, err := NewAliceFSM(h.alice.cfg, h.req)
	require.NoError(t, err)

	return bob, alice
}

// start runs both coordinators in the background.
func start(ctx context.Context, bob *BobFSM,
	alice *AliceFSM) (chan error, chan error) {

	bobErr := make(chan error, 1)
	aliceErr := make(chan error, 1)

	go func() {
		bobErr <- bob.Run(ctx)
	}()
	go func() {
		aliceErr <- alice.Run(ctx)
	}()

	return bobErr, aliceErr
}

func balance(t *testing.T, l *btcledger.Ledger) btcutil.Amount {
	t.Helper()

	b, err := l.Balance(context.Background(), l.WalletAddress())
	require.NoError(t, err)

	return b
}

func lookup(t *testing.T, p *testParty, key swapdb.Key) *swapdb.Status {
	t.Helper()

	status, err := p.store.Lookup(context.Background(), key)
	require.NoError(t, err)

	return status
}

// TestSwapSuccess runs a complete swap between both coordinators.
func TestSwapSuccess(t *testing.T) {
	defer test.Guard(t)()

	h := newTestHarness(t)
	bob, alice := h.coordinators(t)

	bobErr, aliceErr := start(context.Background(), bob, alice)
	require.NoError(t, <-bobErr)
	require.NoError(t, <-aliceErr)

	bobState, aliceState := bob.State(), alice.State()
	require.Equal(t, swapdb.StateFinished, bobState.Outcome)
	require.Equal(t, swapdb.StateFinished, aliceState.Outcome)
	require.Equal(t, Finished, bob.CurrentState())
	require.Equal(t, Finished, alice.CurrentState())

	// Each side learned the other's secret hash in the audit.
	require.Equal(
		t, aliceState.Session.EarlyHash160,
		bobState.Session.TheirSecret160,
	)
	require.Equal(
		t, bobState.Session.EarlyHash160,
		aliceState.Session.TheirSecret160,
	)

	require.True(t, aliceState.AliceSpend.Seen)
	require.True(t, bobState.BobSpend.Seen)

	// Bob took his deposit back right away, nothing is left to recover.
	require.True(t, bobState.BobRefund.Seen)
	require.Zero(t, bobState.BobRefund.Locktime)
	require.Empty(t, bobState.Armed)
	require.Empty(t, aliceState.Armed)

	p := bobState.Params
	require.Equal(
		t, p.AlicePayment-p.AliceTxFee, balance(t, h.bob.aliceLedger),
	)
	require.Equal(
		t, p.BobPayment-p.BobTxFee, balance(t, h.alice.bobLedger),
	)
	require.Equal(
		t, testFunding-p.BobPayment-3*p.BobTxFee,
		balance(t, h.bob.bobLedger),
	)

	status := lookup(t, h.bob, bob.Key())
	require.Equal(t, swapdb.StateFinished, status.State)
	require.Empty(t, status.Armed)

	status = lookup(t, h.alice, alice.Key())
	require.Equal(t, swapdb.StateFinished, status.State)
	require.Empty(t, status.Armed)

	require.Zero(t, h.bob.cfg.Registry.Pending())
	require.Zero(t, h.alice.cfg.Registry.Pending())
}

// TestSwapAuditTimeout drops the bulk reveal so that both sides time out
// before any transaction is built.
func TestSwapAuditTimeout(t *testing.T) {
	defer test.Guard(t)()

	h := newTestHarness(t)
	h.net.SetFilter(lockstep.DropTopic(roundMostPrivs))
	bob, alice := h.coordinators(t)

	bobErr, aliceErr := start(context.Background(), bob, alice)

	err := <-bobErr
	require.ErrorIs(t, err, lockstep.ErrTimeout)
	require.Equal(t, swap.CodeBobMostPrivs, swap.CodeOf(err))
	require.Equal(t, swap.KindChannel, swap.KindOf(err))

	err = <-aliceErr
	require.Equal(t, swap.CodeAliceMostPrivs, swap.CodeOf(err))

	bobState := bob.State()
	require.Equal(t, swapdb.StateFailed, bobState.Outcome)
	require.Equal(t, Failed, bob.CurrentState())
	require.False(t, bobState.BobDeposit.Published())
	require.False(t, bobState.BobPayment.Published())
	require.Empty(t, bobState.Armed)

	status := lookup(t, h.bob, bob.Key())
	require.Equal(t, swapdb.StateFailed, status.State)
	require.EqualValues(t, swap.CodeBobMostPrivs, status.Code)

	require.Zero(t, h.bob.cfg.Registry.Pending())
	require.Zero(t, h.alice.cfg.Registry.Pending())
}

// TestSwapBalance checks the balance preflight of both sides.
func TestSwapBalance(t *testing.T) {
	defer test.Guard(t)()

	h := newTestHarness(t)
	h.req.BobAmount = 10_000_000
	bob, err := NewBobFSM(h.bob.cfg, h.req)
	require.NoError(t, err)

	err = bob.Run(context.Background())
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, swap.CodeBobBalance, swap.CodeOf(err))
	require.Equal(t, swap.KindBalance, swap.KindOf(err))

	status := lookup(t, h.bob, bob.Key())
	require.Equal(t, swapdb.StateFailed, status.State)
	require.Zero(t, h.bob.cfg.Registry.Pending())

	require.NoError(t, h.alice.cfg.Messages.Close())
}

// TestSwapRecovery drops Bob's payment. Bob takes it back after its
// locktime and Alice claims his deposit.
func TestSwapRecovery(t *testing.T) {
	defer test.Guard(t, test.WithGuardTimeout(10*time.Second))()

	h := newTestHarness(t)
	h.net.SetFilter(lockstep.DropTopic(roundBobPayment))
	bob, alice := h.coordinators(t)

	bobObserver := fsm.NewCachedObserver(100)
	bob.RegisterObserver(bobObserver)
	aliceObserver := fsm.NewCachedObserver(100)
	alice.RegisterObserver(aliceObserver)

	ctx := context.Background()
	bobErr, aliceErr := start(ctx, bob, alice)

	require.NoError(t, bobObserver.WaitForState(
		ctx, 3*time.Second, AwaitTimeoutOrSpend,
	))
	require.NoError(t, aliceObserver.WaitForState(
		ctx, 3*time.Second, Recovering,
	))

	p := bob.State().Params
	h.clock.SetTime(time.Unix(int64(p.AliceClaimLocktime), 0))

	require.NoError(t, <-bobErr)
	err := <-aliceErr
	require.Equal(t, swap.CodeAliceBobPayment, swap.CodeOf(err))

	bobState, aliceState := bob.State(), alice.State()
	require.Equal(t, swapdb.StateFinished, bobState.Outcome)
	require.Equal(t, "recovered with bobreclaim", bobState.Detail)
	require.True(t, bobState.BobReclaim.Published())

	require.True(t, aliceState.Recovered)
	require.Equal(t, swapdb.StateFinished, aliceState.Outcome)
	require.Equal(t, "recovered with aliceclaim", aliceState.Detail)
	require.Empty(t, aliceState.Armed)

	require.Equal(t, p.Deposit-p.BobTxFee, balance(t, h.alice.bobLedger))

	status := lookup(t, h.alice, alice.Key())
	require.Equal(t, swapdb.StateFinished, status.State)
	require.EqualValues(t, swap.CodeAliceBobPayment, status.Code)
}

// runClock advances the test clock by step until both coordinators
// returned and hands back their errors.
func (h *testHarness) runClock(bobErr, aliceErr chan error,
	step time.Duration) (error, error) {

	var (
		errs    [2]error
		pending = 2
	)
	for pending > 0 {
		select {
		case err := <-bobErr:
			errs[0] = err
			bobErr = nil
			pending--

		case err := <-aliceErr:
			errs[1] = err
			aliceErr = nil
			pending--

		case <-time.After(50 * time.Millisecond):
			h.clock.SetTime(h.clock.Now().Add(step))
		}
	}

	return errs[0], errs[1]
}

func (p *testParty) sweeper(clk clock.Clock) *xswap.Sweeper {
	return xswap.NewSweeper(&xswap.SweeperConfig{
		Store: p.store,
		Ledgers: map[string]chain.Ledger{
			"BTC": p.bobLedger,
			"LTC": p.aliceLedger,
		},
		Clock: clk,
	})
}

// TestSwapDepositAfterSuccess checks that the deposit stays with Bob after
// a completed swap, whichever sweeper runs first once Alice's claim would
// be valid.
func TestSwapDepositAfterSuccess(t *testing.T) {
	tests := []struct {
		name       string
		aliceFirst bool
	}{
		{
			name:       "alice sweeps first",
			aliceFirst: true,
		},
		{
			name: "bob sweeps first",
		},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			defer test.Guard(t)()

			h := newTestHarness(t)
			bob, alice := h.coordinators(t)

			bobErr, aliceErr := start(
				context.Background(), bob, alice,
			)
			require.NoError(t, <-bobErr)
			require.NoError(t, <-aliceErr)

			p := bob.State().Params
			bobBalance := balance(t, h.bob.bobLedger)
			aliceBalance := balance(t, h.alice.bobLedger)
			require.Equal(
				t, testFunding-p.BobPayment-3*p.BobTxFee,
				bobBalance,
			)

			h.clock.SetTime(
				time.Unix(int64(p.AliceClaimLocktime)+1, 0),
			)

			sweepers := []*xswap.Sweeper{
				h.bob.sweeper(h.clock), h.alice.sweeper(h.clock),
			}
			if tc.aliceFirst {
				sweepers[0], sweepers[1] = sweepers[1], sweepers[0]
			}

			ctx := context.Background()
			for _, sweeper := range sweepers {
				swept, err := sweeper.SweepOnce(ctx)
				require.NoError(t, err)
				require.Zero(t, swept)
			}

			require.Equal(t, bobBalance, balance(t, h.bob.bobLedger))
			require.Equal(
				t, aliceBalance, balance(t, h.alice.bobLedger),
			)
		})
	}
}

// unseenLedger accepts broadcasts but hides the n-th one from lookups.
type unseenLedger struct {
	chain.Ledger

	mu     sync.Mutex
	hideAt int
	count  int
	hidden chainhash.Hash
}

func (u *unseenLedger) Broadcast(ctx context.Context, raw []byte) (
	chainhash.Hash, error) {

	txid, err := u.Ledger.Broadcast(ctx, raw)
	if err != nil {
		return txid, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.count++
	if u.count == u.hideAt {
		u.hidden = txid
	}

	return txid, nil
}

func (u *unseenLedger) isHidden(txid chainhash.Hash) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.count >= u.hideAt && txid == u.hidden
}

func (u *unseenLedger) InMempool(ctx context.Context,
	txid chainhash.Hash) (bool, error) {

	if u.isHidden(txid) {
		return false, nil
	}

	return u.Ledger.InMempool(ctx, txid)
}

func (u *unseenLedger) Confirmations(ctx context.Context,
	txid chainhash.Hash) (uint32, error) {

	if u.isHidden(txid) {
		return 0, chain.ErrNotFound
	}

	return u.Ledger.Confirmations(ctx, txid)
}

// TestSwapPaymentNotSeen hides Bob's payment from his own ledger after the
// broadcast. The payment reaches the chain, so its reclaim must be armed.
func TestSwapPaymentNotSeen(t *testing.T) {
	defer test.Guard(t, test.WithGuardTimeout(10*time.Second))()

	h := newTestHarness(t)

	// The deposit is Bob's first broadcast, the payment his second.
	ledger := &unseenLedger{Ledger: h.bob.bobLedger, hideAt: 2}
	pipe := rawtx.New(ledger, h.clock)
	pipe.PollInterval = testPoll
	h.bob.cfg.BobChain = pipe

	bob, alice := h.coordinators(t)
	bobErr, aliceErr := start(context.Background(), bob, alice)

	// The broadcast wait runs on the test clock.
	err, _ := h.runClock(bobErr, aliceErr, time.Second)
	require.ErrorIs(t, err, ErrNotSeen)
	require.Equal(t, swap.CodeBobPaymentSend, swap.CodeOf(err))

	bobState := bob.State()
	require.True(t, bobState.BobPayment.Published())
	require.False(t, bobState.BobReclaim.IsEmpty())
	require.Contains(t, bobState.Armed, chain.TxBobReclaim)
	require.Contains(t, bobState.Armed, chain.TxBobRefund)

	p := bobState.Params
	status := lookup(t, h.bob, bob.Key())
	require.Equal(t, swapdb.StateFailed, status.State)

	var reclaim *swapdb.ArmedTx
	for i := range status.Armed {
		if status.Armed[i].Kind == chain.TxBobReclaim {
			reclaim = &status.Armed[i]
		}
	}
	require.NotNil(t, reclaim)
	require.Equal(t, p.BobReclaimLocktime, reclaim.Locktime)
}

// TestSwapConfirmationTimeout lets the deposit stay below its confirmation
// target. Both sides hit the wait cap, Bob refunds his deposit at once and
// Alice takes her payment back with the secret the refund reveals.
func TestSwapConfirmationTimeout(t *testing.T) {
	defer test.Guard(t, test.WithGuardTimeout(10*time.Second))()

	h := newTestHarness(t)

	// Nothing but the deposit is mined on the bob chain before the cap.
	h.req.Bob.UserConfirms = 3
	for _, p := range []*testParty{h.bob, h.alice} {
		p.cfg.Gate = gate.New(gate.Config{
			Clock:               h.clock,
			PollInterval:        testPoll,
			MaxConfirmationWait: time.Minute,
		})
	}

	bob, alice := h.coordinators(t)
	bobErr, aliceErr := start(context.Background(), bob, alice)

	errBob, errAlice := h.runClock(bobErr, aliceErr, 10*time.Second)
	require.ErrorIs(t, errBob, gate.ErrConfirmationTimeout)
	require.Equal(t, swap.CodeBobDepositConfs, swap.CodeOf(errBob))
	require.Equal(t, swap.KindConfirmation, swap.KindOf(errBob))
	require.Equal(t, swap.CodeAliceDepositConfs, swap.CodeOf(errAlice))

	bobState, aliceState := bob.State(), alice.State()
	require.Equal(t, swapdb.StatePending, bobState.Outcome)
	require.False(t, bobState.BobPayment.Sent)
	require.True(t, bobState.BobRefund.Seen)
	require.Zero(t, bobState.BobRefund.Locktime)
	require.Empty(t, bobState.Armed)

	require.True(t, aliceState.Recovered)
	require.Equal(t, "recovered with alicereclaim", aliceState.Detail)
	require.True(t, aliceState.AliceReclaim.Seen)
	require.Empty(t, aliceState.Armed)

	status := lookup(t, h.bob, bob.Key())
	require.Equal(t, swapdb.StatePending, status.State)
	require.EqualValues(t, swap.CodeBobDepositConfs, status.Code)
}
