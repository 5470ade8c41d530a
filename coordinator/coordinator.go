package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/deck"
	"github.com/lightninglabs/xswap/fsm"
	"github.com/lightninglabs/xswap/gate"
	"github.com/lightninglabs/xswap/lockstep"
	"github.com/lightninglabs/xswap/rawtx"
	"github.com/lightninglabs/xswap/registry"
	"github.com/lightninglabs/xswap/swap"
	"github.com/lightninglabs/xswap/swapdb"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultBroadcastTimeout bounds the wait for a broadcast transaction
	// to show up on its ledger.
	DefaultBroadcastTimeout = time.Minute

	// Protocol round names. Topics are <round>@<uuid>, answers go to
	// <round>-reply@<uuid>.
	roundPubkeys      = "pubkeys"
	roundChoice       = "choosei"
	roundMostPrivs    = "mostprivs"
	roundAliceFee     = "alicefee"
	roundBobDeposit   = "bobdeposit"
	roundAlicePayment = "alicepayment"
	roundBobPayment   = "bobpayment"
)

var (
	// ErrInsufficientBalance is returned by the balance preflight.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotSeen is returned when a broadcast transaction never showed
	// up on its ledger.
	ErrNotSeen = errors.New("transaction not seen by ledger")
)

// Events shared by both coordinators.
var (
	OnStart            = fsm.EventType("OnStart")
	OnBalanceChecked   = fsm.EventType("OnBalanceChecked")
	OnPubkeys          = fsm.EventType("OnPubkeys")
	OnChoice           = fsm.EventType("OnChoice")
	OnBulkReveal       = fsm.EventType("OnBulkReveal")
	OnDepositBuilt     = fsm.EventType("OnDepositBuilt")
	OnDepositSent      = fsm.EventType("OnDepositSent")
	OnAliceFee         = fsm.EventType("OnAliceFee")
	OnBobDeposit       = fsm.EventType("OnBobDeposit")
	OnAlicePayment     = fsm.EventType("OnAlicePayment")
	OnDepositConfirmed = fsm.EventType("OnDepositConfirmed")
	OnPaymentBuilt     = fsm.EventType("OnPaymentBuilt")
	OnBobPayment       = fsm.EventType("OnBobPayment")
	OnPaymentConfirmed = fsm.EventType("OnPaymentConfirmed")
	OnSettled          = fsm.EventType("OnSettled")
	OnRecover          = fsm.EventType("OnRecover")
)

// Terminal states shared by both coordinators.
var (
	Init     = fsm.StateType("Init")
	Finished = fsm.StateType("Finished")
	Failed   = fsm.StateType("Failed")
)

// Config holds the collaborators of a coordinator.
type Config struct {
	// PersistentKey is the long lived key of the local party. It seeds
	// the deck of every swap.
	PersistentKey swap.PrivateKey

	// DeckSize is the number of committed keys. Both parties must agree
	// on it.
	DeckSize int

	// TrustsOther marks the counterpart as trusted.
	TrustsOther bool

	// BobChain and AliceChain are the local party's pipelines on the
	// chain Bob pays on and the chain Alice pays on.
	BobChain   *rawtx.Pipeline
	AliceChain *rawtx.Pipeline

	Gate     *gate.Gate
	Registry *registry.Registry
	Store    swapdb.SwapStore

	// Messages carries the protocol rounds to Peer.
	Messages lockstep.MessageChannel
	Peer     string

	// FeeAddress receives Alice's dex fee on the alice chain.
	FeeAddress string

	// StepTimeout bounds every lock-step round, TxWaitTimeout the wait
	// for a counterpart transaction and BroadcastTimeout the wait for a
	// published transaction to appear.
	StepTimeout      time.Duration
	TxWaitTimeout    time.Duration
	BroadcastTimeout time.Duration

	Clock clock.Clock
}

// coordinator is the state shared by the bob and alice state machines.
type coordinator struct {
	*fsm.StateMachine

	cfg     *Config
	state   *SwapState
	channel *lockstep.Channel
	log     *swap.PrefixLog

	// runCtx is the context of the running swap, used by the state entry
	// hook.
	runCtx context.Context

	stopKeepAlive func()
	counted       bool
}

// newCoordinator derives the swap parameters and the deck for role.
func newCoordinator(cfg *Config, req *Request,
	role swap.Role) (*coordinator, error) {

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = swap.DefaultStepTimeout
	}
	if cfg.TxWaitTimeout == 0 {
		cfg.TxWaitTimeout = swap.DefaultTxWaitTimeout
	}
	if cfg.BroadcastTimeout == 0 {
		cfg.BroadcastTimeout = DefaultBroadcastTimeout
	}
	if cfg.DeckSize == 0 {
		cfg.DeckSize = swap.DefaultDeckSize
	}

	params, err := NewSwapParams(req, role, cfg.TrustsOther)
	if err != nil {
		return nil, err
	}

	persistentPub, err := cfg.PersistentKey.PubKey()
	if err != nil {
		return nil, fmt.Errorf("persistent key: %w", err)
	}

	orderHash := req.OrderHash()
	d, err := deck.Generate(
		role.Tag(), cfg.DeckSize, cfg.PersistentKey, orderHash,
	)
	if err != nil {
		return nil, err
	}

	choice, err := deck.RandomChoice(cfg.DeckSize)
	if err != nil {
		return nil, err
	}

	session, err := deck.NewSession(deck.Config{
		Role:          role,
		RequestID:     req.RequestID,
		QuoteID:       req.QuoteID,
		PersistentPub: persistentPub,
		TrustsOther:   cfg.TrustsOther,
	}, params.Policy, d, choice)
	if err != nil {
		return nil, err
	}

	state := &SwapState{
		RequestID:      req.RequestID,
		QuoteID:        req.QuoteID,
		UUID:           req.UUID,
		Role:           role,
		OrderHash:      orderHash,
		PersistentPriv: cfg.PersistentKey,
		PersistentPub:  persistentPub,
		PersistentHash: hash160(persistentPub[:]),
		Session:        session,
		Params:         params,
		SelfIsTrusted:  true,
		OtherIsTrusted: cfg.TrustsOther,
	}

	return &coordinator{
		cfg:     cfg,
		state:   state,
		channel: lockstep.New(cfg.Messages, cfg.Peer, req.UUID),
		log: &swap.PrefixLog{
			Logger: log,
			Hash:   orderHash,
			Role:   role,
		},
		runCtx: context.Background(),
	}, nil
}

// State returns the swap record. It must only be read once the swap
// finished.
func (c *coordinator) State() *SwapState {
	return c.state
}

// Key returns the store key of the swap.
func (c *coordinator) Key() swapdb.Key {
	return c.state.Key()
}

// run drives the state machine from Init until it settles in a terminal
// state. The returned error is the fatal error of the swap.
func (c *coordinator) run(ctx context.Context) error {
	c.runCtx = ctx

	if err := c.SendEvent(ctx, OnStart, nil); err != nil {
		return err
	}

	return c.state.Err
}

// entered records every state change in the store.
func (c *coordinator) entered(state fsm.StateType) {
	c.log.Debugf("Entering %v", state)

	if !c.counted || state == Finished || state == Failed {
		return
	}

	err := c.cfg.Store.UpdateSwap(c.runCtx, c.state.Key(), swapdb.Update{
		Time:   c.cfg.Clock.Now(),
		State:  swapdb.StatePending,
		Detail: string(state),
	})
	if err != nil {
		c.log.Warnf("Unable to record state %v: %v", state, err)
	}
}

// fail records err as the fatal error of the swap and moves the state
// machine to Failed.
func (c *coordinator) fail(kind swap.ErrorKind, code int,
	err error) fsm.EventType {

	swapErr := swap.NewSwapError(
		kind, code, c.state.RequestID, c.state.QuoteID, err,
	)
	c.state.Err = swapErr
	c.log.Errorf("%v", swapErr)

	return c.HandleError(swapErr)
}

// start registers the swap, records it in the store and runs the balance
// preflight.
func (c *coordinator) start(ctx context.Context, ledger chain.Ledger,
	need btcutil.Amount, code int) fsm.EventType {

	c.log.Tracef("Swap params: %v", spew.Sdump(c.state.Params))

	err := c.cfg.Store.AppendSwap(ctx, &swapdb.Swap{
		Key:       c.state.Key(),
		UUID:      c.state.UUID,
		Role:      c.state.Role,
		OrderHash: c.state.OrderHash,
		Started:   c.cfg.Clock.Now(),
	})
	if err != nil {
		return c.fail(swap.KindBalance, code, err)
	}

	c.cfg.Registry.SwapStarted()
	c.counted = true

	balance, err := ledger.Balance(ctx, ledger.WalletAddress())
	if err != nil {
		return c.fail(swap.KindBalance, code, err)
	}
	if balance < need {
		return c.fail(swap.KindBalance, code, fmt.Errorf("%w: %v has "+
			"%v, needs %v", ErrInsufficientBalance, ledger.Symbol(),
			balance, need))
	}

	c.log.Infof("Starting swap %v, %v balance %v", c.state.Key(),
		ledger.Symbol(), balance)

	return OnBalanceChecked
}

// reserve locks the wallet inputs of slot for this swap and keeps the
// reservation alive until the swap finishes.
func (c *coordinator) reserve(slot *rawtx.TxSlot) error {
	until := c.cfg.Clock.Now().Add(registry.DefaultReservation)
	err := c.cfg.Registry.Reserve(c.state.UUID, until, slot.Inputs...)
	if err != nil {
		return err
	}

	if c.stopKeepAlive == nil {
		c.stopKeepAlive = c.cfg.Registry.KeepAlive(
			c.state.UUID, registry.DefaultReservation,
		)
	}

	return nil
}

// publish broadcasts slot and fails if the ledger never reports it.
func (c *coordinator) publish(ctx context.Context, p *rawtx.Pipeline,
	slot *rawtx.TxSlot) error {

	confirmed, err := p.BroadcastAndConfirm(
		ctx, slot, c.cfg.BroadcastTimeout,
	)
	if err != nil {
		return err
	}
	if !confirmed.Seen {
		return fmt.Errorf("%w: %v %v", ErrNotSeen, slot.Kind,
			slot.ActualTxID)
	}

	return nil
}

// sendTx sends the envelope of slot on round.
func (c *coordinator) sendTx(ctx context.Context, round string,
	slot *rawtx.TxSlot) error {

	payload, err := rawtx.EncodeEnvelope(slot)
	if err != nil {
		return err
	}

	// A failed send may still have been delivered.
	slot.Sent = true

	return c.channel.Send(
		ctx, c.channel.Topic(round), c.cfg.StepTimeout, payload,
	)
}

// receiveTx waits for the counterpart's envelope on round and verifies it
// into slot.
func (c *coordinator) receiveTx(ctx context.Context, round string,
	p *rawtx.Pipeline, slot *rawtx.TxSlot, expect rawtx.Expect) error {

	return c.channel.ReceiveThenVerify(
		ctx, c.channel.Topic(round), c.cfg.TxWaitTimeout,
		func(payload []byte) error {
			return p.DecodeAndVerify(payload, slot, expect)
		},
	)
}

// isChannelErr reports whether err is a transport failure rather than a
// rejected message.
func isChannelErr(err error) bool {
	return errors.Is(err, lockstep.ErrTimeout) ||
		errors.Is(err, lockstep.ErrClosed) ||
		errors.Is(err, lockstep.ErrBusy) ||
		errors.Is(err, lockstep.ErrWouldBlock) ||
		errors.Is(err, context.Canceled)
}

func hash160(b []byte) swap.Hash160 {
	var h swap.Hash160
	copy(h[:], btcutil.Hash160(b))

	return h
}

// spendOf describes the spend of the swap output held by slot.
func spendOf(slot *rawtx.TxSlot, unlock chain.Unlock) *chain.SpendSource {
	return &chain.SpendSource{
		OutPoint: slot.OutPoint(),
		Value:    slot.Amount,
		Redeem:   slot.Redeem,
		Unlock:   unlock,
	}
}

// arm hands a signed recovery transaction to the store. Empty slots and
// slots the ledger already reported are skipped. A broadcast that was never
// seen is armed again.
func (c *coordinator) arm(ctx context.Context, p *rawtx.Pipeline,
	slot *rawtx.TxSlot) {

	if slot.IsEmpty() || slot.Seen {
		return
	}

	err := c.cfg.Store.ArmTx(ctx, c.state.Key(), swapdb.ArmedTx{
		Kind:     slot.Kind,
		Symbol:   p.Ledger().Symbol(),
		Locktime: slot.Locktime,
		Raw:      slot.Raw,
	})
	if err != nil {
		c.log.Errorf("Unable to arm %v: %v", slot.Kind, err)
		return
	}

	c.state.Armed = append(c.state.Armed, slot.Kind)
	c.log.Infof("Armed %v %v, valid at %d", p.Ledger().Symbol(),
		slot.Kind, slot.Locktime)
}

// finish tears the swap down exactly once: reservations are released, the
// outcome is recorded, the channel is closed and the secrets are wiped.
func (c *coordinator) finish(ctx context.Context) {
	if c.state.Finished() {
		return
	}

	// Teardown must complete even if the swap was cancelled.
	ctx = context.WithoutCancel(ctx)

	if c.stopKeepAlive != nil {
		c.stopKeepAlive()
	}
	c.cfg.Registry.Release(c.state.UUID)

	c.state.Outcome = swapdb.StateFinished
	code := 0
	if c.state.Err != nil {
		code = swap.CodeOf(c.state.Err)
	}
	if c.state.Err != nil && !c.state.Recovered {
		c.state.Outcome = swapdb.StateFailed
		if swap.KindOf(c.state.Err) == swap.KindConfirmation {
			c.state.Outcome = swapdb.StatePending
		}
		if c.state.Detail == "" {
			c.state.Detail = c.state.Err.Error()
		}
	}

	if c.counted {
		err := c.cfg.Store.UpdateSwap(ctx, c.state.Key(), swapdb.Update{
			Time:   c.cfg.Clock.Now(),
			State:  c.state.Outcome,
			Code:   int32(code),
			Detail: c.state.Detail,
		})
		if err != nil {
			c.log.Errorf("Unable to record outcome: %v", err)
		}
	}

	if err := c.channel.Close(); err != nil {
		c.log.Debugf("Closing channel: %v", err)
	}

	c.state.wipe()

	if c.counted {
		c.cfg.Registry.SwapFinished()
	}
	c.state.FinishedAt = c.cfg.Clock.Now()

	c.log.Infof("Swap %v %v: %v", c.state.Key(), c.state.Outcome,
		c.state.Detail)
}
