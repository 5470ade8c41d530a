package coordinator

import (
	"context"
	"time"

	"github.com/lightninglabs/xswap/btcscript"
	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/fsm"
	"github.com/lightninglabs/xswap/gate"
	"github.com/lightninglabs/xswap/rawtx"
	"github.com/lightninglabs/xswap/swap"
)

// Alice states.
var (
	SendPubkeys          = fsm.StateType("SendPubkeys")
	SendChoice           = fsm.StateType("SendChoice")
	SendBulkReveal       = fsm.StateType("SendBulkReveal")
	FeeSent              = fsm.StateType("FeeSent")
	AwaitBobDeposit      = fsm.StateType("AwaitBobDeposit")
	AlicePaymentSent     = fsm.StateType("AlicePaymentSent")
	AwaitBobPayment      = fsm.StateType("AwaitBobPayment")
	WaitPaymentConfirmed = fsm.StateType("WaitPaymentConfirmed")
	Recovering           = fsm.StateType("Recovering")
)

// AliceFSM runs the alice side of a swap. She pays the dex fee and a 2-of-2
// payment on her chain and spends Bob's payment with her secret.
type AliceFSM struct {
	*coordinator
}

// NewAliceFSM creates the alice coordinator of req.
func NewAliceFSM(cfg *Config, req *Request) (*AliceFSM, error) {
	c, err := newCoordinator(cfg, req, swap.RoleAlice)
	if err != nil {
		return nil, err
	}

	alice := &AliceFSM{coordinator: c}
	alice.StateMachine = fsm.NewStateMachine(alice.GetStates())
	alice.ActionEntryFunc = alice.entered

	return alice, nil
}

// Run executes the swap and returns its fatal error, if any.
func (a *AliceFSM) Run(ctx context.Context) error {
	return a.run(ctx)
}

// GetStates returns the alice state map.
func (a *AliceFSM) GetStates() fsm.States {
	return fsm.States{
		fsm.Default: fsm.State{
			Transitions: fsm.Transitions{
				OnStart: Init,
			},
			Action: fsm.NoOpAction,
		},
		Init: fsm.State{
			Transitions: fsm.Transitions{
				OnBalanceChecked: SendPubkeys,
				fsm.OnError:      Failed,
			},
			Action: a.InitAction,
		},
		SendPubkeys: fsm.State{
			Transitions: fsm.Transitions{
				OnPubkeys:   SendChoice,
				fsm.OnError: Failed,
			},
			Action: a.SendPubkeysAction,
		},
		SendChoice: fsm.State{
			Transitions: fsm.Transitions{
				OnChoice:    SendBulkReveal,
				fsm.OnError: Failed,
			},
			Action: a.SendChoiceAction,
		},
		SendBulkReveal: fsm.State{
			Transitions: fsm.Transitions{
				OnBulkReveal: FeeSent,
				fsm.OnError:  Failed,
			},
			Action: a.SendBulkRevealAction,
		},
		FeeSent: fsm.State{
			Transitions: fsm.Transitions{
				OnAliceFee:  AwaitBobDeposit,
				fsm.OnError: Failed,
			},
			Action: a.SendFeeAction,
		},
		AwaitBobDeposit: fsm.State{
			Transitions: fsm.Transitions{
				OnBobDeposit: AlicePaymentSent,
				fsm.OnError:  Failed,
			},
			Action: a.AwaitBobDepositAction,
		},
		AlicePaymentSent: fsm.State{
			Transitions: fsm.Transitions{
				OnAlicePayment: WaitDepositConfirmed,
				fsm.OnError:    Failed,
			},
			Action: a.SendPaymentAction,
		},
		WaitDepositConfirmed: fsm.State{
			Transitions: fsm.Transitions{
				OnDepositConfirmed: AwaitBobPayment,
				fsm.OnError:        Failed,
			},
			Action: a.WaitDepositConfirmedAction,
		},
		AwaitBobPayment: fsm.State{
			Transitions: fsm.Transitions{
				OnBobPayment: WaitPaymentConfirmed,
				fsm.OnError:  Failed,
			},
			Action: a.AwaitBobPaymentAction,
		},
		WaitPaymentConfirmed: fsm.State{
			Transitions: fsm.Transitions{
				OnSettled:   Finished,
				fsm.OnError: Failed,
			},
			Action: a.SpendBobPaymentAction,
		},
		Finished: fsm.State{
			Action: a.FinishedAction,
		},
		Failed: fsm.State{
			Transitions: fsm.Transitions{
				OnRecover: Recovering,
			},
			Action: a.FailedAction,
		},
		Recovering: fsm.State{
			Transitions: fsm.Transitions{
				OnSettled: Finished,
			},
			Action: a.RecoverAction,
		},
	}
}

// InitAction records the swap and checks that Alice can pay the fee and
// her payment.
func (a *AliceFSM) InitAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	p := a.state.Params
	need := p.AlicePayment + p.DexFee + 2*p.AliceTxFee

	return a.start(
		ctx, a.cfg.AliceChain.Ledger(), need, swap.CodeAliceBalance,
	)
}

// SendPubkeysAction sends Alice's deck commitment and verifies Bob's.
func (a *AliceFSM) SendPubkeysAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	s := a.state.Session
	err := a.channel.SendThenWait(
		ctx, a.channel.Topic(roundPubkeys),
		a.channel.ReplyTopic(roundPubkeys), a.cfg.StepTimeout,
		s.CommitmentPayload(), s.VerifyCommitment,
	)
	if err != nil {
		return a.fail(roundKind(err, swap.KindCommitment),
			swap.CodeAlicePubkeys, err)
	}

	return OnPubkeys
}

// SendChoiceAction exchanges the cut indices.
func (a *AliceFSM) SendChoiceAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	s := a.state.Session
	err := a.channel.SendThenWait(
		ctx, a.channel.Topic(roundChoice),
		a.channel.ReplyTopic(roundChoice), a.cfg.StepTimeout,
		s.ChoicePayload(), s.VerifyChoice,
	)
	if err != nil {
		return a.fail(roundKind(err, swap.KindChoice),
			swap.CodeAliceChoice, err)
	}

	return OnChoice
}

// SendBulkRevealAction reveals Alice's deck and audits Bob's.
func (a *AliceFSM) SendBulkRevealAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	s := a.state.Session
	payload, err := s.BulkRevealPayload()
	if err != nil {
		return a.fail(swap.KindAudit, swap.CodeAliceMostPrivs, err)
	}

	err = a.channel.SendThenWait(
		ctx, a.channel.Topic(roundMostPrivs),
		a.channel.ReplyTopic(roundMostPrivs), a.cfg.StepTimeout,
		payload, verifyReveal(s.VerifyBulkReveal),
	)
	if err != nil {
		return a.fail(roundKind(err, swap.KindAudit),
			swap.CodeAliceMostPrivs, err)
	}

	a.log.Infof("Cut and choose audit passed")

	return OnBulkReveal
}

// SendFeeAction pays the dex fee and sends the fee transaction to Bob.
func (a *AliceFSM) SendFeeAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	p := a.state.Params
	err := a.cfg.AliceChain.Stage(ctx, &a.state.MyFee, chain.TxParams{
		Kind:      chain.TxFee,
		Amount:    p.DexFee,
		Fee:       p.AliceTxFee,
		ToAddress: a.cfg.FeeAddress,
	})
	if err != nil {
		return a.fail(swap.KindBuild, swap.CodeAliceFee, err)
	}

	if err := a.reserve(&a.state.MyFee); err != nil {
		return a.fail(swap.KindBuild, swap.CodeAliceFee, err)
	}

	err = a.publish(ctx, a.cfg.AliceChain, &a.state.MyFee)
	if err != nil {
		return a.fail(swap.KindBroadcast, swap.CodeAliceFee, err)
	}

	if err := a.sendTx(ctx, roundAliceFee, &a.state.MyFee); err != nil {
		return a.fail(swap.KindChannel, swap.CodeAliceFee, err)
	}

	return OnAliceFee
}

// depositScript returns the redeem script of Bob's deposit.
func (a *AliceFSM) depositScript() ([]byte, error) {
	s := a.state.Session

	return btcscript.DepositScript(
		a.state.Params.AliceClaimLocktime, s.Mine.FirstUsePub[0],
		s.EarlyHash160, s.TheirFirstUse[0], s.TheirSecret160,
	)
}

// paymentScript returns the redeem script of Bob's payment.
func (a *AliceFSM) paymentScript() ([]byte, error) {
	s := a.state.Session

	return btcscript.PaymentScript(
		a.state.Params.BobReclaimLocktime, s.TheirFirstUse[1],
		s.EarlyHash160, s.Mine.FirstUsePub[0],
	)
}

// AwaitBobDepositAction verifies Bob's deposit and stages the claim that
// takes it if Bob never refunds.
func (a *AliceFSM) AwaitBobDepositAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	redeem, err := a.depositScript()
	if err != nil {
		return a.fail(swap.KindBuild, swap.CodeAliceBobDeposit, err)
	}

	p := a.state.Params
	err = a.receiveTx(
		ctx, roundBobDeposit, a.cfg.BobChain, &a.state.BobDeposit,
		rawtx.Expect{
			Kind:   chain.TxBobDeposit,
			Amount: p.Deposit,
			Fee:    p.BobTxFee,
			Redeem: redeem,
		},
	)
	if err != nil {
		return a.fail(verifyKind(err), swap.CodeAliceBobDeposit, err)
	}

	s := a.state.Session
	err = a.cfg.BobChain.Stage(ctx, &a.state.AliceClaim, chain.TxParams{
		Kind:     chain.TxAliceClaim,
		Fee:      p.BobTxFee,
		Locktime: p.AliceClaimLocktime,
		From: spendOf(&a.state.BobDeposit, chain.Unlock{
			Keys:   []swap.PrivateKey{s.Mine.FirstUse[0]},
			Suffix: [][]byte{s.EarlySecret[:], {1}},
		}),
	})
	if err != nil {
		return a.fail(swap.KindBuild, swap.CodeAliceBobDeposit, err)
	}

	return OnBobDeposit
}

// SendPaymentAction locks Alice's payment to the 2-of-2 of both secrets
// and sends it to Bob.
func (a *AliceFSM) SendPaymentAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	s := a.state.Session
	redeem, err := btcscript.MultisigScript(s.EarlyPub, s.TheirSecretPub)
	if err != nil {
		return a.fail(swap.KindBuild, swap.CodeAlicePaymentSend, err)
	}

	p := a.state.Params
	err = a.cfg.AliceChain.Stage(ctx, &a.state.AlicePayment, chain.TxParams{
		Kind:   chain.TxAlicePayment,
		Amount: p.AlicePayment,
		Fee:    p.AliceTxFee,
		Redeem: redeem,
	})
	if err != nil {
		return a.fail(swap.KindBuild, swap.CodeAlicePaymentSend, err)
	}

	if err := a.reserve(&a.state.AlicePayment); err != nil {
		return a.fail(swap.KindBuild, swap.CodeAlicePaymentSend, err)
	}

	err = a.publish(ctx, a.cfg.AliceChain, &a.state.AlicePayment)
	if err != nil {
		return a.fail(swap.KindBroadcast, swap.CodeAlicePaymentSend, err)
	}

	err = a.sendTx(ctx, roundAlicePayment, &a.state.AlicePayment)
	if err != nil {
		return a.fail(swap.KindChannel, swap.CodeAlicePaymentSend, err)
	}

	return OnAlicePayment
}

// WaitDepositConfirmedAction waits until Bob's deposit is buried deep
// enough.
func (a *AliceFSM) WaitDepositConfirmedAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	_, err := a.cfg.Gate.WaitConfirmations(
		ctx, a.cfg.BobChain.Ledger(), a.state.BobDeposit.SignedTxID,
		uint32(a.state.Session.Policy.BobConfirms),
		a.state.Params.ExpirationTime(),
	)
	if err != nil {
		return a.fail(confirmKind(err), swap.CodeAliceDepositConfs, err)
	}
	a.state.BobDeposit.Confirmed = true

	return OnDepositConfirmed
}

// AwaitBobPaymentAction verifies Bob's hash locked payment.
func (a *AliceFSM) AwaitBobPaymentAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	redeem, err := a.paymentScript()
	if err != nil {
		return a.fail(swap.KindBuild, swap.CodeAliceBobPayment, err)
	}

	p := a.state.Params
	err = a.receiveTx(
		ctx, roundBobPayment, a.cfg.BobChain, &a.state.BobPayment,
		rawtx.Expect{
			Kind:   chain.TxBobPayment,
			Amount: p.BobPayment,
			Fee:    p.BobTxFee,
			Redeem: redeem,
		},
	)
	if err != nil {
		return a.fail(verifyKind(err), swap.CodeAliceBobPayment, err)
	}

	return OnBobPayment
}

// SpendBobPaymentAction waits for Bob's payment to confirm and spends it
// with Alice's secret. The wait ends at Bob's reclaim locktime.
func (a *AliceFSM) SpendBobPaymentAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	p := a.state.Params
	_, err := a.cfg.Gate.WaitConfirmations(
		ctx, a.cfg.BobChain.Ledger(), a.state.BobPayment.SignedTxID,
		uint32(a.state.Session.Policy.BobConfirms),
		time.Unix(int64(p.BobReclaimLocktime), 0),
	)
	if err != nil {
		return a.fail(confirmKind(err), swap.CodeAliceBobPayment, err)
	}
	a.state.BobPayment.Confirmed = true

	s := a.state.Session
	err = a.cfg.BobChain.Stage(ctx, &a.state.AliceSpend, chain.TxParams{
		Kind: chain.TxAliceSpend,
		Fee:  p.BobTxFee,
		From: spendOf(&a.state.BobPayment, chain.Unlock{
			Keys:   []swap.PrivateKey{s.Mine.FirstUse[0]},
			Suffix: [][]byte{s.EarlySecret[:], nil},
		}),
	})
	if err != nil {
		return a.fail(swap.KindBuild, swap.CodeAliceBobPayment, err)
	}

	err = a.publish(ctx, a.cfg.BobChain, &a.state.AliceSpend)
	if err != nil {
		return a.fail(swap.KindBroadcast, swap.CodeAliceBobPayment, err)
	}
	a.state.Detail = "swap complete"

	return OnSettled
}

// FailedAction sends a swap whose payment is on chain into recovery and
// finishes any other.
func (a *AliceFSM) FailedAction(ctx context.Context,
	eventCtx fsm.EventContext) fsm.EventType {

	if a.state.AlicePayment.Published() && !a.state.AliceSpend.Published() {
		a.log.Warnf("Payment %v is locked, recovering",
			a.state.AlicePayment.ActualTxID)

		return OnRecover
	}

	return a.FinishedAction(ctx, eventCtx)
}

// RecoverAction watches Bob's deposit until Alice may claim it. If Bob
// refunds it first, his refund reveals his secret and Alice takes back her
// payment with it. Otherwise she claims the deposit.
func (a *AliceFSM) RecoverAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	if a.state.AliceClaim.IsEmpty() {
		a.log.Errorf("No claim staged, payment %v can not be recovered",
			a.state.AlicePayment.ActualTxID)

		return OnSettled
	}

	event, err := a.cfg.Gate.AwaitSpendOrLocktime(
		ctx, a.cfg.BobChain.Ledger(), a.state.BobDeposit.OutPoint(),
		a.state.AliceClaim.Locktime,
	)
	if err != nil {
		a.log.Errorf("Watching deposit: %v", err)
		return OnSettled
	}

	if event.Expired {
		err := a.publish(ctx, a.cfg.BobChain, &a.state.AliceClaim)
		if err != nil {
			a.log.Errorf("Publishing claim: %v", err)
			return OnSettled
		}
		a.recovered(chain.TxAliceClaim)

		return OnSettled
	}

	if err := a.reclaimPayment(ctx, event); err != nil {
		a.log.Errorf("Reclaiming payment: %v", err)
	}

	return OnSettled
}

// reclaimPayment spends Alice's 2-of-2 with Bob's secret taken from the
// spend of his deposit.
func (a *AliceFSM) reclaimPayment(ctx context.Context,
	event *gate.Event) error {

	s := a.state.Session
	privBn, err := btcscript.ExtractSecret(
		event.Spend.SigScript, s.TheirSecret160,
	)
	if err != nil {
		return err
	}
	defer privBn.Zero()

	a.state.BobRefund.Kind = chain.TxBobRefund
	a.state.BobRefund.ActualTxID = event.Spend.SpendingTx.TxHash()

	err = a.cfg.AliceChain.Stage(ctx, &a.state.AliceReclaim, chain.TxParams{
		Kind: chain.TxAliceReclaim,
		Fee:  a.state.Params.AliceTxFee,
		From: spendOf(&a.state.AlicePayment, chain.Unlock{
			Prefix: [][]byte{nil},
			Keys:   []swap.PrivateKey{s.EarlySecret, privBn},
		}),
	})
	if err != nil {
		return err
	}

	err = a.publish(ctx, a.cfg.AliceChain, &a.state.AliceReclaim)
	if err != nil {
		return err
	}
	a.recovered(chain.TxAliceReclaim)

	return nil
}

func (a *AliceFSM) recovered(kind chain.TxKind) {
	a.state.Recovered = true
	a.state.Detail = "recovered with " + kind.String()
}

// FinishedAction tears the swap down. The deposit claim is armed only if
// Alice never spent Bob's payment and Bob did not refund the deposit. The
// deposit is Bob's once she spent his payment. A spend the ledger never
// reported is armed for another broadcast.
func (a *AliceFSM) FinishedAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	switch {
	case a.state.AliceSpend.Published():
		a.arm(ctx, a.cfg.BobChain, &a.state.AliceSpend)

	case !a.state.BobRefund.Published():
		a.arm(ctx, a.cfg.BobChain, &a.state.AliceClaim)
	}
	a.finish(ctx)

	return fsm.NoOp
}
