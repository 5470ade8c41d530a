package coordinator

import (
	"context"
	"errors"

	"github.com/lightninglabs/xswap/btcscript"
	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/fsm"
	"github.com/lightninglabs/xswap/gate"
	"github.com/lightninglabs/xswap/rawtx"
	"github.com/lightninglabs/xswap/swap"
)

// Bob states.
var (
	AwaitPubkeys         = fsm.StateType("AwaitPubkeys")
	AwaitChoice          = fsm.StateType("AwaitChoice")
	AwaitBulkReveal      = fsm.StateType("AwaitBulkReveal")
	DepositBuilt         = fsm.StateType("DepositBuilt")
	DepositSent          = fsm.StateType("DepositSent")
	AwaitAliceFee        = fsm.StateType("AwaitAliceFee")
	AwaitAlicePayment    = fsm.StateType("AwaitAlicePayment")
	WaitDepositConfirmed = fsm.StateType("WaitDepositConfirmed")
	PaymentBuilt         = fsm.StateType("PaymentBuilt")
	PaymentSent          = fsm.StateType("PaymentSent")
	AwaitTimeoutOrSpend  = fsm.StateType("AwaitTimeoutOrSpend")
)

// BobFSM runs the bob side of a swap: he posts the deposit and the hash
// locked payment on his chain and takes Alice's payment once she reveals
// her secret.
type BobFSM struct {
	*coordinator
}

// NewBobFSM creates the bob coordinator of req.
func NewBobFSM(cfg *Config, req *Request) (*BobFSM, error) {
	c, err := newCoordinator(cfg, req, swap.RoleBob)
	if err != nil {
		return nil, err
	}

	bob := &BobFSM{coordinator: c}
	bob.StateMachine = fsm.NewStateMachine(bob.GetStates())
	bob.ActionEntryFunc = bob.entered

	return bob, nil
}

// Run executes the swap and returns its fatal error, if any.
func (b *BobFSM) Run(ctx context.Context) error {
	return b.run(ctx)
}

// GetStates returns the bob state map.
func (b *BobFSM) GetStates() fsm.States {
	return fsm.States{
		fsm.Default: fsm.State{
			Transitions: fsm.Transitions{
				OnStart: Init,
			},
			Action: fsm.NoOpAction,
		},
		Init: fsm.State{
			Transitions: fsm.Transitions{
				OnBalanceChecked: AwaitPubkeys,
				fsm.OnError:      Failed,
			},
			Action: b.InitAction,
		},
		AwaitPubkeys: fsm.State{
			Transitions: fsm.Transitions{
				OnPubkeys:   AwaitChoice,
				fsm.OnError: Failed,
			},
			Action: b.AwaitPubkeysAction,
		},
		AwaitChoice: fsm.State{
			Transitions: fsm.Transitions{
				OnChoice:    AwaitBulkReveal,
				fsm.OnError: Failed,
			},
			Action: b.AwaitChoiceAction,
		},
		AwaitBulkReveal: fsm.State{
			Transitions: fsm.Transitions{
				OnBulkReveal: DepositBuilt,
				fsm.OnError:  Failed,
			},
			Action: b.AwaitBulkRevealAction,
		},
		DepositBuilt: fsm.State{
			Transitions: fsm.Transitions{
				OnDepositBuilt: DepositSent,
				fsm.OnError:    Failed,
			},
			Action: b.BuildDepositAction,
		},
		DepositSent: fsm.State{
			Transitions: fsm.Transitions{
				OnDepositSent: AwaitAliceFee,
				fsm.OnError:   Failed,
			},
			Action: b.SendDepositAction,
		},
		AwaitAliceFee: fsm.State{
			Transitions: fsm.Transitions{
				OnAliceFee:  AwaitAlicePayment,
				fsm.OnError: Failed,
			},
			Action: b.AwaitAliceFeeAction,
		},
		AwaitAlicePayment: fsm.State{
			Transitions: fsm.Transitions{
				OnAlicePayment: WaitDepositConfirmed,
				fsm.OnError:    Failed,
			},
			Action: b.AwaitAlicePaymentAction,
		},
		WaitDepositConfirmed: fsm.State{
			Transitions: fsm.Transitions{
				OnDepositConfirmed: PaymentBuilt,
				fsm.OnError:        Failed,
			},
			Action: b.WaitDepositConfirmedAction,
		},
		PaymentBuilt: fsm.State{
			Transitions: fsm.Transitions{
				OnPaymentBuilt: PaymentSent,
				fsm.OnError:    Failed,
			},
			Action: b.BuildPaymentAction,
		},
		PaymentSent: fsm.State{
			Transitions: fsm.Transitions{
				OnBobPayment: AwaitTimeoutOrSpend,
				fsm.OnError:  Failed,
			},
			Action: b.SendPaymentAction,
		},
		AwaitTimeoutOrSpend: fsm.State{
			Transitions: fsm.Transitions{
				OnSettled:   Finished,
				fsm.OnError: Failed,
			},
			Action: b.AwaitTimeoutOrSpendAction,
		},
		Finished: fsm.State{
			Action: b.FinishedAction,
		},
		Failed: fsm.State{
			Action: b.FinishedAction,
		},
	}
}

// InitAction records the swap and checks that Bob can fund the deposit
// and the payment.
func (b *BobFSM) InitAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	p := b.state.Params
	need := p.Deposit + p.BobPayment + 2*p.BobTxFee

	return b.start(ctx, b.cfg.BobChain.Ledger(), need, swap.CodeBobBalance)
}

// AwaitPubkeysAction verifies Alice's deck commitment and answers with
// Bob's.
func (b *BobFSM) AwaitPubkeysAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	s := b.state.Session
	err := b.channel.WaitThenSend(
		ctx, b.channel.Topic(roundPubkeys),
		b.channel.ReplyTopic(roundPubkeys), b.cfg.StepTimeout,
		func() ([]byte, error) {
			return s.CommitmentPayload(), nil
		},
		s.VerifyCommitment,
	)
	if err != nil {
		return b.fail(roundKind(err, swap.KindCommitment),
			swap.CodeBobPubkeys, err)
	}

	b.log.Debugf("Commitments exchanged, confirms alice %d bob %d",
		s.Policy.AliceConfirms, s.Policy.BobConfirms)

	return OnPubkeys
}

// AwaitChoiceAction stores Alice's cut index and answers with Bob's.
func (b *BobFSM) AwaitChoiceAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	s := b.state.Session
	err := b.channel.WaitThenSend(
		ctx, b.channel.Topic(roundChoice),
		b.channel.ReplyTopic(roundChoice), b.cfg.StepTimeout,
		func() ([]byte, error) {
			return s.ChoicePayload(), nil
		},
		s.VerifyChoice,
	)
	if err != nil {
		return b.fail(roundKind(err, swap.KindChoice),
			swap.CodeBobChoice, err)
	}

	return OnChoice
}

// AwaitBulkRevealAction audits Alice's revealed deck and answers with
// Bob's reveal.
func (b *BobFSM) AwaitBulkRevealAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	s := b.state.Session
	err := b.channel.WaitThenSend(
		ctx, b.channel.Topic(roundMostPrivs),
		b.channel.ReplyTopic(roundMostPrivs), b.cfg.StepTimeout,
		s.BulkRevealPayload, verifyReveal(s.VerifyBulkReveal),
	)
	if err != nil {
		return b.fail(roundKind(err, swap.KindAudit),
			swap.CodeBobMostPrivs, err)
	}

	b.log.Infof("Cut and choose audit passed")

	return OnBulkReveal
}

// depositScript returns the redeem script of the deposit.
func (b *BobFSM) depositScript() ([]byte, error) {
	s := b.state.Session

	return btcscript.DepositScript(
		b.state.Params.AliceClaimLocktime, s.TheirFirstUse[0],
		s.TheirSecret160, s.Mine.FirstUsePub[0], s.EarlyHash160,
	)
}

// paymentScript returns the redeem script of Bob's payment.
func (b *BobFSM) paymentScript() ([]byte, error) {
	s := b.state.Session

	return btcscript.PaymentScript(
		b.state.Params.BobReclaimLocktime, s.Mine.FirstUsePub[1],
		s.TheirSecret160, s.TheirFirstUse[0],
	)
}

// BuildDepositAction stages the deposit and the refund that returns it
// with Bob's early secret at expiration.
func (b *BobFSM) BuildDepositAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	p := b.state.Params
	redeem, err := b.depositScript()
	if err != nil {
		return b.fail(swap.KindBuild, swap.CodeBobDepositScripts, err)
	}

	err = b.cfg.BobChain.Stage(ctx, &b.state.BobDeposit, chain.TxParams{
		Kind:   chain.TxBobDeposit,
		Amount: p.Deposit,
		Fee:    p.BobTxFee,
		Redeem: redeem,
	})
	if err != nil {
		return b.fail(swap.KindBuild, swap.CodeBobDepositScripts, err)
	}

	s := b.state.Session
	err = b.cfg.BobChain.Stage(ctx, &b.state.BobRefund, chain.TxParams{
		Kind:     chain.TxBobRefund,
		Fee:      p.BobTxFee,
		Locktime: p.Expiration,
		From: spendOf(&b.state.BobDeposit, chain.Unlock{
			Keys:   []swap.PrivateKey{s.Mine.FirstUse[0]},
			Suffix: [][]byte{s.EarlySecret[:], nil},
		}),
	})
	if err != nil {
		return b.fail(swap.KindBuild, swap.CodeBobDepositScripts, err)
	}

	return OnDepositBuilt
}

// SendDepositAction reserves the deposit inputs, sends the deposit to
// Alice and publishes it.
func (b *BobFSM) SendDepositAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	if err := b.reserve(&b.state.BobDeposit); err != nil {
		return b.fail(swap.KindBuild, swap.CodeBobDepositSend, err)
	}

	if err := b.sendTx(ctx, roundBobDeposit, &b.state.BobDeposit); err != nil {
		return b.fail(swap.KindChannel, swap.CodeBobDepositSend, err)
	}

	err := b.publish(ctx, b.cfg.BobChain, &b.state.BobDeposit)
	if err != nil {
		return b.fail(swap.KindBroadcast, swap.CodeBobDepositSend, err)
	}

	return OnDepositSent
}

// AwaitAliceFeeAction verifies Alice's dex fee payment.
func (b *BobFSM) AwaitAliceFeeAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	p := b.state.Params
	err := b.receiveTx(
		ctx, roundAliceFee, b.cfg.AliceChain, &b.state.OtherFee,
		rawtx.Expect{
			Kind:    chain.TxFee,
			Amount:  p.DexFee,
			Fee:     p.AliceTxFee,
			Address: b.cfg.FeeAddress,
		},
	)
	if err != nil {
		return b.fail(verifyKind(err), swap.CodeBobAliceFee, err)
	}

	return OnAliceFee
}

// AwaitAlicePaymentAction verifies that Alice's payment locks the agreed
// amount to the 2-of-2 of both secrets.
func (b *BobFSM) AwaitAlicePaymentAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	s := b.state.Session
	redeem, err := btcscript.MultisigScript(s.TheirSecretPub, s.EarlyPub)
	if err != nil {
		return b.fail(swap.KindBuild, swap.CodeBobAlicePayment, err)
	}

	p := b.state.Params
	err = b.receiveTx(
		ctx, roundAlicePayment, b.cfg.AliceChain,
		&b.state.AlicePayment, rawtx.Expect{
			Kind:   chain.TxAlicePayment,
			Amount: p.AlicePayment,
			Fee:    p.AliceTxFee,
			Redeem: redeem,
		},
	)
	if err != nil {
		return b.fail(verifyKind(err), swap.CodeBobAlicePayment, err)
	}

	return OnAlicePayment
}

// WaitDepositConfirmedAction waits until the deposit and Alice's payment
// are buried deep enough.
func (b *BobFSM) WaitDepositConfirmedAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	policy := b.state.Session.Policy
	expiration := b.state.Params.ExpirationTime()

	_, err := b.cfg.Gate.WaitConfirmations(
		ctx, b.cfg.BobChain.Ledger(), b.state.BobDeposit.SignedTxID,
		uint32(policy.BobConfirms), expiration,
	)
	if err != nil {
		return b.fail(
			confirmKind(err), swap.CodeBobDepositConfs, err,
		)
	}
	b.state.BobDeposit.Confirmed = true

	_, err = b.cfg.Gate.WaitConfirmations(
		ctx, b.cfg.AliceChain.Ledger(), b.state.AlicePayment.SignedTxID,
		uint32(policy.AliceConfirms), expiration,
	)
	if err != nil {
		return b.fail(
			confirmKind(err), swap.CodeBobDepositConfs, err,
		)
	}
	b.state.AlicePayment.Confirmed = true

	return OnDepositConfirmed
}

// BuildPaymentAction stages Bob's hash locked payment and the reclaim that
// returns it after its locktime.
func (b *BobFSM) BuildPaymentAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	redeem, err := b.paymentScript()
	if err != nil {
		return b.fail(swap.KindBuild, swap.CodeBobPaymentScripts, err)
	}

	p := b.state.Params
	err = b.cfg.BobChain.Stage(ctx, &b.state.BobPayment, chain.TxParams{
		Kind:   chain.TxBobPayment,
		Amount: p.BobPayment,
		Fee:    p.BobTxFee,
		Redeem: redeem,
	})
	if err != nil {
		return b.fail(swap.KindBuild, swap.CodeBobPaymentScripts, err)
	}

	s := b.state.Session
	err = b.cfg.BobChain.Stage(ctx, &b.state.BobReclaim, chain.TxParams{
		Kind:     chain.TxBobReclaim,
		Fee:      p.BobTxFee,
		Locktime: p.BobReclaimLocktime,
		From: spendOf(&b.state.BobPayment, chain.Unlock{
			Keys:   []swap.PrivateKey{s.Mine.FirstUse[1]},
			Suffix: [][]byte{{1}},
		}),
	})
	if err != nil {
		return b.fail(swap.KindBuild, swap.CodeBobPaymentScripts, err)
	}

	if err := b.reserve(&b.state.BobPayment); err != nil {
		return b.fail(swap.KindBuild, swap.CodeBobPaymentScripts, err)
	}

	return OnPaymentBuilt
}

// SendPaymentAction sends and publishes the payment.
func (b *BobFSM) SendPaymentAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	err := b.sendTx(ctx, roundBobPayment, &b.state.BobPayment)
	if err != nil {
		return b.fail(swap.KindChannel, swap.CodeBobPaymentSend, err)
	}

	err = b.publish(ctx, b.cfg.BobChain, &b.state.BobPayment)
	if err != nil {
		return b.fail(swap.KindBroadcast, swap.CodeBobPaymentSend, err)
	}

	return OnBobPayment
}

// AwaitTimeoutOrSpendAction watches the payment. If Alice spends it, her
// secret is taken from the spend and used to claim her payment. If the
// reclaim locktime passes first the payment goes back to Bob.
func (b *BobFSM) AwaitTimeoutOrSpendAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	event, err := b.cfg.Gate.AwaitSpendOrLocktime(
		ctx, b.cfg.BobChain.Ledger(), b.state.BobPayment.OutPoint(),
		b.state.BobReclaim.Locktime,
	)
	if err != nil {
		return b.fail(swap.KindChannel, swap.CodeBobAliceSpend, err)
	}

	if event.Expired {
		err := b.publish(ctx, b.cfg.BobChain, &b.state.BobReclaim)
		if err != nil {
			return b.fail(
				swap.KindBroadcast, swap.CodeBobAliceSpend, err,
			)
		}
		b.state.Detail = "recovered with " + chain.TxBobReclaim.String()

		return OnSettled
	}

	return b.spendAlicePayment(ctx, event)
}

// spendAlicePayment claims Alice's 2-of-2 with her secret from the spend
// of Bob's payment.
func (b *BobFSM) spendAlicePayment(ctx context.Context,
	event *gate.Event) fsm.EventType {

	s := b.state.Session
	b.state.AliceSpend.Kind = chain.TxAliceSpend
	b.state.AliceSpend.ActualTxID = event.Spend.SpendingTx.TxHash()

	privAm, err := btcscript.ExtractSecret(
		event.Spend.SigScript, s.TheirSecret160,
	)
	if err != nil {
		return b.fail(swap.KindVerify, swap.CodeBobAliceSpend, err)
	}
	defer privAm.Zero()

	b.log.Infof("Alice spent the payment in %v", b.state.AliceSpend.ActualTxID)

	err = b.cfg.AliceChain.Stage(ctx, &b.state.BobSpend, chain.TxParams{
		Kind: chain.TxBobSpend,
		Fee:  b.state.Params.AliceTxFee,
		From: spendOf(&b.state.AlicePayment, chain.Unlock{
			Prefix: [][]byte{nil},
			Keys:   []swap.PrivateKey{privAm, s.EarlySecret},
		}),
	})
	if err != nil {
		return b.fail(swap.KindBuild, swap.CodeBobAliceSpend, err)
	}

	err = b.publish(ctx, b.cfg.AliceChain, &b.state.BobSpend)
	if err != nil {
		return b.fail(swap.KindBroadcast, swap.CodeBobAliceSpend, err)
	}
	b.state.Detail = "swap complete"

	return OnSettled
}

// FinishedAction refunds the deposit right away if Bob's early secret no
// longer protects his payment, arms the recovery transactions whose parents
// left Bob's hands and tears the swap down.
func (b *BobFSM) FinishedAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	deposit, payment := &b.state.BobDeposit, &b.state.BobPayment
	if released(deposit) {
		// The early secret may only go public while it guards
		// nothing: the payment never left Bob or he already took
		// Alice's.
		if !released(payment) || b.state.BobSpend.Seen {
			b.refundDeposit(ctx)
		}

		b.arm(ctx, b.cfg.BobChain, &b.state.BobRefund)
	}
	if released(payment) && !b.state.AliceSpend.Published() {
		b.arm(ctx, b.cfg.BobChain, &b.state.BobReclaim)
	}
	if b.state.BobSpend.Published() {
		b.arm(ctx, b.cfg.AliceChain, &b.state.BobSpend)
	}

	b.finish(ctx)

	return fsm.NoOp
}

// refundDeposit replaces the staged deposit refund with one that is valid
// immediately and publishes it.
func (b *BobFSM) refundDeposit(ctx context.Context) {
	// Teardown must complete even if the swap was cancelled.
	ctx = context.WithoutCancel(ctx)

	s := b.state.Session

	var refund rawtx.TxSlot
	err := b.cfg.BobChain.Stage(ctx, &refund, chain.TxParams{
		Kind: chain.TxBobRefund,
		Fee:  b.state.Params.BobTxFee,
		From: spendOf(&b.state.BobDeposit, chain.Unlock{
			Keys:   []swap.PrivateKey{s.Mine.FirstUse[0]},
			Suffix: [][]byte{s.EarlySecret[:], nil},
		}),
	})
	if err != nil {
		b.log.Warnf("Unable to stage early refund: %v", err)
		return
	}
	b.state.BobRefund = refund

	err = b.publish(ctx, b.cfg.BobChain, &b.state.BobRefund)
	if err != nil {
		b.log.Warnf("Early refund of the deposit: %v", err)
		return
	}

	b.log.Infof("Refunded deposit in %v", b.state.BobRefund.ActualTxID)
}

// released reports whether slot may have reached the chain, either through
// Bob's broadcast or through Alice, who got the transaction in its round.
func released(slot *rawtx.TxSlot) bool {
	return slot.Sent || slot.Published()
}

// roundKind maps a lock-step failure to its phase. Timeouts and transport
// errors are channel failures, anything else was rejected by verification.
func roundKind(err error, verifyKind swap.ErrorKind) swap.ErrorKind {
	if isChannelErr(err) {
		return swap.KindChannel
	}

	return verifyKind
}

// verifyKind maps the failure of a transaction round to its phase.
func verifyKind(err error) swap.ErrorKind {
	return roundKind(err, swap.KindVerify)
}

// confirmKind maps a confirmation wait failure to its phase.
func confirmKind(err error) swap.ErrorKind {
	if errors.Is(err, gate.ErrConfirmationTimeout) {
		return swap.KindConfirmation
	}

	return swap.KindChannel
}

// verifyReveal adapts the audit, which also counts mismatches, to a
// lock-step verify callback.
func verifyReveal(verify func([]byte) (int, error)) func([]byte) error {
	return func(payload []byte) error {
		_, err := verify(payload)
		return err
	}
}
