package rawtx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/swap"
	"github.com/lightninglabs/xswap/swapmsg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultPollInterval is the pause between two mempool lookups after a
// broadcast.
const DefaultPollInterval = 500 * time.Millisecond

var (
	// ErrSlotBuilt is returned when a slot that already holds a
	// transaction is staged again.
	ErrSlotBuilt = errors.New("transaction slot already built")

	// ErrSlotEmpty is returned when an empty slot is encoded or
	// broadcast.
	ErrSlotEmpty = errors.New("transaction slot empty")

	// ErrResendMismatch is returned when a counterpart resends a
	// transaction with different bytes.
	ErrResendMismatch = errors.New("resent transaction differs")

	// ErrRedeemMismatch is returned when a received redeem script is not
	// the locally expected one.
	ErrRedeemMismatch = errors.New("unexpected redeem script")

	// ErrWrongDestination is returned when no output pays to the address
	// derived from the redeem script.
	ErrWrongDestination = errors.New("no output to expected address")

	// ErrValueTooLow is returned when the swap output carries less than
	// the minimum value.
	ErrValueTooLow = errors.New("output value below minimum")

	// ErrBroadcast wraps a failure of the ledger to publish a slot.
	ErrBroadcast = errors.New("broadcast failed")
)

// TxSlot holds one of the transactions of a swap. A slot is empty until it
// is staged or received and is never rebuilt. Only ActualTxID, Sent, Seen
// and Confirmed change afterwards.
type TxSlot struct {
	Kind chain.TxKind

	// Raw is the serialized signed transaction.
	Raw []byte

	// Redeem is the redeem script of the swap output, if any.
	Redeem []byte

	// SignedTxID is the transaction id of Raw.
	SignedTxID chainhash.Hash

	// ActualTxID is the id the ledger reported on broadcast.
	ActualTxID chainhash.Hash

	// Amount is the value of the destination output.
	Amount btcutil.Amount

	// Destination is the address of the destination output.
	Destination string

	// OutIndex is the index of the destination output.
	OutIndex uint32

	Locktime uint32

	// Sent is set once the transaction was handed to the counterpart,
	// who may publish it.
	Sent bool

	// Seen is set once the ledger reported the broadcast transaction.
	Seen bool

	Confirmed bool

	// AuxRef references the transaction on an auxiliary chain.
	AuxRef common.Hash

	// Inputs are the wallet outpoints spent by a locally built slot.
	Inputs []wire.OutPoint
}

// IsEmpty returns true if the slot holds no transaction.
func (s *TxSlot) IsEmpty() bool {
	return len(s.Raw) == 0
}

// Published reports whether the slot's transaction was broadcast.
func (s *TxSlot) Published() bool {
	return s.ActualTxID != (chainhash.Hash{})
}

// OutPoint returns the destination output of the slot's transaction.
func (s *TxSlot) OutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: s.SignedTxID, Index: s.OutIndex}
}

// Wipe clears the transaction buffers of the slot.
func (s *TxSlot) Wipe() {
	s.Raw = nil
	s.Redeem = nil
	s.Inputs = nil
}

// Expect describes what a counterpart transaction must look like.
type Expect struct {
	Kind chain.TxKind

	// Amount and Fee define the minimum value of the relevant output.
	Amount btcutil.Amount
	Fee    btcutil.Amount

	// Redeem is the locally computed redeem script. If set the received
	// script must be identical.
	Redeem []byte

	// Address is the destination of transactions without a redeem
	// script.
	Address string
}

// Confirmed is the outcome of a broadcast.
type Confirmed struct {
	// Seen is set if the ledger reported the transaction in its mempool
	// or a block.
	Seen bool

	// Confirmations is the confirmation count at the last lookup.
	Confirmations uint32
}

// Pipeline stages, exchanges and broadcasts the transactions of one
// ledger.
type Pipeline struct {
	ledger chain.Ledger
	clock  clock.Clock

	// PollInterval is the pause between lookups after a broadcast.
	PollInterval time.Duration
}

// New creates a pipeline over ledger.
func New(ledger chain.Ledger, clk clock.Clock) *Pipeline {
	return &Pipeline{
		ledger:       ledger,
		clock:        clk,
		PollInterval: DefaultPollInterval,
	}
}

// Ledger returns the ledger of the pipeline.
func (p *Pipeline) Ledger() chain.Ledger {
	return p.ledger
}

// Stage builds the transaction described by params into slot.
func (p *Pipeline) Stage(ctx context.Context, slot *TxSlot,
	params chain.TxParams) error {

	if !slot.IsEmpty() {
		return fmt.Errorf("%w: %v", ErrSlotBuilt, params.Kind)
	}

	tx, err := p.ledger.BuildTransaction(ctx, params)
	if err != nil {
		return fmt.Errorf("build %v: %w", params.Kind, err)
	}

	*slot = TxSlot{
		Kind:        params.Kind,
		Raw:         tx.Raw,
		Redeem:      tx.Redeem,
		SignedTxID:  tx.TxID,
		Amount:      tx.Amount,
		Destination: tx.Destination,
		OutIndex:    tx.OutIndex,
		Locktime:    tx.Locktime,
		Inputs:      tx.Inputs,
	}

	log.Debugf("Staged %v %v: %v to %v", p.ledger.Symbol(), slot.Kind,
		slot.SignedTxID, slot.Destination)

	return nil
}

// EncodeEnvelope serializes slot for the counterpart.
func EncodeEnvelope(slot *TxSlot) ([]byte, error) {
	if slot.IsEmpty() {
		return nil, fmt.Errorf("%w: %v", ErrSlotEmpty, slot.Kind)
	}

	env := &swapmsg.Envelope{
		AuxRef: slot.AuxRef,
		Body:   slot.Raw,
		Redeem: slot.Redeem,
	}

	return env.Encode()
}

// DecodeAndVerify decodes a counterpart envelope into slot after checking
// it against expect. A slot that already holds a transaction only accepts
// the exact same bytes again.
func (p *Pipeline) DecodeAndVerify(payload []byte, slot *TxSlot,
	expect Expect) error {

	env, err := swapmsg.DecodeEnvelope(payload)
	if err != nil {
		return err
	}

	if !slot.IsEmpty() {
		if !bytes.Equal(env.Body, slot.Raw) ||
			!bytes.Equal(env.Redeem, slot.Redeem) ||
			env.AuxRef != slot.AuxRef {

			return fmt.Errorf("%w: %v", ErrResendMismatch, slot.Kind)
		}

		return nil
	}

	if expect.Redeem != nil && !bytes.Equal(env.Redeem, expect.Redeem) {
		return fmt.Errorf("%w: %v", ErrRedeemMismatch, expect.Kind)
	}

	tx, err := p.ledger.DecodeTransaction(env.Body)
	if err != nil {
		return fmt.Errorf("decode %v: %w", expect.Kind, err)
	}

	dest := expect.Address
	if len(env.Redeem) > 0 {
		dest, err = p.ledger.ScriptAddress(env.Redeem)
		if err != nil {
			return fmt.Errorf("%v script address: %w", expect.Kind, err)
		}
	}

	idx, ok := tx.OutputTo(dest)
	if !ok {
		return fmt.Errorf("%w: %v to %v", ErrWrongDestination,
			expect.Kind, dest)
	}

	value := tx.Outputs[idx].Value
	if minValue := swap.MinimumValue(expect.Amount, expect.Fee); value <
		minValue {

		return fmt.Errorf("%w: %v %v < %v", ErrValueTooLow, expect.Kind,
			value, minValue)
	}

	*slot = TxSlot{
		Kind:        expect.Kind,
		Raw:         env.Body,
		Redeem:      env.Redeem,
		SignedTxID:  tx.TxID,
		Amount:      value,
		Destination: dest,
		OutIndex:    uint32(idx),
		Locktime:    tx.Locktime,
		AuxRef:      env.AuxRef,
	}

	log.Debugf("Verified %v %v: %v pays %v to %v", p.ledger.Symbol(),
		slot.Kind, slot.SignedTxID, slot.Amount, dest)

	return nil
}

// BroadcastAndConfirm publishes slot and waits up to timeout for the
// ledger to report it. A transaction that never shows up is not an error.
func (p *Pipeline) BroadcastAndConfirm(ctx context.Context, slot *TxSlot,
	timeout time.Duration) (Confirmed, error) {

	if slot.IsEmpty() {
		return Confirmed{}, fmt.Errorf("%w: %v", ErrSlotEmpty, slot.Kind)
	}

	txid, err := p.ledger.Broadcast(ctx, slot.Raw)
	if err != nil {
		return Confirmed{}, fmt.Errorf("%w: %v: %v", ErrBroadcast,
			slot.Kind, err)
	}
	slot.ActualTxID = txid

	if txid != slot.SignedTxID {
		log.Warnf("Ledger reported %v for %v %v", txid, slot.Kind,
			slot.SignedTxID)
	}

	deadline := p.clock.TickAfter(timeout)
	poll := ticker.New(p.PollInterval)
	poll.Resume()
	defer poll.Stop()

	for {
		confirmed, err := p.lookup(ctx, txid)
		if err != nil {
			return Confirmed{}, err
		}
		if confirmed.Seen {
			slot.Seen = true
			slot.Confirmed = confirmed.Confirmations > 0

			log.Infof("Broadcast %v %v", slot.Kind, txid)

			return confirmed, nil
		}

		select {
		case <-poll.Ticks():

		case <-deadline:
			log.Warnf("%v %v not seen after %v", slot.Kind, txid,
				timeout)

			return Confirmed{}, nil

		case <-ctx.Done():
			return Confirmed{}, ctx.Err()
		}
	}
}

// lookup returns the ledger's view of txid.
func (p *Pipeline) lookup(ctx context.Context, txid chainhash.Hash) (
	Confirmed, error) {

	inMempool, err := p.ledger.InMempool(ctx, txid)
	if err != nil {
		return Confirmed{}, err
	}
	if inMempool {
		return Confirmed{Seen: true}, nil
	}

	confs, err := p.ledger.Confirmations(ctx, txid)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		return Confirmed{}, nil

	case err != nil:
		return Confirmed{}, err
	}

	return Confirmed{Seen: true, Confirmations: confs}, nil
}
