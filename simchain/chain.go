package simchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/xswap/chain"
	"github.com/lightningnetwork/lnd/clock"
)

// mempoolHeight marks an unconfirmed transaction.
const mempoolHeight = -1

var (
	// ErrMissingInput is returned for a transaction spending an unknown
	// output.
	ErrMissingInput = errors.New("missing input")

	// ErrDoubleSpend is returned for a transaction spending an output
	// that is already spent.
	ErrDoubleSpend = errors.New("output already spent")

	// ErrNonFinal is returned for a transaction whose locktime has not
	// been reached.
	ErrNonFinal = errors.New("transaction not final")

	// ErrNegativeFee is returned when outputs exceed inputs.
	ErrNegativeFee = errors.New("outputs exceed inputs")
)

type txEntry struct {
	tx     *wire.MsgTx
	height int32
}

type utxoEntry struct {
	out    *wire.TxOut
	txid   chainhash.Hash
	height int32
}

type spendEntry struct {
	txid  chainhash.Hash
	index uint32
}

// Option configures a Chain.
type Option func(*Chain)

// WithAutoMine mines a block after every accepted transaction.
func WithAutoMine() Option {
	return func(c *Chain) {
		c.autoMine = true
	}
}

// WithoutScriptChecks accepts transactions without executing their input
// scripts.
func WithoutScriptChecks() Option {
	return func(c *Chain) {
		c.skipScripts = true
	}
}

// Chain is an in-memory chain with a mempool, blocks and a spend index. It
// is safe for concurrent use.
type Chain struct {
	params *chaincfg.Params
	clock  clock.Clock

	autoMine    bool
	skipScripts bool
	verifyFlags txscript.ScriptFlags

	mu     sync.Mutex
	height int32
	txs    map[chainhash.Hash]*txEntry
	utxos  map[wire.OutPoint]*utxoEntry
	spends map[wire.OutPoint]spendEntry
	nonce  uint32
}

// New creates an empty chain at height zero.
func New(params *chaincfg.Params, clk clock.Clock, opts ...Option) *Chain {
	c := &Chain{
		params:      params,
		clock:       clk,
		verifyFlags: txscript.StandardVerifyFlags,
		txs:         make(map[chainhash.Hash]*txEntry),
		utxos:       make(map[wire.OutPoint]*utxoEntry),
		spends:      make(map[wire.OutPoint]spendEntry),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Params returns the chain parameters.
func (c *Chain) Params() *chaincfg.Params {
	return c.params
}

// Height returns the height of the best block.
func (c *Chain) Height() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.height
}

// Fund creates a confirmed output of amount paying to addr.
func (c *Chain) Fund(addr btcutil.Address, amount btcutil.Amount) (
	wire.OutPoint, error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return wire.OutPoint{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Every funding tx gets a unique coinbase style input.
	c.nonce++
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{byte(c.nonce), byte(c.nonce >> 8)},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	c.height++
	c.addTx(tx, c.height)

	log.Debugf("Funded %v with %v at height %d", addr, amount, c.height)

	return wire.OutPoint{Hash: tx.TxHash(), Index: 0}, nil
}

// addTx records tx and its outputs. The caller must hold the lock.
func (c *Chain) addTx(tx *wire.MsgTx, height int32) {
	txid := tx.TxHash()
	c.txs[txid] = &txEntry{tx: tx, height: height}

	for i, out := range tx.TxOut {
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		c.utxos[op] = &utxoEntry{out: out, txid: txid, height: height}
	}
}

// Mine confirms every mempool transaction in the first of n new blocks.
func (c *Chain) Mine(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mine(n)
}

func (c *Chain) mine(n int) {
	if n <= 0 {
		return
	}

	c.height++
	for _, entry := range c.txs {
		if entry.height == mempoolHeight {
			entry.height = c.height
		}
	}
	for _, entry := range c.utxos {
		if entry.height == mempoolHeight {
			entry.height = c.height
		}
	}
	c.height += int32(n - 1)

	log.Tracef("Mined to height %d", c.height)
}

// isFinal reports whether tx may be included in the next block.
func (c *Chain) isFinal(tx *wire.MsgTx) bool {
	if tx.LockTime == 0 {
		return true
	}

	final := true
	for _, in := range tx.TxIn {
		if in.Sequence != wire.MaxTxInSequenceNum {
			final = false
			break
		}
	}
	if final {
		return true
	}

	var current int64
	if tx.LockTime < txscript.LockTimeThreshold {
		current = int64(c.height) + 1
	} else {
		current = c.clock.Now().Unix()
	}

	return int64(tx.LockTime) <= current
}

// SendRawTransaction validates tx against the utxo set and adds it to the
// mempool. Sending a known transaction again is a no-op.
func (c *Chain) SendRawTransaction(_ context.Context, tx *wire.MsgTx) (
	chainhash.Hash, error) {

	txid := tx.TxHash()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.txs[txid]; ok {
		return txid, nil
	}

	if !c.isFinal(tx) {
		return txid, fmt.Errorf("%w: %v locktime %d", ErrNonFinal,
			txid, tx.LockTime)
	}

	var (
		inputs  int64
		outputs int64
		prevOut = make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	)
	for _, in := range tx.TxIn {
		op := in.PreviousOutPoint
		if spend, ok := c.spends[op]; ok {
			return txid, fmt.Errorf("%w: %v by %v", ErrDoubleSpend,
				op, spend.txid)
		}

		utxo, ok := c.utxos[op]
		if !ok {
			return txid, fmt.Errorf("%w: %v", ErrMissingInput, op)
		}
		if _, dup := prevOut[op]; dup {
			return txid, fmt.Errorf("%w: %v", ErrDoubleSpend, op)
		}

		prevOut[op] = utxo.out
		inputs += utxo.out.Value
	}
	for _, out := range tx.TxOut {
		outputs += out.Value
	}
	if outputs > inputs {
		return txid, fmt.Errorf("%w: %d > %d", ErrNegativeFee, outputs,
			inputs)
	}

	if !c.skipScripts {
		if err := c.verifyScripts(tx, prevOut); err != nil {
			return txid, err
		}
	}

	for i, in := range tx.TxIn {
		c.spends[in.PreviousOutPoint] = spendEntry{
			txid:  txid,
			index: uint32(i),
		}
		delete(c.utxos, in.PreviousOutPoint)
	}
	c.addTx(tx, mempoolHeight)

	log.Debugf("Accepted %v, fee %d", txid, inputs-outputs)

	if c.autoMine {
		c.mine(1)
	}

	return txid, nil
}

// verifyScripts executes the scripts of every input.
func (c *Chain) verifyScripts(tx *wire.MsgTx,
	prevOut map[wire.OutPoint]*wire.TxOut) error {

	fetcher := txscript.NewMultiPrevOutFetcher(prevOut)
	hashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, in := range tx.TxIn {
		out := prevOut[in.PreviousOutPoint]

		vm, err := txscript.NewEngine(
			out.PkScript, tx, i, c.verifyFlags, nil, hashes,
			out.Value, fetcher,
		)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}

	return nil
}

// Confirmations returns the number of blocks including and built on the
// block that confirmed txid. Mempool transactions have zero.
func (c *Chain) Confirmations(_ context.Context, txid chainhash.Hash) (
	uint32, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.txs[txid]
	if !ok {
		return 0, fmt.Errorf("%w: %v", chain.ErrNotFound, txid)
	}
	if entry.height == mempoolHeight {
		return 0, nil
	}

	return uint32(c.height - entry.height + 1), nil
}

// InMempool reports whether txid is known and unconfirmed.
func (c *Chain) InMempool(_ context.Context, txid chainhash.Hash) (bool,
	error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.txs[txid]

	return ok && entry.height == mempoolHeight, nil
}

// Transaction returns a known transaction.
func (c *Chain) Transaction(txid chainhash.Hash) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.txs[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %v", chain.ErrNotFound, txid)
	}

	return entry.tx.Copy(), nil
}

// ListUnspent returns the unspent outputs paying to addr, including
// unconfirmed ones.
func (c *Chain) ListUnspent(_ context.Context, addr btcutil.Address) (
	[]chain.Utxo, error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var utxos []chain.Utxo
	for op, entry := range c.utxos {
		if !bytes.Equal(entry.out.PkScript, pkScript) {
			continue
		}

		var confs uint32
		if entry.height != mempoolHeight {
			confs = uint32(c.height - entry.height + 1)
		}

		utxos = append(utxos, chain.Utxo{
			OutPoint:      op,
			Value:         btcutil.Amount(entry.out.Value),
			PkScript:      entry.out.PkScript,
			Confirmations: confs,
		})
	}

	return utxos, nil
}

// FindSpend returns the spend of op, or nil if it is unspent.
func (c *Chain) FindSpend(_ context.Context, op wire.OutPoint) (
	*chain.SpendInfo, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	spend, ok := c.spends[op]
	if !ok {
		return nil, nil
	}

	tx := c.txs[spend.txid].tx.Copy()

	return &chain.SpendInfo{
		SpendingTx: tx,
		SigScript:  tx.TxIn[spend.index].SignatureScript,
		InputIndex: spend.index,
	}, nil
}
