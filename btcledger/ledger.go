package btcledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/xswap/btcscript"
	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/swap"
)

// DustLimit is the smallest change output created. Smaller change goes to
// the miner fee.
const DustLimit btcutil.Amount = 546

var (
	// ErrNoKeys is returned for a swap output spend without signing
	// keys.
	ErrNoKeys = errors.New("spend without signing keys")

	// ErrFeeTooHigh is returned when a spend's fee consumes its input.
	ErrFeeTooHigh = errors.New("fee exceeds spent value")
)

// ChainBackend is the node a Ledger talks to.
type ChainBackend interface {
	// SendRawTransaction publishes tx.
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (
		chainhash.Hash, error)

	// Confirmations returns the confirmation count of txid, zero if it
	// is unconfirmed and chain.ErrNotFound if it is unknown.
	Confirmations(ctx context.Context, txid chainhash.Hash) (uint32, error)

	// InMempool reports whether txid is unconfirmed.
	InMempool(ctx context.Context, txid chainhash.Hash) (bool, error)

	// ListUnspent returns the unspent outputs of addr.
	ListUnspent(ctx context.Context, addr btcutil.Address) ([]chain.Utxo,
		error)

	// FindSpend returns the spend of op, or nil if it is unspent.
	FindSpend(ctx context.Context, op wire.OutPoint) (*chain.SpendInfo,
		error)
}

// Config holds the ledger configuration.
type Config struct {
	// Symbol is the coin symbol.
	Symbol string

	// Params are the chain parameters used for addresses.
	Params *chaincfg.Params

	// Backend is the node.
	Backend ChainBackend

	// Key is the wallet key. Funding inputs pay to its p2pkh address.
	Key swap.PrivateKey

	// Reserved reports whether an outpoint is held by another swap. It
	// may be nil.
	Reserved func(wire.OutPoint) bool
}

// Ledger implements chain.Ledger for bitcoin like chains with a single key
// p2pkh wallet.
type Ledger struct {
	cfg      *Config
	addr     *btcutil.AddressPubKeyHash
	pkScript []byte
}

// A compile time check to ensure Ledger implements chain.Ledger.
var _ chain.Ledger = (*Ledger)(nil)

// New creates a ledger.
func New(cfg *Config) (*Ledger, error) {
	pub, err := cfg.Key.PubKey()
	if err != nil {
		return nil, fmt.Errorf("wallet key: %w", err)
	}

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pub[:]), cfg.Params,
	)
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &Ledger{
		cfg:      cfg,
		addr:     addr,
		pkScript: pkScript,
	}, nil
}

// Symbol returns the coin symbol.
func (l *Ledger) Symbol() string {
	return l.cfg.Symbol
}

// Address returns the wallet address.
func (l *Ledger) Address() btcutil.Address {
	return l.addr
}

// WalletAddress returns the encoded wallet address.
func (l *Ledger) WalletAddress() string {
	return l.addr.EncodeAddress()
}

// destination returns the output script and address of params.
func (l *Ledger) destination(params chain.TxParams) ([]byte, string, error) {
	if len(params.Redeem) > 0 {
		addr, err := btcscript.ScriptAddress(params.Redeem, l.cfg.Params)
		if err != nil {
			return nil, "", err
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, "", err
		}

		return pkScript, addr.EncodeAddress(), nil
	}

	to := params.ToAddress
	if to == "" {
		to = l.WalletAddress()
	}

	addr, err := btcutil.DecodeAddress(to, l.cfg.Params)
	if err != nil {
		return nil, "", fmt.Errorf("destination %v: %w", to, err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, "", err
	}

	return pkScript, addr.EncodeAddress(), nil
}

// spendable returns the wallet outputs not held by another swap, largest
// first.
func (l *Ledger) spendable(ctx context.Context) ([]chain.Utxo, error) {
	utxos, err := l.cfg.Backend.ListUnspent(ctx, l.addr)
	if err != nil {
		return nil, err
	}

	free := utxos[:0]
	for _, utxo := range utxos {
		if l.cfg.Reserved != nil && l.cfg.Reserved(utxo.OutPoint) {
			continue
		}
		free = append(free, utxo)
	}

	sort.Slice(free, func(i, j int) bool {
		if free[i].Value != free[j].Value {
			return free[i].Value > free[j].Value
		}

		return bytes.Compare(
			free[i].OutPoint.Hash[:], free[j].OutPoint.Hash[:],
		) < 0
	})

	return free, nil
}

// BuildTransaction builds and signs the transaction described by params.
func (l *Ledger) BuildTransaction(ctx context.Context,
	params chain.TxParams) (*chain.TxDescriptor, error) {

	pkScript, dest, err := l.destination(params)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = params.Locktime

	sequence := wire.MaxTxInSequenceNum
	if params.Locktime != 0 {
		sequence--
	}

	var (
		inputs []wire.OutPoint
		amount = params.Amount
	)
	if params.From != nil {
		if params.From.Value <= params.Fee {
			return nil, fmt.Errorf("%w: %v <= %v", ErrFeeTooHigh,
				params.From.Value, params.Fee)
		}
		amount = params.From.Value - params.Fee

		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: params.From.OutPoint,
			Sequence:         sequence,
		})
		tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

		if err := l.signSpend(tx, params.From); err != nil {
			return nil, err
		}
	} else {
		inputs, err = l.fund(ctx, tx, pkScript, amount, params.Fee,
			sequence)
		if err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	log.Debugf("Built %v %v paying %v to %v", l.cfg.Symbol, params.Kind,
		amount, dest)

	return &chain.TxDescriptor{
		Raw:         buf.Bytes(),
		Redeem:      params.Redeem,
		TxID:        tx.TxHash(),
		Destination: dest,
		Amount:      amount,
		Locktime:    params.Locktime,
		Inputs:      inputs,
		OutIndex:    0,
	}, nil
}

// fund adds wallet inputs covering amount and fee, the destination output
// and a change output, and signs the inputs.
func (l *Ledger) fund(ctx context.Context, tx *wire.MsgTx, pkScript []byte,
	amount, fee btcutil.Amount, sequence uint32) ([]wire.OutPoint, error) {

	utxos, err := l.spendable(ctx)
	if err != nil {
		return nil, err
	}

	var (
		total    btcutil.Amount
		selected []chain.Utxo
		inputs   []wire.OutPoint
	)
	for _, utxo := range utxos {
		if total >= amount+fee {
			break
		}
		selected = append(selected, utxo)
		total += utxo.Value
	}
	if total < amount+fee {
		return nil, fmt.Errorf("%w: have %v need %v", chain.ErrInsufficientFunds,
			total, amount+fee)
	}

	for _, utxo := range selected {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: utxo.OutPoint,
			Sequence:         sequence,
		})
		inputs = append(inputs, utxo.OutPoint)
	}

	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))
	if change := total - amount - fee; change >= DustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(change), l.pkScript))
	}

	key := l.cfg.Key.BTCEC()
	for i := range tx.TxIn {
		sigScript, err := txscript.SignatureScript(
			tx, i, l.pkScript, txscript.SigHashAll, key, true,
		)
		if err != nil {
			return nil, err
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	return inputs, nil
}

// signSpend signs the single input of tx spending a swap output.
func (l *Ledger) signSpend(tx *wire.MsgTx, from *chain.SpendSource) error {
	if len(from.Unlock.Keys) == 0 {
		return ErrNoKeys
	}

	pushes := append([][]byte(nil), from.Unlock.Prefix...)
	for i := range from.Unlock.Keys {
		sig, err := txscript.RawTxInSignature(
			tx, 0, from.Redeem, txscript.SigHashAll,
			from.Unlock.Keys[i].BTCEC(),
		)
		if err != nil {
			return err
		}
		pushes = append(pushes, sig)
	}
	pushes = append(pushes, from.Unlock.Suffix...)

	sigScript, err := btcscript.SpendScript(from.Redeem, pushes...)
	if err != nil {
		return err
	}
	tx.TxIn[0].SignatureScript = sigScript

	return nil
}

// Broadcast publishes a raw transaction.
func (l *Ledger) Broadcast(ctx context.Context, raw []byte) (chainhash.Hash,
	error) {

	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return chainhash.Hash{}, err
	}

	return l.cfg.Backend.SendRawTransaction(ctx, tx)
}

// Confirmations returns the confirmation count of txid.
func (l *Ledger) Confirmations(ctx context.Context, txid chainhash.Hash) (
	uint32, error) {

	return l.cfg.Backend.Confirmations(ctx, txid)
}

// InMempool reports whether txid is unconfirmed.
func (l *Ledger) InMempool(ctx context.Context, txid chainhash.Hash) (bool,
	error) {

	return l.cfg.Backend.InMempool(ctx, txid)
}

// Balance returns the spendable balance of address.
func (l *Ledger) Balance(ctx context.Context, address string) (
	btcutil.Amount, error) {

	addr, err := btcutil.DecodeAddress(address, l.cfg.Params)
	if err != nil {
		return 0, err
	}

	utxos, err := l.cfg.Backend.ListUnspent(ctx, addr)
	if err != nil {
		return 0, err
	}

	var total btcutil.Amount
	for _, utxo := range utxos {
		if l.cfg.Reserved != nil && l.cfg.Reserved(utxo.OutPoint) {
			continue
		}
		total += utxo.Value
	}

	return total, nil
}

// DecodeTransaction parses a raw transaction. Outputs with a non standard
// script have an empty address.
func (l *Ledger) DecodeTransaction(raw []byte) (*chain.DecodedTx, error) {
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	decoded := &chain.DecodedTx{
		TxID:     tx.TxHash(),
		Locktime: tx.LockTime,
	}
	for _, in := range tx.TxIn {
		decoded.Inputs = append(decoded.Inputs, in.PreviousOutPoint)
	}
	for _, out := range tx.TxOut {
		var address string
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			out.PkScript, l.cfg.Params,
		)
		if err == nil && len(addrs) == 1 {
			address = addrs[0].EncodeAddress()
		}

		decoded.Outputs = append(decoded.Outputs, chain.Output{
			Value:    btcutil.Amount(out.Value),
			Address:  address,
			PkScript: out.PkScript,
		})
	}

	return decoded, nil
}

// ScriptAddress returns the p2sh address of redeem.
func (l *Ledger) ScriptAddress(redeem []byte) (string, error) {
	addr, err := btcscript.ScriptAddress(redeem, l.cfg.Params)
	if err != nil {
		return "", err
	}

	return addr.EncodeAddress(), nil
}

// FindSpend returns the spend of op, or nil if op is unspent.
func (l *Ledger) FindSpend(ctx context.Context, op wire.OutPoint) (
	*chain.SpendInfo, error) {

	return l.cfg.Backend.FindSpend(ctx, op)
}
