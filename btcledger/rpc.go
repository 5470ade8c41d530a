package btcledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/xswap/chain"
)

const (
	// maxConfirms is the upper confirmation bound of unspent queries.
	maxConfirms = 9999999

	// DefaultScanDepth is the number of recent blocks searched for the
	// spend of an output.
	DefaultScanDepth = 144
)

// RPCConfig holds the connection settings of a bitcoind style node.
type RPCConfig struct {
	Host string `long:"host" description:"The node's rpc host:port"`
	User string `long:"user" description:"Username for rpc authentication"`
	Pass string `long:"pass" description:"Password for rpc authentication"`

	// ScanDepth is the number of blocks searched by FindSpend. Zero
	// selects DefaultScanDepth.
	ScanDepth int `long:"scandepth" description:"Number of recent blocks searched for spends"`
}

// RPCBackend is a ChainBackend talking json-rpc over http post.
type RPCBackend struct {
	client    *rpcclient.Client
	scanDepth int64
}

// A compile time check to ensure RPCBackend implements ChainBackend.
var _ ChainBackend = (*RPCBackend)(nil)

// NewRPCBackend connects to the node described by cfg.
func NewRPCBackend(cfg *RPCConfig) (*RPCBackend, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc client: %w", err)
	}

	scanDepth := int64(cfg.ScanDepth)
	if scanDepth == 0 {
		scanDepth = DefaultScanDepth
	}

	return &RPCBackend{
		client:    client,
		scanDepth: scanDepth,
	}, nil
}

// isNotFound reports whether err is the node's "no information for
// transaction" error.
func isNotFound(err error) bool {
	var rpcErr *btcjson.RPCError

	return errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo
}

// SendRawTransaction publishes tx.
func (r *RPCBackend) SendRawTransaction(_ context.Context, tx *wire.MsgTx) (
	chainhash.Hash, error) {

	txid, err := r.client.SendRawTransaction(tx, false)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return *txid, nil
}

// Confirmations returns the confirmation count of txid.
func (r *RPCBackend) Confirmations(_ context.Context, txid chainhash.Hash) (
	uint32, error) {

	res, err := r.client.GetRawTransactionVerbose(&txid)
	if isNotFound(err) {
		return 0, fmt.Errorf("%w: %v", chain.ErrNotFound, txid)
	}
	if err != nil {
		return 0, err
	}

	return uint32(res.Confirmations), nil
}

// InMempool reports whether txid is in the node's mempool.
func (r *RPCBackend) InMempool(_ context.Context, txid chainhash.Hash) (bool,
	error) {

	_, err := r.client.GetMempoolEntry(txid.String())
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// ListUnspent returns the unspent outputs of addr known to the node's
// wallet.
func (r *RPCBackend) ListUnspent(_ context.Context, addr btcutil.Address) (
	[]chain.Utxo, error) {

	res, err := r.client.ListUnspentMinMaxAddresses(
		0, maxConfirms, []btcutil.Address{addr},
	)
	if err != nil {
		return nil, err
	}

	utxos := make([]chain.Utxo, 0, len(res))
	for _, unspent := range res {
		txid, err := chainhash.NewHashFromStr(unspent.TxID)
		if err != nil {
			return nil, err
		}
		value, err := btcutil.NewAmount(unspent.Amount)
		if err != nil {
			return nil, err
		}

		utxos = append(utxos, chain.Utxo{
			OutPoint:      wire.OutPoint{Hash: *txid, Index: unspent.Vout},
			Value:         value,
			Confirmations: uint32(unspent.Confirmations),
		})
	}

	return utxos, nil
}

// FindSpend searches the mempool and the most recent blocks for the spend
// of op. It returns nil if op is still unspent.
func (r *RPCBackend) FindSpend(ctx context.Context, op wire.OutPoint) (
	*chain.SpendInfo, error) {

	out, err := r.client.GetTxOut(&op.Hash, op.Index, true)
	if err != nil {
		return nil, err
	}
	if out != nil {
		return nil, nil
	}

	mempool, err := r.client.GetRawMempool()
	if err != nil {
		return nil, err
	}
	for _, txid := range mempool {
		tx, err := r.client.GetRawTransaction(txid)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if spend := spendOf(tx.MsgTx(), op); spend != nil {
			return spend, nil
		}
	}

	height, err := r.client.GetBlockCount()
	if err != nil {
		return nil, err
	}
	for h := height; h > height-r.scanDepth && h >= 0; h-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hash, err := r.client.GetBlockHash(h)
		if err != nil {
			return nil, err
		}
		block, err := r.client.GetBlock(hash)
		if err != nil {
			return nil, err
		}
		for _, tx := range block.Transactions {
			if spend := spendOf(tx, op); spend != nil {
				return spend, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: spend of %v", chain.ErrNotFound, op)
}

// spendOf returns the spend of op by tx, or nil.
func spendOf(tx *wire.MsgTx, op wire.OutPoint) *chain.SpendInfo {
	for i, in := range tx.TxIn {
		if in.PreviousOutPoint != op {
			continue
		}

		return &chain.SpendInfo{
			SpendingTx: tx,
			SigScript:  in.SignatureScript,
			InputIndex: uint32(i),
		}
	}

	return nil
}

// Close shuts the client down.
func (r *RPCBackend) Close() {
	r.client.Shutdown()
	r.client.WaitForShutdown()
}
