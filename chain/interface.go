package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/xswap/swap"
)

var (
	// ErrNotFound is returned when a ledger does not know a transaction.
	ErrNotFound = errors.New("transaction not found")

	// ErrInsufficientFunds is returned when the wallet can not fund a
	// transaction.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// TxKind names the role of a transaction in a swap.
type TxKind uint8

const (
	// TxFee is Alice's dex fee payment.
	TxFee TxKind = iota

	// TxBobDeposit locks Bob's collateral.
	TxBobDeposit

	// TxBobRefund returns the deposit to Bob with his early secret.
	TxBobRefund

	// TxAliceClaim lets Alice claim the deposit after its locktime.
	TxAliceClaim

	// TxBobPayment is Bob's hash locked payment.
	TxBobPayment

	// TxBobReclaim returns Bob's payment after its locktime.
	TxBobReclaim

	// TxAliceSpend spends Bob's payment with Alice's secret.
	TxAliceSpend

	// TxAlicePayment is Alice's 2-of-2 payment.
	TxAlicePayment

	// TxAliceReclaim returns Alice's payment with Bob's early secret.
	TxAliceReclaim

	// TxBobSpend spends Alice's payment once Bob learned her secret.
	TxBobSpend
)

// String returns the protocol name of the transaction kind.
func (k TxKind) String() string {
	switch k {
	case TxFee:
		return "alicefee"

	case TxBobDeposit:
		return "bobdeposit"

	case TxBobRefund:
		return "bobrefund"

	case TxAliceClaim:
		return "aliceclaim"

	case TxBobPayment:
		return "bobpayment"

	case TxBobReclaim:
		return "bobreclaim"

	case TxAliceSpend:
		return "alicespend"

	case TxAlicePayment:
		return "alicepayment"

	case TxAliceReclaim:
		return "alicereclaim"

	case TxBobSpend:
		return "bobspend"

	default:
		return "unknown"
	}
}

// Unlock describes the signature script of a swap output spend.
type Unlock struct {
	// Prefix pushes come before the signatures.
	Prefix [][]byte

	// Keys sign the input in order.
	Keys []swap.PrivateKey

	// Suffix pushes follow the signatures, before the redeem script.
	Suffix [][]byte
}

// SpendSource is a swap output being spent.
type SpendSource struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	Redeem   []byte
	Unlock   Unlock
}

// TxParams describes a transaction to build.
type TxParams struct {
	Kind TxKind

	// Amount is the value of the destination output. For spends of a
	// swap output the output value is the source value less Fee.
	Amount btcutil.Amount

	// Fee is the miner fee.
	Fee btcutil.Amount

	// ToAddress is the destination. If Redeem is set the destination is
	// the script hash address of Redeem instead.
	ToAddress string

	// Redeem is the redeem script of a new swap output.
	Redeem []byte

	// Locktime is the absolute transaction locktime, zero if unused.
	Locktime uint32

	// From is set when a swap output is spent. Otherwise the ledger
	// funds the transaction from its wallet.
	From *SpendSource
}

// TxDescriptor is a built and signed transaction.
type TxDescriptor struct {
	Raw         []byte
	Redeem      []byte
	TxID        chainhash.Hash
	Destination string
	Amount      btcutil.Amount
	Locktime    uint32

	// Inputs are the wallet outpoints the transaction spends.
	Inputs []wire.OutPoint

	// OutIndex is the index of the destination output.
	OutIndex uint32
}

// Output is a decoded transaction output.
type Output struct {
	Value    btcutil.Amount
	Address  string
	PkScript []byte
}

// DecodedTx is the ledger independent view of a raw transaction.
type DecodedTx struct {
	TxID     chainhash.Hash
	Inputs   []wire.OutPoint
	Outputs  []Output
	Locktime uint32
}

// SpendInfo describes the spend of an outpoint.
type SpendInfo struct {
	SpendingTx *wire.MsgTx
	SigScript  []byte
	InputIndex uint32
}

// Ledger is the chain specific collaborator of a swap.
type Ledger interface {
	// Symbol returns the coin symbol.
	Symbol() string

	// WalletAddress returns the address the wallet receives to.
	WalletAddress() string

	// BuildTransaction builds and signs a transaction.
	BuildTransaction(ctx context.Context, params TxParams) (
		*TxDescriptor, error)

	// Broadcast publishes a raw transaction.
	Broadcast(ctx context.Context, raw []byte) (chainhash.Hash, error)

	// Confirmations returns the confirmation count of a transaction. A
	// transaction in the mempool has zero confirmations.
	Confirmations(ctx context.Context, txid chainhash.Hash) (uint32, error)

	// InMempool reports whether a transaction is known but unconfirmed.
	InMempool(ctx context.Context, txid chainhash.Hash) (bool, error)

	// Balance returns the spendable balance of an address.
	Balance(ctx context.Context, address string) (btcutil.Amount, error)

	// DecodeTransaction parses a raw transaction.
	DecodeTransaction(raw []byte) (*DecodedTx, error)

	// ScriptAddress returns the script hash address of a redeem script.
	ScriptAddress(redeem []byte) (string, error)

	// FindSpend returns the spend of an outpoint, or nil if it is
	// unspent.
	FindSpend(ctx context.Context, op wire.OutPoint) (*SpendInfo, error)
}

// OutputTo returns the index of the first output of tx paying to address.
func (tx *DecodedTx) OutputTo(address string) (int, bool) {
	for i, out := range tx.Outputs {
		if out.Address == address {
			return i, true
		}
	}

	return -1, false
}

// Utxo is an unspent output of a wallet address.
type Utxo struct {
	OutPoint      wire.OutPoint
	Value         btcutil.Amount
	PkScript      []byte
	Confirmations uint32
}
