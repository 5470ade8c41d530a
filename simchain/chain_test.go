package simchain

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/xswap/chain"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1_700_000_000, 0)

type testWallet struct {
	key      *btcec.PrivateKey
	addr     btcutil.Address
	pkScript []byte
}

func newTestWallet(t *testing.T, seed byte) *testWallet {
	t.Helper()

	b := sha256.Sum256([]byte{seed})
	key, _ := btcec.PrivKeyFromBytes(b[:])

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return &testWallet{key: key, addr: addr, pkScript: pkScript}
}

// spend signs a transaction moving value from op to the wallet itself.
func (w *testWallet) spend(t *testing.T, op wire.OutPoint, value int64,
	locktime uint32) *wire.MsgTx {

	t.Helper()

	tx := wire.NewMsgTx(2)
	tx.LockTime = locktime
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: op,
		Sequence:         wire.MaxTxInSequenceNum - 1,
	})
	tx.AddTxOut(wire.NewTxOut(value, w.pkScript))

	sigScript, err := txscript.SignatureScript(
		tx, 0, w.pkScript, txscript.SigHashAll, w.key, true,
	)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript

	return tx
}

// TestSpend tests acceptance, confirmation and spend tracking.
func TestSpend(t *testing.T) {
	ctx := context.Background()
	c := New(&chaincfg.RegressionNetParams, clock.NewTestClock(testTime))
	w := newTestWallet(t, 1)

	op, err := c.Fund(w.addr, 50_000)
	require.NoError(t, err)

	confs, err := c.Confirmations(ctx, op.Hash)
	require.NoError(t, err)
	require.EqualValues(t, 1, confs)

	tx := w.spend(t, op, 49_000, 0)
	txid, err := c.SendRawTransaction(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), txid)

	// Resending is accepted.
	_, err = c.SendRawTransaction(ctx, tx)
	require.NoError(t, err)

	inMempool, err := c.InMempool(ctx, txid)
	require.NoError(t, err)
	require.True(t, inMempool)

	utxos, err := c.ListUnspent(ctx, w.addr)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, txid, utxos[0].OutPoint.Hash)
	require.Zero(t, utxos[0].Confirmations)

	spend, err := c.FindSpend(ctx, op)
	require.NoError(t, err)
	require.Equal(t, txid, spend.SpendingTx.TxHash())
	require.Equal(t, tx.TxIn[0].SignatureScript, spend.SigScript)

	c.Mine(3)
	confs, err = c.Confirmations(ctx, txid)
	require.NoError(t, err)
	require.EqualValues(t, 3, confs)

	inMempool, err = c.InMempool(ctx, txid)
	require.NoError(t, err)
	require.False(t, inMempool)

	// The funding output is gone.
	_, err = c.SendRawTransaction(ctx, w.spend(t, op, 48_000, 0))
	require.ErrorIs(t, err, ErrDoubleSpend)

	spend, err = c.FindSpend(ctx, wire.OutPoint{Hash: txid})
	require.NoError(t, err)
	require.Nil(t, spend)

	_, err = c.Confirmations(ctx, [32]byte{9})
	require.ErrorIs(t, err, chain.ErrNotFound)
}

// TestRejects tests the validation rules.
func TestRejects(t *testing.T) {
	ctx := context.Background()
	testClock := clock.NewTestClock(testTime)
	c := New(&chaincfg.RegressionNetParams, testClock, WithAutoMine())
	w := newTestWallet(t, 1)
	other := newTestWallet(t, 2)

	op, err := c.Fund(w.addr, 50_000)
	require.NoError(t, err)

	_, err = c.SendRawTransaction(ctx, w.spend(t, op, 60_000, 0))
	require.ErrorIs(t, err, ErrNegativeFee)

	_, err = c.SendRawTransaction(
		ctx, w.spend(t, wire.OutPoint{Index: 3}, 1_000, 0),
	)
	require.ErrorIs(t, err, ErrMissingInput)

	// A signature of the wrong key fails script execution.
	_, err = c.SendRawTransaction(ctx, other.spend(t, op, 40_000, 0))
	require.Error(t, err)

	// Time locked transactions wait for the clock.
	locktime := uint32(testTime.Unix()) + 60
	tx := w.spend(t, op, 40_000, locktime)
	_, err = c.SendRawTransaction(ctx, tx)
	require.ErrorIs(t, err, ErrNonFinal)

	testClock.SetTime(testTime.Add(time.Minute))
	txid, err := c.SendRawTransaction(ctx, tx)
	require.NoError(t, err)

	// Auto mining confirms right away.
	confs, err := c.Confirmations(ctx, txid)
	require.NoError(t, err)
	require.EqualValues(t, 1, confs)

	// Height locks use the next block height.
	height := uint32(c.Height())
	tx = w.spend(t, wire.OutPoint{Hash: txid}, 30_000, height+2)
	_, err = c.SendRawTransaction(ctx, tx)
	require.ErrorIs(t, err, ErrNonFinal)

	c.Mine(1)
	_, err = c.SendRawTransaction(ctx, tx)
	require.NoError(t, err)
}
