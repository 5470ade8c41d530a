package btcscript

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/xswap/swap"
	"github.com/stretchr/testify/require"
)

const (
	testValue    = 100_000
	testLocktime = 1_700_000_000
)

var testParams = &chaincfg.RegressionNetParams

// testKey returns a deterministic valid key.
func testKey(t *testing.T, b byte) (swap.PrivateKey, swap.PublicKey) {
	t.Helper()

	priv := swap.PrivateKey(sha256.Sum256([]byte{b}))
	pub, err := priv.PubKey()
	require.NoError(t, err)

	return priv, pub
}

type testKeys struct {
	a0, b0, b1, am, bn                swap.PrivateKey
	pubA0, pubB0, pubB1, pubAm, pubBn swap.PublicKey
}

func newTestKeys(t *testing.T) *testKeys {
	k := &testKeys{}
	k.a0, k.pubA0 = testKey(t, 1)
	k.b0, k.pubB0 = testKey(t, 2)
	k.b1, k.pubB1 = testKey(t, 3)
	k.am, k.pubAm = testKey(t, 4)
	k.bn, k.pubBn = testKey(t, 5)

	return k
}

// spendTx creates a transaction spending a p2sh output of redeem.
func spendTx(t *testing.T, redeem []byte, locktime uint32) (*wire.MsgTx,
	[]byte) {

	pkScript, err := PayToScript(redeem, testParams)
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.LockTime = locktime
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{1}},
		Sequence:         wire.MaxTxInSequenceNum - 1,
	})
	tx.AddTxOut(wire.NewTxOut(testValue-1000, []byte{txscript.OP_TRUE}))

	return tx, pkScript
}

// sign returns the signature of key over input 0 of tx.
func sign(t *testing.T, tx *wire.MsgTx, redeem []byte,
	key swap.PrivateKey) []byte {

	sig, err := txscript.RawTxInSignature(
		tx, 0, redeem, txscript.SigHashAll, key.BTCEC(),
	)
	require.NoError(t, err)

	return sig
}

// execute runs the script engine on input 0 of tx.
func execute(tx *wire.MsgTx, pkScript []byte) error {
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, testValue)
	vm, err := txscript.NewEngine(
		pkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), testValue, fetcher,
	)
	if err != nil {
		return err
	}

	return vm.Execute()
}

// TestDepositScript executes both deposit branches.
func TestDepositScript(t *testing.T) {
	k := newTestKeys(t)

	redeem, err := DepositScript(
		testLocktime, k.pubA0, k.am.Hash160(), k.pubB0, k.bn.Hash160(),
	)
	require.NoError(t, err)
	require.Len(t, redeem, DepositScriptSize)

	// Bob refunds with his early secret.
	tx, pkScript := spendTx(t, redeem, 0)
	sigScript, err := SpendScript(
		redeem, sign(t, tx, redeem, k.b0), k.bn[:], nil,
	)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	require.NoError(t, execute(tx, pkScript))

	// The refund branch needs the right secret.
	sigScript, err = SpendScript(
		redeem, sign(t, tx, redeem, k.b0), k.am[:], nil,
	)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	require.Error(t, execute(tx, pkScript))

	// Alice claims after the locktime.
	tx, pkScript = spendTx(t, redeem, testLocktime)
	sigScript, err = SpendScript(
		redeem, sign(t, tx, redeem, k.a0), k.am[:], []byte{1},
	)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	require.NoError(t, execute(tx, pkScript))

	// But not before.
	tx, pkScript = spendTx(t, redeem, testLocktime-1)
	sigScript, err = SpendScript(
		redeem, sign(t, tx, redeem, k.a0), k.am[:], []byte{1},
	)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	require.Error(t, execute(tx, pkScript))
}

// TestPaymentScript executes both payment branches and extracts Alice's
// secret from her spend.
func TestPaymentScript(t *testing.T) {
	k := newTestKeys(t)

	redeem, err := PaymentScript(
		testLocktime, k.pubB1, k.am.Hash160(), k.pubA0,
	)
	require.NoError(t, err)

	// Alice spends with her secret.
	tx, pkScript := spendTx(t, redeem, 0)
	sigScript, err := SpendScript(
		redeem, sign(t, tx, redeem, k.a0), k.am[:], nil,
	)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	require.NoError(t, execute(tx, pkScript))

	secret, err := ExtractSecret(sigScript, k.am.Hash160())
	require.NoError(t, err)
	require.Equal(t, k.am, secret)

	_, err = ExtractSecret(sigScript, k.bn.Hash160())
	require.ErrorIs(t, err, ErrSecretNotFound)

	// Bob reclaims after the locktime.
	tx, pkScript = spendTx(t, redeem, testLocktime)
	sigScript, err = SpendScript(
		redeem, sign(t, tx, redeem, k.b1), []byte{1},
	)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	require.NoError(t, execute(tx, pkScript))

	// Alice's key can not use the reclaim branch.
	sigScript, err = SpendScript(
		redeem, sign(t, tx, redeem, k.a0), []byte{1},
	)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	require.Error(t, execute(tx, pkScript))
}

// TestMultisigScript executes the 2-of-2 spend.
func TestMultisigScript(t *testing.T) {
	k := newTestKeys(t)

	redeem, err := MultisigScript(k.pubAm, k.pubBn)
	require.NoError(t, err)

	tx, pkScript := spendTx(t, redeem, 0)
	sigScript, err := SpendScript(
		redeem, nil, sign(t, tx, redeem, k.am),
		sign(t, tx, redeem, k.bn),
	)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	require.NoError(t, execute(tx, pkScript))

	// One secret alone is not enough.
	sigScript, err = SpendScript(
		redeem, nil, sign(t, tx, redeem, k.am),
		sign(t, tx, redeem, k.am),
	)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	require.Error(t, execute(tx, pkScript))
}

// TestZeroInputs tests that scripts are never built over unset keys.
func TestZeroInputs(t *testing.T) {
	k := newTestKeys(t)

	_, err := DepositScript(
		testLocktime, k.pubA0, swap.Hash160{}, k.pubB0, k.bn.Hash160(),
	)
	require.ErrorIs(t, err, ErrZeroKey)

	_, err = PaymentScript(
		testLocktime, swap.PublicKey{}, k.am.Hash160(), k.pubA0,
	)
	require.ErrorIs(t, err, ErrZeroKey)

	_, err = MultisigScript(k.pubAm, swap.PublicKey{})
	require.ErrorIs(t, err, ErrZeroKey)
}
