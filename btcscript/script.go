package btcscript

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightninglabs/xswap/swap"
)

const (
	// SecretSize is the size every hash locked secret must have. The
	// script enforces it so a secret valid on one chain can not be too
	// large for the other.
	SecretSize = swap.PrivateKeySize

	// DepositScriptSize evaluates to 134 bytes:
	//	- OP_IF: 1 byte
	//	- OP_SIZE OP_DATA_1 <32> OP_EQUALVERIFY: 4 bytes
	//	- OP_HASH160 OP_DATA_20 <secret_am> OP_EQUALVERIFY: 23 bytes
	//	- OP_DATA_4 <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP: 7 bytes
	//	- OP_DATA_33 <pub_a0> OP_CHECKSIG: 35 bytes
	//	- OP_ELSE: 1 byte
	//	- OP_SIZE OP_DATA_1 <32> OP_EQUALVERIFY: 4 bytes
	//	- OP_HASH160 OP_DATA_20 <secret_bn> OP_EQUALVERIFY: 23 bytes
	//	- OP_DATA_33 <pub_b0> OP_CHECKSIG: 35 bytes
	//	- OP_ENDIF: 1 byte
	//
	// The locktime push is shorter for small locktimes.
	DepositScriptSize = 1 + 4 + 23 + 7 + 35 + 1 + 4 + 23 + 35 + 1
)

var (
	// ErrSecretNotFound is returned when a signature script does not
	// contain the preimage of the expected hash.
	ErrSecretNotFound = errors.New("secret not found in signature script")

	// ErrZeroKey is returned when a script is built over an unset key or
	// hash.
	ErrZeroKey = errors.New("script input not set")
)

// addHashLock appends SIZE 32 EQUALVERIFY HASH160 <hash> EQUALVERIFY.
func addHashLock(b *txscript.ScriptBuilder, hash swap.Hash160) {
	b.AddOp(txscript.OP_SIZE)
	b.AddInt64(SecretSize)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(hash[:])
	b.AddOp(txscript.OP_EQUALVERIFY)
}

// addTimeLock appends <locktime> CHECKLOCKTIMEVERIFY DROP.
func addTimeLock(b *txscript.ScriptBuilder, locktime uint32) {
	b.AddInt64(int64(locktime))
	b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	b.AddOp(txscript.OP_DROP)
}

// DepositScript returns the redeem script of Bob's deposit.
//
// The first branch lets Alice claim the deposit with her secret once
// claimLocktime passed:
//
//	<sig_a0> <priv_am> 1
//
// The second branch refunds Bob with his early secret:
//
//	<sig_b0> <priv_bn> 0
func DepositScript(claimLocktime uint32, pubA0 swap.PublicKey,
	secretAm swap.Hash160, pubB0 swap.PublicKey,
	secretBn swap.Hash160) ([]byte, error) {

	if pubA0.IsZero() || pubB0.IsZero() || secretAm == (swap.Hash160{}) ||
		secretBn == (swap.Hash160{}) {

		return nil, ErrZeroKey
	}

	b := txscript.NewScriptBuilder()

	b.AddOp(txscript.OP_IF)
	addHashLock(b, secretAm)
	addTimeLock(b, claimLocktime)
	b.AddData(pubA0[:])
	b.AddOp(txscript.OP_CHECKSIG)

	b.AddOp(txscript.OP_ELSE)
	addHashLock(b, secretBn)
	b.AddData(pubB0[:])
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_ENDIF)

	return b.Script()
}

// PaymentScript returns the redeem script of Bob's payment.
//
// The first branch returns the payment to Bob after reclaimLocktime:
//
//	<sig_b1> 1
//
// The second branch lets Alice spend it with her secret, which publishes
// the secret on chain:
//
//	<sig_a0> <priv_am> 0
func PaymentScript(reclaimLocktime uint32, pubB1 swap.PublicKey,
	secretAm swap.Hash160, pubA0 swap.PublicKey) ([]byte, error) {

	if pubA0.IsZero() || pubB1.IsZero() || secretAm == (swap.Hash160{}) {
		return nil, ErrZeroKey
	}

	b := txscript.NewScriptBuilder()

	b.AddOp(txscript.OP_IF)
	addTimeLock(b, reclaimLocktime)
	b.AddData(pubB1[:])
	b.AddOp(txscript.OP_CHECKSIG)

	b.AddOp(txscript.OP_ELSE)
	addHashLock(b, secretAm)
	b.AddData(pubA0[:])
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_ENDIF)

	return b.Script()
}

// MultisigScript returns the 2-of-2 redeem script of Alice's payment over
// both parties' secret keys. Whoever learns the other's secret can spend
// it:
//
//	0 <sig_am> <sig_bn>
func MultisigScript(pubAm, pubBn swap.PublicKey) ([]byte, error) {
	if pubAm.IsZero() || pubBn.IsZero() {
		return nil, ErrZeroKey
	}

	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_2)
	b.AddData(pubAm[:])
	b.AddData(pubBn[:])
	b.AddOp(txscript.OP_2)
	b.AddOp(txscript.OP_CHECKMULTISIG)

	return b.Script()
}

// ScriptAddress returns the pay to script hash address of redeem.
func ScriptAddress(redeem []byte,
	params *chaincfg.Params) (*btcutil.AddressScriptHash, error) {

	return btcutil.NewAddressScriptHash(redeem, params)
}

// PayToScript returns the output script paying to the script hash of
// redeem.
func PayToScript(redeem []byte, params *chaincfg.Params) ([]byte, error) {
	addr, err := ScriptAddress(redeem, params)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// SpendScript assembles a p2sh signature script. The pushes are added in
// order followed by the redeem script.
func SpendScript(redeem []byte, pushes ...[]byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	for _, push := range pushes {
		b.AddData(push)
	}
	b.AddData(redeem)

	return b.Script()
}

// ExtractSecret returns the pushed secret whose hash160 is secretHash.
func ExtractSecret(sigScript []byte,
	secretHash swap.Hash160) (swap.PrivateKey, error) {

	pushes, err := txscript.PushedData(sigScript)
	if err != nil {
		return swap.PrivateKey{}, fmt.Errorf("parse signature "+
			"script: %w", err)
	}

	for _, push := range pushes {
		if len(push) != SecretSize {
			continue
		}

		secret, err := swap.NewPrivateKey(push)
		if err != nil {
			return swap.PrivateKey{}, err
		}
		if secret.Hash160() == secretHash {
			return secret, nil
		}
	}

	return swap.PrivateKey{}, ErrSecretNotFound
}
