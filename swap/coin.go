package swap

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// DefaultDeckSize is the number of ephemeral keys each party commits
	// to. Both parties must use the same value.
	DefaultDeckSize = 1000

	// DefaultLocktime is the base swap locktime in seconds.
	DefaultLocktime = 3600*2 + 300*2

	// DefaultStepTimeout bounds a single lock-step protocol round.
	DefaultStepTimeout = 30 * time.Second

	// DefaultTxWaitTimeout bounds the wait for a counterpart transaction
	// on a regular chain.
	DefaultTxWaitTimeout = 1800 * time.Second

	// InsuranceDiv divides the swap amount to obtain the insurance.
	InsuranceDiv = 777

	// MinTxFee is the floor for fees and insurance amounts.
	MinTxFee = btcutil.Amount(10000)

	// DefaultNumConfirms is the confirmation count required when no coin
	// specific setting exists.
	DefaultNumConfirms = 1

	// DefaultMaxConfirms is the largest confirmation count a party agrees
	// to when the coin does not configure one.
	DefaultMaxConfirms = 7
)

// Coin describes the per-chain parameters the swap engine needs.
type Coin struct {
	// Symbol is the ticker of the coin, e.g. BTC.
	Symbol string

	// TxFee is the flat fee paid by every swap transaction.
	TxFee btcutil.Amount

	// Slow marks chains with long block intervals.
	Slow bool

	// AssetChain marks asset chains, which use half the maximum
	// confirmation count.
	AssetChain bool

	// UserConfirms overrides the default required confirmations if set.
	UserConfirms uint8

	// MaxConfirms is the largest confirmation count accepted for this
	// coin. Zero selects DefaultMaxConfirms.
	MaxConfirms uint8
}

// IsBTC returns true for bitcoin.
func (c *Coin) IsBTC() bool {
	return c.Symbol == "BTC"
}

// AtomicLocktime returns the base locktime in seconds for a swap between
// the two coins.
func AtomicLocktime(bob, alice *Coin) uint32 {
	switch {
	case bob.IsBTC() && alice.IsBTC():
		return DefaultLocktime * 10

	case bob.Slow || alice.Slow:
		return DefaultLocktime * 4

	default:
		return DefaultLocktime
	}
}

// WaitTimeout returns how long to wait for a counterpart transaction on
// the given coin.
func WaitTimeout(c *Coin) time.Duration {
	switch {
	case c.IsBTC():
		return DefaultTxWaitTimeout * 8

	case c.Slow:
		return DefaultTxWaitTimeout * 4

	default:
		return DefaultTxWaitTimeout
	}
}

// MinimumValue is the smallest output value accepted for a transaction
// that is expected to carry amount after paying fee up to twice.
func MinimumValue(amount, fee btcutil.Amount) btcutil.Amount {
	if amount > 2*fee {
		return amount - 2*fee
	}

	return 1
}

// Insurance returns the insurance carried on top of a swap amount.
func Insurance(amount btcutil.Amount) btcutil.Amount {
	insurance := amount / InsuranceDiv
	if insurance < MinTxFee {
		return MinTxFee
	}

	return insurance
}

// DepositAmount returns the size of Bob's deposit for a swap amount.
func DepositAmount(amount btcutil.Amount) btcutil.Amount {
	return amount + amount>>3
}

// DexFee returns the fee Alice pays to the fee address.
func DexFee(amount btcutil.Amount) btcutil.Amount {
	fee := amount * 100 / 77700
	if fee < MinTxFee {
		return MinTxFee
	}

	return fee
}
