package coordinator

import (
	"time"

	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/deck"
	"github.com/lightninglabs/xswap/rawtx"
	"github.com/lightninglabs/xswap/swap"
	"github.com/lightninglabs/xswap/swapdb"
	"github.com/lightningnetwork/lnd/lntypes"
)

// SwapState is the record of one swap attempt. It is owned by the
// coordinator goroutine running the swap.
type SwapState struct {
	RequestID uint32
	QuoteID   uint32
	UUID      string
	Role      swap.Role
	OrderHash lntypes.Hash

	PersistentPriv swap.PrivateKey
	PersistentPub  swap.PublicKey
	PersistentHash swap.Hash160

	// Session holds the deck and the cut-and-choose progress.
	Session *deck.Session

	Params *SwapParams

	// Trust flags. Both set drops the confirmation counts to zero.
	SelfIsTrusted  bool
	OtherIsTrusted bool

	MyFee    rawtx.TxSlot
	OtherFee rawtx.TxSlot

	BobDeposit rawtx.TxSlot
	BobRefund  rawtx.TxSlot
	AliceClaim rawtx.TxSlot

	BobPayment  rawtx.TxSlot
	BobReclaim  rawtx.TxSlot
	AliceSpend  rawtx.TxSlot

	AlicePayment rawtx.TxSlot
	AliceReclaim rawtx.TxSlot
	BobSpend     rawtx.TxSlot

	// Armed lists the recovery transactions handed to the store.
	Armed []chain.TxKind

	// Err is the fatal error of a failed swap.
	Err error

	// Recovered is set once a failed swap got its funds back through a
	// recovery transaction.
	Recovered bool

	// Outcome is the recorded result.
	Outcome swapdb.State
	Detail  string

	FinishedAt time.Time
}

// Key returns the store key of the swap.
func (s *SwapState) Key() swapdb.Key {
	return swapdb.Key{RequestID: s.RequestID, QuoteID: s.QuoteID}
}

// Finished reports whether the swap was torn down.
func (s *SwapState) Finished() bool {
	return !s.FinishedAt.IsZero()
}

// slots returns every transaction slot.
func (s *SwapState) slots() []*rawtx.TxSlot {
	return []*rawtx.TxSlot{
		&s.MyFee, &s.OtherFee,
		&s.BobDeposit, &s.BobRefund, &s.AliceClaim,
		&s.BobPayment, &s.BobReclaim, &s.AliceSpend,
		&s.AlicePayment, &s.AliceReclaim, &s.BobSpend,
	}
}

// wipe zeroes the secrets and transaction buffers.
func (s *SwapState) wipe() {
	if s.Session != nil {
		s.Session.Wipe()
	}
	s.PersistentPriv.Zero()

	for _, slot := range s.slots() {
		slot.Wipe()
	}
}
