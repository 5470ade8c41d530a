package swapdb

import (
	"context"
	"fmt"
	"time"

	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/swap"
	"github.com/lightningnetwork/lnd/lntypes"
)

// State is the recorded outcome of a swap.
type State uint8

const (
	// StatePending marks a swap that is running or whose confirmation
	// wait expired without a final outcome.
	StatePending State = iota

	// StateFinished marks a swap that completed.
	StateFinished

	// StateFailed marks a swap aborted with a fatal error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Key identifies a swap.
type Key struct {
	RequestID uint32
	QuoteID   uint32
}

func (k Key) String() string {
	return fmt.Sprintf("r.%d q.%d", k.RequestID, k.QuoteID)
}

// Swap is the record created when a swap starts.
type Swap struct {
	Key

	UUID      string
	Role      swap.Role
	OrderHash lntypes.Hash
	Started   time.Time
}

// Update is one entry of the event log of a swap.
type Update struct {
	Time   time.Time
	State  State
	Code   int32
	Detail string
}

// ArmedTx is a signed recovery transaction that becomes valid at its
// locktime.
type ArmedTx struct {
	Kind     chain.TxKind
	Symbol   string
	Locktime uint32
	Raw      []byte
}

// Status is the stored view of a swap.
type Status struct {
	Swap

	// State, Code and Detail are taken from the last update.
	State  State
	Code   int32
	Detail string

	Updates []Update
	Armed   []ArmedTx
}

// SwapStore persists swap starts, outcomes and armed recovery
// transactions.
type SwapStore interface {
	// AppendSwap records the start of a swap.
	AppendSwap(ctx context.Context, s *Swap) error

	// UpdateSwap appends an update to the event log of a swap.
	UpdateSwap(ctx context.Context, key Key, update Update) error

	// ArmTx stores a recovery transaction of a swap, replacing an earlier
	// one of the same kind.
	ArmTx(ctx context.Context, key Key, tx ArmedTx) error

	// DisarmTx removes a recovery transaction.
	DisarmTx(ctx context.Context, key Key, kind chain.TxKind) error

	// Lookup returns the status of a swap.
	Lookup(ctx context.Context, key Key) (*Status, error)

	// FetchSwaps returns every swap in start order.
	FetchSwaps(ctx context.Context) ([]*Status, error)

	// Close closes the underlying database.
	Close() error
}
