package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultReservation is how long a swap holds its inputs before it must
// refresh the reservation.
const DefaultReservation = 60 * time.Second

// ErrReserved is returned when an outpoint is held by another swap.
var ErrReserved = errors.New("outpoint reserved by another swap")

type reservation struct {
	owner string
	until time.Time
}

// Registry tracks the swaps in flight and the wallet outputs they hold. It
// is shared by every coordinator of the process and safe for concurrent
// use.
type Registry struct {
	clock clock.Clock

	mu           sync.Mutex
	pending      int
	reservations map[wire.OutPoint]reservation
}

// New creates an empty registry.
func New(clk clock.Clock) *Registry {
	return &Registry{
		clock:        clk,
		reservations: make(map[wire.OutPoint]reservation),
	}
}

// SwapStarted increments the number of swaps in flight.
func (r *Registry) SwapStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending++
}

// SwapFinished decrements the number of swaps in flight.
func (r *Registry) SwapFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == 0 {
		log.Errorf("Swap finished without a pending swap")
		return
	}
	r.pending--
}

// Pending returns the number of swaps in flight.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pending
}

// Reserve holds ops for owner until the given time. Either all or none of
// the outpoints are reserved.
func (r *Registry) Reserve(owner string, until time.Time,
	ops ...wire.OutPoint) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for _, op := range ops {
		res, ok := r.reservations[op]
		if ok && res.owner != owner && now.Before(res.until) {
			return fmt.Errorf("%w: %v held by %v", ErrReserved, op,
				res.owner)
		}
	}

	for _, op := range ops {
		r.reservations[op] = reservation{owner: owner, until: until}
	}

	log.Debugf("Reserved %d outpoints for %v until %v", len(ops), owner,
		until)

	return nil
}

// Refresh extends every reservation of owner.
func (r *Registry) Refresh(owner string, until time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for op, res := range r.reservations {
		if res.owner != owner {
			continue
		}
		r.reservations[op] = reservation{owner: owner, until: until}
		n++
	}

	return n
}

// Release drops every reservation of owner.
func (r *Registry) Release(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for op, res := range r.reservations {
		if res.owner == owner {
			delete(r.reservations, op)
		}
	}
}

// IsUnavailable reports whether op is held by a live reservation.
func (r *Registry) IsUnavailable(op wire.OutPoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[op]

	return ok && r.clock.Now().Before(res.until)
}

// KeepAlive refreshes the reservations of owner every half window until
// the returned function is called.
func (r *Registry) KeepAlive(owner string, window time.Duration) func() {
	t := ticker.New(window / 2)
	t.Resume()

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer t.Stop()

		for {
			select {
			case <-t.Ticks():
				n := r.Refresh(owner, r.clock.Now().Add(window))
				log.Tracef("Refreshed %d reservations of %v", n,
					owner)

			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-done
		})
	}
}
