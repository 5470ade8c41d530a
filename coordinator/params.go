package coordinator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/xswap/deck"
	"github.com/lightninglabs/xswap/swap"
	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	// ErrInvalidAmount is returned for requests with a non-positive
	// amount.
	ErrInvalidAmount = errors.New("swap amount must be positive")

	// ErrInvalidFee is returned for coins with a negative tx fee.
	ErrInvalidFee = errors.New("tx fee must not be negative")

	// ErrMissingCoin is returned when a request does not name both coins.
	ErrMissingCoin = errors.New("request needs both coins")
)

// Request is an accepted swap request and quote.
type Request struct {
	RequestID uint32
	QuoteID   uint32

	// UUID names the swap session on the message channel.
	UUID string

	// Bob and Alice are the coins each party pays in.
	Bob   *swap.Coin
	Alice *swap.Coin

	// BobAmount and AliceAmount are the swapped amounts.
	BobAmount   btcutil.Amount
	AliceAmount btcutil.Amount

	// Timestamp is the quote time every locktime is derived from.
	Timestamp time.Time

	// OptionDuration shifts the locktimes. A negative value extends the
	// put duration by its magnitude, a positive one extends the call
	// duration.
	OptionDuration int32
}

// OrderHash returns the sha256 of the serialized request. Both parties
// derive their decks from it.
func (r *Request) OrderHash() lntypes.Hash {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, r.RequestID)
	_ = binary.Write(&b, binary.LittleEndian, r.QuoteID)
	_ = binary.Write(&b, binary.LittleEndian, uint32(r.Timestamp.Unix()))
	_ = binary.Write(&b, binary.LittleEndian, int64(r.BobAmount))
	_ = binary.Write(&b, binary.LittleEndian, int64(r.AliceAmount))
	_ = binary.Write(&b, binary.LittleEndian, r.OptionDuration)
	b.WriteString(r.Bob.Symbol)
	b.WriteByte(0)
	b.WriteString(r.Alice.Symbol)
	b.WriteByte(0)
	b.WriteString(r.UUID)

	return lntypes.Hash(chainhash.HashH(b.Bytes()))
}

// SwapParams holds the amounts, locktimes and confirmation policy both
// parties derive from a request.
type SwapParams struct {
	Started      uint32
	PutDuration  uint32
	CallDuration uint32

	// Expiration is started + put + call. Bob's deposit refund becomes
	// valid at expiration.
	Expiration uint32

	// BobReclaimLocktime is when Bob can take back his payment.
	BobReclaimLocktime uint32

	// AliceClaimLocktime is when Alice can claim Bob's deposit.
	AliceClaimLocktime uint32

	BobAmount   btcutil.Amount
	AliceAmount btcutil.Amount

	BobTxFee   btcutil.Amount
	AliceTxFee btcutil.Amount

	// Deposit and BobPayment are the output values of Bob's funding
	// transactions, AlicePayment the value of Alice's.
	Deposit      btcutil.Amount
	BobPayment   btcutil.Amount
	AlicePayment btcutil.Amount

	// DexFee is the amount Alice pays to the fee address.
	DexFee btcutil.Amount

	BobInsurance   btcutil.Amount
	AliceInsurance btcutil.Amount

	// Policy is the local confirmation proposal.
	Policy deck.Policy
}

// defaultConfirms returns the proposed confirmation counts for
// transactions on the bob and alice chains.
func defaultConfirms(bob, alice *swap.Coin) (uint8, uint8) {
	bobConfirms := uint8(swap.DefaultNumConfirms)
	aliceConfirms := uint8(swap.DefaultNumConfirms)

	// A BTC leg only asks for a single confirmation.
	switch {
	case bob.IsBTC():
		bobConfirms = 1

	case alice.IsBTC():
		aliceConfirms = 1
	}

	if bob.UserConfirms > 0 {
		bobConfirms = bob.UserConfirms
	}
	if alice.UserConfirms > 0 {
		aliceConfirms = alice.UserConfirms
	}

	return bobConfirms, aliceConfirms
}

func maxConfirms(c *swap.Coin) uint8 {
	if c.MaxConfirms == 0 {
		return swap.DefaultMaxConfirms
	}

	return c.MaxConfirms
}

// NewSwapParams derives the parameters of a swap for the local role. Each
// party trusts itself, so the count for its own chain is zero locally and
// the counterpart's requirement wins during reconciliation.
func NewSwapParams(req *Request, role swap.Role,
	trustsOther bool) (*SwapParams, error) {

	if req.Bob == nil || req.Alice == nil {
		return nil, ErrMissingCoin
	}
	if req.BobAmount <= 0 || req.AliceAmount <= 0 {
		return nil, fmt.Errorf("%w: bob %v alice %v", ErrInvalidAmount,
			req.BobAmount, req.AliceAmount)
	}
	if req.Bob.TxFee < 0 || req.Alice.TxFee < 0 {
		return nil, ErrInvalidFee
	}

	locktime := swap.AtomicLocktime(req.Bob, req.Alice)
	put, call := locktime, locktime
	switch {
	case req.OptionDuration < 0:
		put += uint32(-req.OptionDuration)

	case req.OptionDuration > 0:
		call += uint32(req.OptionDuration)
	}

	started := uint32(req.Timestamp.Unix())
	p := &SwapParams{
		Started:            started,
		PutDuration:        put,
		CallDuration:       call,
		Expiration:         started + put + call,
		BobReclaimLocktime: started + put + 1,
		AliceClaimLocktime: started + put + call + 1,
		BobAmount:          req.BobAmount,
		AliceAmount:        req.AliceAmount,
		BobTxFee:           req.Bob.TxFee,
		AliceTxFee:         req.Alice.TxFee,
		BobInsurance:       swap.Insurance(req.BobAmount),
		AliceInsurance:     swap.Insurance(req.AliceAmount),
		DexFee:             swap.DexFee(req.AliceAmount),
	}
	p.Deposit = swap.DepositAmount(req.BobAmount) + 2*p.BobTxFee
	p.BobPayment = req.BobAmount + 2*p.BobTxFee
	p.AlicePayment = req.AliceAmount + 2*p.AliceTxFee

	bobConfirms, aliceConfirms := defaultConfirms(req.Bob, req.Alice)
	p.Policy = deck.Policy{
		AliceConfirms:    aliceConfirms,
		BobConfirms:      bobConfirms,
		AliceMaxConfirms: maxConfirms(req.Alice),
		BobMaxConfirms:   maxConfirms(req.Bob),
	}
	if p.Policy.BobConfirms > p.Policy.BobMaxConfirms {
		p.Policy.BobConfirms = p.Policy.BobMaxConfirms
	}
	if p.Policy.AliceConfirms > p.Policy.AliceMaxConfirms {
		p.Policy.AliceConfirms = p.Policy.AliceMaxConfirms
	}

	// Asset chains settle on half the maximum.
	if req.Bob.AssetChain {
		p.Policy.BobConfirms = swap.DefaultMaxConfirms / 2
	}
	if req.Alice.AssetChain {
		p.Policy.AliceConfirms = swap.DefaultMaxConfirms / 2
	}

	selfIsBob := role == swap.RoleBob
	if selfIsBob || trustsOther {
		p.Policy.BobConfirms = 0
	}
	if !selfIsBob || trustsOther {
		p.Policy.AliceConfirms = 0
	}

	return p, nil
}

// ExpirationTime returns the expiration as a time.
func (p *SwapParams) ExpirationTime() time.Time {
	return time.Unix(int64(p.Expiration), 0)
}
