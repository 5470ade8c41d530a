package swap

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the phase in which a swap failed.
type ErrorKind uint8

const (
	// KindNone is the zero kind. It is never attached to an error.
	KindNone ErrorKind = iota

	// KindBalance is a failed pre-flight balance check. Nothing has been
	// exchanged with the counterpart yet.
	KindBalance

	// KindCommitment is a rejected deck commitment message.
	KindCommitment

	// KindChoice is a rejected cut index message.
	KindChoice

	// KindAudit is a failed cut-and-choose audit of the bulk reveal.
	KindAudit

	// KindChannel is a lock-step send or receive that ran out of time.
	KindChannel

	// KindBuild is a failure to construct or stage a transaction.
	KindBuild

	// KindBroadcast is a failure to publish a transaction.
	KindBroadcast

	// KindVerify is a counterpart transaction that did not match the
	// agreed parameters.
	KindVerify

	// KindConfirmation is a confirmation wait that did not reach its
	// threshold before expiry. Swaps failing with this kind are recorded
	// as pending rather than failed.
	KindConfirmation
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBalance:
		return "balance"
	case KindCommitment:
		return "commitment"
	case KindChoice:
		return "choice"
	case KindAudit:
		return "audit"
	case KindChannel:
		return "channel"
	case KindBuild:
		return "build"
	case KindBroadcast:
		return "broadcast"
	case KindVerify:
		return "verify"
	case KindConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

// Fatal cause codes, one per failure point of each coordinator.
const (
	CodeBobPubkeys        = -2000
	CodeBobChoice         = -2001
	CodeBobMostPrivs      = -2002
	CodeBobDepositScripts = -2003
	CodeBobAliceFee       = -2004
	CodeBobDepositSend    = -2005
	CodeBobAlicePayment   = -2006
	CodeBobPaymentScripts = -2007
	CodeBobPaymentSend    = -2008
	CodeBobDepositConfs   = -2009
	CodeBobAliceSpend     = -2010
	CodeAlicePubkeys      = -1000
	CodeAliceChoice       = -1001
	CodeAliceMostPrivs    = -1002
	CodeAliceFee          = -1003
	CodeAliceDepositConfs = -1004
	CodeAliceBobDeposit   = -1005
	CodeAlicePaymentSend  = -1006
	CodeAliceBobPayment   = -1007
	CodeBobBalance        = -5000
	CodeAliceBalance      = -5001
)

// SwapError is a fatal swap failure tagged with its phase, its numeric cause
// code and the identifiers of the swap it aborted.
type SwapError struct {
	Kind      ErrorKind
	Code      int
	RequestID uint32
	QuoteID   uint32
	Err       error
}

// NewSwapError wraps err for the given swap.
func NewSwapError(kind ErrorKind, code int, requestID, quoteID uint32,
	err error) *SwapError {

	return &SwapError{
		Kind:      kind,
		Code:      code,
		RequestID: requestID,
		QuoteID:   quoteID,
		Err:       err,
	}
}

// Error implements the error interface.
func (e *SwapError) Error() string {
	return fmt.Sprintf("swap r.%d q.%d %v failure (code %d): %v",
		e.RequestID, e.QuoteID, e.Kind, e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SwapError) Unwrap() error {
	return e.Err
}

// KindOf returns the phase of a swap failure, or KindNone if err does not
// carry one.
func KindOf(err error) ErrorKind {
	var swapErr *SwapError
	if errors.As(err, &swapErr) {
		return swapErr.Kind
	}

	return KindNone
}

// CodeOf returns the numeric cause code of a swap failure, or 0.
func CodeOf(err error) int {
	var swapErr *SwapError
	if errors.As(err, &swapErr) {
		return swapErr.Code
	}

	return 0
}
