package streaming

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConnectivity is returned when the payment node cannot be reached.
	ErrNoConnectivity = errors.New("payment node unreachable")

	// ErrInsufficientFunds is returned when the spendable balance does not
	// cover one part plus its maximum fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRecordNotFound is returned for unknown stream ids.
	ErrRecordNotFound = errors.New("stream not found")

	// ErrNotPrepared is returned by AddPrepared when no draft exists for the id.
	ErrNotPrepared = fmt.Errorf("%w: no prepared stream", ErrRecordNotFound)

	// ErrInvalidState is returned when an operation is not allowed in the
	// stream's current status.
	ErrInvalidState = errors.New("invalid stream state")

	// ErrNodeCallFailed wraps every payment node failure.
	ErrNodeCallFailed = errors.New("payment node call failed")

	// ErrConversionUnavailable is returned when a fiat price cannot be
	// expressed in base units.
	ErrConversionUnavailable = errors.New("currency conversion unavailable")

	// ErrInvalidInput is returned for malformed prepare/update input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLedgerConflict is returned when a part write does not follow the
	// last persisted part count.
	ErrLedgerConflict = errors.New("ledger conflict")
)

// NodeError describes a failed payment node call.
type NodeError struct {
	Op   string
	Code int
	Err  error
}

func (e *NodeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("payment node %s failed (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("payment node %s failed: %v", e.Op, e.Err)
}

// Unwrap lets errors.Is match both ErrNodeCallFailed and the cause.
func (e *NodeError) Unwrap() []error {
	return []error{ErrNodeCallFailed, e.Err}
}

// Reasons reported to the notification sink and metrics.
const (
	ReasonNoConnectivity        = "no_connectivity"
	ReasonInsufficientFunds     = "insufficient_funds"
	ReasonConversionUnavailable = "conversion_unavailable"
	ReasonRecordNotFound        = "record_not_found"
	ReasonInvalidState          = "invalid_state"
	ReasonNodeCallFailed        = "node_call_failed"
	ReasonLedger                = "ledger_write_failed"
	ReasonUnknown               = "unknown"
)

// ReasonOf classifies err into one of the Reason constants. Connectivity wins
// over a generic node failure.
func ReasonOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoConnectivity):
		return ReasonNoConnectivity
	case errors.Is(err, ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, ErrConversionUnavailable):
		return ReasonConversionUnavailable
	case errors.Is(err, ErrNodeCallFailed):
		return ReasonNodeCallFailed
	case errors.Is(err, ErrRecordNotFound):
		return ReasonRecordNotFound
	case errors.Is(err, ErrInvalidState):
		return ReasonInvalidState
	case errors.Is(err, ErrLedgerConflict):
		return ReasonLedger
	default:
		return ReasonUnknown
	}
}
