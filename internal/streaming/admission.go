package streaming

import (
	"fmt"
)

// NodeSnapshot is what the admission check knows about the node at attempt time.
type NodeSnapshot struct {
	Connected bool
	Balance   int64
}

// Admission gates part attempts. It holds no state; every decision depends
// only on its arguments.
type Admission struct{}

// Authorize returns nil when one part of sp may be paid, or a typed denial:
// ErrNoConnectivity, ErrInsufficientFunds or ErrConversionUnavailable,
// checked in that order.
func (Admission) Authorize(sp StreamPayment, node NodeSnapshot) error {
	if !node.Connected {
		return ErrNoConnectivity
	}

	required := sp.PricePerPart + sp.FeeEstimate.Max
	if node.Balance < required {
		return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientFunds, node.Balance, required)
	}

	// Fiat streams were converted at prepare/update time; without that
	// snapshot the price cannot be trusted.
	if sp.Currency == CurrencyFiat && (sp.RateAt.IsZero() || !sp.Rate.IsPositive()) {
		return ErrConversionUnavailable
	}
	if sp.PricePerPart <= 0 {
		return fmt.Errorf("%w: price per part is %d", ErrConversionUnavailable, sp.PricePerPart)
	}
	return nil
}
