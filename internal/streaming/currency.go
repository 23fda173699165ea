package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Rate is a snapshot of base units per one unit of fiat.
type Rate struct {
	Value decimal.Decimal
	At    time.Time
}

// RateSource looks up the current fiat rate.
type RateSource interface {
	Rate(ctx context.Context) (Rate, error)
}

// FixedRate is a RateSource that always returns the same value.
type FixedRate decimal.Decimal

// Rate implements RateSource.
func (f FixedRate) Rate(context.Context) (Rate, error) {
	v := decimal.Decimal(f)
	if !v.IsPositive() {
		return Rate{}, fmt.Errorf("%w: no rate configured", ErrConversionUnavailable)
	}
	return Rate{Value: v, At: time.Now()}, nil
}

// ToBaseUnits converts a fiat amount into base units using rate, rounding down.
// A result below one base unit is rejected.
func ToBaseUnits(amount, rate decimal.Decimal) (int64, error) {
	if !rate.IsPositive() {
		return 0, fmt.Errorf("%w: rate must be positive", ErrConversionUnavailable)
	}
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	base := amount.Mul(rate).Floor()
	if base.LessThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("%w: %s converts to less than one base unit", ErrInvalidInput, amount)
	}
	if base.GreaterThan(decimal.NewFromInt(1 << 62)) {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidInput, amount)
	}
	return base.IntPart(), nil
}

// baseAmount normalizes a user amount into base units. BASE amounts must be
// whole numbers; FIAT amounts go through rs once and the snapshot is returned.
func baseAmount(ctx context.Context, rs RateSource, amount decimal.Decimal, cur Currency) (int64, Rate, error) {
	switch cur {
	case CurrencyBase, "":
		if !amount.IsInteger() || !amount.IsPositive() {
			return 0, Rate{}, fmt.Errorf("%w: base amount must be a positive integer", ErrInvalidInput)
		}
		return amount.IntPart(), Rate{}, nil
	case CurrencyFiat:
		if rs == nil {
			return 0, Rate{}, fmt.Errorf("%w: no rate source", ErrConversionUnavailable)
		}
		r, err := rs.Rate(ctx)
		if err != nil {
			return 0, Rate{}, fmt.Errorf("%w: %w", ErrConversionUnavailable, err)
		}
		base, err := ToBaseUnits(amount, r.Value)
		if err != nil {
			return 0, Rate{}, err
		}
		return base, r, nil
	default:
		return 0, Rate{}, fmt.Errorf("%w: unknown currency %q", ErrInvalidInput, cur)
	}
}
