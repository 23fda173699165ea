package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAdmission_Authorize(t *testing.T) {
	base := StreamPayment{PricePerPart: 100, Currency: CurrencyBase, FeeEstimate: FeeEstimate{Max: 5}}
	fiat := base
	fiat.Currency = CurrencyFiat
	fiat.Rate = decimal.NewFromInt(2000)
	fiat.RateAt = time.Now()
	unconverted := base
	unconverted.Currency = CurrencyFiat

	tests := []struct {
		name string
		sp   StreamPayment
		node NodeSnapshot
		want error
	}{
		{"allowed", base, NodeSnapshot{Connected: true, Balance: 105}, nil},
		{"fiat_allowed", fiat, NodeSnapshot{Connected: true, Balance: 1000}, nil},
		{"offline_wins_over_funds", base, NodeSnapshot{Connected: false, Balance: 0}, ErrNoConnectivity},
		{"fee_counts", base, NodeSnapshot{Connected: true, Balance: 104}, ErrInsufficientFunds},
		{"funds_before_conversion", unconverted, NodeSnapshot{Connected: true, Balance: 1}, ErrInsufficientFunds},
		{"no_rate_snapshot", unconverted, NodeSnapshot{Connected: true, Balance: 1000}, ErrConversionUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Admission{}.Authorize(tt.sp, tt.node)
			if tt.want == nil {
				if err != nil {
					t.Errorf("unexpected denial: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		amount, rate string
		want         int64
		wantErr      error
	}{
		{"0.05", "2000", 100, nil},
		{"1", "2500.9", 2500, nil},
		{"0.019", "100", 1, nil},
		{"0.001", "100", 0, ErrInvalidInput},
		{"0", "100", 0, ErrInvalidInput},
		{"1", "0", 0, ErrConversionUnavailable},
		{"1", "-3", 0, ErrConversionUnavailable},
	}
	for _, tt := range tests {
		got, err := ToBaseUnits(decimal.RequireFromString(tt.amount), decimal.RequireFromString(tt.rate))
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ToBaseUnits(%s, %s) err = %v, want %v", tt.amount, tt.rate, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ToBaseUnits(%s, %s) = %d, %v; want %d", tt.amount, tt.rate, got, err, tt.want)
		}
	}
}

func TestFixedRate(t *testing.T) {
	r, err := FixedRate(decimal.NewFromInt(42)).Rate(context.Background())
	if err != nil || !r.Value.Equal(decimal.NewFromInt(42)) || r.At.IsZero() {
		t.Errorf("FixedRate: %+v, %v", r, err)
	}
	if _, err := FixedRate(decimal.Zero).Rate(context.Background()); !errors.Is(err, ErrConversionUnavailable) {
		t.Errorf("zero FixedRate: %v", err)
	}
}

func TestReasonOf(t *testing.T) {
	nodeDown := &NodeError{Op: "pay", Err: ErrNoConnectivity}
	tests := map[string]struct {
		err  error
		want string
	}{
		"nil":            {nil, ""},
		"funds":          {ErrInsufficientFunds, ReasonInsufficientFunds},
		"node":           {&NodeError{Op: "pay", Err: errors.New("boom")}, ReasonNodeCallFailed},
		"node_offline":   {nodeDown, ReasonNoConnectivity},
		"not_prepared":   {ErrNotPrepared, ReasonRecordNotFound},
		"ledger":         {ErrLedgerConflict, ReasonLedger},
		"conversion":     {ErrConversionUnavailable, ReasonConversionUnavailable},
		"unclassified":   {errors.New("?"), ReasonUnknown},
		"wrapped_state":  {errors.Join(errors.New("ctx"), ErrInvalidState), ReasonInvalidState},
	}
	for name, tt := range tests {
		if got := ReasonOf(tt.err); got != tt.want {
			t.Errorf("%s: ReasonOf = %q, want %q", name, got, tt.want)
		}
	}
	if !errors.Is(nodeDown, ErrNodeCallFailed) {
		t.Error("NodeError must unwrap to ErrNodeCallFailed")
	}
}
