package streaming

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StreamID uniquely identifies a stream payment.
type StreamID string

// NewStreamID returns a fresh random stream id.
func NewStreamID() StreamID {
	return StreamID(uuid.NewString())
}

// Status is the lifecycle state of a stream.
type Status string

const (
	StatusPaused    Status = "PAUSED"
	StatusStreaming Status = "STREAMING"
	StatusFinished  Status = "FINISHED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPaused, StatusStreaming, StatusFinished:
		return true
	}
	return false
}

// Currency is the unit the user entered the part price in.
type Currency string

const (
	// CurrencyBase is the smallest unit of the payment currency.
	CurrencyBase Currency = "BASE"
	// CurrencyFiat is USD, converted to base units once at prepare/update time.
	CurrencyFiat Currency = "FIAT"
)

// InfiniteParts marks a stream that never finishes on its own.
const InfiniteParts int64 = -1

// FeeEstimate is a routing fee snapshot in base units.
type FeeEstimate struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
	Avg int64 `json:"avg"`
}

// StreamPayment is a recurring payment to a single counterparty.
type StreamPayment struct {
	ID             StreamID `json:"id"`
	CounterpartyID string   `json:"counterparty_id"`
	DisplayName    string   `json:"display_name"`
	ContactName    string   `json:"contact_name"`
	Memo           string   `json:"memo,omitempty"`
	// PaymentRequest, when set, is paid for every part instead of requesting a fresh invoice.
	PaymentRequest string `json:"payment_request,omitempty"`

	PricePerPart int64    `json:"price_per_part"`
	Currency     Currency `json:"currency"`
	// FiatAmount and Rate are the inputs of the last conversion for FIAT streams.
	FiatAmount decimal.Decimal `json:"fiat_amount"`
	Rate       decimal.Decimal `json:"rate"`
	RateAt     time.Time       `json:"rate_at"`

	DelayMs    int64 `json:"delay_ms"`
	TotalParts int64 `json:"total_parts"`

	Status          Status      `json:"status"`
	PartsPaid       int64       `json:"parts_paid"`
	PartsPending    int         `json:"parts_pending"`
	TotalAmountPaid int64       `json:"total_amount_paid"`
	LastPaymentAt   time.Time   `json:"last_payment_at"`
	FeeEstimate     FeeEstimate `json:"fee_estimate"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Delay is the minimum spacing between two parts.
func (sp StreamPayment) Delay() time.Duration {
	return time.Duration(sp.DelayMs) * time.Millisecond
}

// Infinite reports whether the stream has no target part count.
func (sp StreamPayment) Infinite() bool {
	return sp.TotalParts == InfiniteParts
}

// Complete reports whether a finite stream has paid all of its parts.
func (sp StreamPayment) Complete() bool {
	return !sp.Infinite() && sp.PartsPaid >= sp.TotalParts
}

// DueAt returns when the next part may be attempted. A stream that has never
// paid is due immediately.
func (sp StreamPayment) DueAt() time.Time {
	if sp.LastPaymentAt.IsZero() {
		return time.Time{}
	}
	return sp.LastPaymentAt.Add(sp.Delay())
}

// StreamPart is the audit record of one completed part.
type StreamPart struct {
	ID          string    `json:"id"`
	StreamID    StreamID  `json:"stream_id"`
	PaymentHash string    `json:"payment_hash"`
	Amount      int64     `json:"amount"`
	PaidAt      time.Time `json:"paid_at"`
}

// PrepareRequest carries the user's input for a new stream.
type PrepareRequest struct {
	CounterpartyID string `json:"counterparty_id"`
	// PaymentRequest optionally replaces CounterpartyID; its destination becomes the counterparty.
	PaymentRequest string          `json:"payment_request"`
	DisplayName    string          `json:"display_name"`
	ContactName    string          `json:"contact_name"`
	Memo           string          `json:"memo"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       Currency        `json:"currency"`
	DelayMs        int64           `json:"delay_ms"`
	TotalParts     int64           `json:"total_parts"`
}

// StreamUpdate lists the fields Update may change. Nil fields are left alone.
type StreamUpdate struct {
	DisplayName *string          `json:"display_name,omitempty"`
	ContactName *string          `json:"contact_name,omitempty"`
	Memo        *string          `json:"memo,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Currency    *Currency        `json:"currency,omitempty"`
	DelayMs     *int64           `json:"delay_ms,omitempty"`
	TotalParts  *int64           `json:"total_parts,omitempty"`
}
