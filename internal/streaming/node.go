package streaming

import (
	"context"
	"time"
)

// DecodedInvoice is the subset of a payment request the engine needs.
type DecodedInvoice struct {
	Destination string    `json:"destination"`
	Amount      int64     `json:"amount"`
	Expiry      time.Time `json:"expiry"`
	Hash        string    `json:"hash"`
}

// Expired reports whether the invoice is past its expiry at now.
func (d DecodedInvoice) Expired(now time.Time) bool {
	return !d.Expiry.IsZero() && !now.Before(d.Expiry)
}

// PaymentTarget is either a payment request or an explicit destination.
type PaymentTarget struct {
	PaymentRequest string `json:"payment_request,omitempty"`
	Destination    string `json:"destination,omitempty"`
	Amount         int64  `json:"amount,omitempty"`
	Hash           string `json:"hash,omitempty"`
}

// NodeClient is the request/response boundary to the payment-channel node.
// Every method may fail; implementations return *NodeError.
type NodeClient interface {
	// Ping checks that the node is reachable.
	Ping(ctx context.Context) error
	EstimateFee(ctx context.Context, counterpartyID string, amount int64) (FeeEstimate, error)
	CreateInvoice(ctx context.Context, counterpartyID string, amount int64, memo string) (string, error)
	DecodeInvoice(ctx context.Context, paymentRequest string) (DecodedInvoice, error)
	// Pay executes the payment and returns its hash.
	Pay(ctx context.Context, target PaymentTarget) (string, error)
	// GetBalance returns the spendable channel balance in base units.
	GetBalance(ctx context.Context) (int64, error)
}
