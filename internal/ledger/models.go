package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"paystream/internal/streaming"
)

// streamRow is one row of the stream table. Parts pending is never stored.
type streamRow struct {
	ID             string `gorm:"primaryKey;size:36"`
	CounterpartyID string `gorm:"not null"`
	DisplayName    string
	ContactName    string
	Memo           string
	PaymentRequest string

	PricePerPart int64  `gorm:"not null"`
	Currency     string `gorm:"size:8;not null"`
	// decimals are kept as text so SQLite does not coerce them to floats
	FiatAmount decimal.Decimal `gorm:"type:text"`
	Rate       decimal.Decimal `gorm:"type:text"`
	RateAtMs   int64

	DelayMs    int64 `gorm:"not null"`
	TotalParts int64 `gorm:"not null"`

	Status          string `gorm:"size:16;not null;index"`
	PartsPaid       int64  `gorm:"not null"`
	TotalAmountPaid int64  `gorm:"not null"`
	LastPaymentMs   int64  `gorm:"column:last_payment_ms"`
	FeeMin          int64
	FeeMax          int64
	FeeAvg          int64

	CreatedAt time.Time      `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime:false"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (streamRow) TableName() string { return "stream" }

// partRow is one row of the append-only stream_part table. Seq is the
// stream's part count after this part was paid.
type partRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	StreamID    string `gorm:"size:36;not null;uniqueIndex:idx_stream_part_seq"`
	Seq         int64  `gorm:"not null;uniqueIndex:idx_stream_part_seq"`
	PaymentHash string
	Amount      int64
	PaidAt      time.Time
}

func (partRow) TableName() string { return "stream_part" }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toStreamRow(sp streaming.StreamPayment) streamRow {
	return streamRow{
		ID:              string(sp.ID),
		CounterpartyID:  sp.CounterpartyID,
		DisplayName:     sp.DisplayName,
		ContactName:     sp.ContactName,
		Memo:            sp.Memo,
		PaymentRequest:  sp.PaymentRequest,
		PricePerPart:    sp.PricePerPart,
		Currency:        string(sp.Currency),
		FiatAmount:      sp.FiatAmount,
		Rate:            sp.Rate,
		RateAtMs:        toMillis(sp.RateAt),
		DelayMs:         sp.DelayMs,
		TotalParts:      sp.TotalParts,
		Status:          string(sp.Status),
		PartsPaid:       sp.PartsPaid,
		TotalAmountPaid: sp.TotalAmountPaid,
		LastPaymentMs:   toMillis(sp.LastPaymentAt),
		FeeMin:          sp.FeeEstimate.Min,
		FeeMax:          sp.FeeEstimate.Max,
		FeeAvg:          sp.FeeEstimate.Avg,
		CreatedAt:       sp.CreatedAt,
		UpdatedAt:       sp.UpdatedAt,
	}
}

func (r streamRow) toStream() streaming.StreamPayment {
	return streaming.StreamPayment{
		ID:              streaming.StreamID(r.ID),
		CounterpartyID:  r.CounterpartyID,
		DisplayName:     r.DisplayName,
		ContactName:     r.ContactName,
		Memo:            r.Memo,
		PaymentRequest:  r.PaymentRequest,
		PricePerPart:    r.PricePerPart,
		Currency:        streaming.Currency(r.Currency),
		FiatAmount:      r.FiatAmount,
		Rate:            r.Rate,
		RateAt:          fromMillis(r.RateAtMs),
		DelayMs:         r.DelayMs,
		TotalParts:      r.TotalParts,
		Status:          streaming.Status(r.Status),
		PartsPaid:       r.PartsPaid,
		TotalAmountPaid: r.TotalAmountPaid,
		LastPaymentAt:   fromMillis(r.LastPaymentMs),
		FeeEstimate:     streaming.FeeEstimate{Min: r.FeeMin, Max: r.FeeMax, Avg: r.FeeAvg},
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func toPartRow(seq int64, p streaming.StreamPart) partRow {
	return partRow{
		ID:          p.ID,
		StreamID:    string(p.StreamID),
		Seq:         seq,
		PaymentHash: p.PaymentHash,
		Amount:      p.Amount,
		PaidAt:      p.PaidAt,
	}
}

func (r partRow) toPart() streaming.StreamPart {
	return streaming.StreamPart{
		ID:          r.ID,
		StreamID:    streaming.StreamID(r.StreamID),
		PaymentHash: r.PaymentHash,
		Amount:      r.Amount,
		PaidAt:      r.PaidAt,
	}
}
