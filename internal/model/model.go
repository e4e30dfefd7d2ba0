// Package model defines the core domain types shared across the stream market.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stream is a read-through snapshot of a continuous value-transfer
// commitment held by the ledger. Flowed, remaining and claimable amounts
// are never stored; see package accrual.
type Stream struct {
	ID            string          `json:"id" db:"id"`
	Sender        string          `json:"sender" db:"sender"`
	Receiver      string          `json:"receiver" db:"receiver"`
	TotalDeposit  decimal.Decimal `json:"total_deposit" db:"total_deposit"`
	StartTime     int64           `json:"start_time" db:"start_time"` // unix seconds
	Duration      int64           `json:"duration" db:"duration"`     // seconds
	ClaimedAmount decimal.Decimal `json:"claimed_amount" db:"claimed_amount"`
	SoldAmount    decimal.Decimal `json:"sold_amount" db:"sold_amount"`
	IsActive      bool            `json:"is_active" db:"is_active"`
}

// DurationDays returns the stream duration in (fractional) days.
func (s Stream) DurationDays() float64 {
	return float64(s.Duration) / 86400
}

// RiskLevel is the letter grade derived from a risk score.
type RiskLevel string

const (
	RiskA RiskLevel = "A"
	RiskB RiskLevel = "B"
	RiskC RiskLevel = "C"
	RiskD RiskLevel = "D"
)

// Order lists a percentage of a stream's remaining balance at a discount.
// ImpliedValue is derived and recomputed on every valuation tick.
type Order struct {
	ID           string          `json:"id" db:"id"`
	StreamID     string          `json:"stream_id" db:"stream_id"`
	Seller       string          `json:"seller" db:"seller"`
	Percentage   decimal.Decimal `json:"percentage" db:"percentage"`   // (0, 100]
	PriceRatio   decimal.Decimal `json:"price_ratio" db:"price_ratio"` // (0, 1]
	Price        decimal.Decimal `json:"price" db:"price"`             // ask submitted to the ledger at listing
	RiskScore    int             `json:"risk_score" db:"risk_score"`
	RiskLevel    RiskLevel       `json:"risk_level" db:"risk_level"`
	ListedAt     time.Time       `json:"listed_at" db:"listed_at"`
	IsActive     bool            `json:"is_active" db:"is_active"`
	ImpliedValue decimal.Decimal `json:"implied_value"`
}

var hundred = decimal.NewFromInt(100)

// DiscountPct returns (1 - priceRatio) * 100.
func (o Order) DiscountPct() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(o.PriceRatio).Mul(hundred)
}

// BidStatus is the lifecycle state of a Bid.
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidCancelled BidStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s BidStatus) Terminal() bool {
	return s != BidPending
}

// Bid is a negotiated counter-offer against an Order.
type Bid struct {
	ID         string          `json:"id" db:"id"`
	OrderID    string          `json:"order_id" db:"order_id"`
	Bidder     string          `json:"bidder" db:"bidder"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`           // vUSDC
	Discount   decimal.Decimal `json:"discount" db:"discount"`       // percent, [0, 100]
	PriceRatio decimal.Decimal `json:"price_ratio" db:"price_ratio"` // 1 - discount/100
	Status     BidStatus       `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable settlement record. Once created, trades are never
// modified or deleted.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	OrderID    string          `json:"order_id" db:"order_id"`
	StreamID   string          `json:"stream_id" db:"stream_id"`
	Sender     string          `json:"stream_sender" db:"stream_sender"` // payer of the underlying stream
	Seller     string          `json:"seller" db:"seller"`
	Buyer      string          `json:"buyer" db:"buyer"`
	Amount     decimal.Decimal `json:"amount" db:"amount"` // face value of the claim
	Price      decimal.Decimal `json:"price" db:"price"`   // paid
	Percentage decimal.Decimal `json:"percentage" db:"percentage"`
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
	BidID      string          `json:"bid_id,omitempty" db:"bid_id"`
	TxRef      string          `json:"tx_ref,omitempty" db:"tx_ref"`
}

// OrderStatus marks an order history entry.
type OrderStatus string

const (
	OrderListed    OrderStatus = "listed"
	OrderSold      OrderStatus = "sold"
	OrderCancelled OrderStatus = "cancelled"
)

// OrderHistoryEntry is an append-only record of an order reaching a state.
type OrderHistoryEntry struct {
	ID         string          `json:"id" db:"id"`
	OrderID    string          `json:"order_id" db:"order_id"`
	StreamID   string          `json:"stream_id" db:"stream_id"`
	Seller     string          `json:"seller" db:"seller"`
	Status     OrderStatus     `json:"status" db:"status"`
	Percentage decimal.Decimal `json:"percentage" db:"percentage"`
	PriceRatio decimal.Decimal `json:"price_ratio" db:"price_ratio"`
	Price      decimal.Decimal `json:"price" db:"price"`
	RiskScore  int             `json:"risk_score" db:"risk_score"`
	At         time.Time       `json:"at" db:"at"`
}

// TxStatus is the outcome of a ledger transaction.
type TxStatus string

const (
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// Transaction is a ledger transaction attributed to an address. Failed
// transactions feed the sender-reputation factor of risk scoring.
type Transaction struct {
	TxRef  string          `json:"tx_ref"`
	From   string          `json:"from"`
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	Status TxStatus        `json:"status"`
	Error  string          `json:"error,omitempty"`
	At     time.Time       `json:"at"`
}

// Failed reports whether the transaction did not succeed.
func (t Transaction) Failed() bool {
	return t.Status != TxSuccess
}

// Receipt is returned by mutating ledger calls. The reference is pending
// until independently confirmed by a re-fetch.
type Receipt struct {
	ID    string `json:"id,omitempty"`
	TxRef string `json:"tx_ref"`
}

// RiskBreakdown holds each factor's contribution (goodness points).
type RiskBreakdown struct {
	TimeDecay  float64 `json:"time_decay"` // of 40
	Reputation float64 `json:"reputation"` // of 30
	Liquidity  float64 `json:"liquidity"`  // of 20
	External   float64 `json:"external"`   // of 10
	Progress   float64 `json:"progress"`   // elapsed / duration
	Failures   int     `json:"failures"`   // failed seller transactions
}

// RiskAssessment is a derived value object, never persisted.
type RiskAssessment struct {
	Score               int             `json:"score"`
	Level               RiskLevel       `json:"risk_level"`
	RecommendedDiscount decimal.Decimal `json:"recommended_discount"`
	Breakdown           RiskBreakdown   `json:"breakdown"`
}

// Exposure is a buyer's cumulative purchased value keyed by stream id and
// by the stream's sender.
type Exposure struct {
	ByStream map[string]decimal.Decimal `json:"by_stream"`
	BySender map[string]decimal.Decimal `json:"by_sender"`
}

// NewExposure returns an empty Exposure with allocated maps.
func NewExposure() Exposure {
	return Exposure{
		ByStream: make(map[string]decimal.Decimal),
		BySender: make(map[string]decimal.Decimal),
	}
}

// Add folds one purchase into the exposure.
func (e Exposure) Add(streamID, sender string, value decimal.Decimal) {
	e.ByStream[streamID] = e.ByStream[streamID].Add(value)
	e.BySender[sender] = e.BySender[sender].Add(value)
}

// HistoryEntry builds the history record for o reaching status at at.
func HistoryEntry(id string, o Order, status OrderStatus, at time.Time) OrderHistoryEntry {
	return OrderHistoryEntry{
		ID:         id,
		OrderID:    o.ID,
		StreamID:   o.StreamID,
		Seller:     o.Seller,
		Status:     status,
		Percentage: o.Percentage,
		PriceRatio: o.PriceRatio,
		Price:      o.Price,
		RiskScore:  o.RiskScore,
		At:         at,
	}
}
