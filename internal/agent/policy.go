package agent

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/address"
	"github.com/atmx/stream-market/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Policy is the user-authored standing order the agent matches against.
type Policy struct {
	MaxRiskScore    int             `json:"max_risk_score" yaml:"max_risk_score"`
	MinDiscountPct  decimal.Decimal `json:"min_discount_pct" yaml:"min_discount_pct"`
	MaxDurationDays float64         `json:"max_duration_days" yaml:"max_duration_days"`
}

// Validate checks policy ranges.
func (p Policy) Validate() error {
	if p.MaxRiskScore < 0 || p.MaxRiskScore > 100 {
		return fmt.Errorf("%w: max risk score %d must be in [0, 100]", model.ErrValidation, p.MaxRiskScore)
	}
	if p.MinDiscountPct.IsNegative() || p.MinDiscountPct.GreaterThan(hundred) {
		return fmt.Errorf("%w: min discount %s must be in [0, 100]", model.ErrValidation, p.MinDiscountPct)
	}
	if p.MaxDurationDays <= 0 {
		return fmt.Errorf("%w: max duration days must be positive", model.ErrValidation)
	}
	return nil
}

// Reason names the first predicate an order failed. Empty means matched.
type Reason string

const (
	Matched      Reason = ""
	RiskTooHigh  Reason = "risk"
	DiscountLow  Reason = "discount"
	TooLong      Reason = "duration"
	NoFunds      Reason = "funds"
	SelfTrade    Reason = "self_trade"
	StreamAbsent Reason = "stream_missing"
	Stale        Reason = "stale"
)

// Evaluate runs the predicates in fixed order and stops at the first
// failure: risk, discount, duration, funds, then self-trade.
func (p Policy) Evaluate(o model.Order, s model.Stream, funds decimal.Decimal, caller string) Reason {
	if o.RiskScore > p.MaxRiskScore {
		return RiskTooHigh
	}
	if o.DiscountPct().LessThan(p.MinDiscountPct) {
		return DiscountLow
	}
	if s.DurationDays() > p.MaxDurationDays {
		return TooLong
	}
	if funds.LessThan(o.ImpliedValue) {
		return NoFunds
	}
	if address.Equal(o.Seller, caller) {
		return SelfTrade
	}
	return Matched
}
