// Package accrual derives a stream's flowed, remaining and claimable
// amounts from elapsed wall-clock time.
//
// Every function here is pure: the result depends only on the stream
// snapshot and the instant passed in, so it can be called at any rate and
// replayed. Invalid inputs degrade to zero values rather than failing,
// since accrual runs on the hot refresh loop.
//
// Internal computation is unrounded; DisplayScale applies only to values
// presented to callers, so repeated polls never compound rounding error.
package accrual

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/model"
)

// DisplayScale is the number of decimal places for displayed quantities.
var DisplayScale int32 = 6

// Accrual is the accounting state of a stream as of one instant.
type Accrual struct {
	StreamID         string          `json:"stream_id"`
	At               time.Time       `json:"at"`
	Elapsed          int64           `json:"elapsed"` // seconds, clamped to >= 0
	RatePerSecond    decimal.Decimal `json:"rate_per_second"`
	FlowedAmount     decimal.Decimal `json:"flowed_amount"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	ClaimableAmount  decimal.Decimal `json:"claimable_amount"`
	TimeRemaining    int64           `json:"time_remaining"` // seconds until fully flowed
}

// Elapsed returns max(0, now - startTime) in whole seconds.
func Elapsed(s model.Stream, now time.Time) int64 {
	e := now.Unix() - s.StartTime
	if e < 0 {
		return 0
	}
	return e
}

// RatePerSecond returns totalDeposit / duration, or zero when the duration
// is not positive.
func RatePerSecond(s model.Stream) decimal.Decimal {
	if s.Duration <= 0 || !s.TotalDeposit.IsPositive() {
		return decimal.Zero
	}
	return s.TotalDeposit.Div(decimal.NewFromInt(s.Duration))
}

// Flowed returns min(elapsed * rate, totalDeposit), never negative.
// The product is formed before dividing so that whole fractions of the
// duration yield exact amounts.
func Flowed(s model.Stream, now time.Time) decimal.Decimal {
	if s.Duration <= 0 || !s.TotalDeposit.IsPositive() {
		return decimal.Zero
	}
	elapsed := Elapsed(s, now)
	if elapsed >= s.Duration {
		return s.TotalDeposit
	}
	return s.TotalDeposit.Mul(decimal.NewFromInt(elapsed)).Div(decimal.NewFromInt(s.Duration))
}

// Remaining returns totalDeposit - flowed.
func Remaining(s model.Stream, now time.Time) decimal.Decimal {
	total := s.TotalDeposit
	if total.IsNegative() {
		total = decimal.Zero
	}
	return total.Sub(Flowed(s, now))
}

// Claimable returns max(0, flowed - claimed - sold).
func Claimable(s model.Stream, now time.Time) decimal.Decimal {
	c := Flowed(s, now).Sub(s.ClaimedAmount).Sub(s.SoldAmount)
	if c.IsNegative() {
		return decimal.Zero
	}
	return c
}

// Progress returns elapsed / duration in [0, +inf), or 0 when the duration
// is not positive.
func Progress(s model.Stream, now time.Time) float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(Elapsed(s, now)) / float64(s.Duration)
}

// Accrue computes the full accounting state of s as of now.
func Accrue(s model.Stream, now time.Time) Accrual {
	a := Accrual{
		StreamID:         s.ID,
		At:               now,
		Elapsed:          Elapsed(s, now),
		RatePerSecond:    RatePerSecond(s),
		FlowedAmount:     Flowed(s, now),
		RemainingBalance: Remaining(s, now),
		ClaimableAmount:  Claimable(s, now),
	}
	if s.Duration > 0 {
		if left := s.StartTime + s.Duration - now.Unix(); left > 0 {
			a.TimeRemaining = left
		}
	}
	return a
}

// Display returns a copy rounded to DisplayScale decimal places.
func (a Accrual) Display() Accrual {
	a.RatePerSecond = a.RatePerSecond.Round(DisplayScale)
	a.FlowedAmount = a.FlowedAmount.Round(DisplayScale)
	a.RemainingBalance = a.RemainingBalance.Round(DisplayScale)
	a.ClaimableAmount = a.ClaimableAmount.Round(DisplayScale)
	return a
}

// AccrueAll computes accruals for a set of streams at one instant.
func AccrueAll(streams map[string]model.Stream, now time.Time) map[string]Accrual {
	out := make(map[string]Accrual, len(streams))
	for id, s := range streams {
		out[id] = Accrue(s, now)
	}
	return out
}
