package accrual

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var epoch = time.Unix(1_700_000_000, 0)

func tenDayStream() model.Stream {
	return model.Stream{
		ID:           "s1",
		TotalDeposit: d(10000),
		StartTime:    epoch.Unix() - 432000,
		Duration:     864000,
		IsActive:     true,
	}
}

func TestAccrue_HalfwayScenario(t *testing.T) {
	a := Accrue(tenDayStream(), epoch)

	if !a.FlowedAmount.Equal(d(5000)) {
		t.Errorf("expected flowed=5000, got %s", a.FlowedAmount)
	}
	if !a.RemainingBalance.Equal(d(5000)) {
		t.Errorf("expected remaining=5000, got %s", a.RemainingBalance)
	}
	if !a.ClaimableAmount.Equal(d(5000)) {
		t.Errorf("expected claimable=5000, got %s", a.ClaimableAmount)
	}
	if a.TimeRemaining != 432000 {
		t.Errorf("expected 432000s remaining, got %d", a.TimeRemaining)
	}
}

func TestFlowed_MonotonicAndBounded(t *testing.T) {
	s := tenDayStream()
	s.TotalDeposit = d(1234.567891)

	prev := decimal.Zero
	for offset := int64(-1000); offset <= 1_000_000; offset += 7919 {
		now := time.Unix(s.StartTime+offset, 0)
		f := Flowed(s, now)
		if f.LessThan(prev) {
			t.Fatalf("flowed decreased at offset %d: %s < %s", offset, f, prev)
		}
		if f.IsNegative() || f.GreaterThan(s.TotalDeposit) {
			t.Fatalf("flowed out of bounds at offset %d: %s", offset, f)
		}
		prev = f
	}
	if !prev.Equal(s.TotalDeposit) {
		t.Errorf("expected fully flowed after end, got %s", prev)
	}
}

func TestAccrue_BeforeStart(t *testing.T) {
	s := tenDayStream()
	s.StartTime = epoch.Unix() + 3600

	a := Accrue(s, epoch)
	if !a.FlowedAmount.IsZero() {
		t.Errorf("expected nothing flowed before start, got %s", a.FlowedAmount)
	}
	if !a.RemainingBalance.Equal(s.TotalDeposit) {
		t.Errorf("expected remaining=total, got %s", a.RemainingBalance)
	}
	if a.Elapsed != 0 {
		t.Errorf("elapsed should clamp to 0, got %d", a.Elapsed)
	}
}

func TestAccrue_NonPositiveDuration(t *testing.T) {
	for _, dur := range []int64{0, -5} {
		s := tenDayStream()
		s.Duration = dur

		for _, now := range []time.Time{epoch, epoch.Add(1000 * time.Hour)} {
			a := Accrue(s, now)
			if !a.FlowedAmount.IsZero() {
				t.Errorf("duration=%d: expected flowed=0, got %s", dur, a.FlowedAmount)
			}
			if !a.RemainingBalance.Equal(s.TotalDeposit) {
				t.Errorf("duration=%d: expected remaining=total, got %s", dur, a.RemainingBalance)
			}
			if !a.RatePerSecond.IsZero() {
				t.Errorf("duration=%d: expected zero rate, got %s", dur, a.RatePerSecond)
			}
		}
	}
}

func TestClaimable_NeverNegative(t *testing.T) {
	s := tenDayStream()
	// Timing skew: ledger already reports more claimed+sold than we see flowed.
	s.ClaimedAmount = d(4000)
	s.SoldAmount = d(2000)

	c := Claimable(s, epoch)
	if !c.IsZero() {
		t.Errorf("expected claimable clamped to 0, got %s", c)
	}

	s.ClaimedAmount = d(1000)
	s.SoldAmount = d(500)
	if got := Claimable(s, epoch); !got.Equal(d(3500)) {
		t.Errorf("expected claimable=3500, got %s", got)
	}
}

func TestDisplay_RoundsToSixPlaces(t *testing.T) {
	s := model.Stream{TotalDeposit: d(1), StartTime: epoch.Unix() - 1, Duration: 3}
	a := Accrue(s, epoch).Display()

	if !a.FlowedAmount.Equal(d(0.333333)) {
		t.Errorf("expected 0.333333, got %s", a.FlowedAmount)
	}
	if !a.RemainingBalance.Equal(d(0.666667)) {
		t.Errorf("expected 0.666667, got %s", a.RemainingBalance)
	}
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name string
		s    model.Stream
		want float64
	}{
		{"halfway", tenDayStream(), 0.5},
		{"zero duration", model.Stream{StartTime: epoch.Unix() - 10}, 0},
		{"past end", model.Stream{StartTime: epoch.Unix() - 200, Duration: 100}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Progress(tt.s, epoch); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAccrueAll(t *testing.T) {
	streams := map[string]model.Stream{"s1": tenDayStream()}
	out := AccrueAll(streams, epoch)
	if len(out) != 1 || !out["s1"].FlowedAmount.Equal(d(5000)) {
		t.Errorf("unexpected accruals: %+v", out)
	}
}
