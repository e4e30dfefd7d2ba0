package book

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Unix(1_700_000_000, 0)

func halfwayStream(id string) model.Stream {
	return model.Stream{
		ID:           id,
		TotalDeposit: d(10000),
		StartTime:    now.Unix() - 432000,
		Duration:     864000,
		IsActive:     true,
	}
}

func order(id, streamID string, pct, ratio float64) model.Order {
	return model.Order{
		ID:         id,
		StreamID:   streamID,
		Seller:     "0xseller",
		Percentage: d(pct),
		PriceRatio: d(ratio),
		ListedAt:   now,
	}
}

func TestRecomputeAll_ImpliedValueScenario(t *testing.T) {
	b := New()
	if err := b.List(order("o1", "s1", 50, 0.9)); err != nil {
		t.Fatalf("list: %v", err)
	}

	snap := b.RecomputeAll(map[string]model.Stream{"s1": halfwayStream("s1")}, now)
	o, ok := snap.Order("o1")
	if !ok {
		t.Fatal("order o1 missing from snapshot")
	}
	if !o.ImpliedValue.Equal(d(2250)) {
		t.Errorf("expected implied value 2250, got %s", o.ImpliedValue)
	}
}

func TestImpliedValue_LinearInPercentage(t *testing.T) {
	remaining := d(5000)
	for _, pct := range []float64{1, 10, 25, 50} {
		single := ImpliedValue(order("o", "s", pct, 0.8), remaining)
		double := ImpliedValue(order("o", "s", pct*2, 0.8), remaining)
		if !double.Equal(single.Mul(decimal.NewFromInt(2))) {
			t.Errorf("pct=%v: doubling percentage should double value: %s vs %s", pct, single, double)
		}
	}
}

func TestImpliedValue_ZeroWhenNothingRemains(t *testing.T) {
	if v := ImpliedValue(order("o", "s", 50, 0.9), decimal.Zero); !v.IsZero() {
		t.Errorf("expected 0, got %s", v)
	}
	if v := ImpliedValue(order("o", "s", 50, 0.9), d(-1)); !v.IsZero() {
		t.Errorf("expected 0 for negative remaining, got %s", v)
	}
}

func TestRecomputeAll_MissingStreamValuedAtZero(t *testing.T) {
	b := New()
	b.List(order("o1", "ghost", 50, 0.9))

	snap := b.RecomputeAll(map[string]model.Stream{}, now)
	o, _ := snap.Order("o1")
	if !o.ImpliedValue.IsZero() {
		t.Errorf("expected 0 for unresolved stream, got %s", o.ImpliedValue)
	}
}

func TestRecomputeAll_TracksRemainingBalance(t *testing.T) {
	b := New()
	b.List(order("o1", "s1", 100, 1))
	streams := map[string]model.Stream{"s1": halfwayStream("s1")}

	early := b.RecomputeAll(streams, now)
	later := b.RecomputeAll(streams, now.Add(24*time.Hour))

	v1, _ := early.Order("o1")
	v2, _ := later.Order("o1")
	if !v2.ImpliedValue.LessThan(v1.ImpliedValue) {
		t.Errorf("value should fall as the stream flows: %s then %s", v1.ImpliedValue, v2.ImpliedValue)
	}
	if later.Version <= early.Version {
		t.Errorf("snapshot version should increase: %d then %d", early.Version, later.Version)
	}
}

func TestList_Validation(t *testing.T) {
	b := New()
	tests := []model.Order{
		order("o1", "s1", 0, 0.9),
		order("o2", "s1", 101, 0.9),
		order("o3", "s1", 50, 0),
		order("o4", "s1", 50, 1.01),
		order("", "s1", 50, 0.9),
	}
	for _, o := range tests {
		if err := b.List(o); !errors.Is(err, model.ErrValidation) {
			t.Errorf("order %+v: expected ErrValidation, got %v", o, err)
		}
	}
	if b.Len() != 0 {
		t.Errorf("invalid orders should not be listed, got %d", b.Len())
	}
}

func TestList_Duplicate(t *testing.T) {
	b := New()
	b.List(order("o1", "s1", 50, 0.9))
	if err := b.List(order("o1", "s1", 50, 0.9)); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for duplicate, got %v", err)
	}
}

func TestListThenCancel_RoundTrip(t *testing.T) {
	b := New()
	streams := map[string]model.Stream{"s1": halfwayStream("s1")}
	b.RecomputeAll(streams, now)

	b.List(order("o1", "s1", 50, 0.9))
	if _, ok := b.Get("o1"); !ok {
		t.Fatal("listed order should be visible immediately")
	}

	cancelled, ok := b.Cancel("o1")
	if !ok {
		t.Fatal("cancel should find the order")
	}
	if cancelled.IsActive {
		t.Error("cancelled order should be inactive")
	}
	if _, ok := b.Get("o1"); ok {
		t.Error("cancelled order should leave the active set")
	}
	if _, ok := b.Cancel("o1"); ok {
		t.Error("second cancel should report not found")
	}
}

func TestReconcile(t *testing.T) {
	b := New()
	local := order("o1", "s1", 50, 0.9)
	local.RiskScore = 12
	b.List(local)
	b.List(order("gone", "s1", 10, 0.9))

	fromLedger := []model.Order{
		{ID: "o1", StreamID: "s1", Percentage: d(50), PriceRatio: d(0.9), IsActive: true, RiskScore: 99},
		{ID: "o2", StreamID: "s1", Percentage: d(20), PriceRatio: d(0.8), IsActive: true},
		{ID: "closed", StreamID: "s1", Percentage: d(20), PriceRatio: d(0.8), IsActive: false},
	}
	assessed := 0
	added, removed := b.Reconcile(fromLedger, func(o model.Order) model.Order {
		assessed++
		o.RiskScore = 42
		return o
	})

	if len(added) != 1 || added[0] != "o2" {
		t.Errorf("expected o2 added, got %v", added)
	}
	if len(removed) != 1 || removed[0] != "gone" {
		t.Errorf("expected gone removed, got %v", removed)
	}
	if assessed != 1 {
		t.Errorf("only new orders should be assessed, got %d", assessed)
	}
	o1, _ := b.Get("o1")
	if o1.RiskScore != 12 {
		t.Errorf("known order should keep listing-time risk 12, got %d", o1.RiskScore)
	}
	o2, _ := b.Get("o2")
	if o2.RiskScore != 42 {
		t.Errorf("new order should carry assessed risk, got %d", o2.RiskScore)
	}
}

func TestSnapshot_ConcurrentReaders(t *testing.T) {
	b := New()
	streams := map[string]model.Stream{"s1": halfwayStream("s1")}
	for _, id := range []string{"a", "b", "c", "d"} {
		b.List(order(id, "s1", 25, 0.9))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b.RecomputeAll(streams, now.Add(time.Duration(i)*time.Second))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snap := b.Snapshot()
			if len(snap.Orders) != 4 {
				t.Errorf("reader saw partial snapshot with %d orders", len(snap.Orders))
				return
			}
		}
	}()
	wg.Wait()
}
