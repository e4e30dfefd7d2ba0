package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/stream-market/internal/agent"
	"github.com/atmx/stream-market/internal/book"
	"github.com/atmx/stream-market/internal/clock"
	"github.com/atmx/stream-market/internal/engine"
	"github.com/atmx/stream-market/internal/exposure"
	"github.com/atmx/stream-market/internal/ledger"
	"github.com/atmx/stream-market/internal/model"
	"github.com/atmx/stream-market/internal/risk"
	"github.com/atmx/stream-market/internal/store"
)

const (
	payer  = "0xa11ce00000000000000000000000000000000001"
	seller = "0xb0b0000000000000000000000000000000000002"
	buyer  = "0xca20100000000000000000000000000000000003"
	rival  = "0xd00d000000000000000000000000000000000004"
	pauper = "0xe0e0000000000000000000000000000000000005"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var start = time.Unix(1_700_000_000, 0).UTC()

type fixture struct {
	svc    *Service
	ledger *ledger.Memory
	store  *store.MemoryStore
	engine *engine.Engine
	clk    *clock.Manual
	stream string
}

// newFixture creates a 10-day stream of 10000 from payer to seller and
// moves the clock to its halfway point.
func newFixture(t *testing.T, limiter *exposure.Limiter) *fixture {
	t.Helper()
	clk := clock.NewManual(start)
	l := ledger.NewMemory(clk)
	l.Mint(payer, d(20000))
	l.Mint(buyer, d(10000))
	l.Mint(rival, d(10000))

	e := engine.New(engine.Config{}, l, book.New(), clk, risk.NewScorer(nil, decimal.Zero), nil)
	st := store.NewMemoryStore()
	svc := NewService(l, e, st, limiter, nil)

	rc, err := svc.CreateStream(context.Background(), CreateStreamInput{
		Sender: payer, Receiver: seller, DurationSeconds: 864000, Amount: d(10000),
	})
	require.NoError(t, err)
	clk.Advance(432000 * time.Second)
	e.Tick()

	return &fixture{svc: svc, ledger: l, store: st, engine: e, clk: clk, stream: rc.Stream.ID}
}

func (f *fixture) list(t *testing.T) model.Order {
	t.Helper()
	l, err := f.svc.ListOrder(context.Background(), ListOrderInput{
		Seller: seller, StreamID: f.stream, Percentage: d(50), PriceRatio: d(0.9),
	})
	require.NoError(t, err)
	return l.Order
}

func TestCreateStream_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateStream(ctx, CreateStreamInput{Sender: "nope", Receiver: seller, DurationSeconds: 1, Amount: d(1)})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.CreateStream(ctx, CreateStreamInput{Sender: payer, Receiver: seller, DurationSeconds: 0, Amount: d(1)})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.CreateStream(ctx, CreateStreamInput{Sender: pauper, Receiver: seller, DurationSeconds: 10, Amount: d(1)})
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
}

func TestAccount_HalfwayAndAtInstant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	acct, err := f.svc.Account(ctx, f.stream, time.Time{})
	require.NoError(t, err)
	assert.True(t, acct.Accrual.FlowedAmount.Equal(d(5000)), "flowed = %s", acct.Accrual.FlowedAmount)
	assert.True(t, acct.Accrual.RemainingBalance.Equal(d(5000)))
	assert.True(t, acct.Accrual.ClaimableAmount.Equal(d(5000)))

	acct, err = f.svc.Account(ctx, f.stream, start.Add(216000*time.Second))
	require.NoError(t, err)
	assert.True(t, acct.Accrual.FlowedAmount.Equal(d(2500)), "flowed = %s", acct.Accrual.FlowedAmount)

	_, err = f.svc.Account(ctx, "missing", time.Time{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rc, err := f.svc.Withdraw(ctx, seller, f.stream, d(1000))
	require.NoError(t, err)
	assert.True(t, rc.Stream.ClaimedAmount.Equal(d(1000)))

	_, err = f.svc.Withdraw(ctx, buyer, f.stream, d(1))
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = f.svc.Withdraw(ctx, seller, f.stream, d(4001))
	assert.Error(t, err)
}

func TestStreamsOf(t *testing.T) {
	f := newFixture(t, nil)
	streams, err := f.svc.StreamsOf(context.Background(), seller)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, f.stream, streams[0].Stream.ID)
}

func TestListOrder_ValuationAndRiskSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	o := f.list(t)

	assert.True(t, o.Price.Equal(d(2250)), "price = %s", o.Price)
	assert.Equal(t, 22, o.RiskScore)
	assert.Equal(t, model.RiskB, o.RiskLevel)

	view := f.svc.Book(book.Query{})
	require.Len(t, view.Orders, 1)
	assert.True(t, view.Orders[0].ImpliedValue.Equal(d(2250)))

	// A day later the value drops but the risk stays as listed.
	f.clk.Advance(86400 * time.Second)
	f.engine.Tick()
	view = f.svc.Book(book.Query{})
	require.Len(t, view.Orders, 1)
	assert.True(t, view.Orders[0].ImpliedValue.Equal(d(1800)), "value = %s", view.Orders[0].ImpliedValue)
	assert.Equal(t, 22, view.Orders[0].RiskScore)

	hist, err := f.svc.OrderHistory(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.OrderListed, hist[0].Status)
}

func TestListOrder_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.ListOrder(ctx, ListOrderInput{Seller: buyer, StreamID: f.stream, Percentage: d(50), PriceRatio: d(0.9)})
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = f.svc.ListOrder(ctx, ListOrderInput{Seller: seller, StreamID: f.stream, Percentage: d(101), PriceRatio: d(0.9)})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.ListOrder(ctx, ListOrderInput{Seller: seller, StreamID: f.stream, Percentage: d(50), PriceRatio: d(1.1)})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.ListOrder(ctx, ListOrderInput{Seller: seller, StreamID: "missing", Percentage: d(50), PriceRatio: d(0.9)})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListThenCancel_RoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	before, err := f.svc.Account(ctx, f.stream, time.Time{})
	require.NoError(t, err)

	o := f.list(t)
	_, err = f.svc.CancelOrder(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	cancelled, err := f.svc.CancelOrder(ctx, seller, o.ID)
	require.NoError(t, err)
	assert.False(t, cancelled.IsActive)
	assert.Empty(t, f.svc.Book(book.Query{IncludeStale: true}).Orders)

	after, err := f.svc.Account(ctx, f.stream, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, before.Accrual, after.Accrual)
	assert.Equal(t, before.Stream, after.Stream)

	hist, err := f.svc.OrderHistory(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.OrderListed, hist[0].Status)
	assert.Equal(t, model.OrderCancelled, hist[1].Status)

	_, err = f.svc.CancelOrder(ctx, seller, o.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestPurchase_Settles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.list(t)

	trade, err := f.svc.Purchase(ctx, buyer, o.ID, SourceManual)
	require.NoError(t, err)
	assert.True(t, trade.Price.Equal(d(2250)), "price = %s", trade.Price)
	assert.True(t, trade.Amount.Equal(d(2500)), "amount = %s", trade.Amount)
	assert.Equal(t, payer, trade.Sender)
	assert.Equal(t, seller, trade.Seller)
	assert.Equal(t, buyer, trade.Buyer)

	bal, err := f.ledger.BalanceOf(ctx, buyer)
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(7750)), "balance = %s", bal)

	st, err := f.ledger.GetStream(ctx, f.stream)
	require.NoError(t, err)
	assert.Equal(t, buyer, st.Receiver)
	assert.Empty(t, f.svc.Book(book.Query{IncludeStale: true}).Orders)

	trades, err := f.svc.TradesOf(ctx, seller)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	hist, err := f.svc.OrderHistory(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.OrderSold, hist[1].Status)

	_, err = f.svc.Purchase(ctx, rival, o.ID, SourceManual)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestPurchase_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.list(t)

	_, err := f.svc.Purchase(ctx, seller, o.ID, SourceManual)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.Purchase(ctx, pauper, o.ID, SourceManual)
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	_, err = f.svc.Purchase(ctx, buyer, "missing", SourceManual)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.svc.Purchase(ctx, "", o.ID, SourceManual)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestPurchase_ExposureLimit(t *testing.T) {
	f := newFixture(t, exposure.NewLimiter(d(2000), decimal.Zero))
	o := f.list(t)

	_, err := f.svc.Purchase(context.Background(), buyer, o.ID, SourceManual)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.ErrorIs(t, err, exposure.ErrPerStreamLimitExceeded)

	bal, err := f.ledger.BalanceOf(context.Background(), buyer)
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(10000)), "nothing should be charged")
}

func TestPurchase_ConcurrentBuyersOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	o := f.list(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, who := range []string{buyer, rival} {
		wg.Add(1)
		go func(i int, who string) {
			defer wg.Done()
			_, errs[i] = f.svc.Purchase(context.Background(), who, o.ID, SourceManual)
		}(i, who)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, model.ErrInvalidState)
	}
	assert.Equal(t, 1, wins)
}

func TestAgent_BuysThroughMarket(t *testing.T) {
	f := newFixture(t, nil)
	o := f.list(t)

	a, err := agent.New(
		agent.Config{Address: buyer},
		agent.Policy{MaxRiskScore: 40, MinDiscountPct: d(5), MaxDurationDays: 30},
		f.engine, f.ledger, f.svc, f.clk, nil)
	require.NoError(t, err)

	a.Scan(context.Background())
	hist := a.History()
	require.Len(t, hist, 1)
	assert.Equal(t, o.ID, hist[0].OrderID)
	assert.NotEmpty(t, hist[0].TradeID)
	assert.Equal(t, uint64(1), a.Status().Stats.Executions)

	// The order is gone, so the next scan buys nothing.
	a.Scan(context.Background())
	assert.Len(t, a.History(), 1)
	assert.Equal(t, uint64(2), a.Status().Stats.Scans)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{model.ErrInvalidState, "missed"},
		{model.ErrInsufficientFunds, "rejected"},
		{model.ErrValidation, "rejected"},
		{model.ErrLedgerUnavailable, "error"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
