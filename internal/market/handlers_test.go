package market_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/agent"
	"github.com/atmx/stream-market/internal/bid"
	"github.com/atmx/stream-market/internal/book"
	"github.com/atmx/stream-market/internal/clock"
	"github.com/atmx/stream-market/internal/engine"
	"github.com/atmx/stream-market/internal/ledger"
	"github.com/atmx/stream-market/internal/market"
	"github.com/atmx/stream-market/internal/model"
	"github.com/atmx/stream-market/internal/risk"
	"github.com/atmx/stream-market/internal/store"
)

const (
	payer  = "0xa11ce00000000000000000000000000000000001"
	seller = "0xb0b0000000000000000000000000000000000002"
	buyer  = "0xca20100000000000000000000000000000000003"
	pauper = "0xe0e0000000000000000000000000000000000005"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	router  chi.Router
	agent   *agent.Agent
	stream  string
	orderID string
}

// newTestEnv builds the full API over an in-memory ledger holding one
// halfway-flowed stream with one listed order (50% at 0.9).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0).UTC())
	l := ledger.NewMemory(clk)
	l.Mint(payer, d(20000))
	l.Mint(buyer, d(10000))

	e := engine.New(engine.Config{}, l, book.New(), clk, risk.NewScorer(nil, decimal.Zero), nil)
	st := store.NewMemoryStore()
	svc := market.NewService(l, e, st, nil, nil)
	bids := bid.NewService(st, l, e, nil, bid.Options{}, nil)
	a, err := agent.New(agent.Config{}, agent.Policy{MaxRiskScore: 40, MinDiscountPct: d(5), MaxDurationDays: 30},
		e, l, svc, clk, nil)
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	t.Cleanup(func() { a.Stop(context.Background()) })

	rc, err := svc.CreateStream(ctx, market.CreateStreamInput{
		Sender: payer, Receiver: seller, DurationSeconds: 864000, Amount: d(10000),
	})
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	clk.Advance(432000 * time.Second)
	listing, err := svc.ListOrder(ctx, market.ListOrderInput{
		Seller: seller, StreamID: rc.Stream.ID, Percentage: d(50), PriceRatio: d(0.9),
	})
	if err != nil {
		t.Fatalf("list order: %v", err)
	}

	r := chi.NewRouter()
	r.Mount("/api/v1", market.NewAPI(context.Background(), svc, bids, a, nil, nil).Routes())
	return &testEnv{router: r, agent: a, stream: rc.Stream.ID, orderID: listing.Order.ID}
}

func (env *testEnv) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(market.CallerHeader, caller)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

// --- Streams ---

func TestGetStream_Accounting(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/streams/"+env.stream, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var acct market.StreamAccount
	decodeBody(t, w, &acct)
	if !acct.Accrual.RemainingBalance.Equal(d(5000)) {
		t.Errorf("remaining = %s, want 5000", acct.Accrual.RemainingBalance)
	}

	// A quarter of the way in.
	w = env.do(t, "GET", "/api/v1/streams/"+env.stream+"?at=1700216000", "", nil)
	decodeBody(t, w, &acct)
	if !acct.Accrual.FlowedAmount.Equal(d(2500)) {
		t.Errorf("flowed at quarter = %s, want 2500", acct.Accrual.FlowedAmount)
	}
}

func TestGetStream_Errors(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "GET", "/api/v1/streams/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing stream: expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/streams/"+env.stream+"?at=yesterday", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad at: expected 400, got %d", w.Code)
	}
}

func TestCreateStream_SenderMustBeCaller(t *testing.T) {
	env := newTestEnv(t)
	req := market.CreateStreamInput{Sender: payer, Receiver: buyer, DurationSeconds: 100, Amount: d(10)}

	if w := env.do(t, "POST", "/api/v1/streams", buyer, req); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/streams", payer, req); w.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWithdraw_OverClaimable(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/streams/"+env.stream+"/withdraw", seller, market.WithdrawRequest{Amount: d(6000)})
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Orders ---

func TestListOrders(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/orders?sort=value&risk_level=b", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view market.BookView
	decodeBody(t, w, &view)
	if len(view.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(view.Orders))
	}
	if !view.Orders[0].ImpliedValue.Equal(d(2250)) {
		t.Errorf("implied value = %s, want 2250", view.Orders[0].ImpliedValue)
	}

	w = env.do(t, "GET", "/api/v1/orders?risk_level=A", "", nil)
	decodeBody(t, w, &view)
	if len(view.Orders) != 0 {
		t.Errorf("risk A filter: expected 0 orders, got %d", len(view.Orders))
	}
}

func TestListOrders_BadQuery(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"sort=cheapest", "risk_level=Z", "include_stale=maybe"} {
		if w := env.do(t, "GET", "/api/v1/orders?"+q, "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestCreateOrder_NotReceiver(t *testing.T) {
	env := newTestEnv(t)
	req := market.CreateOrderRequest{StreamID: env.stream, Percentage: d(10), PriceRatio: d(0.95)}
	if w := env.do(t, "POST", "/api/v1/orders", buyer, req); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "DELETE", "/api/v1/orders/"+env.orderID, buyer, nil); w.Code != http.StatusForbidden {
		t.Errorf("non-seller: expected 403, got %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/orders/"+env.orderID, seller, nil); w.Code != http.StatusOK {
		t.Fatalf("seller: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := env.do(t, "GET", "/api/v1/orders/history?seller="+seller, "", nil)
	var hist []model.OrderHistoryEntry
	decodeBody(t, w, &hist)
	if len(hist) != 2 || hist[0].Status != model.OrderCancelled {
		t.Errorf("expected cancelled entry first of 2, got %+v", hist)
	}
}

func TestBuyOrder(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "POST", "/api/v1/orders/"+env.orderID+"/buy", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("no caller: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/orders/"+env.orderID+"/buy", pauper, nil); w.Code != http.StatusPaymentRequired {
		t.Errorf("pauper: expected 402, got %d", w.Code)
	}

	w := env.do(t, "POST", "/api/v1/orders/"+env.orderID+"/buy", buyer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var trade model.Trade
	decodeBody(t, w, &trade)
	if !trade.Price.Equal(d(2250)) {
		t.Errorf("price = %s, want 2250", trade.Price)
	}

	if w := env.do(t, "POST", "/api/v1/orders/"+env.orderID+"/buy", buyer, nil); w.Code != http.StatusConflict {
		t.Errorf("second buy: expected 409, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/trades?address="+buyer, "", nil)
	var trades []model.Trade
	decodeBody(t, w, &trades)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}
}

// --- Bids ---

func TestBidFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/orders/"+env.orderID+"/bids", buyer, market.PlaceBidRequest{Amount: d(2000), Discount: d(20)})
	if w.Code != http.StatusCreated {
		t.Fatalf("place: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var b model.Bid
	decodeBody(t, w, &b)
	if b.Status != model.BidPending {
		t.Fatalf("status = %s, want pending", b.Status)
	}

	if w := env.do(t, "POST", "/api/v1/bids/"+b.ID+"/accept", buyer, nil); w.Code != http.StatusForbidden {
		t.Errorf("bidder accepting: expected 403, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/bids/"+b.ID+"/accept", seller, nil); w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/bids/"+b.ID+"/cancel", buyer, nil); w.Code != http.StatusConflict {
		t.Errorf("cancel after accept: expected 409, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/bids?bidder="+buyer, "", nil)
	var bids []model.Bid
	decodeBody(t, w, &bids)
	if len(bids) != 1 || bids[0].Status != model.BidAccepted {
		t.Errorf("expected one accepted bid, got %+v", bids)
	}
}

func TestPlaceBid_UnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/orders/missing/bids", buyer, market.PlaceBidRequest{Amount: d(1), Discount: d(1)})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Agent ---

func TestAgentControls(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "POST", "/api/v1/agent/start", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("start without address: expected 400, got %d", w.Code)
	}

	bad := agent.Policy{MaxRiskScore: 150, MaxDurationDays: 30}
	if w := env.do(t, "PUT", "/api/v1/agent/policy", "", bad); w.Code != http.StatusBadRequest {
		t.Errorf("bad policy: expected 400, got %d", w.Code)
	}

	w := env.do(t, "POST", "/api/v1/agent/start", "", market.StartAgentRequest{Address: buyer})
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st agent.Status
	decodeBody(t, w, &st)
	if st.State != agent.Armed {
		t.Errorf("state = %s, want armed", st.State)
	}

	w = env.do(t, "POST", "/api/v1/agent/stop", "", nil)
	decodeBody(t, w, &st)
	if st.State != agent.Idle {
		t.Errorf("state = %s, want idle", st.State)
	}

	w = env.do(t, "GET", "/api/v1/agent/history", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("history: expected 200, got %d", w.Code)
	}
	var hist []agent.Execution
	decodeBody(t, w, &hist)
	if len(hist) > 1 {
		t.Errorf("one listed order can be bought at most once, got %d executions", len(hist))
	}
}
