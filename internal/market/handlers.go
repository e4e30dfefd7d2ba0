package market

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/address"
	"github.com/atmx/stream-market/internal/agent"
	"github.com/atmx/stream-market/internal/bid"
	"github.com/atmx/stream-market/internal/book"
	"github.com/atmx/stream-market/internal/model"
)

// CallerHeader carries the acting address. Authentication happens in
// front of this service.
const CallerHeader = "X-Address"

// API serves the /api/v1 surface.
type API struct {
	market *Service
	bids   *bid.Service
	agent  *agent.Agent
	hub    *WSHub
	logger *slog.Logger

	// agentCtx bounds the agent's loop; request contexts end too early.
	agentCtx context.Context
}

// NewAPI wires the handlers. hub may be nil. agentCtx is the lifetime the
// agent loop runs under once started over HTTP.
func NewAPI(agentCtx context.Context, m *Service, bids *bid.Service, a *agent.Agent, hub *WSHub, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		market:   m,
		bids:     bids,
		agent:    a,
		hub:      hub,
		logger:   logger.With("component", "api"),
		agentCtx: agentCtx,
	}
}

// Routes returns a router for everything under /api/v1.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/streams", func(r chi.Router) {
		r.Get("/", a.ListStreams)
		r.Post("/", a.CreateStream)
		r.Get("/{streamID}", a.GetStream)
		r.Get("/{streamID}/trades", a.ListStreamTrades)
		r.Post("/{streamID}/withdraw", a.Withdraw)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", a.ListOrders)
		r.Post("/", a.CreateOrder)
		r.Get("/history", a.ListOrderHistory)
		r.Get("/{orderID}", a.GetOrder)
		r.Delete("/{orderID}", a.CancelOrder)
		r.Get("/{orderID}/history", a.GetOrderHistory)
		r.Post("/{orderID}/buy", a.BuyOrder)
		r.Get("/{orderID}/bids", a.ListOrderBids)
		r.Post("/{orderID}/bids", a.PlaceBid)
	})

	r.Route("/bids", func(r chi.Router) {
		r.Get("/", a.ListBids)
		r.Get("/{bidID}", a.GetBid)
		r.Post("/{bidID}/cancel", a.CancelBid)
		r.Post("/{bidID}/accept", a.AcceptBid)
		r.Post("/{bidID}/reject", a.RejectBid)
	})

	r.Get("/trades", a.ListTrades)
	r.Get("/balances/{address}", a.GetBalance)

	r.Route("/agent", func(r chi.Router) {
		r.Get("/", a.AgentStatus)
		r.Post("/start", a.StartAgent)
		r.Post("/stop", a.StopAgent)
		r.Put("/policy", a.UpdatePolicy)
		r.Get("/history", a.AgentHistory)
	})

	if a.hub != nil {
		r.Get("/ws", a.hub.HandleWS)
	}
	return r
}

// --- Request bodies ---

// WithdrawRequest is the body of POST /streams/{id}/withdraw.
type WithdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreateOrderRequest is the body of POST /orders. The seller is the caller.
type CreateOrderRequest struct {
	StreamID   string          `json:"stream_id"`
	Percentage decimal.Decimal `json:"percentage"`
	PriceRatio decimal.Decimal `json:"price_ratio"`
}

// PlaceBidRequest is the body of POST /orders/{id}/bids.
type PlaceBidRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Discount decimal.Decimal `json:"discount"`
}

// StartAgentRequest optionally sets the agent's account and policy.
type StartAgentRequest struct {
	Address string        `json:"address,omitempty"`
	Policy  *agent.Policy `json:"policy,omitempty"`
}

// --- Streams ---

// GetStream handles GET /api/v1/streams/{streamID}?at=<unix seconds>
func (a *API) GetStream(w http.ResponseWriter, r *http.Request) {
	var at time.Time
	if raw := r.URL.Query().Get("at"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, "at must be unix seconds", http.StatusBadRequest)
			return
		}
		at = time.Unix(sec, 0).UTC()
	}
	acct, err := a.market.Account(r.Context(), chi.URLParam(r, "streamID"), at)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ListStreams handles GET /api/v1/streams?owner=<address>
func (a *API) ListStreams(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = r.Header.Get(CallerHeader)
	}
	streams, err := a.market.StreamsOf(r.Context(), owner)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, streams)
}

// CreateStream handles POST /api/v1/streams. The sender defaults to the
// caller.
func (a *API) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req CreateStreamInput
	if !decode(w, r, &req) {
		return
	}
	if req.Sender == "" {
		req.Sender = r.Header.Get(CallerHeader)
	} else if c := r.Header.Get(CallerHeader); c != "" && !address.Equal(c, req.Sender) {
		writeError(w, "sender must be the caller", http.StatusForbidden)
		return
	}
	rc, err := a.market.CreateStream(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rc)
}

// Withdraw handles POST /api/v1/streams/{streamID}/withdraw
func (a *API) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := a.market.Withdraw(r.Context(), r.Header.Get(CallerHeader), chi.URLParam(r, "streamID"), req.Amount)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// ListStreamTrades handles GET /api/v1/streams/{streamID}/trades
func (a *API) ListStreamTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := a.market.TradesOfStream(r.Context(), chi.URLParam(r, "streamID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(trades))
}

// --- Orders ---

// ListOrders handles GET /api/v1/orders?risk_level=&q=&sort=&include_stale=
func (a *API) ListOrders(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.market.Book(q))
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (a *API) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.market.Order(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CreateOrder handles POST /api/v1/orders
func (a *API) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := a.market.ListOrder(r.Context(), ListOrderInput{
		Seller:     r.Header.Get(CallerHeader),
		StreamID:   req.StreamID,
		Percentage: req.Percentage,
		PriceRatio: req.PriceRatio,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (a *API) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.market.CancelOrder(r.Context(), r.Header.Get(CallerHeader), chi.URLParam(r, "orderID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// BuyOrder handles POST /api/v1/orders/{orderID}/buy
func (a *API) BuyOrder(w http.ResponseWriter, r *http.Request) {
	t, err := a.market.Purchase(r.Context(), r.Header.Get(CallerHeader), chi.URLParam(r, "orderID"), SourceManual)
	if err != nil {
		a.fail(w, err)
		return
	}
	if a.hub != nil {
		a.hub.PublishTrade(t)
	}
	writeJSON(w, http.StatusOK, t)
}

// ListOrderHistory handles GET /api/v1/orders/history?seller=<address>
func (a *API) ListOrderHistory(w http.ResponseWriter, r *http.Request) {
	seller := r.URL.Query().Get("seller")
	if seller == "" {
		seller = r.Header.Get(CallerHeader)
	}
	entries, err := a.market.OrderHistoryOf(r.Context(), seller)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// GetOrderHistory handles GET /api/v1/orders/{orderID}/history
func (a *API) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := a.market.OrderHistory(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// --- Bids ---

// PlaceBid handles POST /api/v1/orders/{orderID}/bids
func (a *API) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req PlaceBidRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := a.bids.Place(r.Context(), chi.URLParam(r, "orderID"), r.Header.Get(CallerHeader), req.Amount, req.Discount)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ListOrderBids handles GET /api/v1/orders/{orderID}/bids
func (a *API) ListOrderBids(w http.ResponseWriter, r *http.Request) {
	bids, err := a.bids.ListByOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(bids))
}

// ListBids handles GET /api/v1/bids?bidder=<address>
func (a *API) ListBids(w http.ResponseWriter, r *http.Request) {
	bidder := r.URL.Query().Get("bidder")
	if bidder == "" {
		bidder = r.Header.Get(CallerHeader)
	}
	if _, err := address.Parse(bidder); err != nil {
		a.fail(w, err)
		return
	}
	bids, err := a.bids.ListByBidder(r.Context(), bidder)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(bids))
}

// GetBid handles GET /api/v1/bids/{bidID}
func (a *API) GetBid(w http.ResponseWriter, r *http.Request) {
	b, err := a.bids.Get(r.Context(), chi.URLParam(r, "bidID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CancelBid handles POST /api/v1/bids/{bidID}/cancel
func (a *API) CancelBid(w http.ResponseWriter, r *http.Request) {
	b, err := a.bids.Cancel(r.Context(), chi.URLParam(r, "bidID"), r.Header.Get(CallerHeader))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// RejectBid handles POST /api/v1/bids/{bidID}/reject
func (a *API) RejectBid(w http.ResponseWriter, r *http.Request) {
	b, err := a.bids.Reject(r.Context(), chi.URLParam(r, "bidID"), r.Header.Get(CallerHeader))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// AcceptBid handles POST /api/v1/bids/{bidID}/accept
func (a *API) AcceptBid(w http.ResponseWriter, r *http.Request) {
	t, err := a.bids.Accept(r.Context(), chi.URLParam(r, "bidID"), r.Header.Get(CallerHeader))
	if err != nil {
		a.fail(w, err)
		return
	}
	if a.hub != nil {
		a.hub.PublishTrade(t)
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Trades and balances ---

// ListTrades handles GET /api/v1/trades?address=<address>
func (a *API) ListTrades(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("address")
	if addr == "" {
		addr = r.Header.Get(CallerHeader)
	}
	trades, err := a.market.TradesOf(r.Context(), addr)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(trades))
}

// GetBalance handles GET /api/v1/balances/{address}
func (a *API) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	bal, err := a.market.Balance(r.Context(), addr)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": strings.ToLower(addr), "balance": bal})
}

// --- Agent ---

// AgentStatus handles GET /api/v1/agent
func (a *API) AgentStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.agent.Status())
}

// AgentHistory handles GET /api/v1/agent/history
func (a *API) AgentHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(a.agent.History()))
}

// StartAgent handles POST /api/v1/agent/start. The body is optional.
func (a *API) StartAgent(w http.ResponseWriter, r *http.Request) {
	var req StartAgentRequest
	if r.ContentLength != 0 {
		if !decode(w, r, &req) {
			return
		}
	}
	if req.Address != "" {
		addr, err := address.Parse(req.Address)
		if err != nil {
			a.fail(w, err)
			return
		}
		if err := a.agent.SetAddress(addr); err != nil {
			a.fail(w, err)
			return
		}
	}
	if req.Policy != nil {
		if err := a.agent.UpdatePolicy(*req.Policy); err != nil {
			a.fail(w, err)
			return
		}
	}
	if err := a.agent.Start(a.agentCtx); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.agent.Status())
}

// StopAgent handles POST /api/v1/agent/stop
func (a *API) StopAgent(w http.ResponseWriter, r *http.Request) {
	if err := a.agent.Stop(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.agent.Status())
}

// UpdatePolicy handles PUT /api/v1/agent/policy
func (a *API) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p agent.Policy
	if !decode(w, r, &p) {
		return
	}
	if err := a.agent.UpdatePolicy(p); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.agent.Status())
}

// --- helpers ---

func parseQuery(r *http.Request) (book.Query, error) {
	v := r.URL.Query()
	q := book.Query{
		RiskLevel: model.RiskLevel(strings.ToUpper(v.Get("risk_level"))),
		Text:      v.Get("q"),
		Sort:      book.SortKey(v.Get("sort")),
	}
	switch q.RiskLevel {
	case "", model.RiskA, model.RiskB, model.RiskC, model.RiskD:
	default:
		return q, validationf("risk_level must be one of A, B, C, D")
	}
	switch q.Sort {
	case "", book.SortValue, book.SortRisk, book.SortRecent:
	default:
		return q, validationf("sort must be one of value, risk, recent")
	}
	if raw := v.Get("include_stale"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return q, validationf("include_stale must be a boolean")
		}
		q.IncludeStale = b
	}
	return q, nil
}

func validationf(msg string) error {
	return errors.Join(model.ErrValidation, errors.New(msg))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
