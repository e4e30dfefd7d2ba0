// Package market exposes the stream marketplace to callers: stream
// operations, order listing and cancellation, instant purchases and the
// read-side queries over the live book and persisted history. The HTTP
// handlers and WebSocket hub in this package sit directly on top of it.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/accrual"
	"github.com/atmx/stream-market/internal/address"
	"github.com/atmx/stream-market/internal/book"
	"github.com/atmx/stream-market/internal/engine"
	"github.com/atmx/stream-market/internal/exposure"
	"github.com/atmx/stream-market/internal/ledger"
	"github.com/atmx/stream-market/internal/metrics"
	"github.com/atmx/stream-market/internal/model"
	"github.com/atmx/stream-market/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Purchase sources, used as metric labels.
const (
	SourceManual = "manual"
	SourceAgent  = "agent"
)

// Service implements the marketplace operations.
type Service struct {
	ledger  ledger.Ledger
	engine  *engine.Engine
	store   store.Store
	limiter *exposure.Limiter
	logger  *slog.Logger

	// mu serializes purchases so the exposure check and the buy that
	// follows it see the same history.
	mu sync.Mutex
}

// NewService creates a marketplace service. limiter may be nil.
func NewService(l ledger.Ledger, e *engine.Engine, st store.Store, limiter *exposure.Limiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:  l,
		engine:  e,
		store:   st,
		limiter: limiter,
		logger:  logger.With("component", "market"),
	}
}

// CreateStreamInput describes a new stream.
type CreateStreamInput struct {
	Sender          string          `json:"sender"`
	Receiver        string          `json:"receiver"`
	DurationSeconds int64           `json:"duration_seconds"`
	Amount          decimal.Decimal `json:"amount"`
}

// StreamAccount is a stream together with its accounting as of one instant.
type StreamAccount struct {
	Stream  model.Stream    `json:"stream"`
	Accrual accrual.Accrual `json:"accrual"`
}

// StreamReceipt is returned by stream mutations. The stream reflects the
// ledger as re-read after the call.
type StreamReceipt struct {
	Stream model.Stream `json:"stream"`
	TxRef  string       `json:"tx_ref"`
}

// ListOrderInput describes a new listing.
type ListOrderInput struct {
	Seller     string          `json:"seller"`
	StreamID   string          `json:"stream_id"`
	Percentage decimal.Decimal `json:"percentage"`
	PriceRatio decimal.Decimal `json:"price_ratio"`
}

// Listing is the outcome of a successful listing.
type Listing struct {
	Order      model.Order          `json:"order"`
	Assessment model.RiskAssessment `json:"assessment"`
	TxRef      string               `json:"tx_ref"`
}

// BookView is a filtered, sorted view of one snapshot of the book.
type BookView struct {
	Version    uint64        `json:"version"`
	ComputedAt time.Time     `json:"computed_at"`
	Orders     []model.Order `json:"orders"`
}

// --- Streams ---

// CreateStream deposits Amount from Sender to flow to Receiver. Both
// parties are added to the engine's watch set.
func (s *Service) CreateStream(ctx context.Context, in CreateStreamInput) (*StreamReceipt, error) {
	sender, err := address.Parse(in.Sender)
	if err != nil {
		return nil, err
	}
	receiver, err := address.Parse(in.Receiver)
	if err != nil {
		return nil, err
	}
	if in.DurationSeconds <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", model.ErrValidation)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrValidation)
	}

	rc, err := s.ledger.CreateStream(ctx, ledger.CreateStreamRequest{
		Sender:          sender,
		Receiver:        receiver,
		DurationSeconds: in.DurationSeconds,
		Amount:          in.Amount,
	})
	if err != nil {
		return nil, err
	}
	s.engine.Watch(sender)
	s.engine.Watch(receiver)

	out := &StreamReceipt{TxRef: rc.TxRef, Stream: model.Stream{
		ID:           rc.ID,
		Sender:       sender,
		Receiver:     receiver,
		TotalDeposit: in.Amount,
		Duration:     in.DurationSeconds,
		StartTime:    s.engine.Clock().Now().Unix(),
		IsActive:     true,
	}}
	if st, err := s.engine.RefreshStream(ctx, rc.ID); err != nil {
		s.logger.Warn("new stream not yet visible", "stream_id", rc.ID, "err", err)
		s.engine.RequestSync()
	} else {
		out.Stream = st
	}

	s.logger.Info("stream created",
		"stream_id", rc.ID, "sender", sender, "receiver", receiver,
		"amount", in.Amount, "duration", in.DurationSeconds, "tx_ref", rc.TxRef)
	return out, nil
}

// Withdraw claims amount of the flowed balance for the receiver.
func (s *Service) Withdraw(ctx context.Context, caller, streamID string, amount decimal.Decimal) (*StreamReceipt, error) {
	caller, err := address.Parse(caller)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrValidation)
	}
	rc, err := s.ledger.Withdraw(ctx, caller, streamID, amount)
	if err != nil {
		return nil, err
	}
	out := &StreamReceipt{TxRef: rc.TxRef}
	if st, err := s.engine.RefreshStream(ctx, streamID); err != nil {
		s.logger.Warn("refresh after withdraw failed", "stream_id", streamID, "err", err)
		s.engine.RequestSync()
	} else {
		out.Stream = st
	}
	s.logger.Info("withdrawal", "stream_id", streamID, "caller", caller, "amount", amount, "tx_ref", rc.TxRef)
	return out, nil
}

// Account returns a stream's accounting as of at (now when zero). The
// engine's working set is used when it holds the stream; otherwise the
// ledger is read.
func (s *Service) Account(ctx context.Context, streamID string, at time.Time) (*StreamAccount, error) {
	if at.IsZero() {
		at = s.engine.Clock().Now()
	}
	st, ok := s.engine.Snapshot().Stream(streamID)
	if !ok {
		var err error
		if st, err = s.ledger.GetStream(ctx, streamID); err != nil {
			return nil, err
		}
	}
	return &StreamAccount{Stream: st, Accrual: accrual.Accrue(st, at).Display()}, nil
}

// StreamsOf returns the streams owner sends or receives, accrued as of
// now, and starts tracking the owner.
func (s *Service) StreamsOf(ctx context.Context, owner string) ([]StreamAccount, error) {
	owner, err := address.Parse(owner)
	if err != nil {
		return nil, err
	}
	streams, err := s.ledger.ListStreamsOwnedBy(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.engine.Watch(owner)

	now := s.engine.Clock().Now()
	out := make([]StreamAccount, 0, len(streams))
	for _, st := range streams {
		out = append(out, StreamAccount{Stream: st, Accrual: accrual.Accrue(st, now).Display()})
	}
	return out, nil
}

// --- Orders ---

// ListOrder lists a share of a stream for sale. The risk assessment is
// taken once, here, and stays with the order for its lifetime.
func (s *Service) ListOrder(ctx context.Context, in ListOrderInput) (*Listing, error) {
	seller, err := address.Parse(in.Seller)
	if err != nil {
		return nil, err
	}
	if err := book.ValidateTerms(in.Percentage, in.PriceRatio); err != nil {
		return nil, err
	}

	st, err := s.engine.RefreshStream(ctx, in.StreamID)
	if err != nil {
		return nil, err
	}
	if !address.Equal(st.Receiver, seller) {
		return nil, fmt.Errorf("%w: only the receiver can list stream %s", model.ErrUnauthorized, st.ID)
	}
	if !st.IsActive {
		return nil, fmt.Errorf("%w: stream %s is inactive", model.ErrInvalidState, st.ID)
	}
	now := s.engine.Clock().Now()
	remaining := accrual.Remaining(st, now)
	if !remaining.IsPositive() {
		return nil, fmt.Errorf("%w: stream %s has nothing left to sell", model.ErrInvalidState, st.ID)
	}

	ra := s.engine.Assess(ctx, st, seller)
	o := model.Order{
		StreamID:   st.ID,
		Seller:     seller,
		Percentage: in.Percentage,
		PriceRatio: in.PriceRatio,
		RiskScore:  ra.Score,
		RiskLevel:  ra.Level,
		ListedAt:   now,
		IsActive:   true,
	}
	o.Price = book.ImpliedValue(o, remaining)
	o.ImpliedValue = o.Price

	rc, err := s.ledger.CreateOrder(ctx, ledger.CreateOrderRequest{
		Seller:     seller,
		StreamID:   st.ID,
		Price:      o.Price,
		Percentage: o.Percentage,
		PriceRatio: o.PriceRatio,
	})
	if err != nil {
		return nil, err
	}
	o.ID = rc.ID

	if o.ID == "" {
		// Ledger did not echo an id; the next sync picks the order up.
		s.engine.RequestSync()
	} else if err := s.engine.ListLocal(o); err != nil {
		s.logger.Debug("order already in book", "order_id", o.ID, "err", err)
	} else {
		s.engine.Tick()
		h := model.HistoryEntry(uuid.New().String(), o, model.OrderListed, now)
		if err := s.store.AppendOrderHistory(ctx, &h); err != nil {
			s.logger.Error("record order history failed", "order_id", o.ID, "err", err)
		}
	}

	s.logger.Info("order listed",
		"order_id", o.ID, "stream_id", o.StreamID, "seller", seller,
		"percentage", o.Percentage, "price_ratio", o.PriceRatio,
		"risk_score", ra.Score, "risk_level", ra.Level, "tx_ref", rc.TxRef)
	return &Listing{Order: o, Assessment: ra, TxRef: rc.TxRef}, nil
}

// CancelOrder withdraws an active listing. Only the seller may cancel.
func (s *Service) CancelOrder(ctx context.Context, caller, orderID string) (*model.Order, error) {
	caller, err := address.Parse(caller)
	if err != nil {
		return nil, err
	}
	o, err := s.resolveOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !address.Equal(caller, o.Seller) {
		return nil, fmt.Errorf("%w: only the seller can cancel order %s", model.ErrUnauthorized, orderID)
	}
	if !o.IsActive {
		return nil, fmt.Errorf("%w: order %s is no longer active", model.ErrInvalidState, orderID)
	}

	rc, err := s.ledger.CancelOrder(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	s.engine.RemoveLocal(orderID)
	s.engine.Tick()
	s.engine.RequestSync()
	o.IsActive = false

	h := model.HistoryEntry(uuid.New().String(), o, model.OrderCancelled, s.engine.Clock().Now())
	if err := s.store.AppendOrderHistory(ctx, &h); err != nil {
		s.logger.Error("record order history failed", "order_id", orderID, "err", err)
	}
	s.logger.Info("order cancelled", "order_id", orderID, "seller", caller, "tx_ref", rc.TxRef)
	return &o, nil
}

// Purchase buys an order outright for buyer at its current implied value.
// source labels the caller in metrics ("manual", "agent").
//
// A ledger reply that the order is no longer active is an ordinary miss
// against a concurrent buyer and is returned as ErrInvalidState.
func (s *Service) Purchase(ctx context.Context, buyer, orderID, source string) (*model.Trade, error) {
	started := time.Now()
	trade, err := s.purchase(ctx, buyer, orderID)
	metrics.ObservePurchase(source, Outcome(err), started)
	if err != nil {
		if errors.Is(err, model.ErrInvalidState) {
			s.logger.Info("purchase missed", "order_id", orderID, "buyer", buyer, "source", source, "err", err)
		}
		return nil, err
	}
	s.logger.Info("order purchased",
		"order_id", orderID, "trade_id", trade.ID, "stream_id", trade.StreamID,
		"buyer", trade.Buyer, "seller", trade.Seller, "price", trade.Price,
		"source", source, "tx_ref", trade.TxRef)
	return trade, nil
}

func (s *Service) purchase(ctx context.Context, buyer, orderID string) (*model.Trade, error) {
	buyer, err := address.Parse(buyer)
	if err != nil {
		return nil, err
	}
	o, err := s.resolveOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsActive {
		return nil, fmt.Errorf("%w: order %s is no longer active", model.ErrInvalidState, orderID)
	}
	if address.Equal(buyer, o.Seller) {
		return nil, fmt.Errorf("%w: cannot buy your own order", model.ErrValidation)
	}
	st, err := s.ledger.GetStream(ctx, o.StreamID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: stream %s no longer resolves", model.ErrInvalidState, o.StreamID)
	}
	if err != nil {
		return nil, err
	}

	now := s.engine.Clock().Now()
	remaining := accrual.Remaining(st, now)
	price := book.ImpliedValue(o, remaining)
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: order %s has no remaining value", model.ErrInvalidState, orderID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limiter.Enabled() {
		exp, err := s.store.BuyerExposure(ctx, buyer)
		if err != nil {
			return nil, fmt.Errorf("load exposure: %w", err)
		}
		if err := s.limiter.Check(st.ID, st.Sender, price, exp); err != nil {
			metrics.ExposureRejections.WithLabelValues(exposure.Label(err)).Inc()
			return nil, err
		}
	}

	rc, err := s.ledger.BuyOrder(ctx, buyer, orderID)
	if err != nil {
		return nil, err
	}

	trade := &model.Trade{
		ID:         uuid.New().String(),
		OrderID:    o.ID,
		StreamID:   st.ID,
		Sender:     st.Sender,
		Seller:     o.Seller,
		Buyer:      buyer,
		Amount:     remaining.Mul(o.Percentage).Div(hundred),
		Price:      price,
		Percentage: o.Percentage,
		ExecutedAt: now,
		TxRef:      rc.TxRef,
	}
	s.recordSale(ctx, o, trade)
	return trade, nil
}

// recordSale applies the local side effects of a completed purchase.
// Failures are logged: the ledger already holds the outcome.
func (s *Service) recordSale(ctx context.Context, o model.Order, trade *model.Trade) {
	s.engine.RemoveLocal(o.ID)
	if _, err := s.engine.RefreshStream(ctx, o.StreamID); err != nil {
		s.logger.Warn("refresh stream failed", "stream_id", o.StreamID, "err", err)
	}
	s.engine.RequestSync()

	if err := s.store.InsertTrade(ctx, trade); err != nil {
		s.logger.Error("record trade failed", "trade_id", trade.ID, "err", err)
	}
	h := model.HistoryEntry(uuid.New().String(), o, model.OrderSold, trade.ExecutedAt)
	if err := s.store.AppendOrderHistory(ctx, &h); err != nil {
		s.logger.Error("record order history failed", "order_id", o.ID, "err", err)
	}
}

// --- Queries ---

// Book applies q to the latest snapshot.
func (s *Service) Book(q book.Query) BookView {
	snap := s.engine.Snapshot()
	return BookView{
		Version:    snap.Version,
		ComputedAt: snap.At,
		Orders:     q.Apply(snap.Book),
	}
}

// Order returns one order, valued when it is in the live book.
func (s *Service) Order(ctx context.Context, id string) (model.Order, error) {
	return s.resolveOrder(ctx, id)
}

// Balance returns an address's spendable ledger balance.
func (s *Service) Balance(ctx context.Context, addr string) (decimal.Decimal, error) {
	addr, err := address.Parse(addr)
	if err != nil {
		return decimal.Zero, err
	}
	return s.ledger.BalanceOf(ctx, addr)
}

// TradesOf returns trades where addr bought or sold.
func (s *Service) TradesOf(ctx context.Context, addr string) ([]model.Trade, error) {
	addr, err := address.Parse(addr)
	if err != nil {
		return nil, err
	}
	return s.store.ListTradesByAddress(ctx, addr)
}

// TradesOfStream returns trades on one stream.
func (s *Service) TradesOfStream(ctx context.Context, streamID string) ([]model.Trade, error) {
	return s.store.ListTradesByStream(ctx, streamID)
}

// OrderHistoryOf returns a seller's order history, newest first.
func (s *Service) OrderHistoryOf(ctx context.Context, seller string) ([]model.OrderHistoryEntry, error) {
	seller, err := address.Parse(seller)
	if err != nil {
		return nil, err
	}
	return s.store.ListOrderHistoryBySeller(ctx, seller)
}

// OrderHistory returns one order's history, oldest first.
func (s *Service) OrderHistory(ctx context.Context, orderID string) ([]model.OrderHistoryEntry, error) {
	return s.store.ListOrderHistoryByOrder(ctx, orderID)
}

// resolveOrder finds an order in the live book, falling back to the
// ledger (which also knows closed orders).
func (s *Service) resolveOrder(ctx context.Context, id string) (model.Order, error) {
	if o, ok := s.engine.Snapshot().Book.Order(id); ok {
		return o, nil
	}
	if o, ok := s.engine.Book().Get(id); ok {
		return o, nil
	}
	return s.ledger.GetOrder(ctx, id)
}

// Outcome classifies a purchase result for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrInvalidState):
		return "missed"
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrUnauthorized),
		errors.Is(err, model.ErrNotFound):
		return "rejected"
	default:
		return "error"
	}
}
