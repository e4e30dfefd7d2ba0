// Package bid implements the negotiated-trade state machine.
//
// A bid starts pending and moves exactly once to accepted (seller),
// rejected (seller) or cancelled (bidder). Accepting settles the trade on
// the ledger: the bidder pays the seller, the stream's receiver role moves
// to the bidder and the order leaves the book. Sibling bids on the same
// order are left pending; they simply reference a closed order.
package bid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/accrual"
	"github.com/atmx/stream-market/internal/address"
	"github.com/atmx/stream-market/internal/engine"
	"github.com/atmx/stream-market/internal/exposure"
	"github.com/atmx/stream-market/internal/ledger"
	"github.com/atmx/stream-market/internal/metrics"
	"github.com/atmx/stream-market/internal/model"
	"github.com/atmx/stream-market/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Options are extension points that are off by default.
type Options struct {
	// RejectSelfBids refuses bids whose bidder is the order's seller.
	RejectSelfBids bool

	// PendingTTL, when positive, lets ExpireStale cancel pending bids
	// older than this.
	PendingTTL time.Duration
}

// Service runs bid transitions. Safe for concurrent use: each transition
// is a compare-and-set on the bid's status in the store, so of two
// concurrent transitions on one bid exactly one succeeds.
type Service struct {
	store   store.Store
	ledger  ledger.Ledger
	engine  *engine.Engine
	limiter *exposure.Limiter
	opts    Options
	logger  *slog.Logger
}

// NewService creates a bid service. limiter may be nil.
func NewService(st store.Store, l ledger.Ledger, e *engine.Engine, limiter *exposure.Limiter, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		ledger:  l,
		engine:  e,
		limiter: limiter,
		opts:    opts,
		logger:  logger.With("component", "bid"),
	}
}

// Place records a pending bid of amount at discountPct against an active
// order.
func (s *Service) Place(ctx context.Context, orderID, bidder string, amount, discountPct decimal.Decimal) (*model.Bid, error) {
	bidder, err := address.Parse(bidder)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: bid amount must be positive", model.ErrValidation)
	}
	if discountPct.IsNegative() || discountPct.GreaterThan(hundred) {
		return nil, fmt.Errorf("%w: discount %s must be in [0, 100]", model.ErrValidation, discountPct)
	}

	order, err := s.resolveOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsActive {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	if s.opts.RejectSelfBids && address.Equal(bidder, order.Seller) {
		return nil, fmt.Errorf("%w: cannot bid on your own order", model.ErrValidation)
	}

	now := s.engine.Clock().Now()
	b := &model.Bid{
		ID:         uuid.New().String(),
		OrderID:    order.ID,
		Bidder:     bidder,
		Amount:     amount,
		Discount:   discountPct,
		PriceRatio: decimal.NewFromInt(1).Sub(discountPct.Div(hundred)),
		Status:     model.BidPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertBid(ctx, b); err != nil {
		return nil, fmt.Errorf("insert bid: %w", err)
	}
	metrics.BidTransitions.WithLabelValues(string(model.BidPending)).Inc()
	s.logger.Info("bid placed", "bid_id", b.ID, "order_id", b.OrderID, "bidder", b.Bidder, "amount", b.Amount)
	return b, nil
}

// Cancel withdraws a pending bid. Only the bidder may cancel.
func (s *Service) Cancel(ctx context.Context, bidID, caller string) (*model.Bid, error) {
	b, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if !address.Equal(caller, b.Bidder) {
		return nil, fmt.Errorf("%w: only the bidder can cancel bid %s", model.ErrUnauthorized, bidID)
	}
	return s.transition(ctx, b, model.BidCancelled)
}

// Reject declines a pending bid. Only the order's seller may reject; no
// settlement happens.
func (s *Service) Reject(ctx context.Context, bidID, caller string) (*model.Bid, error) {
	b, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	order, err := s.resolveOrder(ctx, b.OrderID)
	if err != nil {
		return nil, err
	}
	if !address.Equal(caller, order.Seller) {
		return nil, fmt.Errorf("%w: only the seller can reject bid %s", model.ErrUnauthorized, bidID)
	}
	return s.transition(ctx, b, model.BidRejected)
}

// Accept settles a pending bid. Only the order's seller may accept, and
// only while the order is active and its stream resolves. On success the
// bidder has paid bid.Amount, owns the stream, the order is out of the
// book and a Trade plus a sold history entry are recorded.
func (s *Service) Accept(ctx context.Context, bidID, caller string) (*model.Trade, error) {
	started := time.Now()
	b, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	order, err := s.resolveOrder(ctx, b.OrderID)
	if err != nil {
		return nil, err
	}
	if !address.Equal(caller, order.Seller) {
		return nil, fmt.Errorf("%w: only the seller can accept bid %s", model.ErrUnauthorized, bidID)
	}
	if b.Status != model.BidPending {
		return nil, fmt.Errorf("%w: bid %s is %s", model.ErrInvalidState, bidID, b.Status)
	}
	if !order.IsActive {
		return nil, fmt.Errorf("%w: order %s is no longer active", model.ErrInvalidState, order.ID)
	}
	stream, err := s.ledger.GetStream(ctx, order.StreamID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: stream %s no longer resolves", model.ErrInvalidState, order.StreamID)
	}
	if err != nil {
		return nil, err
	}

	if s.limiter.Enabled() {
		exp, err := s.store.BuyerExposure(ctx, b.Bidder)
		if err != nil {
			return nil, fmt.Errorf("load exposure: %w", err)
		}
		if err := s.limiter.Check(stream.ID, stream.Sender, b.Amount, exp); err != nil {
			metrics.ExposureRejections.WithLabelValues(exposure.Label(err)).Inc()
			return nil, err
		}
	}
	bal, err := s.ledger.BalanceOf(ctx, b.Bidder)
	if err != nil {
		return nil, err
	}
	if bal.LessThan(b.Amount) {
		return nil, fmt.Errorf("%w: bidder balance %s below bid %s", model.ErrInsufficientFunds, bal, b.Amount)
	}

	// The book snapshot can lag the ledger; a sale that already happened
	// there must not be paid for again.
	live, err := s.ledger.GetOrder(ctx, order.ID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && !live.IsActive) {
		return nil, fmt.Errorf("%w: order %s is no longer active", model.ErrInvalidState, order.ID)
	}
	if err != nil {
		return nil, err
	}

	// Claim the bid first so a concurrent accept/reject/cancel loses.
	now := s.engine.Clock().Now()
	if err := s.store.UpdateBidStatus(ctx, b.ID, model.BidPending, model.BidAccepted, now); err != nil {
		return nil, err
	}

	rc, reopen, err := s.settle(ctx, b, order)
	if err != nil {
		// Reopen only when no money moved or it was refunded. Otherwise the
		// bid stays accepted so a second accept cannot pay twice.
		if reopen {
			if rerr := s.store.UpdateBidStatus(ctx, b.ID, model.BidAccepted, model.BidPending, now); rerr != nil {
				s.logger.Error("failed to reopen bid after settlement failure", "bid_id", b.ID, "err", rerr)
			}
		}
		metrics.ObservePurchase("bid", "error", started)
		return nil, err
	}
	metrics.BidTransitions.WithLabelValues(string(model.BidAccepted)).Inc()

	trade := &model.Trade{
		ID:         uuid.New().String(),
		OrderID:    order.ID,
		StreamID:   stream.ID,
		Sender:     stream.Sender,
		Seller:     order.Seller,
		Buyer:      b.Bidder,
		Amount:     accrual.Remaining(stream, now).Mul(order.Percentage).Div(hundred),
		Price:      b.Amount,
		Percentage: order.Percentage,
		ExecutedAt: now,
		BidID:      b.ID,
		TxRef:      rc.TxRef,
	}
	s.finish(ctx, order, trade)
	metrics.ObservePurchase("bid", "ok", started)
	s.logger.Info("bid accepted",
		"bid_id", b.ID, "order_id", order.ID, "stream_id", stream.ID,
		"buyer", b.Bidder, "price", b.Amount, "tx_ref", rc.TxRef)
	return trade, nil
}

// settle moves funds then the stream. reopen reports whether the bidder
// provably holds their money again: the payment was refused, or the stream
// hand-over was refused and the refund went through. An unknown ledger
// outcome is never retried and surfaces as ErrLedgerUnavailable.
func (s *Service) settle(ctx context.Context, b *model.Bid, order model.Order) (rc model.Receipt, reopen bool, err error) {
	pay, err := s.ledger.Transfer(ctx, b.Bidder, order.Seller, b.Amount)
	if err != nil {
		if outcomeUnknown(err) {
			s.logger.Error("bid payment outcome unknown", "bid_id", b.ID, "err", err)
			return model.Receipt{}, false, unresolved(b.ID, "pay seller", err)
		}
		return model.Receipt{}, true, fmt.Errorf("pay seller: %w", err)
	}

	rc, err = s.ledger.TransferStream(ctx, order.Seller, order.StreamID, b.Bidder)
	if err != nil {
		if outcomeUnknown(err) {
			s.logger.Error("stream hand-over outcome unknown after payment",
				"bid_id", b.ID, "payment_tx", pay.TxRef, "err", err)
			return model.Receipt{}, false, unresolved(b.ID, "transfer stream", err)
		}
		if _, rerr := s.ledger.Transfer(ctx, order.Seller, b.Bidder, b.Amount); rerr != nil {
			s.logger.Error("refund failed", "bid_id", b.ID, "payment_tx", pay.TxRef, "err", rerr)
			return model.Receipt{}, false, fmt.Errorf("transfer stream: %w (refund failed: %v)", err, rerr)
		}
		return model.Receipt{}, true, fmt.Errorf("transfer stream: %w", err)
	}

	// The hand-over closes the stream's orders on ledgers that enforce
	// ownership; close it explicitly for those that do not.
	if _, err := s.ledger.CancelOrder(ctx, order.Seller, order.ID); err != nil &&
		!errors.Is(err, model.ErrInvalidState) && !errors.Is(err, model.ErrUnauthorized) {
		s.logger.Warn("close order after bid failed", "order_id", order.ID, "err", err)
	}
	return rc, false, nil
}

// outcomeUnknown reports whether a mutating ledger call may have landed.
func outcomeUnknown(err error) bool {
	return errors.Is(err, model.ErrLedgerUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func unresolved(bidID, step string, err error) error {
	if errors.Is(err, model.ErrLedgerUnavailable) {
		return fmt.Errorf("%s for bid %s: %w", step, bidID, err)
	}
	return fmt.Errorf("%w: %s for bid %s: %w", model.ErrLedgerUnavailable, step, bidID, err)
}

// finish applies the local side effects of a completed sale. Failures are
// logged: the ledger already holds the authoritative outcome.
func (s *Service) finish(ctx context.Context, order model.Order, trade *model.Trade) {
	s.engine.RemoveLocal(order.ID)
	if _, err := s.engine.RefreshStream(ctx, order.StreamID); err != nil {
		s.logger.Warn("refresh stream failed", "stream_id", order.StreamID, "err", err)
	}
	s.engine.RequestSync()

	if err := s.store.InsertTrade(ctx, trade); err != nil {
		s.logger.Error("record trade failed", "trade_id", trade.ID, "err", err)
	}
	h := model.HistoryEntry(uuid.New().String(), order, model.OrderSold, trade.ExecutedAt)
	if err := s.store.AppendOrderHistory(ctx, &h); err != nil {
		s.logger.Error("record order history failed", "order_id", order.ID, "err", err)
	}
}

// ExpireStale cancels pending bids older than Options.PendingTTL as of
// now. Returns the number expired; zero when expiry is disabled.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	if s.opts.PendingTTL <= 0 {
		return 0, nil
	}
	pending, err := s.store.ListPendingBids(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, b := range pending {
		if now.Sub(b.CreatedAt) < s.opts.PendingTTL {
			continue
		}
		err := s.store.UpdateBidStatus(ctx, b.ID, model.BidPending, model.BidCancelled, now)
		if errors.Is(err, model.ErrInvalidState) {
			continue // resolved concurrently
		}
		if err != nil {
			return expired, err
		}
		expired++
		metrics.BidTransitions.WithLabelValues(string(model.BidCancelled)).Inc()
	}
	if expired > 0 {
		s.logger.Info("expired stale bids", "count", expired, "ttl", s.opts.PendingTTL)
	}
	return expired, nil
}

// RunExpiry calls ExpireStale every interval until ctx is done. Returns
// immediately when expiry is disabled.
func (s *Service) RunExpiry(ctx context.Context, every time.Duration) {
	if s.opts.PendingTTL <= 0 || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx, s.engine.Clock().Now()); err != nil {
				s.logger.Warn("bid expiry failed", "err", err)
			}
		}
	}
}

// Get returns one bid.
func (s *Service) Get(ctx context.Context, id string) (*model.Bid, error) {
	return s.store.GetBid(ctx, id)
}

// ListByOrder returns bids on an order, oldest first.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]model.Bid, error) {
	return s.store.ListBidsByOrder(ctx, orderID)
}

// ListByBidder returns an address's bids, oldest first.
func (s *Service) ListByBidder(ctx context.Context, bidder string) ([]model.Bid, error) {
	return s.store.ListBidsByBidder(ctx, bidder)
}

func (s *Service) transition(ctx context.Context, b *model.Bid, to model.BidStatus) (*model.Bid, error) {
	if b.Status != model.BidPending {
		return nil, fmt.Errorf("%w: bid %s is %s", model.ErrInvalidState, b.ID, b.Status)
	}
	now := s.engine.Clock().Now()
	if err := s.store.UpdateBidStatus(ctx, b.ID, model.BidPending, to, now); err != nil {
		return nil, err
	}
	metrics.BidTransitions.WithLabelValues(string(to)).Inc()
	s.logger.Info("bid resolved", "bid_id", b.ID, "status", to)
	b.Status = to
	b.UpdatedAt = now
	return b, nil
}

// resolveOrder finds an order in the live book, falling back to the
// ledger (which also knows closed orders).
func (s *Service) resolveOrder(ctx context.Context, id string) (model.Order, error) {
	if o, ok := s.engine.Book().Get(id); ok {
		return o, nil
	}
	o, err := s.ledger.GetOrder(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}
