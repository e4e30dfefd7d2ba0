// Package store defines the persistence interface for local market state:
// bids, trades and order history. Ledger-owned state (streams, live orders,
// balances) is never stored here. Implementations include PostgreSQL,
// SQLite (single node), Redis (read-through cache) and in-memory (testing).
package store

import (
	"context"
	"time"

	"github.com/atmx/stream-market/internal/model"
)

// Store is the persistence interface. Records are keyed by entity id;
// trades and history entries are append-only.
type Store interface {
	// --- Bids ---

	// InsertBid persists a new bid.
	InsertBid(ctx context.Context, bid *model.Bid) error

	// UpdateBidStatus moves a bid to status if its current status is from.
	// Returns model.ErrInvalidState when the bid is no longer in from, which
	// makes concurrent transitions on one bid resolve to a single winner.
	UpdateBidStatus(ctx context.Context, id string, from, to model.BidStatus, at time.Time) error

	// GetBid retrieves a bid by id. Returns model.ErrNotFound if absent.
	GetBid(ctx context.Context, id string) (*model.Bid, error)

	// ListBidsByOrder returns bids on an order, oldest first.
	ListBidsByOrder(ctx context.Context, orderID string) ([]model.Bid, error)

	// ListBidsByBidder returns bids placed by an address, oldest first.
	ListBidsByBidder(ctx context.Context, bidder string) ([]model.Bid, error)

	// ListPendingBids returns every pending bid, oldest first.
	ListPendingBids(ctx context.Context) ([]model.Bid, error)

	// --- Trades (immutable) ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// ListTradesByAddress returns trades where addr is buyer or seller.
	ListTradesByAddress(ctx context.Context, addr string) ([]model.Trade, error)

	// ListTradesByStream returns all trades of a stream.
	ListTradesByStream(ctx context.Context, streamID string) ([]model.Trade, error)

	// BuyerExposure aggregates the prices a buyer paid per stream and per
	// stream sender.
	BuyerExposure(ctx context.Context, buyer string) (model.Exposure, error)

	// --- Order history (append-only) ---

	// AppendOrderHistory records an order reaching a state.
	AppendOrderHistory(ctx context.Context, entry *model.OrderHistoryEntry) error

	// ListOrderHistoryBySeller returns a seller's history, newest first.
	ListOrderHistoryBySeller(ctx context.Context, seller string) ([]model.OrderHistoryEntry, error)

	// ListOrderHistoryByOrder returns one order's history, oldest first.
	ListOrderHistoryByOrder(ctx context.Context, orderID string) ([]model.OrderHistoryEntry, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*CachedStore)(nil)
)
