package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/stream-market/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertBid(ctx context.Context, b *model.Bid) error {
	if err := s.primary.InsertBid(ctx, b); err != nil {
		return err
	}
	s.setJSON(ctx, bidKey(b.ID), b)
	return nil
}

func (s *CachedStore) UpdateBidStatus(ctx context.Context, id string, from, to model.BidStatus, at time.Time) error {
	if err := s.primary.UpdateBidStatus(ctx, id, from, to, at); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, bidKey(id))
	return nil
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	if err := s.primary.InsertTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx,
		tradesKey(t.Buyer), tradesKey(t.Seller), exposureKey(t.Buyer))
	return nil
}

func (s *CachedStore) AppendOrderHistory(ctx context.Context, e *model.OrderHistoryEntry) error {
	return s.primary.AppendOrderHistory(ctx, e)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	var b model.Bid
	if s.getJSON(ctx, bidKey(id), &b) {
		return &b, nil
	}

	// Cache miss: read from primary.
	bid, err := s.primary.GetBid(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, bidKey(id), bid)
	return bid, nil
}

func (s *CachedStore) ListTradesByAddress(ctx context.Context, addr string) ([]model.Trade, error) {
	var trades []model.Trade
	if s.getJSON(ctx, tradesKey(addr), &trades) {
		return trades, nil
	}

	trades, err := s.primary.ListTradesByAddress(ctx, addr)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, tradesKey(addr), trades)
	return trades, nil
}

func (s *CachedStore) BuyerExposure(ctx context.Context, buyer string) (model.Exposure, error) {
	var exp model.Exposure
	if s.getJSON(ctx, exposureKey(buyer), &exp) && exp.ByStream != nil && exp.BySender != nil {
		return exp, nil
	}

	exp, err := s.primary.BuyerExposure(ctx, buyer)
	if err != nil {
		return exp, err
	}
	s.setJSON(ctx, exposureKey(buyer), exp)
	return exp, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListBidsByOrder(ctx context.Context, orderID string) ([]model.Bid, error) {
	return s.primary.ListBidsByOrder(ctx, orderID)
}

func (s *CachedStore) ListBidsByBidder(ctx context.Context, bidder string) ([]model.Bid, error) {
	return s.primary.ListBidsByBidder(ctx, bidder)
}

func (s *CachedStore) ListPendingBids(ctx context.Context) ([]model.Bid, error) {
	return s.primary.ListPendingBids(ctx)
}

func (s *CachedStore) ListTradesByStream(ctx context.Context, streamID string) ([]model.Trade, error) {
	return s.primary.ListTradesByStream(ctx, streamID)
}

func (s *CachedStore) ListOrderHistoryBySeller(ctx context.Context, seller string) ([]model.OrderHistoryEntry, error) {
	return s.primary.ListOrderHistoryBySeller(ctx, seller)
}

func (s *CachedStore) ListOrderHistoryByOrder(ctx context.Context, orderID string) ([]model.OrderHistoryEntry, error) {
	return s.primary.ListOrderHistoryByOrder(ctx, orderID)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func bidKey(id string) string        { return fmt.Sprintf("bid:%s", id) }
func tradesKey(addr string) string   { return fmt.Sprintf("trades:%s", strings.ToLower(addr)) }
func exposureKey(addr string) string { return fmt.Sprintf("exposure:%s", strings.ToLower(addr)) }
