package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/atmx/stream-market/internal/address"
	"github.com/atmx/stream-market/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	bids    map[string]*model.Bid
	bidSeq  []string // insertion order
	trades  []model.Trade
	history []model.OrderHistoryEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bids: make(map[string]*model.Bid),
	}
}

// --- Bids ---

func (s *MemoryStore) InsertBid(_ context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bids[b.ID]; exists {
		return fmt.Errorf("%w: bid %s already exists", model.ErrInvalidState, b.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *b
	s.bids[b.ID] = &cp
	s.bidSeq = append(s.bidSeq, b.ID)
	return nil
}

func (s *MemoryStore) UpdateBidStatus(_ context.Context, id string, from, to model.BidStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bids[id]
	if !ok {
		return fmt.Errorf("%w: bid %s", model.ErrNotFound, id)
	}
	if b.Status != from {
		return fmt.Errorf("%w: bid %s is %s", model.ErrInvalidState, id, b.Status)
	}
	b.Status = to
	b.UpdatedAt = at
	return nil
}

func (s *MemoryStore) GetBid(_ context.Context, id string) (*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, fmt.Errorf("%w: bid %s", model.ErrNotFound, id)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBidsByOrder(_ context.Context, orderID string) ([]model.Bid, error) {
	return s.filterBids(func(b *model.Bid) bool { return b.OrderID == orderID }), nil
}

func (s *MemoryStore) ListBidsByBidder(_ context.Context, bidder string) ([]model.Bid, error) {
	return s.filterBids(func(b *model.Bid) bool { return address.Equal(b.Bidder, bidder) }), nil
}

func (s *MemoryStore) ListPendingBids(_ context.Context) ([]model.Bid, error) {
	return s.filterBids(func(b *model.Bid) bool { return b.Status == model.BidPending }), nil
}

func (s *MemoryStore) filterBids(keep func(*model.Bid) bool) []model.Bid {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bid
	for _, id := range s.bidSeq {
		if b := s.bids[id]; keep(b) {
			result = append(result, *b)
		}
	}
	return result
}

// --- Trades ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByAddress(_ context.Context, addr string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if address.Equal(t.Buyer, addr) || address.Equal(t.Seller, addr) {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTradesByStream(_ context.Context, streamID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.StreamID == streamID {
			result = append(result, t)
		}
	}
	return result, nil
}

// BuyerExposure aggregates trades in a single pass under the read lock.
func (s *MemoryStore) BuyerExposure(_ context.Context, buyer string) (model.Exposure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp := model.NewExposure()
	for _, t := range s.trades {
		if address.Equal(t.Buyer, buyer) {
			exp.Add(t.StreamID, t.Sender, t.Price)
		}
	}
	return exp, nil
}

// --- Order history ---

func (s *MemoryStore) AppendOrderHistory(_ context.Context, e *model.OrderHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, *e)
	return nil
}

func (s *MemoryStore) ListOrderHistoryBySeller(_ context.Context, seller string) ([]model.OrderHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OrderHistoryEntry
	for _, e := range s.history {
		if address.Equal(e.Seller, seller) {
			result = append(result, e)
		}
	}
	slices.Reverse(result)
	return result, nil
}

func (s *MemoryStore) ListOrderHistoryByOrder(_ context.Context, orderID string) ([]model.OrderHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OrderHistoryEntry
	for _, e := range s.history {
		if e.OrderID == orderID {
			result = append(result, e)
		}
	}
	return result, nil
}
