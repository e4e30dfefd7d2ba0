package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/stream-market/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	alice = "0xa11ce00000000000000000000000000000000001"
	bob   = "0xb0b0000000000000000000000000000000000002"
	carol = "0xca20100000000000000000000000000000000003"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newBid(id, orderID, bidder string, at time.Time) *model.Bid {
	return &model.Bid{
		ID: id, OrderID: orderID, Bidder: bidder,
		Amount: d(2000), Discount: d(20), PriceRatio: d(0.8),
		Status: model.BidPending, CreatedAt: at, UpdatedAt: at,
	}
}

// runContract exercises the behaviour every Store implementation shares.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("bid lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.InsertBid(ctx, newBid("b1", "o1", carol, t0)))
		require.NoError(t, s.InsertBid(ctx, newBid("b2", "o1", alice, t0.Add(time.Second))))
		require.NoError(t, s.InsertBid(ctx, newBid("b3", "o2", carol, t0.Add(2*time.Second))))

		got, err := s.GetBid(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, carol, got.Bidder)
		assert.True(t, got.Amount.Equal(d(2000)))
		assert.True(t, got.PriceRatio.Equal(d(0.8)))
		assert.True(t, got.CreatedAt.Equal(t0))

		byOrder, err := s.ListBidsByOrder(ctx, "o1")
		require.NoError(t, err)
		require.Len(t, byOrder, 2)
		assert.Equal(t, "b1", byOrder[0].ID)
		assert.Equal(t, "b2", byOrder[1].ID)

		byBidder, err := s.ListBidsByBidder(ctx, "0xCA20100000000000000000000000000000000003")
		require.NoError(t, err)
		assert.Len(t, byBidder, 2)

		require.NoError(t, s.UpdateBidStatus(ctx, "b1", model.BidPending, model.BidAccepted, t0.Add(time.Minute)))
		err = s.UpdateBidStatus(ctx, "b1", model.BidPending, model.BidRejected, t0.Add(time.Minute))
		assert.ErrorIs(t, err, model.ErrInvalidState)

		got, err = s.GetBid(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, model.BidAccepted, got.Status)
		assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Minute)))

		pending, err := s.ListPendingBids(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 2)
	})

	t.Run("missing bid", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetBid(ctx, "nope")
		assert.ErrorIs(t, err, model.ErrNotFound)

		err = s.UpdateBidStatus(ctx, "nope", model.BidPending, model.BidCancelled, t0)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("trades and exposure", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		trades := []model.Trade{
			{ID: "t1", OrderID: "o1", StreamID: "s1", Sender: alice, Seller: bob, Buyer: carol,
				Amount: d(2500), Price: d(2250), Percentage: d(50), ExecutedAt: t0},
			{ID: "t2", OrderID: "o2", StreamID: "s2", Sender: alice, Seller: bob, Buyer: carol,
				Amount: d(1000), Price: d(900), Percentage: d(10), ExecutedAt: t0.Add(time.Second), BidID: "b9"},
			{ID: "t3", OrderID: "o3", StreamID: "s1", Sender: alice, Seller: carol, Buyer: alice,
				Amount: d(100), Price: d(95), Percentage: d(5), ExecutedAt: t0.Add(2 * time.Second)},
		}
		for i := range trades {
			require.NoError(t, s.InsertTrade(ctx, &trades[i]))
		}

		byCarol, err := s.ListTradesByAddress(ctx, carol)
		require.NoError(t, err)
		require.Len(t, byCarol, 3, "carol bought twice and sold once")
		assert.Equal(t, "b9", byCarol[1].BidID)

		byStream, err := s.ListTradesByStream(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, byStream, 2)

		exp, err := s.BuyerExposure(ctx, carol)
		require.NoError(t, err)
		assert.True(t, exp.ByStream["s1"].Equal(d(2250)))
		assert.True(t, exp.ByStream["s2"].Equal(d(900)))
		assert.True(t, exp.BySender[alice].Equal(d(3150)))

		exp, err = s.BuyerExposure(ctx, bob)
		require.NoError(t, err)
		assert.Empty(t, exp.ByStream)
	})

	t.Run("order history", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		entries := []model.OrderHistoryEntry{
			{ID: "h1", OrderID: "o1", StreamID: "s1", Seller: bob, Status: model.OrderListed,
				Percentage: d(50), PriceRatio: d(0.9), Price: d(2250), RiskScore: 35, At: t0},
			{ID: "h2", OrderID: "o1", StreamID: "s1", Seller: bob, Status: model.OrderCancelled,
				Percentage: d(50), PriceRatio: d(0.9), Price: d(2250), RiskScore: 35, At: t0.Add(time.Second)},
			{ID: "h3", OrderID: "o2", StreamID: "s2", Seller: alice, Status: model.OrderListed,
				Percentage: d(10), PriceRatio: d(0.95), Price: d(100), RiskScore: 12, At: t0.Add(2 * time.Second)},
		}
		for i := range entries {
			require.NoError(t, s.AppendOrderHistory(ctx, &entries[i]))
		}

		bySeller, err := s.ListOrderHistoryBySeller(ctx, bob)
		require.NoError(t, err)
		require.Len(t, bySeller, 2)
		assert.Equal(t, model.OrderCancelled, bySeller[0].Status, "newest first")

		byOrder, err := s.ListOrderHistoryByOrder(ctx, "o1")
		require.NoError(t, err)
		require.Len(t, byOrder, 2)
		assert.Equal(t, model.OrderListed, byOrder[0].Status)
		assert.Equal(t, 35, byOrder[0].RiskScore)
		assert.True(t, byOrder[0].PriceRatio.Equal(d(0.9)))
	})
}

func TestMemoryStore(t *testing.T) {
	runContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_InsertBidDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.InsertBid(ctx, newBid("b1", "o1", carol, t0)))
	assert.ErrorIs(t, s.InsertBid(ctx, newBid("b1", "o1", carol, t0)), model.ErrInvalidState)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	b := newBid("b1", "o1", carol, t0)
	require.NoError(t, s.InsertBid(ctx, b))
	b.Status = model.BidAccepted

	got, err := s.GetBid(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BidPending, got.Status)

	got.Status = model.BidRejected
	again, _ := s.GetBid(ctx, "b1")
	assert.Equal(t, model.BidPending, again.Status)
}

func TestSQLiteStore_ErrorsNameTheEntity(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.InsertBid(ctx, newBid("b1", "o1", carol, t0)))
	require.NoError(t, s.Close())

	_, err = s.GetBid(ctx, "b1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get bid b1: ")

	err = s.InsertBid(ctx, newBid("b2", "o1", carol, t0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert bid b2: ")
}
