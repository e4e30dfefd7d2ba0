package ledger_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/stream-market/internal/ledger"
	"github.com/atmx/stream-market/internal/model"
)

func TestHTTPClient_RoundTrip(t *testing.T) {
	mem, _, id := newLedger(t)
	srv := httptest.NewServer(ledger.Handler(mem))
	defer srv.Close()

	c := ledger.NewHTTPClient(srv.URL, 1000, 5*time.Second)
	ctx := context.Background()

	s, err := c.GetStream(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bob, s.Receiver)
	assert.True(t, s.TotalDeposit.Equal(d(10000)))

	rc, err := c.CreateOrder(ctx, ledger.CreateOrderRequest{
		Seller: bob, StreamID: id, Price: d(2250), Percentage: d(50), PriceRatio: d(0.9),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rc.ID)
	assert.NotEmpty(t, rc.TxRef)

	orders, err := c.ListAllOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, orders[0].PriceRatio.Equal(d(0.9)))

	bal, err := c.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(10000)), "balance %s", bal)

	streams, err := c.ListStreamsOwnedBy(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, streams, 1)
}

func TestHTTPClient_ErrorTaxonomy(t *testing.T) {
	mem, _, id := newLedger(t)
	srv := httptest.NewServer(ledger.Handler(mem))
	defer srv.Close()

	c := ledger.NewHTTPClient(srv.URL, 1000, 5*time.Second)
	ctx := context.Background()

	_, err := c.GetStream(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = c.Withdraw(ctx, alice, id, d(1))
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = c.Withdraw(ctx, bob, id, d(999999))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	_, err = c.Transfer(ctx, alice, bob, d(0))
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = c.CancelOrder(ctx, bob, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestHTTPClient_ReadsRetryWritesDoNot(t *testing.T) {
	var reads, writes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if reads.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`[]`))
			return
		}
		writes.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := ledger.NewHTTPClient(srv.URL, 1000, 5*time.Second)
	ctx := context.Background()

	orders, err := c.ListAllOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, int32(3), reads.Load())

	_, err = c.BuyOrder(ctx, bob, "o1")
	assert.ErrorIs(t, err, model.ErrLedgerUnavailable)
	assert.Equal(t, int32(1), writes.Load(), "mutations must not be retried")
}

func TestHTTPClient_Unreachable(t *testing.T) {
	c := ledger.NewHTTPClient("http://127.0.0.1:1", 1000, 200*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.BuyOrder(ctx, bob, "o1")
	assert.ErrorIs(t, err, model.ErrLedgerUnavailable)
}
