package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/stream-market/internal/model"
)

const (
	defaultRatePerSec = 20
	defaultBurst      = 10
	maxReadRetries    = 3
	baseRetryWait     = 250 * time.Millisecond
)

// HTTPClient implements Ledger against a remote JSON ledger service.
//
// Reads are rate limited and retried with exponential backoff. Mutating
// calls are rate limited but attempted exactly once: a timeout leaves the
// outcome unknown and the caller re-evaluates on its next tick instead of
// risking a duplicate submission.
type HTTPClient struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
}

// NewHTTPClient creates a client for the ledger at baseURL. ratePerSec <= 0
// uses the default.
func NewHTTPClient(baseURL string, ratePerSec float64, timeout time.Duration) *HTTPClient {
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		http:    &http.Client{Timeout: timeout},
		base:    strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), defaultBurst),
	}
}

// --- Reader ---

func (c *HTTPClient) GetStream(ctx context.Context, id string) (model.Stream, error) {
	var s model.Stream
	err := c.get(ctx, "/streams/"+url.PathEscape(id), &s)
	return s, err
}

func (c *HTTPClient) ListStreamsOwnedBy(ctx context.Context, owner string) ([]model.Stream, error) {
	var out []model.Stream
	err := c.get(ctx, "/streams?owner="+url.QueryEscape(owner), &out)
	return out, err
}

func (c *HTTPClient) GetOrder(ctx context.Context, id string) (model.Order, error) {
	var o model.Order
	err := c.get(ctx, "/orders/"+url.PathEscape(id), &o)
	return o, err
}

func (c *HTTPClient) ListAllOrders(ctx context.Context) ([]model.Order, error) {
	var out []model.Order
	err := c.get(ctx, "/orders", &out)
	return out, err
}

func (c *HTTPClient) BalanceOf(ctx context.Context, addr string) (decimal.Decimal, error) {
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	err := c.get(ctx, "/accounts/"+url.PathEscape(addr)+"/balance", &resp)
	return resp.Balance, err
}

func (c *HTTPClient) TransactionsOf(ctx context.Context, addr string) ([]model.Transaction, error) {
	var out []model.Transaction
	err := c.get(ctx, "/accounts/"+url.PathEscape(addr)+"/transactions", &out)
	return out, err
}

// --- Mutations ---

func (c *HTTPClient) CreateStream(ctx context.Context, req CreateStreamRequest) (model.Receipt, error) {
	return c.submit(ctx, "/streams", req)
}

func (c *HTTPClient) Withdraw(ctx context.Context, caller, streamID string, amount decimal.Decimal) (model.Receipt, error) {
	return c.submit(ctx, "/streams/"+url.PathEscape(streamID)+"/withdraw", AmountRequest{Caller: caller, Amount: amount})
}

func (c *HTTPClient) SellShare(ctx context.Context, caller, streamID string, amount decimal.Decimal) (model.Receipt, error) {
	return c.submit(ctx, "/streams/"+url.PathEscape(streamID)+"/sell", AmountRequest{Caller: caller, Amount: amount})
}

func (c *HTTPClient) TransferStream(ctx context.Context, caller, streamID, newReceiver string) (model.Receipt, error) {
	return c.submit(ctx, "/streams/"+url.PathEscape(streamID)+"/transfer", TransferRequest{From: caller, To: newReceiver})
}

func (c *HTTPClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (model.Receipt, error) {
	return c.submit(ctx, "/orders", req)
}

func (c *HTTPClient) CancelOrder(ctx context.Context, caller, orderID string) (model.Receipt, error) {
	return c.submit(ctx, "/orders/"+url.PathEscape(orderID)+"/cancel", CallerRequest{Caller: caller})
}

func (c *HTTPClient) BuyOrder(ctx context.Context, buyer, orderID string) (model.Receipt, error) {
	return c.submit(ctx, "/orders/"+url.PathEscape(orderID)+"/buy", CallerRequest{Caller: buyer})
}

func (c *HTTPClient) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (model.Receipt, error) {
	return c.submit(ctx, "/transfers", TransferRequest{From: from, To: to, Amount: amount})
}

// --- transport ---

// get does a rate-limited GET with retries on transport and 5xx errors.
func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= maxReadRetries; attempt++ {
		if attempt > 0 {
			c.sleep(ctx, attempt-1)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %v", model.ErrLedgerUnavailable, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		lastErr = c.do(req, out)
		if lastErr == nil || !retryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		slog.Warn("ledger read failed, retrying", "path", path, "attempt", attempt+1, "err", lastErr)
	}
	return lastErr
}

// submit does a single rate-limited POST.
func (c *HTTPClient) submit(ctx context.Context, path string, body any) (model.Receipt, error) {
	var rc model.Receipt
	if err := c.limiter.Wait(ctx); err != nil {
		return rc, fmt.Errorf("%w: rate limiter: %v", model.ErrLedgerUnavailable, err)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return rc, fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return rc, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	err = c.do(req, &rc)
	return rc, err
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("%w: %s", errorForStatus(resp.StatusCode), msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorForStatus is the inverse of StatusFor.
func errorForStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return model.ErrNotFound
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return model.ErrUnauthorized
	case status == http.StatusConflict:
		return model.ErrInvalidState
	case status == http.StatusPaymentRequired:
		return model.ErrInsufficientFunds
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return model.ErrValidation
	default:
		return model.ErrLedgerUnavailable
	}
}

func retryable(err error) bool {
	return errors.Is(err, model.ErrLedgerUnavailable)
}

// sleep waits with exponential backoff, honoring the context.
func (c *HTTPClient) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
