// Package ledger defines the adapter to the authoritative stream ledger and
// ships two implementations: Memory, a complete in-process simulation used
// in development and tests, and HTTPClient, a JSON client for a remote
// ledger service (served for development by Handler).
//
// All results are eventually consistent snapshots. Mutating calls return a
// Receipt whose reference must be treated as pending until a later read
// confirms it. No implementation retries a mutating call.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/model"
)

// Reader is the read side of the ledger.
type Reader interface {
	GetStream(ctx context.Context, id string) (model.Stream, error)
	ListStreamsOwnedBy(ctx context.Context, owner string) ([]model.Stream, error)
	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListAllOrders(ctx context.Context) ([]model.Order, error)
	BalanceOf(ctx context.Context, addr string) (decimal.Decimal, error)
	TransactionsOf(ctx context.Context, addr string) ([]model.Transaction, error)
}

// Ledger is the full adapter. Mutations take the acting address; role
// checks (sender, receiver, seller) are enforced by the ledger.
type Ledger interface {
	Reader

	CreateStream(ctx context.Context, req CreateStreamRequest) (model.Receipt, error)
	Withdraw(ctx context.Context, caller, streamID string, amount decimal.Decimal) (model.Receipt, error)
	SellShare(ctx context.Context, caller, streamID string, amount decimal.Decimal) (model.Receipt, error)
	TransferStream(ctx context.Context, caller, streamID, newReceiver string) (model.Receipt, error)

	CreateOrder(ctx context.Context, req CreateOrderRequest) (model.Receipt, error)
	CancelOrder(ctx context.Context, caller, orderID string) (model.Receipt, error)
	BuyOrder(ctx context.Context, buyer, orderID string) (model.Receipt, error)

	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (model.Receipt, error)
}

// CreateStreamRequest deposits Amount from Sender, flowing to Receiver over
// DurationSeconds starting now.
type CreateStreamRequest struct {
	Sender          string          `json:"sender"`
	Receiver        string          `json:"receiver"`
	DurationSeconds int64           `json:"duration_seconds"`
	Amount          decimal.Decimal `json:"amount"`
}

// CreateOrderRequest lists Percentage of a stream's remaining balance at
// PriceRatio of face value. Price is the ask at listing time.
type CreateOrderRequest struct {
	Seller     string          `json:"seller"`
	StreamID   string          `json:"stream_id"`
	Price      decimal.Decimal `json:"price"`
	Percentage decimal.Decimal `json:"percentage"`
	PriceRatio decimal.Decimal `json:"price_ratio"`
}

// AmountRequest is the body of amount-carrying mutations.
type AmountRequest struct {
	Caller string          `json:"caller"`
	Amount decimal.Decimal `json:"amount"`
}

// TransferRequest moves funds or a stream's receiver role.
type TransferRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount,omitempty"`
}

// CallerRequest carries only the acting address.
type CallerRequest struct {
	Caller string `json:"caller"`
}

var (
	_ Ledger = (*Memory)(nil)
	_ Ledger = (*HTTPClient)(nil)
)
