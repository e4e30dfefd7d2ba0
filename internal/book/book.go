// Package book maintains the set of listed orders and re-prices every order
// against the live remaining balance of its stream.
//
// Writers (List, Cancel, Reconcile, RecomputeAll) serialize on a mutex and
// publish a fresh immutable Snapshot; readers load the latest snapshot
// without locking and never observe a partially updated set. Valuation
// never fails: an order whose stream cannot be resolved is valued at zero.
package book

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/accrual"
	"github.com/atmx/stream-market/internal/model"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Snapshot is an immutable, fully valued view of the active book.
// Orders are in listing (insertion) order.
type Snapshot struct {
	Version    uint64                     `json:"version"`
	ComputedAt time.Time                  `json:"computed_at"`
	Orders     []model.Order              `json:"orders"`
	Remaining  map[string]decimal.Decimal `json:"-"` // stream id → remaining balance
}

// Order returns the valued order with the given id.
func (s *Snapshot) Order(id string) (model.Order, bool) {
	for _, o := range s.Orders {
		if o.ID == id {
			return o, true
		}
	}
	return model.Order{}, false
}

type entry struct {
	order model.Order
	seq   uint64
}

// Book is the owned order set. Safe for concurrent use.
type Book struct {
	mu      sync.Mutex
	orders  map[string]entry
	seq     uint64
	version uint64
	streams map[string]model.Stream
	at      time.Time

	snap atomic.Pointer[Snapshot]
}

// New creates an empty book.
func New() *Book {
	b := &Book{orders: make(map[string]entry)}
	b.snap.Store(&Snapshot{Remaining: map[string]decimal.Decimal{}})
	return b
}

// Validate checks the listing ranges: 0 < percentage ≤ 100, 0 < priceRatio ≤ 1.
func Validate(o model.Order) error {
	if o.ID == "" || o.StreamID == "" {
		return fmt.Errorf("%w: order id and stream id are required", model.ErrValidation)
	}
	return ValidateTerms(o.Percentage, o.PriceRatio)
}

// ValidateTerms checks a listing's percentage and price ratio.
func ValidateTerms(percentage, priceRatio decimal.Decimal) error {
	if !percentage.IsPositive() || percentage.GreaterThan(hundred) {
		return fmt.Errorf("%w: percentage %s must be in (0, 100]", model.ErrValidation, percentage)
	}
	if !priceRatio.IsPositive() || priceRatio.GreaterThan(one) {
		return fmt.Errorf("%w: price ratio %s must be in (0, 1]", model.ErrValidation, priceRatio)
	}
	return nil
}

// ImpliedValue returns remainingBalance * percentage/100 * priceRatio, or
// zero when nothing remains.
func ImpliedValue(o model.Order, remaining decimal.Decimal) decimal.Decimal {
	if !remaining.IsPositive() {
		return decimal.Zero
	}
	return remaining.Mul(o.Percentage).Div(hundred).Mul(o.PriceRatio)
}

// List adds an active order. The order's risk fields are kept as given:
// risk is a listing-time snapshot and is never re-scored.
func (b *Book) List(o model.Order) error {
	if err := Validate(o); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s already listed", model.ErrInvalidState, o.ID)
	}
	o.IsActive = true
	b.seq++
	b.orders[o.ID] = entry{order: o, seq: b.seq}
	b.publishLocked()
	return nil
}

// Cancel removes an order from the active set and returns it.
func (b *Book) Cancel(id string) (model.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.orders[id]
	if !ok {
		return model.Order{}, false
	}
	delete(b.orders, id)
	b.publishLocked()
	e.order.IsActive = false
	return e.order, true
}

// Get returns the active order with the given id, valued as of the last
// recompute.
func (b *Book) Get(id string) (model.Order, bool) {
	return b.Snapshot().Order(id)
}

// Len returns the number of active orders.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// Reconcile aligns the book with the ledger's active orders. Orders unknown
// locally are passed through assess (to attach a listing-time risk
// snapshot) before being added; local orders absent from the ledger set
// are dropped. Known orders keep their original risk snapshot.
func (b *Book) Reconcile(ledgerOrders []model.Order, assess func(model.Order) model.Order) (added, removed []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(ledgerOrders))
	for _, o := range ledgerOrders {
		if !o.IsActive {
			continue
		}
		seen[o.ID] = true
		if _, ok := b.orders[o.ID]; ok {
			continue
		}
		if assess != nil {
			o = assess(o)
		}
		if Validate(o) != nil {
			continue
		}
		o.IsActive = true
		b.seq++
		b.orders[o.ID] = entry{order: o, seq: b.seq}
		added = append(added, o.ID)
	}
	for id := range b.orders {
		if !seen[id] {
			delete(b.orders, id)
			removed = append(removed, id)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		b.publishLocked()
	}
	return added, removed
}

// RecomputeAll re-values every active order against streams as of now and
// publishes a new snapshot. Orders whose stream is missing are valued at 0.
func (b *Book) RecomputeAll(streams map[string]model.Stream, now time.Time) *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streams = streams
	b.at = now
	return b.publishLocked()
}

// Snapshot returns the latest published snapshot. Never nil.
func (b *Book) Snapshot() *Snapshot {
	return b.snap.Load()
}

func (b *Book) publishLocked() *Snapshot {
	entries := make([]entry, 0, len(b.orders))
	for _, e := range b.orders {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(x, y entry) int {
		switch {
		case x.seq < y.seq:
			return -1
		case x.seq > y.seq:
			return 1
		}
		return 0
	})

	remaining := make(map[string]decimal.Decimal)
	orders := make([]model.Order, 0, len(entries))
	for _, e := range entries {
		o := e.order
		rem, ok := remaining[o.StreamID]
		if !ok {
			if s, found := b.streams[o.StreamID]; found {
				rem = accrual.Remaining(s, b.at)
				remaining[o.StreamID] = rem
			}
		}
		o.ImpliedValue = ImpliedValue(o, rem)
		orders = append(orders, o)
	}

	b.version++
	s := &Snapshot{
		Version:    b.version,
		ComputedAt: b.at,
		Orders:     orders,
		Remaining:  remaining,
	}
	b.snap.Store(s)
	return s
}
