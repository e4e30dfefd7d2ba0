// Package engine owns the market state shared by the accounting refresher,
// the HTTP API and the matching agent.
//
// Two periodic tasks drive it: a ledger sync that re-fetches streams and
// orders, and a tick (1 Hz by default) that re-accrues every stream and
// re-values the book. Each tick publishes a new immutable Snapshot with a
// monotonically increasing version; readers load it without locking and
// always see one consistent instant.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/stream-market/internal/accrual"
	"github.com/atmx/stream-market/internal/address"
	"github.com/atmx/stream-market/internal/book"
	"github.com/atmx/stream-market/internal/clock"
	"github.com/atmx/stream-market/internal/ledger"
	"github.com/atmx/stream-market/internal/metrics"
	"github.com/atmx/stream-market/internal/model"
)

// Config controls the engine's periodic tasks.
type Config struct {
	TickInterval time.Duration
	SyncInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Second
	}
	return c
}

// Scorer assesses a stream given the seller's transaction history.
// Satisfied by *risk.Scorer.
type Scorer interface {
	Score(s model.Stream, history []model.Transaction, now time.Time) model.RiskAssessment
}

// Snapshot is one consistent view of streams, their accruals and the valued
// book, all computed at At. Never mutate a published snapshot.
type Snapshot struct {
	Version  uint64                     `json:"version"`
	At       time.Time                  `json:"at"`
	Streams  map[string]model.Stream    `json:"-"`
	Accruals map[string]accrual.Accrual `json:"-"`
	Book     *book.Snapshot             `json:"book"`
}

// Stream returns the stream with the given id.
func (s *Snapshot) Stream(id string) (model.Stream, bool) {
	st, ok := s.Streams[id]
	return st, ok
}

// Engine is the owned state container. Safe for concurrent use.
type Engine struct {
	cfg    Config
	ledger ledger.Reader
	book   *book.Book
	clock  clock.Clock
	scorer Scorer
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]model.Stream // replaced, never mutated in place
	watched map[string]struct{}
	pending map[string]time.Time // locally listed orders not yet seen on the ledger
	touched map[string]struct{}  // streams upserted while a sync is running

	tickMu    sync.Mutex
	version   uint64
	snap      atomic.Pointer[Snapshot]
	listeners []func(*Snapshot)

	syncReq chan struct{}
}

// New creates an engine. A nil clock uses the system clock; a nil logger
// uses slog.Default().
func New(cfg Config, l ledger.Reader, b *book.Book, clk clock.Clock, scorer Scorer, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:     cfg.withDefaults(),
		ledger:  l,
		book:    b,
		clock:   clk,
		scorer:  scorer,
		logger:  logger.With("component", "engine"),
		streams: make(map[string]model.Stream),
		watched: make(map[string]struct{}),
		pending: make(map[string]time.Time),
		syncReq: make(chan struct{}, 1),
	}
	e.snap.Store(&Snapshot{
		At:       clk.Now(),
		Streams:  map[string]model.Stream{},
		Accruals: map[string]accrual.Accrual{},
		Book:     b.Snapshot(),
	})
	return e
}

// Book returns the owned order book.
func (e *Engine) Book() *book.Book { return e.book }

// Clock returns the engine's time source.
func (e *Engine) Clock() clock.Clock { return e.clock }

// Snapshot returns the latest published snapshot. Never nil.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

// OnTick registers fn to be called with every published snapshot. Must be
// called before Run.
func (e *Engine) OnTick(fn func(*Snapshot)) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Watch adds an owner whose streams are fetched on every sync even when
// they carry no orders.
func (e *Engine) Watch(owner string) {
	addr, err := address.Parse(owner)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.watched[addr] = struct{}{}
	e.mu.Unlock()
}

// RequestSync asks Run to sync with the ledger as soon as possible.
// Never blocks; requests coalesce.
func (e *Engine) RequestSync() {
	select {
	case e.syncReq <- struct{}{}:
	default:
	}
}

// Run syncs and ticks immediately, then on every interval until ctx is
// cancelled. Sync failures are logged; the next interval retries.
func (e *Engine) Run(ctx context.Context) error {
	e.syncAndLog(ctx)
	e.Tick()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	syncTicker := time.NewTicker(e.cfg.SyncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick()
		case <-syncTicker.C:
			e.syncAndLog(ctx)
		case <-e.syncReq:
			e.syncAndLog(ctx)
			e.Tick()
		}
	}
}

func (e *Engine) syncAndLog(ctx context.Context) {
	if err := e.Sync(ctx); err != nil && ctx.Err() == nil {
		metrics.SyncErrors.Inc()
		e.logger.Warn("ledger sync failed", "err", err)
	}
}

// Sync re-fetches active orders and the streams they (and watched owners)
// reference, then reconciles the book. New ledger orders get a
// listing-time risk assessment on first sight. Streams that fail to load
// keep their previous snapshot.
func (e *Engine) Sync(ctx context.Context) error {
	orders, err := e.ledger.ListAllOrders(ctx)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}

	e.mu.Lock()
	prev := e.streams
	e.touched = make(map[string]struct{})
	owners := make([]string, 0, len(e.watched))
	for o := range e.watched {
		owners = append(owners, o)
	}
	e.mu.Unlock()

	next := make(map[string]model.Stream, len(prev))
	for _, owner := range owners {
		streams, err := e.ledger.ListStreamsOwnedBy(ctx, owner)
		if err != nil {
			e.logger.Warn("list streams failed", "owner", owner, "err", err)
			continue
		}
		for _, s := range streams {
			next[s.ID] = s
		}
	}
	for _, o := range orders {
		if _, ok := next[o.StreamID]; ok {
			continue
		}
		s, err := e.ledger.GetStream(ctx, o.StreamID)
		switch {
		case err == nil:
			next[s.ID] = s
		case errors.Is(err, model.ErrNotFound):
			// Order valued at zero until the stream resolves.
			e.logger.Debug("order references unknown stream", "order_id", o.ID, "stream_id", o.StreamID)
		default:
			if old, ok := prev[o.StreamID]; ok {
				next[old.ID] = old
			}
			e.logger.Warn("get stream failed", "stream_id", o.StreamID, "err", err)
		}
	}

	known := e.book.Snapshot()
	assessed := make(map[string]model.Order)
	for _, o := range orders {
		if !o.IsActive {
			continue
		}
		if _, ok := known.Order(o.ID); ok {
			continue
		}
		s, ok := next[o.StreamID]
		if !ok {
			o.RiskScore, o.RiskLevel = 100, model.RiskD
			assessed[o.ID] = o
			continue
		}
		ra := e.Assess(ctx, s, o.Seller)
		o.RiskScore, o.RiskLevel = ra.Score, ra.Level
		assessed[o.ID] = o
	}

	orders = e.withPending(orders, known)
	added, removed := e.book.Reconcile(orders, func(o model.Order) model.Order {
		if a, ok := assessed[o.ID]; ok {
			return a
		}
		return o
	})

	e.mu.Lock()
	// Local upserts made during the fetch are newer than what we fetched.
	for id := range e.touched {
		next[id] = e.streams[id]
	}
	e.touched = nil
	e.streams = next
	e.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		e.logger.Info("book reconciled", "added", len(added), "removed", len(removed), "active", e.book.Len())
	}
	return nil
}

// withPending adds locally listed orders the ledger has not reported yet,
// within a grace of two sync intervals, so eventual consistency does not
// drop a fresh listing.
func (e *Engine) withPending(orders []model.Order, known *book.Snapshot) []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		return orders
	}
	seen := make(map[string]bool, len(orders))
	for _, o := range orders {
		seen[o.ID] = true
	}
	grace := 2 * e.cfg.SyncInterval
	now := e.clock.Now()
	for id, at := range e.pending {
		if seen[id] || now.Sub(at) > grace {
			delete(e.pending, id)
			continue
		}
		if o, ok := known.Order(id); ok {
			orders = append(orders, o)
		}
	}
	return orders
}

// Assess scores stream s for a listing by seller. A failed history fetch
// degrades to an empty history.
func (e *Engine) Assess(ctx context.Context, s model.Stream, seller string) model.RiskAssessment {
	history, err := e.ledger.TransactionsOf(ctx, seller)
	if err != nil {
		e.logger.Warn("seller history unavailable", "seller", seller, "err", err)
		history = nil
	}
	return e.scorer.Score(s, history, e.clock.Now())
}

// Tick re-accrues every stream and re-values the book as of now, then
// publishes a new snapshot.
func (e *Engine) Tick() *Snapshot {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := time.Now()
	now := e.clock.Now()

	e.mu.Lock()
	streams := e.streams
	e.mu.Unlock()

	bs := e.book.RecomputeAll(streams, now)
	e.version++
	snap := &Snapshot{
		Version:  e.version,
		At:       now,
		Streams:  streams,
		Accruals: accrual.AccrueAll(streams, now),
		Book:     bs,
	}
	e.snap.Store(snap)

	metrics.TickLatency.Observe(time.Since(start).Seconds())
	metrics.SnapshotVersion.Set(float64(snap.Version))
	metrics.BookSize.Set(float64(len(bs.Orders)))

	for _, fn := range e.listeners {
		fn(snap)
	}
	return snap
}

// UpsertStream replaces one stream in the working set and ticks so the
// change is visible immediately.
func (e *Engine) UpsertStream(s model.Stream) *Snapshot {
	e.mu.Lock()
	next := maps.Clone(e.streams)
	next[s.ID] = s
	e.streams = next
	if e.touched != nil {
		e.touched[s.ID] = struct{}{}
	}
	e.mu.Unlock()
	return e.Tick()
}

// RefreshStream re-fetches one stream from the ledger and upserts it.
func (e *Engine) RefreshStream(ctx context.Context, id string) (model.Stream, error) {
	s, err := e.ledger.GetStream(ctx, id)
	if err != nil {
		return model.Stream{}, err
	}
	e.UpsertStream(s)
	return s, nil
}

// ListLocal adds an order the caller just submitted to the ledger. It is
// kept through syncs until the ledger reports it, or for two sync
// intervals.
func (e *Engine) ListLocal(o model.Order) error {
	if err := e.book.List(o); err != nil {
		return err
	}
	e.mu.Lock()
	e.pending[o.ID] = e.clock.Now()
	e.mu.Unlock()
	return nil
}

// RemoveLocal drops an order from the book after a cancel or purchase.
func (e *Engine) RemoveLocal(id string) (model.Order, bool) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
	return e.book.Cancel(id)
}
