// Package agent implements the matching agent: a supervised polling loop
// that, while armed, scans the live book against a standing policy and
// buys every order that matches.
//
// Individual evaluation or purchase failures are logged and counted; they
// never stop the scan or disarm the agent. The next scan is the retry.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/clock"
	"github.com/atmx/stream-market/internal/engine"
	"github.com/atmx/stream-market/internal/metrics"
	"github.com/atmx/stream-market/internal/model"
)

// SnapshotSource supplies the current valued book and stream set.
// Satisfied by *engine.Engine.
type SnapshotSource interface {
	Snapshot() *engine.Snapshot
}

// FundsSource reports an address's spendable balance. Satisfied by any
// ledger.Reader.
type FundsSource interface {
	BalanceOf(ctx context.Context, addr string) (decimal.Decimal, error)
}

// Purchaser buys an order on behalf of buyer.
type Purchaser interface {
	Purchase(ctx context.Context, buyer, orderID, source string) (*model.Trade, error)
}

// Config holds agent configuration.
type Config struct {
	Address      string        // account the agent buys for
	ScanInterval time.Duration // default 3s
	HistorySize  int           // default 50
	TradeTimeout time.Duration // per purchase, default 30s
}

// DefaultConfig returns the reference intervals.
func DefaultConfig() Config {
	return Config{
		ScanInterval: 3 * time.Second,
		HistorySize:  50,
		TradeTimeout: 30 * time.Second,
	}
}

// State is the agent's arming state.
type State string

const (
	Idle  State = "idle"
	Armed State = "armed"
)

// Stats are cumulative over the agent's lifetime; start/stop does not
// reset them.
type Stats struct {
	Scans      uint64    `json:"total_scans"`
	Matches    uint64    `json:"total_matches"`
	Executions uint64    `json:"total_executions"`
	Failures   uint64    `json:"total_failures"`
	LastScanAt time.Time `json:"last_scan_at"`
}

// Status is a point-in-time view of the agent.
type Status struct {
	State   State  `json:"state"`
	Address string `json:"address"`
	Policy  Policy `json:"policy"`
	Stats   Stats  `json:"stats"`
}

// EventType distinguishes agent events.
type EventType string

const (
	EventExecution EventType = "agent_execution"
	EventScan      EventType = "agent_scan"
)

// Event is published to subscribers after every execution and scan.
type Event struct {
	Type      EventType  `json:"type"`
	Execution *Execution `json:"execution,omitempty"`
	Stats     Stats      `json:"stats"`
}

// Agent is the matching agent. Safe for concurrent use.
type Agent struct {
	cfg    Config
	source SnapshotSource
	funds  FundsSource
	buyer  Purchaser
	clock  clock.Clock
	logger *slog.Logger

	runMu  sync.Mutex // serializes Start/Stop
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	state  State
	policy Policy
	stats  Stats

	history *ring

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New creates an idle agent.
func New(cfg Config, policy Policy, source SnapshotSource, funds FundsSource, buyer Purchaser, clk clock.Clock, logger *slog.Logger) (*Agent, error) {
	def := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.TradeTimeout <= 0 {
		cfg.TradeTimeout = def.TradeTimeout
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:     cfg,
		source:  source,
		funds:   funds,
		buyer:   buyer,
		clock:   clk,
		logger:  logger.With("component", "agent"),
		state:   Idle,
		policy:  policy,
		history: newRing(cfg.HistorySize),
		subs:    make(map[int]chan Event),
	}, nil
}

// Start arms the agent: a scan runs immediately and then every
// ScanInterval. Starting an armed agent is a no-op. The agent needs an
// address to buy for.
func (a *Agent) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Armed {
		return nil
	}
	if a.cfg.Address == "" {
		return fmt.Errorf("%w: agent has no address", model.ErrValidation)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.state = Armed

	a.wg.Add(1)
	go a.run(loopCtx)

	a.logger.Info("matching agent armed",
		"address", a.cfg.Address,
		"interval", a.cfg.ScanInterval,
		"max_risk", a.policy.MaxRiskScore,
		"min_discount", a.policy.MinDiscountPct,
		"max_days", a.policy.MaxDurationDays,
	)
	return nil
}

// Stop disarms the agent and waits for the loop to exit. A purchase
// already dispatched completes; no scan starts after Stop returns nil.
// ctx bounds the wait.
func (a *Agent) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.mu.Lock()
	if a.state != Armed {
		a.mu.Unlock()
		return nil
	}
	a.cancel()
	a.state = Idle
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("matching agent stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdatePolicy replaces the policy; takes effect on the next scan.
func (a *Agent) UpdatePolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.policy = p
	a.mu.Unlock()
	a.logger.Info("agent policy updated",
		"max_risk", p.MaxRiskScore, "min_discount", p.MinDiscountPct, "max_days", p.MaxDurationDays)
	return nil
}

// SetAddress changes the account the agent buys for. Only allowed while
// idle.
func (a *Agent) SetAddress(addr string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Armed {
		return fmt.Errorf("%w: stop the agent before changing its address", model.ErrInvalidState)
	}
	a.cfg.Address = addr
	return nil
}

// Status returns the current state, policy and counters.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{State: a.state, Address: a.cfg.Address, Policy: a.policy, Stats: a.stats}
}

// History returns recent executions, newest first.
func (a *Agent) History() []Execution {
	return a.history.newestFirst()
}

// Subscribe returns a channel of events and a function to unsubscribe.
// Slow subscribers miss events rather than block the agent.
func (a *Agent) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	a.subMu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	a.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			a.subMu.Unlock()
			close(ch)
		})
	}
}

func (a *Agent) publish(ev Event) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// run is the main scan loop.
func (a *Agent) run(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.ScanInterval)
	defer ticker.Stop()

	// Scan immediately on start.
	a.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Scan(ctx)
		}
	}
}

// Scan evaluates every order in the current snapshot once and buys each
// match. Purchases run on a context detached from ctx's cancellation, so
// stopping mid-scan lets the in-flight purchase finish but dispatches no
// further ones.
func (a *Agent) Scan(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	a.mu.Lock()
	policy := a.policy
	buyer := a.cfg.Address
	a.mu.Unlock()

	snap := a.source.Snapshot()
	funds, err := a.funds.BalanceOf(ctx, buyer)
	if err != nil {
		// Unknown funds: evaluate nothing this round.
		a.logger.Warn("agent balance unavailable, skipping scan", "err", err)
		a.finishScan(0)
		return
	}

	matches := 0
	for _, o := range snap.Book.Orders {
		if ctx.Err() != nil {
			break
		}
		s, ok := snap.Stream(o.StreamID)
		if !ok {
			a.logger.Debug("order skipped", "order_id", o.ID, "reason", StreamAbsent)
			continue
		}
		// Nothing left to flow: the claim is worthless and not really listed.
		if rem, ok := snap.Book.Remaining[o.StreamID]; !ok || !rem.IsPositive() || !o.ImpliedValue.IsPositive() {
			a.logger.Debug("order skipped", "order_id", o.ID, "reason", Stale)
			continue
		}
		if reason := policy.Evaluate(o, s, funds, buyer); reason != Matched {
			a.logger.Debug("order skipped", "order_id", o.ID, "reason", reason)
			continue
		}
		matches++
		metrics.AgentMatches.Inc()

		if trade, ok := a.execute(ctx, buyer, o); ok {
			price := o.ImpliedValue
			if trade != nil && trade.Price.IsPositive() {
				price = trade.Price
			}
			funds = funds.Sub(price)
		}
	}
	a.finishScan(matches)
}

func (a *Agent) execute(ctx context.Context, buyer string, o model.Order) (*model.Trade, bool) {
	tradeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.TradeTimeout)
	defer cancel()

	trade, err := a.buyer.Purchase(tradeCtx, buyer, o.ID, "agent")
	if err != nil {
		a.mu.Lock()
		a.stats.Failures++
		a.mu.Unlock()
		metrics.AgentFailures.Inc()
		if errors.Is(err, model.ErrInvalidState) || errors.Is(err, model.ErrNotFound) {
			a.logger.Info("agent purchase missed", "order_id", o.ID, "err", err)
		} else {
			a.logger.Warn("agent purchase failed", "order_id", o.ID, "err", err)
		}
		return nil, false
	}

	exec := Execution{
		OrderID:    o.ID,
		StreamID:   o.StreamID,
		ExecutedAt: a.clock.Now(),
		Price:      o.ImpliedValue,
		RiskScore:  o.RiskScore,
		Discount:   o.DiscountPct(),
	}
	if trade != nil {
		exec.TradeID = trade.ID
		exec.ExecutedAt = trade.ExecutedAt
		if trade.Price.IsPositive() {
			exec.Price = trade.Price
		}
	}
	a.history.add(exec)

	a.mu.Lock()
	a.stats.Executions++
	stats := a.stats
	a.mu.Unlock()
	metrics.AgentExecutions.Inc()

	a.logger.Info("agent executed purchase",
		"order_id", o.ID, "stream_id", o.StreamID,
		"price", exec.Price, "risk_score", o.RiskScore, "discount", exec.Discount)
	a.publish(Event{Type: EventExecution, Execution: &exec, Stats: stats})
	return trade, true
}

func (a *Agent) finishScan(matches int) {
	a.mu.Lock()
	a.stats.Scans++
	a.stats.Matches += uint64(matches)
	a.stats.LastScanAt = a.clock.Now()
	stats := a.stats
	a.mu.Unlock()

	metrics.AgentScans.Inc()
	a.publish(Event{Type: EventScan, Stats: stats})
}
