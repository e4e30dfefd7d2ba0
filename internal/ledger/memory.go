package ledger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/accrual"
	"github.com/atmx/stream-market/internal/book"
	"github.com/atmx/stream-market/internal/clock"
	"github.com/atmx/stream-market/internal/model"
)

// Memory implements Ledger with in-memory maps. Used for development and
// testing. Not suitable for production (no persistence, no chain).
//
// Buying an order (or transferring a stream) first settles the current
// receiver's claimable amount to them, then hands the receiver role to the
// new owner; every other open order on that stream is closed because its
// seller no longer owns the flow.
type Memory struct {
	mu       sync.Mutex
	clock    clock.Clock
	streams  map[string]*model.Stream
	orders   map[string]*model.Order
	listing  []string // order ids in creation order
	balances map[string]decimal.Decimal
	txs      map[string][]model.Transaction
}

// NewMemory creates an empty ledger driven by clk.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.System{}
	}
	return &Memory{
		clock:    clk,
		streams:  make(map[string]*model.Stream),
		orders:   make(map[string]*model.Order),
		balances: make(map[string]decimal.Decimal),
		txs:      make(map[string][]model.Transaction),
	}
}

func key(addr string) string { return strings.ToLower(strings.TrimSpace(addr)) }

// Mint credits addr out of thin air (faucet for development and tests).
func (m *Memory) Mint(addr string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[key(addr)] = m.balances[key(addr)].Add(amount)
}

// PutStream inserts or replaces a stream verbatim (seeding for tests).
func (m *Memory) PutStream(s model.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.streams[s.ID] = &cp
}

// PutOrder inserts or replaces an order verbatim (seeding for tests).
func (m *Memory) PutOrder(o model.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		m.listing = append(m.listing, o.ID)
	}
	cp := o
	m.orders[o.ID] = &cp
}

// RecordFailure appends a failed transaction for addr (seeding reputation).
func (m *Memory) RecordFailure(addr, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(addr, kind, decimal.Zero, fmt.Errorf("%s failed", kind))
}

// --- Reads ---

func (m *Memory) GetStream(_ context.Context, id string) (model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return model.Stream{}, fmt.Errorf("%w: stream %s", model.ErrNotFound, id)
	}
	return *s, nil
}

func (m *Memory) ListStreamsOwnedBy(_ context.Context, owner string) ([]model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Stream
	for _, s := range m.streams {
		if key(s.Receiver) == key(owner) || key(s.Sender) == key(owner) {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b model.Stream) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	return *o, nil
}

func (m *Memory) ListAllOrders(_ context.Context) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Order, 0, len(m.listing))
	for _, id := range m.listing {
		if o := m.orders[id]; o.IsActive {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *Memory) BalanceOf(_ context.Context, addr string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[key(addr)], nil
}

func (m *Memory) TransactionsOf(_ context.Context, addr string) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.txs[key(addr)]), nil
}

// --- Stream mutations ---

func (m *Memory) CreateStream(_ context.Context, req CreateStreamRequest) (model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const kind = "create_stream"
	if req.DurationSeconds <= 0 || !req.Amount.IsPositive() || req.Receiver == "" {
		return model.Receipt{}, m.failLocked(req.Sender, kind, req.Amount,
			fmt.Errorf("%w: duration, amount and receiver are required", model.ErrValidation))
	}
	if err := m.debitLocked(req.Sender, req.Amount); err != nil {
		return model.Receipt{}, m.failLocked(req.Sender, kind, req.Amount, err)
	}

	s := &model.Stream{
		ID:           uuid.New().String(),
		Sender:       req.Sender,
		Receiver:     req.Receiver,
		TotalDeposit: req.Amount,
		StartTime:    m.clock.Now().Unix(),
		Duration:     req.DurationSeconds,
		IsActive:     true,
	}
	m.streams[s.ID] = s
	return model.Receipt{ID: s.ID, TxRef: m.recordLocked(req.Sender, kind, req.Amount, nil)}, nil
}

func (m *Memory) Withdraw(_ context.Context, caller, streamID string, amount decimal.Decimal) (model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const kind = "withdraw"
	s, err := m.claimLocked(caller, streamID, amount)
	if err != nil {
		return model.Receipt{}, m.failLocked(caller, kind, amount, err)
	}
	s.ClaimedAmount = s.ClaimedAmount.Add(amount)
	m.balances[key(caller)] = m.balances[key(caller)].Add(amount)
	m.closeIfDrainedLocked(s)
	return model.Receipt{ID: streamID, TxRef: m.recordLocked(caller, kind, amount, nil)}, nil
}

func (m *Memory) SellShare(_ context.Context, caller, streamID string, amount decimal.Decimal) (model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const kind = "sell_share"
	s, err := m.claimLocked(caller, streamID, amount)
	if err != nil {
		return model.Receipt{}, m.failLocked(caller, kind, amount, err)
	}
	s.SoldAmount = s.SoldAmount.Add(amount)
	m.balances[key(caller)] = m.balances[key(caller)].Add(amount)
	m.closeIfDrainedLocked(s)
	return model.Receipt{ID: streamID, TxRef: m.recordLocked(caller, kind, amount, nil)}, nil
}

func (m *Memory) TransferStream(_ context.Context, caller, streamID, newReceiver string) (model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const kind = "transfer_stream"
	s, ok := m.streams[streamID]
	if !ok {
		return model.Receipt{}, m.failLocked(caller, kind, decimal.Zero,
			fmt.Errorf("%w: stream %s", model.ErrNotFound, streamID))
	}
	if key(s.Receiver) != key(caller) {
		return model.Receipt{}, m.failLocked(caller, kind, decimal.Zero,
			fmt.Errorf("%w: only the receiver can transfer stream %s", model.ErrUnauthorized, streamID))
	}
	if newReceiver == "" {
		return model.Receipt{}, m.failLocked(caller, kind, decimal.Zero,
			fmt.Errorf("%w: new receiver is required", model.ErrValidation))
	}
	m.handOverLocked(s, newReceiver)
	return model.Receipt{ID: streamID, TxRef: m.recordLocked(caller, kind, decimal.Zero, nil)}, nil
}

// --- Order mutations ---

func (m *Memory) CreateOrder(_ context.Context, req CreateOrderRequest) (model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const kind = "create_order"
	s, ok := m.streams[req.StreamID]
	if !ok {
		return model.Receipt{}, m.failLocked(req.Seller, kind, req.Price,
			fmt.Errorf("%w: stream %s", model.ErrNotFound, req.StreamID))
	}
	if key(s.Receiver) != key(req.Seller) {
		return model.Receipt{}, m.failLocked(req.Seller, kind, req.Price,
			fmt.Errorf("%w: only the receiver can list stream %s", model.ErrUnauthorized, req.StreamID))
	}
	if !s.IsActive {
		return model.Receipt{}, m.failLocked(req.Seller, kind, req.Price,
			fmt.Errorf("%w: stream %s is inactive", model.ErrInvalidState, req.StreamID))
	}

	o := model.Order{
		ID:         uuid.New().String(),
		StreamID:   req.StreamID,
		Seller:     req.Seller,
		Percentage: req.Percentage,
		PriceRatio: req.PriceRatio,
		Price:      req.Price,
		ListedAt:   m.clock.Now(),
		IsActive:   true,
	}
	if err := book.Validate(o); err != nil {
		return model.Receipt{}, m.failLocked(req.Seller, kind, req.Price, err)
	}
	m.orders[o.ID] = &o
	m.listing = append(m.listing, o.ID)
	return model.Receipt{ID: o.ID, TxRef: m.recordLocked(req.Seller, kind, req.Price, nil)}, nil
}

func (m *Memory) CancelOrder(_ context.Context, caller, orderID string) (model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const kind = "cancel_order"
	o, ok := m.orders[orderID]
	if !ok {
		return model.Receipt{}, m.failLocked(caller, kind, decimal.Zero,
			fmt.Errorf("%w: order %s", model.ErrNotFound, orderID))
	}
	if key(o.Seller) != key(caller) {
		return model.Receipt{}, m.failLocked(caller, kind, decimal.Zero,
			fmt.Errorf("%w: only the seller can cancel order %s", model.ErrUnauthorized, orderID))
	}
	if !o.IsActive {
		return model.Receipt{}, m.failLocked(caller, kind, decimal.Zero,
			fmt.Errorf("%w: order %s is no longer active", model.ErrInvalidState, orderID))
	}
	o.IsActive = false
	return model.Receipt{ID: orderID, TxRef: m.recordLocked(caller, kind, decimal.Zero, nil)}, nil
}

// BuyOrder pays the order's implied value (as of the ledger clock) from
// buyer to seller and hands the stream to the buyer. Purchases of the same
// order serialize on the ledger lock: exactly one wins, later ones get
// ErrInvalidState.
func (m *Memory) BuyOrder(_ context.Context, buyer, orderID string) (model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const kind = "buy_order"
	o, ok := m.orders[orderID]
	if !ok {
		return model.Receipt{}, m.failLocked(buyer, kind, decimal.Zero,
			fmt.Errorf("%w: order %s", model.ErrNotFound, orderID))
	}
	if !o.IsActive {
		return model.Receipt{}, m.failLocked(buyer, kind, decimal.Zero,
			fmt.Errorf("%w: order %s is no longer active", model.ErrInvalidState, orderID))
	}
	s, ok := m.streams[o.StreamID]
	if !ok {
		return model.Receipt{}, m.failLocked(buyer, kind, decimal.Zero,
			fmt.Errorf("%w: stream %s", model.ErrNotFound, o.StreamID))
	}

	price := book.ImpliedValue(*o, accrual.Remaining(*s, m.clock.Now()))
	if !price.IsPositive() {
		return model.Receipt{}, m.failLocked(buyer, kind, price,
			fmt.Errorf("%w: order %s has no remaining value", model.ErrInvalidState, orderID))
	}
	if err := m.debitLocked(buyer, price); err != nil {
		return model.Receipt{}, m.failLocked(buyer, kind, price, err)
	}
	m.balances[key(o.Seller)] = m.balances[key(o.Seller)].Add(price)

	o.IsActive = false
	m.handOverLocked(s, buyer)
	return model.Receipt{ID: orderID, TxRef: m.recordLocked(buyer, kind, price, nil)}, nil
}

func (m *Memory) Transfer(_ context.Context, from, to string, amount decimal.Decimal) (model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const kind = "transfer"
	if !amount.IsPositive() || to == "" {
		return model.Receipt{}, m.failLocked(from, kind, amount,
			fmt.Errorf("%w: positive amount and recipient required", model.ErrValidation))
	}
	if err := m.debitLocked(from, amount); err != nil {
		return model.Receipt{}, m.failLocked(from, kind, amount, err)
	}
	m.balances[key(to)] = m.balances[key(to)].Add(amount)
	return model.Receipt{TxRef: m.recordLocked(from, kind, amount, nil)}, nil
}

// --- helpers (caller holds m.mu) ---

func (m *Memory) claimLocked(caller, streamID string, amount decimal.Decimal) (*model.Stream, error) {
	s, ok := m.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: stream %s", model.ErrNotFound, streamID)
	}
	if key(s.Receiver) != key(caller) {
		return nil, fmt.Errorf("%w: only the receiver can draw from stream %s", model.ErrUnauthorized, streamID)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrValidation)
	}
	claimable := accrual.Claimable(*s, m.clock.Now())
	if amount.GreaterThan(claimable) {
		return nil, fmt.Errorf("%w: amount %s exceeds claimable %s", model.ErrInsufficientFunds, amount, claimable)
	}
	return s, nil
}

func (m *Memory) handOverLocked(s *model.Stream, newReceiver string) {
	if c := accrual.Claimable(*s, m.clock.Now()); c.IsPositive() {
		s.ClaimedAmount = s.ClaimedAmount.Add(c)
		m.balances[key(s.Receiver)] = m.balances[key(s.Receiver)].Add(c)
	}
	for _, o := range m.orders {
		if o.StreamID == s.ID && o.IsActive {
			o.IsActive = false
		}
	}
	s.Receiver = newReceiver
	m.closeIfDrainedLocked(s)
}

func (m *Memory) closeIfDrainedLocked(s *model.Stream) {
	if s.ClaimedAmount.Add(s.SoldAmount).GreaterThanOrEqual(s.TotalDeposit) {
		s.IsActive = false
	}
}

func (m *Memory) debitLocked(addr string, amount decimal.Decimal) error {
	bal := m.balances[key(addr)]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: balance %s below %s", model.ErrInsufficientFunds, bal, amount)
	}
	m.balances[key(addr)] = bal.Sub(amount)
	return nil
}

func (m *Memory) recordLocked(from, kind string, amount decimal.Decimal, err error) string {
	tx := model.Transaction{
		TxRef:  "0x" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		From:   from,
		Kind:   kind,
		Amount: amount,
		Status: model.TxSuccess,
		At:     m.clock.Now(),
	}
	if err != nil {
		tx.Status = model.TxFailed
		tx.Error = err.Error()
	}
	m.txs[key(from)] = append(m.txs[key(from)], tx)
	return tx.TxRef
}

func (m *Memory) failLocked(from, kind string, amount decimal.Decimal, err error) error {
	m.recordLocked(from, kind, amount, err)
	return err
}
