package agent

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Execution records one purchase made by the agent.
type Execution struct {
	OrderID    string          `json:"order_id"`
	StreamID   string          `json:"stream_id"`
	TradeID    string          `json:"trade_id,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
	Price      decimal.Decimal `json:"price"`
	RiskScore  int             `json:"risk_score"`
	Discount   decimal.Decimal `json:"discount"`
}

// ring keeps the most recent executions, oldest overwritten first.
type ring struct {
	mu    sync.Mutex
	buf   []Execution
	next  int
	count int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 50
	}
	return &ring{buf: make([]Execution, size)}
}

func (r *ring) add(e Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// newestFirst returns a copy of the buffered executions, newest first.
func (r *ring) newestFirst() []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Execution, 0, r.count)
	for i := 1; i <= r.count; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
