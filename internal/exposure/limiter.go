// Package exposure implements purchase limits that account for correlation
// between streams paid by the same sender.
//
// A buyer who picks up claims on ten streams from one payer carries a
// single counterparty risk. This package caps both the value bought on any
// one stream and the aggregate value bought across all streams sharing a
// sender.
package exposure

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/model"
)

var (
	// ErrPerStreamLimitExceeded is returned when a purchase would push the
	// buyer's exposure to a single stream beyond the per-stream maximum.
	ErrPerStreamLimitExceeded = errors.New("exposure: per-stream limit exceeded")

	// ErrPerSenderLimitExceeded is returned when a purchase would push the
	// buyer's aggregate exposure across one sender's streams beyond the
	// per-sender maximum.
	ErrPerSenderLimitExceeded = errors.New("exposure: per-sender limit exceeded")
)

// Limiter enforces purchase limits. A zero limit disables that check.
type Limiter struct {
	// MaxPerStream is the maximum cumulative value bought on one stream.
	MaxPerStream decimal.Decimal

	// MaxPerSender is the maximum cumulative value bought across all
	// streams of one sender.
	MaxPerSender decimal.Decimal
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxPerStream, maxPerSender decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerStream: maxPerStream,
		MaxPerSender: maxPerSender,
	}
}

// Enabled reports whether any cap is active.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPerStream.IsPositive() || l.MaxPerSender.IsPositive())
}

// Check validates whether buying value more on stream (paid by sender)
// respects the limits given the buyer's existing exposure.
//
// Violations wrap model.ErrValidation together with the specific limit
// sentinel, so callers can match either.
func (l *Limiter) Check(streamID, sender string, value decimal.Decimal, existing model.Exposure) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-stream limit.
	if l.MaxPerStream.IsPositive() {
		next := existing.ByStream[streamID].Add(value)
		if next.GreaterThan(l.MaxPerStream) {
			return fmt.Errorf("%w: %w: stream %s would reach %s of %s",
				model.ErrValidation, ErrPerStreamLimitExceeded, streamID, next, l.MaxPerStream)
		}
	}

	// 2. Correlated exposure across the sender's streams.
	if l.MaxPerSender.IsPositive() {
		next := existing.BySender[sender].Add(value)
		if next.GreaterThan(l.MaxPerSender) {
			return fmt.Errorf("%w: %w: sender %s would reach %s of %s",
				model.ErrValidation, ErrPerSenderLimitExceeded, sender, next, l.MaxPerSender)
		}
	}

	return nil
}

// Label names the limit an error came from, for metrics.
func Label(err error) string {
	switch {
	case errors.Is(err, ErrPerStreamLimitExceeded):
		return "per_stream"
	case errors.Is(err, ErrPerSenderLimitExceeded):
		return "per_sender"
	default:
		return ""
	}
}
