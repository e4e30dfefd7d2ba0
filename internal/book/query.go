package book

import (
	"slices"
	"strings"

	"github.com/atmx/stream-market/internal/model"
)

// SortKey selects the order book sort.
type SortKey string

const (
	SortValue  SortKey = "value"  // implied value, descending
	SortRisk   SortKey = "risk"   // risk score, ascending
	SortRecent SortKey = "recent" // listing time, descending
)

// Query filters and sorts a snapshot for display. The zero value returns
// live orders in listing order.
type Query struct {
	RiskLevel    model.RiskLevel
	Text         string
	Sort         SortKey
	IncludeStale bool
}

// Apply returns the matching orders. Orders whose stream has nothing left
// (or cannot be resolved) are stale and excluded unless IncludeStale is set.
// Sorting is stable: ties keep listing order.
func (q Query) Apply(s *Snapshot) []model.Order {
	text := strings.ToLower(strings.TrimSpace(q.Text))

	out := make([]model.Order, 0, len(s.Orders))
	for _, o := range s.Orders {
		if !q.IncludeStale {
			if rem, ok := s.Remaining[o.StreamID]; !ok || !rem.IsPositive() {
				continue
			}
		}
		if q.RiskLevel != "" && o.RiskLevel != q.RiskLevel {
			continue
		}
		if text != "" && !matchesText(o, text) {
			continue
		}
		out = append(out, o)
	}

	switch q.Sort {
	case SortValue:
		slices.SortStableFunc(out, func(a, b model.Order) int {
			return b.ImpliedValue.Cmp(a.ImpliedValue)
		})
	case SortRisk:
		slices.SortStableFunc(out, func(a, b model.Order) int {
			return a.RiskScore - b.RiskScore
		})
	case SortRecent:
		slices.SortStableFunc(out, func(a, b model.Order) int {
			return b.ListedAt.Compare(a.ListedAt)
		})
	}
	return out
}

func matchesText(o model.Order, text string) bool {
	return strings.Contains(strings.ToLower(o.ID), text) ||
		strings.Contains(strings.ToLower(o.Seller), text) ||
		strings.Contains(strings.ToLower(o.StreamID), text)
}
