package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/atmx/stream-market/internal/agent"
	"github.com/atmx/stream-market/internal/market"
)

// renderBook writes one row per order in the order the server returned them.
func renderBook(w io.Writer, view market.BookView) {
	fmt.Fprintf(w, "\n[%s] book v%d, %d orders\n",
		view.ComputedAt.Format("15:04:05"), view.Version, len(view.Orders))
	if len(view.Orders) == 0 {
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("#", "Order", "Stream", "Seller", "Share", "Price", "Value", "Disc", "Risk")
	for i, o := range view.Orders {
		table.Append(
			fmt.Sprintf("%d", i+1),
			short(o.ID),
			short(o.StreamID),
			short(o.Seller),
			o.Percentage.StringFixed(2)+"%",
			o.Price.StringFixed(2),
			o.ImpliedValue.StringFixed(2),
			o.DiscountPct().StringFixed(1)+"%",
			fmt.Sprintf("%s (%d)", o.RiskLevel, o.RiskScore),
		)
	}
	table.Render()
}

func renderAgent(w io.Writer, st agent.Status) {
	p := st.Policy
	fmt.Fprintf(w, "\nagent %s for %s | risk<=%d disc>=%s%% dur<=%.0fd\n",
		st.State, orDash(st.Address), p.MaxRiskScore, p.MinDiscountPct.StringFixed(1), p.MaxDurationDays)

	table := tablewriter.NewWriter(w)
	table.Header("Scans", "Matches", "Executions", "Failures", "Last scan")
	last := "-"
	if !st.Stats.LastScanAt.IsZero() {
		last = st.Stats.LastScanAt.Format("15:04:05")
	}
	table.Append(
		fmt.Sprintf("%d", st.Stats.Scans),
		fmt.Sprintf("%d", st.Stats.Matches),
		fmt.Sprintf("%d", st.Stats.Executions),
		fmt.Sprintf("%d", st.Stats.Failures),
		last,
	)
	table.Render()
}

// short trims long ids and addresses to head..tail.
func short(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:8] + ".." + s[len(s)-4:]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
