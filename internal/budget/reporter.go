package budget

import (
	"fmt"
	"strings"
	"time"

	"github.com/rand/rlmloop/internal/rlm/routing"
)

// CostReport is a snapshot of a ledger.
type CostReport struct {
	RootModel string                  `json:"root_model"`
	Tiers     map[routing.Tier]Totals `json:"tiers"`
	Models    map[string]Totals       `json:"models"`
	Total     Totals                  `json:"total"`
	Elapsed   time.Duration           `json:"elapsed"`

	// AllRootCost is what the same token volumes would have cost on the
	// root model.
	AllRootCost    float64 `json:"all_root_cost"`
	Savings        float64 `json:"savings"`
	SavingsPercent float64 `json:"savings_percent"`
}

// TierShare returns the fraction of total cost charged to a tier.
func (r CostReport) TierShare(t routing.Tier) float64 {
	if r.Total.Cost <= 0 {
		return 0
	}
	return r.Tiers[t].Cost / r.Total.Cost
}

// Summary returns a brief one-line summary.
func (r CostReport) Summary() string {
	return fmt.Sprintf("Calls: %d | Tokens: %.1fk | Cost: $%.4f | Saved: $%.4f (%.0f%%)",
		r.Total.Calls,
		float64(r.Total.Tokens())/1000,
		r.Total.Cost,
		r.Savings, r.SavingsPercent,
	)
}

// Detailed returns a multi-line report.
func (r CostReport) Detailed() string {
	var sb strings.Builder

	sb.WriteString("=== Cost Report ===\n\n")

	sb.WriteString("By Tier:\n")
	for _, t := range routing.AllTiers() {
		tt := r.Tiers[t]
		sb.WriteString(fmt.Sprintf("  %-10s %4d calls  %8d in  %8d out  $%.4f %s\n",
			t, tt.Calls, tt.InputTokens, tt.OutputTokens, tt.Cost,
			progressBar(r.TierShare(t)*100, 10)))
	}
	sb.WriteString("\n")

	if len(r.Models) > 0 {
		sb.WriteString("By Model:\n")
		for id, m := range r.Models {
			sb.WriteString(fmt.Sprintf("  %-24s %4d calls  $%.4f\n", id, m.Calls, m.Cost))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Total:\n")
	sb.WriteString(fmt.Sprintf("  Cost: $%.4f (%d tokens, %d calls)\n", r.Total.Cost, r.Total.Tokens(), r.Total.Calls))
	sb.WriteString(fmt.Sprintf("  All-%s cost: $%.4f\n", r.RootModel, r.AllRootCost))
	sb.WriteString(fmt.Sprintf("  Savings: $%.4f (%.1f%%)\n", r.Savings, r.SavingsPercent))
	sb.WriteString(fmt.Sprintf("  Elapsed: %s\n", formatDuration(r.Elapsed)))

	return sb.String()
}

// progressBar creates a simple ASCII progress bar.
func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent / 100 * float64(width))
	empty := width - filled

	return strings.Repeat("▓", filled) + strings.Repeat("░", empty)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if minutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, minutes)
}
