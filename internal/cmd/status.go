package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rand/rlmloop/internal/app"
	"github.com/rand/rlmloop/internal/budget"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show spending and recent runs",
	Long:  "Display total spending and the cost reports of recent runs",
	Example: `
# Show the last 10 runs
rlmloop status

# Show the last 50 runs as JSON
rlmloop status -n 50 --json
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		stores, cleanup, err := openStores(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		summary, err := stores.Costs.Summary(ctx)
		if err != nil {
			return err
		}
		runs, err := stores.Costs.ListRuns(ctx, limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Summary budget.SpendingSummary `json:"summary"`
				Runs    []*budget.RunRecord    `json:"runs"`
			}{summary, runs})
		}

		fmt.Fprintf(out, "Runs:        %d\n", summary.Runs)
		fmt.Fprintf(out, "Tokens:      %d\n", summary.TotalTokens)
		fmt.Fprintf(out, "Total cost:  $%.4f\n", summary.TotalCost)
		fmt.Fprintf(out, "Saved:       $%.4f\n", summary.TotalSaved)
		if len(runs) == 0 {
			return nil
		}

		fmt.Fprintln(out)
		for _, r := range runs {
			fmt.Fprintf(out, "%s  %-9s %-8s $%.4f  %s\n",
				r.StartedAt.Format("2006-01-02 15:04"), r.Status, r.Mode, r.Report.Total.Cost, truncateStr(r.Query, 60))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntP("limit", "n", 10, "Number of recent runs")
	statusCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

// openStores opens the configured database without building model clients.
func openStores(cmd *cobra.Command) (*app.Stores, func(), error) {
	cfg, logCloser, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Disabled {
		logCloser.Close()
		return nil, nil, errors.New("store is disabled")
	}
	stores, err := app.OpenStores(cmd.Context(), cfg.Store)
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	return stores, func() {
		stores.Close()
		logCloser.Close()
	}, nil
}
