package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rand/rlmloop/internal/memory"
)

func init() {
	memoryQueryCmd.Flags().IntP("limit", "n", 10, "Maximum results")
	memoryQueryCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	memoryStoreCmd.Flags().StringP("kind", "k", "fact", "Memory kind: fact, experience, decision or snippet")
	memoryStoreCmd.Flags().Float64("confidence", 1.0, "Confidence in [0, 1]")

	memoryCmd.AddCommand(
		memoryQueryCmd,
		memoryStoreCmd,
		memoryStatsCmd,
	)
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Memory management",
	Long:  "Commands for managing the memories seeded into new runs",
}

var memoryQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search memories",
	Example: `
# Find memories about the database layer
rlmloop memory query "database migrations"
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		stores, cleanup, err := openStores(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		mems, err := stores.Memory.Query(cmd.Context(), strings.Join(args, " "), limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(mems)
		}
		if len(mems) == 0 {
			fmt.Fprintln(out, "No memories found")
			return nil
		}
		for _, m := range mems {
			fmt.Fprintf(out, "[%s] %.2f  %s\n", m.Kind, m.Confidence, truncateStr(m.Content, 100))
		}
		return nil
	},
}

var memoryStoreCmd = &cobra.Command{
	Use:   "store <content>",
	Short: "Store a memory",
	Example: `
# Record a project fact
rlmloop memory store "The API server listens on :8080"

# Record a decision with lower confidence
rlmloop memory store -k decision --confidence 0.7 "Use sqlite for local state"
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kindName, _ := cmd.Flags().GetString("kind")
		confidence, _ := cmd.Flags().GetFloat64("confidence")

		kind, err := memory.ParseKind(kindName)
		if err != nil {
			return err
		}

		stores, cleanup, err := openStores(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		m, err := stores.Memory.Store(cmd.Context(), strings.Join(args, " "), kind, confidence)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s %s\n", m.Kind, m.ID)
		return nil
	},
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, cleanup, err := openStores(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := stores.Memory.Count(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Memories: %d\n", n)
		return nil
	},
}
