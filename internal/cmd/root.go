// Package cmd is the rlmloop command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/rand/rlmloop/internal/config"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "rlmloop",
	Short: "Recursive, budget-aware LLM task execution",
	Long: `rlmloop answers a query by letting a model write Python cells that run in a
sandbox. Cells call back into the host for model calls, batches, relevance
search, map-reduce and recursive sub-queries. Every run ends with structured
outputs, either submitted by the code or extracted when a limit is reached.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("cwd", "c", "", "Working directory")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: .rlmloop.yaml or the data directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")

	rootCmd.AddCommand(
		runCmd,
		statusCmd,
		configCmd,
		memoryCmd,
	)
}

// Execute runs the command line.
func Execute(ctx context.Context) error {
	return fang.Execute(ctx, rootCmd, fang.WithVersion(Version))
}

// ResolveCwd returns the --cwd flag as an absolute path, defaulting to the
// process working directory.
func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd == "" {
		return os.Getwd()
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", fmt.Errorf("resolve cwd: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return "", fmt.Errorf("cwd %s is not a directory", abs)
	}
	return abs, nil
}

// loadConfig reads .env and the config file, then installs logging.
func loadConfig(cmd *cobra.Command) (*config.Config, io.Closer, error) {
	cwd, err := ResolveCwd(cmd)
	if err != nil {
		return nil, nil, err
	}
	if err := config.LoadDotEnv(filepath.Join(cwd, ".env")); err != nil {
		return nil, nil, err
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cwd, path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Log.Level = "debug"
	}

	closer, err := config.SetupLogging(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
