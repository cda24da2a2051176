package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rand/rlmloop/internal/config"
)

func init() {
	configShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	configCmd.AddCommand(
		configShowCmd,
		configPathCmd,
		configValidateCmd,
		configSchemaCmd,
	)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for inspecting rlmloop configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the configuration after merging the file, .env and environment",
	Example: `
# Show config as YAML
rlmloop config show

# Show config as JSON
rlmloop config show --json
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, logCloser, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer logCloser.Close()

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		}
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		if cfg.File != "" {
			fmt.Fprintf(out, "# from %s\n", cfg.File)
		}
		_, err = out.Write(data)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file locations",
	Long:  "List the config file search path, marking the file in use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := ResolveCwd(cmd)
		if err != nil {
			return err
		}
		active, _ := cmd.Flags().GetString("config")
		if active == "" {
			active = config.FindFile(cwd)
		}

		out := cmd.OutOrStdout()
		for _, p := range config.SearchPaths(cwd) {
			mark := " "
			if p == active {
				mark = "*"
			}
			fmt.Fprintf(out, "%s %s\n", mark, p)
		}
		if active != "" && !contains(config.SearchPaths(cwd), active) {
			fmt.Fprintf(out, "* %s\n", active)
		}
		fmt.Fprintf(out, "\nData directory: %s\n", config.DataDir())
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Check the configuration for errors and warnings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, logCloser, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(out, "✗ Configuration error: %v\n", err)
			return err
		}
		defer logCloser.Close()

		var warnings []string
		p := cfg.Providers
		if p.AnthropicAPIKey == "" && p.OpenAIAPIKey == "" && p.OpenRouterAPIKey == "" {
			warnings = append(warnings, "No provider API key set (ANTHROPIC_API_KEY, OPENAI_API_KEY or OPENROUTER_API_KEY)")
		}
		if cfg.Store.Disabled {
			warnings = append(warnings, "Store disabled: memories and cost reports are not kept")
		}
		if !cfg.Pool.Block && cfg.Pool.Size < cfg.Loop.MaxDepth+1 {
			warnings = append(warnings, fmt.Sprintf("Pool size %d cannot hold a full recursion chain of depth %d; deep sub-queries will fail", cfg.Pool.Size, cfg.Loop.MaxDepth))
		}

		if len(warnings) > 0 {
			fmt.Fprintln(out, "Warnings:")
			for _, w := range warnings {
				fmt.Fprintf(out, "  ⚠ %s\n", w)
			}
			fmt.Fprintln(out, "\n✓ Configuration is valid with warnings")
			return nil
		}
		fmt.Fprintln(out, "✓ Configuration is valid")
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the config file JSON schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.SchemaJSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
