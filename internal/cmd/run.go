package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rand/rlmloop/internal/app"
	"github.com/rand/rlmloop/internal/rlm/orchestrator"
)

// newApp builds the application for a command. Tests replace it.
var newApp = app.New

var runCmd = &cobra.Command{
	Use:   "run [query...]",
	Short: "Answer a query with sandboxed, recursive LLM execution",
	Long: `Run answers the query by iterating model-written Python cells until they
call SUBMIT with the requested outputs. Context comes from --context-file
and from stdin when it is piped.`,
	Example: `
# Ask a question about a file
rlmloop run -f main.go "What does this program do?"

# Request typed outputs
rlmloop run -o verdict:enum:approve|reject -o reasons:list "Review this diff" < change.diff

# Force a mode and print the full result as JSON
rlmloop run --mode thorough --json "Find every caller of Open"
`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		outputs, _ := cmd.Flags().GetStringArray("output")
		maxIter, _ := cmd.Flags().GetInt("max-iterations")
		files, _ := cmd.Flags().GetStringArray("context-file")
		asJSON, _ := cmd.Flags().GetBool("json")
		trace, _ := cmd.Flags().GetBool("trace")

		query := strings.TrimSpace(strings.Join(args, " "))
		if query == "" {
			return errors.New("no query provided")
		}

		input, err := readContext(cmd, files)
		if err != nil {
			return err
		}

		cfg, logCloser, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer logCloser.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		opts := app.Options{}
		if trace {
			opts.Events = cmd.ErrOrStderr()
		}
		a, err := newApp(ctx, cfg, opts)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		out, err := a.Run(ctx, app.RunRequest{
			Query:         query,
			Context:       input,
			Files:         files,
			Outputs:       outputs,
			Mode:          mode,
			MaxIterations: maxIter,
		})
		if err != nil {
			return fmt.Errorf("run failed: %w", err)
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
		} else {
			printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), out, trace)
		}

		if out.Result.Status == orchestrator.StatusFailed {
			return fmt.Errorf("run did not finish: %s", out.Result.Reason)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringP("mode", "m", "", "Execution mode: micro, fast, balanced, thorough or auto")
	runCmd.Flags().StringArrayP("output", "o", nil, "Output field as name[:type[:enum|values]]; repeatable")
	runCmd.Flags().IntP("max-iterations", "n", 0, "Override the mode's iteration limit")
	runCmd.Flags().StringArrayP("context-file", "f", nil, "File to load into the context variable; repeatable")
	runCmd.Flags().BoolP("json", "j", false, "Print the full result as JSON")
	runCmd.Flags().BoolP("trace", "t", false, "Stream run events and print metrics to stderr")
}

// readContext concatenates the context files and piped stdin.
func readContext(cmd *cobra.Command, files []string) (string, error) {
	var parts []string
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("read context file: %w", err)
		}
		if len(files) > 1 {
			parts = append(parts, fmt.Sprintf("=== %s ===\n%s", f, data))
		} else {
			parts = append(parts, string(data))
		}
	}

	stdin, err := readStdin(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	if stdin != "" {
		parts = append(parts, stdin)
	}
	return strings.Join(parts, "\n\n"), nil
}

// readStdin returns piped input, or "" when in is a terminal.
func readStdin(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok {
		info, err := f.Stat()
		if err != nil || info.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// printResult writes the outputs to stdout and the run summary to stderr.
// withMetrics adds the process metrics after the summary.
func printResult(stdout, stderr io.Writer, out *app.RunOutcome, withMetrics bool) {
	res := out.Result
	if v, ok := res.Outputs["answer"]; ok && len(res.Outputs) == 1 {
		fmt.Fprintln(stdout, formatValue(v))
	} else {
		keys := make([]string, 0, len(res.Outputs))
		for k := range res.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(stdout, "%s: %s\n", k, formatValue(res.Outputs[k]))
		}
	}

	fmt.Fprintf(stderr, "\n%s (%s) in %s, mode %s, %d iterations, %d LLM calls, confidence %.2f\n",
		res.Status, res.Reason, res.Duration.Round(time.Millisecond), out.Mode, res.Iterations, res.LLMCalls, res.Confidence)
	if res.Partial != "" {
		fmt.Fprintf(stderr, "Partial: %s\n", truncateStr(res.Partial, 200))
	}
	if res.Notes != "" {
		fmt.Fprintf(stderr, "Notes: %s\n", truncateStr(res.Notes, 200))
	}
	if res.Report != nil {
		fmt.Fprintln(stderr, res.Report.Summary())
	}
	if withMetrics {
		fmt.Fprintln(stderr, "Metrics:")
		for _, line := range out.Metrics.Lines() {
			fmt.Fprintf(stderr, "  %s\n", line)
		}
	}
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
