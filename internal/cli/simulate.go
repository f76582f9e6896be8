package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/trustsync/internal/cuttlefish"
	"github.com/roach88/trustsync/internal/harness"
	"github.com/roach88/trustsync/internal/octagon"
)

// Golden comparison outcomes.
const (
	GoldenMatch   = "match"
	GoldenUpdated = "updated"
	GoldenMissing = "missing"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario file filter (glob on the base name)
	Steps  bool   // include flow steps in text output
	Retry  bool   // route backend calls through the retrying backend
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string               `json:"name"`
	File   string               `json:"file"`
	Pass   bool                 `json:"pass"`
	Golden string               `json:"golden,omitempty"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace,omitempty"`
	States map[string]string    `json:"states,omitempty"`
}

// SimulateResult holds the overall simulation result.
type SimulateResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml|scenarios-dir>",
		Short: "Run trust scenarios against a simulated clique",
		Long: `Run scenario files against the in-memory backend and print each
device's state transitions.

Every scenario runs with fresh devices and a fresh clique. When a golden
file exists at <dir>/../golden/<name>.golden the trace must match it.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing path, bad filter, etc.)

Examples:
  trustsync simulate ./scenarios/escrow_recovery.yaml
  trustsync simulate ./scenarios --filter "escrow*"
  trustsync simulate ./scenarios --update
  trustsync simulate ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenario files by glob pattern")
	cmd.Flags().BoolVar(&opts.Steps, "steps", false, "print flow steps as well as transitions")
	cmd.Flags().BoolVar(&opts.Retry, "retry", false, "retry transient backend failures per fetch_retries")

	return cmd
}

func runSimulate(opts *SimulateOptions, path string, cmd *cobra.Command) error {
	info, err := os.Stat(path)
	if err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenario path not found: %s", path))
	}

	files := []string{path}
	if info.IsDir() {
		files, err = findScenarioFiles(path, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
	}

	result := SimulateResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		sr := simulateFile(opts, file)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if opts.Format == "json" {
		return outputSimulateJSON(opts, cmd, result)
	}
	return outputSimulateText(opts, cmd, result)
}

// findScenarioFiles returns the YAML files under dir, in lexical order.
func findScenarioFiles(dir, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			if matched, _ := filepath.Match(filter, name); !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// simulateFile loads, runs and golden-checks one scenario file.
func simulateFile(opts *SimulateOptions, file string) ScenarioResult {
	sr := ScenarioResult{Name: filepath.Base(file), File: file}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return sr
	}
	sr.Name = scenario.Name

	result, err := harness.Run(scenario, runOptions(opts)...)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return sr
	}
	sr.Pass = result.Pass
	sr.Errors = result.Errors
	sr.Trace = result.Trace
	sr.States = result.States

	golden, err := checkGolden(opts.Update, file, scenario.Name, result)
	if err != nil {
		sr.Pass = false
		sr.Errors = append(sr.Errors, err.Error())
	}
	sr.Golden = golden
	return sr
}

// runOptions maps the loaded config onto each simulated context.
func runOptions(opts *SimulateOptions) []harness.Option {
	cfg := opts.Config
	out := []harness.Option{
		harness.WithLogger(opts.logger()),
		harness.WithContainer(cfg.Container),
		harness.WithContextOptions(
			octagon.WithEscrowTTL(cfg.EscrowCacheTTL.Std()),
			octagon.WithTimeoutWaitForCKAccount(cfg.TimeoutWaitForCKAccount.Std()),
			octagon.WithOperationTimeout(cfg.OperationTimeout.Std()),
		),
	}
	if opts.Retry {
		out = append(out, harness.WithBackendRetries(
			cuttlefish.WithRetries(cfg.FetchRetries),
			cuttlefish.WithRetryInterval(cfg.FetchRetryInterval.Std()),
		))
	}
	return out
}

// goldenFilePath returns the golden file for a scenario: a golden/
// directory beside the one holding the scenario, as in
// testdata/{scenarios,golden}.
func goldenFilePath(scenarioFile, name string) string {
	scenarioDir := filepath.Dir(scenarioFile)
	return filepath.Join(filepath.Dir(scenarioDir), "golden", name+".golden")
}

// checkGolden writes or compares the scenario's golden trace.
func checkGolden(update bool, scenarioFile, name string, result *harness.Result) (string, error) {
	data, err := harness.MarshalSnapshot(name, result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal trace: %w", err)
	}
	path := goldenFilePath(scenarioFile, name)

	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", fmt.Errorf("failed to create golden directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return "", fmt.Errorf("failed to write golden file: %w", err)
		}
		return GoldenUpdated, nil
	}

	want, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return GoldenMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read golden file: %w", err)
	}
	if !bytes.Equal(want, data) {
		return "", errors.New("trace does not match golden file (run with --update to regenerate)")
	}
	return GoldenMatch, nil
}

func outputSimulateJSON(opts *SimulateOptions, cmd *cobra.Command, result SimulateResult) error {
	f := opts.formatter(cmd)
	if result.Failed == 0 {
		return f.Success(result)
	}

	msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
	if err := f.encode(CLIResponse{
		Status: "error",
		Data:   result,
		Error:  &CLIError{Code: CodeScenarioFailed, Message: msg},
	}); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}

func outputSimulateText(opts *SimulateOptions, cmd *cobra.Command, result SimulateResult) error {
	w := cmd.OutOrStdout()
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}

	for _, sr := range result.Scenarios {
		mark := "✓"
		if !sr.Pass {
			mark = "✗"
		}
		suffix := ""
		if sr.Golden == GoldenUpdated {
			suffix = " (golden updated)"
		}
		fmt.Fprintf(w, "%s %s%s\n", mark, sr.Name, suffix)
		writeTrace(w, sr.Trace, opts.Steps)
		for _, e := range sr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Simulation Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}

// writeTrace prints transitions, and flow steps when steps is set.
func writeTrace(w io.Writer, trace []harness.TraceEvent, steps bool) {
	for _, ev := range trace {
		switch ev.Type {
		case harness.EventTransition:
			fmt.Fprintf(w, "  %3d %-8s %s -> %s\n", ev.Seq, ev.Device, ev.From, ev.To)
		case harness.EventStep:
			if steps {
				fmt.Fprintf(w, "  %3d %-8s %s: %s\n", ev.Seq, ev.Device, ev.Action, ev.Outcome)
			}
		}
	}
}
