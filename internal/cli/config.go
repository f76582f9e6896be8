package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/trustsync/internal/config"
)

// ConfigValidation is the result of validating one config file.
type ConfigValidation struct {
	File      string `json:"file"`
	Valid     bool   `json:"valid"`
	Container string `json:"container,omitempty"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a config file against the schema",
		Long: `Validate a config file against the embedded schema and the
constraints checked after decoding.

Exit codes:
  0 - Config is valid
  1 - Config is invalid
  2 - Command error (file not readable)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(opts, args[0], cmd)
		},
	}
}

func runConfigValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read config", err)
	}

	cfg, err := config.Parse(data)
	if err != nil {
		if err := f.Error(CodeConfigInvalid, err.Error(), map[string]string{"file": path}); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "invalid config "+path, err)
	}

	if f.Format == "json" {
		return f.Success(ConfigValidation{File: path, Valid: true, Container: cfg.Container})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (container %s)\n", path, cfg.Container)
	return nil
}

func newConfigShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults are applied: the --config file
when given, otherwise the built-in defaults.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(opts, cmd)
		},
	}
}

func runConfigShow(opts *RootOptions, cmd *cobra.Command) error {
	data, err := yaml.Marshal(opts.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if opts.Format == "json" {
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to convert config: %w", err)
		}
		return opts.formatter(cmd).Success(doc)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
