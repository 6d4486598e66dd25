// Package cmd implements the projector command line.
package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/projector/common/config"
	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/pkg/output"
)

var (
	cfgFile      string
	outputFormat string
	noColor      bool

	cfg     *config.Config
	logger  *logging.Logger
	printer *output.Printer
)

var rootCmd = &cobra.Command{
	Use:   "projector",
	Short: "Event store and projection engine",
	Long: `projector runs an append-only event store with a global notification log
and the projection runners that build tenant-scoped read models from it.

Configuration is read from --config, else $PROJECTOR_CONFIG_DIR/config.yaml,
and every key can be overridden with PROJECTOR_* environment variables.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && printer != nil {
		printer.Error("%v", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $PROJECTOR_CONFIG_DIR/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.SilenceErrors = true
}

func setup(cmd *cobra.Command, _ []string) error {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	printer = &output.Printer{
		Out:    cmd.OutOrStdout(),
		Err:    cmd.ErrOrStderr(),
		Format: format,
		Color:  !noColor && isTerminal(cmd.OutOrStdout()),
	}

	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger = logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	return nil
}

func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
