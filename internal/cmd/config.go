package cmd

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/projector/common/config"
	"github.com/telhawk-systems/projector/pkg/output"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Prints the configuration after defaults, the config file and PROJECTOR_*
environment overrides are applied. Secrets are omitted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if printer.Format == output.FormatTable {
			printer.Format = output.FormatYAML
		}
		return printer.Render(cfg, nil)
	},
}

var configDirCmd = &cobra.Command{
	Use:   "dir",
	Short: "Print the directory searched for config.yaml",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printer.Info("%s", config.ConfigDir())
	},
}

func init() {
	configCmd.AddCommand(configDirCmd)
	rootCmd.AddCommand(configCmd)
}
