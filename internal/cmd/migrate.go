package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/projector/migrations"
	"github.com/telhawk-systems/projector/pkg/output"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := migrations.Up(cfg.Database.Postgres.ConnString()); err != nil {
			return err
		}
		return printVersion()
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Long:  "Roll back --steps migrations, or every migration when --steps is 0.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := migrations.Down(cfg.Database.Postgres.ConnString(), migrateSteps); err != nil {
			return err
		}
		return printVersion()
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printVersion()
	},
}

type schemaVersion struct {
	Version uint `json:"version" yaml:"version"`
	Dirty   bool `json:"dirty" yaml:"dirty"`
}

func printVersion() error {
	v, dirty, err := migrations.Version(cfg.Database.Postgres.ConnString())
	if err != nil {
		return err
	}
	sv := schemaVersion{Version: v, Dirty: dirty}
	return printer.Render(sv, func() *output.Table {
		t := output.NewTable("VERSION", "DIRTY")
		t.AddRow(strconv.FormatUint(uint64(sv.Version), 10), strconv.FormatBool(sv.Dirty))
		return t
	})
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back (0 = all)")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}
