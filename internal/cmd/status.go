package cmd

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/projector/internal/client"
	"github.com/telhawk-systems/projector/internal/server"
	"github.com/telhawk-systems/projector/pkg/output"
)

var adminURL string

var statusCmd = &cobra.Command{
	Use:   "status [projection]",
	Short: "Show projection positions, lag and rebuild state",
	Long:  "Queries a running engine's admin server (server.admin_url or --admin-url).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", "", "admin server URL (default: server.admin_url)")
	rootCmd.AddCommand(statusCmd)
}

func adminClient() *client.AdminClient {
	if adminURL != "" {
		return client.New(adminURL)
	}
	return client.New(cfg.Server.AdminURL)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := adminClient()
	var views []server.ProjectionView
	if len(args) == 1 {
		v, err := c.Projection(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		views = append(views, v)
	} else {
		var err error
		if views, err = c.Projections(cmd.Context()); err != nil {
			return err
		}
	}
	return printer.Render(views, func() *output.Table { return statusTable(views) })
}

func statusTable(views []server.ProjectionView) *output.Table {
	t := output.NewTable("NAME", "STATE", "POSITION", "HEAD", "LAG", "REBUILD", "LAST BATCH", "LAST ERROR")
	for _, v := range views {
		lastBatch := "-"
		if !v.LastBatch.IsZero() {
			lastBatch = time.Since(v.LastBatch).Truncate(time.Second).String() + " ago"
		}
		t.AddRow(
			v.Name,
			string(v.State),
			strconv.FormatInt(v.Position, 10),
			strconv.FormatInt(v.Head, 10),
			strconv.FormatInt(v.Lag, 10),
			string(v.Rebuild.State),
			lastBatch,
			v.LastError,
		)
	}
	return t
}
