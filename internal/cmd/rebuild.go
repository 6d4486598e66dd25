package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/projector/internal/rebuild"
)

var (
	rebuildWait    bool
	rebuildTimeout time.Duration
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild NAME",
	Short: "Rebuild a projection's read model from position 0",
	Long: `Asks a running engine to pause the projection, truncate its read model,
reset its cursor and replay the log. Other projections keep running.`,
	Args: cobra.ExactArgs(1),
	RunE: runRebuild,
}

func init() {
	rebuildCmd.Flags().BoolVar(&rebuildWait, "wait", false, "wait for the rebuild to finish")
	rebuildCmd.Flags().DurationVar(&rebuildTimeout, "timeout", 30*time.Minute, "how long --wait waits")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	name := args[0]
	c := adminClient()
	if err := c.Rebuild(cmd.Context(), name); err != nil {
		return err
	}
	printer.Success("rebuild of %s started", name)
	if !rebuildWait {
		return nil
	}

	deadline := time.Now().Add(rebuildTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		v, err := c.Projection(cmd.Context(), name)
		if err != nil {
			return err
		}
		switch v.Rebuild.State {
		case rebuild.StateIdle:
			printer.Success("rebuild of %s complete at position %d", name, v.Position)
			return nil
		case rebuild.StateFailed:
			return fmt.Errorf("rebuild of %s failed: %s", name, v.Rebuild.Error)
		}
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for rebuild")
		}
		printer.Info("%s: %s %d/%d", name, v.Rebuild.State, v.Position, v.Rebuild.Target)
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
	}
}
