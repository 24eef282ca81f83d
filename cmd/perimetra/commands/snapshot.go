package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra/pkg/engine"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Publish a snapshot of the current graph without ingesting",
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.SnapshotURL == "" {
			return fmt.Errorf("--snapshot-url is required")
		}

		ctx := context.Background()
		e, err := engine.New(ctx, config)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		rep, err := e.Projector.Sync(ctx)
		if err != nil {
			return fmt.Errorf("project graph: %w", err)
		}

		manifest, err := e.Snapshots.Write(ctx, e.Graph, e.Rules().Templates, rep.Watermark, "")
		if err != nil {
			return err
		}

		fmt.Println(headerStyle.Render("SNAPSHOT " + manifest.ID))
		for _, entry := range manifest.Entries {
			line := fmt.Sprintf("  %-20s %4d path(s)  %s", entry.Template, entry.Paths, entry.ResultKey)
			if entry.Truncated {
				line += "  (truncated)"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}
