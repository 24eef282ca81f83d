package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra/pkg/engine"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Apply pending ledger entries to the graph projection",
	Long: `Acquire the projection lease, scan the ledger after the stored
watermark and apply every pending change record to the graph. Useful after
out-of-band ingests, or to inspect projector lag.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := engine.New(ctx, config)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		rep, err := e.Projector.Sync(ctx)
		if err != nil {
			return err
		}

		nodes, edges := e.Graph.Stats()
		fmt.Println(headerStyle.Render("PROJECTION"))
		fmt.Printf("  applied   %d (%d vertices, %d edges, %d closes)\n",
			rep.Applied, rep.VertexUpserts, rep.EdgeUpserts, rep.Closes)
		fmt.Printf("  graph     %d nodes, %d edges\n", nodes, edges)
		fmt.Printf("  watermark %s\n", rep.Watermark)
		if rep.Deferred > 0 {
			fmt.Println(warnStyle.Render(fmt.Sprintf("  deferred  %d edge(s) waiting for endpoints", rep.Deferred)))
		}
		for _, w := range rep.Warnings {
			fmt.Println(warnStyle.Render("  " + w))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(projectCmd)
}
