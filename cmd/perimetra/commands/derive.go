package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra/pkg/delta"
	"github.com/perimetra/perimetra/pkg/derive"
	"github.com/perimetra/perimetra/pkg/engine"
	"github.com/perimetra/perimetra/pkg/fact"
)

var deriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Rerun capability derivation against stored state",
	Long: `Rerun the full derivation pass over the current physical state and
apply the result: the derived-edge set is reconciled as a full batch, so
capabilities whose grants disappeared are closed, and the tier
classification is recomputed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := engine.New(ctx, config)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		result, err := derive.Run(ctx, e.Rules().Rules, e.Store)
		if err != nil {
			return err
		}

		opts := delta.ApplyOptions{Full: true}
		rep, err := e.Store.ApplyEdgeBatch(ctx, e.Rules().Compare, fact.EdgeCanAbuse, result.Edges, opts)
		if err != nil {
			return err
		}
		tierRep, err := e.Store.ApplyTierTags(ctx, result.Tiers, "")
		if err != nil {
			return err
		}

		fmt.Println(headerStyle.Render("DERIVATION"))
		fmt.Printf("  %d capability edge(s), %d tiered node(s)\n", len(result.Edges), len(result.Tiers))
		fmt.Println("  " + rep.String())
		if tierRep.Writes > 0 {
			fmt.Println("  " + tierRep.String())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deriveCmd)
}
