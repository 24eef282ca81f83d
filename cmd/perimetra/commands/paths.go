package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra/pkg/engine"
	"github.com/perimetra/perimetra/pkg/traverse"
)

var pathsCmd = &cobra.Command{
	Use:   "paths <template>",
	Short: "Run one traversal template against the current graph",
	Long: `Rebuild the projected graph from local state and execute one named
traversal template.

Example:
  perimetra paths user-to-critical --max-depth 8 --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := engine.New(ctx, config)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		// Replay the ledger into a fresh in-memory projection.
		if _, err := e.Projector.Sync(ctx); err != nil {
			return fmt.Errorf("project graph: %w", err)
		}

		tmpl, ok := e.Rules().Template(args[0])
		if !ok {
			var known []string
			for _, t := range e.Rules().Templates {
				known = append(known, t.Name)
			}
			return fmt.Errorf("unknown template %q (have: %s)", args[0], strings.Join(known, ", "))
		}

		if v, _ := cmd.Flags().GetInt("max-depth"); v > 0 {
			tmpl.MaxDepth = v
		}
		if v, _ := cmd.Flags().GetInt("max-results"); v > 0 {
			tmpl.MaxResults = v
		}
		if v, _ := cmd.Flags().GetInt("visit-budget"); v > 0 {
			tmpl.VisitBudget = v
		}
		if v, _ := cmd.Flags().GetDuration("timeout"); v > 0 {
			tmpl.Timeout = v
		}

		res, err := traverse.Run(ctx, e.Graph, tmpl)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		printPaths(res)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pathsCmd)
	pathsCmd.Flags().Int("max-depth", 0, "Override the template depth bound")
	pathsCmd.Flags().Int("max-results", 0, "Override the template result bound")
	pathsCmd.Flags().Int("visit-budget", 0, "Override the node visit budget")
	pathsCmd.Flags().Duration("timeout", 0, "Override the traversal timeout")
	pathsCmd.Flags().Bool("json", false, "JSON output")
}

func printPaths(res *traverse.Result) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("%s: %d path(s)", res.Template, res.Count)))
	if res.Truncated {
		fmt.Println(warnStyle.Render("  truncated: bounds hit before the search space was exhausted"))
	}
	for i, p := range res.Paths {
		fmt.Printf("%3d. [len=%d sev=%d] ", i+1, p.Len(), p.Severity)
		for j, v := range p.Vertices {
			if j > 0 {
				hop := p.Edges[j-1]
				label := hop.Label
				if hop.Qualifier != "" {
					label += ":" + hop.Qualifier
				}
				fmt.Printf(" -%s-> ", label)
			}
			name := v.DisplayName
			if name == "" {
				name = v.Key
			}
			fmt.Print(name)
		}
		fmt.Println()
	}
	fmt.Println(dimStyle.Render(fmt.Sprintf("  visited=%d elapsed=%s", res.NodesVisited, res.Elapsed.Round(time.Millisecond))))
}
