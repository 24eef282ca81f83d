package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra/pkg/delta"
	"github.com/perimetra/perimetra/pkg/engine"
	"github.com/perimetra/perimetra/pkg/fact"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <drop-dir>",
	Short: "Apply collector drops to the state store without a full cycle",
	Long: `Normalize and diff one drop directory against stored state. No
derivation, projection or snapshot runs; use this to inspect what a
collector batch would change.

Example:
  perimetra ingest ./drops --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if dryRun {
			// Diff against a throwaway copy of nothing: parse and report
			// rejections only.
			return lintDrops(args[0])
		}

		ctx := context.Background()
		e, err := engine.New(ctx, config)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		source := &engine.DirSource{Dir: args[0]}
		cmp := e.Rules().Compare
		opts := delta.ApplyOptions{Full: true}

		var reports []delta.Report
		for _, kind := range fact.VertexKinds() {
			recs, recErrs, err := source.Vertices(ctx, kind)
			if err != nil {
				if errors.Is(err, engine.ErrNotObserved) {
					continue
				}
				return err
			}
			rep, err := e.Store.ApplyVertexBatch(ctx, cmp, kind, recs, opts)
			if err != nil {
				return err
			}
			rep.Rejected += len(recErrs)
			reports = append(reports, rep)
		}
		for _, kind := range fact.EdgeKinds() {
			recs, recErrs, err := source.Edges(ctx, kind)
			if err != nil {
				if errors.Is(err, engine.ErrNotObserved) {
					continue
				}
				return err
			}
			rep, err := e.Store.ApplyEdgeBatch(ctx, cmp, kind, recs, opts)
			if err != nil {
				return err
			}
			rep.Rejected += len(recErrs)
			reports = append(reports, rep)
		}

		sort.Slice(reports, func(i, j int) bool { return reports[i].Partition < reports[j].Partition })
		for _, rep := range reports {
			fmt.Println("  " + rep.String())
		}
		return nil
	},
}

func lintDrops(dir string) error {
	ctx := context.Background()
	source := &engine.DirSource{Dir: dir}

	total, rejected := 0, 0
	for _, kind := range fact.VertexKinds() {
		recs, recErrs, err := source.Vertices(ctx, kind)
		if err != nil {
			continue
		}
		total += len(recs) + len(recErrs)
		rejected += len(recErrs)
		for _, re := range recErrs {
			fmt.Println(warnStyle.Render(fmt.Sprintf("  %s.vertices: %v", kind, re)))
		}
	}
	for _, kind := range fact.EdgeKinds() {
		recs, recErrs, err := source.Edges(ctx, kind)
		if err != nil {
			continue
		}
		total += len(recs) + len(recErrs)
		rejected += len(recErrs)
		for _, re := range recErrs {
			fmt.Println(warnStyle.Render(fmt.Sprintf("  %s.edges: %v", kind, re)))
		}
	}
	fmt.Printf("%d record(s), %d rejected\n", total, rejected)
	return nil
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().Bool("dry-run", false, "Parse and validate only; no state writes")
}
