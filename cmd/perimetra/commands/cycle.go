package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra/pkg/engine"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run collection cycles against a collector drop directory",
	Long: `Run the full pipeline: ingest, change detection, derivation,
projection and snapshot publication.

Example:
  perimetra cycle --source ./drops --every 15m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceDir, _ := cmd.Flags().GetString("source")
		every, _ := cmd.Flags().GetDuration("every")
		watch, _ := cmd.Flags().GetBool("watch-rules")

		config.WatchRules = watch
		if config.MockMode {
			config.DataDir = ""
		} else if sourceDir == "" {
			return fmt.Errorf("--source is required outside mock mode")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := engine.New(ctx, config)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		var source engine.Source
		var mock *engine.MockSource
		if config.MockMode {
			mock = engine.NewMockSource(42, 200)
			source = mock
		} else {
			source = &engine.DirSource{Dir: sourceDir}
		}

		for {
			report, err := e.RunCycle(ctx, source)
			if report != nil {
				printCycleReport(report)
			}
			if err != nil {
				if every == 0 {
					return err
				}
				fmt.Fprintf(os.Stderr, "cycle failed: %v\n", err)
			}
			if every == 0 {
				return nil
			}
			if mock != nil {
				mock.Churn()
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(every):
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(cycleCmd)
	cycleCmd.Flags().String("source", "", "Directory of collector JSONL drops")
	cycleCmd.Flags().Duration("every", 0, "Repeat on an interval (0 runs once)")
	cycleCmd.Flags().Bool("watch-rules", false, "Reload the rule file between cycles when it changes")
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

func printCycleReport(r *engine.CycleReport) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("CYCLE %s (%s)", r.CycleID[:8], r.Duration.Round(time.Millisecond))))

	keys := make([]string, 0, len(r.Partitions))
	for k := range r.Partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("  %-24s %7s %6s %6s %6s %6s %6s %6s\n",
		"PARTITION", "TOTAL", "NEW", "MOD", "SAME", "DEL", "REJ", "WRITE")
	for _, k := range keys {
		p := r.Partitions[k]
		fmt.Printf("  %-24s %7d %6d %6d %6d %6d %6d %6d\n",
			k, p.Total, p.New, p.Modified, p.Unchanged, p.Deleted, p.Rejected, p.Writes)
	}
	total := r.Totals()
	fmt.Println(dimStyle.Render(fmt.Sprintf("  %-24s %7d %6d %6d %6d %6d %6d %6d",
		"total", total.Total, total.New, total.Modified, total.Unchanged, total.Deleted, total.Rejected, total.Writes)))

	fmt.Printf("  derived=%d tiered=%d", r.DerivedEdges, r.TieredNodes)
	if r.Projection != nil {
		fmt.Printf(" projected=%d deferred=%d watermark=%s",
			r.Projection.Applied, r.Projection.Deferred, r.Projection.Watermark)
	}
	if r.SnapshotID != "" {
		fmt.Printf(" snapshot=%s", r.SnapshotID[:8])
	}
	fmt.Println()

	for _, scope := range r.FailedScopes {
		fmt.Println(warnStyle.Render("  STALE " + scope + " (fetch failed, previous state kept)"))
	}
}
