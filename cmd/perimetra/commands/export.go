package commands

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra/pkg/engine"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump current state as JSONL or CSV",
	Long: `Stream the stored vertices and edges in stable key order. JSONL output
is one record per line and feeds back through ingest; CSV keeps the
identity columns only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		format, _ := cmd.Flags().GetString("format")
		includeClosed, _ := cmd.Flags().GetBool("closed")
		derived, _ := cmd.Flags().GetBool("derived")

		ctx := context.Background()
		e, err := engine.New(ctx, config)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		var w io.Writer = os.Stdout
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return e.Export(ctx, w, engine.ExportOptions{
			IncludeClosed: includeClosed,
			Derived:       derived,
			Format:        format,
		})
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().String("out", "", "Output file (stdout when empty)")
	exportCmd.Flags().String("format", engine.FormatJSONL, "Output format: jsonl or csv")
	exportCmd.Flags().Bool("closed", false, "Include records whose validity window is closed")
	exportCmd.Flags().Bool("derived", true, "Include derived edges")
}
