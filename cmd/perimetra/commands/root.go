package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/perimetra/perimetra/pkg/engine"
	"github.com/perimetra/perimetra/pkg/telemetry"
	"github.com/perimetra/perimetra/pkg/version"
)

var (
	cfgFile  string
	config   engine.Config
	verbose  bool
	jsonLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "perimetra",
	Short: "Attack-path graph pipeline for identity infrastructure",
	Long: `Perimetra - Identity Attack Surface Auditor

Collect. Diff. Derive. Traverse.`,
	Version: version.Current,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $HOME/.perimetra.yaml)")
	rootCmd.PersistentFlags().StringVar(&config.DataDir, "data-dir", "perimetra-data", "Local state directory (empty for in-memory)")
	rootCmd.PersistentFlags().StringVar(&config.RulesFile, "rules", "", "Capability and tier rule file (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&config.SnapshotURL, "snapshot-url", "", "Snapshot destination: s3://bucket/prefix or a local directory")
	rootCmd.PersistentFlags().StringVar(&config.DynamoTable, "watermark-table", "", "DynamoDB table for projection watermarks")
	rootCmd.PersistentFlags().StringVar(&config.OtelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint for traces")
	rootCmd.PersistentFlags().BoolVar(&config.StrictMode, "strict", false, "Non-zero exit when any partition fails")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "JSON log output")

	rootCmd.PersistentFlags().BoolVar(&config.MockMode, "mock", false, "Run against a generated tenant")
	rootCmd.PersistentFlags().MarkHidden("mock")

	for _, name := range []string{
		"data-dir", "rules", "snapshot-url", "watermark-table",
		"otel-endpoint", "strict", "verbose", "json-logs",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderHelp(cmd)
	})

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		applyConfig()

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		telemetry.InitLogging(level, !jsonLogs)
	}
}

// applyConfig overlays config-file and environment values onto the engine
// settings. Bound flags keep precedence when set on the command line.
func applyConfig() {
	config.DataDir = viper.GetString("data-dir")
	config.RulesFile = viper.GetString("rules")
	config.SnapshotURL = viper.GetString("snapshot-url")
	config.DynamoTable = viper.GetString("watermark-table")
	config.OtelEndpoint = viper.GetString("otel-endpoint")
	config.StrictMode = viper.GetBool("strict")
	verbose = viper.GetBool("verbose")
	jsonLogs = viper.GetBool("json-logs")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.SetConfigFile(filepath.Join(home, ".perimetra.yaml"))
			viper.SetConfigType("yaml")
		}
	}
	viper.SetEnvPrefix("PERIMETRA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

func renderHelp(cmd *cobra.Command) {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7D56F4")).
		MarginBottom(1)

	flagStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA"))

	fmt.Println(titleStyle.Render(fmt.Sprintf("PERIMETRA %s", version.Current)))
	fmt.Println("Attack-path graph pipeline for identity infrastructure.")

	fmt.Println(titleStyle.Render("USAGE"))
	fmt.Printf("  %s\n\n", cmd.UseLine())

	fmt.Println(titleStyle.Render("COMMANDS"))
	for _, c := range cmd.Commands() {
		if c.IsAvailableCommand() {
			fmt.Printf("  %-14s %s\n", c.Name(), c.Short)
		}
	}
	fmt.Println("")

	fmt.Println(titleStyle.Render("FLAGS"))
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		output := fmt.Sprintf("  --%-17s %s", f.Name, f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" {
			output += fmt.Sprintf(" (default %s)", f.DefValue)
		}
		fmt.Println(flagStyle.Render(output))
	})
	fmt.Println("")
}
