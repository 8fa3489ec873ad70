// Package cli provides the patternscan command-line interface.
package cli

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"patternscan/internal/backtest"
	"patternscan/internal/config"
	"patternscan/internal/logging"
)

// Version information
var (
	Version   = "0.3.0"
	BuildDate = "unknown"
)

// App holds the application configuration and lazily built services.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	once   sync.Once
	svc    *services
	svcErr error
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "patternscan",
		Short: "Chart-pattern scanner and walk-forward backtester",
		Long: `patternscan detects chart patterns (VCP, cup and handle, head and shoulders,
flags, wedges, double bottoms) across a universe of US equities, ranks the setups,
and replays the VCP detector day by day to measure how its candidates played out.

Use 'patternscan serve' to run the HTTP API, the run executor and the daily scheduler.
Use 'patternscan examples' to see common workflows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dir, _ := cmd.Flags().GetString("config"); dir != "" {
				loaded, err := config.Load(dir)
				if err != nil {
					return err
				}
				app.Config = loaded
				app.Logger = logging.NewLoggerWithConfig(loaded.Log.Logging())
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app.svc != nil {
				return app.svc.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/patternscan)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addScanCommands(rootCmd, app)
	addDataCommands(rootCmd, app)
	addBacktestCommands(rootCmd, app)
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newExamplesCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":      Version,
					"build_date":   BuildDate,
					"code_version": backtest.CodeVersion(),
				})
				return
			}
			output.Printf("patternscan v%s\n", Version)
			output.Dim("Build date: %s, revision: %s", BuildDate, backtest.CodeVersion())
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.configDir()})
				return
			}
			output.Println(app.configDir())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented config.toml template",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			force, _ := cmd.Flags().GetBool("force")
			path := filepath.Join(app.configDir(), "config.toml")
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			output.Success("Wrote %s", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

func (a *App) configDir() string {
	if a.Config.Dir != "" {
		return a.Config.Dir
	}
	return config.DefaultConfigDir()
}

func showConfig(output *Output, cfg *config.Config) {
	output.KeyValues("Data", [][2]string{
		{"Provider", cfg.Data.Provider},
		{"Database", cfg.Data.DBPath},
		{"Max stale days", fmt.Sprint(cfg.Data.MaxStaleDays)},
		{"Prefetch batch", fmt.Sprint(cfg.Data.PrefetchBatch)},
	})
	output.Println()

	output.KeyValues("Scan", [][2]string{
		{"Min price", FormatLevel(cfg.Scan.MinPrice)},
		{"Min volume", fmt.Sprintf("%.0f", cfg.Scan.MinVolume)},
		{"52-week band", fmt.Sprintf("%.2f", cfg.Scan.HighBand)},
		{"Default universe", cfg.Universe.Default},
		{"Cache backend", cfg.Cache.Backend},
	})
	output.Println()

	output.KeyValues("VCP", [][2]string{
		{"Min bars", fmt.Sprint(cfg.VCP.MinBars)},
		{"Max base depth", fmt.Sprintf("%.2f", cfg.VCP.MaxBaseDepth)},
		{"Final contraction max", fmt.Sprintf("%.2f", cfg.VCP.FinalContractionMax)},
		{"Dry-up ratio", fmt.Sprintf("%.2f", cfg.VCP.DryUpRatio)},
		{"Breakout volume x", fmt.Sprintf("%.2f", cfg.VCP.BreakoutVolumeMultiplier)},
	})
	output.Println()

	output.KeyValues("Backtest", [][2]string{
		{"Artifacts root", cfg.Backtest.ArtifactsRoot},
		{"Detector version", cfg.Backtest.DetectorVersion},
		{"Outcome window", fmt.Sprint(cfg.Backtest.OutcomeWindow)},
		{"R:R target", fmt.Sprintf("%.2f", cfg.Backtest.RRTarget)},
	})
	output.Println()

	output.KeyValues("Server", [][2]string{
		{"Address", cfg.Server.Addr},
		{"Rate limit backend", cfg.RateLimit.Backend},
		{"Charts", fmt.Sprintf("%v (%s)", cfg.Charts.Enabled, cfg.Charts.BaseURL)},
		{"Scheduler", fmt.Sprintf("%v (%s)", cfg.Scheduler.Enabled, cfg.Scheduler.DailyCron)},
	})
}
