package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"patternscan/internal/models"
	"patternscan/internal/scan"
	"patternscan/pkg/utils"
)

func addDataCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Price cache management",
		Long:  "Inspect and warm the on-disk price cache.",
	}
	cmd.AddCommand(newDataShowCmd(app))
	cmd.AddCommand(newDataPrefetchCmd(app))
	cmd.AddCommand(newUniverseCmd(app))
	rootCmd.AddCommand(cmd)
}

func newDataShowCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <symbol>",
		Short: "Print the latest cached daily bars of a symbol",
		Example: `  patternscan data show AAPL
  patternscan data show BRK.B --bars 30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.services()
			if err != nil {
				return err
			}
			n, _ := cmd.Flags().GetInt("bars")
			period, _ := cmd.Flags().GetString("period")

			symbol := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(args[0])), ".", "-")
			series, err := svc.provider.Fetch(cmd.Context(), symbol, period, "1d")
			if err != nil {
				output.Error("Failed to load %s: %v", symbol, err)
				return err
			}
			tail := series.Tail(n)
			if output.IsJSON() {
				return output.JSON(tail)
			}

			output.Bold("%s: %d bars cached for %s", symbol, series.Len(), period)
			table := NewTable(output, "DATE", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")
			for _, b := range tail.Bars {
				table.AddRow(
					utils.SessionDate(b.Date).Format(models.DateLayout),
					FormatLevel(b.Open),
					FormatLevel(b.High),
					FormatLevel(b.Low),
					output.BoldText(FormatLevel(b.Close)),
					utils.FormatVolume(b.Volume),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Int("bars", 10, "number of bars to print")
	cmd.Flags().String("period", "18mo", "history period to load")
	return cmd
}

func newDataPrefetchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefetch [universe]",
		Short: "Refresh stale cached series for a universe",
		Long: `Refresh every symbol of the universe whose cached series is stale, in bulk
batches. Failed batches are split until single symbols remain.`,
		Example: `  patternscan data prefetch sp500
  patternscan data prefetch nasdaq100 --timeframe 1wk`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.services()
			if err != nil {
				return err
			}
			spec := app.Config.Universe.Default
			if len(args) == 1 {
				spec = args[0]
			}
			name, _ := cmd.Flags().GetString("timeframe")
			tf, err := scan.LookupTimeframe(name, app.Config.Scan)
			if err != nil {
				return err
			}
			symbols, err := svc.universes.Resolve(spec)
			if err != nil {
				return err
			}

			refreshed, err := svc.provider.Prefetch(cmd.Context(), symbols, tf.Period, tf.Interval, tf.MinBars)
			if err != nil {
				output.Error("Prefetch failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]int{"symbols": len(symbols), "refreshed": refreshed})
			}
			output.Success("Refreshed %d of %d symbols (%s, %s)", refreshed, len(symbols), tf.Period, tf.Interval)
			return nil
		},
	}
	cmd.Flags().StringP("timeframe", "t", "1d", "timeframe: "+strings.Join(scan.Timeframes(), ", "))
	return cmd
}

func newUniverseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "universe [name]",
		Short: "List named universes or the symbols of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.services()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				names := svc.universes.Names()
				if output.IsJSON() {
					return output.JSON(map[string][]string{"universes": names})
				}
				for _, n := range names {
					output.Println(n)
				}
				return nil
			}

			symbols, err := svc.universes.Resolve(args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]any{"universe": args[0], "symbols": symbols})
			}
			table := NewTable(output, "SYMBOL", "SECTOR")
			for _, s := range symbols {
				table.AddRow(s, svc.universes.Sector(s))
			}
			table.Render()
			output.Dim("%d symbols", len(symbols))
			return nil
		},
	}
}
