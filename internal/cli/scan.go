package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"patternscan/internal/models"
	"patternscan/internal/scan"
	"patternscan/pkg/utils"
)

func addScanCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newScanCmd(app))
	rootCmd.AddCommand(newDetectCmd(app))
}

func newScanCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a universe for one pattern and rank the setups",
		Long: `Run one detector across every symbol of a universe and print the ranked setups.

Symbols that fail to load or do not show the pattern are skipped. Price and volume
thresholds below the configured minimums are raised to them.`,
		Example: `  patternscan scan
  patternscan scan --pattern cup_handle --universe sp500 --limit 20
  patternscan scan --universe AAPL,MSFT,NVDA --timeframe 1wk
  patternscan scan --universe file:watchlist.txt --max-atr-ratio 0.05 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.services()
			if err != nil {
				return err
			}

			req := scan.Request{}
			req.Pattern, _ = cmd.Flags().GetString("pattern")
			req.Universe, _ = cmd.Flags().GetString("universe")
			req.Limit, _ = cmd.Flags().GetInt("limit")
			req.Timeframe, _ = cmd.Flags().GetString("timeframe")
			req.MinPrice, _ = cmd.Flags().GetFloat64("min-price")
			req.MinVolume, _ = cmd.Flags().GetFloat64("min-volume")
			req.MaxATRRatio, _ = cmd.Flags().GetFloat64("max-atr-ratio")
			req.Charts, _ = cmd.Flags().GetBool("charts")

			resp, err := svc.scanner.Scan(cmd.Context(), req)
			if err != nil {
				output.Error("Scan failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(resp)
			}
			displayScan(output, resp)
			return nil
		},
	}

	cmd.Flags().StringP("pattern", "p", "vcp", "pattern: vcp, cup_handle, hns, flag, wedge, double")
	cmd.Flags().StringP("universe", "u", "", "universe name, file:<path> or comma-separated symbols")
	cmd.Flags().IntP("limit", "n", 50, "maximum rows (1-500)")
	cmd.Flags().StringP("timeframe", "t", "1d", "timeframe: "+strings.Join(scan.Timeframes(), ", "))
	cmd.Flags().Float64("min-price", 0, "minimum trailing average price")
	cmd.Flags().Float64("min-volume", 0, "minimum trailing average volume")
	cmd.Flags().Float64("max-atr-ratio", 0, "reject setups whose ATR(14)/close exceeds this (0 disables)")
	cmd.Flags().Bool("charts", false, "resolve a chart URL for every row")

	return cmd
}

func displayScan(output *Output, resp *models.ScanResponse) {
	output.Bold("%s on %s (%s): %d setups", strings.ToUpper(resp.Pattern), resp.Universe, resp.Timeframe, resp.Count)
	if resp.Count == 0 {
		output.Dim("No symbol showed the pattern.")
		return
	}
	output.Println()

	table := NewTable(output, "#", "SYMBOL", "SCORE", "ENTRY", "STOP", "TARGETS", "R:R", "AVG VOL", "SECTOR")
	for i, row := range resp.Results {
		table.AddRow(
			strconv.Itoa(i+1),
			output.BoldText(row.Symbol),
			output.Green(FormatScore(row.Score)),
			FormatLevel(row.Entry),
			output.Red(FormatLevel(row.Stop)),
			FormatTargets(row.Targets),
			FormatRiskReward(row.PatternResult),
			utils.FormatVolume(row.AvgVolume),
			TruncateString(row.Sector, 22),
		)
	}
	table.Render()

	if resp.Results[0].ChartURL != "" {
		output.Println()
		for _, row := range resp.Results {
			output.Dim("%-6s %s", row.Symbol, row.ChartURL)
		}
	}
}

func newDetectCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect <pattern> <symbol>",
		Short: "Run one detector on one symbol",
		Long: `Run one detector on one symbol and print its levels and evidence,
or the reason no signal was found.`,
		Example: `  patternscan detect vcp NVDA
  patternscan detect double AAPL --timeframe 1wk`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.services()
			if err != nil {
				return err
			}
			timeframe, _ := cmd.Flags().GetString("timeframe")

			det, err := svc.scanner.Detect(cmd.Context(), args[0], args[1], timeframe)
			if err != nil {
				output.Error("Detect failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(det)
			}
			displayDetection(output, det)
			return nil
		},
	}
	cmd.Flags().StringP("timeframe", "t", "1d", "timeframe: "+strings.Join(scan.Timeframes(), ", "))
	return cmd
}

func displayDetection(output *Output, det *scan.Detection) {
	output.Printf("%s %s %s  %s\n", output.BoldText(det.Symbol), strings.ToUpper(det.Pattern), det.Timeframe, output.Verdict(det.Detected))
	output.Dim("%d bars", det.Bars)
	if !det.Detected || det.Result == nil {
		reason := det.Reason
		if det.Detail != "" {
			reason += ": " + det.Detail
		}
		output.Printf("  Reason: %s\n", reason)
		return
	}

	r := det.Result
	output.Println()
	output.KeyValues("", [][2]string{
		{"Score", FormatScore(r.Score)},
		{"Entry", FormatLevel(r.Entry)},
		{"Stop", FormatLevel(r.Stop)},
		{"Targets", FormatTargets(r.Targets)},
		{"R:R", FormatRiskReward(*r)},
	})
	if len(r.Evidence) > 0 {
		output.Println()
		output.Bold("Evidence")
		for _, e := range r.Evidence {
			output.Printf("  - %s\n", e)
		}
	}
}
