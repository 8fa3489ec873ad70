package cli

import (
	"github.com/spf13/cobra"
)

type example struct {
	title    string
	commands []string
}

var workflows = []example{
	{
		title: "Find today's VCP setups",
		commands: []string{
			"patternscan data prefetch sp500",
			"patternscan scan --universe sp500 --limit 25",
			"patternscan detect vcp NVDA",
		},
	},
	{
		title: "Other patterns and timeframes",
		commands: []string{
			"patternscan scan --pattern cup_handle --universe nasdaq100",
			"patternscan scan --pattern double --timeframe 1wk --universe AAPL,MSFT,AMZN",
			"patternscan scan --universe file:watchlist.csv --max-atr-ratio 0.04 --charts",
		},
	},
	{
		title: "Backtest the detector",
		commands: []string{
			"patternscan backtest run --start 2024-01-02 --end 2024-06-28 --universe simple",
			"patternscan backtest list --status succeeded",
			"patternscan backtest status 3",
			"patternscan backtest summary --run-id 3 --json",
		},
	},
	{
		title: "Serve the API",
		commands: []string{
			"patternscan config init",
			"patternscan serve --scheduler",
			"curl 'localhost:8080/api/v1/scan?pattern=vcp&universe=simple&limit=10'",
		},
	},
}

func newExamplesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "examples",
		Short: "Show common workflows",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			for i, w := range workflows {
				if i > 0 {
					output.Println()
				}
				output.Bold("%s", w.title)
				for _, c := range w.commands {
					output.Printf("  %s\n", output.Cyan(c))
				}
			}
		},
	}
}
