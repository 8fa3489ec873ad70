package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"patternscan/internal/backtest"
	"patternscan/internal/errors"
	"patternscan/internal/models"
	"patternscan/internal/store"
	"patternscan/pkg/utils"
)

func addBacktestCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:     "backtest",
		Aliases: []string{"bt"},
		Short:   "Walk-forward backtests of the VCP detector",
		Long: `Replay the VCP detector day by day over a date range, label how every
candidate played out, and aggregate precision KPIs. Runs are registered by
(start, end, universe, provider, detector version); repeating a key reuses the run.`,
	}
	cmd.AddCommand(newBacktestRunCmd(app))
	cmd.AddCommand(newBacktestCreateCmd(app))
	cmd.AddCommand(newBacktestStatusCmd(app))
	cmd.AddCommand(newBacktestListCmd(app))
	cmd.AddCommand(newBacktestSummaryCmd(app))
	rootCmd.AddCommand(cmd)
}

func addRunKeyFlags(cmd *cobra.Command) {
	cmd.Flags().String("start", "", "first simulated day (YYYY-MM-DD)")
	cmd.Flags().String("end", "", "last simulated day (YYYY-MM-DD)")
	cmd.Flags().StringP("universe", "u", "", "universe name, file:<path> or comma-separated symbols")
	cmd.Flags().String("provider", "", "price provider")
	cmd.Flags().String("detector-version", "", "detector version label")
	cmd.Flags().Bool("daily", false, "use the standard daily window ending today")
}

// runKey reads the run key flags, filling gaps from the configuration.
func (a *App) runKey(cmd *cobra.Command) (models.RunKey, error) {
	universe, _ := cmd.Flags().GetString("universe")
	provider, _ := cmd.Flags().GetString("provider")
	version, _ := cmd.Flags().GetString("detector-version")
	if universe == "" {
		universe = a.Config.Universe.Default
	}
	if provider == "" {
		provider = a.Config.Data.Provider
	}
	if version == "" {
		version = a.Config.Backtest.DetectorVersion
	}

	if daily, _ := cmd.Flags().GetBool("daily"); daily {
		return backtest.DailyKey(time.Now(), a.Config.Scheduler.LookbackDays, universe, provider, version), nil
	}
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	if start == "" || end == "" {
		return models.RunKey{}, errors.NewValidationError("start", start, "--start and --end are required unless --daily is set")
	}
	return models.RunKey{Start: start, End: end, Universe: universe, Provider: provider, DetectorVersion: version}, nil
}

func newBacktestRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a run and execute it in the foreground",
		Example: `  patternscan backtest run --start 2024-01-02 --end 2024-03-29 --universe simple
  patternscan backtest run --daily --universe sp500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.services()
			if err != nil {
				return err
			}
			key, err := app.runKey(cmd)
			if err != nil {
				return err
			}

			run, created, err := svc.executor.Create(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !created && run.Status != models.RunPending {
				output.Warning("Run %d already exists (%s)", run.ID, run.Status)
			} else {
				if !output.IsJSON() {
					output.Info("Running %d: %s over %d symbols", run.ID, key, len(run.UniverseSpec))
				}
				if err := svc.executor.Execute(cmd.Context(), run.ID); err != nil {
					output.Error("Run %d failed: %v", run.ID, err)
				}
			}

			run, err = svc.store.GetRun(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(run)
			}
			displayRun(output, run, svc.executor)
			if run.Status == models.RunFailed {
				return fmt.Errorf("run %d failed", run.ID)
			}
			return nil
		},
	}
	addRunKeyFlags(cmd)
	return cmd
}

func newBacktestCreateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a pending run for the server's executor",
		Long: `Register a run without executing it. A running 'patternscan serve' picks up
pending runs when it starts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.services()
			if err != nil {
				return err
			}
			key, err := app.runKey(cmd)
			if err != nil {
				return err
			}
			run, created, err := svc.executor.Create(cmd.Context(), key)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]any{"run_id": run.ID, "status": run.Status, "created": created})
			}
			if created {
				output.Success("Created run %d (%s)", run.ID, key)
			} else {
				output.Warning("Run %d already exists (%s)", run.ID, output.Status(string(run.Status)))
			}
			return nil
		},
	}
	addRunKeyFlags(cmd)
	return cmd
}

func newBacktestStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.services()
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.NewValidationError("run-id", args[0], "must be an integer")
			}
			run, err := svc.store.GetRun(cmd.Context(), id)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				idx := runArtifacts(run, svc.executor).Index(run.Start, run.End)
				return output.JSON(map[string]any{"run": run, "artifacts": idx})
			}
			displayRun(output, run, svc.executor)
			return nil
		},
	}
}

func newBacktestListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.services()
			if err != nil {
				return err
			}
			var f store.RunFilter
			status, _ := cmd.Flags().GetString("status")
			f.Status = models.RunStatus(status)
			f.Universe, _ = cmd.Flags().GetString("universe")
			f.Provider, _ = cmd.Flags().GetString("provider")
			f.Limit, _ = cmd.Flags().GetInt("limit")

			runs, err := svc.store.ListRuns(cmd.Context(), f)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				if runs == nil {
					runs = []models.BacktestRun{}
				}
				return output.JSON(map[string]any{"runs": runs})
			}
			if len(runs) == 0 {
				output.Dim("No runs.")
				return nil
			}
			table := NewTable(output, "ID", "STATUS", "START", "END", "UNIVERSE", "CANDS", "P@10", "HIT", "TOOK", "CREATED")
			for _, r := range runs {
				created := r.CreatedAt
				table.AddRow(
					strconv.FormatInt(r.ID, 10),
					output.Status(string(r.Status)),
					r.Start,
					r.End,
					TruncateString(r.Universe, 18),
					strconv.Itoa(r.NumCandidates),
					utils.FormatRatio(r.PrecisionAt10),
					utils.FormatRatio(r.HitRate),
					FormatDurationMS(r.DurationMS),
					FormatTime(&created),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("status", "", "filter by status: pending, running, succeeded, failed")
	cmd.Flags().StringP("universe", "u", "", "filter by universe")
	cmd.Flags().String("provider", "", "filter by provider")
	cmd.Flags().IntP("limit", "n", 20, "maximum rows (1-500)")
	return cmd
}

func newBacktestSummaryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Recompute KPIs from the artifacts of a range",
		Example: `  patternscan backtest summary --run-id 12
  patternscan backtest summary --start 2024-01-02 --end 2024-03-29 --root ./reports`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			start, _ := cmd.Flags().GetString("start")
			end, _ := cmd.Flags().GetString("end")
			root, _ := cmd.Flags().GetString("root")
			runID, _ := cmd.Flags().GetInt64("run-id")

			if root == "" {
				root = app.Config.Backtest.ArtifactsRoot
			}
			art := backtest.NewArtifacts(root)
			if runID > 0 {
				svc, err := app.services()
				if err != nil {
					return err
				}
				run, err := svc.store.GetRun(cmd.Context(), runID)
				if err != nil {
					return err
				}
				start, end = run.Start, run.End
				art = runArtifacts(run, svc.executor)
			}
			if start == "" || end == "" {
				return errors.NewValidationError("start", start, "--start and --end are required unless --run-id is set")
			}

			sum, err := backtest.SummarizeRange(start, end, art)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(sum)
			}
			displaySummary(output, sum)
			return nil
		},
	}
	cmd.Flags().String("start", "", "first day (YYYY-MM-DD)")
	cmd.Flags().String("end", "", "last day (YYYY-MM-DD)")
	cmd.Flags().String("root", "", "artifacts root (default: backtest.artifacts_root)")
	cmd.Flags().Int64("run-id", 0, "summarize a registered run")
	return cmd
}

func runArtifacts(run *models.BacktestRun, exec *backtest.Executor) *backtest.Artifacts {
	if run.ArtifactsRoot != "" {
		return backtest.NewArtifacts(run.ArtifactsRoot)
	}
	return backtest.NewArtifacts(exec.RunDir(run.ID))
}

func displayRun(output *Output, run *models.BacktestRun, exec *backtest.Executor) {
	output.Printf("%s  %s\n", output.BoldText(fmt.Sprintf("Run %d", run.ID)), output.Status(string(run.Status)))
	pairs := [][2]string{
		{"Range", run.Start + " .. " + run.End},
		{"Universe", fmt.Sprintf("%s (%d symbols)", run.Universe, len(run.UniverseSpec))},
		{"Provider", run.Provider},
		{"Detector", run.DetectorVersion},
		{"Code", run.CodeVersion},
		{"Started", FormatTime(run.StartedAt)},
		{"Finished", FormatTime(run.FinishedAt)},
		{"Duration", FormatDurationMS(run.DurationMS)},
	}
	if run.ErrorMessage != "" {
		pairs = append(pairs, [2]string{"Error", output.Red(run.ErrorMessage)})
	}
	output.KeyValues("", pairs)

	if run.Status == models.RunSucceeded {
		output.Println()
		displaySummary(output, models.RangeSummary{Start: run.Start, End: run.End, Summary: run.Summary})
		idx := runArtifacts(run, exec).Index(run.Start, run.End)
		output.Println()
		output.Dim("Artifacts: %s (%d days)", runArtifacts(run, exec).Root(), len(idx.Days))
	}
}

func displaySummary(output *Output, s models.RangeSummary) {
	title := "KPIs " + s.Start + " .. " + s.End
	if s.Status != "" {
		title += " [" + output.Status(s.Status) + "]"
	}
	output.KeyValues(title, [][2]string{
		{"Candidates", strconv.Itoa(s.NumCandidates)},
		{"Triggers", strconv.Itoa(s.NumTriggers)},
		{"Successes", strconv.Itoa(s.NumSuccess)},
		{"Precision@10", utils.FormatRatio(s.PrecisionAt10)},
		{"Precision@25", utils.FormatRatio(s.PrecisionAt25)},
		{"Hit rate", utils.FormatRatio(s.HitRate)},
		{"Median runup", utils.FormatRatio(s.MedianRunup)},
	})
}
