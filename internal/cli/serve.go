package cli

import (
	"github.com/spf13/cobra"

	"patternscan/internal/ratelimit"
	"patternscan/internal/scheduler"
	"patternscan/internal/server"
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the run executor and scheduler",
		Long: `Serve the HTTP API. The run executor processes queued backtest runs in the
background, and pending runs from earlier processes are queued again on start.
With scheduler.enabled the daily standard run is enqueued after the close.`,
		Example: `  patternscan serve
  patternscan serve --addr :9090 --scheduler`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := app.Config
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
			}
			if cmd.Flags().Changed("scheduler") {
				cfg.Scheduler.Enabled, _ = cmd.Flags().GetBool("scheduler")
			}

			svc, err := app.services()
			if err != nil {
				return err
			}
			limiter, err := ratelimit.New(cfg.RateLimit, cfg.Cache.RedisURL)
			if err != nil {
				return err
			}

			svc.executor.Start(ctx)
			defer svc.executor.Stop()
			if _, err := svc.executor.Resume(ctx); err != nil {
				app.Logger.Warn().Err(err).Msg("failed to resume pending runs")
			}

			if cfg.Scheduler.Enabled {
				sched := scheduler.New(svc.executor, cfg.Scheduler, cfg.Backtest.DetectorVersion, app.Logger)
				if err := sched.Register(ctx); err != nil {
					return err
				}
				sched.Start()
				defer sched.Stop()
				app.Logger.Info().Time("next_run", sched.Next()).Msg("daily run scheduled")
			}

			server.Version = Version
			srv := server.New(server.Deps{
				Scanner:  svc.scanner,
				Charts:   svc.charts,
				Runs:     svc.executor,
				Registry: svc.store,
				Sectors:  svc.universes,
				Limiter:  limiter,
				Metrics:  svc.metrics,
				Gatherer: svc.gatherer,
				Logger:   app.Logger,
			}, server.Options{
				Server:          cfg.Server,
				RateLimit:       cfg.RateLimit,
				ArtifactsRoot:   cfg.Backtest.ArtifactsRoot,
				Provider:        cfg.Data.Provider,
				DetectorVersion: cfg.Backtest.DetectorVersion,
			})
			return srv.Start(ctx)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Bool("scheduler", false, "enable the daily standard run")
	return cmd
}
