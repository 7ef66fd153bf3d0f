package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tenant-vault/internal/application"
	"tenant-vault/internal/server"
)

var (
	serveAddress   string
	serveScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the internal HTTP endpoints and run the backup scheduler",
	Long: `Serve the internal HTTP endpoints:

  POST /internal/backups/run       run scheduled backups (X-Scheduler-Secret)
  GET  /internal/backups/last-run  when the latest scheduled run started
  GET  /internal/backups/stats     backup statistics, ?tenant_id= for one tenant
  GET  /healthz                    row store and payload store reachability
  GET  /metrics                    Prometheus metrics

With scheduler.enabled, or --scheduler, the process also runs scheduled
backups itself every scheduler.poll_interval.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "listen address override")
	serveCmd.Flags().BoolVar(&serveScheduler, "scheduler", false, "run the in-process scheduler regardless of scheduler.enabled")
}

func runServe(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, env *environment, svc *application.Service) error {
		cfg := env.config.Server
		if cmd.Flags().Changed("address") {
			cfg.Address = serveAddress
		}
		if cfg.SchedulerSecret == "" {
			env.logger.Warn("server.scheduler_secret is empty, POST /internal/backups/run rejects every request")
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.New(cfg, svc, env.logger).Start(gctx)
		})
		if env.config.Scheduler.Enabled || serveScheduler {
			g.Go(func() error {
				return svc.Scheduler().Start(gctx)
			})
		}
		return g.Wait()
	})
}
