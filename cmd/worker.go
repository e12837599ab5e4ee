package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/audit"
	"github.com/sells-group/visibility-cli/internal/monitoring"
)

var workerOnce bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Poll for pending audits and process them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		w := audit.NewWorker(env.Store, env.Runner, cfg.Worker.PollInterval())

		if workerOnce {
			n, err := w.RunOnce(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("worker pass complete", zap.Int("processed", n))
			return nil
		}

		if cfg.Monitor.Enabled {
			checker := monitoring.NewChecker(
				env.Collector,
				monitoring.NewAlerter(cfg.Monitor.WebhookURL),
				env.Runner,
				cfg.Monitor.Interval(),
			)
			go checker.Run(ctx)
		}

		return w.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "drain the pending queue once and exit")
	rootCmd.AddCommand(workerCmd)
}
