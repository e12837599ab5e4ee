package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/api"
	"github.com/sells-group/visibility-cli/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the audit control API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srv := api.New(ctx, env.Store, env.Runner, env.Collector, api.Config{
			CORSOrigins:       cfg.Server.CORSOrigins,
			DefaultQueryCount: cfg.Audit.DefaultQueryCount,
			StaleThreshold:    cfg.Audit.StaleThreshold(),
			Providers:         env.Registry.List(),
			TemplateCount:     env.Templates.Len(),
			CacheEnabled:      cfg.Cache.Enabled,
		})

		if cfg.Monitor.Enabled {
			checker := monitoring.NewChecker(
				env.Collector,
				monitoring.NewAlerter(cfg.Monitor.WebhookURL),
				env.Runner,
				cfg.Monitor.Interval(),
			)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		httpSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: srv.Router(),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
