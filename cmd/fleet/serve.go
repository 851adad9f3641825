package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"robotfleet/internal/app"
	"robotfleet/internal/reconciler"
	"robotfleet/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the fleet API, expires licences on startup and runs reconciliation passes on the configured interval and after every dependency failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, viper.GetString("workspace"), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config
			logger := a.Logger

			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			interval, err := cfg.ReconcileInterval()
			if err != nil {
				return err
			}

			authCfg := server.AuthConfig{
				JWTSecret:       viper.GetString("jwt_secret"),
				AllowAnonymous:  cfg.Auth.AllowAnonymous,
				APIKeysDisabled: !cfg.Auth.APIKeysEnabled,
				DevLogin:        devLogin,
			}
			if authCfg.JWTSecret == "" && !cfg.Auth.AllowAnonymous && !cfg.Auth.APIKeysEnabled {
				return fmt.Errorf("FLEET_JWT_SECRET is required when api keys and anonymous access are disabled")
			}
			if devLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("--dev-login needs FLEET_JWT_SECRET")
			}

			runner := reconciler.New(a.Engine, interval, logger)
			if cfg.Reconcile.OnStartup {
				// a failed sweep is logged by the runner; the first full pass retries it
				_ = runner.Startup(ctx)
			}
			runnerDone := make(chan struct{})
			go func() {
				runner.Start(ctx)
				close(runnerDone)
			}()
			go server.NewWebhookDispatcher(a.Repo, cfg.Webhooks, logger).Start(ctx)

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Repo:     a.Repo,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logger.Named("http"),
				Runner:   runner,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving fleet API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Duration("reconcile_interval", interval),
				zap.Bool("dev_login", devLogin))
			fmt.Printf("Serving fleet API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			err = srv.ListenAndServe()
			stop()
			<-runnerDone
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address (default from fleet.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (default from fleet.yml)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login to mint test tokens")
	return cmd
}
