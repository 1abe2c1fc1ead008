package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"missionline/internal/app"
	"missionline/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			a, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				Config:    cfg,
				Logger:    logger,
				Registry:  reg,
			})
			if err != nil {
				return err
			}
			if err := a.Recover(ctx); err != nil {
				_ = a.Close(context.Background())
				return err
			}

			authCfg := server.AuthConfig{Logger: logger}
			if env := strings.TrimSpace(cfg.Server.JWTSecretEnv); env != "" {
				authCfg.JWTSecret = os.Getenv(env)
			}
			if !authCfg.Enabled() {
				logger.Warn("bearer auth disabled; set the secret variable to enable it", zap.String("env", cfg.Server.JWTSecretEnv))
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: cfg.Server.BasePath,
				Auth:     authCfg,
				Metrics:  a.Metrics,
			})
			if err != nil {
				_ = a.Close(context.Background())
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			hooks := server.NewWebhookDispatcher(a.Engine.Repo, cfg.Webhooks, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving missionline API",
					zap.String("addr", "http://"+cfg.Server.Addr+cfg.Server.BasePath),
					zap.String("openapi", cfg.Server.BasePath+"/openapi.json"),
					zap.String("docs", "/docs"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				return hooks.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Executor.ShutdownGrace)
				defer cancel()
				logger.Info("shutting down", zap.Duration("grace", cfg.Executor.ShutdownGrace))
				return errors.Join(srv.Shutdown(shutdownCtx), a.Close(shutdownCtx))
			})
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from missionline.yml)")
	cmd.Flags().String("base-path", "", "API base path (default from missionline.yml)")
	cmd.Flags().Int("workers", 0, "executor workers")
	cmd.Flags().Int("queue-size", 0, "executor queue size")
	cmd.Flags().Duration("timeout", 0, "per-mission execution timeout")
	cmd.Flags().String("llm-backend", "", "LLM backend (gemini, ollama, none)")
	cmd.Flags().String("llm-model", "", "LLM model name")
	for _, name := range []string{"addr", "base-path", "workers", "queue-size", "timeout", "llm-backend", "llm-model"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}
