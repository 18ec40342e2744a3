package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sweeplog/sweeplog/internal/config"
	"github.com/sweeplog/sweeplog/internal/engine"
	"github.com/sweeplog/sweeplog/internal/notify"
)

func newMonitorCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:     "monitor",
		Aliases: []string{"schedule"},
		Short:   "Poll the device and sync sessions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger, err := buildLogger(*logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			eng, db, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			engine.InitMetrics()
			logger.Info("metrics initialized")

			var bot *notify.Discord
			if token := cfg.Notify.Discord.BotToken; token != "" {
				b, botErr := notify.NewDiscord(token, cfg.Notify.Discord.ChannelID, logger)
				if botErr != nil {
					logger.Error("failed to create discord notifier", zap.Error(botErr))
				} else if startErr := b.Start(); startErr != nil {
					logger.Error("failed to start discord notifier", zap.Error(startErr))
				} else {
					bot = b
					eng.SetNotifier(bot)
					logger.Info("discord notifier started")
				}
			}

			var shutdownHTTP func(ctx context.Context) error
			if addr := cfg.Observability.ListenAddr; addr != "" {
				pollInterval := time.Duration(cfg.Sync.PollIntervalSeconds) * time.Second
				checker := engine.NewHealthChecker(db, eng, pollInterval)
				api := engine.NewAPI(eng, checker, cfg.Observability.AuthToken, logger)

				shutdownHTTP, err = engine.StartHTTPServer(addr, api.Handler(), logger)
				if err != nil {
					return err
				}
			}

			if err := eng.Bootstrap(ctx); err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}

			runErr := eng.Run(ctx)

			if shutdownHTTP != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := shutdownHTTP(shutdownCtx); err != nil {
					logger.Error("error shutting down observability server", zap.Error(err))
				}
				cancel()
			}
			if bot != nil {
				if err := bot.Stop(); err != nil {
					logger.Error("error stopping discord notifier", zap.Error(err))
				}
			}

			if runErr != nil {
				return runErr
			}
			logger.Info("sweeplog exited cleanly")
			return nil
		},
	}
}
