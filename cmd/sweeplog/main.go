package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/api/option"

	"github.com/sweeplog/sweeplog/internal/config"
	"github.com/sweeplog/sweeplog/internal/engine"
	"github.com/sweeplog/sweeplog/internal/sheets"
	"github.com/sweeplog/sweeplog/internal/storage"
	"github.com/sweeplog/sweeplog/internal/vacuum"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel string

	root := &cobra.Command{
		Use:           "sweeplog",
		Short:         "Robot vacuum cleaning log, synced to a Google Sheet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./sweeplog.config.json", "path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newStatusCmd(&configPath, &logLevel))
	root.AddCommand(newLogCmd(&configPath, &logLevel))
	root.AddCommand(newMonitorCmd(&configPath, &logLevel))
	root.AddCommand(newInitCmd(&configPath, &logLevel))
	return root
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// openSheetStore builds the Google Sheets store the way every mode
// needs it. requireID is false only for `init --create`, which runs
// before a spreadsheet exists.
func openSheetStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, requireID bool) (*sheets.GoogleStore, error) {
	if err := cfg.ValidateSheets(requireID); err != nil {
		return nil, err
	}
	store, err := sheets.NewGoogleStore(ctx, cfg.Sheets.SpreadsheetID, logger,
		option.WithCredentialsFile(cfg.Sheets.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet store: %w", err)
	}
	return store, nil
}

// buildEngine wires the full sync stack: local state db, cursor,
// journal, sheet store, device client, engine. The caller owns the
// returned db handle.
func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*engine.Engine, *sql.DB, error) {
	if err := cfg.ValidateDevice(); err != nil {
		return nil, nil, err
	}

	store, err := openSheetStore(ctx, cfg, logger, true)
	if err != nil {
		return nil, nil, err
	}

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state database: %w", err)
	}

	cursor := storage.NewCursorStore(db)
	journal, err := storage.NewJournal(db, cfg.Sync.DedupWindow)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to load session journal: %w", err)
	}

	device := vacuum.NewCloudClient(cfg.Device, logger)
	eng := engine.New(cfg, device, store, cursor, journal, logger)
	return eng, db, nil
}
