package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sweeplog/sweeplog/internal/config"
)

func newLogCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "Run one manual poll-and-persist cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			// A manual cycle always writes the status and consumables
			// rows; the cadence only matters for the long-running loop.
			cfg.Sync.ConsumablesEveryCycles = 1

			logger, err := buildLogger(*logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			eng, db, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := eng.Bootstrap(ctx); err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			if err := eng.RunOnce(ctx); err != nil {
				return fmt.Errorf("sync cycle: %w", err)
			}

			st := eng.Status()
			fmt.Printf("logged: state=%s battery=%d%% sessions=%d area=%.1fm²\n",
				st.DeviceState, st.BatteryPercent, st.TotalSessions, st.TotalAreaM2)
			return nil
		},
	}
}
