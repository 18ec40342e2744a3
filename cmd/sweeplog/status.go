package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeplog/sweeplog/internal/config"
	"github.com/sweeplog/sweeplog/internal/vacuum"
)

// statusView is the JSON shape of `status --format json`.
type statusView struct {
	Taken       time.Time `json:"taken"`
	State       string    `json:"state"`
	RawState    string    `json:"raw_state"`
	Battery     int       `json:"battery_percent"`
	FanPower    string    `json:"fan_power"`
	MopMode     string    `json:"mop_mode"`
	WaterLevel  string    `json:"water_level"`
	CleanAreaM2 float64   `json:"clean_area_m2"`
	CleanTimeM  int       `json:"clean_time_minutes"`
	ErrorCode   int       `json:"error_code"`
}

func newStatusCmd(configPath, logLevel *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch and print the device's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateDevice(); err != nil {
				return err
			}

			logger, err := buildLogger(*logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			client := vacuum.NewCloudClient(cfg.Device, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			snap, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("fetch device status: %w", err)
			}

			if format == "json" {
				return printJSON(snapshotView(snap))
			}
			printSnapshotTable(snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "output format: table or json")
	return cmd
}

func snapshotView(snap vacuum.Snapshot) statusView {
	return statusView{
		Taken:       snap.Taken,
		State:       string(snap.State),
		RawState:    snap.RawState,
		Battery:     snap.Battery,
		FanPower:    snap.FanPower,
		MopMode:     snap.MopMode,
		WaterLevel:  snap.WaterLevel,
		CleanAreaM2: snap.CleanAreaM2,
		CleanTimeM:  snap.CleanMinutes(),
		ErrorCode:   snap.ErrorCode,
	}
}

func printSnapshotTable(snap vacuum.Snapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State\t%s (%s)\n", snap.State, valueOrDash(snap.RawState))
	fmt.Fprintf(w, "Battery\t%d%%\n", snap.Battery)
	fmt.Fprintf(w, "Fan power\t%s\n", valueOrDash(snap.FanPower))
	fmt.Fprintf(w, "Mop mode\t%s\n", valueOrDash(snap.MopMode))
	fmt.Fprintf(w, "Water level\t%s\n", valueOrDash(snap.WaterLevel))
	fmt.Fprintf(w, "Run area\t%.1f m²\n", snap.CleanAreaM2)
	fmt.Fprintf(w, "Run time\t%d min\n", snap.CleanMinutes())
	if snap.ErrorCode != 0 {
		fmt.Fprintf(w, "Error code\t%d\n", snap.ErrorCode)
	}
	fmt.Fprintf(w, "Observed\t%s\n", snap.Taken.Local().Format("2006-01-02 15:04:05"))
	w.Flush()
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func valueOrDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
