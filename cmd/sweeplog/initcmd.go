package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sweeplog/sweeplog/internal/config"
	"github.com/sweeplog/sweeplog/internal/sheets"
)

func newInitCmd(configPath, logLevel *string) *cobra.Command {
	var createTitle string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the spreadsheet schema (tabs and headers)",
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

			ctx := cmd.Context()
			create := createTitle != ""

			store, err := openSheetStore(ctx, cfg, logger, !create)
			if err != nil {
				return err
			}

			if create {
				id, err := store.CreateSpreadsheet(ctx, createTitle, sheets.AllTables())
				if err != nil {
					return fmt.Errorf("create spreadsheet: %w", err)
				}
				fmt.Println("Done.")
				fmt.Printf("- Created spreadsheet %q\n", createTitle)
				fmt.Printf("- Spreadsheet id: %s\n", id)
				fmt.Println("- Next: put the id in sheets.spreadsheet_id and share the sheet with the service account")
				return nil
			}

			if err := store.EnsureSchema(ctx, sheets.AllTables()); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			fmt.Println("Done.")
			fmt.Printf("- Spreadsheet %s has all tabs and headers\n", cfg.Sheets.SpreadsheetID)
			return nil
		},
	}
	cmd.Flags().StringVar(&createTitle, "create", "", "create a new spreadsheet with this title and print its id")
	return cmd
}
