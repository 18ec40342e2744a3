package sheets

import "context"

// Store is the persistence surface the sync engine drives. One
// implementation speaks to Google Sheets; the in-memory one backs
// tests. Keyed tables carry their upsert key in the first column; an
// empty key addresses the single data row of an overwrite-style table.
type Store interface {
	EnsureSchema(ctx context.Context, tables []TableSpec) error
	AppendRow(ctx context.Context, table string, row []string) error
	UpsertRow(ctx context.Context, table string, key string, row []string) error
	ReadAll(ctx context.Context, table string) ([][]string, error)
}

// TableSpec names one sheet and its header row. KeyColumn is the
// zero-based column upserts match on; -1 marks a table that keeps a
// single data row, always overwritten.
type TableSpec struct {
	Name      string
	Headers   []string
	KeyColumn int
}

const (
	TableCleaningHistory = "Cleaning_History"
	TableDeviceStatus    = "Device_Status"
	TableCleanSummary    = "Clean_Summary"
	TableConsumables     = "Consumables"
	TableDailySummary    = "Daily_Summary"
)

// AllTables returns the full schema in creation order.
func AllTables() []TableSpec {
	return []TableSpec{
		{
			Name: TableCleaningHistory,
			Headers: []string{
				"Session ID",
				"Started At",
				"Ended At",
				"Clean Time (min)",
				"Clean Area (m²)",
				"Battery Start (%)",
				"Battery End (%)",
				"Fan Power",
				"Mop Mode",
				"Error Code",
			},
			KeyColumn: 0,
		},
		{
			Name: TableDeviceStatus,
			Headers: []string{
				"Timestamp",
				"State",
				"Battery (%)",
				"Fan Power",
				"Water Box Status",
				"Mop Mode",
				"Error Code",
				"Clean Time (min)",
				"Clean Area (m²)",
			},
			KeyColumn: -1,
		},
		{
			Name: TableCleanSummary,
			Headers: []string{
				"Updated At",
				"Total Sessions",
				"Total Area (m²)",
				"Total Time (min)",
			},
			KeyColumn: -1,
		},
		{
			Name: TableConsumables,
			Headers: []string{
				"Updated At",
				"Main Brush (h)",
				"Side Brush (h)",
				"Filter (h)",
				"Sensor (h)",
				"Mop Pad (h)",
			},
			KeyColumn: -1,
		},
		{
			Name: TableDailySummary,
			Headers: []string{
				"Date",
				"Total Cleanings",
				"Total Clean Time (min)",
				"Total Area (m²)",
				"Avg Clean Time (min)",
				"Avg Area (m²)",
			},
			KeyColumn: 0,
		},
	}
}
