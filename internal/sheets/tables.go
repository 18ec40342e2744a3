package sheets

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sweeplog/sweeplog/internal/shared"
	"github.com/sweeplog/sweeplog/internal/vacuum"
)

// Cell timestamps are written in a spreadsheet-friendly layout; decoding
// tolerates the RFC 3339 forms too in case rows were edited by hand.
const cellTimeLayout = "2006-01-02 15:04:05"

var cellTimeLayouts = []string{
	cellTimeLayout,
	time.RFC3339Nano,
	time.RFC3339,
}

func formatCellTime(t time.Time) string {
	return t.UTC().Format(cellTimeLayout)
}

func parseCellTime(s string) (time.Time, error) {
	for _, layout := range cellTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// EncodeSessionRow lays a session out in Cleaning_History column order.
func EncodeSessionRow(s vacuum.CompletedSession) []string {
	return []string{
		s.ID,
		formatCellTime(s.StartedAt),
		formatCellTime(s.EndedAt),
		strconv.Itoa(s.Minutes()),
		strconv.FormatFloat(s.CleanAreaM2, 'f', 2, 64),
		strconv.Itoa(s.BatteryStart),
		strconv.Itoa(s.BatteryEnd),
		s.FanPower,
		s.MopMode,
		strconv.Itoa(s.ErrorCode),
	}
}

// DecodeSessionRow rebuilds a session from a Cleaning_History row. Rows
// that cannot be decoded wrap ErrInvalidData so the caller can skip them
// without aborting a bootstrap read.
func DecodeSessionRow(row []string) (vacuum.CompletedSession, error) {
	if len(row) < 5 {
		return vacuum.CompletedSession{}, fmt.Errorf("history row has %d columns, need at least 5: %w", len(row), shared.ErrInvalidData)
	}
	if strings.TrimSpace(row[0]) == "" {
		return vacuum.CompletedSession{}, fmt.Errorf("history row has no session id: %w", shared.ErrInvalidData)
	}

	started, err := parseCellTime(row[1])
	if err != nil {
		return vacuum.CompletedSession{}, fmt.Errorf("history row %s: start: %v: %w", row[0], err, shared.ErrInvalidData)
	}
	ended, err := parseCellTime(row[2])
	if err != nil {
		return vacuum.CompletedSession{}, fmt.Errorf("history row %s: end: %v: %w", row[0], err, shared.ErrInvalidData)
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(row[3]))
	if err != nil {
		return vacuum.CompletedSession{}, fmt.Errorf("history row %s: minutes: %v: %w", row[0], err, shared.ErrInvalidData)
	}
	area, err := strconv.ParseFloat(strings.TrimSpace(row[4]), 64)
	if err != nil {
		return vacuum.CompletedSession{}, fmt.Errorf("history row %s: area: %v: %w", row[0], err, shared.ErrInvalidData)
	}

	s := vacuum.CompletedSession{
		ID:           strings.TrimSpace(row[0]),
		StartedAt:    started,
		EndedAt:      ended,
		CleanAreaM2:  area,
		CleanSeconds: minutes * 60,
	}
	s.BatteryStart = optionalInt(row, 5)
	s.BatteryEnd = optionalInt(row, 6)
	if len(row) > 7 {
		s.FanPower = row[7]
	}
	if len(row) > 8 {
		s.MopMode = row[8]
	}
	s.ErrorCode = optionalInt(row, 9)

	if err := s.Validate(); err != nil {
		return vacuum.CompletedSession{}, err
	}
	return s, nil
}

// EncodeLifetimeRow lays the lifetime aggregate out in Clean_Summary
// column order.
func EncodeLifetimeRow(life vacuum.LifetimeAggregate) []string {
	return []string{
		formatCellTime(life.UpdatedAt),
		strconv.Itoa(life.TotalSessions),
		strconv.FormatFloat(life.TotalAreaM2, 'f', 2, 64),
		strconv.Itoa(life.TotalTimeMinutes),
	}
}

// DecodeLifetimeRow reads a stored Clean_Summary row, used at bootstrap
// to compare the stored baseline against the recomputed one.
func DecodeLifetimeRow(row []string) (vacuum.LifetimeAggregate, error) {
	if len(row) < 4 {
		return vacuum.LifetimeAggregate{}, fmt.Errorf("summary row has %d columns, need 4: %w", len(row), shared.ErrInvalidData)
	}
	updated, err := parseCellTime(row[0])
	if err != nil {
		return vacuum.LifetimeAggregate{}, fmt.Errorf("summary row: updated at: %v: %w", err, shared.ErrInvalidData)
	}
	sessions, err := strconv.Atoi(strings.TrimSpace(row[1]))
	if err != nil {
		return vacuum.LifetimeAggregate{}, fmt.Errorf("summary row: sessions: %v: %w", err, shared.ErrInvalidData)
	}
	area, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if err != nil {
		return vacuum.LifetimeAggregate{}, fmt.Errorf("summary row: area: %v: %w", err, shared.ErrInvalidData)
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(row[3]))
	if err != nil {
		return vacuum.LifetimeAggregate{}, fmt.Errorf("summary row: minutes: %v: %w", err, shared.ErrInvalidData)
	}
	return vacuum.LifetimeAggregate{
		UpdatedAt:        updated,
		TotalSessions:    sessions,
		TotalAreaM2:      area,
		TotalTimeMinutes: minutes,
	}, nil
}

// EncodeDailyRow lays a daily bucket out in Daily_Summary column order,
// deriving the average columns the sheet carries.
func EncodeDailyRow(day vacuum.DailyAggregate) []string {
	avgMinutes, avgArea := 0.0, 0.0
	if day.SessionCount > 0 {
		avgMinutes = float64(day.TimeMinutes) / float64(day.SessionCount)
		avgArea = day.AreaM2 / float64(day.SessionCount)
	}
	return []string{
		day.Date,
		strconv.Itoa(day.SessionCount),
		strconv.Itoa(day.TimeMinutes),
		strconv.FormatFloat(day.AreaM2, 'f', 2, 64),
		strconv.FormatFloat(avgMinutes, 'f', 1, 64),
		strconv.FormatFloat(avgArea, 'f', 2, 64),
	}
}

// EncodeStatusRow lays a snapshot out in Device_Status column order.
func EncodeStatusRow(sn vacuum.Snapshot) []string {
	state := sn.RawState
	if state == "" {
		state = string(sn.State)
	}
	return []string{
		formatCellTime(sn.Taken),
		state,
		strconv.Itoa(sn.Battery),
		sn.FanPower,
		sn.WaterLevel,
		sn.MopMode,
		strconv.Itoa(sn.ErrorCode),
		strconv.Itoa(sn.CleanMinutes()),
		strconv.FormatFloat(sn.CleanAreaM2, 'f', 2, 64),
	}
}

// EncodeConsumablesRow lays wear readings out in Consumables column order.
func EncodeConsumablesRow(c vacuum.ConsumableSnapshot) []string {
	return []string{
		formatCellTime(c.CapturedAt),
		strconv.FormatFloat(c.MainBrushHours, 'f', 1, 64),
		strconv.FormatFloat(c.SideBrushHours, 'f', 1, 64),
		strconv.FormatFloat(c.FilterHours, 'f', 1, 64),
		strconv.FormatFloat(c.SensorDirtyHours, 'f', 1, 64),
		strconv.FormatFloat(c.MopPadHours, 'f', 1, 64),
	}
}

func optionalInt(row []string, index int) int {
	if index >= len(row) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(row[index]))
	if err != nil {
		return 0
	}
	return n
}
