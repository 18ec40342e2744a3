package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/sweeplog/sweeplog/internal/shared"
)

// GoogleStore implements Store against the Google Sheets API. All rows
// are written with USER_ENTERED so dates and numbers keep their sheet
// semantics; headers are written RAW.
type GoogleStore struct {
	svc           *gsheets.Service
	spreadsheetID string
	logger        *zap.Logger
}

// NewGoogleStore builds a store for one spreadsheet. Production callers
// pass option.WithCredentialsFile and option.WithScopes; tests point the
// client at an httptest server instead. The spreadsheet id may be empty
// only when the first call is CreateSpreadsheet.
func NewGoogleStore(ctx context.Context, spreadsheetID string, logger *zap.Logger, opts ...option.ClientOption) (*GoogleStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &GoogleStore{svc: svc, spreadsheetID: spreadsheetID, logger: logger}, nil
}

// SpreadsheetID returns the spreadsheet this store is bound to.
func (g *GoogleStore) SpreadsheetID() string {
	return g.spreadsheetID
}

// CreateSpreadsheet makes a fresh spreadsheet, ensures the full schema
// inside it, drops the default "Sheet1" tab, and binds the store to the
// new id.
func (g *GoogleStore) CreateSpreadsheet(ctx context.Context, title string, tables []TableSpec) (string, error) {
	resp, err := g.svc.Spreadsheets.Create(&gsheets.Spreadsheet{
		Properties: &gsheets.SpreadsheetProperties{Title: title},
	}).Context(ctx).Do()
	if err != nil {
		return "", g.translateErr("create spreadsheet", err)
	}

	g.spreadsheetID = resp.SpreadsheetId
	g.logger.Info("created spreadsheet",
		zap.String("title", title),
		zap.String("spreadsheet_id", resp.SpreadsheetId))

	if err := g.EnsureSchema(ctx, tables); err != nil {
		return "", err
	}
	if err := g.deleteDefaultSheet(ctx); err != nil {
		// The data tabs are in place; a leftover Sheet1 is cosmetic.
		g.logger.Warn("could not remove default sheet", zap.Error(err))
	}
	return resp.SpreadsheetId, nil
}

// EnsureSchema creates any missing tabs and writes header rows into
// empty ones. Idempotent: tabs and headers already in place are left
// alone, and a header row that was hand-edited is reported but not
// overwritten.
func (g *GoogleStore) EnsureSchema(ctx context.Context, tables []TableSpec) error {
	if err := g.requireID(); err != nil {
		return err
	}

	meta, err := g.svc.Spreadsheets.Get(g.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return g.translateErr("read spreadsheet", err)
	}
	existing := make(map[string]bool, len(meta.Sheets))
	for _, sheet := range meta.Sheets {
		if sheet.Properties != nil {
			existing[sheet.Properties.Title] = true
		}
	}

	var requests []*gsheets.Request
	for _, table := range tables {
		if existing[table.Name] {
			continue
		}
		requests = append(requests, &gsheets.Request{
			AddSheet: &gsheets.AddSheetRequest{
				Properties: &gsheets.SheetProperties{Title: table.Name},
			},
		})
	}
	if len(requests) > 0 {
		_, err := g.svc.Spreadsheets.BatchUpdate(g.spreadsheetID, &gsheets.BatchUpdateSpreadsheetRequest{
			Requests: requests,
		}).Context(ctx).Do()
		if err != nil && !isAlreadyExists(err) {
			return g.translateErr("add sheets", err)
		}
		g.logger.Info("created missing sheets", zap.Int("count", len(requests)))
	}

	for _, table := range tables {
		if err := g.ensureHeaders(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

func (g *GoogleStore) ensureHeaders(ctx context.Context, table TableSpec) error {
	resp, err := g.svc.Spreadsheets.Values.Get(g.spreadsheetID, table.Name+"!1:1").Context(ctx).Do()
	if err != nil {
		return g.translateErr("read headers "+table.Name, err)
	}

	if len(resp.Values) > 0 && len(resp.Values[0]) > 0 {
		if got := cellString(resp.Values[0][0]); got != table.Headers[0] {
			g.logger.Warn("header row differs from expected schema",
				zap.String("table", table.Name),
				zap.String("first_column", got))
		}
		return nil
	}

	vr := &gsheets.ValueRange{Values: [][]interface{}{toCells(table.Headers)}}
	_, err = g.svc.Spreadsheets.Values.Update(g.spreadsheetID, table.Name+"!A1", vr).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		return g.translateErr("write headers "+table.Name, err)
	}
	g.logger.Info("wrote header row", zap.String("table", table.Name))
	return nil
}

// AppendRow adds one row after the last populated row of the table.
func (g *GoogleStore) AppendRow(ctx context.Context, table string, row []string) error {
	if err := g.requireID(); err != nil {
		return err
	}
	vr := &gsheets.ValueRange{Values: [][]interface{}{toCells(row)}}
	_, err := g.svc.Spreadsheets.Values.Append(g.spreadsheetID, table+"!A1", vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	return g.translateErr("append "+table, err)
}

// UpsertRow overwrites the row identified by key, appending when absent.
// An empty key addresses row 2, the single data row of overwrite-style
// tables.
func (g *GoogleStore) UpsertRow(ctx context.Context, table string, key string, row []string) error {
	if err := g.requireID(); err != nil {
		return err
	}

	target := table + "!A2"
	if key != "" {
		resp, err := g.svc.Spreadsheets.Values.Get(g.spreadsheetID, table+"!A2:A").Context(ctx).Do()
		if err != nil {
			return g.translateErr("read keys "+table, err)
		}
		index := -1
		for i, r := range resp.Values {
			if len(r) > 0 && cellString(r[0]) == key {
				index = i + 2 // values start at sheet row 2
				break
			}
		}
		if index < 0 {
			return g.AppendRow(ctx, table, row)
		}
		target = fmt.Sprintf("%s!A%d", table, index)
	}

	vr := &gsheets.ValueRange{Values: [][]interface{}{toCells(row)}}
	_, err := g.svc.Spreadsheets.Values.Update(g.spreadsheetID, target, vr).
		ValueInputOption("USER_ENTERED").
		Context(ctx).Do()
	return g.translateErr("upsert "+table, err)
}

// ReadAll returns every data row of the table in sheet order, headers
// excluded. Cells come back stringified.
func (g *GoogleStore) ReadAll(ctx context.Context, table string) ([][]string, error) {
	if err := g.requireID(); err != nil {
		return nil, err
	}
	resp, err := g.svc.Spreadsheets.Values.Get(g.spreadsheetID, table+"!A2:Z").Context(ctx).Do()
	if err != nil {
		return nil, g.translateErr("read "+table, err)
	}

	rows := make([][]string, 0, len(resp.Values))
	for _, r := range resp.Values {
		row := make([]string, len(r))
		for i, cell := range r {
			row[i] = cellString(cell)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (g *GoogleStore) deleteDefaultSheet(ctx context.Context) error {
	meta, err := g.svc.Spreadsheets.Get(g.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return g.translateErr("read spreadsheet", err)
	}
	for _, sheet := range meta.Sheets {
		if sheet.Properties == nil || sheet.Properties.Title != "Sheet1" {
			continue
		}
		_, err := g.svc.Spreadsheets.BatchUpdate(g.spreadsheetID, &gsheets.BatchUpdateSpreadsheetRequest{
			Requests: []*gsheets.Request{{
				DeleteSheet: &gsheets.DeleteSheetRequest{SheetId: sheet.Properties.SheetId},
			}},
		}).Context(ctx).Do()
		return g.translateErr("delete default sheet", err)
	}
	return nil
}

func (g *GoogleStore) requireID() error {
	if g.spreadsheetID == "" {
		return errors.New("no spreadsheet id configured")
	}
	return nil
}

// translateErr maps Sheets API failures onto the shared failure classes.
// A missing tab surfaces as a 400 "Unable to parse range", not a 404, so
// both spell schema-missing here.
func (g *GoogleStore) translateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusBadRequest && strings.Contains(gerr.Message, "Unable to parse range") {
			return fmt.Errorf("%s: %s: %w", op, gerr.Message, shared.ErrSchemaMissing)
		}
		return shared.ClassifyStatus(op, gerr.Code)
	}
	return shared.ClassifyNetErr(op, err)
}

func isAlreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && strings.Contains(gerr.Message, "already exists")
}

func toCells(row []string) []interface{} {
	cells := make([]interface{}, len(row))
	for i, v := range row {
		cells[i] = v
	}
	return cells
}

func cellString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
