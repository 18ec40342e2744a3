// Package integration drives the whole sync stack together: a real
// sqlite state database, the real Google Sheets store speaking to an
// in-process fake of the Sheets API, and a scripted device client.
package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/sweeplog/sweeplog/internal/config"
	"github.com/sweeplog/sweeplog/internal/engine"
	"github.com/sweeplog/sweeplog/internal/sheets"
	"github.com/sweeplog/sweeplog/internal/storage"
	"github.com/sweeplog/sweeplog/internal/vacuum"
)

const harnessSpreadsheetID = "it-sheet"

// fakeSheets is an in-process stand-in for the Sheets API: enough of
// the values/batchUpdate surface for the store to run against, plus
// failure injection for chaos tests.
type fakeSheets struct {
	mu   sync.Mutex
	tabs map[string]*fakeTab

	nextSheetID int64
	failures    []injectedFailure
}

type fakeTab struct {
	sheetID int64
	rows    [][]string
}

type injectedFailure struct {
	method string
	substr string
	code   int
	msg    string
}

func newFakeSheets() *fakeSheets {
	return &fakeSheets{tabs: make(map[string]*fakeTab), nextSheetID: 100}
}

// FailNext makes the next request matching method and path substring
// return the given API error. Queued failures fire in order.
func (f *fakeSheets) FailNext(method, substr string, code int, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, injectedFailure{method: method, substr: substr, code: code, msg: msg})
}

// DeleteTab removes a tab, simulating a human deleting it mid-run.
func (f *fakeSheets) DeleteTab(title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tabs, title)
}

// DataRows returns the rows below the header of a tab.
func (f *fakeSheets) DataRows(title string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	tab, ok := f.tabs[title]
	if !ok || len(tab.rows) < 2 {
		return nil
	}
	out := make([][]string, len(tab.rows)-1)
	for i, row := range tab.rows[1:] {
		out[i] = append([]string(nil), row...)
	}
	return out
}

// SeedDataRow appends a data row directly, below the header.
func (f *fakeSheets) SeedDataRow(title string, row []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tab := f.ensureTabLocked(title)
	if len(tab.rows) == 0 {
		tab.rows = append(tab.rows, []string{})
	}
	tab.rows = append(tab.rows, append([]string(nil), row...))
}

func (f *fakeSheets) ensureTabLocked(title string) *fakeTab {
	tab, ok := f.tabs[title]
	if !ok {
		tab = &fakeTab{sheetID: f.nextSheetID}
		f.nextSheetID++
		f.tabs[title] = tab
	}
	return tab
}

func (f *fakeSheets) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if code, msg, ok := f.takeFailureLocked(r); ok {
			writeSheetError(w, code, msg)
			return
		}

		path := r.URL.Path
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(path, ":append"):
			f.handleAppend(w, r)
		case r.Method == http.MethodPost && strings.HasSuffix(path, ":batchUpdate"):
			f.handleBatchUpdate(w, r)
		case strings.Contains(path, "/values/"):
			rangeStr := path[strings.LastIndex(path, "/values/")+len("/values/"):]
			if r.Method == http.MethodGet {
				f.handleGetValues(w, rangeStr)
			} else {
				f.handlePutValues(w, r, rangeStr)
			}
		case r.Method == http.MethodGet:
			f.handleMeta(w)
		default:
			writeSheetError(w, 404, "not found")
		}
	}
}

func (f *fakeSheets) takeFailureLocked(r *http.Request) (int, string, bool) {
	for i, fail := range f.failures {
		if fail.method == r.Method && strings.Contains(r.URL.Path, fail.substr) {
			f.failures = append(f.failures[:i], f.failures[i+1:]...)
			return fail.code, fail.msg, true
		}
	}
	return 0, "", false
}

func splitRange(rangeStr string) (title, ref string) {
	parts := strings.SplitN(rangeStr, "!", 2)
	if len(parts) != 2 {
		return rangeStr, ""
	}
	return parts[0], parts[1]
}

func (f *fakeSheets) handleAppend(w http.ResponseWriter, r *http.Request) {
	rangeStr := strings.TrimSuffix(r.URL.Path[strings.LastIndex(r.URL.Path, "/values/")+len("/values/"):], ":append")
	title, _ := splitRange(rangeStr)
	tab, ok := f.tabs[title]
	if !ok {
		writeSheetError(w, 400, "Unable to parse range: "+rangeStr)
		return
	}
	for _, row := range decodeValues(r) {
		tab.rows = append(tab.rows, row)
	}
	fmt.Fprint(w, `{}`)
}

func (f *fakeSheets) handleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []struct {
			AddSheet *struct {
				Properties struct {
					Title string `json:"title"`
				} `json:"properties"`
			} `json:"addSheet"`
			DeleteSheet *struct {
				SheetID int64 `json:"sheetId"`
			} `json:"deleteSheet"`
		} `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeSheetError(w, 400, "bad batch body")
		return
	}
	for _, req := range body.Requests {
		if req.AddSheet != nil {
			title := req.AddSheet.Properties.Title
			if _, exists := f.tabs[title]; exists {
				writeSheetError(w, 400, fmt.Sprintf("A sheet with the name %q already exists", title))
				return
			}
			f.ensureTabLocked(title)
		}
		if req.DeleteSheet != nil {
			for title, tab := range f.tabs {
				if tab.sheetID == req.DeleteSheet.SheetID {
					delete(f.tabs, title)
				}
			}
		}
	}
	fmt.Fprint(w, `{}`)
}

func (f *fakeSheets) handleGetValues(w http.ResponseWriter, rangeStr string) {
	title, ref := splitRange(rangeStr)
	tab, ok := f.tabs[title]
	if !ok {
		writeSheetError(w, 400, "Unable to parse range: "+rangeStr)
		return
	}

	var values [][]string
	switch {
	case ref == "1:1":
		if len(tab.rows) > 0 && len(tab.rows[0]) > 0 {
			values = tab.rows[:1]
		}
	case ref == "A2:A":
		if len(tab.rows) > 1 {
			for _, row := range tab.rows[1:] {
				if len(row) > 0 {
					values = append(values, []string{row[0]})
				} else {
					values = append(values, []string{})
				}
			}
		}
	default: // A2:Z, the read-everything range
		if len(tab.rows) > 1 {
			values = tab.rows[1:]
		}
	}

	out := struct {
		Values [][]string `json:"values,omitempty"`
	}{Values: values}
	json.NewEncoder(w).Encode(out)
}

func (f *fakeSheets) handlePutValues(w http.ResponseWriter, r *http.Request, rangeStr string) {
	title, ref := splitRange(rangeStr)
	tab, ok := f.tabs[title]
	if !ok {
		writeSheetError(w, 400, "Unable to parse range: "+rangeStr)
		return
	}
	rows := decodeValues(r)
	if len(rows) == 0 {
		fmt.Fprint(w, `{}`)
		return
	}

	// Refs in use are single anchors: A1 for headers, A<n> for row n.
	rowNum, err := strconv.Atoi(strings.TrimPrefix(ref, "A"))
	if err != nil || rowNum < 1 {
		writeSheetError(w, 400, "Unable to parse range: "+rangeStr)
		return
	}
	for len(tab.rows) < rowNum {
		tab.rows = append(tab.rows, []string{})
	}
	tab.rows[rowNum-1] = rows[0]
	fmt.Fprint(w, `{}`)
}

func (f *fakeSheets) handleMeta(w http.ResponseWriter) {
	type props struct {
		SheetID int64  `json:"sheetId"`
		Title   string `json:"title"`
	}
	type sheetEntry struct {
		Properties props `json:"properties"`
	}
	out := struct {
		SpreadsheetID string       `json:"spreadsheetId"`
		Sheets        []sheetEntry `json:"sheets"`
	}{SpreadsheetID: harnessSpreadsheetID}
	for title, tab := range f.tabs {
		out.Sheets = append(out.Sheets, sheetEntry{Properties: props{SheetID: tab.sheetID, Title: title}})
	}
	json.NewEncoder(w).Encode(out)
}

func decodeValues(r *http.Request) [][]string {
	var vr struct {
		Values [][]interface{} `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
		return nil
	}
	out := make([][]string, len(vr.Values))
	for i, row := range vr.Values {
		cells := make([]string, len(row))
		for j, cell := range row {
			cells[j] = fmt.Sprint(cell)
		}
		out[i] = cells
	}
	return out
}

func writeSheetError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"status":""}}`, code, msg)
}

// syncHarness owns one full stack instance. Restart builds a fresh
// engine over the same spreadsheet and state database, the way a
// process restart would.
type syncHarness struct {
	t      *testing.T
	sheets *fakeSheets
	server *httptest.Server
	device *vacuum.StubClient
	cfg    *config.Config
	dbPath string

	db     *sql.DB
	engine *engine.Engine
}

func newSyncHarness(t *testing.T) *syncHarness {
	t.Helper()

	fake := newFakeSheets()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	cfgPath := filepath.Join(dir, "sweeplog.config.json")

	// Written through config.Load so defaults, validation, and the
	// JSONC path all run exactly as they would in production.
	cfgJSON := fmt.Sprintf(`{
  // integration harness config
  "device": {"base_url": "http://127.0.0.1:0", "token": "stub", "device_id": "stub-dev"},
  "sheets": {"spreadsheet_id": %q, "credentials_file": "unused.json"},
  "sync": {
    "poll_interval_seconds": 5,
    "consumables_every_cycles": 4,
    "max_attempts": 4,
    "backoff_base_ms": 10,
    "backoff_max_ms": 100,
    "dedup_window": 8,
    "timezone": "UTC",
  },
  "database": {"path": %q},
}`, harnessSpreadsheetID, dbPath)
	if err := os.WriteFile(cfgPath, []byte(cfgJSON), 0o644); err != nil {
		t.Fatalf("write harness config: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load harness config: %v", err)
	}

	h := &syncHarness{
		t:      t,
		sheets: fake,
		server: server,
		device: &vacuum.StubClient{},
		cfg:    cfg,
		dbPath: dbPath,
	}
	h.start()
	t.Cleanup(func() { h.db.Close() })
	return h
}

func (h *syncHarness) start() {
	h.t.Helper()

	db, err := storage.Open(h.dbPath)
	if err != nil {
		h.t.Fatalf("open state db: %v", err)
	}
	h.db = db

	cursor := storage.NewCursorStore(db)
	journal, err := storage.NewJournal(db, h.cfg.Sync.DedupWindow)
	if err != nil {
		h.t.Fatalf("create journal: %v", err)
	}

	store, err := sheets.NewGoogleStore(context.Background(), harnessSpreadsheetID, nil,
		option.WithEndpoint(h.server.URL), option.WithoutAuthentication())
	if err != nil {
		h.t.Fatalf("create sheet store: %v", err)
	}

	h.engine = engine.New(h.cfg, h.device, store, cursor, journal, zap.NewNop())
}

// restart closes the current engine's database and builds a new stack
// over the same state file and spreadsheet.
func (h *syncHarness) restart() {
	h.t.Helper()
	h.db.Close()
	h.start()
}

// wipeState deletes the local state database, simulating a lost disk.
func (h *syncHarness) wipeState() {
	h.t.Helper()
	h.db.Close()
	if err := os.Remove(h.dbPath); err != nil {
		h.t.Fatalf("remove state db: %v", err)
	}
	h.start()
}

func (h *syncHarness) bootstrap() {
	h.t.Helper()
	if err := h.engine.Bootstrap(context.Background()); err != nil {
		h.t.Fatalf("Bootstrap failed: %v", err)
	}
}

func (h *syncHarness) runCycles(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		if err := h.engine.RunOnce(context.Background()); err != nil {
			h.t.Fatalf("cycle %d failed: %v", i+1, err)
		}
	}
}

// scriptDevice feeds the device stub a fixed snapshot sequence; the
// last snapshot repeats once the script runs out.
func (h *syncHarness) scriptDevice(snaps ...vacuum.Snapshot) {
	i := 0
	h.device.StatusFunc = func(ctx context.Context) (vacuum.Snapshot, error) {
		sn := snaps[len(snaps)-1]
		if i < len(snaps) {
			sn = snaps[i]
			i++
		}
		return sn, nil
	}
}

// snapAt builds a snapshot taken at 09:MM UTC on 2025-07-10.
func snapAt(minute int, state vacuum.PowerState, areaM2 float64, seconds int) vacuum.Snapshot {
	return vacuum.Snapshot{
		Taken:       time.Date(2025, 7, 10, 9, minute, 0, 0, time.UTC),
		State:       state,
		RawState:    string(state),
		Battery:     90,
		FanPower:    "balanced",
		MopMode:     "standard",
		CleanAreaM2: areaM2,
		CleanTime:   seconds,
	}
}
