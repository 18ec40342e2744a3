package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sweeplog/sweeplog/internal/config"
	"github.com/sweeplog/sweeplog/internal/shared"
	"github.com/sweeplog/sweeplog/internal/sheets"
	"github.com/sweeplog/sweeplog/internal/storage"
	"github.com/sweeplog/sweeplog/internal/vacuum"
)

type testRig struct {
	engine *Engine
	store  *sheets.MemoryStore
	device *vacuum.StubClient
	cursor *storage.CursorStore
	db     *sql.DB
	sleeps []time.Duration
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cursor := storage.NewCursorStore(db)
	journal, err := storage.NewJournal(db, 16)
	if err != nil {
		t.Fatalf("create journal: %v", err)
	}

	cfg := &config.Config{
		Sync: config.SyncConfig{
			PollIntervalSeconds:    60,
			ConsumablesEveryCycles: 3,
			MaxAttempts:            5,
			BackoffBaseMS:          1000,
			BackoffMaxMS:           60000,
			DedupWindow:            16,
		},
	}

	store := sheets.NewMemoryStore()
	device := &vacuum.StubClient{}

	rig := &testRig{
		store:  store,
		device: device,
		cursor: cursor,
		db:     db,
	}
	e := New(cfg, device, store, cursor, journal, zap.NewNop())
	e.agg = vacuum.NewAggregator(time.UTC)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		rig.sleeps = append(rig.sleeps, d)
		return nil
	}
	rig.engine = e
	return rig
}

// cycleAt builds a snapshot taken at 10:MM UTC on 2025-06-01.
func cycleAt(minute int, state vacuum.PowerState, areaM2 float64, seconds int) vacuum.Snapshot {
	return vacuum.Snapshot{
		Taken:       time.Date(2025, 6, 1, 10, minute, 0, 0, time.UTC),
		State:       state,
		RawState:    string(state),
		Battery:     80,
		FanPower:    "turbo",
		MopMode:     "standard",
		CleanAreaM2: areaM2,
		CleanTime:   seconds,
	}
}

func (r *testRig) script(snaps ...vacuum.Snapshot) {
	i := 0
	r.device.StatusFunc = func(ctx context.Context) (vacuum.Snapshot, error) {
		sn := snaps[len(snaps)-1]
		if i < len(snaps) {
			sn = snaps[i]
			i++
		}
		return sn, nil
	}
}

func (r *testRig) runCycles(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := r.engine.RunOnce(context.Background()); err != nil {
			t.Fatalf("cycle %d failed: %v", i+1, err)
		}
	}
}

type fakeNotifier struct {
	sessions []vacuum.CompletedSession
	faults   []string
}

func (f *fakeNotifier) SessionCompleted(s vacuum.CompletedSession, life vacuum.LifetimeAggregate) {
	f.sessions = append(f.sessions, s)
}

func (f *fakeNotifier) EngineFaulted(reason string) {
	f.faults = append(f.faults, reason)
}

// cancelOnAppendStore cancels a context the moment a history append
// lands, simulating a shutdown signal racing the session write
// sequence. Like a real HTTP store, its writes fail once the context
// they are given is cancelled.
type cancelOnAppendStore struct {
	*sheets.MemoryStore
	cancel context.CancelFunc
}

func (s *cancelOnAppendStore) AppendRow(ctx context.Context, table string, row []string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append %s: %w", table, err)
	}
	if err := s.MemoryStore.AppendRow(ctx, table, row); err != nil {
		return err
	}
	s.cancel()
	return nil
}

func (s *cancelOnAppendStore) UpsertRow(ctx context.Context, table string, key string, row []string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return s.MemoryStore.UpsertRow(ctx, table, key, row)
}

func TestBootstrapFreshSpreadsheet(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	want := []string{"ensure_schema", "read Cleaning_History", "read Clean_Summary"}
	if got := rig.store.Ops(); !reflect.DeepEqual(got, want) {
		t.Errorf("bootstrap ops = %v, want %v", got, want)
	}

	cur, err := rig.cursor.Load(context.Background())
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if cur != nil {
		t.Errorf("fresh bootstrap should not write a cursor, got %+v", cur)
	}

	st := rig.engine.Status()
	if st.TotalSessions != 0 || st.TotalAreaM2 != 0 {
		t.Errorf("fresh bootstrap totals = %+v, want zeros", st)
	}
}

func TestSessionPersistOrder(t *testing.T) {
	rig := newTestRig(t)
	// No slow-table cadence here; the op log should show the session
	// write sequence alone.
	rig.engine.cfg.Sync.ConsumablesEveryCycles = 0
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	rig.script(
		cycleAt(0, vacuum.StateIdle, 0, 0),
		cycleAt(1, vacuum.StateCleaning, 0, 0),
		cycleAt(2, vacuum.StateCleaning, 12.5, 1700),
		cycleAt(3, vacuum.StateIdle, 12.5, 1800),
	)
	rig.runCycles(t, 4)

	want := []string{
		"ensure_schema", "read Cleaning_History", "read Clean_Summary",
		"append Cleaning_History", "upsert Clean_Summary", "upsert Daily_Summary",
	}
	if got := rig.store.Ops(); !reflect.DeepEqual(got, want) {
		t.Errorf("ops = %v, want %v", got, want)
	}

	rows := rig.store.Rows(sheets.TableCleaningHistory)
	if len(rows) != 1 {
		t.Fatalf("history rows = %d, want 1", len(rows))
	}
	s, err := sheets.DecodeSessionRow(rows[0])
	if err != nil {
		t.Fatalf("appended row does not decode: %v", err)
	}
	if s.CleanAreaM2 != 12.5 || s.Minutes() != 30 {
		t.Errorf("persisted session = %.1f m2 / %d min, want 12.5 / 30", s.CleanAreaM2, s.Minutes())
	}

	cur, err := rig.cursor.Load(context.Background())
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if cur == nil || cur.LastSyncedSessionID != s.ID {
		t.Errorf("cursor = %+v, want session %s", cur, s.ID)
	}

	daily := rig.store.Rows(sheets.TableDailySummary)
	if len(daily) != 1 || daily[0][0] != "2025-06-01" || daily[0][1] != "1" {
		t.Errorf("daily summary rows = %v", daily)
	}

	st := rig.engine.Status()
	if st.TotalSessions != 1 || st.TotalAreaM2 != 12.5 || st.TotalTimeMinutes != 30 {
		t.Errorf("status totals = %+v", st)
	}
	if st.LastSessionID != s.ID {
		t.Errorf("status last session = %q, want %q", st.LastSessionID, s.ID)
	}
}

func TestJournaledSessionAdvancesCursorOnly(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	// The session the script below will produce, journaled up front as
	// if a previous run crashed between append and cursor write.
	start := cycleAt(1, vacuum.StateCleaning, 0, 0).Taken
	end := cycleAt(3, vacuum.StateIdle, 0, 0).Taken
	id := vacuum.SessionID(start, end)
	err := rig.engine.journal.MarkAppended(context.Background(), vacuum.CompletedSession{ID: id, EndedAt: end})
	if err != nil {
		t.Fatalf("pre-journal failed: %v", err)
	}

	rig.script(
		cycleAt(0, vacuum.StateIdle, 0, 0),
		cycleAt(1, vacuum.StateCleaning, 0, 0),
		cycleAt(2, vacuum.StateCleaning, 8.0, 900),
		cycleAt(3, vacuum.StateIdle, 8.0, 960),
	)
	rig.runCycles(t, 4)

	for _, op := range rig.store.Ops() {
		if op == "append "+sheets.TableCleaningHistory {
			t.Errorf("journaled session must not be appended again")
		}
	}
	if n := rig.store.RowCount(sheets.TableCleaningHistory); n != 0 {
		t.Errorf("history rows = %d, want 0", n)
	}

	cur, err := rig.cursor.Load(context.Background())
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if cur == nil || cur.LastSyncedSessionID != id {
		t.Errorf("cursor = %+v, want %s", cur, id)
	}

	// Aggregates must not be applied a second time either.
	if st := rig.engine.Status(); st.TotalSessions != 0 {
		t.Errorf("duplicate session changed totals: %+v", st)
	}
}

func TestTransientErrorsRetryWithBackoff(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	rig.store.ForceError("append", fmt.Errorf("append: %w", shared.ErrTransient))
	rig.store.ForceError("append", fmt.Errorf("append: %w", shared.ErrTransient))

	rig.script(
		cycleAt(1, vacuum.StateCleaning, 0, 0),
		cycleAt(2, vacuum.StateIdle, 9.0, 1200),
	)
	rig.runCycles(t, 2)

	wantSleeps := []time.Duration{1 * time.Second, 2 * time.Second}
	if !reflect.DeepEqual(rig.sleeps, wantSleeps) {
		t.Errorf("backoff sleeps = %v, want %v", rig.sleeps, wantSleeps)
	}
	if n := rig.store.RowCount(sheets.TableCleaningHistory); n != 1 {
		t.Errorf("history rows = %d, want 1 after recovery", n)
	}
}

func TestRetryExhaustionIsFatal(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		rig.store.ForceError("append", fmt.Errorf("append: %w", shared.ErrTransient))
	}

	rig.script(
		cycleAt(1, vacuum.StateCleaning, 0, 0),
		cycleAt(2, vacuum.StateIdle, 9.0, 1200),
	)
	if err := rig.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle 1 failed: %v", err)
	}

	err := rig.engine.RunOnce(context.Background())
	if !errors.Is(err, shared.ErrTransient) {
		t.Fatalf("expected transient exhaustion error, got %v", err)
	}

	appends := 0
	for _, op := range rig.store.Ops() {
		if op == "append "+sheets.TableCleaningHistory {
			appends++
		}
	}
	if appends != 5 {
		t.Errorf("append attempted %d times, want exactly 5", appends)
	}

	wantSleeps := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if !reflect.DeepEqual(rig.sleeps, wantSleeps) {
		t.Errorf("backoff sleeps = %v, want %v", rig.sleeps, wantSleeps)
	}

	// Nothing past the failed append may have run.
	if n := rig.store.RowCount(sheets.TableCleanSummary); n != 0 {
		t.Errorf("lifetime summary written despite failed append")
	}
	cur, _ := rig.cursor.Load(context.Background())
	if cur != nil {
		t.Errorf("cursor advanced despite failed append: %+v", cur)
	}
}

func TestStoreAuthErrorFailsWithoutRetry(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	rig.store.ForceError("append", fmt.Errorf("append: %w", shared.ErrAuth))

	rig.script(
		cycleAt(1, vacuum.StateCleaning, 0, 0),
		cycleAt(2, vacuum.StateIdle, 9.0, 1200),
	)
	if err := rig.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle 1 failed: %v", err)
	}

	err := rig.engine.RunOnce(context.Background())
	if !errors.Is(err, shared.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if len(rig.sleeps) != 0 {
		t.Errorf("auth errors must not back off, slept %v", rig.sleeps)
	}
}

func TestMissingSchemaRepairedOnce(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	rig.store.ForceError("append", fmt.Errorf("append: %w", shared.ErrSchemaMissing))

	rig.script(
		cycleAt(1, vacuum.StateCleaning, 0, 0),
		cycleAt(2, vacuum.StateIdle, 9.0, 1200),
	)
	rig.runCycles(t, 2)

	want := []string{
		"ensure_schema", "read Cleaning_History", "read Clean_Summary",
		"append Cleaning_History", "ensure_schema", "append Cleaning_History",
		"upsert Clean_Summary", "upsert Daily_Summary",
	}
	if got := rig.store.Ops(); !reflect.DeepEqual(got, want) {
		t.Errorf("ops = %v, want %v", got, want)
	}
	if len(rig.sleeps) != 0 {
		t.Errorf("schema repair must not back off, slept %v", rig.sleeps)
	}
}

func TestDeviceTransientRetriesWithinCycle(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	calls := 0
	rig.device.StatusFunc = func(ctx context.Context) (vacuum.Snapshot, error) {
		calls++
		if calls < 3 {
			return vacuum.Snapshot{}, fmt.Errorf("status: %w", shared.ErrTransient)
		}
		return cycleAt(1, vacuum.StateIdle, 0, 0), nil
	}

	if err := rig.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("recovered fetch must not fail the cycle: %v", err)
	}
	if calls != 3 {
		t.Errorf("status fetched %d times, want 3", calls)
	}
	wantSleeps := []time.Duration{1 * time.Second, 2 * time.Second}
	if !reflect.DeepEqual(rig.sleeps, wantSleeps) {
		t.Errorf("backoff sleeps = %v, want %v", rig.sleeps, wantSleeps)
	}
	if st := rig.engine.Status(); st.LastError != "" {
		t.Errorf("recovered cycle should leave no status error, got %q", st.LastError)
	}
}

func TestDeviceTransientExhaustionFaults(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	notifier := &fakeNotifier{}
	rig.engine.SetNotifier(notifier)
	rig.device.StatusFunc = func(ctx context.Context) (vacuum.Snapshot, error) {
		return vacuum.Snapshot{}, fmt.Errorf("status: %w", shared.ErrTransient)
	}

	err := rig.engine.Run(context.Background())
	if !errors.Is(err, shared.ErrTransient) {
		t.Fatalf("unreachable device must fault the engine, got %v", err)
	}
	if rig.device.StatusCalls != 5 {
		t.Errorf("status fetched %d times, want exactly 5", rig.device.StatusCalls)
	}
	wantSleeps := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if !reflect.DeepEqual(rig.sleeps, wantSleeps) {
		t.Errorf("backoff sleeps = %v, want %v", rig.sleeps, wantSleeps)
	}
	if st := rig.engine.Status(); st.State != StateFaulted {
		t.Errorf("state = %s, want %s", st.State, StateFaulted)
	}
	if len(notifier.faults) != 1 {
		t.Errorf("fault notifications = %d, want 1", len(notifier.faults))
	}
}

func TestDeviceInvalidDataSkipsCycle(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	calls := 0
	rig.device.StatusFunc = func(ctx context.Context) (vacuum.Snapshot, error) {
		calls++
		if calls == 1 {
			return vacuum.Snapshot{}, fmt.Errorf("status: negative counters: %w", shared.ErrInvalidData)
		}
		return cycleAt(1, vacuum.StateIdle, 0, 0), nil
	}

	if err := rig.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("invalid device data must not be fatal: %v", err)
	}
	if calls != 1 {
		t.Errorf("invalid payload retried: %d fetches, want 1", calls)
	}
	if len(rig.sleeps) != 0 {
		t.Errorf("invalid payloads must not back off, slept %v", rig.sleeps)
	}
	if st := rig.engine.Status(); st.LastError == "" {
		t.Errorf("skipped cycle should surface the error in status")
	}

	if err := rig.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if st := rig.engine.Status(); st.LastError != "" {
		t.Errorf("recovered cycle should clear the status error, got %q", st.LastError)
	}
}

func TestConsumablesExhaustionFaults(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	rig.device.ConsumablesFunc = func(ctx context.Context) (vacuum.ConsumableSnapshot, error) {
		return vacuum.ConsumableSnapshot{}, fmt.Errorf("consumables: %w", shared.ErrTransient)
	}

	// Cycle 3 is the first slow-table refresh.
	rig.runCycles(t, 2)
	err := rig.engine.RunOnce(context.Background())
	if !errors.Is(err, shared.ErrTransient) {
		t.Fatalf("unreachable consumables must fault the engine, got %v", err)
	}
	if rig.device.ConsumablesCalls != 5 {
		t.Errorf("consumables fetched %d times, want exactly 5", rig.device.ConsumablesCalls)
	}
	if len(rig.sleeps) != 4 {
		t.Errorf("backoff slept %d times, want 4", len(rig.sleeps))
	}
}

func TestDeviceAuthErrorIsFatal(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	rig.device.StatusFunc = func(ctx context.Context) (vacuum.Snapshot, error) {
		return vacuum.Snapshot{}, fmt.Errorf("status: %w", shared.ErrAuth)
	}

	if err := rig.engine.RunOnce(context.Background()); !errors.Is(err, shared.ErrAuth) {
		t.Fatalf("expected fatal auth error, got %v", err)
	}
}

func TestRunFaultsAndNotifies(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	notifier := &fakeNotifier{}
	rig.engine.SetNotifier(notifier)
	rig.device.StatusFunc = func(ctx context.Context) (vacuum.Snapshot, error) {
		return vacuum.Snapshot{}, fmt.Errorf("status: %w", shared.ErrAuth)
	}

	err := rig.engine.Run(context.Background())
	if !errors.Is(err, shared.ErrAuth) {
		t.Fatalf("Run should return the fatal error, got %v", err)
	}
	if st := rig.engine.Status(); st.State != StateFaulted {
		t.Errorf("state = %s, want %s", st.State, StateFaulted)
	}
	if len(notifier.faults) != 1 {
		t.Errorf("fault notifications = %d, want 1", len(notifier.faults))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rig.engine.Run(ctx); err != nil {
		t.Fatalf("cancelled Run should return nil, got %v", err)
	}
	if st := rig.engine.Status(); st.State != StateStopped {
		t.Errorf("state = %s, want %s", st.State, StateStopped)
	}
}

func TestShutdownDrainsSessionWrites(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.engine.store = &cancelOnAppendStore{MemoryStore: rig.store, cancel: cancel}

	if err := rig.engine.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	rig.script(
		cycleAt(0, vacuum.StateIdle, 0, 0),
		cycleAt(1, vacuum.StateCleaning, 0, 0),
		cycleAt(2, vacuum.StateCleaning, 12.5, 1700),
		cycleAt(3, vacuum.StateIdle, 12.5, 1800),
	)
	for i := 0; i < 4; i++ {
		if err := rig.engine.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %d failed: %v", i+1, err)
		}
	}
	if ctx.Err() == nil {
		t.Fatal("the append never triggered the cancel")
	}

	// Every write after the append still landed: summaries, cursor,
	// journal. Nothing was torn by the cancellation.
	rows := rig.store.Rows(sheets.TableCleaningHistory)
	if len(rows) != 1 {
		t.Fatalf("history rows = %d, want 1", len(rows))
	}
	s, err := sheets.DecodeSessionRow(rows[0])
	if err != nil {
		t.Fatalf("appended row does not decode: %v", err)
	}
	if n := rig.store.RowCount(sheets.TableCleanSummary); n != 1 {
		t.Errorf("lifetime summary rows = %d, want 1", n)
	}
	if n := rig.store.RowCount(sheets.TableDailySummary); n != 1 {
		t.Errorf("daily summary rows = %d, want 1", n)
	}
	cur, err := rig.cursor.Load(context.Background())
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if cur == nil || cur.LastSyncedSessionID != s.ID {
		t.Errorf("cursor = %+v, want session %s", cur, s.ID)
	}
	if !rig.engine.journal.Seen(s.ID) {
		t.Errorf("session missing from the journal")
	}
}

func TestShutdownHonoredBetweenWrites(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The summary upsert keeps failing; the stop request arrives while
	// the engine waits to retry it.
	for i := 0; i < 5; i++ {
		rig.store.ForceError("upsert", fmt.Errorf("upsert: %w", shared.ErrTransient))
	}
	rig.engine.sleep = func(sctx context.Context, d time.Duration) error {
		cancel()
		return sctx.Err()
	}

	rig.script(
		cycleAt(1, vacuum.StateCleaning, 0, 0),
		cycleAt(2, vacuum.StateIdle, 9.0, 1200),
	)
	if err := rig.engine.RunOnce(ctx); err != nil {
		t.Fatalf("cycle 1 failed: %v", err)
	}
	err := rig.engine.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled between writes, got %v", err)
	}

	// The append landed before the stop; the interrupted upsert did
	// not, and the cursor stayed behind it.
	if n := rig.store.RowCount(sheets.TableCleaningHistory); n != 1 {
		t.Errorf("history rows = %d, want 1", n)
	}
	if n := rig.store.RowCount(sheets.TableCleanSummary); n != 0 {
		t.Errorf("lifetime summary written despite aborted persist")
	}
	cur, _ := rig.cursor.Load(context.Background())
	if cur != nil {
		t.Errorf("cursor advanced past an aborted persist: %+v", cur)
	}
}

func TestColdStartReconstructsFromRemote(t *testing.T) {
	rig := newTestRig(t)

	first := vacuum.CompletedSession{
		ID:           vacuum.SessionID(time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC), time.Date(2025, 5, 30, 9, 30, 0, 0, time.UTC)),
		StartedAt:    time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC),
		EndedAt:      time.Date(2025, 5, 30, 9, 30, 0, 0, time.UTC),
		CleanAreaM2:  10.5,
		CleanSeconds: 1800,
	}
	second := vacuum.CompletedSession{
		ID:           vacuum.SessionID(time.Date(2025, 5, 31, 9, 0, 0, 0, time.UTC), time.Date(2025, 5, 31, 9, 20, 0, 0, time.UTC)),
		StartedAt:    time.Date(2025, 5, 31, 9, 0, 0, 0, time.UTC),
		EndedAt:      time.Date(2025, 5, 31, 9, 20, 0, 0, time.UTC),
		CleanAreaM2:  7.25,
		CleanSeconds: 1200,
	}
	rig.store.SeedTable(sheets.TableCleaningHistory, [][]string{
		sheets.EncodeSessionRow(first),
		sheets.EncodeSessionRow(second),
	})
	// A drifted summary row, as if a human edited it.
	rig.store.SeedTable(sheets.TableCleanSummary, [][]string{
		{"2025-05-31 10:00:00", "99", "999.00", "9999"},
	})

	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	cur, err := rig.cursor.Load(context.Background())
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if cur == nil || cur.LastSyncedSessionID != second.ID {
		t.Errorf("cold start cursor = %+v, want %s", cur, second.ID)
	}

	st := rig.engine.Status()
	if st.TotalSessions != 2 || st.TotalAreaM2 != 17.75 || st.TotalTimeMinutes != 50 {
		t.Errorf("recomputed totals = %+v", st)
	}

	// The drifted summary row was rewritten from history.
	srow := rig.store.Rows(sheets.TableCleanSummary)
	life, derr := sheets.DecodeLifetimeRow(srow[0])
	if derr != nil {
		t.Fatalf("healed summary row does not decode: %v", derr)
	}
	if life.TotalSessions != 2 || life.TotalAreaM2 != 17.75 {
		t.Errorf("healed summary = %+v", life)
	}

	// A new live session appends without tripping the dedup window.
	rig.script(
		cycleAt(1, vacuum.StateCleaning, 0, 0),
		cycleAt(2, vacuum.StateIdle, 5.0, 600),
	)
	rig.runCycles(t, 2)
	if n := rig.store.RowCount(sheets.TableCleaningHistory); n != 3 {
		t.Errorf("history rows = %d, want 3", n)
	}
	if st := rig.engine.Status(); st.TotalSessions != 3 {
		t.Errorf("totals after new session = %+v", st)
	}
}

func TestColdStartSkipsMalformedHistoryRows(t *testing.T) {
	rig := newTestRig(t)

	good := vacuum.CompletedSession{
		ID:           vacuum.SessionID(time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC), time.Date(2025, 5, 30, 9, 30, 0, 0, time.UTC)),
		StartedAt:    time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC),
		EndedAt:      time.Date(2025, 5, 30, 9, 30, 0, 0, time.UTC),
		CleanAreaM2:  10.5,
		CleanSeconds: 1800,
	}
	rig.store.SeedTable(sheets.TableCleaningHistory, [][]string{
		{"someone", "typed", "here"},
		sheets.EncodeSessionRow(good),
	})

	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap must tolerate malformed rows: %v", err)
	}
	if st := rig.engine.Status(); st.TotalSessions != 1 {
		t.Errorf("totals = %+v, want 1 session", st)
	}
}

func TestSummaryDriftIgnoresFloatNoise(t *testing.T) {
	rig := newTestRig(t)

	// 0.1 + 0.2 is not bit-equal to the 0.3 parsed back from the
	// sheet's "0.30". Both sides round to the same cell value, so the
	// stored summary must be left alone.
	first := vacuum.CompletedSession{
		ID:           vacuum.SessionID(time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC), time.Date(2025, 5, 30, 9, 10, 0, 0, time.UTC)),
		StartedAt:    time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC),
		EndedAt:      time.Date(2025, 5, 30, 9, 10, 0, 0, time.UTC),
		CleanAreaM2:  0.1,
		CleanSeconds: 600,
	}
	second := vacuum.CompletedSession{
		ID:           vacuum.SessionID(time.Date(2025, 5, 31, 9, 0, 0, 0, time.UTC), time.Date(2025, 5, 31, 9, 10, 0, 0, time.UTC)),
		StartedAt:    time.Date(2025, 5, 31, 9, 0, 0, 0, time.UTC),
		EndedAt:      time.Date(2025, 5, 31, 9, 10, 0, 0, time.UTC),
		CleanAreaM2:  0.2,
		CleanSeconds: 600,
	}
	rig.store.SeedTable(sheets.TableCleaningHistory, [][]string{
		sheets.EncodeSessionRow(first),
		sheets.EncodeSessionRow(second),
	})
	rig.store.SeedTable(sheets.TableCleanSummary, [][]string{
		{"2025-05-31 10:00:00", "2", "0.30", "20"},
	})

	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	for _, op := range rig.store.Ops() {
		if op == "upsert "+sheets.TableCleanSummary {
			t.Errorf("summary rewritten over a sub-cell difference")
		}
	}
	if st := rig.engine.Status(); st.TotalSessions != 2 {
		t.Errorf("recomputed totals = %+v, want 2 sessions", st)
	}
}

func TestWarmStartKeepsCursor(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	rig.script(
		cycleAt(1, vacuum.StateCleaning, 0, 0),
		cycleAt(2, vacuum.StateIdle, 9.0, 1200),
	)
	rig.runCycles(t, 2)

	before, err := rig.cursor.Load(context.Background())
	if err != nil || before == nil {
		t.Fatalf("expected cursor after persist, got %+v err %v", before, err)
	}

	// A second engine over the same state and spreadsheet: warm start.
	second := New(rig.engine.cfg, rig.device, rig.store, rig.engine.cursor, rig.engine.journal, zap.NewNop())
	second.agg = vacuum.NewAggregator(time.UTC)
	if err := second.Bootstrap(context.Background()); err != nil {
		t.Fatalf("warm Bootstrap failed: %v", err)
	}

	after, err := rig.cursor.Load(context.Background())
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if after.LastSyncedSessionID != before.LastSyncedSessionID || !after.LastSyncedAt.Equal(before.LastSyncedAt) {
		t.Errorf("warm start moved the cursor: %+v -> %+v", before, after)
	}

	st := second.Status()
	if st.TotalSessions != 1 || st.LastSessionID != before.LastSyncedSessionID {
		t.Errorf("warm start status = %+v", st)
	}
}

func TestConsumablesCadence(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	rig.runCycles(t, 7)

	if rig.device.ConsumablesCalls != 2 {
		t.Errorf("consumables fetched %d times in 7 cycles, want 2", rig.device.ConsumablesCalls)
	}
	statusWrites, consumableWrites := 0, 0
	for _, op := range rig.store.Ops() {
		switch op {
		case "upsert " + sheets.TableDeviceStatus:
			statusWrites++
		case "upsert " + sheets.TableConsumables:
			consumableWrites++
		}
	}
	if statusWrites != 2 || consumableWrites != 2 {
		t.Errorf("slow table writes = %d status / %d consumables, want 2 / 2", statusWrites, consumableWrites)
	}
}

func TestErrorStateSplitsSessions(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	notifier := &fakeNotifier{}
	rig.engine.SetNotifier(notifier)

	rig.script(
		cycleAt(1, vacuum.StateCleaning, 0, 0),
		cycleAt(2, vacuum.StateCleaning, 5.0, 600),
		cycleAt(3, vacuum.StateError, 5.0, 650),
		cycleAt(4, vacuum.StateCleaning, 0, 0),
		cycleAt(5, vacuum.StateCleaning, 3.0, 400),
		cycleAt(6, vacuum.StateIdle, 3.0, 420),
	)
	rig.runCycles(t, 6)

	if n := rig.store.RowCount(sheets.TableCleaningHistory); n != 2 {
		t.Fatalf("history rows = %d, want 2", n)
	}
	if len(notifier.sessions) != 2 {
		t.Fatalf("notified %d sessions, want 2", len(notifier.sessions))
	}
	if notifier.sessions[0].ID == notifier.sessions[1].ID {
		t.Errorf("split sessions share an id")
	}
	if st := rig.engine.Status(); st.TotalSessions != 2 || st.TotalAreaM2 != 8.0 {
		t.Errorf("totals = %+v", st)
	}
}
