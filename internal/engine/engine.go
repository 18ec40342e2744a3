package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeplog/sweeplog/internal/config"
	"github.com/sweeplog/sweeplog/internal/shared"
	"github.com/sweeplog/sweeplog/internal/sheets"
	"github.com/sweeplog/sweeplog/internal/storage"
	"github.com/sweeplog/sweeplog/internal/vacuum"
)

// State is the engine lifecycle state exposed over the status API.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFaulted  State = "faulted"
	StateStopped  State = "stopped"
)

// Notifier receives engine events worth telling a human about.
// Implementations must not block for long; they run on the sync thread.
type Notifier interface {
	SessionCompleted(s vacuum.CompletedSession, life vacuum.LifetimeAggregate)
	EngineFaulted(reason string)
}

// Status is the snapshot served by the observability API and the
// status command.
type Status struct {
	State            State     `json:"state"`
	DeviceState      string    `json:"device_state"`
	BatteryPercent   int       `json:"battery_percent"`
	SessionActive    bool      `json:"session_active"`
	LastCycleAt      time.Time `json:"last_cycle_at"`
	LastSessionID    string    `json:"last_session_id,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	TotalSessions    int       `json:"total_sessions"`
	TotalAreaM2      float64   `json:"total_area_m2"`
	TotalTimeMinutes int       `json:"total_time_minutes"`
}

// Engine drives the poll-detect-persist loop. One goroutine owns all
// sync state; the mutex only guards the status snapshot read by the
// HTTP handlers.
type Engine struct {
	cfg      *config.Config
	device   vacuum.Client
	store    sheets.Store
	cursor   *storage.CursorStore
	journal  *storage.Journal
	detector *vacuum.SessionDetector
	agg      *vacuum.Aggregator
	notifier Notifier
	logger   *zap.Logger
	metrics  *Metrics

	backoff     *Backoff
	maxAttempts int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// owned by the run loop
	life   vacuum.LifetimeAggregate
	daily  map[string]vacuum.DailyAggregate
	cycles uint64

	mu     sync.RWMutex
	status Status
}

func New(
	cfg *config.Config,
	device vacuum.Client,
	store sheets.Store,
	cursor *storage.CursorStore,
	journal *storage.Journal,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		device:   device,
		store:    store,
		cursor:   cursor,
		journal:  journal,
		detector: vacuum.NewSessionDetector(logger),
		agg:      vacuum.NewAggregator(cfg.Location()),
		logger:   logger,
		metrics:  GetMetrics(),
		backoff: &Backoff{
			Min:    time.Duration(cfg.Sync.BackoffBaseMS) * time.Millisecond,
			Max:    time.Duration(cfg.Sync.BackoffMaxMS) * time.Millisecond,
			Factor: 2,
		},
		maxAttempts: cfg.Sync.MaxAttempts,
		now:         time.Now,
		sleep:       sleepContext,
		daily:       make(map[string]vacuum.DailyAggregate),
		status:      Status{State: StateStarting},
	}
}

// SetNotifier attaches an optional notifier.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Status returns the current engine status snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Bootstrap brings the engine to a consistent baseline before the
// first poll: the remote schema exists, the dedup window is seeded,
// and the in-memory aggregates match the remote history.
//
// The remote history is re-read on every start because the aggregates
// live nowhere else; the cursor only decides whether it is also the
// source of truth for the dedup window and sync position.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := e.callWithRetry(ctx, "ensure schema", func(ctx context.Context) error {
		return e.store.EnsureSchema(ctx, sheets.AllTables())
	}); err != nil {
		return err
	}

	cur, err := e.cursor.Load(ctx)
	if err != nil {
		return err
	}

	var rows [][]string
	if err := e.callWithRetry(ctx, "read history", func(ctx context.Context) error {
		var rerr error
		rows, rerr = e.store.ReadAll(ctx, sheets.TableCleaningHistory)
		return rerr
	}); err != nil {
		return err
	}

	history := make([]vacuum.CompletedSession, 0, len(rows))
	for i, row := range rows {
		s, derr := sheets.DecodeSessionRow(row)
		if derr != nil {
			// Sheet row number, counting the header.
			e.logger.Warn("skipping malformed history row",
				zap.Int("row", i+2), zap.Error(derr))
			e.metrics.RecordError("sheets", "invalid_row")
			continue
		}
		history = append(history, s)
	}

	window := e.cfg.Sync.DedupWindow
	ids := make([]string, 0, window)
	start := 0
	if len(history) > window {
		start = len(history) - window
	}
	for _, s := range history[start:] {
		ids = append(ids, s.ID)
	}
	e.journal.Seed(ids)

	life, daily := e.agg.Recompute(history)

	if err := e.healSummaryDrift(ctx, life, len(history)); err != nil {
		return err
	}

	if cur == nil {
		e.logger.Info("cold start, baseline rebuilt from remote history",
			zap.Int("history_rows", len(history)))
		if len(history) > 0 {
			last := history[len(history)-1]
			if err := e.saveCursor(ctx, last); err != nil {
				return err
			}
			e.setStatus(func(st *Status) { st.LastSessionID = last.ID })
		}
	} else {
		e.logger.Info("warm start",
			zap.String("last_synced_session", cur.LastSyncedSessionID),
			zap.Time("last_synced_at", cur.LastSyncedAt),
			zap.Int("history_rows", len(history)))
		e.setStatus(func(st *Status) { st.LastSessionID = cur.LastSyncedSessionID })
	}

	e.life = life
	e.daily = daily
	e.metrics.SetLifetime(life.TotalSessions, life.TotalAreaM2)
	e.setStatus(func(st *Status) {
		st.TotalSessions = life.TotalSessions
		st.TotalAreaM2 = life.TotalAreaM2
		st.TotalTimeMinutes = life.TotalTimeMinutes
	})
	return nil
}

// healSummaryDrift rewrites the stored lifetime summary when it
// disagrees with the recomputed history. Recomputed values win; the
// history table is the authority.
func (e *Engine) healSummaryDrift(ctx context.Context, life vacuum.LifetimeAggregate, historyLen int) error {
	var srows [][]string
	if err := e.callWithRetry(ctx, "read lifetime summary", func(ctx context.Context) error {
		var rerr error
		srows, rerr = e.store.ReadAll(ctx, sheets.TableCleanSummary)
		return rerr
	}); err != nil {
		return err
	}

	var stored *vacuum.LifetimeAggregate
	if len(srows) > 0 {
		if ls, derr := sheets.DecodeLifetimeRow(srows[0]); derr == nil {
			stored = &ls
		} else {
			e.logger.Warn("stored lifetime summary unreadable", zap.Error(derr))
		}
	}

	// Area lives in the sheet with two decimals; compare at that
	// precision, not bit-exact, or a re-read of our own row would
	// look like drift.
	if stored != nil &&
		stored.TotalSessions == life.TotalSessions &&
		stored.TotalTimeMinutes == life.TotalTimeMinutes &&
		strconv.FormatFloat(stored.TotalAreaM2, 'f', 2, 64) == strconv.FormatFloat(life.TotalAreaM2, 'f', 2, 64) {
		return nil
	}
	if stored == nil && historyLen == 0 {
		// Fresh spreadsheet, nothing to heal.
		return nil
	}

	if stored != nil {
		e.logger.Warn("stored lifetime summary drifted from history, rewriting",
			zap.Int("stored_sessions", stored.TotalSessions),
			zap.Int("recomputed_sessions", life.TotalSessions))
	}
	return e.callWithRetry(ctx, "update lifetime summary", func(ctx context.Context) error {
		return e.store.UpsertRow(ctx, sheets.TableCleanSummary, "", sheets.EncodeLifetimeRow(life))
	})
}

// Run polls until the context is cancelled or a fatal error faults the
// engine. Callers must Bootstrap first.
func (e *Engine) Run(ctx context.Context) error {
	e.setStatus(func(st *Status) {
		st.State = StateRunning
		st.LastError = ""
	})

	interval := time.Duration(e.cfg.Sync.PollIntervalSeconds) * time.Second
	e.logger.Info("sync engine running",
		zap.Duration("poll_interval", interval),
		zap.Int("consumables_every_cycles", e.cfg.Sync.ConsumablesEveryCycles))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.stop()
				return nil
			}
			e.fault(err)
			return err
		}

		select {
		case <-ctx.Done():
			e.stop()
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single poll cycle: fetch a snapshot, feed the
// detector, persist whatever completed. Device and store calls share
// the same retry policy; the returned error is fatal.
func (e *Engine) RunOnce(ctx context.Context) error {
	cctx := shared.WithCycleID(ctx, shared.NewCycleID())
	started := e.now()

	var snap vacuum.Snapshot
	if err := e.callWithRetry(cctx, "device status", func(ctx context.Context) error {
		var ferr error
		snap, ferr = e.device.Status(ctx)
		return ferr
	}); err != nil {
		return e.deviceError(cctx, err, "status_fetch")
	}

	e.cycles++
	e.noteSnapshot(snap)

	completed := e.detector.Observe(snap)
	e.metrics.SetSessionActive(e.detector.Active())
	if completed != nil {
		if err := e.syncSession(cctx, *completed); err != nil {
			e.metrics.RecordCycle("store_error")
			return err
		}
	}

	if n := e.cfg.Sync.ConsumablesEveryCycles; n > 0 && e.cycles%uint64(n) == 0 {
		if err := e.refreshSlowTables(cctx, snap); err != nil {
			e.metrics.RecordCycle("store_error")
			return err
		}
	}

	e.metrics.RecordCycle("ok")
	e.metrics.ObserveCycleDuration(e.now().Sub(started).Seconds())
	return nil
}

// deviceError classifies a device fetch failure after the retry policy
// has run its course. An invalid payload is dropped and the cycle
// skipped; auth rejection, transient exhaustion and anything
// unclassified are fatal.
func (e *Engine) deviceError(ctx context.Context, err error, what string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	e.metrics.RecordError("device", what)

	if errors.Is(err, shared.ErrInvalidData) {
		shared.CycleLogger(ctx, e.logger).Error("device payload invalid, skipping cycle",
			zap.Error(err), zap.String("what", what))
		e.metrics.RecordCycle("device_error")
		e.setStatus(func(st *Status) { st.LastError = err.Error() })
		return nil
	}
	if errors.Is(err, shared.ErrAuth) {
		return fmt.Errorf("device cloud rejected credentials: %w", err)
	}
	return err
}

// syncSession persists one completed session. Write order is the
// crash-safety contract: history append, journal, summaries, cursor.
// The cursor is written only when everything before it succeeded, and
// the in-memory aggregates advance only after the cursor.
//
// A shutdown arriving mid-sequence does not tear it: every write runs
// on a context detached from cancellation, and the stop request is
// honored in the waits between retry attempts.
func (e *Engine) syncSession(ctx context.Context, s vacuum.CompletedSession) error {
	clog := shared.CycleLogger(ctx, e.logger)
	dctx := context.WithoutCancel(ctx)

	if e.journal.Seen(s.ID) {
		clog.Info("session already appended, advancing cursor",
			zap.String("session_id", s.ID))
		e.metrics.RecordSession("duplicate")
		return e.saveCursor(dctx, s)
	}

	persistStart := e.now()
	life, day := e.agg.Apply(s, e.life, e.daily)

	if err := e.persistWithRetry(ctx, "append session", func(ctx context.Context) error {
		return e.store.AppendRow(ctx, sheets.TableCleaningHistory, sheets.EncodeSessionRow(s))
	}); err != nil {
		return fmt.Errorf("append session %s: %w", s.ID, err)
	}
	e.metrics.RecordRowAppended(sheets.TableCleaningHistory)

	if err := e.journal.MarkAppended(dctx, s); err != nil {
		// The append went through; a lost journal row only weakens
		// dedup after a crash.
		clog.Error("journal write failed",
			zap.Error(err), zap.String("session_id", s.ID))
		e.metrics.RecordError("storage", "journal_write")
	}

	if err := e.persistWithRetry(ctx, "update lifetime summary", func(ctx context.Context) error {
		return e.store.UpsertRow(ctx, sheets.TableCleanSummary, "", sheets.EncodeLifetimeRow(life))
	}); err != nil {
		return err
	}

	if err := e.persistWithRetry(ctx, "update daily summary", func(ctx context.Context) error {
		return e.store.UpsertRow(ctx, sheets.TableDailySummary, day.Date, sheets.EncodeDailyRow(day))
	}); err != nil {
		return err
	}

	if err := e.saveCursor(dctx, s); err != nil {
		return err
	}

	e.life = life
	e.daily[day.Date] = day
	e.setStatus(func(st *Status) {
		st.LastSessionID = s.ID
		st.TotalSessions = life.TotalSessions
		st.TotalAreaM2 = life.TotalAreaM2
		st.TotalTimeMinutes = life.TotalTimeMinutes
	})
	e.metrics.RecordSession("completed")
	e.metrics.SetLifetime(life.TotalSessions, life.TotalAreaM2)
	e.metrics.ObservePersistDuration(e.now().Sub(persistStart).Seconds())

	clog.Info("session persisted",
		zap.String("session_id", s.ID),
		zap.String("date", day.Date),
		zap.Float64("area_m2", s.CleanAreaM2),
		zap.Int("minutes", s.Minutes()))

	if e.notifier != nil {
		e.notifier.SessionCompleted(s, life)
	}
	return nil
}

// saveCursor advances the durable sync position. Failing to write it
// is not fatal: the journal still prevents duplicate appends, at the
// cost of a cold start after the next restart.
func (e *Engine) saveCursor(ctx context.Context, s vacuum.CompletedSession) error {
	cur := vacuum.SyncCursor{LastSyncedSessionID: s.ID, LastSyncedAt: s.EndedAt}
	if err := e.cursor.Save(ctx, cur); err != nil {
		shared.CycleLogger(ctx, e.logger).Error("cursor write failed",
			zap.Error(err), zap.String("session_id", s.ID))
		e.metrics.RecordError("storage", "cursor_write")
	}
	return nil
}

// refreshSlowTables rewrites the Device_Status and Consumables rows.
// Runs every ConsumablesEveryCycles cycles to stay inside write quotas.
func (e *Engine) refreshSlowTables(ctx context.Context, snap vacuum.Snapshot) error {
	if err := e.persistWithRetry(ctx, "update device status", func(ctx context.Context) error {
		return e.store.UpsertRow(ctx, sheets.TableDeviceStatus, "", sheets.EncodeStatusRow(snap))
	}); err != nil {
		return err
	}

	var cons vacuum.ConsumableSnapshot
	if err := e.callWithRetry(ctx, "device consumables", func(ctx context.Context) error {
		var ferr error
		cons, ferr = e.device.Consumables(ctx)
		return ferr
	}); err != nil {
		return e.deviceError(ctx, err, "consumables_fetch")
	}

	if err := e.persistWithRetry(ctx, "update consumables", func(ctx context.Context) error {
		return e.store.UpsertRow(ctx, sheets.TableConsumables, "", sheets.EncodeConsumablesRow(cons))
	}); err != nil {
		return err
	}

	shared.CycleLogger(ctx, e.logger).Info("slow tables refreshed",
		zap.Uint64("cycle", e.cycles))
	return nil
}

// callWithRetry runs one remote operation under the retry policy:
// transient errors back off and retry up to MaxAttempts, a missing
// schema is repaired once per call, auth errors fail immediately.
func (e *Engine) callWithRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	return e.retryCall(ctx, ctx, op, fn)
}

// persistWithRetry is callWithRetry for the session write sequence.
// The call itself runs detached from cancellation so a shutdown cannot
// tear a write mid-flight; the stop request is seen in the backoff
// waits, between writes.
func (e *Engine) persistWithRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	return e.retryCall(ctx, context.WithoutCancel(ctx), op, fn)
}

// retryCall is the shared retry loop. waitCtx gates the backoff
// sleeps; callCtx is handed to the operation.
func (e *Engine) retryCall(waitCtx, callCtx context.Context, op string, fn func(context.Context) error) error {
	clog := shared.CycleLogger(waitCtx, e.logger)
	e.backoff.Reset()
	repaired := false

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err := fn(callCtx)
		if err == nil {
			if attempt > 1 {
				clog.Info("remote operation recovered",
					zap.String("op", op), zap.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err

		switch {
		case errors.Is(err, shared.ErrSchemaMissing) && !repaired:
			repaired = true
			clog.Info("remote schema missing, repairing", zap.String("op", op))
			e.metrics.RecordSchemaRepair()
			if rerr := e.store.EnsureSchema(callCtx, sheets.AllTables()); rerr != nil {
				return fmt.Errorf("%s: schema repair: %w", op, rerr)
			}

		case errors.Is(err, shared.ErrTransient):
			if attempt == e.maxAttempts {
				break
			}
			delay := e.backoff.Duration()
			clog.Warn("remote operation failed, backing off",
				zap.String("op", op),
				zap.Int("attempt", e.backoff.Attempt()),
				zap.Duration("delay", delay),
				zap.Error(err))
			e.metrics.RecordRetry(op)
			if serr := e.sleep(waitCtx, delay); serr != nil {
				return serr
			}

		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: attempts exhausted: %w", op, lastErr)
}

func (e *Engine) fault(err error) {
	e.logger.Error("sync engine faulted", zap.Error(err))
	e.metrics.RecordError("engine", "fatal")
	e.setStatus(func(st *Status) {
		st.State = StateFaulted
		st.LastError = err.Error()
	})
	if e.notifier != nil {
		e.notifier.EngineFaulted(err.Error())
	}
}

func (e *Engine) stop() {
	e.logger.Info("sync engine stopped")
	e.setStatus(func(st *Status) { st.State = StateStopped })
}

func (e *Engine) noteSnapshot(snap vacuum.Snapshot) {
	e.metrics.SetBattery(snap.Battery)
	e.setStatus(func(st *Status) {
		st.DeviceState = string(snap.State)
		st.BatteryPercent = snap.Battery
		st.LastCycleAt = snap.Taken
		st.LastError = ""
	})
}

func (e *Engine) setStatus(update func(st *Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	update(&e.status)
	e.status.SessionActive = e.detector.Active()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
