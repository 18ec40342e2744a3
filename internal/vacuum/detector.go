package vacuum

import (
	"time"

	"go.uber.org/zap"
)

// SessionDetector folds the polled snapshot stream into discrete
// completed sessions. It owns the in-progress accumulator exclusively;
// the engine feeds it one snapshot per cycle and persists whatever
// comes out.
//
// Detection is conservative: any non-cleaning state ends the session,
// including Error. A run interrupted by an error and resumed counts as
// two sessions.
type SessionDetector struct {
	logger *zap.Logger

	active       bool
	start        time.Time
	areaM2       float64
	seconds      int
	batteryStart int
}

func NewSessionDetector(logger *zap.Logger) *SessionDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionDetector{logger: logger}
}

// Observe feeds one snapshot and returns a completed session when sn
// ends one. Most calls return nil.
func (d *SessionDetector) Observe(sn Snapshot) *CompletedSession {
	switch {
	case !d.active && sn.State == StateCleaning:
		d.active = true
		d.start = sn.Taken
		d.batteryStart = sn.Battery
		d.areaM2 = sn.CleanAreaM2
		d.seconds = sn.CleanTime
		d.logger.Debug("cleaning session started",
			zap.Time("start", sn.Taken),
			zap.Int("battery", sn.Battery))

	case d.active && sn.State == StateCleaning:
		// The device reports cumulative-within-run values. Take them
		// verbatim; summing deltas would double count on missed polls.
		d.areaM2 = sn.CleanAreaM2
		d.seconds = sn.CleanTime

	case d.active && sn.State != StateCleaning:
		return d.finalize(sn)
	}
	return nil
}

func (d *SessionDetector) finalize(sn Snapshot) *CompletedSession {
	area, seconds := sn.CleanAreaM2, sn.CleanTime
	if area == 0 && seconds == 0 {
		// Docking resets the run counters on some firmwares; fall back
		// to the last values seen while cleaning.
		area, seconds = d.areaM2, d.seconds
	}

	start, batteryStart := d.start, d.batteryStart
	d.reset()

	if area <= 0 && minutesOf(seconds) <= 0 {
		d.logger.Debug("discarding zero-length cleaning blip", zap.Time("start", start))
		return nil
	}

	s := &CompletedSession{
		ID:           SessionID(start, sn.Taken),
		StartedAt:    start,
		EndedAt:      sn.Taken,
		CleanAreaM2:  area,
		CleanSeconds: seconds,
		BatteryStart: batteryStart,
		BatteryEnd:   sn.Battery,
		FanPower:     sn.FanPower,
		MopMode:      sn.MopMode,
		ErrorCode:    sn.ErrorCode,
	}
	if err := s.Validate(); err != nil {
		d.logger.Warn("discarding invalid session", zap.Error(err))
		return nil
	}

	d.logger.Info("cleaning session completed",
		zap.String("session_id", s.ID),
		zap.Float64("area_m2", s.CleanAreaM2),
		zap.Int("minutes", s.Minutes()),
		zap.String("ended_in", string(sn.State)))
	return s
}

func (d *SessionDetector) reset() {
	d.active = false
	d.start = time.Time{}
	d.areaM2 = 0
	d.seconds = 0
	d.batteryStart = 0
}

// Active reports whether a session is currently being accumulated.
func (d *SessionDetector) Active() bool {
	return d.active
}
