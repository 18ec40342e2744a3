package vacuum

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"

	"github.com/sweeplog/sweeplog/internal/shared"
)

// PowerState is the engine's reduced view of the many state strings the
// device cloud reports.
type PowerState string

const (
	StateUnknown   PowerState = "unknown"
	StateIdle      PowerState = "idle"
	StateCleaning  PowerState = "cleaning"
	StateCharging  PowerState = "charging"
	StateReturning PowerState = "returning"
	StateError     PowerState = "error"
)

// ParseState reduces a cloud state string to a PowerState. Pausing ends
// the cleaning state on purpose: a paused run that resumes is counted as
// a new session rather than guessing at continuation.
func ParseState(raw string) PowerState {
	switch raw {
	case "cleaning", "segment_cleaning", "zone_cleaning", "spot_cleaning":
		return StateCleaning
	case "idle", "paused", "sleeping":
		return StateIdle
	case "charging", "charger", "charging_complete":
		return StateCharging
	case "returning", "returning_home", "docking":
		return StateReturning
	case "error", "charging_error", "stuck":
		return StateError
	default:
		return StateUnknown
	}
}

// Snapshot is one observation of the device's cloud-reported state.
// CleanAreaM2 and CleanTime are cumulative within the run in progress;
// the device resets them when a new run starts.
type Snapshot struct {
	Taken       time.Time
	State       PowerState
	RawState    string
	Battery     int
	FanPower    string
	MopMode     string
	WaterLevel  string
	CleanAreaM2 float64
	CleanTime   int // seconds
	ErrorCode   int
}

// CleanMinutes returns the in-run duration rounded to whole minutes.
func (s Snapshot) CleanMinutes() int {
	return minutesOf(s.CleanTime)
}

// CompletedSession is the unit of durable persistence: one contiguous
// cleaning run, bounded by non-cleaning states.
type CompletedSession struct {
	ID           string
	StartedAt    time.Time
	EndedAt      time.Time
	CleanAreaM2  float64
	CleanSeconds int
	BatteryStart int
	BatteryEnd   int
	FanPower     string
	MopMode      string
	ErrorCode    int
}

// Minutes returns the session duration rounded to whole minutes, the
// granularity the summary tables carry.
func (s CompletedSession) Minutes() int {
	return minutesOf(s.CleanSeconds)
}

func minutesOf(seconds int) int {
	return int(math.Round(float64(seconds) / 60))
}

// Validate rejects sessions that violate their own invariants. Battery
// may rise during a run (dock top-ups), so it is not checked.
func (s CompletedSession) Validate() error {
	if s.CleanAreaM2 < 0 {
		return fmt.Errorf("session %s: negative area %.2f: %w", s.ID, s.CleanAreaM2, shared.ErrInvalidData)
	}
	if s.CleanSeconds < 0 {
		return fmt.Errorf("session %s: negative duration %ds: %w", s.ID, s.CleanSeconds, shared.ErrInvalidData)
	}
	if s.EndedAt.Before(s.StartedAt) {
		return fmt.Errorf("session %s: ends before it starts: %w", s.ID, shared.ErrInvalidData)
	}
	return nil
}

// SessionID derives the stable identity of a session from its time
// bounds. Replaying the same transition always produces the same id,
// which is what makes appends deduplicable.
func SessionID(start, end time.Time) string {
	sum := blake3.Sum256([]byte(start.UTC().Format(time.RFC3339Nano) + "|" + end.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:16])
}

// ConsumableSnapshot carries remaining-wear readings, polled on a slower
// cadence than status and always persisted as a full overwrite.
type ConsumableSnapshot struct {
	CapturedAt       time.Time
	MainBrushHours   float64
	SideBrushHours   float64
	FilterHours      float64
	SensorDirtyHours float64
	MopPadHours      float64
}

// LifetimeAggregate is the all-time summary row. Recomputing it from the
// full session history must always equal the incrementally maintained
// value.
type LifetimeAggregate struct {
	TotalSessions    int
	TotalAreaM2      float64
	TotalTimeMinutes int
	UpdatedAt        time.Time
}

// DailyAggregate is one upserted row per calendar date.
type DailyAggregate struct {
	Date         string // YYYY-MM-DD in the aggregation zone
	SessionCount int
	AreaM2       float64
	TimeMinutes  int
}

// SyncCursor is the durable pointer to the last fully persisted session.
// Its absence means cold start: trust nothing, reconstruct from the
// remote store.
type SyncCursor struct {
	LastSyncedSessionID string
	LastSyncedAt        time.Time
}
