package vacuum

import "time"

// Aggregator folds completed sessions into the derived summary rows.
// Pure apart from the injected clock: it never touches the remote
// store, and callers guarantee at-most-once application per session.
type Aggregator struct {
	now func() time.Time
	loc *time.Location
}

func NewAggregator(loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{now: time.Now, loc: loc}
}

// DateOf returns the daily bucket key for a session: the calendar date
// of its end timestamp in the aggregation zone.
func (a *Aggregator) DateOf(s CompletedSession) string {
	return s.EndedAt.In(a.loc).Format("2006-01-02")
}

// Apply advances the lifetime aggregate and the session's daily bucket
// by one session. Inputs are not mutated; the caller stores the
// returned values once the persist succeeds.
func (a *Aggregator) Apply(s CompletedSession, life LifetimeAggregate, daily map[string]DailyAggregate) (LifetimeAggregate, DailyAggregate) {
	life.TotalSessions++
	life.TotalAreaM2 += s.CleanAreaM2
	life.TotalTimeMinutes += s.Minutes()
	life.UpdatedAt = a.now()

	date := a.DateOf(s)
	day := daily[date]
	day.Date = date
	day.SessionCount++
	day.AreaM2 += s.CleanAreaM2
	day.TimeMinutes += s.Minutes()

	return life, day
}

// Recompute rebuilds both aggregates from a full session history. Used
// at bootstrap to seed the baseline and to heal drift in the stored
// summary rows.
func (a *Aggregator) Recompute(history []CompletedSession) (LifetimeAggregate, map[string]DailyAggregate) {
	var life LifetimeAggregate
	daily := make(map[string]DailyAggregate)
	for _, s := range history {
		var day DailyAggregate
		life, day = a.Apply(s, life, daily)
		daily[day.Date] = day
	}
	return life, daily
}
