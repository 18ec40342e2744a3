package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ComponentStatus represents the health status of a component
type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth holds the health status of a single component
type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// HealthCheckResult holds the result of a health check
type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HealthChecker reports on the pieces the sync loop depends on. Device
// and store health come from loop evidence rather than live calls; one
// cloud round trip per readiness scrape would burn API quota.
type HealthChecker struct {
	db           *sql.DB
	engine       *Engine
	pollInterval time.Duration
	now          func() time.Time
}

func NewHealthChecker(db *sql.DB, engine *Engine, pollInterval time.Duration) *HealthChecker {
	return &HealthChecker{
		db:           db,
		engine:       engine,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// CheckLiveness reports healthy whenever the process responds.
func (hc *HealthChecker) CheckLiveness(ctx context.Context) HealthCheckResult {
	return HealthCheckResult{
		Status:     HealthHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  hc.now().UTC(),
	}
}

// CheckReadiness checks all components
func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthCheckResult {
	components := make(map[string]ComponentHealth)

	components["local_db"] = hc.checkDatabase(ctx)
	components["engine"] = hc.checkEngine()
	components["device_cloud"] = hc.checkPolling()

	overallStatus := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overallStatus = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overallStatus = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overallStatus,
		Components: components,
		Timestamp:  hc.now().UTC(),
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	if hc.db == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "database not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentHealth{
			Status: StatusError,
			Error:  err.Error(),
		}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkEngine() ComponentHealth {
	if hc.engine == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "engine not configured",
		}
	}

	st := hc.engine.Status()
	switch st.State {
	case StateRunning:
		return ComponentHealth{Status: StatusOK}
	case StateStarting:
		return ComponentHealth{Status: StatusUnavailable, Error: "still bootstrapping"}
	case StateFaulted:
		return ComponentHealth{Status: StatusError, Error: st.LastError}
	default:
		return ComponentHealth{Status: StatusUnavailable, Error: "engine stopped"}
	}
}

// checkPolling flags a device cloud that has not produced a snapshot
// for three poll intervals.
func (hc *HealthChecker) checkPolling() ComponentHealth {
	if hc.engine == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "engine not configured"}
	}

	st := hc.engine.Status()
	if st.LastCycleAt.IsZero() {
		return ComponentHealth{Status: StatusUnavailable, Error: "no snapshot yet"}
	}

	stale := 3 * hc.pollInterval
	if age := hc.now().Sub(st.LastCycleAt); age > stale {
		return ComponentHealth{
			Status: StatusError,
			Error:  fmt.Sprintf("last snapshot %s ago", age.Round(time.Second)),
		}
	}
	return ComponentHealth{Status: StatusOK}
}
