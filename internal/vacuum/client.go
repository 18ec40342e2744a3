package vacuum

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sweeplog/sweeplog/internal/config"
	"github.com/sweeplog/sweeplog/internal/shared"
)

// Client is the device-cloud capability the engine consumes. Fakes
// substitute for it in tests without touching engine logic.
type Client interface {
	Status(ctx context.Context) (Snapshot, error)
	Consumables(ctx context.Context) (ConsumableSnapshot, error)
}

// CloudClient reads device state over the vendor's cloud HTTP API. The
// bearer token comes from configuration; the interactive login flow
// that produces it happens outside this process.
type CloudClient struct {
	cfg        config.DeviceConfig
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewCloudClient(cfg config.DeviceConfig, logger *zap.Logger) *CloudClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
		},
		logger: logger,
		now:    time.Now,
	}
}

// Status fetches and reduces the current device snapshot.
func (c *CloudClient) Status(ctx context.Context) (Snapshot, error) {
	body, err := c.get(ctx, "status")
	if err != nil {
		return Snapshot{}, err
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Snapshot{}, fmt.Errorf("device status: decode: %v: %w", err, shared.ErrInvalidData)
	}
	return c.snapshotFrom(payload)
}

// Consumables fetches the wear counters. The cloud reports seconds of
// use; the sheet carries hours.
func (c *CloudClient) Consumables(ctx context.Context) (ConsumableSnapshot, error) {
	body, err := c.get(ctx, "consumables")
	if err != nil {
		return ConsumableSnapshot{}, err
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ConsumableSnapshot{}, fmt.Errorf("device consumables: decode: %v: %w", err, shared.ErrInvalidData)
	}

	return ConsumableSnapshot{
		CapturedAt:       c.now().UTC(),
		MainBrushHours:   workHours(payload["main_brush_work_time"]),
		SideBrushHours:   workHours(payload["side_brush_work_time"]),
		FilterHours:      workHours(payload["filter_work_time"]),
		SensorDirtyHours: workHours(payload["sensor_dirty_time"]),
		MopPadHours:      workHours(payload["mop_pad_work_time"]),
	}, nil
}

func (c *CloudClient) get(ctx context.Context, what string) ([]byte, error) {
	op := "device " + what
	endpoint := fmt.Sprintf("%s/v1/devices/%s/%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.DeviceID, what)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, shared.ClassifyNetErr(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, shared.ClassifyNetErr(op, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		// Wrong device id; neither retrying nor a schema repair helps.
		return nil, fmt.Errorf("%s: unknown device %q", op, c.cfg.DeviceID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, shared.ClassifyStatus(op, resp.StatusCode)
	}
	return body, nil
}

func (c *CloudClient) snapshotFrom(payload map[string]interface{}) (Snapshot, error) {
	raw := asString(payload["state"], payload["status"])
	sn := Snapshot{
		Taken:      c.now().UTC(),
		RawState:   raw,
		State:      ParseState(raw),
		Battery:    int(asInt64(payload["battery"], payload["battery_level"])),
		FanPower:   asString(payload["fan_power"]),
		MopMode:    asString(payload["mop_mode"]),
		WaterLevel: asString(payload["water_level"]),
		// The cloud reports square centimetres.
		CleanAreaM2: roundTo(asFloat64(payload["clean_area"])/10000, 2),
		CleanTime:   int(asInt64(payload["clean_time"])),
		ErrorCode:   int(asInt64(payload["error_code"])),
	}

	if sn.State == StateUnknown && raw != "" {
		c.logger.Warn("unrecognized device state", zap.String("state", raw))
	}
	if sn.CleanAreaM2 < 0 || sn.CleanTime < 0 {
		return Snapshot{}, fmt.Errorf("device status: negative counters (area=%.2f, time=%d): %w",
			sn.CleanAreaM2, sn.CleanTime, shared.ErrInvalidData)
	}
	return sn, nil
}

// workHours converts a cloud-reported wear counter in seconds to hours
// with one decimal.
func workHours(v interface{}) float64 {
	return roundTo(asFloat64(v)/3600, 1)
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

func asString(values ...interface{}) string {
	for _, value := range values {
		s, ok := value.(string)
		if ok && s != "" {
			return s
		}
	}
	return ""
}

func asInt64(values ...interface{}) int64 {
	for _, value := range values {
		switch typed := value.(type) {
		case float64:
			return int64(typed)
		case int64:
			return typed
		case int:
			return int64(typed)
		case json.Number:
			parsed, err := typed.Int64()
			if err == nil {
				return parsed
			}
		}
	}
	return 0
}

func asFloat64(values ...interface{}) float64 {
	for _, value := range values {
		switch typed := value.(type) {
		case float64:
			return typed
		case int:
			return float64(typed)
		case int64:
			return float64(typed)
		case json.Number:
			parsed, err := typed.Float64()
			if err == nil {
				return parsed
			}
		}
	}
	return 0
}
