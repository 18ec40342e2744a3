package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

type DeviceConfig struct {
	BaseURL           string `json:"base_url"`
	Token             string `json:"token"`
	DeviceID          string `json:"device_id"`
	RequestTimeoutSec int    `json:"request_timeout_seconds"`
}

type SheetsConfig struct {
	SpreadsheetID   string `json:"spreadsheet_id"`
	CredentialsFile string `json:"credentials_file"`
}

type SyncConfig struct {
	PollIntervalSeconds    int    `json:"poll_interval_seconds"`
	ConsumablesEveryCycles int    `json:"consumables_every_cycles"`
	MaxAttempts            int    `json:"max_attempts"`
	BackoffBaseMS          int    `json:"backoff_base_ms"`
	BackoffMaxMS           int    `json:"backoff_max_ms"`
	DedupWindow            int    `json:"dedup_window"`
	Timezone               string `json:"timezone"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type DiscordConfig struct {
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type NotifyConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type ObservabilityConfig struct {
	ListenAddr string `json:"listen_addr"`
	AuthToken  string `json:"auth_token"`
}

type Config struct {
	Device        DeviceConfig        `json:"device"`
	Sheets        SheetsConfig        `json:"sheets"`
	Sync          SyncConfig          `json:"sync"`
	Database      DatabaseConfig      `json:"database"`
	Notify        NotifyConfig        `json:"notify"`
	Observability ObservabilityConfig `json:"observability"`

	loc *time.Location
}

const (
	defaultPollIntervalSeconds    = 60
	defaultConsumablesEveryCycles = 30
	defaultMaxAttempts            = 5
	defaultBackoffBaseMS          = 1000
	defaultBackoffMaxMS           = 60000
	defaultDedupWindow            = 1024
	defaultRequestTimeoutSec      = 30
	defaultDatabasePath           = "./sweeplog.db"

	// Secrets may come from the environment instead of the config file.
	envDeviceToken  = "SWEEPLOG_DEVICE_TOKEN"
	envDiscordToken = "SWEEPLOG_DISCORD_TOKEN"
)

// Load reads a config file, strips JSONC comments, applies defaults and
// environment fallbacks, and validates internal consistency. Presence of
// mode-specific credentials is checked by ValidateDevice/ValidateSheets
// so that commands only fail on the sections they actually use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Device.Token == "" {
		cfg.Device.Token = os.Getenv(envDeviceToken)
	}
	if cfg.Notify.Discord.BotToken == "" {
		cfg.Notify.Discord.BotToken = os.Getenv(envDiscordToken)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Device.RequestTimeoutSec <= 0 {
		cfg.Device.RequestTimeoutSec = defaultRequestTimeoutSec
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}

	cfg.applySyncDefaults()

	if cfg.Sync.PollIntervalSeconds < 5 {
		return fmt.Errorf("validation error: sync.poll_interval_seconds must be at least 5, got %d", cfg.Sync.PollIntervalSeconds)
	}
	if cfg.Sync.BackoffMaxMS < cfg.Sync.BackoffBaseMS {
		return fmt.Errorf("validation error: sync.backoff_max_ms must be >= sync.backoff_base_ms, got %d < %d",
			cfg.Sync.BackoffMaxMS, cfg.Sync.BackoffBaseMS)
	}

	loc := time.Local
	if cfg.Sync.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Sync.Timezone)
		if err != nil {
			return fmt.Errorf("validation error: sync.timezone %q is not a valid IANA zone: %w", cfg.Sync.Timezone, err)
		}
	}
	cfg.loc = loc

	if cfg.Notify.Discord.BotToken != "" && cfg.Notify.Discord.ChannelID == "" {
		return fmt.Errorf("validation error: notify.discord.channel_id is required when a bot token is set")
	}

	return nil
}

func (cfg *Config) applySyncDefaults() {
	if cfg.Sync.PollIntervalSeconds <= 0 {
		cfg.Sync.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if cfg.Sync.ConsumablesEveryCycles <= 0 {
		cfg.Sync.ConsumablesEveryCycles = defaultConsumablesEveryCycles
	}
	if cfg.Sync.MaxAttempts <= 0 {
		cfg.Sync.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Sync.BackoffBaseMS <= 0 {
		cfg.Sync.BackoffBaseMS = defaultBackoffBaseMS
	}
	if cfg.Sync.BackoffMaxMS <= 0 {
		cfg.Sync.BackoffMaxMS = defaultBackoffMaxMS
	}
	if cfg.Sync.DedupWindow <= 0 {
		cfg.Sync.DedupWindow = defaultDedupWindow
	}
}

// ValidateDevice checks the fields the device cloud client needs.
func (cfg *Config) ValidateDevice() error {
	if cfg.Device.BaseURL == "" {
		return fmt.Errorf("validation error: device.base_url is required")
	}
	if cfg.Device.DeviceID == "" {
		return fmt.Errorf("validation error: device.device_id is required")
	}
	if cfg.Device.Token == "" {
		return fmt.Errorf("validation error: device.token is required (or set %s)", envDeviceToken)
	}
	return nil
}

// ValidateSheets checks the fields the spreadsheet store needs.
// If requireID is false only the credentials file is checked, which lets
// `init --create` run before a spreadsheet exists.
func (cfg *Config) ValidateSheets(requireID bool) error {
	if cfg.Sheets.CredentialsFile == "" {
		return fmt.Errorf("validation error: sheets.credentials_file is required")
	}
	if requireID && cfg.Sheets.SpreadsheetID == "" {
		return fmt.Errorf("validation error: sheets.spreadsheet_id is required (run `sweeplog init --create` to make one)")
	}
	return nil
}

// Location returns the zone daily aggregates are bucketed in.
func (cfg *Config) Location() *time.Location {
	if cfg.loc == nil {
		return time.Local
	}
	return cfg.loc
}
