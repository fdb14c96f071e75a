// Package config holds the daemon's typed configuration and its JSON
// load/save. The file lives under the user config dir; API keys may be
// overridden by environment variables so the file can be checked in
// without secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	configDirName  = "taskmirror"
	configFileName = "config.json"
	dbFileName     = "state.db"

	// EnvDownstreamKey overrides downstream_api_key when set.
	EnvDownstreamKey = "TASKMIRROR_DOWNSTREAM_API_KEY"
	// EnvWebhookSecret overrides the webhook shared secret when set.
	EnvWebhookSecret = "TASKMIRROR_WEBHOOK_SECRET"
)

// Config is the root configuration consumed by the daemon.
type Config struct {
	DownstreamAPIKey    string             `json:"downstream_api_key"`
	UpstreamSources     []UpstreamSource   `json:"upstream_sources"`
	GlobalRules         SyncRules          `json:"global_sync_rules"`
	DatabasePath        string             `json:"database_path,omitempty"`
	PollIntervalSeconds int                `json:"poll_interval_seconds"`
	ScheduleOverrides   []ScheduleOverride `json:"schedule_overrides,omitempty"`
	WebhookListenAddr   string             `json:"webhook_listen_addr,omitempty"`
	WebhookSecret       string             `json:"webhook_secret,omitempty"`

	// Downstream API tier determines the request budget (12-120/min).
	DownstreamRatePerMin int `json:"downstream_rate_per_min,omitempty"`
}

// UpstreamSource is one upstream workspace to mirror.
type UpstreamSource struct {
	Name           string     `json:"name"`
	APIKey         string     `json:"api_key"`
	Projects       []string   `json:"projects,omitempty"`
	WebhookBaseURL string     `json:"webhook_base_url,omitempty"`
	Rules          *SyncRules `json:"sync_rules,omitempty"`
}

// EffectiveRules returns the source's own rules when present, otherwise the
// global rules.
func (s UpstreamSource) EffectiveRules(global SyncRules) SyncRules {
	if s.Rules != nil {
		return *s.Rules
	}
	return global
}

// SyncRules tunes how issues become calendar tasks.
type SyncRules struct {
	DefaultTaskDurationMins int                  `json:"default_task_duration_mins"`
	CompletedUpstreamLabel  string               `json:"completed_upstream_label"`
	TimeEstimateStrategy    TimeEstimateStrategy `json:"time_estimate_strategy"`
}

// TimeEstimateStrategy maps raw upstream estimates to task durations in
// minutes. Keys are the stringified estimate value ("2", "XL").
type TimeEstimateStrategy struct {
	Fibonacci           map[string]int `json:"fibonacci,omitempty"`
	TShirt              map[string]int `json:"tshirt,omitempty"`
	Linear              map[string]int `json:"linear,omitempty"`
	Points              map[string]int `json:"points,omitempty"`
	DefaultDurationMins int            `json:"default_duration_mins,omitempty"`
}

// ConvertEstimate resolves a numeric estimate to minutes, trying each table
// in order and falling back to the strategy default. ok is false when
// neither a table entry nor a default exists.
func (s TimeEstimateStrategy) ConvertEstimate(estimate float64) (mins int, ok bool) {
	key := strconv.FormatFloat(estimate, 'f', -1, 64)
	for _, table := range []map[string]int{s.Fibonacci, s.TShirt, s.Linear, s.Points} {
		if table == nil {
			continue
		}
		if v, found := table[key]; found {
			return v, true
		}
	}
	if s.DefaultDurationMins > 0 {
		return s.DefaultDurationMins, true
	}
	return 0, false
}

// ScheduleOverride changes the downstream poll interval inside a weekly
// time window ("poll every minute during work hours").
type ScheduleOverride struct {
	Name            string   `json:"name"`
	IntervalSeconds int      `json:"interval_seconds"`
	StartTime       string   `json:"start_time"` // HH:MM
	EndTime         string   `json:"end_time"`   // HH:MM
	Days            []string `json:"days"`       // mon..sun
}

// DefaultPath returns the config file location under the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, configDirName, configFileName), nil
}

// DefaultDatabasePath returns the state store location next to the config.
func DefaultDatabasePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, configDirName, dbFileName), nil
}

// Load reads and validates the config at path, applying env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv(EnvDownstreamKey); v != "" {
		cfg.DownstreamAPIKey = v
	}
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		cfg.WebhookSecret = v
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 10
	}
	if cfg.DatabasePath == "" {
		p, err := DefaultDatabasePath()
		if err != nil {
			return nil, err
		}
		cfg.DatabasePath = p
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config atomically (temp file + rename).
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	return os.Rename(tmpName, path)
}

// Validate checks the config for the mistakes the daemon cannot limp past.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DownstreamAPIKey) == "" || c.DownstreamAPIKey == "your_downstream_api_key_here" {
		return fmt.Errorf("downstream API key is required")
	}
	if len(c.UpstreamSources) == 0 {
		return fmt.Errorf("at least one upstream source is required")
	}
	for i, src := range c.UpstreamSources {
		if strings.TrimSpace(src.Name) == "" {
			return fmt.Errorf("upstream source %d: name is required", i)
		}
		if strings.TrimSpace(src.APIKey) == "" || src.APIKey == "your_upstream_api_key_here" {
			return fmt.Errorf("upstream source %d (%s): API key is required", i, src.Name)
		}
	}
	if c.DownstreamRatePerMin < 0 || c.DownstreamRatePerMin > 120 {
		return fmt.Errorf("downstream_rate_per_min must be within 0-120")
	}
	for i, o := range c.ScheduleOverrides {
		if err := o.validate(); err != nil {
			return fmt.Errorf("schedule override %d (%s): %w", i, o.Name, err)
		}
	}
	return nil
}

var validDays = map[string]bool{
	"mon": true, "tue": true, "wed": true, "thu": true,
	"fri": true, "sat": true, "sun": true,
}

func (o ScheduleOverride) validate() error {
	if o.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be positive")
	}
	if !validTimeOfDay(o.StartTime) {
		return fmt.Errorf("invalid start_time %q: expected HH:MM", o.StartTime)
	}
	if !validTimeOfDay(o.EndTime) {
		return fmt.Errorf("invalid end_time %q: expected HH:MM", o.EndTime)
	}
	for _, day := range o.Days {
		if !validDays[day] {
			return fmt.Errorf("invalid day %q", day)
		}
	}
	return nil
}

func validTimeOfDay(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return false
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	return err1 == nil && err2 == nil && hour >= 0 && hour < 24 && minute >= 0 && minute < 60
}

// Template returns the starter config `taskmirror init` writes, with the
// conventional Fibonacci and T-shirt duration tables filled in.
func Template() *Config {
	strategy := TimeEstimateStrategy{
		Fibonacci: map[string]int{
			"1": 30, "2": 60, "3": 120, "5": 240, "8": 480,
		},
		TShirt: map[string]int{
			"XS": 30, "S": 60, "M": 120, "L": 240, "XL": 480,
		},
		DefaultDurationMins: 60,
	}
	rules := SyncRules{
		DefaultTaskDurationMins: 60,
		CompletedUpstreamLabel:  "motioned",
		TimeEstimateStrategy:    strategy,
	}
	return &Config{
		DownstreamAPIKey: "your_downstream_api_key_here",
		UpstreamSources: []UpstreamSource{{
			Name:     "my-workspace",
			APIKey:   "your_upstream_api_key_here",
			Projects: []string{"project-id-1"},
		}},
		GlobalRules:         rules,
		PollIntervalSeconds: 10,
		ScheduleOverrides: []ScheduleOverride{{
			Name:            "work_hours",
			IntervalSeconds: 60,
			StartTime:       "09:00",
			EndTime:         "17:00",
			Days:            []string{"mon", "tue", "wed", "thu", "fri"},
		}},
	}
}
