package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/walrusec/browser-timeliner/internal/category"
	"github.com/walrusec/browser-timeliner/internal/diag"
)

// Defaults
const (
	DefaultIdleThreshold      = 30 * time.Minute
	DefaultBurstWindow        = time.Minute
	DefaultBurstMaxVisits     = 20
	DefaultCooccurrenceWindow = 5 * time.Minute
	DefaultNormalHoursStart   = "07:00"
	DefaultNormalHoursEnd     = "22:00"
	DefaultTimezone           = "UTC"
	DefaultWorkers            = 1
	DefaultURLCacheSize       = 4096
)

// BurstConfig bounds how many visits a session may contain inside one window
type BurstConfig struct {
	Window    time.Duration `yaml:"window" json:"window"`
	MaxVisits int           `yaml:"max_visits" json:"max_visits"`
}

// CooccurrenceConfig bounds how close a suspicious visit and a download must be
type CooccurrenceConfig struct {
	Window time.Duration `yaml:"window" json:"window"`
}

// NormalHoursConfig is the daily [Start, End) window considered normal activity.
// Start later than End wraps past midnight.
type NormalHoursConfig struct {
	Start    string `yaml:"start" json:"start"`
	End      string `yaml:"end" json:"end"`
	Timezone string `yaml:"timezone" json:"timezone"`
}

// Config is the single explicit configuration value of an analysis run
type Config struct {
	IdleThreshold          time.Duration      `yaml:"idle_threshold" json:"idle_threshold"`
	HighSeverityCategories []string           `yaml:"high_severity_categories" json:"high_severity_categories"`
	Burst                  BurstConfig        `yaml:"burst" json:"burst"`
	Cooccurrence           CooccurrenceConfig `yaml:"cooccurrence" json:"cooccurrence"`
	SuspiciousTLDs         []string           `yaml:"suspicious_tlds" json:"suspicious_tlds"`
	DownloadExtensions     []string           `yaml:"download_extensions" json:"download_extensions"`
	NormalHours            NormalHoursConfig  `yaml:"normal_hours" json:"normal_hours"`
	Workers                int                `yaml:"workers" json:"workers"`
	URLCacheSize           int                `yaml:"url_cache_size" json:"url_cache_size"`
}

// Default returns the documented defaults
func Default() Config {
	return Config{
		IdleThreshold: DefaultIdleThreshold,
		HighSeverityCategories: []string{
			category.RemoteAccess,
			category.Malware,
			category.KnownIndicator,
			category.Download,
			category.Unknown,
		},
		Burst: BurstConfig{
			Window:    DefaultBurstWindow,
			MaxVisits: DefaultBurstMaxVisits,
		},
		Cooccurrence: CooccurrenceConfig{Window: DefaultCooccurrenceWindow},
		SuspiciousTLDs: []string{
			"xyz", "top", "zip", "mov", "click", "country", "gq", "tk", "ml", "cf", "ga", "work", "support",
		},
		DownloadExtensions: []string{"exe", "msi", "dmg", "pkg", "ps1", "bat", "sh", "apk"},
		NormalHours: NormalHoursConfig{
			Start:    DefaultNormalHoursStart,
			End:      DefaultNormalHoursEnd,
			Timezone: DefaultTimezone,
		},
		Workers:      DefaultWorkers,
		URLCacheSize: DefaultURLCacheSize,
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TIMELINER_* variables using lookup (os.LookupEnv in production)
func ApplyEnv(cfg Config, lookup func(string) (string, bool)) (Config, error) {
	if v, ok := lookup("TIMELINER_IDLE_THRESHOLD"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, &diag.ConfigurationError{Field: "idle_threshold", Message: err.Error()}
		}
		cfg.IdleThreshold = d
	}
	if v, ok := lookup("TIMELINER_HIGH_SEVERITY_CATEGORIES"); ok {
		cfg.HighSeverityCategories = splitList(v)
	}
	if v, ok := lookup("TIMELINER_BURST_WINDOW"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, &diag.ConfigurationError{Field: "burst.window", Message: err.Error()}
		}
		cfg.Burst.Window = d
	}
	if v, ok := lookup("TIMELINER_BURST_MAX_VISITS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, &diag.ConfigurationError{Field: "burst.max_visits", Message: err.Error()}
		}
		cfg.Burst.MaxVisits = n
	}
	if v, ok := lookup("TIMELINER_COOCCURRENCE_WINDOW"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, &diag.ConfigurationError{Field: "cooccurrence.window", Message: err.Error()}
		}
		cfg.Cooccurrence.Window = d
	}
	if v, ok := lookup("TIMELINER_SUSPICIOUS_TLDS"); ok {
		cfg.SuspiciousTLDs = splitList(v)
	}
	if v, ok := lookup("TIMELINER_NORMAL_HOURS"); ok {
		start, end, found := strings.Cut(v, "-")
		if !found {
			return cfg, &diag.ConfigurationError{Field: "normal_hours", Message: "expected HH:MM-HH:MM"}
		}
		cfg.NormalHours.Start = strings.TrimSpace(start)
		cfg.NormalHours.End = strings.TrimSpace(end)
	}
	if v, ok := lookup("TIMELINER_TIMEZONE"); ok {
		cfg.NormalHours.Timezone = v
	}
	if v, ok := lookup("TIMELINER_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, &diag.ConfigurationError{Field: "workers", Message: err.Error()}
		}
		cfg.Workers = n
	}
	return cfg, nil
}

// Validate fails fast on values that would make a run meaningless or non-deterministic
func (c Config) Validate(registry *category.Registry) error {
	if c.IdleThreshold <= 0 {
		return &diag.ConfigurationError{Field: "idle_threshold", Message: "must be positive"}
	}
	if c.Burst.Window <= 0 {
		return &diag.ConfigurationError{Field: "burst.window", Message: "must be positive"}
	}
	if c.Burst.MaxVisits < 1 {
		return &diag.ConfigurationError{Field: "burst.max_visits", Message: "must be at least 1"}
	}
	if c.Cooccurrence.Window <= 0 {
		return &diag.ConfigurationError{Field: "cooccurrence.window", Message: "must be positive"}
	}
	if c.Workers < 1 {
		return &diag.ConfigurationError{Field: "workers", Message: "must be at least 1"}
	}
	if c.URLCacheSize < 0 {
		return &diag.ConfigurationError{Field: "url_cache_size", Message: "must not be negative"}
	}
	if registry == nil {
		return &diag.ConfigurationError{Field: "categories", Message: "category registry is required"}
	}
	for _, name := range c.HighSeverityCategories {
		if err := registry.Validate(name); err != nil {
			return &diag.ConfigurationError{Field: "high_severity_categories", Message: err.Error()}
		}
	}
	if _, err := c.NormalHours.Resolve(); err != nil {
		return err
	}
	return nil
}

// HoursWindow is a resolved NormalHoursConfig
type HoursWindow struct {
	Start    time.Duration // offset from local midnight
	End      time.Duration
	Location *time.Location
}

// Contains reports whether t's clock time in the window's location is inside [Start, End)
func (w HoursWindow) Contains(t time.Time) bool {
	local := t.In(w.Location)
	clock := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	if w.Start <= w.End {
		return clock >= w.Start && clock < w.End
	}
	return clock >= w.Start || clock < w.End
}

// Resolve parses the clock strings and timezone
func (n NormalHoursConfig) Resolve() (HoursWindow, error) {
	start, err := parseClock(n.Start)
	if err != nil {
		return HoursWindow{}, &diag.ConfigurationError{Field: "normal_hours.start", Message: err.Error()}
	}
	end, err := parseClock(n.End)
	if err != nil {
		return HoursWindow{}, &diag.ConfigurationError{Field: "normal_hours.end", Message: err.Error()}
	}
	if start == end {
		return HoursWindow{}, &diag.ConfigurationError{Field: "normal_hours", Message: "start and end must differ"}
	}
	tz := n.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return HoursWindow{}, &diag.ConfigurationError{Field: "normal_hours.timezone", Message: err.Error()}
	}
	return HoursWindow{Start: start, End: end, Location: loc}, nil
}

func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, expected HH:MM", value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
