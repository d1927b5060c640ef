package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walrusec/browser-timeliner/internal/category"
	"github.com/walrusec/browser-timeliner/internal/diag"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate(category.Default()))
	assert.Equal(t, 30*time.Minute, cfg.IdleThreshold)
	assert.Contains(t, cfg.HighSeverityCategories, category.RemoteAccess)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero idle threshold", func(c *Config) { c.IdleThreshold = 0 }, "idle_threshold"},
		{"negative burst window", func(c *Config) { c.Burst.Window = -time.Second }, "burst.window"},
		{"zero burst max", func(c *Config) { c.Burst.MaxVisits = 0 }, "burst.max_visits"},
		{"zero cooccurrence window", func(c *Config) { c.Cooccurrence.Window = 0 }, "cooccurrence.window"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"unknown category", func(c *Config) { c.HighSeverityCategories = []string{"bogus"} }, "high_severity_categories"},
		{"bad clock", func(c *Config) { c.NormalHours.Start = "25:99" }, "normal_hours.start"},
		{"empty window", func(c *Config) { c.NormalHours.End = c.NormalHours.Start }, "normal_hours"},
		{"bad timezone", func(c *Config) { c.NormalHours.Timezone = "Mars/Olympus" }, "normal_hours.timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate(category.Default())
			require.Error(t, err)

			var cfgErr *diag.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestValidate_RequiresRegistry(t *testing.T) {
	assert.Error(t, Default().Validate(nil))
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timeliner.yaml")
	content := `
idle_threshold: 10m
burst:
  max_visits: 5
normal_hours:
  start: "08:30"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.IdleThreshold)
	assert.Equal(t, 5, cfg.Burst.MaxVisits)
	assert.Equal(t, DefaultBurstWindow, cfg.Burst.Window)
	assert.Equal(t, "08:30", cfg.NormalHours.Start)
	assert.Equal(t, DefaultNormalHoursEnd, cfg.NormalHours.End)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TIMELINER_IDLE_THRESHOLD":   "45s",
		"TIMELINER_BURST_MAX_VISITS": "3",
		"TIMELINER_SUSPICIOUS_TLDS":  "ru, cn ,",
		"TIMELINER_NORMAL_HOURS":     "09:00-17:00",
		"TIMELINER_WORKERS":          "4",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := ApplyEnv(Default(), lookup)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.IdleThreshold)
	assert.Equal(t, 3, cfg.Burst.MaxVisits)
	assert.Equal(t, []string{"ru", "cn"}, cfg.SuspiciousTLDs)
	assert.Equal(t, "09:00", cfg.NormalHours.Start)
	assert.Equal(t, "17:00", cfg.NormalHours.End)
	assert.Equal(t, 4, cfg.Workers)
}

func TestApplyEnv_BadValue(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "TIMELINER_BURST_WINDOW" {
			return "soon", true
		}
		return "", false
	}
	_, err := ApplyEnv(Default(), lookup)

	var cfgErr *diag.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "burst.window", cfgErr.Field)
}

func TestHoursWindow_Contains(t *testing.T) {
	day, err := NormalHoursConfig{Start: "07:00", End: "22:00", Timezone: "UTC"}.Resolve()
	require.NoError(t, err)
	night, err := NormalHoursConfig{Start: "22:00", End: "06:00", Timezone: "UTC"}.Resolve()
	require.NoError(t, err)

	at := func(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }

	assert.True(t, day.Contains(at(7, 0)))
	assert.True(t, day.Contains(at(21, 59)))
	assert.False(t, day.Contains(at(22, 0)))
	assert.False(t, day.Contains(at(3, 0)))

	assert.True(t, night.Contains(at(23, 0)))
	assert.True(t, night.Contains(at(2, 0)))
	assert.False(t, night.Contains(at(12, 0)))
}
