package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfig_IsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30, cfg.RateLimit.Limit)
	assert.Equal(t, "pipeline", cfg.RateLimit.Scope)
	assert.Equal(t, 3, cfg.Claude.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.LockTTLDuration())
	assert.Equal(t, cfg.Scheduler.LockTTLDuration(), cfg.Scheduler.StaleAfterDuration())
	assert.Equal(t, 10*time.Second, cfg.Storage.Badger.OpenTimeoutDuration())
	assert.Equal(t, []string{
		PipelineContentEnrichment,
		PipelineIntroSEOCorrection,
		PipelinePressureCorrection,
		PipelineVehicleDataEnrichment,
	}, cfg.PipelineNames())
}

func TestLoadFromFiles_LaterFilesOverride(t *testing.T) {
	base := writeConfigFile(t, "base.toml", `
[rate_limit]
limit = 10
window = "30m"

[scheduler]
strict_exit = true
`)
	override := writeConfigFile(t, "override.toml", `
[rate_limit]
limit = 20
scope = "global"
`)

	cfg, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.RateLimit.Limit)
	assert.Equal(t, "30m", cfg.RateLimit.Window)
	assert.Equal(t, "global", cfg.RateLimit.Scope)
	assert.True(t, cfg.Scheduler.StrictExit)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Claude.Model, "unset values keep defaults")
}

func TestLoadFromFiles_ZeroTemperatureIsKept(t *testing.T) {
	path := writeConfigFile(t, "revisor.toml", `
[claude]
temperature = 0.0
top_p = 0.0
`)

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.NotNil(t, cfg.Claude.Temperature)
	assert.Equal(t, 0.0, *cfg.Claude.Temperature)
	require.NotNil(t, cfg.Claude.TopP)
	assert.Equal(t, 0.0, *cfg.Claude.TopP)

	defaults := NewDefaultConfig()
	require.NotNil(t, defaults.Claude.Temperature)
	assert.Equal(t, 0.3, *defaults.Claude.Temperature)
	assert.Nil(t, defaults.Claude.TopP)
}

func TestLoadFromFiles_EnvOverridesFiles(t *testing.T) {
	path := writeConfigFile(t, "revisor.toml", `
[logging]
level = "warn"
`)
	t.Setenv("REVISOR_LOG_LEVEL", "debug")
	t.Setenv("REVISOR_RATE_LIMIT", "5")
	t.Setenv("REVISOR_STRICT_EXIT", "true")

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.RateLimit.Limit)
	assert.True(t, cfg.Scheduler.StrictExit)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown scope", func(c *Config) { c.RateLimit.Scope = "cluster" }, true},
		{"zero limit", func(c *Config) { c.RateLimit.Limit = 0 }, true},
		{"bad window", func(c *Config) { c.RateLimit.Window = "an hour" }, true},
		{"zero retries", func(c *Config) { c.Claude.MaxRetries = 0 }, true},
		{"temperature above one", func(c *Config) { c.Claude.Temperature = Float(1.5) }, true},
		{"unset temperature", func(c *Config) { c.Claude.Temperature = nil }, false},
		{"bad open timeout", func(c *Config) { c.Storage.Badger.OpenTimeout = "soon" }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad cooldown", func(c *Config) {
			p := c.Pipelines[PipelinePressureCorrection]
			p.Cooldown = "yesterday"
			c.Pipelines[PipelinePressureCorrection] = p
		}, true},
		{"schedule every minute", func(c *Config) {
			p := c.Pipelines[PipelinePressureCorrection]
			p.Schedule = "* * * * *"
			c.Pipelines[PipelinePressureCorrection] = p
		}, true},
		{"disabled pipeline schedule ignored", func(c *Config) {
			p := c.Pipelines[PipelineIntroSEOCorrection]
			p.Schedule = "not a cron"
			c.Pipelines[PipelineIntroSEOCorrection] = p
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("*/15 * * * *"))
	assert.NoError(t, ValidateSchedule("5,35 * * * *"))
	assert.Error(t, ValidateSchedule("*/2 * * * *"))
	assert.Error(t, ValidateSchedule("* * * * *"))
	assert.Error(t, ValidateSchedule("every day"))
}

func TestResolveAPIKey(t *testing.T) {
	cfg := NewDefaultConfig()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("REVISOR_CLAUDE_API_KEY", "")

	_, err := ResolveAPIKey(cfg)
	assert.Error(t, err)

	cfg.Claude.APIKey = "from-config"
	key, err := ResolveAPIKey(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-config", key)

	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	key, err = ResolveAPIKey(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("soon", time.Minute))
	assert.Equal(t, 90*time.Second, ParseDuration("90s", time.Minute))
}
