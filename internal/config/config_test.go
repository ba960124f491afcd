package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/trainstream/internal/domain"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, []string{DefaultSurface}, cfg.SurfaceNames())
	assert.Equal(t, 10*time.Second, cfg.TrainingService.ConnectTimeoutDuration())

	streamURL, err := cfg.TrainingService.StreamURL()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/api/training/stream", streamURL)
}

func TestLoad_YAMLWithSchedules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
env: test
server:
  http_port: 9090
training_service:
  base_url: http://trainer:8000
  stream_path: /api/training/stream
surfaces: [dashboard, dashboard, default]
schedules:
  - name: nightly-nifty
    cron: "30 18 * * 1-5"
    surface: dashboard
    request:
      instrument_token: 256265
      interval: 5minute
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"default", "dashboard"}, cfg.SurfaceNames())
	require.Len(t, cfg.Schedules, 1)

	req := cfg.Schedules[0].Request
	assert.Equal(t, int64(256265), req.InstrumentToken)
	assert.Equal(t, []domain.ModelID{"random_forest", "xgboost"}, req.Models)
	assert.Equal(t, 1, req.ForecastHorizon)
	assert.Equal(t, 20, req.LookbackWindow)
	assert.Equal(t, 300, req.WalkforwardTrainBars)
	assert.Equal(t, 60, req.WalkforwardTestBars)
	assert.Nil(t, req.StepSize)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "7000")
	t.Setenv("TRAINING_SERVICE_URL", "https://trainer.internal")
	t.Setenv("DB_ENABLED", "true")
	t.Setenv("DB_HOST", "db")
	t.Setenv("SURFACES", "ops, research ,")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.HTTPPort)
	assert.Equal(t, "https://trainer.internal", cfg.TrainingService.BaseURL)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "db", cfg.Database.Host)
	assert.Equal(t, []string{"ops", "research"}, cfg.Surfaces)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad env", func(c *Config) { c.Env = "qa" }, "env"},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 70000 }, "server.http_port"},
		{"relative base url", func(c *Config) { c.TrainingService.BaseURL = "trainer:8000" }, "training_service.base_url"},
		{"zero chunk size", func(c *Config) { c.TrainingService.ChunkSize = 0 }, "training_service.chunk_size"},
		{"bad timeout", func(c *Config) { c.TrainingService.ConnectTimeout = "soon" }, "training_service.connect_timeout"},
		{"enabled db without host", func(c *Config) {
			c.Database.Enabled = true
			c.Database.Host = ""
		}, "database.host"},
		{"enabled rabbitmq with http url", func(c *Config) {
			c.RabbitMQ.Enabled = true
			c.RabbitMQ.URL = "http://broker"
		}, "rabbitmq.url"},
		{"bad cron", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "x", Cron: "every day", Request: validRequest()}}
		}, "schedules[0].cron"},
		{"unknown surface", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "x", Cron: "@daily", Surface: "nowhere", Request: validRequest()}}
		}, "schedules[0].surface"},
		{"invalid request", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "x", Cron: "@daily", Request: domain.TrainingRequest{Interval: "day"}}}
		}, "schedules[0].request"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))

			var errs ValidationErrors
			require.ErrorAs(t, err, &errs)
			fields := make([]string, 0, len(errs))
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func validRequest() domain.TrainingRequest {
	return domain.TrainingRequest{InstrumentToken: 1, Interval: "day"}
}
