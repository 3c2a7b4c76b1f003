package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/content-scheduler/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	// run from an empty directory so no config file is picked up
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "content-scheduler", cfg.App.Name)
	assert.Equal(t, time.Minute, cfg.Loop.Interval)
	assert.Equal(t, 5*time.Second, cfg.Loop.CallTimeout)
	assert.Equal(t, 30*24*time.Hour, cfg.Loop.Retention)
	assert.Equal(t, 30*time.Minute, cfg.Conflict.TimeWindow)
	assert.Equal(t, 15*time.Minute, cfg.Conflict.HighSeverityWindow)
	assert.Equal(t, 2*time.Hour, cfg.Conflict.ResourceWindow)
	assert.Equal(t, 12, cfg.Calendar.RecurrencePreview)
	assert.Equal(t, "schedules.db", cfg.Storage.Path)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, 587, cfg.Notify.Email.Port)
	assert.Equal(t, 5, cfg.Notify.RatePerSecond)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.Alerts)

	sc, err := cfg.Scheduler()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, sc.Location)
	assert.Equal(t, cfg.Loop, sc.Loop)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
app:
  timezone: Europe/Berlin
loop:
  interval: 30s
  retention: 72h
conflict:
  time_window: 45m
  high_severity_window: 20m
storage:
  path: /var/lib/scheduler/schedules.db
nats:
  enabled: true
  url: nats://nats:4222
notify:
  email:
    host: smtp.example.com
    from: scheduler@example.com
    recipients:
      - desk@example.com
  slack:
    token: xoxb-1
    channel: C123
alerts:
  - name: Publish failures
    type: publish_failure
    severity: error
  - name: Overdue backlog
    type: overdue_backlog
    threshold: 5
    severity: warning
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Loop.Interval)
	assert.Equal(t, 72*time.Hour, cfg.Loop.Retention)
	assert.Equal(t, 5*time.Second, cfg.Loop.CallTimeout, "unset keys keep defaults")
	assert.Equal(t, 45*time.Minute, cfg.Conflict.TimeWindow)
	assert.Equal(t, 20*time.Minute, cfg.Conflict.HighSeverityWindow)
	assert.Equal(t, "/var/lib/scheduler/schedules.db", cfg.Storage.Path)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, []string{"desk@example.com"}, cfg.Notify.Email.Recipients)
	assert.Equal(t, "C123", cfg.Notify.Slack.Channel)

	require.Len(t, cfg.Alerts, 2)
	assert.Equal(t, model.AlertTypePublishFailure, cfg.Alerts[0].Type)
	assert.Equal(t, model.AlertTypeOverdueBacklog, cfg.Alerts[1].Type)
	assert.Equal(t, 5.0, cfg.Alerts[1].Threshold)
	assert.Equal(t, model.AlertSeverityWarning, cfg.Alerts[1].Severity)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "nats:\n  url: nats://from-file:4222\n")
	t.Setenv("SCHEDULER_NATS_URL", "nats://from-env:4222")
	t.Setenv("SCHEDULER_LOOP_INTERVAL", "15s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://from-env:4222", cfg.NATS.URL)
	assert.Equal(t, 15*time.Second, cfg.Loop.Interval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"Timezone", "app:\n  timezone: Mars/Olympus\n", "invalid timezone"},
		{"Interval", "loop:\n  interval: 0s\n", "loop.interval"},
		{"Windows", "conflict:\n  time_window: 10m\n  high_severity_window: 20m\n", "high_severity_window"},
		{"Cleanup", "storage:\n  cleanup_interval: 0s\n", "cleanup_interval"},
		{"CMS", "cms:\n  base_url: \"\"\n", "cms.base_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("Missing Explicit File", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
