package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/content-scheduler/internal/handler"
	"github.com/t77yq/content-scheduler/internal/model"
	"github.com/t77yq/content-scheduler/internal/scheduler"
)

// EnvPrefix prefixes environment overrides, e.g. SCHEDULER_NATS_URL
const EnvPrefix = "SCHEDULER"

// Config is the service configuration
type Config struct {
	App      AppConfig                `mapstructure:"app"`
	Log      LogConfig                `mapstructure:"log"`
	Loop     scheduler.LoopConfig     `mapstructure:"loop"`
	Conflict scheduler.ConflictConfig `mapstructure:"conflict"`
	Calendar CalendarConfig           `mapstructure:"calendar"`
	Storage  StorageConfig            `mapstructure:"storage"`
	NATS     NATSConfig               `mapstructure:"nats"`
	CMS      CMSConfig                `mapstructure:"cms"`
	Notify   NotifyConfig             `mapstructure:"notify"`
	Metrics  MetricsConfig            `mapstructure:"metrics"`
	Alerts   []model.AlertRule        `mapstructure:"alerts"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Timezone string `mapstructure:"timezone"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

type CalendarConfig struct {
	RecurrencePreview int `mapstructure:"recurrence_preview"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
	// CleanupInterval is how often terminal rows past retention are deleted
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	EventMaxAge    time.Duration `mapstructure:"event_max_age"`
}

type CMSConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
	// LocalHash hashes fetched content bodies instead of asking the CMS
	LocalHash bool `mapstructure:"local_hash"`
}

type NotifyConfig struct {
	Email         handler.EmailConfig `mapstructure:"email"`
	Slack         handler.SlackConfig `mapstructure:"slack"`
	RatePerSecond int                 `mapstructure:"rate_per_second"`
}

type MetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Location resolves the calendar time zone
func (c *Config) Location() (*time.Location, error) {
	if c.App.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.App.Timezone, err)
	}
	return loc, nil
}

// Scheduler builds the engine configuration
func (c *Config) Scheduler() (scheduler.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Loop:              c.Loop,
		Conflict:          c.Conflict,
		Location:          loc,
		RecurrencePreview: c.Calendar.RecurrencePreview,
	}, nil
}

// Load reads configuration from file (config/config.yaml unless path is
// given) and SCHEDULER_* environment variables. A missing default config
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	loop := scheduler.DefaultLoopConfig()
	conflict := scheduler.DefaultConflictConfig()

	v.SetDefault("app.name", "content-scheduler")
	v.SetDefault("app.timezone", "UTC")
	v.SetDefault("log.development", false)

	v.SetDefault("loop.interval", loop.Interval)
	v.SetDefault("loop.call_timeout", loop.CallTimeout)
	v.SetDefault("loop.retention", loop.Retention)

	v.SetDefault("conflict.time_window", conflict.TimeWindow)
	v.SetDefault("conflict.high_severity_window", conflict.HighSeverityWindow)
	v.SetDefault("conflict.resource_window", conflict.ResourceWindow)

	v.SetDefault("calendar.recurrence_preview", 12)

	v.SetDefault("storage.path", "schedules.db")
	v.SetDefault("storage.cleanup_interval", 24*time.Hour)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.event_max_age", 7*24*time.Hour)

	v.SetDefault("cms.base_url", "http://127.0.0.1:8080/api")
	v.SetDefault("cms.token", "")
	v.SetDefault("cms.timeout", 10*time.Second)
	v.SetDefault("cms.local_hash", false)

	v.SetDefault("notify.email.host", "")
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.recipients", []string{})
	v.SetDefault("notify.slack.token", "")
	v.SetDefault("notify.slack.channel", "")
	v.SetDefault("notify.slack.api_url", "")
	v.SetDefault("notify.rate_per_second", 5)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.interval", 30*time.Second)
}

func (c *Config) validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Loop.Interval <= 0 {
		return fmt.Errorf("loop.interval must be positive")
	}
	if c.Conflict.HighSeverityWindow > c.Conflict.TimeWindow {
		return fmt.Errorf("conflict.high_severity_window must not exceed conflict.time_window")
	}
	if c.Storage.CleanupInterval <= 0 {
		return fmt.Errorf("storage.cleanup_interval must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.CMS.BaseURL == "" {
		return fmt.Errorf("cms.base_url is required")
	}
	return nil
}
