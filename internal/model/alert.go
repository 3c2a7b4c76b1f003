package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	// AlertTypePublishFailure fires for every failed publication
	AlertTypePublishFailure AlertType = "publish_failure"
	// AlertTypeOverdueBacklog fires when overdue schedules exceed the threshold
	AlertTypeOverdueBacklog AlertType = "overdue_backlog"
	// AlertTypeResourceUsage fires when host CPU usage exceeds the threshold
	AlertTypeResourceUsage AlertType = "resource_usage"
)

// AlertRule defines a rule for generating alerts
type AlertRule struct {
	ID        string        `json:"id" mapstructure:"id"`
	Name      string        `json:"name" mapstructure:"name"`
	Type      AlertType     `json:"type" mapstructure:"type"`
	Threshold float64       `json:"threshold,omitempty" mapstructure:"threshold"`
	Severity  AlertSeverity `json:"severity" mapstructure:"severity"`
	Silenced  bool          `json:"silenced" mapstructure:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Alert represents an alert event
type Alert struct {
	ID        string                 `json:"id"`
	RuleID    string                 `json:"rule_id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// SchedulerMetrics is a point-in-time snapshot of scheduler and host health
type SchedulerMetrics struct {
	Timestamp   time.Time              `json:"timestamp"`
	CPUUsage    float64                `json:"cpu_usage"`
	MemoryUsage float64                `json:"memory_usage"`
	Schedules   map[ScheduleStatus]int `json:"schedules"`
	Ticks       int64                  `json:"ticks"`
	LastTick    *TickSummary           `json:"last_tick,omitempty"`
}

// TickSummary is the metrics view of the last publish loop pass
type TickSummary struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Published int           `json:"published"`
	Failed    int           `json:"failed"`
	Overdue   int           `json:"overdue"`
}
