package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
)

// AlertStream is the JetStream stream alerts are published to
const AlertStream = "ALERTS"

// AlertManager turns schedule events and metrics snapshots into alerts
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	now    func() time.Time

	rules  sync.Map
	alerts sync.Map
	// firing tracks threshold rules currently above their threshold so that
	// they alert once per excursion
	firing sync.Map
}

// NewAlertManager creates a new alert manager. js may be nil.
func NewAlertManager(logger *zap.Logger, js nats.JetStreamContext) *AlertManager {
	return &AlertManager{
		logger: logger.Named("alert-manager"),
		js:     js,
		now:    time.Now,
	}
}

// Start makes sure the alert stream exists
func (m *AlertManager) Start(ctx context.Context) error {
	if m.js == nil {
		return nil
	}

	if _, err := m.js.StreamInfo(AlertStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := m.js.AddStream(&nats.StreamConfig{
			Name:     AlertStream,
			Subjects: []string{"alert.*"},
			Storage:  nats.FileStorage,
		}); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	m.logger.Info("Alert manager started")
	return nil
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	switch rule.Type {
	case model.AlertTypePublishFailure, model.AlertTypeOverdueBacklog, model.AlertTypeResourceUsage:
	default:
		return fmt.Errorf("unsupported alert type: %s", rule.Type)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = m.now()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if _, ok := m.rules.Load(rule.ID); !ok {
		return fmt.Errorf("rule not found: %s", rule.ID)
	}
	rule.UpdatedAt = m.now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	m.rules.Delete(id)
	m.firing.Delete(id)
	return nil
}

// Alerts returns the alerts raised so far, oldest first
func (m *AlertManager) Alerts() []*model.Alert {
	var out []*model.Alert
	m.alerts.Range(func(_, value interface{}) bool {
		out = append(out, value.(*model.Alert))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// HandleEvent raises publish failure alerts
func (m *AlertManager) HandleEvent(evt model.Event) {
	failed, ok := evt.(model.ScheduleFailed)
	if !ok {
		return
	}

	m.eachRule(model.AlertTypePublishFailure, func(rule *model.AlertRule) {
		m.createAlert(rule, fmt.Sprintf("Publishing failed for content %s", failed.ContentID), map[string]interface{}{
			"schedule_id": failed.ScheduleID,
			"content_id":  failed.ContentID,
			"reason":      failed.Reason,
		})
	})
}

// EvaluateMetrics checks threshold rules against a metrics snapshot
func (m *AlertManager) EvaluateMetrics(metrics model.SchedulerMetrics) {
	overdue := float64(metrics.Schedules[model.ScheduleStatusOverdue])
	m.eachRule(model.AlertTypeOverdueBacklog, func(rule *model.AlertRule) {
		m.threshold(rule, overdue, fmt.Sprintf("%d schedules are overdue", int(overdue)), map[string]interface{}{
			"overdue": int(overdue),
		})
	})

	m.eachRule(model.AlertTypeResourceUsage, func(rule *model.AlertRule) {
		m.threshold(rule, metrics.CPUUsage, fmt.Sprintf("CPU usage at %.1f%%", metrics.CPUUsage), map[string]interface{}{
			"cpu_usage":    metrics.CPUUsage,
			"memory_usage": metrics.MemoryUsage,
		})
	})
}

func (m *AlertManager) threshold(rule *model.AlertRule, value float64, message string, data map[string]interface{}) {
	if value <= rule.Threshold {
		m.firing.Delete(rule.ID)
		return
	}
	if _, already := m.firing.LoadOrStore(rule.ID, struct{}{}); already {
		return
	}
	m.createAlert(rule, message, data)
}

func (m *AlertManager) eachRule(t model.AlertType, fn func(*model.AlertRule)) {
	m.rules.Range(func(_, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type == t && !rule.Silenced {
			fn(rule)
		}
		return true
	})
}

// createAlert records and publishes a new alert
func (m *AlertManager) createAlert(rule *model.AlertRule, message string, data map[string]interface{}) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		Data:      data,
		CreatedAt: m.now(),
	}
	m.alerts.Store(alert.ID, alert)

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	if m.js == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	if _, err := m.js.Publish("alert."+string(alert.Type), payload); err != nil {
		m.logger.Error("Failed to publish alert", zap.Error(err))
	}
}
