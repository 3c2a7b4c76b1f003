package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/t77yq/content-scheduler/internal/model"
)

// ConflictConfig holds the windows used to classify collisions
type ConflictConfig struct {
	TimeWindow         time.Duration `mapstructure:"time_window"`
	HighSeverityWindow time.Duration `mapstructure:"high_severity_window"`
	ResourceWindow     time.Duration `mapstructure:"resource_window"`
}

// DefaultConflictConfig returns the 30m / 15m / 2h windows
func DefaultConflictConfig() ConflictConfig {
	return ConflictConfig{
		TimeWindow:         defaultTimeConflictWindow,
		HighSeverityWindow: defaultHighSeverityWindow,
		ResourceWindow:     defaultResourceWindow,
	}
}

// ConflictDetector finds time and assignee collisions between schedules.
// It has no side effects and yields the same result for the same input.
type ConflictDetector struct {
	cfg ConflictConfig
}

// NewConflictDetector creates a detector, filling unset windows with defaults
func NewConflictDetector(cfg ConflictConfig) *ConflictDetector {
	def := DefaultConflictConfig()
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = def.TimeWindow
	}
	if cfg.HighSeverityWindow <= 0 {
		cfg.HighSeverityWindow = def.HighSeverityWindow
	}
	if cfg.ResourceWindow <= 0 {
		cfg.ResourceWindow = def.ResourceWindow
	}
	return &ConflictDetector{cfg: cfg}
}

// Horizon is the widest distance at which two schedules can still conflict
func (d *ConflictDetector) Horizon() time.Duration {
	if d.cfg.ResourceWindow > d.cfg.TimeWindow {
		return d.cfg.ResourceWindow
	}
	return d.cfg.TimeWindow
}

// Detect compares candidate against existing schedules. Only scheduled and
// approved schedules take part; the candidate itself is skipped by ID.
// Results are ordered by the existing schedule's publish time, then ID.
func (d *ConflictDetector) Detect(candidate *model.Schedule, existing []*model.Schedule) []model.ConflictRecord {
	others := make([]*model.Schedule, 0, len(existing))
	for _, s := range existing {
		if s.ID == candidate.ID {
			continue
		}
		if s.Status != model.ScheduleStatusScheduled && s.Status != model.ScheduleStatusApproved {
			continue
		}
		others = append(others, s)
	}
	sort.Slice(others, func(i, j int) bool {
		if !others[i].PublishAt.Equal(others[j].PublishAt) {
			return others[i].PublishAt.Before(others[j].PublishAt)
		}
		return others[i].ID < others[j].ID
	})

	var conflicts []model.ConflictRecord
	for _, s := range others {
		gap := absDuration(candidate.PublishAt.Sub(s.PublishAt))

		if gap < d.cfg.TimeWindow {
			severity := model.ConflictSeverityMedium
			if gap < d.cfg.HighSeverityWindow {
				severity = model.ConflictSeverityHigh
			}
			conflicts = append(conflicts, model.ConflictRecord{
				Type:                  model.ConflictTypeTime,
				ConflictingScheduleID: s.ID,
				Severity:              severity,
				Detail:                fmt.Sprintf("publishes %s apart from %s", gap, describe(s)),
			})
		}

		if candidate.AssignedTo != "" && candidate.AssignedTo == s.AssignedTo && gap < d.cfg.ResourceWindow {
			conflicts = append(conflicts, model.ConflictRecord{
				Type:                  model.ConflictTypeResource,
				ConflictingScheduleID: s.ID,
				Severity:              model.ConflictSeverityMedium,
				Detail:                fmt.Sprintf("%s is already assigned %s within %s", s.AssignedTo, describe(s), gap),
			})
		}
	}
	return conflicts
}

func describe(s *model.Schedule) string {
	if s.Title != "" {
		return fmt.Sprintf("%q", s.Title)
	}
	return "schedule " + s.ID
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
