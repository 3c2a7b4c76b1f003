package scheduler

import "time"

const (
	defaultTickInterval = 60 * time.Second
	defaultCallTimeout  = 5 * time.Second
	defaultRetention    = 30 * 24 * time.Hour

	defaultTimeConflictWindow  = 30 * time.Minute
	defaultHighSeverityWindow  = 15 * time.Minute
	defaultResourceWindow      = 2 * time.Hour
	defaultRecurrencePreview   = 12
	fallbackNotificationTarget = "in-app"

	calendarDateLayout = "2006-01-02"
)
