package model

import "time"

// NotificationKind separates reminders from failure notices
type NotificationKind string

const (
	NotificationReminder NotificationKind = "reminder"
	NotificationFailure  NotificationKind = "failure"
)

// Notification is a message dispatched to one notification channel
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	ScheduleID string           `json:"schedule_id"`
	ContentID  string           `json:"content_id"`
	AssignedTo string           `json:"assigned_to,omitempty"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	PublishAt  time.Time        `json:"publish_at"`
	SentAt     time.Time        `json:"sent_at"`
}

// PublishRequest is sent to the content management system
type PublishRequest struct {
	ContentID  string    `json:"content_id"`
	ScheduleID string    `json:"schedule_id"`
	PublishAt  time.Time `json:"publish_at"`
}
