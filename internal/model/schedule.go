package model

import (
	"time"
)

// ScheduleStatus represents the lifecycle state of a schedule
type ScheduleStatus string

const (
	ScheduleStatusScheduled       ScheduleStatus = "scheduled"
	ScheduleStatusPendingApproval ScheduleStatus = "pending_approval"
	ScheduleStatusApproved        ScheduleStatus = "approved"
	ScheduleStatusPublished       ScheduleStatus = "published"
	ScheduleStatusFailed          ScheduleStatus = "failed"
	ScheduleStatusCancelled       ScheduleStatus = "cancelled"
	ScheduleStatusOverdue         ScheduleStatus = "overdue"
)

// IsTerminal reports whether no further transition is permitted
func (s ScheduleStatus) IsTerminal() bool {
	return s == ScheduleStatusPublished || s == ScheduleStatusCancelled
}

// IsActive reports whether the schedule still waits to be published
func (s ScheduleStatus) IsActive() bool {
	switch s {
	case ScheduleStatusScheduled, ScheduleStatusPendingApproval, ScheduleStatusApproved, ScheduleStatusOverdue:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s ScheduleStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

var transitions = map[ScheduleStatus][]ScheduleStatus{
	ScheduleStatusScheduled: {
		ScheduleStatusPendingApproval,
		ScheduleStatusPublished,
		ScheduleStatusFailed,
		ScheduleStatusCancelled,
		ScheduleStatusOverdue,
	},
	ScheduleStatusPendingApproval: {
		ScheduleStatusApproved,
		ScheduleStatusScheduled,
		ScheduleStatusCancelled,
	},
	ScheduleStatusApproved: {
		ScheduleStatusPublished,
		ScheduleStatusFailed,
		ScheduleStatusCancelled,
		ScheduleStatusScheduled,
	},
	ScheduleStatusOverdue: {
		ScheduleStatusScheduled,
		ScheduleStatusPendingApproval,
		ScheduleStatusCancelled,
	},
	// operator reset; approval-gated schedules are reviewed again
	ScheduleStatusFailed:    {ScheduleStatusScheduled, ScheduleStatusPendingApproval},
	ScheduleStatusPublished: nil,
	ScheduleStatusCancelled: nil,
}

// CanTransition reports whether a schedule may move from s to next
func (s ScheduleStatus) CanTransition(next ScheduleStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Priority represents the editorial priority of a schedule
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities for display, higher first
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// NotificationSettings configures reminders sent ahead of publication
type NotificationSettings struct {
	Enabled   bool            `json:"enabled"`
	Reminders []time.Duration `json:"reminders,omitempty"`
	Channels  []string        `json:"channels,omitempty"`
	Fired     []time.Duration `json:"fired,omitempty"`
}

// HasFired reports whether the reminder offset has already been dispatched
func (n *NotificationSettings) HasFired(offset time.Duration) bool {
	for _, f := range n.Fired {
		if f == offset {
			return true
		}
	}
	return false
}

// MarkFired records a dispatched reminder offset
func (n *NotificationSettings) MarkFired(offset time.Duration) {
	if !n.HasFired(offset) {
		n.Fired = append(n.Fired, offset)
	}
}

// Metadata holds audit and lineage fields of a schedule
type Metadata struct {
	CreatedAt        time.Time `json:"created_at"`
	CreatedBy        string    `json:"created_by,omitempty"`
	LastModified     time.Time `json:"last_modified"`
	ModifiedBy       string    `json:"modified_by,omitempty"`
	Version          uint64    `json:"version"`
	ParentScheduleID string    `json:"parent_schedule_id,omitempty"`
	RecurrenceIndex  int       `json:"recurrence_index"`
}

// Schedule represents a single planned publication of one content item
type Schedule struct {
	ID               string               `json:"id"`
	ContentID        string               `json:"content_id"`
	Title            string               `json:"title,omitempty"`
	PublishAt        time.Time            `json:"publish_at"`
	Status           ScheduleStatus       `json:"status"`
	Priority         Priority             `json:"priority"`
	AssignedTo       string               `json:"assigned_to,omitempty"`
	ApprovalRequired bool                 `json:"approval_required"`
	Approvers        []string             `json:"approvers,omitempty"`
	Recurrence       *RecurrencePattern   `json:"recurrence,omitempty"`
	ContentHash      string               `json:"content_hash,omitempty"`
	Notifications    NotificationSettings `json:"notifications"`
	Metadata         Metadata             `json:"metadata"`

	PublishedAt *time.Time `json:"published_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Clone returns a deep copy of the schedule
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	c := *s
	c.Approvers = append([]string(nil), s.Approvers...)
	c.Notifications.Reminders = append([]time.Duration(nil), s.Notifications.Reminders...)
	c.Notifications.Channels = append([]string(nil), s.Notifications.Channels...)
	c.Notifications.Fired = append([]time.Duration(nil), s.Notifications.Fired...)
	if s.Recurrence != nil {
		r := s.Recurrence.Clone()
		c.Recurrence = &r
	}
	c.PublishedAt = cloneTime(s.PublishedAt)
	c.FailedAt = cloneTime(s.FailedAt)
	c.CancelledAt = cloneTime(s.CancelledAt)
	return &c
}

// TerminalAt returns when the schedule was published, failed or cancelled
func (s *Schedule) TerminalAt() (time.Time, bool) {
	switch s.Status {
	case ScheduleStatusPublished:
		if s.PublishedAt != nil {
			return *s.PublishedAt, true
		}
	case ScheduleStatusFailed:
		if s.FailedAt != nil {
			return *s.FailedAt, true
		}
	case ScheduleStatusCancelled:
		if s.CancelledAt != nil {
			return *s.CancelledAt, true
		}
	}
	return time.Time{}, false
}

// IsDue reports whether the publish loop may pick the schedule up at now
func (s *Schedule) IsDue(now time.Time) bool {
	if s.PublishAt.After(now) {
		return false
	}
	switch s.Status {
	case ScheduleStatusApproved:
		return true
	case ScheduleStatusScheduled:
		return !s.ApprovalRequired
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
