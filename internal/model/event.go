package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies a schedule lifecycle event
type EventKind string

const (
	EventScheduleCreated   EventKind = "created"
	EventScheduleUpdated   EventKind = "updated"
	EventSchedulePublished EventKind = "published"
	EventScheduleFailed    EventKind = "failed"
	EventScheduleCancelled EventKind = "cancelled"
	EventApprovalDecided   EventKind = "approval"
	EventReminderFired     EventKind = "reminder"
	EventOccurrenceCreated EventKind = "occurrence"
)

// Event is a typed schedule lifecycle event
type Event interface {
	Kind() EventKind
	ScheduleRef() string
}

// ScheduleCreated is emitted when a schedule enters the store
type ScheduleCreated struct {
	Schedule *Schedule `json:"schedule"`
	At       time.Time `json:"at"`
}

// ScheduleUpdated is emitted after a caller-initiated edit
type ScheduleUpdated struct {
	Schedule *Schedule `json:"schedule"`
	At       time.Time `json:"at"`
}

// SchedulePublished is emitted when the publish API accepted the content
type SchedulePublished struct {
	ScheduleID  string    `json:"schedule_id"`
	ContentID   string    `json:"content_id"`
	PublishedAt time.Time `json:"published_at"`
}

// ScheduleFailed is emitted when verification or publication failed
type ScheduleFailed struct {
	ScheduleID string    `json:"schedule_id"`
	ContentID  string    `json:"content_id"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
}

// ScheduleCancelled is emitted when a schedule is cancelled
type ScheduleCancelled struct {
	ScheduleID string    `json:"schedule_id"`
	At         time.Time `json:"at"`
}

// ApprovalDecided is emitted for every recorded approval decision
type ApprovalDecided struct {
	WorkflowID     string         `json:"workflow_id"`
	ScheduleID     string         `json:"schedule_id"`
	ApproverID     string         `json:"approver_id"`
	Decision       Decision       `json:"decision"`
	WorkflowStatus WorkflowStatus `json:"workflow_status"`
	At             time.Time      `json:"at"`
}

// ReminderFired is emitted once per dispatched reminder offset
type ReminderFired struct {
	ScheduleID string        `json:"schedule_id"`
	Offset     time.Duration `json:"offset"`
	Channels   []string      `json:"channels"`
	At         time.Time     `json:"at"`
}

// OccurrenceCreated is emitted when a recurring schedule spawns its next occurrence
type OccurrenceCreated struct {
	ScheduleID       string    `json:"schedule_id"`
	ParentScheduleID string    `json:"parent_schedule_id"`
	PublishAt        time.Time `json:"publish_at"`
	RecurrenceIndex  int       `json:"recurrence_index"`
}

func (ScheduleCreated) Kind() EventKind   { return EventScheduleCreated }
func (ScheduleUpdated) Kind() EventKind   { return EventScheduleUpdated }
func (SchedulePublished) Kind() EventKind { return EventSchedulePublished }
func (ScheduleFailed) Kind() EventKind    { return EventScheduleFailed }
func (ScheduleCancelled) Kind() EventKind { return EventScheduleCancelled }
func (ApprovalDecided) Kind() EventKind   { return EventApprovalDecided }
func (ReminderFired) Kind() EventKind     { return EventReminderFired }
func (OccurrenceCreated) Kind() EventKind { return EventOccurrenceCreated }

func (e ScheduleCreated) ScheduleRef() string   { return e.Schedule.ID }
func (e ScheduleUpdated) ScheduleRef() string   { return e.Schedule.ID }
func (e SchedulePublished) ScheduleRef() string { return e.ScheduleID }
func (e ScheduleFailed) ScheduleRef() string    { return e.ScheduleID }
func (e ScheduleCancelled) ScheduleRef() string { return e.ScheduleID }
func (e ApprovalDecided) ScheduleRef() string   { return e.ScheduleID }
func (e ReminderFired) ScheduleRef() string     { return e.ScheduleID }
func (e OccurrenceCreated) ScheduleRef() string { return e.ScheduleID }

// DecodeEvent unmarshals the payload of an event of the given kind
func DecodeEvent(kind EventKind, data []byte) (Event, error) {
	switch kind {
	case EventScheduleCreated:
		return decode[ScheduleCreated](kind, data)
	case EventScheduleUpdated:
		return decode[ScheduleUpdated](kind, data)
	case EventSchedulePublished:
		return decode[SchedulePublished](kind, data)
	case EventScheduleFailed:
		return decode[ScheduleFailed](kind, data)
	case EventScheduleCancelled:
		return decode[ScheduleCancelled](kind, data)
	case EventApprovalDecided:
		return decode[ApprovalDecided](kind, data)
	case EventReminderFired:
		return decode[ReminderFired](kind, data)
	case EventOccurrenceCreated:
		return decode[OccurrenceCreated](kind, data)
	}
	return nil, fmt.Errorf("unknown event kind %q", kind)
}

func decode[T Event](kind EventKind, data []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", kind, err)
	}
	return e, nil
}
