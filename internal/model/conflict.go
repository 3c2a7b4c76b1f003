package model

// ConflictType represents the kind of scheduling conflict
type ConflictType string

const (
	ConflictTypeTime     ConflictType = "time_conflict"
	ConflictTypeResource ConflictType = "resource_conflict"
)

// ConflictSeverity represents how serious a conflict is
type ConflictSeverity string

const (
	ConflictSeverityHigh   ConflictSeverity = "high"
	ConflictSeverityMedium ConflictSeverity = "medium"
)

// ConflictRecord describes a collision between a candidate and an existing schedule.
// It is computed on demand and never persisted.
type ConflictRecord struct {
	Type                  ConflictType     `json:"type"`
	ConflictingScheduleID string           `json:"conflicting_schedule_id"`
	Severity              ConflictSeverity `json:"severity"`
	Detail                string           `json:"detail"`
}
