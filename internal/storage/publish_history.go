package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
)

// PublishOutcome is the result of one publish attempt
type PublishOutcome string

const (
	PublishOutcomePublished PublishOutcome = "published"
	PublishOutcomeFailed    PublishOutcome = "failed"
)

// PublishAttempt is one row of the publish history
type PublishAttempt struct {
	ID          int64          `json:"id"`
	ScheduleID  string         `json:"schedule_id"`
	ContentID   string         `json:"content_id"`
	Outcome     PublishOutcome `json:"outcome"`
	Error       string         `json:"error,omitempty"`
	AttemptedAt time.Time      `json:"attempted_at"`
}

// RecordAttempt appends an entry to the publish history
func (s *SQLiteScheduleStorage) RecordAttempt(ctx context.Context, attempt PublishAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_history (
			schedule_id, content_id, outcome, error, attempted_at
		) VALUES (?, ?, ?, ?, ?)`,
		attempt.ScheduleID,
		attempt.ContentID,
		string(attempt.Outcome),
		sql.NullString{String: attempt.Error, Valid: attempt.Error != ""},
		attempt.AttemptedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record publish attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the publish history of a schedule, newest first. An
// empty scheduleID lists every schedule.
func (s *SQLiteScheduleStorage) ListAttempts(ctx context.Context, scheduleID string, offset, limit int) ([]PublishAttempt, error) {
	query := "SELECT id, schedule_id, content_id, outcome, error, attempted_at FROM publish_history"
	args := make([]interface{}, 0, 3)
	if scheduleID != "" {
		query += " WHERE schedule_id = ?"
		args = append(args, scheduleID)
	}
	query += " ORDER BY attempted_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list publish history: %w", err)
	}
	defer rows.Close()

	var attempts []PublishAttempt
	for rows.Next() {
		var a PublishAttempt
		var outcome string
		var errorStr sql.NullString
		var attemptedAt int64
		if err := rows.Scan(&a.ID, &a.ScheduleID, &a.ContentID, &outcome, &errorStr, &attemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan publish history: %w", err)
		}
		a.Outcome = PublishOutcome(outcome)
		if errorStr.Valid {
			a.Error = errorStr.String
		}
		a.AttemptedAt = time.Unix(0, attemptedAt).UTC()
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return attempts, nil
}

// DeleteAttemptsBefore deletes history entries older than the given time
func (s *SQLiteScheduleStorage) DeleteAttemptsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM publish_history WHERE attempted_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete publish history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old publish history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return affected, nil
}

// RecordEvent stores publish outcomes carried by schedule events. Other
// events are ignored.
func (s *SQLiteScheduleStorage) RecordEvent(evt model.Event) {
	var attempt PublishAttempt
	switch e := evt.(type) {
	case model.SchedulePublished:
		attempt = PublishAttempt{
			ScheduleID:  e.ScheduleID,
			ContentID:   e.ContentID,
			Outcome:     PublishOutcomePublished,
			AttemptedAt: e.PublishedAt,
		}
	case model.ScheduleFailed:
		attempt = PublishAttempt{
			ScheduleID:  e.ScheduleID,
			ContentID:   e.ContentID,
			Outcome:     PublishOutcomeFailed,
			Error:       e.Reason,
			AttemptedAt: e.FailedAt,
		}
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.RecordAttempt(ctx, attempt); err != nil {
		s.logger.Error("Failed to record publish outcome",
			zap.String("schedule_id", attempt.ScheduleID),
			zap.Error(err))
	}
}
