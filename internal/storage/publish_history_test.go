package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/content-scheduler/internal/model"
)

func TestPublishHistory(t *testing.T) {
	// Setup
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordAttempt(ctx, PublishAttempt{
		ScheduleID:  "s1",
		ContentID:   "c1",
		Outcome:     PublishOutcomeFailed,
		Error:       "content publish failed: status 503",
		AttemptedAt: base,
	}))
	require.NoError(t, s.RecordAttempt(ctx, PublishAttempt{
		ScheduleID:  "s1",
		ContentID:   "c1",
		Outcome:     PublishOutcomePublished,
		AttemptedAt: base.Add(time.Hour),
	}))
	require.NoError(t, s.RecordAttempt(ctx, PublishAttempt{
		ScheduleID:  "s2",
		ContentID:   "c2",
		Outcome:     PublishOutcomePublished,
		AttemptedAt: base.Add(2 * time.Hour),
	}))

	t.Run("Per Schedule Newest First", func(t *testing.T) {
		attempts, err := s.ListAttempts(ctx, "s1", 0, 10)
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		assert.Equal(t, PublishOutcomePublished, attempts[0].Outcome)
		assert.Empty(t, attempts[0].Error)
		assert.Equal(t, PublishOutcomeFailed, attempts[1].Outcome)
		assert.Equal(t, "content publish failed: status 503", attempts[1].Error)
		assert.Equal(t, base, attempts[1].AttemptedAt)
	})

	t.Run("Paging Across Schedules", func(t *testing.T) {
		attempts, err := s.ListAttempts(ctx, "", 1, 1)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, "s1", attempts[0].ScheduleID)
		assert.Equal(t, PublishOutcomePublished, attempts[0].Outcome)
	})

	t.Run("Delete Before", func(t *testing.T) {
		deleted, err := s.DeleteAttemptsBefore(ctx, base.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		attempts, err := s.ListAttempts(ctx, "", 0, 10)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, "s2", attempts[0].ScheduleID)
	})
}

func TestRecordEvent(t *testing.T) {
	// Setup
	s := newTestStorage(t)
	ctx := context.Background()
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	s.RecordEvent(model.SchedulePublished{ScheduleID: "s1", ContentID: "c1", PublishedAt: at})
	s.RecordEvent(model.ScheduleFailed{ScheduleID: "s2", ContentID: "c2", Reason: "content verification failed", FailedAt: at.Add(time.Minute)})
	s.RecordEvent(model.ScheduleCancelled{ScheduleID: "s3", At: at})

	attempts, err := s.ListAttempts(ctx, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "s2", attempts[0].ScheduleID)
	assert.Equal(t, PublishOutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, "content verification failed", attempts[0].Error)
	assert.Equal(t, "s1", attempts[1].ScheduleID)
	assert.Equal(t, PublishOutcomePublished, attempts[1].Outcome)
}
