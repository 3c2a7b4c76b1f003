package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/content-scheduler/internal/model"
)

func testSchedule(id string, at time.Time, assignee string) *model.Schedule {
	return &model.Schedule{
		ID:         id,
		ContentID:  "content-" + id,
		PublishAt:  at,
		Status:     model.ScheduleStatusScheduled,
		Priority:   model.PriorityMedium,
		AssignedTo: assignee,
	}
}

func TestConflictDetector(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	detector := NewConflictDetector(DefaultConflictConfig())

	t.Run("High Severity Time Conflict", func(t *testing.T) {
		existing := testSchedule("a", base, "alice")
		candidate := testSchedule("b", base.Add(10*time.Minute), "bob")

		conflicts := detector.Detect(candidate, []*model.Schedule{existing})
		require.Len(t, conflicts, 1)
		assert.Equal(t, model.ConflictTypeTime, conflicts[0].Type)
		assert.Equal(t, model.ConflictSeverityHigh, conflicts[0].Severity)
		assert.Equal(t, "a", conflicts[0].ConflictingScheduleID)
	})

	t.Run("Medium Severity Time Conflict", func(t *testing.T) {
		existing := testSchedule("a", base, "")
		candidate := testSchedule("b", base.Add(-20*time.Minute), "")

		conflicts := detector.Detect(candidate, []*model.Schedule{existing})
		require.Len(t, conflicts, 1)
		assert.Equal(t, model.ConflictSeverityMedium, conflicts[0].Severity)
	})

	t.Run("Window Boundaries Are Exclusive", func(t *testing.T) {
		existing := testSchedule("a", base, "alice")
		atWindow := testSchedule("b", base.Add(30*time.Minute), "")
		assert.Empty(t, detector.Detect(atWindow, []*model.Schedule{existing}))

		atHigh := testSchedule("c", base.Add(15*time.Minute), "")
		conflicts := detector.Detect(atHigh, []*model.Schedule{existing})
		require.Len(t, conflicts, 1)
		assert.Equal(t, model.ConflictSeverityMedium, conflicts[0].Severity)

		atResource := testSchedule("d", base.Add(2*time.Hour), "alice")
		assert.Empty(t, detector.Detect(atResource, []*model.Schedule{existing}))
	})

	t.Run("Resource Conflict Regardless Of Time Conflict", func(t *testing.T) {
		existing := testSchedule("a", base, "alice")

		far := testSchedule("b", base.Add(90*time.Minute), "alice")
		conflicts := detector.Detect(far, []*model.Schedule{existing})
		require.Len(t, conflicts, 1)
		assert.Equal(t, model.ConflictTypeResource, conflicts[0].Type)

		near := testSchedule("c", base.Add(5*time.Minute), "alice")
		conflicts = detector.Detect(near, []*model.Schedule{existing})
		require.Len(t, conflicts, 2)
		assert.Equal(t, model.ConflictTypeTime, conflicts[0].Type)
		assert.Equal(t, model.ConflictSeverityHigh, conflicts[0].Severity)
		assert.Equal(t, model.ConflictTypeResource, conflicts[1].Type)
	})

	t.Run("Ignores Inactive And Self", func(t *testing.T) {
		self := testSchedule("a", base, "alice")
		pending := testSchedule("p", base, "alice")
		pending.Status = model.ScheduleStatusPendingApproval
		published := testSchedule("x", base, "alice")
		published.Status = model.ScheduleStatusPublished
		cancelled := testSchedule("c", base, "alice")
		cancelled.Status = model.ScheduleStatusCancelled

		conflicts := detector.Detect(self, []*model.Schedule{self, pending, published, cancelled})
		assert.Empty(t, conflicts)
	})

	t.Run("Approved Schedules Take Part", func(t *testing.T) {
		approved := testSchedule("a", base, "")
		approved.Status = model.ScheduleStatusApproved
		candidate := testSchedule("b", base.Add(time.Minute), "")

		assert.Len(t, detector.Detect(candidate, []*model.Schedule{approved}), 1)
	})

	t.Run("Deterministic Order", func(t *testing.T) {
		s1 := testSchedule("z", base.Add(5*time.Minute), "")
		s2 := testSchedule("m", base.Add(-5*time.Minute), "")
		s3 := testSchedule("a", base.Add(5*time.Minute), "")
		candidate := testSchedule("cand", base, "")

		first := detector.Detect(candidate, []*model.Schedule{s1, s2, s3})
		second := detector.Detect(candidate, []*model.Schedule{s3, s1, s2})
		require.Len(t, first, 3)
		assert.Equal(t, first, second)
		assert.Equal(t, "m", first[0].ConflictingScheduleID)
		assert.Equal(t, "a", first[1].ConflictingScheduleID)
		assert.Equal(t, "z", first[2].ConflictingScheduleID)
	})

	t.Run("Configured Windows", func(t *testing.T) {
		custom := NewConflictDetector(ConflictConfig{
			TimeWindow:         time.Hour,
			HighSeverityWindow: 45 * time.Minute,
			ResourceWindow:     10 * time.Minute,
		})
		assert.Equal(t, time.Hour, custom.Horizon())

		existing := testSchedule("a", base, "alice")
		candidate := testSchedule("b", base.Add(40*time.Minute), "alice")
		conflicts := custom.Detect(candidate, []*model.Schedule{existing})
		require.Len(t, conflicts, 1)
		assert.Equal(t, model.ConflictTypeTime, conflicts[0].Type)
		assert.Equal(t, model.ConflictSeverityHigh, conflicts[0].Severity)
	})
}
