package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
)

func TestScheduleStore(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	persister := newMemoryPersister()
	store := NewScheduleStore(persister, clock.Now, zap.NewNop())

	t.Run("Create Assigns ID And Version", func(t *testing.T) {
		sc, err := store.Create(ctx, &model.Schedule{
			ContentID: "c1",
			PublishAt: clock.Now().Add(time.Hour),
			Status:    model.ScheduleStatusScheduled,
			Priority:  model.PriorityHigh,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, sc.ID)
		assert.Equal(t, uint64(1), sc.Metadata.Version)
		assert.Equal(t, clock.Now(), sc.Metadata.CreatedAt)

		stored := persister.get(sc.ID)
		require.NotNil(t, stored)
		assert.Equal(t, uint64(1), stored.Metadata.Version)
	})

	t.Run("Duplicate ID", func(t *testing.T) {
		_, err := store.Create(ctx, &model.Schedule{ID: "fixed", ContentID: "c", Status: model.ScheduleStatusScheduled})
		require.NoError(t, err)
		_, err = store.Create(ctx, &model.Schedule{ID: "fixed", ContentID: "c", Status: model.ScheduleStatusScheduled})
		assert.ErrorIs(t, err, ErrDuplicateSchedule)
	})

	t.Run("Get Returns Copies", func(t *testing.T) {
		got, err := store.Get("fixed")
		require.NoError(t, err)
		got.Title = "mutated"

		again, err := store.Get("fixed")
		require.NoError(t, err)
		assert.Empty(t, again.Title)

		_, err = store.Get("missing")
		assert.ErrorIs(t, err, ErrScheduleNotFound)
	})

	t.Run("Version Strictly Increases", func(t *testing.T) {
		sc, err := store.Create(ctx, &model.Schedule{ContentID: "v", Status: model.ScheduleStatusScheduled})
		require.NoError(t, err)

		version := sc.Metadata.Version
		for i := 0; i < 3; i++ {
			clock.Advance(time.Minute)
			updated, err := store.Update(ctx, sc.ID, version, func(s *model.Schedule) error {
				s.Title = "edit"
				return nil
			})
			require.NoError(t, err)
			assert.Greater(t, updated.Metadata.Version, version)
			assert.Equal(t, clock.Now(), updated.Metadata.LastModified)
			version = updated.Metadata.Version
		}
	})

	t.Run("Stale Version Fails Without Overwrite", func(t *testing.T) {
		sc, err := store.Create(ctx, &model.Schedule{ContentID: "stale", Title: "original", Status: model.ScheduleStatusScheduled})
		require.NoError(t, err)

		_, err = store.Update(ctx, sc.ID, sc.Metadata.Version, func(s *model.Schedule) error {
			s.Title = "first"
			return nil
		})
		require.NoError(t, err)

		_, err = store.Update(ctx, sc.ID, sc.Metadata.Version, func(s *model.Schedule) error {
			s.Title = "second"
			return nil
		})
		assert.ErrorIs(t, err, ErrConflictVersion)

		got, err := store.Get(sc.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Title)
		assert.Equal(t, uint64(2), got.Metadata.Version)
	})

	t.Run("Mutate Error Leaves Schedule Untouched", func(t *testing.T) {
		sc, err := store.Create(ctx, &model.Schedule{ContentID: "m", Status: model.ScheduleStatusScheduled})
		require.NoError(t, err)

		_, err = store.Update(ctx, sc.ID, AnyVersion, func(s *model.Schedule) error {
			s.Title = "changed"
			return errUnavailable
		})
		assert.ErrorIs(t, err, errUnavailable)

		got, _ := store.Get(sc.ID)
		assert.Empty(t, got.Title)
		assert.Equal(t, uint64(1), got.Metadata.Version)
	})

	t.Run("Terminal And Invalid Transitions", func(t *testing.T) {
		sc, err := store.Create(ctx, &model.Schedule{ContentID: "t", Status: model.ScheduleStatusScheduled})
		require.NoError(t, err)

		_, err = store.Update(ctx, sc.ID, AnyVersion, func(s *model.Schedule) error {
			s.Status = model.ScheduleStatusApproved
			return nil
		})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = store.Update(ctx, sc.ID, AnyVersion, func(s *model.Schedule) error {
			s.Status = model.ScheduleStatusCancelled
			return nil
		})
		require.NoError(t, err)

		_, err = store.Update(ctx, sc.ID, AnyVersion, func(s *model.Schedule) error {
			s.Title = "too late"
			return nil
		})
		assert.ErrorIs(t, err, ErrTerminalState)
	})

	t.Run("Persistence Failure Keeps Memory Authoritative", func(t *testing.T) {
		persister.mu.Lock()
		persister.saveErr = errUnavailable
		persister.mu.Unlock()
		defer func() {
			persister.mu.Lock()
			persister.saveErr = nil
			persister.mu.Unlock()
		}()

		sc, err := store.Create(ctx, &model.Schedule{ContentID: "p", Status: model.ScheduleStatusScheduled})
		require.NoError(t, err)
		_, err = store.Get(sc.ID)
		assert.NoError(t, err)
		assert.Nil(t, persister.get(sc.ID))
	})

	t.Run("Delete And Purge", func(t *testing.T) {
		a, _ := store.Create(ctx, &model.Schedule{ContentID: "d1", Status: model.ScheduleStatusScheduled})
		b, _ := store.Create(ctx, &model.Schedule{ContentID: "d2", Status: model.ScheduleStatusScheduled})

		require.NoError(t, store.Delete(ctx, a.ID))
		assert.Nil(t, persister.get(a.ID))
		assert.ErrorIs(t, store.Delete(ctx, a.ID), ErrScheduleNotFound)

		assert.Equal(t, 1, store.Purge([]string{b.ID, "unknown"}))
		_, err := store.Get(b.ID)
		assert.ErrorIs(t, err, ErrScheduleNotFound)
		assert.NotNil(t, persister.get(b.ID), "purge keeps the persisted copy")
	})
}

func TestScheduleStoreQueries(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	store := NewScheduleStore(nil, func() time.Time { return base }, zap.NewNop())

	mk := func(id string, offset time.Duration, p model.Priority, assignee string) {
		_, err := store.Create(ctx, &model.Schedule{
			ID:         id,
			ContentID:  "c-" + id,
			PublishAt:  base.Add(offset),
			Status:     model.ScheduleStatusScheduled,
			Priority:   p,
			AssignedTo: assignee,
		})
		require.NoError(t, err)
	}
	mk("a", time.Hour, model.PriorityLow, "alice")
	mk("b", time.Hour, model.PriorityUrgent, "bob")
	mk("c", 2*time.Hour, model.PriorityMedium, "alice")
	mk("d", 5*time.Hour, model.PriorityHigh, "")

	t.Run("Range Is Inclusive And Ordered", func(t *testing.T) {
		got := store.QueryRange(base.Add(time.Hour), base.Add(2*time.Hour), ScheduleFilters{})
		require.Len(t, got, 3)
		assert.Equal(t, "b", got[0].ID, "higher priority first at the same time")
		assert.Equal(t, "a", got[1].ID)
		assert.Equal(t, "c", got[2].ID)
	})

	t.Run("Filters", func(t *testing.T) {
		got := store.List(ScheduleFilters{AssignedTo: "alice"})
		assert.Len(t, got, 2)

		got = store.List(ScheduleFilters{Priorities: []model.Priority{model.PriorityHigh, model.PriorityUrgent}})
		assert.Len(t, got, 2)

		got = store.List(ScheduleFilters{Statuses: []model.ScheduleStatus{model.ScheduleStatusPublished}})
		assert.Empty(t, got)

		got = store.List(ScheduleFilters{ContentID: "c-d"})
		require.Len(t, got, 1)
		assert.Equal(t, "d", got[0].ID)
	})

	t.Run("By Assignee", func(t *testing.T) {
		assert.Len(t, store.QueryByAssignee("alice"), 2)
		assert.Empty(t, store.QueryByAssignee("nobody"))
	})
}

func TestScheduleStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewScheduleStore(nil, time.Now, zap.NewNop())
	sc, err := store.Create(ctx, &model.Schedule{ContentID: "race", Status: model.ScheduleStatusScheduled})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, sc.ID, sc.Metadata.Version, func(s *model.Schedule) error {
				s.Title = "winner"
				return nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one writer holding the same version succeeds")
	got, _ := store.Get(sc.ID)
	assert.Equal(t, uint64(2), got.Metadata.Version)
}
