package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
)

// AnyVersion makes Update apply to whatever version is current.
// Versions start at 1, so a real version is never zero.
const AnyVersion uint64 = 0

// ScheduleFilters defines the filters for listing schedules
type ScheduleFilters struct {
	Statuses   []model.ScheduleStatus
	Priorities []model.Priority
	AssignedTo string
	ContentID  string
}

func (f ScheduleFilters) matches(s *model.Schedule) bool {
	if len(f.Statuses) > 0 {
		statusMatch := false
		for _, status := range f.Statuses {
			if s.Status == status {
				statusMatch = true
				break
			}
		}
		if !statusMatch {
			return false
		}
	}

	if len(f.Priorities) > 0 {
		priorityMatch := false
		for _, priority := range f.Priorities {
			if s.Priority == priority {
				priorityMatch = true
				break
			}
		}
		if !priorityMatch {
			return false
		}
	}

	if f.AssignedTo != "" && s.AssignedTo != f.AssignedTo {
		return false
	}
	if f.ContentID != "" && s.ContentID != f.ContentID {
		return false
	}
	return true
}

// ScheduleStore is the authoritative in-memory set of schedules. Every
// mutation is serialized by one mutex and written through to the Persister.
// Callers only ever see copies.
type ScheduleStore struct {
	logger         *zap.Logger
	persister      Persister
	now            func() time.Time
	persistTimeout time.Duration

	mu        sync.RWMutex
	schedules map[string]*model.Schedule
}

// NewScheduleStore creates a new store. A nil persister keeps everything in memory.
func NewScheduleStore(persister Persister, now func() time.Time, logger *zap.Logger) *ScheduleStore {
	if persister == nil {
		persister = nopPersister{}
	}
	if now == nil {
		now = time.Now
	}
	return &ScheduleStore{
		logger:         logger.Named("schedule-store"),
		persister:      persister,
		now:            now,
		persistTimeout: defaultCallTimeout,
		schedules:      make(map[string]*model.Schedule),
	}
}

// Load hydrates the store from the persister
func (s *ScheduleStore) Load(ctx context.Context) error {
	schedules, err := s.persister.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range schedules {
		s.schedules[sc.ID] = sc.Clone()
	}

	s.logger.Info("Loaded schedules", zap.Int("count", len(schedules)))
	return nil
}

// Create adds a new schedule, assigning an ID when missing, and returns the stored copy
func (s *ScheduleStore) Create(ctx context.Context, schedule *model.Schedule) (*model.Schedule, error) {
	sc := schedule.Clone()
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}

	now := s.now()
	sc.Metadata.CreatedAt = now
	sc.Metadata.LastModified = now
	sc.Metadata.Version = 1

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sc.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSchedule, sc.ID)
	}
	s.schedules[sc.ID] = sc
	s.persist(ctx, sc)

	return sc.Clone(), nil
}

// Get returns a copy of the schedule
func (s *ScheduleStore) Get(id string) (*model.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return sc.Clone(), nil
}

// Update applies mutate to a copy of the schedule and commits it when the
// caller's expectedVersion is still current. It increments the version and
// last-modified time. Stale versions fail with ErrConflictVersion and leave
// the schedule untouched; pass AnyVersion to apply to the latest state.
func (s *ScheduleStore) Update(ctx context.Context, id string, expectedVersion uint64, mutate func(*model.Schedule) error) (*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if expectedVersion != AnyVersion && cur.Metadata.Version != expectedVersion {
		return nil, fmt.Errorf("%w: schedule %s is at version %d, not %d",
			ErrConflictVersion, id, cur.Metadata.Version, expectedVersion)
	}
	if cur.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: schedule %s is %s", ErrTerminalState, id, cur.Status)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, errUnchanged) {
			return cur.Clone(), nil
		}
		return nil, err
	}
	if next.Status != cur.Status && !cur.Status.CanTransition(next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}

	next.ID = cur.ID
	next.Metadata.CreatedAt = cur.Metadata.CreatedAt
	next.Metadata.Version = cur.Metadata.Version + 1
	next.Metadata.LastModified = s.now()
	s.schedules[id] = next

	// persisted under the lock so storage observes versions in order
	s.persist(ctx, next)

	return next.Clone(), nil
}

// Delete removes a schedule from memory and from the persister
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	delete(s.schedules, id)

	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	if err := s.persister.Delete(pctx, id); err != nil {
		s.logger.Error("Failed to delete persisted schedule",
			zap.String("schedule_id", id),
			zap.Error(err))
	}
	return nil
}

// Purge drops schedules from memory only; the persisted copy is kept for audit
func (s *ScheduleStore) Purge(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for _, id := range ids {
		if _, ok := s.schedules[id]; ok {
			delete(s.schedules, id)
			purged++
		}
	}
	return purged
}

// QueryRange returns schedules publishing within [start, end] that match filters
func (s *ScheduleStore) QueryRange(start, end time.Time, filters ScheduleFilters) []*model.Schedule {
	return s.collect(func(sc *model.Schedule) bool {
		return !sc.PublishAt.Before(start) && !sc.PublishAt.After(end) && filters.matches(sc)
	})
}

// QueryByAssignee returns every schedule assigned to the team member
func (s *ScheduleStore) QueryByAssignee(assignee string) []*model.Schedule {
	return s.collect(func(sc *model.Schedule) bool {
		return sc.AssignedTo == assignee
	})
}

// List returns schedules matching filters
func (s *ScheduleStore) List(filters ScheduleFilters) []*model.Schedule {
	return s.collect(filters.matches)
}

// Snapshot returns a copy of every schedule
func (s *ScheduleStore) Snapshot() []*model.Schedule {
	return s.collect(func(*model.Schedule) bool { return true })
}

// Len returns the number of schedules held in memory
func (s *ScheduleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.schedules)
}

func (s *ScheduleStore) collect(keep func(*model.Schedule) bool) []*model.Schedule {
	s.mu.RLock()
	out := make([]*model.Schedule, 0)
	for _, sc := range s.schedules {
		if keep(sc) {
			out = append(out, sc.Clone())
		}
	}
	s.mu.RUnlock()

	sortSchedules(out)
	return out
}

// persist writes through to storage. Failures are logged and the in-memory
// state stays authoritative.
func (s *ScheduleStore) persist(ctx context.Context, sc *model.Schedule) {
	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()

	if err := s.persister.Save(pctx, sc.Clone()); err != nil {
		s.logger.Error("Failed to persist schedule",
			zap.String("schedule_id", sc.ID),
			zap.Uint64("version", sc.Metadata.Version),
			zap.Error(err))
	}
}

// sortSchedules orders by publish time, then priority (highest first), then ID
func sortSchedules(list []*model.Schedule) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.PublishAt.Equal(b.PublishAt) {
			return a.PublishAt.Before(b.PublishAt)
		}
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		return a.ID < b.ID
	})
}
