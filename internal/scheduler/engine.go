package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
)

// Config holds content scheduler settings
type Config struct {
	Loop     LoopConfig     `mapstructure:"loop"`
	Conflict ConflictConfig `mapstructure:"conflict"`

	// Location groups the calendar view by local date
	Location *time.Location `mapstructure:"-"`

	// RecurrencePreview caps projected occurrences per schedule in the calendar view
	RecurrencePreview int `mapstructure:"recurrence_preview"`
}

// Dependencies are the external collaborators of the content scheduler
type Dependencies struct {
	Verifier  ContentVerifier
	Publisher ContentPublisher
	Persister Persister
	Events    EventPublisher
	Channels  []Channel
	Now       func() time.Time
}

// ScheduleRequest carries caller input for a new schedule
type ScheduleRequest struct {
	Title            string
	PublishAt        time.Time
	Priority         model.Priority
	AssignedTo       string
	ApprovalRequired bool
	Approvers        []string
	Recurrence       *model.RecurrencePattern
	Notifications    model.NotificationSettings
	CreatedBy        string
}

// ScheduleResult is returned by ScheduleContent and RescheduleContent
type ScheduleResult struct {
	Success   bool                    `json:"success"`
	Schedule  *model.Schedule         `json:"schedule,omitempty"`
	Workflow  *model.ApprovalWorkflow `json:"workflow,omitempty"`
	Conflicts []model.ConflictRecord  `json:"conflicts,omitempty"`
}

// ConflictError is returned when conflicts block a schedule that was not forced
type ConflictError struct {
	Conflicts []model.ConflictRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %d conflict(s)", ErrConflictDetected, len(e.Conflicts))
}

func (e *ConflictError) Unwrap() error {
	return ErrConflictDetected
}

// ContentScheduler is the single in-process authority over scheduled content.
// It owns the schedule store, the approval workflows and the publish loop.
type ContentScheduler struct {
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
	store     *ScheduleStore
	detector  *ConflictDetector
	approvals *ApprovalManager
	notifier  *NotificationScheduler
	loop      *PublishLoop
	verifier  ContentVerifier
	events    EventPublisher

	// serializes conflict checks with the write they guard
	submitMu sync.Mutex
}

// NewContentScheduler creates a new content scheduler
func NewContentScheduler(cfg Config, deps Dependencies, logger *zap.Logger) (*ContentScheduler, error) {
	if deps.Publisher == nil {
		return nil, errors.New("content publisher is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Events == nil {
		deps.Events = nopEventPublisher{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RecurrencePreview <= 0 {
		cfg.RecurrencePreview = defaultRecurrencePreview
	}
	cfg.Loop = cfg.Loop.withDefaults()

	store := NewScheduleStore(deps.Persister, deps.Now, logger)
	approvals := NewApprovalManager(deps.Now, logger)
	notifier := NewNotificationScheduler(store, deps.Events, cfg.Loop.Interval, cfg.Loop.CallTimeout, deps.Now, logger)
	for _, ch := range deps.Channels {
		notifier.RegisterChannel(ch)
	}

	return &ContentScheduler{
		logger:    logger.Named("content-scheduler"),
		cfg:       cfg,
		now:       deps.Now,
		store:     store,
		detector:  NewConflictDetector(cfg.Conflict),
		approvals: approvals,
		notifier:  notifier,
		loop:      NewPublishLoop(cfg.Loop, store, approvals, notifier, deps.Verifier, deps.Publisher, deps.Events, deps.Now, logger),
		verifier:  deps.Verifier,
		events:    deps.Events,
	}, nil
}

// Start hydrates the store from persistence and starts the publish loop
func (s *ContentScheduler) Start(ctx context.Context) error {
	if err := s.store.Load(ctx); err != nil {
		return err
	}
	s.restoreWorkflows()
	return s.loop.Start(ctx)
}

// Stop stops the publish loop
func (s *ContentScheduler) Stop() {
	s.loop.Stop()
}

// Tick runs one publish loop pass immediately
func (s *ContentScheduler) Tick(ctx context.Context) TickReport {
	return s.loop.Tick(ctx)
}

// LastTick returns the latest tick report and the number of ticks run
func (s *ContentScheduler) LastTick() (TickReport, int64) {
	return s.loop.LastReport()
}

// RegisterChannel adds a notification channel
func (s *ContentScheduler) RegisterChannel(ch Channel) {
	s.notifier.RegisterChannel(ch)
}

// ScheduleContent validates and stores a new schedule. When conflicts are
// found and force is false nothing is stored; the result lists the
// conflicts and the error is a *ConflictError.
func (s *ContentScheduler) ScheduleContent(ctx context.Context, contentID string, req ScheduleRequest, force bool) (*ScheduleResult, error) {
	candidate, err := s.buildSchedule(contentID, req)
	if err != nil {
		return nil, err
	}

	if s.verifier != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Loop.CallTimeout)
		hash, err := s.verifier.HashContent(cctx, contentID)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint content %s: %w", contentID, err)
		}
		candidate.ContentHash = hash
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	conflicts := s.DetectConflicts(candidate)
	if len(conflicts) > 0 && !force {
		s.logger.Info("Schedule blocked by conflicts",
			zap.String("content_id", contentID),
			zap.Time("publish_at", candidate.PublishAt),
			zap.Int("conflicts", len(conflicts)))
		return &ScheduleResult{Success: false, Conflicts: conflicts}, &ConflictError{Conflicts: conflicts}
	}

	if candidate.ApprovalRequired {
		candidate.Status = model.ScheduleStatusPendingApproval
	}
	created, err := s.store.Create(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to store schedule: %w", err)
	}

	result := &ScheduleResult{Success: true, Schedule: created, Conflicts: conflicts}
	if created.ApprovalRequired {
		wf, err := s.approvals.Create(created.ID, created.Approvers)
		if err != nil {
			return nil, fmt.Errorf("failed to open approval workflow: %w", err)
		}
		result.Workflow = wf
	}

	if created.Recurrence != nil {
		if next, ok := NextOccurrence(created.PublishAt, *created.Recurrence); ok {
			s.logger.Info("Recurring schedule registered",
				zap.String("schedule_id", created.ID),
				zap.String("frequency", string(created.Recurrence.Rule.Frequency())),
				zap.Time("next_occurrence", next))
		}
	}

	s.logger.Info("Scheduled content",
		zap.String("schedule_id", created.ID),
		zap.String("content_id", contentID),
		zap.Time("publish_at", created.PublishAt),
		zap.String("status", string(created.Status)),
		zap.Bool("forced", force && len(conflicts) > 0))

	s.emit(ctx, model.ScheduleCreated{Schedule: created, At: s.now()})
	return result, nil
}

// DetectConflicts checks a candidate against the current schedule set
func (s *ContentScheduler) DetectConflicts(candidate *model.Schedule) []model.ConflictRecord {
	horizon := s.detector.Horizon()
	nearby := s.store.QueryRange(candidate.PublishAt.Add(-horizon), candidate.PublishAt.Add(horizon), ScheduleFilters{})
	return s.detector.Detect(candidate, nearby)
}

// RecordApprovalDecision records an approver's verdict and moves the parent
// schedule to approved on the final approval or back to scheduled on rejection.
// The decision and the status change are applied under one store update.
func (s *ContentScheduler) RecordApprovalDecision(ctx context.Context, workflowID, approverID string, decision model.Decision, comment string) (*model.ApprovalWorkflow, error) {
	current, err := s.approvals.Get(workflowID)
	if err != nil {
		return nil, err
	}

	var wf *model.ApprovalWorkflow
	_, err = s.store.Update(ctx, current.ScheduleID, AnyVersion, func(sc *model.Schedule) error {
		if current.Status == model.WorkflowStatusPending && sc.Status != model.ScheduleStatusPendingApproval {
			return fmt.Errorf("%w: schedule %s is %s, not awaiting approval", ErrInvalidTransition, sc.ID, sc.Status)
		}

		var err error
		wf, err = s.approvals.RecordDecision(workflowID, approverID, decision, comment)
		if err != nil {
			return err
		}

		switch wf.Status {
		case model.WorkflowStatusApproved:
			sc.Status = model.ScheduleStatusApproved
		case model.WorkflowStatusRejected:
			sc.Status = model.ScheduleStatusScheduled
		default:
			return errUnchanged
		}
		sc.Metadata.ModifiedBy = approverID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, model.ApprovalDecided{
		WorkflowID:     wf.ID,
		ScheduleID:     wf.ScheduleID,
		ApproverID:     approverID,
		Decision:       decision,
		WorkflowStatus: wf.Status,
		At:             s.now(),
	})
	return wf, nil
}

// SubmitForApproval opens a fresh workflow for a schedule that was sent back
// for changes or went overdue
func (s *ContentScheduler) SubmitForApproval(ctx context.Context, scheduleID string, expectedVersion uint64) (*model.ApprovalWorkflow, error) {
	updated, err := s.store.Update(ctx, scheduleID, expectedVersion, func(sc *model.Schedule) error {
		if !sc.ApprovalRequired {
			return fmt.Errorf("%w: schedule %s does not require approval", ErrInvalidTransition, sc.ID)
		}
		if sc.Status == model.ScheduleStatusOverdue && !sc.PublishAt.After(s.now()) {
			return fmt.Errorf("%w: schedule %s must be rescheduled before resubmission", ErrInvalidTransition, sc.ID)
		}
		sc.Status = model.ScheduleStatusPendingApproval
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.approvals.Create(updated.ID, updated.Approvers)
}

// GetApprovalWorkflow returns the latest workflow of a schedule
func (s *ContentScheduler) GetApprovalWorkflow(scheduleID string) (*model.ApprovalWorkflow, error) {
	return s.approvals.ForSchedule(scheduleID)
}

// GetSchedule returns a schedule by ID
func (s *ContentScheduler) GetSchedule(id string) (*model.Schedule, error) {
	return s.store.Get(id)
}

// ListSchedules returns schedules matching filters, ordered by publish time
func (s *ContentScheduler) ListSchedules(filters ScheduleFilters) []*model.Schedule {
	return s.store.List(filters)
}

// CancelSchedule cancels a schedule that has not been published yet
func (s *ContentScheduler) CancelSchedule(ctx context.Context, id string, expectedVersion uint64, by string) (*model.Schedule, error) {
	now := s.now()
	cancelled, err := s.store.Update(ctx, id, expectedVersion, func(sc *model.Schedule) error {
		if !sc.Status.IsActive() {
			return fmt.Errorf("%w: cannot cancel a %s schedule", ErrInvalidTransition, sc.Status)
		}
		sc.Status = model.ScheduleStatusCancelled
		sc.CancelledAt = &now
		sc.Metadata.ModifiedBy = by
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.approvals.Remove(id)

	s.logger.Info("Cancelled schedule", zap.String("schedule_id", id), zap.String("by", by))
	s.emit(ctx, model.ScheduleCancelled{ScheduleID: id, At: now})
	return cancelled, nil
}

// RescheduleContent moves a schedule to a new publish time. Conflicts block
// the move unless force is set. Fired reminders are reset.
func (s *ContentScheduler) RescheduleContent(ctx context.Context, id string, expectedVersion uint64, publishAt time.Time, force bool) (*ScheduleResult, error) {
	if !publishAt.After(s.now()) {
		verr := &ValidationError{}
		verr.add("publish_at", "publish time must be in the future")
		return nil, verr
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	current, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if current.Recurrence != nil && current.Recurrence.EndDate != nil && publishAt.After(*current.Recurrence.EndDate) {
		verr := &ValidationError{}
		verr.add("publish_at", "publish time is after the recurrence end date")
		return nil, verr
	}
	candidate := current.Clone()
	candidate.PublishAt = publishAt

	conflicts := s.DetectConflicts(candidate)
	if len(conflicts) > 0 && !force {
		return &ScheduleResult{Success: false, Conflicts: conflicts}, &ConflictError{Conflicts: conflicts}
	}

	reopen := false
	updated, err := s.store.Update(ctx, id, expectedVersion, func(sc *model.Schedule) error {
		switch {
		case sc.Status == model.ScheduleStatusFailed:
			return fmt.Errorf("%w: failed schedule %s must be retried, not rescheduled", ErrInvalidTransition, sc.ID)
		case sc.Status == model.ScheduleStatusOverdue,
			sc.ApprovalRequired && sc.Status == model.ScheduleStatusApproved:
			// a new date needs a new sign-off
			sc.Status = model.ScheduleStatusPendingApproval
			reopen = true
		}
		sc.PublishAt = publishAt
		sc.Notifications.Fired = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &ScheduleResult{Success: true, Schedule: updated, Conflicts: conflicts}
	if reopen {
		wf, err := s.approvals.Create(updated.ID, updated.Approvers)
		if err != nil {
			return nil, fmt.Errorf("failed to open approval workflow: %w", err)
		}
		result.Workflow = wf
	}

	s.logger.Info("Rescheduled content",
		zap.String("schedule_id", id),
		zap.Time("publish_at", publishAt))
	s.emit(ctx, model.ScheduleUpdated{Schedule: updated, At: s.now()})
	return result, nil
}

// RetrySchedule is the operator reset of a failed schedule back to scheduled.
// The content is fingerprinted again so a corrected item passes verification;
// approval-gated schedules therefore go through a fresh approval workflow
// before the new content can publish.
func (s *ContentScheduler) RetrySchedule(ctx context.Context, id string, expectedVersion uint64, by string) (*model.Schedule, error) {
	current, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if current.Status != model.ScheduleStatusFailed {
		return nil, fmt.Errorf("%w: only failed schedules can be retried, %s is %s", ErrInvalidTransition, id, current.Status)
	}

	hash := current.ContentHash
	if s.verifier != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Loop.CallTimeout)
		hash, err = s.verifier.HashContent(cctx, current.ContentID)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint content %s: %w", current.ContentID, err)
		}
	}

	updated, err := s.store.Update(ctx, id, expectedVersion, func(sc *model.Schedule) error {
		sc.Status = model.ScheduleStatusScheduled
		if sc.ApprovalRequired {
			sc.Status = model.ScheduleStatusPendingApproval
		}
		sc.ContentHash = hash
		sc.Error = ""
		sc.FailedAt = nil
		sc.Metadata.ModifiedBy = by
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.ApprovalRequired {
		if _, err := s.approvals.Create(updated.ID, updated.Approvers); err != nil {
			return nil, fmt.Errorf("failed to open approval workflow: %w", err)
		}
	}

	s.logger.Info("Schedule reset for retry", zap.String("schedule_id", id), zap.String("by", by))
	s.emit(ctx, model.ScheduleUpdated{Schedule: updated, At: s.now()})
	return updated, nil
}

// DeleteSchedule removes a schedule and its workflow entirely
func (s *ContentScheduler) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.approvals.Remove(id)
	return nil
}

// StatusCounts returns the number of schedules held per status
func (s *ContentScheduler) StatusCounts() map[model.ScheduleStatus]int {
	counts := make(map[model.ScheduleStatus]int)
	for _, sc := range s.store.Snapshot() {
		counts[sc.Status]++
	}
	return counts
}

func (s *ContentScheduler) buildSchedule(contentID string, req ScheduleRequest) (*model.Schedule, error) {
	verr := &ValidationError{}
	if contentID == "" {
		verr.add("content_id", "content ID is required")
	}
	if req.PublishAt.IsZero() {
		verr.add("publish_at", "publish time is required")
	} else if !req.PublishAt.After(s.now()) {
		verr.add("publish_at", "publish time must be in the future")
	}

	priority := req.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !priority.Valid() {
		verr.add("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}

	if req.ApprovalRequired && len(req.Approvers) == 0 {
		verr.add("approvers", "approval requires at least one approver")
	}

	if req.Recurrence != nil {
		if problem := recurrenceProblem(*req.Recurrence, req.PublishAt); problem != "" {
			verr.add("recurrence", problem)
		}
	}

	if req.Notifications.Enabled {
		for _, offset := range req.Notifications.Reminders {
			if offset <= 0 {
				verr.add("notifications.reminders", fmt.Sprintf("reminder offset %s must be positive", offset))
			}
		}
		known := make(map[string]bool)
		for _, name := range s.notifier.Channels() {
			known[name] = true
		}
		for _, name := range req.Notifications.Channels {
			if !known[name] {
				verr.add("notifications.channels", fmt.Sprintf("unknown channel %q", name))
			}
		}
	}

	if err := verr.orNil(); err != nil {
		return nil, err
	}

	sc := &model.Schedule{
		ContentID:        contentID,
		Title:            req.Title,
		PublishAt:        req.PublishAt,
		Status:           model.ScheduleStatusScheduled,
		Priority:         priority,
		AssignedTo:       req.AssignedTo,
		ApprovalRequired: req.ApprovalRequired,
		Approvers:        append([]string(nil), req.Approvers...),
		Notifications: model.NotificationSettings{
			Enabled:   req.Notifications.Enabled,
			Reminders: append([]time.Duration(nil), req.Notifications.Reminders...),
			Channels:  append([]string(nil), req.Notifications.Channels...),
		},
		Metadata: model.Metadata{CreatedBy: req.CreatedBy, ModifiedBy: req.CreatedBy},
	}
	if req.Recurrence != nil {
		pattern := req.Recurrence.Clone()
		sc.Recurrence = &pattern
	}
	return sc, nil
}

// restoreWorkflows reopens workflows for schedules loaded while awaiting
// approval; decisions made before a restart are not persisted
func (s *ContentScheduler) restoreWorkflows() {
	for _, sc := range s.store.List(ScheduleFilters{Statuses: []model.ScheduleStatus{model.ScheduleStatusPendingApproval}}) {
		if _, err := s.approvals.Create(sc.ID, sc.Approvers); err != nil {
			s.logger.Warn("Failed to restore approval workflow",
				zap.String("schedule_id", sc.ID),
				zap.Error(err))
		}
	}
}

func (s *ContentScheduler) emit(ctx context.Context, event model.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("kind", string(event.Kind())),
			zap.String("schedule_id", event.ScheduleRef()),
			zap.Error(err))
	}
}
