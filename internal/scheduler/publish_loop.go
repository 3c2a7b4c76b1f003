package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
)

// LoopConfig defines configuration for the publish loop
type LoopConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Retention   time.Duration `mapstructure:"retention"`
}

// DefaultLoopConfig returns a 60s interval, 5s call timeout and 30 day retention
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Interval:    defaultTickInterval,
		CallTimeout: defaultCallTimeout,
		Retention:   defaultRetention,
	}
}

func (c LoopConfig) withDefaults() LoopConfig {
	def := DefaultLoopConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	return c
}

// TickReport summarises one pass of the publish loop
type TickReport struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Skipped     bool          `json:"skipped"`
	Due         int           `json:"due"`
	Published   int           `json:"published"`
	Failed      int           `json:"failed"`
	Overdue     int           `json:"overdue"`
	Occurrences int           `json:"occurrences"`
	Reminders   int           `json:"reminders"`
	Purged      int           `json:"purged"`
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// PublishLoop periodically publishes due schedules, expands recurrences,
// fires reminders and purges old terminal schedules. Ticks never overlap:
// a tick that is due while the previous one still runs is skipped.
type PublishLoop struct {
	logger    *zap.Logger
	cfg       LoopConfig
	store     *ScheduleStore
	approvals *ApprovalManager
	notifier  *NotificationScheduler
	verifier  ContentVerifier
	publisher ContentPublisher
	events    EventPublisher
	now       func() time.Time

	cron   *cron.Cron
	cancel context.CancelFunc

	tickMu sync.Mutex

	reportMu   sync.RWMutex
	lastReport TickReport
	ticks      int64
}

// NewPublishLoop creates a new publish loop. A nil verifier skips integrity checks.
func NewPublishLoop(cfg LoopConfig, store *ScheduleStore, approvals *ApprovalManager, notifier *NotificationScheduler,
	verifier ContentVerifier, publisher ContentPublisher, events EventPublisher, now func() time.Time, logger *zap.Logger) *PublishLoop {
	if events == nil {
		events = nopEventPublisher{}
	}
	if now == nil {
		now = time.Now
	}
	logger = logger.Named("publish-loop")

	cl := &cronLogger{logger: logger.Named("cron")}
	return &PublishLoop{
		logger:    logger,
		cfg:       cfg.withDefaults(),
		store:     store,
		approvals: approvals,
		notifier:  notifier,
		verifier:  verifier,
		publisher: publisher,
		events:    events,
		now:       now,
		// SkipIfStillRunning drops a tick while the previous one runs;
		// Recover keeps a panicking job from killing the cron goroutine.
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
	}
}

// Start schedules the loop at the configured interval
func (l *PublishLoop) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.cron.Schedule(cron.Every(l.cfg.Interval), cron.FuncJob(func() {
		l.Tick(runCtx)
	}))
	l.cron.Start()

	l.logger.Info("Publish loop started",
		zap.Duration("interval", l.cfg.Interval),
		zap.Duration("call_timeout", l.cfg.CallTimeout),
		zap.Duration("retention", l.cfg.Retention))
	return nil
}

// Stop stops scheduling new ticks and waits for a running tick to finish
func (l *PublishLoop) Stop() {
	ctx := l.cron.Stop()
	<-ctx.Done()
	if l.cancel != nil {
		l.cancel()
	}
	l.logger.Info("Publish loop stopped")
}

// LastReport returns the report of the most recent completed tick
func (l *PublishLoop) LastReport() (TickReport, int64) {
	l.reportMu.RLock()
	defer l.reportMu.RUnlock()
	return l.lastReport, l.ticks
}

// Tick runs one pass of the loop. Failures of single items are isolated and
// a panic anywhere in the pass is logged without escaping.
func (l *PublishLoop) Tick(ctx context.Context) (report TickReport) {
	if !l.tickMu.TryLock() {
		l.logger.Warn("Previous tick still running, skipping")
		return TickReport{StartedAt: l.now(), Skipped: true}
	}
	defer l.tickMu.Unlock()

	now := l.now()
	report.StartedAt = now
	begin := time.Now()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Publish tick panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
		report.Duration = time.Since(begin)
		l.record(report)
	}()

	report.Overdue = l.markOverdue(ctx, now)

	due := l.selectDue(now)
	report.Due = len(due)
	for _, sc := range due {
		l.process(ctx, sc, &report)
	}

	report.Reminders = l.notifier.Run(ctx)
	report.Purged = l.cleanup(now)

	if report.Due > 0 || report.Overdue > 0 || report.Reminders > 0 || report.Purged > 0 {
		l.logger.Info("Publish tick completed",
			zap.Int("due", report.Due),
			zap.Int("published", report.Published),
			zap.Int("failed", report.Failed),
			zap.Int("overdue", report.Overdue),
			zap.Int("occurrences", report.Occurrences),
			zap.Int("reminders", report.Reminders),
			zap.Int("purged", report.Purged))
	}
	return report
}

func (l *PublishLoop) record(report TickReport) {
	l.reportMu.Lock()
	l.lastReport = report
	l.ticks++
	l.reportMu.Unlock()
}

// markOverdue flags approval-gated schedules that were kicked back to
// scheduled and have passed their publish time
func (l *PublishLoop) markOverdue(ctx context.Context, now time.Time) int {
	marked := 0
	for _, sc := range l.store.List(ScheduleFilters{Statuses: []model.ScheduleStatus{model.ScheduleStatusScheduled}}) {
		if !sc.ApprovalRequired || sc.PublishAt.After(now) {
			continue
		}
		if _, err := l.store.Update(ctx, sc.ID, sc.Metadata.Version, func(s *model.Schedule) error {
			s.Status = model.ScheduleStatusOverdue
			return nil
		}); err != nil {
			l.logger.Warn("Failed to mark schedule overdue",
				zap.String("schedule_id", sc.ID),
				zap.Error(err))
			continue
		}
		l.logger.Info("Schedule is overdue awaiting approval", zap.String("schedule_id", sc.ID))
		marked++
	}
	return marked
}

func (l *PublishLoop) selectDue(now time.Time) []*model.Schedule {
	candidates := l.store.List(ScheduleFilters{Statuses: []model.ScheduleStatus{
		model.ScheduleStatusScheduled,
		model.ScheduleStatusApproved,
	}})

	due := make([]*model.Schedule, 0, len(candidates))
	for _, sc := range candidates {
		if sc.IsDue(now) {
			due = append(due, sc)
		}
	}
	return due
}

// process verifies and publishes one schedule. Anything going wrong,
// including a panicking collaborator, fails this item only.
func (l *PublishLoop) process(ctx context.Context, sc *model.Schedule, report *TickReport) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Publishing schedule panicked",
				zap.String("schedule_id", sc.ID),
				zap.Any("panic", r))
			if l.fail(ctx, sc, fmt.Errorf("%w: internal error: %v", ErrPublishFailed, r)) {
				report.Failed++
			}
		}
	}()

	if err := l.verify(ctx, sc); err != nil {
		if l.fail(ctx, sc, err) {
			report.Failed++
		}
		return
	}

	if err := l.publish(ctx, sc); err != nil {
		if l.fail(ctx, sc, err) {
			report.Failed++
		}
		return
	}

	now := l.now()
	published, err := l.store.Update(ctx, sc.ID, AnyVersion, func(s *model.Schedule) error {
		s.Status = model.ScheduleStatusPublished
		s.PublishedAt = &now
		s.Error = ""
		return nil
	})
	if err != nil {
		// the content is live; the record was changed underneath us (e.g. cancelled)
		l.logger.Warn("Published content but could not record it",
			zap.String("schedule_id", sc.ID),
			zap.Error(err))
		return
	}
	report.Published++
	l.approvals.Remove(sc.ID)

	l.logger.Info("Published schedule",
		zap.String("schedule_id", published.ID),
		zap.String("content_id", published.ContentID),
		zap.Time("publish_at", published.PublishAt))

	l.emit(ctx, model.SchedulePublished{
		ScheduleID:  published.ID,
		ContentID:   published.ContentID,
		PublishedAt: now,
	})

	if published.Recurrence != nil {
		if l.spawnNext(ctx, published) {
			report.Occurrences++
		}
	}
}

func (l *PublishLoop) verify(ctx context.Context, sc *model.Schedule) error {
	if l.verifier == nil {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	ok, err := l.verifier.VerifyContent(cctx, sc.ContentID, sc.ContentHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: content %s no longer matches hash %s", ErrVerificationFailed, sc.ContentID, sc.ContentHash)
	}
	return nil
}

func (l *PublishLoop) publish(ctx context.Context, sc *model.Schedule) error {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	err := l.publisher.Publish(cctx, model.PublishRequest{
		ContentID:  sc.ContentID,
		ScheduleID: sc.ID,
		PublishAt:  sc.PublishAt,
	})
	if err != nil && !errors.Is(err, ErrPublishFailed) {
		err = fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return err
}

// fail records the failure on the schedule and reports whether it was recorded
func (l *PublishLoop) fail(ctx context.Context, sc *model.Schedule, reason error) bool {
	now := l.now()

	l.logger.Error("Failed to publish schedule",
		zap.String("schedule_id", sc.ID),
		zap.String("content_id", sc.ContentID),
		zap.Error(reason))

	if _, err := l.store.Update(ctx, sc.ID, AnyVersion, func(s *model.Schedule) error {
		s.Status = model.ScheduleStatusFailed
		s.Error = reason.Error()
		s.FailedAt = &now
		return nil
	}); err != nil {
		l.logger.Warn("Failed to record publish failure",
			zap.String("schedule_id", sc.ID),
			zap.Error(err))
		return false
	}

	l.emit(ctx, model.ScheduleFailed{
		ScheduleID: sc.ID,
		ContentID:  sc.ContentID,
		Reason:     reason.Error(),
		FailedAt:   now,
	})
	l.notifier.NotifyFailure(ctx, sc, reason.Error())
	return true
}

// spawnNext creates the next occurrence of a recurring schedule as a new,
// independent record chained to its parent
func (l *PublishLoop) spawnNext(ctx context.Context, parent *model.Schedule) bool {
	next, ok := NextOccurrence(parent.PublishAt, *parent.Recurrence)
	if !ok {
		l.logger.Info("Recurrence finished", zap.String("schedule_id", parent.ID))
		return false
	}

	child := &model.Schedule{
		ContentID:        parent.ContentID,
		Title:            parent.Title,
		PublishAt:        next,
		Status:           model.ScheduleStatusScheduled,
		Priority:         parent.Priority,
		AssignedTo:       parent.AssignedTo,
		ApprovalRequired: parent.ApprovalRequired,
		Approvers:        append([]string(nil), parent.Approvers...),
		ContentHash:      l.currentHash(ctx, parent),
		Notifications: model.NotificationSettings{
			Enabled:   parent.Notifications.Enabled,
			Reminders: append([]time.Duration(nil), parent.Notifications.Reminders...),
			Channels:  append([]string(nil), parent.Notifications.Channels...),
		},
		Metadata: model.Metadata{
			CreatedBy:        parent.Metadata.CreatedBy,
			ParentScheduleID: parent.ID,
			RecurrenceIndex:  parent.Metadata.RecurrenceIndex + 1,
		},
	}
	pattern := parent.Recurrence.Clone()
	child.Recurrence = &pattern
	if child.ApprovalRequired {
		child.Status = model.ScheduleStatusPendingApproval
	}

	created, err := l.store.Create(ctx, child)
	if err != nil {
		l.logger.Error("Failed to create next occurrence",
			zap.String("parent_schedule_id", parent.ID),
			zap.Error(err))
		return false
	}

	if created.ApprovalRequired {
		if _, err := l.approvals.Create(created.ID, created.Approvers); err != nil {
			l.logger.Error("Failed to open approval workflow for occurrence",
				zap.String("schedule_id", created.ID),
				zap.Error(err))
		}
	}

	l.logger.Info("Created next occurrence",
		zap.String("schedule_id", created.ID),
		zap.String("parent_schedule_id", parent.ID),
		zap.Time("publish_at", created.PublishAt),
		zap.Int("recurrence_index", created.Metadata.RecurrenceIndex))

	l.emit(ctx, model.OccurrenceCreated{
		ScheduleID:       created.ID,
		ParentScheduleID: parent.ID,
		PublishAt:        created.PublishAt,
		RecurrenceIndex:  created.Metadata.RecurrenceIndex,
	})
	return true
}

// currentHash fingerprints the content for the next occurrence, falling back
// to the parent's hash when the verifier is unavailable
func (l *PublishLoop) currentHash(ctx context.Context, parent *model.Schedule) string {
	if l.verifier == nil {
		return parent.ContentHash
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	hash, err := l.verifier.HashContent(cctx, parent.ContentID)
	if err != nil {
		l.logger.Warn("Failed to hash content for next occurrence, reusing parent hash",
			zap.String("content_id", parent.ContentID),
			zap.Error(err))
		return parent.ContentHash
	}
	return hash
}

// cleanup purges published and failed schedules whose terminal time is older
// than the retention window. Persisted copies are kept.
func (l *PublishLoop) cleanup(now time.Time) int {
	cutoff := now.Add(-l.cfg.Retention)

	var ids []string
	for _, sc := range l.store.List(ScheduleFilters{Statuses: []model.ScheduleStatus{
		model.ScheduleStatusPublished,
		model.ScheduleStatusFailed,
	}}) {
		if at, ok := sc.TerminalAt(); ok && at.Before(cutoff) {
			ids = append(ids, sc.ID)
		}
	}
	if len(ids) == 0 {
		return 0
	}

	purged := l.store.Purge(ids)
	for _, id := range ids {
		l.approvals.Remove(id)
	}
	l.logger.Info("Purged old schedules",
		zap.Time("before", cutoff),
		zap.Int("purged", purged))
	return purged
}

func (l *PublishLoop) emit(ctx context.Context, event model.Event) {
	if err := l.events.Publish(ctx, event); err != nil {
		l.logger.Warn("Failed to publish event",
			zap.String("kind", string(event.Kind())),
			zap.String("schedule_id", event.ScheduleRef()),
			zap.Error(err))
	}
}
