package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
)

// NotificationScheduler fires publication reminders and failure notices.
//
// A reminder offset is due when the time left until publication lies within
// one tick interval of the offset. Polling can therefore neither skip a
// reminder whose exact instant falls between two ticks nor fire it twice,
// because fired offsets are recorded on the schedule before the next tick.
type NotificationScheduler struct {
	logger       *zap.Logger
	store        *ScheduleStore
	events       EventPublisher
	now          func() time.Time
	tickInterval time.Duration
	callTimeout  time.Duration

	mu       sync.RWMutex
	channels map[string]Channel
}

// NewNotificationScheduler creates a new notification scheduler
func NewNotificationScheduler(store *ScheduleStore, events EventPublisher, tickInterval, callTimeout time.Duration, now func() time.Time, logger *zap.Logger) *NotificationScheduler {
	if events == nil {
		events = nopEventPublisher{}
	}
	if now == nil {
		now = time.Now
	}
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &NotificationScheduler{
		logger:       logger.Named("notification-scheduler"),
		store:        store,
		events:       events,
		now:          now,
		tickInterval: tickInterval,
		callTimeout:  callTimeout,
		channels:     make(map[string]Channel),
	}
}

// RegisterChannel registers a channel under its name, replacing any previous one
func (n *NotificationScheduler) RegisterChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels[ch.Name()] = ch
	n.logger.Info("Notification channel registered", zap.String("channel", ch.Name()))
}

// Channels returns the registered channel names in sorted order
func (n *NotificationScheduler) Channels() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	names := make([]string, 0, len(n.channels))
	for name := range n.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run performs one reminder pass over all active schedules and returns the
// number of reminder offsets fired
func (n *NotificationScheduler) Run(ctx context.Context) int {
	now := n.now()
	fired := 0

	for _, sc := range n.store.Snapshot() {
		if !sc.Status.IsActive() || !sc.Notifications.Enabled {
			continue
		}

		due := n.dueReminders(sc, now)
		if len(due) == 0 {
			continue
		}

		var delivered []time.Duration
		for _, offset := range due {
			channels := n.dispatch(ctx, sc, reminderNotification(sc, offset, now))
			// With no channel reached the offset stays unfired and the
			// next tick inside the window tries again.
			if len(channels) == 0 && len(sc.Notifications.Channels) > 0 {
				continue
			}
			delivered = append(delivered, offset)

			if err := n.events.Publish(ctx, model.ReminderFired{
				ScheduleID: sc.ID,
				Offset:     offset,
				Channels:   channels,
				At:         now,
			}); err != nil {
				n.logger.Warn("Failed to publish reminder event",
					zap.String("schedule_id", sc.ID),
					zap.Error(err))
			}
		}
		if len(delivered) == 0 {
			continue
		}

		if _, err := n.store.Update(ctx, sc.ID, AnyVersion, func(s *model.Schedule) error {
			for _, offset := range delivered {
				s.Notifications.MarkFired(offset)
			}
			return nil
		}); err != nil {
			n.logger.Error("Failed to record fired reminders",
				zap.String("schedule_id", sc.ID),
				zap.Error(err))
			continue
		}
		fired += len(delivered)
	}

	return fired
}

// NotifyFailure tells the schedule's channels that publication failed.
// Schedules without channels fall back to the in-app channel.
func (n *NotificationScheduler) NotifyFailure(ctx context.Context, sc *model.Schedule, reason string) {
	target := sc
	if len(sc.Notifications.Channels) == 0 {
		target = sc.Clone()
		target.Notifications.Channels = []string{fallbackNotificationTarget}
	}
	now := n.now()
	n.dispatch(ctx, target, model.Notification{
		Kind:       model.NotificationFailure,
		ScheduleID: sc.ID,
		ContentID:  sc.ContentID,
		AssignedTo: sc.AssignedTo,
		Subject:    fmt.Sprintf("Publishing failed: %s", title(sc)),
		Body:       fmt.Sprintf("Content %s scheduled for %s could not be published: %s", sc.ContentID, sc.PublishAt.Format(time.RFC3339), reason),
		PublishAt:  sc.PublishAt,
		SentAt:     now,
	})
}

func (n *NotificationScheduler) dueReminders(sc *model.Schedule, now time.Time) []time.Duration {
	until := sc.PublishAt.Sub(now)

	var due []time.Duration
	for _, offset := range sc.Notifications.Reminders {
		if sc.Notifications.HasFired(offset) {
			continue
		}
		if absDuration(until-offset) < n.tickInterval {
			due = append(due, offset)
		}
	}
	return due
}

// dispatch sends to every configured channel independently and returns the
// names of the channels that accepted the notification
func (n *NotificationScheduler) dispatch(ctx context.Context, sc *model.Schedule, msg model.Notification) []string {
	var delivered []string
	for _, name := range sc.Notifications.Channels {
		n.mu.RLock()
		ch, ok := n.channels[name]
		n.mu.RUnlock()
		if !ok {
			n.logger.Warn("Unknown notification channel",
				zap.String("schedule_id", sc.ID),
				zap.String("channel", name))
			continue
		}

		if err := n.send(ctx, ch, msg); err != nil {
			n.logger.Error("Failed to send notification",
				zap.String("schedule_id", sc.ID),
				zap.String("channel", name),
				zap.String("kind", string(msg.Kind)),
				zap.Error(err))
			continue
		}
		delivered = append(delivered, name)
	}
	return delivered
}

func (n *NotificationScheduler) send(ctx context.Context, ch Channel, msg model.Notification) (err error) {
	cctx, cancel := context.WithTimeout(ctx, n.callTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", ch.Name(), r)
		}
	}()
	return ch.Send(cctx, msg)
}

func reminderNotification(sc *model.Schedule, offset time.Duration, now time.Time) model.Notification {
	return model.Notification{
		Kind:       model.NotificationReminder,
		ScheduleID: sc.ID,
		ContentID:  sc.ContentID,
		AssignedTo: sc.AssignedTo,
		Subject:    fmt.Sprintf("Reminder: %s publishes in %s", title(sc), offset),
		Body:       fmt.Sprintf("Content %s is scheduled to publish at %s.", sc.ContentID, sc.PublishAt.Format(time.RFC3339)),
		PublishAt:  sc.PublishAt,
		SentAt:     now,
	}
}

func title(sc *model.Schedule) string {
	if sc.Title != "" {
		return sc.Title
	}
	return sc.ContentID
}
