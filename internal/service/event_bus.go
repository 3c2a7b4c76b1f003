package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
)

const (
	// EventStream is the JetStream stream carrying schedule events
	EventStream = "SCHEDULES"
	// EventSubjectPrefix prefixes every schedule event subject
	EventSubjectPrefix = "schedule."
)

// EventSubject returns the subject an event kind is published on
func EventSubject(kind model.EventKind) string {
	return EventSubjectPrefix + string(kind)
}

// EventHandler receives decoded schedule events
type EventHandler func(model.Event)

// JetStreamEventBus publishes schedule events to a JetStream stream
type JetStreamEventBus struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewJetStreamEventBus creates the event bus and makes sure the stream exists
func NewJetStreamEventBus(js nats.JetStreamContext, maxAge time.Duration, logger *zap.Logger) (*JetStreamEventBus, error) {
	b := &JetStreamEventBus{
		js:     js,
		logger: logger.Named("event-bus"),
	}

	cfg := &nats.StreamConfig{
		Name:     EventStream,
		Subjects: []string{EventSubjectPrefix + ">"},
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	}
	if _, err := js.StreamInfo(EventStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := js.AddStream(cfg); err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		b.logger.Info("Event stream created", zap.String("stream", EventStream))
	}

	return b, nil
}

// Publish serialises the event and publishes it on its kind's subject
func (b *JetStreamEventBus) Publish(ctx context.Context, evt model.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := EventSubject(evt.Kind())
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("schedule_id", evt.ScheduleRef()),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Event published",
		zap.String("subject", subject),
		zap.String("schedule_id", evt.ScheduleRef()))
	return nil
}

// Subscribe delivers decoded events of the given kinds, or of every kind when
// none are given, until ctx is done
func (b *JetStreamEventBus) Subscribe(ctx context.Context, handler EventHandler, kinds ...model.EventKind) error {
	subjects := []string{EventSubjectPrefix + ">"}
	if len(kinds) > 0 {
		subjects = subjects[:0]
		for _, kind := range kinds {
			subjects = append(subjects, EventSubject(kind))
		}
	}

	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
			kind := model.EventKind(strings.TrimPrefix(msg.Subject, EventSubjectPrefix))
			evt, err := model.DecodeEvent(kind, msg.Data)
			if err != nil {
				b.logger.Error("Failed to decode event",
					zap.String("subject", msg.Subject),
					zap.Error(err))
				msg.Term()
				return
			}

			handler(evt)
			msg.Ack()
		}, nats.DeliverNew(), nats.ManualAck())
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	return nil
}

// MemoryEventBus fans events out in process. It is used when NATS is
// disabled and in tests. Only the last history events are retained.
type MemoryEventBus struct {
	mu       sync.RWMutex
	history  int
	events   []model.Event
	handlers []EventHandler
}

// NewMemoryEventBus creates an in-process bus remembering up to history
// events for Events; zero keeps none
func NewMemoryEventBus(history int) *MemoryEventBus {
	if history < 0 {
		history = 0
	}
	return &MemoryEventBus{history: history}
}

// Publish calls the subscribed handlers synchronously
func (b *MemoryEventBus) Publish(_ context.Context, evt model.Event) error {
	b.mu.Lock()
	if b.history > 0 {
		if len(b.events) == b.history {
			copy(b.events, b.events[1:])
			b.events = b.events[:len(b.events)-1]
		}
		b.events = append(b.events, evt)
	}
	handlers := append([]EventHandler(nil), b.handlers...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
	return nil
}

// Subscribe registers a handler for every subsequent event
func (b *MemoryEventBus) Subscribe(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Events returns the retained events, oldest first, optionally filtered by kind
func (b *MemoryEventBus) Events(kinds ...model.EventKind) []model.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []model.Event
	for _, evt := range b.events {
		if len(kinds) == 0 || containsKind(kinds, evt.Kind()) {
			out = append(out, evt)
		}
	}
	return out
}

func containsKind(kinds []model.EventKind, kind model.EventKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
