package scheduler

import (
	"context"

	"github.com/t77yq/content-scheduler/internal/model"
)

// ContentVerifier checks content integrity before it goes live
type ContentVerifier interface {
	// VerifyContent reports whether the content still matches expectedHash
	VerifyContent(ctx context.Context, contentID, expectedHash string) (bool, error)

	// HashContent returns the current integrity fingerprint of the content
	HashContent(ctx context.Context, contentID string) (string, error)
}

// ContentPublisher makes content live in the content management system
type ContentPublisher interface {
	Publish(ctx context.Context, req model.PublishRequest) error
}

// Persister is the external durable copy of the schedule set
type Persister interface {
	// LoadAll returns every persisted schedule
	LoadAll(ctx context.Context) ([]*model.Schedule, error)

	// Save upserts a schedule
	Save(ctx context.Context, schedule *model.Schedule) error

	// Delete removes a schedule
	Delete(ctx context.Context, id string) error
}

// EventPublisher fans schedule lifecycle events out to subscribers
type EventPublisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// Channel delivers notifications to one destination such as email or slack
type Channel interface {
	Name() string
	Send(ctx context.Context, notification model.Notification) error
}

type nopPersister struct{}

func (nopPersister) LoadAll(context.Context) ([]*model.Schedule, error) { return nil, nil }
func (nopPersister) Save(context.Context, *model.Schedule) error         { return nil }
func (nopPersister) Delete(context.Context, string) error                { return nil }

type nopEventPublisher struct{}

func (nopEventPublisher) Publish(context.Context, model.Event) error { return nil }
