package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/t77yq/content-scheduler/internal/model"
)

// fakeClock is a settable clock shared by every component under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeCMS implements ContentVerifier and ContentPublisher
type fakeCMS struct {
	mu          sync.Mutex
	hashes      map[string]string
	hashErr     error
	verifyErr   error
	publishErr  map[string]error
	publishHook func(model.PublishRequest)
	panicOn     string
	published   []model.PublishRequest
}

func newFakeCMS() *fakeCMS {
	return &fakeCMS{
		hashes:     make(map[string]string),
		publishErr: make(map[string]error),
	}
}

func (c *fakeCMS) setHash(contentID, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[contentID] = hash
}

func (c *fakeCMS) HashContent(_ context.Context, contentID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hashErr != nil {
		return "", c.hashErr
	}
	if h, ok := c.hashes[contentID]; ok {
		return h, nil
	}
	return "hash-" + contentID, nil
}

func (c *fakeCMS) VerifyContent(ctx context.Context, contentID, expected string) (bool, error) {
	c.mu.Lock()
	verifyErr := c.verifyErr
	c.mu.Unlock()
	if verifyErr != nil {
		return false, verifyErr
	}
	current, err := c.HashContent(ctx, contentID)
	if err != nil {
		return false, err
	}
	return expected == "" || current == expected, nil
}

func (c *fakeCMS) Publish(_ context.Context, req model.PublishRequest) error {
	c.mu.Lock()
	hook := c.publishHook
	if req.ContentID == c.panicOn {
		c.mu.Unlock()
		panic("publish exploded")
	}
	if err, ok := c.publishErr[req.ContentID]; ok {
		c.mu.Unlock()
		return err
	}
	c.published = append(c.published, req)
	c.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return nil
}

func (c *fakeCMS) publishedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.published))
	for _, p := range c.published {
		ids = append(ids, p.ContentID)
	}
	return ids
}

// memoryPersister is an in-memory Persister that can be told to fail
type memoryPersister struct {
	mu       sync.Mutex
	data     map[string]*model.Schedule
	saveErr  error
	saves    int
	saveHook func(*model.Schedule)
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{data: make(map[string]*model.Schedule)}
}

func (p *memoryPersister) LoadAll(context.Context) ([]*model.Schedule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*model.Schedule, 0, len(p.data))
	for _, sc := range p.data {
		out = append(out, sc.Clone())
	}
	return out, nil
}

func (p *memoryPersister) Save(_ context.Context, sc *model.Schedule) error {
	p.mu.Lock()
	hook := p.saveHook
	p.mu.Unlock()
	if hook != nil {
		hook(sc)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.saveErr != nil {
		return p.saveErr
	}
	p.data[sc.ID] = sc.Clone()
	return nil
}

func (p *memoryPersister) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, id)
	return nil
}

func (p *memoryPersister) get(id string) *model.Schedule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data[id].Clone()
}

// eventRecorder collects published events
type eventRecorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *eventRecorder) Publish(_ context.Context, evt model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *eventRecorder) ofKind(kind model.EventKind) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.events {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

// recordingChannel records notifications and can be told to fail
type recordingChannel struct {
	name string

	mu   sync.Mutex
	sent []model.Notification
	err  error
	boom bool
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, n model.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boom {
		panic("channel exploded")
	}
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *recordingChannel) count(kind model.NotificationKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func (c *recordingChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

var errUnavailable = errors.New("service unavailable")
