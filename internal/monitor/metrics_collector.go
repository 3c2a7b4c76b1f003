package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
	"github.com/t77yq/content-scheduler/internal/scheduler"
)

const (
	// MetricsStream is the JetStream stream holding metrics snapshots
	MetricsStream = "METRICS"
	// MetricsSubject is the subject metrics snapshots are published on
	MetricsSubject = "metrics.scheduler"
)

// StatsSource exposes the scheduler state the collector samples
type StatsSource interface {
	StatusCounts() map[model.ScheduleStatus]int
	LastTick() (scheduler.TickReport, int64)
}

// MetricsListener is notified of every collected snapshot
type MetricsListener func(model.SchedulerMetrics)

// MetricsCollector periodically samples scheduler and host metrics
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	source   StatsSource
	interval time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	latest    model.SchedulerMetrics
	listeners []MetricsListener
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMetricsCollector creates a new metrics collector. js may be nil, in
// which case snapshots are only kept in memory.
func NewMetricsCollector(js nats.JetStreamContext, source StatsSource, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		source:   source,
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// OnCollect registers a listener called after each collection
func (c *MetricsCollector) OnCollect(l MetricsListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start starts the metrics collector
func (c *MetricsCollector) Start(ctx context.Context) error {
	if c.js != nil {
		if _, err := c.js.StreamInfo(MetricsStream); err != nil {
			if !errors.Is(err, nats.ErrStreamNotFound) {
				return fmt.Errorf("failed to get stream info: %w", err)
			}
			if _, err := c.js.AddStream(&nats.StreamConfig{
				Name:     MetricsStream,
				Subjects: []string{MetricsSubject},
				Storage:  nats.FileStorage,
				MaxAge:   24 * time.Hour,
			}); err != nil {
				return fmt.Errorf("failed to create stream: %w", err)
			}
		}
	}

	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one snapshot, stores it and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) model.SchedulerMetrics {
	metrics := model.SchedulerMetrics{
		Timestamp: c.now(),
		Schedules: c.source.StatusCounts(),
	}

	if cpuPercent, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		metrics.CPUUsage = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		metrics.MemoryUsage = memInfo.UsedPercent
	}

	report, ticks := c.source.LastTick()
	metrics.Ticks = ticks
	if ticks > 0 {
		metrics.LastTick = &model.TickSummary{
			StartedAt: report.StartedAt,
			Duration:  report.Duration,
			Published: report.Published,
			Failed:    report.Failed,
			Overdue:   report.Overdue,
		}
	}

	c.mu.Lock()
	c.latest = metrics
	listeners := append([]MetricsListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(metrics)
	}

	c.publish(metrics)

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", metrics.CPUUsage),
		zap.Float64("memory_usage", metrics.MemoryUsage),
		zap.Int64("ticks", metrics.Ticks))
	return metrics
}

func (c *MetricsCollector) publish(metrics model.SchedulerMetrics) {
	if c.js == nil {
		return
	}
	data, err := json.Marshal(metrics)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if _, err := c.js.Publish(MetricsSubject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
	}
}

// GetMetrics returns the latest snapshot
func (c *MetricsCollector) GetMetrics() model.SchedulerMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}
