package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/config"
	"github.com/t77yq/content-scheduler/internal/handler"
	"github.com/t77yq/content-scheduler/internal/model"
	"github.com/t77yq/content-scheduler/internal/monitor"
	"github.com/t77yq/content-scheduler/internal/scheduler"
	"github.com/t77yq/content-scheduler/internal/service"
	"github.com/t77yq/content-scheduler/internal/storage"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "content-scheduler",
		Short:         "Schedules, approves and publishes CMS content",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file (default ./config/config.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatalf("content-scheduler: %v", err)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Log.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger = logger.With(zap.String("app", cfg.App.Name))

	db, err := storage.NewSQLiteScheduleStorage(logger, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open schedule storage: %w", err)
	}
	defer db.Close()
	db.SetLoadRetention(cfg.Loop.Retention)

	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()

		js, err = nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
	}

	alerts := monitor.NewAlertManager(logger, js)
	for i := range cfg.Alerts {
		if err := alerts.AddRule(&cfg.Alerts[i]); err != nil {
			return fmt.Errorf("invalid alert rule %q: %w", cfg.Alerts[i].Name, err)
		}
	}
	if err := alerts.Start(ctx); err != nil {
		return fmt.Errorf("failed to start alert manager: %w", err)
	}

	var events scheduler.EventPublisher
	if js != nil {
		bus, err := service.NewJetStreamEventBus(js, cfg.NATS.EventMaxAge, logger)
		if err != nil {
			return err
		}
		if err := bus.Subscribe(ctx, alerts.HandleEvent, model.EventScheduleFailed); err != nil {
			return err
		}
		if err := bus.Subscribe(ctx, db.RecordEvent, model.EventSchedulePublished, model.EventScheduleFailed); err != nil {
			return err
		}
		events = bus
	} else {
		bus := service.NewMemoryEventBus(0)
		bus.Subscribe(alerts.HandleEvent)
		bus.Subscribe(db.RecordEvent)
		events = bus
	}

	cms := handler.NewCMSClient(cfg.CMS.BaseURL, cfg.CMS.Token, cfg.CMS.Timeout, logger)
	var verifier scheduler.ContentVerifier = cms
	if cfg.CMS.LocalHash {
		verifier = handler.NewSHA256Verifier(cms)
	}

	notifyChannels, err := channels(cfg, js, logger)
	if err != nil {
		return err
	}

	schedCfg, err := cfg.Scheduler()
	if err != nil {
		return err
	}
	engine, err := scheduler.NewContentScheduler(schedCfg, scheduler.Dependencies{
		Verifier:  verifier,
		Publisher: cms,
		Persister: db,
		Events:    events,
		Channels:  notifyChannels,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create content scheduler: %w", err)
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start content scheduler: %w", err)
	}
	defer engine.Stop()

	if cfg.Metrics.Enabled {
		collector := monitor.NewMetricsCollector(js, engine, cfg.Metrics.Interval, logger)
		collector.OnCollect(alerts.EvaluateMetrics)
		if err := collector.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics collector: %w", err)
		}
		defer collector.Stop()
	}

	logger.Info("Content scheduler running",
		zap.Duration("interval", schedCfg.Loop.Interval),
		zap.String("timezone", schedCfg.Location.String()),
		zap.Bool("nats", js != nil))

	cleanupTicker := time.NewTicker(cfg.Storage.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Server shutting down gracefully")
			return nil
		case <-cleanupTicker.C:
			cutoff := time.Now().Add(-schedCfg.Loop.Retention)
			if _, err := db.DeleteAttemptsBefore(ctx, cutoff); err != nil {
				logger.Error("Failed to clean up publish history", zap.Error(err))
			}
		}
	}
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// channels builds the notification channels that have enough configuration
// to work, each behind the shared rate limit
func channels(cfg *config.Config, js nats.JetStreamContext, logger *zap.Logger) ([]scheduler.Channel, error) {
	var out []scheduler.Channel
	add := func(ch handler.Sender) {
		out = append(out, handler.NewRateLimitedChannel(ch, cfg.Notify.RatePerSecond))
	}

	if cfg.Notify.Email.Host != "" {
		add(handler.NewEmailChannel(cfg.Notify.Email, logger))
	}
	if cfg.Notify.Slack.Token != "" && cfg.Notify.Slack.Channel != "" {
		add(handler.NewSlackChannel(cfg.Notify.Slack, nil, logger))
	}
	if js == nil {
		logger.Warn("NATS disabled, in-app notifications are only logged")
	}
	inApp := handler.NewInAppChannel(js, logger)
	if err := inApp.EnsureStream(); err != nil {
		return nil, fmt.Errorf("failed to prepare in-app notifications: %w", err)
	}
	add(inApp)
	return out, nil
}
