package handler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/content-scheduler/internal/model"
)

// Channel names as referenced by schedules
const (
	ChannelEmail = "email"
	ChannelSlack = "slack"
	ChannelInApp = "in-app"
)

const (
	// InAppStream is the JetStream stream the UI consumes notifications from
	InAppStream = "NOTIFICATIONS"
	// InAppSubject is the subject in-app notifications are published on
	InAppSubject = "notification.inapp"
)

// EmailConfig holds SMTP settings
type EmailConfig struct {
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends notifications over SMTP
type EmailChannel struct {
	logger   *zap.Logger
	config   EmailConfig
	sendMail sendMailFunc
}

// NewEmailChannel creates a new email channel
func NewEmailChannel(config EmailConfig, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{
		logger:   logger.Named("email-channel"),
		config:   config,
		sendMail: sendMail,
	}
}

// Name returns the channel name
func (c *EmailChannel) Name() string { return ChannelEmail }

// Send delivers the notification to the configured recipients
func (c *EmailChannel) Send(ctx context.Context, n model.Notification) error {
	if len(c.config.Recipients) == 0 {
		return errors.New("no email recipients configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}

	// non-ASCII and control characters, CR/LF included, are Q-encoded
	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		c.config.From,
		strings.Join(c.config.Recipients, ", "),
		mime.QEncoding.Encode("utf-8", n.Subject),
		n.Body)

	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	if err := c.sendMail(ctx, addr, auth, c.config.From, c.config.Recipients, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	c.logger.Debug("Email sent",
		zap.String("schedule_id", n.ScheduleID),
		zap.Int("recipients", len(c.config.Recipients)))
	return nil
}

// sendMail is smtp.SendMail bounded by ctx: the dial honours cancellation
// and the connection deadline follows the context deadline.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := client.Extension("AUTH"); !ok {
			return errors.New("smtp server does not support AUTH")
		}
		if err := client.Auth(a); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// SlackConfig holds Slack settings
type SlackConfig struct {
	Token   string `mapstructure:"token"`
	Channel string `mapstructure:"channel"`
	APIURL  string `mapstructure:"api_url"`
}

// SlackChannel posts notifications to a Slack channel
type SlackChannel struct {
	logger    *zap.Logger
	client    *slack.Client
	channelID string
}

// NewSlackChannel creates a new Slack channel
func NewSlackChannel(config SlackConfig, httpClient *http.Client, logger *zap.Logger) *SlackChannel {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	opts := []slack.Option{slack.OptionHTTPClient(httpClient)}
	if config.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(config.APIURL, "/")+"/"))
	}
	return &SlackChannel{
		logger:    logger.Named("slack-channel"),
		client:    slack.New(config.Token, opts...),
		channelID: config.Channel,
	}
}

// Name returns the channel name
func (c *SlackChannel) Name() string { return ChannelSlack }

// Send posts the notification as a plain text message
func (c *SlackChannel) Send(ctx context.Context, n model.Notification) error {
	text := fmt.Sprintf("*%s*\n%s", n.Subject, n.Body)
	if n.AssignedTo != "" {
		text += fmt.Sprintf("\nAssigned to: %s", n.AssignedTo)
	}

	_, ts, err := c.client.PostMessageContext(ctx, c.channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}

	c.logger.Debug("Slack message posted",
		zap.String("schedule_id", n.ScheduleID),
		zap.String("ts", ts))
	return nil
}

// InAppChannel publishes notifications to JetStream for the UI to consume.
// Without JetStream it only logs them.
type InAppChannel struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewInAppChannel creates a new in-app channel
func NewInAppChannel(js nats.JetStreamContext, logger *zap.Logger) *InAppChannel {
	return &InAppChannel{
		logger: logger.Named("inapp-channel"),
		js:     js,
	}
}

// EnsureStream creates the notification stream if it does not exist yet
func (c *InAppChannel) EnsureStream() error {
	if c.js == nil {
		return nil
	}
	if _, err := c.js.StreamInfo(InAppStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := c.js.AddStream(&nats.StreamConfig{
			Name:     InAppStream,
			Subjects: []string{InAppSubject},
			Storage:  nats.FileStorage,
			MaxAge:   7 * 24 * time.Hour,
		}); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}
	return nil
}

// Name returns the channel name
func (c *InAppChannel) Name() string { return ChannelInApp }

// Send publishes the notification
func (c *InAppChannel) Send(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if c.js == nil {
		c.logger.Info("In-app notification",
			zap.String("schedule_id", n.ScheduleID),
			zap.String("kind", string(n.Kind)),
			zap.String("subject", n.Subject))
		return nil
	}
	if _, err := c.js.Publish(InAppSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Sender is the channel contract wrapped by RateLimitedChannel
type Sender interface {
	Name() string
	Send(ctx context.Context, n model.Notification) error
}

// RateLimitedChannel throttles an underlying channel
type RateLimitedChannel struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimitedChannel wraps next with a limiter of perSecond sends per
// second. A non-positive rate disables limiting.
func NewRateLimitedChannel(next Sender, perSecond int) *RateLimitedChannel {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	return &RateLimitedChannel{next: next, limiter: limiter}
}

// Name returns the wrapped channel's name
func (c *RateLimitedChannel) Name() string { return c.next.Name() }

// Send waits for the limiter and forwards the notification
func (c *RateLimitedChannel) Send(ctx context.Context, n model.Notification) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return c.next.Send(ctx, n)
}
