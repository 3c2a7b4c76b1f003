package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/content-scheduler/internal/model"
	"github.com/t77yq/content-scheduler/internal/testutil"
)

func testNotification() model.Notification {
	return model.Notification{
		Kind:       model.NotificationReminder,
		ScheduleID: "s-1",
		ContentID:  "post-1",
		AssignedTo: "alice",
		Subject:    "Reminder: Launch publishes in 1h0m0s",
		Body:       "Content post-1 is scheduled to publish at 2026-06-01T10:00:00Z.",
		PublishAt:  time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestEmailChannel_Send(t *testing.T) {
	// Setup
	channel := NewEmailChannel(EmailConfig{
		Host:       "smtp.example.com",
		Port:       587,
		Username:   "bot",
		Password:   "pw",
		From:       "scheduler@example.com",
		Recipients: []string{"alice@example.com", "bob@example.com"},
	}, zap.NewNop())

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	var gotAuth smtp.Auth
	channel.sendMail = func(_ context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	}

	require.NoError(t, channel.Send(context.Background(), testNotification()))
	assert.Equal(t, ChannelEmail, channel.Name())
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "scheduler@example.com", gotFrom)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Reminder: Launch publishes in 1h0m0s\r\n")
	assert.Contains(t, string(gotMsg), "To: alice@example.com, bob@example.com\r\n")

	channel.sendMail = func(context.Context, string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	err := channel.Send(context.Background(), testNotification())
	assert.ErrorContains(t, err, "connection refused")
}

func TestEmailChannel_NoRecipients(t *testing.T) {
	channel := NewEmailChannel(EmailConfig{Host: "smtp.example.com", Port: 25}, zap.NewNop())
	channel.sendMail = func(context.Context, string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("mail must not be sent")
		return nil
	}
	assert.Error(t, channel.Send(context.Background(), testNotification()))
}

func TestEmailChannel_SubjectCannotInjectHeaders(t *testing.T) {
	channel := NewEmailChannel(EmailConfig{
		Host:       "smtp.example.com",
		Port:       25,
		From:       "scheduler@example.com",
		Recipients: []string{"alice@example.com"},
	}, zap.NewNop())

	var gotMsg string
	channel.sendMail = func(_ context.Context, _ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		gotMsg = string(msg)
		return nil
	}

	n := testNotification()
	n.Subject = "Launch\r\nBcc: victim@example.com"
	require.NoError(t, channel.Send(context.Background(), n))

	headers, _, found := strings.Cut(gotMsg, "\r\n\r\n")
	require.True(t, found)
	assert.NotContains(t, headers, "\r\nBcc:")
	assert.Contains(t, headers, "Subject: =?utf-8?q?")
	assert.Equal(t, 4, strings.Count(headers, "\r\n")+1, "From, To, Subject and Content-Type only")
}

// fakeSMTPServer accepts one session without extensions and hands the
// received message body to the returned channel
func fakeSMTPServer(t *testing.T) (string, int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }
		reply("220 localhost ESMTP")

		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				reply("250 OK")
			case cmd == "DATA":
				reply("354 end with <CRLF>.<CRLF>")
				var body strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					body.WriteString(l)
				}
				received <- body.String()
				reply("250 queued")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("502 not implemented")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, received
}

func TestEmailChannel_SMTPSession(t *testing.T) {
	// Setup
	host, port, received := fakeSMTPServer(t)
	channel := NewEmailChannel(EmailConfig{
		Host:       host,
		Port:       port,
		From:       "scheduler@example.com",
		Recipients: []string{"alice@example.com"},
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, channel.Send(ctx, testNotification()))

	select {
	case body := <-received:
		assert.Contains(t, body, "Subject: Reminder: Launch publishes in 1h0m0s\r\n")
		assert.Contains(t, body, "Content post-1 is scheduled")
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for message")
	}
}

func TestEmailChannel_StalledServerHonoursDeadline(t *testing.T) {
	// Setup: a server that accepts but never greets
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	channel := NewEmailChannel(EmailConfig{
		Host:       addr.IP.String(),
		Port:       addr.Port,
		From:       "scheduler@example.com",
		Recipients: []string{"alice@example.com"},
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = channel.Send(ctx, testNotification())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSlackChannel_Send(t *testing.T) {
	// Setup
	var mu sync.Mutex
	var posted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/chat.postMessage" {
			http.NotFound(w, r)
			return
		}
		if r.Form.Get("channel") == "C-MISSING" {
			_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
			return
		}
		mu.Lock()
		posted = append(posted, r.Form.Get("text"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1717236000.000100"}`))
	}))
	defer srv.Close()

	channel := NewSlackChannel(SlackConfig{Token: "xoxb-test", Channel: "C123", APIURL: srv.URL}, srv.Client(), zaptest.NewLogger(t))
	assert.Equal(t, ChannelSlack, channel.Name())
	require.NoError(t, channel.Send(context.Background(), testNotification()))

	mu.Lock()
	require.Len(t, posted, 1)
	assert.Contains(t, posted[0], "*Reminder: Launch publishes in 1h0m0s*")
	assert.Contains(t, posted[0], "Assigned to: alice")
	mu.Unlock()

	missing := NewSlackChannel(SlackConfig{Token: "xoxb-test", Channel: "C-MISSING", APIURL: srv.URL + "/"}, srv.Client(), zap.NewNop())
	err := missing.Send(context.Background(), testNotification())
	assert.ErrorContains(t, err, "channel_not_found")
}

func TestInAppChannel_Send(t *testing.T) {
	t.Run("Without JetStream", func(t *testing.T) {
		channel := NewInAppChannel(nil, zap.NewNop())
		assert.Equal(t, ChannelInApp, channel.Name())
		assert.NoError(t, channel.Send(context.Background(), testNotification()))
	})

	t.Run("With JetStream", func(t *testing.T) {
		// Setup
		_, js := testutil.StartJetStream(t)
		channel := NewInAppChannel(js, zap.NewNop())
		require.NoError(t, channel.EnsureStream())
		require.NoError(t, channel.EnsureStream())
		require.NoError(t, testutil.WaitForStream(t, js, InAppStream, 5*time.Second))

		require.NoError(t, channel.Send(context.Background(), testNotification()))

		messages, err := testutil.ConsumeMessages(js, InAppSubject, 500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, messages, 1)

		var got model.Notification
		require.NoError(t, json.Unmarshal(messages[0], &got))
		assert.Equal(t, "s-1", got.ScheduleID)
		assert.Equal(t, model.NotificationReminder, got.Kind)
	})
}

type countingSender struct {
	mu    sync.Mutex
	count int
}

func (s *countingSender) Name() string { return "counting" }

func (s *countingSender) Send(context.Context, model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return nil
}

func TestRateLimitedChannel(t *testing.T) {
	t.Run("Unlimited", func(t *testing.T) {
		next := &countingSender{}
		channel := NewRateLimitedChannel(next, 0)
		for i := 0; i < 50; i++ {
			require.NoError(t, channel.Send(context.Background(), testNotification()))
		}
		assert.Equal(t, 50, next.count)
		assert.Equal(t, "counting", channel.Name())
	})

	t.Run("Burst Then Wait", func(t *testing.T) {
		next := &countingSender{}
		channel := NewRateLimitedChannel(next, 2)

		require.NoError(t, channel.Send(context.Background(), testNotification()))
		require.NoError(t, channel.Send(context.Background(), testNotification()))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := channel.Send(ctx, testNotification())
		assert.Error(t, err, "third send exceeds the burst and the deadline")
		assert.Equal(t, 2, next.count)
	})
}
