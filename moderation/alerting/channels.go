package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/unicon-campus/unimod/pkg/robusthttp"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Channel delivers one notification. The monitor calls it asynchronously and
// only logs a returned error.
type Channel interface {
	Name() string
	Send(ctx context.Context, subject, body string, priority Priority) error
}

// LogChannel writes alerts to the structured log. It is always configured.
type LogChannel struct {
	Logger *slog.Logger
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, subject, body string, priority Priority) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if priority == PriorityHigh {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "moderation alert", "subject", subject, "priority", priority, "body", body)
	return nil
}

type SlackChannel struct {
	WebhookURL string
	Client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		Client:     robusthttp.NewClient(robusthttp.WithMaxRetries(2)),
	}
}

func (c *SlackChannel) Name() string { return "slack" }

type SlackWebhookBody struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func slackColor(p Priority) string {
	switch p {
	case PriorityHigh:
		return "danger"
	case PriorityMedium:
		return "warning"
	default:
		return "good"
	}
}

// Send posts to a Slack "incoming webhook", which must already be configured
// in the workspace.
func (c *SlackChannel) Send(ctx context.Context, subject, body string, priority Priority) error {
	msg := SlackWebhookBody{
		Text: fmt.Sprintf("⚠️ Content Moderation Alert (%s): %s", strings.ToUpper(string(priority)), subject),
		Attachments: []SlackAttachment{{
			Color: slackColor(priority),
			Fields: []SlackField{
				{Title: "Message", Value: body},
				{Title: "Time", Value: time.Now().UTC().Format(time.RFC3339), Short: true},
			},
		}},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK || string(respBody) != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}

type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends plain-text alert mails to a fixed list of admins.
type EmailChannel struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string

	SendMail SendMailFunc
}

func NewEmailChannel(host string, port int, username, password, from string, to []string) *EmailChannel {
	return &EmailChannel{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		To:       to,
		SendMail: smtp.SendMail,
	}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) message(subject, body string, priority Priority) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", c.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.To, ", "))
	fmt.Fprintf(&b, "Subject: [%s] UniCon Content Moderation Alert: %s\r\n", strings.ToUpper(string(priority)), subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func (c *EmailChannel) Send(ctx context.Context, subject, body string, priority Priority) error {
	if len(c.To) == 0 {
		return fmt.Errorf("email channel has no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if c.Username != "" {
		auth = smtp.PlainAuth("", c.Username, c.Password, c.Host)
	}
	send := c.SendMail
	if send == nil {
		send = smtp.SendMail
	}
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	if err := send(addr, auth, c.From, c.To, c.message(subject, body, priority)); err != nil {
		return fmt.Errorf("sending alert mail via %s: %w", addr, err)
	}
	return nil
}
