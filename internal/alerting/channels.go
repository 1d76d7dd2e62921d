package alerting

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"iam-monitor/internal/schema"
)

const defaultHTTPTimeout = 10 * time.Second

// DefaultPagerDutyURL is the Events API v2 enqueue endpoint.
const DefaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

// HTTPError is a non-2xx answer from an HTTP channel.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// WebhookChannel posts the alert as JSON to an arbitrary endpoint.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel. Headers are sent verbatim.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	if name == "" {
		name = "webhook"
	}
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client:  newHTTPClient(),
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	return postJSON(ctx, w.client, w.url, w.headers, alert)
}

// SlackChannel posts to a Slack-compatible incoming webhook.
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client:     newHTTPClient(),
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]any{
		"text": alert.Title(),
		"attachments": []map[string]any{
			{
				"color":  severityColor(alert.Severity),
				"title":  alert.Title(),
				"fields": slackFields(alert),
				"footer": "detection " + alert.DetectionID,
				"ts":     alert.CreatedAt.Unix(),
			},
		},
	}
	if s.channel != "" {
		payload["channel"] = s.channel
	}
	if s.username != "" {
		payload["username"] = s.username
	}
	return postJSON(ctx, s.client, s.webhookURL, nil, payload)
}

func slackFields(alert *Alert) []map[string]any {
	fields := []map[string]any{
		{"title": "Principal", "value": alert.Principal, "short": false},
		{"title": "Resource", "value": alert.Resource, "short": false},
		{"title": "Risk score", "value": strconv.Itoa(alert.RiskScore), "short": true},
		{"title": "Remediation", "value": alert.RemediationStatus, "short": true},
	}
	if len(alert.RecommendedActions) > 0 {
		fields = append(fields, map[string]any{
			"title": "Recommended actions",
			"value": joinActions(alert.RecommendedActions),
			"short": false,
		})
	}
	if len(alert.RuleIDs) > 0 {
		fields = append(fields, map[string]any{
			"title": "Rules",
			"value": strings.Join(alert.RuleIDs, ", "),
			"short": false,
		})
	}
	return fields
}

func severityColor(sev schema.Severity) string {
	switch sev {
	case schema.SeverityCritical:
		return "#FF0000"
	case schema.SeverityHigh:
		return "#FF8C00"
	case schema.SeverityMedium:
		return "#FFD700"
	default:
		return "#36A64F"
	}
}

func joinActions(actions []schema.ActionType) string {
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, ", ")
}

// PagerDutyChannel triggers incidents through the Events API v2. The
// detection id is the dedup key so redeliveries collapse into one incident.
type PagerDutyChannel struct {
	routingKey string
	url        string
	client     *http.Client
}

// NewPagerDutyChannel creates a paging channel. An empty url selects the
// public Events API endpoint.
func NewPagerDutyChannel(routingKey, url string) *PagerDutyChannel {
	if url == "" {
		url = DefaultPagerDutyURL
	}
	return &PagerDutyChannel{
		routingKey: routingKey,
		url:        url,
		client:     newHTTPClient(),
	}
}

func (p *PagerDutyChannel) Name() string {
	return "pagerduty"
}

func (p *PagerDutyChannel) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]any{
		"routing_key":  p.routingKey,
		"event_action": "trigger",
		"dedup_key":    alert.DetectionID,
		"payload": map[string]any{
			"summary":   alert.Title(),
			"source":    "iam-monitor",
			"severity":  pagerDutySeverity(alert.Severity),
			"timestamp": alert.CreatedAt.Format(time.RFC3339),
			"component": alert.Resource,
			"custom_details": map[string]any{
				"principal":           alert.Principal,
				"risk_score":          alert.RiskScore,
				"recommended_actions": alert.RecommendedActions,
				"remediation_status":  alert.RemediationStatus,
				"rule_ids":            alert.RuleIDs,
			},
		},
	}
	return postJSON(ctx, p.client, p.url, nil, payload)
}

func pagerDutySeverity(sev schema.Severity) string {
	switch sev {
	case schema.SeverityCritical:
		return "critical"
	case schema.SeverityHigh:
		return "error"
	case schema.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}

// EmailConfig holds SMTP settings. Password is already resolved from its
// secret reference.
type EmailConfig struct {
	Host     string   `yaml:"host" validate:"required,hostname|ip"`
	Port     int      `yaml:"port" validate:"min=0,max=65535"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from" validate:"required,email"`
	To       []string `yaml:"to" validate:"required,min=1,dive,email"`
	StartTLS bool     `yaml:"starttls"`
}

// EmailChannel sends a plain-text alert over SMTP.
type EmailChannel struct {
	cfg EmailConfig
}

// NewEmailChannel creates an SMTP channel; port defaults to 587.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailChannel{cfg: cfg}
}

func (e *EmailChannel) Name() string {
	return "email"
}

func (e *EmailChannel) Send(ctx context.Context, alert *Alert) error {
	if len(e.cfg.To) == 0 {
		return fmt.Errorf("no recipients configured")
	}
	from, err := mail.ParseAddress(e.cfg.From)
	if err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}

	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok && e.cfg.StartTLS {
		if err := c.StartTLS(&tls.Config{ServerName: e.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(from.Address); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range e.cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(e.buildMessage(alert)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end data: %w", err)
	}
	return c.Quit()
}

func (e *EmailChannel) buildMessage(alert *Alert) []byte {
	var b strings.Builder
	b.WriteString("From: " + headerValue(e.cfg.From) + "\r\n")
	b.WriteString("To: " + headerValue(strings.Join(e.cfg.To, ", ")) + "\r\n")
	b.WriteString("Subject: " + headerValue(alert.Title()) + "\r\n")
	b.WriteString("Date: " + alert.CreatedAt.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(e.buildTextBody(alert))
	return []byte(b.String())
}

func (e *EmailChannel) buildTextBody(alert *Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Detection:   %s\r\n", alert.DetectionID)
	fmt.Fprintf(&b, "Severity:    %s\r\n", alert.Severity)
	fmt.Fprintf(&b, "Risk score:  %d\r\n", alert.RiskScore)
	fmt.Fprintf(&b, "Principal:   %s\r\n", alert.Principal)
	fmt.Fprintf(&b, "Resource:    %s\r\n", alert.Resource)
	if alert.EventName != "" {
		fmt.Fprintf(&b, "Event:       %s\r\n", alert.EventName)
	}
	fmt.Fprintf(&b, "Remediation: %s\r\n", alert.RemediationStatus)
	if alert.DryRun {
		b.WriteString("             (dry run, no changes applied)\r\n")
	}
	if len(alert.RecommendedActions) > 0 {
		b.WriteString("\r\nRecommended actions:\r\n")
		for _, a := range alert.RecommendedActions {
			fmt.Fprintf(&b, "  - %s\r\n", a)
		}
	}
	if len(alert.RuleIDs) > 0 {
		fmt.Fprintf(&b, "\r\nRules: %s\r\n", strings.Join(alert.RuleIDs, ", "))
	}
	return b.String()
}

// headerValue strips line breaks so values cannot add headers.
func headerValue(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// LogChannel writes alerts to the structured log.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel; nil uses slog.Default.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(ctx context.Context, alert *Alert) error {
	level := slog.LevelInfo
	if alert.Severity.AtLeast(schema.SeverityHigh) {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "risk alert",
		"detection_id", alert.DetectionID,
		"severity", alert.Severity,
		"risk_score", alert.RiskScore,
		"principal", alert.Principal,
		"resource", alert.Resource,
		"remediation_status", alert.RemediationStatus,
	)
	return nil
}

// Publisher is the subset of the Kafka producer the alert topic needs.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// KafkaChannel publishes alerts to the alert topic, keyed by detection id.
type KafkaChannel struct {
	publisher Publisher
	topic     string
}

// NewKafkaChannel creates an alert topic channel.
func NewKafkaChannel(publisher Publisher, topic string) *KafkaChannel {
	return &KafkaChannel{publisher: publisher, topic: topic}
}

func (k *KafkaChannel) Name() string {
	return "kafka"
}

func (k *KafkaChannel) Send(ctx context.Context, alert *Alert) error {
	return k.publisher.PublishJSON(ctx, k.topic, alert.DetectionID, alert)
}
