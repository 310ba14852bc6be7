package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NotificationPayload is the processed alert handed to a sender.
type NotificationPayload struct {
	Channel  string
	Topic    string
	Message  string
	Severity Severity
	Threat   *ThreatEvent
}

// NotificationRegistry manages senders and dispatches alerts. Every send is
// fire-and-forget: it runs on its own goroutine with a bounded timeout, and
// a failure is logged and counted, never propagated to the request path.
type NotificationRegistry struct {
	senders map[string]NotificationSender
	metrics MetricsCollector
	logger  *zap.Logger
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

func NewNotificationRegistry(cfg NotifyConfig, metrics MetricsCollector, logger *zap.Logger) *NotificationRegistry {
	registry := &NotificationRegistry{
		senders: make(map[string]NotificationSender),
		metrics: metrics,
		logger:  logger,
	}
	client := &http.Client{Timeout: 10 * time.Second}
	registry.Register(&LogSender{logger: logger})
	if len(cfg.Webhook) > 0 {
		registry.Register(&WebhookSender{client: client, urls: cfg.Webhook})
	}
	if len(cfg.Slack) > 0 {
		registry.Register(&SlackSender{client: client, urls: cfg.Slack})
	}
	return registry
}

func (nr *NotificationRegistry) Register(sender NotificationSender) {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	nr.senders[sender.Name()] = sender
}

func (nr *NotificationRegistry) Get(channel string) (NotificationSender, bool) {
	nr.mu.RLock()
	defer nr.mu.RUnlock()
	sender, exists := nr.senders[channel]
	return sender, exists
}

// Notify dispatches one alert for a threat on the configured channel.
func (nr *NotificationRegistry) Notify(cfg NotifyConfig, threat *ThreatEvent) {
	if threat == nil {
		return
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "log"
	}
	sender, exists := nr.Get(channel)
	if !exists {
		nr.logger.Warn("notification channel not registered", zap.String("channel", channel))
		nr.count(channel, "dropped")
		return
	}

	payload := &NotificationPayload{
		Channel:  channel,
		Topic:    replacePlaceholders(cfg.Topic, threat),
		Message:  replacePlaceholders(cfg.Message, threat),
		Severity: threat.Severity,
		Threat:   threat,
	}

	nr.wg.Add(1)
	go func() {
		defer nr.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := sender.Send(ctx, payload); err != nil {
			nr.logger.Warn("notification send failed",
				zap.String("channel", channel),
				zap.String("threat_id", threat.ID),
				zap.Error(err))
			nr.count(channel, "error")
			return
		}
		nr.count(channel, "sent")
	}()
}

// Drain waits for in-flight notifications, for graceful shutdown and tests.
func (nr *NotificationRegistry) Drain() {
	nr.wg.Wait()
}

func (nr *NotificationRegistry) count(channel, outcome string) {
	if nr.metrics != nil {
		nr.metrics.IncrementCounter("notifications_total", map[string]string{
			"channel": channel,
			"outcome": outcome,
		})
	}
}

func replacePlaceholders(template string, threat *ThreatEvent) string {
	if template == "" {
		return ""
	}
	replacer := strings.NewReplacer(
		"{{source}}", threat.Event.Source,
		"{{path}}", threat.Event.Path,
		"{{method}}", threat.Event.Method,
		"{{threatType}}", threat.ThreatType,
		"{{severity}}", threat.Severity.String(),
		"{{action}}", string(threat.Action),
		"{{confidence}}", strconv.FormatFloat(threat.Confidence, 'f', 2, 64),
		"{{anomalyScore}}", strconv.FormatFloat(threat.AnomalyScore, 'f', 2, 64),
		"{{timestamp}}", threat.CreatedAt.Format(time.RFC3339),
	)
	return replacer.Replace(template)
}

// LogSender writes alerts to the structured log. Always registered, so a
// bare config still surfaces every threat somewhere.
type LogSender struct {
	logger *zap.Logger
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, payload *NotificationPayload) error {
	s.logger.Warn("threat notification",
		zap.String("topic", payload.Topic),
		zap.String("message", payload.Message),
		zap.String("severity", payload.Severity.String()),
		zap.String("threat_id", payload.Threat.ID),
		zap.String("threat_type", payload.Threat.ThreatType),
		zap.String("source", payload.Threat.Event.Source),
		zap.String("action", string(payload.Threat.Action)))
	return nil
}

// WebhookSender posts the structured threat to a per-topic webhook URL.
type WebhookSender struct {
	client *http.Client
	urls   map[string]string
}

func (s *WebhookSender) Name() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, payload *NotificationPayload) error {
	url, exists := s.urls[payload.Topic]
	if !exists {
		return fmt.Errorf("webhook URL for topic %q not configured", payload.Topic)
	}

	body, err := json.Marshal(map[string]any{
		"topic":    payload.Topic,
		"message":  payload.Message,
		"severity": payload.Severity.String(),
		"threat":   payload.Threat,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Sentinel-Notification/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackSender posts a formatted alert to a Slack incoming webhook.
type SlackSender struct {
	client *http.Client
	urls   map[string]string
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, payload *NotificationPayload) error {
	url, exists := s.urls[payload.Topic]
	if !exists {
		return fmt.Errorf("slack webhook for topic %q not configured", payload.Topic)
	}

	threat := payload.Threat
	body, err := json.Marshal(map[string]any{
		"text": payload.Message,
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]string{
					"type": "plain_text",
					"text": fmt.Sprintf("Security Alert: %s", threat.ThreatType),
				},
			},
			{
				"type": "section",
				"fields": []map[string]string{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Source:*\n%s", threat.Event.Source)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Path:*\n%s %s", threat.Event.Method, threat.Event.Path)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:*\n%s", threat.Severity)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Action:*\n%s", threat.Action)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:*\n%.2f", threat.Confidence)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Anomaly score:*\n%.2f", threat.AnomalyScore)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}
