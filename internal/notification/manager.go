package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/Anipaleja/cdn-defender/internal/detector"
	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/Anipaleja/cdn-defender/internal/firewall"
	"github.com/Anipaleja/cdn-defender/pkg/geoip"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
)

// EventType names what happened.
type EventType string

const (
	EventDiagnosis   EventType = "diagnosis"
	EventACLUpdate   EventType = "acl_update"
	EventSystemAlert EventType = "system_alert"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-CDN-Defender-Signature"

// Event represents a notification event
type Event struct {
	ID        string                         `json:"id"`
	Type      EventType                      `json:"type"`
	Timestamp time.Time                      `json:"timestamp"`
	Domain    string                         `json:"domain,omitempty"`
	Mode      string                         `json:"mode,omitempty"`
	Rewrite   bool                           `json:"rewrite,omitempty"`
	Rule      string                         `json:"rule,omitempty"`
	IPs       []string                       `json:"ips,omitempty"`
	Reason    string                         `json:"reason,omitempty"`
	Level     string                         `json:"level"`
	Details   map[string]interface{}         `json:"details,omitempty"`
	Locations map[string]*geoip.LocationInfo `json:"locations,omitempty"`
}

// Manager handles all notification channels
type Manager struct {
	config      config.NotificationsConfig
	logger      *logrus.Logger
	geo         *geoip.Service
	telegramBot *tgbotapi.BotAPI
	chatID      int64
	channel     string
	httpClient  *http.Client

	mutex     sync.Mutex
	closed    bool
	eventChan chan Event
	done      chan struct{}
}

// NewManager creates a new notification manager. geo may be nil.
func NewManager(cfg config.NotificationsConfig, geo *geoip.Service, logger *logrus.Logger) (*Manager, error) {
	manager := &Manager{
		config:     cfg,
		logger:     logger,
		geo:        geo,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		eventChan:  make(chan Event, 1000),
		done:       make(chan struct{}),
	}

	// Initialize Telegram bot
	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		chatID, channel, err := parseChatID(cfg.Telegram.ChatID)
		if err != nil {
			return nil, errdefs.Configf("telegram chat_id: %v", err)
		}
		manager.chatID, manager.channel = chatID, channel

		endpoint := cfg.Telegram.APIEndpoint
		if endpoint == "" {
			endpoint = tgbotapi.APIEndpoint
		}
		bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Telegram.BotToken, endpoint)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize Telegram bot")
		} else {
			manager.telegramBot = bot
			logger.Info("Telegram notifications enabled")
		}
	}

	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		logger.Info("Slack notifications enabled")
	}
	if cfg.WeCom.Enabled && cfg.WeCom.URL != "" {
		logger.Info("WeCom notifications enabled")
	}

	// Start event processor
	go manager.processEvents()

	return manager, nil
}

// SendDiagnosis queues the result of a policy evaluation. Empty results are
// not sent.
func (m *Manager) SendDiagnosis(d *detector.Diagnosis) {
	if d == nil || len(d.IPs) == 0 {
		return
	}
	ips := d.IPs.Sorted()
	m.enqueue(Event{
		Type:      EventDiagnosis,
		Domain:    d.Domain,
		Rule:      d.Rule,
		IPs:       ips,
		Reason:    fmt.Sprintf("policy %s flagged %d IPs", d.Rule, len(ips)),
		Level:     "warning",
		Details:   map[string]interface{}{"diagnosis_id": d.ID, "end": d.End.Format("2006-01-02")},
		Locations: m.geo.Annotate(ips),
	})
}

// SendACLUpdate queues a notice for an applied ACL change. Entries are the
// requested ones, so removals keep their prefix. Unchanged updates are
// not sent.
func (m *Manager) SendACLUpdate(req firewall.Request, update *firewall.Update) {
	if update == nil || !update.Changed {
		return
	}
	m.enqueue(Event{
		Type:    EventACLUpdate,
		Domain:  update.Domain,
		Mode:    req.Mode.String(),
		Rewrite: req.Rewrite,
		IPs:     req.Entries,
		Reason:  req.Reason,
		Level:   "info",
		Details: map[string]interface{}{"update_id": update.ID, "entries": len(update.Entries)},
	})
}

// SendSystemAlert sends a system-level alert
func (m *Manager) SendSystemAlert(alertType, message string, details map[string]interface{}) {
	m.enqueue(Event{
		Type:    EventSystemAlert,
		Reason:  message,
		Level:   "critical",
		Details: mergeDetails(details, map[string]interface{}{"alert": alertType}),
	})
}

func mergeDetails(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (m *Manager) enqueue(event Event) {
	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC()

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		m.logger.Warn("Notification manager is shut down, dropping event")
		return
	}
	select {
	case m.eventChan <- event:
	default:
		m.logger.Warn("Notification queue is full, dropping event")
	}
}

// processEvents processes notification events
func (m *Manager) processEvents() {
	defer close(m.done)
	for event := range m.eventChan {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.Send(ctx, event); err != nil {
			m.logger.WithError(err).Errorf("Failed to deliver %s notification", event.Type)
		}
		cancel()
	}
}

// Send delivers event to every enabled channel and returns the joined
// errors of the channels that failed.
func (m *Manager) Send(ctx context.Context, event Event) error {
	var errs []error

	if m.config.Telegram.Enabled {
		if err := m.sendTelegram(event); err != nil {
			errs = append(errs, fmt.Errorf("telegram: %w", err))
		}
	}

	if m.config.Slack.Enabled {
		if err := m.sendSlack(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if m.config.Webhook.Enabled {
		if err := m.sendWebhook(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("webhook: %w", err))
		}
	}

	if m.config.WeCom.Enabled {
		if err := m.sendWeCom(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("wecom: %w", err))
		}
	}

	return errors.Join(errs...)
}

// sendTelegram sends a Telegram notification
func (m *Manager) sendTelegram(event Event) error {
	if m.telegramBot == nil {
		return fmt.Errorf("Telegram bot not initialized")
	}

	text := m.formatTelegramMessage(event)
	var msg tgbotapi.MessageConfig
	if m.channel != "" {
		msg = tgbotapi.NewMessageToChannel(m.channel, text)
	} else {
		msg = tgbotapi.NewMessage(m.chatID, text)
	}
	msg.ParseMode = tgbotapi.ModeMarkdown

	_, err := m.telegramBot.Send(msg)
	return err
}

// sendSlack sends a Slack notification
func (m *Manager) sendSlack(ctx context.Context, event Event) error {
	webhook := slack.WebhookMessage{
		Channel:   m.config.Slack.Channel,
		Username:  "cdn-defender",
		IconEmoji: ":shield:",
		Text:      m.formatSlackMessage(event),
		Attachments: []slack.Attachment{
			{
				Color: slackColor(event.Level),
				Fields: []slack.AttachmentField{
					{Title: "Domain", Value: event.Domain, Short: true},
					{Title: "Type", Value: string(event.Type), Short: true},
					{Title: "Timestamp", Value: event.Timestamp.Format(time.RFC3339), Short: true},
				},
			},
		},
	}

	if len(event.IPs) > 0 {
		webhook.Attachments[0].Fields = append(webhook.Attachments[0].Fields, slack.AttachmentField{
			Title: "IPs",
			Value: strings.Join(m.annotated(event), "\n"),
		})
	}

	return slack.PostWebhookCustomHTTPContext(ctx, m.config.Slack.WebhookURL, m.httpClient, &webhook)
}

// sendWebhook posts the event as JSON, signed when a secret is configured.
func (m *Manager) sendWebhook(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{}
	if m.config.Webhook.Secret != "" {
		headers[SignatureHeader] = "sha256=" + Sign(payload, m.config.Webhook.Secret)
	}
	_, err = m.post(ctx, m.config.Webhook.URL, payload, headers)
	return err
}

type weComMessage struct {
	MsgType  string            `json:"msgtype"`
	Markdown map[string]string `json:"markdown"`
}

type weComResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// sendWeCom posts a markdown message to a WeCom group robot.
func (m *Manager) sendWeCom(ctx context.Context, event Event) error {
	payload, err := json.Marshal(weComMessage{
		MsgType:  "markdown",
		Markdown: map[string]string{"content": m.formatMarkdown(event)},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	body, err := m.post(ctx, m.config.WeCom.URL, payload, nil)
	if err != nil {
		return err
	}

	var resp weComResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.ErrCode != 0 {
		return fmt.Errorf("robot returned errcode %d: %s", resp.ErrCode, resp.ErrMsg)
	}
	return nil
}

func (m *Manager) post(ctx context.Context, url string, payload []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cdn-defender/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s returned status code: %d", url, resp.StatusCode)
	}
	return buf.Bytes(), nil
}

func (m *Manager) annotated(event Event) []string {
	lines := make([]string, len(event.IPs))
	for i, ip := range event.IPs {
		lines[i] = ip
		if loc := event.Locations[ip]; loc != nil {
			if s := loc.String(); s != "" {
				lines[i] += " " + s
			}
		}
	}
	return lines
}

func modeName(event Event) string {
	if event.Rewrite {
		return "overwrite"
	}
	return "append"
}

// formatMarkdown formats a message for the WeCom robot.
func (m *Manager) formatMarkdown(event Event) string {
	var b strings.Builder
	switch event.Type {
	case EventACLUpdate:
		b.WriteString("## 🔔 CDN IP ACL update\n\n")
		if event.Mode == "close" {
			fmt.Fprintf(&b, "`%s` closed the IP black/white list\n\n", event.Domain)
			break
		}
		fmt.Fprintf(&b, "`%s` used `%s` mode to add the following IPs to the %slist:\n\n", event.Domain, modeName(event), event.Mode)
		fmt.Fprintf(&b, "- %s\n\n", strings.Join(event.IPs, "\n\n- "))
		b.WriteString("> entries starting with `d` are removals\n\n")
	case EventDiagnosis:
		b.WriteString("## 🔎 CDN IP diagnosis\n\n")
		fmt.Fprintf(&b, "`%s` policy `%s` flagged %d IPs:\n\n", event.Domain, event.Rule, len(event.IPs))
		fmt.Fprintf(&b, "- %s\n\n", strings.Join(m.annotated(event), "\n\n- "))
	default:
		b.WriteString("## ⚠️ System alert\n\n")
		fmt.Fprintf(&b, "%s\n\n", event.Reason)
	}
	fmt.Fprintf(&b, "> %s", event.Timestamp.Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}

// formatTelegramMessage formats a message for Telegram
func (m *Manager) formatTelegramMessage(event Event) string {
	var message string

	switch event.Type {
	case EventACLUpdate:
		message = "🔒 *IP ACL Updated*\n\n"
		message += fmt.Sprintf("*Domain:* `%s`\n", event.Domain)
		message += fmt.Sprintf("*Mode:* %s (%s)\n", event.Mode, modeName(event))
		if len(event.IPs) > 0 {
			message += fmt.Sprintf("*IPs:* `%s`\n", strings.Join(event.IPs, ", "))
		}

	case EventDiagnosis:
		message = "🚨 *Suspicious IPs*\n\n"
		message += fmt.Sprintf("*Domain:* `%s`\n", event.Domain)
		message += fmt.Sprintf("*Policy:* `%s`\n", event.Rule)
		for _, line := range m.annotated(event) {
			message += fmt.Sprintf("• `%s`\n", line)
		}

	default:
		message = "⚠️ *System Alert*\n\n"
		message += fmt.Sprintf("*Message:* %s\n", event.Reason)
	}

	message += fmt.Sprintf("*Time:* %s", event.Timestamp.Format("2006-01-02 15:04:05 UTC"))
	return message
}

// formatSlackMessage formats a message for Slack
func (m *Manager) formatSlackMessage(event Event) string {
	switch event.Type {
	case EventDiagnosis:
		return fmt.Sprintf("🚨 %d suspicious IPs on %s (policy %s)", len(event.IPs), event.Domain, event.Rule)
	case EventACLUpdate:
		return fmt.Sprintf("🔒 IP ACL of %s set to %s (%s)", event.Domain, event.Mode, modeName(event))
	default:
		return fmt.Sprintf("⚠️ System Alert: %s", event.Reason)
	}
}

func slackColor(level string) string {
	switch level {
	case "info":
		return "good"
	case "warning":
		return "warning"
	case "critical":
		return "danger"
	default:
		return "#439FE0"
	}
}

// parseChatID accepts a numeric chat ID or an @channel username.
func parseChatID(chatID string) (int64, string, error) {
	chatID = strings.TrimSpace(chatID)
	if strings.HasPrefix(chatID, "@") {
		return 0, chatID, nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid chat ID %q", chatID)
	}
	return id, "", nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Shutdown stops accepting events and waits until queued ones are delivered.
func (m *Manager) Shutdown() {
	m.mutex.Lock()
	if !m.closed {
		m.closed = true
		close(m.eventChan)
	}
	m.mutex.Unlock()

	<-m.done
	m.logger.Info("Notification manager shut down")
}
