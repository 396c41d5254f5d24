package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"patapim-server/config"
	"patapim-server/internal/events"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyNewLicense    NotificationType = "new_license"
	NotifyPaymentFailed NotificationType = "payment_failed"
	NotifyReward        NotificationType = "reward"
	NotifyBugReport     NotificationType = "bug_report"
)

// Notification represents an operator alert
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Email     string
	Timestamp time.Time
	Fields    map[string]string
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans operator alerts out to every enabled provider
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager creates a manager with the providers enabled in cfg
func NewManager(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   cfg.Enabled,
		logger:    logger.With().Str("component", "Notifications").Logger(),
	}
	m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	m.AddNotifier(NewDiscordNotifier(cfg.Discord))
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	if !m.enabled {
		return nil
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(ctx, notification); err != nil {
				m.logger.Warn().Err(err).Str("notifier", n.Name()).Str("type", string(notification.Type)).Msg("Failed to send notification")
				lastErr = err
			}
		}
	}
	return lastErr
}

// Subscribe routes billing and referral events to operator alerts
func (m *Manager) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventLicenseUpdated, m.onLicenseUpdated)
	bus.Subscribe(events.EventRewardGranted, m.onRewardGranted)
	bus.Subscribe(events.EventBugReported, m.onBugReported)
}

func (m *Manager) onLicenseUpdated(e events.Event) {
	email, _ := e.Data["email"].(string)
	plan, _ := e.Data["plan"].(string)
	status, _ := e.Data["status"].(string)
	cause, _ := e.Data["cause"].(string)

	var n *Notification
	switch {
	case status == "payment_failed":
		n = &Notification{
			Type:    NotifyPaymentFailed,
			Title:   "⚠️ Payment failed",
			Message: fmt.Sprintf("Payment failed for %s (%s)", email, plan),
		}
	case cause == "checkout":
		n = &Notification{
			Type:    NotifyNewLicense,
			Title:   "🎉 New license",
			Message: fmt.Sprintf("%s bought %s (%s)", email, plan, status),
		}
	default:
		return
	}
	n.Email = email
	n.Timestamp = e.Timestamp
	n.Fields = map[string]string{"Plan": plan, "Status": status}
	_ = m.Send(context.Background(), n)
}

func (m *Manager) onRewardGranted(e events.Event) {
	email, _ := e.Data["email"].(string)
	key, _ := e.Data["license_key"].(string)
	_ = m.Send(context.Background(), &Notification{
		Type:      NotifyReward,
		Title:     "🏆 Referral reward granted",
		Message:   fmt.Sprintf("%s earned a lifetime license", email),
		Email:     email,
		Timestamp: e.Timestamp,
		Fields:    map[string]string{"License": key},
	})
}

func (m *Manager) onBugReported(e events.Event) {
	id, _ := e.Data["id"].(string)
	summary, _ := e.Data["summary"].(string)
	_ = m.Send(context.Background(), &Notification{
		Type:      NotifyBugReport,
		Title:     "🐞 Bug report",
		Message:   summary,
		Timestamp: e.Timestamp,
		Fields:    map[string]string{"ID": id},
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	apiBase  string
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		apiBase:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)
	for name, value := range notification.Fields {
		message += fmt.Sprintf("\n%s: `%s`", name, value)
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	return post(ctx, t.client, url, payload, "telegram")
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	if notification.Type == NotifyPaymentFailed {
		color = 0xFF0000 // Red
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if len(notification.Fields) > 0 {
		fields := make([]map[string]interface{}, 0, len(notification.Fields))
		for name, value := range notification.Fields {
			fields = append(fields, map[string]interface{}{"name": name, "value": value, "inline": true})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}
	return post(ctx, d.client, d.webhookURL, payload, "discord")
}

func post(ctx context.Context, client *http.Client, url string, payload interface{}, provider string) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s message: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%s API returned status %d", provider, resp.StatusCode)
	}

	return nil
}
