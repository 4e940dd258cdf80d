package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyBotFatal    NotificationType = "bot_fatal"
	NotifyBotCrashed  NotificationType = "bot_crashed"
	NotifyQuotaDenied NotificationType = "quota_denied"
	NotifyForceStop   NotificationType = "force_stop"
	NotifyError       NotificationType = "error"
	NotifyInfo        NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	TenantID  string
	BotID     string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider. Repeated
// quota denials from the same tenant are throttled so a hot loop
// cannot flood the alert channels.
type Manager struct {
	notifiers []Notifier
	enabled   bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    time.Duration
}

// NewManager creates a new notification manager. Quota denial alerts
// for a tenant are limited to one per quotaAlertEvery; zero disables
// throttling.
func NewManager(quotaAlertEvery time.Duration) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
		limiters:  make(map[string]*rate.Limiter),
		every:     quotaAlertEvery,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

func (m *Manager) allowQuotaAlert(tenantID string) bool {
	if m.every <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	lim, ok := m.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.every), 1)
		m.limiters[tenantID] = lim
	}
	return lim.Allow()
}

// SendQuotaDenied alerts on an admission denial. Bursts from the same
// tenant collapse into one alert per throttle interval.
func (m *Manager) SendQuotaDenied(tenantID, kind, detail string) error {
	if !m.allowQuotaAlert(tenantID) {
		return nil
	}

	return m.Send(&Notification{
		Type:      NotifyQuotaDenied,
		Title:     fmt.Sprintf("Quota denied: %s", tenantID),
		Message:   fmt.Sprintf("Resource: %s\n%s", kind, detail),
		TenantID:  tenantID,
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"kind": kind,
		},
	})
}

// SendBotCrashed alerts that a bot crashed and will be restarted.
func (m *Manager) SendBotCrashed(tenantID, botID string, restartCount int, cause string) error {
	return m.Send(&Notification{
		Type:      NotifyBotCrashed,
		Title:     fmt.Sprintf("Bot crashed: %s", botID),
		Message:   fmt.Sprintf("Tenant: %s\nRestart #%d\nCause: %s", tenantID, restartCount, cause),
		TenantID:  tenantID,
		BotID:     botID,
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"restart_count": restartCount,
			"cause":         cause,
		},
	})
}

// SendBotFatal alerts that a bot exhausted its restart budget and was
// stopped for good.
func (m *Manager) SendBotFatal(tenantID, botID string, restarts int, cause string) error {
	return m.Send(&Notification{
		Type:      NotifyBotFatal,
		Title:     fmt.Sprintf("Bot stopped after %d restarts: %s", restarts, botID),
		Message:   fmt.Sprintf("Tenant: %s\nLast error: %s", tenantID, cause),
		TenantID:  tenantID,
		BotID:     botID,
		Timestamp: time.Now(),
	})
}

// SendForceStop alerts that a tenant's fleet was force-stopped.
func (m *Manager) SendForceStop(tenantID string, stopped int, reason string) error {
	return m.Send(&Notification{
		Type:      NotifyForceStop,
		Title:     fmt.Sprintf("Force stop: %s", tenantID),
		Message:   fmt.Sprintf("Stopped %d bots\nReason: %s", stopped, reason),
		TenantID:  tenantID,
		Timestamp: time.Now(),
	})
}

// SendError sends an error notification
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Type:      NotifyError,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
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
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
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

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	switch notification.Type {
	case NotifyError, NotifyBotFatal:
		color = 0xFF0000
	case NotifyBotCrashed, NotifyQuotaDenied, NotifyForceStop:
		color = 0xFFA500
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	var fields []map[string]interface{}
	if notification.TenantID != "" {
		fields = append(fields, map[string]interface{}{
			"name": "Tenant", "value": notification.TenantID, "inline": true,
		})
	}
	if notification.BotID != "" {
		fields = append(fields, map[string]interface{}{
			"name": "Bot", "value": notification.BotID, "inline": true,
		})
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================

// WebhookNotifier posts the raw notification as JSON to an operator
// supplied endpoint.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// WebhookConfig holds generic webhook configuration
type WebhookConfig struct {
	URL     string
	Enabled bool
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     config.URL,
		enabled: config.Enabled && config.URL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Name() string {
	return "webhook"
}

func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

func (w *WebhookNotifier) Send(notification *Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      notification.Type,
		"title":     notification.Title,
		"message":   notification.Message,
		"tenant_id": notification.TenantID,
		"bot_id":    notification.BotID,
		"timestamp": notification.Timestamp.Format(time.RFC3339),
		"extra":     notification.Extra,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
