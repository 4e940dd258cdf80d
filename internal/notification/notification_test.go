package notification

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeNotifier struct {
	mu      sync.Mutex
	name    string
	enabled bool
	err     error
	sent    []*Notification
}

func (f *fakeNotifier) Send(n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

func (f *fakeNotifier) Name() string    { return f.name }
func (f *fakeNotifier) IsEnabled() bool { return f.enabled }

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestManagerFansOutToEnabledNotifiers(t *testing.T) {
	m := NewManager(0)
	on := &fakeNotifier{name: "on", enabled: true}
	off := &fakeNotifier{name: "off", enabled: false}
	m.AddNotifier(on)
	m.AddNotifier(off)

	if err := m.SendError("boom", "details"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if on.count() != 1 {
		t.Errorf("enabled notifier should receive 1, got %d", on.count())
	}
	if off.count() != 0 {
		t.Errorf("disabled notifier should receive 0, got %d", off.count())
	}
}

func TestManagerReportsLastError(t *testing.T) {
	m := NewManager(0)
	bad := &fakeNotifier{name: "bad", enabled: true, err: errors.New("send failed")}
	good := &fakeNotifier{name: "good", enabled: true}
	m.AddNotifier(bad)
	m.AddNotifier(good)

	if err := m.SendError("boom", "details"); err == nil {
		t.Error("expected error from failing notifier")
	}
	// A failing provider must not block the others.
	if good.count() != 1 {
		t.Errorf("good notifier should still receive, got %d", good.count())
	}
}

func TestQuotaAlertsThrottledPerTenant(t *testing.T) {
	m := NewManager(time.Hour)
	sink := &fakeNotifier{name: "sink", enabled: true}
	m.AddNotifier(sink)

	for i := 0; i < 5; i++ {
		m.SendQuotaDenied("t1", "bots", "limit reached")
	}
	if sink.count() != 1 {
		t.Errorf("expected 1 throttled alert, got %d", sink.count())
	}

	// Another tenant has its own budget.
	m.SendQuotaDenied("t2", "bots", "limit reached")
	if sink.count() != 2 {
		t.Errorf("expected per-tenant throttling, got %d", sink.count())
	}
}

func TestQuotaAlertsUnthrottledWhenDisabled(t *testing.T) {
	m := NewManager(0)
	sink := &fakeNotifier{name: "sink", enabled: true}
	m.AddNotifier(sink)

	for i := 0; i < 3; i++ {
		m.SendQuotaDenied("t1", "capital", "limit reached")
	}
	if sink.count() != 3 {
		t.Errorf("expected 3 alerts with throttling off, got %d", sink.count())
	}
}

func TestTypedHelpersPopulateNotification(t *testing.T) {
	m := NewManager(0)
	sink := &fakeNotifier{name: "sink", enabled: true}
	m.AddNotifier(sink)

	m.SendBotCrashed("t1", "b1", 2, "tick failures")
	m.SendBotFatal("t1", "b1", 3, "tick failures")
	m.SendForceStop("t1", 4, "subscription expired")

	if sink.count() != 3 {
		t.Fatalf("expected 3 notifications, got %d", sink.count())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.sent[0].Type != NotifyBotCrashed || sink.sent[0].BotID != "b1" {
		t.Errorf("unexpected crash notification: %+v", sink.sent[0])
	}
	if sink.sent[1].Type != NotifyBotFatal {
		t.Errorf("unexpected fatal notification: %+v", sink.sent[1])
	}
	if sink.sent[2].Type != NotifyForceStop || sink.sent[2].TenantID != "t1" {
		t.Errorf("unexpected force stop notification: %+v", sink.sent[2])
	}
}

func TestDisabledProvidersConstructAsDisabled(t *testing.T) {
	tg := NewTelegramNotifier(TelegramConfig{Enabled: true}) // missing token
	if tg.IsEnabled() {
		t.Error("telegram without credentials must be disabled")
	}
	dc := NewDiscordNotifier(DiscordConfig{Enabled: true}) // missing URL
	if dc.IsEnabled() {
		t.Error("discord without webhook must be disabled")
	}
	wh := NewWebhookNotifier(WebhookConfig{Enabled: true})
	if wh.IsEnabled() {
		t.Error("webhook without URL must be disabled")
	}
	if err := tg.Send(&Notification{}); err != nil {
		t.Errorf("disabled notifier Send must be a no-op, got %v", err)
	}
}
