package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBotAdmitted     EventType = "BOT_ADMITTED"
	EventBotStarted      EventType = "BOT_STARTED"
	EventBotPaused       EventType = "BOT_PAUSED"
	EventBotResumed      EventType = "BOT_RESUMED"
	EventBotStopping     EventType = "BOT_STOPPING"
	EventBotStopped      EventType = "BOT_STOPPED"
	EventBotCrashed      EventType = "BOT_CRASHED"
	EventBotRestarting   EventType = "BOT_RESTARTING"
	EventBotFatal        EventType = "BOT_FATAL"
	EventQuotaDenied     EventType = "QUOTA_DENIED"
	EventForceStopSweep  EventType = "FORCE_STOP_SWEEP"
	EventTelemetryUpdate EventType = "TELEMETRY_UPDATE"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their
// own goroutines so a slow consumer never blocks the control path.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishLifecycle publishes a bot lifecycle transition event
func (b *Bus) PublishLifecycle(eventType EventType, tenantID, botID, strategy string) {
	b.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"tenant_id": tenantID,
			"bot_id":    botID,
			"strategy":  strategy,
		},
	})
}

// PublishBotCrashed publishes a crash event with the failure cause
func (b *Bus) PublishBotCrashed(tenantID, botID string, restartCount int, cause error) {
	data := map[string]interface{}{
		"tenant_id":     tenantID,
		"bot_id":        botID,
		"restart_count": restartCount,
	}
	if cause != nil {
		data["cause"] = cause.Error()
	}
	b.Publish(Event{
		Type: EventBotCrashed,
		Data: data,
	})
}

// PublishBotFatal publishes a fatal event for a bot whose restart budget is spent
func (b *Bus) PublishBotFatal(tenantID, botID, reason string) {
	b.Publish(Event{
		Type: EventBotFatal,
		Data: map[string]interface{}{
			"tenant_id": tenantID,
			"bot_id":    botID,
			"reason":    reason,
		},
	})
}

// PublishQuotaDenied publishes a quota denial event
func (b *Bus) PublishQuotaDenied(tenantID, kind string) {
	b.Publish(Event{
		Type: EventQuotaDenied,
		Data: map[string]interface{}{
			"tenant_id": tenantID,
			"kind":      kind,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
