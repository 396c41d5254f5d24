package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventLicenseUpdated    EventType = "LICENSE_UPDATED"
	EventRewardGranted     EventType = "REWARD_GRANTED"
	EventReferralInvited   EventType = "REFERRAL_INVITED"
	EventReferralActivated EventType = "REFERRAL_ACTIVATED"
	EventDevicePaired      EventType = "DEVICE_PAIRED"
	EventDeviceUnlinked    EventType = "DEVICE_UNLINKED"
	EventDeviceRenamed     EventType = "DEVICE_RENAMED"
	EventDeviceEvicted     EventType = "DEVICE_EVICTED"
	EventDownloadCompleted EventType = "DOWNLOAD_COMPLETED"
	EventUserSignedUp      EventType = "USER_SIGNED_UP"
	EventTrialExtended     EventType = "TRIAL_EXTENDED"
	EventBugReported       EventType = "BUG_REPORTED"
	EventAdminPlanOverride EventType = "ADMIN_PLAN_OVERRIDE"
)

// Event represents a system event. Owner is the account the event concerns
// (email or googleId) and is used to route pushes to that account's sessions.
type Event struct {
	Type      EventType              `json:"type"`
	Owner     string                 `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is the narrow interface domain services depend on
type Publisher interface {
	Publish(event Event)
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	logger      zerolog.Logger
	wg          sync.WaitGroup
}

// NewEventBus creates a new event bus
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
		logger:      logger.With().Str("component", "EventBus").Logger(),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Each subscriber runs in its own
// goroutine; a panicking subscriber is logged and does not affect the others.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		eb.dispatch(sub, event)
	}
	for _, sub := range eb.allSubs {
		eb.dispatch(sub, event)
	}
}

func (eb *EventBus) dispatch(sub Subscriber, event Event) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				eb.logger.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("Event subscriber panicked")
			}
		}()
		sub(event)
	}()
}

// Wait blocks until every dispatched subscriber has returned. Used on
// shutdown and in tests.
func (eb *EventBus) Wait() {
	eb.wg.Wait()
}

// PublishLicenseUpdated publishes a license change for email
func (eb *EventBus) PublishLicenseUpdated(email, plan, status, cause string) {
	eb.Publish(Event{
		Type:  EventLicenseUpdated,
		Owner: email,
		Data: map[string]interface{}{
			"email":  email,
			"plan":   plan,
			"status": status,
			"cause":  cause,
		},
	})
}

// PublishRewardGranted publishes a referral reward for referrer
func (eb *EventBus) PublishRewardGranted(referrer, maskedKey string) {
	eb.Publish(Event{
		Type:  EventRewardGranted,
		Owner: referrer,
		Data: map[string]interface{}{
			"email":       referrer,
			"license_key": maskedKey,
		},
	})
}

// PublishDownload publishes a completed artifact download
func (eb *EventBus) PublishDownload(kind, version, country string) {
	eb.Publish(Event{
		Type: EventDownloadCompleted,
		Data: map[string]interface{}{
			"kind":    kind,
			"version": version,
			"country": country,
		},
	})
}

// PublishUserSignedUp publishes a first login
func (eb *EventBus) PublishUserSignedUp(googleID, email string) {
	eb.Publish(Event{
		Type:  EventUserSignedUp,
		Owner: googleID,
		Data: map[string]interface{}{
			"google_id": googleID,
			"email":     email,
		},
	})
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(Event) {}
