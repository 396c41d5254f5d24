package events

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPublishReachesTypedAndWildcardSubscribers(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())

	var mu sync.Mutex
	var typed, all []EventType
	bus.Subscribe(EventLicenseUpdated, func(e Event) {
		mu.Lock()
		typed = append(typed, e.Type)
		mu.Unlock()
	})
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		all = append(all, e.Type)
		mu.Unlock()
	})

	bus.PublishLicenseUpdated("a@x.com", "pro", "active", "checkout")
	bus.PublishDownload("installer", "1.2.0", "DE")
	bus.Wait()

	assert.Equal(t, []EventType{EventLicenseUpdated}, typed)
	assert.ElementsMatch(t, []EventType{EventLicenseUpdated, EventDownloadCompleted}, all)
}

func TestPanickingSubscriberIsContained(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())

	done := make(chan Event, 1)
	bus.Subscribe(EventUserSignedUp, func(Event) { panic("boom") })
	bus.Subscribe(EventUserSignedUp, func(e Event) { done <- e })

	bus.PublishUserSignedUp("g-1", "a@x.com")
	bus.Wait()

	e := <-done
	assert.Equal(t, "g-1", e.Owner)
	assert.False(t, e.Timestamp.IsZero())
}
