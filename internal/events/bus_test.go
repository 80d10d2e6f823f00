package events

import (
	"testing"
	"time"

	"fieldtrack/internal/domain"
)

func TestPublishReachesTopicSubscribersOnly(t *testing.T) {
	bus := NewBus()
	var pings, alerts int
	bus.Subscribe(domain.TopicPingReceived, func(domain.Event) { pings++ })
	bus.Subscribe(domain.TopicAlertRaised, func(domain.Event) { alerts++ })

	bus.Publish(domain.Event{Topic: domain.TopicPingReceived, UserID: "u1", OccurredAt: time.Now()})
	bus.Publish(domain.Event{Topic: domain.TopicPingReceived, UserID: "u1", OccurredAt: time.Now()})

	if pings != 2 || alerts != 0 {
		t.Fatalf("pings=%d alerts=%d, want 2 and 0", pings, alerts)
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus()
	var delivered bool
	bus.Subscribe(domain.TopicAlertRaised, func(domain.Event) { panic("handler bug") })
	bus.Subscribe(domain.TopicAlertRaised, func(domain.Event) { delivered = true })

	bus.Publish(domain.Event{Topic: domain.TopicAlertRaised, UserID: "u1", OccurredAt: time.Now()})
	if !delivered {
		t.Fatal("second handler skipped after the first panicked")
	}
}
