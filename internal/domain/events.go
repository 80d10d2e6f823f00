package domain

import "time"

// Bus topics for derived events.
const (
	TopicPingReceived  = "ping-received"
	TopicGeofenceEnter = "geofence-enter"
	TopicGeofenceExit  = "geofence-exit"
	TopicAlertRaised   = "alert-raised"
	TopicAlertResolved = "alert-resolved"
)

// Event is the envelope published on the in-process bus. Fields other than
// Topic, UserID and OccurredAt are set per topic.
type Event struct {
	Topic      string
	UserID     string
	OccurredAt time.Time

	Ping     *LocationPing
	Geofence *GeofenceEvent
	Alert    *DeviceAlert
}
