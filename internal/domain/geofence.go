package domain

import "time"

type GeofenceType string

const (
	GeofenceOffice     GeofenceType = "office"
	GeofenceClient     GeofenceType = "client"
	GeofenceWarehouse  GeofenceType = "warehouse"
	GeofenceRestricted GeofenceType = "restricted"
)

func (t GeofenceType) Valid() bool {
	switch t {
	case GeofenceOffice, GeofenceClient, GeofenceWarehouse, GeofenceRestricted:
		return true
	}
	return false
}

// GeofenceStyle is the map-UI rendering hint for a geofence type.
type GeofenceStyle struct {
	Icon  string `json:"icon"`
	Color string `json:"color"`
}

var geofenceStyles = map[GeofenceType]GeofenceStyle{
	GeofenceOffice:     {Icon: "building", Color: "#2563eb"},
	GeofenceClient:     {Icon: "briefcase", Color: "#16a34a"},
	GeofenceWarehouse:  {Icon: "package", Color: "#d97706"},
	GeofenceRestricted: {Icon: "ban", Color: "#dc2626"},
}

// StyleFor returns the rendering style for t, falling back to the office style
// for unknown values so stale clients never render an unstyled marker.
func StyleFor(t GeofenceType) GeofenceStyle {
	if s, ok := geofenceStyles[t]; ok {
		return s
	}
	return geofenceStyles[GeofenceOffice]
}

// Geofence is a named circular zone. Containment is boundary-inclusive.
type Geofence struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Type      GeofenceType `json:"type"`
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
	RadiusM   float64      `json:"radius_m"`
	IsActive  bool         `json:"is_active"`
	CreatedAt time.Time    `json:"created_at"`
}

type Transition string

const (
	TransitionEnter Transition = "enter"
	TransitionExit  Transition = "exit"
)

// GeofenceEvent is an edge-triggered containment change. Transitions alternate
// per (user, geofence).
type GeofenceEvent struct {
	UserID     string     `json:"user_id"`
	GeofenceID string     `json:"geofence_id"`
	Geofence   string     `json:"geofence_name"`
	Transition Transition `json:"transition"`
	OccurredAt time.Time  `json:"occurred_at"`
}
