package domain

import "time"

// LocationPing is one GPS + device-health sample from a field device.
// Pings are append-only; corrections arrive as new pings.
type LocationPing struct {
	ReceivedAt time.Time

	CapturedAt time.Time
	UserID     string
	FullName   string

	Latitude  float64
	Longitude float64
	AccuracyM float64

	BatteryLevel int
	GPSEnabled   bool

	RawPayload []byte
}

// LiveLocation is the latest-known snapshot for one user, served to map UIs.
type LiveLocation struct {
	UserID    string    `json:"user_id"`
	FullName  string    `json:"full_name"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	AccuracyM float64   `json:"accuracy_m"`
	Battery   int       `json:"battery_level"`
	UpdatedAt time.Time `json:"updated_at"`
}
