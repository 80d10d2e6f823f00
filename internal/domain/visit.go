package domain

import "time"

// DayStatus qualifies a reconstructed day of visits.
type DayStatus string

const (
	// DayComplete means the day was reconstructed from normal-quality data.
	DayComplete DayStatus = "complete"
	// DayPartial means some pings were unusable and the day is best-effort.
	DayPartial DayStatus = "partial"
	// DayDegraded means no ping met the accuracy cutoff, so clustering ran
	// over noisy points rather than returning nothing.
	DayDegraded DayStatus = "degraded"
)

// Visit is one reconstructed dwell episode: the device stayed within the
// cluster radius for at least the minimum dwell time.
type Visit struct {
	UserID         string    `json:"user_id"`
	Date           string    `json:"date"` // YYYY-MM-DD
	Sequence       int       `json:"sequence"`
	Latitude       float64   `json:"lat"`
	Longitude      float64   `json:"lng"`
	Address        string    `json:"address,omitempty"`
	ArrivalTime    time.Time `json:"arrival_time"`
	DepartureTime  time.Time `json:"departure_time"`
	DistPrevKm     float64   `json:"distance_km"`
	ClientRef      string    `json:"client_ref,omitempty"`
	Provisional    bool      `json:"provisional,omitempty"`
	MemberPings    int       `json:"-"`
	DegradedSource bool      `json:"-"`
}

// DurationMinutes is the dwell length of the visit.
func (v Visit) DurationMinutes() float64 {
	return v.DepartureTime.Sub(v.ArrivalTime).Minutes()
}
