package domain

import "time"

type AlertType string

const (
	AlertBatteryLow     AlertType = "battery_low"
	AlertBatteryWarning AlertType = "battery_warning"
	AlertGPSDisabled    AlertType = "gps_disabled"
	AlertOffline        AlertType = "offline"
)

type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// SeverityOf maps alert types to their fixed severity.
func SeverityOf(t AlertType) AlertSeverity {
	switch t {
	case AlertBatteryLow, AlertOffline:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// DeviceAlert is an open or resolved device-health condition. At most one
// open alert exists per (user, type); re-raising refreshes the open record.
type DeviceAlert struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Type         AlertType     `json:"alert_type"`
	Severity     AlertSeverity `json:"severity"`
	Message      string        `json:"message"`
	BatteryLevel *int          `json:"battery_level,omitempty"`
	LoggedAt     time.Time     `json:"logged_at"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

func (a DeviceAlert) Open() bool {
	return a.ResolvedAt == nil
}
