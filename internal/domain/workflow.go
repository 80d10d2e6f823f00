package domain

import "time"

type TriggerKind string

const (
	TriggerTime      TriggerKind = "time"
	TriggerEvent     TriggerKind = "event"
	TriggerCondition TriggerKind = "condition"
)

type ActionKind string

const (
	ActionNotification ActionKind = "notification"
	ActionAlert        ActionKind = "alert"
	ActionAuto         ActionKind = "auto_action"
)

// TriggerSpec selects when a rule fires. Exactly one of the kind-specific
// fields is meaningful, depending on Kind.
type TriggerSpec struct {
	Kind TriggerKind `json:"kind"`

	// time: local time of day, "15:04" layout.
	At string `json:"at,omitempty"`

	// event: bus topic plus optional filters.
	Event      string    `json:"event,omitempty"`
	GeofenceID string    `json:"geofence_id,omitempty"`
	AlertType  AlertType `json:"alert_type,omitempty"`

	// condition: named predicate with a numeric threshold.
	Condition string `json:"condition,omitempty"`
	Threshold int    `json:"threshold,omitempty"`
}

// ActionSpec is what a rule does when it fires.
type ActionSpec struct {
	Kind      ActionKind `json:"kind"`
	Channel   string     `json:"channel,omitempty"`
	Recipient string     `json:"recipient,omitempty"`
	Template  string     `json:"template,omitempty"`

	// auto_action: named internal operation.
	Operation string `json:"operation,omitempty"`
}

// WorkflowRule is data, loaded from config and hot-reloadable.
type WorkflowRule struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Trigger TriggerSpec `json:"trigger"`
	Action  ActionSpec  `json:"action"`
	Enabled bool        `json:"enabled"`
}

// WorkflowExecution is one audit-trail row per rule firing.
type WorkflowExecution struct {
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	TriggeredAt time.Time `json:"triggered_at"`
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
}
