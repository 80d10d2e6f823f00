package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"fieldtrack/internal/domain"
)

// Loader reads workflow rules from a JSON file and notices file changes so
// the engine can hot-reload on the scheduler tick.
type Loader struct {
	path  string
	mtime time.Time
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load parses the rules file. A missing file yields the built-in defaults so
// a fresh deployment still gets end-of-day behavior.
func (l *Loader) Load() ([]domain.WorkflowRule, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	info, err := os.Stat(l.path)
	if err == nil {
		l.mtime = info.ModTime()
	}

	var rules []domain.WorkflowRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if err := validate(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// Changed reports whether the rules file has been modified since the last
// successful Load.
func (l *Loader) Changed() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return info.ModTime().After(l.mtime)
}

func validate(rules []domain.WorkflowRule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return fmt.Errorf("rule %q has no id", r.Name)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		switch r.Trigger.Kind {
		case domain.TriggerTime:
			if _, err := time.Parse("15:04", r.Trigger.At); err != nil {
				return fmt.Errorf("rule %q: bad time %q: %w", r.ID, r.Trigger.At, err)
			}
		case domain.TriggerEvent:
			if r.Trigger.Event == "" {
				return fmt.Errorf("rule %q: event trigger without event", r.ID)
			}
		case domain.TriggerCondition:
			if r.Trigger.Condition == "" {
				return fmt.Errorf("rule %q: condition trigger without condition", r.ID)
			}
		default:
			return fmt.Errorf("rule %q: unknown trigger kind %q", r.ID, r.Trigger.Kind)
		}

		switch r.Action.Kind {
		case domain.ActionNotification, domain.ActionAlert:
		case domain.ActionAuto:
			if r.Action.Operation == "" {
				return fmt.Errorf("rule %q: auto_action without operation", r.ID)
			}
		default:
			return fmt.Errorf("rule %q: unknown action kind %q", r.ID, r.Action.Kind)
		}
	}
	return nil
}

// DefaultRules covers the stock behavior of the engine when no rules file is
// deployed: close open clusters at end of day and notify on critical alerts.
func DefaultRules() []domain.WorkflowRule {
	return []domain.WorkflowRule{
		{
			ID:      "end-of-day-close",
			Name:    "Close open visit clusters at end of day",
			Trigger: domain.TriggerSpec{Kind: domain.TriggerTime, At: "18:30"},
			Action:  domain.ActionSpec{Kind: domain.ActionAuto, Operation: "close_open_clusters"},
			Enabled: true,
		},
		{
			ID:      "critical-alert-notify",
			Name:    "Notify operations on critical device alerts",
			Trigger: domain.TriggerSpec{Kind: domain.TriggerEvent, Event: domain.TopicAlertRaised},
			Action: domain.ActionSpec{
				Kind:      domain.ActionNotification,
				Channel:   "broadcast",
				Recipient: "operations",
				Template:  "Device alert {alert} for {user}",
			},
			Enabled: true,
		},
	}
}
