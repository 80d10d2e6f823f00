package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fieldtrack/internal/domain"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "absent.json"))
	rules, err := l.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != len(DefaultRules()) {
		t.Fatalf("rules = %d, want the defaults", len(rules))
	}
}

func TestLoadValidRules(t *testing.T) {
	path := writeRules(t, `[
		{
			"id": "r1",
			"name": "test",
			"trigger": {"kind": "time", "at": "09:15"},
			"action": {"kind": "auto_action", "operation": "close_open_clusters"},
			"enabled": true
		}
	]`)
	l := NewLoader(path)
	rules, err := l.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 1 || rules[0].Trigger.At != "09:15" {
		t.Fatalf("rules = %+v", rules)
	}
	if rules[0].Trigger.Kind != domain.TriggerTime {
		t.Fatalf("kind = %s", rules[0].Trigger.Kind)
	}
}

func TestLoadRejectsBadRules(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"duplicate ids", `[
			{"id": "r1", "trigger": {"kind": "event", "event": "alert-raised"}, "action": {"kind": "alert"}},
			{"id": "r1", "trigger": {"kind": "event", "event": "alert-raised"}, "action": {"kind": "alert"}}
		]`},
		{"missing id", `[
			{"trigger": {"kind": "event", "event": "alert-raised"}, "action": {"kind": "alert"}}
		]`},
		{"bad time", `[
			{"id": "r1", "trigger": {"kind": "time", "at": "25:99"}, "action": {"kind": "alert"}}
		]`},
		{"unknown trigger kind", `[
			{"id": "r1", "trigger": {"kind": "cron"}, "action": {"kind": "alert"}}
		]`},
		{"event trigger without event", `[
			{"id": "r1", "trigger": {"kind": "event"}, "action": {"kind": "alert"}}
		]`},
		{"auto action without operation", `[
			{"id": "r1", "trigger": {"kind": "event", "event": "alert-raised"}, "action": {"kind": "auto_action"}}
		]`},
		{"unknown action kind", `[
			{"id": "r1", "trigger": {"kind": "event", "event": "alert-raised"}, "action": {"kind": "email"}}
		]`},
		{"not json", `{{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewLoader(writeRules(t, tc.json))
			if _, err := l.Load(); err == nil {
				t.Fatal("expected load to fail")
			}
		})
	}
}

func TestChangedDetectsModification(t *testing.T) {
	path := writeRules(t, `[]`)
	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if l.Changed() {
		t.Fatal("unmodified file reported as changed")
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if !l.Changed() {
		t.Fatal("modified file not detected")
	}
}
