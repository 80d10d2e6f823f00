// Package workflow evaluates time-, event- and condition-triggered rules and
// dispatches their actions. Rules are data; the engine never hard-codes a
// behavior that a rule could express.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/events"
	"fieldtrack/internal/metrics"
)

// ExecutionSink records the audit trail of rule firings.
type ExecutionSink interface {
	InsertExecution(ctx context.Context, ex *domain.WorkflowExecution) error
}

// FiredGuard is the cross-instance once-per-day latch for time rules.
type FiredGuard interface {
	MarkRuleFired(ctx context.Context, ruleID, date string) (bool, error)
}

// Notifier enqueues notification actions.
type Notifier interface {
	Enqueue(ctx context.Context, channel, recipient, eventType, dedupeKey, message string) (bool, error)
}

// Broadcaster carries alert actions to the operator feed.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload interface{}) error
}

// Stats feeds condition predicates.
type Stats interface {
	CountOpenAlerts(ctx context.Context) (int, error)
	ActiveUserCount(ctx context.Context, since time.Time) (int, error)
}

// AutoOp is a named internal operation an auto_action rule can invoke.
type AutoOp func(ctx context.Context) (string, error)

const activeUserWindow = 15 * time.Minute

type Engine struct {
	loader    *Loader
	sink      ExecutionSink
	guard     FiredGuard
	notifier  Notifier
	broadcast Broadcaster
	stats     Stats
	autoOps   map[string]AutoOp
	loc       *time.Location
	now       func() time.Time
	log       zerolog.Logger

	mu        sync.RWMutex
	rules     []domain.WorkflowRule
	condState map[string]bool
}

func NewEngine(
	loader *Loader,
	sink ExecutionSink,
	guard FiredGuard,
	notifier Notifier,
	broadcast Broadcaster,
	stats Stats,
	loc *time.Location,
) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		loader:    loader,
		sink:      sink,
		guard:     guard,
		notifier:  notifier,
		broadcast: broadcast,
		stats:     stats,
		autoOps:   make(map[string]AutoOp),
		loc:       loc,
		now:       time.Now,
		log:       log.With().Str("component", "workflow").Logger(),
		condState: make(map[string]bool),
	}
}

// RegisterAutoOp binds an operation name usable by auto_action rules.
func (e *Engine) RegisterAutoOp(name string, op AutoOp) {
	e.autoOps[name] = op
}

// Start loads rules and subscribes to the event bus. Event-triggered rules
// run synchronously on the publishing goroutine.
func (e *Engine) Start(bus *events.Bus) error {
	rules, err := e.loader.Load()
	if err != nil {
		return err
	}
	e.SetRules(rules)

	topics := []string{
		domain.TopicPingReceived,
		domain.TopicGeofenceEnter,
		domain.TopicGeofenceExit,
		domain.TopicAlertRaised,
		domain.TopicAlertResolved,
	}
	for _, topic := range topics {
		bus.Subscribe(topic, e.handleEvent)
	}
	return nil
}

func (e *Engine) SetRules(rules []domain.WorkflowRule) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	e.log.Info().Int("rules", len(rules)).Msg("workflow rules loaded")
}

// Reload re-reads the rules file immediately (admin endpoint).
func (e *Engine) Reload() error {
	rules, err := e.loader.Load()
	if err != nil {
		return err
	}
	e.SetRules(rules)
	return nil
}

func (e *Engine) snapshot() []domain.WorkflowRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// Tick evaluates time and condition rules, and hot-reloads the rules file
// when it changed. The scheduler runs Tick under a distributed lock, so time
// and condition rules fire on exactly one instance.
func (e *Engine) Tick(ctx context.Context) {
	if e.loader.Changed() {
		if err := e.Reload(); err != nil {
			e.log.Error().Err(err).Msg("rule reload failed, keeping previous rules")
		}
	}

	now := e.now().In(e.loc)
	date := now.Format("2006-01-02")
	hhmm := now.Format("15:04")

	for _, rule := range e.snapshot() {
		if !rule.Enabled {
			continue
		}
		switch rule.Trigger.Kind {
		case domain.TriggerTime:
			if hhmm < rule.Trigger.At {
				continue
			}
			fired, err := e.guard.MarkRuleFired(ctx, rule.ID, date)
			if err != nil {
				e.log.Error().Err(err).Str("rule", rule.ID).Msg("fired guard unavailable")
				continue
			}
			if fired {
				e.fire(ctx, rule, nil, "scheduled "+rule.Trigger.At+" on "+date)
			}

		case domain.TriggerCondition:
			val, err := e.evalCondition(ctx, rule)
			if err != nil {
				e.log.Error().Err(err).Str("rule", rule.ID).Msg("condition evaluation failed")
				continue
			}
			e.mu.Lock()
			prev := e.condState[rule.ID]
			e.condState[rule.ID] = val
			e.mu.Unlock()
			if val && !prev {
				e.fire(ctx, rule, nil, "condition "+rule.Trigger.Condition+" became true")
			}
		}
	}
}

func (e *Engine) handleEvent(ev domain.Event) {
	ctx := context.Background()
	for _, rule := range e.snapshot() {
		if !rule.Enabled || rule.Trigger.Kind != domain.TriggerEvent {
			continue
		}
		if rule.Trigger.Event != ev.Topic {
			continue
		}
		if rule.Trigger.GeofenceID != "" &&
			(ev.Geofence == nil || ev.Geofence.GeofenceID != rule.Trigger.GeofenceID) {
			continue
		}
		if rule.Trigger.AlertType != "" &&
			(ev.Alert == nil || ev.Alert.Type != rule.Trigger.AlertType) {
			continue
		}
		e.fire(ctx, rule, &ev, ev.Topic+" for "+ev.UserID)
	}
}

func (e *Engine) evalCondition(ctx context.Context, rule domain.WorkflowRule) (bool, error) {
	switch rule.Trigger.Condition {
	case "open_alerts_at_least":
		n, err := e.stats.CountOpenAlerts(ctx)
		if err != nil {
			return false, err
		}
		return n >= rule.Trigger.Threshold, nil
	case "active_users_below":
		n, err := e.stats.ActiveUserCount(ctx, e.now().Add(-activeUserWindow))
		if err != nil {
			return false, err
		}
		return n < rule.Trigger.Threshold, nil
	default:
		return false, fmt.Errorf("unknown condition %q", rule.Trigger.Condition)
	}
}

// fire executes a rule's action and records the execution. A failing or
// panicking rule is isolated; other rules keep evaluating.
func (e *Engine) fire(ctx context.Context, rule domain.WorkflowRule, ev *domain.Event, detail string) {
	metrics.RuleFirings.Add(1)

	var msg string
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("rule panicked: %v", r)
			}
		}()
		msg, err = e.execute(ctx, rule, ev)
	}()

	ex := &domain.WorkflowExecution{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		TriggeredAt: e.now().UTC(),
		Success:     err == nil,
		Message:     msg,
	}
	if err != nil {
		metrics.RuleFailures.Add(1)
		ex.Message = err.Error()
		e.log.Error().Err(err).Str("rule", rule.ID).Str("detail", detail).Msg("rule action failed")
	} else {
		e.log.Info().Str("rule", rule.ID).Str("detail", detail).Msg("rule fired")
	}

	if insErr := e.sink.InsertExecution(ctx, ex); insErr != nil {
		e.log.Error().Err(insErr).Str("rule", rule.ID).Msg("failed to record execution")
	}
}

func (e *Engine) execute(ctx context.Context, rule domain.WorkflowRule, ev *domain.Event) (string, error) {
	switch rule.Action.Kind {
	case domain.ActionNotification:
		message := renderTemplate(rule.Action.Template, ev)
		queued, err := e.notifier.Enqueue(ctx,
			rule.Action.Channel, rule.Action.Recipient, rule.ID, dedupeKey(rule, ev, e.now()), message)
		if err != nil {
			return "", err
		}
		if !queued {
			return "duplicate suppressed", nil
		}
		return "notification queued", nil

	case domain.ActionAlert:
		payload := map[string]interface{}{
			"rule_id":   rule.ID,
			"rule_name": rule.Name,
			"fired_at":  e.now().UTC(),
		}
		if ev != nil {
			payload["user_id"] = ev.UserID
			payload["topic"] = ev.Topic
		}
		if err := e.broadcast.Broadcast(ctx, payload); err != nil {
			return "", err
		}
		return "alert broadcast", nil

	case domain.ActionAuto:
		op, ok := e.autoOps[rule.Action.Operation]
		if !ok {
			return "", fmt.Errorf("unknown auto operation %q", rule.Action.Operation)
		}
		return op(ctx)

	default:
		return "", fmt.Errorf("unknown action kind %q", rule.Action.Kind)
	}
}

// dedupeKey identifies the triggering occurrence, so retried deliveries of
// the same event cannot double-send.
func dedupeKey(rule domain.WorkflowRule, ev *domain.Event, now time.Time) string {
	if ev != nil {
		return fmt.Sprintf("%s:%s:%d", ev.Topic, ev.UserID, ev.OccurredAt.Unix())
	}
	return rule.ID + ":" + now.Format("2006-01-02")
}

func renderTemplate(tmpl string, ev *domain.Event) string {
	if tmpl == "" {
		tmpl = "Workflow rule fired"
	}
	if ev == nil {
		return tmpl
	}
	r := strings.NewReplacer(
		"{user}", ev.UserID,
		"{event}", ev.Topic,
		"{geofence}", geofenceName(ev),
		"{alert}", alertType(ev),
	)
	return r.Replace(tmpl)
}

func geofenceName(ev *domain.Event) string {
	if ev.Geofence == nil {
		return ""
	}
	return ev.Geofence.Geofence
}

func alertType(ev *domain.Event) string {
	if ev.Alert == nil {
		return ""
	}
	return string(ev.Alert.Type)
}
