package resources

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var ErrToolNotTracked = errors.New("tool not tracked")

// Inconsistency describes a measurement that would have driven a field
// negative or moved execution time backwards. The tracker clamps it.
type Inconsistency struct {
	ToolID    string
	Field     Field
	Attempted float64
	Applied   float64
	Source    string
}

type toolUsage struct {
	mu     sync.RWMutex
	usage  ResourceUsage
	events *eventRing
}

// Tracker owns the live ResourceUsage record of every registered tool.
// Each tool's record has its own lock so tools never contend with each other.
type Tracker struct {
	tools        sync.Map
	alerts       AlertSink
	logger       *slog.Logger
	eventHistory int
}

type TrackerConfig struct {
	Alerts AlertSink
	// EventHistory is how many resource events each tool keeps. Zero means
	// DefaultEventHistory; a negative value turns the history off.
	EventHistory int
	Logger       *slog.Logger
}

func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Alerts == nil {
		cfg.Alerts = &NoOpAlertSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventHistory == 0 {
		cfg.EventHistory = DefaultEventHistory
	}
	return &Tracker{
		alerts:       cfg.Alerts,
		logger:       cfg.Logger,
		eventHistory: cfg.EventHistory,
	}
}

// Register creates a zeroed record for the tool. Registering twice keeps the
// existing record.
func (t *Tracker) Register(toolID string) {
	if _, ok := t.tools.Load(toolID); ok {
		return
	}
	t.tools.LoadOrStore(toolID, &toolUsage{events: newEventRing(t.eventHistory)})
}

// Remove destroys the tool's record.
func (t *Tracker) Remove(toolID string) {
	t.tools.Delete(toolID)
}

func (t *Tracker) IsTracked(toolID string) bool {
	_, ok := t.tools.Load(toolID)
	return ok
}

// Record applies a measurement. Release events that would drive a counter
// below zero are clamped and reported as accounting inconsistencies.
func (t *Tracker) Record(toolID string, m Measurement) error {
	entry, ok := t.load(toolID)
	if !ok {
		return ErrToolNotTracked
	}

	entry.mu.Lock()
	next, bad := applyMeasurement(entry.usage, m)
	entry.usage = next
	entry.events.push(ResourceEvent{
		ToolID: toolID,
		At:     time.Now(),
		Kind:   eventKindOf(m),
		Field:  m.Field,
		Value:  m.Value,
		Total:  next.Value(m.Field),
		Source: m.Source,
	})
	entry.mu.Unlock()

	if bad != nil {
		bad.ToolID = toolID
		t.logger.Warn("resource accounting inconsistency",
			"tool_id", toolID,
			"field", bad.Field.String(),
			"attempted", bad.Attempted,
			"applied", bad.Applied,
			"source", bad.Source,
		)
		t.alerts.AccountingInconsistency(*bad)
	}
	return nil
}

// Snapshot returns a consistent copy of the tool's usage.
func (t *Tracker) Snapshot(toolID string) (ResourceUsage, bool) {
	entry, ok := t.load(toolID)
	if !ok {
		return ResourceUsage{}, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.usage, true
}

// Clear zeroes the tool's record but keeps it registered.
func (t *Tracker) Clear(toolID string) {
	entry, ok := t.load(toolID)
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.usage = ResourceUsage{}
	entry.events.push(ResourceEvent{ToolID: toolID, At: time.Now(), Kind: EventReset, Source: "clear"})
	entry.mu.Unlock()
}

// LimitExceeded notes a limit breach in the tool's history.
func (t *Tracker) LimitExceeded(toolID string, eval Evaluation) {
	entry, ok := t.load(toolID)
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.events.push(ResourceEvent{
		ToolID: toolID,
		At:     time.Now(),
		Kind:   EventLimitExceeded,
		Field:  eval.Field,
		Value:  eval.Ratio,
		Total:  entry.usage.Value(eval.Field),
		Source: eval.Status.String(),
	})
	entry.mu.Unlock()
}

// History returns the tool's retained resource events, oldest first.
func (t *Tracker) History(toolID string) []ResourceEvent {
	entry, ok := t.load(toolID)
	if !ok {
		return nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.events.all()
}

// Tools returns the registered tool IDs in sorted order.
func (t *Tracker) Tools() []string {
	var ids []string
	t.tools.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func (t *Tracker) load(toolID string) (*toolUsage, bool) {
	v, ok := t.tools.Load(toolID)
	if !ok {
		return nil, false
	}
	return v.(*toolUsage), true
}

func applyMeasurement(cur ResourceUsage, m Measurement) (ResourceUsage, *Inconsistency) {
	current := cur.Value(m.Field)
	target := m.Value
	if m.Kind == Delta {
		target = current + m.Value
	}

	if m.Field == FieldExecutionTime && target < current {
		return cur, &Inconsistency{Field: m.Field, Attempted: target, Applied: current, Source: m.Source}
	}

	var bad *Inconsistency
	if target < 0 {
		bad = &Inconsistency{Field: m.Field, Attempted: target, Applied: 0, Source: m.Source}
		target = 0
	}
	cur.set(m.Field, target)
	return cur, bad
}
