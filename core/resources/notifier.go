package resources

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Alert is raised when a tool's evaluation reaches Warning or worse.
type Alert struct {
	ToolID     string
	Evaluation Evaluation
	Usage      ResourceUsage
	Limits     ResourceLimits
	At         time.Time
}

// AlertSink receives resource signals for external routing.
type AlertSink interface {
	// ResourceAlert is called for every evaluation at Warning or above.
	ResourceAlert(alert Alert)
	// AccountingInconsistency is called when the tracker clamps a measurement.
	AccountingInconsistency(inc Inconsistency)
}

// NoOpAlertSink drops everything.
type NoOpAlertSink struct{}

func (n *NoOpAlertSink) ResourceAlert(Alert)                   {}
func (n *NoOpAlertSink) AccountingInconsistency(Inconsistency) {}

// LoggingAlertSink logs alerts using slog, at a level matching the status.
type LoggingAlertSink struct {
	logger *slog.Logger
}

func NewLoggingAlertSink(logger *slog.Logger) *LoggingAlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingAlertSink{logger: logger}
}

func (n *LoggingAlertSink) ResourceAlert(alert Alert) {
	level := slog.LevelWarn
	if alert.Evaluation.Status >= StatusViolation {
		level = slog.LevelError
	}
	n.logger.Log(context.Background(), level, "resource threshold crossed",
		"tool_id", alert.ToolID,
		"status", alert.Evaluation.Status.String(),
		"field", alert.Evaluation.Field.String(),
		"ratio", alert.Evaluation.Ratio,
	)
}

func (n *LoggingAlertSink) AccountingInconsistency(inc Inconsistency) {
	n.logger.Warn("clamped resource measurement",
		"tool_id", inc.ToolID,
		"field", inc.Field.String(),
		"attempted", inc.Attempted,
	)
}

// CompositeAlertSink fans out to multiple sinks.
type CompositeAlertSink struct {
	mu    sync.RWMutex
	sinks []AlertSink
}

func NewCompositeAlertSink(sinks ...AlertSink) *CompositeAlertSink {
	filtered := make([]AlertSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &CompositeAlertSink{sinks: filtered}
}

func (c *CompositeAlertSink) Add(sink AlertSink) {
	if sink == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, sink)
}

func (c *CompositeAlertSink) ResourceAlert(alert Alert) {
	for _, s := range c.snapshot() {
		s.ResourceAlert(alert)
	}
}

func (c *CompositeAlertSink) AccountingInconsistency(inc Inconsistency) {
	for _, s := range c.snapshot() {
		s.AccountingInconsistency(inc)
	}
}

func (c *CompositeAlertSink) snapshot() []AlertSink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sinks
}

var (
	_ AlertSink = (*NoOpAlertSink)(nil)
	_ AlertSink = (*LoggingAlertSink)(nil)
	_ AlertSink = (*CompositeAlertSink)(nil)
)
