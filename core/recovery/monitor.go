package recovery

import (
	"log/slog"
	"sync"
)

// Monitor observes recovery outcomes.
type Monitor interface {
	AttemptRecorded(attempt Attempt, rates Rates)
	ToolUnrecoverable(toolID string, last Attempt)
}

type NoOpMonitor struct{}

func (n *NoOpMonitor) AttemptRecorded(Attempt, Rates)    {}
func (n *NoOpMonitor) ToolUnrecoverable(string, Attempt) {}

type LoggingMonitor struct {
	logger *slog.Logger
}

func NewLoggingMonitor(logger *slog.Logger) *LoggingMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingMonitor{logger: logger}
}

func (m *LoggingMonitor) AttemptRecorded(attempt Attempt, rates Rates) {
	rate := rates[attempt.Strategy]
	if attempt.Success {
		m.logger.Info("recovery attempt succeeded",
			"tool_id", attempt.ToolID,
			"strategy", attempt.Strategy.String(),
			"step", attempt.Step,
			"success_rate", rate.Value(),
		)
		return
	}
	m.logger.Warn("recovery attempt failed",
		"tool_id", attempt.ToolID,
		"strategy", attempt.Strategy.String(),
		"step", attempt.Step,
		"cause", attempt.Cause,
		"error", attempt.Err,
		"success_rate", rate.Value(),
	)
}

func (m *LoggingMonitor) ToolUnrecoverable(toolID string, last Attempt) {
	m.logger.Error("tool unrecoverable",
		"tool_id", toolID,
		"episode", last.EpisodeID,
		"steps", last.Step,
	)
}

// MultiMonitor fans events out to several monitors.
type MultiMonitor struct {
	mu       sync.RWMutex
	monitors []Monitor
}

func NewMultiMonitor(monitors ...Monitor) *MultiMonitor {
	m := &MultiMonitor{}
	for _, mon := range monitors {
		m.Add(mon)
	}
	return m
}

func (m *MultiMonitor) Add(mon Monitor) {
	if mon == nil {
		return
	}
	m.mu.Lock()
	m.monitors = append(m.monitors, mon)
	m.mu.Unlock()
}

func (m *MultiMonitor) AttemptRecorded(attempt Attempt, rates Rates) {
	for _, mon := range m.snapshot() {
		mon.AttemptRecorded(attempt, rates)
	}
}

func (m *MultiMonitor) ToolUnrecoverable(toolID string, last Attempt) {
	for _, mon := range m.snapshot() {
		mon.ToolUnrecoverable(toolID, last)
	}
}

func (m *MultiMonitor) snapshot() []Monitor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Monitor(nil), m.monitors...)
}

var (
	_ Monitor = (*NoOpMonitor)(nil)
	_ Monitor = (*LoggingMonitor)(nil)
	_ Monitor = (*MultiMonitor)(nil)
)
