package cleanup

import (
	"context"
	"log/slog"
	"sync"
)

// Reporter observes finished cleanup runs.
type Reporter interface {
	CleanupCompleted(result Result)
}

type NoOpReporter struct{}

func (n *NoOpReporter) CleanupCompleted(Result) {}

type LoggingReporter struct {
	logger *slog.Logger
}

func NewLoggingReporter(logger *slog.Logger) *LoggingReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingReporter{logger: logger}
}

func (r *LoggingReporter) CleanupCompleted(result Result) {
	level := slog.LevelInfo
	if !result.Succeeded() {
		level = slog.LevelWarn
	}
	attrs := []any{
		"tool_id", result.ToolID,
		"released", result.Released(),
		"failed", result.Failed(),
		"partial", result.Partial,
		"duration", result.Duration,
	}
	for _, c := range result.Categories {
		if c.Released == 0 && c.Failed == 0 {
			continue
		}
		attrs = append(attrs, c.Category.String(), c.Released)
	}
	r.logger.Log(context.Background(), level, "tool cleanup finished", attrs...)
}

// MultiReporter fans a result out to several reporters.
type MultiReporter struct {
	mu        sync.RWMutex
	reporters []Reporter
}

func NewMultiReporter(reporters ...Reporter) *MultiReporter {
	m := &MultiReporter{}
	for _, r := range reporters {
		m.Add(r)
	}
	return m
}

func (m *MultiReporter) Add(r Reporter) {
	if r == nil {
		return
	}
	m.mu.Lock()
	m.reporters = append(m.reporters, r)
	m.mu.Unlock()
}

func (m *MultiReporter) CleanupCompleted(result Result) {
	m.mu.RLock()
	reporters := append([]Reporter(nil), m.reporters...)
	m.mu.RUnlock()
	for _, r := range reporters {
		r.CleanupCompleted(result)
	}
}

var (
	_ Reporter = (*NoOpReporter)(nil)
	_ Reporter = (*LoggingReporter)(nil)
	_ Reporter = (*MultiReporter)(nil)
)
