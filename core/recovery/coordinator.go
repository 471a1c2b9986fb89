package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adalundhe/toolrt/core/resources"
)

const DefaultTombstoneCapacity = 1024

var ErrNotRecoverable = errors.New("tool is not recoverable")

// Executor performs a strategy's action against a tool.
type Executor interface {
	Execute(ctx context.Context, toolID string, strategy Strategy) error
}

type ExecutorFunc func(ctx context.Context, toolID string, strategy Strategy) error

func (f ExecutorFunc) Execute(ctx context.Context, toolID string, strategy Strategy) error {
	return f(ctx, toolID, strategy)
}

// SnapshotSource supplies the usage snapshot stored on each attempt.
type SnapshotSource interface {
	Snapshot(toolID string) (resources.ResourceUsage, bool)
}

type Config struct {
	HistorySize       int
	TombstoneCapacity int
	Executor          Executor
	Usage             SnapshotSource
	Monitor           Monitor
	Logger            *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		HistorySize:       DefaultHistorySize,
		TombstoneCapacity: DefaultTombstoneCapacity,
		Monitor:           &NoOpMonitor{},
		Logger:            slog.Default(),
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.TombstoneCapacity <= 0 {
		cfg.TombstoneCapacity = DefaultTombstoneCapacity
	}
	if cfg.Monitor == nil {
		cfg.Monitor = &NoOpMonitor{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// toolState serializes recovery for one tool. gate admits one episode step at
// a time; mu guards the fields below it and is never held across an action.
type toolState struct {
	gate chan struct{}

	mu       sync.Mutex
	history  *history
	terminal bool
	cancel   context.CancelFunc
	// forgotten is set once Forget dropped the state; it is never retired.
	forgotten bool
	retiredAt time.Time
}

func newToolState(historySize int) *toolState {
	return &toolState{
		gate:    make(chan struct{}, 1),
		history: newHistory(historySize),
	}
}

func (s *toolState) acquire(ctx context.Context) error {
	select {
	case s.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *toolState) release() {
	<-s.gate
}

// Coordinator picks and runs recovery strategies. Escalation is driven purely
// by the previous attempt's outcome: a failure moves one step up, a success
// resets to Retry.
type Coordinator struct {
	cfg        Config
	tools      sync.Map
	tombstones *lru.Cache[string, time.Time]
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	cfg = normalizeConfig(cfg)
	if cfg.Executor == nil {
		return nil, errors.New("recovery executor is required")
	}
	tombstones, err := lru.New[string, time.Time](cfg.TombstoneCapacity)
	if err != nil {
		return nil, fmt.Errorf("tombstone cache: %w", err)
	}
	return &Coordinator{cfg: cfg, tombstones: tombstones}, nil
}

// Register starts a fresh record for the tool, clearing any tombstone left by
// an earlier unregistration.
func (c *Coordinator) Register(toolID string) {
	c.tombstones.Remove(toolID)
	fresh := newToolState(c.cfg.HistorySize)
	existing, loaded := c.tools.LoadOrStore(toolID, fresh)
	if !loaded {
		return
	}
	st := existing.(*toolState)
	st.mu.Lock()
	terminal := st.terminal
	st.mu.Unlock()
	if terminal {
		c.tools.Store(toolID, fresh)
	}
}

// HandleFailure runs the next recovery step for the tool. The returned
// Attempt carries the action's outcome; an error means no step was run.
func (c *Coordinator) HandleFailure(ctx context.Context, toolID string, cause error) (Attempt, error) {
	if c.tombstones.Contains(toolID) {
		return Attempt{}, fmt.Errorf("%s: %w", toolID, ErrNotRecoverable)
	}
	st := c.state(toolID)
	if err := st.acquire(ctx); err != nil {
		return Attempt{}, err
	}
	defer st.release()

	st.mu.Lock()
	if st.terminal {
		st.mu.Unlock()
		return Attempt{}, fmt.Errorf("%s: %w", toolID, ErrNotRecoverable)
	}
	strategy, episode, step := st.history.next()
	actionCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	st.mu.Unlock()

	if episode == "" {
		episode = uuid.NewString()
	}
	attempt := Attempt{
		ID:        uuid.NewString(),
		ToolID:    toolID,
		EpisodeID: episode,
		Step:      step,
		Strategy:  strategy,
		StartedAt: time.Now(),
	}
	if cause != nil {
		attempt.Cause = cause.Error()
	}
	if c.cfg.Usage != nil {
		if usage, ok := c.cfg.Usage.Snapshot(toolID); ok {
			attempt.Usage = &usage
		}
	}

	c.cfg.Logger.Debug("running recovery strategy",
		"tool_id", toolID,
		"strategy", strategy.String(),
		"step", step,
	)
	err := c.cfg.Executor.Execute(actionCtx, toolID, strategy)
	cancel()

	attempt.Duration = time.Since(attempt.StartedAt)
	attempt.Success = err == nil
	if err != nil {
		attempt.Err = err.Error()
	}

	st.mu.Lock()
	st.cancel = nil
	st.history.push(attempt)
	rates := st.history.rates()
	retired := strategy.Terminal() && !st.forgotten
	if strategy.Terminal() {
		st.terminal = true
	}
	st.mu.Unlock()

	c.cfg.Monitor.AttemptRecorded(attempt, rates)
	if retired {
		c.retire(toolID, st)
		c.cfg.Monitor.ToolUnrecoverable(toolID, attempt)
	}
	return attempt, nil
}

// Cancel aborts the tool's in-flight action, if any.
func (c *Coordinator) Cancel(toolID string) bool {
	v, ok := c.tools.Load(toolID)
	if !ok {
		return false
	}
	st := v.(*toolState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancel == nil {
		return false
	}
	st.cancel()
	return true
}

// Forget drops the tool's recovery state without tombstoning it.
func (c *Coordinator) Forget(toolID string) {
	v, ok := c.tools.LoadAndDelete(toolID)
	if !ok {
		return
	}
	st := v.(*toolState)
	st.mu.Lock()
	st.terminal = true
	st.forgotten = true
	if st.cancel != nil {
		st.cancel()
	}
	st.mu.Unlock()
}

// IsRecoverable reports whether HandleFailure would run a step for the tool.
func (c *Coordinator) IsRecoverable(toolID string) bool {
	if c.tombstones.Contains(toolID) {
		return false
	}
	v, ok := c.tools.Load(toolID)
	if !ok {
		return true
	}
	st := v.(*toolState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.terminal
}

// Unrecoverable returns when the tool was retired. A retired tool keeps its
// terminal record until Register or Forget; after Forget it is remembered
// only while its tombstone survives.
func (c *Coordinator) Unrecoverable(toolID string) (time.Time, bool) {
	if v, ok := c.tools.Load(toolID); ok {
		st := v.(*toolState)
		st.mu.Lock()
		at := st.retiredAt
		st.mu.Unlock()
		if !at.IsZero() {
			return at, true
		}
	}
	return c.tombstones.Peek(toolID)
}

// NextStrategy reports the strategy the next failure would use.
func (c *Coordinator) NextStrategy(toolID string) Strategy {
	v, ok := c.tools.Load(toolID)
	if !ok {
		return StrategyRetry
	}
	st := v.(*toolState)
	st.mu.Lock()
	defer st.mu.Unlock()
	s, _, _ := st.history.next()
	return s
}

// History returns the retained attempts, oldest first.
func (c *Coordinator) History(toolID string) []Attempt {
	v, ok := c.tools.Load(toolID)
	if !ok {
		return nil
	}
	st := v.(*toolState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.history.all()
}

func (c *Coordinator) LastAttempt(toolID string) (Attempt, bool) {
	v, ok := c.tools.Load(toolID)
	if !ok {
		return Attempt{}, false
	}
	st := v.(*toolState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.history.last()
}

// Rates returns per-strategy success counts over the retained history.
func (c *Coordinator) Rates(toolID string) Rates {
	v, ok := c.tools.Load(toolID)
	if !ok {
		return Rates{}
	}
	st := v.(*toolState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.history.rates()
}

// retire swaps the tool's state for a terminal record without history. The
// record, not the bounded tombstone, keeps the tool refused until Register.
func (c *Coordinator) retire(toolID string, st *toolState) {
	now := time.Now()
	retired := newToolState(1)
	retired.terminal = true
	retired.retiredAt = now
	c.tools.CompareAndSwap(toolID, st, retired)
	c.tombstones.Add(toolID, now)
	c.cfg.Logger.Warn("tool retired after unregister strategy", "tool_id", toolID)
}

func (c *Coordinator) state(toolID string) *toolState {
	if v, ok := c.tools.Load(toolID); ok {
		return v.(*toolState)
	}
	actual, _ := c.tools.LoadOrStore(toolID, newToolState(c.cfg.HistorySize))
	return actual.(*toolState)
}
