package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ToolManager owns tool lifecycle state. The runtime only requests
// transitions through it.
type ToolManager interface {
	Retry(ctx context.Context, toolID string) error
	ResetState(ctx context.Context, toolID string) error
	Activate(ctx context.Context, toolID string) error
	Deactivate(ctx context.Context, toolID string) error
	Isolate(ctx context.Context, toolID string) error
	Unregister(ctx context.Context, toolID string) error
}

type State int

const (
	StateRegistered State = iota
	StateActive
	StateError
	StateRecovering
	StateInactive
	StateUnregistered
)

var stateNames = map[State]string{
	StateRegistered:   "registered",
	StateActive:       "active",
	StateError:        "error",
	StateRecovering:   "recovering",
	StateInactive:     "inactive",
	StateUnregistered: "unregistered",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Operation names a ToolManager request.
type Operation string

const (
	OpRetry      Operation = "retry"
	OpResetState Operation = "reset_state"
	OpActivate   Operation = "activate"
	OpDeactivate Operation = "deactivate"
	OpIsolate    Operation = "isolate"
	OpUnregister Operation = "unregister"
)

// allowedFrom lists the states each operation may start from.
var allowedFrom = map[Operation][]State{
	OpRetry:      {StateActive, StateError, StateRecovering},
	OpResetState: {StateActive, StateError, StateRecovering, StateInactive},
	OpActivate:   {StateRegistered, StateInactive, StateRecovering},
	OpDeactivate: {StateActive, StateError, StateRecovering, StateInactive},
	OpIsolate:    {StateActive, StateError, StateRecovering, StateInactive},
	OpUnregister: {StateRegistered, StateActive, StateError, StateRecovering, StateInactive},
}

var resultState = map[Operation]State{
	OpRetry:      StateActive,
	OpResetState: StateRecovering,
	OpActivate:   StateActive,
	OpDeactivate: StateInactive,
	OpIsolate:    StateRecovering,
	OpUnregister: StateUnregistered,
}

// Transition is one state change applied by a LocalManager.
type Transition struct {
	ToolID string
	Op     Operation
	From   State
	To     State
	At     time.Time
}

type localTool struct {
	mu          sync.Mutex
	state       State
	isolated    bool
	transitions []Transition
	faults      map[Operation]int
}

// LocalManager is an in-memory ToolManager that enforces the lifecycle state
// machine. Faults can be injected per operation to script failures.
type LocalManager struct {
	tools  sync.Map
	logger *slog.Logger
}

func NewLocalManager(logger *slog.Logger) *LocalManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalManager{logger: logger}
}

// Add registers a tool in the Registered state.
func (m *LocalManager) Add(toolID string) error {
	_, loaded := m.tools.LoadOrStore(toolID, &localTool{state: StateRegistered, faults: make(map[Operation]int)})
	if loaded {
		t, _ := m.get(toolID)
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.state != StateUnregistered {
			return fmt.Errorf("%s: %w", toolID, ErrToolExists)
		}
		t.state = StateRegistered
		t.isolated = false
	}
	return nil
}

// Fail moves an active or recovering tool into the Error state.
func (m *LocalManager) Fail(toolID string) error {
	t, ok := m.get(toolID)
	if !ok {
		return fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive && t.state != StateRecovering {
		return fmt.Errorf("%s: fail from %s: %w", toolID, t.state, ErrInvalidTransition)
	}
	t.record(toolID, "fail", StateError)
	return nil
}

// Inject makes the next n calls of op for the tool fail with ErrInjected.
func (m *LocalManager) Inject(toolID string, op Operation, n int) {
	t, ok := m.get(toolID)
	if !ok {
		return
	}
	t.mu.Lock()
	t.faults[op] += n
	t.mu.Unlock()
}

func (m *LocalManager) State(toolID string) (State, bool) {
	t, ok := m.get(toolID)
	if !ok {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, true
}

func (m *LocalManager) Isolated(toolID string) bool {
	t, ok := m.get(toolID)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isolated
}

func (m *LocalManager) Transitions(toolID string) []Transition {
	t, ok := m.get(toolID)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transition(nil), t.transitions...)
}

func (m *LocalManager) Tools() []string {
	var ids []string
	m.tools.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func (m *LocalManager) Retry(ctx context.Context, toolID string) error {
	return m.apply(ctx, toolID, OpRetry)
}

func (m *LocalManager) ResetState(ctx context.Context, toolID string) error {
	return m.apply(ctx, toolID, OpResetState)
}

func (m *LocalManager) Activate(ctx context.Context, toolID string) error {
	return m.apply(ctx, toolID, OpActivate)
}

func (m *LocalManager) Deactivate(ctx context.Context, toolID string) error {
	return m.apply(ctx, toolID, OpDeactivate)
}

func (m *LocalManager) Isolate(ctx context.Context, toolID string) error {
	return m.apply(ctx, toolID, OpIsolate)
}

func (m *LocalManager) Unregister(ctx context.Context, toolID string) error {
	return m.apply(ctx, toolID, OpUnregister)
}

func (m *LocalManager) apply(ctx context.Context, toolID string, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, ok := m.get(toolID)
	if !ok {
		return fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !stateIn(t.state, allowedFrom[op]) {
		return fmt.Errorf("%s: %s from %s: %w", toolID, op, t.state, ErrInvalidTransition)
	}
	if t.faults[op] > 0 {
		t.faults[op]--
		if t.state == StateActive {
			t.record(toolID, op, StateError)
		}
		return fmt.Errorf("%s: %s: %w", toolID, op, ErrInjected)
	}

	switch op {
	case OpIsolate:
		t.isolated = true
	case OpActivate, OpUnregister:
		t.isolated = false
	}
	t.record(toolID, op, resultState[op])
	m.logger.Debug("tool transition", "tool_id", toolID, "op", string(op), "state", t.state.String())
	return nil
}

func (t *localTool) record(toolID string, op Operation, to State) {
	t.transitions = append(t.transitions, Transition{
		ToolID: toolID,
		Op:     op,
		From:   t.state,
		To:     to,
		At:     time.Now(),
	})
	t.state = to
}

func (m *LocalManager) get(toolID string) (*localTool, bool) {
	v, ok := m.tools.Load(toolID)
	if !ok {
		return nil, false
	}
	return v.(*localTool), true
}

func stateIn(s State, states []State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}

var _ ToolManager = (*LocalManager)(nil)
