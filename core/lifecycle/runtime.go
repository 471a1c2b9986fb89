package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/adalundhe/toolrt/core/cleanup"
	"github.com/adalundhe/toolrt/core/config"
	"github.com/adalundhe/toolrt/core/recovery"
	"github.com/adalundhe/toolrt/core/resources"
)

const (
	DefaultMaxEscalationSteps = 5
	DefaultUnregisterTimeout  = 10 * time.Second
)

// Tool identifies a hosted tool and the security level its limits derive from.
type Tool struct {
	ID    string
	Level resources.SecurityLevel
}

type Config struct {
	Manager ToolManager

	Thresholds resources.Thresholds
	Resolver   *resources.Resolver
	Throttle   resources.ThrottleConfig

	NetworkGrace      time.Duration
	UnregisterTimeout time.Duration

	HistorySize        int
	TombstoneCapacity  int
	MaxEscalationSteps int
	// StepDelay is waited between failed escalation steps of one episode.
	StepDelay time.Duration

	// EmergencyShutdown deactivates and cleans up a tool whose usage reaches
	// the Emergency status.
	EmergencyShutdown bool
	SampleInterval    time.Duration
	// EventHistory bounds each tool's resource event history.
	EventHistory int

	Alerts   resources.AlertSink
	Monitor  recovery.Monitor
	Reporter cleanup.Reporter
	Logger   *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Thresholds:         resources.DefaultThresholds(),
		Throttle:           resources.DefaultThrottleConfig(),
		NetworkGrace:       cleanup.DefaultNetworkGrace,
		UnregisterTimeout:  DefaultUnregisterTimeout,
		HistorySize:        recovery.DefaultHistorySize,
		TombstoneCapacity:  recovery.DefaultTombstoneCapacity,
		MaxEscalationSteps: DefaultMaxEscalationSteps,
		SampleInterval:     resources.DefaultSampleInterval,
		EventHistory:       resources.DefaultEventHistory,
		Logger:             slog.Default(),
	}
}

// ConfigFrom maps a loaded configuration onto runtime settings. Collaborators
// and sinks are left for the caller to fill in.
func ConfigFrom(cfg *config.Config) (Config, error) {
	resolver, err := cfg.Resolver()
	if err != nil {
		return Config{}, err
	}
	out := DefaultConfig()
	out.Thresholds = cfg.Thresholds
	out.Resolver = resolver
	out.Throttle = cfg.Throttle
	out.NetworkGrace = cfg.NetworkGrace()
	out.UnregisterTimeout = cfg.UnregisterTimeout()
	out.HistorySize = cfg.Recovery.HistorySize
	out.TombstoneCapacity = cfg.Recovery.TombstoneCapacity
	out.MaxEscalationSteps = cfg.Recovery.MaxEscalationSteps
	out.StepDelay = cfg.StepDelay()
	out.EmergencyShutdown = cfg.Runtime.EmergencyShutdown
	out.SampleInterval = cfg.SampleInterval()
	if cfg.Runtime.EventHistory != 0 {
		out.EventHistory = cfg.Runtime.EventHistory
	}
	return out, nil
}

func normalizeConfig(cfg Config) Config {
	if cfg.Thresholds == (resources.Thresholds{}) {
		cfg.Thresholds = resources.DefaultThresholds()
	}
	if cfg.UnregisterTimeout <= 0 {
		cfg.UnregisterTimeout = DefaultUnregisterTimeout
	}
	if cfg.MaxEscalationSteps <= 0 {
		cfg.MaxEscalationSteps = DefaultMaxEscalationSteps
	}
	if cfg.Alerts == nil {
		cfg.Alerts = &resources.NoOpAlertSink{}
	}
	if cfg.Monitor == nil {
		cfg.Monitor = &recovery.NoOpMonitor{}
	}
	if cfg.Reporter == nil {
		cfg.Reporter = &cleanup.NoOpReporter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Phase is the last lifecycle hook the runtime saw for a tool.
type Phase int

const (
	PhaseRegistered Phase = iota
	PhaseStarting
	PhaseStarted
	PhaseStopping
	PhaseStopped
)

var phaseNames = map[Phase]string{
	PhaseRegistered: "registered",
	PhaseStarting:   "starting",
	PhaseStarted:    "started",
	PhaseStopping:   "stopping",
	PhaseStopped:    "stopped",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

type toolEntry struct {
	mu     sync.Mutex
	tool   Tool
	limits *resources.ResourceLimits
	dirty  bool
	phase  Phase
	status resources.Status
}

// Runtime is the seam between the tool manager and resource accounting,
// cleanup and recovery. It alone sequences cleanup and recovery.
type Runtime struct {
	cfg Config

	enforcer atomic.Pointer[resources.Enforcer]
	resolver atomic.Pointer[resources.Resolver]

	tracker   *resources.Tracker
	throttler *resources.Throttler
	sampler   *resources.Sampler
	cleanup   *cleanup.Coordinator
	recovery  *recovery.Coordinator

	tools  sync.Map
	flight singleflight.Group
}

func NewRuntime(cfg Config) (*Runtime, error) {
	cfg = normalizeConfig(cfg)
	if cfg.Manager == nil {
		return nil, errors.New("tool manager is required")
	}

	enforcer, err := resources.NewEnforcer(cfg.Thresholds)
	if err != nil {
		return nil, err
	}
	resolver := cfg.Resolver
	if resolver == nil {
		if resolver, err = resources.NewResolver(nil, nil); err != nil {
			return nil, err
		}
	}

	r := &Runtime{cfg: cfg}
	r.enforcer.Store(enforcer)
	r.resolver.Store(resolver)

	r.tracker = resources.NewTracker(resources.TrackerConfig{
		Alerts:       cfg.Alerts,
		EventHistory: cfg.EventHistory,
		Logger:       cfg.Logger,
	})
	r.throttler = resources.NewThrottler(cfg.Throttle)
	r.cleanup = cleanup.NewCoordinator(cleanup.Config{
		NetworkGrace: cfg.NetworkGrace,
		Usage:        r.tracker,
		Reporter:     cfg.Reporter,
		Logger:       cfg.Logger,
	})
	r.recovery, err = recovery.NewCoordinator(recovery.Config{
		HistorySize:       cfg.HistorySize,
		TombstoneCapacity: cfg.TombstoneCapacity,
		Executor:          &strategyExecutor{rt: r},
		Usage:             r.tracker,
		Monitor:           cfg.Monitor,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.sampler = resources.NewSampler(resources.SamplerConfig{
		Interval: cfg.SampleInterval,
		Logger:   cfg.Logger,
		Record: func(ctx context.Context, toolID string, m resources.Measurement) error {
			_, err := r.Record(ctx, toolID, m)
			return err
		},
	})
	return r, nil
}

func (r *Runtime) Tracker() *resources.Tracker     { return r.tracker }
func (r *Runtime) Cleanup() *cleanup.Coordinator   { return r.cleanup }
func (r *Runtime) Recovery() *recovery.Coordinator { return r.recovery }
func (r *Runtime) Throttler() *resources.Throttler { return r.throttler }
func (r *Runtime) Sampler() *resources.Sampler     { return r.sampler }

// Register creates the tool's usage record and a fresh recovery record.
// Registering a known tool again revives it if recovery had retired it.
func (r *Runtime) Register(ctx context.Context, tool Tool) error {
	if tool.ID == "" {
		return errors.New("tool id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := &toolEntry{tool: tool}
	if existing, loaded := r.tools.LoadOrStore(tool.ID, entry); loaded {
		entry = existing.(*toolEntry)
		entry.mu.Lock()
		entry.tool = tool
		entry.phase = PhaseRegistered
		entry.mu.Unlock()
	}
	r.tracker.Register(tool.ID)
	r.recovery.Register(tool.ID)

	r.cfg.Logger.Info("tool registered",
		"tool_id", tool.ID,
		"level", tool.Level.String(),
	)
	return nil
}

// Unregister cancels any in-flight recovery, releases what the tool still
// holds using a fresh bounded context, then destroys all per-tool state.
func (r *Runtime) Unregister(ctx context.Context, toolID string) error {
	if _, ok := r.tools.LoadAndDelete(toolID); !ok {
		return fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	r.recovery.Forget(toolID)
	r.sampler.Detach(toolID)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.UnregisterTimeout)
	result := r.cleanup.Cleanup(cleanupCtx, toolID)
	cancel()

	r.throttler.Remove(toolID)
	r.cleanup.Forget(toolID)
	r.tracker.Remove(toolID)

	r.cfg.Logger.Info("tool unregistered",
		"tool_id", toolID,
		"released", result.Released(),
		"failed", result.Failed(),
	)
	if !result.Succeeded() {
		return fmt.Errorf("%s: %w: %w", toolID, ErrCleanupIncomplete, result.Err())
	}
	return nil
}

// PreStart refuses tools that recovery has retired or whose last cleanup left
// resources behind.
func (r *Runtime) PreStart(ctx context.Context, toolID string) error {
	entry, ok := r.entry(toolID)
	if !ok {
		return fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	if !r.recovery.IsRecoverable(toolID) {
		return fmt.Errorf("%s: %w", toolID, recovery.ErrNotRecoverable)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.dirty {
		return fmt.Errorf("%s: %w", toolID, ErrCleanupIncomplete)
	}
	entry.phase = PhaseStarting
	return nil
}

// PostStart evaluates the usage the tool started with.
func (r *Runtime) PostStart(ctx context.Context, toolID string) error {
	entry, ok := r.entry(toolID)
	if !ok {
		return fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	entry.mu.Lock()
	entry.phase = PhaseStarted
	entry.mu.Unlock()

	usage, _ := r.tracker.Snapshot(toolID)
	r.react(ctx, toolID, entry, usage)
	return nil
}

func (r *Runtime) PreStop(ctx context.Context, toolID string) error {
	entry, ok := r.entry(toolID)
	if !ok {
		return fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	entry.mu.Lock()
	entry.phase = PhaseStopping
	entry.mu.Unlock()
	return nil
}

// PostStop always runs cleanup, whatever state the tool stopped in.
func (r *Runtime) PostStop(ctx context.Context, toolID string) (cleanup.Result, error) {
	entry, ok := r.entry(toolID)
	if !ok {
		return cleanup.Result{}, fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	result := r.runCleanup(ctx, toolID)

	entry.mu.Lock()
	entry.phase = PhaseStopped
	entry.mu.Unlock()

	if !result.Succeeded() {
		return result, fmt.Errorf("%s: %w: %w", toolID, ErrCleanupIncomplete, result.Err())
	}
	return result, nil
}

// Phase reports the last hook seen for the tool.
func (r *Runtime) Phase(toolID string) (Phase, bool) {
	entry, ok := r.entry(toolID)
	if !ok {
		return 0, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.phase, true
}

// Tools returns the registered tool IDs in sorted order.
func (r *Runtime) Tools() []string {
	var ids []string
	r.tools.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// Limits returns the ceilings the tool currently runs under.
func (r *Runtime) Limits(toolID string) (resources.ResourceLimits, error) {
	entry, ok := r.entry(toolID)
	if !ok {
		return resources.ResourceLimits{}, fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	return r.limitsFor(entry), nil
}

// SetLimits pins explicit ceilings for one tool. They may not exceed the
// critical level's row.
func (r *Runtime) SetLimits(toolID string, limits resources.ResourceLimits) error {
	entry, ok := r.entry(toolID)
	if !ok {
		return fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	if err := limits.Validate(); err != nil {
		return err
	}
	if ceiling := r.resolver.Load().Table().Max(); !limits.Within(ceiling) {
		return fmt.Errorf("%s: limits exceed %s ceilings", toolID, resources.LevelCritical)
	}
	entry.mu.Lock()
	entry.limits = &limits
	entry.mu.Unlock()
	r.cfg.Logger.Info("tool limits updated", "tool_id", toolID)
	return nil
}

// ApplyConfig swaps thresholds and limits resolution for all tools at once.
// Limits pinned with SetLimits are kept.
func (r *Runtime) ApplyConfig(cfg *config.Config) error {
	enforcer, err := resources.NewEnforcer(cfg.Thresholds)
	if err != nil {
		return err
	}
	resolver, err := cfg.Resolver()
	if err != nil {
		return err
	}
	r.enforcer.Store(enforcer)
	r.resolver.Store(resolver)
	r.cfg.Logger.Info("runtime configuration applied")
	return nil
}

func (r *Runtime) limitsFor(entry *toolEntry) resources.ResourceLimits {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.limits != nil {
		return *entry.limits
	}
	return r.resolver.Load().Resolve(entry.tool.ID, entry.tool.Level)
}

// runCleanup releases the tool's resources and remembers whether anything
// was left behind.
func (r *Runtime) runCleanup(ctx context.Context, toolID string) cleanup.Result {
	result := r.cleanup.Cleanup(ctx, toolID)
	if entry, ok := r.entry(toolID); ok {
		entry.mu.Lock()
		entry.dirty = !result.Succeeded()
		entry.mu.Unlock()
	}
	return result
}

func (r *Runtime) entry(toolID string) (*toolEntry, bool) {
	v, ok := r.tools.Load(toolID)
	if !ok {
		return nil, false
	}
	return v.(*toolEntry), true
}
