package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/adalundhe/toolrt/core/recovery"
	"github.com/adalundhe/toolrt/core/resources"
)

// Record applies a measurement and reacts to the resulting status: alerts at
// Warning and above, throttling at Throttle and above, and an optional
// shutdown at Emergency. Limit breaches are returned as the Evaluation, never
// as an error. Tools retired by recovery are refused.
func (r *Runtime) Record(ctx context.Context, toolID string, m resources.Measurement) (resources.Evaluation, error) {
	entry, ok := r.entry(toolID)
	if !ok {
		return resources.Evaluation{}, fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	if !r.recovery.IsRecoverable(toolID) {
		return resources.Evaluation{}, fmt.Errorf("%s: %w", toolID, recovery.ErrNotRecoverable)
	}
	if err := r.tracker.Record(toolID, m); err != nil {
		return resources.Evaluation{}, fmt.Errorf("%s: %w", toolID, err)
	}
	usage, _ := r.tracker.Snapshot(toolID)
	return r.react(ctx, toolID, entry, usage), nil
}

// Evaluate reports the tool's current status without recording anything.
func (r *Runtime) Evaluate(toolID string) (resources.Evaluation, error) {
	entry, ok := r.entry(toolID)
	if !ok {
		return resources.Evaluation{}, fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	usage, _ := r.tracker.Snapshot(toolID)
	return r.enforcer.Load().Evaluate(usage, r.limitsFor(entry)), nil
}

func (r *Runtime) react(ctx context.Context, toolID string, entry *toolEntry, usage resources.ResourceUsage) resources.Evaluation {
	limits := r.limitsFor(entry)
	eval := r.enforcer.Load().Evaluate(usage, limits)

	entry.mu.Lock()
	prev := entry.status
	entry.status = eval.Status
	entry.mu.Unlock()

	if r.throttler.Update(toolID, eval.Status) {
		r.cfg.Logger.Info("tool throttle changed",
			"tool_id", toolID,
			"status", eval.Status.String(),
		)
	}
	if eval.Status >= resources.StatusViolation {
		r.tracker.LimitExceeded(toolID, eval)
	}
	if eval.Status >= resources.StatusWarning {
		r.cfg.Alerts.ResourceAlert(resources.Alert{
			ToolID:     toolID,
			Evaluation: eval,
			Usage:      usage,
			Limits:     limits,
			At:         time.Now(),
		})
	}
	if eval.Status == resources.StatusEmergency && prev != resources.StatusEmergency && r.cfg.EmergencyShutdown {
		r.emergencyStop(ctx, toolID)
	}
	return eval
}

// emergencyStop deactivates the tool and releases what it holds.
func (r *Runtime) emergencyStop(ctx context.Context, toolID string) {
	r.cfg.Logger.Error("emergency resource usage, stopping tool", "tool_id", toolID)
	if err := r.cfg.Manager.Deactivate(ctx, toolID); err != nil {
		r.cfg.Logger.Warn("emergency deactivate failed", "tool_id", toolID, "error", err)
	}
	result := r.runCleanup(ctx, toolID)
	if !result.Succeeded() {
		r.cfg.Logger.Warn("emergency cleanup incomplete", "tool_id", toolID, "error", result.Err())
	}
}

// Execute runs fn on behalf of the tool. Admission waits on the tool's
// throttle, the call's wall time is recorded as execution time, and an error
// from fn is routed into OnError. fn's error is returned alongside the
// Resolution; the Resolution is zero when fn succeeded. fn never runs for a
// tool recovery has retired.
func (r *Runtime) Execute(ctx context.Context, toolID string, fn func(context.Context) error) (Resolution, error) {
	if _, ok := r.entry(toolID); !ok {
		return Resolution{}, fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}
	if !r.recovery.IsRecoverable(toolID) {
		return Resolution{Terminal: true}, fmt.Errorf("%s: %w", toolID, recovery.ErrNotRecoverable)
	}
	if err := r.throttler.Wait(ctx, toolID); err != nil {
		return Resolution{}, fmt.Errorf("%s: throttled: %w", toolID, err)
	}

	start := time.Now()
	runErr := fn(ctx)
	if _, err := r.Record(ctx, toolID, resources.ExecutionElapsed(time.Since(start))); err != nil {
		r.cfg.Logger.Debug("execution time not recorded", "tool_id", toolID, "error", err)
	}
	if runErr == nil {
		return Resolution{}, nil
	}

	res, err := r.OnError(ctx, toolID, runErr)
	if err != nil {
		return res, err
	}
	return res, runErr
}
