package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adalundhe/toolrt/core/recovery"
)

// Resolution is the outcome of one error episode handled by OnError.
type Resolution struct {
	ToolID   string
	Attempts []recovery.Attempt
	// Recovered is set when a step other than Unregister succeeded.
	Recovered bool
	// Terminal is set when the Unregister strategy ran; the tool has left the
	// recoverable population.
	Terminal bool
	// Coalesced is set for callers that joined an episode already in flight.
	Coalesced bool
}

// Final returns the last attempt of the episode.
func (r Resolution) Final() (recovery.Attempt, bool) {
	if len(r.Attempts) == 0 {
		return recovery.Attempt{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}

// OnError is the only entry into recovery. It runs escalation steps until one
// succeeds, Unregister runs, or MaxEscalationSteps is spent. Concurrent calls
// for the same tool join the episode already in flight; they share the first
// caller's context.
func (r *Runtime) OnError(ctx context.Context, toolID string, cause error) (Resolution, error) {
	if _, ok := r.entry(toolID); !ok {
		return Resolution{}, fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}

	v, err, shared := r.flight.Do(toolID, func() (any, error) {
		return r.recover(ctx, toolID, cause)
	})
	res, _ := v.(Resolution)
	res.Coalesced = shared
	return res, err
}

func (r *Runtime) recover(ctx context.Context, toolID string, cause error) (Resolution, error) {
	res := Resolution{ToolID: toolID}
	r.cfg.Logger.Warn("tool error, starting recovery",
		"tool_id", toolID,
		"error", cause,
	)

	for step := 0; step < r.cfg.MaxEscalationSteps; step++ {
		if step > 0 {
			if err := sleepCtx(ctx, r.cfg.StepDelay); err != nil {
				return res, err
			}
		}

		if _, ok := r.entry(toolID); !ok {
			return res, fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
		}
		attempt, err := r.recovery.HandleFailure(ctx, toolID, cause)
		if err != nil {
			if errors.Is(err, recovery.ErrNotRecoverable) {
				res.Terminal = true
			}
			return res, err
		}
		res.Attempts = append(res.Attempts, attempt)

		if attempt.Strategy.Terminal() {
			res.Terminal = true
			r.cfg.Logger.Error("tool removed after recovery exhausted",
				"tool_id", toolID,
				"steps", len(res.Attempts),
			)
			return res, nil
		}
		if attempt.Success {
			res.Recovered = true
			r.cfg.Logger.Info("tool recovered",
				"tool_id", toolID,
				"strategy", attempt.Strategy.String(),
				"steps", len(res.Attempts),
			)
			return res, nil
		}
		if attempt.Err != "" {
			cause = errors.New(attempt.Err)
		}
	}

	r.cfg.Logger.Warn("recovery step budget spent",
		"tool_id", toolID,
		"steps", len(res.Attempts),
		"next", r.recovery.NextStrategy(toolID).String(),
	)
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// strategyExecutor performs recovery actions against the tool manager. Every
// action starts with a cleanup; restart cleans up between deactivate and
// activate instead.
type strategyExecutor struct {
	rt *Runtime
}

func (e *strategyExecutor) Execute(ctx context.Context, toolID string, strategy recovery.Strategy) error {
	rt := e.rt
	mgr := rt.cfg.Manager
	if _, ok := rt.entry(toolID); !ok {
		return fmt.Errorf("%s: %w", toolID, ErrUnknownTool)
	}

	switch strategy {
	case recovery.StrategyRetry:
		if err := e.cleanupFirst(ctx, toolID); err != nil {
			return err
		}
		return mgr.Retry(ctx, toolID)

	case recovery.StrategyReset:
		if err := e.cleanupFirst(ctx, toolID); err != nil {
			return err
		}
		if err := mgr.ResetState(ctx, toolID); err != nil {
			return fmt.Errorf("reset state: %w", err)
		}
		return mgr.Retry(ctx, toolID)

	case recovery.StrategyRestart:
		if err := mgr.Deactivate(ctx, toolID); err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}
		if err := e.cleanupFirst(ctx, toolID); err != nil {
			return err
		}
		return mgr.Activate(ctx, toolID)

	case recovery.StrategyIsolate:
		if err := e.cleanupFirst(ctx, toolID); err != nil {
			return err
		}
		if err := mgr.Isolate(ctx, toolID); err != nil {
			return fmt.Errorf("isolate: %w", err)
		}
		return mgr.Retry(ctx, toolID)

	case recovery.StrategyUnregister:
		result := rt.runCleanup(ctx, toolID)
		if !result.Succeeded() {
			rt.cfg.Logger.Warn("unregistering with resources still held",
				"tool_id", toolID,
				"error", result.Err(),
			)
		}
		rt.throttler.Remove(toolID)
		rt.sampler.Detach(toolID)
		return mgr.Unregister(ctx, toolID)
	}
	return fmt.Errorf("unknown recovery strategy %d", strategy)
}

func (e *strategyExecutor) cleanupFirst(ctx context.Context, toolID string) error {
	result := e.rt.runCleanup(ctx, toolID)
	if !result.Succeeded() {
		return fmt.Errorf("%w: %w", ErrCleanupIncomplete, result.Err())
	}
	return nil
}
