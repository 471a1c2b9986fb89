package resources

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

type ThrottleConfig struct {
	// Rate is the admissions per second allowed while a tool is at Throttle.
	Rate float64 `yaml:"rate"`
	// ViolationRate applies at Violation and Emergency.
	ViolationRate float64 `yaml:"violation_rate"`
	Burst         int     `yaml:"burst"`
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Rate:          10,
		ViolationRate: 1,
		Burst:         1,
	}
}

func normalizeThrottleConfig(cfg ThrottleConfig) ThrottleConfig {
	def := DefaultThrottleConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.ViolationRate <= 0 || cfg.ViolationRate > cfg.Rate {
		cfg.ViolationRate = min(def.ViolationRate, cfg.Rate)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return cfg
}

type toolThrottle struct {
	mu      sync.Mutex
	status  Status
	limiter *rate.Limiter
}

// Throttler slows down admission of tools whose usage evaluates at Throttle
// or worse. Tools at Normal or Warning are admitted immediately.
type Throttler struct {
	cfg   ThrottleConfig
	tools sync.Map
}

func NewThrottler(cfg ThrottleConfig) *Throttler {
	return &Throttler{cfg: normalizeThrottleConfig(cfg)}
}

// Update applies a new status and reports whether the admission rate changed.
func (t *Throttler) Update(toolID string, status Status) bool {
	tt := t.get(toolID)
	tt.mu.Lock()
	defer tt.mu.Unlock()

	before := t.limitFor(tt.status)
	after := t.limitFor(status)
	tt.status = status
	if before == after {
		return false
	}
	tt.limiter.SetLimit(after)
	return true
}

// Wait blocks until the tool may run, or ctx ends.
func (t *Throttler) Wait(ctx context.Context, toolID string) error {
	return t.get(toolID).limiter.Wait(ctx)
}

func (t *Throttler) Status(toolID string) Status {
	v, ok := t.tools.Load(toolID)
	if !ok {
		return StatusNormal
	}
	tt := v.(*toolThrottle)
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.status
}

func (t *Throttler) Remove(toolID string) {
	t.tools.Delete(toolID)
}

func (t *Throttler) get(toolID string) *toolThrottle {
	if v, ok := t.tools.Load(toolID); ok {
		return v.(*toolThrottle)
	}
	fresh := &toolThrottle{
		status:  StatusNormal,
		limiter: rate.NewLimiter(rate.Inf, t.cfg.Burst),
	}
	actual, _ := t.tools.LoadOrStore(toolID, fresh)
	return actual.(*toolThrottle)
}

func (t *Throttler) limitFor(status Status) rate.Limit {
	switch {
	case status >= StatusViolation:
		return rate.Limit(t.cfg.ViolationRate)
	case status == StatusThrottle:
		return rate.Limit(t.cfg.Rate)
	default:
		return rate.Inf
	}
}
