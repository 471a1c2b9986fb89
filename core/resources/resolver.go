package resources

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Override adjusts limits for every tool whose ID matches Pattern. Only the
// ceilings it sets are applied; the rest come from the tool's level.
type Override struct {
	Pattern string
	Limits  ResourceLimits
}

type compiledOverride struct {
	pattern string
	matcher glob.Glob
	limits  ResourceLimits
}

// Resolver picks the limits a tool runs under: its security level's row with
// the first matching override laid over it. It is immutable once built.
type Resolver struct {
	table     *LimitsTable
	overrides []compiledOverride
	fileCap   int64
}

// NewResolver compiles the overrides. No ceiling an override sets may exceed
// the table's highest row. File-handle ceilings are capped at the process descriptor limit.
func NewResolver(table *LimitsTable, overrides []Override) (*Resolver, error) {
	if table == nil {
		table = DefaultLimitsTable()
	}
	compiled := make([]compiledOverride, 0, len(overrides))
	for _, o := range overrides {
		matcher, err := glob.Compile(o.Pattern)
		if err != nil {
			return nil, fmt.Errorf("override %q: %w", o.Pattern, err)
		}
		if err := o.Limits.Validate(); err != nil {
			return nil, fmt.Errorf("override %q: %w", o.Pattern, err)
		}
		if !o.Limits.SetWithin(table.Max()) {
			return nil, fmt.Errorf("override %q exceeds %s limits", o.Pattern, LevelCritical)
		}
		compiled = append(compiled, compiledOverride{pattern: o.Pattern, matcher: matcher, limits: o.Limits})
	}
	return &Resolver{
		table:     table,
		overrides: compiled,
		fileCap:   processFileLimit(),
	}, nil
}

// Resolve returns the limits for a tool.
func (r *Resolver) Resolve(toolID string, level SecurityLevel) ResourceLimits {
	limits := r.table.For(level)
	for _, o := range r.overrides {
		if o.matcher.Match(toolID) {
			limits = limits.Overlay(o.limits)
			break
		}
	}
	return r.clamp(limits)
}

// MatchedOverride returns the pattern that applies to the tool, if any.
func (r *Resolver) MatchedOverride(toolID string) (string, bool) {
	for _, o := range r.overrides {
		if o.matcher.Match(toolID) {
			return o.pattern, true
		}
	}
	return "", false
}

func (r *Resolver) Table() *LimitsTable {
	return r.table
}

func (r *Resolver) clamp(limits ResourceLimits) ResourceLimits {
	if r.fileCap > 0 && (limits.MaxFileHandles <= 0 || limits.MaxFileHandles > r.fileCap) {
		limits.MaxFileHandles = r.fileCap
	}
	return limits
}
