package resources

import (
	"errors"
	"fmt"
	"strings"
)

// SecurityLevel classifies a tool. Higher levels get larger ceilings.
type SecurityLevel int

const (
	LevelLow SecurityLevel = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

// SecurityLevels lists every level from lowest to highest.
var SecurityLevels = []SecurityLevel{LevelLow, LevelMedium, LevelHigh, LevelCritical}

var levelNames = map[SecurityLevel]string{
	LevelLow:      "low",
	LevelMedium:   "medium",
	LevelHigh:     "high",
	LevelCritical: "critical",
}

func (l SecurityLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

func ParseSecurityLevel(s string) (SecurityLevel, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for level, name := range levelNames {
		if name == needle {
			return level, nil
		}
	}
	return LevelLow, fmt.Errorf("unknown security level %q", s)
}

func (l SecurityLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *SecurityLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseSecurityLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ResourceLimits holds one ceiling per usage field. A ceiling of zero or less
// leaves that field unlimited. Values are never mutated after construction.
type ResourceLimits struct {
	MaxMemoryMB           float64 `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUPercent         float64 `json:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxFileHandles        int64   `json:"max_file_handles" yaml:"max_file_handles"`
	MaxNetworkConnections int64   `json:"max_network_connections" yaml:"max_network_connections"`
	MaxExecutionTimeMS    int64   `json:"max_execution_time_ms" yaml:"max_execution_time_ms"`
	MaxTempStorageMB      float64 `json:"max_temp_storage_mb" yaml:"max_temp_storage_mb"`
}

// Ceiling returns the limit for a field.
func (l ResourceLimits) Ceiling(f Field) float64 {
	switch f {
	case FieldMemory:
		return l.MaxMemoryMB
	case FieldCPU:
		return l.MaxCPUPercent
	case FieldFileHandles:
		return float64(l.MaxFileHandles)
	case FieldNetworkConnections:
		return float64(l.MaxNetworkConnections)
	case FieldExecutionTime:
		return float64(l.MaxExecutionTimeMS)
	case FieldTempStorage:
		return l.MaxTempStorageMB
	default:
		return 0
	}
}

// Validate rejects negative ceilings.
func (l ResourceLimits) Validate() error {
	for _, f := range AllFields {
		if l.Ceiling(f) < 0 {
			return fmt.Errorf("%s: negative ceiling %v", f, l.Ceiling(f))
		}
	}
	return nil
}

// Within reports whether every ceiling of l is at most the matching ceiling
// of other, treating unlimited as infinite.
func (l ResourceLimits) Within(other ResourceLimits) bool {
	for _, f := range AllFields {
		mine, theirs := l.Ceiling(f), other.Ceiling(f)
		if theirs <= 0 {
			continue
		}
		if mine <= 0 || mine > theirs {
			return false
		}
	}
	return true
}

// Overlay returns l with every ceiling that o sets replaced. Zero fields of o
// inherit from l.
func (l ResourceLimits) Overlay(o ResourceLimits) ResourceLimits {
	if o.MaxMemoryMB > 0 {
		l.MaxMemoryMB = o.MaxMemoryMB
	}
	if o.MaxCPUPercent > 0 {
		l.MaxCPUPercent = o.MaxCPUPercent
	}
	if o.MaxFileHandles > 0 {
		l.MaxFileHandles = o.MaxFileHandles
	}
	if o.MaxNetworkConnections > 0 {
		l.MaxNetworkConnections = o.MaxNetworkConnections
	}
	if o.MaxExecutionTimeMS > 0 {
		l.MaxExecutionTimeMS = o.MaxExecutionTimeMS
	}
	if o.MaxTempStorageMB > 0 {
		l.MaxTempStorageMB = o.MaxTempStorageMB
	}
	return l
}

// SetWithin is Within restricted to the ceilings l actually sets.
func (l ResourceLimits) SetWithin(other ResourceLimits) bool {
	for _, f := range AllFields {
		mine, theirs := l.Ceiling(f), other.Ceiling(f)
		if mine > 0 && theirs > 0 && mine > theirs {
			return false
		}
	}
	return true
}

var ErrNonMonotonicLimits = errors.New("limits must not shrink as security level rises")

// LimitsTable maps security levels to ceilings.
type LimitsTable struct {
	rows map[SecurityLevel]ResourceLimits
}

// DefaultLimitsTable returns the built-in per-level ceilings.
func DefaultLimitsTable() *LimitsTable {
	return &LimitsTable{rows: map[SecurityLevel]ResourceLimits{
		LevelLow: {
			MaxMemoryMB: 128, MaxCPUPercent: 25, MaxFileHandles: 10,
			MaxNetworkConnections: 5, MaxExecutionTimeMS: 30_000, MaxTempStorageMB: 64,
		},
		LevelMedium: {
			MaxMemoryMB: 256, MaxCPUPercent: 50, MaxFileHandles: 32,
			MaxNetworkConnections: 10, MaxExecutionTimeMS: 60_000, MaxTempStorageMB: 256,
		},
		LevelHigh: {
			MaxMemoryMB: 512, MaxCPUPercent: 75, MaxFileHandles: 64,
			MaxNetworkConnections: 20, MaxExecutionTimeMS: 120_000, MaxTempStorageMB: 512,
		},
		LevelCritical: {
			MaxMemoryMB: 1024, MaxCPUPercent: 100, MaxFileHandles: 128,
			MaxNetworkConnections: 40, MaxExecutionTimeMS: 300_000, MaxTempStorageMB: 1024,
		},
	}}
}

// NewLimitsTable builds a table from explicit rows. Missing levels inherit the
// default row; the result must grow monotonically with the level.
func NewLimitsTable(rows map[SecurityLevel]ResourceLimits) (*LimitsTable, error) {
	table := DefaultLimitsTable()
	for level, limits := range rows {
		if _, ok := levelNames[level]; !ok {
			return nil, fmt.Errorf("unknown security level %d", level)
		}
		if err := limits.Validate(); err != nil {
			return nil, fmt.Errorf("%s limits: %w", level, err)
		}
		table.rows[level] = limits
	}
	if err := table.checkMonotonic(); err != nil {
		return nil, err
	}
	return table, nil
}

func (t *LimitsTable) checkMonotonic() error {
	for i := 1; i < len(SecurityLevels); i++ {
		lower, higher := SecurityLevels[i-1], SecurityLevels[i]
		if !t.rows[lower].Within(t.rows[higher]) {
			return fmt.Errorf("%w: %s exceeds %s", ErrNonMonotonicLimits, lower, higher)
		}
	}
	return nil
}

// For returns the ceilings for a level. Unknown levels get the lowest row.
func (t *LimitsTable) For(level SecurityLevel) ResourceLimits {
	if limits, ok := t.rows[level]; ok {
		return limits
	}
	return t.rows[LevelLow]
}

// Max returns the highest row, used to cap per-tool overrides.
func (t *LimitsTable) Max() ResourceLimits {
	return t.rows[LevelCritical]
}

// Rows returns a copy of every level's ceilings.
func (t *LimitsTable) Rows() map[SecurityLevel]ResourceLimits {
	out := make(map[SecurityLevel]ResourceLimits, len(t.rows))
	for level, limits := range t.rows {
		out[level] = limits
	}
	return out
}
