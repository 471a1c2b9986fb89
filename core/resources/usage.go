package resources

import (
	"fmt"
	"time"
)

// Field identifies one dimension of a tool's resource usage.
type Field int

const (
	FieldMemory Field = iota
	FieldCPU
	FieldFileHandles
	FieldNetworkConnections
	FieldExecutionTime
	FieldTempStorage
)

// AllFields lists every usage field in evaluation order.
var AllFields = []Field{
	FieldMemory,
	FieldCPU,
	FieldFileHandles,
	FieldNetworkConnections,
	FieldExecutionTime,
	FieldTempStorage,
}

var fieldNames = map[Field]string{
	FieldMemory:             "memory_mb",
	FieldCPU:                "cpu_percent",
	FieldFileHandles:        "file_handles",
	FieldNetworkConnections: "network_connections",
	FieldExecutionTime:      "execution_time_ms",
	FieldTempStorage:        "temp_storage_mb",
}

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return "unknown"
}

func ParseField(s string) (Field, error) {
	for f, name := range fieldNames {
		if name == s {
			return f, nil
		}
	}
	return FieldMemory, fmt.Errorf("unknown usage field %q", s)
}

// ResourceUsage is a point-in-time view of what a tool is holding.
type ResourceUsage struct {
	MemoryMB           float64 `json:"memory_mb" yaml:"memory_mb"`
	CPUPercent         float64 `json:"cpu_percent" yaml:"cpu_percent"`
	FileHandles        int64   `json:"file_handles" yaml:"file_handles"`
	NetworkConnections int64   `json:"network_connections" yaml:"network_connections"`
	ExecutionTimeMS    int64   `json:"execution_time_ms" yaml:"execution_time_ms"`
	TempStorageMB      float64 `json:"temp_storage_mb" yaml:"temp_storage_mb"`
}

// Value returns the field's current value as a float.
func (u ResourceUsage) Value(f Field) float64 {
	switch f {
	case FieldMemory:
		return u.MemoryMB
	case FieldCPU:
		return u.CPUPercent
	case FieldFileHandles:
		return float64(u.FileHandles)
	case FieldNetworkConnections:
		return float64(u.NetworkConnections)
	case FieldExecutionTime:
		return float64(u.ExecutionTimeMS)
	case FieldTempStorage:
		return u.TempStorageMB
	default:
		return 0
	}
}

func (u *ResourceUsage) set(f Field, v float64) {
	switch f {
	case FieldMemory:
		u.MemoryMB = v
	case FieldCPU:
		u.CPUPercent = v
	case FieldFileHandles:
		u.FileHandles = int64(v)
	case FieldNetworkConnections:
		u.NetworkConnections = int64(v)
	case FieldExecutionTime:
		u.ExecutionTimeMS = int64(v)
	case FieldTempStorage:
		u.TempStorageMB = v
	}
}

// IsZero reports whether the tool holds nothing.
func (u ResourceUsage) IsZero() bool {
	return u == ResourceUsage{}
}

func (u ResourceUsage) String() string {
	return fmt.Sprintf("mem=%.1fMB cpu=%.1f%% files=%d conns=%d exec=%dms temp=%.1fMB",
		u.MemoryMB, u.CPUPercent, u.FileHandles, u.NetworkConnections, u.ExecutionTimeMS, u.TempStorageMB)
}

// MeasurementKind says how a Measurement's value combines with the current one.
type MeasurementKind int

const (
	Delta MeasurementKind = iota
	Absolute
)

// Measurement is a single observation from instrumentation, sampling or
// handle open/close events.
type Measurement struct {
	Field  Field
	Kind   MeasurementKind
	Value  float64
	Source string
}

func FileOpened() Measurement {
	return Measurement{Field: FieldFileHandles, Kind: Delta, Value: 1, Source: "file_open"}
}

func FileClosed() Measurement {
	return Measurement{Field: FieldFileHandles, Kind: Delta, Value: -1, Source: "file_close"}
}

func ConnectionOpened() Measurement {
	return Measurement{Field: FieldNetworkConnections, Kind: Delta, Value: 1, Source: "conn_open"}
}

func ConnectionClosed() Measurement {
	return Measurement{Field: FieldNetworkConnections, Kind: Delta, Value: -1, Source: "conn_close"}
}

func MemoryDelta(mb float64) Measurement {
	return Measurement{Field: FieldMemory, Kind: Delta, Value: mb, Source: "memory"}
}

func MemoryAbsolute(mb float64) Measurement {
	return Measurement{Field: FieldMemory, Kind: Absolute, Value: mb, Source: "sampler"}
}

func CPUAbsolute(percent float64) Measurement {
	return Measurement{Field: FieldCPU, Kind: Absolute, Value: percent, Source: "sampler"}
}

func ExecutionElapsed(d time.Duration) Measurement {
	return Measurement{Field: FieldExecutionTime, Kind: Delta, Value: float64(d.Milliseconds()), Source: "execution"}
}

func TempStorageDelta(mb float64) Measurement {
	return Measurement{Field: FieldTempStorage, Kind: Delta, Value: mb, Source: "temp_storage"}
}
