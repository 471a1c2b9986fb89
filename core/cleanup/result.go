package cleanup

import (
	"errors"
	"fmt"
	"time"
)

// Category is one release step. Steps run in declaration order.
type Category int

const (
	CategoryFileHandles Category = iota
	CategoryNetworkConnections
	CategoryMemory
	CategoryTempStorage
	CategoryUsageRecord
)

var categoryOrder = []Category{
	CategoryFileHandles,
	CategoryNetworkConnections,
	CategoryMemory,
	CategoryTempStorage,
	CategoryUsageRecord,
}

var categoryNames = map[Category]string{
	CategoryFileHandles:        "file_handles",
	CategoryNetworkConnections: "network_connections",
	CategoryMemory:             "memory",
	CategoryTempStorage:        "temp_storage",
	CategoryUsageRecord:        "usage_record",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// CategoryResult counts what happened in one step. Forced releases succeeded
// only after a graceful attempt timed out or failed.
type CategoryResult struct {
	Category Category
	Released int
	Forced   int
	Failed   int
	Errors   []error
}

func (r CategoryResult) Succeeded() bool {
	return r.Failed == 0
}

func (r *CategoryResult) fail(id string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Errorf("%s %s: %w", r.Category, id, err))
}

// Result reports a cleanup run. It always carries every category, in order.
type Result struct {
	ToolID     string
	Categories []CategoryResult
	// Partial counts releases that needed the forced path.
	Partial   int
	Cancelled bool
	StartedAt time.Time
	Duration  time.Duration
}

func newResult(toolID string) Result {
	r := Result{
		ToolID:     toolID,
		Categories: make([]CategoryResult, len(categoryOrder)),
		StartedAt:  time.Now(),
	}
	for i, c := range categoryOrder {
		r.Categories[i].Category = c
	}
	return r
}

// Succeeded reports whether every category released everything it held.
func (r Result) Succeeded() bool {
	for _, c := range r.Categories {
		if !c.Succeeded() {
			return false
		}
	}
	return true
}

func (r Result) Category(c Category) CategoryResult {
	for _, cr := range r.Categories {
		if cr.Category == c {
			return cr
		}
	}
	return CategoryResult{Category: c}
}

func (r Result) Released() int {
	total := 0
	for _, c := range r.Categories {
		total += c.Released
	}
	return total
}

func (r Result) Failed() int {
	total := 0
	for _, c := range r.Categories {
		total += c.Failed
	}
	return total
}

// Err joins every release failure, or returns nil.
func (r Result) Err() error {
	var errs []error
	for _, c := range r.Categories {
		errs = append(errs, c.Errors...)
	}
	return errors.Join(errs...)
}

func (r *Result) at(c Category) *CategoryResult {
	return &r.Categories[int(c)]
}
