package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/adalundhe/toolrt/core/resources"
)

const DefaultNetworkGrace = 5 * time.Second

var ErrNotHeld = errors.New("resource not held by tool")

// UsageRecorder is the slice of the usage tracker cleanup needs.
type UsageRecorder interface {
	Record(toolID string, m resources.Measurement) error
	Clear(toolID string)
}

type Config struct {
	// NetworkGrace bounds a graceful connection shutdown before it is forced.
	NetworkGrace time.Duration
	Usage        UsageRecorder
	Reporter     Reporter
	Logger       *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		NetworkGrace: DefaultNetworkGrace,
		Reporter:     &NoOpReporter{},
		Logger:       slog.Default(),
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.NetworkGrace <= 0 {
		cfg.NetworkGrace = DefaultNetworkGrace
	}
	if cfg.Reporter == nil {
		cfg.Reporter = &NoOpReporter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Coordinator owns the resources each tool holds and releases them on
// request. It never calls into recovery.
type Coordinator struct {
	cfg   Config
	tools sync.Map
}

func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: normalizeConfig(cfg)}
}

func (c *Coordinator) NetworkGrace() time.Duration {
	return c.cfg.NetworkGrace
}

func (c *Coordinator) TrackFile(toolID string, f FileHandle) error {
	h := c.holdings(toolID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.record(toolID, resources.FileOpened()); err != nil {
		return err
	}
	h.files = append(h.files, f)
	return nil
}

func (c *Coordinator) TrackConnection(toolID string, conn Connection) error {
	h := c.holdings(toolID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.record(toolID, resources.ConnectionOpened()); err != nil {
		return err
	}
	h.conns = append(h.conns, conn)
	return nil
}

func (c *Coordinator) TrackMemory(toolID string, r Reservation) error {
	h := c.holdings(toolID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.record(toolID, resources.MemoryDelta(r.SizeMB())); err != nil {
		return err
	}
	h.memory = append(h.memory, r)
	return nil
}

func (c *Coordinator) TrackTemp(toolID string, a TempArtifact) error {
	h := c.holdings(toolID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.record(toolID, resources.TempStorageDelta(a.SizeMB)); err != nil {
		return err
	}
	h.temps = append(h.temps, a)
	return nil
}

// ReleaseFile closes one file on the normal path. The usage record follows
// the holdings: it drops with the file and comes back if the close fails.
func (c *Coordinator) ReleaseFile(toolID, id string) error {
	h := c.holdings(toolID)
	h.mu.Lock()
	idx := indexOf(h.files, func(f FileHandle) bool { return f.ID() == id })
	if idx < 0 {
		h.mu.Unlock()
		return fmt.Errorf("file %s: %w", id, ErrNotHeld)
	}
	f := h.files[idx]
	h.files = append(h.files[:idx], h.files[idx+1:]...)
	recErr := c.record(toolID, resources.FileClosed())
	h.mu.Unlock()

	if err := f.Close(); err != nil {
		h.mu.Lock()
		h.files = append(h.files, f)
		_ = c.record(toolID, resources.FileOpened())
		h.mu.Unlock()
		return fmt.Errorf("close %s: %w", id, err)
	}
	return recErr
}

// ReleaseConnection shuts one connection down on the normal path, forcing it
// if the grace period runs out.
func (c *Coordinator) ReleaseConnection(ctx context.Context, toolID, id string) error {
	h := c.holdings(toolID)
	h.mu.Lock()
	idx := indexOf(h.conns, func(conn Connection) bool { return conn.ID() == id })
	if idx < 0 {
		h.mu.Unlock()
		return fmt.Errorf("connection %s: %w", id, ErrNotHeld)
	}
	conn := h.conns[idx]
	h.conns = append(h.conns[:idx], h.conns[idx+1:]...)
	recErr := c.record(toolID, resources.ConnectionClosed())
	h.mu.Unlock()

	if _, err := c.shutdown(ctx, conn); err != nil {
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		_ = c.record(toolID, resources.ConnectionOpened())
		h.mu.Unlock()
		return err
	}
	return recErr
}

func (c *Coordinator) ReleaseMemory(toolID, id string) error {
	h := c.holdings(toolID)
	h.mu.Lock()
	idx := indexOf(h.memory, func(r Reservation) bool { return r.ID() == id })
	if idx < 0 {
		h.mu.Unlock()
		return fmt.Errorf("reservation %s: %w", id, ErrNotHeld)
	}
	r := h.memory[idx]
	h.memory = append(h.memory[:idx], h.memory[idx+1:]...)
	size := r.SizeMB()
	recErr := c.record(toolID, resources.MemoryDelta(-size))
	h.mu.Unlock()

	if err := r.Release(); err != nil {
		h.mu.Lock()
		h.memory = append(h.memory, r)
		_ = c.record(toolID, resources.MemoryDelta(size))
		h.mu.Unlock()
		return fmt.Errorf("release %s: %w", id, err)
	}
	return recErr
}

// ReleaseTemp deletes one temp artifact, identified by its path.
func (c *Coordinator) ReleaseTemp(toolID, path string) error {
	h := c.holdings(toolID)
	h.mu.Lock()
	idx := indexOf(h.temps, func(a TempArtifact) bool { return a.Path == path })
	if idx < 0 {
		h.mu.Unlock()
		return fmt.Errorf("temp %s: %w", path, ErrNotHeld)
	}
	a := h.temps[idx]
	h.temps = append(h.temps[:idx], h.temps[idx+1:]...)
	recErr := c.record(toolID, resources.TempStorageDelta(-a.SizeMB))
	h.mu.Unlock()

	if err := os.RemoveAll(a.Path); err != nil {
		h.mu.Lock()
		h.temps = append(h.temps, a)
		_ = c.record(toolID, resources.TempStorageDelta(a.SizeMB))
		h.mu.Unlock()
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return recErr
}

// Holding reports what the tool still owns.
func (c *Coordinator) Holding(toolID string) Holding {
	v, ok := c.tools.Load(toolID)
	if !ok {
		return Holding{}
	}
	h := v.(*holdings)
	h.mu.Lock()
	defer h.mu.Unlock()
	return Holding{
		Files:       len(h.files),
		Connections: len(h.conns),
		Memory:      len(h.memory),
		Temp:        len(h.temps),
	}
}

// Forget drops the tool's bookkeeping. Call after a final Cleanup.
func (c *Coordinator) Forget(toolID string) {
	c.tools.Delete(toolID)
}

// Cleanup releases everything the tool holds: files in reverse open order,
// connections (graceful, then forced), memory, temp artifacts, and finally the
// usage record. Failures do not stop later steps; whatever failed to release
// stays attached so the next run retries it. A cancelled ctx turns graceful
// steps into forced ones.
func (c *Coordinator) Cleanup(ctx context.Context, toolID string) Result {
	result := newResult(toolID)
	taken := c.detach(toolID)
	left := &holdings{}

	c.closeFiles(taken.files, left, &result)
	c.closeConnections(ctx, taken.conns, left, &result)
	c.releaseMemory(taken.memory, left, &result)
	c.removeTemps(taken.temps, left, &result)
	c.settle(toolID, left, &result)

	result.Cancelled = ctx.Err() != nil
	result.Duration = time.Since(result.StartedAt)
	c.logResult(result)
	c.cfg.Reporter.CleanupCompleted(result)
	return result
}

func (c *Coordinator) closeFiles(files []FileHandle, left *holdings, result *Result) {
	cat := result.at(CategoryFileHandles)
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		if err := f.Close(); err != nil {
			cat.fail(f.ID(), err)
			left.files = append([]FileHandle{f}, left.files...)
			continue
		}
		cat.Released++
	}
}

func (c *Coordinator) closeConnections(ctx context.Context, conns []Connection, left *holdings, result *Result) {
	cat := result.at(CategoryNetworkConnections)
	for _, conn := range conns {
		forced, err := c.shutdown(ctx, conn)
		if err != nil {
			cat.fail(conn.ID(), err)
			left.conns = append(left.conns, conn)
			continue
		}
		cat.Released++
		if forced {
			cat.Forced++
			result.Partial++
		}
	}
}

// shutdown tries a graceful close bounded by the grace period and falls back
// to ForceClose on timeout, error or cancellation.
func (c *Coordinator) shutdown(ctx context.Context, conn Connection) (forced bool, err error) {
	if ctx.Err() == nil {
		if c.tryGraceful(ctx, conn) {
			return false, nil
		}
	}
	c.cfg.Logger.Debug("forcing connection close", "connection", conn.ID())
	if err := conn.ForceClose(); err != nil {
		return true, fmt.Errorf("force close: %w", err)
	}
	return true, nil
}

func (c *Coordinator) tryGraceful(ctx context.Context, conn Connection) bool {
	graceCtx, cancel := context.WithTimeout(ctx, c.cfg.NetworkGrace)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- conn.Shutdown(graceCtx)
	}()

	select {
	case err := <-done:
		return err == nil
	case <-graceCtx.Done():
		return false
	}
}

func (c *Coordinator) releaseMemory(reservations []Reservation, left *holdings, result *Result) {
	cat := result.at(CategoryMemory)
	for _, r := range reservations {
		if err := r.Release(); err != nil {
			cat.fail(r.ID(), err)
			left.memory = append(left.memory, r)
			continue
		}
		cat.Released++
	}
}

func (c *Coordinator) removeTemps(temps []TempArtifact, left *holdings, result *Result) {
	cat := result.at(CategoryTempStorage)
	for _, a := range temps {
		if err := os.RemoveAll(a.Path); err != nil {
			cat.fail(a.Path, err)
			left.temps = append(left.temps, a)
			continue
		}
		cat.Released++
	}
}

// settle puts unreleased resources back ahead of anything acquired while the
// cleanup ran, preserving open order, then rebuilds the usage record from
// everything the tool now holds. Both happen under the holdings lock, which
// Track and Release also hold while they record.
func (c *Coordinator) settle(toolID string, left *holdings, result *Result) {
	cat := result.at(CategoryUsageRecord)
	h := c.existing(toolID, !left.empty())
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files = append(left.files, h.files...)
	h.conns = append(left.conns, h.conns...)
	h.memory = append(left.memory, h.memory...)
	h.temps = append(left.temps, h.temps...)

	if c.cfg.Usage == nil {
		cat.Released++
		return
	}
	c.cfg.Usage.Clear(toolID)
	cat.Released++

	for _, m := range recount(h) {
		if err := c.cfg.Usage.Record(toolID, m); err != nil {
			cat.fail(toolID, err)
			return
		}
	}
}

// recount lists the measurements that restore the usage of what h holds.
func recount(h *holdings) []resources.Measurement {
	var ms []resources.Measurement
	for range h.files {
		ms = append(ms, resources.FileOpened())
	}
	for range h.conns {
		ms = append(ms, resources.ConnectionOpened())
	}
	for _, r := range h.memory {
		ms = append(ms, resources.MemoryDelta(r.SizeMB()))
	}
	for _, a := range h.temps {
		ms = append(ms, resources.TempStorageDelta(a.SizeMB))
	}
	for i := range ms {
		ms[i].Source = "recount"
	}
	return ms
}

func (c *Coordinator) detach(toolID string) *holdings {
	v, ok := c.tools.Load(toolID)
	if !ok {
		return &holdings{}
	}
	h := v.(*holdings)
	h.mu.Lock()
	defer h.mu.Unlock()

	taken := &holdings{files: h.files, conns: h.conns, memory: h.memory, temps: h.temps}
	h.files, h.conns, h.memory, h.temps = nil, nil, nil, nil
	return taken
}

// existing returns the tool's holdings, creating them only when create is set.
func (c *Coordinator) existing(toolID string, create bool) *holdings {
	if v, ok := c.tools.Load(toolID); ok {
		return v.(*holdings)
	}
	if !create {
		return &holdings{}
	}
	return c.holdings(toolID)
}

func (c *Coordinator) holdings(toolID string) *holdings {
	if v, ok := c.tools.Load(toolID); ok {
		return v.(*holdings)
	}
	actual, _ := c.tools.LoadOrStore(toolID, &holdings{})
	return actual.(*holdings)
}

func (c *Coordinator) record(toolID string, m resources.Measurement) error {
	if c.cfg.Usage == nil {
		return nil
	}
	return c.cfg.Usage.Record(toolID, m)
}

func (c *Coordinator) logResult(result Result) {
	if result.Succeeded() {
		c.cfg.Logger.Debug("cleanup complete",
			"tool_id", result.ToolID,
			"released", result.Released(),
			"forced", result.Partial,
		)
		return
	}
	c.cfg.Logger.Warn("cleanup incomplete",
		"tool_id", result.ToolID,
		"released", result.Released(),
		"failed", result.Failed(),
		"cancelled", result.Cancelled,
		"error", result.Err(),
	)
}

func indexOf[T any](items []T, match func(T) bool) int {
	for i, item := range items {
		if match(item) {
			return i
		}
	}
	return -1
}
