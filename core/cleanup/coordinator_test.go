package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/toolrt/core/resources"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type closeLog struct {
	mu    sync.Mutex
	order []string
}

func (l *closeLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, id)
}

func (l *closeLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

type fakeFile struct {
	id  string
	log *closeLog
	err error
}

func (f *fakeFile) ID() string { return f.id }

func (f *fakeFile) Close() error {
	if f.err != nil {
		return f.err
	}
	if f.log != nil {
		f.log.add(f.id)
	}
	return nil
}

type fakeConn struct {
	id        string
	hang      bool
	mu        sync.Mutex
	graceful  int
	forced    int
	shutdowns int
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdowns++
	c.mu.Unlock()
	if c.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	c.graceful++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ForceClose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced++
	return nil
}

func (c *fakeConn) counts() (graceful, forced, shutdowns int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graceful, c.forced, c.shutdowns
}

type recordingReporter struct {
	mu      sync.Mutex
	results []Result
}

func (r *recordingReporter) CleanupCompleted(result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func newTestCoordinator(grace time.Duration) (*Coordinator, *resources.Tracker, *recordingReporter) {
	tracker := resources.NewTracker(resources.TrackerConfig{Logger: discardLogger()})
	reporter := &recordingReporter{}
	c := NewCoordinator(Config{
		NetworkGrace: grace,
		Usage:        tracker,
		Reporter:     reporter,
		Logger:       discardLogger(),
	})
	return c, tracker, reporter
}

func TestCleanup_ForcesSlowConnection(t *testing.T) {
	c, tracker, reporter := newTestCoordinator(20 * time.Millisecond)
	tracker.Register("t1")

	require.NoError(t, c.TrackFile("t1", &fakeFile{id: "a"}))
	require.NoError(t, c.TrackFile("t1", &fakeFile{id: "b"}))
	conn := &fakeConn{id: "upstream", hang: true}
	require.NoError(t, c.TrackConnection("t1", conn))

	result := c.Cleanup(context.Background(), "t1")

	assert.True(t, result.Succeeded())
	assert.Equal(t, 1, result.Partial)
	assert.Equal(t, 2, result.Category(CategoryFileHandles).Released)
	assert.Equal(t, 1, result.Category(CategoryNetworkConnections).Released)
	assert.Equal(t, 1, result.Category(CategoryNetworkConnections).Forced)

	_, forced, _ := conn.counts()
	assert.Equal(t, 1, forced)

	usage, ok := tracker.Snapshot("t1")
	require.True(t, ok)
	assert.True(t, usage.IsZero())
	assert.Equal(t, 0, c.Holding("t1").Total())
	assert.Equal(t, 1, reporter.count())
}

func TestCleanup_GracefulConnectionNotForced(t *testing.T) {
	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")

	conn := &fakeConn{id: "db"}
	require.NoError(t, c.TrackConnection("t1", conn))

	result := c.Cleanup(context.Background(), "t1")
	assert.True(t, result.Succeeded())
	assert.Equal(t, 0, result.Partial)

	graceful, forced, _ := conn.counts()
	assert.Equal(t, 1, graceful)
	assert.Equal(t, 0, forced)
}

func TestCleanup_IsIdempotent(t *testing.T) {
	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")
	require.NoError(t, c.TrackFile("t1", &fakeFile{id: "a"}))

	first := c.Cleanup(context.Background(), "t1")
	second := c.Cleanup(context.Background(), "t1")

	assert.True(t, first.Succeeded())
	assert.True(t, second.Succeeded())
	assert.Equal(t, 1, first.Category(CategoryFileHandles).Released)
	assert.Equal(t, 0, second.Category(CategoryFileHandles).Released)
	require.Len(t, second.Categories, 5)
	for i, cat := range second.Categories {
		assert.Equal(t, categoryOrder[i], cat.Category)
	}
}

func TestCleanup_UnknownToolIsTriviallySuccessful(t *testing.T) {
	c, _, _ := newTestCoordinator(time.Second)

	result := c.Cleanup(context.Background(), "ghost")
	assert.True(t, result.Succeeded())
	assert.Len(t, result.Categories, 5)
	assert.NoError(t, result.Err())
}

func TestCleanup_ClosesFilesInReverseOrder(t *testing.T) {
	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")

	log := &closeLog{}
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, c.TrackFile("t1", &fakeFile{id: id, log: log}))
	}

	c.Cleanup(context.Background(), "t1")
	assert.Equal(t, []string{"third", "second", "first"}, log.snapshot())
}

func TestCleanup_CancelledContextForcesConnections(t *testing.T) {
	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")

	conn := &fakeConn{id: "api"}
	require.NoError(t, c.TrackConnection("t1", conn))
	require.NoError(t, c.TrackFile("t1", &fakeFile{id: "f"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := c.Cleanup(ctx, "t1")
	assert.True(t, result.Cancelled)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 1, result.Category(CategoryFileHandles).Released)

	graceful, forced, shutdowns := conn.counts()
	assert.Equal(t, 0, shutdowns)
	assert.Equal(t, 0, graceful)
	assert.Equal(t, 1, forced)
}

func TestCleanup_FailedReleaseStaysAttached(t *testing.T) {
	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")

	stuck := &fakeFile{id: "stuck", err: errors.New("device busy")}
	require.NoError(t, c.TrackFile("t1", stuck))
	require.NoError(t, c.TrackFile("t1", &fakeFile{id: "ok"}))

	result := c.Cleanup(context.Background(), "t1")
	assert.False(t, result.Succeeded())
	assert.Equal(t, 1, result.Category(CategoryFileHandles).Failed)
	assert.Equal(t, 1, result.Category(CategoryFileHandles).Released)
	assert.ErrorContains(t, result.Err(), "device busy")

	assert.Equal(t, 1, c.Holding("t1").Files)
	usage, _ := tracker.Snapshot("t1")
	assert.Equal(t, int64(1), usage.FileHandles)

	stuck.err = nil
	retry := c.Cleanup(context.Background(), "t1")
	assert.True(t, retry.Succeeded())
	assert.Equal(t, 1, retry.Category(CategoryFileHandles).Released)
	usage, _ = tracker.Snapshot("t1")
	assert.True(t, usage.IsZero())
}

func TestCleanup_ReleasesMemoryAndTemp(t *testing.T) {
	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")

	dir := t.TempDir()
	scratch := filepath.Join(dir, "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "out.bin"), []byte("data"), 0o644))

	reservation := NewByteReservation("buf", 2<<20)
	require.NoError(t, c.TrackMemory("t1", reservation))
	require.NoError(t, c.TrackTemp("t1", TempArtifact{Path: scratch, SizeMB: 1}))

	usage, _ := tracker.Snapshot("t1")
	assert.Equal(t, 2.0, usage.MemoryMB)
	assert.Equal(t, 1.0, usage.TempStorageMB)

	result := c.Cleanup(context.Background(), "t1")
	assert.True(t, result.Succeeded())
	assert.Equal(t, 1, result.Category(CategoryMemory).Released)
	assert.Equal(t, 1, result.Category(CategoryTempStorage).Released)
	assert.Nil(t, reservation.Bytes())

	_, err := os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
}

type hookFile struct {
	id      string
	onClose func()
}

func (f *hookFile) ID() string { return f.id }

func (f *hookFile) Close() error {
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}

func TestCleanup_CountsResourcesTrackedDuringRun(t *testing.T) {
	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")

	late := &fakeFile{id: "late"}
	first := &hookFile{id: "first"}
	first.onClose = func() {
		assert.NoError(t, c.TrackFile("t1", late))
	}
	require.NoError(t, c.TrackFile("t1", first))
	require.NoError(t, c.TrackFile("t1", &fakeFile{id: "stuck", err: errors.New("eio")}))

	result := c.Cleanup(context.Background(), "t1")
	assert.False(t, result.Succeeded())
	assert.Equal(t, 2, c.Holding("t1").Files)

	usage, _ := tracker.Snapshot("t1")
	assert.Equal(t, int64(2), usage.FileHandles)

	require.NoError(t, c.ReleaseFile("t1", "late"))
	usage, _ = tracker.Snapshot("t1")
	assert.Equal(t, int64(1), usage.FileHandles)
}

func TestRelease_FailedCloseRestoresUsage(t *testing.T) {
	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")

	require.NoError(t, c.TrackFile("t1", &fakeFile{id: "a", err: errors.New("eio")}))
	assert.Error(t, c.ReleaseFile("t1", "a"))

	usage, _ := tracker.Snapshot("t1")
	assert.Equal(t, int64(1), usage.FileHandles)
}

func TestTrack_UntrackedToolFails(t *testing.T) {
	c, _, _ := newTestCoordinator(time.Second)

	err := c.TrackFile("ghost", &fakeFile{id: "a"})
	assert.ErrorIs(t, err, resources.ErrToolNotTracked)
	assert.Equal(t, 0, c.Holding("ghost").Total())
}

func TestRelease_NormalPath(t *testing.T) {
	c, tracker, _ := newTestCoordinator(20 * time.Millisecond)
	tracker.Register("t1")

	require.NoError(t, c.TrackFile("t1", &fakeFile{id: "a"}))
	require.NoError(t, c.TrackConnection("t1", &fakeConn{id: "c", hang: true}))

	require.NoError(t, c.ReleaseFile("t1", "a"))
	require.NoError(t, c.ReleaseConnection(context.Background(), "t1", "c"))
	assert.ErrorIs(t, c.ReleaseFile("t1", "a"), ErrNotHeld)

	usage, _ := tracker.Snapshot("t1")
	assert.Equal(t, int64(0), usage.FileHandles)
	assert.Equal(t, int64(0), usage.NetworkConnections)
}

func TestRelease_MemoryAndTemp(t *testing.T) {
	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")

	scratch := filepath.Join(t.TempDir(), "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	require.NoError(t, c.TrackMemory("t1", NewByteReservation("buf", 3<<20)))
	require.NoError(t, c.TrackTemp("t1", TempArtifact{Path: scratch, SizeMB: 2}))

	require.NoError(t, c.ReleaseMemory("t1", "buf"))
	require.NoError(t, c.ReleaseTemp("t1", scratch))
	assert.ErrorIs(t, c.ReleaseMemory("t1", "buf"), ErrNotHeld)
	assert.ErrorIs(t, c.ReleaseTemp("t1", scratch), ErrNotHeld)

	usage, _ := tracker.Snapshot("t1")
	assert.Equal(t, 0.0, usage.MemoryMB)
	assert.Equal(t, 0.0, usage.TempStorageMB)
	assert.Equal(t, 0, c.Holding("t1").Total())

	_, err := os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
}

func TestRelease_FailedCloseKeepsFile(t *testing.T) {
	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")

	require.NoError(t, c.TrackFile("t1", &fakeFile{id: "a", err: errors.New("eio")}))
	assert.Error(t, c.ReleaseFile("t1", "a"))
	assert.Equal(t, 1, c.Holding("t1").Files)
}

func TestNetConn_ShutdownAgainstRealPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		peer, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, peer)
		peer.Close()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")
	require.NoError(t, c.TrackConnection("t1", NetConn{Conn: conn, Name: "peer"}))

	result := c.Cleanup(context.Background(), "t1")
	assert.True(t, result.Succeeded())
	assert.Equal(t, 0, result.Partial)
}

func TestForget_DropsHoldings(t *testing.T) {
	c, tracker, _ := newTestCoordinator(time.Second)
	tracker.Register("t1")
	require.NoError(t, c.TrackFile("t1", &fakeFile{id: "a"}))

	c.Forget("t1")
	assert.Equal(t, 0, c.Holding("t1").Total())
}

func TestMultiReporter_FansOut(t *testing.T) {
	a, b := &recordingReporter{}, &recordingReporter{}
	m := NewMultiReporter(a, nil, b, NewLoggingReporter(discardLogger()))

	m.CleanupCompleted(newResult("t1"))
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}
