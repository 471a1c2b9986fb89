package cleanup

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
)

// FileHandle is an open file owned by a tool.
type FileHandle interface {
	ID() string
	Close() error
}

// Connection is a network connection owned by a tool. Shutdown closes it
// gracefully and must respect ctx; ForceClose drops it immediately.
type Connection interface {
	ID() string
	Shutdown(ctx context.Context) error
	ForceClose() error
}

// Reservation is memory reserved on behalf of a tool.
type Reservation interface {
	ID() string
	SizeMB() float64
	Release() error
}

// TempArtifact is a file or directory a tool wrote to temp storage.
type TempArtifact struct {
	Path   string
	SizeMB float64
}

// OSFile adapts *os.File to FileHandle.
type OSFile struct {
	*os.File
}

func (f OSFile) ID() string {
	return f.Name()
}

// NetConn adapts a net.Conn. Shutdown half-closes TCP connections and drains
// the peer until EOF or ctx ends.
type NetConn struct {
	Conn net.Conn
	Name string
}

func (c NetConn) ID() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Conn.RemoteAddr().String()
}

func (c NetConn) Shutdown(ctx context.Context) error {
	tcp, ok := c.Conn.(*net.TCPConn)
	if !ok {
		return c.Conn.Close()
	}
	if err := tcp.CloseWrite(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = tcp.SetReadDeadline(deadline)
	}
	if _, err := io.Copy(io.Discard, tcp); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return context.DeadlineExceeded
		}
		return err
	}
	return tcp.Close()
}

func (c NetConn) ForceClose() error {
	if tcp, ok := c.Conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	return c.Conn.Close()
}

// ByteReservation is a memory block that is zeroed when released.
type ByteReservation struct {
	Name string
	mu   sync.Mutex
	buf  []byte
}

func NewByteReservation(name string, sizeBytes int) *ByteReservation {
	return &ByteReservation{Name: name, buf: make([]byte, sizeBytes)}
}

func (r *ByteReservation) ID() string {
	return r.Name
}

func (r *ByteReservation) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf
}

func (r *ByteReservation) SizeMB() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(len(r.buf)) / (1 << 20)
}

func (r *ByteReservation) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.buf = nil
	return nil
}

// holdings are the resources a tool currently owns, in acquisition order.
type holdings struct {
	mu     sync.Mutex
	files  []FileHandle
	conns  []Connection
	memory []Reservation
	temps  []TempArtifact
}

func (h *holdings) empty() bool {
	return len(h.files) == 0 && len(h.conns) == 0 && len(h.memory) == 0 && len(h.temps) == 0
}

// Holding summarizes what a tool still owns.
type Holding struct {
	Files       int
	Connections int
	Memory      int
	Temp        int
}

func (h Holding) Total() int {
	return h.Files + h.Connections + h.Memory + h.Temp
}
