package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// File descriptor numbers inherited by a forked worker.
// ExtraFiles[0] becomes FD 3 in the child process, ExtraFiles[1] FD 4.
const (
	ControlFD  = 3
	ListenerFD = 4
)

// MaxFrameSize bounds a single envelope on the wire.
const MaxFrameSize = 4 << 20

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("ipc: connection closed")

// Conn frames envelopes as newline-delimited JSON over a byte stream.
// Send is safe for concurrent use; Recv must be called from a single goroutine.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewConn wraps an established byte stream.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: bufio.NewReaderSize(rwc, 64*1024),
	}
}

// Send writes a single envelope.
func (c *Conn) Send(msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.rwc.Write(data); err != nil {
		return fmt.Errorf("ipc: send %s: %w", msg.Kind(), err)
	}
	return nil
}

// Recv blocks until the next envelope arrives. A frame that cannot be decoded
// is reported as ErrUnknownEnvelope or ErrMalformedEnvelope and the stream
// stays usable (see Skippable); io.EOF means the peer went away.
func (c *Conn) Recv() (Message, error) {
	line, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	return Unmarshal(line)
}

// readFrame returns the next line. An oversize line is consumed to its end
// and reported as malformed.
func (c *Conn) readFrame() ([]byte, error) {
	var frame []byte
	oversize := false
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		if !oversize {
			frame = append(frame, chunk...)
			if len(frame) > MaxFrameSize {
				oversize = true
				frame = nil
			}
		}
		if isPrefix {
			continue
		}
		if oversize {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedEnvelope, MaxFrameSize)
		}
		return frame, nil
	}
}

// Close closes the underlying stream, unblocking any pending Send or Recv.
// It is safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.rwc.Close()
}

// SocketPair creates a connected Unix stream pair. The parent keeps the returned
// Conn; the file is handed to the child as ExtraFiles[0] and must be closed by
// the parent once the child has started.
func SocketPair() (*Conn, *os.File, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}
	syscall.CloseOnExec(fds[0])

	parentFile := os.NewFile(uintptr(fds[0]), "prefork-control-parent")
	childFile := os.NewFile(uintptr(fds[1]), "prefork-control-child")

	// FileConn dups the descriptor, so the original file can be closed.
	nc, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		childFile.Close()
		return nil, nil, fmt.Errorf("ipc: wrap control socket: %w", err)
	}
	return NewConn(nc), childFile, nil
}

// InheritedConn opens the control socket passed by the supervisor on fd.
func InheritedConn(fd uintptr) (*Conn, error) {
	f := os.NewFile(fd, "prefork-control")
	if f == nil {
		return nil, fmt.Errorf("ipc: invalid control fd %d", fd)
	}
	defer f.Close()

	nc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("ipc: open inherited control socket: %w", err)
	}
	return NewConn(nc), nil
}
