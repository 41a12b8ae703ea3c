package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Send on a connection whose either end was closed.
var ErrClosed = errors.New("ipc: connection closed")

// MalformedError reports a frame that could not be decoded. The connection
// stays usable after it.
type MalformedError struct {
	Line []byte
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("ipc: malformed frame: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Conn is an ordered, bidirectional message channel to one execution unit.
// Recv returns io.EOF once the peer is gone and every buffered message has
// been delivered.
type Conn interface {
	Send(msg *Message) error
	Recv(ctx context.Context) (*Message, error)
	Close() error
}

type frame struct {
	msg *Message
	err error
}

// StreamConn speaks JSON lines over a byte stream, typically the stdio pipes
// of a child process.
type StreamConn struct {
	writer io.Writer
	closer io.Closer

	writeMu sync.Mutex
	in      chan frame
	closed  atomic.Bool
	done    chan struct{}
}

// NewStreamConn starts reading frames from r immediately. c is closed by
// Close and may be nil.
func NewStreamConn(r io.Reader, w io.Writer, c io.Closer) *StreamConn {
	sc := &StreamConn{
		writer: w,
		closer: c,
		in:     make(chan frame, 64),
		done:   make(chan struct{}),
	}
	go sc.readLoop(bufio.NewReaderSize(r, 64*1024))
	return sc
}

func (c *StreamConn) readLoop(r *bufio.Reader) {
	defer close(c.in)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			c.deliver(line)
		}
		if err != nil {
			return
		}
	}
}

func (c *StreamConn) deliver(line []byte) {
	trimmed := line
	if n := len(trimmed); n > 0 && trimmed[n-1] == '\n' {
		trimmed = trimmed[:n-1]
	}
	if len(trimmed) == 0 {
		return
	}
	var f frame
	msg := &Message{}
	if err := json.Unmarshal(trimmed, msg); err != nil {
		f.err = &MalformedError{Line: append([]byte(nil), trimmed...), Err: err}
	} else {
		f.msg = msg
	}
	select {
	case c.in <- f:
	case <-c.done:
	}
}

// Send writes msg as one line. Safe for concurrent use.
func (c *StreamConn) Send(msg *Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Case, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Case, err)
	}
	return nil
}

// Recv returns the next frame. A *MalformedError is returned for lines that
// do not decode; callers may keep reading after it.
func (c *StreamConn) Recv(ctx context.Context) (*Message, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return f.msg, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the underlying stream. Idempotent.
func (c *StreamConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// pipe is the shared state of an in-memory Conn pair.
type pipe struct {
	done chan struct{}
	once sync.Once
}

func (p *pipe) close() { p.once.Do(func() { close(p.done) }) }

type memConn struct {
	p   *pipe
	in  <-chan *Message
	out chan<- *Message
}

// Pipe returns two connected in-memory Conns. Messages are passed by
// pointer; senders must not touch a message after Send. buffer bounds each
// direction and provides backpressure.
func Pipe(buffer int) (Conn, Conn) {
	if buffer <= 0 {
		buffer = 64
	}
	p := &pipe{done: make(chan struct{})}
	ab := make(chan *Message, buffer)
	ba := make(chan *Message, buffer)
	return &memConn{p: p, in: ba, out: ab}, &memConn{p: p, in: ab, out: ba}
}

func (c *memConn) Send(msg *Message) error {
	select {
	case <-c.p.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.p.done:
		return ErrClosed
	}
}

func (c *memConn) Recv(ctx context.Context) (*Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.p.done:
		// deliver what the peer sent before closing
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.p.close()
	return nil
}
