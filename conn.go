// Package otnet is the network core of a game server: it accepts TCP
// connections, frames the byte stream into messages, and dispatches them to a
// pluggable Protocol while serializing outgoing frames one at a time.
package otnet

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/otnet/message"
)

// Errors returned by connection operations.
var (
	// ErrInvalidConn is returned when no socket is provided.
	ErrInvalidConn = errors.New("invalid tcp connection")
	// ErrInvalidProtocol is returned when a connection is started without a protocol.
	ErrInvalidProtocol = errors.New("invalid protocol")
	// ErrUnexpectedMessage is returned by protocols that accept a single frame.
	ErrUnexpectedMessage = errors.New("unexpected message")
	// ErrProtocolPanic wraps a panic recovered from a protocol handler.
	ErrProtocolPanic = errors.New("protocol handler panicked")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Conn is a client connection bound to a Protocol.
//
// Reads are strictly sequential: a frame is read only after the handler of
// the previous one returned. Writes are queued and written one at a time in
// the order Send was called; Send and SendAndStop are safe to call from any
// goroutine.
type Conn struct {
	id      uuid.UUID
	rawConn net.Conn
	reader  *bufio.Reader
	logger  Logger
	metrics *Metrics

	opts options

	msg *message.Incoming

	mu          sync.Mutex // guards queue, closing, protocol, ctx and cancel
	queue       []Encoder
	closing     bool // stop once the queue is flushed
	protocol    Protocol
	ctx         context.Context
	cancel      context.CancelFunc
	writeSignal chan struct{}

	started     atomic.Bool
	readClosed  atomic.Bool
	writeClosed atomic.Bool
	stopped     atomic.Bool
	lost        sync.Once
	done        chan struct{}
}

// halfCloser is implemented by sockets supporting half shutdown, such as
// *net.TCPConn.
type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// NewConn creates a new connection wrapper around the given socket,
// usually a *net.TCPConn.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	if conn == nil {
		return nil, ErrInvalidConn
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return &Conn{
		id:          uuid.New(),
		rawConn:     conn,
		reader:      bufio.NewReaderSize(conn, opts.readBufferSize),
		logger:      opts.logger,
		metrics:     opts.metrics,
		opts:        opts,
		msg:         message.NewIncoming(),
		writeSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}, nil
}

// Run binds p to the connection and starts the read and write loops.
// It blocks until the connection is stopped, either by the protocol, by an
// I/O error or by ctx. Calling Run on a started connection returns nil
// immediately.
//
// The returned error is the cause of an abort, or nil when the connection
// was stopped deliberately.
func (c *Conn) Run(ctx context.Context, p Protocol) error {
	if p == nil {
		return ErrInvalidProtocol
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	if c.IsStopped() {
		return ErrConnectionClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.protocol = p
	c.ctx = ctx
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Debug("connection established", "id", c.id, "addr", c.Addr(), "protocol", p.Name(),
		"read_timeout", c.opts.readTimeout,
		"write_timeout", c.opts.writeTimeout)

	if err := c.connectionMade(p); err != nil {
		c.abort(err)
		return err
	}

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	group.Go(func() error {
		select {
		case <-child.Done():
			if c.IsStopped() {
				return nil
			}
			c.abort(child.Err())
			return child.Err()
		case <-c.done:
			return nil
		}
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("connection closed with error", "id", c.id, "addr", c.Addr(), "error", err)
	} else {
		c.logger.Debug("connection closed", "id", c.id, "addr", c.Addr())
	}

	return err
}

func (c *Conn) connectionMade(p Protocol) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrProtocolPanic, "%s connection made: %v", p.Name(), r)
		}
	}()
	p.ConnectionMade(c)
	return nil
}

// ID returns the unique identifier of the connection.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// PeerIP returns the remote IP address, or nil if it is unknown.
func (c *Conn) PeerIP() net.IP {
	if addr, ok := c.Addr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

// Protocol returns the bound protocol, or nil before Run and after Stop.
func (c *Conn) Protocol() Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Context returns a context canceled when the connection stops. Before Run
// it returns context.Background.
func (c *Conn) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Done returns a channel closed when the connection is stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// IsReceiving reports whether frames are still being read.
func (c *Conn) IsReceiving() bool {
	return !c.readClosed.Load()
}

// IsSending reports whether frames may still be queued.
func (c *Conn) IsSending() bool {
	return !c.writeClosed.Load()
}

// IsStopped reports whether the connection reached its terminal state.
func (c *Conn) IsStopped() bool {
	return c.stopped.Load()
}

// Send queues msg for writing.
// Ownership of msg passes to the connection, even when an error is returned.
func (c *Conn) Send(msg Encoder) error {
	return c.enqueue(msg, false)
}

// SendAndStop queues msg and stops the connection once every queued frame,
// msg included, has been written. Later sends are rejected.
func (c *Conn) SendAndStop(msg Encoder) error {
	return c.enqueue(msg, true)
}

func (c *Conn) enqueue(msg Encoder, stop bool) error {
	c.mu.Lock()
	if c.IsStopped() || !c.IsSending() || c.closing {
		c.mu.Unlock()
		release(msg)
		return ErrConnectionClosed
	}
	c.queue = append(c.queue, msg)
	if stop {
		c.closing = true
	}
	c.mu.Unlock()

	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
	return nil
}

// StopReceiving stops reading frames and shuts down the read half of the
// socket when supported. Queued frames are still written.
func (c *Conn) StopReceiving() {
	if c.readClosed.Swap(true) {
		return
	}
	if hc, ok := c.rawConn.(halfCloser); ok {
		_ = hc.CloseRead()
	}

	if !c.IsSending() {
		_ = c.Stop()
	}
}

// StopSending rejects further sends and shuts down the write half of the
// socket when supported.
func (c *Conn) StopSending() {
	if c.writeClosed.Swap(true) {
		return
	}
	if hc, ok := c.rawConn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}

	if !c.IsReceiving() {
		_ = c.Stop()
	}
}

// Stop closes the socket and releases the protocol. Pending frames are
// discarded. Stopping a stopped connection returns ErrConnectionClosed.
func (c *Conn) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return ErrConnectionClosed
	}
	c.readClosed.Store(true)
	c.writeClosed.Store(true)

	c.mu.Lock()
	c.protocol = nil
	cancel := c.cancel
	c.mu.Unlock()

	close(c.done)
	if cancel != nil {
		cancel()
	}

	return c.rawConn.Close()
}

// abort notifies the protocol of the connection loss and stops the
// connection. Errors arriving after a stop are the echo of that stop and
// are ignored.
func (c *Conn) abort(err error) {
	if c.IsStopped() {
		return
	}

	c.metrics.Aborts.Add(1)
	switch {
	case isTimeout(err):
		c.metrics.Timeouts.Add(1)
		c.logger.Info("connection timed out", "id", c.id, "addr", c.Addr(), "error", err)
	case errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
		c.logger.Debug("connection aborted", "id", c.id, "addr", c.Addr(), "error", err)
	default:
		c.logger.Error("connection aborted", "id", c.id, "addr", c.Addr(), "error", err)
	}

	c.connectionLost()
	_ = c.Stop()
}

func (c *Conn) connectionLost() {
	c.lost.Do(func() {
		p := c.Protocol()
		if p == nil {
			return
		}

		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("protocol panicked on connection lost", "id", c.id, "protocol", p.Name(), "panic", r)
			}
		}()
		p.ConnectionLost()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readLoop reads one frame at a time and dispatches it to the protocol.
// It returns when reading is closed or an error aborted the connection.
func (c *Conn) readLoop(ctx context.Context) error {
	first := true

	for c.IsReceiving() && ctx.Err() == nil {
		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
		if _, err := io.ReadFull(c.reader, c.msg.HeaderBuffer()); err != nil {
			return c.readFailed(err)
		}

		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
		body, err := c.msg.ParseHeader()
		if err != nil {
			return c.readFailed(err)
		}

		if _, err = io.ReadFull(c.reader, body); err != nil {
			return c.readFailed(err)
		}
		_ = c.rawConn.SetReadDeadline(time.Time{})

		c.metrics.FramesIn.Add(1)
		c.metrics.BytesIn.Add(int64(c.msg.Size()))

		// handler errors abort even after StopReceiving
		if err = c.dispatch(first); err != nil {
			if c.IsStopped() {
				return nil
			}
			c.abort(err)
			return err
		}
		first = false
	}

	return nil
}

func (c *Conn) readFailed(err error) error {
	if c.IsStopped() || !c.IsReceiving() {
		return nil
	}
	c.abort(err)
	return err
}

// dispatch hands the current frame to the protocol. A panic in the handler
// is converted into an error.
func (c *Conn) dispatch(first bool) (err error) {
	p := c.Protocol()
	if p == nil {
		return ErrConnectionClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrProtocolPanic, "%s: %v", p.Name(), r)
		}
	}()

	if first {
		return p.HandleFirstMessage(c.msg)
	}
	return p.HandleMessage(c.msg)
}

// writeLoop writes queued frames in order until the connection stops.
func (c *Conn) writeLoop(ctx context.Context) error {
	defer c.drain()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-c.writeSignal:
		}

		for msg := c.front(); msg != nil; {
			if err := c.write(msg); err != nil {
				if c.IsStopped() {
					return nil
				}
				c.abort(err)
				return err
			}

			var stop bool
			if msg, stop = c.pop(); stop {
				_ = c.Stop()
				return nil
			}
		}
	}
}

func (c *Conn) front() Encoder {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	return c.queue[0]
}

// pop removes the written frame and returns the next one. stop is true
// when the queue is empty and SendAndStop was called.
func (c *Conn) pop() (next Encoder, stop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil, false
	}
	release(c.queue[0])
	c.queue[0] = nil
	c.queue = c.queue[1:]

	if len(c.queue) > 0 {
		return c.queue[0], false
	}
	return nil, c.closing
}

// drain releases frames left in the queue once the writer exits.
func (c *Conn) drain() {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, msg := range queue {
		release(msg)
	}
}

// write encodes msg and writes it with a deadline. Encoding failures abort
// the connection like I/O errors do.
func (c *Conn) write(msg Encoder) error {
	data, err := msg.Encode()
	if err != nil {
		return errors.Wrap(err, "encode")
	}

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	n, err := c.rawConn.Write(data)
	_ = c.rawConn.SetWriteDeadline(time.Time{})

	c.metrics.BytesOut.Add(int64(n))
	if err != nil {
		return err
	}
	c.metrics.FramesOut.Add(1)
	return nil
}
