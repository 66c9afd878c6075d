package otnet

import (
	"sync/atomic"

	"github.com/Zereker/otnet/message"
)

// Protocol is the per-connection logic bound to a Conn.
//
// The connection calls the handlers from its read goroutine, one frame at a
// time: the next frame is not read until the handler returns. A handler
// returning an error aborts the connection.
type Protocol interface {
	// Name identifies the protocol in logs.
	Name() string
	// ConnectionMade is called once, before the first frame is read.
	ConnectionMade(c *Conn)
	// HandleFirstMessage handles the first frame of the connection.
	HandleFirstMessage(msg *message.Incoming) error
	// HandleMessage handles every frame after the first one.
	HandleMessage(msg *message.Incoming) error
	// ConnectionLost is called at most once, when the connection is
	// aborted by an error, a timeout or the context.
	ConnectionLost()
}

// Encoder is a frame queued for writing. Encode is called by the write
// goroutine right before the bytes are put on the wire.
type Encoder interface {
	Encode() ([]byte, error)
}

// Releaser is implemented by queued messages that hold pooled buffers.
// Release is called once the message has been written or discarded.
type Releaser interface {
	Release()
}

func release(e Encoder) {
	if r, ok := e.(Releaser); ok {
		r.Release()
	}
}

// BaseProtocol keeps the back-reference from a protocol to its connection.
// Embed it in protocol implementations.
//
// The reference is cleared on connection loss; protocols must not use the
// connection after that.
type BaseProtocol struct {
	conn atomic.Pointer[Conn]
}

// Attach binds the protocol to c.
func (b *BaseProtocol) Attach(c *Conn) {
	b.conn.Store(c)
}

// Detach drops the back-reference.
func (b *BaseProtocol) Detach() {
	b.conn.Store(nil)
}

// Conn returns the attached connection, or nil once detached.
func (b *BaseProtocol) Conn() *Conn {
	return b.conn.Load()
}

// ConnectionMade attaches c.
func (b *BaseProtocol) ConnectionMade(c *Conn) {
	b.Attach(c)
}

// ConnectionLost detaches the connection.
func (b *BaseProtocol) ConnectionLost() {
	b.Detach()
}

// HandleMessage rejects frames after the first one.
func (b *BaseProtocol) HandleMessage(*message.Incoming) error {
	return ErrUnexpectedMessage
}

// DroppingInfo returns log arguments describing the connection being dropped.
func (b *BaseProtocol) DroppingInfo() []any {
	c := b.Conn()
	if c == nil {
		return []any{"action", "dropping connection"}
	}
	return []any{"id", c.ID(), "addr", c.Addr(), "action", "dropping connection"}
}
