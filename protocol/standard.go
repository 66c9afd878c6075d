// Package protocol holds the building blocks shared by the client protocols
// speaking the standard framed format.
package protocol

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/otnet"
	"github.com/Zereker/otnet/crypto"
	"github.com/Zereker/otnet/message"
)

// Default deadlines of the standard protocols.
const (
	ReadTimeout  = 30 * time.Second
	WriteTimeout = 30 * time.Second
)

// ErrNoXtea is returned when the session key is used before the handshake set it.
var ErrNoXtea = errors.New("xtea key not set")

// Options returns the connection options shared by the standard protocols.
func Options() []otnet.Option {
	return []otnet.Option{
		otnet.ReadTimeoutOption(ReadTimeout),
		otnet.WriteTimeoutOption(WriteTimeout),
	}
}

// StandardProtocol implements the checksum and XTEA procedures common to the
// standard protocols. Embed it and set the session key once the handshake
// delivered it.
type StandardProtocol struct {
	otnet.BaseProtocol

	xtea atomic.Pointer[crypto.Xtea]
}

// SetXtea sets the session key.
func (p *StandardProtocol) SetXtea(x *crypto.Xtea) {
	p.xtea.Store(x)
}

// Xtea returns the session key, or nil before the handshake.
func (p *StandardProtocol) Xtea() *crypto.Xtea {
	return p.xtea.Load()
}

// ReadStandard verifies and decrypts a post-handshake frame in place.
func (p *StandardProtocol) ReadStandard(msg *message.Incoming) error {
	x := p.Xtea()
	if x == nil {
		return ErrNoXtea
	}
	return msg.XteaDecrypt(x)
}

// SendEncrypted encrypts out with the session key and queues it.
// out is released on error.
func (p *StandardProtocol) SendEncrypted(out *message.Outgoing) error {
	return p.send(out, false)
}

// SendEncryptedAndStop encrypts out, queues it and stops the connection
// once it is written.
func (p *StandardProtocol) SendEncryptedAndStop(out *message.Outgoing) error {
	return p.send(out, true)
}

func (p *StandardProtocol) send(out *message.Outgoing, stop bool) error {
	c := p.Conn()
	if c == nil {
		out.Release()
		return otnet.ErrConnectionClosed
	}

	x := p.Xtea()
	if x == nil {
		out.Release()
		return ErrNoXtea
	}

	if err := out.XteaEncrypt(x); err != nil {
		out.Release()
		return err
	}

	if stop {
		return c.SendAndStop(out)
	}
	return c.Send(out)
}
