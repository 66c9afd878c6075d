package message

import (
	"encoding/binary"
	"math"

	"github.com/oxtoacart/bpool"
	"github.com/pkg/errors"

	"github.com/Zereker/otnet/crypto"
)

const (
	// defaultCapacity is the payload capacity of a pooled buffer.
	defaultCapacity = 1024
	// poolSize is the number of idle buffers kept for reuse.
	poolSize = 512
)

var pool = bpool.NewBytePool(poolSize, MaxPrefixSize+defaultCapacity)

// Outgoing is a frame being built for the peer.
//
// Payload is appended after MaxPrefixSize bytes of headroom; the length
// prefixes and checksum are written backwards into that headroom once the
// payload is complete, so the payload is never copied.
//
// Once handed to a connection the message belongs to it and must not be
// touched again.
type Outgoing struct {
	buf       []byte
	prefixPos int
	err       error

	encrypted bool
	checksum  uint32
	encoded   []byte
}

// NewOutgoing returns an empty message backed by a pooled buffer.
func NewOutgoing() *Outgoing {
	return &Outgoing{
		buf:       pool.Get()[:MaxPrefixSize],
		prefixPos: MaxPrefixSize,
	}
}

// NewOutgoingType is a shorthand for NewOutgoing followed by AddByte(tag).
func NewOutgoingType(tag byte) *Outgoing {
	m := NewOutgoing()
	m.AddByte(tag)
	return m
}

// Bytes returns the message content, prefixes included.
func (m *Outgoing) Bytes() []byte {
	return m.buf[m.prefixPos:]
}

// Len returns the message size, prefixes included.
func (m *Outgoing) Len() int {
	return len(m.buf) - m.prefixPos
}

// Err returns the first error recorded while adding content.
func (m *Outgoing) Err() error {
	return m.err
}

// AddByte appends one byte.
func (m *Outgoing) AddByte(v byte) {
	m.buf = append(m.buf, v)
}

// AddU16 appends a 16-bit integer.
func (m *Outgoing) AddU16(v uint16) {
	m.buf = binary.LittleEndian.AppendUint16(m.buf, v)
}

// AddU32 appends a 32-bit integer.
func (m *Outgoing) AddU32(v uint32) {
	m.buf = binary.LittleEndian.AppendUint32(m.buf, v)
}

// AddU64 appends a 64-bit integer.
func (m *Outgoing) AddU64(v uint64) {
	m.buf = binary.LittleEndian.AppendUint64(m.buf, v)
}

// AddString appends s prefixed by its 16-bit length. Strings that do not
// fit are not written and make Encode fail.
func (m *Outgoing) AddString(s string) {
	if len(s) > math.MaxUint16 {
		if m.err == nil {
			m.err = errors.Wrapf(ErrStringTooLong, "%d bytes", len(s))
		}
		return
	}
	m.AddU16(uint16(len(s)))
	m.buf = append(m.buf, s...)
}

// AddBytes appends raw bytes.
func (m *Outgoing) AddBytes(b []byte) {
	m.buf = append(m.buf, b...)
}

// AddPadding appends count copies of v.
func (m *Outgoing) AddPadding(count int, v byte) {
	for i := 0; i < count; i++ {
		m.buf = append(m.buf, v)
	}
}

// prefix reserves n bytes in front of the content.
// Running out of headroom is a programming error.
func (m *Outgoing) prefix(n int) []byte {
	if m.prefixPos < n {
		panic("message: outgoing prefix headroom exhausted")
	}
	m.prefixPos -= n
	return m.buf[m.prefixPos : m.prefixPos+n]
}

// AddPrefixU8 prepends one byte.
func (m *Outgoing) AddPrefixU8(v byte) {
	m.prefix(1)[0] = v
}

// AddPrefixU16 prepends a 16-bit integer.
func (m *Outgoing) AddPrefixU16(v uint16) {
	binary.LittleEndian.PutUint16(m.prefix(2), v)
}

// AddPrefixU32 prepends a 32-bit integer.
func (m *Outgoing) AddPrefixU32(v uint32) {
	binary.LittleEndian.PutUint32(m.prefix(4), v)
}

// XteaEncrypt prepends the payload length, pads the content to the cipher
// block size with PaddingByte and encrypts it in place. The frame checksum
// is taken over the plaintext before encryption.
func (m *Outgoing) XteaEncrypt(x *crypto.Xtea) error {
	if m.err != nil {
		return m.err
	}
	if m.encrypted {
		return ErrAlreadyEncrypted
	}
	if m.Len() > MaxBodySize {
		return errors.Wrapf(ErrMessageTooLarge, "payload of %d bytes", m.Len())
	}

	m.AddPrefixU16(uint16(m.Len()))
	if rem := m.Len() % crypto.XteaBlockSize; rem != 0 {
		m.AddPadding(crypto.XteaBlockSize-rem, PaddingByte)
	}

	m.checksum = crypto.Adler32(m.Bytes())
	if err := x.Encrypt(m.Bytes()); err != nil {
		return err
	}
	m.encrypted = true
	return nil
}

// Encode prepends the checksum and the frame length and returns the bytes to
// put on the wire. Calling it again returns the same frame.
func (m *Outgoing) Encode() ([]byte, error) {
	if m.encoded != nil {
		return m.encoded, nil
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.Len()+4 > MaxBodySize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "body of %d bytes", m.Len()+4)
	}

	sum := m.checksum
	if !m.encrypted {
		sum = crypto.Adler32(m.Bytes())
	}

	m.AddPrefixU32(sum)
	m.AddPrefixU16(uint16(m.Len()))
	m.encoded = m.Bytes()
	return m.encoded, nil
}

// Release returns the buffer to the pool. The message is unusable afterwards.
func (m *Outgoing) Release() {
	if m.buf == nil {
		return
	}
	pool.Put(m.buf)
	m.buf = nil
	m.encoded = nil
}
