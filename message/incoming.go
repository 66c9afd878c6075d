package message

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/Zereker/otnet/crypto"
)

// Incoming is a single frame read from the peer.
//
// The buffer is sized for the largest frame and reused for every frame of a
// connection, so slices returned by GetBytes are only valid until the next
// frame is read.
type Incoming struct {
	buf  [HeaderSize + MaxBodySize]byte
	pos  int
	size int
}

// NewIncoming returns an empty message ready to receive a header.
func NewIncoming() *Incoming {
	return &Incoming{size: HeaderSize}
}

// HeaderBuffer resets the message for a new frame and returns the region the
// length prefix must be read into.
func (m *Incoming) HeaderBuffer() []byte {
	m.pos = 0
	m.size = HeaderSize
	return m.buf[:HeaderSize]
}

// ParseHeader interprets the length prefix and returns the region the body
// must be read into. Lengths outside [MinBodySize, MaxBodySize] are rejected
// before any body byte is read.
func (m *Incoming) ParseHeader() ([]byte, error) {
	m.pos = 0
	m.size = HeaderSize

	n, err := m.GetU16()
	if err != nil {
		return nil, err
	}

	if n < MinBodySize || n > MaxBodySize {
		return nil, errors.Wrapf(ErrInvalidLength, "body size %d", n)
	}

	m.size = HeaderSize + int(n)
	return m.buf[HeaderSize:m.size], nil
}

// Size returns the total size of the frame, header included.
func (m *Incoming) Size() int {
	return m.size
}

// Pos returns the read cursor.
func (m *Incoming) Pos() int {
	return m.pos
}

// Remaining returns the number of unread bytes.
func (m *Incoming) Remaining() int {
	return m.size - m.pos
}

// IsAvailable reports whether n more bytes can be read.
func (m *Incoming) IsAvailable(n int) bool {
	return n >= 0 && n <= m.size-m.pos
}

func (m *Incoming) next(n int) ([]byte, error) {
	if !m.IsAvailable(n) {
		return nil, errors.Wrapf(ErrBufferOverrun, "read of %d bytes at %d, frame size %d", n, m.pos, m.size)
	}
	b := m.buf[m.pos : m.pos+n]
	m.pos += n
	return b, nil
}

// GetByte reads one byte.
func (m *Incoming) GetByte() (byte, error) {
	b, err := m.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetU16 reads a 16-bit integer.
func (m *Incoming) GetU16() (uint16, error) {
	b, err := m.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// GetU32 reads a 32-bit integer.
func (m *Incoming) GetU32() (uint32, error) {
	b, err := m.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// GetU64 reads a 64-bit integer.
func (m *Incoming) GetU64() (uint64, error) {
	b, err := m.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// GetBytes reads n raw bytes. The returned slice aliases the frame buffer.
func (m *Incoming) GetBytes(n int) ([]byte, error) {
	return m.next(n)
}

// GetString reads a string prefixed by its 16-bit length.
func (m *Incoming) GetString() (string, error) {
	n, err := m.GetU16()
	if err != nil {
		return "", err
	}
	b, err := m.next(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Skip advances the cursor by n bytes.
func (m *Incoming) Skip(n int) error {
	_, err := m.next(n)
	return err
}

// Checksum reads the transmitted checksum and compares it with the Adler-32
// of the rest of the frame.
func (m *Incoming) Checksum() error {
	want, err := m.GetU32()
	if err != nil {
		return err
	}

	if got := crypto.Adler32(m.buf[m.pos:m.size]); got != want {
		return errors.Wrapf(ErrChecksumMismatch, "got %#08x, frame carries %#08x", got, want)
	}
	return nil
}

// XteaDecrypt unwraps a post-handshake frame: it reads the checksum, decrypts
// the rest of the frame in place, verifies the checksum against the
// plaintext and trims the frame to the decrypted payload length.
func (m *Incoming) XteaDecrypt(x *crypto.Xtea) error {
	want, err := m.GetU32()
	if err != nil {
		return err
	}

	rest := m.buf[m.pos:m.size]
	if len(rest) == 0 || len(rest)%crypto.XteaBlockSize != 0 {
		return errors.Wrapf(ErrInvalidLength, "encrypted payload of %d bytes", len(rest))
	}

	if err = x.Decrypt(rest); err != nil {
		return err
	}

	if got := crypto.Adler32(rest); got != want {
		return errors.Wrapf(ErrChecksumMismatch, "got %#08x, frame carries %#08x", got, want)
	}

	n, err := m.GetU16()
	if err != nil {
		return err
	}
	if int(n) > m.Remaining() {
		return errors.Wrapf(ErrInvalidLength, "decrypted length %d exceeds %d remaining bytes", n, m.Remaining())
	}

	m.size = m.pos + int(n)
	return nil
}

// RsaDecrypt decrypts the next RsaBlockSize bytes in place. The cursor stays
// at the start of the block and the frame is trimmed to its end, so further
// reads only see the decrypted content.
func (m *Incoming) RsaDecrypt(r *crypto.Rsa) error {
	n := r.BlockSize()
	if !m.IsAvailable(n) {
		return errors.Wrapf(ErrBufferOverrun, "rsa block of %d bytes at %d, frame size %d", n, m.pos, m.size)
	}

	if err := r.Decrypt(m.buf[m.pos : m.pos+n]); err != nil {
		return err
	}

	m.size = m.pos + n
	return nil
}

// XteaKey reads four key words.
func (m *Incoming) XteaKey() ([4]uint32, error) {
	var key [4]uint32
	for i := range key {
		v, err := m.GetU32()
		if err != nil {
			return key, err
		}
		key[i] = v
	}
	return key, nil
}
