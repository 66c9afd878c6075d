// Package message implements the buffers used by the standard client
// protocol: a fixed-capacity incoming frame with a bounds-checked read cursor
// and a growable outgoing frame whose length and checksum are prepended once
// the payload is complete.
//
// All integers are little-endian.
package message

import "github.com/pkg/errors"

// Frame layout constants.
const (
	// HeaderSize is the size of the length prefix of every frame.
	HeaderSize = 2
	// MaxBodySize is the largest body a frame may declare.
	MaxBodySize = 15340
	// MinBodySize is the smallest valid body: a checksum plus one cipher block's worth of data.
	MinBodySize = 8
	// MaxPrefixSize is the headroom reserved in front of outgoing payloads:
	// frame length (2) + checksum (4) + decrypted length (2).
	MaxPrefixSize = 8
	// PaddingByte fills encrypted payloads up to the cipher block size.
	PaddingByte = 0x33
	// RsaBlockSize is the size of the key exchange block in the first frame.
	RsaBlockSize = 128
)

// Errors returned while parsing or building frames.
var (
	// ErrBufferOverrun is returned when a read would go past the end of the frame.
	ErrBufferOverrun = errors.New("attempt to overrun the incoming message buffer")
	// ErrInvalidLength is returned for out of range frame or payload lengths.
	ErrInvalidLength = errors.New("invalid packet length")
	// ErrChecksumMismatch is returned when the transmitted checksum does not match the payload.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrMessageTooLarge is returned when an outgoing frame exceeds MaxBodySize.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrStringTooLong is returned when a string does not fit its 16-bit length prefix.
	ErrStringTooLong = errors.New("string too long")
	// ErrAlreadyEncrypted is returned when an outgoing message is encrypted twice.
	ErrAlreadyEncrypted = errors.New("message already encrypted")
)
