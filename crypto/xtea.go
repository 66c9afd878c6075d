package crypto

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/xtea"
)

// XteaBlockSize is the XTEA block size in bytes.
const XteaBlockSize = xtea.BlockSize

// ErrInvalidBlockLength is returned when a buffer handed to Xtea is not a
// whole number of blocks.
var ErrInvalidBlockLength = errors.New("buffer length is not a multiple of the xtea block size")

// Xtea is the session cipher negotiated during login.
//
// The client packs both the key and every 64-bit block as little-endian
// 32-bit words, while x/crypto/xtea reads them big-endian, so words are
// byte-swapped on the way in and out of the block function.
type Xtea struct {
	key    [4]uint32
	cipher *xtea.Cipher
}

// NewXtea creates a cipher for the given four key words.
func NewXtea(key [4]uint32) (*Xtea, error) {
	var raw [16]byte
	for i, k := range key {
		binary.BigEndian.PutUint32(raw[i*4:], k)
	}

	c, err := xtea.NewCipher(raw[:])
	if err != nil {
		return nil, errors.Wrap(err, "create xtea cipher")
	}

	return &Xtea{key: key, cipher: c}, nil
}

// Key returns the key words the cipher was created with.
func (x *Xtea) Key() [4]uint32 {
	return x.key
}

// Encrypt encrypts b in place. len(b) must be a multiple of XteaBlockSize.
func (x *Xtea) Encrypt(b []byte) error {
	return x.apply(b, x.cipher.Encrypt)
}

// Decrypt decrypts b in place. len(b) must be a multiple of XteaBlockSize.
func (x *Xtea) Decrypt(b []byte) error {
	return x.apply(b, x.cipher.Decrypt)
}

func (x *Xtea) apply(b []byte, fn func(dst, src []byte)) error {
	if len(b)%XteaBlockSize != 0 {
		return errors.Wrapf(ErrInvalidBlockLength, "length %d", len(b))
	}

	var block [XteaBlockSize]byte
	for i := 0; i < len(b); i += XteaBlockSize {
		chunk := b[i : i+XteaBlockSize]
		swapWords(block[:], chunk)
		fn(block[:], block[:])
		swapWords(chunk, block[:])
	}

	return nil
}

// swapWords converts both 32-bit words of an 8-byte block between
// little-endian and big-endian order.
func swapWords(dst, src []byte) {
	w0 := binary.LittleEndian.Uint32(src[0:4])
	w1 := binary.LittleEndian.Uint32(src[4:8])
	binary.BigEndian.PutUint32(dst[0:4], w0)
	binary.BigEndian.PutUint32(dst[4:8], w1)
}
