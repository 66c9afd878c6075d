package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidKey is returned when an RSA key fails validation.
	ErrInvalidKey = errors.New("invalid rsa key")
	// ErrInvalidRsaBlock is returned when a ciphertext block cannot be decrypted.
	ErrInvalidRsaBlock = errors.New("invalid rsa block")
)

// Rsa decrypts the key exchange block sent by the client.
// The block is plain modular exponentiation without any padding scheme, so
// the caller is responsible for checking the decrypted content.
// Decrypt only reads the key and is safe for concurrent use.
type Rsa struct {
	key  *rsa.PrivateKey
	size int
}

// NewRsa wraps a validated private key.
func NewRsa(key *rsa.PrivateKey) (*Rsa, error) {
	if key == nil {
		return nil, errors.Wrap(ErrInvalidKey, "nil key")
	}
	if err := key.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	key.Precompute()

	return &Rsa{key: key, size: key.Size()}, nil
}

// NewRsaFromDecimal builds a key from its components written as base 10
// strings: modulus, public exponent, private exponent and both primes.
func NewRsaFromDecimal(n, e, d, p, q string) (*Rsa, error) {
	parse := func(name, v string) (*big.Int, error) {
		i, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidKey, "%s is not a decimal number", name)
		}
		return i, nil
	}

	var (
		ints  [5]*big.Int
		names = [5]string{"n", "e", "d", "p", "q"}
		vals  = [5]string{n, e, d, p, q}
	)
	for i := range vals {
		v, err := parse(names[i], vals[i])
		if err != nil {
			return nil, err
		}
		ints[i] = v
	}

	if !ints[1].IsInt64() || ints[1].Int64() > int64(^uint32(0)>>1) {
		return nil, errors.Wrap(ErrInvalidKey, "public exponent out of range")
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: ints[0], E: int(ints[1].Int64())},
		D:         ints[2],
		Primes:    []*big.Int{ints[3], ints[4]},
	}
	return NewRsa(key)
}

// LoadRsaPEM reads a PKCS#1 or PKCS#8 encoded private key from path.
func LoadRsaPEM(path string) (*Rsa, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read rsa key")
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Wrapf(ErrInvalidKey, "%s: no PEM block", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return NewRsa(key)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKey, "%s: %v", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidKey, "%s: not an rsa key", path)
	}
	return NewRsa(key)
}

// BlockSize returns the size in bytes of a ciphertext block.
func (r *Rsa) BlockSize() int {
	return r.size
}

// Public returns the public half of the key.
func (r *Rsa) Public() *rsa.PublicKey {
	return &r.key.PublicKey
}

// Decrypt decrypts b in place. len(b) must equal BlockSize.
func (r *Rsa) Decrypt(b []byte) error {
	if len(b) != r.size {
		return errors.Wrapf(ErrInvalidRsaBlock, "block is %d bytes, want %d", len(b), r.size)
	}

	c := new(big.Int).SetBytes(b)
	if c.Cmp(r.key.N) >= 0 {
		return errors.Wrap(ErrInvalidRsaBlock, "ciphertext out of range")
	}

	c.Exp(c, r.key.D, r.key.N)
	c.FillBytes(b)
	return nil
}

// EncryptBlock encrypts b in place with pub, the client side of Decrypt.
// len(b) must equal the modulus size and b, read as a big-endian number,
// must be smaller than the modulus (a leading zero byte guarantees it).
func EncryptBlock(pub *rsa.PublicKey, b []byte) error {
	if len(b) != pub.Size() {
		return errors.Wrapf(ErrInvalidRsaBlock, "block is %d bytes, want %d", len(b), pub.Size())
	}

	m := new(big.Int).SetBytes(b)
	if m.Cmp(pub.N) >= 0 {
		return errors.Wrap(ErrInvalidRsaBlock, "plaintext out of range")
	}

	m.Exp(m, big.NewInt(int64(pub.E)), pub.N)
	m.FillBytes(b)
	return nil
}
