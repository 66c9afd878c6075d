// Package crypto holds the checksum and cipher primitives of the standard
// client protocol: Adler-32 frame checksums, XTEA payload encryption and the
// RSA key exchange performed once per login.
package crypto

import "hash/adler32"

// Adler32 returns the Adler-32 checksum of b.
func Adler32(b []byte) uint32 {
	return adler32.Checksum(b)
}
