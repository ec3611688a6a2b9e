// Package mtcrypto implements the cryptographic primitives the MTProto
// handshake and session layer are built on: fixed-size hashing, secure
// randomness, modular exponentiation, Pollard-Rho-Brent factorization,
// the raw RSA public-key operation and the AES-IGE block cipher mode.
package mtcrypto

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
)

// SHA1 returns the 20-byte SHA-1 digest of b.
func SHA1(b []byte) [20]byte {
	return sha1.Sum(b)
}

// SHA256 returns the 32-byte SHA-256 digest of b.
func SHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// SHA1Concat hashes the concatenation of parts without an intermediate
// allocation of the full buffer when a caller only needs the digest.
func SHA1Concat(parts ...[]byte) [20]byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [20]byte
	h.Sum(out[:0])
	return out
}

// XOR returns a ^ b, byte by byte. Panics if the spans differ in length;
// callers in this module always XOR equal-length nonces and salts.
func XOR(a, b []byte) []byte {
	if len(a) != len(b) {
		panic("mtcrypto: XOR of unequal-length spans")
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
