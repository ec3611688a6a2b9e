package mtcrypto

import (
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

// Errors surfaced while loading or using a server RSA public key.
var (
	ErrMalformedPEM    = errors.New("mtcrypto: malformed PEM public key")
	ErrUnsupportedASN1 = errors.New("mtcrypto: unsupported ASN.1 tag")
	ErrOverflow        = errors.New("mtcrypto: message too long for raw RSA encryption")
)

// PublicKey is a server RSA public key loaded from a PEM blob, along
// with its 64-bit signed fingerprint (spec.md §4.3).
type PublicKey struct {
	N           *big.Int
	E           *big.Int
	Fingerprint int64
}

// LoadPublicKeyPEM parses a "RSA PUBLIC KEY"-wrapped PEM blob whose DER
// payload is a SEQUENCE of two INTEGERs (n, e). No other ASN.1 tag is
// supported — this is a trust-anchor loader, not a general DER parser.
func LoadPublicKeyPEM(pemData []byte) (*PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrMalformedPEM
	}
	fields, rest, err := readASN1(block.Bytes)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrMalformedPEM
	}
	seq, ok := fields.([]asn1Field)
	if !ok || len(seq) != 2 {
		return nil, ErrMalformedPEM
	}
	nBytes, ok1 := seq[0].(asn1Int)
	eBytes, ok2 := seq[1].(asn1Int)
	if !ok1 || !ok2 {
		return nil, ErrMalformedPEM
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	nNoLeadingZero := stripLeadingZero(nBytes)
	digest := SHA1(append(packBinaryString(nNoLeadingZero), packBinaryString(eBytes)...))
	fp := int64(binary.LittleEndian.Uint64(digest[12:20]))

	return &PublicKey{N: n, E: e, Fingerprint: fp}, nil
}

func stripLeadingZero(b []byte) []byte {
	if len(b) > 0 && b[0] == 0x00 {
		return b[1:]
	}
	return b
}

// packBinaryString implements the "short string" binary-string codec
// of spec.md §4.1, used only internally here to build the fingerprint
// preimage; the general-purpose codec lives in package wire.
func packBinaryString(data []byte) []byte {
	l := len(data)
	switch {
	case l < 254:
		out := make([]byte, 0, 1+l+3)
		out = append(out, byte(l))
		out = append(out, data...)
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
		return out
	case l <= 0xFFFFFF:
		out := make([]byte, 0, 4+l+3)
		out = append(out, 0xFE, byte(l), byte(l>>8), byte(l>>16))
		out = append(out, data...)
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
		return out
	default:
		panic("mtcrypto: binary string too long")
	}
}

// --- minimal ASN.1 walker: tags 0x30 (SEQUENCE) and 0x02 (INTEGER) only ---

type asn1Field interface{}
type asn1Int []byte

func readASN1(b []byte) (asn1Field, []byte, error) {
	if len(b) < 2 {
		return nil, nil, ErrMalformedPEM
	}
	tag := b[0]
	lenByte := b[1]
	rest := b[2:]

	var length int
	if lenByte&0x80 != 0 {
		n := int(lenByte &^ 0x80)
		if n == 0 || n > len(rest) {
			return nil, nil, ErrMalformedPEM
		}
		length = 0
		for i := 0; i < n; i++ {
			length = length<<8 | int(rest[i])
		}
		rest = rest[n:]
	} else {
		length = int(lenByte)
	}
	if length > len(rest) {
		return nil, nil, ErrMalformedPEM
	}
	payload := rest[:length]
	tail := rest[length:]

	switch tag {
	case 0x30: // SEQUENCE
		var seq []asn1Field
		remaining := payload
		for len(remaining) > 0 {
			field, next, err := readASN1(remaining)
			if err != nil {
				return nil, nil, err
			}
			seq = append(seq, field)
			remaining = next
		}
		return seq, tail, nil
	case 0x02: // INTEGER
		return asn1Int(payload), tail, nil
	default:
		return nil, nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedASN1, tag)
	}
}

// Encrypt performs the raw (no padding scheme) RSA public-key
// operation: message right-padded with random bytes to 255 bytes,
// interpreted big-endian as m, c = m^e mod n, emitted as the minimal
// big-endian byte representation of c. message must be <= 255 bytes.
func (k *PublicKey) Encrypt(message []byte) ([]byte, error) {
	if len(message) > 255 {
		return nil, ErrOverflow
	}
	padLen := 255 - len(message)
	pad, err := RandomBytes(padLen)
	if err != nil {
		return nil, err
	}
	padded := append(append([]byte{}, message...), pad...)
	m := new(big.Int).SetBytes(padded)
	c := ModExp(m, k.E, k.N)
	return c.Bytes(), nil
}

// EncryptWithHash prepends SHA-1(plain) to plain before encrypting,
// per spec.md §4.3.
func (k *PublicKey) EncryptWithHash(plain []byte) ([]byte, error) {
	digest := SHA1(plain)
	msg := append(append([]byte{}, digest[:]...), plain...)
	return k.Encrypt(msg)
}
