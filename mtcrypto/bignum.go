package mtcrypto

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// DHPrime is the single hard-coded 2048-bit safe prime this client
// accepts (spec.md Non-goals: arbitrary DH primes are not supported).
// Hex constant lifted from the reference implementation's _C7_prime.
var DHPrime, _ = new(big.Int).SetString(
	"C71CAEB9C6B1C9048E6C522F70F13F73980D40238E3E21C14934D037563D930F"+
		"48198A0AA7C14058229493D22530F4DBFA336F6E0AC925139543AED44CCE7C37"+
		"20FD51F69458705AC68CD4FE6B6B13ABDC9746512969328454F18FAF8C595F64"+
		"2477FE96BB2A941D5BCD1D4AC8CC49880708FA9B378E3C4F3A9060BEE67CF9A4"+
		"A4A695811051907E162753B56B0F6B410DBA74D8A84B2A14B3144E0EF1284754"+
		"FD17ED950D5965B4B9DD46582DB1178D169C6BC465B0D6FF9CA3928FEF5B9AE4"+
		"E418FC15E83EBEA0F87FA9FF5EED70050DED2849F47BF959D956850CE929851F"+
		"0D8115F635B105EE2E4E15D04B2454BF6F4FADF034B10403119CD8E3B92FCC5B",
	16,
)

// DHGenerator is the only accepted generator for DHPrime.
const DHGenerator = 3

// IsSafeDHParams reports whether (g, prime) matches the single
// accepted pair. Any other pair fails the handshake with
// UnsafeDHPrime (spec.md §4.5, §7).
func IsSafeDHParams(g int64, prime *big.Int) bool {
	if g != DHGenerator {
		return false
	}
	return prime.Cmp(DHPrime) == 0
}

// ModExp computes base^exp mod m.
func ModExp(base, exp, m *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, m)
}

// RandomBigBits returns a cryptographically random non-negative integer
// with at most `bits` bits set, i.e. in [0, 2^bits).
func RandomBigBits(bits int) (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), uint(bits)))
}

// ErrFactorizationFailed is returned when Brent's algorithm cannot
// extract a non-trivial factor (should not happen for a genuine RSA
// composite of two distinct odd primes).
var ErrFactorizationFailed = errors.New("mtcrypto: pollard-rho-brent factorization failed")

// Factorize splits a composite pq = p*q (p, q distinct odd primes, as
// guaranteed by the server's PQ construction) into its two factors,
// returned as (min, max). Implements Pollard-Rho-Brent with batched
// gcd, per spec.md §4.6.
func Factorize(pq *big.Int) (*big.Int, *big.Int, error) {
	if pq.Bit(0) == 0 {
		two := big.NewInt(2)
		q := new(big.Int).Div(pq, two)
		return orderedPair(two, q)
	}

	g, err := brent(pq)
	if err != nil {
		return nil, nil, err
	}
	q := new(big.Int).Div(pq, g)
	return orderedPair(g, q)
}

func orderedPair(a, b *big.Int) (*big.Int, *big.Int, error) {
	if a.Cmp(b) <= 0 {
		return a, b, nil
	}
	return b, a, nil
}

// brent runs Brent's cycle-detection variant of Pollard's rho, with
// batched gcd evaluation every m steps, mirroring the reference
// implementation's _brent almost line for line.
func brent(n *big.Int) (*big.Int, error) {
	one := big.NewInt(1)
	if n.Cmp(one) <= 0 {
		return nil, ErrFactorizationFailed
	}

	nMinus1 := new(big.Int).Sub(n, one)
	randBelow := func() (*big.Int, error) {
		v, err := rand.Int(rand.Reader, nMinus1)
		if err != nil {
			return nil, err
		}
		return v.Add(v, one), nil
	}

	for attempt := 0; attempt < 8; attempt++ {
		y, err := randBelow()
		if err != nil {
			return nil, err
		}
		c, err := randBelow()
		if err != nil {
			return nil, err
		}
		m, err := randBelow()
		if err != nil {
			return nil, err
		}

		g := big.NewInt(1)
		r := big.NewInt(1)
		q := big.NewInt(1)
		x := new(big.Int)
		ys := new(big.Int)

		f := func(v *big.Int) *big.Int {
			out := new(big.Int).Mul(v, v)
			out.Mod(out, n)
			out.Add(out, c)
			out.Mod(out, n)
			return out
		}

		for g.Cmp(one) == 0 {
			x.Set(y)
			for i := new(big.Int); i.Cmp(r) < 0; i.Add(i, one) {
				y = f(y)
			}
			k := big.NewInt(0)
			for k.Cmp(r) < 0 && g.Cmp(one) == 0 {
				ys.Set(y)
				limit := new(big.Int).Sub(r, k)
				if limit.Cmp(m) > 0 {
					limit.Set(m)
				}
				for i := big.NewInt(0); i.Cmp(limit) < 0; i.Add(i, one) {
					y = f(y)
					diff := new(big.Int).Sub(x, y)
					diff.Abs(diff)
					if diff.Sign() == 0 {
						diff.SetInt64(1)
					}
					q.Mul(q, diff)
					q.Mod(q, n)
				}
				g.GCD(nil, nil, q, n)
				k.Add(k, m)
			}
			r.Mul(r, big.NewInt(2))
		}

		if g.Cmp(n) == 0 {
			for {
				ys = f(ys)
				diff := new(big.Int).Sub(x, ys)
				diff.Abs(diff)
				g.GCD(nil, nil, diff, n)
				if g.Cmp(one) > 0 {
					break
				}
			}
		}

		if g.Cmp(one) > 0 && g.Cmp(n) != 0 {
			return g, nil
		}
	}
	return nil, ErrFactorizationFailed
}
