package identity

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"
)

// adbWordCount is RSAKeyBits/32: the number of 32-bit little-endian words
// used to represent the modulus and its Montgomery RR constant.
const adbWordCount = RSAKeyBits / 32

var (
	two32    = new(big.Int).Lsh(big.NewInt(1), 32)
	twoRBits = new(big.Int).Lsh(big.NewInt(1), 2*RSAKeyBits) // 2^(2*2048), for RR
)

// encodeADBPublicKey produces adbd's Montgomery-form little-endian encoding
// of pub, base64'd with no line wrapping, followed by " <name>\0".
//
// Layout (little-endian 32-bit words): [word_count, n0inv, modulus[64],
// rr[64], exponent], where word_count = 64 (= 2048/32), n0inv is the
// negated modular inverse of modulus mod 2^32, and rr = (2^2048)^2 mod
// modulus — the Montgomery reduction constants adbd's bignum code expects,
// not a generic key serialization.
func encodeADBPublicKey(pub *rsa.PublicKey, name string) ([]byte, error) {
	n := pub.N
	if n.BitLen() > RSAKeyBits {
		return nil, fmt.Errorf("identity: modulus too large: %d bits", n.BitLen())
	}
	if n.Bit(0) == 0 {
		return nil, errors.New("identity: even modulus unsupported")
	}

	n0inv, err := montgomeryN0Inv(n)
	if err != nil {
		return nil, err
	}
	rr := new(big.Int).Mod(twoRBits, n)

	words := make([]uint32, 0, 2+2*adbWordCount+1)
	words = append(words, uint32(adbWordCount))
	words = append(words, n0inv)
	words = append(words, bigIntToLEWords(n, adbWordCount)...)
	words = append(words, bigIntToLEWords(rr, adbWordCount)...)
	words = append(words, uint32(pub.E))

	raw := make([]byte, 0, len(words)*4)
	for _, w := range words {
		raw = append(raw, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}

	encoded := make([]byte, b64.EncodedLen(len(raw)))
	b64.Encode(encoded, raw)

	out := make([]byte, 0, len(encoded)+1+len(name)+1)
	out = append(out, encoded...)
	out = append(out, ' ')
	out = append(out, name...)
	out = append(out, 0)
	return out, nil
}

// montgomeryN0Inv computes -(n mod 2^32)^-1 mod 2^32.
func montgomeryN0Inv(n *big.Int) (uint32, error) {
	n0 := new(big.Int).Mod(n, two32)
	inv := new(big.Int).ModInverse(n0, two32)
	if inv == nil {
		return 0, errors.New("identity: modulus has no inverse mod 2^32 (even modulus)")
	}
	neg := new(big.Int).Sub(two32, inv)
	neg.Mod(neg, two32)
	return uint32(neg.Uint64()), nil
}

// bigIntToLEWords splits v into count 32-bit words, least-significant word
// first.
func bigIntToLEWords(v *big.Int, count int) []uint32 {
	words := make([]uint32, count)
	rem := new(big.Int).Set(v)
	word := new(big.Int)
	for i := 0; i < count; i++ {
		word.And(rem, two32MinusOne)
		words[i] = uint32(word.Uint64())
		rem.Rsh(rem, 32)
	}
	return words
}

var two32MinusOne = new(big.Int).Sub(two32, big.NewInt(1))
