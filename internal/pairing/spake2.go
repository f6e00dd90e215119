// Package pairing implements the SPAKE2-over-TLS handshake a host uses to
// register its signing identity with a wireless-debugging daemon for the
// first time, given the 6-digit code the daemon displays.
//
// Unlike the augmented SPAKE2+ variant (where a verifier stores a
// password-derived record instead of the password itself), both sides of
// this exchange derive their scalar from the *same* shared secret — the
// pairing code concatenated with exported TLS keying material — so a
// single w0 stands in for SPAKE2+'s w0/w1 pair and no L commitment point
// is exchanged. The point arithmetic below follows the same P-256
// construction as SPAKE2+ (generators M and N), just without the second
// secret w1 or the asymmetric registration record.
package pairing

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
)

// Sizes, per spec.md §4.3/§8: a P-256 scalar, an uncompressed point, and
// the SHA-256 transcript hash.
const (
	scalarSizeBytes = 32
	pointSizeBytes  = 65
	hashSizeBytes   = 32
)

var p256 = elliptic.P256()

// M and N are the SPAKE2 generator points for P-256, identical to the
// constants RFC 9383 / the Matter specification define for SPAKE2+ — the
// symmetric construction used here reuses them as the client and server
// blinding generators respectively.
var (
	pointM = mustDecodePoint([]byte{
		0x04, 0x88, 0x6e, 0x2f, 0x97, 0xac, 0xe4, 0x6e, 0x55, 0xba, 0x9d, 0xd7, 0x24, 0x25, 0x79, 0xf2, 0x99,
		0x3b, 0x64, 0xe1, 0x6e, 0xf3, 0xdc, 0xab, 0x95, 0xaf, 0xd4, 0x97, 0x33, 0x3d, 0x8f, 0xa1, 0x2f, 0x5f,
		0xf3, 0x55, 0x16, 0x3e, 0x43, 0xce, 0x22, 0x4e, 0x0b, 0x0e, 0x65, 0xff, 0x02, 0xac, 0x8e, 0x5c, 0x7b,
		0xe0, 0x94, 0x19, 0xc7, 0x85, 0xe0, 0xca, 0x54, 0x7d, 0x55, 0xa1, 0x2e, 0x2d, 0x20,
	})
	pointN = mustDecodePoint([]byte{
		0x04, 0xd8, 0xbb, 0xd6, 0xc6, 0x39, 0xc6, 0x29, 0x37, 0xb0, 0x4d, 0x99, 0x7f, 0x38, 0xc3, 0x77, 0x07,
		0x19, 0xc6, 0x29, 0xd7, 0x01, 0x4d, 0x49, 0xa2, 0x4b, 0x4f, 0x98, 0xba, 0xa1, 0x29, 0x2b, 0x49, 0x07,
		0xd6, 0x0a, 0xa6, 0xbf, 0xad, 0xe4, 0x50, 0x08, 0xa6, 0x36, 0x33, 0x7f, 0x51, 0x68, 0xc6, 0x4d, 0x9b,
		0xd3, 0x60, 0x34, 0x80, 0x8c, 0xd5, 0x64, 0x49, 0x0b, 0x1e, 0x65, 0x6e, 0xdb, 0xe7,
	})
	pointMBytes = encodePoint(pointM)
	pointNBytes = encodePoint(pointN)
)

var (
	errInvalidShareSize    = errors.New("spake2: peer share must be 65 bytes")
	errInvalidPointOnCurve = errors.New("spake2: point is not on the curve")
)

// client runs the host (prover) side of a SPAKE2 exchange: it derives w0
// from the shared password, sends a share built off generator M, and
// expects the peer's share to be built off generator N.
type client struct {
	w0 *big.Int

	x       *big.Int // this side's random scalar
	myShare []byte
	peer    []byte

	ke []byte
}

// newClient derives w0 = SHA256(password) mod p and returns a fresh
// client-role SPAKE2 state machine. password is the pairing code
// concatenated with exported TLS keying material, per spec.md §4.3 step 3.
func newClient(password []byte) *client {
	h := sha256.Sum256(password)
	w0 := new(big.Int).SetBytes(h[:])
	w0.Mod(w0, p256.Params().N)
	return &client{w0: w0}
}

// generateShare returns X = x*P + w0*M for a freshly drawn random scalar x.
func (c *client) generateShare() ([]byte, error) {
	x, err := randomScalar(rand.Reader)
	if err != nil {
		return nil, err
	}
	c.x = x
	share := computeShare(x, c.w0, pointM)
	c.myShare = encodePoint(share)
	return append([]byte(nil), c.myShare...), nil
}

// finish consumes the daemon's share Y, computes Z, and derives the shared
// encryption key Ke. There is no separate key-confirmation round trip: a
// wrong pairing code surfaces downstream, as a failure to decrypt the
// daemon's PEER_INFO record.
func (c *client) finish(peerShare []byte) error {
	if len(peerShare) != pointSizeBytes {
		return errInvalidShareSize
	}
	Y, err := decodePoint(peerShare)
	if err != nil {
		return err
	}
	c.peer = append([]byte(nil), peerShare...)

	// Z = x*(Y - w0*N); the client has no second secret w1, so it plays
	// the role SPAKE2+ reserves for the party verifying against L — here
	// V collapses to the same Z, since both sides share one w0.
	w0N := scalarMult(pointN, c.w0)
	YminusW0N := pointSub(Y, w0N)
	Z := scalarMult(YminusW0N, c.x)

	c.deriveKeys(encodePoint(Z))
	return nil
}

func (c *client) deriveKeys(z []byte) {
	tt := buildTranscript(c.myShare, c.peer, z, z, c.w0)
	kae := sha256.Sum256(tt)
	c.ke = append([]byte(nil), kae[16:]...)
}

// sharedSecret returns Ke, the 16-byte AES-128-GCM key derived from the
// exchange.
func (c *client) sharedSecret() []byte {
	return append([]byte(nil), c.ke...)
}

func buildTranscript(X, Y, Z, V []byte, w0 *big.Int) []byte {
	var out []byte
	appendLP := func(b []byte) {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
		out = append(out, lenBuf[:]...)
		out = append(out, b...)
	}
	appendLP(nil) // context
	appendLP(nil) // idProver
	appendLP(nil) // idVerifier
	appendLP(pointMBytes)
	appendLP(pointNBytes)
	appendLP(X)
	appendLP(Y)
	appendLP(Z)
	appendLP(V)
	appendLP(w0.Bytes())
	return out
}

type point struct{ x, y *big.Int }

func mustDecodePoint(b []byte) *point {
	p, err := decodePoint(b)
	if err != nil {
		panic(err)
	}
	return p
}

func decodePoint(b []byte) (*point, error) {
	if len(b) != pointSizeBytes {
		return nil, errInvalidShareSize
	}
	x, y := elliptic.Unmarshal(p256, b)
	if x == nil {
		return nil, errInvalidPointOnCurve
	}
	return &point{x: x, y: y}, nil
}

func encodePoint(p *point) []byte {
	return elliptic.Marshal(p256, p.x, p.y)
}

func scalarMult(p *point, k *big.Int) *point {
	x, y := p256.ScalarMult(p.x, p.y, k.Bytes())
	return &point{x: x, y: y}
}

func computeShare(randomScalar, w0 *big.Int, generator *point) *point {
	params := p256.Params()
	px, py := params.ScalarBaseMult(randomScalar.Bytes())
	gx, gy := p256.ScalarMult(generator.x, generator.y, w0.Bytes())
	rx, ry := p256.Add(px, py, gx, gy)
	return &point{x: rx, y: ry}
}

func pointSub(a, b *point) *point {
	params := p256.Params()
	negY := new(big.Int).Sub(params.P, b.y)
	negY.Mod(negY, params.P)
	rx, ry := p256.Add(a.x, a.y, b.x, negY)
	return &point{x: rx, y: ry}
}

func randomScalar(rnd io.Reader) (*big.Int, error) {
	k, err := rand.Int(rnd, p256.Params().N)
	if err != nil {
		return nil, err
	}
	if k.Sign() == 0 {
		return randomScalar(rnd)
	}
	return k, nil
}
