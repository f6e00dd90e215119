package pairing

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/adbhostd/adbhostd/internal/randutil"
)

const (
	dialTimeout    = 5 * time.Second
	exportLabel    = "adb-label\x00"
	exportedKeyLen = 64
	gcmNonceLen    = 12
)

// Identity is the subset of internal/identity.Identity the pairing client
// needs: a TLS configuration presenting the host's certificate, and the
// ADB-encoded public key to register with the daemon.
type Identity interface {
	TLSConfig() *tls.Config
	ADBPublicKey() []byte
}

// Result holds nothing beyond success today, but is returned so callers
// have a place to hang future diagnostics (e.g. daemon version) without
// another signature change.
type Result struct{}

// Pair performs the SPAKE2-over-TLS pairing handshake against a
// wireless-debugging pairing service, per spec.md §4.3. addr is host:port.
func Pair(ctx context.Context, addr, pairingCode string, id Identity) (Result, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	tlsConn := tls.Client(raw, id.TLSConfig())
	tlsConn.SetDeadline(time.Now().Add(dialTimeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return Result{}, fmt.Errorf("%w: TLS handshake: %w", ErrNetwork, err)
	}
	defer tlsConn.Close()
	tlsConn.SetDeadline(time.Time{})

	state := tlsConn.ConnectionState()
	exported, err := state.ExportKeyingMaterial(exportLabel, nil, exportedKeyLen)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrTLSExport, err)
	}

	password := append([]byte(pairingCode), exported...)
	c := newClient(password)

	myShare, err := c.generateShare()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if err := writeFrame(tlsConn, recordSpake2Msg, myShare); err != nil {
		return Result{}, err
	}

	_, peerShare, err := readFrame(tlsConn)
	if err != nil {
		return Result{}, err
	}
	if err := c.finish(peerShare); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	gcm, err := newGCM(c.sharedSecret())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	localInfo, err := encodePeerInfo(id.ADBPublicKey())
	if err != nil {
		return Result{}, err
	}
	sealed, err := seal(gcm, localInfo)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if err := writeFrame(tlsConn, recordPeerInfo, sealed); err != nil {
		return Result{}, err
	}

	_, peerSealed, err := readFrame(tlsConn)
	if err != nil {
		return Result{}, err
	}
	peerInfo, err := open(gcm, peerSealed)
	if err != nil {
		// Decryption failing here, after a clean key exchange, is diagnostic
		// of a wrong pairing code: both sides derived different keys.
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidPairingCode, err)
	}
	if err := validatePeerInfo(peerInfo); err != nil {
		return Result{}, err
	}

	return Result{}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, gcmNonceLen)
}

func seal(gcm cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := randutil.Bytes(gcm.NonceSize())
	return append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

func open(gcm cipher.AEAD, sealed []byte) ([]byte, error) {
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: sealed record too short", ErrProtocol)
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
