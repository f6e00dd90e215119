package adbsession

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adbhostd/adbhostd/internal/wire"
)

const (
	dialTimeout  = 5 * time.Second
	readTimeout  = 8 * time.Second
	cnxnVersion  = 0x01000001
	cnxnPayload  = 0x100000
	stlsVersion  = 0x01000000
	cnxnBanner   = "host::\x00"
	maxHandshake = 10 // bounds pathological STLS/AUTH loops
)

// Signer is the subset of internal/identity.Identity the session client
// needs to complete the AUTH handshake.
type Signer interface {
	Sign(token []byte) ([]byte, error)
	ADBPublicKey() []byte
	TLSConfig() *tls.Config
}

// Session is one connected ADB transport: a handshake-authenticated
// socket plus the logical-stream multiplexer built on top of it. A
// Session serves one shell/exec/sync call at a time from the caller's
// point of view, but the multiplexer itself is safe for concurrent use.
type Session struct {
	conn net.Conn

	writeMu sync.Mutex

	localIDCounter atomic.Uint32
	streamsMu      sync.Mutex
	streams        map[uint32]*openStream

	dispatchOnce sync.Once
}

// Connect dials addr (host:port), performs the CNXN/STLS/AUTH handshake
// described in spec.md §4.4, and starts the stream dispatcher. The
// returned Session is ready for OpenShell/OpenExec/PullFile.
func Connect(ctx context.Context, addr string, signer Signer) (*Session, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	s := &Session{
		conn:    raw,
		streams: make(map[uint32]*openStream),
	}

	if err := s.handshake(signer); err != nil {
		s.conn.Close()
		return nil, err
	}

	go s.dispatch()
	return s, nil
}

func (s *Session) handshake(signer Signer) error {
	cnxn := wire.NewMessage(wire.CNXN, cnxnVersion, cnxnPayload, []byte(cnxnBanner))
	if err := s.send(cnxn); err != nil {
		return err
	}

	sentPublicKey := false
	for i := 0; i < maxHandshake; i++ {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		msg, err := readMessage(s.conn)
		s.conn.SetReadDeadline(time.Time{})
		if err != nil {
			return err
		}

		switch msg.Command {
		case wire.CNXN:
			return nil

		case wire.STLS:
			reply := wire.NewMessage(wire.STLS, stlsVersion, 0, nil)
			if err := s.send(reply); err != nil {
				return err
			}
			tlsConn := tls.Client(s.conn, signer.TLSConfig())
			if err := tlsConn.HandshakeContext(context.Background()); err != nil {
				return fmt.Errorf("%w: TLS handshake: %w", ErrNetwork, err)
			}
			s.conn = tlsConn
			// TLS authentication IS the ADB authentication on this branch:
			// loop back to read the daemon's next message on the
			// TLS-wrapped socket, per spec.md §4.4 step 3.

		case wire.AUTH:
			if msg.Arg0 != wire.AuthToken {
				return fmt.Errorf("%w: unexpected AUTH sub-type %d", ErrProtocol, msg.Arg0)
			}
			sig, err := signer.Sign(msg.Data)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrProtocol, err)
			}
			if err := s.send(wire.NewMessage(wire.AUTH, wire.AuthSignature, 0, sig)); err != nil {
				return err
			}

			s.conn.SetReadDeadline(time.Now().Add(readTimeout))
			next, err := readMessage(s.conn)
			s.conn.SetReadDeadline(time.Time{})
			if err != nil {
				return err
			}
			if next.Command == wire.CNXN {
				return nil
			}
			if sentPublicKey {
				return fmt.Errorf("%w: daemon rejected signature and public key", ErrAuthRejected)
			}
			sentPublicKey = true
			if err := s.send(wire.NewMessage(wire.AUTH, wire.AuthRSAPublicKey, 0, signer.ADBPublicKey())); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: unexpected %s during handshake", ErrProtocol, msg.Command)
		}
	}
	return fmt.Errorf("%w: handshake did not converge", ErrProtocol)
}

func (s *Session) send(m *wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeMessage(s.conn, m)
}

// Close tears down the underlying connection. Any streams still open will
// observe a network error from their next operation.
func (s *Session) Close() error {
	return s.conn.Close()
}
