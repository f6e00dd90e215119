package pairing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"
)

// testIdentity is a minimal Identity for pairing tests: a throwaway
// self-signed ECDSA certificate (the pairing protocol never inspects the
// certificate's key type) and a fixed "ADB public key" payload.
type testIdentity struct {
	tlsConfig *tls.Config
	pubKey    []byte
}

func (t *testIdentity) TLSConfig() *tls.Config { return t.tlsConfig }
func (t *testIdentity) ADBPublicKey() []byte   { return t.pubKey }

func newTestIdentity(t *testing.T, name string) *testIdentity {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "00"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}

	return &testIdentity{
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: true,
		},
		pubKey: append([]byte("fake-adb-pubkey "+name), 0),
	}
}

// mockDaemon accepts one TLS connection and runs the server side of the
// SPAKE2 exchange, using daemonPassword as its half of the shared secret. It
// always seals and sends back its own PEER_INFO regardless of whether it
// could read the client's: with a wrong pairing code the two sides derive
// different keys, so it's the client's decrypt of this reply that fails,
// exactly as a real daemon's would.
func mockDaemon(t *testing.T, ln net.Listener, id *testIdentity, daemonPassword []byte) {
	t.Helper()
	raw, err := ln.Accept()
	if err != nil {
		t.Errorf("daemon accept: %v", err)
		return
	}
	conn := tls.Server(raw, id.tlsConfig)
	defer conn.Close()
	if err := conn.Handshake(); err != nil {
		t.Errorf("daemon TLS handshake: %v", err)
		return
	}

	state := conn.ConnectionState()
	exported, err := state.ExportKeyingMaterial(exportLabel, nil, exportedKeyLen)
	if err != nil {
		t.Errorf("daemon export keying material: %v", err)
		return
	}
	password := append(append([]byte(nil), daemonPassword...), exported...)
	s := newTestServer(password)

	_, clientShare, err := readFrame(conn)
	if err != nil {
		t.Errorf("daemon read client share: %v", err)
		return
	}
	serverShare, err := s.generateShare()
	if err != nil {
		t.Errorf("daemon generate share: %v", err)
		return
	}
	if err := writeFrame(conn, recordSpake2Msg, serverShare); err != nil {
		t.Errorf("daemon write share: %v", err)
		return
	}
	if err := s.finish(clientShare); err != nil {
		t.Errorf("daemon finish: %v", err)
		return
	}

	gcm, err := newGCM(s.ke)
	if err != nil {
		t.Errorf("daemon build gcm: %v", err)
		return
	}
	if _, _, err := readFrame(conn); err != nil {
		t.Errorf("daemon read peer-info: %v", err)
		return
	}

	reply, err := encodePeerInfo(id.ADBPublicKey())
	if err != nil {
		t.Errorf("daemon encode peer-info: %v", err)
		return
	}
	sealed, err := seal(gcm, reply)
	if err != nil {
		t.Errorf("daemon seal peer-info: %v", err)
		return
	}
	_ = writeFrame(conn, recordPeerInfo, sealed)
}

func TestPairSucceedsWithMatchingCode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	daemonID := newTestIdentity(t, "daemon")
	clientID := newTestIdentity(t, "host")

	go mockDaemon(t, ln, daemonID, []byte("123456"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Pair(ctx, ln.Addr().String(), "123456", clientID)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
}

func TestPairFailsWithWrongCode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	daemonID := newTestIdentity(t, "daemon")
	clientID := newTestIdentity(t, "host")

	go mockDaemon(t, ln, daemonID, []byte("123456"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Pair(ctx, ln.Addr().String(), "654321", clientID)
	if err == nil {
		t.Fatal("expected pairing to fail with mismatched code")
	}
	if !errors.Is(err, ErrInvalidPairingCode) {
		t.Fatalf("got error %v, want ErrInvalidPairingCode", err)
	}
}
