package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adbhostd/adbhostd/internal/sessionmgr"
	"github.com/adbhostd/adbhostd/internal/wire"
)

// testSigner is a throwaway RSA identity; TLS is never exercised since the
// mock daemon only ever replies CNXN (no STLS/AUTH branch taken).
type testSigner struct{ priv *rsa.PrivateKey }

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testSigner{priv: priv}
}

// Sign is never exercised in this package's tests — the mock daemon below
// always completes the handshake on its first CNXN reply — but it's kept
// faithful to the real PKCS#1v1.5 padding so the signer stays a valid
// Signer if a future test adds an AUTH-challenging daemon.
func (s *testSigner) Sign(token []byte) ([]byte, error) {
	sha1Prefix := []byte{
		0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a,
		0x05, 0x00, 0x04, 0x14,
	}
	const totalLen = 256
	padded := make([]byte, 0, totalLen)
	padded = append(padded, 0x00, 0x01)
	for i := 0; i < totalLen-3-len(sha1Prefix)-len(token); i++ {
		padded = append(padded, 0xFF)
	}
	padded = append(padded, 0x00)
	padded = append(padded, sha1Prefix...)
	padded = append(padded, token...)

	m := new(big.Int).SetBytes(padded)
	c := new(big.Int).Exp(m, s.priv.D, s.priv.N)
	sig := make([]byte, (s.priv.N.BitLen()+7)/8)
	c.FillBytes(sig)
	return sig, nil
}

func (s *testSigner) ADBPublicKey() []byte { return []byte("test-key\x00") }
func (s *testSigner) TLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}

// mockDaemon is a minimal scripted ADB daemon: it accepts one connection,
// completes the CNXN-only handshake, then answers every OPEN on that
// connection with a canned response before closing the stream — enough to drive the
// click/swipe/input request paths end to end without a real device.
type mockDaemon struct {
	ln       net.Listener
	response string // text written back over the shell: stream
}

func startMockDaemon(t *testing.T, response string) *mockDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	d := &mockDaemon{ln: ln, response: response}
	go d.serveOne(t)
	return d
}

func (d *mockDaemon) addr() string { return d.ln.Addr().String() }

func (d *mockDaemon) serveOne(t *testing.T) {
	conn, err := d.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := readWireMessage(conn); err != nil {
		return
	}
	if err := writeWireMessage(conn, wire.NewMessage(wire.CNXN, 0x01000001, 0x100000, []byte("device::\x00"))); err != nil {
		return
	}

	for {
		open, err := readWireMessage(conn)
		if err != nil {
			return
		}
		if open.Command != wire.OPEN {
			continue
		}
		localID := open.Arg0
		remoteID := localID + 1000

		if err := writeWireMessage(conn, wire.NewMessage(wire.OKAY, remoteID, localID, nil)); err != nil {
			return
		}
		if d.response != "" {
			if err := writeWireMessage(conn, wire.NewMessage(wire.WRTE, remoteID, localID, []byte(d.response))); err != nil {
				return
			}
			if _, err := readWireMessage(conn); err != nil { // ack
				return
			}
		}
		if err := writeWireMessage(conn, wire.NewMessage(wire.CLSE, remoteID, localID, nil)); err != nil {
			return
		}
		if _, err := readWireMessage(conn); err != nil { // client's CLSE reply
			return
		}
	}
}

func readWireMessage(conn net.Conn) (*wire.Message, error) {
	hdr := make([]byte, wire.HeaderSize)
	if _, err := readFull(conn, hdr); err != nil {
		return nil, err
	}
	h, err := wire.DecodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	data := make([]byte, h.DataLen)
	if h.DataLen > 0 {
		if _, err := readFull(conn, data); err != nil {
			return nil, err
		}
	}
	return wire.DecodePayload(h, data)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func writeWireMessage(conn net.Conn, m *wire.Message) error {
	_, err := conn.Write(wire.Encode(m))
	return err
}

func newConnectedManager(t *testing.T, response string) *sessionmgr.Manager {
	t.Helper()
	d := startMockDaemon(t, response)

	mgr := sessionmgr.New(newTestSigner(t))
	host, portStr, ok := strings.Cut(d.addr(), ":")
	if !ok {
		t.Fatalf("parse addr %q", d.addr())
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Connect(ctx, host, port, true); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return mgr
}

func newTestHandler(mgr *sessionmgr.Manager) http.Handler {
	return NewRouter(mgr, zerolog.Nop())
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body=%s)", err, rec.Body.String())
	}
	return env
}

func TestHealthEndpoint(t *testing.T) {
	mgr := sessionmgr.New(newTestSigner(t))
	h := newTestHandler(mgr)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != 0 || env.Message != "ok" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestSystemInfoWhenDisconnected(t *testing.T) {
	mgr := sessionmgr.New(newTestSigner(t))
	h := newTestHandler(mgr)

	req := httptest.NewRequest(http.MethodGet, "/v1/system/info", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T", env.Data)
	}
	if connected, _ := data["adbConnected"].(bool); connected {
		t.Fatal("expected adbConnected=false")
	}
	if _, present := data["deviceModel"]; present {
		t.Fatal("deviceModel should be absent without a session")
	}
}

func TestClickRejectsNegativeCoordinates(t *testing.T) {
	mgr := sessionmgr.New(newTestSigner(t))
	h := newTestHandler(mgr)

	body := `{"x":-1,"y":800}`
	req := httptest.NewRequest(http.MethodPost, "/v1/control/click", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != codeInvalidCoordinates {
		t.Fatalf("code = %d, want %d", env.Code, codeInvalidCoordinates)
	}
}

func TestClickWithoutActiveSessionReturns503(t *testing.T) {
	mgr := sessionmgr.New(newTestSigner(t))
	h := newTestHandler(mgr)

	body := `{"x":300,"y":800}`
	req := httptest.NewRequest(http.MethodPost, "/v1/control/click", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != codeNoActiveSession {
		t.Fatalf("code = %d, want %d", env.Code, codeNoActiveSession)
	}
}

func TestClickSendsTapCommand(t *testing.T) {
	mgr := newConnectedManager(t, "")
	h := newTestHandler(mgr)

	body := `{"x":300,"y":800}`
	req := httptest.NewRequest(http.MethodPost, "/v1/control/click", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data, _ := env.Data.(map[string]any)
	if data["command"] != "input tap 300 800" {
		t.Fatalf("command = %v", data["command"])
	}
}

func TestSwipeClampsDurationAboveMax(t *testing.T) {
	mgr := newConnectedManager(t, "")
	h := newTestHandler(mgr)

	body := `{"startX":0,"startY":0,"endX":100,"endY":100,"durationMs":120000}`
	req := httptest.NewRequest(http.MethodPost, "/v1/control/swipe", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data, _ := env.Data.(map[string]any)
	want := "input swipe 0 0 100 100 60000"
	if data["command"] != want {
		t.Fatalf("command = %v, want %q", data["command"], want)
	}
}

func TestSwipeRejectsNegativeCoordinates(t *testing.T) {
	mgr := sessionmgr.New(newTestSigner(t))
	h := newTestHandler(mgr)

	body := `{"startX":-5,"startY":0,"endX":100,"endY":100,"durationMs":500}`
	req := httptest.NewRequest(http.MethodPost, "/v1/control/swipe", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInputRejectsEmptyText(t *testing.T) {
	mgr := sessionmgr.New(newTestSigner(t))
	h := newTestHandler(mgr)

	body := `{"text":"","enterAction":"auto"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/control/input", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != codeInvalidText {
		t.Fatalf("code = %d, want %d", env.Code, codeInvalidText)
	}
}

func TestInputRejectsInvalidEnterAction(t *testing.T) {
	mgr := sessionmgr.New(newTestSigner(t))
	h := newTestHandler(mgr)

	body := `{"text":"hi","enterAction":"foo"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/control/input", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != codeInvalidEnterAction {
		t.Fatalf("code = %d, want %d", env.Code, codeInvalidEnterAction)
	}
}

func TestInputRejectsOversizedText(t *testing.T) {
	mgr := sessionmgr.New(newTestSigner(t))
	h := newTestHandler(mgr)

	var sb bytes.Buffer
	for i := 0; i < 4097; i++ {
		sb.WriteByte('a')
	}
	body := `{"text":"` + sb.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/control/input", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != codeInvalidText {
		t.Fatalf("code = %d, want %d", env.Code, codeInvalidText)
	}
}

func TestUIXMLWithoutActiveSessionReturns503(t *testing.T) {
	mgr := sessionmgr.New(newTestSigner(t))
	h := newTestHandler(mgr)

	req := httptest.NewRequest(http.MethodPost, "/v1/ui/xml", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestScreenshotWithoutActiveSessionReturns503(t *testing.T) {
	mgr := sessionmgr.New(newTestSigner(t))
	h := newTestHandler(mgr)

	req := httptest.NewRequest(http.MethodPost, "/v1/ui/screenshot", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestParseWMSizePrefersOverride(t *testing.T) {
	out := "Physical size: 1080x2400\nOverride size: 720x1600\n"
	w, h, ok := parseWMSize(out)
	if !ok || w != 720 || h != 1600 {
		t.Fatalf("parseWMSize = %d,%d,%v", w, h, ok)
	}
}

func TestParseWMSizeFallsBackToPhysical(t *testing.T) {
	out := "Physical size: 1080x2400\n"
	w, h, ok := parseWMSize(out)
	if !ok || w != 1080 || h != 2400 {
		t.Fatalf("parseWMSize = %d,%d,%v", w, h, ok)
	}
}

func TestParseWMSizeRejectsGarbage(t *testing.T) {
	if _, _, ok := parseWMSize("nonsense"); ok {
		t.Fatal("expected ok=false")
	}
}
