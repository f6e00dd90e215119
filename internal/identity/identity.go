// Package identity manages the process-persistent RSA signing identity used
// to authenticate to a wireless-debugging daemon: a 2048-bit RSA key pair,
// wrapped at rest with AES-256-GCM, a self-signed X.509 certificate over the
// same key for the TLS branch of the ADB handshake, and the ADB-specific
// little-endian Montgomery-form public-key encoding adbd expects.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/adbhostd/adbhostd/internal/randutil"
)

// RSAKeyBits is the size of the generated signing key. adbd accepts only
// this size for the Montgomery-form public key encoding in §6.
const RSAKeyBits = 2048

// storageKey is both the key-value store key and (zero-padded to 16 bytes)
// the AES-GCM additional authenticated data for the wrapped private key.
const storageKey = "adbkey"

var (
	// ErrWrappingKeyUnavailable is returned when the platform keystore
	// cannot produce the AES wrapping key. Per spec.md §4.2 this is fatal:
	// there is no fallback that keeps the private key encrypted at rest.
	ErrWrappingKeyUnavailable = errors.New("identity: wrapping key unavailable")
	// ErrCorruptRecord is returned when a stored adbkey blob fails to
	// decrypt or unmarshal.
	ErrCorruptRecord = errors.New("identity: corrupt stored key record")
)

// WrappingKeyProvider abstracts the platform keystore that guards the
// AES-256-GCM key used to wrap the RSA private key at rest. On a real
// Android device this is the hardware-backed Android Keystore; here it is
// an interface so a host-process implementation (internal/identity/wrap.go)
// can stand in for it, mirroring how portal/keyless/signer.go abstracts a
// private-key operation performed by a remote component.
type WrappingKeyProvider interface {
	// WrappingKey returns the 32-byte AES-256 key used to seal/unseal the
	// stored private key. Called once per process lifetime.
	WrappingKey() ([]byte, error)
}

// Store is the minimal persistence surface identity needs: a single
// key-value record. internal/storage provides a SQLite-backed
// implementation.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// Identity is the immutable, process-persistent signing identity.
type Identity struct {
	privateKey *rsa.PrivateKey
	cert       *x509.Certificate
	certDER    []byte
	tlsCert    tls.Certificate
	pubKeyADB  []byte // cached ADB-encoded public key, including trailing " name\0"
}

// LoadOrCreate loads the identity from store, creating and persisting a new
// one if none exists. Once created, the identity is immutable for the life
// of the installation: subsequent calls always return the same key.
func LoadOrCreate(store Store, wrap WrappingKeyProvider, name string) (*Identity, error) {
	wrapKey, err := wrap.WrappingKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWrappingKeyUnavailable, err)
	}

	if blob, ok, err := store.Get(storageKey); err != nil {
		return nil, fmt.Errorf("identity: load: %w", err)
	} else if ok {
		wrapped, err := b64.DecodeString(string(blob))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		priv, err := unwrapPrivateKey(wrapped, wrapKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		return newIdentity(priv, name)
	}

	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}

	wrapped, err := wrapPrivateKey(priv, wrapKey)
	if err != nil {
		return nil, fmt.Errorf("identity: wrap key: %w", err)
	}
	if err := store.Put(storageKey, []byte(b64.EncodeToString(wrapped))); err != nil {
		return nil, fmt.Errorf("identity: persist key: %w", err)
	}

	return newIdentity(priv, name)
}

func newIdentity(priv *rsa.PrivateKey, name string) (*Identity, error) {
	certDER, cert, err := selfSignedCert(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: self-signed cert: %w", err)
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
		Leaf:        cert,
	}

	pubKeyADB, err := encodeADBPublicKey(&priv.PublicKey, name)
	if err != nil {
		return nil, fmt.Errorf("identity: encode adb public key: %w", err)
	}

	return &Identity{
		privateKey: priv,
		cert:       cert,
		certDER:    certDER,
		tlsCert:    tlsCert,
		pubKeyADB:  pubKeyADB,
	}, nil
}

// Sign produces the 256-byte raw RSA signature adbd expects over a 20-byte
// AUTH token: PKCS#1 v1.5 padding built by hand (no crypto/rsa padding
// helpers, since those refuse the ASN.1 prefix adbd actually signs), then a
// textbook RSA private-key operation (ECB, no further padding).
func (id *Identity) Sign(token []byte) ([]byte, error) {
	if len(token) != sha1.Size {
		return nil, fmt.Errorf("identity: token must be %d bytes, got %d", sha1.Size, len(token))
	}
	padded := pkcs1v15Prefix(token)

	// RSA raw private-key operation: c = m^d mod n. This is intentionally
	// the textbook operation rather than crypto/rsa.SignPKCS1v15, because
	// adbd's token is not itself a SHA-1 digest we're asked to hash-then-sign
	// — it already *is* the 20-byte value that goes where the digest would.
	m := new(big.Int).SetBytes(padded)
	n := id.privateKey.N
	if m.Cmp(n) >= 0 {
		return nil, errors.New("identity: padded message too large for modulus")
	}
	c := new(big.Int).Exp(m, id.privateKey.D, n)

	sig := make([]byte, (n.BitLen()+7)/8)
	c.FillBytes(sig)
	return sig, nil
}

// pkcs1v15Prefix builds the 256-byte PKCS#1-v1.5-style signature input: the
// fixed 236-byte prefix 0x00 0x01 0xFF...0xFF 0x00 <SHA-1 DigestInfo prefix>
// followed by the 20-byte token.
func pkcs1v15Prefix(token []byte) []byte {
	// DigestInfo prefix for SHA-1, per RFC 3447 / PKCS#1 v1.5 §9.2 Note 1.
	sha1Prefix := []byte{
		0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a,
		0x05, 0x00, 0x04, 0x14,
	}
	const totalLen = 256 // matches the 2048-bit modulus size
	out := make([]byte, 0, totalLen)
	out = append(out, 0x00, 0x01)
	padLen := totalLen - 3 - len(sha1Prefix) - len(token)
	for i := 0; i < padLen; i++ {
		out = append(out, 0xFF)
	}
	out = append(out, 0x00)
	out = append(out, sha1Prefix...)
	out = append(out, token...)
	return out
}

// TLSConfig returns a tls.Config presenting this identity's certificate and
// accepting the peer's certificate unconditionally — trust for wireless
// debugging comes from the prior pairing step, not from PKI validation.
func (id *Identity) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{id.tlsCert},
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}
}

// ADBPublicKey returns the cached ADB-encoded public key: base64(word
// array) + " " + name + "\x00".
func (id *Identity) ADBPublicKey() []byte {
	return id.pubKeyADB
}

// PublicKey returns the RSA public key.
func (id *Identity) PublicKey() *rsa.PublicKey {
	return &id.privateKey.PublicKey
}

// wrapPrivateKey seals the PKCS#8-encoded private key with AES-256-GCM.
// Layout: [12-byte IV][ciphertext][16-byte tag] — GCM appends the tag to
// the ciphertext itself, so Seal's output already matches this layout.
func wrapPrivateKey(priv *rsa.PrivateKey, wrapKey []byte) ([]byte, error) {
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	iv := randutil.Bytes(gcm.NonceSize())
	aad := aadFor(storageKey)
	ciphertext := gcm.Seal(nil, iv, pkcs8, aad)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

func unwrapPrivateKey(blob, wrapKey []byte) (*rsa.PrivateKey, error) {
	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("wrapped key blob too short")
	}

	iv, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	aad := aadFor(storageKey)
	pkcs8, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	key, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("stored key is %T, not *rsa.PrivateKey", key)
	}
	return priv, nil
}

// aadFor zero-pads label to 16 bytes, matching spec.md §3's
// AAD = the literal "adbkey" padded to 16 bytes.
func aadFor(label string) []byte {
	aad := make([]byte, 16)
	copy(aad, label)
	return aad
}

// selfSignedCert builds the CN=00, serial=1 self-signed certificate
// spec.md §3 describes: used only so the TLS handshake can complete with
// mutual-authentication semantics, never validated by a peer against a CA.
func selfSignedCert(priv *rsa.PrivateKey) ([]byte, *x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "00"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Now().AddDate(30, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return der, cert, nil
}

// b64 is the no-wrap standard base64 encoding used both for the ADB public
// key string and for the persisted wrapped-key record.
var b64 = base64.StdEncoding
