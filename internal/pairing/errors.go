package pairing

import "errors"

// Error kinds surfaced by Pair, per spec.md §4.3/§7.
var (
	// ErrInvalidPairingCode means the peer-info record failed to decrypt
	// under the derived key — almost always a mistyped pairing code.
	ErrInvalidPairingCode = errors.New("pairing: invalid pairing code")
	// ErrNetwork covers TCP/TLS transport establishment failures.
	ErrNetwork = errors.New("pairing: network error")
	// ErrTLSExport means the TLS stack could not export keying material
	// (RFC 5705); pairing cannot proceed without it.
	ErrTLSExport = errors.New("pairing: TLS keying material export failed")
	// ErrProtocol covers malformed frames or an unexpected record type or
	// length from the peer.
	ErrProtocol = errors.New("pairing: protocol error")
)
