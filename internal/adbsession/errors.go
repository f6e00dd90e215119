// Package adbsession implements the ADB session client: the TCP→TLS
// upgrade and RSA-signed AUTH handshake, the logical stream multiplexer
// built on top of it, and the shell/exec/sync services that run over a
// multiplexed stream.
package adbsession

import "errors"

// Error kinds surfaced by Session, per spec.md §7.
var (
	ErrNetwork      = errors.New("adbsession: network error")
	ErrTimeout      = errors.New("adbsession: timeout")
	ErrProtocol     = errors.New("adbsession: protocol error")
	ErrAuthRejected = errors.New("adbsession: daemon rejected authentication")
)

// SyncFailedError wraps the message carried by a sync FAIL packet.
type SyncFailedError struct {
	Message string
}

func (e *SyncFailedError) Error() string { return "adbsession: sync failed: " + e.Message }
