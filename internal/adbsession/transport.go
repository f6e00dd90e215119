package adbsession

import (
	"fmt"
	"io"
	"net"

	"github.com/adbhostd/adbhostd/internal/wire"
)

// writeMessage serializes m and writes it in a single call, matching the
// teacher's length-prefixed single-write pattern in
// SecureConnection.writeFragment — the kernel either buffers the whole
// frame or the underlying socket is broken, so there is no reason to
// write header and payload separately.
func writeMessage(conn net.Conn, m *wire.Message) error {
	if _, err := conn.Write(wire.Encode(m)); err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return nil
}

// readMessage reads one complete message: a fixed 24-byte header, then
// exactly DataLen bytes of payload.
func readMessage(conn net.Conn) (*wire.Message, error) {
	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, classifyReadErr(err)
	}
	h, err := wire.DecodeHeader(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	data := make([]byte, h.DataLen)
	if h.DataLen > 0 {
		if _, err := io.ReadFull(conn, data); err != nil {
			return nil, classifyReadErr(err)
		}
	}

	msg, err := wire.DecodePayload(h, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return msg, nil
}

func classifyReadErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
