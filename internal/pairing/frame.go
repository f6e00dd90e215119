package pairing

import (
	"encoding/binary"
	"fmt"
	"io"
)

// recordType identifies the payload carried by a framed pairing record.
type recordType uint8

const (
	recordSpake2Msg recordType = 0
	recordPeerInfo  recordType = 1
)

const (
	frameVersion   = 1
	frameHeaderLen = 6
	maxPayloadLen  = 16384

	peerInfoLen    = 8192
	peerInfoTypeID = 0
)

// writeFrame writes a 6-byte header (version, type, big-endian u32 length)
// followed by payload.
func writeFrame(w io.Writer, typ recordType, payload []byte) error {
	if len(payload) > maxPayloadLen {
		return fmt.Errorf("%w: payload length %d exceeds %d", ErrProtocol, len(payload), maxPayloadLen)
	}
	header := make([]byte, frameHeaderLen)
	header[0] = frameVersion
	header[1] = byte(typ)
	binary.BigEndian.PutUint32(header[2:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return nil
}

// readFrame reads and validates one framed record.
func readFrame(r io.Reader) (recordType, []byte, error) {
	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if header[0] != frameVersion {
		return 0, nil, fmt.Errorf("%w: unsupported frame version %d", ErrProtocol, header[0])
	}
	length := binary.BigEndian.Uint32(header[2:])
	if length > maxPayloadLen {
		return 0, nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrProtocol, length, maxPayloadLen)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return recordType(header[1]), payload, nil
}

// encodePeerInfo builds the 8192-byte peer-info record: a one-byte type
// tag followed by the ADB public key, zero-padded to fill the remaining
// 8191 bytes.
func encodePeerInfo(adbPublicKey []byte) ([]byte, error) {
	if len(adbPublicKey) > peerInfoLen-1 {
		return nil, fmt.Errorf("%w: ADB public key too large for peer-info record", ErrProtocol)
	}
	out := make([]byte, peerInfoLen)
	out[0] = peerInfoTypeID
	copy(out[1:], adbPublicKey)
	return out, nil
}

func validatePeerInfo(b []byte) error {
	if len(b) != peerInfoLen {
		return fmt.Errorf("%w: peer-info record is %d bytes, want %d", ErrProtocol, len(b), peerInfoLen)
	}
	return nil
}
