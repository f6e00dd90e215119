// Package wire implements the ADB host-transport wire format: a fixed
// 24-byte header followed by a variable-length payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command is one of the seven ADB control-message tetragraphs.
type Command uint32

// Command values are the little-endian interpretation of their ASCII
// tetragraph, e.g. CNXN = 'C'|'N'<<8|'X'<<16|'N'<<24.
const (
	CNXN Command = 0x4e584e43
	AUTH Command = 0x48545541
	STLS Command = 0x534c5453
	OPEN Command = 0x4e45504f
	OKAY Command = 0x59414b4f
	WRTE Command = 0x45545257
	CLSE Command = 0x45534c43
)

func (c Command) String() string {
	switch c {
	case CNXN:
		return "CNXN"
	case AUTH:
		return "AUTH"
	case STLS:
		return "STLS"
	case OPEN:
		return "OPEN"
	case OKAY:
		return "OKAY"
	case WRTE:
		return "WRTE"
	case CLSE:
		return "CLSE"
	default:
		return fmt.Sprintf("CMD(%08x)", uint32(c))
	}
}

// AUTH arg0 sub-types.
const (
	AuthToken        = 1
	AuthSignature    = 2
	AuthRSAPublicKey = 3
)

// HeaderSize is the fixed length, in bytes, of a wire message header.
const HeaderSize = 24

// ErrBadMessage is returned when a header or payload fails validation:
// magic/command mismatch, or data/checksum mismatch.
var ErrBadMessage = errors.New("wire: bad message")

// Header is the 24-byte fixed prefix of every wire message.
type Header struct {
	Command   Command
	Arg0      uint32
	Arg1      uint32
	DataLen   uint32
	DataCRC32 uint32
	Magic     uint32
}

// Message is a fully decoded wire message: header plus payload.
type Message struct {
	Header
	Data []byte
}

// NewMessage builds a Message with a correctly computed magic and checksum.
func NewMessage(cmd Command, arg0, arg1 uint32, data []byte) *Message {
	return &Message{
		Header: Header{
			Command:   cmd,
			Arg0:      arg0,
			Arg1:      arg1,
			DataLen:   uint32(len(data)),
			DataCRC32: Checksum(data),
			Magic:     uint32(cmd) ^ 0xFFFFFFFF,
		},
		Data: data,
	}
}

// Checksum computes the historical ADB "checksum": the byte-sum of data
// modulo 2^32. This is NOT a CRC-32 despite the field name DataCRC32 —
// the name is preserved for wire compatibility with adbd. Do not "fix" it.
func Checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}

// Encode serializes m into its wire representation.
func Encode(m *Message) []byte {
	buf := make([]byte, HeaderSize+len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Command))
	binary.LittleEndian.PutUint32(buf[4:8], m.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], m.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(m.Data)))
	binary.LittleEndian.PutUint32(buf[16:20], Checksum(m.Data))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(m.Command)^0xFFFFFFFF)
	copy(buf[HeaderSize:], m.Data)
	return buf
}

// DecodeHeader parses the fixed 24-byte header. It does not validate the
// magic; callers must have the payload in hand to also verify the checksum,
// so full validation happens in DecodePayload.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrBadMessage, len(b))
	}
	h := Header{
		Command:   Command(binary.LittleEndian.Uint32(b[0:4])),
		Arg0:      binary.LittleEndian.Uint32(b[4:8]),
		Arg1:      binary.LittleEndian.Uint32(b[8:12]),
		DataLen:   binary.LittleEndian.Uint32(b[12:16]),
		DataCRC32: binary.LittleEndian.Uint32(b[16:20]),
		Magic:     binary.LittleEndian.Uint32(b[20:24]),
	}
	return h, nil
}

// DecodePayload validates h against data and returns the assembled Message.
func DecodePayload(h Header, data []byte) (*Message, error) {
	if uint32(h.Command)^h.Magic != 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: magic mismatch for %s", ErrBadMessage, h.Command)
	}
	if uint32(len(data)) != h.DataLen {
		return nil, fmt.Errorf("%w: data length mismatch: header says %d, got %d", ErrBadMessage, h.DataLen, len(data))
	}
	if h.DataLen != 0 && Checksum(data) != h.DataCRC32 {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrBadMessage, h.Command)
	}
	return &Message{Header: h, Data: data}, nil
}

// Decode parses a complete wire message (header + exactly h.DataLen bytes
// of payload already appended) in one call. Most callers read the header
// and payload off the wire separately (see adbsession) and call
// DecodePayload directly once the payload has arrived.
func Decode(b []byte) (*Message, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	return DecodePayload(h, b[HeaderSize:])
}
