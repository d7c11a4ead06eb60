// Package eip implements the EtherNet/IP encapsulation layer: the
// 24-byte framing header, the common packet format, ListServices, and
// the TCP session client.
package eip

import (
	"encoding/binary"
	"fmt"
)

// Encapsulation commands.
const (
	CmdNop               uint16 = 0x0000
	CmdListServices      uint16 = 0x0004
	CmdListIdentity      uint16 = 0x0063
	CmdListInterfaces    uint16 = 0x0064
	CmdRegisterSession   uint16 = 0x0065
	CmdUnRegisterSession uint16 = 0x0066
	CmdSendRRData        uint16 = 0x006F
	CmdSendUnitData      uint16 = 0x0070
)

// Encapsulation status codes.
const (
	StatusOK                  uint32 = 0x00
	StatusInvalidCommand      uint32 = 0x01
	StatusNoMemory            uint32 = 0x02
	StatusMalformedData       uint32 = 0x03
	StatusInvalidSession      uint32 = 0x64
	StatusInvalidLength       uint32 = 0x65
	StatusUnsupportedRevision uint32 = 0x69
)

// EncapHeaderSize is the fixed size of the encapsulation header. The
// length field counts bytes after it.
const EncapHeaderSize = 24

// senderContext is the opaque 8-byte context echoed by the target.
// The value is arbitrary; this one is recognizable in packet dumps.
var senderContext = [8]byte{'A', 'I', 'R', 'P', 'L', 'A', 'N', 'E'}

// StatusName returns a readable name for an encapsulation status.
func StatusName(status uint32) string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusInvalidCommand:
		return "invalid command"
	case StatusNoMemory:
		return "no memory on target"
	case StatusMalformedData:
		return "malformed data"
	case StatusInvalidSession:
		return "invalid session handle"
	case StatusInvalidLength:
		return "invalid length"
	case StatusUnsupportedRevision:
		return "unsupported encapsulation revision"
	default:
		return fmt.Sprintf("status 0x%08X", status)
	}
}

// Encap is one encapsulated message: header fields plus payload.
type Encap struct {
	Command       uint16
	Length        uint16
	SessionHandle uint32
	Status        uint32
	Context       [8]byte
	Options       uint32
	Data          []byte
}

// Bytes marshals the header and payload. Length is taken from the
// payload, not the Length field.
func (m *Encap) Bytes() []byte {
	buf := make([]byte, 0, EncapHeaderSize+len(m.Data))
	buf = binary.LittleEndian.AppendUint16(buf, m.Command)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Data)))
	buf = binary.LittleEndian.AppendUint32(buf, m.SessionHandle)
	buf = binary.LittleEndian.AppendUint32(buf, m.Status)
	buf = append(buf, m.Context[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.Options)
	buf = append(buf, m.Data...)
	return buf
}

// ParseEncapHeader decodes a 24-byte header. The payload is attached
// by the caller once it has been read.
func ParseEncapHeader(header []byte) (*Encap, error) {
	if len(header) < EncapHeaderSize {
		return nil, fmt.Errorf("ParseEncapHeader: need %d bytes, got %d", EncapHeaderSize, len(header))
	}
	m := &Encap{
		Command:       binary.LittleEndian.Uint16(header[0:2]),
		Length:        binary.LittleEndian.Uint16(header[2:4]),
		SessionHandle: binary.LittleEndian.Uint32(header[4:8]),
		Status:        binary.LittleEndian.Uint32(header[8:12]),
		Options:       binary.LittleEndian.Uint32(header[20:24]),
	}
	copy(m.Context[:], header[12:20])
	return m, nil
}

// RegisterSessionData is the fixed RegisterSession payload: protocol
// version 1, options 0.
func RegisterSessionData() []byte {
	return []byte{0x01, 0x00, 0x00, 0x00}
}
