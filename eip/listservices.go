package eip

import (
	"encoding/binary"
	"fmt"
	"strings"

	"scanlogix/cip"
)

// ServiceFlagCIPEncapsulation is bit 5 of the service entry flags:
// the target encapsulates CIP PDUs over TCP. Without it the target
// cannot carry SendRRData and the session is useless.
const ServiceFlagCIPEncapsulation uint16 = 1 << 5

// serviceEntrySize is the item data size of one ListServices entry:
// version, flags, and a 16-byte name.
const serviceEntrySize = 20

// ServiceEntry is one target communication service reported by
// ListServices.
type ServiceEntry struct {
	Type    uint16
	Version uint16
	Flags   uint16
	Name    string
}

// SupportsCIP reports whether this entry advertises CIP PDU
// encapsulation.
func (s ServiceEntry) SupportsCIP() bool {
	return s.Flags&ServiceFlagCIPEncapsulation != 0
}

// ParseListServices decodes a ListServices response payload: an item
// count followed by per-service entries of {type, length, version,
// flags, name[16]}.
func ParseListServices(payload []byte) ([]ServiceEntry, error) {
	r := cip.NewReader(payload)

	count := int(r.U16())
	if r.Err() != nil {
		return nil, fmt.Errorf("ParseListServices: payload too short: %d bytes", len(payload))
	}

	entries := make([]ServiceEntry, 0, count)
	for i := 0; i < count; i++ {
		typeID := r.U16()
		length := int(r.U16())
		body := r.Bytes(length)
		if r.Err() != nil {
			return nil, fmt.Errorf("ParseListServices: truncated entry %d: %v", i, r.Err())
		}

		entry := ServiceEntry{Type: typeID}
		er := cip.NewReader(body)
		if len(body) >= 4 {
			entry.Version = er.U16()
			entry.Flags = er.U16()
		}
		if len(body) > 4 {
			entry.Name = strings.TrimRight(string(body[4:]), "\x00")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// MarshalListServices builds a ListServices response payload. Used by
// tests standing in for a target.
func MarshalListServices(entries []ServiceEntry) []byte {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(entries)))
	for _, e := range entries {
		raw = binary.LittleEndian.AppendUint16(raw, e.Type)
		raw = binary.LittleEndian.AppendUint16(raw, serviceEntrySize)
		raw = binary.LittleEndian.AppendUint16(raw, e.Version)
		raw = binary.LittleEndian.AppendUint16(raw, e.Flags)
		name := make([]byte, 16)
		copy(name, e.Name)
		raw = append(raw, name...)
	}
	return raw
}
