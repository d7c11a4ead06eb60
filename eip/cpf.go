package eip

// Common Packet Format per ODVA v1.4. Unconnected request/response
// traffic carries two items: a null address and a 0xB2 data item.

import (
	"encoding/binary"
	"fmt"
)

// CPF item type identifiers.
const (
	CpfNullAddressID          uint16 = 0x0000
	CpfListIdentityResponseID uint16 = 0x000C
	CpfConnectedAddressID     uint16 = 0x00A1
	CpfConnectedDataID        uint16 = 0x00B1
	CpfUnconnectedDataID      uint16 = 0x00B2
	CpfListServicesResponseID uint16 = 0x0100
	CpfSockAddrInfoOtoTID     uint16 = 0x8000
	CpfSockAddrInfoTtoOID     uint16 = 0x8001
	CpfSequencedAddressID     uint16 = 0x8002
)

// CommonPacket is the item list carried inside SendRRData.
type CommonPacket struct {
	Items []CommonPacketItem
}

// CommonPacketItem is one address or data item.
type CommonPacketItem struct {
	TypeID uint16
	Data   []byte
}

// UnconnectedRequest wraps one CIP frame in the two-item packet used
// for unconnected messaging: null address, then 0xB2 data.
func UnconnectedRequest(frame []byte) *CommonPacket {
	return &CommonPacket{
		Items: []CommonPacketItem{
			{TypeID: CpfNullAddressID},
			{TypeID: CpfUnconnectedDataID, Data: frame},
		},
	}
}

// UnconnectedData returns the 0xB2 payload of a response packet.
func (p *CommonPacket) UnconnectedData() ([]byte, error) {
	if len(p.Items) < 2 {
		return nil, fmt.Errorf("UnconnectedData: expected 2 CPF items, got %d", len(p.Items))
	}
	if p.Items[1].TypeID != CpfUnconnectedDataID {
		return nil, fmt.Errorf("UnconnectedData: second item type 0x%04X, want 0x%04X", p.Items[1].TypeID, CpfUnconnectedDataID)
	}
	return p.Items[1].Data, nil
}

// Bytes marshals the item count followed by each item.
func (p *CommonPacket) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(p.Items)))
	for _, item := range p.Items {
		raw = binary.LittleEndian.AppendUint16(raw, item.TypeID)
		raw = binary.LittleEndian.AppendUint16(raw, uint16(len(item.Data)))
		raw = append(raw, item.Data...)
	}
	return raw
}

// ParseCommonPacket decodes an item list from a raw byte stream.
func ParseCommonPacket(raw []byte) (*CommonPacket, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("ParseCommonPacket: raw bytes too short: %d", len(raw))
	}

	count := binary.LittleEndian.Uint16(raw[:2])
	raw = raw[2:]

	var items []CommonPacketItem
	for i := uint16(0); i < count; i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("ParseCommonPacket: truncated item header at item %d: have %d bytes", i, len(raw))
		}
		typeID := binary.LittleEndian.Uint16(raw[:2])
		length := int(binary.LittleEndian.Uint16(raw[2:4]))
		if len(raw) < 4+length {
			return nil, fmt.Errorf("ParseCommonPacket: insufficient data for item %d: need %d bytes, have %d", i, 4+length, len(raw))
		}
		items = append(items, CommonPacketItem{TypeID: typeID, Data: raw[4 : 4+length]})
		raw = raw[4+length:]
	}

	return &CommonPacket{Items: items}, nil
}

// CommandData is the SendRRData payload wrapper: interface handle and
// timeout preceding the common packet.
type CommandData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Packet          []byte
}

// Bytes marshals the wrapper.
func (r *CommandData) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint32(nil, r.InterfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, r.Timeout)
	raw = append(raw, r.Packet...)
	return raw
}

// ParseCommandData decodes the wrapper from an encapsulation payload.
func ParseCommandData(raw []byte) (*CommandData, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("ParseCommandData: raw bytes too short: minimum 8, got %d", len(raw))
	}
	return &CommandData{
		InterfaceHandle: binary.LittleEndian.Uint32(raw[:4]),
		Timeout:         binary.LittleEndian.Uint16(raw[4:6]),
		Packet:          raw[6:],
	}, nil
}
