package logix

import (
	"encoding/binary"
	"fmt"

	"scanlogix/cip"
)

// BuildReadRequest frames a Read Tag request:
// [service] [path words] [path] [element count u16].
func BuildReadRequest(path cip.EPath, elements uint16) []byte {
	req := cip.Request{
		Service: SvcReadTag,
		Path:    path,
		Data:    binary.LittleEndian.AppendUint16(nil, elements),
	}
	return req.Marshal()
}

// ReadRequestSize is the frame size BuildReadRequest will produce for
// a path, without building it. Used when sizing multi-request bundles.
func ReadRequestSize(path cip.EPath) int {
	return 2 + len(path) + 2
}

// ParseReadResponse decodes a Read Tag response frame into the CIP
// type code and the raw value bytes.
func ParseReadResponse(frame []byte) (dataType uint16, data []byte, err error) {
	resp, err := cip.ParseResponse(frame)
	if err != nil {
		return 0, nil, fmt.Errorf("ParseReadResponse: %w", err)
	}
	if err := checkResponse(resp, SvcReadTag); err != nil {
		return 0, nil, fmt.Errorf("ParseReadResponse: %w", err)
	}
	if len(resp.Data) < 2 {
		return 0, nil, fmt.Errorf("ParseReadResponse: response carries no type word")
	}
	return u16(resp.Data), resp.Data[2:], nil
}

// BuildWriteRequest frames a Write Tag request:
// [service] [path words] [path] [type u16] [element count u16] [data].
func BuildWriteRequest(path cip.EPath, dataType uint16, elements uint16, value []byte) []byte {
	data := make([]byte, 0, 4+len(value))
	data = binary.LittleEndian.AppendUint16(data, dataType)
	data = binary.LittleEndian.AppendUint16(data, elements)
	data = append(data, value...)
	req := cip.Request{Service: SvcWriteTag, Path: path, Data: data}
	return req.Marshal()
}

// WriteRequestSize is the frame size BuildWriteRequest will produce.
func WriteRequestSize(path cip.EPath, valueLen int) int {
	return 2 + len(path) + 4 + valueLen
}

// WriteResponseSize is the frame size of a successful write response:
// service echo, reserved, status, zero extended words, no data.
const WriteResponseSize = 4

// ParseWriteResponse verifies a Write Tag response. A successful
// write carries no data.
func ParseWriteResponse(frame []byte) error {
	resp, err := cip.ParseResponse(frame)
	if err != nil {
		return fmt.Errorf("ParseWriteResponse: %w", err)
	}
	if err := checkResponse(resp, SvcWriteTag); err != nil {
		return fmt.Errorf("ParseWriteResponse: %w", err)
	}
	return nil
}

// BuildGetAttributeSingle frames a Get_Attribute_Single request
// against class/instance/attribute.
func BuildGetAttributeSingle(class, instance, attribute byte) ([]byte, error) {
	path, err := cip.Path().Class(class).Instance(instance).Attribute(attribute).Build()
	if err != nil {
		return nil, fmt.Errorf("BuildGetAttributeSingle: %w", err)
	}
	req := cip.Request{Service: SvcGetAttributeSingle, Path: path}
	return req.Marshal(), nil
}

// ParseGetAttributeSingleResponse returns the raw attribute value.
func ParseGetAttributeSingleResponse(frame []byte) ([]byte, error) {
	resp, err := cip.ParseResponse(frame)
	if err != nil {
		return nil, fmt.Errorf("ParseGetAttributeSingleResponse: %w", err)
	}
	if err := checkResponse(resp, SvcGetAttributeSingle); err != nil {
		return nil, fmt.Errorf("ParseGetAttributeSingleResponse: %w", err)
	}
	return resp.Data, nil
}

// messageRouterPath is the fixed multi-request target: Message Router
// class, instance 1.
func messageRouterPath() cip.EPath {
	path, _ := cip.Path().Class(ClassMessageRouter).Instance(1).Build()
	return path
}

// BuildMultiRequest wraps pre-marshaled MR request frames in one
// Multiple Service Packet addressed to the Message Router.
func BuildMultiRequest(items [][]byte) ([]byte, error) {
	data, err := cip.BuildMultiServiceData(items)
	if err != nil {
		return nil, fmt.Errorf("BuildMultiRequest: %w", err)
	}
	req := cip.Request{
		Service: SvcMultipleServicePacket,
		Path:    messageRouterPath(),
		Data:    data,
	}
	return req.Marshal(), nil
}

// MultiRequestOverhead is the bundle framing cost on the request side
// for a given item count: MR header + router path + count word + one
// offset word per item.
func MultiRequestOverhead(count int) int {
	return 2 + len(messageRouterPath()) + cip.MultiRequestOverhead(count)
}

// MultiResponseOverhead mirrors MultiRequestOverhead for the response
// side: MR response header + count word + offsets.
func MultiResponseOverhead(count int) int {
	return 4 + cip.MultiResponseOverhead(count)
}

// ParseMultiResponse verifies the outer Multiple Service Packet
// response and splits it into the individual MR response frames.
func ParseMultiResponse(frame []byte, expectCount int) ([][]byte, error) {
	resp, err := cip.ParseResponse(frame)
	if err != nil {
		return nil, fmt.Errorf("ParseMultiResponse: %w", err)
	}
	if !resp.Matches(SvcMultipleServicePacket) {
		return nil, fmt.Errorf("ParseMultiResponse: unexpected reply service 0x%02X", resp.Service)
	}
	// General status 0x1E (embedded service error) still carries the
	// per-item responses; only reject statuses with no data to walk.
	if !resp.Ok() && len(resp.Data) < 2 {
		return nil, fmt.Errorf("ParseMultiResponse: %w", statusError(resp))
	}
	items, err := cip.ParseMultiServiceData(resp.Data, expectCount)
	if err != nil {
		return nil, fmt.Errorf("ParseMultiResponse: %w", err)
	}
	return items, nil
}

// ElementOffset returns the byte offset of element i inside a Read
// Tag value region for the given type.
func ElementOffset(dataType uint16, i int) int {
	return i * TypeSize(dataType)
}
