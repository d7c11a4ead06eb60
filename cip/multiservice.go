package cip

import (
	"encoding/binary"
	"fmt"
)

// Multiple Service Packet (service 0x0A) batches several MR requests
// into one frame.
const SvcMultipleServicePacket byte = 0x0A

// MaxMultiServiceCount bounds one packet; Logix controllers reject
// larger batches.
const MaxMultiServiceCount = 200

// MultiRequestOverhead is the framing cost of the service data region
// for a given item count: the count word plus one offset word per item.
// offset[0] always equals this value.
func MultiRequestOverhead(count int) int {
	return 2 + 2*count
}

// MultiResponseOverhead mirrors MultiRequestOverhead for the response
// data region.
func MultiResponseOverhead(count int) int {
	return 2 + 2*count
}

// BuildMultiServiceData builds the service data region of a Multiple
// Service Packet from pre-marshaled MR request frames. Items are laid
// out in order; offset[k] is the byte distance from the start of the
// count word to item k.
func BuildMultiServiceData(items [][]byte) ([]byte, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("BuildMultiServiceData: no requests provided")
	}
	if len(items) > MaxMultiServiceCount {
		return nil, fmt.Errorf("BuildMultiServiceData: too many requests (%d), max %d", len(items), MaxMultiServiceCount)
	}

	total := MultiRequestOverhead(len(items))
	for _, item := range items {
		total += len(item)
	}

	out := make([]byte, 0, total)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(items)))

	offset := uint16(MultiRequestOverhead(len(items)))
	for _, item := range items {
		out = binary.LittleEndian.AppendUint16(out, offset)
		offset += uint16(len(item))
	}
	for _, item := range items {
		out = append(out, item...)
	}
	return out, nil
}

// ParseMultiServiceData splits the service data region of a Multiple
// Service Packet response into the individual MR response frames.
// Item k spans offset[k]..offset[k+1]; the last item runs to the end
// of the region. A count that does not match expectCount, or a
// non-monotonic offset table, rejects the whole frame.
func ParseMultiServiceData(data []byte, expectCount int) ([][]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("ParseMultiServiceData: response too short: %d bytes", len(data))
	}

	count := int(binary.LittleEndian.Uint16(data[0:2]))
	if count != expectCount {
		return nil, fmt.Errorf("ParseMultiServiceData: response count %d, expected %d", count, expectCount)
	}
	if len(data) < MultiResponseOverhead(count) {
		return nil, fmt.Errorf("ParseMultiServiceData: response too short for %d offsets", count)
	}

	offsets := make([]int, count)
	for i := 0; i < count; i++ {
		offsets[i] = int(binary.LittleEndian.Uint16(data[2+2*i:]))
	}

	items := make([][]byte, count)
	for i := 0; i < count; i++ {
		start := offsets[i]
		end := len(data)
		if i < count-1 {
			end = offsets[i+1]
		}
		if start < MultiResponseOverhead(count) || start >= end || end > len(data) {
			return nil, fmt.Errorf("ParseMultiServiceData: bad offset table: item %d spans %d..%d of %d", i, start, end, len(data))
		}
		items[i] = data[start:end]
	}
	return items, nil
}
