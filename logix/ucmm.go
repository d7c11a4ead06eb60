package logix

import (
	"fmt"

	"scanlogix/cip"
	"scanlogix/eip"
)

// UnconnectedTimeoutMS is the fixed routing timeout requested from the
// Connection Manager: 245760 ms encodes exactly as tick_time 10,
// ticks 240.
const UnconnectedTimeoutMS = 245760

// MaxUnconnectedTimeoutMS bounds the encodable timeout domain:
// 255 << 15.
const MaxUnconnectedTimeoutMS = 8355840

// TickEncode converts a millisecond timeout into the Connection
// Manager's tick representation: the smallest tick_time such that
// ms >> tick_time fits a byte. The encoding truncates; the decoded
// value ticks << tick_time keeps the top 8 significant bits of ms.
func TickEncode(ms uint32) (tickTime byte, ticks byte, err error) {
	if ms > MaxUnconnectedTimeoutMS {
		return 0, 0, fmt.Errorf("TickEncode: %d ms out of range 0..%d", ms, MaxUnconnectedTimeoutMS)
	}
	for ms>>tickTime > 255 {
		tickTime++
	}
	return tickTime, byte(ms >> tickTime), nil
}

// SlotRoutePath returns the backplane route to a CPU slot: port 1,
// link = slot. The only routing this driver performs.
func SlotRoutePath(slot byte) []byte {
	return []byte{0x01, slot}
}

// BuildUnconnectedSend wraps an inner MR request for routing through
// the Connection Manager (service 0x52 on class 6, instance 1):
// [prio tick] [timeout ticks] [inner size u16] [inner] [pad to even]
// [route words] [reserved] [route path].
func BuildUnconnectedSend(inner []byte, routePath []byte, timeoutMS uint32) ([]byte, error) {
	if len(inner) == 0 {
		return nil, fmt.Errorf("BuildUnconnectedSend: empty inner request")
	}
	if len(routePath)%2 != 0 {
		return nil, fmt.Errorf("BuildUnconnectedSend: route path must be whole words, got %d bytes", len(routePath))
	}

	tickTime, ticks, err := TickEncode(timeoutMS)
	if err != nil {
		return nil, fmt.Errorf("BuildUnconnectedSend: %w", err)
	}

	w := cip.NewWriter(4 + len(inner) + 1 + 2 + len(routePath))
	w.U8(tickTime)
	w.U8(ticks)
	w.U16(uint16(len(inner)))
	w.Raw(inner)
	if len(inner)%2 != 0 {
		w.Pad(1)
	}
	w.U8(byte(len(routePath) / 2))
	w.U8(0x00)
	w.Raw(routePath)

	cmPath, err := cip.Path().Class(ClassConnectionManager).Instance(1).Build()
	if err != nil {
		return nil, fmt.Errorf("BuildUnconnectedSend: %w", err)
	}
	req := cip.Request{Service: SvcUnconnectedSend, Path: cmPath, Data: w.Bytes()}
	return req.Marshal(), nil
}

// UnconnectedSendOverhead is the byte cost the Unconnected_Send
// envelope adds around an inner request of the given length.
func UnconnectedSendOverhead(routePathLen, innerLen int) int {
	// MR header + CM path + tick pair + size word + route words +
	// reserved + route path, plus the inner pad byte when odd.
	overhead := 2 + 4 + 4 + 2 + routePathLen
	if innerLen%2 != 0 {
		overhead++
	}
	return overhead
}

// UnconnectedResponseOverhead is the extra bytes a routed response may
// carry around the embedded reply.
const UnconnectedResponseOverhead = 4

// UnwrapUnconnectedResponse extracts the embedded response from an
// Unconnected_Send reply. Targets answer a successful routed request
// with the embedded response directly; a 0xD2 frame is the Connection
// Manager speaking for itself, either wrapping the reply or reporting
// a routing failure.
func UnwrapUnconnectedResponse(frame []byte) ([]byte, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("UnwrapUnconnectedResponse: frame too short: %d bytes", len(frame))
	}
	if frame[0] != SvcUnconnectedSend|cip.ReplyBit {
		return frame, nil
	}

	resp, err := cip.ParseResponse(frame)
	if err != nil {
		return nil, fmt.Errorf("UnwrapUnconnectedResponse: %w", err)
	}
	if !resp.Ok() {
		return nil, fmt.Errorf("UnwrapUnconnectedResponse: %w", statusError(resp))
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("UnwrapUnconnectedResponse: no embedded response")
	}
	return resp.Data, nil
}

// Exchange performs one unconnected CIP transaction over a session:
// wrap in Unconnected_Send when a route is set, carry via SendRRData,
// unwrap the reply. The returned frame is an MR response.
func Exchange(c *eip.Client, inner []byte, routePath []byte) ([]byte, error) {
	frame := inner
	if len(routePath) > 0 {
		wrapped, err := BuildUnconnectedSend(inner, routePath, UnconnectedTimeoutMS)
		if err != nil {
			return nil, fmt.Errorf("Exchange: %w", err)
		}
		frame = wrapped
	}

	resp, err := c.SendRRData(eip.UnconnectedRequest(frame))
	if err != nil {
		return nil, fmt.Errorf("Exchange: %w", err)
	}
	data, err := resp.UnconnectedData()
	if err != nil {
		return nil, fmt.Errorf("Exchange: %w: %v", eip.ErrProtocol, err)
	}
	if len(routePath) > 0 {
		data, err = UnwrapUnconnectedResponse(data)
		if err != nil {
			return nil, fmt.Errorf("Exchange: %w", err)
		}
	}
	return data, nil
}
