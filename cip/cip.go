// Package cip implements the Common Industrial Protocol wire codec:
// encoded paths (IOI), Message Router request/response frames, and
// Multiple Service Packet bundling.
package cip

import (
	"encoding/binary"
	"fmt"
)

// ReplyBit is set in the service byte of every response frame.
const ReplyBit byte = 0x80

// Request is a Message Router request frame.
type Request struct {
	Service byte
	Path    EPath
	Data    []byte
}

// Marshal encodes the frame: service, path size in words, path bytes,
// service data.
func (r Request) Marshal() []byte {
	out := make([]byte, 0, r.Size())
	out = append(out, r.Service)
	out = append(out, r.Path.WordLen())
	out = append(out, r.Path...)
	out = append(out, r.Data...)
	return out
}

// Size returns the encoded frame length in bytes.
func (r Request) Size() int {
	return 2 + len(r.Path) + len(r.Data)
}

// Response is a parsed Message Router response frame.
type Response struct {
	Service   byte     // Reply service (request service | ReplyBit)
	Status    byte     // General status; 0 is success
	ExtStatus []uint16 // Extended status words, if any
	Data      []byte   // Service response data
}

// ParseResponse decodes an MR response frame. The data region starts
// at byte 4 + 2*ext_status_words; its length is clamped to zero when
// the frame ends inside the header.
func ParseResponse(frame []byte) (*Response, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("ParseResponse: frame too short: %d bytes", len(frame))
	}

	resp := &Response{
		Service: frame[0],
		// frame[1] is reserved
		Status: frame[2],
	}

	extWords := int(frame[3])
	dataStart := 4 + 2*extWords
	if extWords > 0 {
		if len(frame) < 4+2*extWords {
			return nil, fmt.Errorf("ParseResponse: truncated extended status: need %d words, frame is %d bytes", extWords, len(frame))
		}
		resp.ExtStatus = make([]uint16, extWords)
		for i := 0; i < extWords; i++ {
			resp.ExtStatus[i] = binary.LittleEndian.Uint16(frame[4+2*i:])
		}
	}

	if dataStart < len(frame) {
		resp.Data = frame[dataStart:]
	}
	return resp, nil
}

// Matches reports whether this response answers a request with the
// given service code. A response whose service byte does not echo
// request|ReplyBit must be rejected.
func (r *Response) Matches(service byte) bool {
	return r.Service == service|ReplyBit
}

// Ok reports general status success.
func (r *Response) Ok() bool {
	return r.Status == 0
}
