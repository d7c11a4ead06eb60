// Package logix implements the CIP services spoken to Allen-Bradley
// ControlLogix controllers: tag read/write framing, Unconnected_Send
// routing, the identity probe, and value decoding.
package logix

import (
	"encoding/binary"
	"fmt"

	"scanlogix/cip"
)

// CIP common services.
const (
	// Get Attribute Single - read one attribute from an object instance
	SvcGetAttributeSingle byte = 0x0E

	// Multiple Service Packet - batch several requests in one frame
	SvcMultipleServicePacket byte = 0x0A

	// Unconnected Send - route a request through the Connection Manager
	SvcUnconnectedSend byte = 0x52
)

// Logix-specific CIP services (Allen-Bradley extensions).
const (
	// Read Tag Service - reads tag data by symbolic name
	SvcReadTag byte = 0x4C

	// Write Tag Service - writes tag data by symbolic name
	SvcWriteTag byte = 0x4D
)

// Well-known object classes.
const (
	ClassIdentity          byte = 0x01
	ClassMessageRouter     byte = 0x02
	ClassConnectionManager byte = 0x06
)

// Identity object attributes probed at session setup.
const (
	IdentityAttrVendor     byte = 1 // UINT
	IdentityAttrDeviceType byte = 2 // UINT
	IdentityAttrRevision   byte = 4 // UINT
	IdentityAttrSerial     byte = 6 // UDINT
	IdentityAttrName       byte = 7 // short string
)

// CIP general status codes.
const (
	StatusSuccess           byte = 0x00
	StatusPathSegmentError  byte = 0x04
	StatusPathUnknown       byte = 0x05
	StatusPartialTransfer   byte = 0x06
	StatusServiceNotSupport byte = 0x08
	StatusAttrNotSupported  byte = 0x14
	StatusNotEnoughData     byte = 0x13
	StatusTooMuchData       byte = 0x15
	StatusObjectNotExist    byte = 0x16
	StatusGeneralError      byte = 0xFF
)

// Extended status codes seen under general status 0xFF.
const (
	ExtStatusConnNotFound uint16 = 0x0107
	ExtStatusTagNotFound  uint16 = 0x2104
	ExtStatusOutOfRange   uint16 = 0x2105
	ExtStatusTypeMismatch uint16 = 0x2107
)

// StatusError is a CIP-level failure: the frame arrived intact but
// the target rejected the request. General status codes are an open
// enum; unknown codes name themselves and are never success.
type StatusError struct {
	General  byte
	Extended []uint16
}

func (e *StatusError) Error() string {
	if len(e.Extended) > 0 && e.Extended[0] != 0 {
		return fmt.Sprintf("CIP error: %s (0x%02X), extended: %s (0x%04X)",
			statusName(e.General), e.General, extStatusName(e.Extended[0]), e.Extended[0])
	}
	return fmt.Sprintf("CIP error: %s (0x%02X)", statusName(e.General), e.General)
}

// statusError converts a parsed non-success response into an error.
func statusError(resp *cip.Response) error {
	return &StatusError{General: resp.Status, Extended: resp.ExtStatus}
}

func statusName(status byte) string {
	switch status {
	case StatusSuccess:
		return "success"
	case 0x01:
		return "connection failure"
	case 0x02:
		return "resource unavailable"
	case 0x03:
		return "invalid parameter"
	case StatusPathSegmentError:
		return "path segment error"
	case StatusPathUnknown:
		return "path unknown"
	case StatusPartialTransfer:
		return "partial transfer"
	case 0x07:
		return "connection lost"
	case StatusServiceNotSupport:
		return "service not supported"
	case 0x09:
		return "invalid attribute value"
	case StatusNotEnoughData:
		return "not enough data"
	case StatusAttrNotSupported:
		return "attribute not supported"
	case StatusTooMuchData:
		return "too much data"
	case StatusObjectNotExist:
		return "object does not exist"
	case 0x1E:
		return "invalid symbolic segment"
	case 0x26:
		return "invalid path"
	case StatusGeneralError:
		return "general error"
	default:
		return fmt.Sprintf("unknown status 0x%02X", status)
	}
}

func extStatusName(ext uint16) string {
	switch ext {
	case ExtStatusConnNotFound:
		return "connection not found"
	case 0x0204:
		return "unconnected send timed out"
	case ExtStatusTagNotFound:
		return "offset past template / tag not found"
	case ExtStatusOutOfRange:
		return "array index out of range"
	case ExtStatusTypeMismatch:
		return "type mismatch"
	default:
		return fmt.Sprintf("unknown extended status 0x%04X", ext)
	}
}

// checkResponse verifies the service echo and general status of a
// parsed MR response. A service byte that does not echo the request
// rejects the frame outright.
func checkResponse(resp *cip.Response, service byte) error {
	if !resp.Matches(service) {
		return fmt.Errorf("unexpected reply service 0x%02X for request 0x%02X", resp.Service, service)
	}
	if !resp.Ok() {
		return statusError(resp)
	}
	return nil
}

// u16 is a local shorthand for the pervasive little-endian word.
func u16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
