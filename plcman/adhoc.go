package plcman

import (
	"fmt"
	"time"

	"scanlogix/cip"
	"scanlogix/eip"
	"scanlogix/logix"
)

// ReadTagAdhoc performs one standalone read against a controller
// without touching the registry: connect, read, disconnect. The test
// surface behind the CLI and the web read endpoint.
func ReadTagAdhoc(host string, port uint16, slot byte, tag string, elements uint16, timeout time.Duration) (*logix.TagValue, error) {
	path, err := cip.TagPath(tag)
	if err != nil {
		return nil, fmt.Errorf("ReadTagAdhoc: %w", err)
	}
	if elements == 0 {
		elements = 1
	}

	c := eip.NewClientWithPort(host, port)
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	if err := c.Connect(); err != nil {
		return nil, fmt.Errorf("ReadTagAdhoc: %w", err)
	}
	defer c.Disconnect()

	frame, err := logix.Exchange(c, logix.BuildReadRequest(path, elements), logix.SlotRoutePath(slot))
	if err != nil {
		return nil, fmt.Errorf("ReadTagAdhoc %q: %w", tag, err)
	}
	dataType, data, err := logix.ParseReadResponse(frame)
	if err != nil {
		return nil, fmt.Errorf("ReadTagAdhoc %q: %w", tag, err)
	}

	return &logix.TagValue{
		Name:     tag,
		DataType: dataType,
		Bytes:    append([]byte(nil), data...),
	}, nil
}

// WriteTagAdhoc performs one standalone write: connect, read the tag
// to learn its type, write the coerced value, disconnect.
func WriteTagAdhoc(host string, port uint16, slot byte, tag string, value interface{}, elements uint16, timeout time.Duration) (*logix.TagValue, error) {
	path, err := cip.TagPath(tag)
	if err != nil {
		return nil, fmt.Errorf("WriteTagAdhoc: %w", err)
	}
	if elements == 0 {
		elements = 1
	}

	c := eip.NewClientWithPort(host, port)
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	if err := c.Connect(); err != nil {
		return nil, fmt.Errorf("WriteTagAdhoc: %w", err)
	}
	defer c.Disconnect()

	route := logix.SlotRoutePath(slot)

	// The observed type drives the write encoding.
	frame, err := logix.Exchange(c, logix.BuildReadRequest(path, elements), route)
	if err != nil {
		return nil, fmt.Errorf("WriteTagAdhoc %q: %w", tag, err)
	}
	dataType, _, err := logix.ParseReadResponse(frame)
	if err != nil {
		return nil, fmt.Errorf("WriteTagAdhoc %q: %w", tag, err)
	}

	elem, err := logix.EncodeValue(dataType, value)
	if err != nil {
		return nil, fmt.Errorf("WriteTagAdhoc %q: %w", tag, err)
	}
	// Writing an array fills every requested element with the value.
	raw := make([]byte, 0, int(elements)*len(elem))
	for i := uint16(0); i < elements; i++ {
		raw = append(raw, elem...)
	}

	frame, err = logix.Exchange(c, logix.BuildWriteRequest(path, dataType, elements, raw), route)
	if err != nil {
		return nil, fmt.Errorf("WriteTagAdhoc %q: %w", tag, err)
	}
	if err := logix.ParseWriteResponse(frame); err != nil {
		return nil, fmt.Errorf("WriteTagAdhoc %q: %w", tag, err)
	}

	return &logix.TagValue{
		Name:     tag,
		DataType: dataType,
		Bytes:    raw,
	}, nil
}
