package logix

import (
	"fmt"

	"scanlogix/cip"
	"scanlogix/eip"
	"scanlogix/logging"
)

// Identity is the controller identity assembled from the per-attribute
// probe at session setup.
type Identity struct {
	Vendor     uint16
	DeviceType uint16
	Revision   uint16
	Serial     uint32
	Name       string
}

// String renders the identity the way reports print it.
func (id *Identity) String() string {
	if id == nil {
		return "(no identity)"
	}
	return fmt.Sprintf("%q vendor=%d type=%d revision=%d.%d serial=0x%08X",
		id.Name, id.Vendor, id.DeviceType, id.Revision&0xFF, id.Revision>>8, id.Serial)
}

// ProbeIdentity reads the Identity object (class 0x01, instance 1)
// attribute by attribute: vendor, device type, revision, serial,
// product name. A failed probe is a warning at the call site, never a
// session failure; partial identities keep whatever attributes
// answered.
func ProbeIdentity(c *eip.Client, routePath []byte) (*Identity, error) {
	id := &Identity{}

	readAttr := func(attr byte) ([]byte, error) {
		req, err := BuildGetAttributeSingle(ClassIdentity, 1, attr)
		if err != nil {
			return nil, err
		}
		frame, err := Exchange(c, req, routePath)
		if err != nil {
			return nil, err
		}
		return ParseGetAttributeSingleResponse(frame)
	}

	var firstErr error
	note := func(attr byte, err error) {
		logging.DebugLog("cip", "identity attribute %d: %v", attr, err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if raw, err := readAttr(IdentityAttrVendor); err != nil {
		note(IdentityAttrVendor, err)
	} else {
		id.Vendor = cip.NewReader(raw).U16()
	}

	if raw, err := readAttr(IdentityAttrDeviceType); err != nil {
		note(IdentityAttrDeviceType, err)
	} else {
		id.DeviceType = cip.NewReader(raw).U16()
	}

	if raw, err := readAttr(IdentityAttrRevision); err != nil {
		note(IdentityAttrRevision, err)
	} else {
		id.Revision = cip.NewReader(raw).U16()
	}

	if raw, err := readAttr(IdentityAttrSerial); err != nil {
		note(IdentityAttrSerial, err)
	} else {
		id.Serial = cip.NewReader(raw).U32()
	}

	if raw, err := readAttr(IdentityAttrName); err != nil {
		note(IdentityAttrName, err)
	} else if len(raw) >= 1 {
		r := cip.NewReader(raw)
		n := int(r.U8())
		if n > r.Remaining() {
			n = r.Remaining()
		}
		id.Name = string(r.Bytes(n))
	}

	if firstErr != nil {
		return id, fmt.Errorf("ProbeIdentity: %w", firstErr)
	}
	return id, nil
}
