// Package plcman owns the tag registry and the per-PLC scan engine:
// scan lists keyed by period, read/write bundling into multi-service
// requests, the write handoff protocol, and subscriber dispatch.
package plcman

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sync"

	"scanlogix/cip"
	"scanlogix/logix"
)

// Callback is one subscriber on a tag. Callbacks run in registration
// order with the tag mutex held, so within a callback the tag's value
// is stable and CurrentValue is safe; Snapshot would deadlock. A
// callback must not block: it runs inside the scan cycle.
type Callback func(tag *TagInfo, arg interface{})

type subscriber struct {
	fn  Callback
	arg interface{}
}

// ScanListID identifies a scan list within its PLC. TagInfo keeps the
// id rather than a pointer so statistics lookups cannot create an
// ownership cycle.
type ScanListID int

// TagInfo is one subscribed tag on one PLC. The value buffer layout
// is the raw CIP payload: type word first, value bytes after, so a
// write can echo the observed type without separate bookkeeping.
type TagInfo struct {
	mu sync.Mutex

	name     string
	parsed   *cip.ParsedTag
	path     cip.EPath
	list     ScanListID
	elements uint16

	// Cached frame sizes from discovery, in bytes. Zero means the tag
	// has not been sized yet and cannot be bundled.
	rReqSize  int
	rRespSize int
	wReqSize  int
	wRespSize int

	// value holds type word + data; it grows and is never shrunk.
	// validSize is the number of meaningful bytes; zero means no valid
	// data. The type word survives invalidation so a queued write can
	// still echo it; typeKnown records that a read populated it.
	value     []byte
	validSize int
	typeKnown bool

	// writeLen is the staged write payload length at value[2:].
	writeLen int

	// The write handoff pair. writePending is set by subscribers;
	// writingNow only ever transitions 0->1 inside the bundler while
	// writePending was observed under this mutex.
	writePending bool
	writingNow   bool

	// lastErr is the most recent per-tag CIP failure, for reports.
	lastErr error

	subs []subscriber
}

func newTagInfo(name string, parsed *cip.ParsedTag, path cip.EPath, elements uint16, list ScanListID) *TagInfo {
	if elements == 0 {
		elements = 1
	}
	return &TagInfo{
		name:     name,
		parsed:   parsed,
		path:     path,
		elements: elements,
		list:     list,
	}
}

// Name returns the tag string as registered.
func (t *TagInfo) Name() string { return t.name }

// Parsed returns the immutable parsed path.
func (t *TagInfo) Parsed() *cip.ParsedTag { return t.parsed }

// List returns the owning scan list id.
func (t *TagInfo) List() ScanListID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list
}

// Elements returns the requested element count.
func (t *TagInfo) Elements() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elements
}

// Sizes returns the cached request/response frame sizes.
func (t *TagInfo) Sizes() (rReq, rResp, wReq, wResp int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rReqSize, t.rRespSize, t.wReqSize, t.wRespSize
}

// raiseElements grows the element count (it never shrinks) and drops
// the cached sizes so the tag is re-sized on the next discovery.
func (t *TagInfo) raiseElements(elements uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if elements > t.elements {
		t.elements = elements
		t.rReqSize, t.rRespSize, t.wReqSize, t.wRespSize = 0, 0, 0, 0
	}
}

// setSizes records discovery results and derives the write sizes. A
// response of four bytes or less carried no type+data, so the tag
// cannot be written.
func (t *TagInfo) setSizes(rReq, rResp int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rReqSize = rReq
	t.rRespSize = rResp
	if rResp > 4 {
		t.wReqSize = rReq + (rResp - 4)
		t.wRespSize = logix.WriteResponseSize
	} else {
		t.wReqSize = 0
		t.wRespSize = 0
	}
}

// ensureValueLocked grows the value buffer to hold n bytes, keeping
// contents. Caller holds the mutex.
func (t *TagInfo) ensureValueLocked(n int) {
	if n <= len(t.value) {
		return
	}
	grown := make([]byte, n)
	copy(grown, t.value)
	t.value = grown
}

// RequestWrite stages a write: the payload lands at value[2:], the
// type word stays whatever the last read observed, and writePending
// hands the tag to the scan engine. The write goes out with the next
// bundling of the tag's list; until a read has populated the type the
// engine suppresses it.
func (t *TagInfo) RequestWrite(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("RequestWrite %s: empty payload", t.name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureValueLocked(2 + len(data))
	copy(t.value[2:], data)
	t.writeLen = len(data)
	t.writePending = true
	return nil
}

// WriteValue coerces a Go value into the tag's observed CIP type and
// stages it. Fails when no read has populated the type yet.
func (t *TagInfo) WriteValue(value interface{}) error {
	t.mu.Lock()
	if !t.typeKnown {
		t.mu.Unlock()
		return fmt.Errorf("WriteValue %s: no data type observed yet", t.name)
	}
	dataType := binary.LittleEndian.Uint16(t.value)
	t.mu.Unlock()

	raw, err := logix.EncodeValue(dataType, value)
	if err != nil {
		return fmt.Errorf("WriteValue %s: %w", t.name, err)
	}
	return t.RequestWrite(raw)
}

// Valid reports whether the tag currently holds valid data.
func (t *TagInfo) Valid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.validSize > 0
}

// WritePending reports whether a subscriber write is waiting.
func (t *TagInfo) WritePending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writePending
}

// Snapshot returns a copy of the current value. Not for use inside a
// callback - the tag mutex is already held there; use CurrentValue.
func (t *TagInfo) Snapshot() logix.TagValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// CurrentValue is Snapshot without the lock, valid only where the tag
// mutex is already held on the caller's behalf: inside a subscriber
// callback.
func (t *TagInfo) CurrentValue() logix.TagValue {
	return t.snapshotLocked()
}

func (t *TagInfo) snapshotLocked() logix.TagValue {
	v := logix.TagValue{Name: t.name, Error: t.lastErr}
	if t.validSize >= 2 {
		v.DataType = binary.LittleEndian.Uint16(t.value)
		v.Bytes = append([]byte(nil), t.value[2:t.validSize]...)
	}
	return v
}

// addCallback appends a subscriber unless the same fn+arg pair is
// already registered.
func (t *TagInfo) addCallback(fn Callback, arg interface{}) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		if sameCallback(s, fn, arg) {
			return
		}
	}
	t.subs = append(t.subs, subscriber{fn: fn, arg: arg})
}

// removeCallback removes a subscriber by fn+arg identity.
func (t *TagInfo) removeCallback(fn Callback, arg interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if sameCallback(s, fn, arg) {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

// sameCallback matches by function pointer and argument. The argument
// must be comparable; subscribers pass pointers or small keys.
func sameCallback(s subscriber, fn Callback, arg interface{}) bool {
	return reflect.ValueOf(s.fn).Pointer() == reflect.ValueOf(fn).Pointer() && s.arg == arg
}

// dispatchLocked invokes subscribers in registration order. Caller
// holds the mutex.
func (t *TagInfo) dispatchLocked() {
	for _, s := range t.subs {
		s.fn(t, s.arg)
	}
}

// completeRead lands a scan read result: data is stored unless a
// subscriber requested a write in the meantime (the next cycle will
// write; this snapshot would be stale the moment it lands). Per-tag
// CIP failures clear the valid size. Subscribers always run so they
// observe invalidation too.
func (t *TagInfo) completeRead(dataType uint16, data []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.writePending:
		// Read ignored; the pending write wins.
	case err != nil:
		t.validSize = 0
		t.lastErr = err
	default:
		t.ensureValueLocked(2 + len(data))
		binary.LittleEndian.PutUint16(t.value, dataType)
		copy(t.value[2:], data)
		t.validSize = 2 + len(data)
		t.typeKnown = true
		t.lastErr = nil
	}
	t.dispatchLocked()
}

// completeWrite lands a scan write result. A failed write leaves the
// value on the PLC untouched but invalidates the local cache so the
// next read refreshes it.
func (t *TagInfo) completeWrite(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.validSize = 0
		t.lastErr = err
	} else {
		t.lastErr = nil
	}
	t.writingNow = false
	t.dispatchLocked()
}

// invalidate clears the valid size after a transport loss. The type
// word is kept for queued writes.
func (t *TagInfo) invalidate() {
	t.mu.Lock()
	t.validSize = 0
	t.writingNow = false
	t.mu.Unlock()
}
