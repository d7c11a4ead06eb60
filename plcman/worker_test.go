package plcman

import (
	"sync/atomic"
	"testing"
	"time"

	"scanlogix/logix"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWriteHandoffLatch(t *testing.T) {
	p := newPLC("plc1", "10.0.0.5", 0, 0, time.Second, 0)
	p.mu.Lock()
	tag, err := p.addTagLocked(time.Second, "counter", 1)
	p.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	// Prime the tag the way discovery would.
	tag.setSizes(10, 10)
	tag.completeRead(logix.TypeDINT, []byte{1, 0, 0, 0}, nil)

	if err := tag.RequestWrite([]byte{9, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if !tag.WritePending() {
		t.Fatal("writePending not set")
	}

	p.mu.Lock()
	bundle, consumed := p.planBundleLocked([]*TagInfo{tag})
	p.mu.Unlock()

	if consumed != 1 || len(bundle) != 1 {
		t.Fatalf("bundle = %d items, consumed %d", len(bundle), consumed)
	}
	if !bundle[0].write {
		t.Fatal("bundler chose read despite pending write")
	}

	// State (0,1): committed, request being sent.
	tag.mu.Lock()
	if tag.writePending || !tag.writingNow {
		t.Errorf("state = (%v,%v), want (false,true)", tag.writePending, tag.writingNow)
	}
	tag.mu.Unlock()

	// The frame is a Write Tag carrying the observed type and the
	// staged payload.
	if bundle[0].frame[0] != logix.SvcWriteTag {
		t.Errorf("service = 0x%02X", bundle[0].frame[0])
	}

	// A second subscriber write mid-flight defers to the next cycle.
	if err := tag.RequestWrite([]byte{7, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	tag.completeWrite(nil)
	tag.mu.Lock()
	if tag.writingNow {
		t.Error("writingNow not cleared on completion")
	}
	if !tag.writePending {
		t.Error("deferred write lost")
	}
	tag.mu.Unlock()
}

func TestWriteSuppressedWithoutType(t *testing.T) {
	p := newPLC("plc1", "10.0.0.5", 0, 0, time.Second, 0)
	p.mu.Lock()
	tag, _ := p.addTagLocked(time.Second, "counter", 1)
	p.mu.Unlock()
	tag.setSizes(10, 10)

	// Staged write with no prior read: there is no observed type to
	// echo, so the engine suppresses the write and reads instead.
	if err := tag.RequestWrite([]byte{1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	p.mu.Lock()
	bundle, _ := p.planBundleLocked([]*TagInfo{tag})
	p.mu.Unlock()

	if len(bundle) != 1 {
		t.Fatal("bundle empty")
	}
	if bundle[0].write {
		t.Error("write without an observed type must be suppressed")
	}
	if tag.Valid() {
		t.Error("suppression must leave valid_size = 0")
	}
	if tag.WritePending() {
		t.Error("suppressed write must not stay pending")
	}

	// WriteValue refuses outright without a type.
	if err := tag.WriteValue(5); err == nil {
		t.Error("WriteValue must fail before a read populated the type")
	}
}

func TestWriteFailureInvalidatesCache(t *testing.T) {
	p := newPLC("plc1", "10.0.0.5", 0, 0, time.Second, 0)
	p.mu.Lock()
	tag, _ := p.addTagLocked(time.Second, "counter", 1)
	p.mu.Unlock()
	tag.setSizes(10, 10)
	tag.completeRead(logix.TypeDINT, []byte{1, 0, 0, 0}, nil)

	_ = tag.RequestWrite([]byte{9, 0, 0, 0})
	p.mu.Lock()
	bundle, _ := p.planBundleLocked([]*TagInfo{tag})
	p.mu.Unlock()
	if len(bundle) != 1 || !bundle[0].write {
		t.Fatal("write not bundled")
	}

	tag.completeWrite(errTest)
	if tag.Valid() {
		t.Error("failed write must invalidate the cache")
	}
	tag.mu.Lock()
	if tag.writingNow {
		t.Error("writingNow not cleared after failure")
	}
	tag.mu.Unlock()
}

func TestBundleRespectsTransferLimit(t *testing.T) {
	p := newPLC("plc1", "10.0.0.5", 0, 0, time.Second, DefaultTransferLimit)

	// Forty tags with ~14-byte read requests and 26-byte responses
	// cannot all fit a 500-byte transfer in one bundle.
	var tags []*TagInfo
	p.mu.Lock()
	for i := 0; i < 40; i++ {
		tag, err := p.addTagLocked(time.Second, tagName(i), 5)
		if err != nil {
			p.mu.Unlock()
			t.Fatal(err)
		}
		tag.setSizes(14, 26)
		tags = append(tags, tag)
	}
	bundle1, consumed1 := p.planBundleLocked(tags)
	p.mu.Unlock()

	if consumed1 == 0 || len(bundle1) == 0 {
		t.Fatal("first bundle empty")
	}
	if consumed1 >= len(tags) {
		t.Fatalf("all %d tags fit one bundle; limit not applied", len(tags))
	}

	// Both directions stay inside the limit, envelope included.
	n := len(bundle1)
	reqUse := logix.MultiRequestOverhead(n) + logix.UnconnectedSendOverhead(2, 1)
	respUse := logix.MultiResponseOverhead(n) + logix.UnconnectedResponseOverhead
	for _, it := range bundle1 {
		reqUse += len(it.frame)
		respUse += it.resp
	}
	if reqUse > p.limit {
		t.Errorf("request side %d exceeds limit %d", reqUse, p.limit)
	}
	if respUse > p.limit {
		t.Errorf("response side %d exceeds limit %d", respUse, p.limit)
	}

	// The rest of the window lands in the following bundles.
	p.mu.Lock()
	bundle2, consumed2 := p.planBundleLocked(tags[consumed1:])
	p.mu.Unlock()
	if len(bundle2) == 0 || consumed2 == 0 {
		t.Fatal("second bundle empty")
	}
}

func tagName(i int) string {
	return "tag_" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func TestBundleSkipsUnsizedTags(t *testing.T) {
	p := newPLC("plc1", "10.0.0.5", 0, 0, time.Second, 0)
	p.mu.Lock()
	sized, _ := p.addTagLocked(time.Second, "sized", 1)
	unsized, _ := p.addTagLocked(time.Second, "unsized", 1)
	p.mu.Unlock()
	sized.setSizes(10, 10)
	_ = unsized

	p.mu.Lock()
	bundle, consumed := p.planBundleLocked(p.lists[0].tags)
	p.mu.Unlock()

	if consumed != 2 {
		t.Errorf("consumed = %d, want 2 (unsized passed over)", consumed)
	}
	if len(bundle) != 1 || bundle[0].tag != sized {
		t.Errorf("bundle = %d items", len(bundle))
	}
}

func TestScanEndToEnd(t *testing.T) {
	fake := newFakePLC(t)
	fake.setTag("counter", logix.TypeDINT, []byte{0x39, 0x30, 0x00, 0x00})
	fake.setTag("temperature", logix.TypeREAL, []byte{0x00, 0x00, 0x50, 0x41})
	fake.setTag("mode", logix.TypeINT, []byte{0x07, 0x00})

	r := New(Options{
		DefaultPeriod: 20 * time.Millisecond,
		Timeout:       300 * time.Millisecond,
		Port:          fake.port,
	})
	defer r.Shutdown()

	p, err := r.DefinePLC("fake", fake.host, 0)
	if err != nil {
		t.Fatal(err)
	}
	counter, _ := r.AddTag(p, 0, "counter", 1)
	temp, _ := r.AddTag(p, 0, "temperature", 1)
	mode, _ := r.AddTag(p, 0, "mode", 1)

	var updates atomic.Int32
	r.AddCallback(counter, func(tag *TagInfo, arg interface{}) { updates.Add(1) }, nil)

	r.Start()

	waitFor(t, 3*time.Second, "all tags valid", func() bool {
		return counter.Valid() && temp.Valid() && mode.Valid()
	})

	v := counter.Snapshot()
	if n, err := v.Int(); err != nil || n != 12345 {
		t.Errorf("counter = %d, %v", n, err)
	}
	fv := temp.Snapshot()
	if f, err := fv.Float(); err != nil || f != 13.0 {
		t.Errorf("temperature = %v, %v", f, err)
	}

	// Identity was probed during session setup.
	waitFor(t, time.Second, "identity", func() bool { return p.Identity() != nil })
	if got := p.Identity().Name; got != "fake 1756-L61" {
		t.Errorf("identity name = %q", got)
	}

	if updates.Load() == 0 {
		t.Error("callback never fired")
	}

	// Write path: stage a value through the registry and watch it
	// land on the controller.
	if err := r.WriteTag("fake", "counter", 777); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, "write to land", func() bool {
		raw := fake.tagBytes("counter")
		return len(raw) == 4 && raw[0] == 0x09 && raw[1] == 0x03
	})

	// And the next read refreshes the cache with the written value.
	waitFor(t, 3*time.Second, "readback", func() bool {
		sv := counter.Snapshot()
		n, err := sv.Int()
		return err == nil && n == 777
	})
}

func TestScanArrayTag(t *testing.T) {
	fake := newFakePLC(t)
	fake.setTag("arr", logix.TypeDINT, []byte{
		1, 0, 0, 0,
		2, 0, 0, 0,
		3, 0, 0, 0,
	})

	r := New(Options{
		DefaultPeriod: 20 * time.Millisecond,
		Timeout:       300 * time.Millisecond,
		Port:          fake.port,
	})
	defer r.Shutdown()

	p, _ := r.DefinePLC("fake", fake.host, 0)
	arr, _ := r.AddTag(p, 0, "arr", 3)
	r.Start()

	waitFor(t, 3*time.Second, "array valid", func() bool { return arr.Valid() })

	v := arr.Snapshot()
	if v.Count() != 3 {
		t.Fatalf("count = %d, want 3", v.Count())
	}
	e, err := v.Element(2)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := e.Int(); n != 3 {
		t.Errorf("arr[2] = %d, want 3", n)
	}
}

func TestScanUnknownTagStaysInvalid(t *testing.T) {
	fake := newFakePLC(t)
	fake.setTag("known", logix.TypeDINT, []byte{1, 0, 0, 0})

	r := New(Options{
		DefaultPeriod: 20 * time.Millisecond,
		Timeout:       300 * time.Millisecond,
		Port:          fake.port,
	})
	defer r.Shutdown()

	p, _ := r.DefinePLC("fake", fake.host, 0)
	known, _ := r.AddTag(p, 0, "known", 1)
	missing, _ := r.AddTag(p, 0, "no_such_tag", 1)
	r.Start()

	waitFor(t, 3*time.Second, "known tag valid", func() bool { return known.Valid() })

	// The bad tag never produces data but does not take the session
	// down with it.
	if missing.Valid() {
		t.Error("unknown tag reported valid data")
	}
	if !p.Connected() {
		t.Error("per-tag failure disconnected the PLC")
	}
}

func TestReconnectAfterTransportFault(t *testing.T) {
	fake := newFakePLC(t)
	fake.setTag("counter", logix.TypeDINT, []byte{1, 0, 0, 0})

	r := New(Options{
		DefaultPeriod: 20 * time.Millisecond,
		Timeout:       200 * time.Millisecond,
		Port:          fake.port,
	})
	defer r.Shutdown()

	p, _ := r.DefinePLC("fake", fake.host, 0)
	counter, _ := r.AddTag(p, 0, "counter", 1)
	r.Start()

	waitFor(t, 3*time.Second, "initial read", func() bool { return counter.Valid() })

	// Drop the connection mid-cycle.
	fake.failNext.Store(true)

	waitFor(t, 3*time.Second, "fault observed", func() bool { return p.Errors() >= 1 })

	// Error accounting: the list and the PLC each count the fault,
	// and every cached value is gone.
	st := p.Status()
	if st.Errors < 1 {
		t.Errorf("plc errors = %d", st.Errors)
	}
	if st.Lists[0].Errors < 1 {
		t.Errorf("list errors = %d", st.Lists[0].Errors)
	}

	// The worker reconnects and resumes reads on its own.
	waitFor(t, 5*time.Second, "recovery", func() bool { return counter.Valid() })
	if !p.Connected() {
		t.Error("not reconnected")
	}
}

func TestAdhocReadAndWrite(t *testing.T) {
	fake := newFakePLC(t)
	fake.setTag("counter", logix.TypeDINT, []byte{0x39, 0x30, 0x00, 0x00})

	v, err := ReadTagAdhoc(fake.host, fake.port, 0, "counter", 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := v.Int(); n != 12345 {
		t.Errorf("adhoc read = %d", n)
	}

	w, err := WriteTagAdhoc(fake.host, fake.port, 0, "counter", 4242, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if w.DataType != logix.TypeDINT {
		t.Errorf("write type = 0x%04X", w.DataType)
	}
	raw := fake.tagBytes("counter")
	if len(raw) != 4 || raw[0] != 0x92 || raw[1] != 0x10 {
		t.Errorf("written bytes = % X", raw)
	}

	if _, err := ReadTagAdhoc(fake.host, fake.port, 0, "no_such_tag", 1, time.Second); err == nil {
		t.Error("expected error for unknown tag")
	}
}
