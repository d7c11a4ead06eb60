package plcman

import (
	"strings"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return New(Options{
		DefaultPeriod: time.Second,
		Timeout:       200 * time.Millisecond,
	})
}

func TestDefinePLCIdempotent(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	p1, err := r.DefinePLC("press", "10.0.0.5", 0)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := r.DefinePLC("press", "10.0.0.9", 3)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Error("redefining a PLC must return the same instance")
	}
	if p1.Host() != "10.0.0.9" || p1.Slot() != 3 {
		t.Errorf("endpoint not updated: %s slot %d", p1.Host(), p1.Slot())
	}
	if got := r.FindPLC("press"); got != p1 {
		t.Error("FindPLC mismatch")
	}
	if r.FindPLC("absent") != nil {
		t.Error("FindPLC must return nil for unknown names")
	}
	if len(r.PLCs()) != 1 {
		t.Errorf("PLCs = %d, want 1", len(r.PLCs()))
	}
}

func TestDefinePLCValidation(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	if _, err := r.DefinePLC("", "host", 0); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := r.DefinePLC("name", "", 0); err == nil {
		t.Error("expected error for empty host")
	}
}

func TestAddTagCreatesAndMigrates(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	p, _ := r.DefinePLC("plc1", "10.0.0.5", 0)

	t1, err := r.AddTag(p, time.Second, "counter", 1)
	if err != nil {
		t.Fatal(err)
	}
	if t1.Elements() != 1 {
		t.Errorf("elements = %d", t1.Elements())
	}

	// Same tag at a faster period with more elements: same TagInfo,
	// raised count, migrated to the faster list.
	t2, err := r.AddTag(p, 100*time.Millisecond, "counter", 5)
	if err != nil {
		t.Fatal(err)
	}
	if t1 != t2 {
		t.Fatal("re-adding a tag must return the existing TagInfo")
	}
	if t2.Elements() != 5 {
		t.Errorf("elements = %d, want 5", t2.Elements())
	}

	p.mu.Lock()
	fast := p.listByIDLocked(t2.List())
	p.mu.Unlock()
	if fast.Period() != 100*time.Millisecond {
		t.Errorf("tag on %v list, want 100ms", fast.Period())
	}

	// A slower re-add keeps the fast list and never lowers elements.
	t3, err := r.AddTag(p, 2*time.Second, "counter", 2)
	if err != nil {
		t.Fatal(err)
	}
	if t3.Elements() != 5 {
		t.Errorf("elements = %d, want 5 (monotonic)", t3.Elements())
	}
	p.mu.Lock()
	cur := p.listByIDLocked(t3.List())
	p.mu.Unlock()
	if cur.Period() != 100*time.Millisecond {
		t.Errorf("tag moved to %v list, want to stay on 100ms", cur.Period())
	}

	if p.FindTag("counter") != t1 {
		t.Error("FindTag mismatch")
	}
	if p.FindTag("absent") != nil {
		t.Error("FindTag must return nil for unknown tags")
	}
}

func TestAddTagParseFailure(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	p, _ := r.DefinePLC("plc1", "10.0.0.5", 0)

	if _, err := r.AddTag(p, time.Second, "[3]bad", 1); err == nil {
		t.Error("expected parse error")
	}
	if _, err := r.AddTag(p, time.Second, "", 1); err == nil {
		t.Error("expected error for empty tag")
	}
}

func TestCallbackDedupOrderAndRemove(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	p, _ := r.DefinePLC("plc1", "10.0.0.5", 0)
	tag, _ := r.AddTag(p, time.Second, "counter", 1)

	var order []string
	cbA := func(t *TagInfo, arg interface{}) { order = append(order, "a:"+arg.(string)) }
	cbB := func(t *TagInfo, arg interface{}) { order = append(order, "b:"+arg.(string)) }

	r.AddCallback(tag, cbA, "one")
	r.AddCallback(tag, cbA, "one") // duplicate fn+arg ignored
	r.AddCallback(tag, cbA, "two") // same fn, different arg: kept
	r.AddCallback(tag, cbB, "one")

	tag.completeRead(0x00C4, []byte{1, 0, 0, 0}, nil)

	want := []string{"a:one", "a:two", "b:one"}
	if len(order) != len(want) {
		t.Fatalf("calls = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, order[i], want[i])
		}
	}

	order = nil
	r.RemoveCallback(tag, cbA, "one")
	tag.completeRead(0x00C4, []byte{2, 0, 0, 0}, nil)
	want = []string{"a:two", "b:one"}
	if len(order) != len(want) {
		t.Fatalf("calls after remove = %v, want %v", order, want)
	}
}

func TestCallbackSeesValue(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	p, _ := r.DefinePLC("plc1", "10.0.0.5", 0)
	tag, _ := r.AddTag(p, time.Second, "counter", 1)

	var got int64
	var valid bool
	r.AddCallback(tag, func(t *TagInfo, arg interface{}) {
		v := t.CurrentValue()
		valid = v.Valid()
		if valid {
			got, _ = v.Int()
		}
	}, nil)

	tag.completeRead(0x00C4, []byte{0x39, 0x30, 0x00, 0x00}, nil)
	if !valid || got != 12345 {
		t.Errorf("callback saw valid=%v value=%d", valid, got)
	}

	// A per-tag failure is observed as invalid data.
	tag.completeRead(0, nil, errTest)
	if valid {
		t.Error("callback must observe invalidation")
	}
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "test error" }

func TestWriteTagUnknownTargets(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	p, _ := r.DefinePLC("plc1", "10.0.0.5", 0)
	_, _ = r.AddTag(p, time.Second, "counter", 1)

	if err := r.WriteTag("absent", "counter", 1); err == nil {
		t.Error("expected error for unknown PLC")
	}
	if err := r.WriteTag("plc1", "absent", 1); err == nil {
		t.Error("expected error for unknown tag")
	}
	// Known tag but no observed type yet.
	if err := r.WriteTag("plc1", "counter", 1); err == nil {
		t.Error("expected error before a read populated the type")
	}
}

func TestResetStatistics(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	p, _ := r.DefinePLC("plc1", "10.0.0.5", 0)
	_, _ = r.AddTag(p, time.Second, "counter", 1)

	p.mu.Lock()
	p.errors = 7
	p.lists[0].errors = 3
	p.lists[0].maxScan = time.Second
	p.mu.Unlock()
	p.slowScans.Add(2)

	r.ResetStatistics()

	st := r.Status()[0]
	if st.Errors != 0 || st.SlowScans != 0 {
		t.Errorf("counters not reset: %+v", st)
	}
	if st.Lists[0].Errors != 0 || st.Lists[0].MaxScan != 0 {
		t.Errorf("list stats not reset: %+v", st.Lists[0])
	}
}

func TestReportAndDump(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	p, _ := r.DefinePLC("plc1", "10.0.0.5", 2)
	tag, _ := r.AddTag(p, time.Second, "counter", 1)
	tag.completeRead(0x00C4, []byte{0x2A, 0x00, 0x00, 0x00}, nil)

	rep := r.Report(2)
	for _, want := range []string{"plc1", "10.0.0.5", "slot 2", "counter", "42"} {
		if !strings.Contains(rep, want) {
			t.Errorf("Report missing %q:\n%s", want, rep)
		}
	}

	dump := r.Dump()
	if !strings.Contains(dump, "counter") || !strings.Contains(dump, "2A000000") {
		t.Errorf("Dump missing value bytes:\n%s", dump)
	}
}
