package eip

import "testing"

func TestParseListServices(t *testing.T) {
	raw := MarshalListServices([]ServiceEntry{
		{Type: CpfListServicesResponseID, Version: 1, Flags: 0x0120, Name: "Communications"},
	})

	entries, err := ParseListServices(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Type != CpfListServicesResponseID {
		t.Errorf("type = 0x%04X", e.Type)
	}
	if e.Version != 1 {
		t.Errorf("version = %d", e.Version)
	}
	if e.Name != "Communications" {
		t.Errorf("name = %q", e.Name)
	}
	if !e.SupportsCIP() {
		t.Error("flags 0x0120 must report CIP support (bit 5)")
	}
}

func TestSupportsCIPBit(t *testing.T) {
	if (ServiceEntry{Flags: 0x0020}).SupportsCIP() == false {
		t.Error("bit 5 set: want CIP support")
	}
	if (ServiceEntry{Flags: 0x0100}).SupportsCIP() {
		t.Error("bit 5 clear: want no CIP support")
	}
	if (ServiceEntry{Flags: 0}).SupportsCIP() {
		t.Error("zero flags: want no CIP support")
	}
}

func TestParseListServicesTruncated(t *testing.T) {
	raw := MarshalListServices([]ServiceEntry{{Type: 0x100, Flags: 0x20}})
	for _, cut := range []int{1, 3, 5, len(raw) - 1} {
		if _, err := ParseListServices(raw[:cut]); err == nil {
			t.Errorf("expected error for %d-byte prefix", cut)
		}
	}
}

func TestParseListServicesEmpty(t *testing.T) {
	entries, err := ParseListServices([]byte{0x00, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}
