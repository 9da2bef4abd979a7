package emu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWalk(t *testing.T) {
	m := New()
	m.Boot(0x1000, 0x2000, 0x3000)

	// Map 0x40000000 through 4K tables to 0x7000.
	m.Table(0x2000)[1] = 0x4000 | FlagPresent | FlagRW
	m.Table(0x4000)[0] = 0x5000 | FlagPresent | FlagRW
	m.Table(0x5000)[3] = 0x7000 | FlagPresent

	// Map a 1G page at P3 index 2.
	m.Table(0x2000)[2] = 0x140000000 | FlagPresent | FlagHugePage

	specs := []struct {
		virtAddr uintptr
		expPhys  uintptr
		expLevel int
	}{
		{0x0, 0x0, 0},
		{0x3fffffff, 0x3fffffff, 0},
		{0x40003abc, 0x7abc, 0},
		{0x80000000 + 0x1234567, 0x140000000 + 0x1234567, 0},
		// recursive P4 access
		{0xfffffffffffff008, 0x1008, 0},
		// recursive access to the P3
		{0xffffffffffe00010, 0x2010, 0},
		// not present
		{0x40004000, 0, 1},
		{0x8000000000, 0, 4},
		{0xc0000000, 0, 3},
	}

	for specIndex, spec := range specs {
		got, fault := m.Walk(spec.virtAddr)
		switch {
		case spec.expLevel == 0 && fault != nil:
			t.Errorf("[spec %d] unexpected fault: %v", specIndex, fault)
		case spec.expLevel != 0 && (fault == nil || fault.Level != spec.expLevel):
			t.Errorf("[spec %d] expected fault at level %d; got %+v", specIndex, spec.expLevel, fault)
		case got != spec.expPhys:
			t.Errorf("[spec %d] expected %x to translate to %x; got %x", specIndex, spec.virtAddr, spec.expPhys, got)
		}
	}

	if _, fault := m.Walk(0x0000800000000000); fault == nil || fault.Level != 0 {
		t.Errorf("expected non-canonical address to fault; got %+v", fault)
	}
}

func TestResolveAndTLB(t *testing.T) {
	m := New()
	m.BootRecursiveOnly(0x1000)

	p4 := m.Table(0x1000)
	p4[0] = 0x2000 | FlagPresent | FlagRW
	m.Table(0x2000)[0] = 0x3000 | FlagPresent | FlagRW
	m.Table(0x3000)[0] = 0x4000 | FlagPresent | FlagRW
	m.Table(0x4000)[1] = 0x9000 | FlagPresent | FlagRW

	*(*uint64)(m.Resolve(0x1010)) = 0xfeed
	if got := m.Table(0x9000)[2]; got != 0xfeed {
		t.Fatalf("expected write through Resolve to update frame 0x9000; got %x", got)
	}

	// Re-point the page; the stale translation is served from the TLB
	// until the entry is flushed.
	m.Table(0x4000)[1] = 0xa000 | FlagPresent | FlagRW
	if got := *(*uint64)(m.Resolve(0x1010)); got != 0xfeed {
		t.Fatalf("expected cached translation to be used; got %x", got)
	}

	m.FlushTLBEntry(0x1fff)
	if got := *(*uint64)(m.Resolve(0x1010)); got != 0 {
		t.Fatalf("expected fresh translation after flush; got %x", got)
	}

	m.Table(0x4000)[1] = 0
	m.FlushTLB()
	func() {
		defer func() {
			fault, ok := recover().(*Fault)
			if !ok || fault.Addr != 0x1000 || fault.Level != 1 {
				t.Fatalf("expected Resolve to panic with a level 1 fault; got %+v", fault)
			}
		}()
		m.Resolve(0x1000)
	}()

	exp := Stats{CR3Writes: 1, TLBEntryFlushes: 1, TLBFullFlushes: 1, TLBHits: 1, TLBMisses: 3}
	if diff := cmp.Diff(exp, m.Stats()); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
}

func TestSwitchPDTDropsTLB(t *testing.T) {
	m := New()
	m.Boot(0x1000, 0x2000, 0x3000)

	_ = m.Resolve(0x5000)
	m.SwitchPDT(0x8123)

	if got := m.ActivePDT(); got != 0x8000 {
		t.Fatalf("expected CR3 to be page-aligned 0x8000; got %x", got)
	}

	defer func() {
		if _, ok := recover().(*Fault); !ok {
			t.Fatal("expected access through an empty P4 to fault")
		}
	}()
	m.Resolve(0x5000)
}

func TestControlBits(t *testing.T) {
	m := New()

	if m.NXEnabled() || m.WriteProtectEnabled() {
		t.Fatal("expected control bits to be cleared")
	}

	m.EnableNXBit()
	m.EnableWriteProtect()

	if !m.NXEnabled() || !m.WriteProtectEnabled() {
		t.Fatal("expected control bits to be set")
	}
}

func TestMappings(t *testing.T) {
	m := New()
	m.BootRecursiveOnly(0x1000)

	m.Table(0x1000)[256] = 0x2000 | FlagPresent
	m.Table(0x2000)[0] = 0x3000 | FlagPresent
	m.Table(0x3000)[1] = 0x200000 | FlagPresent | FlagHugePage | FlagRW
	m.Table(0x3000)[2] = 0x4000 | FlagPresent
	m.Table(0x4000)[7] = 0x9000 | FlagPresent | FlagNoExec

	var got []Mapping
	m.Mappings(func(mapping Mapping) bool {
		got = append(got, mapping)
		return true
	})

	exp := []Mapping{
		{Virt: 0xffff800000200000, Phys: 0x200000, Size: 1 << 21, Flags: FlagPresent | FlagHugePage | FlagRW},
		{Virt: 0xffff800000407000, Phys: 0x9000, Size: 1 << 12, Flags: FlagPresent | FlagNoExec},
	}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected mappings (-want +got):\n%s", diff)
	}

	var visits int
	m.Mappings(func(Mapping) bool {
		visits++
		return false
	})
	if visits != 1 {
		t.Fatalf("expected the walk to stop after the first mapping; got %d visits", visits)
	}

	if got := m.FrameCount(); got != 4 {
		t.Fatalf("expected 4 frames to be materialized; got %d", got)
	}
}
