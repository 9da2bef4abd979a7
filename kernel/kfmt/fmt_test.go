package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintf(t *testing.T) {
	specs := []struct {
		fn     func()
		expOut string
	}{
		{func() { Printf("no args") }, "no args"},
		{func() { Printf("%s and %s", "foo", []byte("bar")) }, "foo and bar"},
		{func() { Printf("[%6s]", "abc") }, "[   abc]"},
		{func() { Printf("%d %d %d", 0, -42, uint8(255)) }, "0 -42 255"},
		{func() { Printf("[%5d]", -17) }, "[  -17]"},
		{func() { Printf("0x%x", uintptr(0xb8000)) }, "0xb8000"},
		{func() { Printf("0x%16x", uint64(0xdeadbeef)) }, "0x00000000deadbeef"},
		{func() { Printf("%x", int16(-255)) }, "-ff"},
		{func() { Printf("%o", 8) }, "10"},
		{func() { Printf("%t %t", true, false) }, "true false"},
		{func() { Printf("100%%") }, "100%"},
		{func() { Printf("%d") }, "(MISSING)"},
		{func() { Printf("%d", "nope") }, "%!(WRONGTYPE)"},
		{func() { Printf("%t", 1) }, "%!(WRONGTYPE)"},
		{func() { Printf("%s", 1) }, "%!(WRONGTYPE)"},
		{func() { Printf("%q", 1) }, "%!(BADVERB)"},
		{func() { Printf("trailing %") }, "trailing %!(NOVERB)"},
		{func() { Printf("%d", 1, 2) }, "1%!(EXTRA)"},
	}

	var buf bytes.Buffer
	defer SetOutputSink(nil)
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.expOut {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.expOut, got)
		}
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer = ringBuffer{}
	}()

	outputSink = nil
	earlyPrintBuffer = ringBuffer{}

	Printf("[%s] frame 0x%x\n", "pmm", 0x200)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "[pmm] frame 0x200\n", buf.String(); got != exp {
		t.Fatalf("expected early output %q to be flushed to the sink; got %q", exp, got)
	}

	Printf("direct")
	if exp, got := "[pmm] frame 0x200\ndirect", buf.String(); got != exp {
		t.Fatalf("expected Printf to write to the sink; got %q", got)
	}
}

func TestPrintfDoesNotAllocate(t *testing.T) {
	var buf discardWriter
	allocs := testing.AllocsPerRun(100, func() {
		Fprintf(&buf, "[%s] %d frames at 0x%16x\n", "pmm", 42, uintptr(0x200000))
	})

	// Boxing of the arguments into the variadic slice is performed by the
	// caller; the formatter itself must not add to it.
	if allocs > 3 {
		t.Fatalf("expected Fprintf to perform no allocations of its own; got %f", allocs)
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
