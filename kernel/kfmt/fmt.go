// Package kfmt implements the formatted console output used by the kernel
// before (and after) the Go allocator becomes available.
package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers. It is large
// enough to hold a 64-bit value in base 8 plus a sign.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errBadVerb      = []byte("%!(BADVERB)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	digits          = []byte("0123456789abcdef")

	// numFmtBuf and padBuf are shared scratch buffers; using package-level
	// storage keeps the formatting code from triggering heap allocations.
	numFmtBuf [maxBufSize]byte
	padBuf    = []byte(" ")

	// earlyPrintBuffer captures Printf output until an output sink is
	// installed.
	earlyPrintBuffer ringBuffer

	// outputSink receives the output of Printf. When nil, the output is
	// kept in earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and flushes any
// output accumulated in the early print buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf provides a minimal Printf implementation that does not allocate
// memory and can therefore be used while the memory sub-system is being
// initialized.
//
// The following verbs are supported:
//
//	%s  strings and byte slices
//	%d  integers, base 10
//	%x  integers, base 16 with lower-case letters
//	%o  integers, base 8
//	%t  booleans
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces while base-8 and base-16 integers
// are left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	w := outputSink
	if w == nil {
		w = &earlyPrintBuffer
	}
	Fprintf(w, format, args...)
}

// Fprintf behaves like Printf but writes its output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex   int
		blockStart int
		fmtLen     = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			continue
		}

		writeString(w, format[blockStart:i])

		width := 0
		for i++; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			_, _ = w.Write(errNoVerb)
			blockStart = fmtLen
			break
		}

		verb := format[i]
		blockStart = i + 1

		if verb == '%' {
			writeString(w, "%")
			continue
		}

		if argIndex >= len(args) {
			_, _ = w.Write(errMissingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch verb {
		case 's':
			fmtString(w, arg, width)
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 't':
			fmtBool(w, arg)
		default:
			_, _ = w.Write(errBadVerb)
		}
	}

	writeString(w, format[blockStart:])

	for ; argIndex < len(args); argIndex++ {
		_, _ = w.Write(errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		_, _ = w.Write(errWrongArgType)
	case b:
		_, _ = w.Write(trueValue)
	default:
		_, _ = w.Write(falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		pad(w, ' ', width-len(s))
		writeString(w, s)
	case []byte:
		pad(w, ' ', width-len(s))
		_, _ = w.Write(s)
	default:
		_, _ = w.Write(errWrongArgType)
	}
}

func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		val uint64
		neg bool
	)

	switch n := v.(type) {
	case int:
		val, neg = abs(int64(n))
	case int8:
		val, neg = abs(int64(n))
	case int16:
		val, neg = abs(int64(n))
	case int32:
		val, neg = abs(int64(n))
	case int64:
		val, neg = abs(n)
	case uint:
		val = uint64(n)
	case uint8:
		val = uint64(n)
	case uint16:
		val = uint64(n)
	case uint32:
		val = uint64(n)
	case uint64:
		val = n
	case uintptr:
		val = uint64(n)
	default:
		_, _ = w.Write(errWrongArgType)
		return
	}

	end := len(numFmtBuf)
	start := end
	for {
		start--
		numFmtBuf[start] = digits[val%base]
		val /= base
		if val == 0 {
			break
		}
	}

	numLen := end - start
	if neg {
		numLen++
	}

	if base == 10 {
		pad(w, ' ', width-numLen)
		if neg {
			writeString(w, "-")
		}
	} else {
		if neg {
			writeString(w, "-")
		}
		pad(w, '0', width-numLen)
	}

	_, _ = w.Write(numFmtBuf[start:end])
}

func abs(n int64) (uint64, bool) {
	if n < 0 {
		return uint64(-n), true
	}
	return uint64(n), false
}

func pad(w io.Writer, c byte, count int) {
	padBuf[0] = c
	for ; count > 0; count-- {
		_, _ = w.Write(padBuf)
	}
}

// writeString writes s to w without copying it into a heap-allocated
// byte slice.
func writeString(w io.Writer, s string) {
	if len(s) == 0 {
		return
	}
	_, _ = w.Write(unsafe.Slice(unsafe.StringData(s), len(s)))
}
