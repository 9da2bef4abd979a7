package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	t.Run("read empty", func(t *testing.T) {
		var rb ringBuffer
		if n, err := rb.Read(make([]byte, 4)); n != 0 || err != io.EOF {
			t.Fatalf("expected Read to return (0, io.EOF); got (%d, %v)", n, err)
		}
	})

	t.Run("partial reads", func(t *testing.T) {
		var rb ringBuffer
		_, _ = rb.Write([]byte("hello world"))

		p := make([]byte, 5)
		if n, _ := rb.Read(p); n != 5 || string(p) != "hello" {
			t.Fatalf("expected to read %q; got %q", "hello", p[:n])
		}

		var buf bytes.Buffer
		_, _ = io.Copy(&buf, &rb)
		if exp, got := " world", buf.String(); got != exp {
			t.Fatalf("expected remaining data to be %q; got %q", exp, got)
		}
	})

	t.Run("overwrite oldest data", func(t *testing.T) {
		var rb ringBuffer

		input := make([]byte, ringBufferSize+10)
		for i := range input {
			input[i] = byte('a' + i%26)
		}
		_, _ = rb.Write(input)

		var buf bytes.Buffer
		_, _ = io.Copy(&buf, &rb)

		exp := input[len(input)-(ringBufferSize-1):]
		if got := buf.Bytes(); !bytes.Equal(got, exp) {
			t.Fatalf("expected to read back the last %d bytes; got %d bytes", len(exp), len(got))
		}
	})
}
