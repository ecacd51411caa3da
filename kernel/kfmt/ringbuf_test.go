package kfmt

import "testing"

func TestRingBufferWriteRead(t *testing.T) {
	var rb ringBuffer

	rb.Write([]byte("hello"))

	out := make([]byte, 5)
	n, _ := rb.Read(out)
	if n != 5 || string(out) != "hello" {
		t.Fatalf("expected to read \"hello\"; got %q (n=%d)", out[:n], n)
	}

	// reading again from an empty buffer should return 0.
	n, _ = rb.Read(out)
	if n != 0 {
		t.Fatalf("expected 0 bytes from an empty ring buffer; got %d", n)
	}
}

func TestRingBufferOverflowDropsOldest(t *testing.T) {
	var rb ringBuffer

	filler := make([]byte, ringBufferSize)
	for i := range filler {
		filler[i] = 'a'
	}
	rb.Write(filler)

	// this write should evict the 3 oldest bytes of 'a' and
	// leave "bbb" as the newest content.
	rb.Write([]byte("bbb"))

	out := make([]byte, ringBufferSize)
	n, _ := rb.Read(out)
	if n != ringBufferSize {
		t.Fatalf("expected to read %d bytes; got %d", ringBufferSize, n)
	}

	if got := string(out[n-3:]); got != "bbb" {
		t.Fatalf("expected the last 3 bytes to be \"bbb\"; got %q", got)
	}
}
