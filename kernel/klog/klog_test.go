package klog

import (
	"testing"

	"armkernel/kernel/sync"
)

func withMockedIRQs(t *testing.T) {
	t.Helper()
	save, restore := sync.SaveAndDisableInterruptsFn, sync.RestoreInterruptsFn
	sync.SaveAndDisableInterruptsFn = func() uint64 { return 0 }
	sync.RestoreInterruptsFn = func(uint64) {}
	t.Cleanup(func() {
		sync.SaveAndDisableInterruptsFn = save
		sync.RestoreInterruptsFn = restore
	})
}

func resetRing() {
	head, tail = 0, 0
	level, consoleLevel = Info, Info
	consoleSink = nil
	inited = true
}

func TestWriteReadRoundTrip(t *testing.T) {
	withMockedIRQs(t)
	resetRing()

	Write(Info, "hello")
	Write(Warning, "world")

	buf := make([]byte, 32)

	l, n := Read(buf)
	if l != Info || string(buf[:n]) != "hello" {
		t.Fatalf("expected (Info, \"hello\"); got (%d, %q)", l, buf[:n])
	}

	l, n = Read(buf)
	if l != Warning || string(buf[:n]) != "world" {
		t.Fatalf("expected (Warning, \"world\"); got (%d, %q)", l, buf[:n])
	}

	if _, n := Read(buf); n != 0 {
		t.Fatalf("expected empty ring to read 0 bytes; got %d", n)
	}
}

func TestWriteAboveLevelIsNotStored(t *testing.T) {
	withMockedIRQs(t)
	resetRing()
	SetLevel(Warning)

	Write(Debug, "should not be stored")

	buf := make([]byte, 32)
	if _, n := Read(buf); n != 0 {
		t.Fatalf("expected record above the stored threshold to be dropped; got %d bytes", n)
	}
}

func TestReadTruncatesToBufferCapacity(t *testing.T) {
	withMockedIRQs(t)
	resetRing()

	Write(Info, "0123456789")

	buf := make([]byte, 5) // room for 4 bytes + NUL
	_, n := Read(buf)
	if n != 4 || string(buf[:n]) != "0123" {
		t.Fatalf("expected truncated read of \"0123\"; got (%d) %q", n, buf[:n])
	}
	if buf[n] != 0 {
		t.Fatalf("expected NUL terminator at index %d", n)
	}
}

func TestEvictsOldestOnOverflow(t *testing.T) {
	withMockedIRQs(t)
	resetRing()

	const recordSize = 200
	payload := make([]byte, recordSize)
	for i := range payload {
		payload[i] = 'x'
	}

	numWritten := 32
	for i := 0; i < numWritten; i++ {
		Write(Info, string(payload))
	}

	maxFit := maxPayload / (recordSize + recordHeaderSize)

	buf := make([]byte, recordSize+1)
	count := 0
	for {
		_, n := Read(buf)
		if n == 0 {
			break
		}
		count++
	}

	if count > maxFit {
		t.Fatalf("expected at most %d surviving records; got %d", maxFit, count)
	}
	if count == 0 {
		t.Fatal("expected at least one surviving record")
	}
}

func TestConsoleSinkReceivesLevelPrefix(t *testing.T) {
	withMockedIRQs(t)
	resetRing()

	var out []byte
	SetConsoleSink(func(b byte) { out = append(out, b) })
	SetConsoleLevel(Info)

	Write(Info, "hi")

	if got := string(out); got != "<6>hi" {
		t.Fatalf("expected console output \"<6>hi\"; got %q", got)
	}
}

func TestPrintf(t *testing.T) {
	withMockedIRQs(t)
	resetRing()

	Printf(Info, "value=%d name=%s", 42, "x")

	buf := make([]byte, 64)
	_, n := Read(buf)
	if got := string(buf[:n]); got != "value=42 name=x" {
		t.Fatalf("expected \"value=42 name=x\"; got %q", got)
	}
}
