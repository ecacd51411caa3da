package uart

import "testing"

func withFakeRegs(t *testing.T) map[uintptr]uint32 {
	t.Helper()
	regs := map[uintptr]uint32{regFR: 0}

	saveWrite, saveRead := mmioWriteFn, mmioReadFn
	mmioWriteFn = func(offset uintptr, val uint32) { regs[offset] = val }
	mmioReadFn = func(offset uintptr) uint32 { return regs[offset] }

	t.Cleanup(func() {
		mmioWriteFn, mmioReadFn = saveWrite, saveRead
	})
	return regs
}

func TestInitProgramsControlAndLineRegisters(t *testing.T) {
	regs := withFakeRegs(t)

	Init(0x09000000)

	if regs[regLCRH] != lcrhWLEN8 {
		t.Fatalf("LCR_H = %#x, want %#x", regs[regLCRH], uint32(lcrhWLEN8))
	}
	want := uint32(crUARTEN | crTXE | crRXE)
	if regs[regCR] != want {
		t.Fatalf("CR = %#x, want %#x", regs[regCR], want)
	}
}

func TestPutcWritesDataRegister(t *testing.T) {
	regs := withFakeRegs(t)
	Init(0x09000000)

	Putc('A')

	if regs[regDR] != uint32('A') {
		t.Fatalf("DR = %#x, want %#x", regs[regDR], uint32('A'))
	}
}

func TestPutcFollowsNewlineWithCarriageReturn(t *testing.T) {
	regs := withFakeRegs(t)
	Init(0x09000000)

	var written []byte
	saveWrite := mmioWriteFn
	mmioWriteFn = func(offset uintptr, val uint32) {
		regs[offset] = val
		if offset == regDR {
			written = append(written, byte(val))
		}
	}
	t.Cleanup(func() { mmioWriteFn = saveWrite })

	Putc('\n')

	if len(written) != 2 || written[0] != '\n' || written[1] != '\r' {
		t.Fatalf("written = %v, want ['\\n','\\r']", written)
	}
}

func TestPutcWaitsForFIFOSpace(t *testing.T) {
	regs := withFakeRegs(t)
	Init(0x09000000)

	regs[regFR] = frTXFF
	reads := 0
	saveRead := mmioReadFn
	mmioReadFn = func(offset uintptr) uint32 {
		if offset == regFR {
			reads++
			if reads > 3 {
				regs[regFR] = 0
			}
		}
		return regs[offset]
	}
	t.Cleanup(func() { mmioReadFn = saveRead })

	Putc('x')

	if reads <= 3 {
		t.Fatalf("expected Putc to poll the flag register until clear, reads=%d", reads)
	}
}
