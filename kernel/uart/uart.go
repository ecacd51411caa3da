// Package uart drives a PL011 UART: init the line, and emit one byte at a
// time, following each '\n' with a '\r' so a real terminal returns to
// column 0. It is
// the console's only producer of bytes and the default sink klog.Init is
// given by the boot composer.
package uart

import "unsafe"

// PL011 register offsets from the UART's base address.
const (
	regDR    = 0x000 // data register
	regFR    = 0x018 // flag register
	regLCRH  = 0x02C // line control register
	regCR    = 0x030 // control register
)

// Flag register bits.
const frTXFF = 1 << 5 // transmit FIFO full

// Control register bits.
const (
	crUARTEN = 1 << 0
	crTXE    = 1 << 8
	crRXE    = 1 << 9
)

const lcrhWLEN8 = 3 << 5

var base uintptr

// mmioReadFn and mmioWriteFn indirect every register access so this
// package can be exercised under `go test` without real MMIO backing the
// address: tests install a byte-slice-backed fake, production wires
// them to true volatile loads/stores.
var (
	mmioWriteFn = mmioWrite
	mmioReadFn  = mmioRead
)

func reg(offset uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(base + offset))
}

func mmioWrite(offset uintptr, val uint32) {
	*reg(offset) = val
}

func mmioRead(offset uintptr) uint32 {
	return *reg(offset)
}

// Init programs base as the UART's MMIO base address, disables the UART
// while reconfiguring it for 8N1, then enables the UART with transmit and
// receive both on.
func Init(b uint64) {
	base = uintptr(b)

	mmioWriteFn(regCR, 0)
	mmioWriteFn(regLCRH, lcrhWLEN8)
	mmioWriteFn(regCR, crUARTEN|crTXE|crRXE)
}

// Putc waits for FIFO space and writes c, following it with a carriage
// return whenever c is a newline so line endings render correctly on a
// real terminal.
func Putc(c byte) {
	for mmioReadFn(regFR)&frTXFF != 0 {
	}
	mmioWriteFn(regDR, uint32(c))
	if c == '\n' {
		Putc('\r')
	}
}
