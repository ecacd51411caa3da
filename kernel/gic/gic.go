// Package gic drives the Generic Interrupt Controller far enough to ack,
// dispatch, and EOI IRQs by number: it does not expose priorities,
// affinity routing, or any other GIC feature the portable core never
// touches. Two wire formats are supported, detected at boot from the
// device tree's "arm,gic-v3" compatible string: GICv2's distributor/CPU
// interface MMIO pair, and GICv3's system-register interface.
package gic

import (
	"unsafe"

	"armkernel/kernel/cpu"
)

// Version identifies which GIC generation Init configures.
type Version int

const (
	V2 Version = 2
	V3 Version = 3
)

// GICv2 distributor and CPU interface register offsets.
const (
	gicdCtlr      = 0x000
	gicdISEnabler = 0x100
	gicdICEnabler = 0x180

	giccCtlr = 0x000
	giccPMR  = 0x004
	giccIAR  = 0x00C
	giccEOIR = 0x010
)

const maxIRQ = 1020

var (
	version  Version
	distBase uintptr
	cpuBase  uintptr

	// mmioWriteFn/mmioReadFn indirect GICv2 MMIO for tests; the GICv3 path
	// goes through the cpu package's system-register seams instead, since
	// those registers have no memory address to fake.
	mmioWriteFn = mmioWrite
	mmioReadFn  = mmioRead

	ackFn = cpu.ReadICCIAR1
	eoiFn = cpu.WriteICCEOIR1
	pmrFn = cpu.WriteICCPMR
	grpFn = cpu.WriteICCIGRPEN1
)

func mmioWrite(base uintptr, offset uintptr, val uint32) {
	*(*uint32)(unsafe.Pointer(base + offset)) = val
}

func mmioRead(base uintptr, offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(base + offset))
}

// Init configures the GIC for group-1 IRQ delivery to EL1. For GICv2 it
// disables the distributor, clears every IRQ's enable bit, re-enables the
// distributor and CPU interface, and sets the priority mask to allow all
// priorities; for GICv3 it programs the system-register interface
// equivalently.
func Init(v Version, distributorBase, cpuInterfaceBase uint64) {
	version = v
	distBase = uintptr(distributorBase)
	cpuBase = uintptr(cpuInterfaceBase)

	if version == V3 {
		pmrFn(0xFF)
		grpFn(1)
		return
	}

	mmioWriteFn(distBase, gicdCtlr, 0)
	for bank := uint32(0); bank*32 < maxIRQ; bank++ {
		mmioWriteFn(distBase, gicdICEnabler+uintptr(bank)*4, 0xFFFFFFFF)
	}
	mmioWriteFn(distBase, gicdCtlr, 1)

	mmioWriteFn(cpuBase, giccPMR, 0xFF)
	mmioWriteFn(cpuBase, giccCtlr, 1)
}

// Enable unmasks irq at the distributor.
func Enable(irq int) {
	if irq < 0 || irq >= maxIRQ {
		return
	}
	// Per-IRQ enable/disable lives in the distributor's MMIO block on both
	// GICv2 and GICv3; only ack/EOI/priority move to system registers.
	bank, bit := uint32(irq/32), uint32(irq%32)
	mmioWriteFn(distBase, gicdISEnabler+uintptr(bank)*4, 1<<bit)
}

// Disable masks irq at the distributor.
func Disable(irq int) {
	if irq < 0 || irq >= maxIRQ {
		return
	}
	bank, bit := uint32(irq/32), uint32(irq%32)
	mmioWriteFn(distBase, gicdICEnabler+uintptr(bank)*4, 1<<bit)
}

// Ack acknowledges the highest-priority pending interrupt and returns its
// IRQ number.
func Ack() uint32 {
	if version == V3 {
		return ackFn()
	}
	return mmioReadFn(cpuBase, giccIAR)
}

// EOI signals completion of irq's handling, the same IRQ number Ack
// returned, even when no handler was installed for it: ack and EOI must
// always be paired.
func EOI(irq uint32) {
	if version == V3 {
		eoiFn(irq)
		return
	}
	mmioWriteFn(cpuBase, giccEOIR, irq)
}
