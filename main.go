package main

import "armkernel/kernel/boot"

// These are populated by the rt0 assembly entrypoint before main is called:
// dtbPtr is the physical address passed in x0 at reset (0 if the loader
// passed nothing), and the four *Addr globals are resolved from the linker
// script's section symbols.
var (
	dtbPtr          uintptr
	kernelStartAddr uintptr
	kernelEndAddr   uintptr
	bootStackStart  uintptr
	bootStackEnd    uintptr
)

// main is the only Go symbol visible from the rt0 initialization code. It
// is a trampoline for the real kernel entrypoint, boot.Boot, and is
// intentionally defined to prevent the Go compiler from optimizing away
// the kernel code it is not otherwise aware rt0 depends on.
//
// main is not expected to return. If it does, rt0 halts the CPU.
func main() {
	boot.Boot(dtbPtr, kernelStartAddr, kernelEndAddr, bootStackStart, bootStackEnd)
}
