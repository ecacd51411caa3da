package dtb

import "unsafe"

// searchLocations are the QEMU virt machine's common DTB placement
// addresses, tried before falling back to a linear scan.
var searchLocations = [...]uintptr{
	0x48000000,
	0x7ff00000,
	0x44000000,
	0x50000000,
}

// scanLimit bounds the linear fallback scan so a missing DTB can never hang
// boot.
const scanLimit = 0x50000000

// peekMagicFn reads the big-endian uint32 at addr. It is a package-level
// variable, like the rest of the kernel's hardware-facing primitives, so
// tests can substitute a fake memory image instead of dereferencing raw
// physical addresses.
var peekMagicFn = func(addr uintptr) uint32 {
	return be32(unsafe.Slice((*byte)(unsafe.Pointer(addr)), 4), 0)
}

// Search looks for a valid FDT header at the fixed QEMU locations first,
// then linearly from kernelEnd (1 MiB aligned) up to scanLimit. It returns
// the address and true on success.
func Search(kernelEnd uintptr) (uintptr, bool) {
	for _, loc := range searchLocations {
		if peekMagicFn(loc) == magic {
			return loc, true
		}
	}

	const oneMiB = 0x100000
	start := (kernelEnd + oneMiB - 1) &^ (oneMiB - 1)
	for addr := start; addr < scanLimit; addr += uintptr(PageSizeForScan) {
		if peekMagicFn(addr) == magic {
			return addr, true
		}
	}

	return 0, false
}

// PageSizeForScan is the step size used while scanning for a DTB; kept as a
// named constant since it intentionally matches the architecture's page
// size without importing kernel/mem (dtb has no other dependency on the
// memory-management packages, and must not gain one: it runs before they
// exist).
const PageSizeForScan = 0x1000
