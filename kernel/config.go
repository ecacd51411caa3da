package kernel

// Fallback platform constants for the QEMU virt machine, used by the boot
// composer whenever the DTB does not supply the corresponding value (no
// stdout-path, an unrecognized GIC compatible string, or a missing memory
// node forcing a hardcoded region).
const (
	// DefaultUARTBase is the PL011 MMIO base QEMU virt wires by default.
	DefaultUARTBase = uint64(0x09000000)

	// DefaultGICDistributorBase and DefaultGICCPUBase are the GICv2
	// distributor and CPU interface MMIO bases QEMU virt wires by default.
	DefaultGICDistributorBase = uint64(0x08000000)
	DefaultGICCPUBase         = uint64(0x08010000)

	// DefaultRAMBase and DefaultRAMSize describe QEMU virt's default
	// memory region, used only if the DTB's memory node cannot be parsed.
	DefaultRAMBase = uint64(0x40000000)
	DefaultRAMSize = uint64(0x40000000)

	// DefaultHZ is the scheduler tick rate the boot composer installs the
	// timer at when nothing overrides it.
	DefaultHZ = uint32(100)
)
