// Package boot composes every subsystem's Init into the single sequence
// the rt0 assembly stub's entrypoint calls into: device tree discovery,
// early console, physical and virtual memory, the VMA index and vmalloc
// heap, the interrupt controller and timer, and the task manager, ending
// in the idle loop. Boot is not expected to return.
package boot

import (
	"unsafe"

	"armkernel/kernel"
	"armkernel/kernel/cpu"
	"armkernel/kernel/dtb"
	"armkernel/kernel/gic"
	"armkernel/kernel/irq"
	"armkernel/kernel/klog"
	"armkernel/kernel/mm"
	"armkernel/kernel/mm/pmm"
	"armkernel/kernel/mm/vma"
	"armkernel/kernel/mm/vmalloc"
	"armkernel/kernel/mm/vmm"
	"armkernel/kernel/task"
	"armkernel/kernel/uart"
)

var (
	errNoMemory = &kernel.Error{Module: "boot", Message: "device tree reported no usable memory region"}
)

// dtbSearchFn and dtbParseFn are indirected so Boot can be driven from a
// synthetic blob in tests instead of a real firmware-supplied pointer.
var (
	dtbSearchFn = dtb.Search
	dtbParseFn  = dtb.Parse
)

// Boot brings every subsystem up in dependency order and never returns.
// dtbPtr is the physical address the boot register pointed the kernel at,
// or 0 if the bootloader passed nothing and Boot must fall back to
// dtb.Search. kernelStart/kernelEnd and bootStackStart/bootStackEnd are the
// physical ranges the linker script reserved for the kernel image and the
// boot-time stack, both of which pmm.Init must mark allocated before
// anything else touches physical memory.
func Boot(dtbPtr, kernelStart, kernelEnd, bootStackStart, bootStackEnd uintptr) {
	info, dtbBase, dtbSize := loadDeviceTree(dtbPtr, kernelEnd)

	uartBase := kernel.DefaultUARTBase
	if info != nil {
		if base, ok := info.StdoutUARTBase(); ok {
			uartBase = base
		}
	}
	uart.Init(uartBase)
	klog.Init(uart.Putc)
	klog.SetConsoleSink(uart.Putc)

	klog.Printf(klog.Info, "boot: console up, uart base=%#x\n", uartBase)

	memRegion := pmm.Region{Base: kernel.DefaultRAMBase, Size: kernel.DefaultRAMSize}
	var reserved []pmm.Region
	gicVersion := 2
	if info != nil {
		memRegion = pmm.Region{Base: info.Memory.Base, Size: info.Memory.Size}
		for _, r := range info.Reserved {
			reserved = append(reserved, pmm.Region{Base: r.Base, Size: r.Size})
		}
		gicVersion = info.GICVersion()
	}
	if memRegion.Size == 0 {
		kernel.Panic(errNoMemory)
	}

	kernelImage := pmm.Region{Base: uint64(kernelStart), Size: uint64(kernelEnd - kernelStart)}
	bootStack := pmm.Region{Base: uint64(bootStackStart), Size: uint64(bootStackEnd - bootStackStart)}
	dtbBlob := pmm.Region{Base: uint64(dtbBase), Size: uint64(dtbSize)}

	if err := pmm.Init(memRegion, kernelImage, bootStack, dtbBlob, uartBase, reserved); err != nil {
		kernel.Panic(err)
	}
	klog.Printf(klog.Info, "boot: pmm up, %d pages managed\n", pmm.TotalPages())

	vmm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) { return pmm.AllocPages(1) })
	ttbr0, ttbr1, err := vmm.Init(uint64(kernelStart), uint64(kernelEnd))
	if err != nil {
		kernel.Panic(err)
	}
	vmm.Enable(ttbr0, ttbr1)
	vmm.SwitchToHigherHalf(vmm.KernelBase())
	klog.Printf(klog.Info, "boot: vmm up, mmu enabled\n")

	vma.SetRootTable(ttbr1)
	vmalloc.SetRootTable(ttbr1)

	distBase, cpuBase := kernel.DefaultGICDistributorBase, kernel.DefaultGICCPUBase
	version := gic.V2
	if gicVersion == 3 {
		version = gic.V3
	}
	gic.Init(version, distBase, cpuBase)
	irq.Init()
	if err := irq.InstallTimer(kernel.DefaultHZ); err != nil {
		kernel.Panic(err)
	}
	klog.Printf(klog.Info, "boot: gic/timer up, version=%d\n", gicVersion)

	if err := task.Init(); err != nil {
		kernel.Panic(err)
	}
	klog.Printf(klog.Info, "boot: task manager up\n")

	cpu.EnableInterrupts()
	idleLoop()
}

// peekTotalSizeFn reads the FDT header's totalsize field (big-endian
// uint32 at byte offset 4) without assuming anything about the rest of the
// blob. Indirected so tests can drive loadDeviceTree off a synthetic image.
var peekTotalSizeFn = func(addr uintptr) uint32 {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 8)
	return uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])
}

// loadDeviceTree resolves the DTB blob's location and size, parsing it if
// found. A missing or malformed DTB is not fatal: the caller falls back to
// the fixed QEMU virt constants. The fallback is not logged.
func loadDeviceTree(dtbPtr, kernelEnd uintptr) (info *dtb.Info, base, size uintptr) {
	if dtbPtr == 0 {
		found, ok := dtbSearchFn(kernelEnd)
		if !ok {
			return nil, 0, 0
		}
		dtbPtr = found
	}

	total := peekTotalSizeFn(dtbPtr)
	header := unsafe.Slice((*byte)(unsafe.Pointer(dtbPtr)), total)
	parsed, err := dtbParseFn(header)
	if err != nil {
		return nil, dtbPtr, uintptr(total)
	}
	return parsed, dtbPtr, uintptr(total)
}

// idleLoop never returns: every real unit of work after boot runs as a
// scheduled task, woken by the timer tick installed above.
func idleLoop() {
	for {
		cpu.Wfi()
	}
}
