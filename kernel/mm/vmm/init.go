package vmm

import (
	"armkernel/kernel"
	"armkernel/kernel/klog"
	"armkernel/kernel/mem"
)

// kernelBase is the virtual address the kernel image is relocated to once
// the higher-half mapping is installed.
var kernelBase uint64 = 0xFFFFFF8000000000

// KernelBase returns the virtual base address MapRegion and the boot
// composer's higher-half switch use.
func KernelBase() uint64 { return kernelBase }

// SetKernelBase overrides the default higher-half base; exposed for tests
// and for a boot composer that wants a narrower split.
func SetKernelBase(base uint64) { kernelBase = base }

// identityMapLimit is the 2 GiB, the QEMU virt machine's usual low-memory
// ceiling TTBR0 identity-maps. It is a var, not a const, solely so tests
// can shrink it and exercise Init without looping over half a million
// pages.
var identityMapLimit uint64 = 0x80000000

// Init builds the two root tables: TTBR0 identity-maps [0, identityMapLimit)
// as normal memory, and TTBR1 maps the kernel image range
// [kernelStart, kernelEnd) to KernelBase()+offset. It returns both roots so
// the boot composer can pass them to Enable.
func Init(kernelStart, kernelEnd uint64) (ttbr0, ttbr1 *[entriesPerTable]uint64, err *kernel.Error) {
	ttbr0, err = allocTableFn()
	if err != nil {
		return nil, nil, err
	}
	ttbr1, err = allocTableFn()
	if err != nil {
		return nil, nil, err
	}

	kstart := uint64(mem.PageAlignDown(uintptr(kernelStart)))
	kend := uint64(mem.PageAlignUp(uintptr(kernelEnd)))
	attrs := uint64(AttrRW) | AttrMAIRNormal | AttrUXN

	for pa := uint64(0); pa < identityMapLimit; pa += uint64(mem.PageSize) {
		if err = Map(ttbr0, pa, pa, attrs); err != nil {
			klog.Printf(klog.Err, "vmm: identity map stopped at %x: %s", pa, err.Message)
			return ttbr0, ttbr1, nil
		}
	}

	for pa := kstart; pa < kend; pa += uint64(mem.PageSize) {
		va := kernelBase + (pa - kstart)
		if err = Map(ttbr1, va, pa, attrs); err != nil {
			return nil, nil, err
		}
	}

	klog.Printf(klog.Info, "vmm: kernel mapped %x-%x -> %x-%x", kernelBase, kernelBase+(kend-kstart), kstart, kend)
	return ttbr0, ttbr1, nil
}
