// Package pmm implements the kernel's physical frame allocator: a single
// bitmap over the RAM region reported by the device tree, with a fixed set
// of ranges reserved before the first page is ever handed out.
package pmm

import (
	"armkernel/kernel"
	"armkernel/kernel/klog"
	"armkernel/kernel/mem"
	"armkernel/kernel/mm"
	"armkernel/kernel/sync"
)

// maxPages bounds the static bitmap at 4 GiB of managed RAM (4 KiB pages),
// matching the ceiling the QEMU virt machine's default memory map never
// exceeds in practice.
const maxPages = 1 << 20

var (
	errOutOfMemory  = &kernel.Error{Module: "pmm", Message: "no contiguous free run of the requested size"}
	errInconsistent = &kernel.Error{Module: "pmm", Message: "free page count does not match bitmap popcount"}
)

var (
	lock sync.IRQSpinlock

	base       uint64
	size       uint64
	totalPages uint32
	freePages  uint32

	bitmap [maxPages / 64]uint64
)

func setBit(i uint32)             { bitmap[i>>6] |= 1 << (i & 63) }
func clearBit(i uint32)           { bitmap[i>>6] &^= 1 << (i & 63) }
func testBit(i uint32) bool       { return bitmap[i>>6]&(1<<(i&63)) != 0 }
func addrToPage(a uint64) uint32  { return uint32((a - base) / uint64(mem.PageSize)) }

// Region is a (base, size) physical address range to reserve up front; it
// mirrors dtb.Region without this package depending on dtb directly, since
// the boot composer is the only caller that needs to bridge the two.
type Region struct {
	Base uint64
	Size uint64
}

// reserveRange marks every page overlapping [start, start+size) allocated.
// Ranges wholly outside the managed region, or zero-sized, are ignored.
func reserveRange(start, rsize uint64) {
	if rsize == 0 || start+rsize <= base || start >= base+size {
		return
	}

	rstart := start
	if rstart < base {
		rstart = base
	}
	rend := start + rsize
	if limit := base + size; rend > limit {
		rend = limit
	}

	first := addrToPage(rstart & ^uint64(mem.PageSize-1))
	last := addrToPage((rend + uint64(mem.PageSize) - 1) & ^uint64(mem.PageSize-1))
	if last > totalPages {
		last = totalPages
	}
	for i := first; i < last; i++ {
		if !testBit(i) {
			setBit(i)
			if freePages > 0 {
				freePages--
			}
		}
	}
}

// Init sizes the bitmap to managedRegion, marks every frame within it free,
// then reserves kernelImage, bootStack, the DTB blob, one page around the
// console UART's MMIO base, every child of reserved, and the first
// mebibyte of the managed range.
func Init(managedRegion Region, kernelImage, bootStack, dtbBlob Region, uartBase uint64, reserved []Region) *kernel.Error {
	savedFlags := lock.Lock()
	defer lock.Unlock(savedFlags)

	alignedBase := (managedRegion.Base + uint64(mem.PageSize) - 1) &^ uint64(mem.PageSize-1)
	alignedEnd := (managedRegion.Base + managedRegion.Size) &^ uint64(mem.PageSize-1)
	if alignedEnd <= alignedBase {
		return &kernel.Error{Module: "pmm", Message: "managed region is empty after page alignment"}
	}

	base = alignedBase
	size = alignedEnd - alignedBase
	totalPages = uint32(size / uint64(mem.PageSize))
	if totalPages > maxPages {
		totalPages = maxPages
		size = uint64(totalPages) * uint64(mem.PageSize)
	}

	for i := range bitmap {
		bitmap[i] = 0
	}
	freePages = totalPages

	reserveRange(kernelImage.Base, kernelImage.Size)
	reserveRange(bootStack.Base, bootStack.Size)
	reserveRange(dtbBlob.Base, dtbBlob.Size)
	if uartBase != 0 {
		reserveRange(uartBase&^uint64(mem.PageSize-1), uint64(mem.PageSize))
	}
	for _, r := range reserved {
		reserveRange(r.Base, r.Size)
	}
	reserveRange(base, 0x100000)

	klog.Printf(klog.Info, "pmm: managing %d pages (base=%x size=%x), %d free", totalPages, base, size, freePages)
	return nil
}

// AllocPages returns the base frame of the first run of n consecutive free
// pages, marking them allocated, or errOutOfMemory if no such run exists.
func AllocPages(n uint32) (mm.Frame, *kernel.Error) {
	if n == 0 {
		return mm.InvalidFrame, &kernel.Error{Module: "pmm", Message: "cannot allocate zero pages"}
	}

	savedFlags := lock.Lock()
	defer lock.Unlock(savedFlags)

	if n > freePages {
		return mm.InvalidFrame, errOutOfMemory
	}

	var run, runStart uint32
	for i := uint32(0); i < totalPages; i++ {
		if !testBit(i) {
			if run == 0 {
				runStart = i
			}
			run++
			if run == n {
				for j := runStart; j < runStart+n; j++ {
					setBit(j)
				}
				freePages -= n
				return mm.Frame(base>>mem.PageShift + uint64(runStart)), nil
			}
		} else {
			run = 0
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreePages clears the n bits starting at frame base. A bit already clear
// is a double free: it is logged and left alone rather than corrupting the
// free count.
func FreePages(frame mm.Frame, n uint32) {
	if n == 0 {
		return
	}

	savedFlags := lock.Lock()
	defer lock.Unlock(savedFlags)

	baseFrame := mm.Frame(base >> mem.PageShift)
	if frame < baseFrame {
		return
	}
	start := uint32(frame - baseFrame)
	for i := start; i < start+n && i < totalPages; i++ {
		if !testBit(i) {
			klog.Printf(klog.Warning, "pmm: double-free of page %d ignored", i)
			continue
		}
		clearBit(i)
		freePages++
	}
}

// Check recomputes the free-page count by popcount and compares it against
// the tracked counter, returning errInconsistent on mismatch.
func Check() *kernel.Error {
	savedFlags := lock.Lock()
	defer lock.Unlock(savedFlags)

	var setCount uint32
	for i := uint32(0); i < totalPages; i++ {
		if testBit(i) {
			setCount++
		}
	}
	if want := totalPages - freePages; setCount != want {
		return errInconsistent
	}
	return nil
}

// TotalPages returns the number of pages in the managed region.
func TotalPages() uint32 { return totalPages }

// FreePagesCount returns the number of currently unallocated pages.
func FreePagesCount() uint32 { return freePages }

// BaseAddress returns the physical address the managed region starts at,
// used by callers translating a Frame back to an address outside this
// package (mm.Frame.Address already does this arithmetic generically; this
// accessor exists for diagnostics and tests that need the raw base).
func BaseAddress() uint64 { return base }
