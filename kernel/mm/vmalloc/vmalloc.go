// Package vmalloc hands out guarded, page-backed virtual memory ranges
// from a fixed window of the address space, for kernel allocations too
// large or too long-lived for a stack frame. Every allocation is bracketed
// by a pair of no-access guard pages so an out-of-bounds access takes a
// permission fault instead of silently corrupting an adjacent block. The
// window is carved by a best-fit free list with a bump pointer for the
// unclaimed tail; freed ranges are coalesced back into the list eagerly so
// fragmentation never compounds across alloc/free cycles.
package vmalloc

import (
	"armkernel/kernel"
	"armkernel/kernel/klog"
	"armkernel/kernel/mem"
	"armkernel/kernel/mm"
	"armkernel/kernel/mm/pmm"
	"armkernel/kernel/mm/vmm"
	"armkernel/kernel/sync"
)

const (
	// windowStart and windowEnd bound the range this package carves
	// allocations from; chosen well clear of the identity map and the
	// higher-half kernel image.
	windowStart = uint64(0xFFFFFF8080000000)
	windowEnd   = uint64(0xFFFFFF80C0000000)

	guardSize = uint64(mem.PageSize)

	// maxFreeBlocks bounds the static free-list pool.
	maxFreeBlocks = 256

	// maxLiveAllocations bounds the static live-allocation table, and
	// maxFramesPerAlloc bounds how many data pages a single Alloc call can
	// back (1 MiB). Alloc runs before pmm/vmm bring up a heap the Go
	// runtime can safely use, so live allocations are tracked in a fixed
	// array indexed by linear scan, the same discipline kernel/mm/vma uses
	// for its node pool, rather than a map.
	maxLiveAllocations = 256
	maxFramesPerAlloc  = 256

	dataAttrs  = uint64(vmm.AttrRW) | vmm.AttrMAIRNormal | vmm.AttrPXN
	guardAttrs = uint64(vmm.AttrNoAccess) | vmm.AttrPXN | vmm.AttrUXN
)

var (
	errOOM       = &kernel.Error{Module: "vmalloc", Message: "no free range large enough and the window is exhausted"}
	errBadSize   = &kernel.Error{Module: "vmalloc", Message: "size must be non-zero"}
	errTooLarge  = &kernel.Error{Module: "vmalloc", Message: "allocation exceeds the per-call frame limit"}
	errLiveTable = &kernel.Error{Module: "vmalloc", Message: "live-allocation table exhausted"}
)

type freeBlock struct {
	va, size uint64
}

// allocation tracks what a live vmalloc return value is backed by, so Free
// can undo exactly what Alloc did without re-deriving it from the page
// tables. frames is a fixed array, not a slice, so tracking a live
// allocation never allocates from the Go heap.
type allocation struct {
	inUse      bool
	va         uint64
	total      uint64
	frameCount int
	frames     [maxFramesPerAlloc]mm.Frame
}

var (
	lock sync.IRQSpinlock

	freePool  [maxFreeBlocks]freeBlock
	freeCount int
	bumpNext  = windowStart

	liveSlots [maxLiveAllocations]allocation

	rootTable *[512]uint64

	guardFrame = mm.InvalidFrame

	// allocPagesFn, freePagesFn, mapFn, unmapFn and tlbFlushRangeFn are
	// indirected through package-level variables, the same mockable-seam
	// convention used by kernel/mm/vma, so the free-list bookkeeping here
	// can be tested without a real physical allocator or page-table root.
	allocPagesFn    = pmm.AllocPages
	freePagesFn     = pmm.FreePages
	mapFn           = vmm.Map
	unmapFn         = vmm.Unmap
	tlbFlushRangeFn = vmm.TLBFlushRange
)

// SetRootTable installs the page table root Alloc/Free program into. The
// boot composer calls this once, after vmm.Init, before any vmalloc call.
func SetRootTable(table *[512]uint64) {
	rootTable = table
}

// Alloc reserves ceil(n/4096) data pages plus a guard page on either side
// from the vmalloc window, maps the data pages R/W normal-cacheable
// privileged-execute-never, and returns the virtual address of the first
// data page. A failure partway through allocation unwinds every page
// mapped and allocated so far before returning an error.
func Alloc(n uint64) (uint64, *kernel.Error) {
	if n == 0 {
		return 0, errBadSize
	}
	dataPages := mem.Size(n).Pages()
	if dataPages > maxFramesPerAlloc {
		return 0, errTooLarge
	}
	need := guardSize + dataPages*uint64(mem.PageSize) + guardSize

	savedFlags := lock.Lock()
	defer lock.Unlock(savedFlags)

	base, err := reserveRange(need)
	if err != nil {
		return 0, err
	}
	dataStart := base + guardSize

	slot := allocLiveSlot()
	if slot == nil {
		insertFree(base, need)
		return 0, errLiveTable
	}

	for i := uint64(0); i < dataPages; i++ {
		frame, ferr := allocPagesFn(1)
		if ferr != nil {
			rollback(dataStart, slot)
			insertFree(base, need)
			return 0, errOOM
		}
		va := dataStart + i*uint64(mem.PageSize)
		if merr := mapFn(rootTable, va, uint64(frame.Address()), dataAttrs); merr != nil {
			freePagesFn(frame, 1)
			rollback(dataStart, slot)
			insertFree(base, need)
			return 0, errOOM
		}
		slot.frames[slot.frameCount] = frame
		slot.frameCount++
	}

	dataEnd := dataStart + dataPages*uint64(mem.PageSize)
	if gerr := ensureGuardFrame(); gerr != nil {
		rollback(dataStart, slot)
		insertFree(base, need)
		return 0, errOOM
	}
	if merr := mapFn(rootTable, base, uint64(guardFrame.Address()), guardAttrs); merr != nil {
		rollback(dataStart, slot)
		insertFree(base, need)
		return 0, errOOM
	}
	if merr := mapFn(rootTable, dataEnd, uint64(guardFrame.Address()), guardAttrs); merr != nil {
		unmapFn(rootTable, base)
		rollback(dataStart, slot)
		insertFree(base, need)
		return 0, errOOM
	}

	tlbFlushRangeFn(base, need)

	slot.va = dataStart
	slot.total = need
	return dataStart, nil
}

// allocLiveSlot claims and returns the first free entry in liveSlots, or
// nil if the table is exhausted.
func allocLiveSlot() *allocation {
	for i := range liveSlots {
		if !liveSlots[i].inUse {
			liveSlots[i] = allocation{inUse: true}
			return &liveSlots[i]
		}
	}
	return nil
}

// findLiveSlot returns the in-use slot tracking va, or nil.
func findLiveSlot(va uint64) *allocation {
	for i := range liveSlots {
		if liveSlots[i].inUse && liveSlots[i].va == va {
			return &liveSlots[i]
		}
	}
	return nil
}

// liveCount returns the number of in-use live-allocation slots.
func liveCount() int {
	n := 0
	for i := range liveSlots {
		if liveSlots[i].inUse {
			n++
		}
	}
	return n
}

// ensureGuardFrame allocates, once, the single physical page every guard
// mapping in the window points at. Its contents are never read: the
// permission bits alone forbid access, so one shared frame backs every
// guard page in the kernel rather than one per allocation.
func ensureGuardFrame() *kernel.Error {
	if guardFrame.IsValid() {
		return nil
	}
	f, err := allocPagesFn(1)
	if err != nil {
		return err
	}
	guardFrame = f
	return nil
}

// rollback unmaps and frees every frame already committed to slot and
// releases slot back to the live-allocation table.
func rollback(dataStart uint64, slot *allocation) {
	for i := 0; i < slot.frameCount; i++ {
		va := dataStart + uint64(i)*uint64(mem.PageSize)
		unmapFn(rootTable, va)
		freePagesFn(slot.frames[i], 1)
	}
	*slot = allocation{}
}

// Free unmaps and returns to the PMM every data page of the allocation
// that began at va, unmaps both of its guard pages, and coalesces the
// reclaimed range back into the free list. va must be a value previously
// returned by Alloc; an untracked address is logged and ignored. n is
// accepted to mirror spec.md's vfree(va, n) contract but is not otherwise
// consulted — the allocation's true extent is the one Alloc recorded.
func Free(va, n uint64) {
	_ = n

	savedFlags := lock.Lock()
	defer lock.Unlock(savedFlags)

	slot := findLiveSlot(va)
	if slot == nil {
		klog.Printf(klog.Warning, "vmalloc: free of untracked address %#x ignored", va)
		return
	}

	base := va - guardSize
	for i := 0; i < slot.frameCount; i++ {
		pageVA := va + uint64(i)*uint64(mem.PageSize)
		unmapFn(rootTable, pageVA)
		freePagesFn(slot.frames[i], 1)
	}
	dataEnd := va + uint64(slot.frameCount)*uint64(mem.PageSize)
	unmapFn(rootTable, base)
	unmapFn(rootTable, dataEnd)
	total := slot.total
	*slot = allocation{}

	tlbFlushRangeFn(base, total)
	insertFree(base, total)
}

// reserveRange returns the base of a need-byte range from the window,
// preferring the smallest free block that still fits (best-fit, ties
// broken by whichever is found first) and falling back to extending the
// bump pointer when no free block is large enough.
func reserveRange(need uint64) (uint64, *kernel.Error) {
	best := -1
	for i := 0; i < freeCount; i++ {
		if freePool[i].size >= need && (best == -1 || freePool[i].size < freePool[best].size) {
			best = i
		}
	}
	if best >= 0 {
		blk := freePool[best]
		if blk.size > need {
			freePool[best] = freeBlock{va: blk.va + need, size: blk.size - need}
		} else {
			removeFreeAt(best)
		}
		return blk.va, nil
	}

	if bumpNext+need > windowEnd {
		return 0, errOOM
	}
	base := bumpNext
	bumpNext += need
	return base, nil
}

func removeFreeAt(i int) {
	freeCount--
	freePool[i] = freePool[freeCount]
	freePool[freeCount] = freeBlock{}
}

// insertFree adds [va, va+size) to the free list and coalesces.
func insertFree(va, size uint64) {
	if freeCount >= maxFreeBlocks {
		klog.Printf(klog.Warning, "vmalloc: free-list pool exhausted, %#x leaked", va)
		return
	}
	freePool[freeCount] = freeBlock{va: va, size: size}
	freeCount++
	coalesce()
}

// coalesce repeatedly merges any two free blocks whose ranges are adjacent
// until no more merges are possible.
func coalesce() {
	for {
		merged := false
		for i := 0; i < freeCount && !merged; i++ {
			for j := i + 1; j < freeCount; j++ {
				a, b := freePool[i], freePool[j]
				switch {
				case a.va+a.size == b.va:
					freePool[i].size += b.size
					removeFreeAt(j)
					merged = true
				case b.va+b.size == a.va:
					freePool[i].va = b.va
					freePool[i].size += b.size
					removeFreeAt(j)
					merged = true
				}
				if merged {
					break
				}
			}
		}
		if !merged {
			return
		}
	}
}
