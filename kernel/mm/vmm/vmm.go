// Package vmm edits ARM64 stage-1 page tables: a 4-level, 48-bit,
// 4 KiB-granule walk with one identity-mapped root (TTBR0) and one
// higher-half kernel root (TTBR1).
package vmm

import (
	"unsafe"

	"armkernel/kernel"
	"armkernel/kernel/mem"
	"armkernel/kernel/mm"
)

const (
	entriesPerTable = 512

	pgdShift = 39
	pudShift = 30
	pmdShift = 21
	pteShift = 12

	indexMask = 0x1FF
)

// Attr bits a caller combines and passes to Map/UpdateAttrs/MapRegion. The
// VALID and AF bits are added automatically by this package; callers
// supply only the permission and memory-type bits.
const (
	AttrRW         = 1 << 6  // AP[2:1] = 00 (read/write at EL1)
	AttrReadOnly   = 1 << 7  // AP[2:1] = 10
	AttrNoAccess   = 1 << 8  // neither read nor write permitted at EL1; combined with PXN/UXN for guard pages
	AttrPXN        = 1 << 53 // privileged execute-never
	AttrUXN        = 1 << 54 // unprivileged execute-never

	AttrMAIRDevice   = 0 << 2 // MAIR index 0: device-nGnRnE
	AttrMAIRNormalNC = 1 << 2 // MAIR index 1: normal, non-cacheable
	AttrMAIRNormal   = 2 << 2 // MAIR index 2: normal, cacheable

	pteValid = 1 << 0
	pteTable = 1 << 1
	pteAF    = 1 << 10

	addrMask = uint64(0x0000FFFFFFFFF000) // output address bits [47:12]
)

var (
	errOOM = &kernel.Error{Module: "vmm", Message: "page table allocation failed: out of physical memory"}
)

// allocTableFn allocates and zeroes one physical page for use as a page
// table; substituted by tests so they never call into pmm.
var allocTableFn = defaultAllocTable

func defaultAllocTable() (*[entriesPerTable]uint64, *kernel.Error) {
	frame, err := allocFrame()
	if err != nil {
		return nil, errOOM
	}
	addr := frame.Address()
	mem.Memset(addr, 0, mem.PageSize)
	return (*[entriesPerTable]uint64)(unsafe.Pointer(addr)), nil
}

// allocFrame is indirected so vmm depends on pmm only through this seam;
// wired to pmm.AllocPages(1) by the boot composer before any mapping call.
var allocFrame = func() (mm.Frame, *kernel.Error) {
	return mm.InvalidFrame, errOOM
}

// SetFrameAllocator wires the single-page allocator vmm uses for
// intermediate page tables, breaking the import cycle pmm would otherwise
// create (pmm's own bootstrap needs no virtual mappings, but vmm's table
// walks need physical pages).
func SetFrameAllocator(fn func() (mm.Frame, *kernel.Error)) {
	allocFrame = fn
}

func index(va uint64, shift uint) int {
	return int((va >> shift) & indexMask)
}

func tableAt(entry uint64) *[entriesPerTable]uint64 {
	return (*[entriesPerTable]uint64)(unsafe.Pointer(uintptr(entry & addrMask)))
}

// Map walks root, allocating any missing intermediate table from the
// physical allocator, and writes the leaf entry for va -> pa with
// VALID|AF|attrs. Re-mapping an already-present leaf overwrites it.
func Map(root *[entriesPerTable]uint64, va, pa uint64, attrs uint64) *kernel.Error {
	table := root
	for _, shift := range [3]uint{pgdShift, pudShift, pmdShift} {
		idx := index(va, shift)
		if table[idx]&pteValid == 0 {
			next, err := allocTableFn()
			if err != nil {
				return err
			}
			table[idx] = uint64(uintptr(unsafe.Pointer(next))) | pteTable | pteValid
		}
		table = tableAt(table[idx])
	}

	idx := index(va, pteShift)
	table[idx] = (pa &^ uint64(mem.PageMask)) | attrs | pteAF | pteValid
	return nil
}

// Unmap clears the leaf entry for va if present. Intermediate tables are
// left allocated; callers must issue their own TLB maintenance.
func Unmap(root *[entriesPerTable]uint64, va uint64) {
	table := root
	for _, shift := range [3]uint{pgdShift, pudShift, pmdShift} {
		idx := index(va, shift)
		if table[idx]&pteValid == 0 {
			return
		}
		table = tableAt(table[idx])
	}
	table[index(va, pteShift)] = 0
}

// UpdateAttrs rewrites the attribute bits of an existing leaf entry,
// preserving its physical frame. Mapping an absent entry is a no-op.
func UpdateAttrs(root *[entriesPerTable]uint64, va uint64, attrs uint64) {
	table := root
	for _, shift := range [3]uint{pgdShift, pudShift, pmdShift} {
		idx := index(va, shift)
		if table[idx]&pteValid == 0 {
			return
		}
		table = tableAt(table[idx])
	}
	idx := index(va, pteShift)
	if table[idx]&pteValid == 0 {
		return
	}
	pa := table[idx] & addrMask
	table[idx] = pa | attrs | pteAF | pteValid
}

// MapRegion maps ceil(size/PageSize) pages, identity-offset from pa, at
// KernelBase()+pa in the higher-half root.
func MapRegion(root *[entriesPerTable]uint64, pa, size uint64, attrs uint64) *kernel.Error {
	paAligned := pa &^ uint64(mem.PageMask)
	sizeAligned := (size + uint64(mem.PageMask)) &^ uint64(mem.PageMask)

	for off := uint64(0); off < sizeAligned; off += uint64(mem.PageSize) {
		va := KernelBase() + paAligned + off
		if err := Map(root, va, paAligned+off, attrs); err != nil {
			return err
		}
	}
	return nil
}
